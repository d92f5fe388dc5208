package domain

import "errors"

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("not found")
	// ErrTransport 连接或读写失败
	ErrTransport = errors.New("transport error")
	// ErrUnmapped 结果无法自动匹配医嘱
	ErrUnmapped = errors.New("result not mapped")
	// ErrDispatchFailed 工作单下发重试耗尽
	ErrDispatchFailed = errors.New("dispatch failed")
	// ErrSafetyBlock 危急值未确认或质控未通过，禁止审核
	ErrSafetyBlock = errors.New("blocked by safety check")
	// ErrInvalidTransition 非法状态迁移
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNotConnected 仪器会话未就绪
	ErrNotConnected = errors.New("analyzer not connected")
	// ErrInvalidArgument 参数错误
	ErrInvalidArgument = errors.New("invalid argument")
)
