package repository

import (
	"context"
	"errors"

	"wisefido-lis/internal/domain"
)

// FrameRepository 原始帧日志与处理水位
type FrameRepository interface {
	// 写入原始帧；同一 (analyzer, sequence) 重复写入视为成功
	AppendFrame(ctx context.Context, frame domain.RawFrame) error

	// 该仪器已写入的最大序号，无记录时为 0
	LastSequence(ctx context.Context, analyzerID string) (int64, error)

	// 序号大于 after 的帧，按序号升序
	ListFramesAfter(ctx context.Context, analyzerID string, after int64, limit int) ([]domain.RawFrame, error)

	// 水位不存在时返回 ErrNotFound
	GetWatermark(ctx context.Context, analyzerID string) (*domain.Watermark, error)
	SaveWatermark(ctx context.Context, wm domain.Watermark) error
}

// SequenceReader 读取帧日志序号与处理水位
type SequenceReader interface {
	LastSequence(ctx context.Context, analyzerID string) (int64, error)
	GetWatermark(ctx context.Context, analyzerID string) (*domain.Watermark, error)
}

// HighestSequence 该仪器已分配的最大帧序号，取帧日志与处理水位的较大者
//
// 已被消费但未写入日志的帧也会推进水位，新序号必须越过它，否则会被当作重放跳过。
func HighestSequence(ctx context.Context, frames SequenceReader, analyzerID string) (int64, error) {
	last, err := frames.LastSequence(ctx, analyzerID)
	if err != nil {
		return 0, err
	}
	wm, err := frames.GetWatermark(ctx, analyzerID)
	if errors.Is(err, domain.ErrNotFound) {
		return last, nil
	}
	if err != nil {
		return 0, err
	}
	if wm.Sequence > last {
		return wm.Sequence, nil
	}
	return last, nil
}
