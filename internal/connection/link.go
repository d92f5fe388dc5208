package connection

import (
	"wisefido-lis/internal/codec"
	"wisefido-lis/internal/domain"
)

type eventKind int

const (
	eventAck      eventKind = iota // 单字节 ACK
	eventNak                       // 单字节 NAK
	eventAppAck                    // HL7 MSA 应用确认
	eventBoundary                  // 帧或消息结束，可以落盘
)

type linkEvent struct {
	kind eventKind
	ack  codec.Ack
}

// link 链路层应答：对仪器的 ENQ/帧/消息即时回复，并把确认交给发送流程
type link interface {
	// feed 扫描收到的字节，返回需立即写回的应答与事件
	feed(b []byte) ([]byte, []linkEvent)
	// busy 仪器正在发送（ENQ 之后、EOT 之前）
	busy() bool
	// probe 心跳探测字节，nil 表示依赖 TCP keep-alive
	probe() []byte
	// release 探测得到 ACK 后释放线路
	release() []byte
}

func newLink(p domain.Protocol, hl7 *codec.HL7Codec) link {
	switch p {
	case domain.ProtocolHL7:
		return &hl7Link{codec: hl7}
	case domain.ProtocolASTM1394:
		return &astmLink{framed: false}
	default:
		return &astmLink{framed: true}
	}
}

// astmLink E1381 接收方：ENQ 回 ACK，帧校验通过回 ACK、失败回 NAK
type astmLink struct {
	framed    bool
	receiving bool
	inFrame   bool
	tail      int // ETX/ETB 之后还需读取的字节数
	frame     []byte
}

func (l *astmLink) feed(b []byte) ([]byte, []linkEvent) {
	var (
		reply  []byte
		events []linkEvent
	)
	for _, c := range b {
		if l.inFrame {
			if c == codec.STX {
				// 上一帧未结束即出现新帧，按新帧处理
				l.frame = append(l.frame[:0], c)
				l.tail = 0
				continue
			}
			l.frame = append(l.frame, c)
			switch {
			case l.tail > 0:
				l.tail--
				if l.tail == 0 {
					if codec.VerifyFrame(l.frame) {
						reply = append(reply, codec.ACK)
					} else {
						reply = append(reply, codec.NAK)
					}
					l.inFrame = false
					l.frame = l.frame[:0]
					events = append(events, linkEvent{kind: eventBoundary})
				}
			case c == codec.ETX || c == codec.ETB:
				l.tail = 3 // C1 C2 CR
			}
			continue
		}

		switch c {
		case codec.ENQ:
			l.receiving = true
			reply = append(reply, codec.ACK)
		case codec.STX:
			if l.framed && l.receiving {
				l.inFrame = true
				l.frame = append(l.frame[:0], c)
				l.tail = 0
			}
		case codec.CR:
			if !l.framed && l.receiving {
				events = append(events, linkEvent{kind: eventBoundary})
			}
		case codec.EOT:
			if l.receiving {
				l.receiving = false
				if !l.framed {
					reply = append(reply, codec.ACK)
				}
				events = append(events, linkEvent{kind: eventBoundary})
			}
		case codec.ACK:
			if !l.receiving {
				events = append(events, linkEvent{kind: eventAck})
			}
		case codec.NAK:
			if !l.receiving {
				events = append(events, linkEvent{kind: eventNak})
			}
		}
	}
	return reply, events
}

func (l *astmLink) busy() bool      { return l.receiving }
func (l *astmLink) probe() []byte   { return []byte{codec.ENQ} }
func (l *astmLink) release() []byte { return []byte{codec.EOT} }

// hl7Link MLLP 接收方：每条非确认消息回 ACK^AA，确认消息转为 eventAppAck
type hl7Link struct {
	codec   *codec.HL7Codec
	inBlock bool
	awaitCR bool
	block   []byte
}

func (l *hl7Link) feed(b []byte) ([]byte, []linkEvent) {
	var (
		reply  []byte
		events []linkEvent
	)
	for _, c := range b {
		if l.awaitCR {
			// FS 之后的字节（通常为 CR）结束本条消息
			l.awaitCR = false
			events = append(events, linkEvent{kind: eventBoundary})
			if c == codec.CR {
				continue
			}
		}
		switch {
		case c == codec.VT:
			l.inBlock = true
			l.block = l.block[:0]
		case !l.inBlock:
		case c == codec.FS:
			l.inBlock = false
			l.awaitCR = true
			r, evs := l.complete(l.block)
			reply = append(reply, r...)
			events = append(events, evs...)
		default:
			l.block = append(l.block, c)
		}
	}
	return reply, events
}

func (l *hl7Link) complete(msg []byte) ([]byte, []linkEvent) {
	info, err := codec.ParseHeader(msg)
	if err != nil {
		return nil, nil
	}
	if info.Type == "ACK" || info.Type == "ORR" {
		var events []linkEvent
		for _, a := range codec.ParseAcks(msg) {
			events = append(events, linkEvent{kind: eventAppAck, ack: a})
		}
		return nil, events
	}
	ack, err := l.codec.BuildHL7Ack(msg, "AA", "")
	if err != nil {
		return nil, nil
	}
	return ack, nil
}

func (l *hl7Link) busy() bool      { return l.inBlock }
func (l *hl7Link) probe() []byte   { return nil }
func (l *hl7Link) release() []byte { return nil }
