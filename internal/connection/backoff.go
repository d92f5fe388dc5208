package connection

import "time"

// Backoff 指数退避：initial 起每次翻倍，不超过 max
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff 创建退避器
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max}
}

// Next 返回本次等待时长并推进
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.initial
		return b.current
	}
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return b.current
}

// Reset 连接成功后复位
func (b *Backoff) Reset() {
	b.current = 0
}
