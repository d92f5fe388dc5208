package qc

import "math"

// Stats 描述性统计
type Stats struct {
	N    int     `json:"n"`
	Mean float64 `json:"mean"`
	SD   float64 `json:"sd"`
	CV   float64 `json:"cv"` // 百分比
}

// Describe 计算均值、样本标准差与变异系数
func Describe(values []float64) Stats {
	s := Stats{N: len(values)}
	if s.N == 0 {
		return s
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	s.Mean = sum / float64(s.N)
	if s.N < 2 {
		return s
	}
	var sq float64
	for _, v := range values {
		d := v - s.Mean
		sq += d * d
	}
	s.SD = math.Sqrt(sq / float64(s.N-1))
	if s.Mean != 0 {
		s.CV = s.SD / math.Abs(s.Mean) * 100
	}
	return s
}

// Z 以该统计量为基准的 Z 分数
func (s Stats) Z(v float64) float64 {
	if s.SD == 0 {
		return 0
	}
	return (v - s.Mean) / s.SD
}
