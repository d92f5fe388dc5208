package qc

import (
	"fmt"
	"math"
	"strings"
)

// 规则名称
const (
	Rule12s = "1-2s"
	Rule13s = "1-3s"
	Rule22s = "2-2s"
	RuleR4s = "R-4s"
	Rule41s = "4-1s"
	Rule10x = "10-x"
)

// DefaultRules 默认判定顺序，第一个违反的规则作为拒收原因
var DefaultRules = []string{Rule13s, Rule22s, RuleR4s, Rule41s, Rule10x}

// Rule Westgard 规则，zs 为按时间升序的 Z 分数，最后一个是本次测定
type Rule struct {
	Name  string
	Check func(zs []float64) bool
}

var ruleSet = map[string]Rule{
	Rule12s: {Name: Rule12s, Check: func(zs []float64) bool {
		return math.Abs(zs[len(zs)-1]) > 2
	}},
	Rule13s: {Name: Rule13s, Check: func(zs []float64) bool {
		return math.Abs(zs[len(zs)-1]) > 3
	}},
	Rule22s: {Name: Rule22s, Check: func(zs []float64) bool {
		return sameSide(zs, 2, 2)
	}},
	RuleR4s: {Name: RuleR4s, Check: func(zs []float64) bool {
		if len(zs) < 2 {
			return false
		}
		cur, prev := zs[len(zs)-1], zs[len(zs)-2]
		return (cur > 2 && prev < -2) || (cur < -2 && prev > 2)
	}},
	Rule41s: {Name: Rule41s, Check: func(zs []float64) bool {
		return sameSide(zs, 4, 1)
	}},
	Rule10x: {Name: Rule10x, Check: func(zs []float64) bool {
		return sameSide(zs, 10, 0)
	}},
}

// sameSide 最近 n 个点是否都在均值同一侧且超过 limit 个 SD
func sameSide(zs []float64, n int, limit float64) bool {
	if len(zs) < n {
		return false
	}
	tail := zs[len(zs)-n:]
	above, below := true, true
	for _, z := range tail {
		if z <= limit {
			above = false
		}
		if z >= -limit {
			below = false
		}
	}
	return above || below
}

// ParseRules 按名称解析规则列表，保持给定顺序
func ParseRules(names []string) ([]Rule, error) {
	if len(names) == 0 {
		names = DefaultRules
	}
	out := make([]Rule, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		r, ok := ruleSet[name]
		if !ok {
			return nil, fmt.Errorf("unknown westgard rule %q", name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, r)
	}
	return out, nil
}

// evaluate 依次检查规则，返回违反的规则（按顺序）
func evaluate(rules []Rule, zs []float64) []string {
	var violated []string
	for _, r := range rules {
		if r.Check(zs) {
			violated = append(violated, r.Name)
		}
	}
	return violated
}
