package domain

import "time"

// Applicability 按性别与年龄（天）限定的适用范围
type Applicability struct {
	Sex         Sex  `json:"sex"`
	AgeFromDays *int `json:"age_from_days,omitempty"`
	AgeToDays   *int `json:"age_to_days,omitempty"`
}

// Matches 是否适用于该患者；ageDays < 0 表示年龄未知，只匹配无年龄限制的条目
func (a Applicability) Matches(sex Sex, ageDays int) bool {
	if a.Sex != "" && a.Sex != SexAny && a.Sex != sex {
		return false
	}
	if ageDays < 0 {
		return a.AgeFromDays == nil && a.AgeToDays == nil
	}
	if a.AgeFromDays != nil && ageDays < *a.AgeFromDays {
		return false
	}
	if a.AgeToDays != nil && ageDays > *a.AgeToDays {
		return false
	}
	return true
}

// Specificity 越具体得分越高，用于在多条适用条目中选择
func (a Applicability) Specificity() int {
	score := 0
	if a.Sex != "" && a.Sex != SexAny {
		score += 2
	}
	if a.AgeFromDays != nil || a.AgeToDays != nil {
		score++
	}
	return score
}

// ReferenceRange 参考范围
type ReferenceRange struct {
	RangeID string `json:"range_id"`
	TestID  string `json:"test_id"`
	Applicability
	Low  *float64 `json:"low,omitempty"`
	High *float64 `json:"high,omitempty"`
	Unit string   `json:"unit,omitempty"`
}

// CriticalThreshold 危急值阈值
type CriticalThreshold struct {
	ThresholdID string `json:"threshold_id"`
	TestID      string `json:"test_id"`
	Applicability
	CriticalLow  *float64     `json:"critical_low,omitempty"`
	CriticalHigh *float64     `json:"critical_high,omitempty"`
	PanicLow     *float64     `json:"panic_low,omitempty"`
	PanicHigh    *float64     `json:"panic_high,omitempty"`
	AckTimeout   time.Duration `json:"ack_timeout,omitempty"`
}

// DeltaRule 差值检查规则
type DeltaRule struct {
	TestID          string        `json:"test_id"`
	MaxDeltaPercent float64       `json:"max_delta_percent"`
	Lookback        time.Duration `json:"lookback"`
}

// Catalog 项目配置快照
type Catalog struct {
	Mappings   []TestMapping       `json:"mappings"`
	Ranges     []ReferenceRange    `json:"ranges"`
	Thresholds []CriticalThreshold `json:"thresholds"`
	DeltaRules []DeltaRule         `json:"delta_rules"`
}
