package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func intPtr(v int) *int { return &v }

func TestApplicabilityMatches(t *testing.T) {
	adultMale := Applicability{Sex: SexMale, AgeFromDays: intPtr(6570)}
	assert.True(t, adultMale.Matches(SexMale, 10000))
	assert.False(t, adultMale.Matches(SexFemale, 10000))
	assert.False(t, adultMale.Matches(SexMale, 100))
	assert.False(t, adultMale.Matches(SexMale, -1))

	unisex := Applicability{Sex: SexAny}
	assert.True(t, unisex.Matches(SexFemale, -1))
	assert.Greater(t, adultMale.Specificity(), unisex.Specificity())
}

func TestOrderItemOpenForResult(t *testing.T) {
	item := OrderItem{State: StateAwaitingResult}
	assert.True(t, item.OpenForResult())

	item.ResultID = "r-1"
	assert.False(t, item.OpenForResult())

	item = OrderItem{State: StateRerun}
	assert.True(t, item.OpenForResult())

	item = OrderItem{State: StatePreliminaryApproved}
	assert.False(t, item.OpenForResult())
}

func TestParsedResultNumericValue(t *testing.T) {
	v, ok := ParsedResult{RawValue: " 120 "}.NumericValue()
	assert.True(t, ok)
	assert.Equal(t, 120.0, v)

	_, ok = ParsedResult{RawValue: ">500"}.NumericValue()
	assert.False(t, ok)
}

func TestSameReading(t *testing.T) {
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	r := ResolvedResult{RawValue: "120", InstrumentTime: &at}
	assert.True(t, r.SameReading(ParsedResult{RawValue: "120", InstrumentTime: &at}))
	assert.False(t, r.SameReading(ParsedResult{RawValue: "121", InstrumentTime: &at}))
	assert.False(t, r.SameReading(ParsedResult{RawValue: "120"}))
}
