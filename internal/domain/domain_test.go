package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidSymbol(t *testing.T) {
	valid := []string{"A", "VIGL", "BRK", "ABC123"}
	for _, s := range valid {
		assert.True(t, ValidSymbol(s), s)
	}

	invalid := []string{"", "toolong7", "brk.a", "ABC-D", "lower"}
	for _, s := range invalid {
		assert.False(t, ValidSymbol(s), s)
	}
}

func TestClassifyFloat(t *testing.T) {
	tests := []struct {
		shares float64
		want   FloatClass
	}{
		{0, FloatUnknown},
		{-1, FloatUnknown},
		{50_000_000, FloatSmall},
		{75_000_000, FloatSmall},
		{100_000_000, FloatMid},
		{150_000_000, FloatLarge},
		{900_000_000, FloatLarge},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyFloat(tt.shares))
	}
}

func TestValueKnownMissing(t *testing.T) {
	k := Known(0.42, SourceProvider, 0.9)
	v, ok := k.Get()
	require.True(t, ok)
	assert.Equal(t, 0.42, v)
	assert.Equal(t, SourceProvider, k.Source())
	assert.False(t, k.FromFallbackSource())

	m := Missing("no_short_data")
	_, ok = m.Get()
	assert.False(t, ok)
	assert.Equal(t, "no_short_data", m.MissingReason())

	fb := Known(0.15, SourceSectorFallback, 0.2)
	assert.True(t, fb.FromFallbackSource())
}

func TestValueJSONRoundTrip(t *testing.T) {
	orig := Known(1.8, SourceCache, 0.7)
	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var back Value
	require.NoError(t, json.Unmarshal(data, &back))
	v, ok := back.Get()
	require.True(t, ok)
	assert.Equal(t, 1.8, v)
	assert.Equal(t, SourceCache, back.Source())
}

func TestSessionAt(t *testing.T) {
	// 2026-08-19 is a Wednesday.
	day := func(h, m int) time.Time {
		return time.Date(2026, 8, 19, h, m, 0, 0, eastern)
	}
	assert.Equal(t, SessionClosed, SessionAt(day(3, 59)))
	assert.Equal(t, SessionPremarket, SessionAt(day(4, 0)))
	assert.Equal(t, SessionPremarket, SessionAt(day(9, 29)))
	assert.Equal(t, SessionRegular, SessionAt(day(9, 30)))
	assert.Equal(t, SessionRegular, SessionAt(day(15, 59)))
	assert.Equal(t, SessionAfterhours, SessionAt(day(16, 0)))
	assert.Equal(t, SessionAfterhours, SessionAt(day(19, 59)))
	assert.Equal(t, SessionClosed, SessionAt(day(20, 0)))

	saturday := time.Date(2026, 8, 22, 11, 0, 0, 0, eastern)
	assert.Equal(t, SessionClosed, SessionAt(saturday))
}

func TestBusinessHoursBefore(t *testing.T) {
	// Monday 10:00 ET minus 12 business hours must land on Friday,
	// skipping the whole weekend.
	mon := time.Date(2026, 8, 24, 10, 0, 0, 0, eastern)
	got := BusinessHoursBefore(mon, 12)
	assert.Equal(t, time.Friday, got.In(eastern).Weekday())
}
