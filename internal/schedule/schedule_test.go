package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

func TestParse(t *testing.T) {
	for _, expr := range []string{"", "@none", "None"} {
		s, err := Parse(expr)
		require.NoError(t, err, expr)
		assert.Nil(t, s, expr)
	}

	s, err := Parse("@once")
	require.NoError(t, err)
	assert.IsType(t, Once{}, s)

	for _, expr := range []string{"@daily", "@hourly", "*/5 * * * *", "0 6 * * 1-5", "@every 90s"} {
		s, err := Parse(expr)
		require.NoError(t, err, expr)
		assert.NotNil(t, s, expr)
	}

	_, err = Parse("every other tuesday")
	assert.Error(t, err)
	assert.Error(t, Validate("61 * * * *"))
}

func TestNextDue_Daily(t *testing.T) {
	s, err := Parse("@daily")
	require.NoError(t, err)

	t.Run("first interval not complete", func(t *testing.T) {
		_, ok := NextDue(s, day(1), nil, day(1).Add(23*time.Hour), true, nil)
		assert.False(t, ok)
	})

	t.Run("first interval complete", func(t *testing.T) {
		iv, ok := NextDue(s, day(1), nil, day(2), true, nil)
		require.True(t, ok)
		assert.Equal(t, day(1), iv.Start)
		assert.Equal(t, day(2), iv.End)
	})

	t.Run("catchup walks one interval at a time", func(t *testing.T) {
		last := day(1)
		iv, ok := NextDue(s, day(1), &last, day(5).Add(time.Hour), true, nil)
		require.True(t, ok)
		assert.Equal(t, day(2), iv.Start)
	})

	t.Run("no catchup jumps to latest complete interval", func(t *testing.T) {
		last := day(1)
		iv, ok := NextDue(s, day(1), &last, day(5).Add(time.Hour), false, nil)
		require.True(t, ok)
		assert.Equal(t, day(4), iv.Start)
		assert.Equal(t, day(5), iv.End)
	})

	t.Run("end date stops scheduling", func(t *testing.T) {
		last := day(2)
		end := day(2).Add(12 * time.Hour)
		_, ok := NextDue(s, day(1), &last, day(10), true, &end)
		assert.False(t, ok)
	})

	t.Run("unaligned anchor rounds up", func(t *testing.T) {
		iv, ok := NextDue(s, day(1).Add(3*time.Hour), nil, day(3), true, nil)
		require.True(t, ok)
		assert.Equal(t, day(2), iv.Start)
	})
}

func TestNextDue_Once(t *testing.T) {
	s := Once{}
	_, ok := NextDue(s, day(3), nil, day(2), false, nil)
	assert.False(t, ok)

	iv, ok := NextDue(s, day(3), nil, day(4), false, nil)
	require.True(t, ok)
	assert.Equal(t, day(3), iv.Start)

	last := day(3)
	_, ok = NextDue(s, day(3), &last, day(9), false, nil)
	assert.False(t, ok)
}

func TestNextDue_Every(t *testing.T) {
	s, err := Parse("@every 10m")
	require.NoError(t, err)

	anchor := day(1)
	iv, ok := NextDue(s, anchor, nil, anchor.Add(10*time.Minute), true, nil)
	require.True(t, ok)
	assert.Equal(t, anchor, iv.Start)
	assert.Equal(t, anchor.Add(10*time.Minute), iv.End)
}

func TestNextDue_Manual(t *testing.T) {
	_, ok := NextDue(nil, day(1), nil, day(9), true, nil)
	assert.False(t, ok)
}
