package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelect_FallsBackInCallerOrder(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := NewLedger([]Tier{
		{Name: "pro", Limits: Limits{PerMinute: 1}},
		{Name: "flash", Limits: Limits{PerMinute: 1}},
	}, WithClock(clock.Now))
	s := NewSelector(l, nil)

	assert.Equal(t, Acquired("pro"), s.Select("pro", "flash"))
	assert.Equal(t, Acquired("flash"), s.Select("pro", "flash"))

	sel := s.Select("pro", "flash")
	assert.False(t, sel.Acquired)
	assert.Equal(t, Exhausted(), sel)

	st, _ := l.State("pro")
	assert.Equal(t, 1, st.MinuteCount, "failed selection must not spend quota")
}

func TestSelect_UsesFallbackWhenNoPreference(t *testing.T) {
	l := NewLedger(DefaultTiers())
	s := NewSelector(l, []string{"flash-lite", "flash"})
	assert.Equal(t, Acquired("flash-lite"), s.Select())

	all := NewSelector(l, nil)
	assert.Equal(t, []string{"pro", "flash", "flash-lite"}, all.Chain())
}

func TestChain_PreferredFirstWithoutDuplicates(t *testing.T) {
	s := NewSelector(NewLedger(DefaultTiers()), []string{"flash-lite", "flash", "pro"})
	assert.Equal(t, []string{"pro", "flash-lite", "flash"}, s.Chain("pro"))
}

func TestEarliest(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := NewLedger([]Tier{
		{Name: "pro", Limits: Limits{PerDay: 1}},
		{Name: "flash", Limits: Limits{PerMinute: 1}},
	}, WithClock(clock.Now))
	s := NewSelector(l, nil)
	require.True(t, l.TryAcquire("pro"))
	require.True(t, l.TryAcquire("flash"))

	assert.Equal(t, clock.Now().Add(time.Minute), s.Earliest())
	assert.Equal(t, "gemini-2.5-flash", NewLedger(DefaultTiers()).Model("flash"))
}
