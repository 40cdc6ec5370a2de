// Package quota tracks per-tier AI call budgets and picks the tier a stage
// may call right now.
package quota

import (
	"fmt"
	"sync"
	"time"

	"linkdigest/internal/runstore"
)

// Limits caps calls per rolling minute window and per UTC day. Zero means
// unlimited.
type Limits struct {
	PerMinute int `json:"per_minute" mapstructure:"per_minute"`
	PerDay    int `json:"per_day" mapstructure:"per_day"`
}

type Tier struct {
	Name   string `json:"name" mapstructure:"name"`
	Model  string `json:"model" mapstructure:"model"`
	Limits `mapstructure:",squash"`
}

// DefaultTiers mirrors the Gemini free-tier models the bot was built around.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "pro", Model: "gemini-2.5-pro", Limits: Limits{PerMinute: 5, PerDay: 100}},
		{Name: "flash", Model: "gemini-2.5-flash", Limits: Limits{PerMinute: 10, PerDay: 250}},
		{Name: "flash-lite", Model: "gemini-2.5-flash-lite", Limits: Limits{PerMinute: 15, PerDay: 1000}},
	}
}

type Clock func() time.Time

// State is the counter snapshot for one tier.
type State struct {
	Tier              string    `json:"tier"`
	Limits            Limits    `json:"limits"`
	MinuteCount       int       `json:"minute_count"`
	MinuteWindowStart time.Time `json:"minute_window_start"`
	DayCount          int       `json:"day_count"`
	Day               string    `json:"day"`
	ExhaustedUntil    time.Time `json:"exhausted_until,omitempty"`
}

// Observer is told about every acquisition attempt.
type Observer func(tier string, acquired bool)

type Option func(*Ledger)

func WithClock(c Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

func WithObserver(o Observer) Option {
	return func(l *Ledger) { l.observe = o }
}

// WithPersist saves the counters to path after every granted call and every
// MarkExhausted, so a crashed or long-running process keeps its daily usage.
// onErr may be nil.
func WithPersist(path string, onErr func(error)) Option {
	return func(l *Ledger) {
		l.persistPath = path
		l.persistErr = onErr
	}
}

// Ledger is safe for concurrent use. Every check-and-increment happens under
// one mutex so concurrent callers can never overshoot a limit.
type Ledger struct {
	mu      sync.Mutex
	clock   Clock
	observe Observer
	order   []string
	tiers   map[string]Tier
	states  map[string]*State

	// saveMu orders snapshots and writes so an older snapshot never lands last.
	saveMu      sync.Mutex
	persistPath string
	persistErr  func(error)
}

func NewLedger(tiers []Tier, opts ...Option) *Ledger {
	l := &Ledger{
		clock:  time.Now,
		tiers:  make(map[string]Tier, len(tiers)),
		states: make(map[string]*State, len(tiers)),
	}
	for _, o := range opts {
		o(l)
	}
	for _, t := range tiers {
		if _, dup := l.tiers[t.Name]; dup || t.Name == "" {
			continue
		}
		l.order = append(l.order, t.Name)
		l.tiers[t.Name] = t
		l.states[t.Name] = &State{Tier: t.Name, Limits: t.Limits}
	}
	return l
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func nextUTCMidnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func (st *State) roll(now time.Time) {
	if st.MinuteWindowStart.IsZero() || now.Sub(st.MinuteWindowStart) >= time.Minute {
		st.MinuteWindowStart = now
		st.MinuteCount = 0
	}
	if day := dayKey(now); st.Day != day {
		st.Day = day
		st.DayCount = 0
	}
}

func (st *State) blockedUntil(now time.Time) time.Time {
	var until time.Time
	if now.Before(st.ExhaustedUntil) {
		until = st.ExhaustedUntil
	}
	if st.Limits.PerMinute > 0 && st.MinuteCount >= st.Limits.PerMinute {
		if next := st.MinuteWindowStart.Add(time.Minute); next.After(until) {
			until = next
		}
	}
	if st.Limits.PerDay > 0 && st.DayCount >= st.Limits.PerDay {
		if next := nextUTCMidnight(now); next.After(until) {
			until = next
		}
	}
	return until
}

// TryAcquire spends one call from tier if both windows have headroom. It
// never partially increments. Unknown tiers are never acquired.
func (l *Ledger) TryAcquire(tier string) bool {
	l.mu.Lock()
	ok := l.tryAcquireLocked(tier)
	observe := l.observe
	l.mu.Unlock()

	if observe != nil {
		observe(tier, ok)
	}
	if ok {
		l.persist()
	}
	return ok
}

func (l *Ledger) tryAcquireLocked(tier string) bool {
	st, ok := l.states[tier]
	if !ok {
		return false
	}
	now := l.clock()
	st.roll(now)
	if !st.blockedUntil(now).IsZero() {
		return false
	}
	st.MinuteCount++
	st.DayCount++
	return true
}

// NextWindow returns the earliest time tier could be acquired again. A tier
// with headroom returns the current time.
func (l *Ledger) NextWindow(tier string) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[tier]
	if !ok {
		return time.Time{}, fmt.Errorf("unknown tier %q", tier)
	}
	now := l.clock()
	st.roll(now)
	if until := st.blockedUntil(now); !until.IsZero() {
		return until, nil
	}
	return now, nil
}

// MarkExhausted closes tier until the given time, for when the provider
// reports exhaustion before local counters do.
func (l *Ledger) MarkExhausted(tier string, until time.Time) {
	l.mu.Lock()
	changed := false
	if st, ok := l.states[tier]; ok && until.After(st.ExhaustedUntil) {
		st.ExhaustedUntil = until
		changed = true
	}
	l.mu.Unlock()
	if changed {
		l.persist()
	}
}

func (l *Ledger) State(tier string) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[tier]
	if !ok {
		return State{}, false
	}
	st.roll(l.clock())
	return *st, true
}

// Snapshot returns every tier's state in configuration order.
func (l *Ledger) Snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	out := make([]State, 0, len(l.order))
	for _, name := range l.order {
		st := l.states[name]
		st.roll(now)
		out = append(out, *st)
	}
	return out
}

func (l *Ledger) Tiers() []Tier {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Tier, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, l.tiers[name])
	}
	return out
}

// Model returns the provider model name configured for tier.
func (l *Ledger) Model(tier string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.tiers[tier]; ok && t.Model != "" {
		return t.Model
	}
	return tier
}

type ledgerFile struct {
	SavedAt time.Time `json:"saved_at"`
	Tiers   []State   `json:"tiers"`
}

// Save writes the counters so daily usage survives a restart.
func (l *Ledger) Save(path string) error {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()
	snap := ledgerFile{SavedAt: l.clock().UTC(), Tiers: l.Snapshot()}
	return runstore.WriteJSON(path, snap)
}

func (l *Ledger) persist() {
	if l.persistPath == "" {
		return
	}
	if err := l.Save(l.persistPath); err != nil && l.persistErr != nil {
		l.persistErr(err)
	}
}

// Load restores counters written by Save. Missing files are not an error;
// limits always come from the current configuration.
func (l *Ledger) Load(path string) error {
	var f ledgerFile
	if err := runstore.ReadJSON(path, &f); err != nil {
		if runstore.IsNotExist(err) {
			return nil
		}
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	for _, saved := range f.Tiers {
		st, ok := l.states[saved.Tier]
		if !ok {
			continue
		}
		st.MinuteCount = saved.MinuteCount
		st.MinuteWindowStart = saved.MinuteWindowStart
		st.DayCount = saved.DayCount
		st.Day = saved.Day
		st.ExhaustedUntil = saved.ExhaustedUntil
		st.roll(now)
	}
	return nil
}
