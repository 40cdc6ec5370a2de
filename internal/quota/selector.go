package quota

import "time"

// Selection is the outcome of Select: either an acquired tier or exhausted.
type Selection struct {
	Tier     string
	Acquired bool
}

func Acquired(tier string) Selection { return Selection{Tier: tier, Acquired: true} }

func Exhausted() Selection { return Selection{} }

type Selector struct {
	ledger   *Ledger
	fallback []string
}

// NewSelector uses fallback when a caller passes no preference. An empty
// fallback means every configured tier in configuration order.
func NewSelector(ledger *Ledger, fallback []string) *Selector {
	if len(fallback) == 0 {
		for _, t := range ledger.Tiers() {
			fallback = append(fallback, t.Name)
		}
	}
	return &Selector{ledger: ledger, fallback: append([]string(nil), fallback...)}
}

// Select walks preferred in order and returns the first tier it could
// acquire. It never blocks.
func (s *Selector) Select(preferred ...string) Selection {
	if len(preferred) == 0 {
		preferred = s.fallback
	}
	for _, tier := range preferred {
		if s.ledger.TryAcquire(tier) {
			return Acquired(tier)
		}
	}
	return Exhausted()
}

// Chain returns preferred followed by the configured fallback tiers not
// already listed, so a stage asking for one tier can still fall back.
func (s *Selector) Chain(preferred ...string) []string {
	out := make([]string, 0, len(preferred)+len(s.fallback))
	seen := make(map[string]bool, cap(out))
	for _, list := range [][]string{preferred, s.fallback} {
		for _, t := range list {
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// Earliest returns the soonest NextWindow across tiers.
func (s *Selector) Earliest(tiers ...string) time.Time {
	if len(tiers) == 0 {
		tiers = s.fallback
	}
	var best time.Time
	for _, t := range tiers {
		next, err := s.ledger.NextWindow(t)
		if err != nil {
			continue
		}
		if best.IsZero() || next.Before(best) {
			best = next
		}
	}
	return best
}

func (s *Selector) Ledger() *Ledger { return s.ledger }
