package scheduler

import (
	"time"

	"linkdigest/internal/model"
)

// batchState tracks one RunBatch call. Guarded by Scheduler.mu.
type batchState struct {
	id      string
	started time.Time
	inputs  []model.Item
	// uniqueOf maps an input position to its index in unique.
	uniqueOf []int
	unique   []model.Item

	summaries  []model.ItemSummary
	done       []bool
	dispatched []bool
	doneCount  int
	cancelled  bool
	finished   bool
}

func newBatchState(id string, started time.Time, items []model.Item) *batchState {
	st := &batchState{
		id:       id,
		started:  started,
		inputs:   items,
		uniqueOf: make([]int, len(items)),
	}
	seen := make(map[string]int, len(items))
	for i, it := range items {
		if u, ok := seen[it.ID]; ok {
			st.uniqueOf[i] = u
			continue
		}
		seen[it.ID] = len(st.unique)
		st.uniqueOf[i] = len(st.unique)
		st.unique = append(st.unique, it)
	}
	st.summaries = make([]model.ItemSummary, len(st.unique))
	for i, it := range st.unique {
		st.summaries[i] = model.ItemSummary{
			ItemID:      it.ID,
			SourceURL:   it.SourceURL,
			Platform:    it.Platform,
			ContentKind: it.ContentKind,
			FinalStatus: model.FinalIncomplete,
		}
	}
	st.done = make([]bool, len(st.unique))
	st.dispatched = make([]bool, len(st.unique))
	return st
}

// report builds the BatchReport for the state as it stands. Every input
// position gets one entry; repeats of an id that succeeded in this batch
// count as skipped_already_done. Unsupported is a subset of Failed and
// NotStarted a subset of Incomplete.
func (st *batchState) report(now time.Time) model.BatchReport {
	r := model.BatchReport{
		BatchID:   st.id,
		Total:     len(st.inputs),
		Items:     make([]model.ItemSummary, 0, len(st.inputs)),
		StartedAt: st.started.UTC(),
		WallTime:  now.Sub(st.started),
		Cancelled: st.cancelled,
		Partial:   !st.finished,
	}
	firstSeen := make([]bool, len(st.unique))
	for i, it := range st.inputs {
		u := st.uniqueOf[i]
		s := st.summaries[u]
		s.SourceURL = it.SourceURL
		if firstSeen[u] && st.done[u] && s.FinalStatus == model.FinalSucceeded {
			s.Skipped = true
		}
		firstSeen[u] = true

		switch {
		case s.Skipped:
			r.SkippedAlreadyDone++
		case s.FinalStatus == model.FinalSucceeded:
			r.Succeeded++
		case s.FinalStatus == model.FinalFailed:
			r.Failed++
			if s.ErrorKind == model.ErrClassificationAmbiguous {
				r.Unsupported++
			}
		default:
			r.Incomplete++
			if !st.dispatched[u] && !st.done[u] {
				r.NotStarted++
			}
		}
		r.Items = append(r.Items, s)
	}
	return r
}
