package model

import (
	"fmt"
	"slices"
	"time"
)

// JobRecord is the durable aggregate for one item across pipeline runs.
// StageResults keeps insertion order, which is always pipeline order.
type JobRecord struct {
	SchemaVersion int           `json:"schema_version"`
	Item          Item          `json:"item"`
	Stages        []string      `json:"stages"`
	StageResults  []StageResult `json:"stage_results"`
	BatchIDs      []string      `json:"batch_ids,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

const RecordSchemaVersion = 1

func NewJobRecord(item Item, stages []string, now time.Time) *JobRecord {
	return &JobRecord{
		SchemaVersion: RecordSchemaVersion,
		Item:          item,
		Stages:        slices.Clone(stages),
		StageResults:  []StageResult{},
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
}

func (r *JobRecord) Result(stage string) (StageResult, bool) {
	for _, res := range r.StageResults {
		if res.StageName == stage {
			return res, true
		}
	}
	return StageResult{}, false
}

func (r *JobRecord) IsStageDone(stage string) bool {
	res, ok := r.Result(stage)
	return ok && res.Status.Done()
}

func (r *JobRecord) setResult(next StageResult) {
	for i := range r.StageResults {
		if r.StageResults[i].StageName == next.StageName {
			r.StageResults[i] = next
			r.touch(next.Timestamp)
			return
		}
	}
	r.StageResults = append(r.StageResults, next)
	if !slices.Contains(r.Stages, next.StageName) {
		r.Stages = append(r.Stages, next.StageName)
	}
	r.touch(next.Timestamp)
}

func (r *JobRecord) touch(ts time.Time) {
	if ts.After(r.UpdatedAt) {
		r.UpdatedAt = ts.UTC()
	}
}

func (r *JobRecord) AddBatch(batchID string) {
	if batchID == "" || slices.Contains(r.BatchIDs, batchID) {
		return
	}
	r.BatchIDs = append(r.BatchIDs, batchID)
}

// FinalStatus is derived, never stored: succeeded iff every pipeline stage is
// succeeded or skipped, failed iff any stage ended failed_permanent.
func (r *JobRecord) FinalStatus() FinalStatus {
	if r == nil {
		return FinalIncomplete
	}
	for _, res := range r.StageResults {
		if res.Status == StatusFailedPermanent {
			return FinalFailed
		}
	}
	if len(r.Stages) == 0 {
		return FinalIncomplete
	}
	for _, stage := range r.Stages {
		if !r.IsStageDone(stage) {
			return FinalIncomplete
		}
	}
	return FinalSucceeded
}

// FirstUnresolved returns the first stage in pipeline order that is not done.
func (r *JobRecord) FirstUnresolved() (StageResult, bool) {
	for _, stage := range r.Stages {
		res, ok := r.Result(stage)
		if !ok {
			return StageResult{StageName: stage, Status: StatusPending}, true
		}
		if !res.Status.Done() {
			return res, true
		}
	}
	return StageResult{}, false
}

// CheckOrder verifies that no stage after the first unresolved one has a
// recorded result, i.e. the pipeline never jumped over a stage.
func (r *JobRecord) CheckOrder() error {
	unresolved := ""
	for _, stage := range r.Stages {
		res, ok := r.Result(stage)
		if unresolved != "" {
			if ok && res.Status != StatusPending {
				return fmt.Errorf("stage %q has status %s after unresolved stage %q (item_id=%s)", stage, res.Status, unresolved, r.Item.ID)
			}
			continue
		}
		if !ok || !res.Status.Done() {
			unresolved = stage
		}
	}
	return nil
}

// LastError returns the most relevant failure recorded on the record.
func (r *JobRecord) LastError() (string, *StageError) {
	for _, res := range r.StageResults {
		if res.Status == StatusFailedPermanent && res.Error != nil {
			return res.StageName, res.Error
		}
	}
	for _, res := range r.StageResults {
		if res.Status.Failed() && res.Error != nil {
			return res.StageName, res.Error
		}
	}
	return "", nil
}

func (r *JobRecord) Outputs() map[string]string {
	out := make(map[string]string)
	for _, res := range r.StageResults {
		if res.OutputRef != "" {
			out[res.StageName] = res.OutputRef
		}
	}
	return out
}

func (r *JobRecord) Clone() *JobRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Stages = slices.Clone(r.Stages)
	c.BatchIDs = slices.Clone(r.BatchIDs)
	c.StageResults = make([]StageResult, len(r.StageResults))
	for i, res := range r.StageResults {
		c.StageResults[i] = res
		if res.Error != nil {
			e := *res.Error
			c.StageResults[i].Error = &e
		}
		if res.Metadata != nil {
			md := make(map[string]string, len(res.Metadata))
			for k, v := range res.Metadata {
				md[k] = v
			}
			c.StageResults[i].Metadata = md
		}
	}
	return &c
}
