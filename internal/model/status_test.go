package model

import (
	"testing"
	"time"
)

func TestCanTransition_AllowsExpectedPaths(t *testing.T) {
	cases := []struct {
		from StageStatus
		to   StageStatus
	}{
		{"", StatusRunning},
		{StatusPending, StatusRunning},
		{StatusRunning, StatusSucceeded},
		{StatusRunning, StatusFailedTransient},
		{StatusRunning, StatusSkipped},
		{StatusFailedTransient, StatusRunning},
		{StatusFailedPermanent, StatusRunning},
		{StatusSucceeded, StatusSucceeded},
	}

	for _, tc := range cases {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be allowed", tc.from, tc.to)
		}
	}
}

func TestCanTransition_RejectsInvalidPaths(t *testing.T) {
	cases := []struct {
		from StageStatus
		to   StageStatus
	}{
		{StatusPending, StatusSucceeded},
		{StatusSucceeded, StatusRunning},
		{StatusSkipped, StatusFailedTransient},
		{"not_a_state", StatusPending},
	}

	for _, tc := range cases {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be rejected", tc.from, tc.to)
		}
	}
}

func TestApplyStageResult_NeverOverwritesSucceeded(t *testing.T) {
	rec := NewJobRecord(NewItem(PlatformBilibili, KindVideo, "BV1xx411c7mD", "BV1xx411c7mD"), []string{"download"}, time.Now())
	now := time.Now()
	if err := ApplyStageResult(rec, StageResult{StageName: "download", Status: StatusRunning, AttemptCount: 1, Timestamp: now}); err != nil {
		t.Fatal(err)
	}
	if err := ApplyStageResult(rec, StageResult{StageName: "download", Status: StatusSucceeded, AttemptCount: 1, Timestamp: now}); err != nil {
		t.Fatal(err)
	}
	if err := ApplyStageResult(rec, StageResult{StageName: "download", Status: StatusRunning, AttemptCount: 2, Timestamp: now}); err == nil {
		t.Fatalf("expected illegal transition error")
	}
	res, _ := rec.Result("download")
	if res.Status != StatusSucceeded || res.AttemptCount != 1 {
		t.Fatalf("succeeded result was clobbered: %+v", res)
	}
}
