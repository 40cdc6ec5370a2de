package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordWith(t *testing.T, stages []string, results ...StageResult) *JobRecord {
	t.Helper()
	rec := NewJobRecord(NewItem(PlatformBilibili, KindVideo, "BV1xx411c7mD", "https://www.bilibili.com/video/BV1xx411c7mD"), stages, time.Unix(0, 0))
	for _, r := range results {
		rec.setResult(r)
	}
	return rec
}

func TestFinalStatus(t *testing.T) {
	stages := []string{"download", "transcribe", "analyze"}

	cases := []struct {
		name    string
		results []StageResult
		want    FinalStatus
	}{
		{"empty", nil, FinalIncomplete},
		{
			"all done",
			[]StageResult{
				{StageName: "download", Status: StatusSucceeded},
				{StageName: "transcribe", Status: StatusSkipped},
				{StageName: "analyze", Status: StatusSucceeded},
			},
			FinalSucceeded,
		},
		{
			"permanent failure",
			[]StageResult{
				{StageName: "download", Status: StatusFailedPermanent, Error: &StageError{Kind: ErrPermanentStage, Message: "404"}},
			},
			FinalFailed,
		},
		{
			"transient stop",
			[]StageResult{
				{StageName: "download", Status: StatusSucceeded},
				{StageName: "transcribe", Status: StatusFailedTransient},
			},
			FinalIncomplete,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := recordWith(t, stages, tc.results...)
			assert.Equal(t, tc.want, rec.FinalStatus())
		})
	}
}

func TestCheckOrder_DetectsJumpOverUnresolvedStage(t *testing.T) {
	stages := []string{"download", "transcribe", "analyze"}

	ok := recordWith(t, stages,
		StageResult{StageName: "download", Status: StatusSucceeded},
		StageResult{StageName: "transcribe", Status: StatusFailedTransient},
	)
	require.NoError(t, ok.CheckOrder())

	bad := recordWith(t, stages,
		StageResult{StageName: "download", Status: StatusFailedTransient},
		StageResult{StageName: "analyze", Status: StatusSucceeded},
	)
	require.Error(t, bad.CheckOrder())
}

func TestJobRecordJSONKeepsStageOrder(t *testing.T) {
	rec := recordWith(t, []string{"download", "transcribe", "analyze"},
		StageResult{StageName: "download", Status: StatusSucceeded, OutputRef: "/tmp/a.mp4"},
		StageResult{StageName: "transcribe", Status: StatusSucceeded, OutputRef: "/tmp/a.srt"},
	)
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var out JobRecord
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out.StageResults, 2)
	assert.Equal(t, "download", out.StageResults[0].StageName)
	assert.Equal(t, "transcribe", out.StageResults[1].StageName)
	assert.Equal(t, map[string]string{"download": "/tmp/a.mp4", "transcribe": "/tmp/a.srt"}, out.Outputs())
}

func TestUnknownItemIsDeterministic(t *testing.T) {
	a := UnknownItem(" https://example.com/x ")
	b := UnknownItem("https://example.com/x")
	assert.Equal(t, a.ID, b.ID)
	assert.False(t, a.Supported())
}
