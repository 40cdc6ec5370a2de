package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"linkdigest/internal/model"
)

// recordingStore applies results with the same transition rules as the real
// stores and keeps every write for inspection.
type recordingStore struct {
	mu     sync.Mutex
	rec    *model.JobRecord
	writes []model.StageResult
}

func newRecordingStore(item model.Item, stages ...string) *recordingStore {
	return &recordingStore{rec: model.NewJobRecord(item, stages, time.Now())}
}

func (s *recordingStore) UpsertStageResult(_ context.Context, _ string, res model.StageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := model.ApplyStageResult(s.rec, res); err != nil {
		return err
	}
	s.writes = append(s.writes, res)
	return nil
}

func (s *recordingStore) statuses() []model.StageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.StageStatus, 0, len(s.writes))
	for _, w := range s.writes {
		out = append(out, w.Status)
	}
	return out
}

var testItem = model.NewItem(model.PlatformBilibili, model.KindVideo, "BV1xx411c7mD", "https://www.bilibili.com/video/BV1xx411c7mD")

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestRunner(store Recorder, opts ...RunnerOption) *Runner {
	return NewRunner(store, zap.NewNop(), append([]RunnerOption{WithSleep(noSleep)}, opts...)...)
}

func TestRun_SucceedsAfterTransientFailures(t *testing.T) {
	store := newRecordingStore(testItem, "download")
	calls := 0
	def := Definition{
		Name:        "download",
		MaxAttempts: 3,
		Fn: func(ctx context.Context, in Input) (Output, error) {
			calls++
			if calls < 3 {
				return Output{}, errors.New("HTTP Error 503: Service Unavailable")
			}
			return Output{Ref: "/out/video.mp4"}, nil
		},
	}

	res, err := newTestRunner(store).Run(context.Background(), def, Input{Item: testItem})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSucceeded, res.Status)
	assert.Equal(t, 3, res.AttemptCount)
	assert.Equal(t, "/out/video.mp4", res.OutputRef)
	assert.Equal(t, []model.StageStatus{
		model.StatusRunning, model.StatusFailedTransient,
		model.StatusRunning, model.StatusFailedTransient,
		model.StatusRunning, model.StatusSucceeded,
	}, store.statuses())
}

func TestRun_PermanentFailureStopsImmediately(t *testing.T) {
	store := newRecordingStore(testItem, "download")
	calls := 0
	def := Definition{
		Name:        "download",
		MaxAttempts: 5,
		Fn: func(ctx context.Context, in Input) (Output, error) {
			calls++
			return Output{}, errors.New("ERROR: [BiliBili] BV1xx411c7mD: HTTP Error 404: Not Found")
		},
	}

	res, err := newTestRunner(store).Run(context.Background(), def, Input{Item: testItem})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, model.StatusFailedPermanent, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, model.ErrPermanentStage, res.Error.Kind)
}

func TestRun_ExhaustedBudgetIsTransient(t *testing.T) {
	store := newRecordingStore(testItem, "analyze")
	def := Definition{
		Name:        "analyze",
		MaxAttempts: 2,
		Fn: func(ctx context.Context, in Input) (Output, error) {
			return Output{}, &QuotaError{}
		},
	}

	res, err := newTestRunner(store).Run(context.Background(), def, Input{Item: testItem})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailedTransient, res.Status)
	assert.Equal(t, model.ErrQuotaExhausted, res.Error.Kind)
	assert.Equal(t, 2, res.AttemptCount)
}

func TestRun_AttemptCountContinuesFromPriorRun(t *testing.T) {
	store := newRecordingStore(testItem, "download")
	require.NoError(t, store.UpsertStageResult(context.Background(), testItem.ID, model.StageResult{StageName: "download", Status: model.StatusRunning, AttemptCount: 1}))
	prior := model.StageResult{StageName: "download", Status: model.StatusFailedTransient, AttemptCount: 3, Error: &model.StageError{Kind: model.ErrTransientStage}}
	require.NoError(t, store.UpsertStageResult(context.Background(), testItem.ID, prior))

	def := Definition{Name: "download", Fn: func(ctx context.Context, in Input) (Output, error) {
		return Output{Ref: "x"}, nil
	}}
	res, err := newTestRunner(store).Run(context.Background(), def, Input{Item: testItem, Prior: &prior})
	require.NoError(t, err)
	assert.Equal(t, 4, res.AttemptCount)
}

func TestRun_TimeoutIsTransient(t *testing.T) {
	store := newRecordingStore(testItem, "transcribe")
	def := Definition{
		Name:        "transcribe",
		MaxAttempts: 1,
		Timeout:     10 * time.Millisecond,
		Fn: func(ctx context.Context, in Input) (Output, error) {
			<-ctx.Done()
			return Output{}, fmt.Errorf("whisper: %w", ctx.Err())
		},
	}
	res, err := newTestRunner(store).Run(context.Background(), def, Input{Item: testItem})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailedTransient, res.Status)
	assert.Contains(t, res.Error.Message, "exceeded timeout")
}

func TestRun_PanicIsRecoveredAsTransient(t *testing.T) {
	store := newRecordingStore(testItem, "optimize")
	def := Definition{
		Name:        "optimize",
		MaxAttempts: 1,
		Fn: func(ctx context.Context, in Input) (Output, error) {
			panic("nil map")
		},
	}
	res, err := newTestRunner(store).Run(context.Background(), def, Input{Item: testItem})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailedTransient, res.Status)
}

func TestRun_SkipOutputRecordsSkipped(t *testing.T) {
	store := newRecordingStore(testItem, "transcribe")
	def := Definition{Name: "transcribe", Fn: func(ctx context.Context, in Input) (Output, error) {
		return Output{Ref: in.PrevOutput, Skip: true}, nil
	}}
	res, err := newTestRunner(store).Run(context.Background(), def, Input{Item: testItem, PrevOutput: "/out/a.srt"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSkipped, res.Status)
	assert.Equal(t, "/out/a.srt", res.OutputRef)
}

func TestRun_CancelledContextStopsRetrying(t *testing.T) {
	store := newRecordingStore(testItem, "download")
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	def := Definition{
		Name:        "download",
		MaxAttempts: 5,
		Fn: func(ctx context.Context, in Input) (Output, error) {
			calls++
			cancel()
			return Output{}, errors.New("connection reset by peer")
		},
	}
	res, err := newTestRunner(store).Run(ctx, def, Input{Item: testItem})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, model.StatusFailedTransient, res.Status)
}

func TestRun_StoreErrorIsReturned(t *testing.T) {
	def := Definition{Name: "download", Fn: func(ctx context.Context, in Input) (Output, error) { return Output{}, nil }}
	_, err := newTestRunner(failingStore{}).Run(context.Background(), def, Input{Item: testItem})
	require.Error(t, err)
}

type failingStore struct{}

func (failingStore) UpsertStageResult(context.Context, string, model.StageResult) error {
	return errors.New("disk full")
}

type countingObserver struct {
	mu    sync.Mutex
	count map[model.StageStatus]int
}

func (o *countingObserver) ObserveAttempt(_ string, status model.StageStatus, _ string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.count[status]++
}

func TestRun_ObserverSeesEachAttempt(t *testing.T) {
	store := newRecordingStore(testItem, "download")
	obs := &countingObserver{count: map[model.StageStatus]int{}}
	calls := 0
	def := Definition{Name: "download", MaxAttempts: 3, Fn: func(ctx context.Context, in Input) (Output, error) {
		calls++
		if calls == 1 {
			return Output{}, errors.New("timeout")
		}
		return Output{}, nil
	}}
	_, err := newTestRunner(store, WithObserver(obs)).Run(context.Background(), def, Input{Item: testItem})
	require.NoError(t, err)
	assert.Equal(t, 1, obs.count[model.StatusFailedTransient])
	assert.Equal(t, 1, obs.count[model.StatusSucceeded])
}

func TestRun_LongErrorKeepsValidUTF8(t *testing.T) {
	store := newRecordingStore(testItem, "transcribe")
	def := Definition{
		Name:        "transcribe",
		MaxAttempts: 1,
		Fn: func(ctx context.Context, in Input) (Output, error) {
			return Output{}, errors.New("ERROR: " + strings.Repeat("解析失败", 200))
		},
	}

	res, err := newTestRunner(store).Run(context.Background(), def, Input{Item: testItem})
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.LessOrEqual(t, len(res.Error.Message), 2000)
	assert.True(t, utf8.ValidString(res.Error.Message))
	assert.True(t, strings.HasSuffix(res.Error.Message, "败"), res.Error.Message[len(res.Error.Message)-6:])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "a", truncate("a下载", 3))
	assert.Equal(t, "a下", truncate("a下载", 4))
	assert.Equal(t, "", truncate("下载", 2))
}

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 32*time.Second, b.Delay(5))
	assert.Equal(t, 60*time.Second, b.Delay(6))
	assert.Equal(t, time.Duration(0), Backoff{}.Delay(3))
}
