package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"linkdigest/internal/analyze"
	"linkdigest/internal/config"
	"linkdigest/internal/jobstore"
	"linkdigest/internal/model"
	"linkdigest/internal/pipeline"
	"linkdigest/internal/quota"
	"linkdigest/internal/stage"
	"linkdigest/internal/transcribe"
	"linkdigest/internal/ytdlp"
)

type fakeDownloader struct {
	mu        sync.Mutex
	calls     int
	subtitles bool
	images    int
	entries   []ytdlp.Entry
}

func (f *fakeDownloader) Download(_ context.Context, opts ytdlp.DownloadOptions) (ytdlp.DownloadResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return ytdlp.DownloadResult{}, err
	}
	var res ytdlp.DownloadResult
	if f.images > 0 {
		for i := 0; i < f.images; i++ {
			p := filepath.Join(opts.OutputDir, "img"+string(rune('a'+i))+".jpg")
			if err := os.WriteFile(p, []byte{0xff, 0xd8, 0xff}, 0o644); err != nil {
				return res, err
			}
			res.Images = append(res.Images, p)
		}
		info := filepath.Join(opts.OutputDir, "note.info.json")
		if err := os.WriteFile(info, []byte(`{"title":"Autumn walk","uploader":"mia","tags":["travel"]}`), 0o644); err != nil {
			return res, err
		}
		res.InfoJSON = info
		return res, nil
	}
	media := filepath.Join(opts.OutputDir, "video.mp4")
	if err := os.WriteFile(media, []byte("mp4"), 0o644); err != nil {
		return res, err
	}
	res.Media = []string{media}
	if f.subtitles && opts.Subtitles {
		srt := filepath.Join(opts.OutputDir, "video.zh-Hans.srt")
		if err := os.WriteFile(srt, []byte("1\n00:00:00,000 --> 00:00:01,000\nhello from subtitles\n"), 0o644); err != nil {
			return res, err
		}
		res.Subtitles = []string{srt}
	}
	return res, nil
}

func (f *fakeDownloader) ListCollection(_ context.Context, opts ytdlp.CollectionOptions) ([]ytdlp.Entry, error) {
	return f.entries, nil
}

type fakeEngine struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeEngine) Transcribe(_ context.Context, mediaPath, _ string) (transcribe.Transcript, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return transcribe.Transcript{Path: mediaPath + ".srt", Text: "spoken words"}, nil
}

// fakeAI answers per model; a model listed in exhausted reports a 429.
type fakeAI struct {
	mu        sync.Mutex
	exhausted map[string]bool
	requests  []analyze.Request
}

func (f *fakeAI) Generate(_ context.Context, req analyze.Request) (analyze.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.exhausted[req.Model] {
		return analyze.Response{}, &analyze.ExhaustedError{Model: req.Model, RetryAfter: time.Hour, Message: "quota"}
	}
	return analyze.Response{Model: req.Model, Text: "# note from " + req.Model, Usage: analyze.TokenUsage{Total: 42}}, nil
}

func (f *fakeAI) models() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, r.Model)
	}
	return out
}

type harness struct {
	wf       *Workflow
	pipeline *pipeline.Pipeline
	dl       *fakeDownloader
	engine   *fakeEngine
	ai       *fakeAI
	ledger   *quota.Ledger
}

func newHarness(t *testing.T, dl *fakeDownloader, ai *fakeAI) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		State:      config.StateConfig{Backend: "fs", Dir: filepath.Join(dir, "state")},
		Pipeline:   config.PipelineConfig{Concurrency: 1, Defaults: config.StageConfig{MaxAttempts: 1}},
		Download:   config.DownloadConfig{OutputDir: filepath.Join(dir, "downloads"), Quality: "best", Subtitles: true},
		Transcribe: config.TranscribeConfig{ModelSize: "base"},
		AI: config.AIConfig{
			OptimizeTiers: []string{"flash-lite", "flash"},
			AnalyzeTiers:  []string{"pro", "flash", "flash-lite"},
		},
	}
	ledger := quota.NewLedger(quota.DefaultTiers())
	selector := quota.NewSelector(ledger, []string{"flash-lite", "flash", "pro"})
	engine := &fakeEngine{}
	wf, err := New(Deps{
		Config:      cfg,
		Downloader:  dl,
		Transcriber: engine,
		AI:          ai,
		Selector:    selector,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)

	store, err := jobstore.NewFSStore(cfg.State.Dir)
	require.NoError(t, err)
	runner := stage.NewRunner(store, zap.NewNop(), stage.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	p := pipeline.New(store, runner, wf.Planner(), zap.NewNop(), pipeline.Options{})
	return &harness{wf: wf, pipeline: p, dl: dl, engine: engine, ai: ai, ledger: ledger}
}

var (
	video    = model.NewItem(model.PlatformBilibili, model.KindVideo, "BV1xx411c7mD", "https://www.bilibili.com/video/BV1xx411c7mD")
	note     = model.NewItem(model.PlatformXiaohongshu, model.KindImageSet, "64a1b2c3d4e5f6a7b8c9d0e1", "https://www.xiaohongshu.com/explore/64a1b2c3d4e5f6a7b8c9d0e1")
	creator  = model.NewItem(model.PlatformBilibili, model.KindUserCollection, "2", "https://space.bilibili.com/2")
	allKinds = []model.ContentKind{model.KindVideo, model.KindImageSet, model.KindUserCollection}
)

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
	_, err = New(Deps{Config: &config.Config{}})
	assert.Error(t, err)
}

func TestPlans_CoverEveryKind(t *testing.T) {
	h := newHarness(t, &fakeDownloader{}, &fakeAI{})
	plans := h.wf.Plans()
	for _, kind := range allKinds {
		assert.NotEmpty(t, plans[kind], kind)
	}
	names := func(defs []stage.Definition) []string {
		out := make([]string, 0, len(defs))
		for _, d := range defs {
			out = append(out, d.Name)
		}
		return out
	}
	assert.Equal(t, []string{StageDownload, StageTranscribe, StageOptimize, StageAnalyze}, names(plans[model.KindVideo]))
	assert.Equal(t, []string{StageDownload, StageAnalyze}, names(plans[model.KindImageSet]))
	assert.Equal(t, []string{StageExpand, StageAnalyze}, names(plans[model.KindUserCollection]))
}

func TestVideo_SpeechPathRecordsTiers(t *testing.T) {
	h := newHarness(t, &fakeDownloader{}, &fakeAI{})
	rec, err := h.pipeline.Process(context.Background(), video)
	require.NoError(t, err)
	require.Equal(t, model.FinalSucceeded, rec.FinalStatus())

	tr, _ := rec.Result(StageTranscribe)
	assert.Equal(t, model.StatusSucceeded, tr.Status)
	assert.Equal(t, 1, h.engine.calls)

	opt, _ := rec.Result(StageOptimize)
	assert.Equal(t, "flash-lite", opt.Tier)
	an, _ := rec.Result(StageAnalyze)
	assert.Equal(t, "pro", an.Tier)
	assert.Equal(t, "42", an.Metadata["total_tokens"])

	raw, err := os.ReadFile(an.OutputRef)
	require.NoError(t, err)
	assert.Equal(t, "# note from gemini-2.5-pro", string(raw))
	assert.Equal(t, filepath.Join(h.wf.ItemDir(video), analysisFile), an.OutputRef)
}

func TestVideo_SubtitlesSkipTranscription(t *testing.T) {
	h := newHarness(t, &fakeDownloader{subtitles: true}, &fakeAI{})
	rec, err := h.pipeline.Process(context.Background(), video)
	require.NoError(t, err)
	assert.Equal(t, model.FinalSucceeded, rec.FinalStatus())

	tr, _ := rec.Result(StageTranscribe)
	assert.Equal(t, model.StatusSkipped, tr.Status)
	assert.Equal(t, "subtitle", tr.Metadata["source"])
	assert.Zero(t, h.engine.calls)

	raw, err := os.ReadFile(tr.OutputRef)
	require.NoError(t, err)
	assert.Equal(t, "hello from subtitles", string(raw))
}

func TestGenerate_FallsBackWhenProviderExhaustsTier(t *testing.T) {
	ai := &fakeAI{exhausted: map[string]bool{"gemini-2.5-pro": true}}
	h := newHarness(t, &fakeDownloader{}, ai)
	rec, err := h.pipeline.Process(context.Background(), video)
	require.NoError(t, err)
	require.Equal(t, model.FinalSucceeded, rec.FinalStatus())

	an, _ := rec.Result(StageAnalyze)
	assert.Equal(t, "flash", an.Tier)
	assert.Contains(t, ai.models(), "gemini-2.5-pro")

	next, err := h.ledger.NextWindow("pro")
	require.NoError(t, err)
	assert.True(t, next.After(time.Now().Add(50*time.Minute)), "pro stays closed for the advertised retry delay")
}

func TestGenerate_AllTiersExhaustedIsQuotaFailure(t *testing.T) {
	ai := &fakeAI{exhausted: map[string]bool{
		"gemini-2.5-pro":        true,
		"gemini-2.5-flash":      true,
		"gemini-2.5-flash-lite": true,
	}}
	h := newHarness(t, &fakeDownloader{}, ai)
	rec, err := h.pipeline.Process(context.Background(), video)
	require.NoError(t, err)
	assert.Equal(t, model.FinalIncomplete, rec.FinalStatus())

	opt, _ := rec.Result(StageOptimize)
	assert.Equal(t, model.StatusFailedTransient, opt.Status)
	require.NotNil(t, opt.Error)
	assert.Equal(t, model.ErrQuotaExhausted, opt.Error.Kind)
	assert.Len(t, ai.models(), 3, "each tier is tried once before giving up")

	_, _, err = h.wf.generate(context.Background(), []string{"flash"}, analyze.Request{Content: "x"})
	var qe *stage.QuotaError
	require.True(t, errors.As(err, &qe))
	assert.False(t, qe.RetryAt.IsZero())
}

func TestVideo_ResumeSkipsFinishedStages(t *testing.T) {
	ai := &fakeAI{exhausted: map[string]bool{
		"gemini-2.5-pro":        true,
		"gemini-2.5-flash":      true,
		"gemini-2.5-flash-lite": true,
	}}
	h := newHarness(t, &fakeDownloader{}, ai)
	_, err := h.pipeline.Process(context.Background(), video)
	require.NoError(t, err)
	require.Equal(t, 1, h.dl.calls)

	ai.mu.Lock()
	ai.exhausted = nil
	ai.mu.Unlock()
	// Tiers stay closed for the advertised hour, so resume on a fresh ledger.
	fresh := quota.NewLedger(quota.DefaultTiers())
	h.wf.selector = quota.NewSelector(fresh, []string{"flash-lite", "flash", "pro"})

	rec, err := h.pipeline.Process(context.Background(), video)
	require.NoError(t, err)
	assert.Equal(t, model.FinalSucceeded, rec.FinalStatus())
	assert.Equal(t, 1, h.dl.calls, "download is not repeated")
	assert.Equal(t, 1, h.engine.calls, "transcription is not repeated")
}

func TestImageSet_AnalyzesImagesWithNoteText(t *testing.T) {
	ai := &fakeAI{}
	h := newHarness(t, &fakeDownloader{images: 2}, ai)
	rec, err := h.pipeline.Process(context.Background(), note)
	require.NoError(t, err)
	require.Equal(t, model.FinalSucceeded, rec.FinalStatus())

	require.Len(t, ai.requests, 1)
	req := ai.requests[0]
	assert.Len(t, req.Images, 2)
	assert.Contains(t, req.Content, "Title: Autumn walk")
	assert.Contains(t, req.Content, "Tags: travel")

	dl, _ := rec.Result(StageDownload)
	assert.Equal(t, "2", dl.Metadata["images"])
}

func TestCollection_ExpandsThenAnalyzes(t *testing.T) {
	ai := &fakeAI{}
	dl := &fakeDownloader{entries: []ytdlp.Entry{
		{ID: "BV1aa411c7mD", URL: "https://www.bilibili.com/video/BV1aa411c7mD", Title: "first"},
		{ID: "BV1bb411c7mD", URL: "https://www.bilibili.com/video/BV1bb411c7mD"},
	}}
	h := newHarness(t, dl, ai)
	rec, err := h.pipeline.Process(context.Background(), creator)
	require.NoError(t, err)
	require.Equal(t, model.FinalSucceeded, rec.FinalStatus())

	ex, _ := rec.Result(StageExpand)
	assert.Equal(t, "2", ex.Metadata["entries"])
	require.Len(t, ai.requests, 1)
	assert.Contains(t, ai.requests[0].Content, "1. first (https://www.bilibili.com/video/BV1aa411c7mD)")
	assert.Contains(t, ai.requests[0].Content, "2. BV1bb411c7mD")
}

func TestCollection_EmptyIsPermanent(t *testing.T) {
	h := newHarness(t, &fakeDownloader{}, &fakeAI{})
	rec, err := h.pipeline.Process(context.Background(), creator)
	require.NoError(t, err)
	assert.Equal(t, model.FinalFailed, rec.FinalStatus())
	ex, _ := rec.Result(StageExpand)
	assert.Equal(t, model.StatusFailedPermanent, ex.Status)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "  ", "b"))
	assert.Equal(t, "", describeInfo(""))
	_, err := readText("")
	assert.Equal(t, model.ErrPermanentStage, stage.Classify(err))
}
