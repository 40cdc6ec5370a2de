// Package workflow builds the concrete stage plans for each content kind
// from configuration and the external collaborators.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"linkdigest/internal/analyze"
	"linkdigest/internal/config"
	"linkdigest/internal/cookies"
	"linkdigest/internal/model"
	"linkdigest/internal/pipeline"
	"linkdigest/internal/quota"
	"linkdigest/internal/runstore"
	"linkdigest/internal/stage"
	"linkdigest/internal/transcribe"
	"linkdigest/internal/ytdlp"
)

const (
	StageDownload   = "download"
	StageTranscribe = "transcribe"
	StageOptimize   = "optimize"
	StageAnalyze    = "analyze"
	StageExpand     = "expand"
)

const (
	downloadManifest   = "download.json"
	transcriptFile     = "transcript.txt"
	optimizedFile      = "optimized.md"
	analysisFile       = "analysis.md"
	collectionManifest = "collection.json"
	collectionLimit    = 50
)

const (
	defaultOptimizePrompt = "Clean up this machine transcript: fix recognition errors, add punctuation and paragraphs. Keep the original language."
	defaultAnalyzePrompt  = "Summarize the key points of this content as a structured markdown note."
)

type Downloader interface {
	Download(ctx context.Context, opts ytdlp.DownloadOptions) (ytdlp.DownloadResult, error)
	ListCollection(ctx context.Context, opts ytdlp.CollectionOptions) ([]ytdlp.Entry, error)
}

type Deps struct {
	Config      *config.Config
	Downloader  Downloader
	Transcriber transcribe.Engine
	AI          analyze.Client
	Selector    *quota.Selector
	Cookies     *cookies.Store
	Logger      *zap.Logger
	Now         func() time.Time
}

type Workflow struct {
	cfg        *config.Config
	downloader Downloader
	transcribe transcribe.Engine
	ai         analyze.Client
	selector   *quota.Selector
	cookies    *cookies.Store
	logger     *zap.Logger
	now        func() time.Time

	cookieMu    sync.Mutex
	cookieFiles map[model.Platform]string
}

func New(deps Deps) (*Workflow, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("workflow config is required")
	}
	if deps.Downloader == nil || deps.Transcriber == nil || deps.AI == nil || deps.Selector == nil {
		return nil, fmt.Errorf("workflow needs a downloader, transcriber, AI client and tier selector")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Cookies == nil {
		deps.Cookies, _ = cookies.Load("")
	}
	return &Workflow{
		cfg:         deps.Config,
		downloader:  deps.Downloader,
		transcribe:  deps.Transcriber,
		ai:          deps.AI,
		selector:    deps.Selector,
		cookies:     deps.Cookies,
		logger:      deps.Logger,
		now:         deps.Now,
		cookieFiles: map[model.Platform]string{},
	}, nil
}

func (w *Workflow) def(name string, fn stage.Func) stage.Definition {
	return w.cfg.Stage(name).Definition(name, fn)
}

// Plans returns the stage list for every supported content kind.
func (w *Workflow) Plans() map[model.ContentKind][]stage.Definition {
	return map[model.ContentKind][]stage.Definition{
		model.KindVideo: {
			w.def(StageDownload, w.download),
			w.def(StageTranscribe, w.transcribeStage),
			w.def(StageOptimize, w.optimize),
			w.def(StageAnalyze, w.analyzeText),
		},
		model.KindImageSet: {
			w.def(StageDownload, w.download),
			w.def(StageAnalyze, w.analyzeImages),
		},
		model.KindUserCollection: {
			w.def(StageExpand, w.expand),
			w.def(StageAnalyze, w.analyzeCollection),
		},
	}
}

func (w *Workflow) Planner() pipeline.Planner {
	return pipeline.ByKind(w.Plans())
}

// ItemDir is where every artifact of item lands.
func (w *Workflow) ItemDir(item model.Item) string {
	return filepath.Join(w.cfg.Download.OutputDir, runstore.SafeName(item.ID))
}

func (w *Workflow) cookieFile(platform model.Platform) (string, error) {
	w.cookieMu.Lock()
	defer w.cookieMu.Unlock()
	if path, ok := w.cookieFiles[platform]; ok {
		return path, nil
	}
	path, err := w.cookies.NetscapeFile(string(platform), filepath.Join(w.cfg.State.Dir, "cookies"))
	if err != nil {
		return "", err
	}
	w.cookieFiles[platform] = path
	return path, nil
}

func (w *Workflow) download(ctx context.Context, in stage.Input) (stage.Output, error) {
	cookiePath, err := w.cookieFile(in.Item.Platform)
	if err != nil {
		w.logger.Warn("cookies unavailable, downloading anonymously", zap.String("platform", string(in.Item.Platform)), zap.Error(err))
		cookiePath = ""
	}
	dir := w.ItemDir(in.Item)
	res, err := w.downloader.Download(ctx, ytdlp.DownloadOptions{
		URL:         in.Item.FetchURL(),
		OutputDir:   dir,
		CookiesPath: cookiePath,
		Quality:     w.cfg.Download.Quality,
		Subtitles:   w.cfg.Download.Subtitles && in.Item.ContentKind == model.KindVideo,
	})
	if err != nil {
		return stage.Output{}, err
	}
	manifest := filepath.Join(dir, downloadManifest)
	if err := runstore.WriteJSON(manifest, res); err != nil {
		return stage.Output{}, err
	}
	meta := map[string]string{"primary": res.Primary()}
	if len(res.Subtitles) > 0 {
		meta["subtitle"] = res.Subtitles[0]
	}
	if len(res.Images) > 0 {
		meta["images"] = strconv.Itoa(len(res.Images))
	}
	return stage.Output{Ref: manifest, Metadata: meta}, nil
}

func loadDownload(path string) (ytdlp.DownloadResult, error) {
	var res ytdlp.DownloadResult
	if strings.TrimSpace(path) == "" {
		return res, stage.Permanent(fmt.Errorf("no download output to read"))
	}
	if err := runstore.ReadJSON(path, &res); err != nil {
		// The artifact vanished; the download stage must be redone by hand.
		return res, stage.Permanent(fmt.Errorf("load download manifest: %w", err))
	}
	return res, nil
}

// transcribeStage prefers subtitles that came with the download and records
// itself as skipped in that case.
func (w *Workflow) transcribeStage(ctx context.Context, in stage.Input) (stage.Output, error) {
	dl, err := loadDownload(in.PrevOutput)
	if err != nil {
		return stage.Output{}, err
	}
	target := filepath.Join(filepath.Dir(in.PrevOutput), transcriptFile)

	for _, sub := range dl.Subtitles {
		tr, err := transcribe.ReadSRT(sub)
		if err != nil {
			w.logger.Debug("subtitle unusable", zap.String("path", sub), zap.Error(err))
			continue
		}
		if err := runstore.WriteBytes(target, []byte(tr.Text)); err != nil {
			return stage.Output{}, err
		}
		return stage.Output{Ref: target, Skip: true, Metadata: map[string]string{"source": "subtitle", "subtitle": sub}}, nil
	}

	if len(dl.Media) == 0 {
		return stage.Output{}, stage.Permanent(fmt.Errorf("download has no media to transcribe"))
	}
	tr, err := w.transcribe.Transcribe(ctx, dl.Media[0], w.cfg.Transcribe.ModelSize)
	if err != nil {
		return stage.Output{}, err
	}
	if err := runstore.WriteBytes(target, []byte(tr.Text)); err != nil {
		return stage.Output{}, err
	}
	return stage.Output{Ref: target, Metadata: map[string]string{"source": "speech", "srt": tr.Path}}, nil
}

func (w *Workflow) optimize(ctx context.Context, in stage.Input) (stage.Output, error) {
	text, err := readText(in.PrevOutput)
	if err != nil {
		return stage.Output{}, err
	}
	prompt := firstNonEmpty(w.cfg.AI.OptimizePrompt, defaultOptimizePrompt)
	resp, tier, err := w.generate(ctx, w.cfg.AI.OptimizeTiers, analyze.Request{Prompt: prompt, Content: text})
	if err != nil {
		return stage.Output{}, err
	}
	return w.writeAIOutput(in.Item, optimizedFile, resp, tier)
}

func (w *Workflow) analyzeText(ctx context.Context, in stage.Input) (stage.Output, error) {
	text, err := readText(in.PrevOutput)
	if err != nil {
		return stage.Output{}, err
	}
	prompt := firstNonEmpty(w.cfg.AI.AnalyzePrompt, defaultAnalyzePrompt)
	resp, tier, err := w.generate(ctx, w.cfg.AI.AnalyzeTiers, analyze.Request{Prompt: prompt, Content: text})
	if err != nil {
		return stage.Output{}, err
	}
	return w.writeAIOutput(in.Item, analysisFile, resp, tier)
}

func (w *Workflow) analyzeImages(ctx context.Context, in stage.Input) (stage.Output, error) {
	dl, err := loadDownload(in.PrevOutput)
	if err != nil {
		return stage.Output{}, err
	}
	req := analyze.Request{
		Prompt:  firstNonEmpty(w.cfg.AI.AnalyzePrompt, defaultAnalyzePrompt),
		Content: describeInfo(dl.InfoJSON),
		Images:  dl.Images,
	}
	if req.Content == "" && len(req.Images) == 0 {
		return stage.Output{}, stage.Permanent(fmt.Errorf("note has neither text nor images to analyze"))
	}
	resp, tier, err := w.generate(ctx, w.cfg.AI.AnalyzeTiers, req)
	if err != nil {
		return stage.Output{}, err
	}
	return w.writeAIOutput(in.Item, analysisFile, resp, tier)
}

type collection struct {
	SourceURL string        `json:"source_url"`
	FetchedAt time.Time     `json:"fetched_at"`
	Entries   []ytdlp.Entry `json:"entries"`
}

func (w *Workflow) expand(ctx context.Context, in stage.Input) (stage.Output, error) {
	cookiePath, err := w.cookieFile(in.Item.Platform)
	if err != nil {
		cookiePath = ""
	}
	entries, err := w.downloader.ListCollection(ctx, ytdlp.CollectionOptions{
		URL:         in.Item.FetchURL(),
		CookiesPath: cookiePath,
		Limit:       collectionLimit,
	})
	if err != nil {
		return stage.Output{}, err
	}
	if len(entries) == 0 {
		return stage.Output{}, stage.Permanent(fmt.Errorf("collection %s is empty", in.Item.SourceURL))
	}
	path := filepath.Join(w.ItemDir(in.Item), collectionManifest)
	if err := runstore.WriteJSON(path, collection{SourceURL: in.Item.SourceURL, FetchedAt: w.now().UTC(), Entries: entries}); err != nil {
		return stage.Output{}, err
	}
	return stage.Output{Ref: path, Metadata: map[string]string{"entries": strconv.Itoa(len(entries))}}, nil
}

func (w *Workflow) analyzeCollection(ctx context.Context, in stage.Input) (stage.Output, error) {
	var c collection
	if err := runstore.ReadJSON(in.PrevOutput, &c); err != nil {
		return stage.Output{}, stage.Permanent(fmt.Errorf("load collection: %w", err))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Creator page: %s\nRecent posts:\n", c.SourceURL)
	for i, e := range c.Entries {
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, firstNonEmpty(e.Title, e.ID), e.URL)
	}
	resp, tier, err := w.generate(ctx, w.cfg.AI.AnalyzeTiers, analyze.Request{
		Prompt:  firstNonEmpty(w.cfg.AI.AnalyzePrompt, defaultAnalyzePrompt),
		Content: b.String(),
	})
	if err != nil {
		return stage.Output{}, err
	}
	return w.writeAIOutput(in.Item, analysisFile, resp, tier)
}

// generate walks the tier chain. A tier the provider reports as exhausted is
// closed in the ledger and the next one is tried; when none is left the
// error is a *stage.QuotaError so the stage fails transiently.
func (w *Workflow) generate(ctx context.Context, preferred []string, req analyze.Request) (analyze.Response, string, error) {
	chain := w.selector.Chain(preferred...)
	ledger := w.selector.Ledger()
	for {
		sel := w.selector.Select(chain...)
		if !sel.Acquired {
			return analyze.Response{}, "", &stage.QuotaError{RetryAt: w.selector.Earliest(chain...)}
		}
		req.Model = ledger.Model(sel.Tier)
		resp, err := w.ai.Generate(ctx, req)
		if err == nil {
			return resp, sel.Tier, nil
		}
		if stage.Classify(err) != model.ErrQuotaExhausted {
			return analyze.Response{}, sel.Tier, err
		}
		until, _ := ledger.NextWindow(sel.Tier)
		var ex *analyze.ExhaustedError
		if errors.As(err, &ex) && ex.RetryAfter > 0 {
			until = w.now().Add(ex.RetryAfter)
		} else if !until.After(w.now()) {
			until = w.now().Add(time.Minute)
		}
		ledger.MarkExhausted(sel.Tier, until)
		w.logger.Info("tier exhausted by provider, falling back",
			zap.String("tier", sel.Tier),
			zap.Time("until", until),
		)
		if ctx.Err() != nil {
			return analyze.Response{}, sel.Tier, ctx.Err()
		}
	}
}

func (w *Workflow) writeAIOutput(item model.Item, name string, resp analyze.Response, tier string) (stage.Output, error) {
	path := filepath.Join(w.ItemDir(item), name)
	if err := runstore.WriteBytes(path, []byte(resp.Text)); err != nil {
		return stage.Output{}, err
	}
	return stage.Output{
		Ref:  path,
		Tier: tier,
		Metadata: map[string]string{
			"model":        resp.Model,
			"total_tokens": strconv.Itoa(resp.Usage.Total),
		},
	}, nil
}

func readText(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", stage.Permanent(fmt.Errorf("no input text from previous stage"))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", stage.Permanent(fmt.Errorf("read %s: %w", path, err))
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "", stage.Permanent(fmt.Errorf("%s is empty", path))
	}
	return text, nil
}

// describeInfo pulls the title and description out of a yt-dlp info json.
func describeInfo(path string) string {
	if path == "" {
		return ""
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var info struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Uploader    string   `json:"uploader"`
		Tags        []string `json:"tags"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return ""
	}
	var parts []string
	if info.Title != "" {
		parts = append(parts, "Title: "+info.Title)
	}
	if info.Uploader != "" {
		parts = append(parts, "Author: "+info.Uploader)
	}
	if info.Description != "" {
		parts = append(parts, info.Description)
	}
	if len(info.Tags) > 0 {
		parts = append(parts, "Tags: "+strings.Join(info.Tags, ", "))
	}
	return strings.Join(parts, "\n")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
