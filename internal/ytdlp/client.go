package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)

const DefaultBinary = "yt-dlp"

type Client struct {
	binary string
	logger *zap.Logger
}

func New(binary string, logger *zap.Logger) *Client {
	if strings.TrimSpace(binary) == "" {
		binary = DefaultBinary
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{binary: binary, logger: logger}
}

func (c *Client) Binary() string { return c.binary }

type DownloadOptions struct {
	URL         string
	OutputDir   string
	CookiesPath string
	Quality     string
	// Subtitles also fetches uploaded and automatic subtitles as srt.
	Subtitles bool
	SubLangs  string
	Fragments int
	LogWriter io.Writer
	Progress  func(stream OutputStream, line string)
}

// DownloadResult lists what landed in OutputDir, grouped by kind.
type DownloadResult struct {
	Command   []string `json:"command"`
	Media     []string `json:"media,omitempty"`
	Subtitles []string `json:"subtitles,omitempty"`
	Images    []string `json:"images,omitempty"`
	InfoJSON  string   `json:"info_json,omitempty"`
}

// Primary returns the first media file, or the first image for image sets.
func (r DownloadResult) Primary() string {
	if len(r.Media) > 0 {
		return r.Media[0]
	}
	if len(r.Images) > 0 {
		return r.Images[0]
	}
	return ""
}

type CollectionOptions struct {
	URL         string
	CookiesPath string
	Limit       int
}

type Entry struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

type DependencyReport struct {
	YTDLPFound  bool   `json:"yt_dlp_found"`
	YTDLPPath   string `json:"yt_dlp_path,omitempty"`
	FFmpegFound bool   `json:"ffmpeg_found"`
	FFmpegPath  string `json:"ffmpeg_path,omitempty"`
}

func (c *Client) DependencyStatus() DependencyReport {
	report := DependencyReport{}
	if path, err := exec.LookPath(c.binary); err == nil {
		report.YTDLPFound = true
		report.YTDLPPath = path
	}
	if path, err := exec.LookPath("ffmpeg"); err == nil {
		report.FFmpegFound = true
		report.FFmpegPath = path
	}
	return report
}

func (c *Client) CheckDependencies() error {
	report := c.DependencyStatus()
	if !report.YTDLPFound {
		return fmt.Errorf("missing dependency: %s is not installed or not on PATH", c.binary)
	}
	if !report.FFmpegFound {
		return fmt.Errorf("missing dependency: ffmpeg is required to merge bilibili streams and was not found on PATH")
	}
	return nil
}

// Download fetches one item into opts.OutputDir. Error text carries yt-dlp's
// stderr so callers can classify it.
func (c *Client) Download(ctx context.Context, opts DownloadOptions) (DownloadResult, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return DownloadResult{}, fmt.Errorf("download URL is required")
	}
	if strings.TrimSpace(opts.OutputDir) == "" {
		return DownloadResult{}, fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return DownloadResult{}, fmt.Errorf("create output dir %s: %w", opts.OutputDir, err)
	}
	fragments := opts.Fragments
	if fragments <= 0 {
		fragments = 4
	}

	args := []string{
		"--no-playlist",
		"--newline",
		"--restrict-filenames",
		"--write-info-json",
		"-N", fmt.Sprintf("%d", fragments),
		"-P", opts.OutputDir,
		"-o", "%(id)s.%(ext)s",
		"-f", selectFormat(opts.Quality),
	}
	if opts.Subtitles {
		args = append(args,
			"--write-subs",
			"--write-auto-subs",
			"--sub-langs", normalizeSubLangs(opts.SubLangs),
			"--convert-subs", "srt",
		)
	}
	args, err := appendCookies(args, opts.CookiesPath)
	if err != nil {
		return DownloadResult{}, err
	}
	args = append(args, opts.URL)

	result := DownloadResult{Command: append([]string{c.binary}, args...)}
	c.logger.Debug("running yt-dlp", zap.Strings("args", args))
	if err := c.runCommand(ctx, args, opts); err != nil {
		return result, err
	}
	if err := collectArtifacts(opts.OutputDir, &result); err != nil {
		return result, err
	}
	if result.Primary() == "" {
		return result, fmt.Errorf("yt-dlp finished but produced no media in %s", opts.OutputDir)
	}
	return result, nil
}

// ListCollection enumerates a user page or playlist without downloading it.
func (c *Client) ListCollection(ctx context.Context, opts CollectionOptions) ([]Entry, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("collection URL is required")
	}
	args := []string{"--flat-playlist", "-J"}
	if opts.Limit > 0 {
		args = append(args, "--playlist-end", fmt.Sprintf("%d", opts.Limit))
	}
	args, err := appendCookies(args, opts.CookiesPath)
	if err != nil {
		return nil, err
	}
	args = append(args, opts.URL)

	cmd := exec.CommandContext(ctx, c.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("yt-dlp failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("yt-dlp returned empty output")
	}

	var doc struct {
		Entries []struct {
			ID         string `json:"id"`
			URL        string `json:"url"`
			WebpageURL string `json:"webpage_url"`
			Title      string `json:"title"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		return nil, fmt.Errorf("decode flat playlist: %w", err)
	}
	out := make([]Entry, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		url := e.WebpageURL
		if url == "" {
			url = e.URL
		}
		if url == "" && e.ID == "" {
			continue
		}
		out = append(out, Entry{ID: e.ID, URL: url, Title: e.Title})
	}
	return out, nil
}

func selectFormat(rawQuality string) string {
	switch strings.ToLower(strings.TrimSpace(rawQuality)) {
	case "1080p", "1080", "hd":
		return "bv*[height<=1080]+ba/b[height<=1080]"
	case "720p", "720", "sd":
		return "bv*[height<=720]+ba/b[height<=720]"
	case "480p", "480", "small":
		return "bv*[height<=480]+ba/b[height<=480]"
	case "audio":
		return "ba/b"
	default:
		return "bv*+ba/b"
	}
}

func normalizeSubLangs(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "", "zh", "chinese":
		return "zh.*,ai-zh,zh-Hans,-danmaku"
	case "all":
		return "all,-danmaku,-live_chat"
	default:
		return raw
	}
}

func appendCookies(args []string, path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return args, nil
	}
	cookiesPath, err := resolveCookiesPath(path)
	if err != nil {
		return nil, err
	}
	return append(args, "--cookies", cookiesPath), nil
}

var (
	mediaExts    = map[string]bool{".mp4": true, ".mkv": true, ".webm": true, ".flv": true, ".m4a": true, ".mp3": true, ".opus": true}
	subtitleExts = map[string]bool{".srt": true, ".vtt": true, ".ass": true}
	imageExts    = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true}
)

func collectArtifacts(dir string, result *DownloadResult) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read output dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(dir, name)
		ext := strings.ToLower(filepath.Ext(name))
		switch {
		case strings.HasSuffix(name, ".info.json"):
			result.InfoJSON = path
		case strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl"):
		case mediaExts[ext]:
			result.Media = append(result.Media, path)
		case subtitleExts[ext]:
			result.Subtitles = append(result.Subtitles, path)
		case imageExts[ext]:
			result.Images = append(result.Images, path)
		}
	}
	return nil
}

func (c *Client) runCommand(ctx context.Context, args []string, opts DownloadOptions) error {
	cmd := exec.CommandContext(ctx, c.binary, args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("setup stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("setup stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start yt-dlp: %w", err)
	}

	var outBuf strings.Builder
	var errBuf strings.Builder
	var mu sync.Mutex
	var wg sync.WaitGroup

	read := func(stream OutputStream, r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			appendLimited(&outBuf, &errBuf, stream, line)
			if opts.LogWriter != nil {
				_, _ = io.WriteString(opts.LogWriter, line+"\n")
			}
			mu.Unlock()
			if opts.Progress != nil {
				opts.Progress(stream, line)
			}
		}
	}

	wg.Add(2)
	go read(StreamStdout, stdoutPipe)
	go read(StreamStderr, stderrPipe)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("yt-dlp interrupted: %w", ctx.Err())
		}
		mu.Lock()
		defer mu.Unlock()
		// stdout only carries progress lines; the diagnosis is on stderr.
		return fmt.Errorf("yt-dlp failed: %w\n%s", err, strings.TrimSpace(errBuf.String()))
	}
	return nil
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func appendLimited(outBuf, errBuf *strings.Builder, stream OutputStream, line string) {
	const maxKeep = 8192
	b := outBuf
	if stream == StreamStderr {
		b = errBuf
	}
	if b.Len() >= maxKeep {
		return
	}
	toWrite := line + "\n"
	remain := maxKeep - b.Len()
	if len(toWrite) > remain {
		toWrite = toWrite[:remain]
	}
	b.WriteString(toWrite)
}

func resolveCookiesPath(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve cookies path %s: %w", p, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("cookies file %s: %w", abs, err)
	}
	return abs, nil
}
