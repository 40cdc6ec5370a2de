// Package transcribe turns downloaded audio or video into subtitle text.
package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

type Transcript struct {
	// Path is the .srt file on disk.
	Path string `json:"path"`
	Text string `json:"text"`
}

type Engine interface {
	Transcribe(ctx context.Context, mediaPath, modelSize string) (Transcript, error)
}

// Whisper shells out to the openai-whisper CLI.
type Whisper struct {
	Binary   string
	Language string
	Logger   *zap.Logger
}

func NewWhisper(binary, language string, logger *zap.Logger) *Whisper {
	if strings.TrimSpace(binary) == "" {
		binary = "whisper"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Whisper{Binary: binary, Language: language, Logger: logger}
}

func (w *Whisper) Transcribe(ctx context.Context, mediaPath, modelSize string) (Transcript, error) {
	if strings.TrimSpace(mediaPath) == "" {
		return Transcript{}, fmt.Errorf("media path is required")
	}
	if _, err := os.Stat(mediaPath); err != nil {
		return Transcript{}, fmt.Errorf("media file %s: %w", mediaPath, err)
	}
	if strings.TrimSpace(modelSize) == "" {
		modelSize = "turbo"
	}
	outDir := filepath.Dir(mediaPath)
	args := []string{
		mediaPath,
		"--model", modelSize,
		"--output_format", "srt",
		"--output_dir", outDir,
		"--verbose", "False",
	}
	if w.Language != "" {
		args = append(args, "--language", w.Language)
	}

	w.Logger.Debug("running whisper", zap.String("media", mediaPath), zap.String("model", modelSize))
	cmd := exec.CommandContext(ctx, w.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Transcript{}, fmt.Errorf("whisper interrupted: %w", ctx.Err())
		}
		return Transcript{}, fmt.Errorf("whisper failed: %w: %s", err, tail(stderr.String(), 2048))
	}

	base := strings.TrimSuffix(filepath.Base(mediaPath), filepath.Ext(mediaPath))
	srtPath := filepath.Join(outDir, base+".srt")
	return ReadSRT(srtPath)
}

// ReadSRT loads a subtitle file and flattens it to plain text.
func ReadSRT(path string) (Transcript, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Transcript{}, fmt.Errorf("read subtitles %s: %w", path, err)
	}
	text := SRTText(string(raw))
	if text == "" {
		return Transcript{}, fmt.Errorf("subtitles %s are empty", path)
	}
	return Transcript{Path: path, Text: text}, nil
}

var (
	cueIndex  = regexp.MustCompile(`^\d+$`)
	cueTiming = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}[,.]\d{3}\s+-->\s+\d{2}:\d{2}:\d{2}[,.]\d{3}`)
	markup    = regexp.MustCompile(`<[^>]+>`)
)

// SRTText drops cue numbers, timings and inline tags, and collapses
// consecutive duplicate lines that auto captions tend to repeat.
func SRTText(srt string) string {
	var out []string
	last := ""
	for _, line := range strings.Split(strings.ReplaceAll(srt, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(markup.ReplaceAllString(line, ""))
		if line == "" || line == "WEBVTT" || cueIndex.MatchString(line) || cueTiming.MatchString(line) {
			continue
		}
		if line == last {
			continue
		}
		out = append(out, line)
		last = line
	}
	return strings.Join(out, "\n")
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
