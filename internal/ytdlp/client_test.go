package ytdlp

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFakeBinary(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "yt-dlp")
	if err := os.WriteFile(path, []byte("#!/usr/bin/env bash\nset -euo pipefail\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDownloadCollectsArtifacts(t *testing.T) {
	bin := writeFakeBinary(t, `
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-P" ]; then out="$2"; shift; fi
  shift
done
echo "[download] 100% of 1.00MiB"
touch "$out/BV1xx411c7mD.mp4" "$out/BV1xx411c7mD.zh-Hans.srt" "$out/BV1xx411c7mD.info.json" "$out/BV1xx411c7mD.mp4.part"
`)
	out := filepath.Join(t.TempDir(), "item")
	var lines []string
	res, err := New(bin, nil).Download(context.Background(), DownloadOptions{
		URL:       "https://www.bilibili.com/video/BV1xx411c7mD",
		OutputDir: out,
		Subtitles: true,
		Progress:  func(_ OutputStream, line string) { lines = append(lines, line) },
	})
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if got := filepath.Base(res.Primary()); got != "BV1xx411c7mD.mp4" {
		t.Fatalf("unexpected primary media: %q", got)
	}
	if len(res.Subtitles) != 1 || !strings.HasSuffix(res.Subtitles[0], ".srt") {
		t.Fatalf("expected one srt subtitle, got %v", res.Subtitles)
	}
	if res.InfoJSON == "" {
		t.Fatalf("expected info json to be collected")
	}
	if len(res.Media) != 1 {
		t.Fatalf("partial files must be ignored, got %v", res.Media)
	}
	if len(lines) == 0 {
		t.Fatalf("expected progress lines")
	}
	joined := strings.Join(res.Command, " ")
	if !strings.Contains(joined, "--write-subs") || !strings.Contains(joined, "--convert-subs srt") {
		t.Fatalf("subtitle flags missing from command: %s", joined)
	}
}

func TestDownloadFailureCarriesStderr(t *testing.T) {
	bin := writeFakeBinary(t, `
echo "[download] Downloading 64b4290000000000abcdef12 status 429"
echo "ERROR: [BiliBili] BV1xx411c7mD: HTTP Error 404: Not Found" >&2
exit 1
`)
	_, err := New(bin, nil).Download(context.Background(), DownloadOptions{
		URL:       "https://www.bilibili.com/video/BV1xx411c7mD",
		OutputDir: t.TempDir(),
	})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(err.Error(), "HTTP Error 404") {
		t.Fatalf("stderr not carried in error: %v", err)
	}
	if strings.Contains(err.Error(), "[download]") {
		t.Fatalf("stdout progress leaked into error: %v", err)
	}
}

func TestDownloadWithoutMediaFails(t *testing.T) {
	bin := writeFakeBinary(t, "exit 0\n")
	_, err := New(bin, nil).Download(context.Background(), DownloadOptions{
		URL:       "https://www.xiaohongshu.com/explore/64a1b2c3d4e5f6a7b8c9d0e1",
		OutputDir: t.TempDir(),
	})
	if err == nil || !strings.Contains(err.Error(), "produced no media") {
		t.Fatalf("expected no-media error, got %v", err)
	}
}

func TestDownloadHonorsContext(t *testing.T) {
	bin := writeFakeBinary(t, "exec sleep 5\n")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(bin, nil).Download(ctx, DownloadOptions{URL: "https://b23.tv/abc", OutputDir: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "interrupted") {
		t.Fatalf("expected interrupted error, got %v", err)
	}
}

func TestDownloadValidatesOptions(t *testing.T) {
	c := New("", nil)
	if c.Binary() != DefaultBinary {
		t.Fatalf("expected default binary, got %q", c.Binary())
	}
	if _, err := c.Download(context.Background(), DownloadOptions{OutputDir: t.TempDir()}); err == nil {
		t.Fatalf("expected missing URL error")
	}
	if _, err := c.Download(context.Background(), DownloadOptions{URL: "https://b23.tv/x"}); err == nil {
		t.Fatalf("expected missing output dir error")
	}
	if _, err := c.Download(context.Background(), DownloadOptions{URL: "https://b23.tv/x", OutputDir: t.TempDir(), CookiesPath: "/nonexistent/cookies.txt"}); err == nil {
		t.Fatalf("expected missing cookies error")
	}
}

func TestListCollectionParsesFlatPlaylist(t *testing.T) {
	bin := writeFakeBinary(t, `cat <<'JSON'
{"id":"space","entries":[
 {"id":"BV1aa411c7mD","url":"https://www.bilibili.com/video/BV1aa411c7mD","title":"one"},
 {"id":"BV1bb411c7mD","webpage_url":"https://www.bilibili.com/video/BV1bb411c7mD","url":"ignored","title":"two"},
 {"title":"broken"}
]}
JSON
`)
	entries, err := New(bin, nil).ListCollection(context.Background(), CollectionOptions{URL: "https://space.bilibili.com/2", Limit: 10})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].URL != "https://www.bilibili.com/video/BV1bb411c7mD" {
		t.Fatalf("webpage_url should win, got %q", entries[1].URL)
	}
}

func TestSelectFormat(t *testing.T) {
	cases := map[string]string{
		"":      "bv*+ba/b",
		"1080p": "bv*[height<=1080]+ba/b[height<=1080]",
		"720":   "bv*[height<=720]+ba/b[height<=720]",
		"audio": "ba/b",
		"weird": "bv*+ba/b",
	}
	for in, want := range cases {
		if got := selectFormat(in); got != want {
			t.Fatalf("selectFormat(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitByNewlineOrCR(t *testing.T) {
	data := []byte("a\rb\nc")
	var tokens []string
	for len(data) > 0 {
		adv, tok, _ := splitByNewlineOrCR(data, true)
		if tok != nil {
			tokens = append(tokens, string(tok))
		}
		data = data[adv:]
	}
	if strings.Join(tokens, ",") != "a,b,c" {
		t.Fatalf("unexpected tokens: %v", tokens)
	}
}
