package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkdigest/internal/model"
)

const fakeYTDLP = `#!/usr/bin/env bash
set -euo pipefail
echo call >> "$LINKDIGEST_TEST_CALLS"
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-P" ]; then out="$2"; shift; fi
  shift
done
echo "[download] 100% of 2.00MiB"
printf 'mp4' > "$out/BV1xx411c7mD.mp4"
printf '{"title":"demo"}' > "$out/BV1xx411c7mD.info.json"
`

const fakeWhisper = `#!/usr/bin/env bash
set -euo pipefail
media="$1"; shift
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--output_dir" ]; then out="$2"; shift; fi
  shift
done
base=$(basename "$media"); base="${base%.*}"
printf '1\n00:00:00,000 --> 00:00:02,000\nhello world\n' > "$out/$base.srt"
`

type harness struct {
	dir        string
	configPath string
	calls      string
	aiCalls    atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{dir: t.TempDir()}
	chdir(t, h.dir)

	bin := filepath.Join(h.dir, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bin, "yt-dlp"), []byte(fakeYTDLP), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bin, "whisper"), []byte(fakeWhisper), 0o755))
	h.calls = filepath.Join(h.dir, "ytdlp.calls")
	t.Setenv("LINKDIGEST_TEST_CALLS", h.calls)

	ai := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.aiCalls.Add(1)
		if r.Header.Get("x-goog-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"# note"}]}}],"usageMetadata":{"totalTokenCount":7}}`))
	}))
	t.Cleanup(ai.Close)

	cfg := `
state:
  dir: ` + filepath.Join(h.dir, "state") + `
download:
  binary: ` + filepath.Join(bin, "yt-dlp") + `
  output_dir: ` + filepath.Join(h.dir, "downloads") + `
  subtitles: false
transcribe:
  binary: ` + filepath.Join(bin, "whisper") + `
ai:
  endpoint: ` + ai.URL + `
  api_key: test-key
pipeline:
  defaults:
    max_attempts: 1
log:
  level: error
`
	h.configPath = filepath.Join(h.dir, "linkdigest.yaml")
	require.NoError(t, os.WriteFile(h.configPath, []byte(cfg), 0o644))
	return h
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(append([]string{"--config", h.configPath, "--no-color"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (h *harness) downloads(t *testing.T) int {
	t.Helper()
	raw, err := os.ReadFile(h.calls)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return strings.Count(string(raw), "call")
}

const videoLink = "https://www.bilibili.com/video/BV1xx411c7mD"

func TestHarnessRunIsIncremental(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "run", "--url", videoLink, "--url", "https://example.com/not-supported", "--json")
	require.NoError(t, err)
	var first model.BatchReport
	require.NoError(t, json.Unmarshal([]byte(out), &first), out)
	assert.Equal(t, 2, first.Total)
	assert.Equal(t, 1, first.Succeeded)
	assert.Equal(t, 1, first.Failed)
	assert.Equal(t, 1, first.Unsupported)
	assert.Equal(t, 1, h.downloads(t))
	assert.Equal(t, int32(2), h.aiCalls.Load(), "optimize and analyze each call the model once")

	note := filepath.Join(h.dir, "downloads", "bili_BV1xx411c7mD", "analysis.md")
	for _, it := range first.Items {
		if it.ItemID == "bili:BV1xx411c7mD" {
			note = it.Outputs["analyze"]
		}
	}
	raw, err := os.ReadFile(note)
	require.NoError(t, err)
	assert.Equal(t, "# note", string(raw))

	out, err = h.run(t, "run", videoLink, "--json")
	require.NoError(t, err)
	var second model.BatchReport
	require.NoError(t, json.Unmarshal([]byte(out), &second), out)
	assert.Equal(t, 1, second.SkippedAlreadyDone)
	assert.Equal(t, 1, h.downloads(t), "finished items are not downloaded again")
	assert.Equal(t, int32(2), h.aiCalls.Load())
}

func TestHarnessStatusAndQuota(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "run", videoLink, "--json")
	require.NoError(t, err)

	out, err := h.run(t, "status", "--json")
	require.NoError(t, err)
	var records []model.JobRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records), out)
	require.Len(t, records, 1)
	assert.Equal(t, model.FinalSucceeded, records[0].FinalStatus())

	out, err = h.run(t, "status", "--item", "bili:BV1xx411c7mD")
	require.NoError(t, err)
	assert.Contains(t, out, "transcribe")
	assert.Contains(t, out, "succeeded")

	out, err = h.run(t, "status", "--latest")
	require.NoError(t, err)
	assert.Contains(t, out, "bili:BV1xx411c7mD")

	out, err = h.run(t, "quota", "--json")
	require.NoError(t, err)
	var tiers []tierRow
	require.NoError(t, json.Unmarshal([]byte(out), &tiers), out)
	used := map[string]int{}
	for _, tr := range tiers {
		used[tr.Tier] = tr.DayUsed
	}
	assert.Equal(t, 1, used["flash-lite"], "optimize prefers flash-lite")
	assert.Equal(t, 1, used["pro"], "analyze prefers pro")
}

func TestHarnessClassify(t *testing.T) {
	h := newHarness(t)
	out, err := h.run(t, "classify", "--json", videoLink, videoLink, "https://www.xiaohongshu.com/explore/64a1b2c3d4e5f6a7b8c9d0e1")
	require.NoError(t, err)
	var rows []classifiedRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows), out)
	require.Len(t, rows, 3)
	assert.True(t, rows[1].Duplicate)
	assert.Equal(t, "image_set", rows[2].ContentKind)

	out, err = h.run(t, "classify", videoLink)
	require.NoError(t, err)
	assert.Contains(t, out, "bili:BV1xx411c7mD")
}

func TestHarnessRunNeedsLinks(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "run")
	assert.Error(t, err)
}

func TestWatchOncePass(t *testing.T) {
	h := newHarness(t)
	list := filepath.Join(h.dir, "links.txt")
	require.NoError(t, os.WriteFile(list, []byte("# saved links\n"+videoLink+"\n\n"), 0o644))

	_, err := h.run(t, "watch", "--file", list, "--once")
	require.NoError(t, err)
	_, err = h.run(t, "watch", "--file", list, "--once")
	require.NoError(t, err)
	assert.Equal(t, 1, h.downloads(t))

	_, err = h.run(t, "watch", "--file", list, "--schedule", "not a cron spec")
	assert.Error(t, err)
}

// chdir is a Go 1.21-compatible stand-in for testing.T.Chdir.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
