package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkdigest/internal/config"
)

func doctorConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		State:      config.StateConfig{Backend: "fs", Dir: filepath.Join(dir, "state")},
		Download:   config.DownloadConfig{Binary: "linkdigest-missing-ytdlp", OutputDir: filepath.Join(dir, "out")},
		Transcribe: config.TranscribeConfig{Binary: "linkdigest-missing-whisper"},
	}
}

func checkByName(res doctorResult, name string) (doctorCheck, bool) {
	for _, c := range res.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return doctorCheck{}, false
}

func TestDoctorReportsMissingPieces(t *testing.T) {
	cfg := doctorConfig(t)
	res := doctor(context.Background(), cfg)
	assert.False(t, res.OK)

	yt, ok := checkByName(res, "dependency:yt-dlp")
	require.True(t, ok)
	assert.False(t, yt.OK)
	assert.Contains(t, yt.Message, "not found on PATH")

	key, _ := checkByName(res, "ai:api_key")
	assert.False(t, key.OK)

	state, _ := checkByName(res, "directory:state")
	assert.True(t, state.OK)
	store, _ := checkByName(res, "store:fs")
	assert.True(t, store.OK, store.Message)

	_, hasCookies := checkByName(res, "cookies")
	assert.False(t, hasCookies, "cookies are only checked when configured")
}

func TestDoctorChecksCookiesAndBinaries(t *testing.T) {
	cfg := doctorConfig(t)
	bin := t.TempDir()
	whisper := filepath.Join(bin, "whisper")
	require.NoError(t, os.WriteFile(whisper, []byte("#!/bin/sh\n"), 0o755))
	cfg.Transcribe.Binary = whisper
	cfg.AI.APIKey = "k"

	jar := filepath.Join(t.TempDir(), "cookies.env")
	require.NoError(t, os.WriteFile(jar, []byte("[bilibili]\nSESSDATA=abc\n"), 0o600))
	cfg.Download.CookiesFile = jar

	res := doctor(context.Background(), cfg)
	w, _ := checkByName(res, "dependency:whisper")
	assert.True(t, w.OK, w.Message)
	key, _ := checkByName(res, "ai:api_key")
	assert.True(t, key.OK)
	c, ok := checkByName(res, "cookies")
	require.True(t, ok)
	assert.True(t, c.OK, c.Message)
	assert.Contains(t, c.Message, "bilibili")

	missing := cookiesCheck(filepath.Join(t.TempDir(), "nope"))
	assert.False(t, missing.OK)
}

func TestEnsureWritableDir(t *testing.T) {
	ok, msg := ensureWritableDir("")
	assert.False(t, ok)
	assert.Equal(t, "empty path", msg)

	ok, msg = ensureWritableDir(filepath.Join(t.TempDir(), "a", "b"))
	assert.True(t, ok)
	assert.Equal(t, "writable", msg)
}

func TestCollectLinks(t *testing.T) {
	file := filepath.Join(t.TempDir(), "links.txt")
	require.NoError(t, os.WriteFile(file, []byte(`# comment
https://www.bilibili.com/video/BV1xx411c7mD

look 【https://www.xiaohongshu.com/explore/64a1b2c3d4e5f6a7b8c9d0e1】 nice
`), 0o644))

	links, err := collectLinks([]string{"https://b23.tv/abc"}, []string{"https://space.bilibili.com/2"}, file)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://b23.tv/abc",
		"https://space.bilibili.com/2",
		"https://www.bilibili.com/video/BV1xx411c7mD",
		"https://www.xiaohongshu.com/explore/64a1b2c3d4e5f6a7b8c9d0e1",
	}, links)

	_, err = collectLinks(nil, nil, "")
	assert.Error(t, err)
	_, err = collectLinks(nil, nil, filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestUsage(t *testing.T) {
	assert.Equal(t, "3/unlimited", usage(3, 0))
	assert.Equal(t, "1/5", usage(1, 5))
}
