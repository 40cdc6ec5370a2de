package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkdigest/internal/model"
	"linkdigest/internal/stage"
)

func newServer(t *testing.T, status int, body string, inspect func(r *http.Request, payload generateRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var payload generateRequest
		_ = json.Unmarshal(raw, &payload)
		if inspect != nil {
			inspect(r, payload)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerate_Success(t *testing.T) {
	var gotPath, gotKey string
	var gotPayload generateRequest
	srv := newServer(t, 200, `{
		"candidates":[{"content":{"parts":[{"text":"summary "},{"text":"done"}]}}],
		"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":4,"totalTokenCount":14}
	}`, func(r *http.Request, p generateRequest) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		gotPayload = p
	})

	img := filepath.Join(t.TempDir(), "cover.png")
	require.NoError(t, os.WriteFile(img, []byte("\x89PNG\r\n\x1a\nfake"), 0o644))

	resp, err := NewGemini(srv.URL, "secret", time.Second, nil).Generate(context.Background(), Request{
		Model:   "gemini-2.5-flash",
		Prompt:  "Summarize:",
		Content: "transcript text",
		Images:  []string{img},
	})
	require.NoError(t, err)
	assert.Equal(t, "summary done", resp.Text)
	assert.Equal(t, 14, resp.Usage.Total)
	assert.Equal(t, "/models/gemini-2.5-flash:generateContent", gotPath)
	assert.Equal(t, "secret", gotKey)
	require.Len(t, gotPayload.Contents, 1)
	require.Len(t, gotPayload.Contents[0].Parts, 2)
	assert.Equal(t, "Summarize:\n\ntranscript text", gotPayload.Contents[0].Parts[0].Text)
	assert.Equal(t, "image/png", gotPayload.Contents[0].Parts[1].InlineData.MimeType)
}

func TestGenerate_QuotaExhaustedIsTransientQuota(t *testing.T) {
	srv := newServer(t, 429, `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","message":"Quota exceeded",
		"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"37s"}]}}`, nil)

	_, err := NewGemini(srv.URL, "k", time.Second, nil).Generate(context.Background(), Request{Model: "gemini-2.5-pro", Content: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTierExhausted))
	assert.True(t, errors.Is(err, stage.ErrQuotaExhausted))
	var ex *ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, 37*time.Second, ex.RetryAfter)
	assert.Equal(t, model.ErrQuotaExhausted, stage.Classify(err))
}

func TestGenerate_ErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   model.ErrorKind
	}{
		{500, `{"error":{"code":500,"status":"INTERNAL","message":"boom"}}`, model.ErrTransientStage},
		{503, `upstream down`, model.ErrTransientStage},
		{400, `{"error":{"code":400,"status":"INVALID_ARGUMENT","message":"bad"}}`, model.ErrPermanentStage},
		{200, `{"promptFeedback":{"blockReason":"SAFETY"}}`, model.ErrPermanentStage},
		{200, `{"candidates":[]}`, model.ErrTransientStage},
	}
	for _, tc := range cases {
		srv := newServer(t, tc.status, tc.body, nil)
		_, err := NewGemini(srv.URL, "k", time.Second, nil).Generate(context.Background(), Request{Model: "m", Content: "x"})
		require.Error(t, err, tc.body)
		assert.Equal(t, tc.want, stage.Classify(err), tc.body)
	}
}

func TestGenerate_RequiresKeyAndModel(t *testing.T) {
	g := NewGemini("http://127.0.0.1:1", "", time.Second, nil)
	_, err := g.Generate(context.Background(), Request{Model: "m"})
	assert.Equal(t, model.ErrPermanentStage, stage.Classify(err))

	_, err = NewGemini("http://127.0.0.1:1", "k", time.Second, nil).Generate(context.Background(), Request{})
	assert.Equal(t, model.ErrPermanentStage, stage.Classify(err))
}

func TestJoinPrompt(t *testing.T) {
	assert.Equal(t, "b", joinPrompt("", " b "))
	assert.Equal(t, "a", joinPrompt("a", ""))
	assert.Equal(t, "a\n\nb", joinPrompt("a", "b"))
}
