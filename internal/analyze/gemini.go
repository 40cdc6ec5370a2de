// Package analyze is the boundary to the generative AI service. Prompts are
// opaque strings supplied by configuration.
package analyze

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"linkdigest/internal/stage"
)

// ErrTierExhausted means the provider refused the call for quota reasons.
// It also matches stage.ErrQuotaExhausted.
var ErrTierExhausted = errors.New("ai tier exhausted")

type Request struct {
	Model   string
	Prompt  string
	Content string
	// Images are local files sent inline with the prompt.
	Images []string
}

type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Candidates int `json:"candidates"`
	Total      int `json:"total"`
}

type Response struct {
	Model string     `json:"model"`
	Text  string     `json:"text"`
	Usage TokenUsage `json:"usage"`
}

type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

type ExhaustedError struct {
	Model      string
	RetryAfter time.Duration
	Message    string
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("model %s exhausted: %s", e.Model, e.Message)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrTierExhausted, stage.ErrQuotaExhausted}
}

// APIError is any other non-2xx answer.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini http %d %s: %s", e.StatusCode, e.Status, e.Message)
}

const maxImageBytes = 15 << 20

type Gemini struct {
	endpoint string
	apiKey   string
	http     *http.Client
	logger   *zap.Logger
}

func NewGemini(endpoint, apiKey string, timeout time.Duration, logger *zap.Logger) *Gemini {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gemini{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		} `json:"details"`
	} `json:"error"`
}

// Generate calls models/<model>:generateContent. Quota refusals come back as
// *ExhaustedError, client errors as permanent and server errors as transient.
func (g *Gemini) Generate(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Model) == "" {
		return Response{}, stage.Permanent(fmt.Errorf("model is required"))
	}
	if g.apiKey == "" {
		return Response{}, stage.Permanent(fmt.Errorf("gemini api key is not configured"))
	}

	parts := []part{{Text: joinPrompt(req.Prompt, req.Content)}}
	for _, img := range req.Images {
		p, err := imagePart(img)
		if err != nil {
			return Response{}, stage.Permanent(err)
		}
		parts = append(parts, p)
	}
	body, err := json.Marshal(generateRequest{Contents: []content{{Role: "user", Parts: parts}}})
	if err != nil {
		return Response{}, fmt.Errorf("encode gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.endpoint, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	started := time.Now()
	resp, err := g.http.Do(httpReq)
	if err != nil {
		return Response{}, stage.Transient(fmt.Errorf("gemini request: %w", err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Response{}, stage.Transient(fmt.Errorf("read gemini response: %w", err))
	}
	g.logger.Debug("gemini call finished",
		zap.String("model", req.Model),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)),
	)

	if resp.StatusCode/100 != 2 {
		return Response{}, classifyHTTPError(req.Model, resp.StatusCode, raw)
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, stage.Transient(fmt.Errorf("decode gemini response: %w", err))
	}
	if out.PromptFeedback.BlockReason != "" {
		return Response{}, stage.Permanent(fmt.Errorf("gemini blocked the prompt: %s", out.PromptFeedback.BlockReason))
	}
	var text strings.Builder
	for _, c := range out.Candidates {
		for _, p := range c.Content.Parts {
			text.WriteString(p.Text)
		}
		if text.Len() > 0 {
			break
		}
	}
	if text.Len() == 0 {
		return Response{}, stage.Transient(fmt.Errorf("gemini returned no text"))
	}
	return Response{
		Model: req.Model,
		Text:  text.String(),
		Usage: TokenUsage{
			Prompt:     out.UsageMetadata.PromptTokenCount,
			Candidates: out.UsageMetadata.CandidatesTokenCount,
			Total:      out.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

func classifyHTTPError(model string, status int, raw []byte) error {
	var env errorEnvelope
	_ = json.Unmarshal(raw, &env)
	msg := strings.TrimSpace(env.Error.Message)
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}

	if status == http.StatusTooManyRequests || env.Error.Status == "RESOURCE_EXHAUSTED" {
		ex := &ExhaustedError{Model: model, Message: msg}
		for _, d := range env.Error.Details {
			if d.RetryDelay == "" {
				continue
			}
			if delay, err := time.ParseDuration(d.RetryDelay); err == nil {
				ex.RetryAfter = delay
			}
		}
		return ex
	}

	apiErr := &APIError{StatusCode: status, Status: env.Error.Status, Message: msg}
	switch {
	case status >= 500:
		return stage.Transient(apiErr)
	case status == http.StatusRequestTimeout:
		return stage.Transient(apiErr)
	default:
		return stage.Permanent(apiErr)
	}
}

func joinPrompt(prompt, body string) string {
	prompt = strings.TrimSpace(prompt)
	body = strings.TrimSpace(body)
	switch {
	case prompt == "":
		return body
	case body == "":
		return prompt
	default:
		return prompt + "\n\n" + body
	}
}

func imagePart(path string) (part, error) {
	info, err := os.Stat(path)
	if err != nil {
		return part{}, fmt.Errorf("image %s: %w", path, err)
	}
	if info.Size() > maxImageBytes {
		return part{}, fmt.Errorf("image %s is %d bytes, limit is %d", path, info.Size(), maxImageBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return part{}, fmt.Errorf("read image %s: %w", path, err)
	}
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return part{InlineData: &inlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(data)}}, nil
}
