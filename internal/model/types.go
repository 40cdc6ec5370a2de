package model

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"
)

type Platform string

const (
	PlatformBilibili    Platform = "bilibili"
	PlatformXiaohongshu Platform = "xiaohongshu"
	PlatformUnknown     Platform = "unknown"
)

// Prefix is the short platform tag used in item ids.
func (p Platform) Prefix() string {
	switch p {
	case PlatformBilibili:
		return "bili"
	case PlatformXiaohongshu:
		return "xhs"
	default:
		return "unknown"
	}
}

type ContentKind string

const (
	KindVideo          ContentKind = "video"
	KindImageSet       ContentKind = "image_set"
	KindUserCollection ContentKind = "user_collection"
	KindUnknown        ContentKind = "unknown"
)

// Item is one unit of work derived from a classified link. It is immutable
// once created; the same link always yields the same ID.
type Item struct {
	ID          string      `json:"id"`
	Platform    Platform    `json:"platform"`
	ContentKind ContentKind `json:"content_kind"`
	ContentID   string      `json:"content_id,omitempty"`

	// SourceURL is the link exactly as submitted.
	SourceURL string `json:"source_url"`
	// ResolvedURL is set when a share short link was expanded before
	// classification.
	ResolvedURL string `json:"resolved_url,omitempty"`
}

func NewItem(platform Platform, kind ContentKind, contentID, sourceURL string) Item {
	return Item{
		ID:          platform.Prefix() + ":" + contentID,
		Platform:    platform,
		ContentKind: kind,
		ContentID:   contentID,
		SourceURL:   sourceURL,
	}
}

// UnknownItem builds the item for a link no rule matched. The id hashes the
// trimmed link so resubmitting it stays idempotent.
func UnknownItem(sourceURL string) Item {
	sum := sha1.Sum([]byte(strings.TrimSpace(sourceURL)))
	return Item{
		ID:          "unknown:" + hex.EncodeToString(sum[:])[:16],
		Platform:    PlatformUnknown,
		ContentKind: KindUnknown,
		SourceURL:   sourceURL,
	}
}

// FetchURL is the address collaborators download from: the resolved link,
// else the submitted one when it is a URL, else the canonical page for a
// bare or prefixed id.
func (i Item) FetchURL() string {
	if i.ResolvedURL != "" {
		return i.ResolvedURL
	}
	if strings.Contains(i.SourceURL, "://") {
		return i.SourceURL
	}
	id := i.ContentID
	switch i.Platform {
	case PlatformBilibili:
		switch {
		case strings.HasPrefix(id, "space:"):
			return "https://space.bilibili.com/" + strings.TrimPrefix(id, "space:")
		case strings.HasPrefix(id, "b23:"):
			return "https://b23.tv/" + strings.TrimPrefix(id, "b23:")
		case id != "":
			return "https://www.bilibili.com/video/" + id
		}
	case PlatformXiaohongshu:
		switch {
		case strings.HasPrefix(id, "user:"):
			return "https://www.xiaohongshu.com/user/profile/" + strings.TrimPrefix(id, "user:")
		case strings.HasPrefix(id, "short:"):
			return "http://xhslink.com/" + strings.TrimPrefix(id, "short:")
		case id != "":
			return "https://www.xiaohongshu.com/explore/" + id
		}
	}
	return i.SourceURL
}

func (i Item) Supported() bool {
	return i.Platform != PlatformUnknown && i.ContentKind != KindUnknown
}

type ErrorKind string

const (
	ErrClassificationAmbiguous ErrorKind = "ClassificationAmbiguous"
	ErrTransientStage          ErrorKind = "TransientStageError"
	ErrPermanentStage          ErrorKind = "PermanentStageError"
	ErrQuotaExhausted          ErrorKind = "QuotaExhausted"
)

type StageError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

// StageResult is the latest outcome of one stage for one item.
type StageResult struct {
	StageName    string            `json:"stage_name"`
	Status       StageStatus       `json:"status"`
	OutputRef    string            `json:"output_ref,omitempty"`
	Tier         string            `json:"tier,omitempty"`
	Error        *StageError       `json:"error,omitempty"`
	AttemptCount int               `json:"attempt_count"`
	Timestamp    time.Time         `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type FinalStatus string

const (
	FinalSucceeded  FinalStatus = "succeeded"
	FinalFailed     FinalStatus = "failed"
	FinalIncomplete FinalStatus = "incomplete"
)
