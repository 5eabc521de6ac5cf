package transfer

import (
	"context"
	"time"

	"media-transfer-scheduler/internal/models"
	"media-transfer-scheduler/internal/quota"
)

// MediaClass selects the delivery strategy for an item.
type MediaClass string

const (
	MediaText      MediaClass = "text"
	MediaWebPage   MediaClass = "web_page"
	MediaPhoto     MediaClass = "photo"
	MediaVideo     MediaClass = "video"
	MediaVideoNote MediaClass = "video_note"
	MediaAudio     MediaClass = "audio"
	MediaVoice     MediaClass = "voice"
	MediaDocument  MediaClass = "document"
)

// Item is a resolved content item.
type Item struct {
	ChatID   string     `json:"chat_id"`
	ItemID   int64      `json:"item_id"`
	Class    MediaClass `json:"class"`
	Text     string     `json:"text,omitempty"`
	Caption  string     `json:"caption,omitempty"`
	Size     int64      `json:"size"`
	MimeType string     `json:"mime_type,omitempty"`
	FileName string     `json:"file_name,omitempty"`
	Duration int        `json:"duration,omitempty"`
	Width    int        `json:"width,omitempty"`
	Height   int        `json:"height,omitempty"`
}

// HasPayload reports whether the item carries bytes that must be fetched.
func (i Item) HasPayload() bool {
	return i.Class != MediaText && i.Class != MediaWebPage && i.Class != ""
}

// Streamable reports whether the item is a video the sink can stream.
func (i Item) Streamable() bool {
	return i.Class == MediaVideoNote ||
		(i.Class == MediaVideo && (i.MimeType == "video/mp4" || i.MimeType == "video/x-matroska"))
}

// Metadata travels with a payload on both the primary and fallback sinks.
type Metadata struct {
	Class             MediaClass `json:"class"`
	Caption           string     `json:"caption,omitempty"`
	FileName          string     `json:"file_name,omitempty"`
	MimeType          string     `json:"mime_type,omitempty"`
	Duration          int        `json:"duration,omitempty"`
	Width             int        `json:"width,omitempty"`
	Height            int        `json:"height,omitempty"`
	Thumbnail         string     `json:"-"`
	SupportsStreaming bool       `json:"supports_streaming,omitempty"`
	ForceDocument     bool       `json:"force_document,omitempty"`
}

// ProgressFunc receives cumulative bytes moved out of total.
type ProgressFunc func(done, total int64)

// Provider is the content platform capability. Any method may return a
// *ThrottledError; send methods may return ErrTransportIncompatible.
type Provider interface {
	Resolve(ctx context.Context, ref Reference) (Item, error)
	// Fetch downloads the item's payload into dir and returns the file path.
	Fetch(ctx context.Context, item Item, dir string, progress ProgressFunc) (string, error)
	SendText(ctx context.Context, userID int64, text string) error
	SendPhoto(ctx context.Context, userID int64, path string, meta Metadata) error
	SendMedia(ctx context.Context, userID int64, path string, meta Metadata, progress ProgressFunc) error
}

// ChunkedUploader is the secondary transport for payloads the primary sink rejects.
type ChunkedUploader interface {
	UploadChunked(ctx context.Context, userID int64, path string, meta Metadata, progress ProgressFunc) error
}

// Reporter receives human-readable progress. Delivery is best effort.
type Reporter interface {
	Report(ctx context.Context, text string) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, text string) error

func (f ReporterFunc) Report(ctx context.Context, text string) error { return f(ctx, text) }

type nopReporter struct{}

func (nopReporter) Report(context.Context, string) error { return nil }

// Limiter gates every outbound platform request.
type Limiter interface {
	Acquire(ctx context.Context, n int) error
	OnThrottled(ctx context.Context, wait time.Duration) error
	// Penalize records a throttle the caller will not wait out.
	Penalize(wait time.Duration) time.Duration
	OnSuccess()
}

// Ledger is the quota capability the orchestrator consults and updates.
type Ledger interface {
	Check(ctx context.Context, userID, size int64) (quota.Decision, error)
	Add(ctx context.Context, userID, upload, download int64) (bool, error)
	Record(ctx context.Context, outcome models.TransferOutcome) error
}
