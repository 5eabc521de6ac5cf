package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"media-transfer-scheduler/internal/transfer"
)

func newClient(t *testing.T, h http.Handler, partSize int64) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL, Token: "secret", Timeout: 5 * time.Second, PartSize: partSize, RetryMax: 2}, nil)
	c.http.RetryWaitMin = time.Millisecond
	c.http.RetryWaitMax = 5 * time.Millisecond
	return c
}

func TestResolveSendsShapeAndToken(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		q := r.URL.Query()
		if q.Get("chat") != "-100123" || q.Get("id") != "9" || q.Get("shape") != "private_numeric" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(itemResponse{ChatID: "-100123", ItemID: 9, Class: "video", Size: 42, MimeType: "video/mp4"})
	}), 0)

	ref, err := transfer.ParseReference("https://t.me/c/123/9", 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	item, err := c.Resolve(context.Background(), ref)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if item.Class != transfer.MediaVideo || item.Size != 42 || !item.Streamable() {
		t.Fatalf("unexpected item %+v", item)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusNotFound, `{"error":"no such message"}`, transfer.ErrReferenceNotFound},
		{http.StatusForbidden, `{"error":"private channel"}`, transfer.ErrAccessDenied},
		{http.StatusConflict, `{"error":"wrong peer"}`, transfer.ErrWrongShape},
		{http.StatusBadRequest, `{"error":"invalid","code":"peer_id_invalid"}`, transfer.ErrWrongShape},
		{http.StatusRequestEntityTooLarge, `{"error":"too big"}`, transfer.ErrTransportIncompatible},
	}
	for _, tc := range cases {
		c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, tc.body)
		}), 0)
		_, err := c.Resolve(context.Background(), transfer.Reference{Shape: transfer.ShapePublic, Chat: "news", ItemID: 1})
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestThrottleIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
	}), 0)

	err := c.SendText(context.Background(), 1, "hi")
	var te *transfer.ThrottledError
	if !errors.As(err, &te) || te.Wait != 42*time.Second {
		t.Fatalf("expected 42s throttle, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("429 must not be retried, got %d calls", calls.Load())
	}
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}), 0)

	if err := c.SendText(context.Background(), 1, "hi"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestFetchWritesPayloadAndReportsProgress(t *testing.T) {
	payload := strings.Repeat("x", 4096)
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/items/news/3/content" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, payload)
	}), 0)

	var last int64
	path, err := c.Fetch(context.Background(), transfer.Item{ChatID: "news", ItemID: 3, FileName: "../clip.mp4"}, t.TempDir(), func(done, _ int64) {
		last = done
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if filepath.Base(path) != "clip.mp4" {
		t.Fatalf("unexpected path %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != payload {
		t.Fatalf("payload mismatch: %v", err)
	}
	if last != int64(len(payload)) {
		t.Fatalf("expected final progress %d, got %d", len(payload), last)
	}
}

func TestFetchEmptyPayload(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), 0)
	_, err := c.Fetch(context.Background(), transfer.Item{ChatID: "news", ItemID: 3}, t.TempDir(), nil)
	if !errors.Is(err, errEmptyPayload) {
		t.Fatalf("expected empty payload error, got %v", err)
	}
}

func TestSendMediaMultipart(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "clip.mp4")
	thumb := filepath.Join(dir, "thumb.jpg")
	if err := os.WriteFile(file, []byte("video-bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(thumb, []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got struct {
		meta  transfer.Metadata
		file  string
		thumb string
		user  string
	}
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got.user = r.FormValue("user_id")
		_ = json.Unmarshal([]byte(r.FormValue("metadata")), &got.meta)
		got.file = readPart(r, "file")
		got.thumb = readPart(r, "thumbnail")
		w.WriteHeader(http.StatusOK)
	}), 0)

	meta := transfer.Metadata{Class: transfer.MediaVideo, Caption: "cap", Duration: 12, Width: 640, Height: 360, SupportsStreaming: true, Thumbnail: thumb}
	if err := c.SendMedia(context.Background(), 77, file, meta, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.user != "77" || got.file != "video-bytes" || got.thumb != "jpeg" {
		t.Fatalf("unexpected form %+v", got)
	}
	if got.meta.Duration != 12 || got.meta.Width != 640 || !got.meta.SupportsStreaming || got.meta.Caption != "cap" {
		t.Fatalf("metadata not preserved: %+v", got.meta)
	}
}

func readPart(r *http.Request, field string) string {
	f, _, err := r.FormFile(field)
	if err != nil {
		return ""
	}
	defer f.Close()
	b, _ := io.ReadAll(f)
	return string(b)
}

func TestUploadChunkedSplitsParts(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "big.bin")
	if err := os.WriteFile(file, []byte(strings.Repeat("a", 10)), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var (
		mu       sync.Mutex
		parts    []string
		complete completeRequest
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/uploads", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(uploadSession{ID: "u1"})
	})
	mux.HandleFunc("/v1/uploads/u1/parts/", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		parts = append(parts, string(b))
		mu.Unlock()
	})
	mux.HandleFunc("/v1/uploads/u1/complete", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&complete)
	})
	c := newClient(t, mux, 4)

	var reports []int64
	err := c.UploadChunked(context.Background(), 5, file, transfer.Metadata{Class: transfer.MediaDocument, ForceDocument: true}, func(done, total int64) {
		reports = append(reports, done)
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if len(parts) != 3 || parts[0] != "aaaa" || parts[2] != "aa" {
		t.Fatalf("unexpected parts %q", parts)
	}
	if complete.Parts != 3 || complete.Size != 10 || complete.UserID != 5 || !complete.Metadata.ForceDocument {
		t.Fatalf("unexpected completion %+v", complete)
	}
	if len(reports) != 3 || reports[2] != 10 {
		t.Fatalf("unexpected progress %v", reports)
	}
}
