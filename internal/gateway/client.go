// Package gateway talks to the content platform through its HTTP gateway.
// A Client implements transfer.Provider and transfer.ChunkedUploader.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"media-transfer-scheduler/internal/logging"
	"media-transfer-scheduler/internal/transfer"
)

// Config configures a gateway client for one credential.
type Config struct {
	BaseURL  string
	Token    string
	Timeout  time.Duration
	PartSize int64
	RetryMax int
}

// Client is a gateway session bound to one credential.
type Client struct {
	http     *retryablehttp.Client
	baseURL  string
	token    string
	partSize int64
	log      logging.Logger
}

var (
	_ transfer.Provider        = (*Client)(nil)
	_ transfer.ChunkedUploader = (*Client)(nil)
)

// New builds a client. Transient network errors and 5xx replies are retried;
// 429 is surfaced as *transfer.ThrottledError so the caller's rate budget
// can react.
func New(cfg Config, log logging.Logger) *Client {
	if log == nil {
		log = logging.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = 8 << 20
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = leveledLogger{log: log}

	return &Client{
		http:     rc,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		token:    cfg.Token,
		partSize: cfg.PartSize,
		log:      log,
	}
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

type itemResponse struct {
	ChatID   string `json:"chat_id"`
	ItemID   int64  `json:"item_id"`
	Class    string `json:"class"`
	Text     string `json:"text"`
	Caption  string `json:"caption"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
	FileName string `json:"file_name"`
	Duration int    `json:"duration"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Resolve looks up the item a reference points to.
func (c *Client) Resolve(ctx context.Context, ref transfer.Reference) (transfer.Item, error) {
	q := url.Values{}
	q.Set("chat", ref.ChatID())
	q.Set("id", strconv.FormatInt(ref.ItemID, 10))
	q.Set("shape", ref.Shape.String())

	var out itemResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/items?"+q.Encode(), nil, &out); err != nil {
		return transfer.Item{}, err
	}
	return transfer.Item{
		ChatID:   out.ChatID,
		ItemID:   out.ItemID,
		Class:    transfer.MediaClass(out.Class),
		Text:     out.Text,
		Caption:  out.Caption,
		Size:     out.Size,
		MimeType: out.MimeType,
		FileName: out.FileName,
		Duration: out.Duration,
		Width:    out.Width,
		Height:   out.Height,
	}, nil
}

// Fetch streams the item's payload into dir.
func (c *Client) Fetch(ctx context.Context, item transfer.Item, dir string, progress transfer.ProgressFunc) (string, error) {
	path := fmt.Sprintf("/v1/items/%s/%d/content", url.PathEscape(item.ChatID), item.ItemID)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return "", err
	}

	target := filepath.Join(dir, payloadName(item))
	f, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create payload file: %w", err)
	}
	total := item.Size
	if resp.ContentLength > 0 {
		total = resp.ContentLength
	}
	n, err := io.Copy(f, &progressReader{r: resp.Body, total: total, progress: progress})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("download %s: %w", path, err)
	}
	if n == 0 {
		return "", fmt.Errorf("download %s: %w", path, errEmptyPayload)
	}
	return target, nil
}

func payloadName(item transfer.Item) string {
	if name := filepath.Base(item.FileName); item.FileName != "" && name != "." && name != string(filepath.Separator) {
		return name
	}
	return fmt.Sprintf("item-%d", item.ItemID)
}

// SendText delivers a text message to the user.
func (c *Client) SendText(ctx context.Context, userID int64, text string) error {
	body := map[string]any{"user_id": userID, "text": text}
	return c.doJSON(ctx, http.MethodPost, "/v1/messages", body, nil)
}

// SendPhoto delivers an image through the light send path.
func (c *Client) SendPhoto(ctx context.Context, userID int64, path string, meta transfer.Metadata) error {
	return c.sendFile(ctx, "/v1/photos", userID, path, meta, nil)
}

// SendMedia streams a video, audio or document payload to the user.
func (c *Client) SendMedia(ctx context.Context, userID int64, path string, meta transfer.Metadata, progress transfer.ProgressFunc) error {
	return c.sendFile(ctx, "/v1/media", userID, path, meta, progress)
}

func (c *Client) sendFile(ctx context.Context, endpoint string, userID int64, path string, meta transfer.Metadata, progress transfer.ProgressFunc) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat payload: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	// Every retry streams a fresh body under the same boundary.
	boundary := multipart.NewWriter(io.Discard).Boundary()
	body := retryablehttp.ReaderFunc(func() (io.Reader, error) {
		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		if err := mw.SetBoundary(boundary); err != nil {
			return nil, err
		}
		go func() {
			pw.CloseWithError(writeMultipart(mw, userID, metaJSON, path, meta.Thumbnail, info.Size(), progress))
		}()
		return pr, nil
	})

	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	return checkResponse(resp)
}

func writeMultipart(mw *multipart.Writer, userID int64, metaJSON []byte, path, thumb string, size int64, progress transfer.ProgressFunc) error {
	if err := mw.WriteField("user_id", strconv.FormatInt(userID, 10)); err != nil {
		return err
	}
	if err := mw.WriteField("metadata", string(metaJSON)); err != nil {
		return err
	}
	if err := copyPart(mw, "file", path, size, progress); err != nil {
		return err
	}
	if thumb != "" {
		if err := copyPart(mw, "thumbnail", thumb, 0, nil); err != nil {
			return err
		}
	}
	return mw.Close()
}

func copyPart(mw *multipart.Writer, field, path string, size int64, progress transfer.ProgressFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	part, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, &progressReader{r: f, total: size, progress: progress})
	return err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends req. A response that is also returned with an error has its
// body closed here.
func (c *Client) do(req *retryablehttp.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body any
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = b
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

var errEmptyPayload = errors.New("empty payload")

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// checkResponse maps gateway status codes onto transfer signals.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}
	var e errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
	msg := e.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &transfer.ThrottledError{Wait: retryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusRequestEntityTooLarge || e.Code == "big_file":
		return fmt.Errorf("%w: %s", transfer.ErrTransportIncompatible, msg)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", transfer.ErrReferenceNotFound, msg)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", transfer.ErrAccessDenied, msg)
	case resp.StatusCode == http.StatusConflict || e.Code == "peer_id_invalid":
		return fmt.Errorf("%w: %s", transfer.ErrWrongShape, msg)
	}
	return fmt.Errorf("gateway status %d: %s", resp.StatusCode, msg)
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return time.Second
}

type progressReader struct {
	r        io.Reader
	done     int64
	total    int64
	progress transfer.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.progress != nil {
		p.done += int64(n)
		p.progress(p.done, p.total)
	}
	return n, err
}

// leveledLogger adapts logging.Logger to retryablehttp's logger.
type leveledLogger struct {
	log logging.Logger
}

func (l leveledLogger) fields(kv []interface{}) []logging.Field {
	out := make([]logging.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logging.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.Error(msg, l.fields(kv)...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.Debug(msg, l.fields(kv)...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.Debug(msg, l.fields(kv)...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Warn(msg, l.fields(kv)...) }
