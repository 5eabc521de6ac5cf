// Package transfer moves one referenced item from the content platform to a
// user, under the shared rate budget and the per-user quota.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"media-transfer-scheduler/internal/logging"
	"media-transfer-scheduler/internal/models"
	"media-transfer-scheduler/internal/quota"
	"media-transfer-scheduler/internal/telemetry"
)

// Config tunes an Orchestrator.
type Config struct {
	TempDir string
	// ThrottleCeiling is the longest mandated wait a job will sit through.
	ThrottleCeiling  time.Duration
	ProgressInterval time.Duration
	ProgressStep     float64
}

// Deps are the orchestrator's collaborators. Public reads public sources and
// performs every send; Private is the optional full-access credential.
type Deps struct {
	Public     Provider
	Private    Provider
	Fallback   ChunkedUploader
	Limiter    Limiter
	Ledger     Ledger
	Thumbnails *Thumbnailer
	Logger     logging.Logger
}

// Orchestrator executes transfer jobs end to end.
type Orchestrator struct {
	cfg      Config
	public   Provider
	private  Provider
	fallback ChunkedUploader
	limiter  Limiter
	ledger   Ledger
	thumbs   *Thumbnailer
	log      logging.Logger
}

// Request is one transfer job.
type Request struct {
	UserID   int64
	Link     string
	Offset   int64
	Reporter Reporter
	// TerminalOnly suppresses progress updates; the final status message is
	// still sent.
	TerminalOnly bool
}

// Result describes a delivered item.
type Result struct {
	Reference string     `json:"reference"`
	ChatID    string     `json:"chat_id"`
	ItemID    int64      `json:"item_id"`
	Class     MediaClass `json:"class"`
	Bytes     int64      `json:"bytes"`
	Fallback  bool       `json:"fallback"`
}

// New builds an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg,
		public:   deps.Public,
		private:  deps.Private,
		fallback: deps.Fallback,
		limiter:  deps.Limiter,
		ledger:   deps.Ledger,
		thumbs:   deps.Thumbnails,
		log:      deps.Logger,
	}
}

// HasFullAccess reports whether private sources can be read.
func (o *Orchestrator) HasFullAccess() bool { return o.private != nil }

// Execute runs one transfer. Every return sends exactly one terminal status
// message to the request's reporter. Failures are *Error values.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Result, error) {
	rep := req.Reporter
	if rep == nil {
		rep = nopReporter{}
	}
	progress := rep
	if req.TerminalOnly {
		progress = nopReporter{}
	}
	res, err := o.execute(ctx, req, progress)
	if err != nil {
		o.report(ctx, rep, TranslateError(err))
		return res, err
	}
	o.report(ctx, rep, fmt.Sprintf("Transfer complete: %s (%s)", res.Reference, quota.FormatBytes(res.Bytes)))
	return res, nil
}

func (o *Orchestrator) execute(ctx context.Context, req Request, rep Reporter) (Result, error) {
	ref, err := ParseReference(req.Link, req.Offset)
	if err != nil {
		return Result{}, newError(ErrInvalidReference, err, "invalid link %q", req.Link)
	}

	var lastErr error
	for _, cand := range ref.Candidates() {
		res, err := o.attempt(ctx, req.UserID, cand, rep)
		if !errors.Is(err, ErrWrongShape) {
			return res, err
		}
		o.log.Debug("reference shape did not resolve",
			logging.String("reference", cand.String()), logging.String("shape", cand.Shape.String()))
		lastErr = err
	}
	e := newError(ErrReferenceNotFound, lastErr, "could not find %s", ref)
	o.audit(ctx, req.UserID, ref, Item{}, models.OutcomeFailed, e.Msg)
	return Result{Reference: ref.String(), ChatID: ref.ChatID(), ItemID: ref.ItemID}, e
}

func (o *Orchestrator) attempt(ctx context.Context, userID int64, ref Reference, rep Reporter) (Result, error) {
	provider := o.public
	if ref.Private() {
		if o.private == nil {
			return Result{}, newError(ErrNoCredential, nil, "a full-access credential is required to read private sources")
		}
		provider = o.private
	}
	res := Result{Reference: ref.String(), ChatID: ref.ChatID(), ItemID: ref.ItemID}

	var item Item
	err := o.call(ctx, "resolve", func(ctx context.Context) error {
		var err error
		item, err = provider.Resolve(ctx, ref)
		return err
	})
	if errors.Is(err, ErrWrongShape) {
		return res, err
	}
	if err != nil {
		return res, o.fail(ctx, userID, ref, item, err)
	}
	if item.ChatID != "" {
		res.ChatID = item.ChatID
	}
	if item.ItemID != 0 {
		res.ItemID = item.ItemID
	}
	res.Class = item.Class

	if !item.HasPayload() {
		if strings.TrimSpace(item.Text) == "" {
			if ref.Shape == ShapePublic {
				return res, ErrWrongShape
			}
			return res, o.fail(ctx, userID, ref, item, newError(ErrReferenceNotFound, nil, "%s has no content", ref))
		}
		err := o.call(ctx, "send_text", func(ctx context.Context) error {
			return o.public.SendText(ctx, userID, item.Text)
		})
		if err != nil {
			return res, o.fail(ctx, userID, ref, item, err)
		}
		o.audit(ctx, userID, ref, item, models.OutcomeSuccess, "")
		return res, nil
	}

	decision, err := o.ledger.Check(ctx, userID, item.Size)
	if err != nil {
		return res, o.fail(ctx, userID, ref, item, fmt.Errorf("quota check: %w", err))
	}
	if !decision.Allowed {
		o.audit(ctx, userID, ref, item, models.OutcomeSkipped, decision.Reason)
		return res, newError(ErrQuotaExceeded, nil, "%s", decision.Reason)
	}

	dir, err := o.jobDir()
	if err != nil {
		return res, o.fail(ctx, userID, ref, item, newError(ErrTransferFailed, err, "cannot prepare local storage"))
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			o.log.Error("remove transient files", logging.String("dir", dir), logging.Err(err))
		}
	}()

	res.Bytes = item.Size
	usedFallback, err := o.deliver(ctx, provider, userID, item, dir, rep)
	res.Fallback = usedFallback
	if err != nil {
		return res, o.fail(ctx, userID, ref, item, err)
	}

	if _, err := o.ledger.Add(context.WithoutCancel(ctx), userID, item.Size, item.Size); err != nil {
		o.log.Error("record traffic", logging.Int64("user_id", userID), logging.Int64("bytes", item.Size), logging.Err(err))
	}
	o.audit(ctx, userID, ref, item, models.OutcomeSuccess, "")
	o.log.Info("transfer delivered",
		logging.Int64("user_id", userID),
		logging.String("reference", ref.String()),
		logging.String("class", string(item.Class)),
		logging.Int64("bytes", item.Size),
		logging.Bool("fallback", usedFallback),
	)
	return res, nil
}

func (o *Orchestrator) jobDir() (string, error) {
	if o.cfg.TempDir != "" {
		if err := os.MkdirAll(o.cfg.TempDir, 0o755); err != nil {
			return "", err
		}
	}
	return os.MkdirTemp(o.cfg.TempDir, "job-*")
}

// deliver fetches the payload into dir and sends it to the user. The bool
// reports whether the fallback transport was used.
func (o *Orchestrator) deliver(ctx context.Context, provider Provider, userID int64, item Item, dir string, rep Reporter) (bool, error) {
	down := NewProgressReporter(ctx, rep, "Downloading", o.cfg.ProgressInterval, o.cfg.ProgressStep)
	var path string
	err := o.call(ctx, "fetch", func(ctx context.Context) error {
		var err error
		path, err = provider.Fetch(ctx, item, dir, down.Update)
		return err
	})
	if err != nil {
		return false, err
	}

	meta := metadataFor(item)
	if item.Class == MediaPhoto {
		err = o.call(ctx, "send_photo", func(ctx context.Context) error {
			return o.public.SendPhoto(ctx, userID, path, meta)
		})
	} else {
		meta.Thumbnail = o.thumbs.For(userID, path, dir)
		up := NewProgressReporter(ctx, rep, "Uploading", o.cfg.ProgressInterval, o.cfg.ProgressStep)
		err = o.call(ctx, "send_media", func(ctx context.Context) error {
			return o.public.SendMedia(ctx, userID, path, meta, up.Update)
		})
	}
	if err == nil || !IsTransportIncompatible(err) || o.fallback == nil {
		return false, err
	}

	o.log.Warn("primary transport rejected payload, using chunked upload",
		logging.Int64("user_id", userID), logging.Int64("bytes", item.Size), logging.Err(err))
	telemetry.FallbackUploads.Inc()
	meta.ForceDocument = item.Class != MediaVideo && item.Class != MediaVideoNote
	up := NewProgressReporter(ctx, rep, "Uploading", o.cfg.ProgressInterval, o.cfg.ProgressStep)
	err = o.call(ctx, "chunked_upload", func(ctx context.Context) error {
		return o.fallback.UploadChunked(ctx, userID, path, meta, up.Update)
	})
	return true, err
}

func metadataFor(item Item) Metadata {
	return Metadata{
		Class:             item.Class,
		Caption:           item.Caption,
		FileName:          item.FileName,
		MimeType:          item.MimeType,
		Duration:          item.Duration,
		Width:             item.Width,
		Height:            item.Height,
		SupportsStreaming: item.Streamable(),
		ForceDocument:     item.Class != MediaPhoto && !item.Streamable(),
	}
}

// call runs one platform request under the rate budget. A throttling signal
// is waited out and the request retried once. A wait above the ceiling still
// slows every caller but aborts this job, as does a second throttle.
func (o *Orchestrator) call(ctx context.Context, step string, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := o.limiter.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("acquire rate budget for %s: %w", step, err)
		}
		err := fn(ctx)
		var throttled *ThrottledError
		if !errors.As(err, &throttled) {
			if err == nil {
				o.limiter.OnSuccess()
			}
			return err
		}

		if o.cfg.ThrottleCeiling > 0 && throttled.Wait > o.cfg.ThrottleCeiling {
			// The limit is per credential, so other jobs must back off even
			// though this one gives up.
			o.limiter.Penalize(throttled.Wait)
			o.log.Warn("throttle wait above ceiling, aborting",
				logging.String("step", step),
				logging.Duration("wait", throttled.Wait),
				logging.Duration("ceiling", o.cfg.ThrottleCeiling))
			return newError(ErrThrottledTooLong, err,
				"the platform asked to wait %s, longer than the %s limit; please try again later",
				throttled.Wait, o.cfg.ThrottleCeiling)
		}
		if attempt > 0 {
			return newError(ErrThrottledTooLong, err, "still throttled after waiting %s; please try again later", throttled.Wait)
		}
		o.log.Warn("throttled by platform", logging.String("step", step), logging.Duration("wait", throttled.Wait))
		if err := o.limiter.OnThrottled(ctx, throttled.Wait); err != nil {
			return fmt.Errorf("wait out throttle for %s: %w", step, err)
		}
	}
}

// fail classifies err, writes the failed audit row, and returns the
// classified error.
func (o *Orchestrator) fail(ctx context.Context, userID int64, ref Reference, item Item, err error) error {
	e := classify(err)
	if errors.Is(e, ErrAccessDenied) {
		item.Class = "channel_error"
	}
	o.audit(ctx, userID, ref, item, models.OutcomeFailed, e.Msg)
	o.log.Warn("transfer failed",
		logging.Int64("user_id", userID),
		logging.String("reference", ref.String()),
		logging.Err(err))
	return e
}

func classify(err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, ErrAccessDenied):
		return newError(ErrAccessDenied, err, "cannot access the source, have you joined the channel?")
	case errors.Is(err, ErrReferenceNotFound):
		return newError(ErrReferenceNotFound, err, "the referenced item was not found")
	case errors.Is(err, ErrNoCredential):
		return newError(ErrNoCredential, err, "a full-access credential is required to read private sources")
	}
	return newError(ErrTransferFailed, err, "%s", TranslateError(err))
}

func (o *Orchestrator) audit(ctx context.Context, userID int64, ref Reference, item Item, status, detail string) {
	class := string(item.Class)
	if class == "" {
		class = "unknown"
	}
	chatID := item.ChatID
	if chatID == "" {
		chatID = ref.ChatID()
	}
	itemID := item.ItemID
	if itemID == 0 {
		itemID = ref.ItemID
	}
	out := models.TransferOutcome{
		UserID:     userID,
		Reference:  ref.String(),
		ChatID:     chatID,
		ItemID:     itemID,
		MediaClass: class,
		Bytes:      item.Size,
		Status:     status,
		Detail:     detail,
		RecordedAt: time.Now().UTC(),
	}
	if err := o.ledger.Record(context.WithoutCancel(ctx), out); err != nil {
		o.log.Error("append transfer outcome", logging.Int64("user_id", userID), logging.Err(err))
	}
}

func (o *Orchestrator) report(ctx context.Context, rep Reporter, text string) {
	if err := rep.Report(ctx, text); err != nil {
		o.log.Debug("progress report dropped", logging.Err(err))
	}
}
