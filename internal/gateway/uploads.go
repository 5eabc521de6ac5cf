package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"media-transfer-scheduler/internal/logging"
	"media-transfer-scheduler/internal/transfer"
)

type uploadSession struct {
	ID string `json:"upload_id"`
}

type completeRequest struct {
	UserID   int64             `json:"user_id"`
	Parts    int               `json:"parts"`
	Size     int64             `json:"size"`
	FileName string            `json:"file_name"`
	Metadata transfer.Metadata `json:"metadata"`
}

// UploadChunked sends path as a sequence of fixed-size parts and asks the
// gateway to assemble and deliver it. It is the fallback for payloads the
// regular media endpoint rejects.
func (c *Client) UploadChunked(ctx context.Context, userID int64, path string, meta transfer.Metadata, progress transfer.ProgressFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open payload: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat payload: %w", err)
	}
	size := info.Size()

	var session uploadSession
	if err := c.doJSON(ctx, http.MethodPost, "/v1/uploads", map[string]any{"user_id": userID, "size": size}, &session); err != nil {
		return fmt.Errorf("open upload: %w", err)
	}

	parts := 0
	var done int64
	for offset := int64(0); offset < size; offset += c.partSize {
		n := c.partSize
		if offset+n > size {
			n = size - offset
		}
		if err := c.putPart(ctx, session.ID, parts, io.NewSectionReader(f, offset, n)); err != nil {
			return fmt.Errorf("upload part %d: %w", parts, err)
		}
		parts++
		done += n
		if progress != nil {
			progress(done, size)
		}
	}

	req := completeRequest{
		UserID:   userID,
		Parts:    parts,
		Size:     size,
		FileName: filepath.Base(path),
		Metadata: meta,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/uploads/"+session.ID+"/complete", req, nil); err != nil {
		return fmt.Errorf("complete upload: %w", err)
	}
	c.log.Debug("chunked upload complete",
		logging.String("upload_id", session.ID),
		logging.Int("parts", parts),
		logging.Int64("bytes", size),
	)
	return nil
}

func (c *Client) putPart(ctx context.Context, uploadID string, n int, part *io.SectionReader) error {
	path := fmt.Sprintf("/v1/uploads/%s/parts/%d", uploadID, n)
	// SectionReader implements io.ReadSeeker, so retries rewind the part.
	req, err := c.newRequest(ctx, http.MethodPut, path, io.ReadSeeker(part))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkResponse(resp)
}
