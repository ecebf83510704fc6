package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrDownloadFailed means the job's output URL was unreachable or non-2xx.
// ErrStorageWriteFailed means the durable store rejected the write. Either
// way the user paid for a result they cannot access, so the orchestrator
// treats both as generation failures and refunds.
var (
	ErrDownloadFailed     = errors.New("result download failed")
	ErrStorageWriteFailed = errors.New("durable storage write failed")
)

const (
	downloadTimeout   = 60 * time.Second
	downloadAttempts  = 3
	downloadRetryWait = 2 * time.Second
	maxResultBytes    = 64 << 20
)

// Finalizer captures a completed job's short-lived output into storage the
// application owns, returning the durable URL.
type Finalizer struct {
	Store      Store
	HTTPClient *http.Client
	RetryWait  time.Duration
	Logger     *slog.Logger
}

func NewFinalizer(store Store, logger *slog.Logger) *Finalizer {
	return &Finalizer{
		Store:      store,
		HTTPClient: &http.Client{Timeout: downloadTimeout},
		RetryWait:  downloadRetryWait,
		Logger:     logger,
	}
}

// Finalize downloads sourceURL (retrying transient failures) and re-persists
// the bytes under the post's prefix.
func (f *Finalizer) Finalize(ctx context.Context, postID uuid.UUID, sourceURL string) (string, error) {
	var data []byte
	var contentType string
	var lastErr error

	for attempt := 1; attempt <= downloadAttempts; attempt++ {
		data, contentType, lastErr = f.download(ctx, sourceURL)
		if lastErr == nil {
			break
		}
		f.Logger.Warn("result download failed", "post_id", postID, "attempt", attempt, "error", lastErr)
		if attempt < downloadAttempts {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrDownloadFailed, ctx.Err())
			case <-time.After(f.RetryWait):
			}
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, lastErr)
	}

	path := fmt.Sprintf("posts/%s/%s%s", postID, uuid.NewString(), extensionFor(contentType))
	url, err := f.Store.Put(ctx, path, data, contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageWriteFailed, err)
	}
	return url, nil
}

func (f *Finalizer) download(ctx context.Context, sourceURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("source returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return nil, "", err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

func extensionFor(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/png"):
		return ".png"
	case strings.HasPrefix(contentType, "image/webp"):
		return ".webp"
	case strings.HasPrefix(contentType, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(contentType, "video/mp4"):
		return ".mp4"
	default:
		return ""
	}
}
