package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

// Store is a durable blob store with public URL retrieval.
type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (url string, err error)
}

const storeTimeout = 60 * time.Second

// HTTPStore writes objects to a bucket-style HTTP blob API and returns the
// public URL for each object.
type HTTPStore struct {
	BaseURL    string
	Bucket     string
	Token      string
	HTTPClient *http.Client
}

func NewHTTPStore(baseURL, bucket, token string) *HTTPStore {
	return &HTTPStore{
		BaseURL:    baseURL,
		Bucket:     bucket,
		Token:      token,
		HTTPClient: &http.Client{Timeout: storeTimeout},
	}
}

var _ Store = (*HTTPStore)(nil)

func (s *HTTPStore) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	endpoint := fmt.Sprintf("%s/object/%s/%s", s.BaseURL, s.Bucket, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+s.Token)

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("blob store returned status %d for %s", resp.StatusCode, path)
	}
	return fmt.Sprintf("%s/object/public/%s/%s", s.BaseURL, s.Bucket, path), nil
}
