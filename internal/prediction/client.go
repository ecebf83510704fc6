package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Job status values reported by the prediction service. succeeded and failed
// are terminal; everything else means the job is still running.
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
)

// ErrSubmission wraps any transport or service failure during submission.
// No work has started when it is returned, so the caller must release the
// credit reservation.
var ErrSubmission = errors.New("prediction submission failed")

const submitTimeout = 30 * time.Second

// SubmitParams is the single submission contract. Classic and pro generations
// are different parameterizations of the same call; BuildClassicInput and
// BuildProInput produce the service-side input map for each.
type SubmitParams struct {
	Prompt       string   `json:"prompt"`
	ImageInputs  []string `json:"image_inputs,omitempty"`
	AspectRatio  string   `json:"aspect_ratio"`
	Resolution   string   `json:"resolution"`
	OutputFormat string   `json:"output_format"`
	SafetyLevel  string   `json:"safety_level"`

	// Classic-path knobs.
	GuidanceScale  float64 `json:"guidance_scale,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	LoRAWeightsURL string  `json:"lora_weights_url,omitempty"`
	Seed           *int64  `json:"seed,omitempty"`
}

// JobState is the service's view of a job.
type JobState struct {
	Handle    string
	Status    string
	OutputURL string
	Error     string
}

// Terminal reports whether no further transition will occur for this handle.
func (s JobState) Terminal() bool {
	return s.Status == StatusSucceeded || s.Status == StatusFailed
}

// Client is the asynchronous prediction service: submission returns an opaque
// handle before any work completes.
type Client interface {
	Submit(ctx context.Context, variant string, params SubmitParams) (handle string, err error)
	GetStatus(ctx context.Context, handle string) (JobState, error)
}

// HTTPClient talks to an HTTP prediction API. Any async job API with a
// submit/status pair satisfies the contract.
type HTTPClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: submitTimeout},
	}
}

var _ Client = (*HTTPClient)(nil)

type submitRequest struct {
	Variant string         `json:"variant"`
	Input   map[string]any `json:"input"`
}

type predictionResponse struct {
	ID     string   `json:"id"`
	Status string   `json:"status"`
	Output []string `json:"output,omitempty"`
	Error  string   `json:"error,omitempty"`
}

func (c *HTTPClient) Submit(ctx context.Context, variant string, params SubmitParams) (string, error) {
	input := BuildClassicInput(params)
	if variant == "pro" {
		input = BuildProInput(params)
	}
	body, err := json.Marshal(submitRequest{Variant: variant, Input: input})
	if err != nil {
		return "", fmt.Errorf("%w: marshal input: %v", ErrSubmission, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/predictions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: service returned status %d", ErrSubmission, resp.StatusCode)
	}

	var pr predictionResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrSubmission, err)
	}
	if pr.ID == "" {
		return "", fmt.Errorf("%w: response missing job id", ErrSubmission)
	}
	return pr.ID, nil
}

func (c *HTTPClient) GetStatus(ctx context.Context, handle string) (JobState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/predictions/"+handle, nil)
	if err != nil {
		return JobState{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return JobState{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return JobState{}, fmt.Errorf("status query for %s returned %d", handle, resp.StatusCode)
	}

	var pr predictionResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return JobState{}, fmt.Errorf("decode status for %s: %w", handle, err)
	}
	state := JobState{Handle: handle, Status: pr.Status, Error: pr.Error}
	if len(pr.Output) > 0 {
		state.OutputURL = pr.Output[0]
	}
	return state, nil
}

// BuildClassicInput maps params onto the single-model path: LoRA weights for
// the subject plus sampler knobs.
func BuildClassicInput(p SubmitParams) map[string]any {
	input := map[string]any{
		"prompt":         p.Prompt,
		"aspect_ratio":   p.AspectRatio,
		"resolution":     p.Resolution,
		"output_format":  p.OutputFormat,
		"safety_level":   p.SafetyLevel,
		"guidance_scale": p.GuidanceScale,
		"steps":          p.Steps,
		"lora_weights":   p.LoRAWeightsURL,
	}
	if p.Seed != nil {
		input["seed"] = *p.Seed
	}
	return input
}

// BuildProInput maps params onto the multi-reference path: reference images
// instead of a trained model.
func BuildProInput(p SubmitParams) map[string]any {
	return map[string]any{
		"prompt":        p.Prompt,
		"image_inputs":  p.ImageInputs,
		"aspect_ratio":  p.AspectRatio,
		"resolution":    p.Resolution,
		"output_format": p.OutputFormat,
		"safety_level":  p.SafetyLevel,
	}
}
