// Package analysis consumes the external medical analysis service: vitals
// text analysis, MRI classification, and image segmentation. The service is
// an opaque collaborator reached over HTTP; payloads are forwarded and
// responses rendered, never inspected beyond their documented shape.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBaseURL is where the analysis service listens when run next to
// the replicas.
const DefaultBaseURL = "http://127.0.0.1:8000"

// Client calls the analysis service. A failed or timed-out call returns an
// error for the caller to degrade into a failed annotation; it never
// affects conversation state.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  zerolog.Logger
}

// NewClient creates a client with a per-call timeout.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "analysis").Logger(),
	}
}

// AnalyzeVitals submits raw message text and returns the service's insight
// bullet points.
func (c *Client) AnalyzeVitals(ctx context.Context, text string) ([]string, error) {
	var resp struct {
		Insights []string `json:"insights"`
	}
	// The vitals endpoint takes the bare text as its JSON body.
	if err := c.postJSON(ctx, "/analyze-vitals", text, &resp); err != nil {
		return nil, err
	}
	return resp.Insights, nil
}

// ClassifyImage submits a data-URI image and returns the predicted label,
// normally "benign" or "malignant".
func (c *Client) ClassifyImage(ctx context.Context, imageDataURL string) (string, error) {
	var resp struct {
		Prediction string `json:"prediction"`
	}
	req := map[string]string{"image_data": imageDataURL}
	if err := c.postJSON(ctx, "/analyze-image", req, &resp); err != nil {
		return "", err
	}
	return resp.Prediction, nil
}

// SegmentImage submits a data-URI image and returns a data URI of the
// segmented output image.
func (c *Client) SegmentImage(ctx context.Context, imageDataURL string) (string, error) {
	var resp struct {
		Prediction string `json:"prediction"`
	}
	req := map[string]string{"image_data": imageDataURL}
	if err := c.postJSON(ctx, "/segment-image", req, &resp); err != nil {
		return "", err
	}
	return resp.Prediction, nil
}

// ImagingSummary renders a classification label as the sentence shown to
// the viewer.
func ImagingSummary(label string) string {
	switch label {
	case "benign":
		return "The scan shows no signs of a harmful tumor."
	case "malignant":
		return "The scan indicates signs of a malignant tumor. Please consult your doctor immediately for further evaluation."
	default:
		return fmt.Sprintf("Unable to determine the tumor type: %s", label)
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("analysis call failed")
		return fmt.Errorf("analysis call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("analysis call rejected")
		return fmt.Errorf("analysis call %s: status %d", path, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}

	c.logger.Debug().
		Str("path", path).
		Dur("latency", time.Since(start)).
		Msg("analysis call completed")
	return nil
}
