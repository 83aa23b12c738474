// Package analysis delivers handed-off leaf frames to the disease-analysis
// backend and keeps a copy of each captured image on disk.
package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clalos/live-leaf-detector/internal/acquisition"
)

// ErrBackendUnavailable means the health check failed, so no prediction was
// attempted.
var ErrBackendUnavailable = errors.New("analysis backend unavailable")

// DiseaseProbability is one class score from the disease model.
type DiseaseProbability struct {
	Disease     string  `json:"disease"`
	Probability float64 `json:"probability"`
	Percentage  float64 `json:"percentage"`
}

// Prediction is the disease model's answer for one image.
type Prediction struct {
	Prediction struct {
		Disease              string  `json:"disease"`
		Confidence           float64 `json:"confidence"`
		ConfidencePercentage float64 `json:"confidence_percentage"`
	} `json:"prediction"`
	AllProbabilities []DiseaseProbability `json:"all_probabilities"`
}

// ResultHandler receives the prediction for a handed-off frame.
type ResultHandler func(payload acquisition.HandoffPayload, prediction *Prediction)

// Client calls the disease-analysis backend.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	healthTimeout  time.Duration
	predictTimeout time.Duration
	onResult       ResultHandler
	logger         *slog.Logger
}

// NewClient returns a Client for the backend at baseURL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{},
		healthTimeout:  2 * time.Second,
		predictTimeout: 30 * time.Second,
		logger:         logger,
	}
}

// OnResult registers a handler called after each successful prediction.
func (c *Client) OnResult(h ResultHandler) *Client {
	c.onResult = h
	return c
}

// CheckHealth reports whether the backend answers on its root endpoint.
func (c *Client) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check status %d", ErrBackendUnavailable, resp.StatusCode)
	}
	return nil
}

// Predict runs the disease model on frame.
func (c *Client) Predict(ctx context.Context, frame acquisition.Frame) (*Prediction, error) {
	if err := c.CheckHealth(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.predictTimeout)
	defer cancel()

	mime := frame.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	body, err := json.Marshal(map[string]string{
		"image": "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(frame.Data),
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict-base64", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var detail struct {
			Detail string `json:"detail"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &detail) == nil && detail.Detail != "" {
			return nil, fmt.Errorf("prediction failed with status %d: %s", resp.StatusCode, detail.Detail)
		}
		return nil, fmt.Errorf("prediction failed with status %d", resp.StatusCode)
	}

	var prediction Prediction
	if err := json.NewDecoder(resp.Body).Decode(&prediction); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &prediction, nil
}

// Handoff implements acquisition.HandoffSink.
func (c *Client) Handoff(ctx context.Context, payload acquisition.HandoffPayload) error {
	prediction, err := c.Predict(ctx, payload.Frame)
	if err != nil {
		return fmt.Errorf("disease analysis: %w", err)
	}

	c.logger.Info("Disease analysis completed",
		"session_id", payload.SessionID,
		"disease", prediction.Prediction.Disease,
		"confidence", prediction.Prediction.Confidence)

	if c.onResult != nil {
		c.onResult(payload, prediction)
	}
	return nil
}
