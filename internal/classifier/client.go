// Package classifier talks to the hosted plant/leaf classifier.
package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/clalos/live-leaf-detector/internal/acquisition"
)

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 1 << 20

// Client sends frames to the live leaf-check endpoint. It makes exactly one
// attempt per call and has no timeout of its own; the caller's context
// bounds the request.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient returns a Client for endpoint. A nil httpClient uses a client
// without a global timeout.
func NewClient(endpoint string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: httpClient,
		logger:     logger,
	}
}

type classifyRequest struct {
	Image string `json:"image"`
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// Classify implements acquisition.Classifier.
func (c *Client) Classify(ctx context.Context, frame acquisition.Frame) (acquisition.Verdict, error) {
	body, err := json.Marshal(classifyRequest{Image: DataURL(frame)})
	if err != nil {
		return acquisition.Verdict{}, fmt.Errorf("%w: encode request: %v", acquisition.ErrService, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return acquisition.Verdict{}, fmt.Errorf("%w: create request: %v", acquisition.ErrService, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return acquisition.Verdict{}, fmt.Errorf("%w: send request: %w", acquisition.ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return acquisition.Verdict{}, fmt.Errorf("%w: read response: %w", acquisition.ErrNetwork, err)
	}

	if resp.StatusCode != http.StatusOK {
		return acquisition.Verdict{}, fmt.Errorf("%w: %s", acquisition.ErrService, describeError(resp.StatusCode, data))
	}

	verdict, err := DecodeVerdict(data)
	if err != nil {
		c.logger.Debug("Undecodable classifier response", "body", truncate(string(data), 200))
		return acquisition.Verdict{}, fmt.Errorf("%w: %v", acquisition.ErrService, err)
	}
	return verdict, nil
}

// DataURL encodes a frame the way a browser canvas does.
func DataURL(frame acquisition.Frame) string {
	mime := frame.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(frame.Data)
}

// DecodeVerdict parses a classifier response. Bodies wrapped in a Markdown
// code fence, as language models tend to produce, are unwrapped first. A body
// carrying an "error" field or lacking "isPlant" is rejected.
func DecodeVerdict(data []byte) (acquisition.Verdict, error) {
	text := stripCodeFence(strings.TrimSpace(string(data)))

	var body struct {
		IsPlant           *bool  `json:"isPlant"`
		HasMultipleLeaves bool   `json:"hasMultipleLeaves"`
		Error             string `json:"error"`
		Details           string `json:"details"`
	}
	if err := json.Unmarshal([]byte(text), &body); err != nil {
		return acquisition.Verdict{}, fmt.Errorf("decode response: %w", err)
	}
	if body.Error != "" {
		return acquisition.Verdict{}, fmt.Errorf("classifier error: %s", joinMessage(body.Error, body.Details))
	}
	if body.IsPlant == nil {
		return acquisition.Verdict{}, fmt.Errorf("decode response: missing isPlant")
	}

	return acquisition.Verdict{
		IsLeaf:            *body.IsPlant,
		HasMultipleLeaves: *body.IsPlant && body.HasMultipleLeaves,
	}, nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func describeError(status int, data []byte) string {
	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return fmt.Sprintf("status %d: %s", status, joinMessage(body.Error, body.Details))
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		return fmt.Sprintf("status %d: %s", status, truncate(text, 200))
	}
	return fmt.Sprintf("status %d", status)
}

func joinMessage(msg, details string) string {
	if details == "" {
		return msg
	}
	return msg + ": " + details
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
