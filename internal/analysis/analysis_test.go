package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/clalos/live-leaf-detector/internal/acquisition"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const predictionBody = `{
	"prediction": {"disease": "Anthracnose", "confidence": 0.91, "confidence_percentage": 91.0},
	"all_probabilities": [
		{"disease": "Anthracnose", "probability": 0.91, "percentage": 91.0},
		{"disease": "Healthy", "probability": 0.09, "percentage": 9.0}
	]
}`

func newBackend(t *testing.T, healthy bool, predictStatus int, predictBody string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var predictCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"status": "healthy", "model_loaded": true}`)
	})
	mux.HandleFunc("/predict-base64", func(w http.ResponseWriter, r *http.Request) {
		predictCalls.Add(1)
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !strings.HasPrefix(body["image"], "data:image/png;base64,") {
			t.Errorf("image = %q, want PNG data URL", body["image"])
		}
		w.WriteHeader(predictStatus)
		io.WriteString(w, predictBody)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &predictCalls
}

func testPayload() acquisition.HandoffPayload {
	return acquisition.HandoffPayload{
		SessionID: "session-1",
		Frame:     acquisition.Frame{Data: []byte("png bytes"), MIMEType: "image/png", Index: 4},
		Streak:    3,
	}
}

func TestPredict(t *testing.T) {
	srv, calls := newBackend(t, true, http.StatusOK, predictionBody)

	got, err := NewClient(srv.URL, quietLogger()).Predict(context.Background(), testPayload().Frame)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if got.Prediction.Disease != "Anthracnose" || got.Prediction.Confidence != 0.91 {
		t.Errorf("Predict() = %+v", got.Prediction)
	}
	if len(got.AllProbabilities) != 2 {
		t.Errorf("probabilities = %d, want 2", len(got.AllProbabilities))
	}
	if calls.Load() != 1 {
		t.Errorf("predict calls = %d, want 1", calls.Load())
	}
}

func TestPredictBackendUnavailable(t *testing.T) {
	srv, calls := newBackend(t, false, http.StatusOK, predictionBody)

	_, err := NewClient(srv.URL, quietLogger()).Predict(context.Background(), testPayload().Frame)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("Predict() error = %v, want ErrBackendUnavailable", err)
	}
	if calls.Load() != 0 {
		t.Errorf("predict called %d times on unhealthy backend", calls.Load())
	}
}

func TestPredictErrorDetail(t *testing.T) {
	srv, _ := newBackend(t, true, http.StatusInternalServerError, `{"detail": "Model not loaded"}`)

	_, err := NewClient(srv.URL, quietLogger()).Predict(context.Background(), testPayload().Frame)
	if err == nil || !strings.Contains(err.Error(), "Model not loaded") {
		t.Errorf("Predict() error = %v, want model detail", err)
	}
}

func TestClientHandoffReportsResult(t *testing.T) {
	srv, _ := newBackend(t, true, http.StatusOK, predictionBody)

	var got *Prediction
	client := NewClient(srv.URL+"/", quietLogger()).OnResult(func(p acquisition.HandoffPayload, prediction *Prediction) {
		if p.SessionID != "session-1" {
			t.Errorf("payload session = %q", p.SessionID)
		}
		got = prediction
	})

	if err := client.Handoff(context.Background(), testPayload()); err != nil {
		t.Fatalf("Handoff() error = %v", err)
	}
	if got == nil || got.Prediction.Disease != "Anthracnose" {
		t.Errorf("result handler got %+v", got)
	}
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir, quietLogger())
	payload := testPayload()

	if err := sink.Handoff(context.Background(), payload); err != nil {
		t.Fatalf("Handoff() error = %v", err)
	}

	path := sink.Path(payload)
	if !strings.HasSuffix(path, "session-1-0004.png") {
		t.Errorf("Path() = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read saved frame: %v", err)
	}
	if string(data) != "png bytes" {
		t.Errorf("saved frame = %q", data)
	}
}

func TestSinksRunAllAndJoinErrors(t *testing.T) {
	boom := errors.New("boom")
	var ran []string

	sinks := Sinks{
		acquisition.HandoffFunc(func(ctx context.Context, p acquisition.HandoffPayload) error {
			ran = append(ran, "first")
			return boom
		}),
		nil,
		acquisition.HandoffFunc(func(ctx context.Context, p acquisition.HandoffPayload) error {
			ran = append(ran, "second")
			return nil
		}),
	}

	err := sinks.Handoff(context.Background(), testPayload())
	if !errors.Is(err, boom) {
		t.Errorf("Handoff() error = %v, want boom", err)
	}
	if len(ran) != 2 {
		t.Errorf("ran = %v, want both sinks", ran)
	}
}
