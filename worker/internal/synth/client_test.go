package synth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"revoice/worker/internal/config"

	"go.uber.org/zap"
)

func newTestClient(url string) *Client {
	return NewClient(config.SynthConfig{URL: url}, zap.NewNop())
}

func TestSubmitReturnsTaskID(t *testing.T) {
	var gotReq SynthesisRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/synthesize" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"task_id": "abc123", "status": "pending"})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	taskID, err := client.Submit(context.Background(), SynthesisRequest{
		Text:        "hello world",
		VoiceSample: "samples/spk_0.wav",
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if taskID != "abc123" {
		t.Errorf("expected task id abc123, got %s", taskID)
	}
	if gotReq.Text != "hello world" {
		t.Errorf("expected text to be forwarded, got %q", gotReq.Text)
	}
}

func TestSubmitRejectedRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "text is required", http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Submit(context.Background(), SynthesisRequest{})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestSubmitServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model load failed", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Submit(context.Background(), SynthesisRequest{Text: "x", VoiceSample: "y"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestSubmitConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := newTestClient(server.URL)
	_, err := client.Submit(context.Background(), SynthesisRequest{Text: "x", VoiceSample: "y"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for refused connection, got %v", err)
	}
}

func TestStatusReportsProgress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status/abc123" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(TaskStatus{
			TaskID:     "abc123",
			Status:     "completed",
			Progress:   100,
			OutputPath: "output/abc123.wav",
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	status, err := client.Status(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status.Status != "completed" || status.Progress != 100 {
		t.Errorf("unexpected status: %+v", status)
	}
	if status.OutputPath != "output/abc123.wav" {
		t.Errorf("unexpected output path: %s", status.OutputPath)
	}
}

func TestStatusUnknownTask(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"Task not found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Status(context.Background(), "nope")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestFetchResultResolvesRelativePath(t *testing.T) {
	audio := []byte("RIFFfakewav")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/output/abc123.wav" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write(audio)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	body, err := client.FetchResult(context.Background(), "output/abc123.wav")
	if err != nil {
		t.Fatalf("FetchResult returned error: %v", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("failed to read result: %v", err)
	}
	if string(data) != string(audio) {
		t.Errorf("result audio mismatch")
	}
}

func TestRemoveIgnoresUnknownTask(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "DELETE" {
			t.Errorf("unexpected method: %s", r.Method)
		}
		http.Error(w, "Task not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if err := client.Remove(context.Background(), "gone"); err != nil {
		t.Fatalf("Remove should tolerate unknown tasks, got %v", err)
	}
}
