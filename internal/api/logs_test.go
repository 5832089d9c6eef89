package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ahodges/stagehand/internal/model"
	"github.com/ahodges/stagehand/internal/provider"
)

func TestStreamLogsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks/nonexistent/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamLogsTerminalTask(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Stub provider finishes the task immediately.
	resp := postJSON(t, ts.URL+"/v1/jobs", validSubmitBody())
	var job model.Job
	json.NewDecoder(resp.Body).Decode(&job)
	resp.Body.Close()
	srv.engine.Wait()

	logResp, err := http.Get(ts.URL + "/v1/tasks/" + job.Tasks[0].ID + "/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer logResp.Body.Close()

	if logResp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", logResp.StatusCode)
	}
	if ct := logResp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
}

func TestStreamLogsLive(t *testing.T) {
	srv, p := newTestServer(t)
	p.finish = "" // keep the task running while we stream
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/jobs", validSubmitBody())
	var job model.Job
	json.NewDecoder(resp.Body).Decode(&job)
	resp.Body.Close()
	taskID := job.Tasks[0].ID

	logResp, err := http.Get(ts.URL + "/v1/tasks/" + taskID + "/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer logResp.Body.Close()

	// Give the SSE handler time to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	srv.engine.Broker().Publish(taskID, "event: running")
	if err := srv.store.UpdateTaskStatus(t.Context(), taskID, model.StatusSuccess, "", nil); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	var lines []string
	scanner := bufio.NewScanner(logResp.Body)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never closed after terminal status")
	}

	body := strings.Join(lines, "\n")
	if !strings.Contains(body, "data: event: running") {
		t.Errorf("stream missing published line:\n%s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Errorf("stream missing done event:\n%s", body)
	}
}

func TestGetLogHistory(t *testing.T) {
	srv, p := newTestServer(t)
	p.logs = provider.TaskLogs{Combined: "event: success\n", Stdout: "hello\n"}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/jobs", validSubmitBody())
	var job model.Job
	json.NewDecoder(resp.Body).Decode(&job)
	resp.Body.Close()

	histResp, err := http.Get(ts.URL + "/v1/tasks/" + job.Tasks[0].ID + "/logs/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer histResp.Body.Close()

	if histResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", histResp.StatusCode)
	}
	var hist logHistoryResponse
	if err := json.NewDecoder(histResp.Body).Decode(&hist); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hist.Combined != "event: success\n" {
		t.Errorf("combined = %q", hist.Combined)
	}
	if hist.Stdout != "hello\n" {
		t.Errorf("stdout = %q", hist.Stdout)
	}
}

func TestGetLogHistoryNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks/nonexistent/logs/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
