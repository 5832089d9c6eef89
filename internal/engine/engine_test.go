package engine_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ahodges/stagehand/internal/engine"
	"github.com/ahodges/stagehand/internal/model"
	"github.com/ahodges/stagehand/internal/provider"
	"github.com/ahodges/stagehand/internal/registry"
)

// fakeProvider records delegated calls and optionally drives submitted tasks
// straight to a terminal status.
type fakeProvider struct {
	name   string
	store  registry.Store
	finish string // terminal status applied on submit; empty leaves tasks running

	mu        sync.Mutex
	submitted []*model.Job
	canceled  []string
	logs      provider.TaskLogs
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Submit(ctx context.Context, job *model.Job) error {
	p.mu.Lock()
	p.submitted = append(p.submitted, job)
	p.mu.Unlock()
	if p.finish == "" {
		return nil
	}
	for _, task := range job.Tasks {
		if err := p.store.UpdateTaskStatus(ctx, task.ID, p.finish, "", nil); err != nil {
			return err
		}
	}
	return nil
}

func (p *fakeProvider) Poll(ctx context.Context, taskID string) (*model.Task, error) {
	return p.store.GetTask(ctx, taskID)
}

func (p *fakeProvider) Cancel(_ context.Context, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = append(p.canceled, taskID)
	return nil
}

func (p *fakeProvider) FetchLogs(_ context.Context, _ string) (provider.TaskLogs, error) {
	return p.logs, nil
}

func (p *fakeProvider) Wait() {}

func newTestEngine(t *testing.T, providers ...*fakeProvider) (*engine.Engine, registry.Store) {
	t.Helper()
	s, err := registry.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := provider.NewRegistry(providers[0].name)
	for _, p := range providers {
		p.store = s
		reg.Register(p)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return engine.New(s, reg, logger), s
}

func makeRequest() engine.SubmitRequest {
	return engine.SubmitRequest{
		User:   "tester",
		Script: model.Script{Name: "run.sh", Content: "#!/bin/sh\ntrue\n"},
	}
}

func TestSubmitDefaultTask(t *testing.T) {
	p := &fakeProvider{name: "local", finish: model.StatusSuccess}
	eng, s := newTestEngine(t, p)

	req := makeRequest()
	req.Inputs = []model.Param{{Name: "IN", URI: "/data/in.txt"}}
	req.Outputs = []model.Param{{Name: "OUT", URI: "/data/out.txt"}}

	job, err := eng.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eng.Wait()

	if len(job.Tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(job.Tasks))
	}
	task := job.Tasks[0]
	if task.Index != model.DefaultTaskIndex {
		t.Errorf("Index = %q, want default", task.Index)
	}
	if !strings.HasSuffix(task.ID, "."+model.DefaultTaskIndex) {
		t.Errorf("task ID = %q, want job-qualified default index", task.ID)
	}
	if job.Provider != "local" {
		t.Errorf("Provider = %q, want local", job.Provider)
	}
	if job.Image != engine.DefaultImage {
		t.Errorf("Image = %q, want default image", job.Image)
	}

	// Parameters were bound to workspace-relative local paths.
	if in, ok := task.Param("IN"); !ok || in.LocalPath == "" {
		t.Error("input param was not bound to a local path")
	}

	// The job was persisted before the provider saw it.
	stored, err := s.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if len(stored.Tasks) != 1 {
		t.Errorf("stored tasks = %d, want 1", len(stored.Tasks))
	}
	if len(p.submitted) != 1 {
		t.Errorf("provider submissions = %d, want 1", len(p.submitted))
	}
}

func TestSubmitIndexedTasks(t *testing.T) {
	p := &fakeProvider{name: "local", finish: model.StatusSuccess}
	eng, _ := newTestEngine(t, p)

	req := makeRequest()
	req.Env = map[string]string{"SHARED": "1"}
	req.Tasks = []engine.TaskSpec{
		{Inputs: []model.Param{{Name: "IN", URI: "/data/a.txt"}}},
		{
			Inputs: []model.Param{{Name: "IN", URI: "/data/b.txt"}},
			Env:    map[string]string{"SHARED": "2", "OWN": "y"},
		},
	}

	job, err := eng.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eng.Wait()

	if len(job.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(job.Tasks))
	}
	if job.Tasks[0].Index != "0" || job.Tasks[1].Index != "1" {
		t.Errorf("indices = %q/%q, want 0/1", job.Tasks[0].Index, job.Tasks[1].Index)
	}
	if in, ok := job.Tasks[1].Param("IN"); !ok || in.URI != "/data/b.txt" {
		t.Errorf("task 1 IN = %v, want /data/b.txt", in)
	}
	// Per-task env overrides shared env.
	if job.Tasks[0].Env["SHARED"] != "1" {
		t.Errorf("task 0 SHARED = %q, want 1", job.Tasks[0].Env["SHARED"])
	}
	if job.Tasks[1].Env["SHARED"] != "2" || job.Tasks[1].Env["OWN"] != "y" {
		t.Errorf("task 1 env = %v", job.Tasks[1].Env)
	}
}

func TestSubmitValidation(t *testing.T) {
	p := &fakeProvider{name: "local"}
	eng, _ := newTestEngine(t, p)

	cases := []struct {
		name   string
		mutate func(*engine.SubmitRequest)
	}{
		{"empty script", func(r *engine.SubmitRequest) { r.Script.Content = "" }},
		{"empty user", func(r *engine.SubmitRequest) { r.User = "" }},
		{"unknown provider", func(r *engine.SubmitRequest) { r.Provider = "mainframe" }},
		{"duplicate param name", func(r *engine.SubmitRequest) {
			r.Inputs = []model.Param{
				{Name: "X", URI: "/a"},
				{Name: "X", URI: "/b"},
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := makeRequest()
			tc.mutate(&req)
			if _, err := eng.Submit(context.Background(), req); err == nil {
				t.Error("Submit succeeded, want error")
			}
		})
	}
	if len(p.submitted) != 0 {
		t.Errorf("provider received %d invalid submissions", len(p.submitted))
	}
}

func TestEngineDelegatesToOwningProvider(t *testing.T) {
	local := &fakeProvider{name: "local", logs: provider.TaskLogs{Combined: "local logs"}}
	remote := &fakeProvider{name: "remote", logs: provider.TaskLogs{Combined: "remote logs"}}
	eng, _ := newTestEngine(t, local, remote)

	req := makeRequest()
	req.Provider = "remote"
	job, err := eng.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	taskID := job.Tasks[0].ID

	logs, err := eng.Logs(context.Background(), taskID)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if logs.Combined != "remote logs" {
		t.Errorf("Logs routed to %q, want the remote provider", logs.Combined)
	}

	if err := eng.Cancel(context.Background(), taskID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(remote.canceled) != 1 || len(local.canceled) != 0 {
		t.Errorf("cancel routed to local=%v remote=%v", local.canceled, remote.canceled)
	}

	task, err := eng.Poll(context.Background(), taskID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if task.ID != taskID {
		t.Errorf("Poll returned %q, want %q", task.ID, taskID)
	}
}

func TestLogStreamClosesAtTerminalStatus(t *testing.T) {
	p := &fakeProvider{name: "local", finish: model.StatusSuccess}
	eng, _ := newTestEngine(t, p)

	job, err := eng.Submit(context.Background(), makeRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ch, unsub := eng.Broker().Subscribe(job.Tasks[0].ID)
	defer unsub()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed stream, got a line")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("log stream never closed after terminal status")
	}
	eng.Wait()
}

func TestEngineProviders(t *testing.T) {
	local := &fakeProvider{name: "local"}
	remote := &fakeProvider{name: "remote"}
	eng, _ := newTestEngine(t, local, remote)

	infos := eng.Providers()
	if len(infos) != 2 {
		t.Fatalf("providers = %d, want 2", len(infos))
	}
	if infos[0].Name != "local" || infos[1].Name != "remote" {
		t.Errorf("providers = %v, want sorted local,remote", infos)
	}
}
