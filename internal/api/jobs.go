package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ahodges/stagehand/internal/batch"
	"github.com/ahodges/stagehand/internal/engine"
	"github.com/ahodges/stagehand/internal/model"
	"github.com/ahodges/stagehand/internal/registry"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// submitJobRequest is the JSON body for POST /v1/jobs. Tasks and BatchTSV
// are mutually exclusive ways to fan a job out into multiple tasks.
type submitJobRequest struct {
	Name       string        `json:"name"`
	User       string        `json:"user"`
	Provider   string        `json:"provider"`
	Image      string        `json:"image"`
	Script     scriptReq     `json:"script"`
	Resources  *resourcesReq `json:"resources"`
	LoggingDir string        `json:"logging_dir"`

	Inputs  []paramReq        `json:"inputs"`
	Outputs []paramReq        `json:"outputs"`
	Env     map[string]string `json:"env"`

	Tasks    []taskSpecReq `json:"tasks"`
	BatchTSV string        `json:"batch_tsv"`
}

type scriptReq struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type paramReq struct {
	Name      string `json:"name"`
	URI       string `json:"uri"`
	Recursive bool   `json:"recursive"`
	Optional  bool   `json:"optional"`
}

type taskSpecReq struct {
	Inputs  []paramReq        `json:"inputs"`
	Outputs []paramReq        `json:"outputs"`
	Env     map[string]string `json:"env"`
}

type resourcesReq struct {
	CPUs       int `json:"cpus"`
	RAMGB      int `json:"ram_gb"`
	BootDiskGB int `json:"boot_disk_gb"`
	TimeoutS   int `json:"timeout_s"`
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Script.Content == "" {
		s.writeError(w, http.StatusBadRequest, "script.content is required")
		return
	}
	if req.Tasks != nil && req.BatchTSV != "" {
		s.writeError(w, http.StatusBadRequest, "tasks and batch_tsv are mutually exclusive")
		return
	}

	sub := engine.SubmitRequest{
		Name:       req.Name,
		User:       req.User,
		Provider:   req.Provider,
		Image:      req.Image,
		Script:     model.Script{Name: req.Script.Name, Content: req.Script.Content},
		LoggingDir: req.LoggingDir,
		Inputs:     toParams(req.Inputs),
		Outputs:    toParams(req.Outputs),
		Env:        req.Env,
	}
	if req.Resources != nil {
		sub.Resources = model.Resources{
			CPUs:       req.Resources.CPUs,
			RAMGB:      req.Resources.RAMGB,
			BootDiskGB: req.Resources.BootDiskGB,
			Timeout:    time.Duration(req.Resources.TimeoutS) * time.Second,
		}
	}
	for _, t := range req.Tasks {
		sub.Tasks = append(sub.Tasks, engine.TaskSpec{
			Inputs:  toParams(t.Inputs),
			Outputs: toParams(t.Outputs),
			Env:     t.Env,
		})
	}
	if req.BatchTSV != "" {
		specs, err := batch.Parse(strings.NewReader(req.BatchTSV))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "batch_tsv: "+err.Error())
			return
		}
		sub.Tasks = specs
	}

	job, err := s.engine.Submit(r.Context(), sub)
	if err != nil {
		s.logger.Error("submit job", "error", err)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.engine.Job(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.engine.Jobs(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func toParams(reqs []paramReq) []model.Param {
	if len(reqs) == 0 {
		return nil
	}
	params := make([]model.Param, len(reqs))
	for i, p := range reqs {
		params[i] = model.Param{
			Name:      p.Name,
			URI:       p.URI,
			Recursive: p.Recursive,
			Optional:  p.Optional,
		}
	}
	return params
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
