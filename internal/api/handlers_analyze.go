package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/manualminer/manualminer/internal/pipeline"
)

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	// Limit total request size, with slack for form overhead.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes()+1024*1024)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "file is required: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	filename := sanitizeFilename(header.Filename)
	if !strings.EqualFold(filepath.Ext(filename), ".pdf") {
		jsonError(w, fmt.Sprintf("unsupported file type: %s", filepath.Ext(filename)), http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes()+1))
	if err != nil {
		jsonError(w, "failed to read file", http.StatusInternalServerError)
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes() {
		jsonError(w, fmt.Sprintf("file exceeds max size (%d MB)", s.cfg.MaxUploadMB), http.StatusRequestEntityTooLarge)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.analyzeStreaming(w, r, filename, data)
		return
	}
	s.analyzeAsync(w, filename, data)
}

// analyzeStreaming runs the pipeline on a goroutine and streams its
// events as SSE through a StreamSink subscription: one "log" event per
// pipeline event, then a terminal "complete" or "error" event.
func (s *Server) analyzeStreaming(w http.ResponseWriter, r *http.Request, filename string, data []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	jobID := uuid.NewString()
	job := pipeline.NewJob(jobID, filename, nil)
	s.jobs.Put(job)

	stream := pipeline.NewStreamSink()
	events, unsubscribe := stream.Subscribe()
	defer unsubscribe()

	type runOutcome struct {
		res *pipeline.Result
		err error
	}
	done := make(chan runOutcome, 1)
	go func() {
		res, err := s.runner.RunWithSink(r.Context(), filename, data, pipeline.MultiSink{job.Events(), stream})
		done <- runOutcome{res, err}
	}()

	send := func(payload map[string]any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	var out runOutcome
runLoop:
	for {
		select {
		case e := <-events:
			send(logFrame(e))
		case out = <-done:
			break runLoop
		}
	}
	// Closing the subscription lets the drain loop below terminate once
	// the buffered events are written.
	unsubscribe()
	for e := range events {
		send(logFrame(e))
	}

	if out.err != nil {
		s.finishJob(job, out.res, out.err)
		send(map[string]any{"type": "error", "job_id": jobID, "error": out.err.Error()})
		return
	}

	artifacts := s.writeArtifacts(r.Context(), out.res, jobID)
	job.SetResult(out.res, artifacts)
	send(map[string]any{
		"type":      "complete",
		"job_id":    jobID,
		"run_id":    out.res.RunID,
		"stats":     out.res.Stats,
		"artifacts": artifacts,
	})
}

// logFrame is the SSE payload for one pipeline event.
func logFrame(e pipeline.Event) map[string]any {
	return map[string]any{
		"type":    "log",
		"seq":     e.Seq,
		"level":   e.Level,
		"message": e.Message,
	}
}

// analyzeAsync queues the run on a background goroutine and answers 202
// with the job ID to poll.
func (s *Server) analyzeAsync(w http.ResponseWriter, filename string, data []byte) {
	jobID := uuid.NewString()
	job := pipeline.NewJob(jobID, filename, data)
	s.jobs.Put(job)

	go func() {
		job.SetRunning("")
		res, err := s.runner.RunWithSink(s.runCtx, job.Filename, job.FileData(), job.Events())
		if err != nil {
			s.finishJob(job, res, err)
			return
		}
		artifacts := s.writeArtifacts(s.runCtx, res, job.ID)
		job.SetResult(res, artifacts)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   jobID,
		"status":   pipeline.JobQueued,
		"poll_url": fmt.Sprintf("/api/jobs/%s", jobID),
	})
}

func (s *Server) finishJob(job *pipeline.Job, res *pipeline.Result, err error) {
	var cancelled *pipeline.CancelledError
	if errors.As(err, &cancelled) {
		job.SetCancelled(res, err)
		return
	}
	// A run that produced outcomes still gets its manifest written, so
	// the caller can see which page ranges were attempted.
	if res != nil && len(res.Outcomes) > 0 {
		job.SetFailed(res, err)
		s.writeArtifacts(s.runCtx, res, job.ID)
		return
	}
	job.SetFailed(res, err)
}

// writeArtifacts runs every configured emitter under OutputDir/<job-id>.
// Emitter failures are logged, not fatal: a missing rendering never voids
// the run.
func (s *Server) writeArtifacts(ctx context.Context, res *pipeline.Result, jobID string) []string {
	dir := filepath.Join(s.cfg.OutputDir, jobID)
	var paths []string
	for _, em := range s.emitters {
		// Renderings need a merged record; the manifest does not.
		if res.Merged == nil && em.Name() != "json" {
			continue
		}
		arts, err := em.Emit(ctx, res, dir)
		for _, a := range arts {
			paths = append(paths, a.Path)
		}
		if err != nil {
			s.log.Error("emit failed", "emitter", em.Name(), "job_id", jobID, "error", err)
		}
	}
	return paths
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job := s.jobs.Get(jobID)
	if job == nil {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func sanitizeFilename(name string) string {
	// Strip path components, keep only the base name.
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" || name == "." {
		name = "unnamed"
	}
	return name
}
