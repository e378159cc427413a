package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"imagica/internal/core"
	"imagica/internal/filters"
	"imagica/internal/imageio"
	"imagica/internal/store"
)

const processFailed = "Failed to process image"

// UploadResponse is returned by POST /upload
type UploadResponse struct {
	Message        string            `json:"message"`
	RunID          string            `json:"runId"`
	OriginalURL    string            `json:"originalUrl"`
	ProcessedURL   string            `json:"processedUrl"`
	ProcessingType string            `json:"processingType"`
	Intensity      *int              `json:"intensity"`
	Warnings       []string          `json:"warnings,omitempty"`
	Trace          core.TraceSummary `json:"trace"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "Imagica API is running")
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"filters": s.registry.List(),
		"formats": imageio.SupportedExtensions(),
	}
	if s.metrics != nil {
		body["metrics"] = s.metrics.GetMetricInfo()
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeJSONError(w, http.StatusRequestEntityTooLarge, "Image too large", err.Error())
			return
		}
		s.badRequest(w, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		s.badRequest(w, "No image uploaded")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !imageio.IsSupported(ext) {
		s.badRequest(w, fmt.Sprintf("Unsupported image type %q", ext))
		return
	}

	intensity, err := parseIntensity(r.FormValue("intensity"))
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}

	names := core.ParseFilterList(r.MultipartForm.Value["processingType"]...)
	names = append(names, core.ParseFilterList(r.MultipartForm.Value["processingType[]"]...)...)
	if len(names) == 0 {
		names = []string{filters.Original.String()}
	}
	spec := core.Spec{Filters: names, Intensity: intensity}

	source, err := s.saveUpload(file, ext)
	if err != nil {
		s.log.WithError(err).Error("failed to store upload")
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to store upload", err.Error())
		return
	}

	log := s.log.WithFields(logrus.Fields{"source": filepath.Base(source), "filters": names})
	log.Info("processing upload")

	start := time.Now()
	result, err := s.runner.Run(r.Context(), source, spec)
	s.record(r, source, spec, result, err, time.Since(start))

	if err != nil {
		log.WithError(err).Error("processing failed")
		status := http.StatusInternalServerError
		var decodeErr *core.DecodeError
		if errors.As(err, &decodeErr) {
			status = http.StatusUnprocessableEntity
		}
		s.writeJSONError(w, status, processFailed, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, UploadResponse{
		Message:        "Image uploaded and processed successfully",
		RunID:          result.RunID,
		OriginalURL:    s.artifactURL(source),
		ProcessedURL:   s.artifactURL(result.Output),
		ProcessingType: strings.Join(names, ","),
		Intensity:      intensity,
		Warnings:       result.WarningMessages(),
		Trace:          result.Trace.Summary(),
	})
}

// parseIntensity returns nil for an absent value.
func parseIntensity(raw string) (*int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("intensity must be an integer, got %q", raw)
	}
	return &v, nil
}

// saveUpload writes the uploaded bytes to <unixmillis>-<id><ext> in the upload directory.
func (s *Server) saveUpload(file multipart.File, ext string) (string, error) {
	name := fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), strings.SplitN(uuid.NewString(), "-", 2)[0], ext)
	path := filepath.Join(s.cfg.UploadDir, name)

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(path)
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	return path, nil
}

func (s *Server) artifactURL(path string) string {
	return strings.TrimSuffix(s.cfg.PublicBaseURL, "/") + "/uploads/" + filepath.Base(path)
}

// record persists the outcome of a run. Failures to persist are logged only.
func (s *Server) record(r *http.Request, source string, spec core.Spec, result *core.Result, runErr error, elapsed time.Duration) {
	if s.store == nil {
		return
	}

	run := &store.Run{
		ID:        uuid.NewString(),
		Source:    source,
		Filters:   spec.Filters,
		Intensity: spec.Intensity,
		Status:    store.StatusSucceeded,
		Duration:  elapsed,
	}
	if result != nil {
		run.ID = result.RunID
		run.Output = result.Output
		run.Width = result.Metadata.Width
		run.Height = result.Metadata.Height
		run.Warnings = result.WarningMessages()
		run.Duration = result.Duration
	}
	if runErr != nil {
		run.Status = store.StatusFailed
		run.Error = runErr.Error()
	}

	// the request context may already be cancelled; the record is still wanted
	ctx := context.WithoutCancel(r.Context())
	if err := s.store.RecordRun(ctx, run); err != nil {
		s.log.WithError(err).WithField("run_id", run.ID).Warn("failed to record run")
	}
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("file")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || imageio.IsPartial(name) {
		s.notFound(w, "artifact not found")
		return
	}

	path := filepath.Join(s.cfg.UploadDir, name)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		s.notFound(w, "artifact not found")
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}

	runs, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "failed to list runs", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.notFound(w, "run not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load run", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "failed to compute stats", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}
