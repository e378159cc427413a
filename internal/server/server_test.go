package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"imagica/internal/config"
	"imagica/internal/core"
	"imagica/internal/filters"
	"imagica/internal/imageio"
	"imagica/internal/metrics"
	"imagica/internal/store"
)

type testEnv struct {
	server    *httptest.Server
	uploadDir string
	store     *store.SQLiteStore
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	slogger := slog.New(slog.NewTextHandler(io.Discard, nil))
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	dir := t.TempDir()
	cfg := config.Default()
	cfg.UploadDir = filepath.Join(dir, "uploads")
	cfg.DBPath = filepath.Join(dir, "runs.db")
	require.NoError(t, os.MkdirAll(cfg.UploadDir, 0o755))
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.NewSQLiteStore(cfg.DBPath, true, slogger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := filters.NewRegistry()
	pipeline := core.NewPipeline(registry, imageio.NewLoader(slogger, cfg.JPEGQuality), slogger)
	runner := core.NewRunner(pipeline, int64(cfg.MaxConcurrentRuns), cfg.GetRunTimeout(), slogger)
	t.Cleanup(runner.Close)

	api := New(cfg, runner, registry, st, logger)
	if cfg.CollectMetrics {
		evaluator := metrics.NewEvaluator(slogger)
		pipeline.SetEvaluator(evaluator)
		api.SetEvaluator(evaluator)
	}

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, uploadDir: cfg.UploadDir, store: st}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()

	data := make([]byte, 16*12*3)
	for i := range data {
		data[i] = byte(i * 7)
	}
	wrapped, err := gocv.NewMatFromBytes(12, 16, gocv.MatTypeCV8UC3, data)
	require.NoError(t, err)
	defer wrapped.Close()
	mat := wrapped.Clone()
	runtime.KeepAlive(data)
	defer mat.Close()

	path := filepath.Join(t.TempDir(), "fixture.png")
	require.NoError(t, imageio.NewLoader(slog.New(slog.NewTextHandler(io.Discard, nil)), 0).Save(mat, path))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return raw
}

type formField struct {
	key, value string
}

func (e *testEnv) upload(t *testing.T, filename string, content []byte, fields ...formField) *http.Response {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range fields {
		require.NoError(t, mw.WriteField(f.key, f.value))
	}
	if filename != "" {
		part, err := mw.CreateFormFile("image", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(e.server.URL+"/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) uploads(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(e.uploadDir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func TestRoot(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.server.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Imagica API is running", string(body))
}

func TestUploadProcessesChain(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.upload(t, "cat.PNG", pngBytes(t),
		formField{"processingType", "grayscale,invert"},
		formField{"intensity", "10"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[UploadResponse](t, resp)
	assert.Equal(t, "grayscale,invert", got.ProcessingType)
	require.NotNil(t, got.Intensity)
	assert.Equal(t, 10, *got.Intensity)
	assert.True(t, strings.HasPrefix(got.OriginalURL, "/uploads/"))
	assert.True(t, strings.HasSuffix(got.ProcessedURL, "_processed.png"))
	assert.Empty(t, got.Warnings)
	assert.Equal(t, 2, got.Trace.Stages)
	assert.Equal(t, 2, got.Trace.Filtered)
	assert.Len(t, env.uploads(t), 2)

	img, err := http.Get(env.server.URL + got.ProcessedURL)
	require.NoError(t, err)
	defer img.Body.Close()
	assert.Equal(t, http.StatusOK, img.StatusCode)

	run, err := http.Get(env.server.URL + "/api/runs/" + got.RunID)
	require.NoError(t, err)
	defer run.Body.Close()
	require.Equal(t, http.StatusOK, run.StatusCode)
	record := decode[store.Run](t, run)
	assert.Equal(t, store.StatusSucceeded, record.Status)
	assert.Equal(t, []string{"grayscale", "invert"}, record.Filters)
	assert.Equal(t, 16, record.Width)
}

func TestUploadRepeatedProcessingType(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.upload(t, "a.png", pngBytes(t),
		formField{"processingType", "sepia"},
		formField{"processingType", "sparkle"},
		formField{"processingType", "blur"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[UploadResponse](t, resp)
	assert.Equal(t, "sepia,sparkle,blur", got.ProcessingType)
	assert.Nil(t, got.Intensity)
	require.Len(t, got.Warnings, 1)
	assert.Contains(t, got.Warnings[0], "sparkle")
}

func TestUploadWithoutProcessingTypeReturnsOriginal(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.upload(t, "plain.png", pngBytes(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[UploadResponse](t, resp)
	assert.Equal(t, "original", got.ProcessingType)
	assert.Equal(t, got.OriginalURL, got.ProcessedURL)
	assert.Len(t, env.uploads(t), 1)
}

func TestUploadBadRequests(t *testing.T) {
	env := newTestEnv(t, nil)
	png := pngBytes(t)

	tests := []struct {
		name     string
		filename string
		fields   []formField
		wantErr  string
	}{
		{"missing image", "", []formField{{"processingType", "blur"}}, "No image uploaded"},
		{"unsupported type", "notes.txt", nil, "Unsupported image type"},
		{"bad intensity", "a.png", []formField{{"intensity", "lots"}}, "intensity must be an integer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.upload(t, tt.filename, png, tt.fields...)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, decode[errorBody](t, resp).Error, tt.wantErr)
		})
	}
	assert.Empty(t, env.uploads(t))
}

func TestUploadCorruptImage(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.upload(t, "broken.jpg", []byte("this is not a jpeg"),
		formField{"processingType", "grayscale,blur"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	body := decode[errorBody](t, resp)
	assert.Equal(t, "Failed to process image", body.Error)
	assert.NotEmpty(t, body.Details)
	assert.Len(t, env.uploads(t), 1, "only the upload itself remains")

	stats, err := http.Get(env.server.URL + "/api/stats")
	require.NoError(t, err)
	defer stats.Body.Close()
	got := decode[store.Stats](t, stats)
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, 1, got.FilterUsage["blur"])
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.MaxUploadBytes = 64 })

	resp := env.upload(t, "big.png", bytes.Repeat([]byte{1}, 4096))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestArtifactRejectsUnsafeNames(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(env.uploadDir, "a.png.partial-123"), []byte("x"), 0o644))

	for _, path := range []string{"/uploads/missing.png", "/uploads/a.png.partial-123", "/uploads/..%2Fruns.db", "/uploads/.hidden"} {
		resp, err := http.Get(env.server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

type filtersBody struct {
	Filters []filters.Descriptor          `json:"filters"`
	Formats []string                      `json:"formats"`
	Metrics map[string]metrics.MetricInfo `json:"metrics"`
}

func TestFiltersEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.server.URL + "/api/filters")
	require.NoError(t, err)
	defer resp.Body.Close()

	got := decode[filtersBody](t, resp)
	require.Len(t, got.Filters, 10)
	assert.Equal(t, "grayscale", got.Filters[0].ID)
	assert.Equal(t, imageio.SupportedExtensions(), got.Formats)
	assert.Contains(t, got.Formats, ".png")
	assert.Empty(t, got.Metrics)
}

func TestFiltersEndpointListsMetrics(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.CollectMetrics = true })

	resp, err := http.Get(env.server.URL + "/api/filters")
	require.NoError(t, err)
	defer resp.Body.Close()

	got := decode[filtersBody](t, resp)
	require.Contains(t, got.Metrics, "psnr")
	assert.Contains(t, got.Metrics, "ssim")
	assert.Contains(t, got.Metrics, "mse")
	assert.True(t, got.Metrics["psnr"].HigherBetter)
	assert.False(t, got.Metrics["mse"].HigherBetter)
}

func TestRunsEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.server.URL + "/api/runs/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(env.server.URL + "/api/runs?limit=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env.upload(t, "x.png", pngBytes(t), formField{"processingType", "invert"})

	resp, err = http.Get(env.server.URL + "/api/runs?limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	got := decode[struct {
		Runs []store.Run `json:"runs"`
	}](t, resp)
	require.Len(t, got.Runs, 1)
	assert.Equal(t, []string{"invert"}, got.Runs[0].Filters)
}
