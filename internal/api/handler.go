package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cellarsight/cellarsight/internal/blob"
	"github.com/cellarsight/cellarsight/internal/config"
	"github.com/cellarsight/cellarsight/internal/imagesearch"
	"github.com/cellarsight/cellarsight/internal/job"
	"github.com/cellarsight/cellarsight/internal/pipeline"
)

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	store  job.Store
	runner *pipeline.Runner
	cfg    *config.Config
	search *imagesearch.Client // nil when no search endpoint is configured
	local  *blob.LocalFS       // nil when the S3 backend is active
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(store job.Store, runner *pipeline.Runner, cfg *config.Config, search *imagesearch.Client, local *blob.LocalFS) *Handler {
	return &Handler{store: store, runner: runner, cfg: cfg, search: search, local: local}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /analyze", h.SubmitAnalysis)
	mux.HandleFunc("GET /analysis-result", h.AnalysisResult)
	mux.HandleFunc("GET /search-wine-image", h.SearchWineImage)
	mux.HandleFunc("GET /jobs/{id}/events", h.StreamEvents)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", h.DeleteJob)
	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /images/{key...}", h.ServeImage)
}

// submitRequest is the payload for POST /analyze.
type submitRequest struct {
	Image       string `json:"image"`
	Locale      string `json:"locale,omitempty"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

// SubmitAnalysis handles POST /analyze: validates the image, creates the job
// record, hands the work to the pipeline, and responds 202 before any
// recognition begins.
func (h *Handler) SubmitAnalysis(w http.ResponseWriter, r *http.Request) {
	// Base64 inflates by 4/3, so 16 MB of body comfortably fits a payload
	// whose decoded size is at the 10 MB ceiling.
	r.Body = http.MaxBytesReader(w, r.Body, 16<<20)

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Image) == "" {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}

	data, err := decodeImagePayload(req.Image)
	if err != nil {
		writeError(w, http.StatusBadRequest, "image is not valid base64 data")
		return
	}
	if int64(len(data)) > h.cfg.MaxImageBytes {
		writeError(w, http.StatusBadRequest, "image exceeds the 10 MB size limit")
		return
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		writeError(w, http.StatusBadRequest, "payload does not decode as an image")
		return
	}

	locale := req.Locale
	if locale == "" {
		locale = h.cfg.DefaultLocale
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:          uuid.New().String(),
		Status:      job.StatusUploading,
		Locale:      locale,
		CallbackURL: req.CallbackURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.Create(r.Context(), j); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	img := &pipeline.Image{
		Data:        data,
		ContentType: contentType,
		Ext:         extForContentType(contentType),
	}
	if err := h.runner.Enqueue(j.ID, img); err != nil {
		// The record already exists in uploading; advance it to failed so
		// pollers are not left watching a job that will never run.
		failed := job.StatusFailed
		msg := "analysis queue is full"
		_ = h.store.Patch(r.Context(), j.ID, job.Patch{Status: &failed, Error: &msg, FailedAt: &now})
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	w.Header().Set("X-Job-ID", j.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"jobId":     j.ID,
		"status":    string(job.StatusProcessing),
		"requestId": RequestIDFrom(r.Context()),
	})
}

// partialInfo reports enrichment progress while a job is mid-flight.
type partialInfo struct {
	ProcessedCount int `json:"processedCount"`
	TotalCount     int `json:"totalCount"`
}

type statusData struct {
	Error       string       `json:"error,omitempty"`
	ImageURL    string       `json:"imageUrl,omitempty"`
	Wines       []job.Wine   `json:"wines"`
	Message     string       `json:"message,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	PartialInfo *partialInfo `json:"partialInfo,omitempty"`
}

// AnalysisResult handles GET /analysis-result?jobId=. It is a read-only
// projection: partial results win while processing, then the final result,
// then the legacy top-level wines field.
func (h *Handler) AnalysisResult(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.URL.Query().Get("jobId"))
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "jobId query parameter is required",
		})
		return
	}

	j, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "failed to read job store",
		})
		return
	}
	if j == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"status":  "not_found",
			"error":   "job not found",
		})
		return
	}

	data := statusData{
		Error:       j.Error,
		ImageURL:    j.ImageURL,
		Wines:       []job.Wine{},
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		CompletedAt: j.CompletedAt,
	}

	switch {
	case j.Status == job.StatusProcessing && j.PartialResult != nil && len(j.PartialResult.Wines) > 0:
		data.Wines = j.PartialResult.Wines
		data.PartialInfo = &partialInfo{
			ProcessedCount: j.PartialResult.ProcessedCount,
			TotalCount:     j.PartialResult.TotalCount,
		}
	case j.Result != nil:
		data.Wines = j.Result.Wines
		data.Message = j.Result.Message
	case len(j.Wines) > 0:
		data.Wines = j.Wines
	}
	if data.Wines == nil {
		data.Wines = []job.Wine{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  j.Status,
		"data":    data,
	})
}

// SearchWineImage handles GET /search-wine-image?wineName=&producer=.
// It is an optional display enrichment; absence of a hit is a 404, not an error.
func (h *Handler) SearchWineImage(w http.ResponseWriter, r *http.Request) {
	wineName := strings.TrimSpace(r.URL.Query().Get("wineName"))
	if wineName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "wineName query parameter is required",
		})
		return
	}
	if h.search == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false})
		return
	}

	imageURL, err := h.search.Search(r.Context(), wineName, r.URL.Query().Get("producer"))
	if err != nil {
		if errors.Is(err, imagesearch.ErrNoImage) {
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "image search failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"imageUrl": imageURL,
	})
}

// ListJobs handles GET /api/v1/jobs and responds 200 with a paginated list of jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r.URL.Query().Get("limit"), 20)
	offset := parseIntParam(r.URL.Query().Get("offset"), 0)

	jobs, total, err := h.store.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	// Return an empty array instead of null when there are no jobs.
	if jobs == nil {
		jobs = []*job.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// DeleteJob handles DELETE /api/v1/jobs/{id} and responds 204. The stored
// image is not removed; only the job record goes away.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	j, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if j == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete job")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /api/v1/health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ServeImage serves stored image bytes for the local blob backend. With the
// S3 backend images are fetched from the bucket URL directly and this route
// answers 404.
func (h *Handler) ServeImage(w http.ResponseWriter, r *http.Request) {
	if h.local == nil {
		http.NotFound(w, r)
		return
	}
	key := r.PathValue("key")
	if key == "" || !h.local.Exists(key) {
		http.NotFound(w, r)
		return
	}
	f, err := h.local.Open(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to open image")
		return
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read image")
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(buf[:n]))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = io.Copy(w, f)
}

// decodeImagePayload accepts bare base64 or a data URL
// ("data:image/jpeg;base64,...") and returns the raw bytes.
func decodeImagePayload(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		idx := strings.Index(s, ",")
		if idx == -1 {
			return nil, errors.New("malformed data URL")
		}
		s = s[idx+1:]
	}
	return base64.StdEncoding.DecodeString(s)
}

func extForContentType(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".img"
	}
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
