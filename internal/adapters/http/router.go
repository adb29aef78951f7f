package httpadapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/merchantforge/poflow/internal/config"
	"github.com/merchantforge/poflow/internal/core/domain"
	"github.com/merchantforge/poflow/internal/core/ports"
	"github.com/merchantforge/poflow/internal/observability/metrics"
)

const serviceName = "poflow-api"

type Router struct {
	cfg       config.Config
	workflows ports.WorkflowStarter
	reader    ports.WorkflowReader
	storage   ports.ObjectStorage
	metrics   *metrics.HTTPServerMetrics
	logger    *slog.Logger
}

func NewRouter(
	cfg config.Config,
	workflows ports.WorkflowStarter,
	reader ports.WorkflowReader,
	storage ports.ObjectStorage,
	m *metrics.HTTPServerMetrics,
	logger *slog.Logger,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:       cfg,
		workflows: workflows,
		reader:    reader,
		storage:   storage,
		metrics:   m,
		logger:    logger,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/workflows", rt.startWorkflow)
	mux.HandleFunc("/v1/workflows/", rt.workflowByID)

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	if rt.cfg.APIMaxConcurrent > 0 {
		handler = backpressureMiddleware(handler, rt.cfg.APIMaxConcurrent, 50*time.Millisecond)
	}
	if rt.cfg.APIRateLimitRPS > 0 {
		handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// startWorkflow accepts a multipart document upload and launches a pipeline
// run. The document bytes land in object storage; the workflow payload
// carries the storage reference, not the content.
func (rt *Router) startWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	maxBytes := int64(rt.cfg.MaxUploadMB)
	if maxBytes <= 0 {
		maxBytes = 25
	}
	maxBytes <<= 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	merchantID := strings.TrimSpace(r.FormValue("merchant_id"))
	if merchantID == "" {
		rt.recordStart("rejected")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "merchant_id is required"})
		return
	}

	payload := domain.StartPayload{
		MerchantID:      merchantID,
		UploadID:        strings.TrimSpace(r.FormValue("upload_id")),
		PurchaseOrderID: strings.TrimSpace(r.FormValue("purchase_order_id")),
		SyncImages:      r.FormValue("sync_images") == "true" || rt.cfg.SyncImages,
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		rt.recordStart("rejected")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		rt.recordStart("rejected")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read upload"})
		return
	}
	if len(raw) == 0 {
		rt.recordStart("rejected")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "uploaded file is empty"})
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordUploadSize(serviceName, int64(len(raw)))
	}

	payload.Filename = fileHeader.Filename
	payload.MimeType = fileHeader.Header.Get("Content-Type")

	storageKey := fmt.Sprintf("uploads/%s/%d_%s", merchantID, time.Now().UnixNano(), fileHeader.Filename)
	if err := rt.storage.Save(r.Context(), storageKey, bytes.NewReader(raw)); err != nil {
		// Storage outage degrades to carrying the document inline.
		rt.logger.Warn("upload_storage_failed", "error", err)
		payload.ContentB64 = domain.NewBinaryPayload(raw)
	} else {
		payload.StorageKey = storageKey
	}

	workflowID, err := rt.workflows.StartWorkflow(r.Context(), payload)
	if err != nil {
		rt.recordStart("error")
		status := mapErrorToHTTPStatus(err)
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	rt.recordStart("accepted")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"workflow_id": workflowID,
		"status":      "processing",
	})
}

func (rt *Router) workflowByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/workflows/")
	if rest == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "workflow id is required"})
		return
	}

	if id, ok := strings.CutSuffix(rest, "/progress"); ok {
		rt.workflowProgress(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if strings.Contains(rest, "/") {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	view, err := rt.reader.GetWorkflowStatus(r.Context(), rest)
	if err != nil {
		writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (rt *Router) workflowProgress(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "workflow id is required"})
		return
	}
	view, err := rt.reader.GetWorkflowProgress(r.Context(), id)
	if err != nil {
		writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (rt *Router) recordStart(outcome string) {
	if rt.metrics != nil {
		rt.metrics.RecordWorkflowStart(serviceName, outcome)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
