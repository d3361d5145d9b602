package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/username/cryptotaxreports/src/artifacts"
	"github.com/username/cryptotaxreports/src/compiler"
	"github.com/username/cryptotaxreports/src/gateway"
	"github.com/username/cryptotaxreports/src/logger"
	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/security"
	"github.com/username/cryptotaxreports/src/security/validation"
	"github.com/username/cryptotaxreports/src/services"
	"github.com/username/cryptotaxreports/src/statemachine"
	"github.com/username/cryptotaxreports/src/utils"
)

// maxJSONBody bounds request bodies other than CSV uploads.
const maxJSONBody = 1 << 20

// Generator starts background generation of a report request.
type Generator interface {
	Trigger(ctx context.Context, id string) (*statemachine.Run, error)
}

type ReportHandler struct {
	reports   *services.ReportService
	generator Generator
	watcher   *gateway.Watcher
	artifacts artifacts.Store
	tokens    *security.DownloadTokenService
	maxUpload int64
}

func NewReportHandler(reports *services.ReportService, generator Generator, watcher *gateway.Watcher,
	store artifacts.Store, tokens *security.DownloadTokenService, maxUpload int64) *ReportHandler {
	return &ReportHandler{
		reports:   reports,
		generator: generator,
		watcher:   watcher,
		artifacts: store,
		tokens:    tokens,
		maxUpload: maxUpload,
	}
}

// Register mounts every report route on mux.
func (h *ReportHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/reports", h.HandleCreate)
	mux.HandleFunc("GET /api/reports", h.HandleList)
	mux.HandleFunc("GET /api/reports/{id}", h.HandleGet)
	mux.HandleFunc("PATCH /api/reports/{id}", h.HandleUpdate)
	mux.HandleFunc("DELETE /api/reports/{id}", h.HandleDelete)
	mux.HandleFunc("POST /api/reports/{id}/csv", h.HandleUploadCSV)
	mux.HandleFunc("PUT /api/reports/{id}/price-overrides", h.HandlePriceOverrides)
	mux.HandleFunc("POST /api/reports/{id}/generate", h.HandleGenerate)
	mux.HandleFunc("GET /api/reports/{id}/status", h.HandleStatus)
	mux.HandleFunc("GET /api/reports/{id}/events", h.HandleEvents)
	mux.HandleFunc("GET /api/reports/{id}/transactions", h.HandleTransactions)
	mux.HandleFunc("GET /api/reports/{id}/download", h.HandleDownloadLink)
	mux.HandleFunc("GET /api/artifacts/download", h.HandleArtifactDownload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		logger.L.Warn("Invalid request body", "path", r.URL.Path, "error", err)
		utils.SendJSONError(w, fmt.Sprintf("invalid request body: %v", err), models.CodeValidation, http.StatusBadRequest)
		return false
	}
	return true
}

func (h *ReportHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var in services.ReportInput
	if !decodeJSON(w, r, &in) {
		return
	}
	req, err := h.reports.Create(r.Context(), in)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/reports/"+req.ID)
	utils.SendJSON(w, http.StatusCreated, req.Redacted())
}

func (h *ReportHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.reports.List(r.Context())
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	out := make([]models.ReportRequest, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, req.Redacted())
	}
	utils.SendJSON(w, http.StatusOK, out)
}

func (h *ReportHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req, err := h.reports.Get(r.Context(), id)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	body := req.Redacted()

	etag, err := utils.GenerateETag(body)
	if err != nil {
		logger.L.Error("Failed to generate ETag", "reportID", id, "error", err)
		utils.SendJSON(w, http.StatusOK, body)
		return
	}
	quoted := fmt.Sprintf("\"%s\"", etag)
	w.Header().Set("ETag", quoted)
	w.Header().Set("Cache-Control", "no-cache, private")

	if match := r.Header.Get("If-None-Match"); match != "" {
		for _, candidate := range strings.Split(match, ",") {
			if strings.TrimSpace(candidate) == quoted {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}
	utils.SendJSON(w, http.StatusOK, body)
}

func (h *ReportHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var in services.ReportInput
	if !decodeJSON(w, r, &in) {
		return
	}
	req, err := h.reports.Update(r.Context(), r.PathValue("id"), in)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, req.Redacted())
}

func (h *ReportHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.reports.Delete(r.Context(), r.PathValue("id")); err != nil {
		sendServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleUploadCSV stores a multipart "file" part as the request's CSV source.
func (h *ReportHandler) HandleUploadCSV(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log := logger.L.With("reportID", id)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+4096)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		log.Warn("Error parsing multipart form", "error", err)
		utils.SendJSONError(w, "file too large or malformed multipart form", models.CodeValidation, http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		log.Warn("Error retrieving file from form", "error", err)
		utils.SendJSONError(w, "missing \"file\" part", models.CodeValidation, http.StatusBadRequest)
		return
	}
	defer file.Close()

	log.Info("Received file upload", "filename", header.Filename, "size", header.Size)
	if header.Size > h.maxUpload {
		utils.SendJSONError(w, fmt.Sprintf("file exceeds the %d byte limit", h.maxUpload), models.CodeValidation, http.StatusRequestEntityTooLarge)
		return
	}
	if err := validation.ValidateClientContentType(header.Header.Get("Content-Type")); err != nil {
		utils.SendJSONError(w, err.Error(), models.CodeValidation, http.StatusUnsupportedMediaType)
		return
	}
	if _, err := validation.ValidateFileContentByMagicBytes(file); err != nil {
		utils.SendJSONError(w, err.Error(), models.CodeValidation, http.StatusUnsupportedMediaType)
		return
	}

	content, err := io.ReadAll(file)
	if err != nil {
		log.Error("Failed to read uploaded file", "error", err)
		utils.SendJSONError(w, "failed to read uploaded file", models.CodeInternal, http.StatusInternalServerError)
		return
	}
	req, err := h.reports.AttachCSV(r.Context(), id, filepath.Base(header.Filename), content)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, req.Redacted())
}

type priceOverridesBody struct {
	Overrides []models.PriceOverride `json:"overrides"`
}

func (h *ReportHandler) HandlePriceOverrides(w http.ResponseWriter, r *http.Request) {
	var body priceOverridesBody
	if !decodeJSON(w, r, &body) {
		return
	}
	stored, err := h.reports.PutPriceOverrides(r.Context(), r.PathValue("id"), body.Overrides)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, priceOverridesBody{Overrides: stored})
}

type generateResponse struct {
	ID      string              `json:"id"`
	Attempt int                 `json:"attempt"`
	Status  models.ReportStatus `json:"status"`
}

func (h *ReportHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := h.generator.Trigger(r.Context(), id)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/reports/"+id+"/status")
	utils.SendJSON(w, http.StatusAccepted, generateResponse{ID: id, Attempt: run.Attempt, Status: models.StatusProcessing})
}

type statusResponse struct {
	ID              string                        `json:"id"`
	Status          models.ReportStatus           `json:"status"`
	Progress        int                           `json:"progress"`
	ProgressMessage string                        `json:"progressMessage"`
	Attempt         int                           `json:"attempt"`
	ErrorCode       models.ErrorCode              `json:"errorCode,omitempty"`
	ErrorMessage    string                        `json:"errorMessage,omitempty"`
	GeneratedReport string                        `json:"generatedReport,omitempty"`
	Artifacts       map[string]models.ArtifactRef `json:"artifacts,omitempty"`
	Totals          *models.Totals                `json:"totals,omitempty"`
	Warnings        []models.Warning              `json:"warnings,omitempty"`
}

func (h *ReportHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	req, err := h.reports.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	utils.SendJSON(w, http.StatusOK, statusResponse{
		ID:              req.ID,
		Status:          req.Status,
		Progress:        req.Progress,
		ProgressMessage: req.ProgressMessage,
		Attempt:         req.Attempt,
		ErrorCode:       req.ErrorCode,
		ErrorMessage:    req.ErrorMessage,
		GeneratedReport: req.GeneratedReport,
		Artifacts:       req.Artifacts,
		Totals:          req.Totals,
		Warnings:        req.Warnings,
	})
}

func (h *ReportHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if err := h.watcher.ServeSSE(w, r, r.PathValue("id")); err != nil {
		sendServiceError(w, r, err)
	}
}

type ledgerResponse struct {
	Count        int                  `json:"count"`
	Transactions []models.Transaction `json:"transactions"`
}

func (h *ReportHandler) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	ledger, err := h.reports.Ledger(r.Context(), r.PathValue("id"))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	if ledger == nil {
		ledger = []models.Transaction{}
	}
	utils.SendJSON(w, http.StatusOK, ledgerResponse{Count: len(ledger), Transactions: ledger})
}

func (h *ReportHandler) HandleDownloadLink(w http.ResponseWriter, r *http.Request) {
	link, err := h.reports.DownloadLink(r.Context(), r.PathValue("id"), r.URL.Query().Get("format"))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	utils.SendJSON(w, http.StatusOK, link)
}

// HandleArtifactDownload serves artifact bytes to the bearer of a valid token.
func (h *ReportHandler) HandleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		utils.SendJSONError(w, "token is required", models.CodeValidation, http.StatusBadRequest)
		return
	}
	claims, err := h.tokens.Validate(token)
	if err != nil {
		logger.L.Warn("Rejected artifact download", "error", err)
		sendServiceError(w, r, err)
		return
	}
	data, err := h.artifacts.Get(r.Context(), claims.Key)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}

	contentType := compiler.ContentType(claims.Format)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"report-%s.%s\"", claims.Subject, claims.Format))
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logger.L.Warn("Artifact download interrupted", "reportID", claims.Subject, "error", err)
	}
}
