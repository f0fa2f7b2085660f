package handlers

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Brownie44l1/foliumscope/internal/config"
	"github.com/Brownie44l1/foliumscope/internal/domain"
	"github.com/Brownie44l1/foliumscope/internal/metrics"
	"github.com/Brownie44l1/foliumscope/internal/predict"
	"github.com/Brownie44l1/foliumscope/internal/preprocess"
	"github.com/Brownie44l1/foliumscope/internal/storage"
)

const (
	msgNoFile           = "no file uploaded"
	msgNoFileSelected   = "no file selected"
	msgInvalidFileType  = "invalid file type"
	msgModelUnavailable = "model not available"
	msgInvalidImage     = "invalid image"
	msgTooLarge         = "file too large"

	formField       = "file"
	multipartMemory = 8 << 20
)

//go:embed web
var webFS embed.FS

type Handler struct {
	service  *predict.Service
	scratch  *storage.Scratch
	logger   *slog.Logger
	metrics  *metrics.HTTPServerMetrics
	sessions *sessionStore
	page     *template.Template
	static   http.Handler

	allowed   map[string]struct{}
	maxBytes  int64
	keep      bool
	cors      bool
	rateRPS   float64
	rateBurst int
}

// NewHandler wires the endpoints. service may hold no model, in which case
// /health reports it and /predict refuses uploads. m may be nil.
func NewHandler(cfg config.Config, service *predict.Service, scratch *storage.Scratch, logger *slog.Logger, m *metrics.HTTPServerMetrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	static, err := fs.Sub(webFS, "web/static")
	if err != nil {
		panic(err)
	}

	allowed := make(map[string]struct{}, len(cfg.Uploads.AllowedExtensions))
	for _, ext := range cfg.Uploads.AllowedExtensions {
		allowed[strings.ToLower(ext)] = struct{}{}
	}

	return &Handler{
		service:   service,
		scratch:   scratch,
		logger:    logger,
		metrics:   m,
		sessions:  newSessionStore(cfg.Server.SecretKey, cfg.Session.Lifetime, cfg.Mode == config.ModeProduction),
		page:      template.Must(template.ParseFS(webFS, "web/templates/index.html")),
		static:    http.StripPrefix("/static/", http.FileServer(http.FS(static))),
		allowed:   allowed,
		maxBytes:  cfg.Uploads.MaxBytes,
		keep:      cfg.Uploads.Keep,
		cors:      cfg.Server.CORS,
		rateRPS:   cfg.RateLimit.RPS,
		rateBurst: cfg.RateLimit.Burst,
	}
}

// Routes returns the mux wrapped in the middleware chain, outermost first:
// request id, access log, metrics, CORS, rate limit, body limit.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.Index)
	mux.Handle("/static/", h.static)
	mux.HandleFunc("/predict", h.Predict)
	mux.HandleFunc("/health", h.Health)
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(handler, h.maxBytes, func(r *http.Request) { h.recordRejection(r, metrics.RejectTooLarge) })
	handler = rateLimitMiddleware(handler, h.rateRPS, h.rateBurst, func(r *http.Request) { h.recordRejection(r, metrics.RejectRateLimited) })
	if h.cors {
		handler = corsMiddleware(handler)
	}
	if h.metrics != nil {
		handler = h.metrics.Middleware(handler)
	}
	handler = accessLogMiddleware(h.logger, handler)
	return requestIDMiddleware(handler)
}

type pageData struct {
	Flash       *flash
	Classes     []string
	ModelLoaded bool
	MaxUploadMB int64
	Accept      string
}

func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var shown *flash
	if f, ok := h.sessions.popFlash(w, r); ok {
		shown = &f
	}
	h.renderPage(w, r, http.StatusOK, shown)
}

// renderPage writes the upload page with status, showing f when set.
func (h *Handler) renderPage(w http.ResponseWriter, r *http.Request, status int, f *flash) {
	data := pageData{
		Flash:       f,
		Classes:     h.service.Spec().Classes,
		ModelLoaded: h.service.Ready(),
		MaxUploadMB: h.maxBytes >> 20,
		Accept:      h.acceptAttr(),
	}
	if len(data.Classes) == 0 {
		data.Classes = domain.ClassNames
	}

	var buf bytes.Buffer
	if err := h.page.Execute(&buf, data); err != nil {
		h.logger.Error("render index", "error", err, "request_id", requestIDFromContext(r.Context()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "render failed"})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

type healthResponse struct {
	Status      string   `json:"status"`
	ModelLoaded bool     `json:"model_loaded"`
	Engine      string   `json:"engine,omitempty"`
	Classes     []string `json:"classes,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	spec := h.service.Spec()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		ModelLoaded: h.service.Ready(),
		Engine:      spec.Engine,
		Classes:     spec.Classes,
	})
}

// Predict accepts one image in the multipart field "file" and answers with
// the predicted class and its confidence.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	logger := h.logger.With("request_id", requestIDFromContext(r.Context()))

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isBodyTooLarge(err) {
			h.fail(w, r, http.StatusRequestEntityTooLarge, msgTooLarge, metrics.RejectTooLarge)
			return
		}
		logger.Info("upload without multipart body", "error", err)
		h.fail(w, r, http.StatusBadRequest, msgNoFile, metrics.RejectNoFile)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(formField)
	if err != nil {
		// a file input left empty arrives as a plain value
		if _, ok := r.MultipartForm.Value[formField]; ok {
			h.fail(w, r, http.StatusBadRequest, msgNoFileSelected, metrics.RejectNoFilename)
			return
		}
		h.fail(w, r, http.StatusBadRequest, msgNoFile, metrics.RejectNoFile)
		return
	}
	defer file.Close()

	if strings.TrimSpace(header.Filename) == "" {
		h.fail(w, r, http.StatusBadRequest, msgNoFileSelected, metrics.RejectNoFilename)
		return
	}
	if !h.allowedFile(header.Filename) {
		logger.Info("rejected upload type", "filename", header.Filename)
		h.fail(w, r, http.StatusBadRequest, msgInvalidFileType, metrics.RejectFileType)
		return
	}
	if !h.service.Ready() {
		logger.Error("prediction requested without a loaded model")
		h.fail(w, r, http.StatusInternalServerError, msgModelUnavailable, metrics.RejectModelMissing)
		return
	}

	path, err := h.scratch.Save(r.Context(), header.Filename, file)
	if err != nil {
		status := mapErrorToHTTPStatus(err)
		if status >= http.StatusInternalServerError {
			logger.Error("save upload", "error", err)
		}
		h.fail(w, r, status, err.Error(), metrics.RejectPredictFailed)
		return
	}
	keep := h.keep
	defer func() {
		if !keep {
			h.discard(logger, path)
		}
	}()

	info, err := preprocess.Verify(path)
	if err != nil {
		keep = false
		if status := mapErrorToHTTPStatus(err); status != http.StatusBadRequest {
			logger.Error("verify upload", "error", err)
			h.fail(w, r, status, err.Error(), metrics.RejectPredictFailed)
			return
		}
		logger.Info("rejected invalid image", "filename", header.Filename, "error", err)
		h.fail(w, r, http.StatusBadRequest, msgInvalidImage, metrics.RejectInvalidImage)
		return
	}

	prediction, err := h.service.Predict(r.Context(), path)
	if err != nil {
		// a body the header check accepted can still fail the full decode
		if domain.IsKind(err, domain.ErrInvalidImage) {
			keep = false
			logger.Info("rejected undecodable image", "filename", header.Filename, "error", err)
			h.fail(w, r, http.StatusBadRequest, msgInvalidImage, metrics.RejectInvalidImage)
			return
		}
		logger.Error("prediction failed", "error", err, "file", filepath.Base(path))
		h.fail(w, r, http.StatusInternalServerError, err.Error(), metrics.RejectPredictFailed)
		return
	}
	noteFromContext(r.Context()).class = prediction.Class

	logger.Info("prediction",
		"class", prediction.Class,
		"confidence", prediction.Confidence,
		"format", info.Format,
		"width", info.Width,
		"height", info.Height,
	)
	if wantsHTML(r) {
		h.redirectWithFlash(w, r, flash{Class: prediction.Class, Confidence: prediction.Confidence})
		return
	}
	writeJSON(w, http.StatusOK, prediction)
}

func (h *Handler) allowedFile(filename string) bool {
	ext := storage.Extension(filename)
	if ext == "" {
		return false
	}
	_, ok := h.allowed[ext]
	return ok
}

func (h *Handler) acceptAttr() string {
	exts := make([]string, 0, len(h.allowed))
	for ext := range h.allowed {
		exts = append(exts, "."+ext)
	}
	sort.Strings(exts)
	return strings.Join(exts, ",")
}

func (h *Handler) discard(logger *slog.Logger, path string) {
	if err := h.scratch.Remove(path); err != nil {
		logger.Warn("remove upload", "error", err, "path", path)
	}
}

// fail answers with status. Browser form posts get the page back with the
// message shown instead of JSON.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, status int, message, reason string) {
	h.recordRejection(r, reason)
	if wantsHTML(r) {
		h.renderPage(w, r, status, &flash{Error: message})
		return
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) redirectWithFlash(w http.ResponseWriter, r *http.Request, f flash) {
	if err := h.sessions.setFlash(w, f); err != nil {
		h.logger.Error("set flash", "error", err, "request_id", requestIDFromContext(r.Context()))
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handler) recordRejection(r *http.Request, reason string) {
	noteFromContext(r.Context()).rejection = reason
	if h.metrics != nil {
		h.metrics.RecordRejection(reason)
	}
}

// wantsHTML is true for plain browser form posts; script callers either
// ask for JSON or mark themselves with X-Requested-With.
func wantsHTML(r *http.Request) bool {
	if r.Header.Get("X-Requested-With") != "" {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
