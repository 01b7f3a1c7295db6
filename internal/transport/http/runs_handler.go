package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"varianceiq/internal/config"
	apierrors "varianceiq/internal/errors"
	"varianceiq/internal/infrastructure"
	"varianceiq/internal/middleware"
	"varianceiq/internal/services"
	"varianceiq/pkg/contracts/domain"
)

const (
	tracerName = "varianceiq.http"
	xlsxType   = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// RunsHandler handles analysis run requests
type RunsHandler struct {
	service      RunService
	errorHandler *apierrors.ErrorHandler
	validator    *middleware.RequestValidator
	query        *middleware.QueryParamValidator
	logger       *slog.Logger
	tracer       trace.Tracer
}

// NewRunsHandler creates a new runs handler
func NewRunsHandler(service RunService, errorHandler *apierrors.ErrorHandler, validator *middleware.RequestValidator, logger *slog.Logger) *RunsHandler {
	if service == nil {
		panic("service cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if errorHandler == nil {
		errorHandler = apierrors.NewErrorHandler(logger, false).Register(ErrorMappings()...)
	}
	if validator == nil {
		validator = middleware.NewRequestValidator(logger)
	}

	return &RunsHandler{
		service:      service,
		errorHandler: errorHandler,
		validator:    validator,
		query:        middleware.NewQueryParamValidator(errorHandler),
		logger:       logger.With(slog.String("handler", "runs")),
		tracer:       otel.Tracer(tracerName),
	}
}

// Routes returns a chi router for run endpoints
func (h *RunsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListRuns)
	r.Post("/", h.StartRun)
	r.Get("/{id}", h.GetRun)
	r.Get("/{id}/forms/{code}", h.GetRunForm)
	r.Post("/{id}/cancel", h.CancelRun)
	r.Get("/{id}/workbook", h.DownloadWorkbook)

	return r
}

// RunAccepted is the response to a queued run.
type RunAccepted struct {
	domain.Run
	Links map[string]string `json:"links"`
}

func runLinks(id string) map[string]string {
	return map[string]string{
		"self":     "/api/runs/" + id,
		"cancel":   "/api/runs/" + id + "/cancel",
		"workbook": "/api/runs/" + id + "/workbook",
	}
}

// StartRun handles POST /api/runs
func (h *RunsHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "runs_handler.start_run",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/runs"),
			attribute.String("request_id", middleware.GetRequestID(r.Context())),
		))
	defer span.End()
	r = r.WithContext(ctx)

	var req services.RunRequest
	if err := h.validator.DecodeJSON(r, &req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		h.errorHandler.HandleError(w, r, err)
		return
	}
	span.SetAttributes(
		attribute.String("base_date", req.BaseDate),
		attribute.Int("forms_requested", len(req.Forms)))

	run, err := h.service.StartRun(ctx, req)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		h.errorHandler.HandleError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("run_id", run.ID))

	h.logger.InfoContext(ctx, "run_accepted",
		slog.String("run_id", run.ID),
		slog.String("base_date", run.BaseDate),
		slog.Int("forms", run.FormsRequested))

	w.Header().Set("Location", "/api/runs/"+run.ID)
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, RunAccepted{Run: run, Links: runLinks(run.ID)})
}

// ListRuns handles GET /api/runs
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.query.ValidateInt(w, r, "limit", 1, config.MaxRunsLimit, config.DefaultRunsLimit)
	if !ok {
		return
	}

	runs, err := h.service.ListRuns(r.Context(), limit)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
		"limit": limit,
	})
}

// GetRun handles GET /api/runs/{id}
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, detail)
}

// GetRunForm handles GET /api/runs/{id}/forms/{code}
func (h *RunsHandler) GetRunForm(w http.ResponseWriter, r *http.Request) {
	form, err := h.service.GetRunForm(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "code"))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, form)
}

// CancelRun handles POST /api/runs/{id}/cancel
func (h *RunsHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := h.service.StopRun(r.Context(), id)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "run_cancel_accepted",
		slog.String("run_id", id),
		slog.String("status", string(run.Status)))

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, run)
}

// DownloadWorkbook handles GET /api/runs/{id}/workbook
func (h *RunsHandler) DownloadWorkbook(w http.ResponseWriter, r *http.Request) {
	path, err := h.service.WorkbookPath(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		h.errorHandler.HandleError(w, r, fmt.Errorf("%w: %w", services.ErrWorkbookMissing, err))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", xlsxType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

// ListReturns handles GET /api/returns
func (h *RunsHandler) ListReturns(w http.ResponseWriter, r *http.Request) {
	returns := h.service.Returns()
	render.JSON(w, r, map[string]interface{}{
		"returns": returns,
		"count":   len(returns),
	})
}
