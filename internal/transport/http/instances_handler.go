package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "varianceiq/internal/errors"
)

// InstancesHandler previews instance selection for a form
type InstancesHandler struct {
	service      InstanceService
	errorHandler *apierrors.ErrorHandler
	logger       *slog.Logger
}

// NewInstancesHandler creates a new instances handler
func NewInstancesHandler(service InstanceService, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *InstancesHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if errorHandler == nil {
		errorHandler = apierrors.NewErrorHandler(logger, false).Register(ErrorMappings()...)
	}
	return &InstancesHandler{
		service:      service,
		errorHandler: errorHandler,
		logger:       logger.With(slog.String("handler", "instances")),
	}
}

// Inspect handles GET /api/returns/{code}/instances?date=YYYY-MM-DD
func (h *InstancesHandler) Inspect(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Inspect(r.Context(), chi.URLParam(r, "code"), r.URL.Query().Get("date"))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, report)
}
