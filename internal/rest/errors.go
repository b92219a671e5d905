package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pbinitiative/zenflow/internal/log"
	apierror "github.com/pbinitiative/zenflow/internal/rest/error"
	"github.com/pbinitiative/zenflow/pkg/bpmn"
	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zenflow/pkg/expression"
)

// badRequest marks errors in the request itself.
type badRequest struct {
	msg string
}

func (e badRequest) Error() string {
	return e.msg
}

// toApiError maps engine errors to an HTTP status and response body.
func toApiError(err error) (int, apierror.ApiError) {
	var (
		validationErr  *model.DefinitionValidationError
		parseErr       *expression.ParseError
		persistenceErr *bpmn.PersistenceError
		engineErr      *bpmn.BpmnEngineError
		requestErr     badRequest
	)
	switch {
	case errors.Is(err, bpmn.ErrNotFound):
		return http.StatusNotFound, apiError("NOT_FOUND", "NOT_FOUND", err)
	case errors.Is(err, bpmn.ErrAlreadyTerminal):
		return http.StatusConflict, apiError("ALREADY_TERMINAL", "INVALID_STATE", err)
	case errors.Is(err, bpmn.ErrInvalidState):
		return http.StatusConflict, apiError("INVALID_STATE", "INVALID_STATE", err)
	case errors.As(err, &validationErr):
		return http.StatusUnprocessableEntity, apiError("DEFINITION_INVALID", "VALIDATION", err)
	case errors.As(err, &parseErr):
		return http.StatusUnprocessableEntity, apiError("EXPRESSION_INVALID", "VALIDATION", err)
	case errors.Is(err, bpmn20.ErrUnsupportedElement):
		return http.StatusUnprocessableEntity, apiError("UNSUPPORTED_ELEMENT", "VALIDATION", err)
	case errors.As(err, &persistenceErr):
		return http.StatusServiceUnavailable, apiError("PERSISTENCE", "RETRYABLE", err)
	case errors.As(err, &requestErr), errors.As(err, &engineErr):
		return http.StatusBadRequest, apiError("BAD_REQUEST", "BAD_REQUEST", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, apiError("CANCELLED", "RETRYABLE", err)
	default:
		return http.StatusInternalServerError, apiError("INTERNAL", "ERROR", err)
	}
}

func apiError(code, errType string, err error) apierror.ApiError {
	return apierror.ApiError{Code: code, Message: err.Error(), Type: errType}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := toApiError(err)
	if status >= http.StatusInternalServerError {
		log.Errorf(r.Context(), "%s %s failed: %s", r.Method, r.URL.Path, err)
	}
	writeJson(w, status, body)
}

func writeJson(w http.ResponseWriter, status int, resp any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if resp == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error("Server error: %s", err)
	}
}
