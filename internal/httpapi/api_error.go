package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/John-Robertt/sskeyring/internal/errs"
	"github.com/John-Robertt/sskeyring/internal/fetch"
	"github.com/John-Robertt/sskeyring/internal/model"
	"github.com/John-Robertt/sskeyring/internal/server"
)

// APIError is used by the HTTP layer for request validation and a few
// HTTP-specific errors.
type APIError struct {
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *APIError) Unwrap() error { return e.Cause }

func apiError(status int, app model.AppError, cause error) error {
	return &APIError{Status: status, AppError: app, Cause: cause}
}

func requestError(code, message, hint string) error {
	return apiError(http.StatusBadRequest, model.AppError{
		Code:    code,
		Message: message,
		Stage:   "validate_request",
		Hint:    hint,
	}, nil)
}

func notFound(stage, id, message string) error {
	return apiError(http.StatusNotFound, model.AppError{
		Code:     "NOT_FOUND",
		Message:  message,
		Stage:    stage,
		ServerID: id,
	}, nil)
}

func statusOfKind(k errs.Kind) int {
	switch k {
	case errs.KindServerURLInvalid, errs.KindServerIncompatible, errs.KindUnsupportedCipher:
		return http.StatusUnprocessableEntity
	case errs.KindServerAlreadyAdded:
		return http.StatusConflict
	case errs.KindFetchConfig:
		return http.StatusBadGateway
	case errs.KindOperationTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeErrorFromErr maps err onto a status and AppError payload; stage names
// the operation that failed.
func (a *api) writeErrorFromErr(w http.ResponseWriter, stage string, err error) {
	a.writeServerError(w, stage, "", err)
}

// writeServerError is writeErrorFromErr for operations on one server.
func (a *api) writeServerError(w http.ResponseWriter, stage, serverID string, err error) {
	if err == nil {
		return
	}

	status, app := a.appErrorOf(stage, err)
	if app.ServerID == "" {
		app.ServerID = serverID
	}
	a.metrics.incAppError(app.Stage, app.Code)
	if status >= http.StatusInternalServerError {
		a.opt.Log.Error("request failed", zap.String("stage", app.Stage), zap.String("code", app.Code), zap.Error(err))
	}
	WriteError(w, status, app)
}

func (a *api) appErrorOf(stage string, err error) (int, model.AppError) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status, ae.AppError
	}

	var de *errs.Error
	if errors.As(err, &de) {
		app := de.AppError(stage)
		if de.Kind == errs.KindServerAlreadyAdded {
			if s, ok := de.Server.(server.Server); ok {
				app.ServerID = s.ID()
			}
		}
		if de.Kind == errs.KindFetchConfig {
			var fe *fetch.FetchError
			if errors.As(err, &fe) {
				app.URL = fe.AppError.URL
				app.Hint = fe.AppError.Code + ": " + fe.AppError.Message
			}
		}
		return statusOfKind(de.Kind), app
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, model.AppError{
			Code:    string(errs.KindOperationTimedOut),
			Message: "operation timed out",
			Stage:   stage,
		}
	}

	// Fallback: storage failures and internal bugs.
	return http.StatusInternalServerError, model.AppError{
		Code:    "INTERNAL_ERROR",
		Message: "internal server error",
		Stage:   stage,
		Hint:    err.Error(),
	}
}
