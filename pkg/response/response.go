// Package response writes the JSON envelope used by the control API.
package response

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/dentaldesk/syncd/internal/errors"
)

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{
		Success: statusCode < 400,
		Data:    data,
	})
}

func Success(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

func Created(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusCreated, data)
}

func Accepted(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusAccepted, data)
}

func Error(w http.ResponseWriter, statusCode int, code apperrors.ErrorCode, err string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{
		Success: false,
		Error:   err,
		Code:    string(code),
	})
}

func BadRequest(w http.ResponseWriter, err string) {
	Error(w, http.StatusBadRequest, apperrors.ErrInvalid, err)
}

func NotFound(w http.ResponseWriter, err string) {
	Error(w, http.StatusNotFound, apperrors.ErrNotFound, err)
}

func InternalError(w http.ResponseWriter, err string) {
	Error(w, http.StatusInternalServerError, apperrors.ErrInternal, err)
}

// FromError writes err with the status its code maps to.
func FromError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	Error(w, StatusFor(code), code, err.Error())
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrConfirmRequired:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrSyncInProgress, apperrors.ErrVersionConflict:
		return http.StatusConflict
	case apperrors.ErrValidationRejected, apperrors.ErrPoisoned:
		return http.StatusUnprocessableEntity
	case apperrors.ErrQueueFull:
		return http.StatusInsufficientStorage
	case apperrors.ErrStorageUnavailable, apperrors.ErrTransientNetwork, apperrors.ErrSyncNotConfigured:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
