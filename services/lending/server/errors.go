package server

import (
	"context"
	"errors"
	"net/http"

	"lendingcore/native/lending"
	"lendingcore/services/lending/engine"
)

// errorResponse is the JSON body written for every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// toStatus maps an engine or service error onto an HTTP status and a stable
// code string.
func toStatus(err error) (int, string) {
	if err == nil {
		return http.StatusOK, ""
	}
	_, code := engine.ErrorLabels(err)
	switch lending.KindOf(err) {
	case lending.KindValidation:
		switch code {
		case lending.ErrUnauthorized.Code:
			return http.StatusForbidden, code
		case lending.ErrPaused.Code:
			return http.StatusServiceUnavailable, code
		case lending.ErrMarketNotListed.Code:
			return http.StatusNotFound, code
		case lending.ErrReentrant.Code, lending.ErrAlreadyListed.Code:
			return http.StatusConflict, code
		}
		return http.StatusBadRequest, code
	case lending.KindSolvency:
		if code == lending.ErrNoDebt.Code || code == lending.ErrNotEligible.Code {
			return http.StatusConflict, code
		}
		return http.StatusUnprocessableEntity, code
	case lending.KindLiquidity:
		return http.StatusConflict, code
	case lending.KindOracle:
		return http.StatusServiceUnavailable, code
	case lending.KindArithmetic:
		return http.StatusInternalServerError, code
	}
	switch {
	case errors.Is(err, engine.ErrInvalidInput):
		return http.StatusBadRequest, code
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound, code
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusForbidden, code
	case errors.Is(err, engine.ErrQuotaExceeded):
		return http.StatusTooManyRequests, code
	case errors.Is(err, engine.ErrUnavailable):
		return http.StatusServiceUnavailable, code
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, code
	case code == "TRANSFER_FAILED":
		return http.StatusConflict, code
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (s *Service) writeError(w http.ResponseWriter, action string, err error) {
	status, code := toStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.log().Error("lending request failed", "action", action, "code", code, "error", err)
		message = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}
