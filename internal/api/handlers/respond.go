package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/api/middleware"
	"github.com/drfirst/go-ndc/internal/domain/calculation"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorBody(code, message string) map[string]apiError {
	return map[string]apiError{"error": {Code: code, Message: message}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// publicMessage is what a caller may see for err. Internal failures are
// not described.
func publicMessage(err error) string {
	var ce *calculation.Error
	if !errors.As(err, &ce) || ce.Kind == calculation.KindInternal {
		return "internal server error"
	}
	if ce.Message != "" {
		return ce.Message
	}
	return string(ce.Kind)
}

func writeCalculationError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	kind := calculation.KindOf(err)
	status := calculation.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	writeJSON(w, status, errorBody(calculation.Code(kind), publicMessage(err)))
}
