package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"identity-service/internal/errs"
	"identity-service/internal/util"
)

// Response is the envelope every endpoint returns.
type Response struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Data    interface{}            `json:"data,omitempty"`
	Errors  map[string]interface{} `json:"errors,omitempty"`
	Meta    Meta                   `json:"meta"`
}

// Meta carries the request correlation fields.
type Meta struct {
	RequestID     string `json:"requestId"`
	ExecutionTime string `json:"executionTime"`
	Timestamp     string `json:"timestamp"`
}

func newMeta(r *http.Request, start time.Time) Meta {
	return Meta{
		RequestID:     middleware.GetReqID(r.Context()),
		ExecutionTime: time.Since(start).String(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		util.Error("Failed to encode response", zap.Error(err))
	}
}

func writeSuccess(w http.ResponseWriter, r *http.Request, status int, message string, data interface{}, start time.Time) {
	writeJSON(w, status, Response{
		Success: true,
		Message: message,
		Data:    data,
		Meta:    newMeta(r, start),
	})
}

// writeError maps any error onto the envelope through the errs
// taxonomy. Internal causes are logged with the correlation id and
// never leak past the generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error, start time.Time) {
	appErr := errs.From(err)

	if appErr.Status >= http.StatusInternalServerError {
		util.Error("Request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.String("ip", util.ClientIP(r)),
			zap.Error(err))
	}

	writeJSON(w, appErr.Status, Response{
		Success: false,
		Message: appErr.Message,
		Code:    appErr.Code,
		Errors:  appErr.Details,
		Meta:    newMeta(r, start),
	})
}

// decodeBody parses a JSON request body into dst with a size cap.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.Validation("request body is not valid JSON")
	}
	return nil
}
