package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/security"
)

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

type errorBody struct {
	Detail string     `json:"detail"`
	Kind   model.Kind `json:"kind"`
}

func statusFor(kind model.Kind) int {
	switch kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindPortInUse:
		return http.StatusConflict
	case model.KindConnection:
		return http.StatusBadGateway
	case model.KindAuth:
		return http.StatusUnauthorized
	case model.KindHostKey:
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.KindOf(err)
	status := statusFor(kind)
	// Unclassified failures carry local detail; callers get the request id
	// to look it up in the log.
	if status == http.StatusInternalServerError {
		reqID := chimw.GetReqID(r.Context())
		err = security.NewClassifiedError("internal error (request "+reqID+")", err.Error())
		slog.Error("request failed", "request_id", reqID, "error", security.DebugMessage(err))
	}
	writeJSON(w, status, errorBody{Detail: s.svc.UserMessage(err), Kind: kind})
}

func decode(r *http.Request, v any) error {
	return decodeBody(r, v, true)
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, v any) error {
	return decodeBody(r, v, false)
}

func decodeBody(r *http.Request, v any, required bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	switch {
	case errors.Is(err, io.EOF):
		if required {
			return model.Validation("decode request", "request body is required")
		}
		return nil
	case err != nil:
		return model.Validation("decode request", "invalid request body: %v", err)
	}
	return nil
}
