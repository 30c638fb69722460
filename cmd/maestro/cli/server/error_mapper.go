package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/maestroio/cli/cmd/maestro/cli/errs"
)

// wireError is the single JSON error document every failure serialises to.
type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindInvalidArgument:
		return http.StatusBadRequest
	case errs.KindBusySession:
		return http.StatusConflict
	case errs.KindCancelled:
		return http.StatusServiceUnavailable
	case errs.KindIOFailure, errs.KindProcessSpawnFailure,
		errs.KindCheckpointIO, errs.KindRestoration, errs.KindTimelineCorruption:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeError serialises err as the wire error document.
func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)

	doc := wireError{
		Code:    kind.String(),
		Message: err.Error(),
	}
	var tagged *errs.Error
	if errors.As(err, &tagged) && tagged.Err != nil {
		doc.Message = tagged.Message
		doc.Details = tagged.Err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(kind))
	_ = json.NewEncoder(w).Encode(doc)
}

// writeJSON serialises a successful response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
