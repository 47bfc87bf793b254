package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmitrijs2005/estateauth/internal/common"
	"github.com/dmitrijs2005/estateauth/internal/server/validation"
)

const msgInternal = "Internal server error"

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type errorEnvelope struct {
	Success bool                    `json:"success"`
	Message string                  `json:"message"`
	Code    common.Kind             `json:"code"`
	Errors  []validation.FieldError `json:"errors,omitempty"`
	Detail  string                  `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

// writeError renders err in the error envelope. Causes of database and
// unclassified errors are exposed as detail only outside production.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorEnvelope{Message: msgInternal, Code: common.KindInternal}
	status := http.StatusInternalServerError

	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		body.Message = "Validation failed"
		body.Code = common.KindValidation
		body.Errors = verr.Fields
		status = http.StatusBadRequest
	default:
		if e, ok := common.AsError(err); ok {
			body.Message = e.Message
			body.Code = e.Kind
			status = e.Kind.HTTPStatus()
			if e.Err != nil && !h.production {
				body.Detail = e.Err.Error()
			}
		} else {
			h.logger.Error(r.Context(), "unhandled error", "error", err)
			if !h.production {
				body.Detail = err.Error()
			}
		}
	}

	writeJSON(w, status, body)
}
