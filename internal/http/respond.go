package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/example/ride-dispatch/internal/apperr"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Kind    apperr.Kind         `json:"kind"`
	Message string              `json:"message"`
	Fields  []apperr.FieldError `json:"fields,omitempty"`
}

type listBody struct {
	Count int `json:"count"`
	Data  any `json:"data"`
}

func list[T any](items []T) listBody {
	if items == nil {
		items = []T{}
	}
	return listBody{Count: len(items), Data: items}
}

type dataBody struct {
	Data any `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto its kind's status. Causes of unavailable errors
// are logged and never sent to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	body := errorBody{Kind: kind}
	var e *apperr.Error
	if errors.As(err, &e) {
		body.Message = e.Message
		body.Fields = e.Fields
	}
	if kind == apperr.KindUnavailable {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		body.Message = "service temporarily unavailable"
	}
	writeJSON(w, apperr.HTTPStatus(kind), body)
}

// decodeJSON reads a JSON body into dst. An empty body is allowed when
// optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Wrap(apperr.KindInvalidInput, "malformed JSON body", err)
	}
	return nil
}
