package cerr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kazz187/specguild/pkg/clog"
)

type httpError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// HandlerFunc is an HTTP handler that returns its JSON body or an error.
type HandlerFunc func(r *http.Request) (any, error)

// JSON adapts fn to net/http, rendering errors through their Code.
func JSON(fn HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		resp, err := fn(r)
		if err != nil {
			WriteError(r.Context(), rw, err)
			return
		}
		WriteJSON(r.Context(), rw, http.StatusOK, resp)
	}
}

func WriteJSON(ctx context.Context, rw http.ResponseWriter, status int, v any) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		WriteError(ctx, rw, NewError(Internal, "server error", err))
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	if _, err := rw.Write(buf.Bytes()); err != nil {
		clog.AddError(ctx, err)
	}
}

func WriteError(ctx context.Context, rw http.ResponseWriter, err error) {
	var ce *Error
	switch {
	case errors.Is(err, context.Canceled):
		ce = NewError(Canceled, "connection closed", err)
	case errors.As(err, &ce):
	default:
		ce = NewError(Unknown, "unknown error", err)
	}
	clog.AddError(ctx, err)
	if ce.Stack != "" {
		clog.AddStack(ctx, ce.Stack)
	}
	body := httpError{Code: ce.Code.String(), Message: ce.Msg}
	if len(ce.Details) > 0 {
		body.Details = ce.DetailMessages()
	}
	buf := &bytes.Buffer{}
	if encErr := json.NewEncoder(buf).Encode(body); encErr != nil {
		buf = bytes.NewBufferString(`{"code":"internal","message":"server error"}`)
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(ce.Code.HTTPCode())
	if _, werr := rw.Write(buf.Bytes()); werr != nil {
		clog.AddError(ctx, errors.Join(err, werr))
	}
}
