package kit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hazyhaar/harvester/idgen"
)

// HTTPDecode builds the request for an endpoint from an HTTP request.
type HTTPDecode func(r *http.Request) (any, error)

// HTTPStatus maps an endpoint error to a status code.
type HTTPStatus func(err error) int

// DecodeJSONBody decodes the body into a fresh *T. An empty body gives a
// zero *T.
func DecodeJSONBody[T any]() HTTPDecode {
	return func(r *http.Request) (any, error) {
		v := new(T)
		err := json.NewDecoder(r.Body).Decode(v)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return v, nil
	}
}

// NoBody decodes nothing.
func NoBody(*http.Request) (any, error) { return nil, nil }

// HTTPHandler serves endpoint as JSON over HTTP.
func HTTPHandler(endpoint Endpoint, decode HTTPDecode, status HTTPStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decode(r)
		if err != nil {
			WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request: " + err.Error()})
			return
		}
		ctx := WithTransport(r.Context(), "http")
		if GetRequestID(ctx) == "" {
			id := r.Header.Get("X-Request-Id")
			if id == "" {
				id = idgen.RequestID()
			}
			ctx = WithRequestID(ctx, id)
		}

		resp, err := endpoint(ctx, req)
		if err != nil {
			code := http.StatusInternalServerError
			if status != nil {
				code = status(err)
			}
			WriteJSON(w, code, map[string]string{"error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Call runs endpoint in-process, tagging the context as a CLI call.
func Call(ctx context.Context, endpoint Endpoint, req any) (any, error) {
	return endpoint(WithRequestID(WithTransport(ctx, "cli"), idgen.RequestID()), req)
}
