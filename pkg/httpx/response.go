// Package httpx provides HTTP request and response helpers.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
)

// maxBodyBytes bounds request bodies; every request this API accepts is tiny.
const maxBodyBytes = 64 * 1024

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondJSON writes data as JSON with the given status.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("httpx: encode %d response: %v", status, err)
	}
}

// RespondError replies with err's message.
func RespondError(w http.ResponseWriter, status int, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	RespondJSON(w, status, ErrorResponse{
		Code:    status,
		Error:   http.StatusText(status),
		Message: msg,
	})
}

// RespondErrorf replies with a formatted message.
func RespondErrorf(w http.ResponseWriter, status int, format string, args ...interface{}) {
	RespondError(w, status, fmt.Errorf(format, args...))
}

// DecodeJSON decodes a JSON request body into v. An empty body leaves v
// unchanged and reports false.
func DecodeJSON(r *http.Request, v interface{}) (bool, error) {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, fmt.Errorf("invalid JSON body: %w", err)
	}
	return true, nil
}
