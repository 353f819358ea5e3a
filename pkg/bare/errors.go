package bare

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Error codes carried on the wire.
const (
	CodeMissingURL          = "MISSING_BARE_URL"
	CodeUnsupportedProtocol = "UNSUPPORTED_PROTOCOL"
	CodeInvalidHeaders      = "INVALID_BARE_HEADERS"
	CodeFetchError          = "FETCH_ERROR"
	CodeUnknown             = "UNKNOWN"
)

// RequestError is the JSON error envelope a relay returns when it cannot
// execute a request. ID is a fresh correlation id per occurrence.
type RequestError struct {
	IsError bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	ID      string `json:"id"`

	status int
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("bare: %s: %s (id=%s)", e.Code, e.Message, e.ID)
}

// Status returns the HTTP status the error was delivered with, when known.
func (e *RequestError) Status() int { return e.status }

// NewRequestError builds an error envelope with a fresh correlation id.
func NewRequestError(code, message string) *RequestError {
	return &RequestError{IsError: true, Code: code, Message: message, ID: uuid.NewString()}
}

// WriteError writes the envelope as a JSON response with the given status.
func WriteError(w http.ResponseWriter, status int, e *RequestError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

// DecodeError parses a relay error body. Returns nil if the body is not an
// error envelope.
func DecodeError(status int, body []byte) *RequestError {
	var e RequestError
	if err := json.Unmarshal(body, &e); err != nil || !e.IsError {
		return nil
	}
	e.status = status
	return &e
}
