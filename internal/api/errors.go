package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnauthorized matches any 401 APIError.
var ErrUnauthorized = errors.New("api: unauthorized")

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api: %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

type errorBody struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
}

// parseError builds an APIError from whatever error shape the backend
// used: {"message"}, {"error": "..."} or {"error": {"code","message"}}.
func parseError(status int, body []byte) *APIError {
	e := &APIError{Status: status}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		e.Code = eb.Code
		e.Message = eb.Message
		if len(eb.Error) > 0 {
			var s string
			var nested struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			switch {
			case json.Unmarshal(eb.Error, &s) == nil:
				if e.Message == "" {
					e.Message = s
				}
			case json.Unmarshal(eb.Error, &nested) == nil:
				if e.Code == "" {
					e.Code = nested.Code
				}
				if e.Message == "" {
					e.Message = nested.Message
				}
			}
		}
	}

	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// StatusOf returns the HTTP status of an APIError in err's chain, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
