package types

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// APIError is returned when the API answers with a non-2xx status.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Detail     string
	Body       string
}

func (e *APIError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %d: %s", e.Method, e.Path, e.StatusCode, msg)
}

// NewAPIError builds an APIError from a response, consuming up to 4KB of its body.
func NewAPIError(resp *http.Response) *APIError {
	e := &APIError{StatusCode: resp.StatusCode}
	if resp.Request != nil {
		e.Method = resp.Request.Method
		e.Path = resp.Request.URL.Path
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	e.Body = strings.TrimSpace(string(body))

	var er ErrorResponse
	if json.Unmarshal(body, &er) == nil {
		e.Detail = er.Detail
	}
	return e
}
