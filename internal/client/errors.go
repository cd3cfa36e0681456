package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zhouzirui/z-tavern/chat/internal/model/chat"
)

// Error is the single failure type returned by Client. StatusCode is zero
// when the request never produced an HTTP response.
type Error struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return "request failed"
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsStatus reports whether err is a Client error carrying the given status.
func IsStatus(err error, status int) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == status
}

// newStatusError decodes the {detail} envelope of a non-success response,
// falling back to a status-coded message.
func newStatusError(status int, body []byte) *Error {
	apiErr := &Error{
		StatusCode: status,
		Message:    fmt.Sprintf("HTTP %d", status),
	}

	var envelope chat.ErrorBody
	if err := json.Unmarshal(body, &envelope); err == nil {
		if detail := strings.TrimSpace(envelope.Detail); detail != "" {
			apiErr.Message = detail
		}
	}
	return apiErr
}
