package validate

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/squadklaw/squadklaw/internal/models"
)

// ErrNotErrorResponse is returned when a body is not an error envelope.
var ErrNotErrorResponse = errors.New("not an error response")

// ErrorResponse validates an error envelope.
func ErrorResponse(e *models.ErrorResponse) error {
	if e == nil {
		return Errors{{Field: "error", Reason: "is required"}}
	}
	return Check(
		Field{Name: "error.code", Value: string(e.Error.Code), Rules: []Rule{
			Satisfies(func(v any) bool { return models.ErrorCode(v.(string)).Valid() }, "must be a known error code"),
		}},
	)
}

// DecodeErrorResponse parses and validates an error envelope. The retry
// flag must be present; message may be empty.
func DecodeErrorResponse(raw []byte) (*models.ErrorResponse, error) {
	var envelope struct {
		Error *struct {
			Code    *string `json:"code"`
			Message *string `json:"message"`
			Retry   *bool   `json:"retry"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotErrorResponse, err)
	}
	body := envelope.Error
	if body == nil || body.Code == nil || body.Message == nil || body.Retry == nil {
		return nil, ErrNotErrorResponse
	}

	resp := &models.ErrorResponse{Error: models.ErrorBody{
		Code:    models.ErrorCode(*body.Code),
		Message: *body.Message,
		Retry:   *body.Retry,
	}}
	if err := ErrorResponse(resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotErrorResponse, err)
	}
	return resp, nil
}
