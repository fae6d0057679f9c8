// Package errors defines the standardized error shape shared by both wire
// surfaces, plus classification of upstream failures.
package errors

import (
	"encoding/json"
	"net/http"
)

// ErrorFormat selects the wire envelope an error is rendered into.
type ErrorFormat string

const (
	FormatOpenAI ErrorFormat = "openai"
	FormatGemini ErrorFormat = "gemini"
)

// APIError is the standardized error across upstream variants and surfaces.
type APIError struct {
	HTTPStatus int
	Code       string
	Message    string
	Type       string
	Details    map[string]interface{}
}

func New(httpStatus int, code, errType, message string) *APIError {
	return &APIError{HTTPStatus: httpStatus, Code: code, Type: errType, Message: message}
}

func (e *APIError) Error() string { return e.Message }

func (e *APIError) WithDetails(details map[string]interface{}) *APIError {
	e.Details = details
	return e
}

// OpenAIError mirrors OpenAI's error envelope.
type OpenAIError struct {
	Error struct {
		Message string                 `json:"message"`
		Type    string                 `json:"type"`
		Code    string                 `json:"code,omitempty"`
		Param   string                 `json:"param,omitempty"`
		Details map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

// GeminiError mirrors the Code Assist API's error structure.
type GeminiError struct {
	Error struct {
		Code    int                    `json:"code"`
		Message string                 `json:"message"`
		Status  string                 `json:"status"`
		Details map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

func (e *APIError) ToJSON(format ErrorFormat) ([]byte, error) {
	if format == FormatGemini {
		errObj := GeminiError{}
		errObj.Error.Code = e.HTTPStatus
		errObj.Error.Message = e.Message
		errObj.Error.Status = e.geminiStatus()
		errObj.Error.Details = e.Details
		return json.Marshal(errObj)
	}
	errObj := OpenAIError{}
	errObj.Error.Message = e.Message
	errObj.Error.Type = e.Type
	errObj.Error.Code = e.Code
	errObj.Error.Details = e.Details
	return json.Marshal(errObj)
}

func (e *APIError) geminiStatus() string {
	switch e.HTTPStatus {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusInternalServerError:
		return "INTERNAL"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "DEADLINE_EXCEEDED"
	default:
		return "UNKNOWN"
	}
}
