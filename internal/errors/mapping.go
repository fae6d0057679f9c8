package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// MapHTTPError maps upstream HTTP status codes and payloads to standardized errors.
func MapHTTPError(statusCode int, upstreamBody []byte) *APIError {
	upstreamMsg := extractUpstreamMessage(upstreamBody)

	switch statusCode {
	case http.StatusBadRequest:
		return New(statusCode, "invalid_request_error", "invalid_request_error", firstNonEmpty(upstreamMsg, "Invalid request"))
	case http.StatusUnauthorized:
		return New(statusCode, "invalid_api_key", "authentication_error", firstNonEmpty(upstreamMsg, "Invalid authentication"))
	case http.StatusForbidden:
		return New(statusCode, "permission_denied", "permission_error", firstNonEmpty(upstreamMsg, "Permission denied"))
	case http.StatusNotFound:
		return New(statusCode, "not_found", "invalid_request_error", firstNonEmpty(upstreamMsg, "Resource not found"))
	case http.StatusTooManyRequests:
		return New(statusCode, "rate_limit_exceeded", "rate_limit_error", firstNonEmpty(upstreamMsg, "Rate limit exceeded"))
	case http.StatusInternalServerError:
		return New(statusCode, "server_error", "server_error", firstNonEmpty(upstreamMsg, "Internal server error"))
	case http.StatusBadGateway:
		return New(statusCode, "bad_gateway", "server_error", firstNonEmpty(upstreamMsg, "Bad gateway"))
	case http.StatusServiceUnavailable:
		return New(statusCode, "service_unavailable", "server_error", firstNonEmpty(upstreamMsg, "Service temporarily unavailable"))
	case http.StatusGatewayTimeout:
		return New(statusCode, "timeout", "timeout_error", firstNonEmpty(upstreamMsg, "Request timeout"))
	default:
		return New(statusCode, "unknown_error", "server_error", firstNonEmpty(upstreamMsg, fmt.Sprintf("HTTP %d error", statusCode)))
	}
}

// MapNetworkError maps transport-level errors to standardized APIError objects.
func MapNetworkError(err error) *APIError {
	errMsg := err.Error()

	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return New(http.StatusGatewayTimeout, "timeout", "timeout_error", "Request timeout: "+errMsg)
	case strings.Contains(errMsg, "connection refused"):
		return New(http.StatusBadGateway, "connection_error", "server_error", "Connection refused: "+errMsg)
	case strings.Contains(errMsg, "EOF") || strings.Contains(errMsg, "connection reset"):
		return New(http.StatusBadGateway, "connection_error", "server_error", "Connection error: "+errMsg)
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "name resolution"):
		return New(http.StatusBadGateway, "dns_error", "server_error", "DNS resolution error: "+errMsg)
	case strings.Contains(errMsg, "context canceled"):
		return New(http.StatusRequestTimeout, "request_canceled", "timeout_error", "Request was canceled: "+errMsg)
	default:
		return New(http.StatusBadGateway, "network_error", "server_error", "Network error: "+errMsg)
	}
}

// extractUpstreamMessage pulls error.message out of a JSON error body, falling
// back to the raw body truncated to 200 characters.
func extractUpstreamMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var jsonErr map[string]interface{}
	if err := json.Unmarshal(body, &jsonErr); err == nil {
		if errObj, ok := jsonErr["error"].(map[string]interface{}); ok {
			if msg, ok := errObj["message"].(string); ok && msg != "" {
				return msg
			}
		}
	}
	msg := string(body)
	if len(msg) > 200 {
		return msg[:200] + "..."
	}
	return msg
}

func firstNonEmpty(strs ...string) string {
	for _, s := range strs {
		if s != "" {
			return s
		}
	}
	return ""
}
