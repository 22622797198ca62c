package api

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Jasonzhangf/routecodex-sub002/internal/errclass"
)

// typeForStatus derives the OpenAI-style error type from a status code.
func typeForStatus(status int) string {
	switch {
	case status == 400:
		return "bad_request"
	case status == 401:
		return "unauthorized"
	case status == 403:
		return "forbidden"
	case status == 404:
		return "not_found"
	case status == 408:
		return "request_timeout"
	case status == 409:
		return "conflict"
	case status == 422:
		return "unprocessable_entity"
	case status == 429:
		return "rate_limit_exceeded"
	case status >= 500:
		return "server_error"
	default:
		return "internal_error"
	}
}

// errorBody is the OpenAI-compatible error envelope every handler emits.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string         `json:"message"`
	Type    string         `json:"type"`
	Code    string         `json:"code"`
	Param   any            `json:"param"`
	Details map[string]any `json:"details,omitempty"`
}

// buildErrorPayload maps any pipeline failure to a status code and an
// OpenAI-style error body. Network failures without an upstream status map
// to 502/504, local permission problems to 500 sandbox_denied. Upstream
// bodies surface under details.upstream; keys were already redacted by the
// transport.
func buildErrorPayload(requestID string, err error) (int, []byte) {
	cls := errclass.Classify(err)
	status := cls.StatusCode
	errType := ""

	details := map[string]any{"requestId": requestID}
	var pe *errclass.ProviderError
	if errors.As(err, &pe) {
		for k, v := range pe.Details {
			details[k] = v
		}
		if len(pe.Body) > 0 && gjson.ValidBytes(pe.Body) {
			details["upstream"] = json.RawMessage(pe.Body)
		}
	}

	message := strings.ToLower(cls.Message)
	switch {
	case cls.IsNetworkTransport && containsAny(message, "etimedout", "timeout", "deadline exceeded"):
		status = 504
		details["network"] = "timeout"
	case cls.IsNetworkTransport:
		status = 502
		details["network"] = "transport"
	case containsAny(message, "permission denied", "operation not permitted"):
		status = 500
		errType = "sandbox_denied"
	}
	if errType == "" {
		errType = typeForStatus(status)
	}

	body, _ := json.Marshal(errorBody{Error: errorDetail{
		Message: cls.Message,
		Type:    errType,
		Code:    errType,
		Param:   nil,
		Details: details,
	}})
	return status, body
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
