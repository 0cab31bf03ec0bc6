package proxy

import (
	"encoding/json"
	"net/http"
)

// Error codes returned in the "code" field.
const (
	CodeMissingAPIKey       = "missing_api_key"
	CodeInstanceNotFound    = "instance_not_found"
	CodeBalanceDepleted     = "balance_depleted"
	CodeInvalidState        = "invalid_instance_state"
	CodeInsufficientBalance = "insufficient_balance"
	CodeDailyLimitExceeded  = "daily_limit_exceeded"
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeInvalidJSON         = "invalid_json"
	CodeUpstreamUnreachable = "upstream_unreachable"
	CodeInvalidUpstream     = "invalid_upstream_response"
	CodeMisconfigured       = "misconfigured"
	CodeInternal            = "internal_error"
)

// writeError renders {error, code, message, ...extra}.
func writeError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	body := make(map[string]any, len(extra)+3)
	for k, v := range extra {
		body[k] = v
	}
	body["error"] = http.StatusText(status)
	body["code"] = code
	body["message"] = message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
