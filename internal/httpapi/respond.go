package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/digkill/voicegen/internal/service"
)

type errorResponse struct {
	Success    bool   `json:"success"`
	ErrorKind  string `json:"errorKind"`
	Error      string `json:"error"`
	TaskID     string `json:"taskId,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func statusFor(kind string) int {
	switch kind {
	case "Unauthenticated":
		return http.StatusUnauthorized
	case "RateLimited":
		return http.StatusTooManyRequests
	case "InsufficientFunds":
		return http.StatusPaymentRequired
	case "InvalidRequest":
		return http.StatusBadRequest
	case "ProviderRejected", "GenerationFailed", "PaymentInvalid":
		return http.StatusUnprocessableEntity
	case "ProviderUnavailable", "PaymentUnavailable":
		return http.StatusBadGateway
	case "LedgerUnavailable", "StoreUnavailable", "Overloaded":
		return http.StatusServiceUnavailable
	case "GenerationTimedOut":
		return http.StatusAccepted
	case "NotFound":
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := service.Kind(err)
	status := statusFor(kind)
	resp := errorResponse{ErrorKind: kind, Error: service.UserMessage(err)}

	var rl *service.RateLimitedError
	if errors.As(err, &rl) {
		resp.RetryAfter = rl.RetryAfter
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter))
	}
	var timedOut *service.TimedOutError
	if errors.As(err, &timedOut) {
		resp.TaskID = timedOut.JobID
	}

	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "kind", kind, "err", err)
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
