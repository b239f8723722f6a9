package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "provider", "simulating", "a", "real", "LLM", "API", "call",
	"for", "development", "and", "testing", "purposes",
}

// fakeSentence returns a fake response text of roughly n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// applyLatency sleeps for the configured latency.
func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// shouldFail returns true if this request should simulate a failure with
// cfg.FailStatus.
func shouldFail(cfg Config) bool {
	if cfg.FailRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.FailRate
}

// shouldTruncate returns true if this completion should be cut short with a
// length finish reason. The gateway is expected to resolve it by issuing a
// continuation request, so truncated responses carry only the first half of
// the generated text.
func shouldTruncate(cfg Config) bool {
	if cfg.TruncateRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.TruncateRate
}

// failureMessage maps an injected status to a plausible provider message.
func failureMessage(status int) (msg, typ string) {
	switch status {
	case http.StatusTooManyRequests:
		return "mock rate limit exceeded", "rate_limit_error"
	case http.StatusUnauthorized:
		return "mock invalid api key", "authentication_error"
	case http.StatusForbidden:
		return "mock permission denied", "permission_error"
	default:
		return "mock internal server error", "server_error"
	}
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the generic OpenAI-style error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{
		Message: msg,
		Type:    typ,
		Code:    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
	}})
}
