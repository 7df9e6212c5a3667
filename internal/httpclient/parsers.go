// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// headerSpec names the provider-specific header keys RateLimitInfo is
// assembled from; parseHeaders is shared by every provider parser below
// instead of each provider repeating the same extraction logic.
type headerSpec struct {
	retryAfter        string
	resetSeconds      []string // unix seconds
	resetRFC3339      []string
	requestsRemaining string
	tokensRemaining   string
	inputRemaining    string
	outputRemaining   string
}

func parseHeaders(h http.Header, spec headerSpec) RateLimitInfo {
	var info RateLimitInfo

	if spec.retryAfter != "" {
		if v := h.Get(spec.retryAfter); v != "" {
			if seconds, err := strconv.Atoi(v); err == nil {
				info.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
	}

	for _, name := range spec.resetRFC3339 {
		v := h.Get(name)
		if v == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			info.ResetTime = t.Unix()
			break
		}
	}
	for _, name := range spec.resetSeconds {
		v := h.Get(name)
		if v == "" {
			continue
		}
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			info.ResetTime = secs
			break
		}
	}

	if spec.requestsRemaining != "" {
		if v := h.Get(spec.requestsRemaining); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				info.RequestsRemaining = n
			}
		}
	}
	if spec.tokensRemaining != "" {
		if v := h.Get(spec.tokensRemaining); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				info.TokensRemaining = n
			}
		}
	}
	if spec.inputRemaining != "" {
		if v := h.Get(spec.inputRemaining); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				info.InputTokensRemaining = n
			}
		}
	}
	if spec.outputRemaining != "" {
		if v := h.Get(spec.outputRemaining); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				info.OutputTokensRemaining = n
			}
		}
	}

	return info
}

// ParseAnthropicRateLimitHeaders extracts rate limit info from Anthropic's
// anthropic-ratelimit-* response headers.
func ParseAnthropicRateLimitHeaders(h http.Header) RateLimitInfo {
	return parseHeaders(h, headerSpec{
		retryAfter: "retry-after",
		resetRFC3339: []string{
			"anthropic-ratelimit-input-tokens-reset",
			"anthropic-ratelimit-output-tokens-reset",
			"anthropic-ratelimit-requests-reset",
		},
		requestsRemaining: "anthropic-ratelimit-requests-remaining",
		inputRemaining:    "anthropic-ratelimit-input-tokens-remaining",
		outputRemaining:   "anthropic-ratelimit-output-tokens-remaining",
	})
}

// ParseOpenAIRateLimitHeaders extracts rate limit info from OpenAI's
// x-ratelimit-* response headers (also served by Ollama's OpenAI-compatible
// endpoint, which omits them and so parses to a zero value).
func ParseOpenAIRateLimitHeaders(h http.Header) RateLimitInfo {
	return parseHeaders(h, headerSpec{
		retryAfter:        "Retry-After",
		resetSeconds:      []string{"x-ratelimit-reset-tokens", "x-ratelimit-reset-requests"},
		requestsRemaining: "x-ratelimit-remaining-requests",
		tokensRemaining:   "x-ratelimit-remaining-tokens",
	})
}

// ParseGeminiRateLimitHeaders extracts rate limit info from Gemini's
// response headers, which only carry Retry-After.
func ParseGeminiRateLimitHeaders(h http.Header) RateLimitInfo {
	return parseHeaders(h, headerSpec{retryAfter: "Retry-After"})
}
