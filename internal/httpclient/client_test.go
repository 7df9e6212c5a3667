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
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	c := New()
	require.Equal(t, 5, c.maxRetries)
	require.Equal(t, 2*time.Second, c.baseDelay)
	require.Equal(t, 60*time.Second, c.maxDelay)
	require.Equal(t, 120*time.Second, c.client.Timeout)
	require.NotNil(t, c.strategyFunc)
}

func TestNew_Options(t *testing.T) {
	c := New(
		WithMaxRetries(3),
		WithBaseDelay(5*time.Second),
		WithMaxDelay(30*time.Second),
		WithHTTPClient(&http.Client{Timeout: 10 * time.Second}),
		WithHeaderParser(ParseOpenAIRateLimitHeaders),
		WithRetryStrategy(func(int) RetryStrategy { return SmartRetry }),
	)
	require.Equal(t, 3, c.maxRetries)
	require.Equal(t, 5*time.Second, c.baseDelay)
	require.Equal(t, 30*time.Second, c.maxDelay)
	require.Equal(t, 10*time.Second, c.client.Timeout)
	require.NotNil(t, c.headerParser)
	require.Equal(t, SmartRetry, c.strategyFunc(500))
}

func TestDefaultStrategy(t *testing.T) {
	cases := []struct {
		code int
		want RetryStrategy
	}{
		{http.StatusTooManyRequests, SmartRetry},
		{http.StatusServiceUnavailable, SmartRetry},
		{http.StatusRequestTimeout, ConservativeRetry},
		{http.StatusInternalServerError, ConservativeRetry},
		{http.StatusBadGateway, ConservativeRetry},
		{http.StatusGatewayTimeout, ConservativeRetry},
		{http.StatusOK, NoRetry},
		{http.StatusBadRequest, NoRetry},
		{http.StatusNotFound, NoRetry},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, DefaultStrategy(tc.code))
	}
}

func TestClient_Do_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(WithHTTPClient(server.Client()))
	req, _ := http.NewRequest("GET", server.URL, nil)

	resp, err := c.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClient_Do_RetriesThenSucceeds(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(
		WithHTTPClient(server.Client()),
		WithMaxRetries(3),
		WithBaseDelay(1*time.Millisecond),
	)
	req, _ := http.NewRequest("GET", server.URL, nil)

	resp, err := c.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 3, attempts)
}

func TestClient_Do_MaxRetriesExceededReturnsRetryableError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(
		WithHTTPClient(server.Client()),
		WithMaxRetries(2),
		WithBaseDelay(1*time.Millisecond),
	)
	req, _ := http.NewRequest("GET", server.URL, nil)

	resp, err := c.Do(req)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var retryErr *RetryableError
	require.ErrorAs(t, err, &retryErr)
	require.Equal(t, http.StatusInternalServerError, retryErr.StatusCode)
	require.True(t, retryErr.IsRetryable())

	// conservative retry makes at most 2 retries: 3 requests in all
	require.Equal(t, 3, attempts)
}

func TestClient_Do_NetworkErrorIsNotRetried(t *testing.T) {
	c := New(WithHTTPClient(&http.Client{Timeout: 1 * time.Millisecond}))
	req, _ := http.NewRequest("GET", "http://127.0.0.1:0", nil)

	resp, err := c.Do(req)
	require.Error(t, err)
	require.Nil(t, resp)
}

func TestClient_Do_RateLimitHonorsRetryAfter(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(
		WithHTTPClient(server.Client()),
		WithMaxRetries(3),
		WithHeaderParser(ParseOpenAIRateLimitHeaders),
	)
	req, _ := http.NewRequest("GET", server.URL, nil)

	start := time.Now()
	resp, err := c.Do(req)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, attempts)
	require.GreaterOrEqual(t, elapsed, 1*time.Second)
}

func TestClient_calculateDelay(t *testing.T) {
	c := New(WithBaseDelay(1 * time.Second))

	require.Equal(t, time.Duration(0), c.calculateDelay(NoRetry, 0, RateLimitInfo{}))
	require.Equal(t, 2*time.Second, c.calculateDelay(ConservativeRetry, 0, RateLimitInfo{}))
	require.Equal(t, 3*time.Second, c.calculateDelay(ConservativeRetry, 1, RateLimitInfo{}))
	require.Equal(t, time.Duration(0), c.calculateDelay(ConservativeRetry, 2, RateLimitInfo{}))
	require.Equal(t, 5*time.Second, c.calculateDelay(SmartRetry, 0, RateLimitInfo{RetryAfter: 5 * time.Second}))

	delay := c.calculateDelay(SmartRetry, 0, RateLimitInfo{})
	require.GreaterOrEqual(t, delay, 1*time.Second)
	require.LessOrEqual(t, delay, c.maxDelay)
}
