package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emperorhan/deposit-reconciler/internal/circuitbreaker"
	"github.com/emperorhan/deposit-reconciler/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "0x8Ba1f109551bD432803012645Ac136ddd64DBA72"

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler func(*http.Request) (*http.Response, error)) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:                 "https://feed.local/api",
		APIKey:                  "secret",
		BreakerFailureThreshold: 2,
		BreakerOpenTimeout:      time.Hour,
	}, testLogger())
	require.NoError(t, err)
	client.httpClient = &http.Client{Transport: roundTripFunc(handler)}
	return client
}

func jsonHTTPResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "not a url"}, testLogger())
	require.Error(t, err)
}

func TestFetch_RequestShapeAndDecode(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "feed.local", r.URL.Host)
		q := r.URL.Query()
		assert.Equal(t, "account", q.Get("module"))
		assert.Equal(t, "txlist", q.Get("action"))
		assert.Equal(t, strings.ToLower(testAddress), q.Get("address"))
		assert.Equal(t, "desc", q.Get("sort"))
		assert.Equal(t, "secret", q.Get("apikey"))

		return jsonHTTPResponse(http.StatusOK, `{
			"status": "1",
			"message": "OK",
			"result": [
				{"blockNumber":"19000001","timeStamp":"1300","hash":"0xbbb","from":"0xdep","to":"0xACC","value":"500","gas":"21000","gasPrice":"2","gasUsed":"21000","isError":"0"},
				{"blockNumber":"19000000","timeStamp":"900","hash":"0xaaa","from":"0xdep","to":"","value":"0","gas":"53000","gasPrice":"","gasUsed":""}
			]
		}`), nil
	})

	records, err := client.Fetch(context.Background(), testAddress)
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, "0xbbb", first.Hash)
	assert.Equal(t, "19000001", first.BlockNumber)
	assert.Equal(t, int64(1300), first.Timestamp)
	require.NotNil(t, first.To)
	assert.Equal(t, "0xACC", *first.To)
	assert.Equal(t, "500", first.Value)
	assert.Equal(t, "21000", first.Gas)
	require.NotNil(t, first.GasPrice)
	assert.Equal(t, "2", *first.GasPrice)
	assert.Equal(t, "21000", first.GasUsed)

	second := records[1]
	assert.Nil(t, second.To, "empty to is a contract creation")
	assert.Nil(t, second.GasPrice)
	assert.Empty(t, second.GasUsed)
}

func TestFetch_EmptyResults(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"ok with empty array", `{"status":"1","message":"OK","result":[]}`},
		{"no transactions found", `{"status":"0","message":"No transactions found","result":[]}`},
		{"status zero with empty string", `{"status":"0","message":"OK","result":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(*http.Request) (*http.Response, error) {
				return jsonHTTPResponse(http.StatusOK, tt.body), nil
			})
			records, err := client.Fetch(context.Background(), testAddress)
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

func TestFetch_ProviderError(t *testing.T) {
	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return jsonHTTPResponse(http.StatusOK, `{"status":"0","message":"NOTOK","result":"Invalid API Key"}`), nil
	})

	_, err := client.Fetch(context.Background(), testAddress)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFeed)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "Invalid API Key", pe.Message)

	var te *TransportError
	assert.False(t, errors.As(err, &te), "provider errors are distinguishable from transport errors")
	assert.Equal(t, retry.ClassTerminal, retry.Classify(err).Class)
}

func TestFetch_RateLimitPausesLimiter(t *testing.T) {
	tests := []struct {
		name string
		resp *http.Response
	}{
		{"provider message", jsonHTTPResponse(http.StatusOK, `{"status":"0","message":"NOTOK","result":"Max rate limit reached"}`)},
		{"http 429", jsonHTTPResponse(http.StatusTooManyRequests, "slow down")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(*http.Request) (*http.Response, error) {
				return tt.resp, nil
			})
			_, err := client.Fetch(context.Background(), testAddress)
			require.Error(t, err)
			assert.True(t, retry.Classify(err).IsTransient())

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			assert.ErrorIs(t, client.limiter.Wait(ctx), context.DeadlineExceeded, "calls are paused after a rate limit")
		})
	}
}

func TestFetch_TransportErrors(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		client := newTestClient(t, func(*http.Request) (*http.Response, error) {
			return jsonHTTPResponse(http.StatusBadGateway, "upstream down"), nil
		})
		_, err := client.Fetch(context.Background(), testAddress)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrFeed)

		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, http.StatusBadGateway, te.StatusCode)
		assert.Contains(t, err.Error(), "http status 502")
		assert.True(t, retry.Classify(err).IsTransient())
	})

	t.Run("network failure", func(t *testing.T) {
		client := newTestClient(t, func(*http.Request) (*http.Response, error) {
			return nil, errors.New("dial tcp: connection refused")
		})
		_, err := client.Fetch(context.Background(), testAddress)
		require.Error(t, err)

		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Zero(t, te.StatusCode)
		assert.True(t, retry.Classify(err).IsTransient())
	})
}

func TestFetch_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"not json", `<html>`, "body"},
		{"result object", `{"status":"1","message":"OK","result":{"hash":"0x1"}}`, "result"},
		{"result missing", `{"status":"1","message":"OK"}`, "result"},
		{"record wrong type", `{"status":"1","result":[{"hash":1}]}`, "record"},
		{"missing hash", `{"status":"1","result":[{"timeStamp":"1","value":"1","gas":"1"}]}`, "hash"},
		{"bad timestamp", `{"status":"1","result":[{"hash":"0x1","timeStamp":"yesterday","value":"1","gas":"1"}]}`, "timeStamp"},
		{"negative value", `{"status":"1","result":[{"hash":"0x1","timeStamp":"1","value":"-5","gas":"1"}]}`, "value"},
		{"fractional value", `{"status":"1","result":[{"hash":"0x1","timeStamp":"1","value":"1.5","gas":"1"}]}`, "value"},
		{"missing gas", `{"status":"1","result":[{"hash":"0x1","timeStamp":"1","value":"1"}]}`, "gas"},
		{"hex gas price", `{"status":"1","result":[{"hash":"0x1","timeStamp":"1","value":"1","gas":"1","gasPrice":"0x10"}]}`, "gasPrice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(*http.Request) (*http.Response, error) {
				return jsonHTTPResponse(http.StatusOK, tt.body), nil
			})
			_, err := client.Fetch(context.Background(), testAddress)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrFeed)

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestFetch_InvalidAddress(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return jsonHTTPResponse(http.StatusOK, `{"status":"1","result":[]}`), nil
	})

	_, err := client.Fetch(context.Background(), "not-an-address")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "address", ve.Field)
	assert.Zero(t, calls.Load())
}

func TestFetch_BreakerOpensOnTransportFailures(t *testing.T) {
	var calls atomic.Int32
	var transitions []string
	client, err := NewClient(Config{
		BaseURL:                 "https://feed.local/api",
		BreakerFailureThreshold: 2,
		BreakerOpenTimeout:      time.Hour,
		OnBreakerStateChange: func(provider string, from, to circuitbreaker.State) {
			transitions = append(transitions, provider+":"+to.String())
		},
	}, testLogger())
	require.NoError(t, err)
	client.httpClient = &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return jsonHTTPResponse(http.StatusServiceUnavailable, ""), nil
	})}

	for i := 0; i < 2; i++ {
		_, err := client.Fetch(context.Background(), testAddress)
		require.Error(t, err)
	}

	_, err = client.Fetch(context.Background(), testAddress)
	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.ErrorIs(t, err, ErrFeed)
	assert.Equal(t, int32(2), calls.Load(), "open breaker short-circuits the request")
	assert.Equal(t, []string{"feed.local:open"}, transitions)
}

func TestFetch_ValidationErrorsDoNotTripBreaker(t *testing.T) {
	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return jsonHTTPResponse(http.StatusOK, `{"status":"1","result":{}}`), nil
	})

	for i := 0; i < 5; i++ {
		_, err := client.Fetch(context.Background(), testAddress)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
	}
	assert.Equal(t, circuitbreaker.StateClosed, client.breaker.State())
}

func TestRequestURL_PreservesExistingQuery(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "https://feed.local/v2/api?chainid=1", APIKey: "k"}, testLogger())
	require.NoError(t, err)

	u := client.requestURL("0xabc")
	assert.True(t, strings.HasPrefix(u, "https://feed.local/v2/api?chainid=1&"), u)
	assert.Contains(t, u, "action=txlist")
	assert.Equal(t, "feed.local", client.Provider())
}

func TestRequestStatus(t *testing.T) {
	assert.Equal(t, "ok", requestStatus(nil))
	assert.Equal(t, "provider_error", requestStatus(&ProviderError{Message: "x"}))
	assert.Equal(t, "validation_error", requestStatus(&ValidationError{Index: -1, Field: "body"}))
	assert.Equal(t, "server_error", requestStatus(&TransportError{StatusCode: 503}))
	assert.Equal(t, "circuit_open", requestStatus(&TransportError{Err: circuitbreaker.ErrCircuitOpen}))
	assert.Equal(t, "rate_limited", requestStatus(&TransportError{StatusCode: 429}))
	assert.Equal(t, "client_error", requestStatus(&TransportError{StatusCode: 404}))
	assert.Equal(t, "timeout", requestStatus(&TransportError{Err: context.DeadlineExceeded}))
}
