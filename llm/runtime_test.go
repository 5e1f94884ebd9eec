package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gitcommitshow/resilient-llm/llm/circuitbreaker"
	"github.com/gitcommitshow/resilient-llm/llm/ratelimit"
	"github.com/gitcommitshow/resilient-llm/types"
)

// newTestRuntime builds a runtime over an isolated registry with fast
// backoff so retry tests finish quickly.
func newTestRuntime(t *testing.T, mutate func(*Config)) *Runtime {
	t.Helper()
	cfg := &Config{
		Registry:       newTestRegistry(t),
		AIService:      "openai",
		Retries:        3,
		BackoffFactor:  2.0,
		InitialBackoff: 2 * time.Millisecond,
		Timeout:        5 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}
	return NewRuntime(cfg, zap.NewNop())
}

func openaiOK(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
		})
	}
}

func userHistory(content string) []types.Message {
	return []types.Message{types.NewUserMessage(content)}
}

func TestChatHappyPathOpenAI(t *testing.T) {
	var mu sync.Mutex
	var hits atomic.Int32
	var gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		mu.Lock()
		gotAuth = req.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(req.Body).Decode(&gotBody))
		mu.Unlock()
		openaiOK("hello")(w, req)
	}))
	defer srv.Close()

	rt := newTestRuntime(t, nil)
	_, err := rt.Registry().Configure("openai", Partial{
		ChatAPIURL: strptr(srv.URL),
		APIKey:     strptr("sk-test"),
	})
	require.NoError(t, err)

	reply, err := rt.Chat(context.Background(), userHistory("hi"), &ChatOptions{
		AIService: "openai",
		Model:     "gpt-4o-mini",
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "hello", reply)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotBody["model"])

	b := rt.breakers.Get(circuitbreaker.Key("openai", "gpt-4o-mini"), nil)
	assert.Equal(t, circuitbreaker.StateClosed, b.State())
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

func TestChatRetriesOn503(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		openaiOK("ok")(w, req)
	}))
	defer srv.Close()

	rt := newTestRuntime(t, nil)
	_, err := rt.Registry().Configure("openai", Partial{
		ChatAPIURL: strptr(srv.URL),
		APIKey:     strptr("sk-test"),
	})
	require.NoError(t, err)

	reply, err := rt.Chat(context.Background(), userHistory("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Equal(t, int32(3), hits.Load())
}

func TestChatBreakerOpensAndBlocksTraffic(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rt := newTestRuntime(t, func(c *Config) {
		c.Retries = 10
		c.CircuitBreaker = &circuitbreaker.Config{
			FailureThreshold: 5,
			CooldownPeriod:   time.Hour,
		}
	})
	_, err := rt.Registry().Configure("openai", Partial{
		ChatAPIURL: strptr(srv.URL),
		APIKey:     strptr("sk-test"),
	})
	require.NoError(t, err)

	_, err = rt.Chat(context.Background(), userHistory("hi"), nil)
	require.Error(t, err)
	// The breaker opens after five transient failures and aborts the
	// remaining retry budget.
	assert.Equal(t, types.KindCircuitOpen, types.GetKind(err))
	assert.Equal(t, int32(5), hits.Load())

	// Subsequent calls are rejected with zero HTTP traffic.
	_, err = rt.Chat(context.Background(), userHistory("again"), nil)
	require.Error(t, err)
	assert.Equal(t, types.KindCircuitOpen, types.GetKind(err))
	assert.Equal(t, int32(5), hits.Load())
}

func TestChatBreakerRecovery(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		openaiOK("recovered")(w, req)
	}))
	defer srv.Close()

	rt := newTestRuntime(t, func(c *Config) {
		c.Retries = 0
		c.CircuitBreaker = &circuitbreaker.Config{
			FailureThreshold: 2,
			CooldownPeriod:   50 * time.Millisecond,
		}
	})
	_, err := rt.Registry().Configure("openai", Partial{
		ChatAPIURL: strptr(srv.URL),
		APIKey:     strptr("sk-test"),
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := rt.Chat(context.Background(), userHistory("hi"), nil)
		require.Error(t, err)
	}
	require.Equal(t, int32(2), hits.Load())

	// Open: rejected without traffic.
	_, err = rt.Chat(context.Background(), userHistory("hi"), nil)
	require.Error(t, err)
	assert.Equal(t, types.KindCircuitOpen, types.GetKind(err))
	require.Equal(t, int32(2), hits.Load())

	// After the cooldown the probe goes through and closes the circuit.
	fail.Store(false)
	time.Sleep(60 * time.Millisecond)
	reply, err := rt.Chat(context.Background(), userHistory("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply)

	b := rt.breakers.Get(circuitbreaker.Key("openai", "gpt-4o-mini"), nil)
	assert.Equal(t, circuitbreaker.StateClosed, b.State())
}

func TestChatAnthropicDialect(t *testing.T) {
	var mu sync.Mutex
	var gotBody map[string]any
	var gotVersion, gotKey string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		gotVersion = req.Header.Get("anthropic-version")
		gotKey = req.Header.Get("x-api-key")
		require.NoError(t, json.NewDecoder(req.Body).Decode(&gotBody))
		mu.Unlock()
		w.Write([]byte(`{"content":[{"type":"text","text":"bonjour"}]}`))
	}))
	defer srv.Close()

	rt := newTestRuntime(t, nil)
	_, err := rt.Registry().Configure("anthropic", Partial{
		ChatAPIURL: strptr(srv.URL),
		APIKey:     strptr("ant-key"),
	})
	require.NoError(t, err)

	reply, err := rt.Chat(context.Background(), []types.Message{
		types.NewSystemMessage("S"),
		types.NewUserMessage("U"),
	}, &ChatOptions{AIService: "anthropic"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "bonjour", reply)
	assert.Equal(t, "2023-06-01", gotVersion)
	assert.Equal(t, "ant-key", gotKey)
	assert.Equal(t, "S", gotBody["system"])
	messages := gotBody["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].(map[string]any)["role"])
	assert.Equal(t, "U", messages[0].(map[string]any)["content"])
}

func TestChatGoogleQueryAuth(t *testing.T) {
	var mu sync.Mutex
	var gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		gotQuery = req.URL.Query().Get("key")
		gotAuth = req.Header.Get("Authorization")
		mu.Unlock()
		openaiOK("hi from gemini")(w, req)
	}))
	defer srv.Close()

	rt := newTestRuntime(t, nil)
	_, err := rt.Registry().Configure("google", Partial{
		ChatAPIURL: strptr(srv.URL),
		APIKey:     strptr("g-key"),
	})
	require.NoError(t, err)

	reply, err := rt.Chat(context.Background(), userHistory("hi"), &ChatOptions{AIService: "google"})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "hi from gemini", reply)
	assert.Equal(t, "g-key", gotQuery)
	assert.Empty(t, gotAuth)
}

func TestChatOllamaDialect(t *testing.T) {
	var mu sync.Mutex
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		require.NoError(t, json.NewDecoder(req.Body).Decode(&gotBody))
		mu.Unlock()
		w.Write([]byte(`{"model":"llama3","response":"pong","done":true}`))
	}))
	defer srv.Close()

	rt := newTestRuntime(t, nil)
	_, err := rt.Registry().Configure("ollama", Partial{ChatAPIURL: strptr(srv.URL)})
	require.NoError(t, err)

	reply, err := rt.Chat(context.Background(), userHistory("ping"), &ChatOptions{
		AIService: "ollama",
		Model:     "llama3",
	})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "pong", reply)
	assert.Equal(t, "user: ping", gotBody["prompt"])
	assert.Equal(t, false, gotBody["stream"])
}

func TestChatEmptyHistory(t *testing.T) {
	rt := newTestRuntime(t, nil)
	_, err := rt.Registry().Configure("openai", Partial{APIKey: strptr("sk")})
	require.NoError(t, err)

	_, err = rt.Chat(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, types.KindBadRequest, types.GetKind(err))
}

func TestChatUnknownProvider(t *testing.T) {
	rt := newTestRuntime(t, nil)
	_, err := rt.Chat(context.Background(), userHistory("hi"), &ChatOptions{AIService: "nope"})
	require.Error(t, err)
	assert.Equal(t, types.KindConfig, types.GetKind(err))
}

func TestChatMissingChatURL(t *testing.T) {
	rt := newTestRuntime(t, nil)
	_, err := rt.Registry().Configure("bare", Partial{DefaultModel: strptr("m")})
	require.NoError(t, err)

	_, err = rt.Chat(context.Background(), userHistory("hi"), &ChatOptions{AIService: "bare"})
	require.Error(t, err)
	assert.Equal(t, types.KindConfig, types.GetKind(err))
}

func TestChatMissingAPIKeyFailsFast(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	rt := newTestRuntime(t, nil)
	_, err := rt.Registry().Configure("openai", Partial{ChatAPIURL: strptr(srv.URL)})
	require.NoError(t, err)

	_, err = rt.Chat(context.Background(), userHistory("hi"), nil)
	require.Error(t, err)
	assert.Equal(t, types.KindAuth, types.GetKind(err))
	assert.Equal(t, int32(0), hits.Load())
}

func TestChatAuthErrorNotRetriedNotCounted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	rt := newTestRuntime(t, nil)
	_, err := rt.Registry().Configure("openai", Partial{
		ChatAPIURL: strptr(srv.URL),
		APIKey:     strptr("sk-bad"),
	})
	require.NoError(t, err)

	_, err = rt.Chat(context.Background(), userHistory("hi"), nil)
	require.Error(t, err)
	assert.Equal(t, types.KindAuth, types.GetKind(err))
	assert.Equal(t, int32(1), hits.Load())

	b := rt.breakers.Get(circuitbreaker.Key("openai", "gpt-4o-mini"), nil)
	assert.Equal(t, circuitbreaker.StateClosed, b.State())
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

func TestChatZeroRetriesSingleAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rt := newTestRuntime(t, nil)
	_, err := rt.Registry().Configure("openai", Partial{
		ChatAPIURL: strptr(srv.URL),
		APIKey:     strptr("sk"),
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = rt.Chat(context.Background(), userHistory("hi"), &ChatOptions{Retries: intptr(0)})
	require.Error(t, err)
	assert.Equal(t, types.KindTransient, types.GetKind(err))
	assert.Equal(t, int32(1), hits.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestChatRateLimitedThenRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		openaiOK("after 429")(w, req)
	}))
	defer srv.Close()

	rt := newTestRuntime(t, nil)
	_, err := rt.Registry().Configure("openai", Partial{
		ChatAPIURL: strptr(srv.URL),
		APIKey:     strptr("sk"),
	})
	require.NoError(t, err)

	reply, err := rt.Chat(context.Background(), userHistory("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, "after 429", reply)
	assert.Equal(t, int32(2), hits.Load())

	// 429s never count toward the breaker.
	b := rt.breakers.Get(circuitbreaker.Key("openai", "gpt-4o-mini"), nil)
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

func TestChatEmptyCompletionIsUpstream(t *testing.T) {
	srv := httptest.NewServer(openaiOK(""))
	defer srv.Close()

	rt := newTestRuntime(t, nil)
	_, err := rt.Registry().Configure("openai", Partial{
		ChatAPIURL: strptr(srv.URL),
		APIKey:     strptr("sk"),
	})
	require.NoError(t, err)

	_, err = rt.Chat(context.Background(), userHistory("hi"), &ChatOptions{Retries: intptr(0)})
	require.Error(t, err)
	assert.Equal(t, types.KindUpstream, types.GetKind(err))
}

func TestChatImpossibleTokenBudget(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	rt := newTestRuntime(t, nil)
	_, err := rt.Registry().Configure("openai", Partial{
		ChatAPIURL: strptr(srv.URL),
		APIKey:     strptr("sk"),
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = rt.Chat(context.Background(), userHistory("a very long prompt indeed"), &ChatOptions{
		RateLimit: &ratelimit.Config{RequestsPerMinute: 60, TokensPerMinute: 1},
	})
	require.Error(t, err)
	assert.Equal(t, types.KindBadRequest, types.GetKind(err))
	assert.Equal(t, int32(0), hits.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestChatCancelledWaitingForRateLimit(t *testing.T) {
	srv := httptest.NewServer(openaiOK("ok"))
	defer srv.Close()

	rt := newTestRuntime(t, func(c *Config) {
		c.RateLimit = &ratelimit.Config{RequestsPerMinute: 1, TokensPerMinute: 100000}
	})
	_, err := rt.Registry().Configure("openai", Partial{
		ChatAPIURL: strptr(srv.URL),
		APIKey:     strptr("sk"),
	})
	require.NoError(t, err)

	// First call consumes the only request slot.
	_, err = rt.Chat(context.Background(), userHistory("hi"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = rt.Chat(ctx, userHistory("hi"), nil)
	require.Error(t, err)
	assert.Equal(t, types.KindCancelled, types.GetKind(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestChatMaxConcurrentSerializes(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		openaiOK("ok")(w, req)
	}))
	defer srv.Close()

	rt := newTestRuntime(t, nil)
	_, err := rt.Registry().Configure("openai", Partial{
		ChatAPIURL: strptr(srv.URL),
		APIKey:     strptr("sk"),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rt.Chat(context.Background(), userHistory("hi"), &ChatOptions{MaxConcurrent: intptr(1)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestChatBreakerIsPerEndpoint(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		var body map[string]any
		json.NewDecoder(req.Body).Decode(&body)
		if body["model"] == "bad-model" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		openaiOK("fine")(w, req)
	}))
	defer srv.Close()

	rt := newTestRuntime(t, func(c *Config) {
		c.Retries = 0
		c.CircuitBreaker = &circuitbreaker.Config{FailureThreshold: 2, CooldownPeriod: time.Hour}
	})
	_, err := rt.Registry().Configure("openai", Partial{
		ChatAPIURL: strptr(srv.URL),
		APIKey:     strptr("sk"),
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := rt.Chat(context.Background(), userHistory("hi"), &ChatOptions{Model: "bad-model"})
		require.Error(t, err)
	}
	_, err = rt.Chat(context.Background(), userHistory("hi"), &ChatOptions{Model: "bad-model"})
	require.Error(t, err)
	assert.Equal(t, types.KindCircuitOpen, types.GetKind(err))

	// A different model on the same provider is a different endpoint.
	reply, err := rt.Chat(context.Background(), userHistory("hi"), &ChatOptions{Model: "good-model"})
	require.NoError(t, err)
	assert.Equal(t, "fine", reply)
}

func TestChatErrorCarriesContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"message":"no such model"}}`))
	}))
	defer srv.Close()

	rt := newTestRuntime(t, nil)
	_, err := rt.Registry().Configure("openai", Partial{
		ChatAPIURL: strptr(srv.URL),
		APIKey:     strptr("sk"),
	})
	require.NoError(t, err)

	_, err = rt.Chat(context.Background(), userHistory("hi"), &ChatOptions{Model: "ghost"})
	require.Error(t, err)

	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.KindBadRequest, e.Kind)
	assert.Equal(t, "openai", e.Provider)
	assert.Equal(t, "ghost", e.Model)
	assert.Equal(t, http.StatusNotFound, e.HTTPStatus)
	assert.Contains(t, err.Error(), "BAD_REQUEST")
	assert.Contains(t, err.Error(), "openai")
	assert.Contains(t, err.Error(), "404")
}
