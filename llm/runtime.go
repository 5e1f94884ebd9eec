package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gitcommitshow/resilient-llm/internal/clock"
	"github.com/gitcommitshow/resilient-llm/internal/metrics"
	"github.com/gitcommitshow/resilient-llm/llm/circuitbreaker"
	"github.com/gitcommitshow/resilient-llm/llm/gate"
	"github.com/gitcommitshow/resilient-llm/llm/ratelimit"
	"github.com/gitcommitshow/resilient-llm/llm/retry"
	"github.com/gitcommitshow/resilient-llm/llm/tokenizer"
	"github.com/gitcommitshow/resilient-llm/types"
)

// retryCeiling caps any single backoff delay.
const retryCeiling = 60 * time.Second

// Config configures a Runtime. The zero value is usable but performs no
// retries; NewRuntime(nil, …) uses DefaultConfig.
type Config struct {
	// Registry supplies provider configs. Nil uses the process default.
	Registry *Registry

	// AIService is the default provider name (default "openai").
	AIService string

	// Model overrides providers' default models when set.
	Model string

	// RateLimit is the default limiter tuning. Nil uses
	// ratelimit.DefaultConfig.
	RateLimit *ratelimit.Config

	// CircuitBreaker is the default per-endpoint breaker tuning.
	CircuitBreaker *circuitbreaker.Config

	// Retries is the number of additional attempts after the first.
	Retries int

	// BackoffFactor multiplies the delay per attempt (default 2).
	BackoffFactor float64

	// InitialBackoff is the base retry delay (default 1s).
	InitialBackoff time.Duration

	// Timeout bounds each HTTP attempt (default 60s; 0 disables).
	Timeout time.Duration

	// MaxConcurrent bounds in-flight HTTP attempts (0 = unbounded).
	MaxConcurrent int

	// Metrics, when set, receives runtime metrics.
	Metrics *metrics.Collector
}

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() *Config {
	return &Config{
		AIService:      "openai",
		Retries:        3,
		BackoffFactor:  2.0,
		InitialBackoff: 1 * time.Second,
		Timeout:        60 * time.Second,
	}
}

// Runtime is the public entry point: it composes the provider registry,
// rate limiter, concurrency gate, circuit breakers, and retry executor
// around one HTTP call per attempt. A Runtime is safe for concurrent use.
type Runtime struct {
	cfg       Config
	registry  *Registry
	transport *Transport
	clock     clock.Clock
	logger    *zap.Logger
	collector *metrics.Collector
	tracer    trace.Tracer
	breakers  *circuitbreaker.Set

	limiterMu      sync.Mutex
	limiters       map[ratelimit.Config]*ratelimit.Limiter
	defaultLimiter *ratelimit.Limiter

	gateMu      sync.Mutex
	gates       map[int]*gate.Gate
	defaultGate *gate.Gate
}

// NewRuntime creates a runtime. A nil config uses DefaultConfig.
func NewRuntime(cfg *Config, logger *zap.Logger) *Runtime {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := *cfg
	if c.AIService == "" {
		c.AIService = "openai"
	}
	if c.Registry == nil {
		c.Registry = DefaultRegistry()
	}

	r := &Runtime{
		cfg:       c,
		registry:  c.Registry,
		transport: NewTransport(logger),
		clock:     clock.Real{},
		logger:    logger,
		collector: c.Metrics,
		tracer:    otel.Tracer("resilient-llm"),
		breakers:  circuitbreaker.NewSet(clock.Real{}, logger),
		limiters:  make(map[ratelimit.Config]*ratelimit.Limiter),
		gates:     make(map[int]*gate.Gate),
	}
	r.defaultLimiter = ratelimit.NewLimiter(c.RateLimit, logger)
	r.defaultGate = gate.New(c.MaxConcurrent)
	return r
}

// Registry returns the runtime's provider registry.
func (r *Runtime) Registry() *Registry { return r.registry }

// Chat sends the conversation to the resolved provider and returns the
// completion text. The admission order is fixed: breaker check, rate-limit
// wait, concurrency gate, then per-attempt breaker re-check and HTTP. Every
// wait honors ctx; rate-limiter capacity charged at admission is never
// refunded.
func (r *Runtime) Chat(ctx context.Context, history []types.Message, opts *ChatOptions) (string, error) {
	if opts == nil {
		opts = &ChatOptions{}
	}
	start := r.clock.Now()

	providerName, pcfg, model, err := r.resolveTarget(opts)
	if err != nil {
		return "", err
	}

	requestID := uuid.NewString()
	log := r.logger.With(
		zap.String("request_id", requestID),
		zap.String("provider", providerName),
		zap.String("model", model),
	)

	ctx, span := r.tracer.Start(ctx, "llm.chat",
		trace.WithAttributes(
			attribute.String("llm.provider", providerName),
			attribute.String("llm.model", model),
			attribute.String("llm.request_id", requestID),
		),
	)
	defer span.End()

	text, err := r.chat(ctx, log, providerName, pcfg, model, history, opts)

	outcome := "ok"
	if err != nil {
		outcome = string(types.GetKind(err))
		span.SetAttributes(attribute.String("llm.error_kind", outcome))
		log.Warn("chat failed", zap.Error(err))
	}
	r.collector.RecordChat(providerName, model, outcome, r.clock.Now().Sub(start))
	return text, err
}

// resolveTarget resolves the effective provider and model for a call.
func (r *Runtime) resolveTarget(opts *ChatOptions) (string, *ProviderConfig, string, error) {
	providerName := opts.AIService
	if providerName == "" {
		providerName = r.cfg.AIService
	}
	providerName = normalizeName(providerName)

	pcfg, err := r.registry.Get(providerName)
	if err != nil {
		return "", nil, "", err
	}
	if pcfg.ChatAPIURL == "" {
		return "", nil, "", types.NewError(types.KindConfig,
			fmt.Sprintf("provider %q has no chat API URL", providerName)).
			WithProvider(providerName, "")
	}

	model := opts.Model
	if model == "" {
		model = r.cfg.Model
	}
	if model == "" {
		model = pcfg.DefaultModel
	}
	if model == "" {
		return "", nil, "", types.NewError(types.KindConfig,
			fmt.Sprintf("no model for provider %q", providerName)).
			WithProvider(providerName, "")
	}
	return providerName, pcfg, model, nil
}

func (r *Runtime) chat(ctx context.Context, log *zap.Logger, providerName string, pcfg *ProviderConfig, model string, history []types.Message, opts *ChatOptions) (string, error) {
	if len(history) == 0 {
		return "", types.NewError(types.KindBadRequest, "history is empty").
			WithProvider(providerName, model)
	}

	body, err := buildRequestBody(pcfg, model, history, opts)
	if err != nil {
		return "", err
	}
	headers, err := r.registry.BuildAuthHeaders(providerName, opts.APIKey, nil)
	if err != nil {
		return "", withModel(err, model)
	}
	reqURL, err := r.registry.BuildAPIURL(providerName, pcfg.ChatAPIURL, opts.APIKey)
	if err != nil {
		return "", withModel(err, model)
	}

	estimated, err := tokenizer.GetOrEstimator(model).CountMessages(history)
	if err != nil {
		// The precise tokenizer failed to initialize; fall back to the
		// heuristic rather than refusing the call.
		estimated, _ = tokenizer.NewEstimator().CountMessages(history)
	}

	breaker := r.breakerFor(providerName, model, opts.CircuitBreaker)
	if err := breaker.Check(); err != nil {
		return "", types.NewError(types.KindCircuitOpen, "endpoint circuit is open").
			WithProvider(providerName, model)
	}

	admissionStart := r.clock.Now()
	if err := r.limiterFor(opts.RateLimit).Acquire(ctx, estimated); err != nil {
		if err == ratelimit.ErrTokensExceedCapacity {
			return "", types.NewError(types.KindBadRequest,
				fmt.Sprintf("estimated %d tokens can never fit the per-minute token budget", estimated)).
				WithProvider(providerName, model).
				WithCause(err)
		}
		return "", types.NewError(types.KindCancelled, "rate-limit wait ended").
			WithProvider(providerName, model).
			WithCause(err)
	}

	g := r.gateFor(opts.MaxConcurrent)
	if err := g.Acquire(ctx); err != nil {
		return "", types.NewError(types.KindCancelled, "concurrency-gate wait cancelled").
			WithProvider(providerName, model).
			WithCause(err)
	}
	defer g.Release()
	r.collector.RecordAdmission(providerName, estimated, r.clock.Now().Sub(admissionStart))

	executor := retry.New(&retry.Policy{
		MaxRetries:     r.retriesFor(opts),
		InitialBackoff: firstDuration(opts.InitialBackoff, r.cfg.InitialBackoff, time.Second),
		Multiplier:     firstFloat(opts.BackoffFactor, r.cfg.BackoffFactor, 2.0),
		MaxBackoff:     retryCeiling,
	}, r.clock, log)

	var text string
	err = executor.Do(ctx, func(attempt int) error {
		if attempt > 0 {
			r.collector.RecordRetry(providerName, model)
		}
		var attemptErr error
		text, attemptErr = r.attempt(ctx, attempt, breaker, reqURL, headers, body, pcfg, providerName, model, opts)
		return attemptErr
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// attempt performs one breaker-guarded HTTP attempt.
func (r *Runtime) attempt(ctx context.Context, attempt int, breaker *circuitbreaker.Breaker, reqURL string, headers map[string]string, body map[string]any, pcfg *ProviderConfig, providerName, model string, opts *ChatOptions) (string, error) {
	ctx, span := r.tracer.Start(ctx, "llm.attempt",
		trace.WithAttributes(attribute.Int("llm.attempt", attempt)),
	)
	defer span.End()

	if err := breaker.Allow(); err != nil {
		return "", types.NewError(types.KindCircuitOpen, "endpoint circuit is open").
			WithProvider(providerName, model).
			WithAttempt(attempt)
	}

	attemptCtx := ctx
	timeout := firstDuration(opts.Timeout, r.cfg.Timeout, 0)
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := r.transport.PostJSON(attemptCtx, reqURL, headers, body)
	if err != nil {
		cerr := classifyTransportError(ctx, providerName, model, err).WithAttempt(attempt)
		breaker.Record(breakerOutcome(cerr))
		return "", cerr
	}
	if res.Status >= 400 {
		herr := classifyHTTPStatus(providerName, model, res).WithAttempt(attempt)
		breaker.Record(breakerOutcome(herr))
		return "", herr
	}

	var doc any
	if err := json.Unmarshal(res.Body, &doc); err != nil {
		uerr := types.NewError(types.KindUpstream, "response body is not JSON").
			WithProvider(providerName, model).
			WithHTTPStatus(res.Status).
			WithAttempt(attempt).
			WithCause(err)
		breaker.Record(circuitbreaker.Failure)
		return "", uerr
	}

	text, err := resolvePathString(doc, pcfg.Chat.ResponseParsePath)
	if err != nil || text == "" {
		uerr := types.NewError(types.KindUpstream, "completion missing from response").
			WithProvider(providerName, model).
			WithHTTPStatus(res.Status).
			WithAttempt(attempt)
		if err != nil {
			uerr = uerr.WithCause(err)
		}
		breaker.Record(circuitbreaker.Failure)
		return "", uerr
	}

	breaker.Record(circuitbreaker.Success)
	return text, nil
}

// breakerOutcome maps an error to the breaker outcome: only endpoint-health
// failures count; everything else releases any probe slot without counting.
func breakerOutcome(err error) circuitbreaker.Outcome {
	if types.CountsTowardBreaker(err) {
		return circuitbreaker.Failure
	}
	return circuitbreaker.Neutral
}

// breakerFor returns the breaker for the endpoint, wiring breaker-state
// metrics into the config on first creation.
func (r *Runtime) breakerFor(providerName, model string, override *circuitbreaker.Config) *circuitbreaker.Breaker {
	cfg := override
	if cfg == nil {
		cfg = r.cfg.CircuitBreaker
	}
	endpoint := circuitbreaker.Key(providerName, model)

	if r.collector != nil {
		var c circuitbreaker.Config
		if cfg != nil {
			c = *cfg
		}
		inner := c.OnStateChange
		c.OnStateChange = func(from, to circuitbreaker.State) {
			r.collector.RecordBreakerState(endpoint, int(to), to.String())
			if inner != nil {
				inner(from, to)
			}
		}
		cfg = &c
	}
	return r.breakers.Get(endpoint, cfg)
}

// limiterFor returns the limiter for a call: the runtime default, or a
// shared per-config instance when the call overrides the tuning.
func (r *Runtime) limiterFor(override *ratelimit.Config) *ratelimit.Limiter {
	if override == nil {
		return r.defaultLimiter
	}
	r.limiterMu.Lock()
	defer r.limiterMu.Unlock()
	if l, ok := r.limiters[*override]; ok {
		return l
	}
	l := ratelimit.NewLimiter(override, r.logger)
	r.limiters[*override] = l
	return l
}

// gateFor returns the gate for a call: the runtime default, or a shared
// per-bound instance when the call overrides MaxConcurrent.
func (r *Runtime) gateFor(override *int) *gate.Gate {
	if override == nil {
		return r.defaultGate
	}
	r.gateMu.Lock()
	defer r.gateMu.Unlock()
	if g, ok := r.gates[*override]; ok {
		return g
	}
	g := gate.New(*override)
	r.gates[*override] = g
	return g
}

func (r *Runtime) retriesFor(opts *ChatOptions) int {
	if opts.Retries != nil {
		return *opts.Retries
	}
	return r.cfg.Retries
}

// withModel fills the model on a typed error that was built before the
// model was in scope.
func withModel(err error, model string) error {
	if e, ok := types.AsError(err); ok && e.Model == "" {
		e.Model = model
	}
	return err
}

func firstDuration(vals ...time.Duration) time.Duration {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstFloat(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
