package ai

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/collabd/internal/config"
	"github.com/fyrsmithlabs/collabd/internal/logging"
	"github.com/fyrsmithlabs/collabd/internal/metrics"
	"github.com/fyrsmithlabs/collabd/internal/secrets"
)

// Bridge generates text through the configured provider. The provider
// client is created on first use.
type Bridge struct {
	cfg     config.AIConfig
	factory func(context.Context, config.AIConfig) (Generator, error)

	mu  sync.Mutex
	gen Generator

	policy   Policy
	limiter  *rate.Limiter
	scrubber *secrets.Scrubber
	tracer   trace.Tracer
	metrics  *metrics.Metrics
	logger   *logging.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithGenerator uses g instead of building a provider client from config.
func WithGenerator(g Generator) Option {
	return func(b *Bridge) {
		b.factory = func(context.Context, config.AIConfig) (Generator, error) { return g, nil }
	}
}

// WithSleep replaces the backoff wait. Tests use it to avoid real delays.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(b *Bridge) { b.policy.Sleep = sleep }
}

// WithScrubber redacts secrets from prompts before they leave the process.
func WithScrubber(s *secrets.Scrubber) Option {
	return func(b *Bridge) { b.scrubber = s }
}

// WithTracer records a span per generation. Nil keeps the no-op tracer.
func WithTracer(t trace.Tracer) Option {
	return func(b *Bridge) {
		if t != nil {
			b.tracer = t
		}
	}
}

// WithMetrics counts requests and observes latency. Nil disables metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithLogger sets the logger. Nil keeps the no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l.Named("ai")
		}
	}
}

// NewBridge returns a Bridge for cfg. A missing API key is not an error
// here; it is reported by the first Generate call.
func NewBridge(cfg config.AIConfig, opts ...Option) *Bridge {
	b := &Bridge{
		cfg:     cfg,
		factory: NewGenerator,
		policy:  DefaultPolicy(),
		tracer:  noop.NewTracerProvider().Tracer("collabd/ai"),
		logger:  logging.NewNop(),
	}
	if cfg.MaxAttempts > 0 {
		b.policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		b.policy.BaseDelay = cfg.BaseDelay
	}
	b.policy.Retryable = IsTransient
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) generator(ctx context.Context) (Generator, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gen != nil {
		return b.gen, nil
	}
	g, err := b.factory(ctx, b.cfg)
	if err != nil {
		return nil, err
	}
	b.gen = g
	return g, nil
}

// Generate returns the provider's text for prompt.
//
// Transient overload is retried per the configured policy. Every failure is
// returned as an *Error whose message can be shown to the requester.
func (b *Bridge) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, span := b.tracer.Start(ctx, "ai.generate", trace.WithAttributes(
		attribute.String("ai.provider", b.cfg.Provider),
		attribute.String("ai.model", b.cfg.Model),
		attribute.Int("ai.prompt_length", len(prompt)),
	))
	defer span.End()

	start := time.Now()
	text, attempts, err := b.generate(ctx, prompt)
	span.SetAttributes(attribute.Int("ai.attempts", attempts))

	if err != nil {
		aiErr := classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(aiErr.Kind))
		b.metrics.AIRequestDone(string(aiErr.Kind), time.Since(start))
		b.logger.Warn(ctx, "ai generation failed",
			zap.String("kind", string(aiErr.Kind)),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return "", aiErr
	}

	b.metrics.AIRequestDone("success", time.Since(start))
	b.logger.Debug(ctx, "ai generation succeeded",
		zap.Int("attempts", attempts),
		zap.Int("reply_length", len(text)),
		zap.Duration("elapsed", time.Since(start)))
	return text, nil
}

func (b *Bridge) generate(ctx context.Context, prompt string) (string, int, error) {
	gen, err := b.generator(ctx)
	if err != nil {
		return "", 0, err
	}

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			b.metrics.RateLimitHit("ai")
			return "", 0, err
		}
	}

	if b.scrubber.IsEnabled() {
		res := b.scrubber.Scrub(prompt)
		if res.HasFindings() {
			b.metrics.PromptScrubbed(res.ByRule)
			b.logger.Info(ctx, "redacted secrets from prompt", zap.Int("findings", res.Findings))
		}
		prompt = res.Scrubbed
	}

	attempts := 0
	policy := b.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		b.metrics.AIRetried()
		b.logger.Warn(ctx, "ai provider overloaded, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	text, err := WithRetry(ctx, func(ctx context.Context) (string, error) {
		attempts++
		if b.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
			defer cancel()
		}
		return gen.Generate(ctx, prompt)
	}, policy)
	return text, attempts, err
}
