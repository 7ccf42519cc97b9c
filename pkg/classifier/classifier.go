// Package classifier assigns content categories to domains. A verdict comes
// from the in-memory tier if live, else the override list, else a live
// persisted verdict, else the external classification service. Any service
// failure degrades to a low-confidence fallback verdict.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"smartguard/pkg/cache"
	"smartguard/pkg/config"
	"smartguard/pkg/logging"
	"smartguard/pkg/pattern"
	"smartguard/pkg/storage"
	"smartguard/pkg/telemetry"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// DefaultTTL is how long a verdict is reused before recomputation.
const DefaultTTL = 7 * 24 * time.Hour

// Store persists verdicts. storage.Storage satisfies it.
type Store interface {
	GetVerdict(ctx context.Context, domain string) (*storage.VerdictRecord, error)
	SaveVerdict(ctx context.Context, verdict *storage.VerdictRecord) error
}

// Classifier resolves domains to verdicts. It never returns an error to its
// callers. Concurrent misses for one domain may each call the service.
type Classifier struct {
	service   Service
	store     Store
	overrides *pattern.Matcher
	memory    *cache.Cache[*Verdict]
	limiter   *rate.Limiter
	logger    *logging.Logger
	counters  counters
	now       func() time.Time
	timeout   time.Duration
	ttl       atomic.Int64
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithClock overrides the time source used for computedAt and expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// New builds a classifier. service and store may be nil: a nil service makes
// every miss fall back, a nil store keeps verdicts in memory only.
func New(cfg *config.ClassificationConfig, service Service, store Store, logger *logging.Logger, metrics *telemetry.Metrics, opts ...Option) (*Classifier, error) {
	if cfg == nil {
		return nil, errors.New("classification config cannot be nil")
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}

	overrides, err := pattern.NewMatcher(cfg.Overrides)
	if err != nil {
		return nil, fmt.Errorf("invalid override list: %w", err)
	}
	for category := range cfg.Overrides {
		if !Category(category).Valid() {
			return nil, fmt.Errorf("invalid override list: unknown category %q", category)
		}
	}

	c := &Classifier{
		service:   service,
		store:     store,
		overrides: overrides,
		logger:    logger,
		counters:  newCounters(metrics),
		now:       time.Now,
		timeout:   cfg.Timeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.SetTTL(cfg.CacheTTL)

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(limit, burst)

	entries := cfg.MemoryEntries
	if entries <= 0 {
		entries = 10000
	}
	c.memory, err = cache.New[*Verdict](entries, logger, cache.WithClock(c.now))
	if err != nil {
		return nil, err
	}

	logger.Info("Classifier initialized",
		"ttl", c.TTL(),
		"overrides", overrides.Len(),
		"memory_entries", entries,
		"rate_limit", cfg.RateLimit,
	)

	return c, nil
}

// Classify returns the verdict for domain, computing it on a miss.
func (c *Classifier) Classify(ctx context.Context, domain string) *Verdict {
	domain = pattern.Normalize(domain)
	now := c.now()
	ttl := c.TTL()

	if domain == "" {
		return &Verdict{Category: Fallback, Confidence: ConfidenceFallback, ComputedAt: now, Source: SourceFallback}
	}

	if v, ok := c.lookup(domain, now, ttl); ok {
		inc(ctx, c.counters.hits)
		return v
	}
	inc(ctx, c.counters.misses)

	// The override list must beat anything persisted under an older list
	if label, ok := c.overrides.Match(domain); ok {
		inc(ctx, c.counters.overrides)
		v := &Verdict{
			Domain:     domain,
			Category:   Category(label),
			Confidence: ConfidenceHighSignal,
			ComputedAt: now,
			Source:     SourceOverride,
		}
		c.remember(ctx, v, ttl)
		return copyOf(v)
	}

	if v, ok := c.loadStored(ctx, domain, now, ttl); ok {
		return v
	}

	v, err := c.ask(ctx, domain)
	if err != nil {
		inc(ctx, c.counters.fallbacks)
		c.logger.Warn("Classification failed, using fallback",
			"domain", domain,
			"error", err,
		)
		v = &Verdict{
			Domain:     domain,
			Category:   Fallback,
			Confidence: ConfidenceFallback,
			Source:     SourceFallback,
		}
	}
	v.ComputedAt = c.now()

	// A caller that gave up is not a service failure; keep it out of the cache
	if ctx.Err() != nil {
		return v
	}

	c.remember(ctx, v, ttl)
	c.logger.Debug("Domain classified",
		"domain", domain,
		"category", v.Category,
		"confidence", v.Confidence,
		"source", v.Source,
	)
	return copyOf(v)
}

// Lookup returns a live verdict from memory without touching the store or
// the service. It is cheap enough for the relay hot path.
func (c *Classifier) Lookup(domain string) (*Verdict, bool) {
	domain = pattern.Normalize(domain)
	if domain == "" {
		return nil, false
	}
	return c.lookup(domain, c.now(), c.TTL())
}

func (c *Classifier) lookup(domain string, now time.Time, ttl time.Duration) (*Verdict, bool) {
	v, ok := c.memory.Get(domain)
	if !ok {
		return nil, false
	}
	if !v.Fresh(now, ttl) {
		c.memory.Delete(domain)
		return nil, false
	}
	return copyOf(v), true
}

func (c *Classifier) loadStored(ctx context.Context, domain string, now time.Time, ttl time.Duration) (*Verdict, bool) {
	if c.store == nil {
		return nil, false
	}

	rec, err := c.store.GetVerdict(ctx, domain)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("Failed to read stored verdict", "domain", domain, "error", err)
		}
		return nil, false
	}

	v := fromRecord(rec)
	if !v.Fresh(now, ttl) {
		return nil, false
	}

	c.memory.SetExpiring(domain, v, v.ComputedAt.Add(ttl))
	return copyOf(v), true
}

// ask performs one rate-limited, time-bounded service call.
func (c *Classifier) ask(ctx context.Context, domain string) (*Verdict, error) {
	if c.service == nil {
		return nil, errors.New("no classification service configured")
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limited: %w", err)
	}

	inc(ctx, c.counters.calls)
	text, err := c.service.Generate(ctx, Prompt(domain))
	if err != nil {
		return nil, err
	}

	category, matched := Extract(text)
	if !matched {
		c.logger.Debug("No category in service reply", "domain", domain, "reply", text)
	}

	return &Verdict{
		Domain:     domain,
		Category:   category,
		Confidence: ConfidenceFor(category),
		Source:     SourceService,
	}, nil
}

// remember stores v in memory and, best effort, in the persistent store.
func (c *Classifier) remember(ctx context.Context, v *Verdict, ttl time.Duration) {
	c.memory.SetExpiring(v.Domain, v, v.ComputedAt.Add(ttl))

	if c.store == nil {
		return
	}
	// Persist even if the caller's context is already done
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.store.SaveVerdict(saveCtx, v.record()); err != nil {
		c.logger.Warn("Failed to persist verdict", "domain", v.Domain, "error", err)
	}
}

// Prompt builds the fixed instruction sent to the service.
func Prompt(domain string) string {
	names := make([]string, len(Categories))
	for i, c := range Categories {
		names[i] = string(c)
	}
	return fmt.Sprintf(
		"Classify the domain %s into one of the following categories: %s. Only respond with the category name.",
		domain, strings.Join(names, ", "),
	)
}

// SetTTL changes the verdict lifetime. Non-positive values restore DefaultTTL.
func (c *Classifier) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.ttl.Store(int64(ttl))
}

// TTL returns the verdict lifetime.
func (c *Classifier) TTL() time.Duration {
	return time.Duration(c.ttl.Load())
}

// Stats returns statistics for the in-memory tier.
func (c *Classifier) Stats() cache.Stats {
	return c.memory.Stats()
}

// Close stops the in-memory tier.
func (c *Classifier) Close() error {
	return c.memory.Close()
}

func copyOf(v *Verdict) *Verdict {
	out := *v
	return &out
}

type counters struct {
	hits      metric.Int64Counter
	misses    metric.Int64Counter
	overrides metric.Int64Counter
	calls     metric.Int64Counter
	fallbacks metric.Int64Counter
}

func newCounters(m *telemetry.Metrics) counters {
	if m == nil {
		return counters{}
	}
	return counters{
		hits:      m.ClassifierCacheHits,
		misses:    m.ClassifierCacheMisses,
		overrides: m.ClassifierOverrides,
		calls:     m.ClassifierCalls,
		fallbacks: m.ClassifierFallbacks,
	}
}

func inc(ctx context.Context, counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(ctx, 1)
	}
}
