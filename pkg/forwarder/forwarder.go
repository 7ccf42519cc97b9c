// Package forwarder relays raw DNS query datagrams to an upstream resolver.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"smartguard/pkg/config"
	"smartguard/pkg/logging"

	"github.com/miekg/dns"
)

// MaxResponseSize is the largest reply accepted from upstream. Anything past
// it is truncated by the socket read.
const MaxResponseSize = 512

// DefaultTimeout bounds a single upstream exchange when none is configured.
const DefaultTimeout = 5 * time.Second

var (
	// ErrUpstreamTimeout is returned when no reply arrived in time
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstreamNetwork is returned for dial, send and receive failures
	ErrUpstreamNetwork = errors.New("upstream network error")
)

// Forwarder sends opaque query datagrams to one upstream resolver. Every call
// uses its own ephemeral UDP socket and a single attempt.
type Forwarder struct {
	logger   *logging.Logger
	upstream string
	timeout  atomic.Int64
}

// New creates a forwarder for cfg.Address. The port defaults to 53.
func New(cfg *config.UpstreamConfig, logger *logging.Logger) *Forwarder {
	if logger == nil {
		logger = logging.NewDiscard()
	}

	f := &Forwarder{
		logger:   logger,
		upstream: config.NormalizeUpstream(cfg.Address),
	}
	f.SetTimeout(cfg.Timeout)

	logger.Info("Forwarder initialized",
		"upstream", f.upstream,
		"timeout", f.Timeout(),
	)

	return f
}

// Forward relays raw to the configured upstream with the current timeout.
func (f *Forwarder) Forward(ctx context.Context, raw []byte) ([]byte, error) {
	return f.ForwardTo(ctx, raw, f.upstream, f.Timeout())
}

// ForwardTo sends raw unmodified to upstream and returns the first reply
// datagram verbatim. The reply transaction ID is not checked.
func (f *Forwarder) ForwardTo(ctx context.Context, raw []byte, upstream string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := &dns.Client{Net: "udp", DialTimeout: timeout}
	conn, err := client.DialContext(ctx, upstream)
	if err != nil {
		return nil, f.classify(ctx, upstream, "dial", err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, f.classify(ctx, upstream, "set deadline", err)
	}

	// Unblock the read as soon as the caller gives up
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	start := time.Now()
	if _, err := conn.Write(raw); err != nil {
		return nil, f.classify(ctx, upstream, "send", err)
	}

	buf := make([]byte, MaxResponseSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, f.classify(ctx, upstream, "receive", err)
	}

	f.logger.Debug("Upstream exchange succeeded",
		"upstream", upstream,
		"bytes", n,
		"rtt", time.Since(start),
	)

	return buf[:n], nil
}

// classify maps a socket error onto ErrUpstreamTimeout or ErrUpstreamNetwork.
func (f *Forwarder) classify(ctx context.Context, upstream, op string, err error) error {
	var sentinel error
	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		sentinel = ErrUpstreamTimeout
	case ctx.Err() != nil:
		sentinel = ErrUpstreamNetwork
		err = ctx.Err()
	case errors.As(err, &netErr) && netErr.Timeout():
		sentinel = ErrUpstreamTimeout
	default:
		sentinel = ErrUpstreamNetwork
	}

	f.logger.Debug("Upstream exchange failed",
		"upstream", upstream,
		"op", op,
		"error", err,
	)
	return fmt.Errorf("%w: %s %s: %w", sentinel, op, upstream, err)
}

// SetTimeout changes the timeout used by Forward. Non-positive values reset
// it to DefaultTimeout.
func (f *Forwarder) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	f.timeout.Store(int64(timeout))
}

// Timeout returns the timeout used by Forward.
func (f *Forwarder) Timeout() time.Duration {
	return time.Duration(f.timeout.Load())
}

// Upstream returns the normalized upstream address.
func (f *Forwarder) Upstream() string {
	return f.upstream
}
