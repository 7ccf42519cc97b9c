package relay

import (
	"context"
	"errors"
	"net"
	"time"

	"smartguard/pkg/forwarder"
	"smartguard/pkg/storage"
	"smartguard/pkg/wire"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// handle drives one datagram through parse, persist and forward. Nothing
// but a forwarding failure keeps the requester from getting its reply.
func (e *Engine) handle(ctx context.Context, conn net.PacketConn, raw []byte, client net.Addr) {
	start := time.Now()
	clientIP := clientAddress(client)

	if e.metrics != nil {
		e.metrics.QueriesTotal.Add(ctx, 1)
		e.metrics.InFlight.Add(ctx, 1)
		defer e.metrics.InFlight.Add(ctx, -1)
	}

	event := &storage.DnsEvent{
		Timestamp: start,
		ClientIP:  clientIP,
		QueryType: wire.DefaultQueryType,
	}

	q, err := wire.ParseQuestion(raw)
	if err != nil {
		if e.metrics != nil {
			e.metrics.QueriesParseFailed.Add(ctx, 1)
		}
		e.logger.Debug("Unparseable query, relaying verbatim",
			"client", clientIP,
			"bytes", len(raw),
		)
		if !e.logUnparsed {
			event = nil
		}
	} else {
		event.Domain = q.Name
		event.QueryType = q.Type
		e.attachVerdict(event)
	}

	if event != nil {
		e.persist(ctx, event)
	}

	forwardStart := time.Now()
	resp, err := e.forwarder.Forward(ctx, raw)
	if e.metrics != nil {
		e.metrics.ForwardDuration.Record(ctx, float64(time.Since(forwardStart).Microseconds())/1000)
	}
	if err != nil {
		e.drop(ctx, dropReason(err))
		e.logger.Warn("Upstream exchange failed, no reply sent",
			"domain", q.Name,
			"client", clientIP,
			"error", err,
		)
		return
	}

	if _, err := conn.WriteTo(resp, client); err != nil {
		e.drop(ctx, "write")
		e.logger.Warn("Failed to send reply", "client", clientIP, "error", err)
		return
	}

	if e.metrics != nil {
		e.metrics.QueriesReplied.Add(ctx, 1)
	}
	e.logger.Debug("Query relayed",
		"domain", q.Name,
		"type", q.Type,
		"client", clientIP,
		"duration", time.Since(start),
	)
}

// attachVerdict sets the category only when it is already in memory; an
// unknown domain goes to the background queue instead.
func (e *Engine) attachVerdict(event *storage.DnsEvent) {
	if e.verdicts != nil {
		if v, ok := e.verdicts.Lookup(event.Domain); ok {
			event.Category = string(v.Category)
			return
		}
	}
	if e.queue != nil {
		e.queue.Submit(event.Domain)
	}
}

func (e *Engine) persist(ctx context.Context, event *storage.DnsEvent) {
	if e.storage == nil {
		return
	}
	if err := e.storage.RecordEvent(ctx, event); err != nil {
		e.logger.Error("Failed to record query event",
			"domain", event.Domain,
			"client", event.ClientIP,
			"error", err,
		)
	}
}

func (e *Engine) drop(ctx context.Context, reason string) {
	if e.metrics != nil {
		e.metrics.QueriesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, forwarder.ErrUpstreamTimeout):
		return "upstream_timeout"
	case errors.Is(err, forwarder.ErrUpstreamNetwork):
		return "upstream_network"
	default:
		return "upstream"
	}
}

// clientAddress returns the host part of addr, or the whole string when it
// has no port.
func clientAddress(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
