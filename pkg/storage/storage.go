package storage

import (
	"context"
	"time"
)

// Storage is the persistence collaborator of the relay and the classifier.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Events (append-only)
	RecordEvent(ctx context.Context, event *DnsEvent) error
	GetRecentEvents(ctx context.Context, limit, offset int) ([]*DnsEvent, error)
	GetEventsByClient(ctx context.Context, clientIP string, limit int) ([]*DnsEvent, error)

	// Verdicts (insert-or-replace keyed by domain)
	SaveVerdict(ctx context.Context, verdict *VerdictRecord) error
	GetVerdict(ctx context.Context, domain string) (*VerdictRecord, error)
	ListVerdicts(ctx context.Context, limit, offset int) ([]*VerdictRecord, error)

	// Lifecycle events
	RecordSystemEvent(ctx context.Context, eventType, message string) error
	GetSystemEvents(ctx context.Context, limit int) ([]*SystemEvent, error)

	// Dashboards
	GetTopDomains(ctx context.Context, limit int) ([]*DomainStats, error)
	GetDevices(ctx context.Context) ([]*Device, error)
	GetStatistics(ctx context.Context, since time.Time) (*Statistics, error)

	// Maintenance
	Cleanup(ctx context.Context, olderThan time.Time) error
	Close() error
	Ping(ctx context.Context) error
}

// MetricsRecorder receives storage metrics. It keeps this package free of a
// telemetry import.
type MetricsRecorder interface {
	AddDroppedEvent(ctx context.Context, count int64)
}

// DnsEvent is one observed query. Domain is empty when the question name
// could not be decoded. Category is set only when a verdict was already
// cached at receive time.
type DnsEvent struct {
	Timestamp time.Time `json:"timestamp"`
	ClientIP  string    `json:"client_ip"`
	Domain    string    `json:"domain"`
	QueryType string    `json:"query_type"`
	Category  string    `json:"category,omitempty"`
	ID        int64     `json:"id"`
}

// VerdictRecord is the persisted form of a classification verdict. RiskLevel
// and Color are stored for readers of the raw table; they are derived from
// Category by the writer.
type VerdictRecord struct {
	ComputedAt time.Time `json:"computed_at"`
	Domain     string    `json:"domain"`
	Category   string    `json:"category"`
	RiskLevel  string    `json:"risk_level"`
	Color      string    `json:"color"`
	Confidence float64   `json:"confidence"`
}

// SystemEvent is a relay lifecycle record.
type SystemEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message"`
	ID        int64     `json:"id"`
}

// Well-known system event types
const (
	SystemEventStart = "relay_start"
	SystemEventStop  = "relay_stop"
)

// Device is a client address seen on the network.
type Device struct {
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	IPAddress  string    `json:"ip_address"`
	QueryCount int64     `json:"query_count"`
}

// DomainStats represents statistics for a specific domain
type DomainStats struct {
	LastQueried  time.Time `json:"last_queried"`
	FirstQueried time.Time `json:"first_queried"`
	Domain       string    `json:"domain"`
	Category     string    `json:"category,omitempty"`
	QueryCount   int64     `json:"query_count"`
}

// Unclassified buckets events whose domain has no stored verdict.
const Unclassified = "unclassified"

// Statistics represents aggregated event statistics
type Statistics struct {
	Since         time.Time        `json:"since"`
	Until         time.Time        `json:"until"`
	ByCategory    map[string]int64 `json:"by_category"`
	TotalQueries  int64            `json:"total_queries"`
	UniqueDomains int64            `json:"unique_domains"`
	UniqueClients int64            `json:"unique_clients"`
	ParseFailures int64            `json:"parse_failures"`
}
