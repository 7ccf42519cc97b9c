package storage

import (
	"context"
	"time"

	"smartguard/pkg/config"
)

// New creates the storage backend for cfg. A disabled config yields a no-op
// backend so callers never need a nil check.
func New(cfg *config.StorageConfig, metrics MetricsRecorder) (Storage, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if !cfg.Enabled {
		return NewNoOpStorage(), nil
	}
	s, err := NewSQLiteStorage(cfg, metrics)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NoOpStorage is a no-op storage that does nothing
// Used when storage is disabled
type NoOpStorage struct{}

// NewNoOpStorage creates a new no-op storage
func NewNoOpStorage() *NoOpStorage {
	return &NoOpStorage{}
}

func (n *NoOpStorage) RecordEvent(ctx context.Context, event *DnsEvent) error { return nil }

func (n *NoOpStorage) GetRecentEvents(ctx context.Context, limit, offset int) ([]*DnsEvent, error) {
	return []*DnsEvent{}, nil
}

func (n *NoOpStorage) GetEventsByClient(ctx context.Context, clientIP string, limit int) ([]*DnsEvent, error) {
	return []*DnsEvent{}, nil
}

func (n *NoOpStorage) SaveVerdict(ctx context.Context, verdict *VerdictRecord) error { return nil }

// GetVerdict always reports ErrNotFound
func (n *NoOpStorage) GetVerdict(ctx context.Context, domain string) (*VerdictRecord, error) {
	return nil, ErrNotFound
}

func (n *NoOpStorage) ListVerdicts(ctx context.Context, limit, offset int) ([]*VerdictRecord, error) {
	return []*VerdictRecord{}, nil
}

func (n *NoOpStorage) RecordSystemEvent(ctx context.Context, eventType, message string) error {
	return nil
}

func (n *NoOpStorage) GetSystemEvents(ctx context.Context, limit int) ([]*SystemEvent, error) {
	return []*SystemEvent{}, nil
}

func (n *NoOpStorage) GetTopDomains(ctx context.Context, limit int) ([]*DomainStats, error) {
	return []*DomainStats{}, nil
}

func (n *NoOpStorage) GetDevices(ctx context.Context) ([]*Device, error) {
	return []*Device{}, nil
}

// GetStatistics returns empty statistics
func (n *NoOpStorage) GetStatistics(ctx context.Context, since time.Time) (*Statistics, error) {
	return &Statistics{
		Since:      since,
		Until:      time.Now(),
		ByCategory: map[string]int64{},
	}, nil
}

func (n *NoOpStorage) Cleanup(ctx context.Context, olderThan time.Time) error { return nil }

func (n *NoOpStorage) Close() error { return nil }

func (n *NoOpStorage) Ping(ctx context.Context) error { return nil }

var (
	_ Storage = (*SQLiteStorage)(nil)
	_ Storage = (*NoOpStorage)(nil)
)
