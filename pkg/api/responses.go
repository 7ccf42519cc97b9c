package api

import (
	"time"

	"smartguard/pkg/storage"
)

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
}

// StatsResponse summarises traffic over a period
type StatsResponse struct {
	ByCategory    map[string]int64 `json:"by_category"`
	Period        string           `json:"period"`
	Timestamp     string           `json:"timestamp"` // ISO 8601
	TotalQueries  int64            `json:"total_queries"`
	UniqueDomains int64            `json:"unique_domains"`
	UniqueClients int64            `json:"unique_clients"`
	ParseFailures int64            `json:"parse_failures"`
}

// EventResponse is one observed query
type EventResponse struct {
	Timestamp string `json:"timestamp"`
	ClientIP  string `json:"client_ip"`
	Domain    string `json:"domain"`
	QueryType string `json:"query_type"`
	Category  string `json:"category,omitempty"`
	ID        int64  `json:"id"`
}

// RecentRequestsResponse represents paginated events
type RecentRequestsResponse struct {
	Requests []EventResponse `json:"requests"`
	Client   string          `json:"client,omitempty"`
	Total    int             `json:"total"`
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
}

// VerdictResponse is a stored classification
type VerdictResponse struct {
	Domain     string  `json:"domain"`
	Category   string  `json:"category"`
	RiskLevel  string  `json:"risk_level"`
	Color      string  `json:"color"`
	ComputedAt string  `json:"computed_at"`
	Confidence float64 `json:"confidence"`
}

// VerdictsResponse represents paginated verdicts
type VerdictsResponse struct {
	Verdicts []VerdictResponse `json:"verdicts"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

// DeviceResponse is a client seen on the network
type DeviceResponse struct {
	IPAddress  string `json:"ip_address"`
	FirstSeen  string `json:"first_seen"`
	LastSeen   string `json:"last_seen"`
	QueryCount int64  `json:"query_count"`
}

// DevicesResponse lists every device
type DevicesResponse struct {
	Devices []DeviceResponse `json:"devices"`
	Total   int              `json:"total"`
}

// DomainStatsResponse represents statistics for a single domain
type DomainStatsResponse struct {
	Domain   string `json:"domain"`
	Category string `json:"category,omitempty"`
	Queries  int64  `json:"queries"`
}

// TopDomainsResponse represents top queried domains
type TopDomainsResponse struct {
	Domains []DomainStatsResponse `json:"domains"`
	Limit   int                   `json:"limit"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func convertEvent(e *storage.DnsEvent) EventResponse {
	return EventResponse{
		ID:        e.ID,
		Timestamp: formatTime(e.Timestamp),
		ClientIP:  e.ClientIP,
		Domain:    e.Domain,
		QueryType: e.QueryType,
		Category:  e.Category,
	}
}

func convertVerdict(v *storage.VerdictRecord) VerdictResponse {
	return VerdictResponse{
		Domain:     v.Domain,
		Category:   v.Category,
		Confidence: v.Confidence,
		RiskLevel:  v.RiskLevel,
		Color:      v.Color,
		ComputedAt: formatTime(v.ComputedAt),
	}
}

func convertDevice(d *storage.Device) DeviceResponse {
	return DeviceResponse{
		IPAddress:  d.IPAddress,
		FirstSeen:  formatTime(d.FirstSeen),
		LastSeen:   formatTime(d.LastSeen),
		QueryCount: d.QueryCount,
	}
}
