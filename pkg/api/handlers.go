package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"smartguard/pkg/storage"
)

const requestTimeout = 5 * time.Second

// handleHealth handles GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Uptime:  s.getUptime(),
		Version: s.version,
	})
}

// handleStats handles GET /api/stats?since=24h
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.readable(w, r) {
		return
	}

	since := parseDuration(r.URL.Query().Get("since"), 24*time.Hour)

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	stats, err := s.storage.GetStatistics(ctx, time.Now().Add(-since))
	if err != nil {
		s.logger.Error("Failed to get statistics", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve statistics")
		return
	}

	s.writeJSON(w, http.StatusOK, StatsResponse{
		TotalQueries:  stats.TotalQueries,
		UniqueDomains: stats.UniqueDomains,
		UniqueClients: stats.UniqueClients,
		ParseFailures: stats.ParseFailures,
		ByCategory:    stats.ByCategory,
		Period:        since.String(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}

// handleRecentRequests handles GET /api/recent-requests?limit=&offset=&client=
func (s *Server) handleRecentRequests(w http.ResponseWriter, r *http.Request) {
	if !s.readable(w, r) {
		return
	}

	limit, offset := parsePagination(r, 100, 1000)
	client := r.URL.Query().Get("client")
	if client != "" && net.ParseIP(client) == nil {
		s.writeError(w, http.StatusBadRequest, "client must be an IP address")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var events []*storage.DnsEvent
	var err error
	if client != "" {
		// Per-client history is not paginated
		offset = 0
		events, err = s.storage.GetEventsByClient(ctx, client, limit)
	} else {
		events, err = s.storage.GetRecentEvents(ctx, limit, offset)
	}
	if err != nil {
		s.logger.Error("Failed to get recent requests", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve recent requests")
		return
	}

	requests := make([]EventResponse, 0, len(events))
	for _, e := range events {
		requests = append(requests, convertEvent(e))
	}

	s.writeJSON(w, http.StatusOK, RecentRequestsResponse{
		Requests: requests,
		Client:   client,
		Total:    len(requests),
		Limit:    limit,
		Offset:   offset,
	})
}

// handleVerdicts handles GET /api/verdicts?limit=&offset=
func (s *Server) handleVerdicts(w http.ResponseWriter, r *http.Request) {
	if !s.readable(w, r) {
		return
	}

	limit, offset := parsePagination(r, 100, 1000)

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	records, err := s.storage.ListVerdicts(ctx, limit, offset)
	if err != nil {
		s.logger.Error("Failed to list verdicts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve verdicts")
		return
	}

	verdicts := make([]VerdictResponse, 0, len(records))
	for _, v := range records {
		verdicts = append(verdicts, convertVerdict(v))
	}

	s.writeJSON(w, http.StatusOK, VerdictsResponse{
		Verdicts: verdicts,
		Total:    len(verdicts),
		Limit:    limit,
		Offset:   offset,
	})
}

// handleDevices handles GET /api/devices
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !s.readable(w, r) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	found, err := s.storage.GetDevices(ctx)
	if err != nil {
		s.logger.Error("Failed to get devices", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve devices")
		return
	}

	devices := make([]DeviceResponse, 0, len(found))
	for _, d := range found {
		devices = append(devices, convertDevice(d))
	}

	s.writeJSON(w, http.StatusOK, DevicesResponse{Devices: devices, Total: len(devices)})
}

// handleTopDomains handles GET /api/top-domains?limit=
func (s *Server) handleTopDomains(w http.ResponseWriter, r *http.Request) {
	if !s.readable(w, r) {
		return
	}

	limit, _ := parsePagination(r, 10, 100)

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	domains, err := s.storage.GetTopDomains(ctx, limit)
	if err != nil {
		s.logger.Error("Failed to get top domains", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve top domains")
		return
	}

	out := make([]DomainStatsResponse, 0, len(domains))
	for _, d := range domains {
		out = append(out, DomainStatsResponse{Domain: d.Domain, Category: d.Category, Queries: d.QueryCount})
	}

	s.writeJSON(w, http.StatusOK, TopDomainsResponse{Domains: out, Limit: limit})
}

// readable rejects non-GET requests and reports a missing store.
func (s *Server) readable(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	if s.storage == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Storage not available")
		return false
	}
	return true
}

// parsePagination reads limit and offset, falling back to defaults on
// missing or out-of-range values.
func parsePagination(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= maxLimit {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}
	return limit, offset
}
