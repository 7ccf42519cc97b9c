package classifier

import (
	"time"

	"smartguard/pkg/storage"
)

// Source records which resolution step originally produced a verdict. It is
// part of the verdict and does not change when the verdict is served again.
type Source string

const (
	// SourceStore marks a verdict read back from persistent storage, which
	// does not keep the producing step.
	SourceStore    Source = "store"
	SourceOverride Source = "override"
	SourceService  Source = "service"
	SourceFallback Source = "fallback"
)

// Verdict is a classification for one domain. Risk level and colour are
// never stored on it; they are derived from Category on demand.
type Verdict struct {
	ComputedAt time.Time `json:"computed_at"`
	Domain     string    `json:"domain"`
	Category   Category  `json:"category"`
	Source     Source    `json:"source"`
	Confidence float64   `json:"confidence"`
}

// RiskLevel returns the risk level derived from the category.
func (v *Verdict) RiskLevel() string { return v.Category.RiskLevel() }

// Color returns the display colour derived from the category.
func (v *Verdict) Color() string { return v.Category.Color() }

// Fresh reports whether v is still within ttl at now.
func (v *Verdict) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(v.ComputedAt) < ttl
}

func (v *Verdict) record() *storage.VerdictRecord {
	return &storage.VerdictRecord{
		Domain:     v.Domain,
		Category:   string(v.Category),
		Confidence: v.Confidence,
		RiskLevel:  v.RiskLevel(),
		Color:      v.Color(),
		ComputedAt: v.ComputedAt,
	}
}

// fromRecord rebuilds a verdict, ignoring the stored risk/colour copies.
func fromRecord(r *storage.VerdictRecord) *Verdict {
	return &Verdict{
		Domain:     r.Domain,
		Category:   Normalize(r.Category),
		Confidence: r.Confidence,
		ComputedAt: r.ComputedAt,
		Source:     SourceStore,
	}
}
