package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkggate/pkggate/internal/policy"
	"github.com/pkggate/pkggate/internal/registry"
)

// AuditRecord captures one policy decision applied to a request, including
// decisions that were not enforced because the proxy runs in warn or audit
// mode.
type AuditRecord struct {
	Time      time.Time    `json:"time"`
	Ecosystem string       `json:"ecosystem"`
	Package   string       `json:"package"`
	Version   string       `json:"version"`
	Kind      string       `json:"kind"`
	Outcome   string       `json:"outcome"`
	Mode      DecisionMode `json:"mode"`
	Enforced  bool         `json:"enforced"`
	Violated  []string     `json:"violated_rules,omitempty"`
	FromCache bool         `json:"from_cache"`
}

// AuditLog keeps a bounded in-memory ring of recent decisions and mirrors
// each record to the structured log.
type AuditLog struct {
	mu      sync.Mutex
	records []AuditRecord
	max     int
	logger  *slog.Logger
}

// NewAuditLog builds an AuditLog holding at most max records. Older records
// are dropped as new ones arrive.
func NewAuditLog(max int, logger *slog.Logger) *AuditLog {
	if max <= 0 {
		max = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLog{
		max:    max,
		logger: logger.With(slog.String("agent", "audit")),
	}
}

// Record appends one decision to the log.
func (a *AuditLog) Record(parsed registry.ParsedRequest, decision policy.Decision, mode DecisionMode, enforced, fromCache bool) {
	rec := AuditRecord{
		Time:      time.Now(),
		Ecosystem: string(parsed.Coordinate.Ecosystem),
		Package:   parsed.Coordinate.Name,
		Version:   parsed.Coordinate.Version,
		Kind:      string(parsed.Kind),
		Outcome:   decision.Outcome,
		Mode:      mode,
		Enforced:  enforced,
		Violated:  decision.ViolatedRules,
		FromCache: fromCache,
	}

	a.mu.Lock()
	a.records = append(a.records, rec)
	if len(a.records) > a.max {
		a.records = a.records[len(a.records)-a.max:]
	}
	a.mu.Unlock()

	level := slog.LevelInfo
	if decision.Deny() {
		level = slog.LevelWarn
	}
	a.logger.LogAttrs(context.Background(), level, "policy decision",
		slog.String("ecosystem", rec.Ecosystem),
		slog.String("package", rec.Package),
		slog.String("version", rec.Version),
		slog.String("outcome", rec.Outcome),
		slog.String("mode", string(rec.Mode)),
		slog.Bool("enforced", rec.Enforced),
		slog.Bool("from_cache", rec.FromCache),
		slog.Any("violated_rules", rec.Violated))
}

// Records returns a copy of the retained records, oldest first.
func (a *AuditLog) Records() []AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditRecord, len(a.records))
	copy(out, a.records)
	return out
}
