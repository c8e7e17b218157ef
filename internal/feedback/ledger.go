// Package feedback converts external correction signals into durable
// policy deltas and applies them to the worker registry and escalation
// policy. It is the only writer of shared policy state; its apply path
// is serialized so no in-flight task observes a half-applied delta.
package feedback

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/wardend/internal/assess"
	"github.com/fyrsmithlabs/wardend/internal/boundary"
	"github.com/fyrsmithlabs/wardend/internal/escalation"
	"github.com/fyrsmithlabs/wardend/internal/report"
	"github.com/fyrsmithlabs/wardend/internal/worker"
)

// HighSeverityThreshold is the severity score at or above which a broad
// signal changes enforced policy immediately. Below it, signals only
// annotate.
const HighSeverityThreshold = 7

// Impact grades a broad signal's blast radius.
type Impact string

const (
	ImpactLow      Impact = "low"
	ImpactModerate Impact = "moderate"
	ImpactSevere   Impact = "severe"
)

// Signal is an external correction: a description of undesired
// behavior, the implicated roles, and optionally the specific resource
// pattern that was wrongly touched.
type Signal struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Roles       []string `json:"roles"`
	Domain      string   `json:"domain,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	Occurrences int      `json:"occurrences,omitempty"`
	Impact      Impact   `json:"impact,omitempty"`
	DataLoss    bool     `json:"data_loss,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Registry is the slice of the worker registry the ledger writes to.
type Registry interface {
	ApplyDelta(delta worker.Delta) (bool, error)
	Applied(fp string) bool
	MarkApplied(fp string)
}

// Persister stores ledger outputs durably. Nil disables persistence.
type Persister interface {
	SaveAppliedFingerprint(fp string) error
	SaveOffset(domain string, offset int) error
	SaveAnnotation(delta worker.Delta) error
}

// Ledger ingests correction signals and violation events.
type Ledger struct {
	mu       sync.Mutex // single writer
	registry Registry
	policy   *escalation.Policy
	persist  Persister
	logger   *zap.Logger
}

// NewLedger creates a ledger writing to the given registry and policy.
func NewLedger(registry Registry, policy *escalation.Policy, persist Persister, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		registry: registry,
		policy:   policy,
		persist:  persist,
		logger:   logger,
	}
}

// Severity scores a signal on the shared [1,10] scale using the same
// aggregation rule tasks are scored with.
func Severity(sig Signal) assess.Score {
	occurrenceWeight := 0
	if sig.Occurrences > 1 {
		occurrenceWeight = sig.Occurrences - 1
	}
	impactWeight := 0
	switch sig.Impact {
	case ImpactModerate:
		impactWeight = 1
	case ImpactSevere:
		impactWeight = 2
	}
	boundaryWeight := 0
	if sig.Pattern != "" {
		boundaryWeight = 2
	}
	dataLossWeight := 0
	if sig.DataLoss {
		dataLossWeight = 2
	}

	factors := []assess.Factor{
		{Name: "role-spread", Weight: assess.ClampFactor(len(sig.Roles) - 1)},
		{Name: "recurrence", Weight: assess.ClampFactor(occurrenceWeight)},
		{Name: "blast-radius", Weight: impactWeight},
		{Name: "boundary-involvement", Weight: boundaryWeight},
		{Name: "data-loss-risk", Weight: dataLossWeight},
	}
	return assess.Score{Value: assess.Aggregate(factors), Factors: factors}
}

// Ingest converts a correction signal into zero or more policy deltas,
// applies them, and returns the deltas it produced. Re-ingesting an
// identical signal produces zero new deltas: already-applied
// fingerprints are skipped as logged no-ops, never surfaced as errors.
func (l *Ledger) Ingest(ctx context.Context, sig Signal) ([]worker.Delta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now().UTC()
	}

	if sig.Pattern != "" {
		return l.ingestPattern(sig)
	}
	return l.ingestBroad(sig)
}

// ingestPattern emits one deny-list addition per implicated role.
func (l *Ledger) ingestPattern(sig Signal) ([]worker.Delta, error) {
	var produced []worker.Delta
	for _, role := range sig.Roles {
		delta := worker.Delta{
			ID:        uuid.New().String(),
			Kind:      worker.DeltaDenyAdd,
			Role:      role,
			Pattern:   sig.Pattern,
			Note:      sig.Description,
			CreatedAt: time.Now().UTC(),
		}

		applied, err := l.registry.ApplyDelta(delta)
		if err != nil {
			return produced, err
		}
		if !applied {
			l.logger.Info("skipping already-applied delta",
				zap.String("fingerprint", delta.Fingerprint()))
			continue
		}
		l.logger.Info("applied deny-list delta",
			zap.String("role", role),
			zap.String("pattern", sig.Pattern))
		produced = append(produced, delta)
	}
	return produced, nil
}

// ingestBroad severity-scores the signal. Low severity annotates only;
// high severity biases the domain's escalation threshold synchronously,
// before the next task of that domain is dispatched.
func (l *Ledger) ingestBroad(sig Signal) ([]worker.Delta, error) {
	severity := Severity(sig)

	if severity.Value < HighSeverityThreshold {
		delta := worker.Delta{
			ID:        uuid.New().String(),
			Kind:      worker.DeltaAnnotation,
			Domain:    sig.Domain,
			Note:      sig.Description,
			CreatedAt: time.Now().UTC(),
		}
		if l.persist != nil {
			if err := l.persist.SaveAnnotation(delta); err != nil {
				return nil, err
			}
		}
		l.logger.Info("annotated low-severity signal",
			zap.String("domain", sig.Domain),
			zap.Int("severity", severity.Value))
		return []worker.Delta{delta}, nil
	}

	delta := worker.Delta{
		ID:        uuid.New().String(),
		Kind:      worker.DeltaThresholdAdjust,
		Domain:    sig.Domain,
		Offset:    1,
		Note:      sig.Description,
		CreatedAt: time.Now().UTC(),
	}

	fp := delta.Fingerprint()
	if l.registry.Applied(fp) {
		l.logger.Info("skipping already-applied delta", zap.String("fingerprint", fp))
		return nil, nil
	}

	l.policy.AdjustThreshold(sig.Domain, delta.Offset)
	l.registry.MarkApplied(fp)

	if l.persist != nil {
		if err := l.persist.SaveAppliedFingerprint(fp); err != nil {
			return nil, err
		}
		if err := l.persist.SaveOffset(sig.Domain, l.policy.Offset(sig.Domain)); err != nil {
			return nil, err
		}
	}

	l.logger.Warn("applied threshold adjustment",
		zap.String("domain", sig.Domain),
		zap.Int("severity", severity.Value))
	return []worker.Delta{delta}, nil
}

// ObserveRecord consumes a sealed completion record, synthesizing
// correction signals for every blocked audit-phase attempt. This is
// how dual-gate mismatches become durable policy without waiting for a
// human signal.
func (l *Ledger) ObserveRecord(ctx context.Context, rec *report.CompletionRecord) ([]worker.Delta, error) {
	var produced []worker.Delta
	for _, attempt := range rec.Attempts {
		if attempt.Phase != boundary.PhaseAudit || attempt.Verdict != boundary.VerdictBlocked {
			continue
		}
		deltas, err := l.Ingest(ctx, Signal{
			Description: "audit gate caught mutation outside policy: " + attempt.Reason,
			Roles:       []string{attempt.Role},
			Pattern:     attempt.Resource,
		})
		if err != nil {
			return produced, err
		}
		produced = append(produced, deltas...)
	}
	return produced, nil
}
