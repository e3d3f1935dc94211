package quota

import (
	"context"
	"math"
	"sync"
	"time"

	"log/slog"
)

// LoginRuleID is the rule consulted by brute-force detection.
const LoginRuleID = "login"

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Rule is configuration, never created by traffic.
type Rule struct {
	ID                 string
	Window             time.Duration
	MaxRequests        int
	Tier               string
	ReputationModifier float64
}

// Result is the structured outcome of a quota check. RetryAfter is advisory;
// nothing here retries internally.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type record struct {
	ruleID     string
	timestamps []time.Time
	blocked    int
	reputation float64
	lastSeen   time.Time
}

// Enforcer applies sliding-window, reputation-weighted limits per
// (identifier, rule). State is created lazily on first check and pruned to
// the active window on every touch; idle records are garbage-collected by a
// background sweep.
type Enforcer struct {
	mu      sync.Mutex
	rules   map[string]Rule
	records map[string]*record
	logger  *slog.Logger
	Clock   Clock
}

func NewEnforcer(logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		rules:   make(map[string]Rule),
		records: make(map[string]*record),
		logger:  logger,
		Clock:   systemClock{},
	}
}

func (e *Enforcer) SetRule(rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rule.ReputationModifier <= 0 {
		rule.ReputationModifier = 1.0
	}
	e.rules[rule.ID] = rule
}

func (e *Enforcer) Rule(id string) (Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.rules[id]
	return rule, ok
}

// Check admits or denies one request. An unknown rule id fails open: the
// request is allowed and nothing is tracked. That default is deliberate and
// the opposite of the device-trust engine's unknown-device policy.
func (e *Enforcer) Check(identifier, ruleID string, reputation float64) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.Clock.Now()
	rule, ok := e.rules[ruleID]
	if !ok {
		e.logger.Warn("quota check for unknown rule, failing open", "rule_id", ruleID)
		return Result{Allowed: true, Remaining: -1, ResetAt: now}
	}

	key := identifier + "|" + ruleID
	rec, ok := e.records[key]
	if !ok {
		rec = &record{ruleID: ruleID}
		e.records[key] = rec
	}
	rec.reputation = reputation
	rec.lastSeen = now

	cutoff := now.Add(-rule.Window)
	kept := rec.timestamps[:0]
	for _, ts := range rec.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	rec.timestamps = kept

	limit := adjustedLimit(rule, reputation)

	if len(rec.timestamps) >= limit {
		rec.blocked++
		oldestExpiry := rec.timestamps[0].Add(rule.Window)
		retryAfter := oldestExpiry.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    oldestExpiry,
			RetryAfter: retryAfter,
		}
	}

	rec.timestamps = append(rec.timestamps, now)
	return Result{
		Allowed:   true,
		Remaining: limit - len(rec.timestamps),
		ResetAt:   rec.timestamps[0].Add(rule.Window),
	}
}

func adjustedLimit(rule Rule, reputation float64) int {
	base := float64(rule.MaxRequests) * rule.ReputationModifier
	var bonus, penalty float64
	if reputation > 0.7 {
		bonus = 0.2 * float64(rule.MaxRequests)
	}
	if reputation < 0.3 {
		penalty = 0.3 * float64(rule.MaxRequests)
	}
	limit := int(math.Floor(base + bonus - penalty))
	if limit < 1 {
		limit = 1
	}
	return limit
}

type BruteForceSeverity string

const (
	BruteForceNone   BruteForceSeverity = ""
	BruteForceLow    BruteForceSeverity = "low"
	BruteForceMedium BruteForceSeverity = "medium"
	BruteForceHigh   BruteForceSeverity = "high"
)

type BruteForceReport struct {
	Detected bool
	Severity BruteForceSeverity
	Attempts int
	Blocked  int
}

// DetectBruteForce grades the login-rule record for an identifier.
func (e *Enforcer) DetectBruteForce(identifier string) BruteForceReport {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[identifier+"|"+LoginRuleID]
	if !ok {
		return BruteForceReport{}
	}

	attempts := len(rec.timestamps) + rec.blocked
	report := BruteForceReport{Attempts: attempts, Blocked: rec.blocked}
	switch {
	case rec.blocked > 10:
		report.Detected = true
		report.Severity = BruteForceHigh
	case rec.blocked > 5:
		report.Detected = true
		report.Severity = BruteForceMedium
	case attempts > 20:
		report.Detected = true
		report.Severity = BruteForceLow
	}
	return report
}

// AdjustDynamically is the admission-control feedback loop: it rewrites the
// rule ceiling from observed system health, and later checks see the new
// limit immediately.
func (e *Enforcer) AdjustDynamically(ruleID string, systemLoad, errorRate float64) (Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rule, ok := e.rules[ruleID]
	if !ok {
		return Rule{}, false
	}

	switch {
	case systemLoad > 0.8 || errorRate > 0.05:
		rule.MaxRequests = int(math.Floor(float64(rule.MaxRequests) * 0.7))
		if rule.MaxRequests < 1 {
			rule.MaxRequests = 1
		}
	case systemLoad < 0.5 && errorRate < 0.01:
		rule.MaxRequests = int(math.Ceil(float64(rule.MaxRequests) * 1.2))
	}

	e.rules[ruleID] = rule
	e.logger.Info("rate limit rule adjusted",
		"rule_id", ruleID,
		"max_requests", rule.MaxRequests,
		"system_load", systemLoad,
		"error_rate", errorRate,
	)
	return rule, true
}

// Sweep drops records idle for several windows. Returns the number removed.
func (e *Enforcer) Sweep() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.Clock.Now()
	removed := 0
	for key, rec := range e.records {
		window := time.Minute
		if rule, ok := e.rules[rec.ruleID]; ok {
			window = rule.Window
		}
		if now.Sub(rec.lastSeen) > 5*window {
			delete(e.records, key)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
// Maintenance never blocks foreground checks beyond the shared mutex.
func (e *Enforcer) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := e.Sweep(); n > 0 {
					e.logger.Debug("quota records swept", "removed", n)
				}
			}
		}
	}()
}
