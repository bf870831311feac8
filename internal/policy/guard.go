// Package policy implements the synchronous PolicyGuard decision point
// consulted on every shell command, file write, network-egress target, and
// adapter budget check.
package policy

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/taskforge/engine/internal/audit"
	"github.com/taskforge/engine/internal/protect"
	"github.com/taskforge/engine/pkg/models"
)

// DefaultSafetyMultiplier inflates a projected cost before comparing it
// against the remaining budget, to absorb adapter cost-estimation error.
const DefaultSafetyMultiplier = 1.2

// Guard evaluates commands, write scopes, egress targets, and budgets
// against a PolicyProfile, recording every decision to the AuditStore before
// it is returned to the caller.
type Guard struct {
	store            *audit.Store
	safetyMultiplier float64
	protectedScan    *protect.Detector
}

// New constructs a Guard backed by store. A nil protectedDetector disables
// the supplemented protected-area advisory layer.
func New(store *audit.Store, protectedDetector *protect.Detector) *Guard {
	return &Guard{
		store:            store,
		safetyMultiplier: DefaultSafetyMultiplier,
		protectedScan:    protectedDetector,
	}
}

// SetSafetyMultiplier overrides the default 1.2 cost safety multiplier.
func (g *Guard) SetSafetyMultiplier(m float64) {
	g.safetyMultiplier = m
}

func (g *Guard) record(taskID string, decision models.PolicyDecision, detail map[string]any) error {
	payload := map[string]any{"outcome": string(decision.Outcome)}
	if decision.Reason != "" {
		payload["reason"] = decision.Reason
	}
	if len(decision.Paths) > 0 {
		payload["paths"] = decision.Paths
	}
	for k, v := range detail {
		payload[k] = v
	}

	_, err := g.store.Append(models.AuditEntry{
		TaskID:  taskID,
		Kind:    models.AuditPolicyDecision,
		Payload: payload,
	})
	return err
}

// CheckCommand evaluates argv against profile's command allow-patterns.
// Patterns are anchored regular expressions matched against the
// space-joined argv; the first pattern that matches permits, and an empty
// argv always denies (spec.md §4.2).
func (g *Guard) CheckCommand(taskID string, profile models.PolicyProfile, argv []string) (models.PolicyDecision, error) {
	decision := g.checkCommand(profile, argv)
	if err := g.record(taskID, decision, map[string]any{"check": "command", "argv": argv}); err != nil {
		return models.PolicyDecision{}, fmt.Errorf("record command decision: %w", err)
	}
	return decision, nil
}

func (g *Guard) checkCommand(profile models.PolicyProfile, argv []string) models.PolicyDecision {
	if len(argv) == 0 {
		return models.PolicyDecision{Outcome: models.PolicyDeny, Reason: "empty argv"}
	}

	joined := strings.Join(argv, " ")
	for _, pattern := range profile.CommandAllowPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(joined) {
			return models.PolicyDecision{Outcome: models.PolicyAllow}
		}
	}

	return models.PolicyDecision{Outcome: models.PolicyDeny, Reason: "no allow-pattern matched: " + joined}
}

// CheckWrite evaluates paths against profile's write-scope prefix set. Paths
// are symlink-resolved before matching; a single out-of-scope path denies
// the whole set (spec.md §4.2). In-scope paths that the guard's
// protect.Detector flags are still allowed; the hits are only named in the
// returned decision's Reason, which does not change its Outcome.
func (g *Guard) CheckWrite(taskID string, profile models.PolicyProfile, paths []string) (models.PolicyDecision, error) {
	decision := g.checkWrite(profile, paths)
	if err := g.record(taskID, decision, map[string]any{"check": "write", "paths": paths}); err != nil {
		return models.PolicyDecision{}, fmt.Errorf("record write decision: %w", err)
	}
	return decision, nil
}

func (g *Guard) checkWrite(profile models.PolicyProfile, paths []string) models.PolicyDecision {
	var outsideScope []string
	var protectedHits []string

	for _, p := range paths {
		resolved := resolvePath(p)

		inScope := false
		for _, prefix := range profile.WriteScope {
			if withinPrefix(resolved, resolvePath(prefix)) {
				inScope = true
				break
			}
		}
		if !inScope {
			outsideScope = append(outsideScope, p)
			continue
		}

		if g.protectedScan != nil {
			if protected, reason := g.protectedScan.IsProtectedWithReason(p); protected {
				protectedHits = append(protectedHits, reason)
			}
		}
	}

	if len(outsideScope) > 0 {
		return models.PolicyDecision{Outcome: models.PolicyDeny, Paths: outsideScope}
	}

	if len(protectedHits) > 0 {
		return models.PolicyDecision{
			Outcome: models.PolicyAllow,
			Reason:  "protected area touched: " + strings.Join(protectedHits, "; "),
		}
	}

	return models.PolicyDecision{Outcome: models.PolicyAllow}
}

// resolvePath makes p absolute and resolves symlinks in the longest part of
// it that exists, so a file not yet created still resolves through a
// symlinked parent directory.
func resolvePath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	abs = filepath.Clean(abs)
	existing, rest := abs, ""
	for {
		if resolved, err := filepath.EvalSymlinks(existing); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}
}

func withinPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// CheckEgress evaluates host against profile's egress allow-list. A host
// matches if it equals an allow-pattern exactly or the allow-pattern is a
// suffix glob ("*.example.com") matching the host's suffix (spec.md §4.2).
func (g *Guard) CheckEgress(taskID string, profile models.PolicyProfile, host string) (models.PolicyDecision, error) {
	decision := g.checkEgress(profile, host)
	if err := g.record(taskID, decision, map[string]any{"check": "egress", "host": host}); err != nil {
		return models.PolicyDecision{}, fmt.Errorf("record egress decision: %w", err)
	}
	return decision, nil
}

func (g *Guard) checkEgress(profile models.PolicyProfile, host string) models.PolicyDecision {
	for _, pattern := range profile.EgressAllowList {
		if strings.HasPrefix(pattern, "*.") {
			suffix := strings.TrimPrefix(pattern, "*")
			if strings.HasSuffix(host, suffix) {
				return models.PolicyDecision{Outcome: models.PolicyAllow}
			}
			continue
		}
		if pattern == host {
			return models.PolicyDecision{Outcome: models.PolicyAllow}
		}
	}
	return models.PolicyDecision{Outcome: models.PolicyDeny, Reason: "host not in egress allow-list: " + host}
}

// CheckBudget evaluates task against its bound budgets, denying if
// projected_cost pushes spent.cost over budgets.cost, if phase is CODING and
// the next iteration would exceed budgets.max_iterations, or if
// projected_wall pushes elapsed wall time over budgets.wall_time.
// projectedCost is inflated by the safety multiplier before comparison
// (spec.md §4.2). The iteration-budget dimension is scoped to CODING because
// that is the only phase spec.md §8's boundary test (max_iterations=0 fails
// "immediately after the first CODING attempt is denied") ties it to — every
// other phase's gate checks cost and wall-time only.
func (g *Guard) CheckBudget(task *models.Task, phase models.Phase, projectedCost float64, projectedWall time.Duration) (models.PolicyDecision, error) {
	decision := g.checkBudget(task, phase, projectedCost, projectedWall)
	if err := g.record(task.ID, decision, map[string]any{
		"check":          "budget",
		"phase":          string(phase),
		"projected_cost": projectedCost,
		"projected_wall": projectedWall.String(),
	}); err != nil {
		return models.PolicyDecision{}, fmt.Errorf("record budget decision: %w", err)
	}
	return decision, nil
}

func (g *Guard) checkBudget(task *models.Task, phase models.Phase, projectedCost float64, projectedWall time.Duration) models.PolicyDecision {
	inflated := projectedCost * g.safetyMultiplier

	if task.Spent.CostUSD+inflated > task.Budgets.CostUSD {
		return models.PolicyDecision{Outcome: models.PolicyDeny, Reason: "projected cost exceeds task cost budget"}
	}
	if phase == models.PhaseCode && task.Spent.Iterations+1 > task.Budgets.MaxIterations {
		return models.PolicyDecision{Outcome: models.PolicyDeny, Reason: "next iteration exceeds task iteration budget"}
	}
	elapsed := time.Since(task.CreatedAt)
	if elapsed+projectedWall > task.Budgets.WallTime {
		return models.PolicyDecision{Outcome: models.PolicyDeny, Reason: "projected wall time exceeds task wall-time budget"}
	}

	return models.PolicyDecision{Outcome: models.PolicyAllow}
}

// BudgetUsageStatus classifies the proportion of a budget dimension consumed
// so far, giving operators early visibility before an outright denial
// (SPEC_FULL.md §10, grounded on the teacher's BudgetHandler warning tier).
type BudgetUsageStatus string

const (
	BudgetUsageOK        BudgetUsageStatus = "OK"
	BudgetUsageWarning   BudgetUsageStatus = "WARNING"
	BudgetUsageExhausted BudgetUsageStatus = "EXHAUSTED"
)

// DefaultWarningThreshold is the fraction of a budget dimension's ceiling at
// which BudgetUsageWarning begins.
const DefaultWarningThreshold = 0.80

// UsageStatus reports how much of task's cost budget has been consumed,
// without denying anything. Callers that see BudgetUsageWarning should
// publish a budget_warning META overlay event and AuditEntry.
func UsageStatus(task *models.Task) BudgetUsageStatus {
	return usageStatusWithThreshold(task, DefaultWarningThreshold)
}

func usageStatusWithThreshold(task *models.Task, threshold float64) BudgetUsageStatus {
	if task.Budgets.CostUSD <= 0 {
		return BudgetUsageOK
	}
	pct := task.Spent.CostUSD / task.Budgets.CostUSD
	switch {
	case pct >= 1.0:
		return BudgetUsageExhausted
	case pct >= threshold:
		return BudgetUsageWarning
	default:
		return BudgetUsageOK
	}
}
