package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// OutcomeKind classifies the result of a replacement transaction.
type OutcomeKind string

const (
	// FullSuccess: every affected rule was verified absent for the old IP
	// and present for the new one.
	FullSuccess OutcomeKind = "FULL_SUCCESS"
	// NoOpEmptyBinding: no enabled rule was bound to the old IP; there was
	// nothing to do. Replacing an absent binding is idempotence, not
	// failure.
	NoOpEmptyBinding OutcomeKind = "NO_OP_EMPTY_BINDING"
	// PartialSuccess: some rules were duplicated (add succeeded, remove
	// failed) or left in place (add failed). Manual review needed.
	PartialSuccess OutcomeKind = "PARTIAL_SUCCESS"
	// Failed: the transaction could not start (rule table unreadable).
	Failed OutcomeKind = "FAILED"
)

// RuleStatus is the per-rule result within a transaction.
type RuleStatus string

const (
	// RuleReplaced: new rule verified present, old rule removed.
	RuleReplaced RuleStatus = "REPLACED"
	// RuleLeftInPlace: the add failed or could not be verified; no
	// destructive action was taken against the old rule.
	RuleLeftInPlace RuleStatus = "LEFT_IN_PLACE"
	// RuleDuplicated: the add was verified but the remove failed; both
	// rules are live. The add is deliberately not rolled back.
	RuleDuplicated RuleStatus = "DUPLICATED"
)

// RuleResult reports what happened to one affected rule.
type RuleResult struct {
	OldID  string
	NewID  string
	Name   string
	Status RuleStatus
	Err    error
}

// TransactionOutcome is the structured result of Replace. Callers always
// get one of these rather than a boolean, so "nothing needed doing",
// "fully done" and "partially done" stay distinguishable.
type TransactionOutcome struct {
	Kind    OutcomeKind
	Results []RuleResult
	// Duplicated holds old-rule ids whose replacements are live alongside
	// them; cleanup is surfaced as an explicit follow-up action.
	Duplicated []string
	// Unreplaced holds old-rule ids still alone in the table.
	Unreplaced []string
	Reason     error
}

// EngineConfig wires the transaction engine.
type EngineConfig struct {
	Repository *Repository
	// Clock paces verify retries; tests inject a mock.
	Clock clock.Clock
	// VerifyAttempts bounds the verification loop. Default 3.
	VerifyAttempts int
	// VerifyInterval is the pause between verification attempts; the
	// device's UI layer is known to lag behind table changes. Default 500ms.
	VerifyInterval time.Duration
	// Concurrency bounds how many affected rules are processed at once.
	// The device tolerates very few concurrent mutations. Default 1.
	Concurrency int
}

// Engine executes the rule-replacement transaction: for every enabled
// rule bound to oldIP, create an equivalent rule bound to newIP, verify
// it, and only then remove the original. Add-before-remove is mandatory:
// a window with both rules live is acceptable, a window with neither is
// not.
type Engine struct {
	repo           *Repository
	clock          clock.Clock
	verifyAttempts int
	verifyInterval time.Duration
	concurrency    int
}

// NewEngine builds a transaction engine with defaults applied.
func NewEngine(config EngineConfig) *Engine {
	c := config.Clock
	if c == nil {
		c = clock.New()
	}
	attempts := config.VerifyAttempts
	if attempts <= 0 {
		attempts = 3
	}
	interval := config.VerifyInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	width := config.Concurrency
	if width <= 0 {
		width = 1
	}
	return &Engine{
		repo:           config.Repository,
		clock:          c,
		verifyAttempts: attempts,
		verifyInterval: interval,
		concurrency:    width,
	}
}

// Replace swaps every enabled rule bound to oldIP for an equivalent rule
// bound to newIP. The returned error is non-nil only when the outcome is
// Failed; partial results are reported through the outcome, never by
// aborting mid-transaction.
func (e *Engine) Replace(ctx context.Context, oldIP, newIP string) (*TransactionOutcome, error) {
	txID := uuid.NewString()[:8]
	logger := logr.FromContextOrDiscard(ctx).WithValues("tx", txID, "old_ip", oldIP, "new_ip", newIP)
	ctx = logr.NewContext(ctx, logger)

	if _, err := e.repo.List(ctx); err != nil {
		logger.Error(err, "failed to read rule table, transaction not started")
		return &TransactionOutcome{Kind: Failed, Reason: err}, err
	}

	var affected []ForwardingRule
	for _, rule := range e.repo.FindByTargetIP(oldIP) {
		if rule.Enabled {
			affected = append(affected, rule)
		}
	}
	if len(affected) == 0 {
		logger.Info("no enabled rules bound to old IP, nothing to do")
		return &TransactionOutcome{Kind: NoOpEmptyBinding}, nil
	}

	logger.Info("replacing forwarding rules", "affected", len(affected))

	// Affected rules are distinct bindings and mutually independent, so
	// they may proceed concurrently behind a bounded semaphore.
	results := make([]RuleResult, len(affected))
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	for i, rule := range affected {
		wg.Add(1)
		go func(i int, rule ForwardingRule) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = e.replaceOne(ctx, rule, newIP)
		}(i, rule)
	}
	wg.Wait()

	e.confirmRemovals(ctx, oldIP, results)

	outcome := &TransactionOutcome{Kind: FullSuccess, Results: results}
	for _, result := range results {
		switch result.Status {
		case RuleDuplicated:
			outcome.Duplicated = append(outcome.Duplicated, result.OldID)
		case RuleLeftInPlace:
			outcome.Unreplaced = append(outcome.Unreplaced, result.OldID)
		}
	}
	if len(outcome.Duplicated) > 0 || len(outcome.Unreplaced) > 0 {
		outcome.Kind = PartialSuccess
		logger.Info("transaction partially succeeded, manual review needed",
			"duplicated", outcome.Duplicated, "unreplaced", outcome.Unreplaced)
	} else {
		logger.Info("transaction fully succeeded")
	}
	return outcome, nil
}

// replaceOne runs the add -> verify -> remove sequence for one rule. Once
// the add has been issued the sequence runs to a reportable conclusion;
// it is never aborted in a way that could leave the binding silently
// broken.
func (e *Engine) replaceOne(ctx context.Context, rule ForwardingRule, newIP string) RuleResult {
	logger := logr.FromContextOrDiscard(ctx).WithValues("rule", rule.Name, "old_id", rule.ID)
	result := RuleResult{OldID: rule.ID, Name: rule.Name}

	draft := rule.ReplacingIP(newIP)
	if _, err := e.repo.Add(ctx, draft); err != nil {
		logger.Error(err, "add failed, old rule left in place")
		result.Status = RuleLeftInPlace
		result.Err = err
		return result
	}

	// The device may coalesce or silently drop a rule despite an accepting
	// ack, and its UI layer can lag behind the table. Verify with a fresh
	// list, retrying transient failures a bounded number of times.
	newID, err := e.verifyAdded(ctx, draft)
	if err != nil {
		logger.Error(err, "replacement rule not verifiable, old rule left in place")
		result.Status = RuleLeftInPlace
		result.Err = err
		return result
	}
	result.NewID = newID

	if err := e.repo.Remove(ctx, rule.ID); err != nil {
		if IsRepoKind(err, RepoNotFound) {
			// Already gone; the desired end state holds.
			logger.V(1).Info("old rule already absent")
			result.Status = RuleReplaced
			return result
		}
		// Removing the fresh add here would reopen the broken-binding
		// window, so the duplicate is reported instead of rolled back.
		logger.Error(err, "remove failed, both rules live", "new_id", newID)
		result.Status = RuleDuplicated
		result.Err = err
		return result
	}

	logger.V(1).Info("rule replaced", "new_id", newID)
	result.Status = RuleReplaced
	return result
}

// confirmRemovals re-checks replaced rules against a fresh table view: a
// remove the device acked but did not apply is reclassified as a
// duplicate. The check is best effort; when the closing list cannot be
// read the per-rule ack stands.
func (e *Engine) confirmRemovals(ctx context.Context, oldIP string, results []RuleResult) {
	replaced := false
	for _, result := range results {
		if result.Status == RuleReplaced {
			replaced = true
			break
		}
	}
	if !replaced {
		return
	}

	rules, err := e.repo.List(ctx)
	if err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "could not confirm removals against a fresh table view")
		return
	}
	live := make(map[string]bool, len(rules))
	for _, rule := range rules {
		if rule.Enabled && rule.InternalIP == oldIP {
			live[rule.ID] = true
		}
	}
	for i := range results {
		if results[i].Status == RuleReplaced && live[results[i].OldID] {
			results[i].Status = RuleDuplicated
			results[i].Err = fmt.Errorf("rule %s still enabled after acked remove", results[i].OldID)
		}
	}
}

// verifyAdded confirms the draft is present and enabled in a fresh table
// view and returns its router-assigned id.
func (e *Engine) verifyAdded(ctx context.Context, draft Draft) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= e.verifyAttempts; attempt++ {
		if attempt > 1 {
			e.clock.Sleep(e.verifyInterval)
		}

		rules, err := e.repo.List(ctx)
		if err != nil {
			lastErr = err
			if IsRetryable(err) {
				continue
			}
			return "", err
		}
		for _, rule := range rules {
			if draft.Matches(rule) && rule.Enabled {
				return rule.ID, nil
			}
		}
		lastErr = fmt.Errorf("rule %q not present in table after add", draft.Name)
	}
	return "", fmt.Errorf("verification failed after %d attempts: %w", e.verifyAttempts, lastErr)
}
