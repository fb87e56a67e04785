// Package executor carries out policy actions against the attestation
// registry.
//
// Approval-gated actions are refused, never auto-executed. Delayed actions
// are not slept on inline; they are parked in a due-time queue and drained
// on monitoring ticks, so a long delay never blocks a worker. Every outcome
// is recorded to the audit store and published to the compliance feed.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/attestwatch/internal/feed"
	"github.com/mbd888/attestwatch/internal/idgen"
	"github.com/mbd888/attestwatch/internal/ledger"
	"github.com/mbd888/attestwatch/internal/metrics"
	"github.com/mbd888/attestwatch/internal/policy"
	"github.com/mbd888/attestwatch/internal/risk"
	"github.com/mbd888/attestwatch/internal/traces"
)

// ErrRequiresApproval is returned for actions gated on manual approval.
// The action is surfaced to operators; this engine never auto-executes it.
var ErrRequiresApproval = errors.New("executor: action requires manual approval")

// DefaultSuspensionDays applies when a suspend action carries no duration.
const DefaultSuspensionDays = 7

// batchActionDelay throttles sequential batch execution to protect the
// registry submission channel.
const batchActionDelay = 100 * time.Millisecond

// Result records the outcome of one action execution attempt.
type Result struct {
	ID            string            `json:"id"`
	WalletAddress string            `json:"walletAddress"`
	ActionType    policy.ActionType `json:"actionType"`
	Success       bool              `json:"success"`
	TxHash        string            `json:"txHash,omitempty"`
	Message       string            `json:"message"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Store persists action results as the enforcement audit trail.
type Store interface {
	Record(ctx context.Context, result *Result) error
	ListByWallet(ctx context.Context, wallet string, limit int) ([]*Result, error)
}

// Item is one action to execute with its subject context.
type Item struct {
	Action         policy.Action
	WalletAddress  string
	AttestationKey string
	Profile        *risk.WalletRiskProfile
}

type scheduledItem struct {
	Item
	due time.Time
}

// Executor executes policy actions through the registry submitter.
type Executor struct {
	submitter ledger.Submitter
	store     Store
	hub       *feed.Hub
	logger    *slog.Logger

	mu        sync.Mutex
	scheduled []scheduledItem
}

// New creates an executor. hub may be nil when no feed is attached.
func New(submitter ledger.Submitter, store Store, hub *feed.Hub, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		submitter: submitter,
		store:     store,
		hub:       hub,
		logger:    logger,
	}
}

// Execute runs one action immediately. Approval-gated actions fail with
// ErrRequiresApproval; delayed actions are parked via Schedule by the
// caller, not here.
func (e *Executor) Execute(ctx context.Context, item Item) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "executor.Execute",
		traces.Wallet(item.WalletAddress),
		traces.AttestationKey(item.AttestationKey),
		traces.ActionType(string(item.Action.Type)))
	defer span.End()

	if item.Action.RequiresApproval {
		result := e.finish(ctx, item, &Result{
			Success: false,
			Message: "action requires manual approval",
		})
		metrics.ActionsExecutedTotal.WithLabelValues(string(item.Action.Type), "refused").Inc()
		return result, ErrRequiresApproval
	}

	result, err := e.perform(ctx, item)
	result = e.finish(ctx, item, result)

	outcome := "success"
	if !result.Success {
		outcome = "error"
	}
	metrics.ActionsExecutedTotal.WithLabelValues(string(item.Action.Type), outcome).Inc()
	return result, err
}

// perform dispatches on the action type.
func (e *Executor) perform(ctx context.Context, item Item) (*Result, error) {
	switch item.Action.Type {
	case policy.ActionFlag:
		return e.flag(ctx, item)
	case policy.ActionSuspend:
		return e.suspend(ctx, item)
	case policy.ActionRevoke:
		return e.revoke(ctx, item)
	case policy.ActionNone:
		return &Result{Success: true, Message: "No action required"}, nil
	default:
		// Notification-class actions: log and surface on the feed.
		e.logger.Info("notification action",
			"action", item.Action.Type,
			"wallet", item.WalletAddress,
			"message", item.Action.Parameters.NotificationMessage)
		return &Result{Success: true, Message: "Notification sent"}, nil
	}
}

func (e *Executor) flag(ctx context.Context, item Item) (*Result, error) {
	reason := item.Action.Parameters.FlagReason
	if reason == "" {
		reason = "Risk monitoring flag"
	}

	score := 0.0
	if item.Profile != nil {
		score = item.Profile.OverallScore
	}

	txHash, err := e.submitter.Flag(ctx, item.AttestationKey, score, reason)
	if err != nil {
		e.logger.Error("failed to flag attestation",
			"wallet", item.WalletAddress,
			"attestationKey", item.AttestationKey,
			"error", err)
		return &Result{Message: fmt.Sprintf("Flag failed: %v", err)}, err
	}

	e.logger.Info("flagged attestation",
		"wallet", item.WalletAddress,
		"attestationKey", item.AttestationKey,
		"reason", reason,
		"txHash", txHash)
	if e.hub != nil {
		e.hub.Publish(&feed.Event{
			Type:   feed.EventWalletFlagged,
			Wallet: item.WalletAddress,
			Data:   map[string]any{"reason": reason, "txHash": txHash, "score": score},
		})
	}
	return &Result{Success: true, TxHash: txHash, Message: "Flagged: " + reason}, nil
}

func (e *Executor) suspend(ctx context.Context, item Item) (*Result, error) {
	days := item.Action.Parameters.SuspensionDurationDays
	if days <= 0 {
		days = DefaultSuspensionDays
	}
	until := time.Now().Add(time.Duration(days) * 24 * time.Hour)

	txHash, err := e.submitter.Suspend(ctx, item.AttestationKey, until)
	if err != nil {
		e.logger.Error("failed to suspend attestation",
			"wallet", item.WalletAddress,
			"attestationKey", item.AttestationKey,
			"error", err)
		return &Result{Message: fmt.Sprintf("Suspend failed: %v", err)}, err
	}

	e.logger.Info("suspended attestation",
		"wallet", item.WalletAddress,
		"attestationKey", item.AttestationKey,
		"days", days,
		"txHash", txHash)
	return &Result{Success: true, TxHash: txHash, Message: fmt.Sprintf("Suspended for %d days", days)}, nil
}

func (e *Executor) revoke(ctx context.Context, item Item) (*Result, error) {
	reason := item.Action.Parameters.RevocationReason
	if reason == "" {
		reason = "Risk-based revocation"
	}

	txHash, err := e.submitter.Revoke(ctx, item.AttestationKey, reason)
	if err != nil {
		e.logger.Error("failed to revoke attestation",
			"wallet", item.WalletAddress,
			"attestationKey", item.AttestationKey,
			"error", err)
		return &Result{Message: fmt.Sprintf("Revoke failed: %v", err)}, err
	}

	// Revocation is a critical compliance event regardless of success path.
	e.logger.Error("attestation revoked",
		"wallet", item.WalletAddress,
		"attestationKey", item.AttestationKey,
		"reason", reason,
		"txHash", txHash)
	return &Result{Success: true, TxHash: txHash, Message: "Revoked: " + reason}, nil
}

// finish fills common result fields, records the audit entry, and publishes
// the feed event.
func (e *Executor) finish(ctx context.Context, item Item, result *Result) *Result {
	result.ID = idgen.WithPrefix("act_")
	result.WalletAddress = item.WalletAddress
	result.ActionType = item.Action.Type
	result.Timestamp = time.Now()

	if e.store != nil {
		if err := e.store.Record(ctx, result); err != nil {
			e.logger.Warn("failed to record action result", "error", err)
		}
	}
	if e.hub != nil {
		e.hub.Publish(&feed.Event{
			Type:   feed.EventActionExecuted,
			Wallet: item.WalletAddress,
			Data:   result,
		})
	}
	return result
}

// ExecuteBatch runs actions sequentially with a short inter-action delay to
// respect registry rate limits. Failures and approval refusals become failed
// results; they never abort the batch.
func (e *Executor) ExecuteBatch(ctx context.Context, items []Item) []*Result {
	results := make([]*Result, 0, len(items))
	for i, item := range items {
		result, err := e.Execute(ctx, item)
		if err != nil && result == nil {
			result = &Result{
				WalletAddress: item.WalletAddress,
				ActionType:    item.Action.Type,
				Message:       err.Error(),
				Timestamp:     time.Now(),
			}
		}
		results = append(results, result)

		if i < len(items)-1 {
			select {
			case <-ctx.Done():
				return results
			case <-time.After(batchActionDelay):
			}
		}
	}
	return results
}

// Schedule parks a delayed action until its due time. Duplicate scheduling
// of the same action type for a wallet is allowed; the policy layer does not
// deduplicate.
func (e *Executor) Schedule(item Item) {
	due := time.Now().Add(time.Duration(item.Action.DelayMinutes) * time.Minute)

	e.mu.Lock()
	e.scheduled = append(e.scheduled, scheduledItem{Item: item, due: due})
	n := len(e.scheduled)
	e.mu.Unlock()

	metrics.ScheduledActions.Set(float64(n))
	e.logger.Info("action scheduled",
		"action", item.Action.Type,
		"wallet", item.WalletAddress,
		"due", due)
}

// PendingScheduled returns the number of actions waiting in the queue.
func (e *Executor) PendingScheduled() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.scheduled)
}

// DrainDue executes every scheduled action whose due time has passed,
// oldest first. Called on monitoring ticks.
func (e *Executor) DrainDue(ctx context.Context, now time.Time) []*Result {
	e.mu.Lock()
	var due []scheduledItem
	var remaining []scheduledItem
	for _, s := range e.scheduled {
		if !s.due.After(now) {
			due = append(due, s)
		} else {
			remaining = append(remaining, s)
		}
	}
	e.scheduled = remaining
	n := len(e.scheduled)
	e.mu.Unlock()

	metrics.ScheduledActions.Set(float64(n))
	if len(due) == 0 {
		return nil
	}

	sort.SliceStable(due, func(i, j int) bool { return due[i].due.Before(due[j].due) })

	items := make([]Item, len(due))
	for i, s := range due {
		items[i] = s.Item
	}
	e.logger.Info("draining due actions", "count", len(items))
	return e.ExecuteBatch(ctx, items)
}
