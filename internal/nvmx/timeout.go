package nvmx

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"k8s.io/klog/v2"

	"github.com/mayadata-io/nexus-engine/internal/errs"
	"github.com/mayadata-io/nexus-engine/internal/metrics"
)

// Action is the timeout-escalation action, in increasing severity order.
type Action int

const (
	ActionIgnore Action = iota
	ActionAbort
	ActionReset
	ActionHotRemove
)

func (a Action) String() string {
	switch a {
	case ActionIgnore:
		return "Ignore"
	case ActionAbort:
		return "Abort"
	case ActionReset:
		return "Reset"
	case ActionHotRemove:
		return "HotRemove"
	default:
		return "Unknown"
	}
}

const (
	// MaxResetAttempts bounds consecutive reset failures before the
	// cooldown window opens.
	MaxResetAttempts = 1
	// ResetCooldown is how long a controller refuses new resets once the
	// attempt budget is exhausted.
	ResetCooldown = 3 * time.Second
)

// TimeoutConfig is the per-controller timeout policy and exclusive-reset
// state machine.
//
// "First caller performs the reset, concurrent callers return immediately"
// and "N consecutive failures then cooldown, then recharge" are two
// distinct guarantees, implemented with two different primitives: an
// atomic CAS flag gives exclusivity, and a sony/gobreaker circuit breaker
// (Closed = attempts available, Open = within cooldown, HalfOpen = the
// single post-cooldown trial reset) gives the attempts/cooldown budget.
type TimeoutConfig struct {
	name       string
	controller *Controller

	action atomic.Int32 // Action

	resetInProgress atomic.Bool

	breaker *gobreaker.CircuitBreaker
}

func newTimeoutConfig(name string, c *Controller) *TimeoutConfig {
	tc := &TimeoutConfig{name: name, controller: c}
	tc.action.Store(int32(ActionReset))
	tc.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name + "-reset",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     ResetCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= MaxResetAttempts
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			klog.V(4).Infof("nvmx: reset breaker %s: %s -> %s", name, from, to)
		},
	})
	return tc
}

// Action returns the configured timeout action.
func (tc *TimeoutConfig) Action() Action { return Action(tc.action.Load()) }

// SetAction configures the timeout action.
func (tc *TimeoutConfig) SetAction(a Action) { tc.action.Store(int32(a)) }

// ResetBudgetExhausted reports whether a new reset is currently refused
// because the cooldown window has not yet elapsed.
func (tc *TimeoutConfig) ResetBudgetExhausted() bool {
	return tc.breaker.State() == gobreaker.StateOpen
}

// AbortFunc dispatches an NVMe Abort for cid on the channel's qpair.
type AbortFunc func(ctx context.Context, cid uint32) error

// ResetFunc performs the actual controller reset (reconnect every channel).
type ResetFunc func(ctx context.Context) error

// HandleTimeout applies uniform timeout/submission-error handling: decide
// the effective action (applying the CFS-upgrade rule), then execute it.
func (tc *TimeoutConfig) HandleTimeout(ctx context.Context, isAdminQpair, cfs bool, cid uint32, abort AbortFunc, reset ResetFunc) error {
	action := tc.Action()

	// If CFS (controller fatal status) is set on a non-admin timeout and
	// the configured action is not HotRemove, the effective action is
	// upgraded to Reset.
	if cfs && !isAdminQpair && action != ActionHotRemove {
		action = ActionReset
	}

	switch action {
	case ActionIgnore:
		klog.V(4).Infof("nvmx: %s: timeout ignored per policy", tc.name)
		return nil

	case ActionAbort:
		if isAdminQpair || abort == nil {
			klog.V(4).Infof("nvmx: %s: abort not applicable (admin qpair or no handler), escalating to reset", tc.name)
			return tc.TriggerReset(ctx, reset)
		}
		if err := abort(ctx, cid); err != nil {
			klog.Warningf("nvmx: %s: abort dispatch for cid=%d failed, escalating to reset: %v", tc.name, cid, err)
			return tc.TriggerReset(ctx, reset)
		}
		klog.V(4).Infof("nvmx: %s: abort for cid=%d dispatched", tc.name, cid)
		return nil

	case ActionReset:
		return tc.TriggerReset(ctx, reset)

	case ActionHotRemove:
		return tc.controller.HotRemove(ctx)

	default:
		return errs.New(errs.KindInternal, "unknown timeout action %v", action)
	}
}

// TriggerReset runs the exclusive reset protocol: the first caller to flip
// reset_in_progress false→true performs the reset; concurrent callers
// return immediately. The guard is released exactly once, from the reset
// completion path below.
func (tc *TimeoutConfig) TriggerReset(ctx context.Context, reset ResetFunc) error {
	if !tc.resetInProgress.CompareAndSwap(false, true) {
		klog.V(4).Infof("nvmx: %s: reset already in progress, ignoring concurrent trigger", tc.name)
		return nil
	}
	defer tc.resetInProgress.Store(false)

	if reset == nil {
		reset = func(context.Context) error { return nil }
	}

	_, err := tc.breaker.Execute(func() (any, error) {
		return nil, reset(ctx)
	})

	if err == gobreaker.ErrOpenState {
		klog.V(4).Infof("nvmx: %s: reset refused, within cooldown window", tc.name)
		metrics.RecordControllerReset(tc.name, "cooldown")
		return errs.New(errs.KindTimeout, "controller %s: reset refused, in cooldown", tc.name)
	}
	if err != nil {
		klog.Warningf("nvmx: %s: reset failed: %v", tc.name, err)
		metrics.RecordControllerReset(tc.name, "failed")
		return errs.Wrap(errs.KindInternal, err, "controller %s reset", tc.name)
	}
	klog.V(4).Infof("nvmx: %s: reset succeeded", tc.name)
	metrics.RecordControllerReset(tc.name, "success")
	return nil
}
