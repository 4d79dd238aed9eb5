package schema

import (
	"strings"
	"time"

	"github.com/quantfold/strata/errs"
)

// State enumerates the generic strategy lifecycle. Concrete strategies extend
// this shape with their own sub-states but every instance fits these stages.
type State string

const (
	// StateInitializing is the state of a freshly created instance.
	StateInitializing State = "Initializing"
	// StateReady means the instance holds no position and may analyze entries.
	StateReady State = "Ready"
	// StateAnalyzing means the decision service is evaluating an entry.
	StateAnalyzing State = "Analyzing"
	// StatePendingEntry means entry was approved and awaits execution.
	StatePendingEntry State = "PendingEntry"
	// StateEntering means an entry order group is in flight.
	StateEntering State = "Entering"
	// StatePositionOpen means the entry group completed.
	StatePositionOpen State = "PositionOpen"
	// StateManaging means an open position is being adjusted.
	StateManaging State = "Managing"
	// StatePendingExit means exit was requested and awaits execution.
	StatePendingExit State = "PendingExit"
	// StateExiting means an exit order group is in flight.
	StateExiting State = "Exiting"
	// StateClosed means the position was fully exited.
	StateClosed State = "Closed"
	// StateError is reachable from any non-terminal state; the only state where
	// the believed position may diverge from reality.
	StateError State = "Error"
	// StateTerminated is terminal; the instance is archived, never deleted.
	StateTerminated State = "Terminated"
)

// Terminal reports whether no automatic transition leaves the state.
func (s State) Terminal() bool {
	switch s {
	case StateClosed, StateTerminated:
		return true
	default:
		return false
	}
}

// Validate checks the state against the supported set.
func (s State) Validate() error {
	switch s {
	case StateInitializing, StateReady, StateAnalyzing, StatePendingEntry,
		StateEntering, StatePositionOpen, StateManaging, StatePendingExit,
		StateExiting, StateClosed, StateError, StateTerminated:
		return nil
	default:
		return errs.New("schema/lifecycle", errs.CodeInvalid, errs.WithMessage("unknown lifecycle state"), errs.WithField("state", string(s)))
	}
}

// Trigger names an event that may cause a lifecycle transition.
type Trigger string

const (
	// TriggerActivate moves a fresh instance into Ready.
	TriggerActivate Trigger = "Activate"
	// TriggerAnalyze starts entry evaluation.
	TriggerAnalyze Trigger = "Analyze"
	// TriggerEntryApproved moves an analyzed instance toward entry.
	TriggerEntryApproved Trigger = "EntryApproved"
	// TriggerEntryDeclined returns an analyzed instance to Ready.
	TriggerEntryDeclined Trigger = "EntryDeclined"
	// TriggerEnter starts atomic entry execution.
	TriggerEnter Trigger = "Enter"
	// TriggerManage moves an open position into active management.
	TriggerManage Trigger = "Manage"
	// TriggerAdjust runs an adjustment group while managing.
	TriggerAdjust Trigger = "Adjust"
	// TriggerExitRequested moves an open position toward exit.
	TriggerExitRequested Trigger = "ExitRequested"
	// TriggerExit starts atomic exit execution.
	TriggerExit Trigger = "Exit"
	// TriggerReset recovers an errored instance back to Ready after reconciliation.
	TriggerReset Trigger = "Reset"
	// TriggerTerminate archives a closed instance.
	TriggerTerminate Trigger = "Terminate"
	// TriggerFault records an invariant violation; valid from any non-terminal state.
	TriggerFault Trigger = "Fault"
)

// Transition is one append-only state-history entry.
type Transition struct {
	At       time.Time         `json:"at"`
	From     State             `json:"from"`
	To       State             `json:"to"`
	Trigger  Trigger           `json:"trigger"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks a history entry.
func (t Transition) Validate() error {
	if err := t.From.Validate(); err != nil {
		return err
	}
	if err := t.To.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(string(t.Trigger)) == "" {
		return errs.New("schema/lifecycle", errs.CodeInvalid, errs.WithMessage("trigger required"))
	}
	return nil
}

// CloneTransitions deep-copies a history slice including metadata maps.
func CloneTransitions(history []Transition) []Transition {
	if len(history) == 0 {
		return nil
	}
	out := make([]Transition, len(history))
	for i, entry := range history {
		cloned := entry
		if len(entry.Metadata) > 0 {
			cloned.Metadata = make(map[string]string, len(entry.Metadata))
			for k, v := range entry.Metadata {
				cloned.Metadata[k] = v
			}
		}
		out[i] = cloned
	}
	return out
}
