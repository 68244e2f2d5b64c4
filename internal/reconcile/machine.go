package reconcile

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// Per-generator reconciliation states
const (
	StatePending          = "pending"
	StateTelemetryFetched = "telemetry_fetched"
	StateLedgerUpdated    = "ledger_updated"
	StateTokensDispatched = "tokens_dispatched"
	StateDone             = "done"
	StateFailed           = "failed"
)

// Transition events
const (
	eventTelemetryFetched = "telemetry_fetched"
	eventLedgerUpdated    = "ledger_updated"
	eventTokensDispatched = "tokens_dispatched"
	eventDone             = "done"
	eventFailed           = "failed"
)

// progressMachine tracks one generator through a reconciliation cycle.
// Failure is reachable from every non-terminal state.
type progressMachine struct {
	fsm *fsm.FSM
}

func newProgressMachine(onTransition func(from, to string)) *progressMachine {
	nonTerminal := []string{StatePending, StateTelemetryFetched, StateLedgerUpdated, StateTokensDispatched}

	m := &progressMachine{}
	m.fsm = fsm.NewFSM(
		StatePending,
		fsm.Events{
			{Name: eventTelemetryFetched, Src: []string{StatePending}, Dst: StateTelemetryFetched},
			{Name: eventLedgerUpdated, Src: []string{StateTelemetryFetched}, Dst: StateLedgerUpdated},
			{Name: eventTokensDispatched, Src: []string{StateLedgerUpdated}, Dst: StateTokensDispatched},
			{Name: eventDone, Src: []string{StateTokensDispatched}, Dst: StateDone},
			{Name: eventFailed, Src: nonTerminal, Dst: StateFailed},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if onTransition != nil && e.Src != e.Dst {
					onTransition(e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// advance triggers a forward transition
func (m *progressMachine) advance(event string) error {
	if err := m.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("advance to %s: %w", event, err)
	}
	return nil
}

// fail moves the machine to the failed state; a no-op once terminal
func (m *progressMachine) fail() {
	if m.fsm.Can(eventFailed) {
		_ = m.fsm.Event(context.Background(), eventFailed)
	}
}

// current returns the current state
func (m *progressMachine) current() string {
	return m.fsm.Current()
}
