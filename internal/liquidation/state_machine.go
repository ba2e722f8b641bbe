package liquidation

import "sync"

type State string

type Event string

const (
	StateIdle             State = "IDLE"
	StateCancelingOrders  State = "CANCELING_ORDERS"
	StateClosingPositions State = "CLOSING_POSITIONS"
	StatePartialFailure   State = "PARTIAL_FAILURE"
	StateCheckpointed     State = "CHECKPOINTED"

	// StateAborted labels a finished run that stopped early. The machine
	// itself goes back to IDLE on EventAbort and never holds this state.
	StateAborted State = "ABORTED"
)

const (
	EventStart          Event = "START"
	EventOrdersCanceled Event = "ORDERS_CANCELED"
	EventItemFailed     Event = "ITEM_FAILED"
	EventCheckpointed   Event = "CHECKPOINTED"
	EventAbort          Event = "ABORT"
	EventDone           Event = "DONE"
)

type StateMachine struct {
	mu    sync.Mutex
	state State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateIdle}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nextState(s.state, event)
	return s.state
}

func (s *StateMachine) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// nextState ignores events that do not apply to the current state.
// PARTIAL_FAILURE absorbs further failures and phase changes; the run keeps
// going and can still checkpoint.
func nextState(current State, event Event) State {
	switch current {
	case StateIdle:
		if event == EventStart {
			return StateCancelingOrders
		}
	case StateCancelingOrders:
		switch event {
		case EventOrdersCanceled:
			return StateClosingPositions
		case EventItemFailed:
			return StatePartialFailure
		case EventAbort:
			return StateIdle
		}
	case StateClosingPositions:
		switch event {
		case EventItemFailed:
			return StatePartialFailure
		case EventCheckpointed:
			return StateCheckpointed
		case EventAbort:
			return StateIdle
		}
	case StatePartialFailure:
		switch event {
		case EventCheckpointed:
			return StateCheckpointed
		case EventAbort:
			return StateIdle
		}
	case StateCheckpointed:
		if event == EventDone {
			return StateIdle
		}
	}
	return current
}
