package liquidation

import "testing"

func TestStateMachineHappyPath(t *testing.T) {
	sm := NewStateMachine()
	steps := []struct {
		event Event
		want  State
	}{
		{EventStart, StateCancelingOrders},
		{EventOrdersCanceled, StateClosingPositions},
		{EventCheckpointed, StateCheckpointed},
		{EventDone, StateIdle},
	}
	for _, step := range steps {
		if got := sm.Apply(step.event); got != step.want {
			t.Fatalf("%s: expected %s, got %s", step.event, step.want, got)
		}
	}
}

func TestStateMachinePartialFailureStillCheckpoints(t *testing.T) {
	sm := NewStateMachine()
	sm.Apply(EventStart)
	if got := sm.Apply(EventItemFailed); got != StatePartialFailure {
		t.Fatalf("expected partial failure, got %s", got)
	}
	if got := sm.Apply(EventOrdersCanceled); got != StatePartialFailure {
		t.Fatalf("expected partial failure to absorb phase change, got %s", got)
	}
	if got := sm.Apply(EventItemFailed); got != StatePartialFailure {
		t.Fatalf("expected partial failure to absorb failures, got %s", got)
	}
	if got := sm.Apply(EventCheckpointed); got != StateCheckpointed {
		t.Fatalf("expected checkpointed, got %s", got)
	}
}

func TestStateMachineAbortReturnsIdle(t *testing.T) {
	sm := NewStateMachine()
	sm.Apply(EventStart)
	sm.Apply(EventOrdersCanceled)
	if got := sm.Apply(EventAbort); got != StateIdle {
		t.Fatalf("expected idle after abort, got %s", got)
	}
}

func TestStateMachineIgnoresInvalidEvents(t *testing.T) {
	sm := NewStateMachine()
	if got := sm.Apply(EventCheckpointed); got != StateIdle {
		t.Fatalf("expected idle to ignore checkpoint, got %s", got)
	}
	sm.Apply(EventStart)
	if got := sm.Apply(EventStart); got != StateCancelingOrders {
		t.Fatalf("expected restart to be ignored, got %s", got)
	}
}
