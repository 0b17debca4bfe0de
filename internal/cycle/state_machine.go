package cycle

import "sync"

type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateIdle}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = nextState(s.State, event)
	return s.State
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func nextState(current State, event Event) State {
	switch current {
	case StateIdle:
		if event == EventBuild {
			return StateBuild
		}
	case StateBuild:
		if event == EventEnter {
			return StateEnter
		}
		if event == EventAbort {
			return StateIdle
		}
	case StateEnter:
		if event == EventHold {
			return StateHold
		}
		if event == EventAbort {
			return StateIdle
		}
	case StateHold:
		if event == EventMonitor {
			return StateMonitor
		}
	case StateMonitor:
		if event == EventExit {
			return StateExit
		}
	case StateExit:
		if event == EventPersist {
			return StatePersist
		}
	case StatePersist:
		if event == EventDone {
			return StateIdle
		}
	}
	return current
}
