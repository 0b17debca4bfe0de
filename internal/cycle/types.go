package cycle

type State string

type Event string

const (
	StateIdle    State = "IDLE"
	StateBuild   State = "BUILD"
	StateEnter   State = "ENTER"
	StateHold    State = "HOLD"
	StateMonitor State = "MONITOR"
	StateExit    State = "EXIT"
	StatePersist State = "PERSIST"
)

const (
	EventBuild   Event = "BUILD"
	EventEnter   Event = "ENTER"
	EventHold    Event = "HOLD"
	EventMonitor Event = "MONITOR"
	EventExit    Event = "EXIT"
	EventPersist Event = "PERSIST"
	EventDone    Event = "DONE"
	EventAbort   Event = "ABORT"
)
