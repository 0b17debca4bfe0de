package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	CyclesCompleted Counter
	CyclesFailed    Counter
	OrdersPlaced    Counter
	OrdersFailed    Counter
	ForcedExits     Counter
	EmergencyCloses Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		CyclesCompleted: n,
		CyclesFailed:    n,
		OrdersPlaced:    n,
		OrdersFailed:    n,
		ForcedExits:     n,
		EmergencyCloses: n,
	}
}
