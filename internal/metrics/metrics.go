package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	BotsOpened          Counter
	OpenFailed          Counter
	PositionsClosed     Counter
	CloseFailed         Counter
	MarginAdjustments   Counter
	TransfersExecuted   Counter
	TransferFailed      Counter
	SafetyStops         Counter
	RebalanceTriggers   Counter
	RetryBudgetExceeded Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		BotsOpened:          n,
		OpenFailed:          n,
		PositionsClosed:     n,
		CloseFailed:         n,
		MarginAdjustments:   n,
		TransfersExecuted:   n,
		TransferFailed:      n,
		SafetyStops:         n,
		RebalanceTriggers:   n,
		RetryBudgetExceeded: n,
	}
}
