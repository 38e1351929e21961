package bot

import "time"

// Status is the lifecycle state of a bot. All coordination between the
// batch jobs happens through this field: each job scans for a disjoint
// set of statuses and advances bots through the transition table in
// machine.go.
type Status string

const (
	StatusReady                   Status = "ready"
	StatusRunning                 Status = "running"
	StatusStopRequested           Status = "stop_requested"
	StatusTransferRequested       Status = "transfer_requested"
	StatusExternalTransferPending Status = "external_transfer_pending"
	StatusTransfering             Status = "transfering"
	StatusStopped                 Status = "stopped"
)

// StopReason records why a bot is stopping or stopped.
type StopReason string

const (
	StopNone             StopReason = ""
	StopManual           StopReason = "manual"
	StopSafety           StopReason = "safety"
	StopLoss             StopReason = "stop_loss"
	StopNotEnoughCapital StopReason = "not_enough_capital"
	StopNoPositions      StopReason = "no_positions"
	StopNewInstance      StopReason = "new_instance"
	StopPartialClose     StopReason = "partial_close"
	StopCloseError       StopReason = "close_error"
	StopSuccess          StopReason = "success"
	StopError            StopReason = "error"
)

// TransferReason records why a bot entered the transfer cycle. Jobs that
// share a status (opener and balancer both scan "transfering") partition
// their work by this field.
type TransferReason string

const (
	TransferNone           TransferReason = ""
	TransferFirstStart     TransferReason = "first_start"
	TransferEmergencyClose TransferReason = "emergency_close"
	TransferRebalance      TransferReason = "rebalance"
	TransferWaiting        TransferReason = "waiting"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the order side that closes a position on this side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Bot is one lifecycle instance of a trading configuration. A user may
// accumulate many over time; only the most recently created one is current.
// Records are never deleted.
type Bot struct {
	ID     string
	UserID string

	ExchangeLong       string
	ExchangeShort      string
	Capital            float64
	Leverage           float64
	RebalanceThreshold float64
	SafetyThreshold    float64
	StopLossPercentage float64

	Status          Status
	StoppedType     StopReason
	TransferReason  TransferReason
	TransferAmount  float64
	Increase        bool
	CapitalIncrease float64

	CreatedAt time.Time
	StartedAt time.Time
	StoppedAt time.Time

	// RetryCount counts consecutive job cycles that touched this bot and
	// left its status unchanged. Reset on every successful transition.
	RetryCount      int
	StatusChangedAt time.Time
}

// Active reports whether the bot still participates in any control loop.
func (b *Bot) Active() bool {
	return b.Status != StatusStopped
}

type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
	PositionError  PositionStatus = "error"
)

// CloseReasonCompensation marks a leg whose best-effort compensation close
// failed after the paired leg could not be opened. The opener retries the
// close before opening anything new for the same bot.
const CloseReasonCompensation = "compensation_pending"

// Position is one exchange leg (long or short) tied to exactly one bot.
type Position struct {
	ID     string
	BotID  string
	UserID string

	Exchange string
	Symbol   string
	Side     Side

	Size       float64
	EntryPrice float64
	Leverage   float64

	// LiquidationPrice and the derived trigger levels are refreshed by the
	// threshold monitor. Zero means not yet available.
	LiquidationPrice float64
	SafetyValue      float64
	RebalanceValue   float64

	Status      PositionStatus
	OpenedAt    time.Time
	ClosedAt    time.Time
	ClosePrice  float64
	RealizedPnL float64
	CloseReason string
}
