package bot

import (
	"fmt"
	"time"
)

// EventKind identifies a lifecycle event emitted by one of the batch jobs.
type EventKind string

const (
	// EventOpened fires when both legs of a pair are open. Source statuses
	// are ready (first entry) and transfering (re-entry after a transfer).
	EventOpened EventKind = "opened"

	// EventCapitalInsufficient fires when a ready bot fails the capital
	// check and the shortfall cannot be fixed by internal wallet moves.
	EventCapitalInsufficient EventKind = "capital_insufficient"

	// EventMaldistributed fires when total capital suffices but one
	// exchange is short and funds must move cross-exchange before opening.
	EventMaldistributed EventKind = "maldistributed"

	// EventStopLoss fires when cumulative losses breach the configured
	// stop-loss line while the bot is inside the transfer cycle.
	EventStopLoss EventKind = "stop_loss"

	// EventStopRequested asks the closer to unwind the pair. Reason must
	// be manual or safety.
	EventStopRequested EventKind = "stop_requested"

	// EventCloseSucceeded fires when the closer has closed every open leg
	// (or found none; StopReason no_positions records the empty case).
	// Routing depends on the recorded stop reason.
	EventCloseSucceeded EventKind = "close_succeeded"

	// EventCloseFailed fires when the closer could not fully unwind.
	// Reason must be partial_close or close_error.
	EventCloseFailed EventKind = "close_failed"

	// EventTransferStaged fires when an external withdrawal has been
	// submitted and the bot must wait for on-chain settlement.
	EventTransferStaged EventKind = "transfer_staged"

	// EventTransferSettled fires when the staged amount has arrived on the
	// destination exchange.
	EventTransferSettled EventKind = "transfer_settled"

	// EventAlreadyBalanced fires when the transfer manager finds the two
	// exchanges within tolerance and no external move is needed.
	EventAlreadyBalanced EventKind = "already_balanced"

	// EventRebalanceBreach fires when the market price crosses a rebalance
	// trigger on either leg of a running bot.
	EventRebalanceBreach EventKind = "rebalance_breach"

	// EventRebalanced fires when the balancer finishes adjusting margins
	// after a rebalance transfer.
	EventRebalanced EventKind = "rebalanced"

	// EventIncreaseRequested sends a running bot back through the opener
	// to deploy additional capital.
	EventIncreaseRequested EventKind = "increase_requested"

	// EventForceStopped retires a bot because a newer configuration was
	// created for the same user.
	EventForceStopped EventKind = "force_stopped"
)

// Event carries a lifecycle transition request. Reason fields are only
// consulted by the kinds documented above.
type Event struct {
	Kind           EventKind
	StopReason     StopReason
	TransferReason TransferReason
	TransferAmount float64
}

// TransitionError reports an event applied to a bot whose current status
// does not permit it.
type TransitionError struct {
	BotID  string
	Status Status
	Kind   EventKind
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("bot %s: event %s not allowed in status %s", e.BotID, e.Kind, e.Status)
}

// Apply mutates b according to the transition table. It is pure apart from
// the mutation: no I/O, no clock reads. now must be UTC. Jobs persist the
// mutated bot with a conditional update keyed on the previous status.
func Apply(b *Bot, ev Event, now time.Time) error {
	switch ev.Kind {
	case EventOpened:
		if b.Status != StatusReady && b.Status != StatusTransfering {
			return badTransition(b, ev)
		}
		if b.Status == StatusTransfering &&
			(b.TransferReason == TransferFirstStart || b.TransferReason == TransferEmergencyClose) {
			b.TransferReason = TransferNone
		} else {
			b.TransferReason = TransferWaiting
		}
		b.Status = StatusRunning
		b.StartedAt = now
		b.StoppedAt = time.Time{}
		b.StoppedType = StopNone

	case EventCapitalInsufficient:
		if b.Status != StatusReady {
			return badTransition(b, ev)
		}
		stop(b, StopNotEnoughCapital, now)

	case EventMaldistributed:
		if b.Status != StatusReady {
			return badTransition(b, ev)
		}
		b.Status = StatusTransferRequested
		b.TransferReason = TransferFirstStart

	case EventStopLoss:
		if b.Status != StatusTransfering && b.Status != StatusTransferRequested {
			return badTransition(b, ev)
		}
		stop(b, StopLoss, now)

	case EventStopRequested:
		if ev.StopReason != StopManual && ev.StopReason != StopSafety {
			return fmt.Errorf("bot %s: stop reason %q is not requestable", b.ID, ev.StopReason)
		}
		if b.Status != StatusRunning && b.Status != StatusExternalTransferPending {
			return badTransition(b, ev)
		}
		b.Status = StatusStopRequested
		b.StoppedType = ev.StopReason

	case EventCloseSucceeded:
		if b.Status != StatusStopRequested {
			return badTransition(b, ev)
		}
		if b.StoppedType == StopSafety {
			b.Status = StatusTransferRequested
			b.TransferReason = TransferEmergencyClose
		} else if ev.StopReason == StopNoPositions {
			stop(b, StopNoPositions, now)
		} else {
			stop(b, StopSuccess, now)
		}

	case EventCloseFailed:
		if ev.StopReason != StopPartialClose && ev.StopReason != StopCloseError {
			return fmt.Errorf("bot %s: close failure reason %q not recognized", b.ID, ev.StopReason)
		}
		if b.Status != StatusStopRequested {
			return badTransition(b, ev)
		}
		stop(b, ev.StopReason, now)

	case EventTransferStaged:
		if b.Status != StatusTransferRequested {
			return badTransition(b, ev)
		}
		b.Status = StatusExternalTransferPending
		b.TransferAmount = ev.TransferAmount

	case EventTransferSettled:
		if b.Status != StatusExternalTransferPending {
			return badTransition(b, ev)
		}
		b.Status = StatusTransfering
		b.TransferAmount = 0

	case EventAlreadyBalanced:
		if b.Status != StatusTransferRequested {
			return badTransition(b, ev)
		}
		b.Status = StatusTransfering

	case EventRebalanceBreach:
		if b.Status != StatusRunning {
			return badTransition(b, ev)
		}
		b.Status = StatusTransferRequested
		b.TransferReason = TransferRebalance

	case EventRebalanced:
		if b.Status != StatusTransfering {
			return badTransition(b, ev)
		}
		b.Status = StatusRunning
		b.TransferReason = TransferNone
		b.TransferAmount = 0

	case EventIncreaseRequested:
		if b.Status != StatusRunning {
			return badTransition(b, ev)
		}
		b.Status = StatusReady
		b.StoppedAt = time.Time{}
		b.StoppedType = StopNone

	case EventForceStopped:
		if b.Status == StatusStopped {
			return badTransition(b, ev)
		}
		stop(b, StopNewInstance, now)

	default:
		return fmt.Errorf("bot %s: unknown event kind %q", b.ID, ev.Kind)
	}

	b.RetryCount = 0
	b.StatusChangedAt = now
	return nil
}

func stop(b *Bot, reason StopReason, now time.Time) {
	b.Status = StatusStopped
	b.StoppedType = reason
	b.StoppedAt = now
}

func badTransition(b *Bot, ev Event) error {
	return &TransitionError{BotID: b.ID, Status: b.Status, Kind: ev.Kind}
}
