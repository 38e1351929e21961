package bot

import (
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestBot(status Status) *Bot {
	return &Bot{
		ID:      "bot-1",
		UserID:  "user-1",
		Status:  status,
		Capital: 100,
	}
}

func TestApplyFirstStartCycle(t *testing.T) {
	b := newTestBot(StatusReady)

	if err := Apply(b, Event{Kind: EventMaldistributed}, testNow); err != nil {
		t.Fatalf("maldistributed: %v", err)
	}
	if b.Status != StatusTransferRequested || b.TransferReason != TransferFirstStart {
		t.Fatalf("expected transfer_requested/first_start, got %s/%s", b.Status, b.TransferReason)
	}

	if err := Apply(b, Event{Kind: EventTransferStaged, TransferAmount: 25.5}, testNow); err != nil {
		t.Fatalf("staged: %v", err)
	}
	if b.Status != StatusExternalTransferPending || b.TransferAmount != 25.5 {
		t.Fatalf("expected external_transfer_pending with amount, got %s/%v", b.Status, b.TransferAmount)
	}

	if err := Apply(b, Event{Kind: EventTransferSettled}, testNow); err != nil {
		t.Fatalf("settled: %v", err)
	}
	if b.Status != StatusTransfering || b.TransferAmount != 0 {
		t.Fatalf("expected transfering with cleared amount, got %s/%v", b.Status, b.TransferAmount)
	}

	if err := Apply(b, Event{Kind: EventOpened}, testNow); err != nil {
		t.Fatalf("opened: %v", err)
	}
	if b.Status != StatusRunning {
		t.Fatalf("expected running, got %s", b.Status)
	}
	if b.TransferReason != TransferNone {
		t.Fatalf("first_start re-entry should clear transfer reason, got %s", b.TransferReason)
	}
	if !b.StartedAt.Equal(testNow) {
		t.Fatalf("expected started_at %v, got %v", testNow, b.StartedAt)
	}
}

func TestApplyOpenedFromReadySetsWaiting(t *testing.T) {
	b := newTestBot(StatusReady)
	if err := Apply(b, Event{Kind: EventOpened}, testNow); err != nil {
		t.Fatalf("opened: %v", err)
	}
	if b.TransferReason != TransferWaiting {
		t.Fatalf("expected waiting, got %s", b.TransferReason)
	}
}

func TestApplySafetyStopRoutesToEmergencyClose(t *testing.T) {
	b := newTestBot(StatusRunning)

	if err := Apply(b, Event{Kind: EventStopRequested, StopReason: StopSafety}, testNow); err != nil {
		t.Fatalf("stop request: %v", err)
	}
	if b.Status != StatusStopRequested || b.StoppedType != StopSafety {
		t.Fatalf("expected stop_requested/safety, got %s/%s", b.Status, b.StoppedType)
	}

	if err := Apply(b, Event{Kind: EventCloseSucceeded}, testNow); err != nil {
		t.Fatalf("close: %v", err)
	}
	if b.Status != StatusTransferRequested || b.TransferReason != TransferEmergencyClose {
		t.Fatalf("safety close should enter emergency transfer, got %s/%s", b.Status, b.TransferReason)
	}
}

func TestApplyCloseSucceededRecordsNoPositions(t *testing.T) {
	b := newTestBot(StatusStopRequested)
	b.StoppedType = StopManual

	if err := Apply(b, Event{Kind: EventCloseSucceeded, StopReason: StopNoPositions}, testNow); err != nil {
		t.Fatalf("close: %v", err)
	}
	if b.Status != StatusStopped || b.StoppedType != StopNoPositions {
		t.Fatalf("expected stopped/no_positions, got %s/%s", b.Status, b.StoppedType)
	}
}

func TestApplyManualStopEndsInSuccess(t *testing.T) {
	b := newTestBot(StatusRunning)

	if err := Apply(b, Event{Kind: EventStopRequested, StopReason: StopManual}, testNow); err != nil {
		t.Fatalf("stop request: %v", err)
	}
	if err := Apply(b, Event{Kind: EventCloseSucceeded}, testNow); err != nil {
		t.Fatalf("close: %v", err)
	}
	if b.Status != StatusStopped || b.StoppedType != StopSuccess {
		t.Fatalf("expected stopped/success, got %s/%s", b.Status, b.StoppedType)
	}
	if !b.StoppedAt.Equal(testNow) {
		t.Fatalf("expected stopped_at %v, got %v", testNow, b.StoppedAt)
	}
}

func TestApplyCloseFailure(t *testing.T) {
	b := newTestBot(StatusStopRequested)
	b.StoppedType = StopManual

	if err := Apply(b, Event{Kind: EventCloseFailed, StopReason: StopPartialClose}, testNow); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if b.Status != StatusStopped || b.StoppedType != StopPartialClose {
		t.Fatalf("expected stopped/partial_close, got %s/%s", b.Status, b.StoppedType)
	}
}

func TestApplyCloseFailureRejectsOtherReasons(t *testing.T) {
	b := newTestBot(StatusStopRequested)
	if err := Apply(b, Event{Kind: EventCloseFailed, StopReason: StopManual}, testNow); err == nil {
		t.Fatalf("expected error for unrecognized close failure reason")
	}
}

func TestApplyRebalanceCycle(t *testing.T) {
	b := newTestBot(StatusRunning)
	b.TransferReason = TransferWaiting

	if err := Apply(b, Event{Kind: EventRebalanceBreach}, testNow); err != nil {
		t.Fatalf("breach: %v", err)
	}
	if b.Status != StatusTransferRequested || b.TransferReason != TransferRebalance {
		t.Fatalf("expected transfer_requested/rebalance, got %s/%s", b.Status, b.TransferReason)
	}

	if err := Apply(b, Event{Kind: EventAlreadyBalanced}, testNow); err != nil {
		t.Fatalf("balanced: %v", err)
	}
	if b.Status != StatusTransfering {
		t.Fatalf("expected transfering, got %s", b.Status)
	}

	if err := Apply(b, Event{Kind: EventRebalanced}, testNow); err != nil {
		t.Fatalf("rebalanced: %v", err)
	}
	if b.Status != StatusRunning || b.TransferReason != TransferNone {
		t.Fatalf("expected running with cleared reason, got %s/%s", b.Status, b.TransferReason)
	}
}

func TestApplyStopLoss(t *testing.T) {
	b := newTestBot(StatusTransfering)
	if err := Apply(b, Event{Kind: EventStopLoss}, testNow); err != nil {
		t.Fatalf("stop loss: %v", err)
	}
	if b.Status != StatusStopped || b.StoppedType != StopLoss {
		t.Fatalf("expected stopped/stop_loss, got %s/%s", b.Status, b.StoppedType)
	}
}

func TestApplyIncreaseRequested(t *testing.T) {
	b := newTestBot(StatusRunning)
	b.Increase = true
	b.CapitalIncrease = 50

	if err := Apply(b, Event{Kind: EventIncreaseRequested}, testNow); err != nil {
		t.Fatalf("increase: %v", err)
	}
	if b.Status != StatusReady {
		t.Fatalf("expected ready, got %s", b.Status)
	}
	if !b.Increase || b.CapitalIncrease != 50 {
		t.Fatalf("increase fields must survive the transition")
	}
}

func TestApplyForceStopped(t *testing.T) {
	b := newTestBot(StatusTransfering)
	if err := Apply(b, Event{Kind: EventForceStopped}, testNow); err != nil {
		t.Fatalf("force stop: %v", err)
	}
	if b.Status != StatusStopped || b.StoppedType != StopNewInstance {
		t.Fatalf("expected stopped/new_instance, got %s/%s", b.Status, b.StoppedType)
	}

	if err := Apply(b, Event{Kind: EventForceStopped}, testNow); err == nil {
		t.Fatalf("stopped bot must not be force stopped again")
	}
}

func TestApplyInvalidTransition(t *testing.T) {
	b := newTestBot(StatusReady)
	err := Apply(b, Event{Kind: EventRebalanceBreach}, testNow)
	if err == nil {
		t.Fatalf("expected transition error")
	}
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError, got %T", err)
	}
	if b.Status != StatusReady {
		t.Fatalf("failed transition must not change status")
	}
}

func TestApplyResetsRetryCount(t *testing.T) {
	b := newTestBot(StatusRunning)
	b.RetryCount = 7
	if err := Apply(b, Event{Kind: EventRebalanceBreach}, testNow); err != nil {
		t.Fatalf("breach: %v", err)
	}
	if b.RetryCount != 0 {
		t.Fatalf("expected retry count reset, got %d", b.RetryCount)
	}
	if !b.StatusChangedAt.Equal(testNow) {
		t.Fatalf("expected status_changed_at %v, got %v", testNow, b.StatusChangedAt)
	}
}
