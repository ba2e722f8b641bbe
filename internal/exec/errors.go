package exec

import (
	"errors"
	"fmt"

	"dydx-pairs-bot/internal/dydx/indexer"
)

var (
	ErrRejected      = errors.New("order rejected")
	ErrUnresolved    = errors.New("order unresolved")
	ErrTransient     = errors.New("indexer temporarily unavailable")
	ErrUnrecoverable = errors.New("order failed")
	ErrKeyBound      = errors.New("submission key already bound")
)

type Reason string

const (
	ReasonRejected      Reason = "rejected"
	ReasonUnresolved    Reason = "unresolved"
	ReasonTransient     Reason = "transient"
	ReasonUnrecoverable Reason = "unrecoverable"
)

// ReconciliationFailure explains why SubmitAndReconcile produced no order.
// Unresolved means the order may or may not exist; callers decide whether
// to retry, cancel by key or alert.
type ReconciliationFailure struct {
	Reason     Reason
	Market     string
	ClientID   uint32
	Code       uint32
	Codespace  string
	Log        string
	LastSeen   []indexer.Order
	Submission *SubmissionResult
	Err        error
}

func (f *ReconciliationFailure) Error() string {
	msg := fmt.Sprintf("reconcile %s client %d: %s", f.Market, f.ClientID, f.Reason)
	if f.Reason == ReasonRejected {
		msg += fmt.Sprintf(" (code %d/%s: %s)", f.Code, f.Codespace, f.Log)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *ReconciliationFailure) Unwrap() error {
	return f.Err
}

func (f *ReconciliationFailure) Is(target error) bool {
	switch target {
	case ErrRejected:
		return f.Reason == ReasonRejected
	case ErrUnresolved:
		return f.Reason == ReasonUnresolved
	case ErrTransient:
		return f.Reason == ReasonTransient
	case ErrUnrecoverable:
		return f.Reason == ReasonUnrecoverable
	}
	return false
}

// CancelRejectedError carries the node's reason for refusing a cancel of an
// order that is still live.
type CancelRejectedError struct {
	OrderID   string
	Code      uint32
	Codespace string
	Log       string
}

func (e *CancelRejectedError) Error() string {
	return fmt.Sprintf("cancel %s rejected: code %d/%s: %s", e.OrderID, e.Code, e.Codespace, e.Log)
}

func queryFailure(market string, clientID uint32, sub *SubmissionResult, err error) *ReconciliationFailure {
	reason := ReasonUnrecoverable
	if indexer.IsTransient(err) {
		reason = ReasonTransient
	}
	return &ReconciliationFailure{Reason: reason, Market: market, ClientID: clientID, Submission: sub, Err: err}
}
