package wager

import (
	"errors"
	"fmt"
)

// Kind classifies a failed engine operation.
type Kind int

const (
	// KindValidation is bad input. Nothing was mutated.
	KindValidation Kind = iota + 1
	// KindBusinessRule is a well-formed request the ledger refuses.
	KindBusinessRule
	// KindNotFound means the addressed bet, user or competition does not exist.
	KindNotFound
	// KindStorage is a persistence failure. Callers may retry.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBusinessRule:
		return "business_rule"
	case KindNotFound:
		return "not_found"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Code is a stable machine-readable rejection reason.
type Code string

const (
	CodeInvalidStake           Code = "invalid_stake"
	CodeEmptyPrediction        Code = "empty_prediction"
	CodeUnknownUser            Code = "unknown_user"
	CodeUnknownCompetition     Code = "unknown_competition"
	CodeUnknownBetType         Code = "unknown_bet_type"
	CodeInvalidOdds            Code = "invalid_odds"
	CodeInvalidScore           Code = "invalid_score"
	CodeInvalidAmount          Code = "invalid_amount"
	CodeInvalidCompetition     Code = "invalid_competition"
	CodeInvalidStatus          Code = "invalid_status"
	CodeBettingClosed          Code = "betting_closed"
	CodeInsufficientBalance    Code = "insufficient_balance"
	CodeBetNotCancellable      Code = "bet_not_cancellable"
	CodeCompetitionNotFinished Code = "competition_not_finished"
	CodeInvalidTransition      Code = "invalid_transition"
	CodeBetNotFound            Code = "bet_not_found"
	CodeCompetitionNotFound    Code = "competition_not_found"
	CodeUserNotFound           Code = "user_not_found"
	CodeStorageFailure         Code = "storage_failure"
)

// Error is the typed failure every engine operation returns. Two errors
// match under errors.Is when their codes are equal.
type Error struct {
	Kind Kind
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := "wager: " + string(e.Code)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func (e *Error) withf(format string, args ...any) *Error {
	c := *e
	c.Msg = fmt.Sprintf(format, args...)
	return &c
}

var (
	ErrInvalidStake       = &Error{Kind: KindValidation, Code: CodeInvalidStake}
	ErrEmptyPrediction    = &Error{Kind: KindValidation, Code: CodeEmptyPrediction}
	ErrUnknownUser        = &Error{Kind: KindValidation, Code: CodeUnknownUser}
	ErrUnknownCompetition = &Error{Kind: KindValidation, Code: CodeUnknownCompetition}
	ErrUnknownBetType     = &Error{Kind: KindValidation, Code: CodeUnknownBetType}
	ErrInvalidOdds        = &Error{Kind: KindValidation, Code: CodeInvalidOdds}
	ErrInvalidScore       = &Error{Kind: KindValidation, Code: CodeInvalidScore}
	ErrInvalidAmount      = &Error{Kind: KindValidation, Code: CodeInvalidAmount}
	ErrInvalidCompetition = &Error{Kind: KindValidation, Code: CodeInvalidCompetition}
	ErrInvalidStatus      = &Error{Kind: KindValidation, Code: CodeInvalidStatus}

	ErrBettingClosed          = &Error{Kind: KindBusinessRule, Code: CodeBettingClosed}
	ErrInsufficientBalance    = &Error{Kind: KindBusinessRule, Code: CodeInsufficientBalance}
	ErrBetNotCancellable      = &Error{Kind: KindBusinessRule, Code: CodeBetNotCancellable}
	ErrCompetitionNotFinished = &Error{Kind: KindBusinessRule, Code: CodeCompetitionNotFinished}
	ErrInvalidTransition      = &Error{Kind: KindBusinessRule, Code: CodeInvalidTransition}

	ErrBetNotFound         = &Error{Kind: KindNotFound, Code: CodeBetNotFound}
	ErrCompetitionNotFound = &Error{Kind: KindNotFound, Code: CodeCompetitionNotFound}
	ErrUserNotFound        = &Error{Kind: KindNotFound, Code: CodeUserNotFound}

	ErrStorage = &Error{Kind: KindStorage, Code: CodeStorageFailure}
)

func storageFailure(op string, err error) *Error {
	return &Error{Kind: KindStorage, Code: CodeStorageFailure, Msg: op, Err: err}
}

// AsError extracts the engine error from err. Anything that is not an
// *Error is reported as a storage failure.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return storageFailure("unclassified", err)
}
