package model

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// Error taxonomy. Strategy-level kinds never escape the executor; the rest
// surface as task outcomes.
var (
	ErrStrategyTimeout     = eris.New("strategy timed out")
	ErrStrategyError       = eris.New("strategy error")
	ErrNoViableStrategy    = eris.New("no viable strategy")
	ErrAllStrategiesFailed = eris.New("all strategies failed")
	ErrSourceUnavailable   = eris.New("source unavailable")
	ErrPersistenceFailed   = eris.New("persistence failed")
	ErrCancelled           = eris.New("task cancelled")
	ErrTaskNotFound        = eris.New("task not found")
	ErrTaskTerminal        = eris.New("task already finished")
)

var kindErrors = map[FailureKind]error{
	FailureStrategyTimeout:     ErrStrategyTimeout,
	FailureStrategyError:       ErrStrategyError,
	FailureNoViableStrategy:    ErrNoViableStrategy,
	FailureAllStrategiesFailed: ErrAllStrategiesFailed,
	FailureSourceUnavailable:   ErrSourceUnavailable,
	FailurePersistenceFailed:   ErrPersistenceFailed,
	FailureCancelled:           ErrCancelled,
}

// KindOf maps an error chain to its taxonomy kind. Unknown errors are
// reported as strategy errors.
func KindOf(err error) FailureKind {
	for kind, sentinel := range kindErrors {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return FailureStrategyError
}

// Err returns the sentinel for the failure kind wrapped with its message.
func (f Failure) Err() error {
	sentinel, ok := kindErrors[f.Kind]
	if !ok {
		return eris.New(f.Message)
	}
	if f.Message == "" {
		return sentinel
	}
	return eris.Wrap(sentinel, f.Message)
}

func stringify(v any) string {
	return fmt.Sprintf("%v", v)
}
