package common

import (
	"errors"
	"fmt"
	"time"
)

// ErrFault marks a contained collaborator failure: a panic, an error return
// or an exhausted effort budget inside a bounded call.
var ErrFault = errors.New("bounded call fault")

// DefaultEffortBudget is the ceiling applied to untrusted collaborator calls
// when the engine owner does not configure one.
const DefaultEffortBudget = 250 * time.Millisecond

type outcome[T any] struct {
	value T
	err   error
}

// SafeCallValue invokes an untrusted collaborator under an effort budget.
// Panics are recovered, error returns are wrapped and a call that does not
// finish within the budget is abandoned; in every failure case the returned
// error wraps ErrFault so callers can flip their local error flag instead of
// propagating the fault. A call that is abandoned keeps running on its own
// goroutine but can no longer touch the caller's state: results travel only
// through the channel.
func SafeCallValue[T any](budget time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if budget <= 0 {
		budget = DefaultEffortBudget
	}
	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[T]{err: fmt.Errorf("%w: panic: %v", ErrFault, r)}
			}
		}()
		value, err := fn()
		if err != nil {
			done <- outcome[T]{err: fmt.Errorf("%w: %v", ErrFault, err)}
			return
		}
		done <- outcome[T]{value: value}
	}()
	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.value, res.err
	case <-timer.C:
		return zero, fmt.Errorf("%w: effort budget exhausted", ErrFault)
	}
}

// SafeCall is SafeCallValue for collaborators that only report success.
func SafeCall(budget time.Duration, fn func() error) error {
	_, err := SafeCallValue(budget, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
