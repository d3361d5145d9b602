package utils

import "time"

// Clock provides the current time. Services take one so tests can pin it.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// FixedClock always returns T.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }

// FuncClock wraps a function as a Clock.
type FuncClock func() time.Time

func (f FuncClock) Now() time.Time { return f() }
