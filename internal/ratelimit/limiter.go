package ratelimit

import "context"

// Class is the operation a device is being throttled on.
type Class string

const (
	ClassPush Class = "push"
	ClassPull Class = "pull"
)

// Limiter decides whether a device may perform one more operation of a class.
type Limiter interface {
	Allow(ctx context.Context, deviceID string, class Class) (bool, error)
}

// Policy is a per-class allowance expressed per minute. Burst defaults to
// the per-minute allowance.
type Policy struct {
	PerMinute int
	Burst     int
}

func (p Policy) burst() int {
	if p.Burst > 0 {
		return p.Burst
	}
	if p.PerMinute > 0 {
		return p.PerMinute
	}
	return 1
}

// Policies maps a class to its allowance. A class without a policy is unlimited.
type Policies map[Class]Policy

// Noop allows everything. Used when rate limiting is disabled.
type Noop struct{}

func (Noop) Allow(context.Context, string, Class) (bool, error) { return true, nil }
