package health

import (
	"context"
)

// Pinger is implemented by stores and transports with a connectivity probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker gates readiness on the stream store. In-memory stores have
// nothing to probe and are registered as always-healthy.
func StoreChecker(p Pinger) Checker {
	fn := func(ctx context.Context) error { return nil }
	if p != nil {
		fn = p.Ping
	}
	return CheckFunc{CheckName: "stream-store", IsCritical: true, Fn: fn}
}

// RedisChecker reports on the trigger/bus transport. Non-critical: the sweep
// loop keeps instances advancing without Redis.
func RedisChecker(p Pinger) Checker {
	return CheckFunc{CheckName: "redis", IsCritical: false, Fn: p.Ping}
}
