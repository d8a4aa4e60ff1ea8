package clock

import "go.uber.org/fx"

// Module provides the UTC wall clock. Billing math depends on month
// boundaries, so everything downstream reads time through this one source;
// tests substitute a FakeClock instead.
var Module = fx.Module("clock",
	fx.Provide(func() Clock { return SystemClock{} }),
)
