package manager

import "context"

// RestartSweeper marks every order still flagged running as a
// VeryAbnormalTermination. It is implemented by pkg/store and must run
// once, before the Manager accepts any traffic.
type RestartSweeper interface {
	SweepRunningOrders(ctx context.Context) (int, error)
}

// Sweep runs the startup sweep and returns how many rows it rewrote.
func Sweep(ctx context.Context, sweeper RestartSweeper) (int, error) {
	return sweeper.SweepRunningOrders(ctx)
}
