//go:build linux

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/orderforge/ordersvc/pkg/ordermodel"
	"github.com/orderforge/ordersvc/pkg/pricing"
	"github.com/orderforge/ordersvc/pkg/system/proc"
)

const (
	tickInterval  = 50 * time.Millisecond
	terminalGrace = 10 * time.Second

	stdoutLogName = "make-stdout.txt"
	stderrLogName = "make-stderr.txt"
)

// AccountBalanceLookup resolves the balance snapshot an order's account held
// at supervisor start. Implemented by pkg/store.
type AccountBalanceLookup interface {
	AccountBalanceForOrder(ctx context.Context, orderID int64) (float64, error)
}

// TerminalStatusWriter persists the single terminal row an order ever
// receives. Implemented by pkg/store.
type TerminalStatusWriter interface {
	WriteTerminalStatus(ctx context.Context, orderID int64, status ordermodel.JobTerminationStatus) error
}

// ManagerLink is the supervisor's view of the Manager actor: BeginWork
// registers the Live Handle so API callers can find it; FinishWork retires
// it. Defined here (rather than imported from pkg/manager) so pkg/manager
// can depend on pkg/supervisor without a import cycle.
type ManagerLink interface {
	BeginWork(orderID int64, handle *Handle)
	FinishWork(orderID int64)
}

// Params are the supervisor's invocation arguments: everything the spec's
// (order_id, db, manager_sender, uploaded_files, uploaded_mb) tuple carries.
type Params struct {
	OrderID       int64
	WorkDir       string
	UploadedFiles int
	UploadedMB    float64
}

// Run is the Order Supervisor's full lifecycle: register, resolve balance,
// fork+exec make under a fresh session, sample and bill the subtree,
// enforce stop/overdraft, reap, and persist the terminal row. It returns
// success (nil) for every outcome the spec treats as "supervisor completed
// normally", including an account-missing abort and a failed-exec child —
// both produce a terminal row, just not the happy-path one. It returns a
// non-nil error only for the handful of cases the spec says the Manager's
// prune loop must convert into a VeryAbnormalTermination: the OS refused to
// start a process at all, or reaping the child failed outright.
func Run(ctx context.Context, p Params, accounts AccountBalanceLookup, store TerminalStatusWriter, mgr ManagerLink) error {
	handle := NewHandle()
	// Every exit path below — including the ErrForkFailed/ErrWaitFailed
	// returns that skip supervise's own closeTermination call — must still
	// close the termination channel, or a subscriber holding a clone never
	// learns the supervisor is gone. closeTermination is idempotent, so
	// this is safe even on the happy path where supervise/finishAbnormal
	// already closed it.
	defer handle.closeTermination()
	mgr.BeginWork(p.OrderID, handle)

	balance, err := accounts.AccountBalanceForOrder(ctx, p.OrderID)
	if err != nil {
		reason := fmt.Sprintf("could not find account for order: %v", err)
		return finishAbnormal(ctx, p.OrderID, handle, store, mgr, ordermodel.NewAbnormalTermination(reason))
	}

	stdoutFile, stderrFile, err := openLogFiles(p.WorkDir)
	if err != nil {
		return fmt.Errorf("%w: opening log files: %v", ErrForkFailed, err)
	}
	defer stdoutFile.Close()
	defer stderrFile.Close()
	writeBanner(stdoutFile, stderrFile)

	cmd := exec.Command("make")
	cmd.Dir = p.WorkDir
	cmd.Stdin = nil
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if startErr := cmd.Start(); startErr != nil {
		var pathErr *exec.Error
		if errors.As(startErr, &pathErr) {
			// The child never got to exec at all — report this the way the
			// spec's forked child would have: a natural exit with code 255,
			// reason recorded in the logs the child would otherwise have
			// written itself.
			fmt.Fprintf(stdoutFile, "exec failed: %v\n", startErr)
			fmt.Fprintf(stderrFile, "exec failed: %v\n", startErr)
			metrics := ordermodel.ExecutionMetrics{UploadedMB: p.UploadedMB, UploadedFiles: p.UploadedFiles}
			pricingInfo := pricing.Current()
			costs := pricing.Cost(metrics, pricingInfo)
			status := ordermodel.NewProcessExit(255, ordermodel.CauseNaturalTermination, metrics, costs)
			return finishAbnormal(ctx, p.OrderID, handle, store, mgr, status)
		}
		return fmt.Errorf("%w: %v", ErrForkFailed, startErr)
	}

	return supervise(ctx, p, handle, balance, cmd, store, mgr)
}

func supervise(ctx context.Context, p Params, handle *Handle, balance float64, cmd *exec.Cmd, store TerminalStatusWriter, mgr ManagerLink) error {
	spawnedAt := time.Now()
	pricingInfo := pricing.Current()
	sampler := proc.NewSampler()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var overdraftStartedAt *time.Time
	terminationCause := ordermodel.CauseNaturalTermination
	causeLatched := false
	childShouldDie := false

	var metrics ordermodel.ExecutionMetrics
	var waitErr error

	for {
		sampler.Refresh(cmd.Process.Pid)

		metrics = ordermodel.ExecutionMetrics{
			CPUSeconds:      sampler.TotalCPUSeconds(),
			WallSeconds:     time.Since(spawnedAt).Seconds(),
			ProcessesForked: sampler.ProcessesForked(),
			UploadedMB:      p.UploadedMB,
			UploadedFiles:   p.UploadedFiles,
		}

		totalCost := pricing.Cost(metrics, pricingInfo)
		if residual := balance - totalCost; residual < 0 {
			if overdraftStartedAt == nil {
				now := time.Now()
				overdraftStartedAt = &now
			}
			elapsed := time.Since(*overdraftStartedAt).Seconds()
			remaining := pricingInfo.OverdraftSecondsAllowed - elapsed
			metrics.TimeUntilOverdraftStop = &remaining
			if remaining < 0 {
				childShouldDie = true
				if !causeLatched {
					terminationCause = ordermodel.CauseBalanceKill
					causeLatched = true
				}
			}
		}

		if handle.Stop.IsRaised() {
			childShouldDie = true
			if !causeLatched {
				terminationCause = ordermodel.CauseUserKill
				causeLatched = true
			}
		}

		handle.Status.Set(ordermodel.JobStatus{Kind: ordermodel.StatusExecuting, Metrics: &metrics})

		if childShouldDie {
			if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
				slog.Error("kill delivery failed", "order_id", p.OrderID, "pid", cmd.Process.Pid, "err", err)
			}
		}

		time.Sleep(tickInterval)

		select {
		case waitErr = <-waitDone:
			goto reaped
		default:
		}
	}

reaped:
	exitCode, err := exitCodeFromWaitErr(waitErr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWaitFailed, err)
	}

	costs := pricing.Cost(metrics, pricingInfo)
	status := ordermodel.NewProcessExit(exitCode, terminationCause, metrics, costs)
	handle.Status.Set(ordermodel.JobStatus{Kind: ordermodel.StatusTerminated, Terminated: &status})

	if err := store.WriteTerminalStatus(ctx, p.OrderID, status); err != nil {
		slog.Error("failed to persist terminal status", "order_id", p.OrderID, "err", err)
	}

	time.Sleep(terminalGrace)
	mgr.FinishWork(p.OrderID)
	handle.closeTermination()
	return nil
}

// finishAbnormal publishes and persists a terminal status that was decided
// before (or instead of) entering the supervise loop — the account-missing
// and exec-failure paths both land here.
func finishAbnormal(ctx context.Context, orderID int64, handle *Handle, store TerminalStatusWriter, mgr ManagerLink, status ordermodel.JobTerminationStatus) error {
	handle.Status.Set(ordermodel.JobStatus{Kind: ordermodel.StatusTerminated, Terminated: &status})
	if err := store.WriteTerminalStatus(ctx, orderID, status); err != nil {
		slog.Error("failed to persist terminal status", "order_id", orderID, "err", err)
	}
	time.Sleep(terminalGrace)
	mgr.FinishWork(orderID)
	handle.closeTermination()
	return nil
}

func openLogFiles(workDir string) (*os.File, *os.File, error) {
	stdoutFile, err := os.Create(filepath.Join(workDir, stdoutLogName))
	if err != nil {
		return nil, nil, err
	}
	stderrFile, err := os.Create(filepath.Join(workDir, stderrLogName))
	if err != nil {
		stdoutFile.Close()
		return nil, nil, err
	}
	return stdoutFile, stderrFile, nil
}

func writeBanner(stdoutFile, stderrFile *os.File) {
	banner := fmt.Sprintf("%s\n----- build started -----\n", time.Now().Format(time.RFC3339))
	fmt.Fprint(stdoutFile, banner)
	fmt.Fprint(stderrFile, banner)
}

// exitCodeFromWaitErr translates the error cmd.Wait() returns into an exit
// code: the process's real exit status (WEXITSTATUS) if it exited normally,
// or 128+signal, the shell convention, if a signal (our own SIGKILL,
// typically) ended it — so a SIGKILL shows up as 137, not as the bare
// signal number WTERMSIG reports. A non-exit error (the wait call itself
// failing) is returned as an error for the caller to treat as ErrWaitFailed.
func exitCodeFromWaitErr(waitErr error) (int, error) {
	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return 0, waitErr
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return ws.ExitStatus(), nil
	}
	return exitErr.ExitCode(), nil
}
