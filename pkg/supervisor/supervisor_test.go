//go:build linux

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/orderforge/ordersvc/pkg/ordermodel"
	"github.com/orderforge/ordersvc/pkg/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAccounts struct {
	balance float64
	err     error
}

func (f *fakeAccounts) AccountBalanceForOrder(ctx context.Context, orderID int64) (float64, error) {
	return f.balance, f.err
}

type fakeStore struct {
	mu     sync.Mutex
	status *ordermodel.JobTerminationStatus
}

func (f *fakeStore) WriteTerminalStatus(ctx context.Context, orderID int64, status ordermodel.JobTerminationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := status
	f.status = &s
	return nil
}

func (f *fakeStore) get() *ordermodel.JobTerminationStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

type fakeManager struct {
	mu        sync.Mutex
	handles   map[int64]*Handle
	finished  map[int64]bool
	finishedC chan int64
}

func newFakeManager() *fakeManager {
	return &fakeManager{handles: map[int64]*Handle{}, finished: map[int64]bool{}, finishedC: make(chan int64, 4)}
}

func (f *fakeManager) BeginWork(orderID int64, handle *Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles[orderID] = handle
}

func (f *fakeManager) FinishWork(orderID int64) {
	f.mu.Lock()
	f.finished[orderID] = true
	f.mu.Unlock()
	f.finishedC <- orderID
}

// runAndWait calls Run in a goroutine (it sleeps out the terminal grace
// period) and returns once the fake manager observes FinishWork, with the
// error Run returned and the live handle it registered.
func runAndWait(t *testing.T, p Params, accounts AccountBalanceLookup) (*fakeStore, *fakeManager, error) {
	t.Helper()
	store := &fakeStore{}
	mgr := newFakeManager()

	errCh := make(chan error, 1)
	go func() { errCh <- Run(context.Background(), p, accounts, store, mgr) }()

	select {
	case orderID := <-mgr.finishedC:
		require.Equal(t, p.OrderID, orderID)
	// Long enough for a balance kill: the full overdraft allowance of the
	// current pricing, then the terminal grace period, plus slack.
	case <-time.After(time.Duration(pricing.Current().OverdraftSecondsAllowed*float64(time.Second)) + terminalGrace + 15*time.Second):
		t.Fatal("supervisor did not finish in time")
	}
	return store, mgr, <-errCh
}

func TestRun_HappyPath(t *testing.T) {
	dir := t.TempDir()
	writeMakefile(t, dir, "all:\n\tsh -c 'sleep 0.3; exit 0'\n")

	accounts := &fakeAccounts{balance: 1000.0}
	p := Params{OrderID: 1, WorkDir: dir, UploadedFiles: 3, UploadedMB: 0.2}

	store, _, err := runAndWait(t, p, accounts)
	require.NoError(t, err)

	status := store.get()
	require.NotNil(t, status)
	require.NotNil(t, status.ProcessExit)
	assert.Equal(t, 0, status.ProcessExit.ExitCode)
	assert.Equal(t, ordermodel.CauseNaturalTermination, status.ProcessExit.Cause)
	assert.GreaterOrEqual(t, status.ProcessExit.Metrics.ProcessesForked, 1)
	assert.GreaterOrEqual(t, status.ProcessExit.Metrics.WallSeconds, 0.2)

	assertLogsBeginWithBanner(t, dir)
}

func TestRun_UserKill(t *testing.T) {
	dir := t.TempDir()
	writeMakefile(t, dir, "all:\n\tsleep 60\n")

	accounts := &fakeAccounts{balance: 1_000_000.0}
	p := Params{OrderID: 2, WorkDir: dir}

	store := &fakeStore{}
	mgr := newFakeManager()
	errCh := make(chan error, 1)
	go func() { errCh <- Run(context.Background(), p, accounts, store, mgr) }()

	// Wait for BeginWork to register the handle, then raise stop.
	require.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		return mgr.handles[p.OrderID] != nil
	}, time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	mgr.mu.Lock()
	handle := mgr.handles[p.OrderID]
	mgr.mu.Unlock()
	handle.Stop.Raise()

	select {
	case orderID := <-mgr.finishedC:
		require.Equal(t, p.OrderID, orderID)
	case <-time.After(15 * time.Second):
		t.Fatal("supervisor did not finish in time")
	}
	require.NoError(t, <-errCh)

	status := store.get()
	require.NotNil(t, status)
	require.NotNil(t, status.ProcessExit)
	assert.Equal(t, ordermodel.CauseUserKill, status.ProcessExit.Cause)
}

func TestRun_BalanceKill(t *testing.T) {
	dir := t.TempDir()
	writeMakefile(t, dir, "all:\n\tsleep 60\n")

	accounts := &fakeAccounts{balance: 1.0}
	p := Params{OrderID: 3, WorkDir: dir}

	store, _, err := runAndWait(t, p, accounts)
	require.NoError(t, err)

	status := store.get()
	require.NotNil(t, status)
	require.NotNil(t, status.ProcessExit)
	assert.Equal(t, ordermodel.CauseBalanceKill, status.ProcessExit.Cause)
}

func TestRun_AccountMissing(t *testing.T) {
	dir := t.TempDir()
	accounts := &fakeAccounts{err: ErrAccountMissing}
	p := Params{OrderID: 4, WorkDir: dir}

	store, _, err := runAndWait(t, p, accounts)
	require.NoError(t, err)

	status := store.get()
	require.NotNil(t, status)
	require.NotNil(t, status.AbnormalTermination)
}

func TestRun_ExecFailure(t *testing.T) {
	dir := t.TempDir()
	// No Makefile present, and make is removed from PATH for this test so
	// cmd.Start() itself fails to find the binary.
	t.Setenv("PATH", "")

	accounts := &fakeAccounts{balance: 1000.0}
	p := Params{OrderID: 5, WorkDir: dir}

	store, _, err := runAndWait(t, p, accounts)
	require.NoError(t, err)

	status := store.get()
	require.NotNil(t, status)
	require.NotNil(t, status.ProcessExit)
	assert.Equal(t, 255, status.ProcessExit.ExitCode)
	assert.Equal(t, ordermodel.CauseNaturalTermination, status.ProcessExit.Cause)

	assertLogsBeginWithBanner(t, dir)
}

func TestRun_LogFileOpenFailureClosesTerminationAndReturnsForkFailed(t *testing.T) {
	// A working directory that doesn't exist makes openLogFiles fail before
	// any child is spawned, exercising the ErrForkFailed return that used to
	// leave the Live Handle's termination channel open forever — subscribers
	// would never learn the supervisor was done.
	dir := filepath.Join(t.TempDir(), "does-not-exist")

	accounts := &fakeAccounts{balance: 1000.0}
	p := Params{OrderID: 6, WorkDir: dir}

	store := &fakeStore{}
	mgr := newFakeManager()

	err := Run(context.Background(), p, accounts, store, mgr)
	require.ErrorIs(t, err, ErrForkFailed)

	mgr.mu.Lock()
	handle := mgr.handles[p.OrderID]
	mgr.mu.Unlock()
	require.NotNil(t, handle)
	assert.True(t, handle.IsTerminated(), "termination channel must close even on a fork-failure return")
}

func writeMakefile(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(dir+"/Makefile", []byte(content), 0o644))
}

func assertLogsBeginWithBanner(t *testing.T, dir string) {
	t.Helper()
	out, err := os.ReadFile(dir + "/make-stdout.txt")
	require.NoError(t, err)
	assert.Contains(t, string(out), "build started")
}
