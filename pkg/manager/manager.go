// Package manager implements the single actor that owns the registry of
// live orders and serializes every cross-component mutation: allocating
// orders, spawning supervisors, and pruning finished ones.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/orderforge/ordersvc/pkg/ordermodel"
	"github.com/orderforge/ordersvc/pkg/supervisor"
)

// Store is everything the Manager needs from persistence. pkg/store's
// Store satisfies it directly; it also satisfies supervisor.AccountBalanceLookup
// and supervisor.TerminalStatusWriter, which the Manager hands straight
// through to each supervisor it spawns.
type Store interface {
	supervisor.AccountBalanceLookup
	supervisor.TerminalStatusWriter
	InsertOrder(ctx context.Context, userID int64) (int64, error)
	DeleteOrder(ctx context.Context, orderID int64) error
	SetSrcFileList(ctx context.Context, orderID int64, files []string) error
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Manager is the actor. Construct with New and start its loop with Run in
// its own goroutine.
type Manager struct {
	store   Store
	baseDir string
	cmds    chan any

	handles map[int64]*supervisor.Handle
	tasks   map[int64]*task
}

// New builds a Manager. baseDir is the root under which each order gets its
// own working directory (named after its ID), matching the original's
// `/compile/<id>` layout.
func New(store Store, baseDir string) *Manager {
	return &Manager{
		store:   store,
		baseDir: baseDir,
		cmds:    make(chan any, 64),
		handles: make(map[int64]*supervisor.Handle),
		tasks:   make(map[int64]*task),
	}
}

// Run is the actor's command loop. It blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	pruneTicker := time.NewTicker(30 * time.Second)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pruneTicker.C:
			m.pruneDeadJobs()
		case c := <-m.cmds:
			m.handle(c)
		}
	}
}

func (m *Manager) handle(c any) {
	switch cmd := c.(type) {
	case allocateOrderCmd:
		m.doAllocateOrder(cmd)
	case uploadFilesCmd:
		m.doUploadFiles(cmd)
	case beginWorkCmd:
		m.handles[cmd.orderID] = cmd.handle
	case finishWorkCmd:
		delete(m.handles, cmd.orderID)
		delete(m.tasks, cmd.orderID)
	case queryLiveStatusCmd:
		m.doQueryLiveStatus(cmd)
	default:
		slog.Error("manager: unknown command", "type", fmt.Sprintf("%T", c))
	}
}

type allocateOrderCmd struct {
	ctx    context.Context
	userID int64
	reply  chan allocateOrderResult
}

type allocateOrderResult struct {
	orderID int64
	err     error
}

// AllocateOrder creates the order's row and working directory and returns
// its ID.
func (m *Manager) AllocateOrder(ctx context.Context, userID int64) (int64, error) {
	// Unbuffered, so the actor's send succeeds only while this caller is
	// still waiting; once ctx is done the actor takes its cleanup branch.
	reply := make(chan allocateOrderResult)
	select {
	case m.cmds <- allocateOrderCmd{ctx: ctx, userID: userID, reply: reply}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.orderID, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (m *Manager) doAllocateOrder(cmd allocateOrderCmd) {
	orderID, err := m.store.InsertOrder(cmd.ctx, cmd.userID)
	var dir string
	if err == nil {
		dir = m.orderDir(orderID)
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			err = fmt.Errorf("creating order directory: %w", mkErr)
		}
	}

	select {
	case cmd.reply <- allocateOrderResult{orderID: orderID, err: err}:
	case <-cmd.ctx.Done():
		// The requester gave up before we could deliver the result; undo
		// the allocation rather than leave an orphaned row and directory.
		if err == nil {
			if delErr := m.store.DeleteOrder(context.Background(), orderID); delErr != nil {
				slog.Error("manager: cleanup after abandoned allocate failed", "order_id", orderID, "err", delErr)
			}
			_ = os.RemoveAll(dir)
		}
	}
}

type uploadFilesCmd struct {
	orderID       int64
	fileList      []string
	uploadedFiles int
	uploadedMB    float64
}

// UploadFiles records that an order's files are in place (persisting
// fileList as the order's src_file_list, per spec.md §3) and spawns its
// supervisor.
func (m *Manager) UploadFiles(orderID int64, fileList []string, uploadedFiles int, uploadedMB float64) {
	m.cmds <- uploadFilesCmd{orderID: orderID, fileList: fileList, uploadedFiles: uploadedFiles, uploadedMB: uploadedMB}
}

func (m *Manager) doUploadFiles(cmd uploadFilesCmd) {
	if err := m.store.SetSrcFileList(context.Background(), cmd.orderID, cmd.fileList); err != nil {
		slog.Error("manager: recording src_file_list failed", "order_id", cmd.orderID, "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}
	m.tasks[cmd.orderID] = t

	params := supervisor.Params{
		OrderID:       cmd.orderID,
		WorkDir:       m.orderDir(cmd.orderID),
		UploadedFiles: cmd.uploadedFiles,
		UploadedMB:    cmd.uploadedMB,
	}

	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("task panic: %v", r)
			}
		}()
		t.err = supervisor.Run(ctx, params, m.store, m.store, m)
	}()
}

type beginWorkCmd struct {
	orderID int64
	handle  *supervisor.Handle
}

// BeginWork implements supervisor.ManagerLink.
func (m *Manager) BeginWork(orderID int64, handle *supervisor.Handle) {
	m.cmds <- beginWorkCmd{orderID: orderID, handle: handle}
}

type finishWorkCmd struct {
	orderID int64
}

// FinishWork implements supervisor.ManagerLink.
func (m *Manager) FinishWork(orderID int64) {
	m.cmds <- finishWorkCmd{orderID: orderID}
}

type queryLiveStatusCmd struct {
	orderID int64
	reply   chan *supervisor.Handle
}

// QueryLiveStatus returns a clone of the order's Live Handle, or nil if none
// is registered or its termination has already been observed.
func (m *Manager) QueryLiveStatus(orderID int64) *supervisor.Handle {
	reply := make(chan *supervisor.Handle, 1)
	m.cmds <- queryLiveStatusCmd{orderID: orderID, reply: reply}
	return <-reply
}

func (m *Manager) doQueryLiveStatus(cmd queryLiveStatusCmd) {
	h, ok := m.handles[cmd.orderID]
	if !ok {
		cmd.reply <- nil
		return
	}
	if h.IsTerminated() {
		// Termination already observed; prune now instead of waiting for
		// the next sweep.
		delete(m.handles, cmd.orderID)
		cmd.reply <- nil
		return
	}
	cmd.reply <- h.Clone()
}

// pruneDeadJobs drops completed tasks and converts any that ended in error
// into a VeryAbnormalTermination row, since their supervisor never reached
// its own terminal-status write.
func (m *Manager) pruneDeadJobs() {
	for orderID, t := range m.tasks {
		select {
		case <-t.done:
		default:
			continue
		}
		t.cancel()
		delete(m.tasks, orderID)
		delete(m.handles, orderID)

		if t.err == nil {
			continue
		}
		reason := fmt.Sprintf("supervisor task failed: %v", t.err)
		status := ordermodel.NewVeryAbnormalTermination(reason)
		if err := m.store.WriteTerminalStatus(context.Background(), orderID, status); err != nil {
			slog.Error("manager: failed to persist prune status", "order_id", orderID, "err", err)
		}
	}
}

func (m *Manager) orderDir(orderID int64) string {
	return filepath.Join(m.baseDir, strconv.FormatInt(orderID, 10))
}

// OrderDir returns the working directory path for orderID, for callers
// (the upload handler) that need to place files before calling UploadFiles.
func (m *Manager) OrderDir(orderID int64) string {
	return m.orderDir(orderID)
}
