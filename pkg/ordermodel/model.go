// Package ordermodel holds the plain data types shared by the store,
// manager, and supervisor: orders, accounts, execution metrics, and the
// tagged union describing how a job ended.
package ordermodel

import "encoding/json"

// Order is the persistent record of one user-submitted build job.
type Order struct {
	ID               int64
	UserID           int64
	CreatedAtUnix    int64
	SrcFileList      []string // originally uploaded relative paths
	IsRunning        bool
	IsOnDisk         bool
	StatusJSON       json.RawMessage // nil iff IsRunning
}

// Account is the balance-holding owner of orders. The core only ever reads
// Balance, once, when a supervisor starts; it never mutates accounts.
type Account struct {
	ID       int64
	UserName string
	Token    string
	Balance  float64
}

// ExecutionMetrics is the live (and final) resource-usage snapshot for a
// running or completed order.
type ExecutionMetrics struct {
	CPUSeconds            float64  `json:"cpu_seconds"`
	WallSeconds           float64  `json:"wall_seconds"`
	ProcessesForked       int      `json:"processes_forked"`
	UploadedMB            float64  `json:"uploaded_mb"`
	UploadedFiles         int      `json:"uploaded_files"`
	TimeUntilOverdraftStop *float64 `json:"time_until_overdraft_stop,omitempty"`
}

// TerminationCause explains why a ProcessExit happened.
type TerminationCause string

const (
	CauseNaturalTermination TerminationCause = "natural_termination"
	CauseUserKill           TerminationCause = "user_kill"
	CauseBalanceKill        TerminationCause = "balance_kill"
)

// JobStatus is the live status published to the Live Handle's status
// slot. Kind selects the state: Metrics is set for Executing, Terminated
// for Terminated, and neither for Preparing.
type JobStatusKind string

const (
	StatusPreparing JobStatusKind = "preparing"
	StatusExecuting JobStatusKind = "executing"
	StatusTerminated JobStatusKind = "terminated"
)

type JobStatus struct {
	Kind       JobStatusKind      `json:"kind"`
	Metrics    *ExecutionMetrics  `json:"metrics,omitempty"`
	Terminated *JobTerminationStatus `json:"terminated,omitempty"`
}

// JobTerminationStatus is the tagged union persisted as orders.status_json,
// the durable truth about how an order's life ended.
type JobTerminationStatus struct {
	// Exactly one of ProcessExit / AbnormalTermination / VeryAbnormalTermination is set.
	ProcessExit            *ProcessExit `json:"process_exit,omitempty"`
	AbnormalTermination    *string      `json:"abnormal_termination,omitempty"`
	VeryAbnormalTermination *string     `json:"very_abnormal_termination,omitempty"`
}

// ProcessExit records a successful supervise/reap cycle.
type ProcessExit struct {
	ExitCode int               `json:"exit_code"`
	Cause    TerminationCause  `json:"cause"`
	Metrics  ExecutionMetrics  `json:"metrics"`
	Costs    float64           `json:"costs"`
}

// NewAbnormalTermination builds a terminal status for a supervisor that
// could not start the job (e.g. the account vanished).
func NewAbnormalTermination(reason string) JobTerminationStatus {
	return JobTerminationStatus{AbnormalTermination: &reason}
}

// NewVeryAbnormalTermination builds a terminal status for a supervisor task
// that panicked, errored, or was found still "running" across a restart.
func NewVeryAbnormalTermination(reason string) JobTerminationStatus {
	return JobTerminationStatus{VeryAbnormalTermination: &reason}
}

// NewProcessExit builds a terminal status for a normal supervise/reap cycle.
func NewProcessExit(exitCode int, cause TerminationCause, metrics ExecutionMetrics, costs float64) JobTerminationStatus {
	return JobTerminationStatus{ProcessExit: &ProcessExit{
		ExitCode: exitCode,
		Cause:    cause,
		Metrics:  metrics,
		Costs:    costs,
	}}
}
