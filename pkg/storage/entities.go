package storage

// TaskStatus tracks a script task through its lifecycle.
type TaskStatus string

const (
	TaskWaiting            TaskStatus = "waiting"
	TaskRunning            TaskStatus = "running"
	TaskSendSuccess        TaskStatus = "send_success"
	TaskSuccess            TaskStatus = "success"
	TaskFailed             TaskStatus = "failed"
	TaskFailedWaitingRetry TaskStatus = "failed_waiting_retry"
	TaskCanceled           TaskStatus = "canceled"
	TaskWaitingTimeout     TaskStatus = "waiting_timeout"
)

// Terminal reports whether no further transition is permitted from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSuccess, TaskFailed, TaskCanceled, TaskWaitingTimeout:
		return true
	default:
		return false
	}
}

// RecordStatus is the outcome of one concrete execution attempt.
type RecordStatus string

const (
	RecordRunning  RecordStatus = "running"
	RecordSuccess  RecordStatus = "success"
	RecordFailed   RecordStatus = "failed"
	RecordCanceled RecordStatus = "canceled"
)

// LogType classifies a remote execution log line.
type LogType string

const (
	LogInfo        LogType = "info"
	LogError       LogType = "error"
	LogSuccess     LogType = "success"
	LogWarn        LogType = "warn"
	LogSystem      LogType = "system"
	LogSystemError LogType = "system_error"
)

// ScriptTask is the logical unit of work to run a script on one device.
type ScriptTask struct {
	ID               string
	Name             string
	Status           TaskStatus
	DeviceID         string
	Variables        map[string]any
	FileURLs         []string
	ExpectedExecTime int64 // unix seconds, 0 means run immediately
	NextExecTime     int64 // unix seconds, eligibility for pickup
	WaitTimeoutUnix  int64 // 0 means no wait deadline
	ExecTimeoutUnix  int64
	IsRetry          bool
	RetryCount       int
	FinishTime       int64
	FailReason       string
	IsDeleted        bool
	CreatedAt        int64
	UpdatedAt        int64
}

// ExecRecord is one concrete attempt to execute a ScriptTask on a device.
type ExecRecord struct {
	ID              string
	TaskID          string
	DeviceID        string
	DeviceLockValue int64
	Status          RecordStatus
	ExecTimeoutUnix int64
	FinishTime      int64
	FailReason      string
	CreatedAt       int64
	UpdatedAt       int64
}

// ExecLog is an append-only log line associated with an ExecRecord.
type ExecLog struct {
	ID        string
	TaskID    string
	RecordID  string
	DeviceID  string
	LogText   string
	LogType   LogType
	ExecuteAt int64
	CreatedAt int64
}

// ScriptCode holds the full script body for a task, stored apart from
// the task row so list queries stay cheap.
type ScriptCode struct {
	ID        string
	TaskID    string
	DeviceID  string
	Code      string
	CreatedAt int64
}
