package store

import "time"

// RunStatus is the run lifecycle state.
type RunStatus string

// Run lifecycle states. PENDING is initial; SUCCESS, FAILED and CANCELED
// are terminal and never left.
const (
	RunPending  RunStatus = "PENDING"
	RunRunning  RunStatus = "RUNNING"
	RunSuccess  RunStatus = "SUCCESS"
	RunFailed   RunStatus = "FAILED"
	RunCanceled RunStatus = "CANCELED"
)

// Terminal reports whether the status admits no further transition.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunCanceled
}

// TriggerType is the origin of a run.
type TriggerType string

// Run origins.
const (
	TriggerManual    TriggerType = "MANUAL"
	TriggerScheduled TriggerType = "SCHEDULED"
	TriggerRetry     TriggerType = "RETRY"
)

// LogLevel is the severity of a run log line.
type LogLevel string

// Run log levels.
const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// WorkerStatus is the operational state of a worker process.
type WorkerStatus string

// Worker states.
const (
	WorkerRunning WorkerStatus = "RUNNING"
	WorkerPaused  WorkerStatus = "PAUSED"
	WorkerStopped WorkerStatus = "STOPPED"
)

// AlertType classifies SLA alert events.
type AlertType string

// Alert types.
const (
	AlertLate          AlertType = "LATE"
	AlertFailureStreak AlertType = "FAILURE_STREAK"
	AlertWorkerDown    AlertType = "WORKER_DOWN"
	AlertQueueBacklog  AlertType = "QUEUE_BACKLOG"
)

// AlertSeverity grades alert events.
type AlertSeverity string

// Alert severities.
const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarn     AlertSeverity = "WARN"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// SentinelRobotID marks system-wide alerts (queue backlog, worker down)
// that are not tied to a single robot.
const SentinelRobotID = "00000000-0000-0000-0000-000000000000"

// ValidEnvName reports whether name is an allowed execution environment.
func ValidEnvName(name string) bool {
	switch name {
	case "PROD", "HML", "TEST":
		return true
	}
	return false
}

// Robot is a named, versioned automation unit.
type Robot struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ArtifactKind is the packaging of a version's artifact.
type ArtifactKind string

// Artifact packagings.
const (
	ArtifactZip ArtifactKind = "zip"
	ArtifactExe ArtifactKind = "exe"
)

// EntrypointKind tells the worker how to start the artifact.
type EntrypointKind string

// Entrypoint kinds.
const (
	EntrypointScript EntrypointKind = "script"
	EntrypointBinary EntrypointKind = "binary"
)

// RobotVersion is one published, immutable artifact of a robot.
type RobotVersion struct {
	ID              string            `json:"id"`
	RobotID         string            `json:"robot_id"`
	Version         string            `json:"version"`
	Channel         string            `json:"channel"`
	ArtifactKind    ArtifactKind      `json:"artifact_kind"`
	ArtifactDigest  string            `json:"artifact_digest"`
	EntrypointKind  EntrypointKind    `json:"entrypoint_kind"`
	EntrypointPath  string            `json:"entrypoint_path"`
	DefaultArgs     []string          `json:"default_arguments"`
	DefaultEnv      map[string]string `json:"default_env"`
	WorkingDir      string            `json:"working_dir,omitempty"`
	RequiredEnvKeys []string          `json:"required_env_keys"`
	Changelog       string            `json:"changelog,omitempty"`
	CommitSHA       string            `json:"commit_sha,omitempty"`
	Branch          string            `json:"branch,omitempty"`
	BuildURL        string            `json:"build_url,omitempty"`
	CreatedSource   string            `json:"created_source"`
	IsActive        bool              `json:"is_active"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Schedule is the per-robot cron configuration. One schedule per robot.
type Schedule struct {
	ID                  string     `json:"id"`
	RobotID             string     `json:"robot_id"`
	Enabled             bool       `json:"enabled"`
	CronExpr            string     `json:"cron_expr"`
	Timezone            string     `json:"timezone"`
	WindowStart         string     `json:"window_start,omitempty"`
	WindowEnd           string     `json:"window_end,omitempty"`
	MaxConcurrency      int        `json:"max_concurrency"`
	TimeoutSeconds      int        `json:"timeout_seconds"`
	RetryCount          int        `json:"retry_count"`
	RetryBackoffSeconds int        `json:"retry_backoff_seconds"`
	LastTickAt          *time.Time `json:"last_tick_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// SLARule turns lateness and repeated failures into alerts. One per robot.
type SLARule struct {
	ID                   string            `json:"id"`
	RobotID              string            `json:"robot_id"`
	ExpectedEveryMinutes *int              `json:"expected_every_minutes,omitempty"`
	ExpectedDailyTime    string            `json:"expected_daily_time,omitempty"`
	LateAfterMinutes     int               `json:"late_after_minutes"`
	AlertOnFailure       bool              `json:"alert_on_failure"`
	AlertOnLate          bool              `json:"alert_on_late"`
	NotifyChannels       map[string]string `json:"notify_channels,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// EnvBinding supplies one config or secret value to a robot's child
// process in a given environment. Value is always ciphertext at rest.
type EnvBinding struct {
	RobotID   string    `json:"robot_id"`
	EnvName   string    `json:"env_name"`
	Key       string    `json:"key"`
	Value     string    `json:"-"`
	IsSecret  bool      `json:"is_secret"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunParams are the caller-supplied runtime arguments and env overlay.
type RunParams struct {
	Args []string          `json:"runtime_arguments,omitempty"`
	Env  map[string]string `json:"runtime_env,omitempty"`
}

// Run is one attempt to execute a specific robot version.
type Run struct {
	RunID            string      `json:"run_id"`
	RobotID          string      `json:"robot_id"`
	RobotVersionID   string      `json:"robot_version_id"`
	ScheduleID       string      `json:"schedule_id,omitempty"`
	ScheduleFireTime *time.Time  `json:"schedule_fire_time,omitempty"`
	EnvName          string      `json:"env_name"`
	TriggerType      TriggerType `json:"trigger_type"`
	Attempt          int         `json:"attempt"`
	Params           RunParams   `json:"parameters"`
	Status           RunStatus   `json:"status"`
	QueuedAt         time.Time   `json:"queued_at"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	FinishedAt       *time.Time  `json:"finished_at,omitempty"`
	DurationSeconds  *float64    `json:"duration_seconds,omitempty"`
	TriggeredBy      string      `json:"triggered_by,omitempty"`
	HostName         string      `json:"host_name,omitempty"`
	ProcessID        *int        `json:"process_id,omitempty"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	CancelRequested  bool        `json:"cancel_requested"`
	CanceledAt       *time.Time  `json:"canceled_at,omitempty"`
	CanceledBy       string      `json:"canceled_by,omitempty"`
	WorkerID         string      `json:"worker_id,omitempty"`
	TimeoutSeconds   int         `json:"timeout_seconds,omitempty"`
}

// RunLog is one log line of a run, totally ordered by Seq.
type RunLog struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// Artifact is an output file produced by a run.
type Artifact struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentType string    `json:"content_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Worker is one registered worker process.
type Worker struct {
	ID            string       `json:"worker_id"`
	Hostname      string       `json:"hostname"`
	Status        WorkerStatus `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	Version       string       `json:"version,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// AlertEvent is one emitted SLA alert. At most one open event exists per
// (robot, type).
type AlertEvent struct {
	ID         string         `json:"id"`
	RobotID    string         `json:"robot_id"`
	RunID      string         `json:"run_id,omitempty"`
	Type       AlertType      `json:"type"`
	Severity   AlertSeverity  `json:"severity"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}
