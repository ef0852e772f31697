package stores

import (
	"context"
	"time"

	"github.com/openfroyo/agentbox/pkg/engine"
)

// Run is one recorded agentbox run.
type Run struct {
	ID           string          `json:"id"`
	Manifest     string          `json:"manifest"`
	ManifestPath string          `json:"manifest_path"`
	State        engine.RunState `json:"state"`
	ExitCode     int             `json:"exit_code"`
	DryRun       bool            `json:"dry_run"`
	Selection    string          `json:"selection"` // JSON blob
	AbortReason  *string         `json:"abort_reason,omitempty"`
	Total        int             `json:"total"`
	Succeeded    int             `json:"succeeded"`
	Failed       int             `json:"failed"`
	Skipped      int             `json:"skipped"`
	StartedAt    time.Time       `json:"started_at"`
	Duration     time.Duration   `json:"duration"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ModuleResult is one module's outcome within a recorded run.
type ModuleResult struct {
	RunID        string              `json:"run_id"`
	ModuleID     string              `json:"module_id"`
	Phase        int                 `json:"phase"`
	Status       engine.ModuleStatus `json:"status"`
	ActionTaken  bool                `json:"action_taken"`
	Optional     bool                `json:"optional"`
	Attempts     int                 `json:"attempts"`
	Warnings     []string            `json:"warnings,omitempty"`
	ErrorClass   *string             `json:"error_class,omitempty"`
	ErrorCode    *string             `json:"error_code,omitempty"`
	ErrorStep    *string             `json:"error_step,omitempty"`
	ErrorMessage *string             `json:"error_message,omitempty"`
	ExitCode     *int                `json:"exit_code,omitempty"`
	Excerpt      *string             `json:"excerpt,omitempty"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	Duration     time.Duration       `json:"duration"`
}

// RunMeta is what a report does not carry about its run.
type RunMeta struct {
	ManifestPath string
	Selection    engine.Selection
}

// Store defines the interface for the run history layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// SaveReport records a finished run and its module results atomically.
	SaveReport(ctx context.Context, report *engine.Report, meta RunMeta) error

	// Run queries
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Module result queries
	ListModuleResults(ctx context.Context, runID string) ([]*ModuleResult, error)
	ModuleHistory(ctx context.Context, moduleID string, limit int) ([]*ModuleResult, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
