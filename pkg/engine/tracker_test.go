package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type countingMetrics struct {
	mu         sync.Mutex
	attempts   map[string]int
	modules    map[ModuleStatus]int
	violations int
	runs       []RunState
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		attempts: make(map[string]int),
		modules:  make(map[ModuleStatus]int),
	}
}

func (m *countingMetrics) RecordModule(s ModuleStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules[s]++
}

func (m *countingMetrics) RecordStepAttempt(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[result]++
}

func (m *countingMetrics) RecordIntegrityViolation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations++
}

func (m *countingMetrics) RecordRun(s RunState, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, s)
}

type replaceRedactor struct{ secret string }

func (r replaceRedactor) Redact(s string) string {
	return strings.ReplaceAll(s, r.secret, "[REDACTED]")
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestTrackerRetriesUntilSuccess(t *testing.T) {
	metrics := newCountingMetrics()
	tracker := NewTracker(WithSleep(noSleep), WithTrackerMetrics(metrics))

	calls := 0
	outcome := tracker.RunStep(context.Background(), StepSpec{
		Module:      "runtime.node",
		Description: "nvm install --lts",
		Mode:        ModeRetrying,
		Attempts:    3,
		Delay:       time.Second,
	}, func(context.Context) (int, string, error) {
		calls++
		if calls < 3 {
			return 1, "network unreachable", NewStepFailure("command exited with status 1", nil)
		}
		return 0, "ok", nil
	})

	if outcome.Status != StepSucceeded {
		t.Fatalf("Status = %s, want %s", outcome.Status, StepSucceeded)
	}
	if outcome.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", outcome.Attempts)
	}
	if outcome.Context != nil {
		t.Errorf("Context = %+v, want nil", outcome.Context)
	}
	if metrics.attempts["failure"] != 2 || metrics.attempts["success"] != 1 {
		t.Errorf("attempt metrics = %v, want 2 failures and 1 success", metrics.attempts)
	}
}

func TestTrackerExhaustsAttempts(t *testing.T) {
	tracker := NewTracker(WithSleep(noSleep))

	outcome := tracker.RunStep(context.Background(), StepSpec{
		PhaseID:     2,
		PhaseName:   "runtimes",
		Module:      "runtime.go",
		Description: "curl -fsSL https://go.dev/dl/go.tar.gz",
		Mode:        ModeRetrying,
		Attempts:    3,
	}, func(context.Context) (int, string, error) {
		return 7, "connection refused", NewStepFailure("command exited with status 7", nil)
	})

	if outcome.Status != StepFailed {
		t.Fatalf("Status = %s, want %s", outcome.Status, StepFailed)
	}
	if outcome.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", outcome.Attempts)
	}
	ec := outcome.Context
	if ec == nil {
		t.Fatal("Context is nil")
	}
	if !strings.Contains(ec.Message, "after 3 attempts") {
		t.Errorf("Message = %q, want it to mention the attempt count", ec.Message)
	}
	if ec.ExitCode != 7 || ec.Attempts != 3 {
		t.Errorf("ExitCode/Attempts = %d/%d, want 7/3", ec.ExitCode, ec.Attempts)
	}
	if ec.PhaseID != 2 || ec.PhaseName != "runtimes" || ec.Module != "runtime.go" {
		t.Errorf("location = %d/%s/%s", ec.PhaseID, ec.PhaseName, ec.Module)
	}
	if ec.Excerpt != "connection refused" {
		t.Errorf("Excerpt = %q", ec.Excerpt)
	}
	if ec.Class != ErrorClassStep {
		t.Errorf("Class = %s, want %s", ec.Class, ErrorClassStep)
	}
}

func TestTrackerIntegrityViolationIsNotRetried(t *testing.T) {
	metrics := newCountingMetrics()
	tracker := NewTracker(WithSleep(noSleep), WithTrackerMetrics(metrics))

	calls := 0
	outcome := tracker.RunStep(context.Background(), StepSpec{
		Module:   "runtime.node",
		Mode:     ModeRetrying,
		Attempts: 5,
	}, func(context.Context) (int, string, error) {
		calls++
		return 0, "", NewIntegrityViolation("nvm", "sha256:aa", "sha256:bb")
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if outcome.Status != StepFailed {
		t.Errorf("Status = %s, want %s", outcome.Status, StepFailed)
	}
	if outcome.Context.Class != ErrorClassIntegrity {
		t.Errorf("Class = %s, want %s", outcome.Context.Class, ErrorClassIntegrity)
	}
	if outcome.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", outcome.ExitCode)
	}
	if metrics.violations != 1 {
		t.Errorf("violations = %d, want 1", metrics.violations)
	}
}

func TestTrackerStrictRunsOnce(t *testing.T) {
	tracker := NewTracker(WithSleep(noSleep))

	calls := 0
	outcome := tracker.RunStep(context.Background(), StepSpec{Mode: ModeStrict, Attempts: 4},
		func(context.Context) (int, string, error) {
			calls++
			return 1, "", errors.New("boom")
		})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if outcome.OK() {
		t.Error("OK() = true, want false")
	}
}

func TestTrackerOptionalWarns(t *testing.T) {
	tracker := NewTracker()

	outcome := tracker.RunStep(context.Background(), StepSpec{
		Module:      "agents.extras",
		Description: "pip install extras",
		Mode:        ModeOptional,
	}, func(context.Context) (int, string, error) {
		return 2, "not found", NewStepFailure("command exited with status 2", nil)
	})

	if outcome.Status != StepWarned {
		t.Fatalf("Status = %s, want %s", outcome.Status, StepWarned)
	}
	if !outcome.OK() {
		t.Error("OK() = false, want true")
	}
	if outcome.Context == nil || outcome.Context.ExitCode != 2 {
		t.Errorf("Context = %+v", outcome.Context)
	}
}

func TestTrackerSleepInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tracker := NewTracker()

	calls := 0
	outcome := tracker.RunStep(ctx, StepSpec{Mode: ModeRetrying, Attempts: 3, Delay: time.Hour},
		func(context.Context) (int, string, error) {
			calls++
			return 1, "", NewStepFailure("failed", nil)
		})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	var e *Error
	if !errors.As(outcome.Err, &e) || e.Code != ErrCodeCancelled {
		t.Errorf("Err = %v, want a cancelled step failure", outcome.Err)
	}
}

func TestTrackerExcerptRedactsAndBounds(t *testing.T) {
	tracker := NewTracker(WithRedactor(replaceRedactor{secret: "hunter2"}))

	output := strings.Repeat("x", 3*MaxExcerptBytes) + "\ntoken=hunter2\n"
	outcome := tracker.RunStep(context.Background(), StepSpec{Mode: ModeStrict},
		func(context.Context) (int, string, error) {
			return 1, output, NewStepFailure("failed with token hunter2", nil)
		})

	if len(outcome.Output) > MaxExcerptBytes {
		t.Errorf("len(Output) = %d, want <= %d", len(outcome.Output), MaxExcerptBytes)
	}
	if strings.Contains(outcome.Output, "hunter2") {
		t.Error("Output contains the secret")
	}
	if !strings.HasSuffix(outcome.Output, "token=[REDACTED]\n") {
		t.Errorf("Output tail = %q", outcome.Output[len(outcome.Output)-30:])
	}
	if strings.Contains(outcome.Context.Message, "hunter2") {
		t.Error("Message contains the secret")
	}
}

func TestTail(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "def"},
		{"aé", 1, ""},
		{"xéy", 2, "y"},
		{"xéy", 3, "éy"},
	}
	for _, tt := range tests {
		if got := tail(tt.in, tt.n); got != tt.want {
			t.Errorf("tail(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestErrorContextReport(t *testing.T) {
	ec := &ErrorContext{
		PhaseID:   1,
		PhaseName: "system",
		Module:    "system.base",
		Step:      "apt-get install -y git",
		Class:     ErrorClassStep,
		Message:   "command exited with status 100",
		ExitCode:  100,
		Attempts:  3,
		Excerpt:   "E: Unable to locate package\n",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	report := ec.Report()
	for _, want := range []string{
		`phase 1 (system) > module system.base > step "apt-get install -y git"`,
		"[step] command exited with status 100",
		"exit code 100 after 3 attempts at 2026-01-02T03:04:05Z",
		"    | E: Unable to locate package",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("Report() missing %q in:\n%s", want, report)
		}
	}

	data, err := ec.JSON()
	if err != nil {
		t.Fatalf("JSON() error = %v", err)
	}
	if !strings.Contains(string(data), `"exit_code":100`) {
		t.Errorf("JSON() = %s", data)
	}
}
