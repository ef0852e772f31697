package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// MaxExcerptBytes bounds the output excerpt kept in an error context.
const MaxExcerptBytes = 2048

// StepMode selects how a step failure is treated.
type StepMode string

const (
	// ModeStrict fails the owning module on the first failure.
	ModeStrict StepMode = "strict"

	// ModeOptional logs a failure as a warning; the module is not failed.
	ModeOptional StepMode = "optional"

	// ModeRetrying makes bounded attempts with a fixed delay, then fails strictly.
	ModeRetrying StepMode = "retrying"
)

// StepSpec describes a step to the tracker.
type StepSpec struct {
	// PhaseID and PhaseName locate the step's phase.
	PhaseID   int
	PhaseName string

	// Module is the owning module ID.
	Module string

	// Description is the step text shown in reports.
	Description string

	// Mode selects strict, optional or retrying behavior.
	Mode StepMode

	// Attempts is the attempt budget in retrying mode. Values below 1 mean 1.
	Attempts int

	// Delay is the fixed pause between attempts.
	Delay time.Duration
}

// StepAction runs one attempt of a step and reports its exit code and output.
type StepAction func(ctx context.Context) (exitCode int, output string, err error)

// StepStatus is the outcome of a tracked step.
type StepStatus string

const (
	// StepSucceeded means the step succeeded, possibly after retries.
	StepSucceeded StepStatus = "succeeded"

	// StepWarned means an optional step failed.
	StepWarned StepStatus = "warned"

	// StepFailed means the step failed and its module must fail.
	StepFailed StepStatus = "failed"
)

// StepOutcome is the result of Tracker.RunStep.
type StepOutcome struct {
	Status   StepStatus
	Attempts int
	ExitCode int

	// Output is the redacted, bounded excerpt of the last attempt's output.
	Output string

	// Err is the classified error of a failed or warned step.
	Err error

	// Context is populated for failed and warned steps.
	Context *ErrorContext
}

// OK reports whether the module may continue.
func (o StepOutcome) OK() bool { return o.Status != StepFailed }

// ErrorContext is the structured record of a failure. It is the only channel
// by which failure details leave a component.
type ErrorContext struct {
	PhaseID   int        `json:"phase_id,omitempty"`
	PhaseName string     `json:"phase_name,omitempty"`
	Module    string     `json:"module,omitempty"`
	Step      string     `json:"step,omitempty"`
	Class     ErrorClass `json:"class"`
	Code      string     `json:"code,omitempty"`
	Message   string     `json:"message"`
	ExitCode  int        `json:"exit_code"`
	Attempts  int        `json:"attempts,omitempty"`
	Excerpt   string     `json:"excerpt,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewErrorContext builds a context from a classified error.
func NewErrorContext(err error) *ErrorContext {
	ec := &ErrorContext{
		Class:     ClassOf(err),
		Timestamp: time.Now().UTC(),
	}
	if ec.Class == "" {
		ec.Class = ErrorClassStep
	}
	if err != nil {
		ec.Message = err.Error()
	}
	var e *Error
	if errors.As(err, &e) {
		ec.Code = e.Code
		ec.Module = e.Module
		ec.Step = e.Step
		ec.Message = e.Message
		if e.Err != nil {
			ec.Message += ": " + e.Err.Error()
		}
	}
	return ec
}

// Report renders the context for humans.
func (c *ErrorContext) Report() string {
	var sb strings.Builder

	var where []string
	if c.PhaseID > 0 {
		if c.PhaseName != "" {
			where = append(where, fmt.Sprintf("phase %d (%s)", c.PhaseID, c.PhaseName))
		} else {
			where = append(where, fmt.Sprintf("phase %d", c.PhaseID))
		}
	}
	if c.Module != "" {
		where = append(where, "module "+c.Module)
	}
	if c.Step != "" {
		where = append(where, fmt.Sprintf("step %q", c.Step))
	}
	if len(where) > 0 {
		sb.WriteString(strings.Join(where, " > "))
		sb.WriteString("\n")
	}

	sb.WriteString(fmt.Sprintf("  [%s] %s\n", c.Class, c.Message))
	detail := fmt.Sprintf("  exit code %d", c.ExitCode)
	if c.Attempts > 1 {
		detail += fmt.Sprintf(" after %d attempts", c.Attempts)
	}
	if !c.Timestamp.IsZero() {
		detail += " at " + c.Timestamp.Format(time.RFC3339)
	}
	sb.WriteString(detail + "\n")

	if c.Excerpt != "" {
		sb.WriteString("  output:\n")
		for _, line := range strings.Split(strings.TrimRight(c.Excerpt, "\n"), "\n") {
			sb.WriteString("    | " + line + "\n")
		}
	}
	return sb.String()
}

// JSON renders the context as a JSON record.
func (c *ErrorContext) JSON() ([]byte, error) {
	return json.Marshal(c)
}

// Tracker runs steps under a failure mode and captures their error context.
type Tracker struct {
	redactor Redactor
	metrics  Metrics
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithRedactor redacts step output before it is stored in an excerpt.
func WithRedactor(r Redactor) TrackerOption {
	return func(t *Tracker) {
		if r != nil {
			t.redactor = r
		}
	}
}

// WithTrackerMetrics records step attempts.
func WithTrackerMetrics(m Metrics) TrackerOption {
	return func(t *Tracker) {
		if m != nil {
			t.metrics = m
		}
	}
}

// WithTrackerLogger sets the logger.
func WithTrackerLogger(l zerolog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// WithSleep replaces the inter-attempt wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) TrackerOption {
	return func(t *Tracker) { t.sleep = fn }
}

// NewTracker creates a tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		redactor: identityRedactor{},
		metrics:  nopMetrics{},
		logger:   zerolog.Nop(),
		sleep:    sleepContext,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Redact applies the tracker's redactor.
func (t *Tracker) Redact(s string) string {
	return t.redactor.Redact(s)
}

// Excerpt redacts output and keeps at most MaxExcerptBytes of its tail.
func (t *Tracker) Excerpt(output string) string {
	return tail(t.redactor.Redact(output), MaxExcerptBytes)
}

// Metrics returns the tracker's metrics sink.
func (t *Tracker) Metrics() Metrics {
	return t.metrics
}

// RunStep executes action according to spec.Mode.
//
// In retrying mode, permanent errors (integrity, contract, validation)
// short-circuit the remaining attempts. Exhausting the attempts yields a step
// failure whose message carries the attempt count.
func (t *Tracker) RunStep(ctx context.Context, spec StepSpec, action StepAction) StepOutcome {
	attempts := 1
	if spec.Mode == ModeRetrying && spec.Attempts > 1 {
		attempts = spec.Attempts
	}

	logger := t.logger.With().
		Str("module_id", spec.Module).
		Str("step", spec.Description).
		Logger()

	var (
		exitCode int
		output   string
		err      error
		made     int
	)

	for made < attempts {
		made++
		exitCode, output, err = action(ctx)
		if err == nil {
			t.metrics.RecordStepAttempt("success")
			break
		}

		t.metrics.RecordStepAttempt(attemptResult(err))
		if IsIntegrityViolation(err) {
			t.metrics.RecordIntegrityViolation()
		}
		logger.Debug().Err(err).Int("attempt", made).Int("of", attempts).Msg("Step attempt failed")

		if !IsRetryable(err) || made >= attempts {
			break
		}
		if serr := t.sleep(ctx, spec.Delay); serr != nil {
			err = NewStepFailure("retry interrupted", serr).WithCode(ErrCodeCancelled)
			break
		}
	}

	outcome := StepOutcome{
		Status:   StepSucceeded,
		Attempts: made,
		ExitCode: exitCode,
		Output:   t.Excerpt(output),
	}
	if err == nil {
		if made > 1 {
			logger.Info().Int("attempts", made).Msg("Step succeeded after retries")
		}
		return outcome
	}

	if spec.Mode == ModeRetrying && attempts > 1 && made == attempts && IsRetryable(err) {
		err = NewStepFailure(fmt.Sprintf("step failed after %d attempts", made), err).
			WithCode(ErrCodeStepFailed)
	}
	if exitCode == 0 {
		exitCode = -1
	}

	ec := NewErrorContext(err)
	ec.PhaseID = spec.PhaseID
	ec.PhaseName = spec.PhaseName
	ec.Module = spec.Module
	ec.Step = spec.Description
	ec.ExitCode = exitCode
	ec.Attempts = made
	ec.Excerpt = outcome.Output
	ec.Timestamp = t.now().UTC()
	ec.Message = t.redactor.Redact(ec.Message)

	outcome.ExitCode = exitCode
	outcome.Err = err
	outcome.Context = ec

	if spec.Mode == ModeOptional {
		outcome.Status = StepWarned
		logger.Warn().Err(err).Msg("Optional step failed")
		return outcome
	}

	outcome.Status = StepFailed
	logger.Error().Err(err).Int("exit_code", exitCode).Int("attempts", made).Msg("Step failed")
	return outcome
}

func attemptResult(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code == ErrCodeTimeout {
		return "timeout"
	}
	return "failure"
}

// tail returns at most n bytes from the end of s, starting on a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}
