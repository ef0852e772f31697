package procedure

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/agentbox/pkg/engine"
	"github.com/openfroyo/agentbox/pkg/executor"
	"github.com/openfroyo/agentbox/pkg/integrity"
	"github.com/openfroyo/agentbox/pkg/manifest"
)

// fakeShell interprets a tiny command language so tests can model machine state:
//
//	check X    exits 0 once X is installed
//	install X  marks X installed
//	fail       exits 1
//	flaky N    exits 1 for the first N calls, then 0
//
// Anything else exits 0. Argv commands (verified installers) are recorded and exit 0.
type fakeShell struct {
	mu        sync.Mutex
	installed map[string]bool
	calls     []string
	counts    map[string]int
}

func newFakeShell() *fakeShell {
	return &fakeShell{installed: make(map[string]bool), counts: make(map[string]int)}
}

func (f *fakeShell) Run(_ context.Context, cmd executor.Command) (*executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	text := cmd.Describe()
	f.calls = append(f.calls, text)
	f.counts[text]++

	exit := 0
	fields := strings.Fields(cmd.Script)
	if len(cmd.Argv) == 0 && len(fields) > 0 {
		switch fields[0] {
		case "check":
			if !f.installed[fields[1]] {
				exit = 1
			}
		case "install":
			f.installed[fields[1]] = true
		case "fail":
			exit = 1
		case "flaky":
			var n int
			_, _ = fmt.Sscanf(fields[1], "%d", &n)
			if f.counts[text] <= n {
				exit = 1
			}
		}
	}

	res := &executor.Result{ExitCode: exit, Output: "ran " + text + "\n"}
	if exit != 0 {
		return res, engine.NewStepFailure(fmt.Sprintf("command exited with status %d", exit), nil).WithStep(text)
	}
	return res, nil
}

func (f *fakeShell) ran(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func noSleep(context.Context, time.Duration) error { return nil }

func execContext() engine.ExecContext {
	return engine.ExecContext{
		TargetUser:   "dev",
		TargetHome:   "/home/dev",
		Mode:         engine.ModeStrictContext,
		InvokingUser: "dev",
	}
}

func parse(t *testing.T, doc string, opts ...manifest.Option) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse(context.Background(), []byte(doc), manifest.FormatYAML, opts...)
	require.NoError(t, err)
	return m
}

func runManifest(t *testing.T, m *manifest.Manifest, deps Deps, ec engine.ExecContext, opts engine.RunOptions) *engine.Report {
	t.Helper()
	prog := Compile(m, deps)
	o := engine.NewOrchestrator(
		engine.WithExecContext(ec),
		engine.WithTracker(engine.NewTracker(engine.WithSleep(noSleep))),
	)
	report, err := o.Run(context.Background(), m, prog.EngineUnits(), opts)
	require.NoError(t, err)
	return report
}

func statuses(r *engine.Report) map[string]engine.ModuleStatus {
	out := make(map[string]engine.ModuleStatus, len(r.Results))
	for _, res := range r.Results {
		out[res.ModuleID] = res.Status
	}
	return out
}

const idempotentManifest = `
version: 1
phases:
  - {id: 1, name: system}
  - {id: 2, name: runtimes}
modules:
  - id: system.git
    phase: 1
    idempotent_check: check git
    install: [install git]
    verify: [check git]
  - id: runtime.node
    phase: 2
    dependencies: [system.git]
    idempotent_check: check node
    install: [install node]
    verify: [check node]
`

func TestSecondRunTakesNoAction(t *testing.T) {
	m := parse(t, idempotentManifest)
	shell := newFakeShell()
	deps := Deps{Runner: shell}

	first := runManifest(t, m, deps, execContext(), engine.RunOptions{})
	require.Equal(t, engine.RunStateCompleted, first.State)
	for _, res := range first.Results {
		assert.True(t, res.ActionTaken, res.ModuleID)
	}
	assert.Equal(t, 2, shell.ran("install "))

	second := runManifest(t, m, deps, execContext(), engine.RunOptions{})
	require.Equal(t, engine.RunStateCompleted, second.State)
	for _, res := range second.Results {
		assert.Equal(t, engine.ModuleSuccess, res.Status, res.ModuleID)
		assert.False(t, res.ActionTaken, res.ModuleID)
	}
	assert.Equal(t, 2, shell.ran("install "), "no install command may run on the second pass")
}

func TestDryRunExecutesNothing(t *testing.T) {
	m := parse(t, idempotentManifest)
	shell := newFakeShell()

	report := runManifest(t, m, Deps{Runner: shell}, engine.ExecContext{}, engine.RunOptions{DryRun: true})

	assert.True(t, report.DryRun)
	assert.Equal(t, engine.RunStateCompleted, report.State)
	assert.Zero(t, shell.ran("install "))

	node, ok := report.Result("runtime.node")
	require.True(t, ok)
	assert.False(t, node.ActionTaken)
	assert.Contains(t, node.Output, "install_runtime_node  phase 2 (runtimes), run as target_user")
	assert.Contains(t, node.Output, "check:  check node")
	assert.Contains(t, node.Output, "run:    install node")
	assert.Contains(t, node.Output, "verify: check node")
}

func TestDryRunThenLiveMatchesLive(t *testing.T) {
	doc := `
version: 1
phases: [{id: 1, name: system}]
modules:
  - id: ok
    phase: 1
    install: [install ok]
  - id: broken
    phase: 1
    install: [fail]
  - id: after
    phase: 1
    dependencies: [broken]
    install: [install after]
`
	live := func(dryFirst bool) map[string]engine.ModuleStatus {
		m := parse(t, doc)
		deps := Deps{Runner: newFakeShell()}
		if dryFirst {
			runManifest(t, m, deps, execContext(), engine.RunOptions{DryRun: true})
		}
		return statuses(runManifest(t, m, deps, execContext(), engine.RunOptions{}))
	}

	assert.Equal(t, live(false), live(true))
	assert.Equal(t, map[string]engine.ModuleStatus{
		"ok":     engine.ModuleSuccess,
		"broken": engine.ModuleFailed,
		"after":  engine.ModuleSkippedDependency,
	}, live(false))
}

func TestFailureSkipsDependentsWithPartialFailure(t *testing.T) {
	doc := `
version: 1
phases: [{id: 1, name: system}, {id: 2, name: tools}]
modules:
  - id: a
    phase: 1
    install: [fail]
  - id: b
    phase: 2
    dependencies: [a]
    install: [install b]
  - id: c
    phase: 2
    install: [install c]
`
	m := parse(t, doc)
	shell := newFakeShell()
	report := runManifest(t, m, Deps{Runner: shell}, execContext(), engine.RunOptions{})

	assert.Equal(t, engine.RunStatePartialFailure, report.State)
	assert.Equal(t, 1, report.ExitCode)
	assert.Equal(t, map[string]engine.ModuleStatus{
		"a": engine.ModuleFailed,
		"b": engine.ModuleSkippedDependency,
		"c": engine.ModuleSuccess,
	}, statuses(report))
	assert.Zero(t, shell.ran("install b"))

	a, _ := report.Result("a")
	require.NotNil(t, a.Error)
	assert.Equal(t, 1, a.Error.PhaseID)
	assert.Equal(t, "system", a.Error.PhaseName)
	assert.Equal(t, "a", a.Error.Module)
	assert.Equal(t, "fail", a.Error.Step)
	assert.Equal(t, 1, a.Error.ExitCode)
	assert.Contains(t, a.Error.Excerpt, "ran fail")
}

func TestPlaceholderAndOmittedModules(t *testing.T) {
	doc := `
version: 1
phases: [{id: 1, name: editors}]
modules:
  - id: editor.plugins
    phase: 1
    install:
      - describe: Install the language server extension from the marketplace.
  - id: editor.theme
    phase: 1
    generated: false
    install:
      - describe: Pick a theme you like.
`
	m := parse(t, doc)
	prog := Compile(m, Deps{Runner: newFakeShell()})

	require.Len(t, prog.Units, 1)
	u, ok := prog.Unit("editor.plugins")
	require.True(t, ok)
	assert.Equal(t, KindPlaceholder, u.Kind())
	assert.Nil(t, u.Identities())
	_, ok = prog.Unit("editor.theme")
	assert.False(t, ok)
	require.Len(t, prog.Notes, 2)
	assert.Contains(t, prog.Notes[0], "placeholder")
	assert.Contains(t, prog.Notes[1], "editor.theme omitted")

	report := runManifest(t, m, Deps{Runner: newFakeShell()}, execContext(), engine.RunOptions{})
	res, ok := report.Result("editor.plugins")
	require.True(t, ok)
	assert.Equal(t, engine.ModuleSuccess, res.Status)
	assert.False(t, res.ActionTaken)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "left to external orchestration")
	_, ok = report.Result("editor.theme")
	assert.False(t, ok)
	assert.NotContains(t, report.NotAttempted, "editor.theme")
}

func TestVerificationFailure(t *testing.T) {
	tests := []struct {
		name     string
		optional bool
		mode     engine.Mode
		want     engine.ModuleStatus
		warned   bool
	}{
		{name: "strict fails", mode: engine.ModeStrictContext, want: engine.ModuleFailed},
		{name: "optional module warns", optional: true, mode: engine.ModeStrictContext, want: engine.ModuleSuccess, warned: true},
		{name: "permissive context warns", mode: engine.ModePermissiveContext, want: engine.ModuleSuccess, warned: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := fmt.Sprintf(`
version: 1
phases: [{id: 1, name: tools}]
modules:
  - id: tool
    phase: 1
    optional: %t
    install: [install tool]
    verify: [fail]
`, tt.optional)
			ec := execContext()
			ec.Mode = tt.mode
			report := runManifest(t, parse(t, doc), Deps{Runner: newFakeShell()}, ec, engine.RunOptions{})

			res, _ := report.Result("tool")
			assert.Equal(t, tt.want, res.Status)
			if tt.warned {
				require.Len(t, res.Warnings, 1)
				assert.Contains(t, res.Warnings[0], `verification "fail" failed`)
				assert.Equal(t, engine.RunStateCompleted, report.State)
			} else {
				require.NotNil(t, res.Error)
				assert.Equal(t, "fail", res.Error.Step)
			}
		})
	}
}

func TestOptionalStepWarns(t *testing.T) {
	doc := `
version: 1
phases: [{id: 1, name: tools}]
modules:
  - id: tool
    phase: 1
    install:
      - {run: fail, optional: true}
      - install tool
`
	shell := newFakeShell()
	report := runManifest(t, parse(t, doc), Deps{Runner: shell}, execContext(), engine.RunOptions{})

	res, _ := report.Result("tool")
	assert.Equal(t, engine.ModuleSuccess, res.Status)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], `optional step "fail" failed`)
	assert.Equal(t, 1, shell.ran("install tool"))
}

func TestRetryingStep(t *testing.T) {
	doc := `
version: 1
phases: [{id: 1, name: tools}]
modules:
  - id: flaky
    phase: 1
    install:
      - {run: flaky 2, attempts: 3, retry_delay: 1s}
  - id: hopeless
    phase: 1
    install:
      - {run: fail, attempts: 3}
`
	report := runManifest(t, parse(t, doc), Deps{Runner: newFakeShell()}, execContext(), engine.RunOptions{})

	flaky, _ := report.Result("flaky")
	assert.Equal(t, engine.ModuleSuccess, flaky.Status)
	assert.Equal(t, 3, flaky.Attempts)

	hopeless, _ := report.Result("hopeless")
	assert.Equal(t, engine.ModuleFailed, hopeless.Status)
	assert.Equal(t, 3, hopeless.Attempts)
	require.NotNil(t, hopeless.Error)
	assert.Contains(t, hopeless.Error.Message, "after 3 attempts")
}

func TestContractGate(t *testing.T) {
	doc := `
version: 1
phases: [{id: 1, name: system}]
modules:
  - id: pkg
    phase: 1
    run_as: root
    install: [install pkg]
`
	m := parse(t, doc)
	prog := Compile(m, Deps{Runner: newFakeShell()})
	u, _ := prog.Unit("pkg")

	ec := execContext()
	plan, err := engine.BuildPlan(m, engine.Selection{})
	require.NoError(t, err)

	res := u.Execute(context.Background(), engine.RunContext{Plan: plan, Exec: ec, Tracker: engine.NewTracker()})
	assert.Equal(t, engine.ModuleFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, engine.ErrorClassContract, res.Error.Class)
	assert.Contains(t, res.Error.Message, engine.EnvEscalation)
	assert.False(t, res.ActionTaken)

	ec.Escalation = "sudo"
	res = u.Execute(context.Background(), engine.RunContext{Plan: plan, Exec: ec, Tracker: engine.NewTracker()})
	assert.Equal(t, engine.ModuleSuccess, res.Status)
}

func TestSelectionGate(t *testing.T) {
	m := parse(t, idempotentManifest)
	shell := newFakeShell()
	report := runManifest(t, m, Deps{Runner: shell}, execContext(), engine.RunOptions{
		Selection: engine.Selection{OnlyModules: []string{"runtime.node"}},
	})

	assert.Equal(t, map[string]engine.ModuleStatus{
		"system.git":   engine.ModuleSkippedFiltered,
		"runtime.node": engine.ModuleSuccess,
	}, statuses(report))
	assert.Zero(t, shell.ran("install git"))
	assert.Zero(t, shell.ran("check git"))
}

func pinFor(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func TestVerifiedInstaller(t *testing.T) {
	const payload = "#!/bin/sh\necho rustup\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	doc := `
version: 1
phases: [{id: 1, name: toolchains}]
modules:
  - id: rust
    phase: 1
    verified_installer: {tool: rustup, args: ["-y"]}
    install: [install rust]
`
	run := func(hash string) (*engine.Report, *fakeShell) {
		trust := manifest.TrustStore{"rustup": {Source: srv.URL + "/rustup.sh", Hash: hash}}
		m := parse(t, doc, manifest.WithTrustStore(trust))
		shell := newFakeShell()
		v := integrity.NewVerifier(m.TrustStore(), shell, integrity.WithTempDir(t.TempDir()))
		return runManifest(t, m, Deps{Runner: shell, Verifier: v}, execContext(), engine.RunOptions{}), shell
	}

	t.Run("match", func(t *testing.T) {
		report, shell := run(pinFor(payload))
		res, _ := report.Result("rust")
		assert.Equal(t, engine.ModuleSuccess, res.Status)
		assert.Equal(t, 1, shell.ran("sh "))
		assert.Equal(t, 1, shell.ran("install rust"))
	})

	t.Run("mismatch never executes", func(t *testing.T) {
		report, shell := run(pinFor("something else"))
		res, _ := report.Result("rust")
		assert.Equal(t, engine.ModuleFailed, res.Status)
		require.NotNil(t, res.Error)
		assert.Equal(t, engine.ErrorClassIntegrity, res.Error.Class)
		assert.Equal(t, 1, res.Error.Attempts)
		assert.Zero(t, shell.ran("sh "))
		assert.Zero(t, shell.ran("install rust"))
	})

	t.Run("dry run describes the fetch", func(t *testing.T) {
		trust := manifest.TrustStore{"rustup": {Source: srv.URL + "/rustup.sh", Hash: pinFor(payload)}}
		m := parse(t, doc, manifest.WithTrustStore(trust))
		shell := newFakeShell()
		v := integrity.NewVerifier(m.TrustStore(), shell)
		report := runManifest(t, m, Deps{Runner: shell, Verifier: v}, engine.ExecContext{}, engine.RunOptions{DryRun: true})

		res, _ := report.Result("rust")
		assert.Contains(t, res.Output, "fetch:  fetch rustup from "+srv.URL)
		assert.Empty(t, shell.calls)
	})
}
