// Package procedure compiles validated manifest modules into executable units.
//
// Every unit runs the same ordered gates: selection, idempotency, dry-run,
// contract, execution and verification. A module therefore gets identical
// idempotence, preview and failure-isolation behavior whatever it installs.
package procedure

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/agentbox/pkg/engine"
	"github.com/openfroyo/agentbox/pkg/executor"
	"github.com/openfroyo/agentbox/pkg/integrity"
	"github.com/openfroyo/agentbox/pkg/manifest"
)

// Defaults applied to steps that do not set their own values.
const (
	DefaultAttempts   = 1
	DefaultRetryDelay = 2 * time.Second
)

// Deps are the collaborators units execute with.
type Deps struct {
	// Runner executes commands.
	Runner executor.Runner

	// Verifier fetches and runs verified installers. Required when any
	// compiled module declares one.
	Verifier *integrity.Verifier

	// Attempts is the attempt budget for steps that do not set one.
	Attempts int

	// RetryDelay is the delay for steps that do not set one.
	RetryDelay time.Duration

	// StepTimeout bounds steps that do not set a timeout. 0 uses the runner default.
	StepTimeout time.Duration

	// Logger is the base logger.
	Logger zerolog.Logger
}

// Program is the result of compiling a manifest.
type Program struct {
	// Units are the compiled units in topological order.
	Units []*Unit

	// Notes records modules that were omitted or turned into placeholders.
	Notes []string

	index map[string]*Unit
}

// Unit returns the compiled unit for a module.
func (p *Program) Unit(id string) (*Unit, bool) {
	u, ok := p.index[id]
	return u, ok
}

// EngineUnits returns the units as orchestrator units.
func (p *Program) EngineUnits() []engine.Unit {
	out := make([]engine.Unit, len(p.Units))
	for i, u := range p.Units {
		out[i] = u
	}
	return out
}

// Compile turns every module of m into a unit.
//
// A description-only module becomes a no-op placeholder, or is omitted
// entirely when it sets generated: false.
func Compile(m *manifest.Manifest, deps Deps) *Program {
	if deps.Attempts < 1 {
		deps.Attempts = DefaultAttempts
	}
	if deps.RetryDelay <= 0 {
		deps.RetryDelay = DefaultRetryDelay
	}
	logger := deps.Logger.With().Str("component", "procedure").Logger()

	prog := &Program{index: make(map[string]*Unit)}
	for _, id := range m.TopologicalOrder() {
		mod, _ := m.Module(id)

		kind := KindProcedure
		if mod.DescriptionOnly() {
			if !mod.IsGenerated() {
				prog.Notes = append(prog.Notes,
					fmt.Sprintf("module %s omitted: description-only with generated: false", id))
				logger.Debug().Str("module_id", id).Msg("Omitting description-only module")
				continue
			}
			kind = KindPlaceholder
			prog.Notes = append(prog.Notes,
				fmt.Sprintf("module %s compiled as a placeholder: left to external orchestration", id))
		}

		u := &Unit{
			module:        mod,
			procedureName: manifest.ProcedureName(id),
			phaseName:     m.PhaseName(mod.Phase),
			kind:          kind,
			deps:          deps,
		}
		prog.Units = append(prog.Units, u)
		prog.index[id] = u
	}

	logger.Debug().Int("units", len(prog.Units)).Int("notes", len(prog.Notes)).Msg("Compiled manifest")
	return prog
}
