package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/openfroyo/agentbox/pkg/manifest"
)

func newModulesCommand(opts *globalOptions) *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "modules <manifest>",
		Short: "List a manifest's modules in execution order",
		Long: `List every module with its phase, identity, dependencies and derived
procedure name, in the order a full run would execute them.`,
		Example: `  agentbox modules workstation.yaml
  agentbox modules --json workstation.yaml
  agentbox modules --dot workstation.yaml | dot -Tsvg > graph.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer a.close(ctx)

			checker, err := a.policyEngine(ctx)
			if err != nil {
				return err
			}
			m, err := a.loadManifest(ctx, args[0], checker)
			if err != nil {
				return err
			}
			return printModules(opts, m, dot)
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the dependency graph in Graphviz DOT format")
	return cmd
}

// moduleEntry is one row of the module listing.
type moduleEntry struct {
	ID            string   `json:"id"`
	ProcedureName string   `json:"procedure_name"`
	Phase         int      `json:"phase"`
	PhaseName     string   `json:"phase_name,omitempty"`
	Depth         int      `json:"depth"`
	RunAs         string   `json:"run_as"`
	Dependencies  []string `json:"dependencies,omitempty"`
	Optional      bool     `json:"optional,omitempty"`
	Kind          string   `json:"kind"`
	Description   string   `json:"description,omitempty"`
}

func moduleListing(m *manifest.Manifest) []moduleEntry {
	order := m.TopologicalOrder()
	depth := make(map[string]int, len(order))
	for d, level := range m.Graph().Levels() {
		for _, id := range level {
			depth[id] = d
		}
	}
	entries := make([]moduleEntry, 0, len(order))
	for _, id := range order {
		mod, ok := m.Module(id)
		if !ok {
			continue
		}
		kind := "steps"
		switch {
		case mod.DescriptionOnly() && !mod.IsGenerated():
			kind = "omitted"
		case mod.DescriptionOnly():
			kind = "placeholder"
		case mod.VerifiedInstaller != nil:
			kind = "verified:" + mod.VerifiedInstaller.Tool
		}
		entries = append(entries, moduleEntry{
			ID:            mod.ID,
			ProcedureName: manifest.ProcedureName(mod.ID),
			Phase:         mod.Phase,
			PhaseName:     m.PhaseName(mod.Phase),
			Depth:         depth[id],
			RunAs:         string(mod.Identity()),
			Dependencies:  mod.Dependencies,
			Optional:      mod.Optional,
			Kind:          kind,
			Description:   mod.Description,
		})
	}
	return entries
}

func renderModuleTable(m *manifest.Manifest) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("PHASE", "DEPTH", "MODULE", "RUN AS", "KIND", "DEPENDS ON")
	for _, e := range moduleListing(m) {
		id := e.ID
		if e.Optional {
			id += " (optional)"
		}
		phase := fmt.Sprintf("%d", e.Phase)
		if e.PhaseName != "" {
			phase += " " + e.PhaseName
		}
		t.Row(phase, fmt.Sprint(e.Depth), id, e.RunAs, e.Kind, strings.Join(e.Dependencies, ", "))
	}
	return t.String()
}

func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
