package manifest

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// LintWarning is an advisory finding. Lint warnings never change behavior.
type LintWarning struct {
	Module  string `json:"module"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (w LintWarning) String() string {
	return fmt.Sprintf("module %s: %s: %s", w.Module, w.Field, w.Message)
}

// commandVerbs are first words that mark a bare string as a command even when
// it is written in sentence case.
var commandVerbs = map[string]bool{
	"apt": true, "apt-get": true, "brew": true, "bash": true, "cargo": true,
	"cd": true, "chmod": true, "chown": true, "corepack": true, "curl": true,
	"dnf": true, "docker": true, "dpkg": true, "echo": true, "export": true,
	"gem": true, "git": true, "go": true, "install": true, "ln": true,
	"mkdir": true, "mv": true, "npm": true, "npx": true, "pip": true,
	"pip3": true, "pipx": true, "pnpm": true, "python": true, "python3": true,
	"rm": true, "rustup": true, "sh": true, "snap": true, "sudo": true,
	"systemctl": true, "tar": true, "test": true, "touch": true, "unzip": true,
	"uv": true, "wget": true, "yarn": true, "yum": true, "zypper": true,
}

// LooksLikeProse reports whether a bare string reads like a natural-language
// sentence rather than a shell command: it starts with an upper-case word that
// is not a known command, contains several words and ends with a period.
func LooksLikeProse(text string) bool {
	text = strings.TrimSpace(text)
	fields := strings.Fields(text)
	if len(fields) < 3 {
		return false
	}
	if strings.ContainsAny(text, "|&;$`<>=/") {
		return false
	}
	first := fields[0]
	if commandVerbs[strings.ToLower(first)] && !startsUpper(first) {
		return false
	}

	score := 0
	if startsUpper(first) {
		score++
	}
	if strings.HasSuffix(text, ".") {
		score++
	}
	if !commandVerbs[strings.ToLower(first)] {
		score++
	}
	return score >= 2
}

func startsUpper(s string) bool {
	for _, r := range s {
		return unicode.IsUpper(r)
	}
	return false
}

// Lint inspects a validated manifest for authoring mistakes that validation
// does not reject.
func Lint(m *Manifest) []LintWarning {
	var warnings []LintWarning
	for _, mod := range m.Modules() {
		for field, steps := range map[string][]Step{"install": mod.Install, "verify": mod.Verify} {
			for i, s := range steps {
				if s.Bare && LooksLikeProse(s.Text) {
					warnings = append(warnings, LintWarning{
						Module:  mod.ID,
						Field:   fmt.Sprintf("%s[%d]", field, i),
						Message: fmt.Sprintf("%q reads like a description; use \"describe:\" if it is not a command", s.Text),
					})
				}
			}
		}
		for _, dep := range mod.Dependencies {
			if up, ok := m.Module(dep); ok && up.Phase > mod.Phase {
				warnings = append(warnings, LintWarning{
					Module:  mod.ID,
					Field:   "dependencies",
					Message: fmt.Sprintf("depends on %s in later phase %d", dep, up.Phase),
				})
			}
		}
		if mod.Identity() == RunAsRoot && len(mod.Verify) == 0 {
			warnings = append(warnings, LintWarning{
				Module:  mod.ID,
				Field:   "verify",
				Message: "root module has no verify steps",
			})
		}
	}
	sortWarnings(warnings)
	return warnings
}

func sortWarnings(w []LintWarning) {
	sort.SliceStable(w, func(i, j int) bool {
		if w[i].Module != w[j].Module {
			return w[i].Module < w[j].Module
		}
		return w[i].Field < w[j].Field
	})
}
