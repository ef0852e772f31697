package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	structValidator     *validator.Validate
	structValidatorOnce sync.Once

	// moduleIndexPattern extracts the module index from a validator namespace
	// such as "Document.modules[2].verify[0].text".
	moduleIndexPattern = regexp.MustCompile(`modules\[(\d+)\]\.?`)
)

func getValidator() *validator.Validate {
	structValidatorOnce.Do(func() {
		v := validator.New()
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return fld.Name
			}
			return name
		})
		structValidator = v
	})
	return structValidator
}

// validate checks a decoded document and returns every failure found.
func validate(doc *Document, trust TrustStore) ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, validateShape(doc)...)

	if doc.Version != 0 && doc.Version != SchemaVersion {
		errs.Add("", "version", "unsupported schema version %d (supported: %d)", doc.Version, SchemaVersion)
	}

	phases := make(map[int]bool, len(doc.Phases))
	minPhase, maxPhase := 0, 0
	for i, p := range doc.Phases {
		if phases[p.ID] {
			errs.Add("", fmt.Sprintf("phases[%d].id", i), "duplicate phase id %d", p.ID)
		}
		phases[p.ID] = true
		if i == 0 || p.ID < minPhase {
			minPhase = p.ID
		}
		if i == 0 || p.ID > maxPhase {
			maxPhase = p.ID
		}
	}

	ids := make(map[string]bool, len(doc.Modules))
	names := make(map[string]string, len(doc.Modules))
	for i := range doc.Modules {
		mod := &doc.Modules[i]
		label := mod.ID
		if label == "" {
			label = fmt.Sprintf("modules[%d]", i)
		}

		if mod.ID != "" {
			if !ValidID(mod.ID) {
				errs.Add(label, "id", "invalid module id %q: must match %s", mod.ID, idPattern.String())
			}
			if ids[mod.ID] {
				errs.Add(label, "id", "duplicate module id")
			}
			ids[mod.ID] = true

			name := ProcedureName(mod.ID)
			if other, ok := names[name]; ok && other != mod.ID {
				errs.Add(label, "id", "procedure name %s collides with module %s", name, other)
			} else {
				names[name] = mod.ID
			}
		}

		if len(phases) > 0 && mod.Phase != 0 && !phases[mod.Phase] {
			errs.Add(label, "phase", "phase %d is not declared (declared %d..%d)", mod.Phase, minPhase, maxPhase)
		}

		if len(mod.Install) == 0 && mod.VerifiedInstaller == nil {
			errs.Add(label, "install", "module has neither install steps nor a verified installer")
		}

		if vi := mod.VerifiedInstaller; vi != nil && vi.Tool != "" {
			errs = append(errs, validatePin(label, vi.Tool, trust)...)
		}

		seen := make(map[string]bool)
		for _, dep := range mod.Dependencies {
			if dep == mod.ID {
				errs.Add(label, "dependencies", "module depends on itself")
			}
			if seen[dep] {
				errs.Add(label, "dependencies", "duplicate dependency %s", dep)
			}
			seen[dep] = true
		}
	}

	for i := range doc.Modules {
		mod := &doc.Modules[i]
		for _, dep := range mod.Dependencies {
			if !ids[dep] {
				errs.Add(mod.ID, "dependencies", "unknown dependency %s", dep)
			}
		}
	}

	for _, cycle := range newGraph(doc.Modules).Cycles() {
		if len(cycle) <= 2 {
			// self-dependency, already reported
			continue
		}
		errs.Add(cycle[0], "dependencies", "dependency cycle: %s", FormatCycle(cycle))
	}

	return errs
}

func validatePin(module, tool string, trust TrustStore) ValidationErrors {
	var errs ValidationErrors
	pin, ok := trust.Resolve(tool)
	if !ok {
		errs.Add(module, "verified_installer.tool", "tool %s is not pinned in the trust store", tool)
		return errs
	}
	if _, _, err := ParseHash(pin.Hash); err != nil {
		errs.Add(module, "verified_installer.tool", "trust store entry %s: %v", tool, err)
	}
	u, err := url.Parse(pin.Source)
	if err != nil || u.Scheme == "" {
		errs.Add(module, "verified_installer.tool", "trust store entry %s: invalid source %q", tool, pin.Source)
		return errs
	}
	switch u.Scheme {
	case "http", "https", "file":
	default:
		errs.Add(module, "verified_installer.tool", "trust store entry %s: unsupported source scheme %q", tool, u.Scheme)
	}
	return errs
}

// validateShape runs the struct-tag validation and maps failures back to modules.
func validateShape(doc *Document) ValidationErrors {
	var errs ValidationErrors
	err := getValidator().Struct(doc)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		errs.Add("", "", "%v", err)
		return errs
	}

	for _, fe := range verrs {
		module, field := locate(doc, fe.Namespace())
		errs.Add(module, field, "%s", describeTag(fe))
	}
	return errs
}

// locate turns "Document.modules[1].install[0].text" into ("<id of module 1>", "install[0].text").
func locate(doc *Document, namespace string) (module, field string) {
	field = strings.TrimPrefix(namespace, "Document.")
	loc := moduleIndexPattern.FindStringSubmatchIndex(field)
	if loc == nil {
		return "", field
	}
	idx, err := strconv.Atoi(field[loc[2]:loc[3]])
	if err != nil || idx >= len(doc.Modules) {
		return "", field
	}
	module = doc.Modules[idx].ID
	if module == "" {
		module = fmt.Sprintf("modules[%d]", idx)
	}
	rest := field[loc[1]:]
	if rest == "" {
		rest = field[:loc[1]]
	}
	return module, rest
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.Slice || fe.Kind() == reflect.Map {
			return fmt.Sprintf("must have at least %s entries", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
