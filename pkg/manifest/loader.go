package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Format is a manifest encoding.
type Format string

const (
	// FormatYAML is a YAML manifest (.yaml, .yml).
	FormatYAML Format = "yaml"

	// FormatCUE is a CUE manifest (.cue), evaluated to concrete data first.
	FormatCUE Format = "cue"

	// FormatJSON is a JSON manifest (.json).
	FormatJSON Format = "json"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported manifest extension %q (want .yaml, .yml, .cue or .json)", filepath.Ext(path))
	}
}

// PolicyFinding is a policy result for a module.
type PolicyFinding struct {
	Policy   string `json:"policy"`
	Module   string `json:"module"`
	Severity string `json:"severity"`
	Message  string `json:"message"`

	// Blocking findings fail validation.
	Blocking bool `json:"blocking"`
}

// PolicyChecker evaluates install policies over the modules of a manifest.
type PolicyChecker interface {
	CheckModules(ctx context.Context, modules []Module, trust TrustStore) ([]PolicyFinding, error)
}

// Option configures Load and Parse.
type Option func(*loadOptions)

type loadOptions struct {
	trust   TrustStore
	policy  PolicyChecker
	logger  zerolog.Logger
	baseDir string
	source  string
}

// WithTrustStore adds trust store entries. They take precedence over entries
// declared by the manifest.
func WithTrustStore(ts TrustStore) Option {
	return func(o *loadOptions) {
		for k, v := range ts {
			o.trust[k] = v
		}
	}
}

// WithPolicy evaluates the given policies during validation.
func WithPolicy(p PolicyChecker) Option {
	return func(o *loadOptions) { o.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *loadOptions) { o.logger = l.With().Str("component", "manifest").Logger() }
}

// WithBaseDir sets the directory a relative trust_store path resolves against.
func WithBaseDir(dir string) Option {
	return func(o *loadOptions) { o.baseDir = dir }
}

// Load reads, decodes and validates a manifest file.
// On failure the returned error is a ValidationErrors listing every problem.
func Load(ctx context.Context, path string, opts ...Option) (*Manifest, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, ValidationErrors{{Message: err.Error()}}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	opts = append([]Option{
		WithBaseDir(filepath.Dir(path)),
		func(o *loadOptions) { o.source = path },
	}, opts...)
	return Parse(ctx, data, format, opts...)
}

// Parse decodes and validates manifest data.
func Parse(ctx context.Context, data []byte, format Format, opts ...Option) (*Manifest, error) {
	o := &loadOptions{
		trust:  TrustStore{},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}

	doc, err := Decode(data, format)
	if err != nil {
		return nil, err
	}

	trust := TrustStore{}
	var errs ValidationErrors
	if doc.TrustStorePath != "" {
		path := doc.TrustStorePath
		if !filepath.IsAbs(path) && o.baseDir != "" {
			path = filepath.Join(o.baseDir, path)
		}
		loaded, err := LoadTrustStore(path)
		if err != nil {
			errs.Add("", "trust_store", "%v", err)
		}
		for k, v := range loaded {
			trust[k] = v
		}
	}
	for k, v := range doc.Trust {
		trust[k] = v
	}
	for k, v := range o.trust {
		trust[k] = v
	}

	errs = append(errs, validate(doc, trust)...)

	var notices []PolicyFinding
	if checkable := policyCandidates(doc.Modules, errs); o.policy != nil && len(checkable) > 0 {
		findings, err := o.policy.CheckModules(ctx, checkable, trust)
		if err != nil {
			return nil, fmt.Errorf("policy evaluation failed: %w", err)
		}
		for _, f := range findings {
			if f.Blocking {
				errs.Add(f.Module, "policy", "%s: %s", f.Policy, f.Message)
				continue
			}
			notices = append(notices, f)
		}
	}

	if len(errs) > 0 {
		o.logger.Debug().Int("errors", len(errs)).Msg("Manifest validation failed")
		return nil, errs
	}

	m := newManifest(doc, o.source, trust, notices)
	o.logger.Debug().
		Str("source", o.source).
		Int("modules", len(m.modules)).
		Int("phases", len(m.phases)).
		Int("pinned_tools", len(trust)).
		Msg("Manifest loaded")
	return m, nil
}

// policyCandidates returns the modules without validation errors of their
// own, so policy findings join the same error list as everything else.
func policyCandidates(modules []Module, errs ValidationErrors) []Module {
	broken := make(map[string]bool, len(errs))
	for _, fe := range errs {
		if fe.Module != "" {
			broken[fe.Module] = true
		}
	}
	out := make([]Module, 0, len(modules))
	for _, mod := range modules {
		if mod.ID != "" && !broken[mod.ID] {
			out = append(out, mod)
		}
	}
	return out
}

// Decode strictly decodes manifest data without validating it.
// Unknown fields are rejected for every format.
func Decode(data []byte, format Format) (*Document, error) {
	var doc Document
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, ValidationErrors{{Message: fmt.Sprintf("invalid yaml: %v", err)}}
		}
	case FormatJSON:
		if err := decodeJSON(data, &doc); err != nil {
			return nil, ValidationErrors{{Message: fmt.Sprintf("invalid json: %v", err)}}
		}
	case FormatCUE:
		exported, errs := evaluateCUE(data)
		if len(errs) > 0 {
			return nil, errs
		}
		if err := decodeJSON(exported, &doc); err != nil {
			return nil, ValidationErrors{{Message: fmt.Sprintf("invalid manifest: %v", err)}}
		}
	default:
		return nil, ValidationErrors{{Message: fmt.Sprintf("unsupported manifest format %q", format)}}
	}
	return &doc, nil
}

func decodeJSON(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// evaluateCUE compiles CUE source and exports it as concrete JSON.
func evaluateCUE(data []byte) ([]byte, ValidationErrors) {
	val := cuecontext.New().CompileBytes(data, cue.Filename("manifest.cue"))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}
	out, err := val.MarshalJSON()
	if err != nil {
		return nil, convertCUEErrors(err)
	}
	return out, nil
}

func convertCUEErrors(err error) ValidationErrors {
	var errs ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		msg := strings.TrimSpace(cueerrors.Details(e, nil))
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			msg = fmt.Sprintf("%d:%d: %s", pos[0].Line(), pos[0].Column(), msg)
		}
		errs.Add("", "cue", "%s", msg)
	}
	if len(errs) == 0 {
		errs.Add("", "cue", "%v", err)
	}
	return errs
}
