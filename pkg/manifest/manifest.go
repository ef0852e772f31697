package manifest

import (
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is a validated, immutable set of modules.
// Accessors return copies; nothing handed out aliases the manifest's state.
type Manifest struct {
	name    string
	source  string
	version int
	phases  []Phase
	modules []Module
	index   map[string]int
	trust   TrustStore
	graph   *Graph
	order   []string
	notices []PolicyFinding
}

func newManifest(doc *Document, source string, trust TrustStore, notices []PolicyFinding) *Manifest {
	m := &Manifest{
		name:    doc.Name,
		source:  source,
		version: doc.Version,
		phases:  append([]Phase(nil), doc.Phases...),
		modules: make([]Module, len(doc.Modules)),
		index:   make(map[string]int, len(doc.Modules)),
		trust:   make(TrustStore, len(trust)),
		notices: notices,
	}
	sort.Slice(m.phases, func(i, j int) bool { return m.phases[i].ID < m.phases[j].ID })
	for i := range doc.Modules {
		m.modules[i] = cloneModule(doc.Modules[i])
		m.index[m.modules[i].ID] = i
	}
	for k, v := range trust {
		m.trust[k] = v
	}
	m.graph = newGraph(m.modules)
	m.order = m.graph.TopologicalOrder()
	return m
}

// Name returns the manifest's optional name.
func (m *Manifest) Name() string { return m.name }

// Source returns the path the manifest was loaded from, if any.
func (m *Manifest) Source() string { return m.source }

// Version returns the schema version.
func (m *Manifest) Version() int { return m.version }

// Phases returns the declared phases sorted by ID.
func (m *Manifest) Phases() []Phase { return append([]Phase(nil), m.phases...) }

// Phase returns the phase with the given ID.
func (m *Manifest) Phase(id int) (Phase, bool) {
	for _, p := range m.phases {
		if p.ID == id {
			return p, true
		}
	}
	return Phase{}, false
}

// PhaseName returns the name of a phase, or "phase N" when it is undeclared.
func (m *Manifest) PhaseName(id int) string {
	if p, ok := m.Phase(id); ok {
		return p.Name
	}
	return fmt.Sprintf("phase %d", id)
}

// Modules returns the modules in declaration order.
func (m *Manifest) Modules() []Module {
	out := make([]Module, len(m.modules))
	for i := range m.modules {
		out[i] = cloneModule(m.modules[i])
	}
	return out
}

// Module returns the module with the given ID.
func (m *Manifest) Module(id string) (Module, bool) {
	i, ok := m.index[id]
	if !ok {
		return Module{}, false
	}
	return cloneModule(m.modules[i]), true
}

// Has reports whether a module with the given ID exists.
func (m *Manifest) Has(id string) bool {
	_, ok := m.index[id]
	return ok
}

// TrustStore returns the resolved trust store.
func (m *Manifest) TrustStore() TrustStore {
	out := make(TrustStore, len(m.trust))
	for k, v := range m.trust {
		out[k] = v
	}
	return out
}

// Graph returns the dependency graph.
func (m *Manifest) Graph() *Graph { return m.graph }

// TopologicalOrder returns module IDs with dependencies first, ties broken by
// ascending phase then ID.
func (m *Manifest) TopologicalOrder() []string { return append([]string(nil), m.order...) }

// Notices returns the non-blocking policy findings recorded at load time.
func (m *Manifest) Notices() []PolicyFinding { return append([]PolicyFinding(nil), m.notices...) }

func cloneModule(src Module) Module {
	dst := src
	dst.Dependencies = append([]string(nil), src.Dependencies...)
	dst.Install = append([]Step(nil), src.Install...)
	dst.Verify = append([]Step(nil), src.Verify...)
	if src.VerifiedInstaller != nil {
		vi := *src.VerifiedInstaller
		vi.Args = append([]string(nil), src.VerifiedInstaller.Args...)
		dst.VerifiedInstaller = &vi
	}
	if src.Generated != nil {
		g := *src.Generated
		dst.Generated = &g
	}
	return dst
}

// trustStoreFile is the on-disk trust store layout.
type trustStoreFile struct {
	Tools TrustStore `yaml:"tools"`
}

// LoadTrustStore reads a trust store file.
func LoadTrustStore(path string) (TrustStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trust store: %w", err)
	}
	return ParseTrustStore(data)
}

// ParseTrustStore decodes trust store YAML. Unknown fields are rejected.
func ParseTrustStore(data []byte) (TrustStore, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)

	var f trustStoreFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse trust store: %w", err)
	}
	if f.Tools == nil {
		f.Tools = TrustStore{}
	}
	for tool, pin := range f.Tools {
		if pin.Source == "" {
			return nil, fmt.Errorf("trust store entry %s has no source", tool)
		}
		if _, _, err := ParseHash(pin.Hash); err != nil {
			return nil, fmt.Errorf("trust store entry %s: %w", tool, err)
		}
	}
	return f.Tools, nil
}

// Hash algorithms accepted in pins.
const (
	AlgoSHA256     = "sha256"
	AlgoSHA512     = "sha512"
	AlgoBLAKE2b256 = "blake2b-256"
)

var digestLengths = map[string]int{
	AlgoSHA256:     32,
	AlgoSHA512:     64,
	AlgoBLAKE2b256: 32,
}

// ParseHash splits a pinned hash into algorithm and lower-case hex digest.
// A bare 64-character hex value is a sha256 digest.
func ParseHash(pinned string) (algo, digest string, err error) {
	pinned = strings.TrimSpace(pinned)
	algo, digest, found := strings.Cut(pinned, ":")
	if !found {
		algo, digest = AlgoSHA256, pinned
	}
	algo = strings.ToLower(algo)
	digest = strings.ToLower(digest)

	size, ok := digestLengths[algo]
	if !ok {
		return "", "", fmt.Errorf("unsupported hash algorithm %q", algo)
	}
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return "", "", fmt.Errorf("hash is not hex: %w", err)
	}
	if len(raw) != size {
		return "", "", fmt.Errorf("%s digest must be %d bytes, got %d", algo, size, len(raw))
	}
	return algo, digest, nil
}
