// Package manifest loads and validates agentbox install manifests.
//
// # Overview
//
// A manifest is a versioned document listing installable modules. Each module
// declares a dotted ID, a phase, its dependencies, the identity it runs as, an
// idempotency predicate, typed install/verify steps and optionally a verified
// installer that is pinned in the trust store.
//
// Manifests may be written in YAML or CUE. Both are decoded strictly: unknown
// fields are rejected rather than ignored.
//
// # Validation
//
// Load validates the whole document in one pass and aggregates every failure
// into ValidationErrors:
//
//   - schema shape and field types
//   - module ID pattern and uniqueness
//   - derived procedure-name collisions (see ProcedureName)
//   - dependency references and dependency cycles (each cycle reported as a chain)
//   - phase bounds
//   - trust store resolution for every verified installer
//   - policy violations reported by an optional PolicyChecker
//
// A manifest that fails validation is never returned; nothing downstream may run
// against a partially-valid manifest. A returned Manifest is immutable.
package manifest
