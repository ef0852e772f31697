// Package policy evaluates Open Policy Agent (Rego) install policies over
// manifest modules while a manifest loads.
//
// Each policy is a Rego module whose package defines a "deny" set. Entries
// are either message strings or objects with "message", "severity" and
// "remediation" keys. Policies see one module at a time as input.module, with
// defaults resolved and any verified installer joined with its trust store pin:
//
//	{
//	  "module": {
//	    "id": "system.git", "phase": 1, "run_as": "root",
//	    "idempotent_check": "", "description_only": false,
//	    "install": [{"kind": "command", "text": "apt-get install -y git"}],
//	    "verified_installer": {"tool": "nvm", "source": "https://...", "pinned": true}
//	  },
//	  "context": {"operation": "load", "timestamp": "..."}
//	}
//
// Violations of severity error or critical reject the manifest; the rest are
// kept as notices.
//
// # Built-in Policies
//
//   - verified-installer-https: pinned sources must be https:// or file://
//   - root-requires-idempotent-check: root modules must declare an idempotent_check
//   - root-module-notice: lists modules that escalate privileges
//
// User policies are loaded from .rego or .json files with Engine.LoadPolicies
// and can be hot-reloaded with Loader.Watch.
package policy
