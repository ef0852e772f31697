package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		verifiedInstallerHTTPSPolicy(),
		rootIdempotentCheckPolicy(),
		rootModuleNoticePolicy(),
	}
}

// verifiedInstallerHTTPSPolicy rejects installers pinned to plaintext sources.
func verifiedInstallerHTTPSPolicy() Policy {
	return Policy{
		Name:        "verified-installer-https",
		Description: "Verified installer sources must be fetched over https or from a local file",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"integrity", "transport"},
		Rego: `package agentbox.policies.verified_installer_https

deny contains violation if {
	vi := input.module.verified_installer
	vi.pinned
	not startswith(vi.source, "https://")
	not startswith(vi.source, "file://")
	violation := {
		"message": sprintf("verified installer %s is pinned to %s, which is neither https nor file", [vi.tool, vi.source]),
		"remediation": "pin an https:// source or a file:// mirror",
	}
}
`,
	}
}

// rootIdempotentCheckPolicy requires every root module to be safely re-runnable.
func rootIdempotentCheckPolicy() Policy {
	return Policy{
		Name:        "root-requires-idempotent-check",
		Description: "Modules that run as root must declare an idempotent_check",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"privilege", "idempotence"},
		Rego: `package agentbox.policies.root_idempotent_check

runs_as_root if input.module.run_as == "root"

runs_as_root if input.module.verified_installer.run_as == "root"

deny contains violation if {
	runs_as_root
	not input.module.description_only
	input.module.idempotent_check == ""
	violation := {
		"message": sprintf("module %s runs as root without an idempotent_check", [input.module.id]),
		"remediation": "add an idempotent_check that exits 0 when the module is already installed",
	}
}
`,
	}
}

// rootModuleNoticePolicy lists every module that escalates privileges.
func rootModuleNoticePolicy() Policy {
	return Policy{
		Name:        "root-module-notice",
		Description: "Reports modules that execute through the privilege-escalation handle",
		Severity:    SeverityInfo,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"privilege"},
		Rego: `package agentbox.policies.root_module_notice

deny contains msg if {
	input.module.run_as == "root"
	not input.module.description_only
	msg := sprintf("module %s runs as root", [input.module.id])
}

deny contains msg if {
	input.module.run_as != "root"
	input.module.verified_installer.run_as == "root"
	msg := sprintf("module %s runs its verified installer %s as root", [input.module.id, input.module.verified_installer.tool])
}
`,
	}
}
