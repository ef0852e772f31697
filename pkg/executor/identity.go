package executor

import (
	"os"
	"os/user"

	"github.com/openfroyo/agentbox/pkg/manifest"
)

// Identity is the account a command executes as, with the bindings needed to
// reach it.
type Identity struct {
	// RunAs selects the account.
	RunAs manifest.RunAs

	// User is the target account name for RunAsTargetUser.
	User string

	// Home is the target account's home directory.
	Home string

	// Escalation is the privilege-escalation command, e.g. "sudo" or "sudo -n".
	Escalation string
}

// CurrentUser returns the invoking user's name, falling back to $USER.
func CurrentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
