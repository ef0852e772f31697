package executor

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// packageManagerMu serializes every package-manager invocation in the process,
// whatever the module-level parallelism.
var packageManagerMu sync.Mutex

var packageManagers = map[string]bool{
	"apt":     true,
	"apt-get": true,
	"dpkg":    true,
	"dnf":     true,
	"yum":     true,
	"zypper":  true,
	"brew":    true,
	"snap":    true,
}

// IsPackageManagerCommand reports whether a command line invokes a known
// system package manager, looking past sudo and leading VAR=value assignments.
func IsPackageManagerCommand(command string) bool {
	for _, word := range strings.Fields(command) {
		switch {
		case word == "sudo" || word == "env" || strings.HasPrefix(word, "-"):
			continue
		case strings.Contains(word, "=") && !strings.HasPrefix(word, "="):
			continue
		}
		return packageManagers[filepath.Base(word)]
	}
	return false
}

func lockPackageManager(logger zerolog.Logger, command string) func() {
	start := time.Now()
	packageManagerMu.Lock()
	if waited := time.Since(start); waited > time.Second {
		logger.Debug().Dur("waited", waited).Str("command", command).Msg("Acquired package manager lock")
	}
	return packageManagerMu.Unlock
}
