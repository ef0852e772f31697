package engine

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/openfroyo/agentbox/pkg/manifest"
)

func TestExecContextMissing(t *testing.T) {
	full := ExecContext{
		TargetUser:   "dev",
		TargetHome:   "/home/dev",
		Mode:         ModeStrictContext,
		Escalation:   "sudo",
		InvokingUser: "ops",
	}

	tests := []struct {
		name       string
		ctx        ExecContext
		identities []manifest.RunAs
		want       []string
	}{
		{
			name:       "complete",
			ctx:        full,
			identities: []manifest.RunAs{manifest.RunAsTargetUser, manifest.RunAsRoot},
			want:       []string{},
		},
		{
			name: "empty context lists everything at once",
			ctx:  ExecContext{},
			identities: []manifest.RunAs{
				manifest.RunAsTargetUser, manifest.RunAsRoot, manifest.RunAsCurrent,
			},
			want: []string{EnvEscalation, EnvMode, EnvTargetHome, EnvTargetUser},
		},
		{
			name:       "current identity needs only the mode",
			ctx:        ExecContext{Mode: ModePermissiveContext},
			identities: []manifest.RunAs{manifest.RunAsCurrent},
			want:       []string{},
		},
		{
			name:       "root needs no escalation when invoked as root",
			ctx:        ExecContext{Mode: ModeStrictContext, InvokingRoot: true},
			identities: []manifest.RunAs{manifest.RunAsRoot},
			want:       []string{},
		},
		{
			name:       "target user equal to invoker needs no escalation",
			ctx:        ExecContext{Mode: ModeStrictContext, TargetUser: "dev", TargetHome: "/home/dev", InvokingUser: "dev"},
			identities: []manifest.RunAs{manifest.RunAsTargetUser},
			want:       []string{},
		},
		{
			name:       "invalid mode",
			ctx:        ExecContext{Mode: "lenient"},
			identities: nil,
			want:       []string{`AGENTBOX_MODE (invalid value "lenient")`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.ctx.Missing(tt.identities...)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Missing() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecContextRequire(t *testing.T) {
	err := ExecContext{}.Require(manifest.RunAsTargetUser)
	if err == nil {
		t.Fatal("Require() error = nil")
	}
	if !IsContractViolation(err) {
		t.Errorf("IsContractViolation(%v) = false", err)
	}
	if !IsFatal(err) || IsRetryable(err) {
		t.Error("contract violations must be fatal and not retryable")
	}
	for _, name := range []string{EnvMode, EnvTargetHome, EnvTargetUser} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not name %s", err, name)
		}
	}

	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("error is not *Error")
	}
	if missing, _ := e.Details["missing"].([]string); len(missing) != 3 {
		t.Errorf("missing detail = %v", e.Details["missing"])
	}
}

func TestExecContextFromEnv(t *testing.T) {
	env := map[string]string{
		EnvTargetUser: "dev",
		EnvTargetHome: "/home/dev",
		EnvMode:       "permissive",
	}
	ec := ExecContextFromEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	if ec.TargetUser != "dev" || ec.TargetHome != "/home/dev" || ec.Escalation != "" {
		t.Errorf("ExecContextFromEnv() = %+v", ec)
	}
	if !ec.Permissive() {
		t.Error("Permissive() = false, want true")
	}
}
