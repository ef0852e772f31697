package executor

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/agentbox/pkg/engine"
	"github.com/openfroyo/agentbox/pkg/manifest"
)

func TestShellRunner_Argv(t *testing.T) {
	r := NewShellRunner(WithInvoker("alice", 1000))

	tests := []struct {
		name    string
		cmd     Command
		want    []string
		wantErr bool
	}{
		{
			name: "current identity",
			cmd:  Command{Script: "echo hi", Identity: Identity{RunAs: manifest.RunAsCurrent}},
			want: []string{"/bin/sh", "-c", "echo hi"},
		},
		{
			name: "target user differs from invoker",
			cmd: Command{Script: "npm i -g pnpm", Identity: Identity{
				RunAs: manifest.RunAsTargetUser, User: "dev", Home: "/home/dev", Escalation: "sudo",
			}},
			want: []string{"sudo", "-u", "dev", "-H", "--", "/bin/sh", "-c", "npm i -g pnpm"},
		},
		{
			name: "target user is invoker",
			cmd:  Command{Script: "id", Identity: Identity{RunAs: manifest.RunAsTargetUser, User: "alice"}},
			want: []string{"/bin/sh", "-c", "id"},
		},
		{
			name: "root with env",
			cmd: Command{
				Script:   "apt-get update",
				Env:      map[string]string{"B": "2", "A": "1"},
				Identity: Identity{RunAs: manifest.RunAsRoot, Escalation: "sudo -n"},
			},
			want: []string{"sudo", "-n", "--", "env", "A=1", "B=2", "/bin/sh", "-c", "apt-get update"},
		},
		{
			name: "direct argv",
			cmd: Command{
				Argv:     []string{"/tmp/payload", "--yes"},
				Identity: Identity{RunAs: manifest.RunAsRoot, Escalation: "doas"},
			},
			want: []string{"doas", "--", "/tmp/payload", "--yes"},
		},
		{
			name:    "root without escalation",
			cmd:     Command{Script: "true", Identity: Identity{RunAs: manifest.RunAsRoot}},
			wantErr: true,
		},
		{
			name:    "target user unbound",
			cmd:     Command{Script: "true", Identity: Identity{RunAs: manifest.RunAsTargetUser, Escalation: "sudo"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Argv(tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Argv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !engine.IsContractViolation(err) {
					t.Errorf("Argv() error = %v, want contract violation", err)
				}
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Argv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShellRunner_RootAsRoot(t *testing.T) {
	r := NewShellRunner(WithInvoker("root", 0))
	got, err := r.Argv(Command{Script: "true", Identity: Identity{RunAs: manifest.RunAsRoot}})
	if err != nil {
		t.Fatalf("Argv() error = %v", err)
	}
	if got[0] != "/bin/sh" {
		t.Errorf("Argv() = %v, want no escalation when euid is 0", got)
	}
}

func TestShellRunner_Run(t *testing.T) {
	r := NewShellRunner()
	ctx := context.Background()

	res, err := r.Run(ctx, Command{Script: "echo hello; echo oops >&2", Identity: Identity{RunAs: manifest.RunAsCurrent}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if !strings.Contains(res.Output, "hello") || !strings.Contains(res.Output, "oops") {
		t.Errorf("Output = %q, want stdout and stderr", res.Output)
	}
}

func TestShellRunner_RunEnv(t *testing.T) {
	r := NewShellRunner()
	res, err := r.Run(context.Background(), Command{
		Script:   `printf '%s' "$AGENTBOX_TEST_VALUE"`,
		Env:      map[string]string{"AGENTBOX_TEST_VALUE": "42"},
		Identity: Identity{RunAs: manifest.RunAsCurrent},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Output != "42" {
		t.Errorf("Output = %q, want 42", res.Output)
	}
}

func TestShellRunner_RunNonZero(t *testing.T) {
	r := NewShellRunner()
	res, err := r.Run(context.Background(), Command{Script: "echo failing; exit 3"})
	if err == nil {
		t.Fatal("Run() expected error")
	}
	if engine.ClassOf(err) != engine.ErrorClassStep {
		t.Errorf("ClassOf() = %s, want step", engine.ClassOf(err))
	}
	if !engine.IsRetryable(err) {
		t.Error("step failure should be retryable")
	}
	if res == nil || res.ExitCode != 3 {
		t.Fatalf("result = %+v, want exit code 3", res)
	}
	if !strings.Contains(res.Output, "failing") {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestShellRunner_RunTimeout(t *testing.T) {
	r := NewShellRunner()
	start := time.Now()
	_, err := r.Run(context.Background(), Command{Script: "exec sleep 5", Timeout: 100 * time.Millisecond})
	if err == nil {
		t.Fatal("Run() expected timeout error")
	}
	if engine.ClassOf(err) != engine.ErrorClassTransient {
		t.Errorf("ClassOf() = %s, want transient", engine.ClassOf(err))
	}
	if time.Since(start) > 4*time.Second {
		t.Error("timeout did not stop the command")
	}
}

func TestShellRunner_RunEmpty(t *testing.T) {
	if _, err := NewShellRunner().Run(context.Background(), Command{}); err == nil {
		t.Error("Run() with empty command should fail")
	}
}

func TestIsPackageManagerCommand(t *testing.T) {
	tests := map[string]bool{
		"apt-get install -y git":                            true,
		"sudo apt install jq":                               true,
		"DEBIAN_FRONTEND=noninteractive apt-get -y upgrade": true,
		"/usr/bin/dnf install -y gcc":                       true,
		"brew install gh":                                   true,
		"npm install -g pnpm":                               false,
		"echo apt":                                          false,
		"":                                                  false,
	}
	for in, want := range tests {
		if got := IsPackageManagerCommand(in); got != want {
			t.Errorf("IsPackageManagerCommand(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPackageManagerLockSerializes(t *testing.T) {
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := lockPackageManager(NewShellRunner().logger, "apt-get update")
			defer unlock()
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxActive)
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 8}
	b.Write([]byte("0123456789"))
	b.Write([]byte("ab"))
	if got := b.String(); got != "456789ab" {
		t.Errorf("String() = %q, want 456789ab", got)
	}
}
