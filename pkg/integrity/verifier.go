// Package integrity fetches checksum-pinned installers, verifies them against
// the trust store before anything runs, and redacts secrets from captured
// output and exported sessions.
package integrity

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/agentbox/pkg/engine"
	"github.com/openfroyo/agentbox/pkg/executor"
	"github.com/openfroyo/agentbox/pkg/manifest"
)

const (
	// DefaultDownloadTimeout bounds a single download.
	DefaultDownloadTimeout = 2 * time.Minute

	// DefaultDownloadAttempts is how often a transient download failure is tried.
	DefaultDownloadAttempts = 3

	// DefaultMaxPayloadSize caps a downloaded installer.
	DefaultMaxPayloadSize int64 = 64 << 20
)

// Error codes for download failures.
const (
	ErrCodeDownload     = "DOWNLOAD_FAILED"
	ErrCodeUnpinned     = "TOOL_NOT_PINNED"
	ErrCodePayloadLarge = "PAYLOAD_TOO_LARGE"
)

// Invocation describes one verified-installer run.
type Invocation struct {
	// Tool is the trust store key.
	Tool string

	// Mode selects the interpreter (sh, bash) or direct execution.
	Mode manifest.InvocationMode

	// Args are passed to the payload.
	Args []string

	// Identity is who the payload runs as.
	Identity executor.Identity

	// Env adds environment variables.
	Env map[string]string

	// Timeout bounds the payload run. 0 uses the runner default.
	Timeout time.Duration
}

// Verifier downloads, verifies and runs pinned installers.
type Verifier struct {
	trust      manifest.TrustStore
	runner     executor.Runner
	client     *http.Client
	timeout    time.Duration
	attempts   int
	retryDelay time.Duration
	maxSize    int64
	tempDir    string
	logger     zerolog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithHTTPClient replaces the download client.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) {
		if c != nil {
			v.client = c
		}
	}
}

// WithDownloadTimeout bounds each download.
func WithDownloadTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithDownloadRetries sets the attempts and fixed delay for transient download failures.
func WithDownloadRetries(attempts int, delay time.Duration) Option {
	return func(v *Verifier) {
		if attempts > 0 {
			v.attempts = attempts
		}
		v.retryDelay = delay
	}
}

// WithMaxPayloadSize caps the payload size.
func WithMaxPayloadSize(n int64) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.maxSize = n
		}
	}
}

// WithTempDir sets where payloads are staged before execution.
func WithTempDir(dir string) Option {
	return func(v *Verifier) { v.tempDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(v *Verifier) { v.logger = l.With().Str("component", "integrity").Logger() }
}

// NewVerifier creates a verifier over trust that executes payloads with runner.
func NewVerifier(trust manifest.TrustStore, runner executor.Runner, opts ...Option) *Verifier {
	v := &Verifier{
		trust:      trust,
		runner:     runner,
		client:     http.DefaultClient,
		timeout:    DefaultDownloadTimeout,
		attempts:   DefaultDownloadAttempts,
		retryDelay: 2 * time.Second,
		maxSize:    DefaultMaxPayloadSize,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Resolve returns the pin for a tool, or an error if the tool is not pinned.
func (v *Verifier) Resolve(tool string) (manifest.Pin, error) {
	pin, ok := v.trust.Resolve(tool)
	if !ok {
		return manifest.Pin{}, engine.NewValidationError(
			fmt.Sprintf("tool %s is not pinned in the trust store", tool), nil).
			WithCode(ErrCodeUnpinned)
	}
	return pin, nil
}

// Fetch downloads the tool's payload and verifies it against the pinned hash.
// A mismatch is an integrity violation and the payload is discarded.
func (v *Verifier) Fetch(ctx context.Context, tool string) ([]byte, error) {
	pin, err := v.Resolve(tool)
	if err != nil {
		return nil, err
	}

	payload, err := v.download(ctx, pin.Source)
	if err != nil {
		return nil, err
	}

	actual, ok, err := Check(pin.Hash, payload)
	if err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid pin for %s", tool), err)
	}
	if !ok {
		v.logger.Error().
			Str("tool", tool).
			Str("source", pin.Source).
			Str("expected", pin.Hash).
			Str("actual", actual).
			Msg("Integrity violation, payload discarded")
		return nil, engine.NewIntegrityViolation(tool, pin.Hash, actual)
	}

	v.logger.Debug().Str("tool", tool).Int("bytes", len(payload)).Msg("Payload verified")
	return payload, nil
}

// FetchAndRun verifies the pinned payload and, only on a match, executes it
// through the invocation mode under the requested identity.
func (v *Verifier) FetchAndRun(ctx context.Context, inv Invocation) (*executor.Result, error) {
	payload, err := v.Fetch(ctx, inv.Tool)
	if err != nil {
		return nil, err
	}

	path, cleanup, err := v.stage(inv, payload)
	if err != nil {
		return nil, engine.NewStepFailure("staging verified payload", err)
	}
	defer cleanup()

	argv, err := invocationArgv(inv.Mode, path, inv.Args)
	if err != nil {
		return nil, engine.NewValidationError("invalid invocation mode", err)
	}

	v.logger.Info().
		Str("tool", inv.Tool).
		Str("mode", string(inv.Mode)).
		Str("run_as", string(inv.Identity.RunAs)).
		Msg("Running verified installer")

	return v.runner.Run(ctx, executor.Command{
		Argv:     argv,
		Identity: inv.Identity,
		Env:      inv.Env,
		Timeout:  inv.Timeout,
	})
}

// Describe renders what FetchAndRun would do, for previews.
func (v *Verifier) Describe(inv Invocation) (string, error) {
	pin, err := v.Resolve(inv.Tool)
	if err != nil {
		return "", err
	}
	mode := inv.Mode
	if mode == "" {
		mode = manifest.InvokeSh
	}
	s := fmt.Sprintf("fetch %s from %s, verify %s, run with %s", inv.Tool, pin.Source, pin.Hash, mode)
	if len(inv.Args) > 0 {
		s += fmt.Sprintf(" args %q", inv.Args)
	}
	return s, nil
}

func (v *Verifier) download(ctx context.Context, source string) ([]byte, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, engine.NewValidationError("invalid source URL", err)
	}

	var payload []byte
	for attempt := 1; attempt <= v.attempts; attempt++ {
		switch u.Scheme {
		case "http", "https":
			payload, err = v.fetchHTTP(ctx, u)
		case "file":
			payload, err = v.readFile(u)
		default:
			return nil, engine.NewValidationError(fmt.Sprintf("unsupported source scheme %q", u.Scheme), nil)
		}
		if err == nil {
			return payload, nil
		}
		if engine.ClassOf(err) != engine.ErrorClassTransient || attempt == v.attempts {
			break
		}

		v.logger.Warn().Err(err).Int("attempt", attempt).Str("source", source).Msg("Download failed, retrying")
		select {
		case <-ctx.Done():
			return nil, engine.NewTransientError("download interrupted", ctx.Err()).WithCode(ErrCodeDownload)
		case <-time.After(v.retryDelay):
		}
	}
	return nil, err
}

func (v *Verifier) fetchHTTP(ctx context.Context, u *url.URL) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, engine.NewValidationError("building download request", err)
	}
	req.Header.Set("User-Agent", "agentbox")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, classifyNetError(u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("download %s: unexpected status %s", u.Redacted(), resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, engine.NewTransientError(msg, nil).WithCode(ErrCodeDownload)
		}
		return nil, engine.NewStepFailure(msg, nil).WithCode(ErrCodeDownload)
	}

	return v.readLimited(resp.Body, u.Redacted())
}

func (v *Verifier) readFile(u *url.URL) ([]byte, error) {
	if u.Host != "" && u.Host != "localhost" {
		return nil, engine.NewValidationError(fmt.Sprintf("file source %s must be an absolute local path", u), nil)
	}
	f, err := os.Open(filepath.FromSlash(u.Path))
	if err != nil {
		return nil, engine.NewStepFailure("reading local mirror", err).WithCode(ErrCodeDownload)
	}
	defer f.Close()
	return v.readLimited(f, u.String())
}

func (v *Verifier) readLimited(r io.Reader, source string) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(r, v.maxSize+1))
	if err != nil {
		return nil, engine.NewTransientError(fmt.Sprintf("reading %s", source), err).WithCode(ErrCodeDownload)
	}
	if int64(len(payload)) > v.maxSize {
		return nil, engine.NewStepFailure(
			fmt.Sprintf("payload from %s exceeds %d bytes", source, v.maxSize), nil).
			WithCode(ErrCodePayloadLarge)
	}
	return payload, nil
}

// stage writes payload to a fresh directory. The directory is private unless
// the payload must be readable by a different target account.
func (v *Verifier) stage(inv Invocation, payload []byte) (string, func(), error) {
	// tool keys are free-form; ProcedureName maps them to a safe file name
	dir, err := os.MkdirTemp(v.tempDir, "agentbox-"+manifest.ProcedureName(inv.Tool)+"-")
	if err != nil {
		return "", func() {}, err
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	dirMode, fileMode := os.FileMode(0o700), os.FileMode(0o700)
	if inv.Identity.RunAs == manifest.RunAsTargetUser && inv.Identity.User != executor.CurrentUser() {
		dirMode, fileMode = 0o711, 0o755
	}
	if err := os.Chmod(dir, dirMode); err != nil {
		cleanup()
		return "", func() {}, err
	}

	path := filepath.Join(dir, "install")
	if err := os.WriteFile(path, payload, fileMode); err != nil {
		cleanup()
		return "", func() {}, err
	}
	return path, cleanup, nil
}

func invocationArgv(mode manifest.InvocationMode, path string, args []string) ([]string, error) {
	var argv []string
	switch mode {
	case manifest.InvokeSh, "":
		argv = []string{"sh", path}
	case manifest.InvokeBash:
		argv = []string{"bash", path}
	case manifest.InvokeExec:
		argv = []string{path}
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	return append(argv, args...), nil
}

// classifyNetError treats transport failures as transient, except a
// certificate that fails verification.
func classifyNetError(u *url.URL, err error) error {
	msg := fmt.Sprintf("download %s", u.Redacted())
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return engine.NewStepFailure(msg, err).WithCode(ErrCodeDownload)
	}
	return engine.NewTransientError(msg, err).WithCode(ErrCodeDownload)
}
