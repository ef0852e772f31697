package policy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads user policies from .rego files and .yaml policy bundles.
//
// A .rego file becomes one policy named after the file. Its leading comment
// block is the description, except for "severity:" and "tags:" directives:
//
//	# Forbids piping downloads into a shell
//	# severity: error
//	# tags: network, shell
//	package custom.no_curl_pipe
//
// A .yaml bundle holds a list of policies with inline rego.
type Loader struct {
	logger zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths loads every policy under paths. A path may be a file or a
// directory, which is walked recursively. Naming a missing path or an
// unparseable file directly is an error; bad files found while walking are
// logged and skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
		if !info.IsDir() {
			loaded, err := l.loadFile(root)
			if err != nil {
				return nil, err
			}
			policies = append(policies, loaded...)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() || !isPolicyFile(path) {
				return nil
			}
			loaded, err := l.loadFile(path)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
				return nil
			}
			policies = append(policies, loaded...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}

	l.logger.Debug().Int("policies", len(policies)).Strs("paths", paths).Msg("Loaded user policies")
	return policies, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".yaml", ".yml":
		return true
	}
	return false
}

func (l *Loader) loadFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	switch filepath.Ext(path) {
	case ".rego":
		p, err := parseRego(path, data)
		if err != nil {
			return nil, err
		}
		return []Policy{p}, nil
	case ".yaml", ".yml":
		return parseBundle(path, data)
	default:
		return nil, fmt.Errorf("unsupported policy file %s", path)
	}
}

// parseRego builds a policy from a rego file and its header comments.
func parseRego(path string, data []byte) (Policy, error) {
	p := Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     string(data),
		Severity: SeverityWarning,
		Enabled:  true,
		Source:   path,
	}

	var desc []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "#") {
			if line == "" && len(desc) == 0 {
				continue
			}
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(line, "#"))
		key, value, found := strings.Cut(comment, ":")
		switch {
		case found && strings.EqualFold(key, "severity"):
			p.Severity = Severity(strings.ToLower(strings.TrimSpace(value)))
		case found && strings.EqualFold(key, "tags"):
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					p.Tags = append(p.Tags, tag)
				}
			}
		case comment != "":
			desc = append(desc, comment)
		}
	}
	p.Description = strings.Join(desc, " ")
	if !p.Severity.valid() {
		return Policy{}, fmt.Errorf("%s: unknown severity %q", path, p.Severity)
	}
	return p, nil
}

// bundle is the on-disk form of a .yaml policy file.
type bundle struct {
	Policies []struct {
		Name        string   `yaml:"name"`
		Description string   `yaml:"description"`
		Severity    Severity `yaml:"severity"`
		Disabled    bool     `yaml:"disabled"`
		Tags        []string `yaml:"tags"`
		Rego        string   `yaml:"rego"`
	} `yaml:"policies"`
}

func parseBundle(path string, data []byte) ([]Policy, error) {
	var b bundle
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("failed to parse policy bundle %s: %w", path, err)
	}

	policies := make([]Policy, 0, len(b.Policies))
	for i, entry := range b.Policies {
		if entry.Name == "" || strings.TrimSpace(entry.Rego) == "" {
			return nil, fmt.Errorf("%s: policy %d needs a name and rego", path, i)
		}
		severity := entry.Severity
		if severity == "" {
			severity = SeverityWarning
		}
		if !severity.valid() {
			return nil, fmt.Errorf("%s: policy %s has unknown severity %q", path, entry.Name, severity)
		}
		policies = append(policies, Policy{
			Name:        entry.Name,
			Description: entry.Description,
			Rego:        entry.Rego,
			Severity:    severity,
			Enabled:     !entry.Disabled,
			Tags:        entry.Tags,
			Source:      path,
		})
	}
	return policies, nil
}

// Watch reloads the policies under paths after every burst of changes and
// hands the new set to reloadFn. Directories are watched recursively as they
// exist when Watch is called. Watching ends when ctx is done or StopWatching
// is called.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || path == root {
				return watcher.Add(path)
			}
			return nil
		})
		if err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Not watching policy path")
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.watchLoop(ctx, watcher, paths, reloadFn)
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	defer watcher.Close()

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isPolicyFile(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = reloadFn(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed")
				continue
			}
			l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// StopWatching stops a watch started by Watch.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
