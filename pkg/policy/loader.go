package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultReloadDelay is how long Watch waits for a burst of file events to settle.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader reads policies from files:
//
//   - .rego: one policy named after the file. Leading comments describe it
//     and may carry "severity:", "tags:" and "disabled" directives.
//   - .json: one policy definition.
//   - .yaml, .yml: a bundle of policy definitions under "policies".
//
// Parsed files are cached until their size or modification time changes.
type Loader struct {
	logger      zerolog.Logger
	reloadDelay time.Duration

	mu      sync.Mutex
	cache   map[string]cachedFile
	watcher *fsnotify.Watcher

	// reloadMu serializes reloads triggered by Watch.
	reloadMu sync.Mutex
}

type cachedFile struct {
	modTime  time.Time
	size     int64
	policies []Policy
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		cache:       make(map[string]cachedFile),
		reloadDelay: DefaultReloadDelay,
	}
}

// LoadFromPaths loads the policies of every file and directory in paths. Two
// files defining the same policy name are an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	sources := make(map[string]string)

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		policies, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		for _, p := range policies {
			if prev, ok := sources[p.Name]; ok {
				return nil, fmt.Errorf("policy %s is defined in both %s and %s", p.Name, prev, p.Source)
			}
			sources[p.Name] = p.Source
		}
		all = append(all, policies...)
	}

	l.logger.Debug().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return all, nil
}

func (l *Loader) loadFromPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if info.IsDir() {
		return l.loadFromDirectory(path)
	}
	return l.loadFromFile(path)
}

// loadFromDirectory loads all policy files below a directory. Files that
// fail to load are logged and skipped.
func (l *Loader) loadFromDirectory(dirPath string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		loaded, err := l.loadFromFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to load policy file")
			return nil
		}
		policies = append(policies, loaded...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return policies, nil
}

func (l *Loader) loadFromFile(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.policies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policies []Policy
	switch strings.ToLower(filepath.Ext(path)) {
	case ".rego":
		policies = []Policy{parseRegoFile(path, data)}
	case ".json":
		var p Policy
		if p, err = parseJSONFile(path, data); err == nil {
			policies = []Policy{p}
		}
	case ".yaml", ".yml":
		policies, err = parseYAMLBundle(path, data)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[path] = cachedFile{modTime: info.ModTime(), size: info.Size(), policies: policies}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Int("policies", len(policies)).
		Msg("Policy file loaded")

	return policies, nil
}

func isPolicyFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".rego", ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// parseRegoFile turns a .rego file into a policy named after the file. It is
// an enabled error policy unless its header says otherwise.
func parseRegoFile(path string, data []byte) Policy {
	content := string(data)
	h := parseRegoHeader(content)

	p := Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Description: h.description,
		Rego:        content,
		Severity:    SeverityError,
		Enabled:     !h.disabled,
		Tags:        h.tags,
		Source:      path,
	}
	if h.severity != "" {
		p.Severity = h.severity
	}
	return p
}

// parseJSONFile parses one JSON policy definition. The name defaults to the
// file name and the severity to warning.
func parseJSONFile(path string, data []byte) (Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	p.Source = path
	return p, nil
}

// policyBundle is the document of a YAML policy file.
type policyBundle struct {
	Policies []Policy `yaml:"policies"`
}

// parseYAMLBundle parses a YAML file listing policies. Every policy needs a
// name; the severity defaults to warning.
func parseYAMLBundle(path string, data []byte) ([]Policy, error) {
	var bundle policyBundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse YAML policy bundle: %w", err)
	}

	seen := make(map[string]bool, len(bundle.Policies))
	for i := range bundle.Policies {
		p := &bundle.Policies[i]
		if p.Name == "" {
			return nil, fmt.Errorf("policy %d of %s has no name", i, path)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("policy %s appears twice in %s", p.Name, path)
		}
		seen[p.Name] = true
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
		p.Source = path
	}
	return bundle.Policies, nil
}

// regoHeader is what the leading comment block of a .rego file says about
// the policy.
type regoHeader struct {
	description string
	severity    Severity
	tags        []string
	disabled    bool
}

// parseRegoHeader reads the comment lines before the first statement.
// Directive lines are taken out of the description.
func parseRegoHeader(content string) regoHeader {
	var (
		h    regoHeader
		desc []string
	)

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}

		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		key, value, _ := strings.Cut(comment, ":")
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "severity":
			h.severity = Severity(strings.ToLower(strings.TrimSpace(value)))
		case "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					h.tags = append(h.tags, tag)
				}
			}
		case "disabled":
			h.disabled = true
		default:
			if comment != "" {
				desc = append(desc, comment)
			}
		}
	}

	h.description = strings.Join(desc, " ")
	return h
}

// extractDescription returns the description part of a .rego header.
func extractDescription(content string) string {
	return parseRegoHeader(content).description
}

// Watch reloads all paths whenever a policy file below them is written,
// created, removed or renamed, and hands the new set to reloadFn. It returns
// once the watcher is set up; watching stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		if err := addWatchTree(watcher, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch path")
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching policy paths")

	return nil
}

// addWatchTree watches path, and every directory below it when it is one.
func addWatchTree(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addWatchTree(watcher, event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}
			if !isPolicyFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				l.mu.Lock()
				delete(l.cache, event.Name)
				l.mu.Unlock()
			}

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(l.reloadDelay, func() {
				if err := l.triggerReload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) triggerReload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	l.reloadMu.Lock()
	defer l.reloadMu.Unlock()

	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}

	l.logger.Info().
		Int("count", len(policies)).
		Msg("Policies reloaded")

	return nil
}

// StopWatching stops watching for file changes.
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

// ClearCache forgets every parsed file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]cachedFile)
}
