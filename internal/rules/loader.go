package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader handles loading and managing correlation rules
type Loader struct {
	rulesDir   string
	hotReload  bool
	debounceMs int
	logger     *slog.Logger

	mu         sync.RWMutex
	snapshot   *RuleSnapshot
	knownTypes map[string]bool
	watchers   []chan struct{}
	watcher    *fsnotify.Watcher
}

// NewLoader creates a new rule loader
func NewLoader(rulesDir string, hotReload bool, debounceMs int, logger *slog.Logger) *Loader {
	return &Loader{
		rulesDir:   rulesDir,
		hotReload:  hotReload,
		debounceMs: debounceMs,
		logger:     logger,
	}
}

// SetKnownEventTypes restricts the catalog to rules whose patterns reference
// event types upstream producers are known to emit. An empty list disables the check.
func (l *Loader) SetKnownEventTypes(types []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(types) == 0 {
		l.knownTypes = nil
		return
	}
	l.knownTypes = make(map[string]bool, len(types))
	for _, t := range types {
		l.knownTypes[t] = true
	}
}

// LoadSnapshot loads all rules from the rules directory. Invalid rules are
// logged and skipped; duplicate ids and negative counts return an *InvariantError.
func (l *Loader) LoadSnapshot() (*RuleSnapshot, error) {
	l.logger.Info("Loading rules snapshot", "rules_dir", l.rulesDir)

	ruleFiles, err := l.readRuleFiles()
	if err != nil {
		return nil, fmt.Errorf("failed to read rule files: %w", err)
	}

	var candidates []Rule
	if len(ruleFiles) == 0 {
		l.logger.Info("No rule files found, using built-in catalog", "rules_dir", l.rulesDir)
		candidates = BuiltinRules()
	}

	for _, file := range ruleFiles {
		rules, err := l.loadRulesFromFile(file)
		if err != nil {
			l.logger.Warn("Failed to load rules from file", "file", file, "error", err)
			continue
		}
		for _, rule := range rules {
			rule.SourceFile = file
			candidates = append(candidates, rule)
		}
	}

	snapshot, err := l.buildSnapshot(candidates)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.snapshot = snapshot
	l.mu.Unlock()

	l.notifyWatchers()
	return snapshot, nil
}

// LoadRules builds a snapshot from rules supplied in memory
func (l *Loader) LoadRules(rules []Rule) (*RuleSnapshot, error) {
	snapshot, err := l.buildSnapshot(rules)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.snapshot = snapshot
	l.mu.Unlock()

	l.notifyWatchers()
	return snapshot, nil
}

func (l *Loader) buildSnapshot(candidates []Rule) (*RuleSnapshot, error) {
	l.mu.RLock()
	knownTypes := l.knownTypes
	l.mu.RUnlock()

	seen := make(map[string]string, len(candidates))
	var enabled []Rule

	for _, rule := range candidates {
		id := rule.Metadata.ID

		if id != "" {
			if prev, dup := seen[id]; dup {
				return nil, &InvariantError{
					RuleID:  id,
					Message: fmt.Sprintf("duplicate rule id (defined in %q and %q)", prev, rule.SourceFile),
				}
			}
			seen[id] = rule.SourceFile
		}

		if err := rule.CheckInvariants(); err != nil {
			return nil, err
		}

		if !rule.IsEnabled() {
			l.logger.Debug("Skipping disabled rule", "rule_id", id, "file", rule.SourceFile)
			continue
		}

		if err := rule.Validate(); err != nil {
			l.logger.Warn("Invalid rule disabled", "rule_id", id, "file", rule.SourceFile, "error", err)
			continue
		}

		if unknown := unknownEventTypes(rule, knownTypes); len(unknown) > 0 {
			l.logger.Warn("Rule references unknown event types, disabled",
				"rule_id", id,
				"file", rule.SourceFile,
				"event_types", unknown)
			continue
		}

		enabled = append(enabled, rule)
	}

	sort.Slice(enabled, func(i, j int) bool {
		return enabled[i].Metadata.ID < enabled[j].Metadata.ID
	})

	snapshot := &RuleSnapshot{
		Rules:   enabled,
		Version: time.Now().UnixNano(),
	}

	l.logger.Info("Rules snapshot loaded",
		"total_rules", len(candidates),
		"enabled_rules", len(enabled),
		"version", snapshot.Version)

	return snapshot, nil
}

func unknownEventTypes(rule Rule, known map[string]bool) []string {
	if known == nil {
		return nil
	}
	var unknown []string
	for _, p := range rule.Spec.Patterns {
		if !known[p.EventType] {
			unknown = append(unknown, p.EventType)
		}
	}
	return unknown
}

// GetSnapshot returns the current rules snapshot
func (l *Loader) GetSnapshot() *RuleSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.snapshot == nil {
		return &RuleSnapshot{Rules: []Rule{}, Version: 0}
	}

	// Return a copy to prevent external modifications
	rules := make([]Rule, len(l.snapshot.Rules))
	copy(rules, l.snapshot.Rules)

	return &RuleSnapshot{
		Rules:   rules,
		Version: l.snapshot.Version,
	}
}

// Subscribe returns a channel that receives notifications when rules change
func (l *Loader) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	l.watchers = append(l.watchers, ch)
	l.mu.Unlock()

	return ch
}

// WatchForChanges starts watching the rules directory (if hot reload is enabled)
func (l *Loader) WatchForChanges() error {
	if !l.hotReload {
		l.logger.Info("Hot reload disabled")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rule watcher: %w", err)
	}
	if err := watcher.Add(l.rulesDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", l.rulesDir, err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	l.logger.Info("Starting rule file watcher", "rules_dir", l.rulesDir)

	reloadChan := make(chan struct{}, 1)
	go l.watchFiles(watcher, reloadChan)
	go l.debouncedReload(reloadChan)

	return nil
}

// Close stops the file watcher
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}

// readRuleFiles reads all rule files from the rules directory, sorted by filename
func (l *Loader) readRuleFiles() ([]string, error) {
	if l.rulesDir == "" {
		return nil, nil
	}

	var files []string
	err := filepath.WalkDir(l.rulesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if isRuleFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

func isRuleFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// loadRulesFromFile loads every rule document in a YAML file
func (l *Loader) loadRulesFromFile(filename string) ([]Rule, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	rules, err := ParseRules(data)
	if err != nil {
		return nil, err
	}

	l.logger.Debug("Loaded rules from file", "file", filename, "count", len(rules))
	return rules, nil
}

// ParseRules decodes rule documents. A file may hold a single rule, a list of
// rules, or several documents separated by "---".
func ParseRules(data []byte) ([]Rule, error) {
	var rules []Rule
	dec := yaml.NewDecoder(bytes.NewReader(data))

	for {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		if len(node.Content) == 0 {
			continue
		}

		switch node.Content[0].Kind {
		case yaml.SequenceNode:
			var list []Rule
			if err := node.Decode(&list); err != nil {
				return nil, fmt.Errorf("failed to parse rule list: %w", err)
			}
			rules = append(rules, list...)
		default:
			var rule Rule
			if err := node.Decode(&rule); err != nil {
				return nil, fmt.Errorf("failed to parse rule: %w", err)
			}
			rules = append(rules, rule)
		}
	}

	return rules, nil
}

// watchFiles forwards relevant file system events to the reload channel
func (l *Loader) watchFiles(watcher *fsnotify.Watcher, reloadChan chan struct{}) {
	defer close(reloadChan)

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(ev.Name) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			l.logger.Info("Rule files changed, triggering reload", "file", ev.Name, "op", ev.Op.String())
			select {
			case reloadChan <- struct{}{}:
			default:
				// reload already pending
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("Error watching rule files", "error", err)
		}
	}
}

// debouncedReload handles debounced rule reloading. A reload that fails keeps
// the previous snapshot in place.
func (l *Loader) debouncedReload(reloadChan chan struct{}) {
	var timer *time.Timer

	for range reloadChan {
		if timer != nil {
			timer.Stop()
		}

		timer = time.AfterFunc(time.Duration(l.debounceMs)*time.Millisecond, func() {
			l.logger.Info("Debounced reload triggered")
			if _, err := l.LoadSnapshot(); err != nil {
				l.logger.Error("Failed to reload rules, keeping previous snapshot", "error", err)
			}
		})
	}

	if timer != nil {
		timer.Stop()
	}
}

// notifyWatchers notifies all subscribed watchers
func (l *Loader) notifyWatchers() {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, ch := range l.watchers {
		select {
		case ch <- struct{}{}:
		default:
			// Channel is full, skip this notification
		}
	}
}
