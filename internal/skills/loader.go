package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/bamboo/internal/tools"
)

const watchDebounce = 250 * time.Millisecond

// Loader scans skill directories, installs manifest tools into the
// shared registry, and hot-reloads them on filesystem changes.
type Loader struct {
	dirs     []string
	registry *tools.Registry
	exec     *tools.Executor
	logger   *slog.Logger

	mu     sync.RWMutex
	skills map[string]*Skill
	owned  map[string]string // tool name -> owning skill

	watchMu   sync.Mutex
	watcher   *fsnotify.Watcher
	watched   map[string]struct{}
	watchWg   sync.WaitGroup
	watchStop context.CancelFunc
}

// NewLoader creates a loader over dirs. Tools from later directories
// shadow same-named tools from earlier ones.
func NewLoader(dirs []string, registry *tools.Registry, exec *tools.Executor) *Loader {
	return &Loader{
		dirs:     dirs,
		registry: registry,
		exec:     exec,
		logger:   slog.Default().With("component", "skills"),
		skills:   make(map[string]*Skill),
		owned:    make(map[string]string),
	}
}

// Load scans every configured directory and installs the discovered
// skills. Missing directories are created.
func (l *Loader) Load() error {
	for _, dir := range l.dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create skills directory %s: %w", dir, err)
		}
	}
	l.reload()
	return nil
}

// Reload rescans all directories and reconciles the registry with what
// is on disk.
func (l *Loader) Reload() {
	l.reload()
}

func (l *Loader) reload() {
	found := make(map[string]*Skill)
	for _, dir := range l.dirs {
		scanned, err := ScanDir(dir)
		if err != nil {
			l.logger.Warn("skills scan failed", "dir", dir, "error", err)
			continue
		}
		for _, sk := range scanned {
			if prev, ok := found[sk.Name]; ok {
				l.logger.Warn("duplicate skill name",
					"skill", sk.Name, "dir", sk.Dir, "shadows", prev.Dir)
			}
			found[sk.Name] = sk
		}
	}

	l.mu.Lock()
	// Drop tools whose skill disappeared or no longer declares them.
	for name, old := range l.skills {
		neu := found[name]
		for _, td := range old.Tools {
			if l.owned[td.Name] != name {
				continue
			}
			if neu == nil || !neu.hasTool(td.Name) {
				l.registry.Unregister(td.Name)
				delete(l.owned, td.Name)
			}
		}
		if neu == nil {
			l.logger.Info("skill removed", "skill", name)
		}
	}

	// Install in name order so tool collisions resolve deterministically.
	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sk := found[name]
		for _, td := range sk.Tools {
			if owner, ok := l.owned[td.Name]; ok && owner != name {
				l.logger.Warn("tool name collision",
					"tool", td.Name, "skill", name, "previous", owner)
			}
			l.registry.Register(tools.NewCommandTool(td, l.exec))
			l.owned[td.Name] = name
		}
	}
	l.skills = found
	skillCount, toolCount := len(l.skills), len(l.owned)
	l.mu.Unlock()

	l.logger.Info("skills loaded", "skills", skillCount, "tools", toolCount)

	if err := l.refreshWatches(); err != nil {
		l.logger.Warn("refresh skill watches failed", "error", err)
	}
}

// Watch starts the filesystem watcher. Change events are debounced and
// trigger a full rescan. No-op when already watching.
func (l *Loader) Watch(ctx context.Context) error {
	l.watchMu.Lock()
	if l.watcher != nil {
		l.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.watchMu.Unlock()
		return fmt.Errorf("create watcher: %w", err)
	}
	l.watcher = watcher
	l.watched = make(map[string]struct{})
	watchCtx, cancel := context.WithCancel(ctx)
	l.watchStop = cancel
	l.watchMu.Unlock()

	if err := l.refreshWatches(); err != nil {
		l.logger.Warn("initial skill watch failed", "error", err)
	}

	l.watchWg.Add(1)
	go l.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher. Installed tools stay registered.
func (l *Loader) Close() error {
	l.watchMu.Lock()
	if l.watchStop != nil {
		l.watchStop()
		l.watchStop = nil
	}
	watcher := l.watcher
	l.watcher = nil
	l.watchMu.Unlock()

	if watcher != nil {
		watcher.Close()
	}
	l.watchWg.Wait()
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer l.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, l.reload)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// fsnotify does not recurse; pick up new skill dirs here.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					l.addWatch(event.Name)
				}
			}
			schedule()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("skill watch error", "error", err)
		}
	}
}

func (l *Loader) refreshWatches() error {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if l.watcher == nil {
		return nil
	}

	desired := make(map[string]struct{})
	for _, dir := range l.dirs {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		desired[filepath.Clean(dir)] = struct{}{}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				desired[filepath.Join(dir, entry.Name())] = struct{}{}
			}
		}
	}

	for path := range desired {
		if _, ok := l.watched[path]; ok {
			continue
		}
		if err := l.watcher.Add(path); err != nil {
			l.logger.Debug("watch skills path failed", "path", path, "error", err)
			continue
		}
		l.watched[path] = struct{}{}
	}
	for path := range l.watched {
		if _, ok := desired[path]; ok {
			continue
		}
		if err := l.watcher.Remove(path); err != nil {
			l.logger.Debug("unwatch skills path failed", "path", path, "error", err)
		}
		delete(l.watched, path)
	}
	return nil
}

func (l *Loader) addWatch(path string) {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if l.watcher == nil {
		return
	}
	path = filepath.Clean(path)
	if _, ok := l.watched[path]; ok {
		return
	}
	if err := l.watcher.Add(path); err == nil {
		l.watched[path] = struct{}{}
	}
}

// Skills returns the loaded skills sorted by name.
func (l *Loader) Skills() []*Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Skill, 0, len(l.skills))
	for _, sk := range l.skills {
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Skill returns one loaded skill by name.
func (l *Loader) Skill(name string) (*Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sk, ok := l.skills[name]
	return sk, ok
}

// Prompts returns the markdown bodies of loaded skills in name order.
// The agent appends them to its system prompt.
func (l *Loader) Prompts() []string {
	var out []string
	for _, sk := range l.Skills() {
		if sk.Prompt != "" {
			out = append(out, sk.Prompt)
		}
	}
	return out
}
