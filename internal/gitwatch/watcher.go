package gitwatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

var ErrNotRepository = errors.New("not a git directory")

var watchedRefFiles = map[string]bool{
	"HEAD":             true,
	"ORIG_HEAD":        true,
	"CHERRY_PICK_HEAD": true,
	"REBASE_HEAD":      true,
	"packed-refs":      true,
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Debounce time.Duration
	Logger   Logger
}

// Watcher reports ref moves of one repository: checkouts, commits,
// rebases and cherry-picks. Bursts of file events within the debounce
// window are delivered as one call.
type Watcher struct {
	gitDir    string
	commonDir string
	debounce  time.Duration
	logger    Logger
	onChange  func(paths []string)
	fs        *fsnotify.Watcher
}

// New resolves path (a worktree, a .git directory, or a .git file pointing
// at a linked worktree) and starts watching its refs.
func New(path string, onChange func(paths []string), opts Options) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("gitwatch: onChange is required")
	}
	gitDir, commonDir, err := ResolveGitDir(path)
	if err != nil {
		return nil, err
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w := &Watcher{
		gitDir:    gitDir,
		commonDir: commonDir,
		debounce:  debounce,
		logger:    opts.Logger,
		onChange:  onChange,
		fs:        fw,
	}
	if err := w.addDirs(); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) GitDir() string { return w.gitDir }

func (w *Watcher) addDirs() error {
	dirs := []string{w.gitDir}
	if w.commonDir != w.gitDir {
		dirs = append(dirs, w.commonDir)
	}
	for _, dir := range dirs {
		if err := w.fs.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	heads := filepath.Join(w.commonDir, "refs", "heads")
	if _, err := os.Stat(heads); err != nil {
		return nil
	}
	return filepath.WalkDir(heads, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fs.Add(path)
		}
		return nil
	})
}

// Run delivers debounced changes until ctx is done, then releases the
// underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	pending := map[string]bool{}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && w.underHeads(event.Name) {
					_ = w.fs.Add(event.Name)
				}
			}
			rel, relevant := w.relevant(event.Name)
			if !relevant {
				continue
			}
			if len(pending) == 0 {
				timer.Reset(w.debounce)
			}
			pending[rel] = true
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logf("gitwatch %s: %v", w.gitDir, err)
		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for path := range pending {
				paths = append(paths, path)
			}
			sort.Strings(paths)
			pending = map[string]bool{}
			w.onChange(paths)
		}
	}
}

// relevant maps an event path to a git-dir relative ref name.
func (w *Watcher) relevant(name string) (string, bool) {
	if strings.HasSuffix(name, ".lock") {
		return "", false
	}
	for _, root := range []string{w.gitDir, w.commonDir} {
		rel, err := filepath.Rel(root, name)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		rel = filepath.ToSlash(rel)
		if watchedRefFiles[rel] || strings.HasPrefix(rel, "refs/heads/") {
			return rel, true
		}
	}
	return "", false
}

func (w *Watcher) underHeads(name string) bool {
	rel, err := filepath.Rel(filepath.Join(w.commonDir, "refs", "heads"), name)
	return err == nil && !strings.HasPrefix(rel, "..")
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}

// ResolveGitDir returns the per-worktree git dir and the shared common dir
// for path. Both are equal outside linked worktrees.
func ResolveGitDir(path string) (gitDir, commonDir string, err error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", "", fmt.Errorf("%w: empty path", ErrNotRepository)
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return "", "", err
	}
	gitDir = path
	if filepath.Base(path) != ".git" {
		if _, statErr := os.Stat(filepath.Join(path, "HEAD")); statErr != nil {
			gitDir = filepath.Join(path, ".git")
		}
	}
	info, err := os.Stat(gitDir)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrNotRepository, path)
	}
	if !info.IsDir() {
		gitDir, err = readGitFile(gitDir)
		if err != nil {
			return "", "", err
		}
	}
	if _, err := os.Stat(filepath.Join(gitDir, "HEAD")); err != nil {
		return "", "", fmt.Errorf("%w: %s has no HEAD", ErrNotRepository, gitDir)
	}
	commonDir = gitDir
	if data, err := os.ReadFile(filepath.Join(gitDir, "commondir")); err == nil {
		common := strings.TrimSpace(string(data))
		if !filepath.IsAbs(common) {
			common = filepath.Join(gitDir, common)
		}
		commonDir = filepath.Clean(common)
	}
	return gitDir, commonDir, nil
}

// readGitFile follows a "gitdir: <path>" pointer file.
func readGitFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(data))
	target, ok := strings.CutPrefix(line, "gitdir:")
	if !ok {
		return "", fmt.Errorf("%w: %s is not a gitdir pointer", ErrNotRepository, path)
	}
	target = strings.TrimSpace(target)
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	return filepath.Clean(target), nil
}
