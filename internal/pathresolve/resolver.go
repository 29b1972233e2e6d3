// Package pathresolve implements the path resolver (spec §4.1, component
// C1): normalising debug-record source paths against user-supplied prefix
// substitutions and workspace roots, and the path-equality test used to
// correlate debug-record names with user-requested paths.
package pathresolve

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/amigadbg/hunkrsp/internal/debuglog"
)

// Config carries the consumer-supplied inputs to path resolution (spec §6
// "Consumer obligations"): a prefix-replacement table and an ordered list
// of workspace root directories.
type Config struct {
	// PrefixReplacements maps a path fragment to its local replacement.
	// Iteration must be deterministic, so callers pass an ordered slice.
	PrefixReplacements []PrefixReplacement
	Roots              []string
}

// PrefixReplacement is one entry of the ordered prefix-substitution table.
type PrefixReplacement struct {
	From string
	To   string
}

// Resolver normalises original (debug-record) source paths into local,
// on-disk paths and memoises the result per spec §4.1 step 4. Cache-miss
// resolution for one key is deduplicated via sf, the teacher's own
// per-key-dedupe tool (internal/packagemanager/httpregistry.go's
// `sf singleflight.Group` field), so concurrent callers resolving the same
// original path block on a single resolution instead of racing through
// prefix substitution and filesystem probes redundantly (spec §9 testable
// property 5).
type Resolver struct {
	log     debuglog.Sink
	cache   map[string]string
	watcher *fsnotify.Watcher
	cfg     Config
	mu      sync.Mutex
	sf      singleflight.Group
}

// New creates a Resolver bound to cfg. It does not start filesystem
// watching; call WatchRoots for that.
func New(cfg Config, log debuglog.Sink) *Resolver {
	if log == nil {
		log = debuglog.Discard()
	}

	return &Resolver{
		cfg:   cfg,
		log:   log,
		cache: make(map[string]string),
	}
}

// Resolve implements the four-step algorithm of spec §4.1. Same-key calls
// that race a cache miss share one resolution via sf.Do; different keys
// proceed concurrently and independently.
func (r *Resolver) Resolve(originalPath string) string {
	r.mu.Lock()
	if cached, ok := r.cache[originalPath]; ok {
		r.mu.Unlock()

		return cached
	}
	r.mu.Unlock()

	v, _, _ := r.sf.Do(originalPath, func() (interface{}, error) {
		r.mu.Lock()
		if cached, ok := r.cache[originalPath]; ok {
			r.mu.Unlock()

			return cached, nil
		}
		r.mu.Unlock()

		candidate := originalPath

		// Step 1: first matching prefix substitution wins.
		for _, pr := range r.cfg.PrefixReplacements {
			if strings.Contains(normaliseSlashes(candidate), normaliseSlashes(pr.From)) {
				candidate = strings.Replace(candidate, pr.From, pr.To, 1)

				break
			}
		}

		// Step 2: if the substituted path doesn't exist, try each workspace
		// root in declaration order.
		if !pathExists(candidate) {
			base := filepath.Base(candidate)

			for _, root := range r.cfg.Roots {
				joined := filepath.Join(root, base)
				if pathExists(joined) {
					candidate = joined

					break
				}
			}
		}

		// Step 3: normalise.
		normalised := normaliseSlashes(candidate)
		normalised = upperCaseDriveLetter(normalised)

		// Step 4: memoise by the *original* path.
		r.mu.Lock()
		r.cache[originalPath] = normalised
		r.mu.Unlock()

		return normalised, nil
	})

	return v.(string)
}

// WatchRoots starts an fsnotify watch on every configured root and drops
// the memoisation cache for paths under a root whenever that root reports a
// write/create/remove/rename, so a recompiled source tree is picked up
// without restarting the debug session. Mirrors the watcher wiring idiom of
// internal/runtime/vfs/watch_fsnotify.go.
func (r *Resolver) WatchRoots() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	for _, root := range r.cfg.Roots {
		if err := w.Add(root); err != nil {
			r.log.Printf("pathresolve: watch %s failed: %v", root, err)
		}
	}

	r.mu.Lock()
	r.watcher = w
	r.mu.Unlock()

	go r.watchLoop(w)

	return nil
}

func (r *Resolver) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}

			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				r.invalidateUnder(filepath.Dir(ev.Name))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}

			r.log.Printf("pathresolve: watch error: %v", err)
		}
	}
}

func (r *Resolver) invalidateUnder(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, v := range r.cache {
		if strings.HasPrefix(normaliseSlashes(v), normaliseSlashes(dir)) {
			delete(r.cache, k)
		}
	}
}

// Close stops filesystem watching, if started.
func (r *Resolver) Close() error {
	r.mu.Lock()
	w := r.watcher
	r.watcher = nil
	r.mu.Unlock()

	if w == nil {
		return nil
	}

	return w.Close()
}

// SameSourceFile implements the path-equality test of spec §4.1: when both
// paths are absolute, compare normalised paths (case-insensitive on
// Windows, case-sensitive elsewhere); when either is relative, compare the
// basename under the same case rule.
func SameSourceFile(a, b string) bool {
	an, bn := normaliseSlashes(a), normaliseSlashes(b)

	if filepath.IsAbs(an) && filepath.IsAbs(bn) {
		return equalByPlatformCase(an, bn)
	}

	return equalByPlatformCase(filepath.Base(an), filepath.Base(bn))
}

func equalByPlatformCase(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}

	return a == b
}

func normaliseSlashes(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

func upperCaseDriveLetter(p string) string {
	if len(p) >= 2 && p[1] == ':' {
		return strings.ToUpper(p[:1]) + p[1:]
	}

	return p
}

func pathExists(p string) bool {
	if p == "" {
		return false
	}

	_, err := os.Stat(p)

	return err == nil
}
