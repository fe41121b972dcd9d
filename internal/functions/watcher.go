package functions

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

const (
	defaultDebounceDuration = 100 * time.Millisecond
	redeployTimeout         = time.Minute
)

// ManifestDeployer deploys (or redeploys) the function a manifest
// describes. Redeploying must invalidate any cached module.
type ManifestDeployer interface {
	DeployManifest(ctx context.Context, m *Manifest) (*FunctionRecord, error)
}

// ManifestWatcher watches a functions directory and redeploys a function
// whenever its manifest or module changes.
type ManifestWatcher struct {
	root             string
	deployer         ManifestDeployer
	watcher          *fsnotify.Watcher
	debounceDuration time.Duration
	debounceTimers   map[string]*time.Timer
	mu               sync.Mutex
	ctx              context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup
}

// NewManifestWatcher creates a watcher over root.
func NewManifestWatcher(root string, deployer ManifestDeployer) (*ManifestWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ManifestWatcher{
		root:             abs,
		deployer:         deployer,
		watcher:          watcher,
		debounceDuration: defaultDebounceDuration,
		debounceTimers:   make(map[string]*time.Timer),
		ctx:              ctx,
		cancel:           cancel,
	}, nil
}

// SetDebounceDuration sets how long the watcher waits for changes to settle
// before redeploying.
func (mw *ManifestWatcher) SetDebounceDuration(d time.Duration) {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	mw.debounceDuration = d
}

// Start watches the root and every function directory below it.
func (mw *ManifestWatcher) Start() error {
	if err := mw.watcher.Add(mw.root); err != nil {
		return fmt.Errorf("watching %s: %w", mw.root, err)
	}

	entries, err := os.ReadDir(mw.root)
	if err != nil {
		return fmt.Errorf("reading functions directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(mw.root, entry.Name())
		if err := mw.watcher.Add(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Failed to watch function directory")
			continue
		}
		log.Debug().Str("dir", dir).Msg("Watching function directory")
	}

	mw.wg.Add(1)
	go mw.eventLoop()

	return nil
}

// Stop stops the watcher and cancels pending redeploys.
func (mw *ManifestWatcher) Stop() error {
	mw.cancel()
	mw.wg.Wait()

	mw.mu.Lock()
	for _, timer := range mw.debounceTimers {
		timer.Stop()
	}
	mw.mu.Unlock()

	return mw.watcher.Close()
}

func (mw *ManifestWatcher) eventLoop() {
	defer mw.wg.Done()

	for {
		select {
		case <-mw.ctx.Done():
			return

		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}

			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create ||
				event.Op&fsnotify.Rename == fsnotify.Rename {
				mw.handleEvent(event)
			}

		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("File watcher error")
		}
	}
}

func (mw *ManifestWatcher) handleEvent(event fsnotify.Event) {
	parent := filepath.Dir(event.Name)

	if parent == mw.root {
		info, err := os.Stat(event.Name)
		if err != nil || !info.IsDir() {
			return
		}
		if err := mw.watcher.Add(event.Name); err != nil {
			log.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch function directory")
			return
		}
		mw.debounceDeploy(event.Name)
		return
	}

	if filepath.Dir(parent) != mw.root {
		return
	}

	patterns := defaultWatchPatterns
	if manifest, err := LoadManifest(filepath.Join(parent, ManifestFile)); err == nil {
		patterns = manifest.WatchPatterns()
	}
	if !matchesPattern(event.Name, parent, patterns) {
		return
	}

	log.Debug().Str("file", event.Name).Msg("Function file changed")
	mw.debounceDeploy(parent)
}

func matchesPattern(filePath, funcDir string, patterns []string) bool {
	relPath, err := filepath.Rel(funcDir, filePath)
	if err != nil {
		return false
	}

	for _, pattern := range patterns {
		matcher, err := glob.Compile(pattern, '/')
		if err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("Invalid glob pattern")
			continue
		}

		if matcher.Match(filepath.ToSlash(relPath)) {
			return true
		}
	}

	return false
}

func (mw *ManifestWatcher) debounceDeploy(dir string) {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	if timer, exists := mw.debounceTimers[dir]; exists {
		timer.Stop()
	}

	mw.debounceTimers[dir] = time.AfterFunc(mw.debounceDuration, func() {
		mw.redeploy(dir)
	})
}

func (mw *ManifestWatcher) redeploy(dir string) {
	if mw.ctx.Err() != nil {
		return
	}

	manifest, err := LoadManifest(filepath.Join(dir, ManifestFile))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Error().Err(err).Str("dir", dir).Msg("Failed to load manifest for redeploy")
		}
		return
	}

	ctx, cancel := context.WithTimeout(mw.ctx, redeployTimeout)
	defer cancel()

	fn, err := mw.deployer.DeployManifest(ctx, manifest)
	if err != nil {
		log.Error().Err(err).Str("function", manifest.Name).Msg("Redeploy failed")
		return
	}

	log.Info().
		Str("function", manifest.Name).
		Str("function_id", fn.ID).
		Str("digest", fn.CodeDigest).
		Msg("Function redeployed")
}
