// Package agent implements the tunnel client that runs inside the private
// network: configuration sourcing, the upstream forwarder, and the
// connection driver that keeps one tunnel to the gateway alive.
package agent

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/octoporty/octoporty/pkg/liboctoporty/tunnel"
)

// ConfigSource supplies the agent's port mappings and landing page. The
// mapping store itself (UI, persistence) lives outside this process; the
// source only exposes the current state and signals changes.
type ConfigSource interface {
	// ListEnabledMappings returns the enabled mappings sorted by id.
	ListEnabledMappings() ([]tunnel.MappingSnapshot, error)
	// LandingPage returns the landing page HTML and its lowercase hex MD5,
	// or empty strings when no landing page is configured.
	LandingPage() (html string, hash string, err error)
	// Changes signals whenever the source's contents may have changed.
	// A nil channel means the source never changes.
	Changes() <-chan struct{}
}

// LandingPageHash returns the lowercase hex MD5 of the landing page HTML.
func LandingPageHash(html string) string {
	sum := md5.Sum([]byte(html))
	return hex.EncodeToString(sum[:])
}

// StaticSource serves a fixed mapping set. Used in tests and for
// single-shot deployments configured entirely by file at startup.
type StaticSource struct {
	Mappings    []tunnel.MappingSnapshot
	LandingHTML string
}

func (s *StaticSource) ListEnabledMappings() ([]tunnel.MappingSnapshot, error) {
	return filterEnabled(s.Mappings), nil
}

func (s *StaticSource) LandingPage() (string, string, error) {
	if s.LandingHTML == "" {
		return "", "", nil
	}
	return s.LandingHTML, LandingPageHash(s.LandingHTML), nil
}

func (s *StaticSource) Changes() <-chan struct{} { return nil }

// FileSource reads mappings from a JSON file (an array of mapping
// objects) and optionally a landing page HTML file, re-signaling when
// either file changes on disk.
type FileSource struct {
	mappingsPath string
	landingPath  string
	logger       *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	changes chan struct{}
	done    chan struct{}
}

// NewFileSource returns a source over mappingsPath; landingPath may be
// empty.
func NewFileSource(mappingsPath, landingPath string, logger *slog.Logger) *FileSource {
	return &FileSource{
		mappingsPath: mappingsPath,
		landingPath:  landingPath,
		logger:       logger,
		changes:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (s *FileSource) ListEnabledMappings() ([]tunnel.MappingSnapshot, error) {
	data, err := os.ReadFile(s.mappingsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mappings file: %w", err)
	}

	var mappings []tunnel.MappingSnapshot
	if err := json.Unmarshal(data, &mappings); err != nil {
		return nil, fmt.Errorf("parse mappings file %s: %w", s.mappingsPath, err)
	}
	return filterEnabled(mappings), nil
}

func (s *FileSource) LandingPage() (string, string, error) {
	if s.landingPath == "" {
		return "", "", nil
	}
	data, err := os.ReadFile(s.landingPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", nil
		}
		return "", "", fmt.Errorf("read landing page: %w", err)
	}
	html := string(data)
	return html, LandingPageHash(html), nil
}

func (s *FileSource) Changes() <-chan struct{} { return s.changes }

// Watch starts the filesystem watcher. The parent directories are
// watched rather than the files themselves so atomic rename-into-place
// writes are observed.
func (s *FileSource) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	dirs := map[string]struct{}{filepath.Dir(s.mappingsPath): {}}
	if s.landingPath != "" {
		dirs[filepath.Dir(s.landingPath)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	go s.run(watcher)
	return nil
}

// Close stops the watcher and the change channel.
func (s *FileSource) Close() error {
	s.mu.Lock()
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	close(s.done)
	if watcher != nil {
		return watcher.Close()
	}
	return nil
}

func (s *FileSource) run(watcher *fsnotify.Watcher) {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !s.relevant(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			s.logger.Debug("Config file changed", "file", event.Name, "op", event.Op.String())
			select {
			case s.changes <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Config watcher error", "error", err)
		}
	}
}

func (s *FileSource) relevant(name string) bool {
	if filepath.Clean(name) == filepath.Clean(s.mappingsPath) {
		return true
	}
	return s.landingPath != "" && filepath.Clean(name) == filepath.Clean(s.landingPath)
}

func filterEnabled(mappings []tunnel.MappingSnapshot) []tunnel.MappingSnapshot {
	out := make([]tunnel.MappingSnapshot, 0, len(mappings))
	for _, m := range mappings {
		if m.Enabled {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
