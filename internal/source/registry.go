package source

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry is the in-memory catalog of known sources, keyed by source key.
// It is rebuilt from disk on startup and holds identity only; the archive
// tree owns all artifact state.
type Registry struct {
	mu        sync.RWMutex
	sources   map[string]Source
	manifests map[string]*Manifest
	root      string
	logger    *slog.Logger
}

func NewRegistry(root string, logger *slog.Logger) *Registry {
	return &Registry{
		sources:   make(map[string]Source),
		manifests: make(map[string]*Manifest),
		root:      root,
		logger:    logger,
	}
}

// Add registers a source, replacing any previous entry with the same key.
func (r *Registry) Add(src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[src.Key()] = src
}

// Get returns a source by key.
func (r *Registry) Get(key string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[key]
	return s, ok
}

// List returns all sources sorted by key.
func (r *Registry) List() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Discover walks <root>/sources/<type>/<folder>/ and registers every source
// found, recursing into channels/ where present. Unknown type folders are
// ignored with a warning.
func (r *Registry) Discover() error {
	sourcesDir := filepath.Join(r.root, "sources")
	entries, err := os.ReadDir(sourcesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read sources dir: %w", err)
	}

	for _, typeEntry := range entries {
		if !typeEntry.IsDir() {
			continue
		}
		st := Type(typeEntry.Name())
		if !isKnownType(st) {
			r.logger.Warn("ignoring unknown source type folder", "folder", typeEntry.Name())
			continue
		}

		typeDir := filepath.Join(sourcesDir, typeEntry.Name())
		folders, err := os.ReadDir(typeDir)
		if err != nil {
			r.logger.Warn("error reading type dir", "dir", typeDir, "error", err)
			continue
		}

		for _, folder := range folders {
			if !folder.IsDir() {
				continue
			}
			name, id, ok := ParseFolder(folder.Name())
			if !ok {
				r.logger.Warn("skipping unparseable source folder", "folder", folder.Name())
				continue
			}
			src := Source{Type: st, ServerID: id, ServerName: name}
			r.Add(src)

			// Channel-scoped sources live one level down.
			channelsDir := filepath.Join(typeDir, folder.Name(), "channels")
			chFolders, err := os.ReadDir(channelsDir)
			if err != nil {
				continue
			}
			for _, ch := range chFolders {
				if !ch.IsDir() {
					continue
				}
				chName, chID, ok := ParseFolder(ch.Name())
				if !ok {
					r.logger.Warn("skipping unparseable channel folder", "folder", ch.Name())
					continue
				}
				r.Add(Source{
					Type: st, ServerID: id, ServerName: name,
					ChannelID: chID, ChannelName: chName,
				})
			}
		}
	}
	return nil
}

// GetManifest lazily loads and caches the per-source manifest. A missing
// manifest is not an error; the zero manifest is returned.
func (r *Registry) GetManifest(key string) (*Manifest, error) {
	r.mu.RLock()
	if m, ok := r.manifests[key]; ok {
		r.mu.RUnlock()
		return m, nil
	}
	src, ok := r.sources[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source: %s", key)
	}

	path := filepath.Join(r.root, "sources", string(src.Type), src.Folder(), src.ManifestFilename())
	m, err := LoadManifest(path)
	if err != nil {
		if os.IsNotExist(errUnwrapAll(err)) {
			m = &Manifest{SourceType: src.Type, ServerID: src.ServerID, ServerName: src.ServerName}
		} else {
			return nil, err
		}
	}

	r.mu.Lock()
	r.manifests[key] = m
	r.mu.Unlock()
	return m, nil
}

// SaveSourceManifest persists a manifest and refreshes the cache.
func (r *Registry) SaveSourceManifest(key string, m *Manifest) error {
	src, ok := r.Get(key)
	if !ok {
		return fmt.Errorf("unknown source: %s", key)
	}
	path := filepath.Join(r.root, "sources", string(src.Type), src.Folder(), src.ManifestFilename())
	if err := SaveManifest(path, m); err != nil {
		return err
	}
	r.mu.Lock()
	r.manifests[key] = m
	r.mu.Unlock()
	return nil
}

// UpdateArchiveManifest rewrites <root>/manifest.json from the current
// registry, counting .md files per source.
func (r *Registry) UpdateArchiveManifest() error {
	manifest := ArchiveManifest{
		SchemaVersion: 1,
		UpdatedAt:     time.Now().UTC(),
		Sources:       make(map[string]ManifestEntry),
	}

	for _, src := range r.List() {
		count := 0
		summariesDir := filepath.Join(r.root, "sources", string(src.Type), src.Folder())
		if src.HasChannel() {
			summariesDir = filepath.Join(summariesDir, "channels", src.ChannelFolder())
		}
		summariesDir = filepath.Join(summariesDir, "summaries")

		_ = filepath.WalkDir(summariesDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), ".md") {
				count++
			}
			return nil
		})

		manifest.Sources[src.Key()] = ManifestEntry{
			SourceType:   src.Type,
			ServerID:     src.ServerID,
			ServerName:   src.ServerName,
			SummaryCount: count,
		}
	}
	manifest.TotalSources = len(manifest.Sources)

	return writeJSONAtomic(filepath.Join(r.root, "manifest.json"), &manifest)
}

func isKnownType(t Type) bool {
	for _, k := range KnownTypes {
		if k == t {
			return true
		}
	}
	return false
}

// errUnwrapAll walks the %w chain to the root cause for os.IsNotExist.
func errUnwrapAll(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}
