package syncmirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/summarybot/archivist/internal/layout"
	"github.com/summarybot/archivist/internal/source"
)

// Target is a resolved mirror destination for one source.
type Target struct {
	Provider          string
	Bucket            string
	Prefix            string
	SubfolderTemplate string
	Conflict          string
}

// Result summarises one mirror pass.
type Result struct {
	SourceKey string `json:"source_key"`
	Provider  string `json:"provider"`
	Status    string `json:"status"` // success, partial, failed
	Uploaded  int    `json:"uploaded"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

// uploadConcurrency bounds parallel transfers per pass.
const uploadConcurrency = 4

// Mirror drives sync passes over sources.
type Mirror struct {
	layout   layout.Layout
	logger   *slog.Logger
	defaults Target

	// ProviderFor builds (or returns a cached) provider for a target.
	ProviderFor func(ctx context.Context, t Target) (Provider, error)

	limiter *rate.Limiter

	mu      sync.Mutex
	folders map[string]string // source key -> resolved subfolder
}

func New(l layout.Layout, defaults Target, logger *slog.Logger) *Mirror {
	return &Mirror{
		layout:   l,
		logger:   logger,
		defaults: defaults,
		limiter:  rate.NewLimiter(rate.Limit(20), 20),
		folders:  map[string]string{},
	}
}

// ResolveTarget picks the mirror destination for a source: its manifest
// bind when enabled, otherwise the global default. A bind with
// fallback_to_default fills its blanks from the default target.
func (m *Mirror) ResolveTarget(manifest *source.Manifest) (Target, bool) {
	if manifest == nil || manifest.Sync == nil || !manifest.Sync.Enabled {
		if m.defaults.Provider == "" {
			return Target{}, false
		}
		return m.defaults, true
	}

	b := manifest.Sync
	t := Target{
		Provider:          b.Provider,
		Bucket:            b.Bucket,
		Prefix:            b.Prefix,
		SubfolderTemplate: b.SubfolderTemplate,
		Conflict:          b.Conflict,
	}
	if b.FallbackToDefault {
		if t.Provider == "" {
			t.Provider = m.defaults.Provider
		}
		if t.Bucket == "" {
			t.Bucket = m.defaults.Bucket
		}
		if t.Prefix == "" {
			t.Prefix = m.defaults.Prefix
		}
		if t.SubfolderTemplate == "" {
			t.SubfolderTemplate = m.defaults.SubfolderTemplate
		}
		if t.Conflict == "" {
			t.Conflict = m.defaults.Conflict
		}
	}
	if t.Provider == "" {
		return Target{}, false
	}
	return t, true
}

var subfolderUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Subfolder renders the remote folder name for a source. Placeholders
// {server_name}, {server_id} and {source_type} are substituted, the
// result sanitised to [A-Za-z0-9_-] and capped at 50 characters.
func (m *Mirror) Subfolder(src source.Source, template string) string {
	m.mu.Lock()
	if f, ok := m.folders[src.Key()+"|"+template]; ok {
		m.mu.Unlock()
		return f
	}
	m.mu.Unlock()

	if template == "" {
		template = "{server_name}_{server_id}"
	}
	name := strings.NewReplacer(
		"{server_name}", src.ServerName,
		"{server_id}", src.ServerID,
		"{source_type}", string(src.Type),
	).Replace(template)
	name = subfolderUnsafe.ReplaceAllString(name, "_")
	if len(name) > 50 {
		name = name[:50]
	}

	m.mu.Lock()
	m.folders[src.Key()+"|"+template] = name
	m.mu.Unlock()
	return name
}

// SyncSource mirrors every artifact of src to its resolved target.
func (m *Mirror) SyncSource(ctx context.Context, src source.Source, manifest *source.Manifest) (Result, error) {
	res := Result{SourceKey: src.Key()}

	target, ok := m.ResolveTarget(manifest)
	if !ok {
		res.Status = "success"
		return res, nil // nothing configured, nothing to do
	}
	res.Provider = target.Provider

	provider, err := m.ProviderFor(ctx, target)
	if err != nil {
		res.Status = "failed"
		return res, fmt.Errorf("mirror provider: %w", err)
	}

	folder := m.Subfolder(src, target.SubfolderTemplate)
	if err := provider.EnsureFolder(ctx, folder); err != nil {
		res.Status = "failed"
		return res, fmt.Errorf("ensure folder: %w", err)
	}

	files, err := m.localFiles(src)
	if err != nil {
		res.Status = "failed"
		return res, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for _, f := range files {
		f := f
		g.Go(func() error {
			if err := m.limiter.Wait(gctx); err != nil {
				return err
			}
			outcome, err := m.syncFile(gctx, provider, target, folder, f)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed++
				m.logger.Warn("mirror upload failed", "path", f.rel, "error", err)
			case outcome:
				res.Uploaded++
			default:
				res.Skipped++
			}
			return nil // individual failures do not stop the pass
		})
	}
	if err := g.Wait(); err != nil {
		res.Status = "failed"
		return res, err
	}

	switch {
	case res.Failed == 0:
		res.Status = "success"
	case res.Uploaded > 0 || res.Skipped > 0:
		res.Status = "partial"
	default:
		res.Status = "failed"
	}
	m.logger.Info("mirror pass finished",
		"source", src.Key(),
		"provider", target.Provider,
		"status", res.Status,
		"uploaded", res.Uploaded,
		"skipped", res.Skipped,
		"failed", res.Failed,
	)
	return res, nil
}

type localFile struct {
	abs string
	rel string
}

func (m *Mirror) localFiles(src source.Source) ([]localFile, error) {
	base := m.layout.SummariesDir(src)
	var out []localFile
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		out = append(out, localFile{abs: path, rel: filepath.ToSlash(rel)})
		return nil
	})
	return out, err
}

// syncFile uploads one file subject to the conflict policy. Returns
// true when an upload actually happened.
func (m *Mirror) syncFile(ctx context.Context, p Provider, t Target, folder string, f localFile) (bool, error) {
	remotePath := folder + "/" + f.rel

	local, err := os.Stat(f.abs)
	if err != nil {
		return false, err
	}

	remote, err := p.Stat(ctx, remotePath)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}

	if exists {
		switch t.Conflict {
		case ConflictRemoteWins:
			return false, nil
		case ConflictNewest:
			if !local.ModTime().After(remote.ModTime) {
				return false, nil
			}
		default:
			// local_wins: the archive is authoritative, the remote copy
			// is always overwritten. Size and mtime cannot prove the
			// contents match.
		}
	}

	data, err := os.ReadFile(f.abs)
	if err != nil {
		return false, err
	}
	if err := p.Upload(ctx, remotePath, data); err != nil {
		return false, err
	}
	return true, nil
}
