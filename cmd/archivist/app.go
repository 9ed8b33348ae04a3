package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/summarybot/archivist/internal/config"
	"github.com/summarybot/archivist/internal/events"
	"github.com/summarybot/archivist/internal/executor"
	"github.com/summarybot/archivist/internal/importer"
	"github.com/summarybot/archivist/internal/keys"
	"github.com/summarybot/archivist/internal/layout"
	"github.com/summarybot/archivist/internal/ledger"
	"github.com/summarybot/archivist/internal/lock"
	"github.com/summarybot/archivist/internal/pricing"
	"github.com/summarybot/archivist/internal/retention"
	"github.com/summarybot/archivist/internal/scanner"
	"github.com/summarybot/archivist/internal/source"
	"github.com/summarybot/archivist/internal/summarizer"
	"github.com/summarybot/archivist/internal/syncmirror"
	"github.com/summarybot/archivist/internal/writer"
)

// app wires the long-lived pieces every command shares. Commands build
// it once, use what they need, and close it on the way out.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	layout    layout.Layout
	registry  *source.Registry
	writer    *writer.Writer
	locks     *lock.Manager
	ledger    ledger.Store
	pricing   *pricing.Book
	keys      *keys.Resolver
	events    *events.Publisher
	mirror    *syncmirror.Mirror
	imports   *importer.Store
	fetcher   *importer.Fetcher
	scanner   *scanner.Scanner
	retention *retention.Manager
	exec      *executor.Executor

	closers []func()
}

func newApp(ctx context.Context) (*app, error) {
	logger := slog.Default()
	l := layout.New(cfg.ArchiveRoot)

	a := &app{cfg: cfg, logger: logger, layout: l}

	a.registry = source.NewRegistry(cfg.ArchiveRoot, logger)
	if err := a.registry.Discover(); err != nil {
		logger.Warn("source discovery failed", "error", err)
	}

	a.writer = writer.New(l, logger)
	a.locks = lock.NewManager(l, time.Duration(cfg.LockTTLSeconds)*time.Second, logger)

	switch cfg.LedgerBackend {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("LEDGER_BACKEND=postgres requires DATABASE_URL")
		}
		pg, err := ledger.OpenPG(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		a.ledger = pg
		a.closers = append(a.closers, pg.Close)
	default:
		fs, err := ledger.OpenFile(l.LedgerPath())
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		a.ledger = fs
	}

	pricingPath := cfg.PricingHistoryPath
	if pricingPath == "" {
		pricingPath = l.PricingHistoryPath()
	}
	book, err := pricing.Load(pricingPath, logger)
	if err != nil {
		return nil, fmt.Errorf("load pricing: %w", err)
	}
	a.pricing = book

	a.keys = keys.NewResolver(cfg.OpenRouterAPIKey, nil, logger)

	if cfg.NatsURL != "" {
		pub, err := events.Connect(cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			logger.Warn("event bus unavailable, continuing without it", "error", err)
		} else {
			a.events = pub
			a.closers = append(a.closers, pub.Close)
		}
	}

	a.mirror = newMirror(a)
	a.imports = importer.NewStore(l, logger)
	a.fetcher = importer.NewFetcher(a.imports)
	a.scanner = scanner.New(l, logger)

	a.retention = retention.NewManager(l, cfg.SoftDeleteGraceDays, logger)
	a.retention.ArchiveBeforeDelete = cfg.ArchiveBeforeDelete

	a.exec = executor.New(logger)
	a.exec.Writer = a.writer
	a.exec.Locks = a.locks
	a.exec.Ledger = a.ledger
	a.exec.Pricing = a.pricing
	a.exec.Keys = a.keys
	a.exec.Events = a.events
	a.exec.Fetcher = a.fetcher
	a.exec.Summary = summarizer.NewClient(cfg.OpenRouterAPIKey)
	if cfg.SyncOnGeneration {
		a.exec.Sync = &mirrorSyncer{app: a}
	}

	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newMirror(a *app) *syncmirror.Mirror {
	defaults := syncmirror.Target{
		Provider:          a.cfg.SyncProvider,
		Bucket:            a.cfg.SyncBucket,
		Prefix:            a.cfg.SyncPrefix,
		SubfolderTemplate: a.cfg.SyncSubfolderTmpl,
		Conflict:          a.cfg.SyncConflict,
	}
	m := syncmirror.New(a.layout, defaults, a.logger)

	var mu sync.Mutex
	cache := map[string]syncmirror.Provider{}
	m.ProviderFor = func(ctx context.Context, t syncmirror.Target) (syncmirror.Provider, error) {
		key := t.Provider + "|" + t.Bucket + "|" + t.Prefix
		mu.Lock()
		defer mu.Unlock()
		if p, ok := cache[key]; ok {
			return p, nil
		}
		var p syncmirror.Provider
		var err error
		switch t.Provider {
		case "s3":
			p, err = syncmirror.NewS3Provider(ctx, t.Bucket, t.Prefix, a.cfg.SyncRegion, a.cfg.SyncEndpoint)
		case "dir":
			p = syncmirror.NewDirProvider(t.Bucket)
		default:
			err = fmt.Errorf("unknown sync provider %q", t.Provider)
		}
		if err != nil {
			return nil, err
		}
		cache[key] = p
		return p, nil
	}
	return m
}

// mirrorSyncer adapts the mirror to the executor's post-job hook.
type mirrorSyncer struct {
	app *app
}

func (s *mirrorSyncer) SyncSource(ctx context.Context, src source.Source) error {
	manifest, err := s.app.registry.GetManifest(src.Key())
	if err != nil {
		manifest = nil
	}
	res, err := s.app.mirror.SyncSource(ctx, src, manifest)
	s.app.publishSync(res)
	return err
}

func (a *app) publishSync(res syncmirror.Result) {
	if res.Provider == "" {
		return // nothing configured, nothing happened
	}
	a.events.Publish(events.SubjectSyncCompleted, events.SyncEvent{
		SourceKey: res.SourceKey,
		Provider:  res.Provider,
		Status:    res.Status,
		Uploaded:  res.Uploaded,
		Skipped:   res.Skipped,
		Failed:    res.Failed,
	})
}

// resolveSource turns a --source flag value ("discord:123") into a
// registered source.
func (a *app) resolveSource(key string) (source.Source, error) {
	if src, ok := a.registry.Get(key); ok {
		return src, nil
	}
	// Tolerate a bare key for a source that exists on disk but has no
	// manifest yet.
	typ, id, ok := strings.Cut(key, ":")
	if !ok {
		return source.Source{}, fmt.Errorf("source %q not found (expected type:server_id)", key)
	}
	for _, known := range source.KnownTypes {
		if string(known) == typ {
			return source.Source{Type: known, ServerID: id, ServerName: id}, nil
		}
	}
	return source.Source{}, fmt.Errorf("source %q not found", key)
}

func (a *app) loadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		a.logger.Warn("unknown timezone, using UTC", "timezone", name)
		return time.UTC
	}
	return loc
}

// parseDate parses a YYYY-MM-DD flag value. Empty means unset and
// yields the zero time, which range-taking commands treat as "derive a
// default".
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return t, nil
}
