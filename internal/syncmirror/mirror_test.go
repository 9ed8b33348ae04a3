package syncmirror

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/summarybot/archivist/internal/layout"
	"github.com/summarybot/archivist/internal/period"
	"github.com/summarybot/archivist/internal/source"
	"github.com/summarybot/archivist/internal/writer"
)

func testMirror(t *testing.T, defaults Target) (*Mirror, layout.Layout, *DirProvider) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := layout.New(t.TempDir())
	remote := NewDirProvider(t.TempDir())

	m := New(l, defaults, logger)
	m.ProviderFor = func(ctx context.Context, tg Target) (Provider, error) {
		return remote, nil
	}
	return m, l, remote
}

func testSource() source.Source {
	return source.Source{Type: source.TypeDiscord, ServerID: "123", ServerName: "My Server"}
}

func seedSlot(t *testing.T, l layout.Layout, src source.Source, day int) {
	t.Helper()
	w := writer.New(l, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p := period.ForDay(2026, time.February, day, time.UTC)
	if _, err := w.WriteSummary(src, p, writer.SummaryInput{Content: "content"}); err != nil {
		t.Fatal(err)
	}
}

func TestSyncSource_UploadsEverything(t *testing.T) {
	m, l, remote := testMirror(t, Target{Provider: "dir"})
	src := testSource()
	seedSlot(t, l, src, 11)
	seedSlot(t, l, src, 12)

	res, err := m.SyncSource(context.Background(), src, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Status != "success" || res.Uploaded != 4 || res.Failed != 0 {
		t.Errorf("result = %+v, want 4 uploads (md + sidecar per slot)", res)
	}

	// Files land under the rendered subfolder.
	remoteFiles, err := remote.List(context.Background(), "My_Server_123")
	if err != nil {
		t.Fatal(err)
	}
	if len(remoteFiles) != 4 {
		t.Errorf("remote files = %d", len(remoteFiles))
	}
}

func TestSyncSource_NewestSecondPassSkipsUnchanged(t *testing.T) {
	m, l, _ := testMirror(t, Target{Provider: "dir", Conflict: ConflictNewest})
	src := testSource()
	seedSlot(t, l, src, 11)

	if _, err := m.SyncSource(context.Background(), src, nil); err != nil {
		t.Fatal(err)
	}
	res, err := m.SyncSource(context.Background(), src, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Uploaded != 0 || res.Skipped != 2 {
		t.Errorf("second pass = %+v, want everything skipped", res)
	}
}

func TestSyncSource_LocalWinsOverwritesSameSizeChange(t *testing.T) {
	m, l, remote := testMirror(t, Target{Provider: "dir"})
	src := testSource()
	seedSlot(t, l, src, 11)

	if _, err := m.SyncSource(context.Background(), src, nil); err != nil {
		t.Fatal(err)
	}

	// A restored-from-backup edit: same byte count, mtime in the past.
	p := period.ForDay(2026, time.February, 11, time.UTC)
	mdPath := l.SummaryPath(src, p)
	orig, err := os.ReadFile(mdPath)
	if err != nil {
		t.Fatal(err)
	}
	edited := bytes.ToUpper(orig)
	if err := os.WriteFile(mdPath, edited, 0o644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(mdPath, past, past); err != nil {
		t.Fatal(err)
	}

	res, err := m.SyncSource(context.Background(), src, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Uploaded == 0 {
		t.Errorf("result = %+v, local change not mirrored", res)
	}

	rel, _ := filepath.Rel(l.SummariesDir(src), mdPath)
	data, err := os.ReadFile(filepath.Join(remote.Root, "My_Server_123", filepath.ToSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, edited) {
		t.Error("stale remote copy survived a local edit")
	}
}

func TestSyncSource_RemoteWinsNeverOverwrites(t *testing.T) {
	m, l, remote := testMirror(t, Target{Provider: "dir", Conflict: ConflictRemoteWins})
	src := testSource()
	seedSlot(t, l, src, 11)

	// Remote already holds a divergent copy of the markdown.
	p := period.ForDay(2026, time.February, 11, time.UTC)
	rel, _ := filepath.Rel(l.SummariesDir(src), l.SummaryPath(src, p))
	remotePath := "My_Server_123/" + filepath.ToSlash(rel)
	if err := remote.Upload(context.Background(), remotePath, []byte("remote copy")); err != nil {
		t.Fatal(err)
	}

	if _, err := m.SyncSource(context.Background(), src, nil); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(remote.Root, remotePath))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "remote copy" {
		t.Error("remote_wins policy overwrote the remote copy")
	}
}

func TestSyncSource_PartialOnFailures(t *testing.T) {
	m, l, remote := testMirror(t, Target{Provider: "dir"})
	src := testSource()
	seedSlot(t, l, src, 11)

	m.ProviderFor = func(ctx context.Context, tg Target) (Provider, error) {
		return &flakyProvider{Provider: remote}, nil
	}

	res, err := m.SyncSource(context.Background(), src, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != "partial" || res.Failed != 1 || res.Uploaded != 1 {
		t.Errorf("result = %+v, want one failure one upload", res)
	}
}

// flakyProvider fails uploads of markdown files only.
type flakyProvider struct {
	Provider
}

func (f *flakyProvider) Upload(ctx context.Context, path string, data []byte) error {
	if filepath.Ext(path) == ".md" {
		return errors.New("injected failure")
	}
	return f.Provider.Upload(ctx, path, data)
}

func TestResolveTarget(t *testing.T) {
	m, _, _ := testMirror(t, Target{Provider: "s3", Bucket: "global", Conflict: ConflictNewest})

	// No manifest: global default.
	tg, ok := m.ResolveTarget(nil)
	if !ok || tg.Bucket != "global" {
		t.Errorf("default target = %+v ok=%v", tg, ok)
	}

	// Bind overrides, blanks filled from the default.
	manifest := &source.Manifest{Sync: &source.SyncBind{
		Enabled:           true,
		Provider:          "s3",
		Bucket:            "mine",
		FallbackToDefault: true,
	}}
	tg, ok = m.ResolveTarget(manifest)
	if !ok || tg.Bucket != "mine" || tg.Conflict != ConflictNewest {
		t.Errorf("bound target = %+v", tg)
	}

	// Disabled bind falls back to the default wholesale.
	manifest.Sync.Enabled = false
	tg, ok = m.ResolveTarget(manifest)
	if !ok || tg.Bucket != "global" {
		t.Errorf("disabled bind target = %+v", tg)
	}
}

func TestResolveTarget_NothingConfigured(t *testing.T) {
	m, _, _ := testMirror(t, Target{})
	if _, ok := m.ResolveTarget(nil); ok {
		t.Error("expected no target with nothing configured")
	}
}

func TestSubfolder(t *testing.T) {
	m, _, _ := testMirror(t, Target{})

	cases := []struct {
		name     string
		src      source.Source
		template string
		want     string
	}{
		{
			"default template",
			source.Source{Type: source.TypeDiscord, ServerID: "123", ServerName: "My Server"},
			"",
			"My_Server_123",
		},
		{
			"unsafe characters",
			source.Source{Type: source.TypeWhatsApp, ServerID: "x1", ServerName: "Family & Friends!"},
			"",
			"Family___Friends__x1",
		},
		{
			"custom template",
			source.Source{Type: source.TypeDiscord, ServerID: "123", ServerName: "My Server"},
			"{source_type}/{server_id}",
			"discord_123",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := m.Subfolder(tc.src, tc.template); got != tc.want {
				t.Errorf("Subfolder = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSubfolder_Truncation(t *testing.T) {
	m, _, _ := testMirror(t, Target{})
	src := source.Source{
		Type: source.TypeDiscord, ServerID: "9999999999",
		ServerName: "An Extremely Long Community Name That Goes On And On Forever",
	}
	got := m.Subfolder(src, "")
	if len(got) != 50 {
		t.Errorf("len = %d, want 50: %q", len(got), got)
	}
}
