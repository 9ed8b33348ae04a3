package syncmirror

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
)

// DirProvider mirrors into a local directory: network mounts, rsync
// staging areas, and tests.
type DirProvider struct {
	Root string
}

func NewDirProvider(root string) *DirProvider {
	return &DirProvider{Root: root}
}

func (p *DirProvider) Name() string { return "dir" }

func (p *DirProvider) EnsureFolder(ctx context.Context, path string) error {
	return os.MkdirAll(filepath.Join(p.Root, path), 0o755)
}

func (p *DirProvider) Upload(ctx context.Context, path string, data []byte) error {
	dest := filepath.Join(p.Root, path)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

func (p *DirProvider) Stat(ctx context.Context, path string) (RemoteInfo, error) {
	info, err := os.Stat(filepath.Join(p.Root, path))
	if os.IsNotExist(err) {
		return RemoteInfo{}, ErrNotFound
	}
	if err != nil {
		return RemoteInfo{}, err
	}
	return RemoteInfo{Path: path, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (p *DirProvider) List(ctx context.Context, prefix string) ([]RemoteInfo, error) {
	base := filepath.Join(p.Root, prefix)
	var out []RemoteInfo
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
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(p.Root, path)
		if err != nil {
			return err
		}
		out = append(out, RemoteInfo{Path: filepath.ToSlash(rel), Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	return out, err
}

func (p *DirProvider) Delete(ctx context.Context, path string) error {
	err := os.Remove(filepath.Join(p.Root, path))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
