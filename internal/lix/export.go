package lix

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	log "github.com/sirupsen/logrus"

	"lix/internal/common"
)

// ExportOptions configure Export.
type ExportOptions struct {
	FS billy.Filesystem
	// ProjectRoot is the directory the project lives in; Outdir must not
	// resolve to it.
	ProjectRoot string
	// Outdir is relative to ProjectRoot unless absolute.
	Outdir string
	// CleanOutdir removes the previous contents of Outdir first.
	CleanOutdir bool
	// AdditionalFiles are written next to the exported files, keyed by
	// path relative to Outdir.
	AdditionalFiles map[string][]byte
}

// Export writes every file of the active version into Outdir. Files whose
// plugin can apply changes are rendered from their entities.
func (l *Lix) Export(ctx context.Context, opts ExportOptions) ([]string, error) {
	if opts.FS == nil {
		return nil, fmt.Errorf("export: filesystem is required")
	}
	root := path.Clean("/" + filepath.ToSlash(opts.ProjectRoot))
	out := filepath.ToSlash(opts.Outdir)
	if !path.IsAbs(out) {
		out = path.Join(root, out)
	}
	out = path.Clean(out)
	if out == root {
		return nil, fmt.Errorf("%w: %s", common.ErrOutdirIsProjectRoot, opts.Outdir)
	}

	v, err := l.ActiveVersion(ctx)
	if err != nil {
		return nil, err
	}
	files, err := l.listFiles(ctx, l.db.DB, v.ID)
	if err != nil {
		return nil, err
	}

	if opts.CleanOutdir {
		if err := util.RemoveAll(opts.FS, out); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("clean %s: %w", out, err)
		}
	}
	if err := opts.FS.MkdirAll(out, 0o755); err != nil {
		return nil, err
	}

	var written []string
	write := func(rel string, data []byte) error {
		target := path.Join(out, strings.TrimPrefix(rel, "/"))
		if err := opts.FS.MkdirAll(path.Dir(target), 0o755); err != nil {
			return err
		}
		if err := util.WriteFile(opts.FS, target, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", target, err)
		}
		written = append(written, target)
		return nil
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data := f.Data
		if rendered, ok, err := l.renderFile(ctx, l.db.DB, v.ID, f); err != nil {
			return nil, err
		} else if ok {
			data = rendered
		}
		if err := write(f.Path, data); err != nil {
			return nil, err
		}
	}

	extra := make([]string, 0, len(opts.AdditionalFiles))
	for name := range opts.AdditionalFiles {
		extra = append(extra, name)
	}
	sort.Strings(extra)
	for _, name := range extra {
		if err := write(name, opts.AdditionalFiles[name]); err != nil {
			return nil, err
		}
	}

	log.Infof("[Export] version=%s outdir=%s files=%d", v.ID, out, len(written))
	return written, nil
}
