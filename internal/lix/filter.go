package lix

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
)

// ImportOptions configure ImportDir.
type ImportOptions struct {
	// Gitignore applies the .gitignore files found under the directory.
	Gitignore bool
	// Excludes are relative paths skipped regardless of .gitignore.
	Excludes []string
}

// FileFilter reports whether a path relative to the import root is taken.
type FileFilter func(relPath string, isDir bool) bool

// BuildFileFilter creates a FileFilter that always skips .git and lix
// files, then the excludes, then the gitignore rules.
func BuildFileFilter(dir string, gitignore bool, excludes []string) FileFilter {
	var matcher *gitignoreMatcher
	if gitignore {
		var err error
		matcher, err = newGitignoreMatcher(dir)
		if err != nil {
			log.Warnf("[Import] failed to build gitignore matcher dir=%s err=%v", dir, err)
		}
	}

	return func(relPath string, isDir bool) bool {
		if relPath == ".git" || strings.HasPrefix(relPath, ".git/") {
			return false
		}
		if !isDir && isLixArtifact(relPath) {
			return false
		}
		for _, exc := range excludes {
			if relPath == exc || strings.HasPrefix(relPath, exc+"/") {
				return false
			}
		}
		if matcher != nil && matcher.isIgnored(relPath, isDir) {
			return false
		}
		return true
	}
}

func isLixArtifact(relPath string) bool {
	for _, suffix := range []string{".lix", ".lix-wal", ".lix-shm", ".lix.lock"} {
		if strings.HasSuffix(relPath, suffix) {
			return true
		}
	}
	return false
}

// gitignoreMatcher collects .gitignore rules from a tree.
type gitignoreMatcher struct {
	matchers []scopedMatcher
}

type scopedMatcher struct {
	dirPrefix string
	ignore    *ignore.GitIgnore
}

func newGitignoreMatcher(dir string) (*gitignoreMatcher, error) {
	m := &gitignoreMatcher{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" && p != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != ".gitignore" {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		relDir, err := filepath.Rel(dir, filepath.Dir(p))
		if err != nil {
			return nil
		}
		relDir = filepath.ToSlash(relDir)
		if relDir == "." {
			relDir = ""
		}
		m.matchers = append(m.matchers, scopedMatcher{
			dirPrefix: relDir,
			ignore:    ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...),
		})
		return nil
	})
	return m, err
}

func (m *gitignoreMatcher) isIgnored(relPath string, isDir bool) bool {
	if m == nil {
		return false
	}
	checkPath := relPath
	if isDir {
		checkPath = relPath + "/"
	}
	for _, sm := range m.matchers {
		pathToCheck := checkPath
		if sm.dirPrefix != "" {
			prefix := sm.dirPrefix + "/"
			if !strings.HasPrefix(relPath, prefix) {
				continue
			}
			pathToCheck = strings.TrimPrefix(checkPath, prefix)
		}
		if sm.ignore.MatchesPath(pathToCheck) {
			return true
		}
	}
	return false
}

// ImportDir writes every file under dir that passes the filter into the
// active version, in one commit. It returns the imported lix paths.
func (l *Lix) ImportDir(ctx context.Context, dir string, opts ImportOptions) ([]string, error) {
	filter := BuildFileFilter(dir, opts.Gitignore, opts.Excludes)
	type entry struct {
		rel  string
		full string
	}
	var entries []entry
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !filter(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			entries = append(entries, entry{rel: rel, full: p})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var imported []string
	err = l.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		imported = imported[:0]
		for _, e := range entries {
			data, err := os.ReadFile(e.full)
			if err != nil {
				return err
			}
			if _, err := tx.WriteFile(ctx, e.rel, data); err != nil {
				return err
			}
			imported = append(imported, NormalizePath(e.rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Import] dir=%s files=%d", dir, len(imported))
	return imported, nil
}
