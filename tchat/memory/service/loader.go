package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	ignore "github.com/sabhiram/go-gitignore"
)

// pageSeparator splits extracted manual text into pages.
const pageSeparator = "\f"

var supportedExts = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
}

// Loader reads the documents directory, honouring an ignore file written in
// gitignore syntax.
type Loader struct {
	root   string
	ignore *ignore.GitIgnore
	logger zerolog.Logger
}

// NewLoader compiles ignoreFile (relative to root unless absolute). A missing
// ignore file ignores nothing.
func NewLoader(root, ignoreFile string, logger zerolog.Logger) (*Loader, error) {
	l := &Loader{root: root, ignore: ignore.CompileIgnoreLines(), logger: logger}
	if ignoreFile == "" {
		return l, nil
	}
	if !filepath.IsAbs(ignoreFile) {
		ignoreFile = filepath.Join(root, ignoreFile)
	}
	gi, err := ignore.CompileIgnoreFile(ignoreFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to compile %s: %w", ignoreFile, err)
	default:
		l.ignore = gi
	}
	return l, nil
}

// Root returns the documents directory.
func (l *Loader) Root() string { return l.root }

// Ignored reports whether rel (slash separated, relative to root) is excluded.
func (l *Loader) Ignored(rel string) bool {
	return l.ignore.MatchesPath(rel)
}

// Load walks the documents directory and returns every supported,
// non-ignored file sorted by path.
func (l *Loader) Load(ctx context.Context) ([]Document, error) {
	var docs []Document
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if l.Ignored(rel) || l.Ignored(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !supportedExts[strings.ToLower(filepath.Ext(rel))] || l.Ignored(rel) {
			return nil
		}
		doc, err := l.read(path, rel)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", rel).Msg("Skipping unreadable document")
			return nil
		}
		docs = append(docs, doc)
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		l.logger.Warn().Str("dir", l.root).Msg("Documents directory does not exist")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", l.root, err)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	return docs, nil
}

func (l *Loader) read(path, rel string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	sum := sha256.Sum256(raw)
	return Document{
		Path:     rel,
		FileName: filepath.Base(rel),
		Checksum: hex.EncodeToString(sum[:]),
		Pages:    SplitPages(string(raw)),
	}, nil
}

// SplitPages splits text on form feeds. Labels are 1-based page numbers;
// blank pages are dropped but keep their number.
func SplitPages(text string) []Page {
	parts := strings.Split(text, pageSeparator)
	pages := make([]Page, 0, len(parts))
	for i, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		pages = append(pages, Page{Label: strconv.Itoa(i + 1), Text: p})
	}
	return pages
}
