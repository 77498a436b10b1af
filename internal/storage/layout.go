// Package storage decides where fetched files land and optionally mirrors
// them to S3.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/gleaner/internal/utils"
)

var extensionRegex = regexp.MustCompile(`^\.[A-Za-z0-9]{1,5}$`)

const (
	// most filesystems cap a single name at 255 bytes
	maxNameBytes = 255
	// room kept for an extension the engine derives from Content-Type
	reservedExtensionBytes = 16
)

// Layout maps resources to files under one output directory. Partial
// downloads live in Root/.gleaner-temp until renamed into place.
type Layout struct {
	Root string
}

// NewLayout creates root if it does not exist yet.
func NewLayout(root string) (*Layout, error) {
	if root == "" {
		root = utils.DefaultOutputDir
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("error creating output directory: %v", err)
	}
	return &Layout{Root: root}, nil
}

// Path returns the destination for the resource at the 1-based index and
// whether it already carries an extension. The extension is taken from
// sourceURL when it has a plausible one; otherwise the name has none and
// the transfer engine derives it from the response. Long titles are cut so
// the name and its .part sibling fit the filesystem limit.
func (l *Layout) Path(title string, index int, preview bool, sourceURL string) (string, bool) {
	name := utils.SanitizeFilename(title)
	if name == "" {
		name = utils.UntitledTitle
	}
	suffix := "_" + strconv.Itoa(index)
	if preview {
		suffix += "_preview"
	}
	ext := urlExtension(sourceURL)
	budget := maxNameBytes - len(suffix) - len(".part")
	if ext != "" {
		budget -= len(ext)
	} else {
		budget -= reservedExtensionBytes
	}
	name = truncateBytes(name, budget)
	return filepath.Join(l.Root, name+suffix+ext), ext != ""
}

// truncateBytes cuts s to at most limit bytes without splitting a rune.
func truncateBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := 0
	for i := range s {
		if i > limit {
			break
		}
		cut = i
	}
	return strings.TrimRight(s[:cut], " ")
}

func (l *Layout) TempDir() string {
	return filepath.Join(l.Root, utils.TempDirName)
}

// Clean removes every temp directory below the root and reports how many
// partial files went with them.
func (l *Layout) Clean() (int, error) {
	var dirs []string
	err := filepath.WalkDir(l.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() && d.Name() == utils.TempDirName {
			dirs = append(dirs, p)
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err == nil {
			removed += len(entries)
		}
		if err := os.RemoveAll(dir); err != nil {
			return removed, err
		}
		log.Debug().Str("op", "storage/layout").Msgf("removed %s", dir)
	}
	return removed, nil
}

func urlExtension(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	ext := path.Ext(u.Path)
	if !extensionRegex.MatchString(ext) {
		return ""
	}
	return ext
}
