package download

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/mmcdole/pixmirror/internal/domain"
)

const (
	slugLimit    = 60
	untitledSlug = "untitled"
)

var unsafeChars = regexp.MustCompile(`[\\/:*?"<>|]+`)

// partFile matches <itemId>_p<part><ext>
var partFile = regexp.MustCompile(`^(\d+)_p(\d+)(\.[A-Za-z0-9]+)$`)

// Slugify makes a title safe for use as a path segment
func Slugify(title string) string {
	s := unsafeChars.ReplaceAllString(title, "_")
	s = strings.Trim(strings.TrimSpace(s), ".")
	s = strings.TrimSpace(s)
	if s == "" {
		return untitledSlug
	}
	if utf8.RuneCountInString(s) > slugLimit {
		s = string([]rune(s)[:slugLimit])
		s = strings.TrimRight(s, "_ .")
		if s == "" {
			return untitledSlug
		}
	}
	return s
}

// ItemDir returns the directory of an item relative to the download root
func ItemDir(d domain.ItemDescriptor) string {
	return fmt.Sprintf("%d_%s", d.ID, Slugify(d.Title))
}

// PartFileName returns the file name of a part
func PartFileName(p domain.PartRef) string {
	ext := p.Ext
	if ext == "" {
		ext = ".jpg"
	}
	return fmt.Sprintf("%d_p%d%s", p.ItemID, p.Index, ext)
}

// RelativePath returns where a part lives relative to the download root
func RelativePath(d domain.ItemDescriptor, p domain.PartRef) string {
	return filepath.Join(ItemDir(d), PartFileName(p))
}

// ParsePartFile extracts the key from a part file name
func ParsePartFile(name string) (domain.PartKey, bool) {
	m := partFile.FindStringSubmatch(name)
	if m == nil {
		return domain.PartKey{}, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || id <= 0 {
		return domain.PartKey{}, false
	}
	part, err := strconv.Atoi(m[2])
	if err != nil {
		return domain.PartKey{}, false
	}
	return domain.PartKey{ItemID: id, Part: part}, true
}

// ScanParts visits every part file under root, one directory level deep,
// skipping hidden and temporary files. rel is relative to root.
func ScanParts(root string, fn func(key domain.PartKey, rel string) error) error {
	dirs, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if !dir.IsDir() || strings.HasPrefix(dir.Name(), ".") {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, dir.Name()))
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.IsDir() || strings.HasPrefix(f.Name(), ".") {
				continue
			}
			key, ok := ParsePartFile(f.Name())
			if !ok {
				continue
			}
			if err := fn(key, filepath.Join(dir.Name(), f.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
