package catalog

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxSlugRunes bounds the length of a derived slug in characters.
	MaxSlugRunes = 200
	// MaxSlugBytes bounds its UTF-8 length so "<slug>.pdf" stays under the
	// 255-byte file name limit.
	MaxSlugBytes = 200
)

var (
	illegalFilenameChars = regexp.MustCompile(`[\\/:*?"<>|]+`)
	whitespaceRun        = regexp.MustCompile(`\s+`)
)

// Slug derives the output directory name for an item. It is a pure function
// of title and link: the title is used when present, otherwise the link path.
func Slug(title, link string) string {
	source := strings.TrimSpace(title)
	if source == "" {
		source = linkPathSource(link)
	}
	s := Slugify(source)
	if s == "" || s == "." || s == ".." {
		return "item-" + hashURL(link)[:12]
	}
	return s
}

// Slugify strips filesystem-illegal characters, collapses whitespace to a
// single dash and truncates on a rune boundary to at most MaxSlugRunes runes
// and MaxSlugBytes bytes.
func Slugify(s string) string {
	s = strings.TrimSpace(s)
	s = illegalFilenameChars.ReplaceAllString(s, "")
	s = whitespaceRun.ReplaceAllString(s, "-")

	var b strings.Builder
	count := 0
	for _, r := range s {
		if count == MaxSlugRunes || b.Len()+utf8.RuneLen(r) > MaxSlugBytes {
			break
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}

func linkPathSource(link string) string {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return ""
	}
	return strings.ReplaceAll(u.Path, "/", "-")
}

func hashURL(raw string) string {
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}
