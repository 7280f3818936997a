// Package book holds the shelf entry model shared by the catalog matchers.
package book

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/lepinkainen/shelfmatch/internal/isbn"
)

// Book is one entry of a user's shelf. Values are produced once by a shelf
// source and only read afterwards; derived data lives on separate result records.
type Book struct {
	ISBN          string  `json:"isbn,omitempty" yaml:"isbn,omitempty"`
	Title         string  `json:"title" yaml:"title"`
	Author        string  `json:"author" yaml:"author"`
	ImageURL      string  `json:"image_url,omitempty" yaml:"image_url,omitempty"`
	PublishedYear int     `json:"published_year,omitempty" yaml:"published_year,omitempty"`
	Rating        float64 `json:"rating,omitempty" yaml:"rating,omitempty"`
	DateAdded     string  `json:"date_added,omitempty" yaml:"date_added,omitempty"`
	Shelf         string  `json:"shelf,omitempty" yaml:"shelf,omitempty"`
}

// HasIdentifier reports whether the book carries a usable ISBN.
func (b Book) HasIdentifier() bool {
	return isbn.Normalize(b.ISBN) != ""
}

// Identifier returns the normalized ISBN, or "" when the book has none.
func (b Book) Identifier() string {
	return isbn.Normalize(b.ISBN)
}

// Key is the logical identity used to group catalog editions of the same book:
// the ISBN when present, otherwise the normalized title.
func (b Book) Key() string {
	if id := b.Identifier(); id != "" {
		return id
	}
	return "title:" + NormalizeTitle(b.Title)
}

var (
	parenthetical = regexp.MustCompile(`\([^)]*\)`)
	whitespace    = regexp.MustCompile(`\s+`)
)

// stripDecorations drops series annotations in parentheses and any subtitle after a colon.
func stripDecorations(title string) string {
	title = parenthetical.ReplaceAllString(title, "")
	if i := strings.IndexByte(title, ':'); i >= 0 {
		title = title[:i]
	}
	return title
}

// NormalizeTitle produces the comparison form of a title: series annotation and
// subtitle removed, lowercased, punctuation dropped and whitespace collapsed.
func NormalizeTitle(title string) string {
	title = strings.ToLower(stripDecorations(title))
	title = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, title)
	return strings.TrimSpace(whitespace.ReplaceAllString(title, " "))
}

// CleanForSearch produces the query form of a title. Case and punctuation are
// kept so the catalog's own search ranking still applies.
func CleanForSearch(title string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(stripDecorations(title), " "))
}

// AuthorLastName returns the lowercased surname of an author name, accepting both
// "First Last" and "Last, First" forms.
func AuthorLastName(author string) string {
	author = strings.TrimSpace(author)
	if author == "" {
		return ""
	}
	if i := strings.IndexByte(author, ','); i >= 0 {
		return strings.ToLower(strings.TrimSpace(author[:i]))
	}
	fields := strings.Fields(author)
	return strings.ToLower(fields[len(fields)-1])
}

// TitlesMatch reports whether a catalog title refers to the target title: after
// normalization it equals the target, or it is the target with whole words
// dropped from one end. A target "the hobbit or there and back again" accepts the
// candidate "the hobbit"; the reverse does not match.
func TitlesMatch(target, candidate string) bool {
	t := NormalizeTitle(target)
	c := NormalizeTitle(candidate)
	if t == "" || c == "" {
		return false
	}
	return t == c || strings.HasPrefix(t, c+" ") || strings.HasSuffix(t, " "+c)
}
