// Package goodreads reads the shelf list out of a Goodreads library export.
package goodreads

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/lepinkainen/shelfmatch/internal/book"
	"github.com/lepinkainen/shelfmatch/internal/csvutil"
	"github.com/lepinkainen/shelfmatch/internal/isbn"
)

// DefaultShelf is the shelf Goodreads files wanted books under.
const DefaultShelf = "to-read"

var requiredColumns = []string{"Title", "Author"}

// LoadFile reads the export at path and returns the books on shelf. An empty
// shelf name returns every book.
func LoadFile(path, shelf string) ([]book.Book, error) {
	books, err := csvutil.ProcessFile(path, parseRecord, csvutil.ProcessorOptions{
		RequiredColumns: requiredColumns,
		SkipInvalid:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load Goodreads export: %w", err)
	}
	return filterShelf(books, shelf), nil
}

// Load is LoadFile for an already open export.
func Load(r io.Reader, shelf string) ([]book.Book, error) {
	books, err := csvutil.Process(r, parseRecord, csvutil.ProcessorOptions{
		RequiredColumns: requiredColumns,
		SkipInvalid:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load Goodreads export: %w", err)
	}
	return filterShelf(books, shelf), nil
}

type shelved struct {
	book    book.Book
	shelves []string
}

func parseRecord(r csvutil.Record) (shelved, error) {
	title := r.Get("Title")
	if title == "" {
		return shelved{}, errors.New("record has no title")
	}

	code := pickISBN(r.Get("ISBN13"), r.Get("ISBN"))

	year := parseIntField(r.Get("Original Publication Year"))
	if year == 0 {
		year = parseIntField(r.Get("Year Published"))
	}

	exclusive := r.Get("Exclusive Shelf")
	shelves := []string{exclusive}
	for _, s := range strings.Split(r.Get("Bookshelves"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			shelves = append(shelves, s)
		}
	}

	return shelved{
		book: book.Book{
			ISBN:          code,
			Title:         title,
			Author:        r.Get("Author"),
			PublishedYear: year,
			Rating:        parseFloatField(r.Get("My Rating")),
			DateAdded:     r.Get("Date Added"),
			Shelf:         exclusive,
		},
		shelves: shelves,
	}, nil
}

func filterShelf(rows []shelved, shelf string) []book.Book {
	shelf = strings.ToLower(strings.TrimSpace(shelf))
	out := make([]book.Book, 0, len(rows))
	for _, row := range rows {
		if shelf == "" || slices.ContainsFunc(row.shelves, func(s string) bool { return strings.EqualFold(s, shelf) }) {
			out = append(out, row.book)
		}
	}
	slog.Debug("Loaded Goodreads shelf", "shelf", shelf, "rows", len(rows), "books", len(out))
	return out
}

// pickISBN returns the first candidate with a correct check digit, falling back
// to the first one that merely looks like an ISBN.
func pickISBN(candidates ...string) string {
	fallback := ""
	for _, c := range candidates {
		code := isbn.Normalize(c)
		if isbn.Valid(code) {
			return code
		}
		if fallback == "" {
			fallback = code
		}
	}
	return fallback
}

func parseIntField(value string) int {
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return result
}

func parseFloatField(value string) float64 {
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return result
}
