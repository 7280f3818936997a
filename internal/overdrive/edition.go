package overdrive

import (
	"cmp"
	"slices"

	"github.com/lepinkainen/shelfmatch/internal/book"
)

// MatchSource records which search step produced an edition.
type MatchSource string

const (
	MatchByIdentifier MatchSource = "identifier"
	MatchByTitle      MatchSource = "title"
)

// Edition is a catalog product matched to a shelf book. Editions are values;
// stock updates produce a new Edition through WithStock.
type Edition struct {
	BookKey         string      `json:"book_key" yaml:"book_key"`
	Book            book.Book   `json:"book" yaml:"book"`
	ProductID       string      `json:"product_id" yaml:"product_id"`
	Title           string      `json:"title" yaml:"title"`
	Author          string      `json:"author,omitempty" yaml:"author,omitempty"`
	ImageURL        string      `json:"image_url,omitempty" yaml:"image_url,omitempty"`
	URL             string      `json:"url,omitempty" yaml:"url,omitempty"`
	MatchSource     MatchSource `json:"match_source" yaml:"match_source"`
	CopiesOwned     int         `json:"copies_owned" yaml:"copies_owned"`
	CopiesAvailable int         `json:"copies_available" yaml:"copies_available"`
	Holds           int         `json:"holds" yaml:"holds"`
}

func newEdition(b book.Book, p Product, source MatchSource) Edition {
	img := p.Images.Thumbnail.Href
	if img == "" {
		img = b.ImageURL
	}
	return Edition{
		BookKey:     b.Key(),
		Book:        b,
		ProductID:   p.ID,
		Title:       p.Title,
		Author:      p.PrimaryCreator.Name,
		ImageURL:    img,
		URL:         p.ContentURL(),
		MatchSource: source,
	}
}

// WithStock returns a copy of e carrying the given counts. Negative counts are clamped to zero.
func (e Edition) WithStock(owned, available, holds int) Edition {
	e.CopiesOwned = max(owned, 0)
	e.CopiesAvailable = max(available, 0)
	e.Holds = max(holds, 0)
	return e
}

// Available reports whether at least one copy can be borrowed now.
func (e Edition) Available() bool {
	return e.CopiesAvailable > 0
}

// better reports whether a should replace b as the representative edition of a book.
func better(a, b Edition) bool {
	if a.Available() != b.Available() {
		return a.Available()
	}
	return a.CopiesAvailable > b.CopiesAvailable
}

// Consolidate reduces editions sharing a BookKey to one per key, preferring an
// available edition over an unavailable one and then the higher available count.
// The first-seen order of keys is kept.
func Consolidate(editions []Edition) []Edition {
	index := make(map[string]int, len(editions))
	out := make([]Edition, 0, len(editions))
	for _, e := range editions {
		i, seen := index[e.BookKey]
		if !seen {
			index[e.BookKey] = len(out)
			out = append(out, e)
			continue
		}
		if better(e, out[i]) {
			out[i] = e
		}
	}
	return out
}

// SortByAvailability orders editions by copies available, then copies owned,
// both descending. Ties keep their input order.
func SortByAvailability(editions []Edition) []Edition {
	sorted := slices.Clone(editions)
	slices.SortStableFunc(sorted, func(a, b Edition) int {
		if c := cmp.Compare(b.CopiesAvailable, a.CopiesAvailable); c != 0 {
			return c
		}
		return cmp.Compare(b.CopiesOwned, a.CopiesOwned)
	})
	return sorted
}
