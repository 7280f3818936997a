package goodreads

import (
	"strings"
	"testing"

	"github.com/lepinkainen/shelfmatch/internal/book"
	"github.com/lepinkainen/shelfmatch/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exportHeader = "Book Id,Title,Author,Author l-f,Additional Authors,ISBN,ISBN13,My Rating,Average Rating,Publisher,Binding,Number of Pages,Year Published,Original Publication Year,Date Read,Date Added,Bookshelves,Bookshelves with positions,Exclusive Shelf,My Review,Spoiler,Private Notes,Read Count,Owned Copies\n"

const export = exportHeader +
	`5907,The Hobbit,J.R.R. Tolkien,"Tolkien, J.R.R.",,"=""054792822X""","=""9780547928227""",0,4.28,Houghton Mifflin,Paperback,300,2012,1937,,2024/01/10,,,to-read,,,,0,0` + "\n" +
	`44767458,Dune (Dune #1),Frank Herbert,"Herbert, Frank",,"=""""","=""""",0,4.27,Ace,Paperback,661,2019,1965,,2024/02/01,"sci-fi, to-read","sci-fi (#3), to-read (#2)",to-read,,,,0,0` + "\n" +
	`23692271,Sapiens: A Brief History of Humankind,Yuval Noah Harari,"Harari, Yuval Noah",,"=""0062316095""","=""""",5,4.39,Harper,Hardcover,443,2015,2011,2023/05/02,2023/04/01,,,read,,,,1,0` + "\n" +
	`1,,Nobody,,,,,,,,,,,,,,,,to-read,,,,0,0` + "\n"

func TestLoadFiltersShelf(t *testing.T) {
	books, err := Load(strings.NewReader(export), DefaultShelf)
	require.NoError(t, err)

	assert.Equal(t, []book.Book{
		{
			ISBN:          "9780547928227",
			Title:         "The Hobbit",
			Author:        "J.R.R. Tolkien",
			PublishedYear: 1937,
			DateAdded:     "2024/01/10",
			Shelf:         "to-read",
		},
		{
			Title:         "Dune (Dune #1)",
			Author:        "Frank Herbert",
			PublishedYear: 1965,
			DateAdded:     "2024/02/01",
			Shelf:         "to-read",
		},
	}, books)
}

func TestLoadAllShelves(t *testing.T) {
	books, err := Load(strings.NewReader(export), "")
	require.NoError(t, err)
	require.Len(t, books, 3)

	sapiens := books[2]
	assert.Equal(t, "0062316095", sapiens.ISBN, "falls back to ISBN when ISBN13 is empty")
	assert.Equal(t, 5.0, sapiens.Rating)
	assert.Equal(t, "read", sapiens.Shelf)
}

func TestLoadMatchesNonExclusiveShelves(t *testing.T) {
	books, err := Load(strings.NewReader(export), "Sci-Fi")
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, "Dune (Dune #1)", books[0].Title)
}

func TestLoadRejectsForeignCSV(t *testing.T) {
	_, err := Load(strings.NewReader("Const,Your Rating\ntt0111161,10\n"), "")
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.WriteFileString("goodreads_library_export.csv", export)

	books, err := LoadFile(env.Path("goodreads_library_export.csv"), "read")
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, "Yuval Noah Harari", books[0].Author)
}

func TestPickISBN(t *testing.T) {
	tests := []struct {
		name   string
		isbn13 string
		isbn10 string
		want   string
	}{
		{name: "valid isbn13", isbn13: `="9780547928227"`, isbn10: `="054792822X"`, want: "9780547928227"},
		{name: "bad checksum falls back to isbn10", isbn13: `="9780547928220"`, isbn10: `="054792822X"`, want: "054792822X"},
		{name: "no valid code keeps first plausible", isbn13: `="9780547928220"`, isbn10: "", want: "9780547928220"},
		{name: "empty", isbn13: `=""`, isbn10: `=""`, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pickISBN(tt.isbn13, tt.isbn10))
		})
	}
}
