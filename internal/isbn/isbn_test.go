package isbn

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain isbn13", in: "9780547928227", want: "9780547928227"},
		{name: "hyphenated", in: "978-0-547-92822-7", want: "9780547928227"},
		{name: "spreadsheet quoted", in: `="054792822X"`, want: "054792822X"},
		{name: "lowercase check char", in: "080442957x", want: "080442957X"},
		{name: "empty quoted", in: `=""`, want: ""},
		{name: "too short", in: "12345", want: ""},
		{name: "misplaced X", in: "12X4567890", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestTo10(t *testing.T) {
	assert.Equal(t, "054792822X", To10("9780547928227"))
	assert.Equal(t, "080442957X", To10("9780804429573"))
	assert.Equal(t, "", To10("9791032305690"), "979 prefix has no ISBN-10 form")
	assert.Equal(t, "", To10("054792822X"))
}

func TestTo13(t *testing.T) {
	assert.Equal(t, "9780547928227", To13("054792822X"))
	assert.Equal(t, "9780804429573", To13("080442957X"))
	assert.Equal(t, "", To13("9780547928227"))
}

func TestRoundTrip(t *testing.T) {
	for _, code := range []string{"9780547928227", "9780804429573", "9780261103573"} {
		assert.Equal(t, code, To13(To10(code)))
		assert.True(t, Valid(code))
		assert.True(t, Valid(To10(code)))
	}
}

func TestValidRejectsBadCheckDigit(t *testing.T) {
	assert.False(t, Valid("9780547928228"))
	assert.False(t, Valid("0547928228"))
	assert.False(t, Valid(""))
}

func TestVariants(t *testing.T) {
	assert.Equal(t, []string{"9780547928227", "054792822X"}, Variants("978-0-547-92822-7"))
	assert.Equal(t, []string{"054792822X", "9780547928227"}, Variants("054792822X"))
	assert.Equal(t, []string{"9791032305690"}, Variants("9791032305690"))
	assert.Equal(t, 0, len(Variants("n/a")))
}
