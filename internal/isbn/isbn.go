// Package isbn normalizes and converts ISBN-10 and ISBN-13 identifiers.
package isbn

import (
	"strconv"
	"strings"
)

// Normalize strips separators and spreadsheet quoting from an ISBN and upper-cases
// a trailing ISBN-10 check character. It returns "" when the result is not a
// plausible 10 or 13 character identifier.
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "=")
	raw = strings.Trim(raw, `"`)

	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == 'x' || r == 'X':
			b.WriteRune('X')
		}
	}

	out := b.String()
	switch len(out) {
	case 10:
		if strings.IndexByte(out[:9], 'X') >= 0 {
			return ""
		}
		return out
	case 13:
		if strings.IndexByte(out, 'X') >= 0 {
			return ""
		}
		return out
	default:
		return ""
	}
}

// Valid reports whether code is a normalized ISBN-10 or ISBN-13 with a correct check digit.
func Valid(code string) bool {
	switch len(code) {
	case 10:
		return Normalize(code) == code && checkDigit10(code[:9]) == code[9]
	case 13:
		return Normalize(code) == code && checkDigit13(code[:12]) == code[12]
	}
	return false
}

// To10 converts a 978-prefixed ISBN-13 into its ISBN-10 form. Other inputs,
// including 979-prefixed codes which have no ISBN-10 equivalent, return "".
func To10(code string) string {
	code = Normalize(code)
	if len(code) != 13 || !strings.HasPrefix(code, "978") {
		return ""
	}
	core := code[3:12]
	return core + string(checkDigit10(core))
}

// To13 converts an ISBN-10 into its 978-prefixed ISBN-13 form.
func To13(code string) string {
	code = Normalize(code)
	if len(code) != 10 {
		return ""
	}
	core := "978" + code[:9]
	return core + string(checkDigit13(core))
}

// Variants returns code together with its cross-scheme equivalent, when one exists.
func Variants(code string) []string {
	code = Normalize(code)
	if code == "" {
		return nil
	}
	out := []string{code}
	switch len(code) {
	case 13:
		if v := To10(code); v != "" {
			out = append(out, v)
		}
	case 10:
		out = append(out, To13(code))
	}
	return out
}

func checkDigit10(core string) byte {
	sum := 0
	for i := 0; i < 9; i++ {
		sum += int(core[i]-'0') * (10 - i)
	}
	check := (11 - sum%11) % 11
	if check == 10 {
		return 'X'
	}
	return strconv.Itoa(check)[0]
}

func checkDigit13(core string) byte {
	sum := 0
	for i := 0; i < 12; i++ {
		d := int(core[i] - '0')
		if i%2 == 1 {
			d *= 3
		}
		sum += d
	}
	return byte('0' + (10-sum%10)%10)
}
