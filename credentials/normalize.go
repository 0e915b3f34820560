package credentials

import (
	"net/url"
	"strings"
)

const (
	// maxDecodePasses bounds percent-decoding of values with repeating escapes.
	maxDecodePasses = 5
	// maxNormalizePasses bounds reruns of the whole pipeline.
	maxNormalizePasses = 5
)

// Transform is one pure step of cookie value normalization.
type Transform func(string) string

// pipeline is applied in order by Normalize.
var pipeline = []Transform{
	PercentDecode,
	StripQuotes,
	UnescapeOctalComma,
}

// Normalize runs a cookie value through the pipeline until it stops
// changing, so Normalize(Normalize(v)) == Normalize(v).
func Normalize(value string) string {
	for range maxNormalizePasses {
		next := strings.TrimSpace(value)
		for _, t := range pipeline {
			next = t(next)
		}
		if next == value {
			break
		}
		value = next
	}
	return value
}

// PercentDecode unescapes repeatedly until the value stops changing,
// giving up after maxDecodePasses. Invalid escapes end decoding.
func PercentDecode(value string) string {
	for range maxDecodePasses {
		decoded, err := url.PathUnescape(value)
		if err != nil || decoded == value {
			return value
		}
		value = decoded
	}
	return value
}

// StripQuotes removes matching surrounding quotes, including nested pairs
// such as '"x"'.
func StripQuotes(value string) string {
	for len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if first != last || (first != '"' && first != '\'') {
			break
		}
		value = value[1 : len(value)-1]
	}
	return value
}

// UnescapeOctalComma replaces the "\054" escape browsers use for commas.
func UnescapeOctalComma(value string) string {
	return strings.ReplaceAll(value, `\054`, ",")
}
