// Package lang renders counts and lists in the messages shown to players.
package lang

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/gertd/go-pluralize"
)

const (
	DefaultPattern   = "%s"
	DefaultSeparator = ","
	DefaultOperator  = "and"
)

var pluralizer = pluralize.NewClient()

func Plural(word string) string {
	return pluralizer.Plural(word)
}

func Singular(word string) string {
	return pluralizer.Singular(word)
}

// Count renders n and word, e.g. "no triggers", "1 alias", "1,204 lines".
func Count(n int, word string) string {
	switch n {
	case 0:
		return "no " + Plural(word)
	case 1:
		return "1 " + Singular(word)
	}
	return humanize.Comma(int64(n)) + " " + Plural(word)
}

func Capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// Enumerator joins elements as English prose: "a, b, and c".
type Enumerator struct {
	Pattern   string
	Separator string
	Operator  string
}

func (e Enumerator) Do(elements ...string) string {
	pattern, separator, operator := DefaultPattern, DefaultSeparator, DefaultOperator
	if e.Pattern != "" {
		pattern = e.Pattern
	}
	if e.Separator != "" {
		separator = e.Separator
	}
	if e.Operator != "" {
		operator = e.Operator
	}
	res := &bytes.Buffer{}
	for idx, element := range elements {
		fmt.Fprintf(res, pattern, element)
		switch {
		case len(elements) == 2 && idx == 0:
			fmt.Fprintf(res, " %s ", operator)
		case idx+2 < len(elements):
			fmt.Fprintf(res, "%s ", separator)
		case idx+2 == len(elements):
			fmt.Fprintf(res, "%s %s ", separator, operator)
		}
	}
	return strings.TrimSpace(res.String())
}
