package relay

import (
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// codec converts between the server's byte encoding and Go strings. UTF-8
// is handled natively so multi-byte runes split across reads are carried to
// the next chunk instead of being replaced.
type codec struct {
	name  string
	enc   encoding.Encoding
	carry []byte
}

func newCodec(name string) (*codec, error) {
	if name == "" {
		name = "utf-8"
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, ValidationError{Field: "encoding", Reason: "unknown character set " + name}
	}
	canonical, err := htmlindex.Name(enc)
	if err != nil {
		canonical = strings.ToLower(name)
	}
	if canonical == "utf-8" {
		enc = nil
	}
	return &codec{name: canonical, enc: enc}, nil
}

func (c *codec) decode(b []byte) string {
	if c.enc != nil {
		out, err := c.enc.NewDecoder().Bytes(b)
		if err != nil {
			return strings.ToValidUTF8(string(b), "�")
		}
		return string(out)
	}
	if len(c.carry) > 0 {
		b = append(c.carry, b...)
		c.carry = nil
	}
	cut := incompleteSuffix(b)
	if cut < len(b) {
		c.carry = append([]byte(nil), b[cut:]...)
		b = b[:cut]
	}
	return strings.ToValidUTF8(string(b), "�")
}

func (c *codec) encode(s string) ([]byte, error) {
	if c.enc == nil {
		return []byte(s), nil
	}
	out, err := c.enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, errors.Wrapf(err, "encoding to %s", c.name)
	}
	return out, nil
}

// incompleteSuffix returns the index where a truncated trailing rune starts,
// or len(b) if the buffer ends on a rune boundary.
func incompleteSuffix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax+1; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return i
		}
		break
	}
	return len(b)
}
