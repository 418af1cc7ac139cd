package bytecode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Offset is a byte offset into a bytecode buffer. It may be specified
// in hexadecimal notation. It implements the flag.Value and
// encoding.TextUnmarshaler interfaces.
type Offset int

// String returns the decimal string representation of v.
func (v Offset) String() string {
	return fmt.Sprintf("%d", int(v))
}

// Set sets v to the numeric value represented by s.
func (v *Offset) Set(s string) error {
	x, err := parseOffset(s)
	if err != nil {
		return errors.WithStack(err)
	}
	*v = Offset(x)
	return nil
}

// UnmarshalText unmarshals the text into v.
func (v *Offset) UnmarshalText(text []byte) error {
	return v.Set(string(text))
}

// MarshalText returns the textual representation of v.
func (v Offset) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// ### [ Helper functions ] ####################################################

// parseOffset interprets the given string in base 10 or base 16 (if
// prefixed with `0x` or `0X`) and returns the corresponding value.
func parseOffset(s string) (int, error) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[len("0x"):]
		base = 16
	}
	x, err := strconv.ParseInt(s, base, 32)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int(x), nil
}
