package trace

import (
	"fmt"
	"strconv"
	"strings"
)

// Value is a 64-bit machine word: an address, an opcode or a register value.
type Value uint64

// hexWidth is the number of hex digits in the canonical form.
const hexWidth = 16

// FormatHex returns the canonical text form of v: "0x" followed by exactly
// 16 lowercase hex digits.
func FormatHex(v Value) string {
	return fmt.Sprintf("0x%0*x", hexWidth, uint64(v))
}

// String implements fmt.Stringer using the canonical form.
func (v Value) String() string {
	return FormatHex(v)
}

// ParseHex parses hex text produced by the simulator or by FormatHex.
//
// Accepted forms: optional "0x"/"0X" prefix, any number of digits up to 16,
// any case, surrounding whitespace. A leading '-' is accepted for decimal
// inputs only (see ParseValue).
func ParseHex(s string) (Value, error) {
	t := strings.TrimSpace(s)
	t = strings.TrimPrefix(strings.TrimPrefix(t, "0x"), "0X")
	if t == "" {
		return 0, fmt.Errorf("parse hex %q: empty", s)
	}
	u, err := strconv.ParseUint(t, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse hex %q: %w", s, err)
	}
	return Value(u), nil
}

// ParseValue parses either hex text ("0x..."), or decimal text. Negative
// decimals are taken as two's complement, so "-1" is 0xffffffffffffffff.
func ParseValue(s string) (Value, error) {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "0x") || strings.HasPrefix(t, "0X") {
		return ParseHex(t)
	}
	if strings.HasPrefix(t, "-") {
		i, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse value %q: %w", s, err)
		}
		return Value(uint64(i)), nil
	}
	u, err := strconv.ParseUint(t, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse value %q: %w", s, err)
	}
	return Value(u), nil
}

// Canonical re-formats hex or decimal text into the canonical form. Values
// recorded through different code paths compare equal after Canonical.
func Canonical(s string) (string, error) {
	v, err := ParseValue(s)
	if err != nil {
		return "", err
	}
	return FormatHex(v), nil
}

// MarshalText implements encoding.TextMarshaler.
func (v Value) MarshalText() ([]byte, error) {
	return []byte(FormatHex(v)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Value) UnmarshalText(b []byte) error {
	parsed, err := ParseValue(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Ptr returns a pointer to v, for optional fields.
func Ptr(v Value) *Value { return &v }
