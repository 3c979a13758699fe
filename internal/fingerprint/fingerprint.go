// Package fingerprint derives short content hashes from document-schema
// descriptors. Indices are named after the fingerprint of the schema they
// were created with, so two logically identical schemas must always hash
// to the same value.
package fingerprint

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode/utf16"

	"golang.org/x/crypto/blake2b"
)

// Size is the digest length in bytes. Rendered fingerprints are 2*Size hex chars.
const Size = 16

// Descriptor is an opaque, app-defined schema description (for Elasticsearch,
// the index mapping). Keys are field or option names; values are scalars,
// lists, or nested descriptors.
type Descriptor = map[string]any

// DefaultListFields are mapping options that accept either a single string or
// a list of strings. They are always hashed in list form.
var DefaultListFields = []string{"copy_to"}

// Compute returns the hex fingerprint of d using DefaultListFields.
func Compute(d Descriptor) (string, error) {
	return ComputeWith(d, DefaultListFields)
}

// ComputeWith returns the hex fingerprint of d, coercing the named
// scalar-or-list fields to list form before hashing.
func ComputeWith(d Descriptor, listFields []string) (string, error) {
	b, err := Canonical(d, listFields)
	if err != nil {
		return "", err
	}
	h, err := blake2b.New(Size, nil)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Canonical serialises d to compact JSON with all mapping keys sorted and
// list fields normalised. The bytes match what indices created by earlier
// deployments were named after: non-ASCII runes are \u-escaped, HTML
// characters are not, and whole floats keep their ".0".
func Canonical(d Descriptor, listFields []string) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, normalise("", d, listFields)); err != nil {
		return nil, fmt.Errorf("fingerprint: encode descriptor: %w", err)
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(t))
	case string:
		encodeString(buf, t)
	case int:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(t, 10))
	case float32:
		buf.WriteString(formatFloat(float64(t)))
	case float64:
		buf.WriteString(formatFloat(t))
	case json.Number:
		buf.WriteString(t.String())
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := slices.Sorted(maps.Keys(t))
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported value %v of type %T", v, v)
	}
	return nil
}

// encodeString writes s quoted, escaping everything outside printable ASCII.
func encodeString(buf *bytes.Buffer, s string) {
	const hexDigits = "0123456789abcdef"
	u := func(r rune) {
		buf.WriteString(`\u`)
		buf.WriteByte(hexDigits[r>>12&0xf])
		buf.WriteByte(hexDigits[r>>8&0xf])
		buf.WriteByte(hexDigits[r>>4&0xf])
		buf.WriteByte(hexDigits[r&0xf])
	}
	buf.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r >= 0x20 && r <= 0x7e:
			buf.WriteByte(byte(r))
		case r > 0xffff:
			r1, r2 := utf16.EncodeRune(r)
			u(r1)
			u(r2)
		default:
			u(r)
		}
	}
	buf.WriteByte('"')
}

// formatFloat renders f the shortest way that round-trips, in fixed
// notation for decimal exponents in [-4, 16) and always with a fraction or
// exponent, so 2.0 stays "2.0" and 1e16 is "1e+16".
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	sign := ""
	if math.Signbit(f) {
		sign = "-"
		f = -f
	}
	// d.dddde±XX
	e := strconv.FormatFloat(f, 'e', -1, 64)
	mant, expStr, _ := strings.Cut(e, "e")
	exp, _ := strconv.Atoi(expStr)
	digits := strings.Replace(mant, ".", "", 1)

	if exp >= -4 && exp < 16 {
		point := exp + 1
		switch {
		case point <= 0:
			return sign + "0." + strings.Repeat("0", -point) + digits
		case point >= len(digits):
			return sign + digits + strings.Repeat("0", point-len(digits)) + ".0"
		default:
			return sign + digits[:point] + "." + digits[point:]
		}
	}
	out := sign + digits[:1]
	if len(digits) > 1 {
		out += "." + digits[1:]
	}
	expSign := "+"
	if exp < 0 {
		expSign = "-"
		exp = -exp
	}
	return fmt.Sprintf("%se%s%02d", out, expSign, exp)
}

func normalise(key string, v any, listFields []string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, sub := range t {
			out[k] = normalise(k, sub, listFields)
		}
		return out
	case map[any]any:
		// yaml.v2 style maps.
		out := make(map[string]any, len(t))
		for k, sub := range t {
			ks := fmt.Sprint(k)
			out[ks] = normalise(ks, sub, listFields)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, sub := range t {
			out[i] = normalise("", sub, listFields)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case string:
		if slices.Contains(listFields, key) {
			return []any{t}
		}
		return t
	default:
		return v
	}
}
