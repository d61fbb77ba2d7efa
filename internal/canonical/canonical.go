// Package canonical produces the deterministic JSON byte form that every
// hash in the audit ledger is computed over.
//
// The form is: UTF-8, object keys sorted by code point at every level, array
// order preserved, "," and ":" separators with no whitespace, integers as
// exact decimal literals and non-integral numbers in their shortest
// round-trip representation. Only '"', '\\' and control characters are
// escaped. The output is byte-identical to Python's
//
//	json.dumps(v, ensure_ascii=False, separators=(",", ":"), sort_keys=True)
//
// so writers and verifiers in either language agree on every hash.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Error reports a value that has no canonical form: NaN or infinite numbers,
// cyclic structures, invalid UTF-8, or Go types JSON cannot represent.
// It is never recovered from by coercion.
type Error struct {
	Path   string // JSON-pointer-like location of the offending value
	Reason string
	Err    error
}

func (e *Error) Error() string {
	path := e.Path
	if path == "" {
		path = "$"
	}
	msg := fmt.Sprintf("canonicalize %s: %s", path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Marshal returns the canonical encoding of v.
func Marshal(v any) ([]byte, error) {
	e := &encoder{seen: make(map[visit]struct{})}
	if err := e.encode(v, "$"); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

// Line returns the canonical encoding of v terminated by a single '\n'.
func Line(v any) ([]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Hash returns the lowercase hex SHA-256 of the canonical encoding of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Normalize decodes canonical-compatible JSON into the generic value tree
// the encoder walks (map[string]any, []any, json.Number, string, bool, nil).
// Input that is not valid UTF-8 is rejected rather than replaced with U+FFFD.
func Normalize(data []byte) (any, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("invalid UTF-8 in JSON input")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after top-level value")
	}
	return v, nil
}

// visit identifies a map or slice currently on the encoding stack.
type visit struct {
	ptr uintptr
	typ reflect.Type
	len int
}

type encoder struct {
	buf  bytes.Buffer
	seen map[visit]struct{}
}

func (e *encoder) encode(v any, path string) error {
	switch x := v.(type) {
	case nil:
		e.buf.WriteString("null")
	case bool:
		if x {
			e.buf.WriteString("true")
		} else {
			e.buf.WriteString("false")
		}
	case string:
		return e.encodeString(x, path)
	case json.Number:
		return e.encodeNumber(x, path)
	case float64:
		return e.encodeFloat(x, path)
	case float32:
		return e.encodeFloat(float64(x), path)
	case int:
		e.buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int8:
		e.buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int16:
		e.buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int32:
		e.buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		e.buf.WriteString(strconv.FormatInt(x, 10))
	case uint:
		e.buf.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint8:
		e.buf.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint16:
		e.buf.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint32:
		e.buf.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint64:
		e.buf.WriteString(strconv.FormatUint(x, 10))
	case map[string]any:
		return e.encodeMap(x, path)
	case []any:
		return e.encodeSlice(x, path)
	case json.RawMessage:
		return e.encodeJSON(x, path)
	default:
		return e.encodeReflect(v, path)
	}
	return nil
}

func (e *encoder) encodeMap(m map[string]any, path string) error {
	if m == nil {
		e.buf.WriteString("null")
		return nil
	}
	key := visit{ptr: reflect.ValueOf(m).Pointer(), typ: reflect.TypeOf(m)}
	if _, ok := e.seen[key]; ok {
		return &Error{Path: path, Reason: "cyclic structure"}
	}
	e.seen[key] = struct{}{}
	defer delete(e.seen, key)

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encodeString(k, path); err != nil {
			return err
		}
		e.buf.WriteByte(':')
		if err := e.encode(m[k], path+"."+k); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func (e *encoder) encodeSlice(s []any, path string) error {
	if s == nil {
		e.buf.WriteString("null")
		return nil
	}
	if len(s) > 0 {
		key := visit{ptr: reflect.ValueOf(s).Pointer(), typ: reflect.TypeOf(s), len: len(s)}
		if _, ok := e.seen[key]; ok {
			return &Error{Path: path, Reason: "cyclic structure"}
		}
		e.seen[key] = struct{}{}
		defer delete(e.seen, key)
	}

	e.buf.WriteByte('[')
	for i, item := range s {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encode(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	e.buf.WriteByte(']')
	return nil
}

// encodeJSON canonicalizes already-serialized JSON.
func (e *encoder) encodeJSON(data []byte, path string) error {
	if !utf8.Valid(data) {
		return &Error{Path: path, Reason: "invalid UTF-8"}
	}
	v, err := Normalize(data)
	if err != nil {
		return &Error{Path: path, Reason: "invalid JSON", Err: err}
	}
	return e.encode(v, path)
}

// encodeReflect handles structs, typed maps and slices, pointers and any
// other value by routing it through encoding/json first. Non-finite floats,
// channels, funcs and pointer cycles are rejected by json.Marshal itself.
func (e *encoder) encodeReflect(v any, path string) error {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return &Error{Path: path, Reason: fmt.Sprintf("unsupported type %s", rv.Type())}
	}
	if err := checkStrings(rv, path, make(map[visit]struct{})); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return &Error{Path: path, Reason: "not JSON-serializable", Err: err}
	}
	return e.encodeJSON(data, path)
}

// checkStrings rejects invalid UTF-8 anywhere inside v before encoding/json
// gets the chance to replace it with U+FFFD.
func checkStrings(rv reflect.Value, path string, seen map[visit]struct{}) error {
	switch rv.Kind() {
	case reflect.String:
		if !utf8.ValidString(rv.String()) {
			return &Error{Path: path, Reason: "invalid UTF-8"}
		}
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if rv.Kind() == reflect.Pointer {
			key := visit{ptr: rv.Pointer(), typ: rv.Type()}
			if _, ok := seen[key]; ok {
				return &Error{Path: path, Reason: "cyclic structure"}
			}
			seen[key] = struct{}{}
			defer delete(seen, key)
		}
		return checkStrings(rv.Elem(), path, seen)
	case reflect.Struct:
		for i := 0; i < rv.NumField(); i++ {
			if !rv.Type().Field(i).IsExported() {
				continue
			}
			if err := checkStrings(rv.Field(i), path+"."+rv.Type().Field(i).Name, seen); err != nil {
				return err
			}
		}
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		key := visit{ptr: rv.Pointer(), typ: rv.Type()}
		if _, ok := seen[key]; ok {
			return &Error{Path: path, Reason: "cyclic structure"}
		}
		seen[key] = struct{}{}
		defer delete(seen, key)
		iter := rv.MapRange()
		for iter.Next() {
			if err := checkStrings(iter.Key(), path, seen); err != nil {
				return err
			}
			if err := checkStrings(iter.Value(), path, seen); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice {
			if rv.IsNil() || rv.Type().Elem().Kind() == reflect.Uint8 {
				return nil
			}
			if rv.Len() > 0 {
				key := visit{ptr: rv.Pointer(), typ: rv.Type(), len: rv.Len()}
				if _, ok := seen[key]; ok {
					return &Error{Path: path, Reason: "cyclic structure"}
				}
				seen[key] = struct{}{}
				defer delete(seen, key)
			}
		}
		for i := 0; i < rv.Len(); i++ {
			if err := checkStrings(rv.Index(i), fmt.Sprintf("%s[%d]", path, i), seen); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *encoder) encodeString(s, path string) error {
	if !utf8.ValidString(s) {
		return &Error{Path: path, Reason: "invalid UTF-8"}
	}
	e.buf.WriteByte('"')
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 0x20 && c != '"' && c != '\\' {
			continue
		}
		e.buf.WriteString(s[start:i])
		switch c {
		case '"':
			e.buf.WriteString(`\"`)
		case '\\':
			e.buf.WriteString(`\\`)
		case '\n':
			e.buf.WriteString(`\n`)
		case '\r':
			e.buf.WriteString(`\r`)
		case '\t':
			e.buf.WriteString(`\t`)
		case '\b':
			e.buf.WriteString(`\b`)
		case '\f':
			e.buf.WriteString(`\f`)
		default:
			fmt.Fprintf(&e.buf, `\u%04x`, c)
		}
		start = i + 1
	}
	e.buf.WriteString(s[start:])
	e.buf.WriteByte('"')
	return nil
}

func (e *encoder) encodeNumber(n json.Number, path string) error {
	s := string(n)
	if isIntegerLiteral(s) {
		i, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return &Error{Path: path, Reason: fmt.Sprintf("invalid number %q", s)}
		}
		e.buf.WriteString(i.String())
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return &Error{Path: path, Reason: fmt.Sprintf("invalid number %q", s), Err: err}
	}
	s, err = formatFloat(f)
	if err != nil {
		return &Error{Path: path, Reason: err.Error()}
	}
	e.buf.WriteString(s)
	return nil
}

// encodeFloat writes a Go float. Integral values are written as integers so
// that a payload built in Go with float64(3) hashes like the literal 3.
func (e *encoder) encodeFloat(f float64, path string) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &Error{Path: path, Reason: "NaN and Infinity are not representable"}
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		i, _ := new(big.Float).SetFloat64(f).Int(nil)
		e.buf.WriteString(i.String())
		return nil
	}
	s, err := formatFloat(f)
	if err != nil {
		return &Error{Path: path, Reason: err.Error()}
	}
	e.buf.WriteString(s)
	return nil
}

func isIntegerLiteral(s string) bool {
	return !strings.ContainsAny(s, ".eE")
}
