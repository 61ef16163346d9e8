package idempotency

import (
	"encoding"
	"encoding/hex"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/text/unicode/norm"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): map keys are
// sorted, so the same logical request always encodes to the same bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("idempotency: CBOR encoder initialization failed: " + err.Error())
	}
}

var textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()

// Fingerprint returns a hex BLAKE3-256 digest of v.
// Strings are NFC-normalised first, so canonically equivalent text hashes
// identically; maps hash independently of key order.
func Fingerprint(v any) (string, error) {
	normalized, err := normalize(reflect.ValueOf(v))
	if err != nil {
		return "", fmt.Errorf("normalize fingerprint input: %w", err)
	}

	data, err := encMode.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("encode fingerprint input: %w", err)
	}

	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// normalize rebuilds v with every string NFC-normalised. Values implementing
// encoding.TextMarshaler (time.Time among them) hash by their text form.
// Other structs become maps keyed by their CBOR/JSON field name so a struct
// and the equivalent map share a fingerprint.
func normalize(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
	}

	if text, ok, err := marshalText(v); ok {
		if err != nil {
			return nil, err
		}
		return norm.NFC.String(text), nil
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		return normalize(v.Elem())
	case reflect.String:
		return norm.NFC.String(v.String()), nil
	case reflect.Map:
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key, err := normalize(iter.Key())
			if err != nil {
				return nil, err
			}
			val, err := normalize(iter.Value())
			if err != nil {
				return nil, err
			}
			out[norm.NFC.String(fmt.Sprint(key))] = val
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil, nil
		}
		out := make([]any, v.Len())
		for i := range out {
			elem, err := normalize(v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil
	case reflect.Struct:
		t := v.Type()
		out := make(map[string]any, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := fieldName(f)
			if name == "-" {
				continue
			}
			field, err := normalize(v.Field(i))
			if err != nil {
				return nil, err
			}
			out[name] = field
		}
		return out, nil
	}

	return v.Interface(), nil
}

// marshalText reports ok when v (or its address) implements
// encoding.TextMarshaler.
func marshalText(v reflect.Value) (string, bool, error) {
	if !v.CanInterface() {
		return "", false, nil
	}

	var m encoding.TextMarshaler
	switch {
	case v.Type().Implements(textMarshalerType):
		m = v.Interface().(encoding.TextMarshaler)
	case v.CanAddr() && reflect.PointerTo(v.Type()).Implements(textMarshalerType):
		m = v.Addr().Interface().(encoding.TextMarshaler)
	default:
		return "", false, nil
	}

	text, err := m.MarshalText()
	if err != nil {
		return "", true, fmt.Errorf("marshal %s: %w", v.Type(), err)
	}
	return string(text), true, nil
}

func fieldName(f reflect.StructField) string {
	for _, tag := range []string{"cbor", "json"} {
		if name, ok := f.Tag.Lookup(tag); ok {
			for i := 0; i < len(name); i++ {
				if name[i] == ',' {
					name = name[:i]
					break
				}
			}
			if name != "" {
				return name
			}
		}
	}
	return f.Name
}
