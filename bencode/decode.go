package bencode

import (
	"bytes"
	"encoding"
	"fmt"
	"reflect"
	"strconv"

	"github.com/pkg/errors"
)

// Unmarshal parses the bencoded data and stores the result in the value
// pointed to by v. If v is nil or not a pointer, Unmarshal returns an
// InvalidUnmarshalError.
func Unmarshal(data []byte, v interface{}) error {
	if err := checkValid(data); err != nil {
		return err
	}
	var d decodeState
	d.init(data)
	return d.unmarshal(v)
}

// Unmarshaler is implemented by types that can decode a bencode
// representation of themselves. The byte slice passed to UnmarshalBencode
// is the exact sub-region of the input that the value occupied; callers
// that need the raw bytes behind a dict value (e.g. to hash it) implement
// this interface instead of decoding into a plain struct.
type Unmarshaler interface {
	UnmarshalBencode([]byte) error
}

// UnmarshalTypeError describes a bencode value that was not appropriate
// for a given Go type.
type UnmarshalTypeError struct {
	Value  string
	Type   reflect.Type
	Offset int64
	Struct string
	Field  string
}

func (e *UnmarshalTypeError) Error() string {
	if e.Struct != "" || e.Field != "" {
		return "bencode: cannot unmarshal " + e.Value + " into Go struct field " + e.Struct + "." + e.Field + " of type " + e.Type.String()
	}
	return "bencode: cannot unmarshal " + e.Value + " into Go value of type " + e.Type.String()
}

// InvalidUnmarshalError describes an invalid argument passed to Unmarshal.
type InvalidUnmarshalError struct {
	Type reflect.Type
}

func (e *InvalidUnmarshalError) Error() string {
	if e.Type == nil {
		return "bencode: Unmarshal(nil)"
	}
	if e.Type.Kind() != reflect.Ptr {
		return "bencode: Unmarshal(non-pointer " + e.Type.String() + ")"
	}
	return "bencode: Unmarshal(nil " + e.Type.String() + ")"
}

// decodeState walks data by direct recursive descent: each parse method
// reads exactly the bytes of one value starting at off, advances off past
// it, and (if the caller passed a valid destination) stores the result.
// There is no separate lookahead or parse-state stack; the grammar never
// needs one, since every bencode value announces its own end (an integer
// or string length is explicit, a list/dict is terminated by 'e').
type decodeState struct {
	data         []byte
	off          int
	errorContext struct {
		Struct reflect.Type
		Field  string
	}
	savedError            error
	disallowUnknownFields bool
}

func (d *decodeState) init(data []byte) *decodeState {
	d.data = data
	d.off = 0
	d.savedError = nil
	d.errorContext.Struct = nil
	d.errorContext.Field = ""
	return d
}

func (d *decodeState) unmarshal(v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return &InvalidUnmarshalError{reflect.TypeOf(v)}
	}
	if err := d.value(rv); err != nil {
		return d.addErrorContext(err)
	}
	return d.savedError
}

func (d *decodeState) saveError(err error) {
	if d.savedError == nil {
		d.savedError = d.addErrorContext(err)
	}
}

func (d *decodeState) addErrorContext(err error) error {
	if d.errorContext.Struct != nil || d.errorContext.Field != "" {
		if te, ok := err.(*UnmarshalTypeError); ok {
			te.Struct = d.errorContext.Struct.Name()
			te.Field = d.errorContext.Field
			return te
		}
	}
	return err
}

// skip advances off past the value at the current position without
// storing anything, by asking stream.go's valueLen how long it is.
func (d *decodeState) skip() error {
	n, err := valueLen(d.data[d.off:])
	if err != nil {
		return err
	}
	d.off += n
	return nil
}

// value dispatches on the single byte that identifies which of
// bencode's four kinds starts at off.
func (d *decodeState) value(v reflect.Value) error {
	if d.off >= len(d.data) {
		return &SyntaxError{"unexpected end of bencode input", int64(d.off)}
	}
	switch c := d.data[d.off]; {
	case c == 'd':
		if !v.IsValid() {
			return d.skip()
		}
		return d.dict(v)
	case c == 'l':
		if !v.IsValid() {
			return d.skip()
		}
		return d.list(v)
	case c == 'i':
		return d.integer(v)
	case c >= '0' && c <= '9':
		return d.string(v)
	default:
		return &SyntaxError{"invalid character " + quoteChar(c) + " looking for beginning of value", int64(d.off)}
	}
}

// indirect walks down v allocating pointers as needed until it reaches a
// non-pointer, or a value that implements Unmarshaler / TextUnmarshaler.
func indirect(v reflect.Value) (Unmarshaler, encoding.TextUnmarshaler, reflect.Value) {
	v0 := v
	haveAddr := false

	if v.Kind() != reflect.Ptr && v.Type().Name() != "" && v.CanAddr() {
		haveAddr = true
		v = v.Addr()
	}
	for {
		if v.Kind() == reflect.Interface && !v.IsNil() {
			e := v.Elem()
			if e.Kind() == reflect.Ptr && !e.IsNil() && e.Elem().Kind() == reflect.Ptr {
				haveAddr = false
				v = e
				continue
			}
		}
		if v.Kind() != reflect.Ptr {
			break
		}
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		if v.Type().NumMethod() > 0 && v.CanInterface() {
			if u, ok := v.Interface().(Unmarshaler); ok {
				return u, nil, reflect.Value{}
			}
			if u, ok := v.Interface().(encoding.TextUnmarshaler); ok {
				return nil, u, reflect.Value{}
			}
		}
		if haveAddr {
			v = v0
			haveAddr = false
		} else {
			v = v.Elem()
		}
	}
	return nil, nil, v
}

// captureRaw hands a value's exact raw byte range to an Unmarshaler,
// rather than decoding it field by field.
func (d *decodeState) captureRaw(unmarshal func([]byte) error) error {
	start := d.off
	n, err := valueLen(d.data[start:])
	if err != nil {
		return err
	}
	d.off = start + n
	return unmarshal(d.data[start:d.off])
}

// readStringBytes consumes a "<len>:<bytes>" token at off and returns its
// content, which is the same literal shape an integer's length prefix in
// valueLen parses, just immediately followed by the payload rather than
// by 'e'.
func (d *decodeState) readStringBytes() ([]byte, error) {
	start := d.off
	j := start
	for j < len(d.data) && d.data[j] != ':' {
		j++
	}
	if j >= len(d.data) {
		return nil, &SyntaxError{"malformed string length", int64(j)}
	}
	length, err := strconv.Atoi(string(d.data[start:j]))
	if err != nil || length < 0 {
		return nil, &SyntaxError{"malformed string length", int64(j)}
	}
	contentStart := j + 1
	contentEnd := contentStart + length
	if contentEnd > len(d.data) {
		return nil, &SyntaxError{"unexpected end of bencode input", int64(contentEnd)}
	}
	d.off = contentEnd
	return d.data[contentStart:contentEnd], nil
}

func (d *decodeState) string(v reflect.Value) error {
	item, err := d.readStringBytes()
	if err != nil {
		return err
	}
	if v.IsValid() {
		return d.stringStore(item, v)
	}
	return nil
}

func (d *decodeState) integer(v reflect.Value) error {
	start := d.off + 1
	end := start
	for end < len(d.data) && d.data[end] != 'e' {
		end++
	}
	if end >= len(d.data) {
		return &SyntaxError{"unterminated integer", int64(end)}
	}
	item := d.data[start:end]
	d.off = end + 1
	if v.IsValid() {
		return d.intStore(item, v)
	}
	return nil
}

func (d *decodeState) list(v reflect.Value) error {
	u, ut, pv := indirect(v)
	if u != nil {
		return d.captureRaw(u.UnmarshalBencode)
	}
	if ut != nil {
		d.saveError(&UnmarshalTypeError{Value: "list", Type: v.Type(), Offset: int64(d.off)})
		return d.skip()
	}
	v = pv

	switch v.Kind() {
	case reflect.Interface:
		if v.NumMethod() == 0 {
			items, err := d.listInterface()
			if err != nil {
				return err
			}
			v.Set(reflect.ValueOf(items))
			return nil
		}
		fallthrough
	default:
		d.saveError(&UnmarshalTypeError{Value: "list", Type: v.Type(), Offset: int64(d.off)})
		return d.skip()
	case reflect.Array, reflect.Slice:
	}

	d.off++ // 'l'
	i := 0
	for d.off < len(d.data) && d.data[d.off] != 'e' {
		if v.Kind() == reflect.Slice {
			if i >= v.Cap() {
				newcap := v.Cap() + v.Cap()/2
				if newcap < 4 {
					newcap = 4
				}
				newv := reflect.MakeSlice(v.Type(), v.Len(), newcap)
				reflect.Copy(newv, v)
				v.Set(newv)
			}
			if i >= v.Len() {
				v.SetLen(i + 1)
			}
		}
		if i < v.Len() {
			if err := d.value(v.Index(i)); err != nil {
				return err
			}
		} else {
			if err := d.value(reflect.Value{}); err != nil {
				return err
			}
		}
		i++
	}
	if d.off >= len(d.data) {
		return &SyntaxError{"unterminated list", int64(d.off)}
	}
	d.off++ // 'e'

	if i < v.Len() {
		if v.Kind() == reflect.Array {
			z := reflect.Zero(v.Type().Elem())
			for ; i < v.Len(); i++ {
				v.Index(i).Set(z)
			}
		} else {
			v.SetLen(i)
		}
	}
	if i == 0 && v.Kind() == reflect.Slice {
		v.Set(reflect.MakeSlice(v.Type(), 0, 0))
	}
	return nil
}

func (d *decodeState) dict(v reflect.Value) error {
	u, ut, pv := indirect(v)
	if u != nil {
		return d.captureRaw(u.UnmarshalBencode)
	}
	if ut != nil {
		d.saveError(&UnmarshalTypeError{Value: "dict", Type: v.Type(), Offset: int64(d.off)})
		return d.skip()
	}
	v = pv
	t := v.Type()

	if v.Kind() == reflect.Interface && v.NumMethod() == 0 {
		m, err := d.dictInterface()
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(m))
		return nil
	}

	var fields []field
	switch v.Kind() {
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			d.saveError(&UnmarshalTypeError{Value: "dict", Type: t, Offset: int64(d.off)})
			return d.skip()
		}
		if v.IsNil() {
			v.Set(reflect.MakeMap(t))
		}
	case reflect.Struct:
		fields = cachedTypeFields(t)
	default:
		d.saveError(&UnmarshalTypeError{Value: "dict", Type: t, Offset: int64(d.off)})
		return d.skip()
	}

	d.off++ // 'd'
	var mapElem reflect.Value
	originalErrorContext := d.errorContext
	for d.off < len(d.data) && d.data[d.off] != 'e' {
		key, err := d.readStringBytes()
		if err != nil {
			return err
		}

		var subv reflect.Value
		if v.Kind() == reflect.Map {
			elemType := t.Elem()
			if !mapElem.IsValid() {
				mapElem = reflect.New(elemType).Elem()
			} else {
				mapElem.Set(reflect.Zero(elemType))
			}
			subv = mapElem
		} else {
			var f *field
			for i := range fields {
				ff := &fields[i]
				if bytes.Equal(ff.nameBytes, key) {
					f = ff
					break
				}
				if f == nil && ff.equalFold(ff.nameBytes, key) {
					f = ff
				}
			}
			if f != nil {
				subv = v
				for _, idx := range f.index {
					if subv.Kind() == reflect.Ptr {
						if subv.IsNil() {
							if !subv.CanSet() {
								d.saveError(fmt.Errorf("bencode: cannot set embedded pointer to unexported struct: %v", subv.Type().Elem()))
								subv = reflect.Value{}
								break
							}
							subv.Set(reflect.New(subv.Type().Elem()))
						}
						subv = subv.Elem()
					}
					subv = subv.Field(idx)
				}
				d.errorContext.Field = f.name
				d.errorContext.Struct = t
			} else if d.disallowUnknownFields {
				d.saveError(fmt.Errorf("bencode: unknown field %q", key))
			}
		}

		if err := d.value(subv); err != nil {
			return err
		}

		if v.Kind() == reflect.Map && subv.IsValid() {
			v.SetMapIndex(reflect.ValueOf(string(key)), subv)
		}
		d.errorContext = originalErrorContext
	}
	if d.off >= len(d.data) {
		return &SyntaxError{"unterminated dict", int64(d.off)}
	}
	d.off++ // 'e'
	return nil
}

func (d *decodeState) stringStore(item []byte, v reflect.Value) error {
	u, ut, pv := indirect(v)
	if u != nil {
		return u.UnmarshalBencode(item)
	}
	if ut != nil {
		return ut.UnmarshalText(item)
	}
	v = pv

	switch v.Kind() {
	default:
		d.saveError(&UnmarshalTypeError{Value: "string", Type: v.Type(), Offset: int64(d.off)})
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			d.saveError(&UnmarshalTypeError{Value: "string", Type: v.Type(), Offset: int64(d.off)})
			break
		}
		cp := make([]byte, len(item))
		copy(cp, item)
		v.SetBytes(cp)
	case reflect.Array:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			d.saveError(&UnmarshalTypeError{Value: "string", Type: v.Type(), Offset: int64(d.off)})
			break
		}
		reflect.Copy(v, reflect.ValueOf(item))
	case reflect.String:
		v.SetString(string(item))
	case reflect.Interface:
		if v.NumMethod() == 0 {
			v.Set(reflect.ValueOf(string(item)))
		} else {
			d.saveError(&UnmarshalTypeError{Value: "string", Type: v.Type(), Offset: int64(d.off)})
		}
	}
	return nil
}

func (d *decodeState) intStore(item []byte, v reflect.Value) error {
	if len(item) == 0 {
		d.saveError(fmt.Errorf("bencode: empty integer literal"))
		return nil
	}
	u, ut, pv := indirect(v)
	if u != nil {
		return u.UnmarshalBencode(item)
	}
	if ut != nil {
		d.saveError(&UnmarshalTypeError{Value: "number", Type: v.Type(), Offset: int64(d.off)})
		return nil
	}
	v = pv

	s := string(item)
	switch v.Kind() {
	default:
		d.saveError(&UnmarshalTypeError{Value: "number", Type: v.Type(), Offset: int64(d.off)})
	case reflect.Interface:
		n, err := strconv.Atoi(s)
		if err != nil {
			d.saveError(err)
			break
		}
		if v.NumMethod() != 0 {
			d.saveError(&UnmarshalTypeError{Value: "number", Type: v.Type(), Offset: int64(d.off)})
			break
		}
		v.Set(reflect.ValueOf(n))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v.OverflowInt(n) {
			d.saveError(&UnmarshalTypeError{Value: "number " + s, Type: v.Type(), Offset: int64(d.off)})
			break
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil || v.OverflowUint(n) {
			d.saveError(&UnmarshalTypeError{Value: "number " + s, Type: v.Type(), Offset: int64(d.off)})
			break
		}
		v.SetUint(n)
	}
	return nil
}

// valueInterface decodes the value at off into the interface{} shape
// Unmarshal uses for "I don't know the Go type yet" destinations: a
// map[string]interface{}, a []interface{}, a string, or an int.
func (d *decodeState) valueInterface() (interface{}, error) {
	if d.off >= len(d.data) {
		return nil, &SyntaxError{"unexpected end of bencode input", int64(d.off)}
	}
	switch c := d.data[d.off]; {
	case c == 'd':
		return d.dictInterface()
	case c == 'l':
		return d.listInterface()
	case c == 'i':
		return d.intInterface()
	case c >= '0' && c <= '9':
		item, err := d.readStringBytes()
		if err != nil {
			return nil, err
		}
		return string(item), nil
	default:
		return nil, &SyntaxError{"invalid character " + quoteChar(c) + " looking for beginning of value", int64(d.off)}
	}
}

func (d *decodeState) listInterface() ([]interface{}, error) {
	d.off++ // 'l'
	v := make([]interface{}, 0)
	for d.off < len(d.data) && d.data[d.off] != 'e' {
		item, err := d.valueInterface()
		if err != nil {
			return nil, err
		}
		v = append(v, item)
	}
	if d.off >= len(d.data) {
		return nil, &SyntaxError{"unterminated list", int64(d.off)}
	}
	d.off++ // 'e'
	return v, nil
}

func (d *decodeState) dictInterface() (map[string]interface{}, error) {
	d.off++ // 'd'
	m := make(map[string]interface{})
	for d.off < len(d.data) && d.data[d.off] != 'e' {
		key, err := d.readStringBytes()
		if err != nil {
			return nil, err
		}
		val, err := d.valueInterface()
		if err != nil {
			return nil, err
		}
		m[string(key)] = val
	}
	if d.off >= len(d.data) {
		return nil, &SyntaxError{"unterminated dict", int64(d.off)}
	}
	d.off++ // 'e'
	return m, nil
}

func (d *decodeState) intInterface() (interface{}, error) {
	start := d.off + 1
	end := start
	for end < len(d.data) && d.data[end] != 'e' {
		end++
	}
	if end >= len(d.data) {
		return nil, &SyntaxError{"unterminated integer", int64(end)}
	}
	d.off = end + 1
	n, err := strconv.Atoi(string(d.data[start:end]))
	if err != nil {
		d.saveError(err)
		return 0, nil
	}
	return n, nil
}

// RawMessage is a raw, still-encoded bencode value. Decoding into a
// RawMessage captures the exact byte range the decoder consumed for that
// value (for a string, its content without the length prefix). It goes
// through the same Unmarshaler path that meta.Info uses to receive the
// original info dictionary bytes for hashing.
type RawMessage []byte

// MarshalBencode returns m unchanged.
func (m RawMessage) MarshalBencode() ([]byte, error) {
	if m == nil {
		return nil, errors.New("bencode: MarshalBencode on nil RawMessage")
	}
	return m, nil
}

// UnmarshalBencode sets *m to a copy of data.
func (m *RawMessage) UnmarshalBencode(data []byte) error {
	if m == nil {
		return errors.New("bencode: UnmarshalBencode on nil pointer")
	}
	*m = append((*m)[0:0], data...)
	return nil
}
