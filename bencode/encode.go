package bencode

import (
	"bytes"
	"reflect"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// Marshaler is implemented by types that can encode a bencode
// representation of themselves.
type Marshaler interface {
	MarshalBencode() ([]byte, error)
}

// Marshal returns the bencode encoding of v. Struct fields are encoded in
// the order produced by cachedTypeFields, but dictionary keys coming from a
// map are always sorted lexicographically by raw bytes before encoding, so
// that encode(decode(b)) == b for any b whose dict keys were already
// sorted — the round-trip property required of this codec.
func Marshal(v interface{}) ([]byte, error) {
	e := &encodeState{}
	if err := e.marshal(v); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

type encodeState struct {
	bytes.Buffer
}

func (e *encodeState) marshal(v interface{}) error {
	return e.reflectValue(reflect.ValueOf(v))
}

func (e *encodeState) reflectValue(v reflect.Value) error {
	if !v.IsValid() {
		return errors.New("bencode: cannot marshal invalid value")
	}

	if v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.CanInterface() {
			if m, ok := v.Interface().(Marshaler); ok {
				data, err := m.MarshalBencode()
				if err != nil {
					return err
				}
				_, err = e.Write(data)
				return err
			}
		}
	}
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return errors.New("bencode: cannot marshal nil pointer")
		}
		return e.reflectValue(v.Elem())
	}
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return errors.New("bencode: cannot marshal nil interface")
		}
		return e.reflectValue(v.Elem())
	}
	if v.CanInterface() {
		if m, ok := v.Interface().(Marshaler); ok {
			data, err := m.MarshalBencode()
			if err != nil {
				return err
			}
			_, err = e.Write(data)
			return err
		}
	}

	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.WriteByte('i')
		e.WriteString(strconv.FormatInt(v.Int(), 10))
		e.WriteByte('e')
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.WriteByte('i')
		e.WriteString(strconv.FormatUint(v.Uint(), 10))
		e.WriteByte('e')
		return nil
	case reflect.String:
		return e.writeString([]byte(v.String()))
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return e.writeString(b)
		}
		return e.writeList(v)
	case reflect.Map:
		return e.writeMap(v)
	case reflect.Struct:
		return e.writeStruct(v)
	case reflect.Bool:
		if v.Bool() {
			e.WriteString("i1e")
		} else {
			e.WriteString("i0e")
		}
		return nil
	}
	return errors.Errorf("bencode: unsupported type %v", v.Type())
}

func (e *encodeState) writeString(b []byte) error {
	e.WriteString(strconv.Itoa(len(b)))
	e.WriteByte(':')
	_, err := e.Write(b)
	return err
}

func (e *encodeState) writeList(v reflect.Value) error {
	e.WriteByte('l')
	for i := 0; i < v.Len(); i++ {
		if err := e.reflectValue(v.Index(i)); err != nil {
			return err
		}
	}
	e.WriteByte('e')
	return nil
}

func (e *encodeState) writeMap(v reflect.Value) error {
	if v.Type().Key().Kind() != reflect.String {
		return errors.Errorf("bencode: unsupported map key type %v", v.Type().Key())
	}
	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	e.WriteByte('d')
	for _, k := range keys {
		if err := e.writeString([]byte(k.String())); err != nil {
			return err
		}
		if err := e.reflectValue(v.MapIndex(k)); err != nil {
			return err
		}
	}
	e.WriteByte('e')
	return nil
}

func (e *encodeState) writeStruct(v reflect.Value) error {
	fields := cachedTypeFields(v.Type())
	type kv struct {
		key []byte
		val reflect.Value
	}
	pairs := make([]kv, 0, len(fields))
	for _, f := range fields {
		fv := v.FieldByIndex(f.index)
		if f.omitEmpty && isEmptyValue(fv) {
			continue
		}
		pairs = append(pairs, kv{f.nameBytes, fv})
	}
	sort.Slice(pairs, func(i, j int) bool { return bytes.Compare(pairs[i].key, pairs[j].key) < 0 })
	e.WriteByte('d')
	for _, p := range pairs {
		if err := e.writeString(p.key); err != nil {
			return err
		}
		if err := e.reflectValue(p.val); err != nil {
			return err
		}
	}
	e.WriteByte('e')
	return nil
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	}
	return false
}
