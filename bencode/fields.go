package bencode

import (
	"reflect"
	"sort"
	"strings"
	"sync"
)

// field holds the information about a single struct field, keyed by its
// bencode tag name, needed by both the decoder and the encoder.
type field struct {
	name      string
	nameBytes []byte
	index     []int
	typ       reflect.Type
	omitEmpty bool
}

func (f *field) equalFold(a, b []byte) bool {
	return strings.EqualFold(string(a), string(b))
}

// typeFields returns the list of fields a struct type carries, honoring
// `bencode:"name,omitempty"` tags and `bencode:"-"` exclusions, the same
// contract as the struct tags used throughout meta.Info/meta.FileInfo.
func typeFields(t reflect.Type) []field {
	var fields []field
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" && !sf.Anonymous {
			continue
		}
		tag := sf.Tag.Get("bencode")
		if tag == "-" {
			continue
		}
		name, opts := parseTag(tag)
		if name == "" {
			name = sf.Name
		}
		fields = append(fields, field{
			name:      name,
			nameBytes: []byte(name),
			index:     []int{i},
			typ:       sf.Type,
			omitEmpty: opts.Contains("omitempty") || opts.Contains("omitpty"),
		})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })
	return fields
}

func parseTag(tag string) (string, tagOptions) {
	if idx := strings.Index(tag, ","); idx != -1 {
		return tag[:idx], tagOptions(tag[idx+1:])
	}
	return tag, tagOptions("")
}

type tagOptions string

func (o tagOptions) Contains(optionName string) bool {
	if len(o) == 0 {
		return false
	}
	s := string(o)
	for s != "" {
		var next string
		i := strings.Index(s, ",")
		if i >= 0 {
			s, next = s[:i], s[i+1:]
		}
		if s == optionName {
			return true
		}
		s = next
	}
	return false
}

var fieldCache sync.Map // map[reflect.Type][]field

func cachedTypeFields(t reflect.Type) []field {
	if f, ok := fieldCache.Load(t); ok {
		return f.([]field)
	}
	f, _ := fieldCache.LoadOrStore(t, typeFields(t))
	return f.([]field)
}
