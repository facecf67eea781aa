package snaptrace

import (
	"encoding"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/peterbourgon/snaptrace/internal/snapdebug"
)

const (
	defaultMaxDepth = 64
	defaultMaxNodes = 100_000
)

// encoder writes arbitrary captured values as JSON, using the actual runtime
// type of each value. It never panics: any failure while reading a value
// degrades that value to its string form, and the failure is noted in errs.
type encoder struct {
	buf        []byte
	describers *Describers
	opaque     bool
	maxDepth   int
	maxNodes   int
	nodes      int
	visiting   map[visitKey]struct{}
	errs       []string
}

// visitKey identifies a reference on the current traversal path. The type is
// part of the key, because a struct and its first field share an address.
type visitKey struct {
	ptr uintptr
	typ reflect.Type
}

func newEncoder(describers *Describers, opaque bool, maxDepth, maxNodes int) *encoder {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	if maxNodes <= 0 {
		maxNodes = defaultMaxNodes
	}
	return &encoder{
		describers: describers,
		opaque:     opaque,
		maxDepth:   maxDepth,
		maxNodes:   maxNodes,
	}
}

// encodeField encodes a single top-level value, and returns the JSON along
// with a description of any failures. A top-level failure replaces the whole
// value with its string form.
func (e *encoder) encodeField(v any) (raw json.RawMessage, failure string) {
	e.buf = e.buf[:0]
	e.errs = e.errs[:0]
	e.nodes = 0
	clear(e.visiting)

	func() {
		defer func() {
			if x := recover(); x != nil {
				e.buf = e.buf[:0]
				e.errs = append(e.errs, "panic: "+safeString(x))
				e.str(displayString(v))
			}
		}()
		e.encode(v, 0)
	}()

	if len(e.errs) > 0 {
		failure = strings.Join(e.errs, "; ")
		snapdebug.Serializer.FieldErrors.Add(1)
	}

	return append(json.RawMessage(nil), e.buf...), failure
}

func (e *encoder) encode(v any, depth int) {
	if v == nil {
		e.null()
		return
	}

	if depth > e.maxDepth {
		e.str("[MaxDepth]")
		return
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			e.null()
			return
		}
	}

	if fn, ok := e.describers.lookup(rv.Type()); ok {
		desc, err := guard(func() (map[string]any, error) { return fn(v), nil })
		if err != nil {
			e.degrade(v, err)
			return
		}
		e.encode(desc, depth+1)
		return
	}

	switch x := v.(type) {
	case Describer:
		desc, err := guard(func() (map[string]any, error) { return x.SnapDescribe(), nil })
		if err != nil {
			e.degrade(v, err)
			return
		}
		e.encode(desc, depth+1)
		return

	case reflect.Type:
		e.str("[Reflection: " + safeString(x) + "]")
		return

	case reflect.Value:
		e.str("[Reflection: " + reflectValueName(x) + "]")
		return

	case json.Marshaler:
		b, err := guard(x.MarshalJSON)
		if err == nil && !json.Valid(b) {
			err = fmt.Errorf("MarshalJSON for %T returned invalid JSON", v)
		}
		if err != nil {
			e.degrade(v, err)
			return
		}
		e.raw(b)
		return

	case encoding.TextMarshaler:
		text, err := guard(x.MarshalText)
		if err != nil {
			e.degrade(v, err)
			return
		}
		e.str(string(text))
		return

	case error:
		msg, err := guard(func() (string, error) { return x.Error(), nil })
		if err != nil {
			e.degrade(v, err)
			return
		}
		e.str(msg)
		return
	}

	if e.opaque && isNamedComposite(rv) {
		e.str(displayString(v))
		return
	}

	e.reflect(rv, depth)
}

// value encodes a reflected value, going through encode when the value can be
// converted to an interface, so that describers and marshalers are honored.
func (e *encoder) value(rv reflect.Value, depth int) {
	if !rv.IsValid() {
		e.null()
		return
	}
	// Shared references are encoded once per path, so the number of nodes in a
	// value can grow exponentially with its depth.
	if e.nodes++; e.nodes > e.maxNodes {
		e.str("[MaxNodes]")
		return
	}
	if rv.CanInterface() {
		e.encode(rv.Interface(), depth)
		return
	}
	e.reflect(rv, depth)
}

func (e *encoder) reflect(rv reflect.Value, depth int) {
	switch rv.Kind() {
	case reflect.Bool:
		e.buf = strconv.AppendBool(e.buf, rv.Bool())

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.buf = strconv.AppendInt(e.buf, rv.Int(), 10)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.buf = strconv.AppendUint(e.buf, rv.Uint(), 10)

	case reflect.Float32, reflect.Float64:
		e.float(rv.Float(), rv.Type().Bits())

	case reflect.Complex64, reflect.Complex128:
		e.str(strconv.FormatComplex(rv.Complex(), 'g', -1, rv.Type().Bits()))

	case reflect.String:
		e.str(rv.String())

	case reflect.Func:
		e.str("[Func: " + rv.Type().String() + "]")

	case reflect.Chan:
		e.str("[Chan: " + rv.Type().String() + "]")

	case reflect.UnsafePointer:
		e.str("[UnsafePointer: 0x" + strconv.FormatUint(uint64(rv.Pointer()), 16) + "]")

	case reflect.Interface:
		if rv.IsNil() {
			e.null()
			return
		}
		e.value(rv.Elem(), depth)

	case reflect.Pointer:
		if rv.IsNil() {
			e.null()
			return
		}
		key := visitKey{rv.Pointer(), rv.Type()}
		if !e.enter(key) {
			e.null()
			return
		}
		e.value(rv.Elem(), depth+1)
		e.leave(key)

	case reflect.Struct:
		e.structure(rv, depth)

	case reflect.Map:
		if rv.IsNil() {
			e.null()
			return
		}
		key := visitKey{rv.Pointer(), rv.Type()}
		if !e.enter(key) {
			e.null()
			return
		}
		e.mapping(rv, depth)
		e.leave(key)

	case reflect.Slice:
		if rv.IsNil() {
			e.null()
			return
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			e.str(base64.StdEncoding.EncodeToString(rv.Bytes()))
			return
		}
		key := visitKey{rv.Pointer(), rv.Type()}
		if !e.enter(key) {
			e.null()
			return
		}
		e.sequence(rv, depth)
		e.leave(key)

	case reflect.Array:
		e.sequence(rv, depth)

	default:
		e.str(rv.String())
	}
}

func (e *encoder) structure(rv reflect.Value, depth int) {
	e.buf = append(e.buf, '{')
	first := true
	e.fields(rv, depth, &first)
	e.buf = append(e.buf, '}')
}

func (e *encoder) fields(rv reflect.Value, depth int, first *bool) {
	for _, f := range cachedFields(rv.Type()) {
		fv, ok := fieldByIndex(rv, f.index)
		if !ok {
			continue // behind a nil embedded pointer
		}

		if f.omitEmpty && isEmptyValue(fv) {
			continue
		}

		if e.cyclic(fv) {
			continue // omit the repeated reference
		}

		if !*first {
			e.buf = append(e.buf, ',')
		}
		*first = false
		e.str(f.name)
		e.buf = append(e.buf, ':')
		e.value(fv, depth+1)
	}
}

func (e *encoder) mapping(rv reflect.Value, depth int) {
	type kv struct {
		key string
		val reflect.Value
	}

	kvs := make([]kv, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		kvs = append(kvs, kv{key: e.mapKey(iter.Key()), val: iter.Value()})
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].key < kvs[j].key })

	e.buf = append(e.buf, '{')
	first := true
	for _, p := range kvs {
		if e.cyclic(p.val) {
			continue
		}
		if !first {
			e.buf = append(e.buf, ',')
		}
		first = false
		e.str(p.key)
		e.buf = append(e.buf, ':')
		e.value(p.val, depth+1)
	}
	e.buf = append(e.buf, '}')
}

func (e *encoder) mapKey(k reflect.Value) string {
	switch k.Kind() {
	case reflect.String:
		return k.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10)
	}
	if k.CanInterface() {
		if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
			if text, err := guard(tm.MarshalText); err == nil {
				return string(text)
			}
		}
		return displayString(k.Interface())
	}
	return k.Type().String()
}

func (e *encoder) sequence(rv reflect.Value, depth int) {
	e.buf = append(e.buf, '[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			e.buf = append(e.buf, ',')
		}
		ev := rv.Index(i)
		if e.cyclic(ev) {
			e.null()
			continue
		}
		e.value(ev, depth+1)
	}
	e.buf = append(e.buf, ']')
}

// cyclic returns true if the value refers to something already on the current
// traversal path.
func (e *encoder) cyclic(rv reflect.Value) bool {
	for rv.Kind() == reflect.Interface && !rv.IsNil() {
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return false
		}
		if _, ok := e.visiting[visitKey{rv.Pointer(), rv.Type()}]; ok {
			snapdebug.Serializer.Cycles.Add(1)
			return true
		}
	}
	return false
}

func (e *encoder) enter(key visitKey) bool {
	if e.visiting == nil {
		e.visiting = map[visitKey]struct{}{}
	}
	if _, ok := e.visiting[key]; ok {
		snapdebug.Serializer.Cycles.Add(1)
		return false
	}
	e.visiting[key] = struct{}{}
	return true
}

func (e *encoder) leave(key visitKey) {
	delete(e.visiting, key)
}

func (e *encoder) degrade(v any, err error) {
	e.errs = append(e.errs, fmt.Sprintf("%T: %s", v, safeString(err)))
	e.str(displayString(v))
}

func (e *encoder) null() {
	e.buf = append(e.buf, "null"...)
}

func (e *encoder) raw(b []byte) {
	e.buf = appendCompact(e.buf, b)
}

func (e *encoder) str(s string) {
	e.buf = appendString(e.buf, s)
}

func (e *encoder) float(f float64, bits int) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		e.str(strconv.FormatFloat(f, 'g', -1, bits))
		return
	}
	// Same formatting rules as encoding/json.
	abs := math.Abs(f)
	format := byte('f')
	if abs != 0 {
		if bits == 64 && (abs < 1e-6 || abs >= 1e21) || bits == 32 && (float32(abs) < 1e-6 || float32(abs) >= 1e21) {
			format = 'e'
		}
	}
	b := strconv.AppendFloat(nil, f, format, -1, bits)
	if format == 'e' {
		// clean up e-09 to e-9
		n := len(b)
		if n >= 4 && b[n-4] == 'e' && b[n-3] == '-' && b[n-2] == '0' {
			b[n-2] = b[n-1]
			b = b[:n-1]
		}
	}
	e.buf = append(e.buf, b...)
}

//
//
//

type field struct {
	name      string
	index     []int
	typ       reflect.Type
	tagged    bool
	omitEmpty bool
}

var fieldCache sync.Map // reflect.Type: []field

// cachedFields returns the encodable fields of the struct type, following the
// encoding/json conventions for exported fields, tags, and embedded structs.
// Fields promoted from embedded structs are resolved by the same dominance
// rules: the shallowest field wins, then the tagged one, and otherwise all of
// the conflicting fields are dropped.
func cachedFields(t reflect.Type) []field {
	if f, ok := fieldCache.Load(t); ok {
		return f.([]field)
	}
	f, _ := fieldCache.LoadOrStore(t, typeFields(t))
	return f.([]field)
}

func typeFields(t reflect.Type) []field {
	var (
		current []field
		next    = []field{{typ: t}}
		visited = map[reflect.Type]bool{}
		fields  []field
	)

	// Breadth first over embedded structs. Each type is expanded once, which
	// also stops recursive embedding.
	for len(next) > 0 {
		current, next = next, nil
		count := map[reflect.Type]int{}
		for _, f := range current {
			count[f.typ]++
		}

		for _, f := range current {
			if visited[f.typ] {
				continue
			}
			visited[f.typ] = true

			for i := 0; i < f.typ.NumField(); i++ {
				sf := f.typ.Field(i)

				tag := sf.Tag.Get("json")
				if tag == "-" {
					continue
				}
				name, opts, _ := strings.Cut(tag, ",")

				ft := sf.Type
				if ft.Name() == "" && ft.Kind() == reflect.Pointer {
					ft = ft.Elem()
				}

				index := make([]int, len(f.index)+1)
				copy(index, f.index)
				index[len(f.index)] = i

				if sf.Anonymous && name == "" && ft.Kind() == reflect.Struct {
					next = append(next, field{index: index, typ: ft})
					continue
				}

				if !sf.IsExported() {
					continue
				}

				tagged := name != ""
				if !tagged {
					name = sf.Name
				}

				nf := field{
					name:      name,
					index:     index,
					typ:       ft,
					tagged:    tagged,
					omitEmpty: strings.Contains(","+opts+",", ",omitempty,"),
				}
				fields = append(fields, nf)
				if count[f.typ] > 1 {
					// The same type embedded twice at one depth conflicts with
					// itself, so add a duplicate to annihilate it below.
					fields = append(fields, nf)
				}
			}
		}
	}

	sort.SliceStable(fields, func(i, j int) bool {
		x, y := fields[i], fields[j]
		if x.name != y.name {
			return x.name < y.name
		}
		if len(x.index) != len(y.index) {
			return len(x.index) < len(y.index)
		}
		if x.tagged != y.tagged {
			return x.tagged
		}
		return lessIndex(x.index, y.index)
	})

	out := fields[:0]
	for i := 0; i < len(fields); {
		j := i + 1
		for j < len(fields) && fields[j].name == fields[i].name {
			j++
		}
		group := fields[i:j]
		if len(group) == 1 || len(group[0].index) != len(group[1].index) || group[0].tagged != group[1].tagged {
			out = append(out, group[0])
		}
		i = j
	}
	fields = out

	sort.Slice(fields, func(i, j int) bool { return lessIndex(fields[i].index, fields[j].index) })
	return fields
}

func lessIndex(a, b []int) bool {
	for k := range a {
		if k >= len(b) {
			return false
		}
		if a[k] != b[k] {
			return a[k] < b[k]
		}
	}
	return len(a) < len(b)
}

// fieldByIndex is reflect.Value.FieldByIndex, except that it reports false
// rather than panicking when the path goes through a nil embedded pointer.
func fieldByIndex(v reflect.Value, index []int) (reflect.Value, bool) {
	for k, i := range index {
		if k > 0 && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				return reflect.Value{}, false
			}
			v = v.Elem()
		}
		v = v.Field(i)
	}
	return v, true
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
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}

// isNamedComposite is true for values of user-defined structured types, which
// opaque encoders render as display strings rather than traversing.
func isNamedComposite(rv reflect.Value) bool {
	t := rv.Type()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array:
		return t.Name() != ""
	}
	return false
}

//
//
//

// guard calls fn, converting a panic into an error.
func guard[T any](fn func() (T, error)) (res T, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("panic: %s", safeString(x))
		}
	}()
	return fn()
}

// safeString renders a value with fmt, which itself recovers from panicking
// String and Error methods. Values whose string form can't be produced render
// as a fixed tag naming their type.
func safeString(v any) (s string) {
	defer func() {
		if x := recover(); x != nil {
			s = unserializable(v)
		}
	}()
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return x
	}
	s = fmt.Sprint(v)
	if strings.Contains(s, "(PANIC=") {
		return unserializable(v)
	}
	return s
}

// displayString is the degraded representation of a value: its String or
// Error method if it has one, its literal form if it's a scalar, and its type
// name otherwise. Composite values aren't formatted, because fmt doesn't
// guard against reference cycles.
func displayString(v any) string {
	switch v.(type) {
	case nil:
		return "<nil>"
	case error, fmt.Stringer:
		return safeString(v)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return safeString(v)
	}
	return fmt.Sprintf("%T", v)
}

func unserializable(v any) string {
	return fmt.Sprintf("[Unserializable value of type %T]", v)
}

func reflectValueName(rv reflect.Value) string {
	if !rv.IsValid() {
		return "reflect.Value(invalid)"
	}
	return "reflect.Value(" + rv.Type().String() + ")"
}

//
//
//

const hex = "0123456789abcdef"

// appendString appends s as a JSON string, escaped the way encoding/json does,
// except that HTML characters are left as-is.
func appendString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	start := 0
	for i := 0; i < len(s); {
		if b := s[i]; b < utf8.RuneSelf {
			if b >= 0x20 && b != '"' && b != '\\' {
				i++
				continue
			}
			dst = append(dst, s[start:i]...)
			switch b {
			case '\\', '"':
				dst = append(dst, '\\', b)
			case '\n':
				dst = append(dst, '\\', 'n')
			case '\r':
				dst = append(dst, '\\', 'r')
			case '\t':
				dst = append(dst, '\\', 't')
			default:
				dst = append(dst, '\\', 'u', '0', '0', hex[b>>4], hex[b&0xF])
			}
			i++
			start = i
			continue
		}
		c, size := utf8.DecodeRuneInString(s[i:])
		if c == utf8.RuneError && size == 1 {
			dst = append(dst, s[start:i]...)
			dst = append(dst, `\ufffd`...)
			i += size
			start = i
			continue
		}
		if c == '\u2028' || c == '\u2029' {
			dst = append(dst, s[start:i]...)
			dst = append(dst, '\\', 'u', '2', '0', '2', hex[c&0xF])
			i += size
			start = i
			continue
		}
		i += size
	}
	dst = append(dst, s[start:]...)
	dst = append(dst, '"')
	return dst
}

// appendCompact appends valid JSON with insignificant whitespace removed.
func appendCompact(dst, src []byte) []byte {
	inString, escaped := false, false
	for _, c := range src {
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && (c == ' ' || c == '\t' || c == '\n' || c == '\r'):
			continue
		}
		dst = append(dst, c)
	}
	return dst
}
