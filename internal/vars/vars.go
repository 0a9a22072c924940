// Package vars holds the namespaced template variables derived from a request.
package vars

import (
	"io"
	"strings"

	"github.com/valyala/fasttemplate"
)

const encodedSuffix = ":encoded"

// Variables is an ordered, immutable set of "namespace:key" template variables.
// Every entry carries a URI-encoded twin under "namespace:key:encoded".
type Variables struct {
	keys   []string
	values map[string]string
}

// Builder accumulates variables before they are frozen with Build.
type Builder struct {
	v *Variables
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{v: &Variables{values: make(map[string]string)}}
}

// Set stores value under namespace:key along with its encoded twin.
// Setting an existing key replaces its value but keeps its position.
func (b *Builder) Set(namespace, key, value string) *Builder {
	b.v.set(namespace+":"+key, value)
	return b
}

// Get returns a value already set on the builder.
func (b *Builder) Get(name string) (string, bool) {
	return b.v.Get(name)
}

// Render evaluates tmpl against the variables gathered so far.
func (b *Builder) Render(tmpl string) string {
	return b.v.Render(tmpl)
}

// Build freezes the builder. The builder must not be used afterwards.
func (b *Builder) Build() *Variables {
	v := b.v
	b.v = nil
	return v
}

func (v *Variables) set(name, value string) {
	for _, k := range [2]string{name, name + encodedSuffix} {
		if _, ok := v.values[k]; !ok {
			v.keys = append(v.keys, k)
		}
	}
	v.values[name] = value
	v.values[name+encodedSuffix] = EscapeComponent(value)
}

// Get returns the value stored under name, e.g. "cookie:session".
func (v *Variables) Get(name string) (string, bool) {
	if v == nil {
		return "", false
	}
	s, ok := v.values[name]
	return s, ok
}

// Len returns the number of entries, encoded twins included.
func (v *Variables) Len() int {
	if v == nil {
		return 0
	}
	return len(v.keys)
}

// Keys returns the entry names in insertion order.
func (v *Variables) Keys() []string {
	if v == nil {
		return nil
	}
	return append([]string(nil), v.keys...)
}

// With returns a copy of v extended with name=value. v itself is unchanged.
// The second result reports whether name was already present.
func (v *Variables) With(name, value string) (*Variables, bool) {
	out := &Variables{
		keys:   make([]string, 0, v.Len()+2),
		values: make(map[string]string, v.Len()+2),
	}
	if v != nil {
		out.keys = append(out.keys, v.keys...)
		for k, s := range v.values {
			out.values[k] = s
		}
	}
	_, existed := out.values[name]
	out.set(name, value)
	return out, existed
}

// Render replaces every {{namespace:key}} tag in tmpl. Unknown tags render empty.
func (v *Variables) Render(tmpl string) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return fasttemplate.ExecuteFuncString(tmpl, "{{", "}}", func(w io.Writer, tag string) (int, error) {
		s, _ := v.Get(strings.TrimSpace(tag))
		return io.WriteString(w, s)
	})
}

// EscapeComponent percent-encodes s for use as one URI component. Only
// letters, digits and -_.!~*'() are left as is, so query delimiters such as
// & = + ? and / are always escaped.
func EscapeComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreservedComponent(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func unreservedComponent(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", c) >= 0
}
