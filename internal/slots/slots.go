// Package slots lifts named regions out of a fragment and places them into a
// layout.
//
// A region starts at an element carrying cx-use-slot="<name>" and ends where
// that element closes; the element itself is not part of the region. A marker
// with the same name inside an open region is ordinary content. Regions with
// the same name concatenate in document order. A layout receives regions in
// elements carrying cx-define-slot="<name>".
package slots

import (
	"bytes"
	"errors"
	"io"

	"golang.org/x/net/html"
)

// Marker attributes.
const (
	UseAttr    = "cx-use-slot"
	DefineAttr = "cx-define-slot"
)

// Map holds serialized inner markup by slot name.
type Map map[string]string

type frame struct {
	name string
	tag  string
	// nest counts open elements with the same tag opened inside this slot.
	nest int
	buf  bytes.Buffer
}

// Extract scans r once and returns every slot it contains.
func Extract(r io.Reader) (Map, error) {
	out := Map{}
	z := html.NewTokenizer(r)
	var stack []*frame

	write := func(b []byte) {
		if len(stack) > 0 {
			stack[len(stack)-1].buf.Write(b)
		}
	}
	closeTop := func() {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out[top.name] += top.buf.String()
	}

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return nil, err
			}
			break
		}
		raw := append([]byte(nil), z.Raw()...)

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			void := tt == html.SelfClosingTagToken || isVoid(tok.Data)
			name, marked := attr(tok, UseAttr)
			if marked && !open(stack, name) {
				if void {
					out[name] += ""
					continue
				}
				countOpen(stack, tok.Data)
				stack = append(stack, &frame{name: name, tag: tok.Data})
				continue
			}
			if void {
				write(selfClosing(tok))
				continue
			}
			countOpen(stack, tok.Data)
			write(raw)

		case html.EndTagToken:
			tok := z.Token()
			if n := len(stack); n > 0 && stack[n-1].tag == tok.Data && stack[n-1].nest == 0 {
				closeTop()
				countClose(stack, tok.Data)
				continue
			}
			countClose(stack, tok.Data)
			write(raw)

		default:
			write(raw)
		}
	}

	for len(stack) > 0 {
		closeTop()
	}
	return out, nil
}

// Fill replaces the inner markup of every cx-define-slot element in layout
// whose name is present in slots. Other markup is copied unchanged.
func Fill(layout io.Reader, slots Map) ([]byte, error) {
	var out bytes.Buffer
	z := html.NewTokenizer(layout)

	// While skipping, tag is the element being filled and depth counts
	// nested elements of the same tag.
	var (
		skipping bool
		tag      string
		depth    int
	)

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return nil, err
			}
			return out.Bytes(), nil
		}
		raw := z.Raw()

		if skipping {
			switch tt {
			case html.StartTagToken:
				if name, _ := z.TagName(); string(name) == tag {
					depth++
				}
			case html.EndTagToken:
				if name, _ := z.TagName(); string(name) == tag {
					if depth == 0 {
						skipping = false
						out.Write(raw)
						continue
					}
					depth--
				}
			}
			continue
		}

		out.Write(raw)
		if tt != html.StartTagToken {
			continue
		}
		tok := z.Token()
		if isVoid(tok.Data) {
			continue
		}
		name, ok := attr(tok, DefineAttr)
		if !ok {
			continue
		}
		content, ok := slots[name]
		if !ok {
			continue
		}
		out.WriteString(content)
		skipping, tag, depth = true, tok.Data, 0
	}
}

func attr(tok html.Token, key string) (string, bool) {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func open(stack []*frame, name string) bool {
	for _, f := range stack {
		if f.name == name {
			return true
		}
	}
	return false
}

func countOpen(stack []*frame, tag string) {
	for _, f := range stack {
		if f.tag == tag {
			f.nest++
		}
	}
}

func countClose(stack []*frame, tag string) {
	for _, f := range stack {
		if f.tag == tag && f.nest > 0 {
			f.nest--
		}
	}
}

// selfClosing serializes a void element as <tag/>.
func selfClosing(tok html.Token) []byte {
	tok.Type = html.SelfClosingTagToken
	return []byte(tok.String())
}

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

func isVoid(tag string) bool { return voidElements[tag] }
