// Package canon normalizes mapping documents so that semantically equal
// edits produce byte-identical text.
//
// The rules are specific to mapping files: editor bookkeeping keys are
// dropped, header names are case-folded, object keys are sorted, and the
// top-level mappings array is ordered by a derived key. Request and response
// bodies are user data and are reproduced exactly as declared.
package canon

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
)

var volatileKeys = map[string]struct{}{
	"id":             {},
	"uuid":           {},
	"updatedAt":      {},
	"insertionIndex": {},
}

// payloadKeys name the roots of subtrees holding user payloads.
var payloadKeys = map[string]struct{}{
	"body":         {},
	"jsonBody":     {},
	"bodyPatterns": {},
	"base64Body":   {},
}

var urlKeys = []string{"url", "urlPath", "urlPattern", "urlPathPattern"}

const (
	headersKey  = "headers"
	mappingsKey = "mappings"
	indent      = "  "
)

type member struct {
	key   string
	value any
}

// object keeps members in declaration order.
type object []member

func (o object) get(key string) any {
	for _, m := range o {
		if m.key == key {
			return m.value
		}
	}
	return nil
}

// set replaces an existing key in place, matching how JSON parsers treat
// duplicate keys: first position, last value.
func (o object) set(key string, value any) object {
	for i := range o {
		if o[i].key == key {
			o[i].value = value
			return o
		}
	}
	return append(o, member{key: key, value: value})
}

// Canonicalize returns the canonical form of text. Text that is not a single
// JSON value is returned with only line endings normalized.
func Canonicalize(text string) string {
	tree, err := parse(text)
	if err != nil {
		return normalizeLineEndings(text)
	}
	var buf bytes.Buffer
	write(&buf, walk(tree, "", false), 0)
	return buf.String()
}

func normalizeLineEndings(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

func parse(text string) (any, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty document")
	}
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON([]byte(text))))
	dec.UseNumber()
	tree, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after document")
	}
	return tree, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch delim {
	case '{':
		obj := object{}
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, ok := keyTok.(string)
			if !ok {
				return nil, fmt.Errorf("object key %v is not a string", keyTok)
			}
			value, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			obj = obj.set(key, value)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return obj, nil
	case '[':
		arr := make([]any, 0)
		for dec.More() {
			value, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, value)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return arr, nil
	}
	return nil, fmt.Errorf("unexpected delimiter %q", delim)
}

// walk canonicalizes value. key is the name the value is stored under, empty
// for array elements and the document root.
func walk(value any, key string, inPayload bool) any {
	switch v := value.(type) {
	case object:
		if inPayload {
			out := make(object, 0, len(v))
			for _, m := range v {
				out = append(out, member{key: m.key, value: walk(m.value, m.key, true)})
			}
			return out
		}
		out := make(object, 0, len(v))
		for _, m := range v {
			if _, drop := volatileKeys[m.key]; drop {
				continue
			}
			name := m.key
			if key == headersKey {
				name = strings.ToLower(name)
			}
			_, payload := payloadKeys[m.key]
			out = out.set(name, walk(m.value, m.key, payload))
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].key < out[j].key })
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = walk(item, "", inPayload)
		}
		if key == mappingsKey && !inPayload {
			sortMappings(out)
		}
		return out
	case string:
		return normalizeLineEndings(v)
	default:
		return v
	}
}

func sortMappings(items []any) {
	type keyed struct {
		sortKey string
		text    string
		value   any
	}
	entries := make([]keyed, len(items))
	for i, item := range items {
		var buf bytes.Buffer
		write(&buf, item, 0)
		entries[i] = keyed{sortKey: mappingSortKey(item), text: buf.String(), value: item}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].sortKey != entries[j].sortKey {
			return entries[i].sortKey < entries[j].sortKey
		}
		return entries[i].text < entries[j].text
	})
	for i := range entries {
		items[i] = entries[i].value
	}
}

func mappingSortKey(item any) string {
	obj, ok := item.(object)
	if !ok {
		return ""
	}
	if name, ok := obj.get("name").(string); ok && name != "" {
		return strings.ToLower(name)
	}
	method := requestField(obj, "method")
	url := ""
	for _, candidate := range urlKeys {
		if url = requestField(obj, candidate); url != "" {
			break
		}
	}
	return strings.ToLower(method + url)
}

func requestField(obj object, field string) string {
	if request, ok := obj.get("request").(object); ok {
		if value, ok := request.get(field).(string); ok && value != "" {
			return value
		}
	}
	value, _ := obj.get(field).(string)
	return value
}

func write(buf *bytes.Buffer, value any, depth int) {
	switch v := value.(type) {
	case object:
		if len(v) == 0 {
			buf.WriteString("{}")
			return
		}
		buf.WriteString("{\n")
		for i, m := range v {
			buf.WriteString(strings.Repeat(indent, depth+1))
			writeString(buf, m.key)
			buf.WriteString(": ")
			write(buf, m.value, depth+1)
			if i < len(v)-1 {
				buf.WriteByte(',')
			}
			buf.WriteByte('\n')
		}
		buf.WriteString(strings.Repeat(indent, depth))
		buf.WriteByte('}')
	case []any:
		if len(v) == 0 {
			buf.WriteString("[]")
			return
		}
		buf.WriteString("[\n")
		for i, item := range v {
			buf.WriteString(strings.Repeat(indent, depth+1))
			write(buf, item, depth+1)
			if i < len(v)-1 {
				buf.WriteByte(',')
			}
			buf.WriteByte('\n')
		}
		buf.WriteString(strings.Repeat(indent, depth))
		buf.WriteByte(']')
	case string:
		writeString(buf, v)
	case json.Number:
		buf.WriteString(v.String())
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case nil:
		buf.WriteString("null")
	default:
		fmt.Fprintf(buf, "%v", v)
	}
}

func writeString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
}
