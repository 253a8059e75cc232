// Package multipart implements the broker's multipart/form-data codec.
// Nested field values are flattened into bracketed names (parent[child],
// parent[] for sequence elements) and part order survives a round trip
// through Encode and Decode.
package multipart

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// File is an attachment to encode as a file part.
type File struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Part is one form part, either a plain field (Filename empty) or a file.
type Part struct {
	Name        string
	Filename    string
	ContentType string
	Value       []byte
}

// Encoder accumulates parts in insertion order and renders the form-data body.
type Encoder struct {
	parts []Part
}

// NewEncoder returns an empty encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// AddField adds a field. Mappings and sequences are flattened recursively:
// {"a": {"b": "v"}} becomes a[b]=v and {"c": ["x","y"]} becomes c[]=x, c[]=y.
// Map keys are flattened in sorted order so output is deterministic.
func (e *Encoder) AddField(name string, value interface{}) {
	e.flatten(name, value)
}

// AddFile adds a file part. An empty contentType is sniffed from the content.
func (e *Encoder) AddFile(name, filename, contentType string, content []byte) {
	if contentType == "" {
		contentType = http.DetectContentType(content)
	}
	e.parts = append(e.parts, Part{
		Name:        name,
		Filename:    filename,
		ContentType: contentType,
		Value:       content,
	})
}

func (e *Encoder) flatten(name string, value interface{}) {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			e.flatten(name+"["+k+"]", v[k])
		}
	case []interface{}:
		for _, item := range v {
			e.flatten(name+"[]", item)
		}
	case []string:
		for _, item := range v {
			e.flatten(name+"[]", item)
		}
	case []byte:
		e.parts = append(e.parts, Part{Name: name, Value: append([]byte(nil), v...)})
	case nil:
		e.parts = append(e.parts, Part{Name: name, Value: []byte{}})
	default:
		e.parts = append(e.parts, Part{Name: name, Value: []byte(fmt.Sprint(v))})
	}
}

// Encode renders the accumulated parts. The boundary is random and re-drawn
// until it collides with no part payload.
func (e *Encoder) Encode() (body []byte, boundary string) {
	boundary = e.pickBoundary()

	var buf bytes.Buffer
	for _, p := range e.parts {
		buf.WriteString("--" + boundary + "\r\n")
		if p.Filename != "" {
			fmt.Fprintf(&buf, "Content-Disposition: form-data; name=%q; filename=%q\r\n", p.Name, p.Filename)
			fmt.Fprintf(&buf, "Content-Type: %s\r\n", p.ContentType)
			buf.WriteString("Content-Transfer-Encoding: binary\r\n")
		} else {
			fmt.Fprintf(&buf, "Content-Disposition: form-data; name=%q\r\n", p.Name)
		}
		buf.WriteString("\r\n")
		buf.Write(p.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("--" + boundary + "--\r\n\r\n")
	return buf.Bytes(), boundary
}

// ContentTypeFor returns the Content-Type header value for a boundary.
func ContentTypeFor(boundary string) string {
	return "multipart/form-data; boundary=" + boundary
}

// Encode is a convenience wrapper building an encoder from a field mapping and
// a file mapping. Map iteration order is not defined, so both maps are added
// in sorted key order.
func Encode(fields map[string]interface{}, files map[string]File) (body []byte, boundary string) {
	enc := NewEncoder()

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		enc.AddField(name, fields[name])
	}

	fileNames := make([]string, 0, len(files))
	for name := range files {
		fileNames = append(fileNames, name)
	}
	sort.Strings(fileNames)
	for _, name := range fileNames {
		f := files[name]
		enc.AddFile(name, f.Filename, f.ContentType, f.Content)
	}

	return enc.Encode()
}

func (e *Encoder) pickBoundary() string {
	for {
		candidate := strings.ReplaceAll(uuid.New().String(), "-", "")
		if !e.collides(candidate) {
			return candidate
		}
	}
}

func (e *Encoder) collides(boundary string) bool {
	needle := []byte(boundary)
	for _, p := range e.parts {
		if bytes.Contains(p.Value, needle) {
			return true
		}
	}
	return false
}
