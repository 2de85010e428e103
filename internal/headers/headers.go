// Package headers implements the Headers entity (§3): an ordered sequence
// of header lines supporting get-all, get-first, add-at-index,
// remove-all-by-key, and byte-exact round-trip rendering.
//
// Grounded on the header-folding/rendering conventions used throughout
// internal/target/received.go and internal/dsn/dsn.go (textproto.Header
// construction), reimplemented as a standalone ordered list since this
// engine receives raw header bytes from the message store rather than
// building them from a parsed MIME tree.
package headers

import (
	"bytes"
	"strings"
)

// Field is one header line: the lowercase key (text before the first
// colon) and the raw line exactly as received (folding continuations
// included, with their original line terminators).
type Field struct {
	Key string
	Raw string
}

// Headers is an ordered list of header Fields. The zero value is an empty
// header block.
type Headers struct {
	fields []Field
	// mutated tracks whether Add/Remove/AddAtIndex has been called since
	// Parse, so Build knows whether it must re-render with CRLF endings
	// even if the original used bare LF.
	mutated bool
}

// splitLines splits raw into lines, each including its original terminator
// (so Build can reproduce it byte-for-byte when nothing has been mutated).
func splitLines(raw []byte) []string {
	var lines []string
	for len(raw) > 0 {
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			lines = append(lines, string(raw))
			break
		}
		lines = append(lines, string(raw[:idx+1]))
		raw = raw[idx+1:]
	}
	return lines
}

func stripEOL(line string) string {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line
}

// Parse splits raw into header Fields, joining folded continuation lines
// (leading SP/HTAB) onto the preceding field, per RFC 5322 §2.2.3. Parsing
// stops at the first empty line (the header/body separator).
func Parse(raw []byte) (*Headers, error) {
	h := &Headers{}

	for _, line := range splitLines(raw) {
		if stripEOL(line) == "" {
			break
		}
		if (line[0] == ' ' || line[0] == '\t') && len(h.fields) > 0 {
			last := &h.fields[len(h.fields)-1]
			last.Raw += line
			continue
		}
		body := stripEOL(line)
		idx := strings.IndexByte(body, ':')
		key := body
		if idx >= 0 {
			key = body[:idx]
		}
		h.fields = append(h.fields, Field{
			Key: strings.ToLower(strings.TrimSpace(key)),
			Raw: line,
		})
	}
	return h, nil
}

// GetAll returns every field's raw line whose key matches (case-insensitive
// key, already normalized by Parse).
func (h *Headers) GetAll(key string) []string {
	key = strings.ToLower(key)
	var out []string
	for _, f := range h.fields {
		if f.Key == key {
			out = append(out, f.Raw)
		}
	}
	return out
}

// GetFirst returns the first field's raw line matching key, or "" if absent.
func (h *Headers) GetFirst(key string) string {
	key = strings.ToLower(key)
	for _, f := range h.fields {
		if f.Key == key {
			return f.Raw
		}
	}
	return ""
}

// Has reports whether any field with the given key exists.
func (h *Headers) Has(key string) bool {
	key = strings.ToLower(key)
	for _, f := range h.fields {
		if f.Key == key {
			return true
		}
	}
	return false
}

// AddAtIndex inserts a new header raw line at position idx (0 = top), the
// way the Pipeline Composer prepends Received: and DKIM-Signature: headers.
func (h *Headers) AddAtIndex(idx int, key, raw string) {
	f := Field{Key: strings.ToLower(key), Raw: raw}
	if idx < 0 {
		idx = 0
	}
	if idx > len(h.fields) {
		idx = len(h.fields)
	}
	h.fields = append(h.fields, Field{})
	copy(h.fields[idx+1:], h.fields[idx:])
	h.fields[idx] = f
	h.mutated = true
}

// Add appends a header at the end of the block.
func (h *Headers) Add(key, raw string) {
	h.AddAtIndex(len(h.fields), key, raw)
}

// RemoveAll deletes every field with the given key.
func (h *Headers) RemoveAll(key string) {
	key = strings.ToLower(key)
	kept := h.fields[:0]
	for _, f := range h.fields {
		if f.Key != key {
			kept = append(kept, f)
		}
	}
	if len(kept) != len(h.fields) {
		h.mutated = true
	}
	h.fields = kept
}

// Build renders the canonical header block. When no mutation has occurred
// since Parse, the original bytes are reproduced exactly (Build(Parse(h))
// == h byte-for-byte); once any Add/AddAtIndex/RemoveAll call has run,
// every field — mutated or not — is re-rendered with CRLF line endings.
func (h *Headers) Build() []byte {
	var buf bytes.Buffer
	for _, f := range h.fields {
		if !h.mutated {
			buf.WriteString(f.Raw)
			continue
		}
		parts := strings.Split(f.Raw, "\n")
		if len(parts) > 0 && parts[len(parts)-1] == "" {
			parts = parts[:len(parts)-1]
		}
		for _, line := range parts {
			buf.WriteString(stripEOL(line))
			buf.WriteString("\r\n")
		}
	}
	return buf.Bytes()
}

// Clone returns an independent copy: mutating the result (AddAtIndex, Add,
// RemoveAll) never affects h. The Pipeline Composer clones per delivery
// attempt so a Received:/DKIM-Signature: header added while trying one
// exchanger doesn't leak into the retry against the next one.
func (h *Headers) Clone() *Headers {
	out := &Headers{
		fields:  make([]Field, len(h.fields)),
		mutated: h.mutated,
	}
	copy(out.fields, h.fields)
	return out
}

// Fields returns a defensive copy of the ordered field list.
func (h *Headers) Fields() []Field {
	out := make([]Field, len(h.fields))
	copy(out, h.fields)
	return out
}
