package state

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"sort"
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"
)

const (
	// Magic prefixes every token.
	Magic = "sinap"
	// Version is the codec version embedded in tokens. Tokens carrying any
	// other version are rejected.
	Version = 1

	// DefaultMaxSize keeps a token below the Linux per-argument limit
	// (MAX_ARG_STRLEN, 128 KiB).
	DefaultMaxSize = 96 * 1024
)

// Token is the transport form of a Snapshot. It only contains characters
// from [A-Za-z0-9._-] and is safe to pass as a single argv element.
type Token string

// String hides the payload so tokens can be logged.
func (t Token) String() string {
	s := string(t)
	if len(s) <= 16 {
		return "***"
	}
	return s[:12] + "..." + s[len(s)-4:]
}

// Size returns the token length in bytes.
func (t Token) Size() int { return len(t) }

// payload is the wire document. Field order is fixed; state keys are
// sorted before encoding.
type payload struct {
	State []entry      `json:"state"`
	Files []fileRecord `json:"files,omitempty"`
}

type entry struct {
	Key   string          `json:"k"`
	Value json.RawMessage `json:"v"`
}

type fileRecord struct {
	Name string `json:"name"`
	FD   int    `json:"fd"`
}

// Codec encodes and decodes snapshots.
// The zero value is usable and applies DefaultMaxSize.
type Codec struct {
	MaxSize int
}

// NewCodec returns a Codec with the given token size limit.
// A non-positive limit selects DefaultMaxSize.
func NewCodec(maxSize int) *Codec {
	return &Codec{MaxSize: maxSize}
}

func (c *Codec) maxSize() int {
	if c == nil || c.MaxSize <= 0 {
		return DefaultMaxSize
	}
	return c.MaxSize
}

var encoding = base64.RawURLEncoding

// Encode serialises snap into a token. Equal snapshots always produce
// identical tokens.
func (c *Codec) Encode(snap Snapshot) (Token, error) {
	doc := payload{}
	if snap.State != nil {
		for _, key := range snap.State.Keys() {
			doc.State = append(doc.State, entry{Key: key, Value: snap.State.entries[key]})
		}
	}
	if doc.State == nil {
		doc.State = []entry{}
	}

	names := make([]string, 0, len(snap.Files))
	for name := range snap.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fd := snap.Files[name]
		if name == "" {
			return "", &EncodeError{Err: fmt.Errorf("inherited file with empty name")}
		}
		if fd < 0 {
			return "", &EncodeError{Err: fmt.Errorf("inherited file %q has invalid descriptor %d", name, fd)}
		}
		doc.Files = append(doc.Files, fileRecord{Name: name, FD: fd})
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return "", &EncodeError{Err: err}
	}
	raw := bytes.TrimSuffix(buf.B, []byte("\n"))

	body := encoding.EncodeToString(raw)
	version := strconv.Itoa(Version)
	sum := checksum(version, body)

	token := Token(Magic + "." + version + "." + body + "." + sum)
	if limit := c.maxSize(); len(token) > limit {
		return "", &EncodeError{Err: fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(token), limit)}
	}
	return token, nil
}

// Decode parses a token. Any deviation from the expected format fails
// with a *DecodeError; Decode never falls back to an empty state.
func (c *Codec) Decode(token Token) (Snapshot, error) {
	s := string(token)
	if s == "" {
		return Snapshot{}, corrupt("empty token", nil)
	}
	if len(s) > c.maxSize() {
		return Snapshot{}, corrupt("token exceeds size limit", nil)
	}

	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return Snapshot{}, corrupt(fmt.Sprintf("expected 4 segments, got %d", len(parts)), nil)
	}
	if parts[0] != Magic {
		return Snapshot{}, corrupt("bad magic", nil)
	}
	version, err := strconv.Atoi(parts[1])
	if err != nil {
		return Snapshot{}, corrupt("bad version tag", err)
	}
	if version != Version {
		return Snapshot{}, corrupt(fmt.Sprintf("version mismatch: token v%d, codec v%d", version, Version), nil)
	}
	if sum := checksum(parts[1], parts[2]); sum != parts[3] {
		return Snapshot{}, corrupt("checksum mismatch", nil)
	}

	raw, err := encoding.DecodeString(parts[2])
	if err != nil {
		return Snapshot{}, corrupt("bad base64 payload", err)
	}

	var doc payload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return Snapshot{}, corrupt("bad payload", err)
	}
	if dec.More() {
		return Snapshot{}, corrupt("trailing data after payload", nil)
	}
	if doc.State == nil {
		return Snapshot{}, corrupt("missing state section", nil)
	}

	st := New()
	for _, e := range doc.State {
		if e.Key == "" {
			return Snapshot{}, corrupt("empty state key", nil)
		}
		if st.Has(e.Key) {
			return Snapshot{}, corrupt(fmt.Sprintf("duplicate state key %q", e.Key), nil)
		}
		if err := st.SetRaw(e.Key, e.Value); err != nil {
			return Snapshot{}, corrupt("bad state value", err)
		}
	}

	snap := Snapshot{State: st}
	if len(doc.Files) > 0 {
		snap.Files = make(map[string]int, len(doc.Files))
		used := make(map[int]bool, len(doc.Files))
		for _, f := range doc.Files {
			if f.Name == "" || f.FD < 0 {
				return Snapshot{}, corrupt("invalid inherited file record", nil)
			}
			if _, dup := snap.Files[f.Name]; dup || used[f.FD] {
				return Snapshot{}, corrupt(fmt.Sprintf("duplicate inherited file %q", f.Name), nil)
			}
			snap.Files[f.Name] = f.FD
			used[f.FD] = true
		}
	}
	return snap, nil
}

func checksum(version, body string) string {
	h := crc32.NewIEEE()
	h.Write([]byte(version))
	h.Write([]byte{'.'})
	h.Write([]byte(body))
	return fmt.Sprintf("%08x", h.Sum32())
}
