// Package state holds the runtime state that survives a hot restart and the
// codec that turns it into a token passed to the successor process.
//
// A State maps keys to JSON values. Values are stored compacted, so two
// States holding equal values compare equal and encode to the same token.
// State is not safe for concurrent use: it is owned by the event loop and
// only touched from loop units.
package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// State is the mutable runtime state of a bot process.
type State struct {
	entries map[string]json.RawMessage
}

// New returns an empty State.
func New() *State {
	return &State{entries: make(map[string]json.RawMessage)}
}

// Set stores v under key. v must be JSON serialisable.
func (s *State) Set(key string, v any) error {
	if key == "" {
		return fmt.Errorf("state key cannot be empty")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal state value %q: %w", key, err)
	}
	return s.SetRaw(key, raw)
}

// SetRaw stores an already encoded JSON value under key.
func (s *State) SetRaw(key string, raw json.RawMessage) error {
	if key == "" {
		return fmt.Errorf("state key cannot be empty")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return fmt.Errorf("invalid JSON for state key %q: %w", key, err)
	}
	s.entries[key] = buf.Bytes()
	return nil
}

// Get decodes the value stored under key into v. It reports false when the
// key is absent, in which case v is left untouched.
func (s *State) Get(key string, v any) (bool, error) {
	raw, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("failed to unmarshal state value %q: %w", key, err)
	}
	return true, nil
}

// Raw returns the encoded value under key.
func (s *State) Raw(key string) (json.RawMessage, bool) {
	raw, ok := s.entries[key]
	return raw, ok
}

// Has reports whether key is present.
func (s *State) Has(key string) bool {
	_, ok := s.entries[key]
	return ok
}

// Delete removes key.
func (s *State) Delete(key string) {
	delete(s.entries, key)
}

// Keys returns the keys in sorted order.
func (s *State) Keys() []string {
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys.
func (s *State) Len() int {
	return len(s.entries)
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := New()
	for k, v := range s.entries {
		c.entries[k] = append(json.RawMessage(nil), v...)
	}
	return c
}

// Equal reports whether both states hold the same keys and values.
func (s *State) Equal(other *State) bool {
	if s == nil || other == nil {
		return s == other
	}
	if len(s.entries) != len(other.entries) {
		return false
	}
	for k, v := range s.entries {
		ov, ok := other.entries[k]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}

// Snapshot is everything handed to a successor: the runtime state and the
// table of inherited file descriptors, keyed by the name of the handler
// resource that owns them.
type Snapshot struct {
	State *State
	Files map[string]int
}
