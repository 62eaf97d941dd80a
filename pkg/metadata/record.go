// Package metadata provides the flat key/value records compared between MRD
// file headers and XNAT scan data fields.
package metadata

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Record maps path-like keys (e.g. "encoding/encodedSpace/matrixSize/x") to
// scalar values rendered as strings.
type Record map[string]string

// Get returns the value stored under key.
func (r Record) Get(key string) (string, bool) {
	v, ok := r[key]
	return v, ok
}

// Set stores value under key, formatting non-string scalars with %v.
func (r Record) Set(key string, value any) {
	switch v := value.(type) {
	case string:
		r[key] = v
	case nil:
		r[key] = ""
	default:
		r[key] = fmt.Sprintf("%v", v)
	}
}

// Delete removes key and returns its previous value.
func (r Record) Delete(key string) (string, bool) {
	v, ok := r[key]
	if ok {
		delete(r, key)
	}
	return v, ok
}

// Rename moves the value at oldKey to newKey. It returns false when oldKey
// is absent.
func (r Record) Rename(oldKey, newKey string) bool {
	v, ok := r.Delete(oldKey)
	if !ok {
		return false
	}
	r[newKey] = v
	return true
}

// Keys returns the record keys in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// WithPrefix returns the entries whose key starts with prefix, with the
// prefix stripped. Entries with empty values are skipped.
func (r Record) WithPrefix(prefix string) Record {
	out := Record{}
	for k, v := range r {
		if !strings.HasPrefix(k, prefix) || v == "" {
			continue
		}
		out[strings.TrimPrefix(k, prefix)] = v
	}
	return out
}

// Mismatch describes a key whose expected value differs from the observed one.
type Mismatch struct {
	Key      string
	Expected string
	Observed string
	Missing  bool
}

// String renders the mismatch for test output.
func (m Mismatch) String() string {
	if m.Missing {
		return fmt.Sprintf("%s: expected %q, key missing", m.Key, m.Expected)
	}
	return fmt.Sprintf("%s: expected %q, observed %q", m.Key, m.Expected, m.Observed)
}

// Diff compares every key of expected against observed. Keys present only in
// observed are ignored. The result is sorted by key.
func Diff(expected, observed Record) []Mismatch {
	var out []Mismatch
	for _, k := range expected.Keys() {
		want := expected[k]
		got, ok := observed[k]
		switch {
		case !ok:
			out = append(out, Mismatch{Key: k, Expected: want, Missing: true})
		case !equalScalar(want, got):
			out = append(out, Mismatch{Key: k, Expected: want, Observed: got})
		}
	}
	return out
}

// equalScalar compares two scalar renderings. XNAT stores numeric fields
// typed, so "512" and "512.0" compare equal.
func equalScalar(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == b {
		return true
	}
	x, errA := strconv.ParseFloat(a, 64)
	y, errB := strconv.ParseFloat(b, 64)
	if errA != nil || errB != nil {
		return false
	}
	return x == y
}
