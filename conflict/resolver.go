// Package conflict resolves a locally intended write against the document
// currently stored remotely.
package conflict

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Strategy selects how client and server data are combined.
type Strategy string

const (
	ClientWins Strategy = "client_wins"
	ServerWins Strategy = "server_wins"
	Merge      Strategy = "merge"
	Manual     Strategy = "manual"
)

// ConflictsKey is the field manual resolution writes the conflict list into.
const ConflictsKey = "_conflicts"

// Document is a path-addressed document body.
type Document = map[string]any

// MergeFunc combines client and server data for the merge strategy.
type MergeFunc func(client, server Document) Document

// Conflict is a field present on both sides with differing values.
type Conflict struct {
	Field       string `json:"field" yaml:"field"`
	ClientValue any    `json:"clientValue" yaml:"clientValue"`
	ServerValue any    `json:"serverValue" yaml:"serverValue"`
}

// Options configures a single resolution.
type Options struct {
	Strategy  Strategy
	MergeFunc MergeFunc
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Data      Document
	Conflicts []Conflict
}

// ParseStrategy converts a configuration string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case ClientWins, "client":
		return ClientWins, nil
	case ServerWins, "server":
		return ServerWins, nil
	case Merge:
		return Merge, nil
	case Manual, "manual_review":
		return Manual, nil
	default:
		return "", fmt.Errorf("unknown conflict strategy: %q", s)
	}
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case ClientWins, ServerWins, Merge, Manual:
		return true
	}
	return false
}

// IsMetadataKey reports whether key is bookkeeping such as updatedAt.
func IsMetadataKey(key string) bool {
	return strings.HasSuffix(key, "At")
}

// IsPrivateKey reports whether key is internal to the engine.
func IsPrivateKey(key string) bool {
	return strings.HasPrefix(key, "_")
}

// Resolve combines client and server data. Inputs are never modified.
// Conflicts are detected for every strategy; only Manual writes them into the result.
func Resolve(client, server Document, opts Options) Resolution {
	conflicts := DetectConflicts(client, server)

	var data Document
	switch opts.Strategy {
	case ServerWins:
		data = copyDoc(client)
		for k, v := range server {
			data[k] = v
		}
	case Merge:
		if opts.MergeFunc != nil {
			data = opts.MergeFunc(copyDoc(client), copyDoc(server))
			if data == nil {
				data = Document{}
			}
		} else {
			data = mergeByKey(client, server)
		}
	case Manual:
		data = copyDoc(client)
		data[ConflictsKey] = conflicts
	default:
		data = copyDoc(client)
	}

	return Resolution{Data: data, Conflicts: conflicts}
}

// mergeByKey lets the server win metadata keys and the client win everything else.
func mergeByKey(client, server Document) Document {
	out := make(Document, len(client)+len(server))
	for k, v := range server {
		out[k] = v
	}
	for k, v := range client {
		if _, onServer := server[k]; onServer && IsMetadataKey(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// DetectConflicts returns the fields present on both sides with unequal values,
// ignoring metadata and private keys, sorted by field name.
func DetectConflicts(client, server Document) []Conflict {
	conflicts := []Conflict{}
	for k, cv := range client {
		if IsMetadataKey(k) || IsPrivateKey(k) {
			continue
		}
		sv, ok := server[k]
		if !ok {
			continue
		}
		if !reflect.DeepEqual(cv, sv) {
			conflicts = append(conflicts, Conflict{Field: k, ClientValue: cv, ServerValue: sv})
		}
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Field < conflicts[j].Field })
	return conflicts
}

func copyDoc(d Document) Document {
	out := make(Document, len(d)+1)
	for k, v := range d {
		out[k] = v
	}
	return out
}
