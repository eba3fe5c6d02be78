package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_ClientWins(t *testing.T) {
	client := Document{"name": "local", "age": 30}
	server := Document{"name": "remote", "city": "Oslo"}

	res := Resolve(client, server, Options{Strategy: ClientWins})

	assert.Equal(t, Document{"name": "local", "age": 30}, res.Data)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "name", res.Conflicts[0].Field)
}

func TestResolve_ServerWinsForSharedKeys(t *testing.T) {
	client := Document{"a": 1, "b": "client", "c": true, "onlyClient": "x"}
	server := Document{"a": 2, "b": "server", "c": false, "onlyServer": "y"}

	res := Resolve(client, server, Options{Strategy: ServerWins})

	for k := range client {
		if sv, ok := server[k]; ok {
			assert.Equal(t, sv, res.Data[k], "key %s", k)
		}
	}
	assert.Equal(t, "x", res.Data["onlyClient"])
	assert.Equal(t, "y", res.Data["onlyServer"])
}

func TestResolve_DefaultMerge(t *testing.T) {
	client := Document{"title": "draft 2", "updatedAt": 200, "tags": []any{"a"}}
	server := Document{"title": "draft 1", "updatedAt": 100, "createdAt": 50}

	res := Resolve(client, server, Options{Strategy: Merge})

	assert.Equal(t, "draft 2", res.Data["title"])
	assert.Equal(t, 100, res.Data["updatedAt"])
	assert.Equal(t, 50, res.Data["createdAt"])
	assert.Equal(t, []any{"a"}, res.Data["tags"])
}

func TestResolve_CustomMergeFunc(t *testing.T) {
	sum := func(client, server Document) Document {
		return Document{"count": client["count"].(int) + server["count"].(int)}
	}

	res := Resolve(Document{"count": 2}, Document{"count": 3}, Options{Strategy: Merge, MergeFunc: sum})

	assert.Equal(t, Document{"count": 5}, res.Data)
}

func TestResolve_ManualAnnotatesConflicts(t *testing.T) {
	client := Document{"status": "done", "note": "same"}
	server := Document{"status": "open", "note": "same"}

	res := Resolve(client, server, Options{Strategy: Manual})

	assert.Equal(t, "done", res.Data["status"])
	conflicts, ok := res.Data[ConflictsKey].([]Conflict)
	require.True(t, ok)
	require.Len(t, conflicts, 1)
	assert.Equal(t, Conflict{Field: "status", ClientValue: "done", ServerValue: "open"}, conflicts[0])
}

func TestResolve_DoesNotMutateInputs(t *testing.T) {
	client := Document{"a": 1}
	server := Document{"a": 2, "b": 3}

	Resolve(client, server, Options{Strategy: ServerWins})
	Resolve(client, server, Options{Strategy: Manual})

	assert.Equal(t, Document{"a": 1}, client)
	assert.Equal(t, Document{"a": 2, "b": 3}, server)
}

func TestDetectConflicts(t *testing.T) {
	tests := []struct {
		name   string
		client Document
		server Document
		want   []string
	}{
		{"no overlap", Document{"a": 1}, Document{"b": 2}, nil},
		{"equal values", Document{"a": 1}, Document{"a": 1}, nil},
		{"absent on server", Document{"a": 1, "b": 2}, Document{"a": 1}, nil},
		{"metadata ignored", Document{"syncedAt": 1}, Document{"syncedAt": 2}, nil},
		{"private ignored", Document{"_rev": 1}, Document{"_rev": 2}, nil},
		{"nested deep equal", Document{"m": map[string]any{"x": 1}}, Document{"m": map[string]any{"x": 1}}, nil},
		{"sorted output", Document{"z": 1, "a": 1, "m": 1}, Document{"z": 2, "a": 2, "m": 2}, []string{"a", "m", "z"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conflicts := DetectConflicts(tt.client, tt.server)
			var fields []string
			for _, c := range conflicts {
				fields = append(fields, c.Field)
			}
			assert.Equal(t, tt.want, fields)
		})
	}
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("Server_Wins")
	require.NoError(t, err)
	assert.Equal(t, ServerWins, s)

	s, err = ParseStrategy("manual_review")
	require.NoError(t, err)
	assert.Equal(t, Manual, s)

	_, err = ParseStrategy("lww")
	assert.Error(t, err)
}

func FuzzResolveServerWins(f *testing.F) {
	f.Add("a", "x", "y")
	f.Add("updatedAt", "1", "2")
	f.Fuzz(func(t *testing.T, key, clientValue, serverValue string) {
		client := Document{key: clientValue}
		server := Document{key: serverValue}

		res := Resolve(client, server, Options{Strategy: ServerWins})
		if res.Data[key] != serverValue {
			t.Fatalf("server value lost for %q", key)
		}
		if clientValue != serverValue && !IsMetadataKey(key) && !IsPrivateKey(key) && len(res.Conflicts) != 1 {
			t.Fatalf("expected one conflict for %q, got %d", key, len(res.Conflicts))
		}
	})
}
