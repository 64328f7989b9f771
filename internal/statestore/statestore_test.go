package statestore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := widget{Name: "gizmo", Count: 3}
	require.NoError(t, s.Upsert(ctx, "widgets", "w1", w))

	var got widget
	found, err := s.Get(ctx, "widgets", "w1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, w, got)
}

func TestGetMissingKeyReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	var got widget
	found, err := s.Get(context.Background(), "widgets", "missing", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "widgets", "w1", widget{Name: "a"}))
	require.NoError(t, s.Delete(ctx, "widgets", "w1"))
	require.NoError(t, s.Delete(ctx, "widgets", "w1"))

	found, err := s.Get(ctx, "widgets", "w1", nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestScanTableVisitsAllRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, name := range []string{"a", "b", "c"} {
		require.NoError(t, s.Upsert(ctx, "widgets", name, widget{Name: name, Count: i}))
	}

	seen := map[string]widget{}
	err := s.ScanTable(ctx, "widgets", func(id string, _ time.Time, payload json.RawMessage) error {
		var w widget
		if err := json.Unmarshal(payload, &w); err != nil {
			return err
		}
		seen[id] = w
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 3)
	assert.Equal(t, 1, seen["b"].Count)
}

func TestExtractionRangeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r, err := s.RestoreExtractedRange(ctx, "routines")
	require.NoError(t, err)
	assert.Zero(t, r.Cursor)

	want := ExtractionRange{Cursor: "abc123"}
	require.NoError(t, s.SaveExtractedRange(ctx, "routines", want))

	got, err := s.RestoreExtractedRange(ctx, "routines")
	require.NoError(t, err)
	assert.Equal(t, want.Cursor, got.Cursor)
}
