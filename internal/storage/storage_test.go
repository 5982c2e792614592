package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apifallback/internal/models"
)

func entryAt(ts time.Time, selected string) models.StatusEntry {
	status := 200
	return models.StatusEntry{
		Timestamp: ts,
		Mode:      "development",
		Selected:  selected,
		Role:      models.RolePrimary,
		Checks: []models.ProbeResult{
			{URL: selected, Reachable: true, ElapsedMillis: 12, HTTPStatus: &status, CheckedAt: ts},
		},
	}
}

func TestFileStoreAppendAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.json")
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	s, err := NewFileStore(path, 0)
	require.NoError(t, err)

	_, ok := s.Latest()
	assert.False(t, ok)
	assert.Empty(t, s.HistoryN(10))

	require.NoError(t, s.Append(entryAt(base, "https://a")))
	require.NoError(t, s.Append(entryAt(base.Add(time.Minute), "http://b")))

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, "http://b", latest.Selected)

	reloaded, err := NewFileStore(path, 0)
	require.NoError(t, err)
	history := reloaded.HistoryN(0)
	require.Len(t, history, 2)
	assert.Equal(t, "https://a", history[0].Selected)
	assert.Equal(t, 200, *history[0].Checks[0].HTTPStatus)
	assert.True(t, history[1].Timestamp.Equal(base.Add(time.Minute)))

	matches, err := filepath.Glob(path + ".*.tmp")
	require.NoError(t, err)
	assert.Empty(t, matches, "temp files must be renamed away")
}

func TestFileStoreCapAndHistoryN(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "history.json"), 3)
	require.NoError(t, err)

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(entryAt(base.Add(time.Duration(i)*time.Minute), "https://a")))
	}

	all := s.HistoryN(0)
	require.Len(t, all, 3)
	assert.True(t, all[0].Timestamp.Equal(base.Add(2*time.Minute)))

	last2 := s.HistoryN(2)
	require.Len(t, last2, 2)
	assert.True(t, last2[1].Timestamp.Equal(base.Add(4*time.Minute)))

	// mutating the copy must not leak back
	last2[0].Selected = "mutated"
	assert.NotEqual(t, "mutated", s.HistoryN(2)[0].Selected)
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewFileStore(path, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse history")
}

func TestFileStoreEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	s, err := NewFileStore(path, 0)
	require.NoError(t, err)
	assert.Empty(t, s.HistoryN(0))
	assert.NoError(t, s.Close())
}
