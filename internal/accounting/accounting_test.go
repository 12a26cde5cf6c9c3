package accounting

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "accounting.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecentRoundtrip(t *testing.T) {
	s := openTestStore(t)

	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 3; i++ {
		r := Record{
			UserID:     uint32(i + 1),
			RemoteID:   uint32(100 + i),
			TargetAddr: "example.com:80",
			BytesUp:    int64(i) * 10,
			BytesDown:  int64(i) * 20,
			OpenedAt:   base,
			ClosedAt:   base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.Append(r))
	}

	recent, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, uint32(3), recent[0].UserID)
	assert.Equal(t, uint32(1), recent[2].UserID)
}

func TestRecentRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(Record{
			UserID:   uint32(i),
			ClosedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	recent, err := s.Recent(2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestRecentEmptyStore(t *testing.T) {
	s := openTestStore(t)
	recent, err := s.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}
