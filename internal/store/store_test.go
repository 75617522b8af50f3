package store

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "evidence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReportRoundTrip(t *testing.T) {
	s := openTemp(t)

	r := &Report{
		EnclaveID:   3,
		EnclaveHash: bytes.Repeat([]byte{0xaa}, 64),
		UserData:    []byte("user data"),
		Raw:         bytes.Repeat([]byte{1, 2, 3}, 100),
	}
	id, err := s.PutReport(r)
	require.NoError(t, err)
	assert.Positive(t, id)

	got, err := s.Reports()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, r.EnclaveID, got[0].EnclaveID)
	assert.Equal(t, r.EnclaveHash, got[0].EnclaveHash)
	assert.Equal(t, r.UserData, got[0].UserData)
	assert.Equal(t, r.Raw, got[0].Raw)
	assert.False(t, got[0].CreatedAt.IsZero())
}

func TestChainRoundTripAndOrder(t *testing.T) {
	s := openTemp(t)

	for i := 0; i < 3; i++ {
		_, err := s.PutChain(&Chain{
			EnclaveID: uint32(i),
			LAK:       []byte{byte(i), 1},
			SM:        []byte{byte(i), 2},
			Dev:       []byte{byte(i), 3},
		})
		require.NoError(t, err)
	}

	got, err := s.Chains()
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, c := range got {
		assert.Equal(t, uint32(i), c.EnclaveID, "oldest first")
		assert.Equal(t, []byte{byte(i), 1}, c.LAK)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evidence.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.PutReport(&Report{EnclaveID: 1, EnclaveHash: []byte{1}, UserData: []byte{2}, Raw: []byte{3}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.Reports()
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
