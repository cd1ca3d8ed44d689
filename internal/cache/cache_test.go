// SPDX-License-Identifier: MIT

package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	recs := map[string]RemoteHandle{
		"radiohead\x1fparanoid android\x1f2021-06-15T20:00:00Z": {
			URI: "at://did:plc:abc/fm.teal.alpha.feed.play/3jzfcijpj2z2a",
			CID: "bafyreib2rxk3rw6w",
		},
	}
	require.NoError(t, s.Save("did:plc:abc", recs))

	got, ok, err := s.Load("did:plc:abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, recs, got)
}

func TestLoadMissingIsMiss(t *testing.T) {
	s := NewStore(t.TempDir())
	_, ok, err := s.Load("did:plc:missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadRejectsWrongAccount(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, s.Save("did:plc:abc", map[string]RemoteHandle{}))

	// Copy the file under another account's name.
	data, err := os.ReadFile(filepath.Join(dir, "did_plc_abc.json"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "did_plc_xyz.json"), data, 0o600))

	_, ok, err := s.Load("did:plc:xyz")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadRejectsVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	cf := map[string]any{
		"version":   99,
		"accountId": "did:plc:abc",
		"writtenAt": time.Now().UTC(),
		"records":   map[string]any{},
	}
	data, err := json.Marshal(cf)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "did_plc_abc.json"), data, 0o600))

	_, ok, err := s.Load("did:plc:abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadRejectsExpired(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	s := NewStore(dir, WithNow(func() time.Time { return now }))
	require.NoError(t, s.Save("did:plc:abc", map[string]RemoteHandle{}))

	later := NewStore(dir, WithNow(func() time.Time { return now.Add(25 * time.Hour) }))
	_, ok, err := later.Load("did:plc:abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadWithinTTL(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	s := NewStore(dir, WithNow(func() time.Time { return now }))
	require.NoError(t, s.Save("did:plc:abc", map[string]RemoteHandle{}))

	later := NewStore(dir, WithNow(func() time.Time { return now.Add(23 * time.Hour) }))
	got, ok, err := later.Load("did:plc:abc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotNil(t, got)
}

func TestCorruptFileIsMiss(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "did_plc_abc.json"), []byte("{"), 0o600))

	s := NewStore(dir)
	_, ok, err := s.Load("did:plc:abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, s.Save("did:plc:abc", map[string]RemoteHandle{}))
	require.NoError(t, s.Invalidate("did:plc:abc"))

	_, ok, err := s.Load("did:plc:abc")
	require.NoError(t, err)
	assert.False(t, ok)

	// Invalidating a missing file is not an error.
	require.NoError(t, s.Invalidate("did:plc:abc"))
}

func TestSanitizeAccountID(t *testing.T) {
	cases := map[string]string{
		"did:plc:abc123":      "did_plc_abc123",
		"alice.bsky.social":   "alice.bsky.social",
		"weird/../../../name": "weird_.._.._.._name",
		"sp ace":              "sp_ace",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeAccountID(in), "input %q", in)
	}
}
