// SPDX-License-Identifier: MIT

package records

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyNormalization(t *testing.T) {
	a := PlayRecord{
		TrackName:  "  Paranoid Android ",
		Artists:    []Artist{{ArtistName: "Radiohead"}},
		PlayedTime: "2021-06-15T20:00:00Z",
	}
	b := PlayRecord{
		TrackName:  "paranoid android",
		Artists:    []Artist{{ArtistName: " RADIOHEAD"}},
		PlayedTime: "2021-06-15T20:00:00Z",
	}
	assert.Equal(t, a.Key(), b.Key())
}

func TestKeyDistinguishesTimestamps(t *testing.T) {
	a := PlayRecord{TrackName: "x", Artists: []Artist{{ArtistName: "y"}}, PlayedTime: "2021-06-15T20:00:00Z"}
	b := PlayRecord{TrackName: "x", Artists: []Artist{{ArtistName: "y"}}, PlayedTime: "2021-06-15T20:00:01Z"}
	assert.NotEqual(t, a.Key(), b.Key())
}

func TestKeyUnicodeEquivalence(t *testing.T) {
	// Precomposed vs decomposed "é" must produce the same key.
	assert.Equal(t, Key("Beyoncé", "Halo", "2021-01-01T00:00:00Z"),
		Key("Beyoncé", "Halo", "2021-01-01T00:00:00Z"))
}

func TestKeyWithoutArtist(t *testing.T) {
	r := PlayRecord{TrackName: "Intro", PlayedTime: "2021-01-01T00:00:00Z"}
	key := r.Key()
	assert.True(t, strings.HasPrefix(key, "\x1f"), "empty artist keeps its slot")
}

func TestCanonicalizeSubstitutesUnknownTrack(t *testing.T) {
	r := PlayRecord{TrackName: "   ", PlayedTime: "2021-01-01T00:00:00Z"}
	r.Canonicalize("fm.teal.alpha.feed.play")
	assert.Equal(t, UnknownTrack, r.TrackName)
	assert.Equal(t, "fm.teal.alpha.feed.play", r.Type)
}

func TestReadJSONL(t *testing.T) {
	input := `{"trackName":"One","artists":[{"artistName":"A"}],"playedTime":"2021-06-15T20:00:00Z"}

{"trackName":"","artists":[{"artistName":"B"}],"playedTime":"2021-06-15T20:00:01Z"}
`
	recs, err := ReadJSONL(strings.NewReader(input), "fm.teal.alpha.feed.play")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "One", recs[0].TrackName)
	assert.Equal(t, UnknownTrack, recs[1].TrackName)
	assert.Equal(t, "fm.teal.alpha.feed.play", recs[0].Type)
}

func TestReadJSONLRejectsBadTimestamp(t *testing.T) {
	input := `{"trackName":"One","playedTime":"yesterday"}`
	_, err := ReadJSONL(strings.NewReader(input), "fm.teal.alpha.feed.play")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestReadJSONLRejectsMissingTimestamp(t *testing.T) {
	input := `{"trackName":"One"}`
	_, err := ReadJSONL(strings.NewReader(input), "fm.teal.alpha.feed.play")
	require.Error(t, err)
}
