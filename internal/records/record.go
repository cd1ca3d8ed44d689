// SPDX-License-Identifier: MIT

// Package records defines the canonical play record consumed by the publisher
// and the deduplication key derived from it.
package records

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// UnknownTrack substitutes a missing track name in a source record.
const UnknownTrack = "Unknown Track"

// keySeparator joins the key parts. A control character cannot appear in
// normalized artist or track names, so the key is unambiguous.
const keySeparator = "\x1f"

// Artist is one credited artist on a play.
type Artist struct {
	ArtistName string `json:"artistName"`
	ArtistMbID string `json:"artistMbId,omitempty"`
}

// PlayRecord is the canonical unit of work. Source converters (CSV scrobble
// exports, streaming-service JSON dumps) produce this shape; the publisher
// never sees raw source rows.
type PlayRecord struct {
	Type                   string   `json:"$type"`
	TrackName              string   `json:"trackName"`
	Artists                []Artist `json:"artists"`
	PlayedTime             string   `json:"playedTime"` // ISO-8601 UTC instant
	SubmissionClientAgent  string   `json:"submissionClientAgent,omitempty"`
	MusicServiceBaseDomain string   `json:"musicServiceBaseDomain,omitempty"`
	OriginURL              string   `json:"originUrl,omitempty"`
	ReleaseName            string   `json:"releaseName,omitempty"`
	ReleaseMbID            string   `json:"releaseMbId,omitempty"`
	RecordingMbID          string   `json:"recordingMbId,omitempty"`
}

// Canonicalize fills required fields the source may have omitted.
func (r *PlayRecord) Canonicalize(schemaTag string) {
	if r.Type == "" {
		r.Type = schemaTag
	}
	if strings.TrimSpace(r.TrackName) == "" {
		r.TrackName = UnknownTrack
	}
}

// PlayedAt parses the record's played-time instant.
func (r *PlayRecord) PlayedAt() (time.Time, error) {
	return time.Parse(time.RFC3339, r.PlayedTime)
}

var foldCaser = cases.Fold()

// normalizeKeyPart applies NFKC normalization, case folding, and trimming so
// the same play scrobbled by different clients produces the same key.
func normalizeKeyPart(s string) string {
	return strings.TrimSpace(foldCaser.String(norm.NFKC.String(s)))
}

// Key returns the deduplication fingerprint: first artist, track name, and
// played-time joined by the reserved separator. Two plays collide iff all
// three match after normalization; two listens at the exact same timestamp
// are deliberately treated as one.
func (r *PlayRecord) Key() string {
	artist := ""
	if len(r.Artists) > 0 {
		artist = r.Artists[0].ArtistName
	}
	return Key(artist, r.TrackName, r.PlayedTime)
}

// Key builds a record key from its raw parts. Exposed so the cache can derive
// keys from remote record values without round-tripping through PlayRecord.
func Key(artist, track, playedTime string) string {
	return normalizeKeyPart(artist) + keySeparator + normalizeKeyPart(track) + keySeparator + playedTime
}
