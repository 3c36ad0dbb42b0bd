package packaging

import (
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"
)

// hlsVersion is pinned for player interoperability.
const hlsVersion = 6

// segmentCount returns ceil(duration / segmentDuration).
func segmentCount(durationSeconds float64, segmentDuration time.Duration) int {
	return int(math.Ceil(durationSeconds / segmentDuration.Seconds()))
}

// segmentName derives the deterministic segment file name for an index.
// The key id prefix ties the segment layout to the key generation it was
// encrypted under.
func segmentName(contentID, profile, keyID string, index int) string {
	return fmt.Sprintf("%s_%s_%s_%05d.ts", contentID, profile, shortKeyID(keyID), index)
}

func shortKeyID(keyID string) string {
	if len(keyID) > 8 {
		return keyID[:8]
	}
	return keyID
}

// buildMediaPlaylist renders the HLS media playlist for one rendition. The
// line layout is interoperability-sensitive and must not change.
func buildMediaPlaylist(keyURI string, iv []byte, durationSeconds float64, segmentDuration time.Duration, segments []string) string {
	var b strings.Builder
	target := int(segmentDuration.Seconds())

	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", hlsVersion)
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	fmt.Fprintf(&b, "#EXT-X-KEY:METHOD=AES-128,URI=%q,IV=0x%s\n", keyURI, hex.EncodeToString(iv))

	remaining := durationSeconds
	for _, name := range segments {
		dur := segmentDuration.Seconds()
		if remaining < dur {
			dur = remaining
		}
		fmt.Fprintf(&b, "#EXTINF:%.1f,\n%s\n", dur, name)
		remaining -= dur
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// buildMasterPlaylist renders the HLS master playlist listing one
// EXT-X-STREAM-INF entry per rendition.
func buildMasterPlaylist(renditions []Rendition) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", hlsVersion)
	for _, r := range renditions {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=%q\n",
			r.Bitrate, r.Width, r.Height, r.Codec)
		fmt.Fprintf(&b, "%s.m3u8\n", r.Profile)
	}
	return b.String()
}
