// Package audio acquires episode enclosures into a content-addressed cache
// and splits them into fixed-duration chunks sized for transcription.
package audio

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// cacheDigestLen is how many hex characters of the GUID digest go into the
// cache file name. Ten characters is plenty to keep distinct episodes from
// colliding while staying readable in directory listings.
const cacheDigestLen = 10

// CacheName builds the cache file name for one episode from a keyword of the
// owning feed's title and a short digest of the episode GUID. The same episode
// always maps to the same file, so retries and re-runs reuse the download.
func CacheName(feedTitle, episodeGUID string) string {
	sum := sha256.Sum256([]byte(episodeGUID))
	return fmt.Sprintf("%s_%s.mp3", feedKeyword(feedTitle), hex.EncodeToString(sum[:])[:cacheDigestLen])
}

// ChunkDirName is the per-episode chunk directory name derived from the cache
// file name.
func ChunkDirName(cacheName string) string {
	return strings.TrimSuffix(cacheName, filepath.Ext(cacheName))
}

// feedKeyword reduces a feed title to a short lowercase slug for cache file
// names. Only letters and digits from the first word survive; anything else
// falls back to "feed" so the name never starts with the digest.
func feedKeyword(title string) string {
	fields := strings.Fields(title)
	if len(fields) == 0 {
		return "feed"
	}
	var b strings.Builder
	for _, r := range strings.ToLower(fields[0]) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() >= 16 {
			break
		}
	}
	if b.Len() == 0 {
		return "feed"
	}
	return b.String()
}
