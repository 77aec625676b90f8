package delivery

import (
	"fmt"
	"mime"
	"path"
	"strconv"
	"strings"
	"time"
)

// maxNameLen bounds the sanitized filename component of a key.
const maxNameLen = 100

// BuildKey constructs the canonical object key for an upload:
//
//	{tier}/{year}/{month}/{owner_id}/{unix_ts}_{sanitized_name}
//
// The timestamp plus owner segment makes keys unique by construction, so the
// key acts as the object's sole identity across all backends.
func BuildKey(tier Tier, ownerID int64, name string, now time.Time) string {
	return fmt.Sprintf("%s/%04d/%02d/%d/%d_%s",
		tier, now.Year(), int(now.Month()), ownerID, now.Unix(), SanitizeName(name))
}

// TempKey constructs a key under the scratch namespace swept by the reaper.
func TempKey(name string, now time.Time) string {
	return fmt.Sprintf("temp/%s/%s", now.Format("20060102"), SanitizeName(name))
}

// SanitizeName strips characters that are unsafe in object keys, collapses
// repeated underscores, and caps the length while preserving the extension.
func SanitizeName(name string) string {
	name = path.Base(name)
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	var b strings.Builder
	for _, r := range stem {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*', ' ':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	stem = b.String()
	for strings.Contains(stem, "__") {
		stem = strings.ReplaceAll(stem, "__", "_")
	}
	stem = strings.Trim(stem, "_")
	if stem == "" {
		stem = "file"
	}
	if len(stem) > maxNameLen {
		stem = stem[:maxNameLen]
	}
	return stem + ext
}

// KeyTier extracts the tier segment from a canonical key. Keys outside the
// tier namespaces (temp/, public/, cache fills) map to TierFree.
func KeyTier(key string) Tier {
	seg, _, _ := strings.Cut(key, "/")
	return ParseTier(seg)
}

// KeyOwner extracts the owner segment from a canonical key, returning 0 when
// the key does not follow the canonical layout.
func KeyOwner(key string) int64 {
	parts := strings.Split(key, "/")
	if len(parts) < 5 {
		return 0
	}
	id, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// IsPublicKey reports whether the key lives in the anonymous-readable
// public namespace.
func IsPublicKey(key string) bool {
	return strings.HasPrefix(key, "public/")
}

// contentTypes maps the media extensions the original uploader produces.
// mime.TypeByExtension covers the long tail.
var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/avi",
	".mov":  "video/quicktime",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".zip":  "application/zip",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

// ContentType determines the MIME type for a key or filename by extension.
func ContentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
