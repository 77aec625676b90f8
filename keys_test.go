package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildKey(t *testing.T) {
	now := time.Date(2025, 3, 7, 12, 30, 0, 0, time.UTC)

	key := BuildKey(TierPremium, 42, "My Video.mp4", now)
	require.Equal(t, "premium/2025/03/42/1741350600_My_Video.mp4", key)

	require.Equal(t, TierPremium, KeyTier(key))
	require.Equal(t, int64(42), KeyOwner(key))
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"simple.mp4", "simple.mp4"},
		{"has spaces.mp3", "has_spaces.mp3"},
		{`bad<>:"/\|?*chars.zip`, "chars.zip"},
		{"multi___underscore.mp4", "multi_underscore.mp4"},
		{"../../../etc/passwd", "passwd"},
		{"???", "file"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, SanitizeName(tt.in), "input %q", tt.in)
	}
}

func TestSanitizeNameCapsLength(t *testing.T) {
	long := ""
	for range 150 {
		long += "a"
	}
	got := SanitizeName(long + ".mp4")
	require.LessOrEqual(t, len(got), maxNameLen+len(".mp4"))
	require.Equal(t, ".mp4", got[len(got)-4:])
}

func TestKeyTierFallsBackToFree(t *testing.T) {
	require.Equal(t, TierFree, KeyTier("temp/20250307/scratch.bin"))
	require.Equal(t, TierFree, KeyTier("public/banner.png"))
	require.Equal(t, TierFree, KeyTier(""))
}

func TestKeyOwnerMalformed(t *testing.T) {
	require.Equal(t, int64(0), KeyOwner("free/2025/03/notanumber/1_f.mp4"))
	require.Equal(t, int64(0), KeyOwner("short/key"))
}

func TestParseTier(t *testing.T) {
	require.Equal(t, TierAdmin, ParseTier("admin"))
	require.Equal(t, TierFree, ParseTier("owner"))
	require.Equal(t, TierFree, ParseTier(""))
}

func TestContentType(t *testing.T) {
	require.Equal(t, "video/mp4", ContentType("a/b/c.mp4"))
	require.Equal(t, "audio/mpeg", ContentType("track.MP3"))
	require.Equal(t, "application/octet-stream", ContentType("blob"))
}

func TestObjectInfoTierAndUploadedAt(t *testing.T) {
	uploaded := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	info := &ObjectInfo{
		Key:          "free/2025/01/7/1735787045_a.mp4",
		LastModified: uploaded.Add(time.Hour),
		Metadata: map[string]string{
			MetaTier:       "premium",
			MetaUploadedAt: uploaded.Format(time.RFC3339),
		},
	}
	require.Equal(t, TierPremium, info.Tier())
	require.True(t, info.UploadedAt().Equal(uploaded))

	// Without metadata, fall back to the key tier and last-modified.
	info.Metadata = nil
	require.Equal(t, TierFree, info.Tier())
	require.True(t, info.UploadedAt().Equal(uploaded.Add(time.Hour)))
}
