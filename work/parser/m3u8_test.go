package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=1280x720
720p/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2560000,RESOLUTION=1920x1080
1080p/index.m3u8
`

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:100
#EXTINF:4.000,
seg100.ts
#EXTINF:4.000,
seg101.ts
#EXTINF:4.000,
seg102.ts
`

func TestIsPlaylist(t *testing.T) {
	assert.True(t, IsPlaylist("/live/index.m3u8", "video/mp2t"))
	assert.True(t, IsPlaylist("/live/INDEX.M3U8", ""))
	assert.True(t, IsPlaylist("/live/playlist", "application/vnd.apple.mpegurl"))
	assert.True(t, IsPlaylist("/live/playlist", "audio/x-mpegURL; charset=utf-8"))
	assert.True(t, IsPlaylist("/live/playlist", "application/m3u8"))
	assert.False(t, IsPlaylist("/live/seg.ts", "video/mp2t"))
	assert.False(t, IsPlaylist("/live/seg.m3u8.ts", ""))
}

func TestInspectMaster(t *testing.T) {
	info, err := Inspect(masterPlaylist)
	require.NoError(t, err)

	assert.Equal(t, KindMaster, info.Kind)
	assert.Equal(t, 2, info.Variants)
}

func TestInspectMedia(t *testing.T) {
	info, err := Inspect(mediaPlaylist)
	require.NoError(t, err)

	assert.Equal(t, KindMedia, info.Kind)
	assert.Equal(t, 3, info.Segments)
	assert.Equal(t, 4.0, info.TargetDuration)
	assert.False(t, info.Closed)
}

func TestInspectGarbage(t *testing.T) {
	info, err := Inspect("<html>not a playlist</html>")
	assert.Error(t, err)
	assert.Equal(t, KindUnknown, info.Kind)
}

func TestInspectUnterminatedURI(t *testing.T) {
	info, err := Inspect("#EXTM3U\n#EXT-X-MAP:URI=\"a\nseg.ts\n")
	assert.Error(t, err)
	assert.Equal(t, KindUnknown, info.Kind)
}
