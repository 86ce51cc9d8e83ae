package parser

import (
	"fmt"
	"path"
	"strings"

	"github.com/grafov/m3u8"
)

// PlaylistKind classifies a decoded playlist.
type PlaylistKind string

const (
	KindMaster  PlaylistKind = "master"
	KindMedia   PlaylistKind = "media"
	KindUnknown PlaylistKind = "unknown"
)

// PlaylistInfo summarizes a playlist for logs and metrics. It never feeds back into
// what the relay sends to the player.
type PlaylistInfo struct {
	Kind           PlaylistKind
	Variants       int
	Segments       int
	TargetDuration float64
	Closed         bool
}

// IsPlaylist reports whether an HLS response should be treated as a playlist: the
// request path ends in .m3u8 or the content type mentions mpegurl/m3u8.
func IsPlaylist(urlPath, contentType string) bool {
	if strings.EqualFold(path.Ext(urlPath), ".m3u8") {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "mpegurl") || strings.Contains(ct, "m3u8")
}

// Inspect decodes text loosely and reports what kind of playlist it is. Playlists
// the decoder rejects, or crashes on, come back as KindUnknown together with an error.
func Inspect(text string) (info PlaylistInfo, err error) {
	defer func() {
		if p := recover(); p != nil {
			info, err = PlaylistInfo{Kind: KindUnknown}, fmt.Errorf("decode playlist: %v", p)
		}
	}()

	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(text), false)
	if err != nil {
		return PlaylistInfo{Kind: KindUnknown}, err
	}

	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		return PlaylistInfo{
			Kind:     KindMaster,
			Variants: len(master.Variants),
		}, nil
	case m3u8.MEDIA:
		media := playlist.(*m3u8.MediaPlaylist)
		return PlaylistInfo{
			Kind:           KindMedia,
			Segments:       int(media.Count()),
			TargetDuration: media.TargetDuration,
			Closed:         media.Closed,
		}, nil
	}
	return PlaylistInfo{Kind: KindUnknown}, nil
}
