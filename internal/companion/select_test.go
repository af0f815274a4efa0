package companion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fmtVideo(itag, height int, bitrate int64) Format {
	return Format{Itag: itag, MimeType: "video/mp4", Height: height, Width: height * 16 / 9, Bitrate: bitrate}
}

func fmtAudio(itag int, bitrate int64) Format {
	return Format{Itag: itag, MimeType: "audio/mp4", Bitrate: bitrate}
}

func adaptiveInfo() *VideoInfo {
	return &VideoInfo{
		VideoID: "dQw4w9WgXcQ",
		AdaptiveFormats: []Format{
			fmtVideo(137, 1080, 4_000_000),
			fmtVideo(136, 720, 2_500_000),
			fmtVideo(135, 480, 1_200_000),
			fmtVideo(134, 360, 700_000),
			fmtAudio(140, 128_000),
			fmtAudio(251, 160_000),
			fmtAudio(139, 48_000),
		},
		CombinedFormats: []Format{
			{Itag: 18, MimeType: "video/mp4", Height: 360, Bitrate: 500_000},
		},
	}
}

func TestParseQuality(t *testing.T) {
	tests := []struct {
		pref    string
		want    int
		wantErr bool
	}{
		{"best", 0, false},
		{"", 0, false},
		{"worst", -1, false},
		{"720p", 720, false},
		{"1080p", 1080, false},
		{"480", 0, true},
		{"p720", 0, true},
		{"4k", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseQuality(tt.pref)
		if tt.wantErr {
			assert.Error(t, err, tt.pref)
			continue
		}
		require.NoError(t, err, tt.pref)
		assert.Equal(t, tt.want, got, tt.pref)
	}
}

func TestSelectBestStreams(t *testing.T) {
	tests := []struct {
		name      string
		pref      string
		wantVideo int
		wantAudio int
	}{
		{"best picks max height", "best", 137, 251},
		{"worst picks min height", "worst", 134, 251},
		{"720p exact", "720p", 136, 251},
		{"500p rounds down", "500p", 135, 251},
		{"144p falls back to min", "144p", 134, 251},
		{"2160p takes best available", "2160p", 137, 251},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := SelectBestStreams(adaptiveInfo(), tt.pref)
			require.NoError(t, err)
			require.NotNil(t, sel.Video)
			require.NotNil(t, sel.Audio)
			assert.Nil(t, sel.Combined)
			assert.Equal(t, tt.wantVideo, sel.Video.Itag)
			assert.Equal(t, tt.wantAudio, sel.Audio.Itag)
		})
	}
}

func TestSelectBestStreamsCombinedFallback(t *testing.T) {
	info := adaptiveInfo()
	info.AdaptiveFormats = nil

	sel, err := SelectBestStreams(info, "best")
	require.NoError(t, err)
	assert.Nil(t, sel.Video)
	assert.Nil(t, sel.Audio)
	require.NotNil(t, sel.Combined)
	assert.Equal(t, 18, sel.Combined.Itag)
}

func TestSelectBestStreamsAudioOnlyFallsBack(t *testing.T) {
	// Audio-only adaptive set cannot satisfy a split; combined wins.
	info := adaptiveInfo()
	info.AdaptiveFormats = []Format{fmtAudio(140, 128_000)}

	sel, err := SelectBestStreams(info, "best")
	require.NoError(t, err)
	require.NotNil(t, sel.Combined)
}

func TestSelectBestStreamsNoStreams(t *testing.T) {
	info := &VideoInfo{VideoID: "dQw4w9WgXcQ"}
	_, err := SelectBestStreams(info, "best")
	assert.ErrorIs(t, err, ErrNoStreams)
}

func TestSelectBestStreamsBadPreference(t *testing.T) {
	_, err := SelectBestStreams(adaptiveInfo(), "ultra")
	assert.Error(t, err)
}

func TestFormatExt(t *testing.T) {
	tests := []struct {
		mime string
		want string
	}{
		{`video/mp4; codecs="avc1.640028"`, "mp4"},
		{`audio/mp4; codecs="mp4a.40.2"`, "m4a"},
		{`video/webm; codecs="vp9"`, "webm"},
		{`audio/webm; codecs="opus"`, "webm"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Format{MimeType: tt.mime}.Ext(), tt.mime)
	}
}
