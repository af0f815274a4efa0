package companion

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// StreamSelection is the outcome of SelectBestStreams. Either Video+Audio
// are set (adaptive split) or Combined is set, never both.
type StreamSelection struct {
	Video    *Format
	Audio    *Format
	Combined *Format
}

// qualityPattern matches the "<N>p" quality preference form.
var qualityPattern = regexp.MustCompile(`^(\d{3,4})p$`)

// ParseQuality parses a quality preference. Returns 0 for best, -1 for
// worst, and the height target for "<N>p".
func ParseQuality(pref string) (int, error) {
	switch pref {
	case "", "best":
		return 0, nil
	case "worst":
		return -1, nil
	}
	m := qualityPattern.FindStringSubmatch(pref)
	if m == nil {
		return 0, fmt.Errorf("invalid quality preference %q", pref)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid quality preference %q: %w", pref, err)
	}
	return n, nil
}

// SelectBestStreams picks the streams to download. Adaptive formats are
// preferred: the video track follows the preference (best, worst, or the
// largest height not exceeding N, falling back to the smallest when nothing
// qualifies) and the audio track is always the highest bitrate. Without an
// adaptive split the best combined format is returned instead.
func SelectBestStreams(info *VideoInfo, preference string) (*StreamSelection, error) {
	target, err := ParseQuality(preference)
	if err != nil {
		return nil, err
	}

	var videos, audios []Format
	for _, f := range info.AdaptiveFormats {
		switch {
		case f.IsVideo():
			videos = append(videos, f)
		case f.IsAudio():
			audios = append(audios, f)
		}
	}

	if len(videos) > 0 && len(audios) > 0 {
		video := pickVideo(videos, target)
		audio := pickMaxBitrate(audios)
		return &StreamSelection{Video: &video, Audio: &audio}, nil
	}

	if len(info.CombinedFormats) > 0 {
		combined := pickMaxBitrate(info.CombinedFormats)
		return &StreamSelection{Combined: &combined}, nil
	}

	return nil, ErrNoStreams
}

// pickVideo applies the quality preference. target==0 means best, target==-1
// worst, otherwise the largest stream whose height fits under the target.
func pickVideo(videos []Format, target int) Format {
	switch target {
	case 0:
		return maxBy(videos, betterVideo)
	case -1:
		return maxBy(videos, func(a, b Format) bool { return !betterVideo(a, b) })
	}

	var fitting []Format
	for _, v := range videos {
		if v.Height <= target {
			fitting = append(fitting, v)
		}
	}
	if len(fitting) == 0 {
		// Nothing under the target; take the smallest available.
		return maxBy(videos, func(a, b Format) bool { return !betterVideo(a, b) })
	}
	return maxBy(fitting, betterVideo)
}

// betterVideo orders by (height, bitrate).
func betterVideo(a, b Format) bool {
	if a.Height != b.Height {
		return a.Height > b.Height
	}
	return a.Bitrate > b.Bitrate
}

func pickMaxBitrate(formats []Format) Format {
	return maxBy(formats, func(a, b Format) bool { return a.Bitrate > b.Bitrate })
}

// maxBy returns the first element that better() ranks above all others.
func maxBy(formats []Format, better func(a, b Format) bool) Format {
	best := formats[0]
	for _, f := range formats[1:] {
		if better(f, best) {
			best = f
		}
	}
	return best
}

// decodeJSON decodes r into out, tolerating trailing garbage.
func decodeJSON(r io.Reader, out any) error {
	return json.NewDecoder(r).Decode(out)
}

// flexInt64 accepts both JSON numbers and quoted numbers; the companion
// serializes bitrate and content length inconsistently across versions.
type flexInt64 int64

func (n *flexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing numeric field %q: %w", s, err)
	}
	*n = flexInt64(v)
	return nil
}
