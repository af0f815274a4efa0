package http

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/vidarr/vidarr/internal/mediainfo"
	"github.com/vidarr/vidarr/internal/storage"
)

// DASH manifest structures for the synthesized manifest: one Period with a
// video and an audio AdaptationSet, each holding a single Representation
// over a cached elementary stream.
type mpd struct {
	XMLName               xml.Name        `xml:"MPD"`
	Xmlns                 string          `xml:"xmlns,attr"`
	Profiles              string          `xml:"profiles,attr"`
	Type                  string          `xml:"type,attr"`
	MediaPresentationDur  string          `xml:"mediaPresentationDuration,attr,omitempty"`
	MinBufferTime         string          `xml:"minBufferTime,attr"`
	Period                mpdPeriod       `xml:"Period"`
}

type mpdPeriod struct {
	AdaptationSets []mpdAdaptationSet `xml:"AdaptationSet"`
}

type mpdAdaptationSet struct {
	MimeType        string              `xml:"mimeType,attr"`
	ContentType     string              `xml:"contentType,attr"`
	Representations []mpdRepresentation `xml:"Representation"`
}

type mpdRepresentation struct {
	ID          string          `xml:"id,attr"`
	Bandwidth   int64           `xml:"bandwidth,attr,omitempty"`
	Width       int             `xml:"width,attr,omitempty"`
	Height      int             `xml:"height,attr,omitempty"`
	BaseURL     string          `xml:"BaseURL"`
	SegmentBase *mpdSegmentBase `xml:"SegmentBase,omitempty"`
}

type mpdSegmentBase struct {
	IndexRange     string             `xml:"indexRange,attr"`
	Initialization *mpdInitialization `xml:"Initialization,omitempty"`
}

type mpdInitialization struct {
	Range string `xml:"range,attr"`
}

// manifestStream is one cached elementary stream entering the manifest.
type manifestStream struct {
	file   storage.StreamFile
	ranges mediainfo.Ranges
}

// buildManifest synthesizes the adaptive manifest XML over one video and one
// audio stream file. durationSeconds comes from the catalog row; zero omits
// the attribute.
func buildManifest(videoID string, video, audio manifestStream, durationSeconds int) ([]byte, error) {
	doc := mpd{
		Xmlns:         "urn:mpeg:dash:schema:mpd:2011",
		Profiles:      "urn:mpeg:dash:profile:isoff-on-demand:2011",
		Type:          "static",
		MinBufferTime: "PT1.5S",
	}
	if durationSeconds > 0 {
		doc.MediaPresentationDur = isoDuration(time.Duration(durationSeconds) * time.Second)
	}

	doc.Period.AdaptationSets = []mpdAdaptationSet{
		{
			MimeType:        streamMimeType("video", video.file.Ext),
			ContentType:     "video",
			Representations: []mpdRepresentation{representation(videoID, video)},
		},
		{
			MimeType:        streamMimeType("audio", audio.file.Ext),
			ContentType:     "audio",
			Representations: []mpdRepresentation{representation(videoID, audio)},
		},
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

func representation(videoID string, s manifestStream) mpdRepresentation {
	return mpdRepresentation{
		ID:      fmt.Sprintf("%d", s.file.Itag),
		BaseURL: fmt.Sprintf("/videoplayback?v=%s&itag=%d", videoID, s.file.Itag),
		SegmentBase: &mpdSegmentBase{
			IndexRange:     s.ranges.IndexRange,
			Initialization: &mpdInitialization{Range: s.ranges.InitRange},
		},
	}
}

func streamMimeType(kind, ext string) string {
	if ext == "webm" {
		return kind + "/webm"
	}
	return kind + "/mp4"
}

// isoDuration renders an ISO 8601 duration the way manifests expect,
// e.g. PT3M32S.
func isoDuration(d time.Duration) string {
	total := int64(d.Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	out := "PT"
	if h > 0 {
		out += fmt.Sprintf("%dH", h)
	}
	if m > 0 {
		out += fmt.Sprintf("%dM", m)
	}
	out += fmt.Sprintf("%dS", s)
	return out
}
