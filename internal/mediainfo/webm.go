package mediainfo

import (
	"errors"
	"fmt"
	"io"
)

// EBML element IDs used by the WebM layout.
const (
	ebmlHeaderID = 0x1A45DFA3
	segmentID    = 0x18538067
	seekHeadID   = 0x114D9B74
	infoID       = 0x1549A966
	tracksID     = 0x1654AE6B
	cuesID       = 0x1C53BB6B
)

// webmRanges walks the top of the EBML tree. The init segment spans the EBML
// header through the end of the Tracks element; the index segment is the
// Cues element.
func webmRanges(r io.ReadSeeker, size int64) (Ranges, error) {
	var pos int64

	// EBML header, then the Segment.
	id, bodySize, headerLen, err := readElement(r, pos)
	if err != nil || id != ebmlHeaderID {
		return Ranges{}, fmt.Errorf("not an EBML stream: %w", errOr(err, ErrNoTracks))
	}
	pos += headerLen + bodySize

	id, _, headerLen, err = readElement(r, pos)
	if err != nil || id != segmentID {
		return Ranges{}, fmt.Errorf("no segment element: %w", errOr(err, ErrNoTracks))
	}
	segBodyStart := pos + headerLen

	var (
		tracksEnd int64
		cuesStart int64
		cuesEnd   int64
	)

	// Walk Segment children. Cues may sit before the clusters (DASH-style
	// muxes) or after them, so the walk continues until both targets are
	// found. Skipping an element is a single seek, clusters included.
	for cur := segBodyStart; cur < size; {
		id, bodySize, headerLen, err := readElement(r, cur)
		if err != nil {
			break
		}
		elemEnd := cur + headerLen + bodySize

		switch id {
		case tracksID:
			tracksEnd = elemEnd
		case cuesID:
			cuesStart = cur
			cuesEnd = elemEnd
		}
		if tracksEnd > 0 && cuesEnd > 0 {
			break
		}
		if bodySize < 0 {
			// Unknown-size element (streamed file); nothing indexable beyond.
			break
		}
		cur = elemEnd
	}

	if tracksEnd == 0 {
		return Ranges{}, ErrNoTracks
	}

	out := Ranges{InitRange: fmt.Sprintf("0-%d", tracksEnd-1)}
	if cuesEnd > 0 {
		out.IndexRange = fmt.Sprintf("%d-%d", cuesStart, cuesEnd-1)
	} else {
		out.IndexRange = "0-0"
	}
	return out, nil
}

// readElement reads the element ID and size at offset. Returns the ID, the
// body size (-1 for unknown), and the combined length of the ID and size
// fields.
func readElement(r io.ReadSeeker, offset int64) (uint32, int64, int64, error) {
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return 0, 0, 0, err
	}

	id, idLen, err := readVint(r, false)
	if err != nil {
		return 0, 0, 0, err
	}

	sz, szLen, err := readVint(r, true)
	if err != nil {
		return 0, 0, 0, err
	}

	bodySize := int64(sz)
	if unknownSize(sz, szLen) {
		bodySize = -1
	}
	return uint32(id), bodySize, int64(idLen + szLen), nil
}

// readVint reads one EBML variable-length integer. Element IDs keep the
// length-marker bit; sizes clear it.
func readVint(r io.Reader, clearMarker bool) (uint64, int, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return 0, 0, err
	}

	b := first[0]
	if b == 0 {
		return 0, 0, errors.New("invalid vint")
	}

	length := 1
	for mask := byte(0x80); b&mask == 0; mask >>= 1 {
		length++
	}
	if length > 8 {
		return 0, 0, errors.New("vint too long")
	}

	value := uint64(b)
	if clearMarker {
		value &= (1 << (8 - length)) - 1
	}

	if length > 1 {
		rest := make([]byte, length-1)
		if _, err := io.ReadFull(r, rest); err != nil {
			return 0, 0, err
		}
		var tail uint64
		for _, rb := range rest {
			tail = tail<<8 | uint64(rb)
		}
		value = value<<(8*(length-1)) | tail
	}
	return value, length, nil
}

// unknownSize reports the all-ones size encoding.
func unknownSize(v uint64, length int) bool {
	return v == (uint64(1)<<(7*length))-1
}

func errOr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
