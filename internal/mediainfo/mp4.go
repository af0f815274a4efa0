package mediainfo

import (
	"fmt"
	"io"

	"github.com/abema/go-mp4"
)

// mp4Ranges scans top-level atoms. The init segment runs from the file start
// through the end of moov; the index segment is the sidx atom when one
// follows moov, otherwise the span from the end of ftyp to the end of moov.
func mp4Ranges(r io.ReadSeeker) (Ranges, error) {
	var (
		ftypEnd   uint64
		moovStart uint64
		moovEnd   uint64
		sidxStart uint64
		sidxEnd   uint64
		haveMoov  bool
		haveSidx  bool
	)

	_, err := mp4.ReadBoxStructure(r, func(h *mp4.ReadHandle) (any, error) {
		// Top level only; nothing below needs expanding.
		info := h.BoxInfo
		switch info.Type {
		case mp4.BoxTypeFtyp():
			ftypEnd = info.Offset + info.Size
		case mp4.BoxTypeMoov():
			moovStart = info.Offset
			moovEnd = info.Offset + info.Size
			haveMoov = true
		case mp4.BoxTypeSidx():
			if !haveSidx {
				sidxStart = info.Offset
				sidxEnd = info.Offset + info.Size
				haveSidx = true
			}
		}
		return nil, nil
	})
	if err != nil {
		return Ranges{}, fmt.Errorf("scanning mp4 atoms: %w", err)
	}
	if !haveMoov {
		return Ranges{}, ErrNoMoov
	}

	out := Ranges{InitRange: fmt.Sprintf("0-%d", moovEnd-1)}
	if haveSidx && sidxStart >= moovStart {
		out.IndexRange = fmt.Sprintf("%d-%d", sidxStart, sidxEnd-1)
	} else {
		out.IndexRange = fmt.Sprintf("%d-%d", ftypEnd, moovEnd-1)
	}
	return out, nil
}
