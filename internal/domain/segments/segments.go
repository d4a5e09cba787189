package segments

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/forPelevin/unmark/internal/types"
)

// Set keeps non-overlapping segments sorted by start frame.
// It is not safe for concurrent use; the pipeline controller owns it.
type Set struct {
	segs   []types.Segment
	frozen bool
	newID  func() string
}

func NewSet() *Set {
	return &Set{newID: shortID}
}

// FromSegments rebuilds a Set, applying the same validation as Add. Ids are
// kept when present.
func FromSegments(in []types.Segment) (*Set, error) {
	s := NewSet()
	for _, seg := range in {
		if err := s.insert(seg); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Add validates and inserts a segment, returning its id. Nothing changes on
// failure.
func (s *Set) Add(start, end int, maskPath string) (string, error) {
	seg := types.Segment{StartFrame: start, EndFrame: end, MaskPath: maskPath}
	if err := s.insert(seg); err != nil {
		return "", err
	}
	return s.segs[s.find(start)].ID, nil
}

func (s *Set) insert(seg types.Segment) error {
	if s.frozen {
		return types.ErrFrozen
	}
	if seg.StartFrame < 0 || seg.EndFrame < seg.StartFrame {
		return fmt.Errorf("%w: start=%d end=%d", types.ErrInvalidSegment, seg.StartFrame, seg.EndFrame)
	}
	for _, existing := range s.segs {
		if existing.Overlaps(seg) {
			return fmt.Errorf("%w: %d-%d intersects %d-%d (id %s)",
				types.ErrOverlap, seg.StartFrame, seg.EndFrame, existing.StartFrame, existing.EndFrame, existing.ID)
		}
	}
	if seg.ID == "" {
		seg.ID = s.newID()
	}
	i := sort.Search(len(s.segs), func(i int) bool { return s.segs[i].StartFrame > seg.StartFrame })
	s.segs = append(s.segs, types.Segment{})
	copy(s.segs[i+1:], s.segs[i:])
	s.segs[i] = seg
	return nil
}

// Remove deletes a segment by id. Unknown ids are ignored.
func (s *Set) Remove(id string) error {
	if s.frozen {
		return types.ErrFrozen
	}
	for i, seg := range s.segs {
		if seg.ID == id {
			s.segs = append(s.segs[:i], s.segs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Set) AttachMask(id, maskPath string) error {
	if s.frozen {
		return types.ErrFrozen
	}
	for i := range s.segs {
		if s.segs[i].ID == id {
			s.segs[i].MaskPath = maskPath
			s.segs[i].MaskDigest = ""
			return nil
		}
	}
	return fmt.Errorf("segment %q not found", id)
}

// SetMaskDigest records the content digest of a segment's mask. It is allowed
// on a frozen set because it does not change frame coverage.
func (s *Set) SetMaskDigest(id, digest string) {
	for i := range s.segs {
		if s.segs[i].ID == id {
			s.segs[i].MaskDigest = digest
			return
		}
	}
}

// Resolve returns the segment containing frame, if any.
func (s *Set) Resolve(frame int) (types.Segment, bool) {
	i := s.find(frame)
	if i < 0 {
		return types.Segment{}, false
	}
	return s.segs[i], true
}

// find returns the index of the last segment starting at or before frame when
// it contains frame, otherwise -1.
func (s *Set) find(frame int) int {
	i := sort.Search(len(s.segs), func(i int) bool { return s.segs[i].StartFrame > frame }) - 1
	if i < 0 || !s.segs[i].Contains(frame) {
		return -1
	}
	return i
}

// ValidateBounds checks every segment against the video's frame count.
func (s *Set) ValidateBounds(totalFrames int) error {
	for _, seg := range s.segs {
		if seg.EndFrame >= totalFrames {
			return fmt.Errorf("%w: segment %s ends at frame %d but the video has %d frames",
				types.ErrInvalidSegment, seg.ID, seg.EndFrame, totalFrames)
		}
	}
	return nil
}

func (s *Set) Freeze() { s.frozen = true }

func (s *Set) Len() int { return len(s.segs) }

func (s *Set) Segments() []types.Segment {
	return append([]types.Segment(nil), s.segs...)
}
