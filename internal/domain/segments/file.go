package segments

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/forPelevin/unmark/internal/types"
)

// File is the operator's segment plan:
//
//	segments:
//	  - start: 120
//	    end: 480
//	    mask: masks/logo.png
type File struct {
	Segments []FileSegment `yaml:"segments"`
}

type FileSegment struct {
	Start int    `yaml:"start"`
	End   int    `yaml:"end"`
	Mask  string `yaml:"mask,omitempty"`
}

func ParseYAML(b []byte) ([]types.Segment, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse segment file: %w", err)
	}
	out := make([]types.Segment, 0, len(f.Segments))
	for _, s := range f.Segments {
		out = append(out, types.Segment{StartFrame: s.Start, EndFrame: s.End, MaskPath: s.Mask})
	}
	return out, nil
}

// ParseFlag parses "start:end" or "start:end:mask".
func ParseFlag(v string) (types.Segment, error) {
	parts := strings.SplitN(v, ":", 3)
	if len(parts) < 2 {
		return types.Segment{}, fmt.Errorf("%w: %q, want start:end[:mask]", types.ErrInvalidSegment, v)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return types.Segment{}, fmt.Errorf("%w: start %q", types.ErrInvalidSegment, parts[0])
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return types.Segment{}, fmt.Errorf("%w: end %q", types.ErrInvalidSegment, parts[1])
	}
	seg := types.Segment{StartFrame: start, EndFrame: end}
	if len(parts) == 3 {
		seg.MaskPath = strings.TrimSpace(parts[2])
	}
	return seg, nil
}
