//go:build integration

package itest

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

type probed struct {
	Frames   int
	Width    int
	Height   int
	HasAudio bool
}

// probeVideo decodes the whole file to count frames exactly.
func probeVideo(mp4Path string) (probed, error) {
	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-count_frames",
		"-show_entries", "stream=codec_type,width,height,nb_read_frames",
		"-of", "json",
		mp4Path,
	)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return probed{}, fmt.Errorf("ffprobe: %w\n%s", err, string(b))
	}
	var out struct {
		Streams []struct {
			CodecType    string `json:"codec_type"`
			Width        int    `json:"width"`
			Height       int    `json:"height"`
			NbReadFrames string `json:"nb_read_frames"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return probed{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	var p probed
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			p.Width, p.Height = s.Width, s.Height
			n, err := strconv.Atoi(s.NbReadFrames)
			if err != nil {
				return probed{}, fmt.Errorf("parse frame count %q: %w", s.NbReadFrames, err)
			}
			p.Frames = n
		case "audio":
			p.HasAudio = true
		}
	}
	return p, nil
}
