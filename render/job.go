package render

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Job is one fully specified engine invocation for a single viewpoint.
// Args and OutputPattern are fixed at construction.
type Job struct {
	Index         int
	Total         int
	View          ViewpointSpec
	Description   string
	OutputPattern string
	Args          []string
}

// NewJob builds the batch command for viewpoint v: projection, frame rate,
// colour stages, then the millisecond timestamp rebasing pair so that each
// frame file is named after its presentation time.
func NewJob(index, total int, source, outputDir string, v ViewpointSpec, s Settings, outputArgs []string) (Job, error) {
	height := s.Height()
	if height <= 0 {
		h, err := OutputHeight(s.Width, s.HFOV, s.VFOV)
		if err != nil {
			return Job{}, err
		}
		height = h
	}

	stages := []string{
		ProjectionStage(v, s, s.Width, height, true),
		"fps=" + num(s.FPS),
	}
	stages = append(stages, s.ColorStages()...)
	stages = append(stages, "settb=1/1000", "setpts=PTS-STARTPTS")

	pattern := filepath.Join(outputDir, OutputFilename(v))

	args := []string{"-y", "-i", source, "-vf", strings.Join(stages, ",")}
	args = append(args, "-fps_mode", "passthrough", "-frame_pts", "1")
	args = append(args, outputArgs...)
	args = append(args, pattern)

	return Job{
		Index:         index,
		Total:         total,
		View:          v,
		Description:   fmt.Sprintf("viewpoint %d/%d (Y:%d, P:%d)", index+1, total, v.Yaw, v.Pitch),
		OutputPattern: pattern,
		Args:          args,
	}, nil
}

// ProjectionStage renders the v360 equirectangular-to-rectilinear stage.
// withInput adds the explicit input projection kind.
func ProjectionStage(v ViewpointSpec, s Settings, width, height int, withInput bool) string {
	var b strings.Builder
	b.WriteString("v360=")
	if withInput {
		b.WriteString("input=e:")
	}
	fmt.Fprintf(&b, "output=rectilinear:h_fov=%s:v_fov=%s:w=%d:h=%d:yaw=%d:pitch=%d:roll=%d",
		num(s.HFOV), num(s.VFOV), width, height, v.Yaw, v.Pitch, v.Roll)
	return b.String()
}

// OutputFilename encodes yaw and pitch in the frame filename; the %08d field
// is filled by the engine with the frame timestamp in milliseconds.
func OutputFilename(v ViewpointSpec) string {
	return fmt.Sprintf("Y%+04d_P%+03d_t%%08d.jpg", v.Yaw, v.Pitch)
}

// FirstFrameArgs extracts the first decoded frame of source into out.
func FirstFrameArgs(source, out string) []string {
	return []string{"-y", "-i", source, "-vframes", "1", "-f", "image2", out}
}

// PreviewArgs renders one square still of frame for viewpoint v.
func PreviewArgs(frame, out string, v ViewpointSpec, s Settings, size int) []string {
	stages := []string{ProjectionStage(v, s, size, size, false)}
	stages = append(stages, s.ColorStages()...)
	return []string{"-y", "-i", frame, "-vf", strings.Join(stages, ","), out}
}

// Grid expands yaw and pitch angles into viewpoints, pitch-major, roll 0.
func Grid(yaws, pitches []int) []ViewpointSpec {
	views := make([]ViewpointSpec, 0, len(yaws)*len(pitches))
	for _, p := range pitches {
		for _, y := range yaws {
			views = append(views, ViewpointSpec{Yaw: y, Pitch: p})
		}
	}
	return views
}

// DefaultSelection keeps the horizon cardinal directions of a grid.
func DefaultSelection(yaws, pitches []int) []ViewpointSpec {
	var views []ViewpointSpec
	for _, v := range Grid(yaws, pitches) {
		if v.Pitch == 0 && v.Yaw%90 == 0 {
			views = append(views, v)
		}
	}
	return views
}
