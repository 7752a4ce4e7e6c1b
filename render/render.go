// Package render turns viewpoints and render settings into engine
// invocations: the v360 projection filter chain, the output filename
// pattern, and the full argument list for a job.
package render

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// ViewpointSpec is one virtual camera orientation, in signed degrees.
type ViewpointSpec struct {
	Yaw   int `json:"yaw"`
	Pitch int `json:"pitch"`
	Roll  int `json:"roll"`
}

func (v ViewpointSpec) String() string {
	return fmt.Sprintf("Y:%d, P:%d, R:%d", v.Yaw, v.Pitch, v.Roll)
}

// Settings is the immutable render bundle shared by every job in a batch.
// Construct it with NewSettings so that it is validated.
type Settings struct {
	HFOV         float64 `json:"hFov"`
	VFOV         float64 `json:"vFov"`
	Width        int     `json:"width"`
	FPS          float64 `json:"fps"`
	LUTPath      string  `json:"lutPath,omitempty"`
	Saturation   float64 `json:"saturation"`
	Contrast     float64 `json:"contrast"`
	Brightness   float64 `json:"brightness"`
	Gamma        float64 `json:"gamma"`
	outputHeight int
}

// Neutral colour values; an eq stage equal to these is skipped.
const (
	NeutralSaturation = 1.0
	NeutralContrast   = 1.0
	NeutralBrightness = 0.0
	NeutralGamma      = 1.0
)

// DefaultSettings mirrors the initial values of the desktop tool.
func DefaultSettings() Settings {
	return Settings{
		HFOV:       90,
		VFOV:       90,
		Width:      1920,
		FPS:        1,
		Saturation: NeutralSaturation,
		Contrast:   NeutralContrast,
		Brightness: NeutralBrightness,
		Gamma:      NeutralGamma,
	}
}

// ConfigurationError reports an invalid settings bundle. It is raised before
// any job is dispatched.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid render settings: %s %s", e.Field, e.Reason)
}

// NewSettings validates s and fixes its derived output height.
func NewSettings(s Settings) (Settings, error) {
	switch {
	case !positiveFinite(s.HFOV) || s.HFOV > 360:
		return Settings{}, &ConfigurationError{Field: "hFov", Reason: "must be in (0, 360]"}
	case !positiveFinite(s.VFOV) || s.VFOV > 360:
		return Settings{}, &ConfigurationError{Field: "vFov", Reason: "must be in (0, 360]"}
	case s.Width <= 0:
		return Settings{}, &ConfigurationError{Field: "width", Reason: "must be positive"}
	case !positiveFinite(s.FPS):
		return Settings{}, &ConfigurationError{Field: "fps", Reason: "must be positive"}
	case !positiveFinite(s.Gamma):
		return Settings{}, &ConfigurationError{Field: "gamma", Reason: "must be positive"}
	case math.IsNaN(s.Saturation) || math.IsNaN(s.Contrast) || math.IsNaN(s.Brightness):
		return Settings{}, &ConfigurationError{Field: "color", Reason: "must be a number"}
	}

	h, err := OutputHeight(s.Width, s.HFOV, s.VFOV)
	if err != nil {
		return Settings{}, err
	}
	s.outputHeight = h
	return s, nil
}

// OutputHeight derives the frame height that keeps the FOV aspect ratio.
func OutputHeight(width int, hfov, vfov float64) (int, error) {
	h := int(float64(width) * (vfov / hfov))
	if h <= 0 {
		return 0, &ConfigurationError{Field: "height", Reason: fmt.Sprintf("derived from width %d and fov %gx%g is not positive", width, hfov, vfov)}
	}
	return h, nil
}

// Height is the derived output height. Zero means s was not built by NewSettings.
func (s Settings) Height() int { return s.outputHeight }

// HasColorAdjustment reports whether the eq stage is needed.
func (s Settings) HasColorAdjustment() bool {
	return s.eqStage() != neutralEQ
}

var neutralEQ = Settings{
	Saturation: NeutralSaturation,
	Contrast:   NeutralContrast,
	Brightness: NeutralBrightness,
	Gamma:      NeutralGamma,
}.eqStage()

func (s Settings) eqStage() string {
	return fmt.Sprintf("eq=saturation=%s:contrast=%s:brightness=%s:gamma=%s",
		num(s.Saturation), num(s.Contrast), num(s.Brightness), num(s.Gamma))
}

// ColorStages returns the ordered colour stages: LUT first (only if the file
// exists), then eq (only if non-neutral).
func (s Settings) ColorStages() []string {
	var stages []string
	if s.LUTPath != "" {
		if _, err := os.Stat(s.LUTPath); err == nil {
			stages = append(stages, fmt.Sprintf("lut3d=file='%s'", EscapeFilterPath(s.LUTPath)))
		}
	}
	if s.HasColorAdjustment() {
		stages = append(stages, s.eqStage())
	}
	return stages
}

// EscapeFilterPath makes a filesystem path safe inside a filter argument.
func EscapeFilterPath(path string) string {
	if path == "" {
		return ""
	}
	path = strings.ReplaceAll(path, `\`, "/")
	return strings.ReplaceAll(path, ":", `\:`)
}

func positiveFinite(f float64) bool {
	return f > 0 && !math.IsInf(f, 0) && !math.IsNaN(f)
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
