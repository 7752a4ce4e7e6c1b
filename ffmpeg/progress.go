package ffmpeg

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// time=HH:MM:SS.ff on ffmpeg's periodic status line
	progressTimeRe = regexp.MustCompile(`time=\s*(\d+):(\d+):(\d+\.\d+)`)
	// Duration: HH:MM:SS.ff in the input banner
	durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d+):(\d+\.\d+)`)
)

// ParseProgressTime extracts the elapsed time, in seconds, from one line of
// ffmpeg diagnostic output. Lines without a time= field (including
// time=N/A) report ok == false.
func ParseProgressTime(line string) (seconds float64, ok bool) {
	return parseClock(progressTimeRe, line)
}

// ParseDuration extracts the total input duration, in seconds, from a
// "Duration: HH:MM:SS.ff" banner line.
func ParseDuration(line string) (seconds float64, ok bool) {
	return parseClock(durationRe, line)
}

// ScanDuration returns the first duration found in a multi-line diagnostic
// dump, or 0 when there is none.
func ScanDuration(text string) float64 {
	for _, line := range strings.Split(text, "\n") {
		if secs, ok := ParseDuration(line); ok {
			return secs
		}
	}
	return 0
}

func parseClock(re *regexp.Regexp, line string) (float64, bool) {
	m := re.FindStringSubmatch(line)
	if len(m) != 4 {
		return 0, false
	}

	hours, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, false
	}
	secs, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}

	return float64(hours*3600+mins*60) + secs, true
}
