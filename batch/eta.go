package batch

import (
	"fmt"
	"time"
)

// etaThreshold is the overall fraction below which no ETA is reported.
const etaThreshold = 0.01

// TaskProgress is the completed fraction of the current job. An unknown
// (zero) total duration yields 0.
func TaskProgress(elapsed, totalDuration float64) float64 {
	if totalDuration <= 0 {
		return 0
	}
	return clamp(elapsed/totalDuration, 0, 1)
}

// OverallProgress is the completed fraction of the whole batch.
func OverallProgress(index int, task float64, totalJobs int) float64 {
	if totalJobs <= 0 {
		return 0
	}
	return (float64(index) + task) / float64(totalJobs)
}

// EstimateRemaining extrapolates the remaining wall-clock time. ok is false
// while overall is at or below the reporting threshold.
func EstimateRemaining(elapsed time.Duration, overall float64) (remaining time.Duration, ok bool) {
	if overall <= etaThreshold {
		return 0, false
	}
	secs := elapsed.Seconds()/overall - elapsed.Seconds()
	if secs < 0 {
		secs = 0
	}
	return time.Duration(secs * float64(time.Second)), true
}

// FormatRemaining renders d as H:MM:SS, or MM:SS when under an hour.
func FormatRemaining(d time.Duration) string {
	total := int64(d.Round(time.Second) / time.Second)
	if total < 0 {
		total = 0
	}
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func progressMessage(label string, overall float64, elapsed time.Duration) string {
	msg := fmt.Sprintf("%s - %.1f%%", label, overall*100)
	if eta, ok := EstimateRemaining(elapsed, overall); ok {
		msg += " - remaining " + FormatRemaining(eta)
	}
	return msg
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
