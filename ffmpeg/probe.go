package ffmpeg

import (
	"go.uber.org/zap"
)

// SyncRunner is the part of Runner the duration probe needs.
type SyncRunner interface {
	RunSync(cmd Command, sink LogFunc) (string, error)
}

// Prober asks the engine for the total duration of a source.
type Prober struct {
	runner SyncRunner
	logger *zap.Logger
}

func NewProber(runner SyncRunner, logger *zap.Logger) *Prober {
	return &Prober{runner: runner, logger: logger}
}

// Probe returns the source duration in seconds, or 0 when it cannot be
// discovered. It blocks until the engine exits.
func (p *Prober) Probe(source string) float64 {
	cmd := Command{
		Description: "duration probe",
		Args:        []string{"-hide_banner", "-i", source},
	}

	// Without an output file ffmpeg exits 1 after printing the input banner,
	// so an engine-exit error still carries a usable stream.
	out, err := p.runner.RunSync(cmd, nil)
	if err != nil && !IsKind(err, KindEngineExit) {
		p.logger.Warn("duration probe could not run", zap.String("source", source), zap.Error(err))
		return 0
	}

	secs := ScanDuration(out)
	if secs == 0 {
		p.logger.Warn("source duration unknown, progress will not be estimated", zap.String("source", source))
	} else {
		p.logger.Debug("source duration probed", zap.String("source", source), zap.Float64("seconds", secs))
	}
	return secs
}
