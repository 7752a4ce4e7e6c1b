package ffmpeg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"v360batch/config"

	"go.uber.org/zap"
)

const (
	defaultPollInterval   = 100 * time.Millisecond
	defaultTerminateGrace = 5 * time.Second
	maxLineSize           = 1 << 20
)

// Outcome is the non-error result of an asynchronous run.
type Outcome int

const (
	Completed Outcome = iota
	Cancelled
)

func (o Outcome) String() string {
	if o == Cancelled {
		return "cancelled"
	}
	return "completed"
}

// Command is one engine invocation. Args excludes the binary.
type Command struct {
	Description string
	Args        []string
}

// LogFunc receives human-readable start/finish banners. It may be nil.
type LogFunc func(msg string)

// LineFunc receives every diagnostic line in the order the engine wrote it.
type LineFunc func(line string)

// Canceller is polled by RunAsync between process liveness checks.
type Canceller interface {
	Cancelled() bool
}

// Runner spawns the engine. One Runner must not be used for two concurrent
// invocations; callers serialize access.
type Runner struct {
	bin            string
	pollInterval   time.Duration
	terminateGrace time.Duration
	logger         *zap.Logger
}

func NewRunner(cfg *config.Config, logger *zap.Logger) (*Runner, error) {
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}

	r := &Runner{
		bin:            cfg.FFBin,
		pollInterval:   cfg.PollInterval,
		terminateGrace: cfg.TerminateGrace,
		logger:         logger,
	}
	if r.pollInterval <= 0 {
		r.pollInterval = defaultPollInterval
	}
	if r.terminateGrace <= 0 {
		r.terminateGrace = defaultTerminateGrace
	}
	return r, nil
}

func (r *Runner) argv(cmd Command) []string {
	return append([]string{r.bin}, cmd.Args...)
}

// RunSync runs cmd to completion and returns its captured stderr. On failure
// the returned error is an *ExecError and the stderr is returned as well.
func (r *Runner) RunSync(cmd Command, sink LogFunc) (string, error) {
	argv := r.argv(cmd)
	emit(sink, fmt.Sprintf("--- Running %s (sync) ---\n%s", cmd.Description, strings.Join(argv, " ")))

	c := exec.Command(r.bin, cmd.Args...)
	var stderr bytes.Buffer
	c.Stderr = &stderr

	r.logger.Debug("executing", zap.String("description", cmd.Description), zap.Strings("argv", argv))
	if err := c.Start(); err != nil {
		return "", r.fail(&ExecError{Kind: KindSpawn, Description: cmd.Description, Command: argv, Err: err})
	}

	waitErr := c.Wait()
	out := stderr.String()
	if waitErr != nil {
		return out, r.fail(exitError(cmd, argv, out, waitErr))
	}

	emit(sink, fmt.Sprintf("--- %s succeeded ---", cmd.Description))
	return out, nil
}

// RunAsync runs cmd while a reader goroutine feeds each diagnostic line to
// onLine. The supervising loop checks liveness every poll interval and
// consults cancel on every tick. Once cancellation is observed the process
// is asked to terminate and, after the grace period, killed; RunAsync only
// returns after the process has exited and the reader has drained the pipe.
func (r *Runner) RunAsync(cmd Command, cancel Canceller, onLine LineFunc, sink LogFunc) (Outcome, error) {
	argv := r.argv(cmd)
	emit(sink, fmt.Sprintf("--- Running %s (async) ---\n%s", cmd.Description, strings.Join(argv, " ")))

	pr, pw, err := os.Pipe()
	if err != nil {
		return Completed, r.fail(&ExecError{Kind: KindUnexpected, Description: cmd.Description, Command: argv, Err: err})
	}

	c := exec.Command(r.bin, cmd.Args...)
	c.Stderr = pw

	r.logger.Debug("executing", zap.String("description", cmd.Description), zap.Strings("argv", argv))
	if err := c.Start(); err != nil {
		pr.Close()
		pw.Close()
		return Completed, r.fail(&ExecError{Kind: KindSpawn, Description: cmd.Description, Command: argv, Err: err})
	}
	// The child holds its own copy of the write end; ours must go so the
	// reader sees EOF when the child exits.
	pw.Close()

	var captured strings.Builder
	readerDone := make(chan error, 1)
	go func() {
		readerDone <- readLines(pr, &captured, onLine)
	}()

	exited := make(chan error, 1)
	go func() {
		exited <- c.Wait()
	}()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case waitErr := <-exited:
			// The process exited on its own; a flag set after that is seen
			// by the caller before the next job, not here.
			readErr := <-readerDone
			out := captured.String()
			if waitErr != nil {
				return Completed, r.fail(exitError(cmd, argv, out, waitErr))
			}
			if readErr != nil {
				return Completed, r.fail(&ExecError{Kind: KindUnexpected, Description: cmd.Description, Command: argv, Stderr: out, Err: readErr})
			}
			emit(sink, fmt.Sprintf("--- %s succeeded ---", cmd.Description))
			return Completed, nil

		case <-ticker.C:
			if cancel == nil || !cancel.Cancelled() {
				continue
			}
			emit(sink, fmt.Sprintf("--- Cancelling %s ---", cmd.Description))
			r.terminate(c.Process, exited)
			<-readerDone
			emit(sink, fmt.Sprintf("--- %s cancelled ---", cmd.Description))
			return Cancelled, nil
		}
	}
}

// terminate sends SIGTERM, escalates to Kill after the grace period, and
// blocks until exited delivers.
func (r *Runner) terminate(p *os.Process, exited <-chan error) {
	if err := p.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		// Platforms without SIGTERM delivery.
		_ = p.Kill()
	}

	select {
	case <-exited:
		return
	case <-time.After(r.terminateGrace):
	}

	r.logger.Warn("process ignored SIGTERM, killing", zap.Int("pid", p.Pid), zap.Duration("grace", r.terminateGrace))
	_ = p.Kill()
	<-exited
}

func (r *Runner) fail(ee *ExecError) error {
	r.logger.Error("engine invocation failed",
		zap.String("kind", ee.Kind.String()),
		zap.String("description", ee.Description),
		zap.Strings("argv", ee.Command),
		zap.Int("exit_code", ee.ExitCode),
		zap.Error(ee.Err),
	)
	return ee
}

func exitError(cmd Command, argv []string, stderr string, err error) *ExecError {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExecError{
			Kind:        KindEngineExit,
			Description: cmd.Description,
			Command:     argv,
			Stderr:      stderr,
			ExitCode:    exitErr.ExitCode(),
			Err:         err,
		}
	}
	return &ExecError{Kind: KindUnexpected, Description: cmd.Description, Command: argv, Stderr: stderr, Err: err}
}

// readLines copies r into captured line by line, calling onLine for each.
// After a scan error the rest of the pipe is still drained so the child
// never blocks on a full pipe.
func readLines(rc io.ReadCloser, captured *strings.Builder, onLine LineFunc) error {
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scanner.Split(scanLinesWithCR)

	for scanner.Scan() {
		line := scanner.Text()
		captured.WriteString(line)
		captured.WriteByte('\n')
		if onLine != nil {
			onLine(line)
		}
	}

	err := scanner.Err()
	if err != nil {
		_, _ = io.Copy(captured, rc)
	}
	return err
}

// scanLinesWithCR handles both \r and \n as line delimiters; ffmpeg
// rewrites its status line with bare carriage returns.
func scanLinesWithCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	for i := 0; i < len(data); i++ {
		if data[i] == '\r' || data[i] == '\n' {
			advance = i + 1
			for advance < len(data) && (data[advance] == '\r' || data[advance] == '\n') {
				advance++
			}
			return advance, data[0:i], nil
		}
	}

	if atEOF {
		return len(data), data, nil
	}

	return 0, nil, nil
}

func emit(sink LogFunc, msg string) {
	if sink != nil {
		sink(msg)
	}
}
