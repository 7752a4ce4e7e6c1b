package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"v360batch/config"
	"v360batch/ffmpeg"
	"v360batch/render"

	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/zap"
)

// Runner is the engine process runner the orchestrator drives.
type Runner interface {
	RunSync(cmd ffmpeg.Command, sink ffmpeg.LogFunc) (string, error)
	RunAsync(cmd ffmpeg.Command, cancel ffmpeg.Canceller, onLine ffmpeg.LineFunc, sink ffmpeg.LogFunc) (ffmpeg.Outcome, error)
}

// Prober returns the total source duration in seconds, 0 when unknown.
type Prober interface {
	Probe(source string) float64
}

// Orchestrator runs batches of viewpoint jobs one at a time on a single
// background worker. It also owns the temporary directory used for preview
// stills, for its whole lifetime.
type Orchestrator struct {
	cfg        *config.Config
	runner     Runner
	prober     Prober
	sink       Sink
	logger     *zap.Logger
	outputArgs []string
	tempDir    string
	gate       func(dir string) error
	now        func() time.Time

	mu         sync.Mutex
	state      *RunState
	snap       Snapshot
	previewing bool
	closed     bool

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func New(cfg *config.Config, runner Runner, prober Prober, sink Sink, logger *zap.Logger) (*Orchestrator, error) {
	outputArgs, err := ffmpeg.ParseOutputArgs(cfg.OutputArgs)
	if err != nil {
		return nil, fmt.Errorf("invalid OUTPUT_ARGS: %w", err)
	}

	// Create and set a temporary directory for preview stills
	tempDir, err := os.MkdirTemp("", "v360batch_")
	if err != nil {
		return nil, fmt.Errorf("could not create temp directory: %w", err)
	}
	logger.Info("using temporary directory", zap.String("dir", tempDir))
	cfg.TempDir = tempDir

	return &Orchestrator{
		cfg:        cfg,
		runner:     runner,
		prober:     prober,
		sink:       sink,
		logger:     logger,
		outputArgs: outputArgs,
		tempDir:    tempDir,
		gate:       resourceGate(cfg, logger),
		now:        time.Now,
		snap:       Snapshot{State: StatusIdle},
	}, nil
}

// TempDir is where preview stills are written.
func (o *Orchestrator) TempDir() string { return o.tempDir }

// Submit validates settings and starts a batch in the background. It returns
// the batch ID. Invalid settings are reported as *render.ConfigurationError
// and nothing is dispatched.
func (o *Orchestrator) Submit(source string, views []render.ViewpointSpec, settings render.Settings) (string, error) {
	s, err := o.validate(source, views, settings)
	if err != nil {
		return "", err
	}

	sourceDir := filepath.Dir(source)
	if err := o.gate(sourceDir); err != nil {
		o.logger.Warn("batch refused by resource gate", zap.Error(err))
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return "", ErrClosed
	}
	if o.state != nil {
		return "", ErrBatchActive
	}
	if o.previewing {
		return "", ErrPreviewActive
	}

	id := fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix())
	started := o.now()
	state := newRunState(id, started)
	outputDir := filepath.Join(sourceDir, o.cfg.OutputDirName)

	o.state = state
	o.snap = Snapshot{
		ID:        id,
		State:     StatusProbing,
		Total:     len(views),
		Source:    source,
		OutputDir: outputDir,
		StartedAt: started,
	}

	jobViews := append([]render.ViewpointSpec(nil), views...)
	o.wg.Add(1)
	go o.run(state, source, outputDir, jobViews, s)

	o.logger.Info("batch submitted", zap.String("batch", id), zap.String("source", source), zap.Int("viewpoints", len(views)))
	return id, nil
}

// Cancel requests cancellation of the active batch. Repeated calls are
// no-ops. It takes effect at the next loop iteration or poll tick.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == nil {
		return ErrNoBatch
	}
	if o.state.Cancel() {
		o.snap.State = StatusCancelling
		o.logger.Info("batch cancellation requested", zap.String("batch", o.state.ID))
		o.sink.Log("--- Cancellation requested ---")
	}
	return nil
}

// Current returns a snapshot of the active or most recent batch.
func (o *Orchestrator) Current() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap
}

// Close cancels any active batch, waits for background work to unwind and
// removes the temporary directory. Only the first call has an effect.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		if o.state != nil {
			o.state.Cancel()
		}
		o.mu.Unlock()

		o.wg.Wait()
		o.closeErr = os.RemoveAll(o.tempDir)
		o.logger.Info("orchestrator closed", zap.String("temp_dir", o.tempDir))
	})
	return o.closeErr
}

func (o *Orchestrator) validate(source string, views []render.ViewpointSpec, settings render.Settings) (render.Settings, error) {
	s, err := render.NewSettings(settings)
	if err != nil {
		return render.Settings{}, err
	}
	if len(views) == 0 {
		return render.Settings{}, &render.ConfigurationError{Field: "viewpoints", Reason: "must not be empty"}
	}
	if o.cfg.MaxViewpoints > 0 && len(views) > o.cfg.MaxViewpoints {
		return render.Settings{}, &render.ConfigurationError{Field: "viewpoints", Reason: fmt.Sprintf("exceed the limit of %d", o.cfg.MaxViewpoints)}
	}
	if info, err := os.Stat(source); err != nil || info.IsDir() {
		return render.Settings{}, &render.ConfigurationError{Field: "source", Reason: "is not a readable file"}
	}
	return s, nil
}

// run is the batch worker. Exactly one BatchDone is emitted on every path.
func (o *Orchestrator) run(state *RunState, source, outputDir string, views []render.ViewpointSpec, s render.Settings) {
	defer o.wg.Done()
	batchActive.Inc()
	defer batchActive.Dec()

	total := len(views)
	var failed int
	cancelled := false

	defer func() {
		if r := recover(); r != nil {
			o.reportError(fmt.Sprintf("unexpected error while processing batch %s: %v\n%s", state.ID, r, debug.Stack()))
		}
		o.finish(state, state.Completed(), failed, total, cancelled, outputDir)
	}()

	o.sink.Log(fmt.Sprintf("--- Batch %s started: %d viewpoint(s) ---", state.ID, total))
	duration := o.prober.Probe(source)

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		o.reportError(fmt.Sprintf("could not create output directory %s: %v", outputDir, err))
		return
	}

	for index, v := range views {
		if !o.beginJob(state, index, total) {
			cancelled = true
			break
		}

		job, err := render.NewJob(index, total, source, outputDir, v, s, o.outputArgs)
		if err != nil {
			// Every remaining job would fail the same way.
			o.reportError(fmt.Sprintf("could not build command for viewpoint %s: %v", v, err))
			break
		}

		outcome, err := o.runJob(state, job, duration)
		if err != nil {
			failed++
			o.reportError(err.Error())
			o.setCounts(state.Completed(), failed)
			continue
		}
		if outcome == ffmpeg.Cancelled {
			cancelled = true
			break
		}

		state.completed.Add(1)
		o.setCounts(state.Completed(), failed)
		overall := OverallProgress(index+1, 0, total)
		o.sink.Progress(float64(index+1), float64(total),
			progressMessage(job.Description+" done", overall, state.Elapsed(o.now())))
	}
}

// beginJob observes the cancellation flag and emits the pre-job
// notification under the same lock Cancel takes, so no job start can follow
// a cancellation notice.
func (o *Orchestrator) beginJob(state *RunState, index, total int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if state.Cancelled() {
		return false
	}
	o.snap.State = StatusRunning
	o.snap.Index = index

	overall := OverallProgress(index, 0, total)
	label := fmt.Sprintf("processing viewpoint %d/%d", index+1, total)
	o.sink.Progress(float64(index), float64(total), progressMessage(label, overall, state.Elapsed(o.now())))
	return true
}

func (o *Orchestrator) runJob(state *RunState, job render.Job, duration float64) (ffmpeg.Outcome, error) {
	onLine := func(line string) {
		elapsed, ok := ffmpeg.ParseProgressTime(line)
		if !ok {
			return
		}
		task := TaskProgress(elapsed, duration)
		overall := OverallProgress(job.Index, task, job.Total)
		o.sink.Progress(float64(job.Index)+task, float64(job.Total),
			progressMessage(job.Description, overall, state.Elapsed(o.now())))
	}

	start := o.now()
	cmd := ffmpeg.Command{Description: job.Description, Args: job.Args}
	outcome, err := o.runner.RunAsync(cmd, state, onLine, o.sink.Log)
	jobDuration.Observe(o.now().Sub(start).Seconds())

	switch {
	case err != nil:
		jobsTotal.WithLabelValues("failed").Inc()
	case outcome == ffmpeg.Cancelled:
		jobsTotal.WithLabelValues("cancelled").Inc()
	default:
		jobsTotal.WithLabelValues("succeeded").Inc()
	}
	return outcome, err
}

func (o *Orchestrator) setCounts(succeeded, failed int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snap.Succeeded = succeeded
	o.snap.Failed = failed
}

// finish records the terminal state, retires the RunState and emits
// BatchDone while holding the lock, so a new batch cannot interleave.
func (o *Orchestrator) finish(state *RunState, succeeded, failed, total int, cancelled bool, outputDir string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	result := terminalStatus(succeeded, total, cancelled)
	o.snap.State = result
	o.snap.Succeeded = succeeded
	o.snap.Failed = failed
	o.snap.FinishedAt = o.now()
	o.state = nil
	batchesTotal.WithLabelValues(string(result)).Inc()

	o.logger.Info("batch finished",
		zap.String("batch", state.ID),
		zap.String("result", string(result)),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("total", total),
		zap.Duration("elapsed", state.Elapsed(o.now())),
	)

	switch result {
	case StatusCancelled:
		o.sink.Log(fmt.Sprintf("Processing cancelled. (%d/%d completed)", succeeded, total))
	case StatusCompleted:
		o.sink.Log(fmt.Sprintf("All viewpoints completed.\nOutput: %s", outputDir))
	default:
		o.sink.Log(fmt.Sprintf("Some viewpoints failed. (%d/%d completed)", succeeded, total))
	}
	o.sink.BatchDone(succeeded, total, cancelled, outputDir)
}

func (o *Orchestrator) reportError(detail string) {
	o.logger.Error("batch error", zap.String("detail", detail))
	o.sink.Error(detail)
}
