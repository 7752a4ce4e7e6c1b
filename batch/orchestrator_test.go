package batch

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"v360batch/config"
	"v360batch/ffmpeg"
	"v360batch/render"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// mockRunner is a mock implementation of the Runner interface for testing.
type mockRunner struct {
	mu        sync.Mutex
	asyncCmds []ffmpeg.Command
	syncCmds  []ffmpeg.Command
	asyncFunc func(n int, cmd ffmpeg.Command, cancel ffmpeg.Canceller, onLine ffmpeg.LineFunc) (ffmpeg.Outcome, error)
	syncFunc  func(cmd ffmpeg.Command) (string, error)
}

func (m *mockRunner) RunSync(cmd ffmpeg.Command, sink ffmpeg.LogFunc) (string, error) {
	m.mu.Lock()
	m.syncCmds = append(m.syncCmds, cmd)
	m.mu.Unlock()
	if m.syncFunc != nil {
		return m.syncFunc(cmd)
	}
	return "", nil
}

func (m *mockRunner) RunAsync(cmd ffmpeg.Command, cancel ffmpeg.Canceller, onLine ffmpeg.LineFunc, sink ffmpeg.LogFunc) (ffmpeg.Outcome, error) {
	m.mu.Lock()
	n := len(m.asyncCmds)
	m.asyncCmds = append(m.asyncCmds, cmd)
	m.mu.Unlock()
	if m.asyncFunc != nil {
		return m.asyncFunc(n, cmd, cancel, onLine)
	}
	return ffmpeg.Completed, nil
}

func (m *mockRunner) async() []ffmpeg.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ffmpeg.Command(nil), m.asyncCmds...)
}

type fixedProber float64

func (p fixedProber) Probe(string) float64 { return float64(p) }

type event struct {
	kind      string
	current   float64
	total     float64
	text      string
	succeeded int
	jobs      int
	cancelled bool
	outputDir string
	previews  []Preview
}

// recordingSink captures every notification in arrival order.
type recordingSink struct {
	mu      sync.Mutex
	events  []event
	done    chan struct{}
	preview chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{done: make(chan struct{}, 1), preview: make(chan struct{}, 1)}
}

func (r *recordingSink) add(e event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) Log(text string)    { r.add(event{kind: "log", text: text}) }
func (r *recordingSink) Error(detail string) { r.add(event{kind: "error", text: detail}) }
func (r *recordingSink) Progress(current, total float64, message string) {
	r.add(event{kind: "progress", current: current, total: total, text: message})
}
func (r *recordingSink) BatchDone(succeeded, total int, cancelled bool, outputDir string) {
	r.add(event{kind: "done", succeeded: succeeded, jobs: total, cancelled: cancelled, outputDir: outputDir})
	r.done <- struct{}{}
}
func (r *recordingSink) FirstFrameReady(path string) { r.add(event{kind: "first_frame", text: path}) }
func (r *recordingSink) PreviewsReady(previews []Preview) {
	r.add(event{kind: "previews", previews: previews})
	r.preview <- struct{}{}
}

func (r *recordingSink) all() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func (r *recordingSink) ofKind(kind string) []event {
	var out []event
	for _, e := range r.all() {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingSink) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish")
	}
}

func (r *recordingSink) waitPreview(t *testing.T) {
	t.Helper()
	select {
	case <-r.preview:
	case <-time.After(5 * time.Second):
		t.Fatal("preview did not finish")
	}
}

func testConfig() *config.Config {
	return &config.Config{
		OutputDirName: "output_images",
		OutputArgs:    "-qmin 1 -q:v 1",
		PreviewSize:   64,
		MaxViewpoints: 10,
		PollInterval:  10 * time.Millisecond,
	}
}

func newTestOrchestrator(t *testing.T, runner Runner, prober Prober) (*Orchestrator, *recordingSink, string) {
	t.Helper()
	sink := newRecordingSink()
	o, err := New(testConfig(), runner, prober, sink, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })

	source := filepath.Join(t.TempDir(), "in.mp4")
	require.NoError(t, os.WriteFile(source, []byte("not really a video"), 0o644))
	return o, sink, source
}

func threeViews() []render.ViewpointSpec {
	return []render.ViewpointSpec{{Yaw: 0}, {Yaw: 90}, {Yaw: 180, Pitch: -30}}
}

func completionEvents(events []event) []event {
	var out []event
	for _, e := range events {
		if e.kind == "progress" && strings.Contains(e.text, " done - ") {
			out = append(out, e)
		}
	}
	return out
}

func TestOrchestrator_AllSucceed(t *testing.T) {
	runner := &mockRunner{
		asyncFunc: func(n int, cmd ffmpeg.Command, cancel ffmpeg.Canceller, onLine ffmpeg.LineFunc) (ffmpeg.Outcome, error) {
			onLine("Input #0, mov, from 'in.mp4':")
			onLine("frame=  1 fps=0.0 time=00:00:05.00 bitrate=N/A")
			onLine("frame=  2 fps=0.0 time=00:00:10.00 bitrate=N/A")
			return ffmpeg.Completed, nil
		},
	}
	o, sink, source := newTestOrchestrator(t, runner, fixedProber(10))
	before := testutil.ToFloat64(batchesTotal.WithLabelValues(string(StatusCompleted)))

	id, err := o.Submit(source, threeViews(), render.DefaultSettings())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	sink.waitDone(t)

	events := sink.all()
	last := events[len(events)-1]
	assert.Equal(t, "done", last.kind)
	assert.Equal(t, 3, last.succeeded)
	assert.Equal(t, 3, last.jobs)
	assert.False(t, last.cancelled)
	assert.Equal(t, filepath.Join(filepath.Dir(source), "output_images"), last.outputDir)
	assert.DirExists(t, last.outputDir)

	assert.Len(t, completionEvents(events), 3)
	assert.Len(t, sink.ofKind("done"), 1)
	assert.Empty(t, sink.ofKind("error"))

	prev := -1.0
	for _, e := range sink.ofKind("progress") {
		assert.Equal(t, 3.0, e.total)
		assert.GreaterOrEqual(t, e.current, prev, e.text)
		prev = e.current
	}
	assert.Equal(t, 3.0, prev)

	snap := o.Current()
	assert.Equal(t, id, snap.ID)
	assert.Equal(t, StatusCompleted, snap.State)
	assert.Equal(t, 3, snap.Succeeded)
	assert.Equal(t, before+1, testutil.ToFloat64(batchesTotal.WithLabelValues(string(StatusCompleted))))

	cmds := runner.async()
	require.Len(t, cmds, 3)
	assert.Equal(t, "viewpoint 3/3 (Y:180, P:-30)", cmds[2].Description)
	assert.Contains(t, cmds[0].Args, source)
	assert.Equal(t, filepath.Join(last.outputDir, "Y+180_P-30_t%08d.jpg"), cmds[2].Args[len(cmds[2].Args)-1])
}

func TestOrchestrator_ProgressFromDiagnosticLines(t *testing.T) {
	runner := &mockRunner{
		asyncFunc: func(n int, cmd ffmpeg.Command, cancel ffmpeg.Canceller, onLine ffmpeg.LineFunc) (ffmpeg.Outcome, error) {
			onLine("frame=  1 time=00:00:05.00 bitrate=N/A")
			return ffmpeg.Completed, nil
		},
	}
	o, sink, source := newTestOrchestrator(t, runner, fixedProber(10))

	_, err := o.Submit(source, []render.ViewpointSpec{{Yaw: 0}, {Yaw: 90}}, render.DefaultSettings())
	require.NoError(t, err)
	sink.waitDone(t)

	var mid []float64
	for _, e := range sink.ofKind("progress") {
		if strings.HasPrefix(e.text, "viewpoint") && !strings.Contains(e.text, " done - ") {
			mid = append(mid, e.current)
		}
	}
	assert.Equal(t, []float64{0.5, 1.5}, mid)
}

func TestOrchestrator_UnknownDurationReportsNoFraction(t *testing.T) {
	runner := &mockRunner{
		asyncFunc: func(n int, cmd ffmpeg.Command, cancel ffmpeg.Canceller, onLine ffmpeg.LineFunc) (ffmpeg.Outcome, error) {
			onLine("frame=  1 time=00:00:05.00 bitrate=N/A")
			return ffmpeg.Completed, nil
		},
	}
	o, sink, source := newTestOrchestrator(t, runner, fixedProber(0))

	_, err := o.Submit(source, []render.ViewpointSpec{{Yaw: 0}, {Yaw: 90}}, render.DefaultSettings())
	require.NoError(t, err)
	sink.waitDone(t)

	for _, e := range sink.ofKind("progress") {
		if strings.HasPrefix(e.text, "viewpoint") && !strings.Contains(e.text, " done - ") {
			assert.Equal(t, float64(int(e.current)), e.current)
		}
	}
	assert.Equal(t, 2, sink.ofKind("done")[0].succeeded)
}

func TestOrchestrator_PartialFailure(t *testing.T) {
	engineErr := &ffmpeg.ExecError{
		Kind:        ffmpeg.KindEngineExit,
		Description: "viewpoint 2/3",
		Command:     []string{"ffmpeg", "-y"},
		Stderr:      "Invalid argument\n",
		ExitCode:    1,
	}
	runner := &mockRunner{
		asyncFunc: func(n int, cmd ffmpeg.Command, cancel ffmpeg.Canceller, onLine ffmpeg.LineFunc) (ffmpeg.Outcome, error) {
			if n == 1 {
				return ffmpeg.Completed, engineErr
			}
			return ffmpeg.Completed, nil
		},
	}
	o, sink, source := newTestOrchestrator(t, runner, fixedProber(10))

	_, err := o.Submit(source, threeViews(), render.DefaultSettings())
	require.NoError(t, err)
	sink.waitDone(t)

	errs := sink.ofKind("error")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].text, "Invalid argument")
	assert.Contains(t, errs[0].text, "ffmpeg -y")

	done := sink.ofKind("done")
	require.Len(t, done, 1)
	assert.Equal(t, 2, done[0].succeeded)
	assert.Equal(t, 3, done[0].jobs)
	assert.False(t, done[0].cancelled)

	assert.Len(t, runner.async(), 3)
	snap := o.Current()
	assert.Equal(t, StatusPartiallyFailed, snap.State)
	assert.Equal(t, 1, snap.Failed)
}

func TestOrchestrator_AllFail(t *testing.T) {
	runner := &mockRunner{
		asyncFunc: func(n int, cmd ffmpeg.Command, cancel ffmpeg.Canceller, onLine ffmpeg.LineFunc) (ffmpeg.Outcome, error) {
			return ffmpeg.Completed, &ffmpeg.ExecError{Kind: ffmpeg.KindSpawn, Err: errors.New("exec: not found")}
		},
	}
	o, sink, source := newTestOrchestrator(t, runner, fixedProber(10))

	_, err := o.Submit(source, threeViews(), render.DefaultSettings())
	require.NoError(t, err)
	sink.waitDone(t)

	// Spawn failures are job-scoped: every job is still attempted.
	assert.Len(t, runner.async(), 3)
	assert.Len(t, sink.ofKind("error"), 3)
	assert.Equal(t, 0, sink.ofKind("done")[0].succeeded)
	assert.Equal(t, StatusFailed, o.Current().State)
}

func TestOrchestrator_Cancel(t *testing.T) {
	started := make(chan struct{})
	runner := &mockRunner{
		asyncFunc: func(n int, cmd ffmpeg.Command, cancel ffmpeg.Canceller, onLine ffmpeg.LineFunc) (ffmpeg.Outcome, error) {
			if n == 0 {
				return ffmpeg.Completed, nil
			}
			close(started)
			for !cancel.Cancelled() {
				time.Sleep(5 * time.Millisecond)
			}
			return ffmpeg.Cancelled, nil
		},
	}
	o, sink, source := newTestOrchestrator(t, runner, fixedProber(10))

	_, err := o.Submit(source, threeViews(), render.DefaultSettings())
	require.NoError(t, err)

	<-started
	require.NoError(t, o.Cancel())
	require.NoError(t, o.Cancel())
	sink.waitDone(t)

	done := sink.ofKind("done")
	require.Len(t, done, 1)
	assert.Equal(t, 1, done[0].succeeded)
	assert.Equal(t, 3, done[0].jobs)
	assert.True(t, done[0].cancelled)

	// The third viewpoint is never dispatched.
	assert.Len(t, runner.async(), 2)
	assert.Equal(t, StatusCancelled, o.Current().State)

	var requested int
	seenCancel := false
	for _, e := range sink.all() {
		if e.kind == "log" && e.text == "--- Cancellation requested ---" {
			requested++
			seenCancel = true
		}
		if seenCancel && e.kind == "progress" {
			assert.False(t, strings.HasPrefix(e.text, "processing viewpoint"), "job start after cancellation: %s", e.text)
		}
	}
	assert.Equal(t, 1, requested)

	// Batch is over; the RunState is gone.
	assert.ErrorIs(t, o.Cancel(), ErrNoBatch)
}

func TestOrchestrator_CancelBetweenJobs(t *testing.T) {
	var o *Orchestrator
	runner := &mockRunner{
		asyncFunc: func(n int, cmd ffmpeg.Command, cancel ffmpeg.Canceller, onLine ffmpeg.LineFunc) (ffmpeg.Outcome, error) {
			// The job itself finishes; cancellation is seen at the next iteration.
			require.NoError(t, o.Cancel())
			return ffmpeg.Completed, nil
		},
	}
	o, sink, source := newTestOrchestrator(t, runner, fixedProber(10))

	_, err := o.Submit(source, threeViews(), render.DefaultSettings())
	require.NoError(t, err)
	sink.waitDone(t)

	done := sink.ofKind("done")[0]
	assert.True(t, done.cancelled)
	assert.Equal(t, 1, done.succeeded)
	assert.Len(t, runner.async(), 1)
}

func TestOrchestrator_CancelWithoutBatch(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &mockRunner{}, fixedProber(0))
	assert.ErrorIs(t, o.Cancel(), ErrNoBatch)
	assert.Equal(t, StatusIdle, o.Current().State)
}

func TestOrchestrator_ConfigurationError(t *testing.T) {
	runner := &mockRunner{}
	o, sink, source := newTestOrchestrator(t, runner, fixedProber(10))

	bad := render.DefaultSettings()
	bad.Width = 0
	_, err := o.Submit(source, threeViews(), bad)

	var ce *render.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "width", ce.Field)

	_, err = o.Submit(source, nil, render.DefaultSettings())
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "viewpoints", ce.Field)

	_, err = o.Submit(filepath.Join(t.TempDir(), "missing.mp4"), threeViews(), render.DefaultSettings())
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "source", ce.Field)

	tooMany := make([]render.ViewpointSpec, 11)
	_, err = o.Submit(source, tooMany, render.DefaultSettings())
	require.ErrorAs(t, err, &ce)

	assert.Empty(t, runner.async())
	assert.Empty(t, sink.all())
}

func TestOrchestrator_RejectsSecondBatch(t *testing.T) {
	release := make(chan struct{})
	runner := &mockRunner{
		asyncFunc: func(n int, cmd ffmpeg.Command, cancel ffmpeg.Canceller, onLine ffmpeg.LineFunc) (ffmpeg.Outcome, error) {
			<-release
			return ffmpeg.Completed, nil
		},
	}
	o, sink, source := newTestOrchestrator(t, runner, fixedProber(10))

	_, err := o.Submit(source, threeViews(), render.DefaultSettings())
	require.NoError(t, err)

	_, err = o.Submit(source, threeViews(), render.DefaultSettings())
	assert.ErrorIs(t, err, ErrBatchActive)
	assert.ErrorIs(t, o.Preview(source, threeViews(), render.DefaultSettings()), ErrBatchActive)

	close(release)
	sink.waitDone(t)

	// A finished batch frees the orchestrator for the next one.
	_, err = o.Submit(source, threeViews(), render.DefaultSettings())
	require.NoError(t, err)
	sink.waitDone(t)
}

func TestOrchestrator_RecoversFromPanic(t *testing.T) {
	runner := &mockRunner{
		asyncFunc: func(n int, cmd ffmpeg.Command, cancel ffmpeg.Canceller, onLine ffmpeg.LineFunc) (ffmpeg.Outcome, error) {
			panic("boom")
		},
	}
	o, sink, source := newTestOrchestrator(t, runner, fixedProber(10))

	_, err := o.Submit(source, threeViews(), render.DefaultSettings())
	require.NoError(t, err)
	sink.waitDone(t)

	errs := sink.ofKind("error")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].text, "boom")

	events := sink.all()
	assert.Equal(t, "done", events[len(events)-1].kind)
	assert.Equal(t, StatusFailed, o.Current().State)
}

func TestOrchestrator_ResourceGateRefusal(t *testing.T) {
	runner := &mockRunner{}
	o, sink, source := newTestOrchestrator(t, runner, fixedProber(10))
	o.gate = func(string) error { return ErrInsufficientResources }

	_, err := o.Submit(source, threeViews(), render.DefaultSettings())
	assert.ErrorIs(t, err, ErrInsufficientResources)
	assert.Empty(t, sink.all())
	assert.Equal(t, StatusIdle, o.Current().State)
}

func TestOrchestrator_ETAUsesWallClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var (
		mu  sync.Mutex
		now = start
	)
	runner := &mockRunner{
		asyncFunc: func(n int, cmd ffmpeg.Command, cancel ffmpeg.Canceller, onLine ffmpeg.LineFunc) (ffmpeg.Outcome, error) {
			mu.Lock()
			now = now.Add(10 * time.Second)
			mu.Unlock()
			onLine("time=00:00:05.00")
			return ffmpeg.Completed, nil
		},
	}
	o, sink, source := newTestOrchestrator(t, runner, fixedProber(10))
	o.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	_, err := o.Submit(source, []render.ViewpointSpec{{Yaw: 0}, {Yaw: 90}}, render.DefaultSettings())
	require.NoError(t, err)
	sink.waitDone(t)

	progress := sink.ofKind("progress")
	// First pre-job event sits at 0%: no ETA.
	assert.NotContains(t, progress[0].text, "remaining")
	// Job 1 halfway after 10s: overall 25%, remaining 30s.
	assert.Equal(t, "viewpoint 1/2 (Y:0, P:0) - 25.0% - remaining 00:30", progress[1].text)
}

func TestOrchestrator_CloseRemovesTempDir(t *testing.T) {
	sink := newRecordingSink()
	o, err := New(testConfig(), &mockRunner{}, fixedProber(0), sink, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.DirExists(t, o.TempDir())

	require.NoError(t, o.Close())
	assert.NoDirExists(t, o.TempDir())
	require.NoError(t, o.Close())

	_, err = o.Submit("in.mp4", threeViews(), render.DefaultSettings())
	assert.Error(t, err)
}

func TestNewRejectsBadOutputArgs(t *testing.T) {
	cfg := testConfig()
	cfg.OutputArgs = "-i other.mp4"
	_, err := New(cfg, &mockRunner{}, fixedProber(0), newRecordingSink(), zaptest.NewLogger(t))
	assert.Error(t, err)
}
