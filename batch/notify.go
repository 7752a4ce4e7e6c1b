package batch

// Notifier receives batch notifications. Calls arrive on the worker
// goroutine; implementations must hand them to whatever owns user-visible
// state and must not call back into the Orchestrator.
type Notifier interface {
	Log(text string)
	Error(detail string)
	Progress(current, total float64, message string)
	BatchDone(succeeded, total int, cancelled bool, outputDir string)
}

// Preview is one generated still for a viewpoint.
type Preview struct {
	Yaw   int    `json:"yaw"`
	Pitch int    `json:"pitch"`
	Path  string `json:"path"`
}

// PreviewNotifier receives preview pipeline notifications. PreviewsReady
// receives nil when the pipeline failed before producing any still.
type PreviewNotifier interface {
	FirstFrameReady(path string)
	PreviewsReady(previews []Preview)
}

// Sink is everything the Orchestrator emits on.
type Sink interface {
	Notifier
	PreviewNotifier
}
