package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"

	"v360batch/ffmpeg"
	"v360batch/render"

	"go.uber.org/zap"
)

const defaultPreviewSize = 480

// Preview extracts the first frame of source and renders one still per
// viewpoint into the temporary directory, in the background. It shares the
// engine with batches, so it is refused while one is active.
func (o *Orchestrator) Preview(source string, views []render.ViewpointSpec, settings render.Settings) error {
	s, err := o.validate(source, views, settings)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}
	if o.state != nil {
		return ErrBatchActive
	}
	if o.previewing {
		return ErrPreviewActive
	}
	o.previewing = true

	jobViews := append([]render.ViewpointSpec(nil), views...)
	o.wg.Add(1)
	go o.preview(source, jobViews, s)
	return nil
}

func (o *Orchestrator) preview(source string, views []render.ViewpointSpec, s render.Settings) {
	defer o.wg.Done()

	var previews []Preview
	defer func() {
		if r := recover(); r != nil {
			o.reportError(fmt.Sprintf("unexpected error while generating previews: %v\n%s", r, debug.Stack()))
			previews = nil
		}
		o.finishPreview(previews)
	}()

	o.sink.Log("Generating preview images...")

	first := filepath.Join(o.tempDir, "first_frame.png")
	extract := ffmpeg.Command{Description: "first frame extraction", Args: render.FirstFrameArgs(source, first)}
	if _, err := o.runner.RunSync(extract, o.sink.Log); err != nil {
		o.reportError(err.Error())
		return
	}
	o.sink.FirstFrameReady(first)

	size := o.cfg.PreviewSize
	if size <= 0 {
		size = defaultPreviewSize
	}

	previews = make([]Preview, 0, len(views))
	for i, v := range views {
		o.sink.Log(fmt.Sprintf("  - preview %d/%d (Y:%d, P:%d)", i+1, len(views), v.Yaw, v.Pitch))

		out := filepath.Join(o.tempDir, fmt.Sprintf("preview_after_%d.jpg", i))
		cmd := ffmpeg.Command{
			Description: fmt.Sprintf("preview %d", i+1),
			Args:        render.PreviewArgs(first, out, v, s, size),
		}
		if _, err := o.runner.RunSync(cmd, nil); err != nil {
			o.logger.Warn("preview failed", zap.Int("index", i), zap.Error(err))
			o.sink.Log("Preview generation failed: " + err.Error())
			continue
		}
		previews = append(previews, Preview{Yaw: v.Yaw, Pitch: v.Pitch, Path: out})
	}

	o.sink.Log("Previews updated.")
}

// finishPreview releases the engine and publishes the stills under the lock,
// so a caller reacting to PreviewsReady can start the next run at once.
func (o *Orchestrator) finishPreview(previews []Preview) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.previewing = false
	o.sink.PreviewsReady(previews)
}

// FilePath resolves a preview still or extracted frame by bare filename.
// Anything that is not a plain name inside the temporary directory is refused.
func (o *Orchestrator) FilePath(filename string) (string, error) {
	clean := filepath.Base(filename)
	if clean != filename || clean == "." || clean == ".." {
		return "", fmt.Errorf("invalid filename")
	}

	fullPath := filepath.Join(o.tempDir, clean)
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return "", fmt.Errorf("file not found")
	}
	return fullPath, nil
}
