package bus

import (
	"context"
	"log/slog"

	"github.com/pterm/pterm"
)

// Renderer consumes a Bus's event stream until it closes. The core never
// draws to the terminal directly — it only ever talks to a Renderer through
// the Bus, so swapping renderers (TTY vs. --no-progress vs. piped stdout)
// never touches Fetcher or Refresh Engine code.
type Renderer interface {
	Run(ctx context.Context, events <-chan Event)
}

// MultiBarRenderer is the TTY renderer: one global progress bar plus one
// spinner/bar line per in-flight task, built on pterm the way the pack's
// M0Rf30-yap downloader drives pterm progress bars.
type MultiBarRenderer struct {
	global *pterm.ProgressbarPrinter
	tasks  map[int]*pterm.SpinnerPrinter
	bars   map[int]*pterm.ProgressbarPrinter
}

// NewMultiBarRenderer constructs an idle MultiBarRenderer.
func NewMultiBarRenderer() *MultiBarRenderer {
	return &MultiBarRenderer{
		tasks: make(map[int]*pterm.SpinnerPrinter),
		bars:  make(map[int]*pterm.ProgressbarPrinter),
	}
}

// Run drains events, updating bars/spinners, until events closes or ctx is
// cancelled.
func (m *MultiBarRenderer) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.handle(e)
		}
	}
}

func (m *MultiBarRenderer) handle(e Event) {
	switch e.Kind {
	case NewGlobalProgressBar:
		bar, _ := pterm.DefaultProgressbar.WithTitle("Fetching").WithTotal(int(e.Total)).Start()
		m.global = bar
	case GlobalProgressSet:
		if m.global != nil {
			m.global.Current = int(e.Total)
		}
	case GlobalProgressInc:
		if m.global != nil {
			m.global.Add(int(e.Delta))
		}
	case NewProgressSpinner:
		spinner, _ := pterm.DefaultSpinner.Start(e.Message)
		m.tasks[e.Index] = spinner
	case NewProgressBar:
		bar, _ := pterm.DefaultProgressbar.WithTitle(e.Message).WithTotal(int(e.Total)).Start()
		m.bars[e.Index] = bar
	case ProgressInc:
		if bar, ok := m.bars[e.Index]; ok {
			bar.Add(int(e.Delta))
		}
		if m.global != nil {
			m.global.Add(int(e.Delta))
		}
	case ProgressDone, DownloadDone:
		if spinner, ok := m.tasks[e.Index]; ok {
			spinner.Success()
			delete(m.tasks, e.Index)
		}
		if bar, ok := m.bars[e.Index]; ok {
			_, _ = bar.Stop()
			delete(m.bars, e.Index)
		}
	case NextURL:
		pterm.Warning.Printfln("%s: trying next mirror (%v)", e.File, e.Err)
	case ChecksumMismatch:
		pterm.Warning.Printfln("%s: checksum mismatch, attempt %d", e.File, e.Attempt)
	case Failed:
		if spinner, ok := m.tasks[e.Index]; ok {
			spinner.Fail(e.Err)
			delete(m.tasks, e.Index)
		}
		pterm.Error.Printfln("%s: %v", e.File, e.Err)
	case AllDone:
		if m.global != nil {
			_, _ = m.global.Stop()
		}
	}
}

// LogRenderer is the non-TTY / --no-progress renderer: every event becomes
// one structured log line through the ambient slog logger, matching the
// teacher's "everything is a log line when there's no terminal" posture.
type LogRenderer struct {
	Logger *slog.Logger
}

// Run drains events into log lines until events closes or ctx is cancelled.
func (l *LogRenderer) Run(ctx context.Context, events <-chan Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			l.log(logger, e)
		}
	}
}

func (l *LogRenderer) log(logger *slog.Logger, e Event) {
	switch e.Kind {
	case NewProgressSpinner, NewProgressBar:
		logger.Info(e.Message, "index", e.Index)
	case NextURL:
		logger.Warn("trying next mirror", "file", e.File, "error", e.Err)
	case ChecksumMismatch:
		logger.Warn("checksum mismatch", "file", e.File, "attempt", e.Attempt)
	case DownloadDone, ProgressDone:
		logger.Info(e.Message, "index", e.Index)
	case Failed:
		logger.Error("download failed", "file", e.File, "error", e.Err)
	case AllDone:
		logger.Info("all downloads finished")
	}
}
