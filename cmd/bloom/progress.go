package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"

	"bloom/internal/events"
)

// progressRenderer prints lifecycle events for one session. On a terminal it
// drives a progress bar; otherwise it writes one line per event.
type progressRenderer struct {
	mu        sync.Mutex
	out       io.Writer
	tty       bool
	sessionID string
	bar       *progressbar.ProgressBar
}

func newProgressRenderer(out io.Writer, tty bool) *progressRenderer {
	return &progressRenderer{out: out, tty: tty}
}

// follow restricts rendering to sessionID; events for other sessions are
// ignored once it is set.
func (p *progressRenderer) follow(sessionID string) {
	p.mu.Lock()
	p.sessionID = sessionID
	p.mu.Unlock()
}

func (p *progressRenderer) handle(evt events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessionID != "" && evt.SessionID != p.sessionID {
		return
	}
	switch evt.Kind {
	case events.KindInitialized:
		fmt.Fprintf(p.out, "Hardware ready, capturing %d frames\n", evt.TotalFrames)
		if p.tty {
			p.bar = newFrameBar(p.out, evt.TotalFrames)
		}
	case events.KindProgress:
		captured := evt.FrameIndex + 1
		if p.bar != nil {
			_ = p.bar.Set(captured)
			return
		}
		fmt.Fprintf(p.out, "frame %d/%d\n", captured, evt.TotalFrames)
	default:
		if evt.Terminal() && p.bar != nil {
			_ = p.bar.Exit()
			fmt.Fprintln(p.out)
			p.bar = nil
		}
	}
}

func newFrameBar(out io.Writer, total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("Capturing"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetRenderBlankState(true),
	)
}
