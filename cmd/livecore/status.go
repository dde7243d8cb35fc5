package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/livecore/internal/live"
	"github.com/MrWong99/livecore/internal/transcript"
)

// statusPrinter writes status changes and transcript lines to the terminal.
// Both arrive on different goroutines, so writes are serialised.
type statusPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func newStatusPrinter(w io.Writer) *statusPrinter {
	return &statusPrinter{w: w}
}

func (p *statusPrinter) state(_, to live.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "[%s]\n", to.Label())
}

func (p *statusPrinter) entry(e transcript.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%-9s %s\n", string(e.Role)+":", e.Text)
}
