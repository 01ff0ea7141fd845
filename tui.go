package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nsf/termbox-go"

	"graal-conv/pump"
)

const (
	colDef     = termbox.ColorDefault
	colWhite   = termbox.ColorWhite
	colRed     = termbox.ColorRed
	colGreen   = termbox.ColorGreen
	colYellow  = termbox.ColorYellow
	colBlue    = termbox.ColorBlue
	colCyan    = termbox.ColorCyan
	colMagenta = termbox.ColorMagenta
)

// controller is what the TUI drives; *pump.Pump implements it.
type controller interface {
	Status() pump.Status
	NumSources() int
	Kernels(source int) []pump.KernelInfo
	RequestKernel(source, index int) error
	SetDuck(enabled bool, gain float64)
}

// TUIState is the screen state between redraws.
type TUIState struct {
	ctrl controller
	exit bool

	source    int // selected source
	browseIdx int // highlighted kernel of the selected source
	duckGain  float64
	message   string
}

func runTUI(ctx context.Context, ctrl controller) {
	err := termbox.Init()
	if err != nil {
		//nolint:forbidigo // TUI initialization error requires direct output
		fmt.Printf("Failed to initialize TUI: %v\n", err)
		return
	}
	defer termbox.Close()

	termbox.SetInputMode(termbox.InputEsc)

	state := &TUIState{ctrl: ctrl, duckGain: 0.3}

	eventQueue := make(chan termbox.Event)

	go func() {
		for {
			eventQueue <- termbox.PollEvent()
		}
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	draw(state)

	for !state.exit {
		select {
		case <-ctx.Done():
			return
		case ev := <-eventQueue:
			switch ev.Type {
			case termbox.EventKey:
				handleKey(ev, state)
			case termbox.EventResize:
				draw(state)
			}
		case <-ticker.C:
			draw(state)
		}
	}
}

// handleKey applies one key press. It holds no terminal state so it can be
// driven from tests.
func handleKey(ev termbox.Event, s *TUIState) {
	if ev.Key == termbox.KeyEsc || ev.Ch == 'q' {
		s.exit = true
		return
	}

	sources := s.ctrl.NumSources()
	kernels := s.ctrl.Kernels(s.source)

	switch {
	case ev.Key == termbox.KeyTab:
		if sources > 0 {
			s.source = (s.source + 1) % sources
			s.browseIdx = 0
		}
	case ev.Key == termbox.KeyArrowUp:
		if len(kernels) > 0 {
			s.browseIdx = (s.browseIdx - 1 + len(kernels)) % len(kernels)
		}
	case ev.Key == termbox.KeyArrowDown:
		if len(kernels) > 0 {
			s.browseIdx = (s.browseIdx + 1) % len(kernels)
		}
	case ev.Key == termbox.KeyEnter:
		if err := s.ctrl.RequestKernel(s.source, s.browseIdx); err != nil {
			s.message = err.Error()
		} else if s.browseIdx < len(kernels) {
			s.message = "switching to " + kernels[s.browseIdx].Name
		}
	case ev.Ch == 'd':
		duck := !s.ctrl.Status().Duck
		s.ctrl.SetDuck(duck, s.duckGain)
		s.message = fmt.Sprintf("ducking %v", duck)
	case ev.Key == termbox.KeyArrowLeft || ev.Key == termbox.KeyArrowRight:
		change := 0.05
		if ev.Key == termbox.KeyArrowLeft {
			change = -0.05
		}

		s.duckGain = min(max(s.duckGain+change, 0), 1)
		s.ctrl.SetDuck(s.ctrl.Status().Duck, s.duckGain)
	}
}

func draw(state *TUIState) {
	_ = termbox.Clear(colDef, colDef)

	st := state.ctrl.Status()

	printTB(0, 0, colCyan, colDef, "graal-conv - Interactive Mode")
	printTB(0, 1, colDef, colDef, "Tab: source  Up/Down: kernel  Enter: switch  d: duck  Left/Right: duck gain  q/Esc: quit")
	printTB(0, 2, colDef, colDef, strings.Repeat("-", 64))

	duck := "off"
	if st.Duck {
		duck = "on"
	}

	printTB(0, 3, colWhite, colDef, fmt.Sprintf("Blocks %d  Retries %d  Dropped %d  Underruns %d  Duck %s (gain %.2f)",
		st.Blocks, st.Retries, st.Dropped, st.Underruns, duck, state.duckGain))

	y := 5
	for i, src := range st.Sources {
		y = drawSource(state, i, src, y)
	}

	printTB(0, y, colYellow, colDef, "Output:")

	labels := []string{"Out L", "Out R"}
	for ch, m := range st.Meters {
		if ch < len(labels) {
			drawMeter(y+1+ch, labels[ch]+" pk ", pump.DB(m.Peak), colBlue)
		}
	}

	if state.message != "" {
		printTB(0, y+4, colMagenta, colDef, state.message)
	}

	termbox.Flush()
}

func drawSource(state *TUIState, i int, src pump.SourceStatus, y int) int {
	col := colWhite
	prefix := "  "

	if i == state.source {
		col = colGreen
		prefix = "> "
	}

	ended := ""
	if src.Ended {
		ended = " [ended]"
		col = colRed
	}

	printTB(0, y, col, colDef, fmt.Sprintf("%s%s%s  active: %s  switch: %s  uploads: %d",
		prefix, src.Name, ended, src.Active, src.Stage, src.Uploads.Loaded))

	x := 4
	for j, slot := range src.Slots {
		label := fmt.Sprintf("[%d %s] ", j, slot)
		printTB(x, y+1, slotColor(slot), colDef, label)
		x += len(label)
	}

	y += 2

	if i != state.source {
		return y + 1
	}

	for _, k := range state.ctrl.Kernels(i) {
		kcol := colWhite
		bg := colDef
		mark := "   "

		if k.Index == state.browseIdx {
			kcol = colDef
			bg = colWhite
		}

		if k.Name == src.Active {
			mark = " * "
		}

		printTB(2, y, kcol, bg, fmt.Sprintf("%s%3d: %-24s %dch %d taps", mark, k.Index, k.Name, k.Channels, k.Length))
		y++
	}

	return y + 1
}

func slotColor(state string) termbox.Attribute {
	switch state {
	case "active":
		return colGreen
	case "ready":
		return colBlue
	case "uploading":
		return colYellow
	case "draining":
		return colMagenta
	default:
		return colWhite
	}
}

func drawMeter(yPos int, label string, db float64, color termbox.Attribute) {
	const (
		barWidth = 60
		xPos     = 2
		minDB    = -96.0
		maxDB    = 6.0
	)

	db = min(max(db, minDB), maxDB)

	ratio := (db - minDB) / (maxDB - minDB)
	filled := int(ratio * float64(barWidth))

	printTB(xPos, yPos, colDef, colDef, fmt.Sprintf("%s [%-6.1f dB] ", label, db))

	startX := xPos + 22

	for i := range barWidth {
		barChar := '░'
		if i < filled {
			barChar = '█'
		}

		termbox.SetCell(startX+i, yPos, barChar, color, colDef)
	}
}

func printTB(x, y int, fg, bg termbox.Attribute, msg string) {
	for _, c := range msg {
		termbox.SetCell(x, y, c, fg, bg)
		x++
	}
}
