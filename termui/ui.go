// Package termui draws a fullscreen page map while the self test runs, one
// glyph per EEPROM page.
package termui

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"

	"github.com/BertoldVdb/spieeprom/selftest"
)

const (
	glyphUntested = '░'
	glyphErased   = '▒'
	glyphWritten  = '▓'
	glyphGood     = '█'
	glyphBad      = 'X'
)

// UI implements selftest.Progress.
type UI struct {
	s        tcell.Screen
	stopChan chan struct{}
	once     sync.Once

	mu        sync.Mutex
	title     string
	summary   []string
	phases    []string
	phaseDone map[string]bool
	current   string
	pages     []rune
	bad       int
	status    string
}

var _ selftest.Progress = (*UI)(nil)

func New(title string, summary []string, pageCount int) (*UI, error) {
	s, err := tcell.NewScreen()
	if err != nil {
		return nil, err
	}
	return newWithScreen(s, title, summary, pageCount)
}

func newWithScreen(s tcell.Screen, title string, summary []string, pageCount int) (*UI, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}
	s.DisableMouse()

	u := &UI{
		s:         s,
		stopChan:  make(chan struct{}),
		title:     title,
		summary:   append([]string(nil), summary...),
		phases:    append([]string(nil), selftest.Phases...),
		phaseDone: make(map[string]bool),
		pages:     make([]rune, pageCount),
	}
	for i := range u.pages {
		u.pages[i] = glyphUntested
	}

	go u.eventLoop()
	u.draw()
	return u, nil
}

// Close restores the terminal.
func (u *UI) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.s == nil {
		return
	}
	u.s.Fini()
	u.s = nil
}

// RequestStop can be called any number of times.
func (u *UI) RequestStop() {
	u.once.Do(func() {
		close(u.stopChan)
	})
}

func (u *UI) Stopped() bool {
	select {
	case <-u.stopChan:
		return true
	default:
		return false
	}
}

func (u *UI) Phase(name string) {
	u.mu.Lock()
	u.current = name
	u.status = name + "..."
	u.mu.Unlock()

	u.draw()
}

func (u *UI) PhaseDone(name string) {
	u.mu.Lock()
	u.phaseDone[name] = true
	u.mu.Unlock()

	u.draw()
}

func (u *UI) Page(phase string, page int, ok bool) {
	u.mu.Lock()
	if page >= 0 && page < len(u.pages) {
		switch {
		case !ok:
			u.pages[page] = glyphBad
			u.bad++
		case phase == selftest.PhaseVerify:
			u.pages[page] = glyphErased
		case phase == selftest.PhaseWrite:
			u.pages[page] = glyphWritten
		case phase == selftest.PhaseRead:
			u.pages[page] = glyphGood
		}
	}
	u.status = fmt.Sprintf("%s: page %d of %d", phase, page+1, len(u.pages))
	u.mu.Unlock()

	u.draw()
}

// SetStatus replaces the bottom line, used for the final verdict.
func (u *UI) SetStatus(line string) {
	u.mu.Lock()
	u.status = line
	u.mu.Unlock()

	u.draw()
}

func putStr(s tcell.Screen, x, y int, str string) {
	w, _ := s.Size()
	for i, r := range []rune(str) {
		pos := x + i
		if pos >= w {
			break
		}
		s.SetContent(pos, y, r, nil, tcell.StyleDefault)
	}
}

func (u *UI) draw() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.s == nil {
		return
	}

	s := u.s
	s.Clear()
	w, h := s.Size()
	if w <= 0 {
		return
	}

	y := 0
	putStr(s, 0, y, strings.Repeat("═", w))
	putStr(s, (w-len(u.title))/2, y, u.title)
	y++

	for _, line := range u.summary {
		putStr(s, 0, y, line)
		y++
	}

	putStr(s, 0, y, fmt.Sprintf("%c untested  %c erased  %c written  %c verified  %c miscompare",
		glyphUntested, glyphErased, glyphWritten, glyphGood, glyphBad))
	y++

	for i := 0; i < len(u.pages) && y < h-3; i += w {
		end := i + w
		if end > len(u.pages) {
			end = len(u.pages)
		}
		putStr(s, 0, y, string(u.pages[i:end]))
		y++
	}

	putStr(s, 0, y, strings.Repeat("─", w))
	putStr(s, 2, y, " Phase ")
	y++

	var line strings.Builder
	for _, p := range u.phases {
		mark := ' '
		if u.phaseDone[p] {
			mark = '✓'
		} else if p == u.current {
			mark = '>'
		}
		fmt.Fprintf(&line, "[%c] %s  ", mark, p)
	}
	putStr(s, 0, y, line.String())
	y++

	status := u.status
	if u.bad > 0 {
		status = fmt.Sprintf("%s  (%d bad pages)", status, u.bad)
	}
	putStr(s, 0, y, status)

	s.Show()
}

func (u *UI) eventLoop() {
	for {
		u.mu.Lock()
		s := u.s
		u.mu.Unlock()
		if s == nil {
			return
		}

		switch ev := s.PollEvent().(type) {
		case *tcell.EventKey:
			switch {
			case ev.Key() == tcell.KeyCtrlC, ev.Key() == tcell.KeyEscape:
				u.RequestStop()
			case ev.Key() == tcell.KeyRune && (ev.Rune() == 'q' || ev.Rune() == 'Q'):
				u.RequestStop()
			}
		case *tcell.EventResize:
			s.Sync()
		case nil:
			return
		}
	}
}
