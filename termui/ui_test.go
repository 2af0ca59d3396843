package termui

import (
	"strings"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/BertoldVdb/spieeprom/selftest"
)

func newTestUI(t *testing.T, pages int) (*UI, tcell.SimulationScreen) {
	s := tcell.NewSimulationScreen("UTF-8")

	u, err := newWithScreen(s, "25LC512 test", []string{"bus: sim"}, pages)
	if err != nil {
		t.Fatal(err)
	}
	s.SetSize(80, 25)

	return u, s
}

func cellAt(s tcell.SimulationScreen, x, y int) rune {
	cells, w, _ := s.GetContents()
	c := cells[y*w+x]
	if len(c.Runes) == 0 {
		return ' '
	}
	return c.Runes[0]
}

func rowText(s tcell.SimulationScreen, y int) string {
	_, w, _ := s.GetContents()
	var b strings.Builder
	for x := 0; x < w; x++ {
		b.WriteRune(cellAt(s, x, y))
	}
	return b.String()
}

func TestPageMap(t *testing.T) {
	u, s := newTestUI(t, 100)
	defer u.Close()

	u.Phase(selftest.PhaseWrite)
	u.Page(selftest.PhaseWrite, 0, true)
	u.Page(selftest.PhaseRead, 1, false)
	u.Page(selftest.PhaseRead, 81, true)

	/* title, one summary line and the legend come first */
	if r := cellAt(s, 0, 3); r != glyphWritten {
		t.Errorf("Page 0 drawn as %c", r)
	}
	if r := cellAt(s, 1, 3); r != glyphBad {
		t.Errorf("Page 1 drawn as %c", r)
	}
	if r := cellAt(s, 2, 3); r != glyphUntested {
		t.Errorf("Page 2 drawn as %c", r)
	}
	if r := cellAt(s, 1, 4); r != glyphGood {
		t.Errorf("Page 81 drawn as %c", r)
	}

	if !strings.Contains(rowText(s, 7), "1 bad pages") {
		t.Error("Status line does not count bad pages:", rowText(s, 7))
	}

	u.PhaseDone(selftest.PhaseIdentify)
	if !strings.Contains(rowText(s, 6), "[✓] Identify") || !strings.Contains(rowText(s, 6), "[>] Write") {
		t.Error("Phase line wrong:", rowText(s, 6))
	}
}

func TestStopKey(t *testing.T) {
	u, s := newTestUI(t, 10)
	defer u.Close()

	if u.Stopped() {
		t.Fatal("Stopped before any key")
	}

	s.InjectKey(tcell.KeyRune, 'q', tcell.ModNone)

	deadline := time.Now().Add(2 * time.Second)
	for !u.Stopped() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !u.Stopped() {
		t.Error("Stop key ignored")
	}

	u.RequestStop()
}
