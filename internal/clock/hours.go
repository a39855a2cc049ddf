package clock

import (
	"fmt"
	"time"

	"intraday_trader/internal/core"
)

// Window is the session window classification.
type Window int

const (
	// WindowClosed: no entries, no exits; EOD flatten runs at its open.
	WindowClosed Window = iota
	// WindowEntry: new entries allowed.
	WindowEntry
	// WindowExitOnly: children may be placed or modified; no new entries.
	WindowExitOnly
)

func (w Window) String() string {
	switch w {
	case WindowEntry:
		return "entry"
	case WindowExitOnly:
		return "exit_only"
	}
	return "closed"
}

// HoursGate classifies time into entry / exit-only / closed windows in
// the trading timezone. Weekends and configured holidays are closed.
type HoursGate struct {
	loc          *time.Location
	entryOpen    int // minute of day
	entryClose   int
	sessionClose int
	holidays     map[string]struct{}
	clock        core.IClock
}

// NewHoursGate builds a gate from HH:MM boundaries.
func NewHoursGate(timezone, entryOpen, entryClose, sessionClose string, holidays []string, clock core.IClock) (*HoursGate, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	g := &HoursGate{
		loc:      loc,
		holidays: make(map[string]struct{}, len(holidays)),
		clock:    clock,
	}
	if g.entryOpen, err = minuteOfDay(entryOpen); err != nil {
		return nil, err
	}
	if g.entryClose, err = minuteOfDay(entryClose); err != nil {
		return nil, err
	}
	if g.sessionClose, err = minuteOfDay(sessionClose); err != nil {
		return nil, err
	}
	if g.entryOpen >= g.entryClose || g.entryClose > g.sessionClose {
		return nil, fmt.Errorf("session windows out of order: %s < %s <= %s required", entryOpen, entryClose, sessionClose)
	}
	for _, h := range holidays {
		g.holidays[h] = struct{}{}
	}
	return g, nil
}

func minuteOfDay(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("parse session time %q: %w", hhmm, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Classify returns the window for an arbitrary instant, evaluated in the
// trading timezone.
func (g *HoursGate) Classify(t time.Time) Window {
	t = t.In(g.loc)

	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return WindowClosed
	}
	if _, holiday := g.holidays[t.Format("2006-01-02")]; holiday {
		return WindowClosed
	}

	m := t.Hour()*60 + t.Minute()
	switch {
	case m >= g.entryOpen && m < g.entryClose:
		return WindowEntry
	case m >= g.entryClose && m < g.sessionClose:
		return WindowExitOnly
	}
	return WindowClosed
}

// Current classifies the present instant.
func (g *HoursGate) Current() Window {
	return g.Classify(g.clock.Now())
}

// EntryAllowed reports whether new entries are permitted now.
func (g *HoursGate) EntryAllowed() bool {
	return g.Current() == WindowEntry
}

// ExitAllowed reports whether exits may still be worked now.
func (g *HoursGate) ExitAllowed() bool {
	w := g.Current()
	return w == WindowEntry || w == WindowExitOnly
}

// Location returns the trading timezone.
func (g *HoursGate) Location() *time.Location {
	return g.loc
}
