package events

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

type failingCalendar struct{ err error }

func (f failingCalendar) UpcomingEvents(context.Context, string, time.Duration) ([]Event, error) {
	return nil, f.err
}

func newTestGate(cal Calendar, cfg GateConfig) *Gate {
	g := NewGate(cal, cfg)
	g.now = func() time.Time { return fixedNow }
	if sc, ok := cal.(*StaticCalendar); ok {
		sc.now = g.now
	}
	return g
}

func earnings(asset string, in time.Duration, sev Severity) Event {
	return Event{
		ID:          asset + "-earnings",
		Asset:       asset,
		Type:        "earnings",
		Date:        fixedNow.Add(in),
		Severity:    sev,
		Description: "quarterly results",
	}
}

func TestGate_BlocksEarningsInsideWindow(t *testing.T) {
	cal := NewStaticCalendar(earnings("AAPL", 48*time.Hour, SeverityCritical))
	g := newTestGate(cal, GateConfig{LookaheadDays: 3})

	v := g.Check(context.Background(), "AAPL")
	require.True(t, v.Blocked)
	assert.Equal(t, "earnings", v.Event.Type)
	assert.Empty(t, v.Caveat)
	assert.Contains(t, v.Reason(), "CRITICAL earnings for AAPL")
}

func TestGate_IgnoresEventsOutsideWindow(t *testing.T) {
	cal := NewStaticCalendar(
		earnings("AAPL", 5*24*time.Hour, SeverityCritical),
		earnings("AAPL", -time.Hour, SeverityCritical),
	)
	g := newTestGate(cal, GateConfig{LookaheadDays: 3})

	v := g.Check(context.Background(), "AAPL")
	assert.False(t, v.Blocked)
	assert.Equal(t, "no blocking events", v.Reason())
}

func TestGate_IgnoresLowSeverity(t *testing.T) {
	cal := NewStaticCalendar(earnings("AAPL", time.Hour, SeverityMedium))
	g := newTestGate(cal, GateConfig{})

	assert.False(t, g.Check(context.Background(), "AAPL").Blocked)
}

func TestGate_PicksEarliestEvent(t *testing.T) {
	late := earnings("MSFT", 60*time.Hour, SeverityHigh)
	late.Type = "fomc"
	early := earnings("MSFT", 10*time.Hour, SeverityHigh)
	g := newTestGate(NewStaticCalendar(late, early), GateConfig{})

	v := g.Check(context.Background(), "msft")
	require.True(t, v.Blocked)
	assert.Equal(t, "earnings", v.Event.Type)
}

func TestGate_FailsOpenWithCaveat(t *testing.T) {
	g := newTestGate(failingCalendar{err: errors.New("calendar api 503")}, GateConfig{})

	v := g.Check(context.Background(), "AAPL")
	assert.False(t, v.Blocked)
	assert.Contains(t, v.Caveat, "calendar api 503")
}

func TestGate_NilCalendar(t *testing.T) {
	v := NewGate(nil, GateConfig{}).Check(context.Background(), "AAPL")
	assert.False(t, v.Blocked)
	assert.NotEmpty(t, v.Caveat)
}

func TestParseSeverity(t *testing.T) {
	s, err := ParseSeverity("critical")
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, s)
	assert.True(t, SeverityCritical > SeverityHigh)

	_, err = ParseSeverity("apocalyptic")
	assert.Error(t, err)
}

func TestLoadCalendarFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calendar.yaml")
	doc := `
events:
  - id: aapl-q1
    asset: aapl
    type: earnings
    date: 2026-03-04T20:30:00Z
    severity: CRITICAL
    description: Q1 earnings call
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cal, err := LoadCalendarFile(path)
	require.NoError(t, err)
	cal.now = func() time.Time { return fixedNow }

	evs, err := cal.UpcomingEvents(context.Background(), "AAPL", 72*time.Hour)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, SeverityCritical, evs[0].Severity)
	assert.Equal(t, "AAPL", evs[0].Asset)
}

func TestLoadCalendarFile_RejectsBadSeverity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calendar.yaml")
	doc := "events:\n  - {asset: AAPL, type: x, date: 2026-03-04T00:00:00Z, severity: HUGE}\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := LoadCalendarFile(path)
	assert.Error(t, err)
}
