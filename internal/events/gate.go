package events

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Severity ranks scheduled events by expected market impact.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "LOW",
	SeverityMedium:   "MEDIUM",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// ParseSeverity accepts the names above in any case.
func ParseSeverity(s string) (Severity, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for sev, name := range severityNames {
		if name == up {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Event is a scheduled, asset-specific occurrence such as earnings.
type Event struct {
	ID          string    `json:"id" yaml:"id"`
	Asset       string    `json:"asset" yaml:"asset"`
	Type        string    `json:"type" yaml:"type"`
	Date        time.Time `json:"date" yaml:"date"`
	Severity    Severity  `json:"severity" yaml:"severity"`
	Description string    `json:"description" yaml:"description"`
}

// Calendar is the upstream source of scheduled events.
type Calendar interface {
	UpcomingEvents(ctx context.Context, asset string, window time.Duration) ([]Event, error)
}

// Verdict is the outcome of a gate check. A non-empty Caveat means the
// calendar could not be consulted and the check failed open.
type Verdict struct {
	Blocked   bool      `json:"blocked"`
	Event     *Event    `json:"event,omitempty"`
	Caveat    string    `json:"caveat,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Reason renders the verdict for the decision reasoning map.
func (v Verdict) Reason() string {
	if !v.Blocked || v.Event == nil {
		return "no blocking events"
	}
	e := v.Event
	return fmt.Sprintf("%s %s for %s on %s: %s",
		e.Severity, e.Type, e.Asset, e.Date.UTC().Format("2006-01-02"), e.Description)
}

// GateConfig configures the event gate.
type GateConfig struct {
	LookaheadDays int
	MinSeverity   Severity
	Timeout       time.Duration
}

// Gate blocks decisions for assets with an imminent high-impact event.
type Gate struct {
	cal Calendar
	cfg GateConfig
	now func() time.Time
}

// NewGate creates a gate with defaults: 3 day lookahead, HIGH severity.
func NewGate(cal Calendar, cfg GateConfig) *Gate {
	if cfg.LookaheadDays <= 0 {
		cfg.LookaheadDays = 3
	}
	if cfg.MinSeverity == 0 {
		cfg.MinSeverity = SeverityHigh
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Gate{cal: cal, cfg: cfg, now: time.Now}
}

// Window is the configured lookahead as a duration.
func (g *Gate) Window() time.Duration {
	return time.Duration(g.cfg.LookaheadDays) * 24 * time.Hour
}

// Check returns the earliest blocking event inside [now, now+lookahead].
// Calendar errors never block; they are returned as a caveat.
func (g *Gate) Check(ctx context.Context, asset string) Verdict {
	now := g.now().UTC()
	v := Verdict{CheckedAt: now}

	if g.cal == nil {
		v.Caveat = "no event calendar configured"
		return v
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	window := g.Window()
	evs, err := g.cal.UpcomingEvents(ctx, asset, window)
	if err != nil {
		v.Caveat = fmt.Sprintf("event calendar unavailable, gate failed open: %v", err)
		log.Warn().Err(err).Str("asset", asset).Msg("Event gate failed open")
		return v
	}

	end := now.Add(window)
	var earliest *Event
	for i := range evs {
		e := evs[i]
		if e.Severity < g.cfg.MinSeverity {
			continue
		}
		if !strings.EqualFold(e.Asset, asset) {
			continue
		}
		if e.Date.Before(now) || e.Date.After(end) {
			continue
		}
		if earliest == nil || e.Date.Before(earliest.Date) {
			earliest = &e
		}
	}
	if earliest != nil {
		v.Blocked = true
		v.Event = earliest
		log.Info().
			Str("asset", asset).
			Str("event", earliest.Type).
			Str("severity", earliest.Severity.String()).
			Time("date", earliest.Date).
			Msg("Event gate blocking")
	}
	return v
}

// StaticCalendar is an in-memory calendar.
type StaticCalendar struct {
	mu     sync.RWMutex
	events []Event
	now    func() time.Time
}

// NewStaticCalendar creates a calendar holding evs.
func NewStaticCalendar(evs ...Event) *StaticCalendar {
	c := &StaticCalendar{now: time.Now}
	c.Add(evs...)
	return c
}

// Add appends events.
func (c *StaticCalendar) Add(evs ...Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range evs {
		e.Asset = strings.ToUpper(e.Asset)
		c.events = append(c.events, e)
	}
	sort.SliceStable(c.events, func(i, j int) bool { return c.events[i].Date.Before(c.events[j].Date) })
}

func (c *StaticCalendar) UpcomingEvents(ctx context.Context, asset string, window time.Duration) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := c.now()
	end := now.Add(window)
	asset = strings.ToUpper(asset)

	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Event
	for _, e := range c.events {
		if e.Asset == asset && !e.Date.Before(now) && !e.Date.After(end) {
			out = append(out, e)
		}
	}
	return out, nil
}

type calendarFile struct {
	Events []Event `yaml:"events"`
}

// LoadCalendarFile reads a YAML file of the form "events: [...]".
func LoadCalendarFile(path string) (*StaticCalendar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calendar file: %w", err)
	}
	var f calendarFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse calendar file: %w", err)
	}
	for i, e := range f.Events {
		if e.Asset == "" || e.Date.IsZero() {
			return nil, fmt.Errorf("calendar event %d: asset and date are required", i)
		}
		if e.Severity == 0 {
			return nil, fmt.Errorf("calendar event %d: severity is required", i)
		}
	}
	return NewStaticCalendar(f.Events...), nil
}
