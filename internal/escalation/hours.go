package escalation

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/handoffd/internal/domain"
)

const dateLayout = "2006-01-02"

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// BusinessHours decides when a live agent is expected to be available.
// A nil *BusinessHours is always open.
type BusinessHours struct {
	loc      *time.Location
	days     [7]bool
	open     int // minutes after local midnight, inclusive
	close    int // exclusive
	holidays map[string]bool
}

// NewBusinessHours builds a schedule from its file representation.
func NewBusinessHours(cfg BusinessHoursConfig) (*BusinessHours, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: business hours timezone %q: %v", domain.ErrInvalidArgument, tz, err)
	}

	bh := &BusinessHours{loc: loc, holidays: make(map[string]bool, len(cfg.Holidays))}
	if len(cfg.Days) == 0 {
		cfg.Days = []string{"mon", "tue", "wed", "thu", "fri"}
	}
	for _, d := range cfg.Days {
		wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return nil, fmt.Errorf("%w: unknown business day %q", domain.ErrInvalidArgument, d)
		}
		bh.days[wd] = true
	}

	if bh.open, err = parseClock(cfg.Open, "open"); err != nil {
		return nil, err
	}
	if bh.close, err = parseClock(cfg.Close, "close"); err != nil {
		return nil, err
	}
	if bh.close <= bh.open {
		return nil, fmt.Errorf("%w: business hours close %q must be after open %q", domain.ErrInvalidArgument, cfg.Close, cfg.Open)
	}

	for _, h := range cfg.Holidays {
		day, err := time.Parse(dateLayout, h)
		if err != nil {
			return nil, fmt.Errorf("%w: holiday %q: expected YYYY-MM-DD", domain.ErrInvalidArgument, h)
		}
		bh.holidays[day.Format(dateLayout)] = true
	}
	return bh, nil
}

func parseClock(s, field string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: business hours %s %q: expected HH:MM", domain.ErrInvalidArgument, field, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Open reports whether at falls inside business hours.
func (b *BusinessHours) Open(at time.Time) bool {
	if b == nil {
		return true
	}
	local := at.In(b.loc)
	if b.holidays[local.Format(dateLayout)] {
		return false
	}
	if !b.days[local.Weekday()] {
		return false
	}
	m := local.Hour()*60 + local.Minute()
	return m >= b.open && m < b.close
}

// Location returns the schedule's timezone.
func (b *BusinessHours) Location() *time.Location {
	if b == nil {
		return time.UTC
	}
	return b.loc
}
