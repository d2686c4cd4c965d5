package market

import (
	"fmt"
	"time"

	"github.com/xtrntr/tradecore/internal/models"
)

// Session is a daily trading window in minutes after midnight, inclusive
type Session struct {
	Open  int
	Close int
}

// ParseSession parses "09:30-16:00"
func ParseSession(s string) (Session, error) {
	var oh, om, ch, cm int
	if _, err := fmt.Sscanf(s, "%d:%d-%d:%d", &oh, &om, &ch, &cm); err != nil {
		return Session{}, fmt.Errorf("invalid session %q: %w", s, err)
	}
	sess := Session{Open: oh*60 + om, Close: ch*60 + cm}
	if sess.Open < 0 || sess.Close >= 24*60 || sess.Open > sess.Close {
		return Session{}, fmt.Errorf("invalid session %q", s)
	}
	return sess, nil
}

func (s Session) contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	return m >= s.Open && m <= s.Close
}

// Calendar decides whether a market is open
type Calendar struct {
	Location  *time.Location
	Equity    Session // stocks, bonds, ETFs, indices
	Commodity Session
}

// DefaultCalendar trades equities 09:30-16:00 and commodities 09:00-17:59 UTC
func DefaultCalendar() *Calendar {
	return &Calendar{
		Location:  time.UTC,
		Equity:    Session{Open: 9*60 + 30, Close: 16 * 60},
		Commodity: Session{Open: 9 * 60, Close: 17*60 + 59},
	}
}

// IsOpen reports whether pairs of class mt can trade at now. Crypto never
// closes; forex closes on weekends; session-based classes trade weekdays
// within their session.
func (c *Calendar) IsOpen(mt models.MarketType, now time.Time) bool {
	if c == nil || mt == models.MarketCrypto {
		return true
	}
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	weekend := local.Weekday() == time.Saturday || local.Weekday() == time.Sunday

	switch mt {
	case models.MarketForex:
		return !weekend
	case models.MarketStock, models.MarketBond, models.MarketETF, models.MarketIndex:
		return !weekend && c.Equity.contains(local)
	case models.MarketCommodity:
		return !weekend && c.Commodity.contains(local)
	}
	return true
}
