// Package availability decides whether a slot can be booked. It never
// books blind: any failure to ask the calendar counts as busy.
package availability

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/barbershop-chat-scheduling/internal/calendar"
	"github.com/hackgods/barbershop-chat-scheduling/internal/credentials"
)

type busyQuerier interface {
	QueryBusy(ctx context.Context, timeMin, timeMax time.Time) ([]calendar.Interval, error)
}

type recorder interface {
	ObserveAvailability(result string)
}

type Gate struct {
	cal     busyQuerier
	logger  *zap.Logger
	metrics recorder
}

func NewGate(cal busyQuerier, logger *zap.Logger, metrics recorder) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{cal: cal, logger: logger, metrics: metrics}
}

// IsFree reports whether no busy interval overlaps [start, end).
func (g *Gate) IsFree(ctx context.Context, start, end time.Time) bool {
	free, _ := g.Check(ctx, start, end)
	return free
}

// Check is IsFree that also surfaces credentials.ErrNotConnected, the one
// failure that must stop the tenant instead of reading as busy.
func (g *Gate) Check(ctx context.Context, start, end time.Time) (bool, error) {
	busy, err := g.cal.QueryBusy(ctx, start, end)
	if err != nil {
		if errors.Is(err, credentials.ErrNotConnected) {
			g.observe("error")
			return false, err
		}
		g.logger.Warn("availability check failed, treating slot as busy",
			zap.Time("start", start),
			zap.Time("end", end),
			zap.Error(err),
		)
		g.observe("error")
		return false, nil
	}

	for _, iv := range busy {
		if iv.Overlaps(start, end) {
			g.observe("busy")
			return false, nil
		}
	}
	g.observe("free")
	return true, nil
}

func (g *Gate) observe(result string) {
	if g.metrics != nil {
		g.metrics.ObserveAvailability(result)
	}
}
