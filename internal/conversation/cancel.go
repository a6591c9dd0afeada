package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/barbershop-chat-scheduling/internal/appointment"
	"github.com/hackgods/barbershop-chat-scheduling/internal/calendar"
	"github.com/hackgods/barbershop-chat-scheduling/internal/credentials"
	"github.com/hackgods/barbershop-chat-scheduling/internal/schedule"
)

const customerTagPrefix = "cliente:"

func customerTag(customerID string) string {
	return customerTagPrefix + customerID
}

func newRecordID() uuid.UUID {
	return uuid.New()
}

type eventCanceller interface {
	ListUpcoming(ctx context.Context, filterText string, from time.Time) ([]calendar.Event, error)
	DeleteEvent(ctx context.Context, id string) error
}

type cancellationLedger interface {
	CancelByEventID(ctx context.Context, eventID string, at time.Time) (*appointment.Record, error)
}

type cancellationRecorder interface {
	ObserveCancellation(result string)
}

// Canceller removes the next upcoming appointment of a customer from the
// calendar and marks it cancelled in the ledger.
type Canceller struct {
	cal     eventCanceller
	ledger  cancellationLedger
	loc     *time.Location
	logger  *zap.Logger
	metrics cancellationRecorder
}

func NewCanceller(cal eventCanceller, ledger cancellationLedger, loc *time.Location, logger *zap.Logger, metrics cancellationRecorder) *Canceller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Canceller{cal: cal, ledger: ledger, loc: loc, logger: logger, metrics: metrics}
}

// Cancel finds the customer's first event that has not started yet and
// deletes it. Only credentials.ErrNotConnected is returned as an error;
// every other failure becomes a reply.
func (c *Canceller) Cancel(ctx context.Context, customerID string, now time.Time) (outcome, error) {
	events, err := c.cal.ListUpcoming(ctx, customerTag(customerID), now)
	if err != nil {
		if errors.Is(err, credentials.ErrNotConnected) {
			return outcome{}, err
		}
		c.logger.Error("listing upcoming events failed", zap.String("customer_id", customerID), zap.Error(err))
		c.observe("list_failed")
		return outcome{text: cancelFailReply, label: "cancel_failed"}, nil
	}

	ev, ok := nextEventOf(events, customerID, now)
	if !ok {
		c.observe("nothing")
		return outcome{text: nothingReply, label: "nothing_to_cancel"}, nil
	}

	if err := c.cal.DeleteEvent(ctx, ev.ID); err != nil && !errors.Is(err, calendar.ErrEventNotFound) {
		if errors.Is(err, credentials.ErrNotConnected) {
			return outcome{}, err
		}
		c.logger.Error("calendar delete failed",
			zap.String("customer_id", customerID),
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
		c.observe("delete_failed")
		return outcome{text: cancelFailReply, label: "cancel_failed"}, nil
	}

	if c.ledger != nil {
		if _, err := c.ledger.CancelByEventID(ctx, ev.ID, now); err != nil {
			// The calendar is the source of truth for the customer.
			level := zap.ErrorLevel
			if errors.Is(err, appointment.ErrAppointmentNotFound) {
				level = zap.WarnLevel
			}
			if ce := c.logger.Check(level, "ledger not updated after cancellation"); ce != nil {
				ce.Write(
					zap.String("customer_id", customerID),
					zap.String("event_id", ev.ID),
					zap.Error(err),
				)
			}
		}
	}

	c.observe("cancelled")
	local := ev.Start.In(c.loc)
	d := schedule.DateOf(local, c.loc)
	t := schedule.Clock{Hour: local.Hour(), Minute: local.Minute()}
	return outcome{text: cancelledReply(d, t), label: "cancelled"}, nil
}

func (c *Canceller) observe(result string) {
	if c.metrics != nil {
		c.metrics.ObserveCancellation(result)
	}
}

// nextEventOf picks the earliest event starting after now that belongs to
// the customer. A free-text search can return events of customers whose id
// shares a prefix, so ownership is checked again here.
func nextEventOf(events []calendar.Event, customerID string, now time.Time) (calendar.Event, bool) {
	var (
		best  calendar.Event
		found bool
	)
	for _, ev := range events {
		if !ev.Start.After(now) || !ownedBy(ev, customerID) {
			continue
		}
		if !found || ev.Start.Before(best.Start) {
			best, found = ev, true
		}
	}
	return best, found
}

func ownedBy(ev calendar.Event, customerID string) bool {
	if ev.CustomerID != "" {
		return ev.CustomerID == customerID
	}
	tag := customerTag(customerID)
	for _, line := range strings.Split(ev.Description, "\n") {
		if strings.TrimSpace(line) == tag {
			return true
		}
	}
	return false
}
