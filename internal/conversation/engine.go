// Package conversation runs the booking dialogue: one state machine per
// customer that collects a date and a time, checks them against the shop
// rules and the calendar, and commits the booking once.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/barbershop-chat-scheduling/internal/appointment"
	"github.com/hackgods/barbershop-chat-scheduling/internal/calendar"
	"github.com/hackgods/barbershop-chat-scheduling/internal/credentials"
	redisclient "github.com/hackgods/barbershop-chat-scheduling/internal/redis"
	"github.com/hackgods/barbershop-chat-scheduling/internal/schedule"
	"github.com/hackgods/barbershop-chat-scheduling/internal/session"
)

// Message is one inbound chat text from a customer.
type Message struct {
	SenderID    string
	DisplayName string
	Text        string
	ReceivedAt  time.Time
}

// Reply is what the customer gets back. Notices are interim messages sent
// before Text, such as the "checking the calendar" note.
type Reply struct {
	To      string
	Text    string
	Notices []string
}

// Rules are the business settings of the shop.
type Rules struct {
	TenantID            string
	Location            *time.Location
	SessionTimeout      time.Duration
	AppointmentDuration time.Duration
	ClosedWeekdays      schedule.Weekdays
	Hours               schedule.BusinessHours
}

type sessionStore interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	Save(ctx context.Context, s *session.Session) error
}

type availabilityChecker interface {
	Check(ctx context.Context, start, end time.Time) (bool, error)
}

type bookingLedger interface {
	Record(ctx context.Context, rec appointment.Record) (*appointment.Record, error)
	CancelByEventID(ctx context.Context, eventID string, at time.Time) (*appointment.Record, error)
}

type recorder interface {
	ObserveMessage(stage, outcome string, seconds float64)
	ObserveBooking(result string)
	ObserveCancellation(result string)
}

// Deps are the collaborators of the engine.
type Deps struct {
	Sessions     sessionStore
	Availability availabilityChecker
	Calendar     calendar.Calendar
	Ledger       bookingLedger
	Metrics      recorder
	Logger       *zap.Logger
	// SlotLocker serializes bookings of one shop day across customers.
	// Defaults to an in-process locker.
	SlotLocker redisclient.Locker
}

type Engine struct {
	sessions  sessionStore
	gate      availabilityChecker
	cal       calendar.Calendar
	ledger    bookingLedger
	slots     redisclient.Locker
	metrics   recorder
	logger    *zap.Logger
	rules     Rules
	canceller *Canceller
	now       func() time.Time
}

func NewEngine(deps Deps, rules Rules) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if rules.Location == nil {
		rules.Location = time.UTC
	}
	slots := deps.SlotLocker
	if slots == nil {
		slots = redisclient.NewLocalKeyLocker()
	}
	e := &Engine{
		sessions: deps.Sessions,
		slots:    slots,
		gate:     deps.Availability,
		cal:      deps.Calendar,
		ledger:   deps.Ledger,
		metrics:  deps.Metrics,
		logger:   logger,
		rules:    rules,
		now:      time.Now,
	}
	e.canceller = NewCanceller(deps.Calendar, deps.Ledger, rules.Location, logger, deps.Metrics)
	return e
}

// outcome is the result of one step of the state machine.
type outcome struct {
	text    string
	notices []string
	label   string
}

// Handle processes one message for one customer. Callers must not run two
// Handle calls for the same SenderID at once; Dispatcher takes care of it.
// The only error returned for a well-formed message is a fatal one, such as
// credentials.ErrNotConnected, or a failure to load the session.
func (e *Engine) Handle(ctx context.Context, msg Message) (Reply, error) {
	started := time.Now()
	now := e.now()

	if msg.SenderID == "" {
		return Reply{}, errors.New("message without sender")
	}

	sess, err := e.sessions.Get(ctx, msg.SenderID)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		sess = session.New(msg.SenderID, msg.DisplayName, now)
	case err != nil:
		return Reply{}, fmt.Errorf("load session: %w", err)
	}
	if msg.DisplayName != "" {
		sess.DisplayName = msg.DisplayName
	}
	stage := string(sess.Stage.Name())

	out, err := e.step(ctx, sess, msg.Text, now)
	if err != nil {
		e.observe(stage, "fatal", started)
		e.logger.Error("message handling halted",
			zap.String("customer_id", sess.ID),
			zap.String("stage", stage),
			zap.Error(err),
		)
		return Reply{}, err
	}

	sess.LastActivityAt = now
	if err := e.sessions.Save(ctx, sess); err != nil {
		// The reply still goes out; the next message replays from the
		// previous stage and the booking key keeps it from duplicating.
		e.logger.Error("failed to save session",
			zap.String("customer_id", sess.ID),
			zap.String("stage", string(sess.Stage.Name())),
			zap.Error(err),
		)
	}

	e.observe(stage, out.label, started)
	e.logger.Debug("message handled",
		zap.String("customer_id", sess.ID),
		zap.String("stage", stage),
		zap.String("next_stage", string(sess.Stage.Name())),
		zap.String("outcome", out.label),
	)
	return Reply{To: msg.SenderID, Text: out.text, Notices: out.notices}, nil
}

// step applies, in order, the inactivity timeout, the global commands and
// the handler of the current stage. It mutates sess in place.
func (e *Engine) step(ctx context.Context, sess *session.Session, text string, now time.Time) (outcome, error) {
	if sess.Expired(now, e.rules.SessionTimeout) {
		sess.Stage = session.Idle{}
		return outcome{text: expiredReply, label: "expired"}, nil
	}

	normalized := schedule.Normalize(text)
	switch {
	case isReset(normalized):
		sess.Stage = session.Idle{}
		return outcome{text: resetReply, label: "reset"}, nil
	case isCancelAppointment(normalized):
		sess.Stage = session.Idle{}
		return e.canceller.Cancel(ctx, sess.ID, now)
	}

	switch st := sess.Stage.(type) {
	case session.AwaitingDate:
		return e.handleDate(sess, text, now), nil
	case session.AwaitingTime:
		return e.handleTime(ctx, sess, st.Date, text, now)
	default:
		return e.handleIdle(sess, normalized), nil
	}
}

func (e *Engine) handleIdle(sess *session.Session, normalized string) outcome {
	if !isStart(normalized) {
		return outcome{text: helpReply, label: "help"}
	}
	sess.Stage = session.AwaitingDate{}
	name := cleanName(sess.DisplayName)
	if name == "" {
		name = "Cliente"
	}
	return outcome{text: greetingReply(name), label: "started"}
}

func (e *Engine) handleDate(sess *session.Session, text string, now time.Time) outcome {
	today := schedule.DateOf(now, e.rules.Location)
	d, ok := schedule.ParseDateExpression(text, today)
	if !ok {
		return outcome{text: dateInvalidReply, label: "date_invalid"}
	}
	if !schedule.IsOpenDay(d, e.rules.ClosedWeekdays) {
		return outcome{text: closedDayReply(d), label: "closed_day"}
	}
	sess.Stage = session.AwaitingTime{Date: d}
	return outcome{text: timePromptReply(d), label: "date_accepted"}
}

func (e *Engine) handleTime(ctx context.Context, sess *session.Session, d schedule.Date, text string, now time.Time) (outcome, error) {
	t, ok := schedule.ParseClock(text)
	if !ok {
		return outcome{text: timeInvalidReply, label: "time_invalid"}, nil
	}
	if !e.rules.Hours.Contains(t) {
		return outcome{text: outsideHoursReply(e.rules.Hours), label: "outside_hours"}, nil
	}
	return e.commit(ctx, sess, d, t, now)
}

// commit books the slot under the day's slot lock, so two customers never
// both see the same time as free.
func (e *Engine) commit(ctx context.Context, sess *session.Session, d schedule.Date, t schedule.Clock, now time.Time) (outcome, error) {
	start, end := schedule.ToAbsoluteInterval(d, t, e.rules.Location, e.rules.AppointmentDuration)
	if !start.After(now) {
		return outcome{text: timePassedReply(d, t), label: "time_passed"}, nil
	}

	notices := []string{checkingNotice}

	var (
		out     outcome
		bookErr error
		ran     bool
	)
	err := e.slots.WithKeyLock(ctx, redisclient.SlotLockKey(e.rules.TenantID, d.ISO()), func(ctx context.Context) error {
		ran = true
		out, bookErr = e.book(ctx, sess, d, t, start, end, now, notices)
		return bookErr
	})
	if ran {
		return out, bookErr
	}

	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		// Another booking for the day held the lock until we gave up.
		e.observeBooking("busy")
		return outcome{text: slotTakenReply(t), notices: notices, label: "slot_taken"}, nil
	}
	e.logger.Error("slot lock failed",
		zap.String("customer_id", sess.ID),
		zap.Time("start", start),
		zap.Error(err),
	)
	e.observeBooking("lock_failed")
	sess.Stage = session.Idle{}
	return outcome{text: technicalReply, notices: notices, label: "lock_failed"}, nil
}

// book runs availability, then the calendar insert, then the ledger. The
// calendar event id is the booking key, so a retried commit for the same
// customer and slot never creates a second event.
func (e *Engine) book(ctx context.Context, sess *session.Session, d schedule.Date, t schedule.Clock, start, end, now time.Time, notices []string) (outcome, error) {
	free, err := e.gate.Check(ctx, start, end)
	if err != nil {
		return outcome{}, err
	}
	if !free {
		e.observeBooking("busy")
		return outcome{text: slotTakenReply(t), notices: notices, label: "slot_taken"}, nil
	}

	name := displayName(sess.DisplayName, sess.ID)
	key := appointment.DedupeKey(sess.ID, start)
	eventID, err := e.cal.InsertEvent(ctx, calendar.Event{
		ID:          key,
		Summary:     "✂️ " + name,
		Description: "Agendado pelo Bot WhatsApp\n" + customerTag(sess.ID),
		CustomerID:  sess.ID,
		Start:       start,
		End:         end,
	})
	if err != nil {
		if errors.Is(err, credentials.ErrNotConnected) {
			return outcome{}, err
		}
		e.logger.Error("calendar insert failed",
			zap.String("customer_id", sess.ID),
			zap.Time("start", start),
			zap.Error(err),
		)
		e.observeBooking("insert_failed")
		sess.Stage = session.Idle{}
		return outcome{text: technicalReply, notices: notices, label: "insert_failed"}, nil
	}

	rec := appointment.Record{
		ID:              newRecordID(),
		CustomerID:      sess.ID,
		Date:            d,
		Time:            t,
		Start:           start.UTC(),
		End:             end.UTC(),
		ExternalEventID: eventID,
		DedupeKey:       key,
		Status:          appointment.StatusConfirmed,
		CreatedAt:       now.UTC(),
	}
	recordID := rec.ID
	saved, err := e.ledger.Record(ctx, rec)
	if err != nil {
		e.logger.Warn("booking confirmed with ledger inconsistency",
			zap.String("customer_id", sess.ID),
			zap.String("event_id", eventID),
			zap.Error(err),
		)
		e.observeBooking("ledger_inconsistent")
	} else {
		recordID = saved.ID
		e.observeBooking("confirmed")
	}

	sess.Stage = session.Idle{}
	sess.LastAppointmentID = &recordID
	e.logger.Info("appointment booked",
		zap.String("customer_id", sess.ID),
		zap.String("event_id", eventID),
		zap.Time("start", start),
	)
	return outcome{text: confirmationReply(name, d, t), notices: notices, label: "booked"}, nil
}

func (e *Engine) observe(stage, label string, started time.Time) {
	if e.metrics != nil {
		e.metrics.ObserveMessage(stage, label, time.Since(started).Seconds())
	}
}

func (e *Engine) observeBooking(result string) {
	if e.metrics != nil {
		e.metrics.ObserveBooking(result)
	}
}

var (
	resetCommands  = []string{"cancelar", "sair", "reiniciar"}
	cancelCommands = []string{"cancelar agendamento", "desmarcar"}
	startKeywords  = []string{"oi", "ola", "bom dia", "boa tarde", "boa noite", "agendar", "marcar", "horario"}
)

// Global commands must be the whole message, but punctuation around them
// is ignored: "Cancelar!" resets, "cancelar amanhã" does not.
func isReset(normalized string) bool {
	return containsExact(resetCommands, strings.Join(schedule.Words(normalized), " "))
}

func isCancelAppointment(normalized string) bool {
	return containsExact(cancelCommands, strings.Join(schedule.Words(normalized), " "))
}

// isStart matches whole words, so "oi" does not fire on "noite" alone.
func isStart(normalized string) bool {
	padded := " " + strings.Join(schedule.Words(normalized), " ") + " "
	for _, kw := range startKeywords {
		if strings.Contains(padded, " "+kw+" ") {
			return true
		}
	}
	return false
}

func containsExact(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
