package conversation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hackgods/barbershop-chat-scheduling/internal/appointment"
	"github.com/hackgods/barbershop-chat-scheduling/internal/availability"
	"github.com/hackgods/barbershop-chat-scheduling/internal/calendar"
	"github.com/hackgods/barbershop-chat-scheduling/internal/credentials"
	"github.com/hackgods/barbershop-chat-scheduling/internal/schedule"
	"github.com/hackgods/barbershop-chat-scheduling/internal/session"
)

const customer = "5511999999999"

var saoPaulo = func() *time.Location {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		panic(err)
	}
	return loc
}()

type harness struct {
	engine   *Engine
	sessions *memorySessions
	cal      *flakyCalendar
	ledger   *fakeLedger
	metrics  *countingMetrics
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithLogger(t, zap.NewNop())
}

func newHarnessWithLogger(t *testing.T, logger *zap.Logger) *harness {
	t.Helper()
	h := &harness{
		sessions: newMemorySessions(),
		cal:      &flakyCalendar{Memory: calendar.NewMemory()},
		ledger:   &fakeLedger{},
		metrics:  newCountingMetrics(),
		// Thursday, 10:00 in São Paulo.
		now: time.Date(2026, time.October, 15, 10, 0, 0, 0, saoPaulo),
	}
	h.engine = NewEngine(Deps{
		Sessions:     h.sessions,
		Availability: availability.NewGate(h.cal, logger, nil),
		Calendar:     h.cal,
		Ledger:       h.ledger,
		Metrics:      h.metrics,
		Logger:       logger,
	}, Rules{
		Location:            saoPaulo,
		SessionTimeout:      30 * time.Minute,
		AppointmentDuration: time.Hour,
		ClosedWeekdays:      schedule.NewWeekdays(time.Sunday),
		Hours: schedule.BusinessHours{
			Start: schedule.MustParseClock("09:00"),
			End:   schedule.MustParseClock("19:00"),
		},
	})
	h.engine.now = func() time.Time { return h.now }
	return h
}

func (h *harness) send(t *testing.T, text string) Reply {
	t.Helper()
	reply, err := h.engine.Handle(context.Background(), Message{
		SenderID:    customer,
		DisplayName: "João 💈",
		Text:        text,
	})
	require.NoError(t, err)
	assert.Equal(t, customer, reply.To)
	assert.NotEmpty(t, reply.Text, "every processed message gets a reply")
	return reply
}

func (h *harness) stage() session.Stage {
	return h.sessions.get(customer).Stage
}

func (h *harness) putStage(st session.Stage, lastActivity time.Time) {
	s := session.New(customer, "João", lastActivity)
	s.Stage = st
	h.sessions.put(*s)
}

func date(t *testing.T, year int, month time.Month, day int) schedule.Date {
	t.Helper()
	d, ok := schedule.NewDate(year, month, day)
	require.True(t, ok)
	return d
}

func TestIdleStartKeywordsAskForDate(t *testing.T) {
	for _, text := range []string{"agendar", "Oi", "olá, tudo bem?", "Bom dia!", "boa noite", "quero marcar", "tem horário?"} {
		t.Run(text, func(t *testing.T) {
			h := newHarness(t)
			reply := h.send(t, text)
			assert.Equal(t, session.AwaitingDate{}, h.stage())
			assert.Contains(t, reply.Text, "Para qual dia")
			assert.Contains(t, reply.Text, "*João*")
		})
	}
}

func TestIdleOtherTextGetsHelp(t *testing.T) {
	h := newHarness(t)
	reply := h.send(t, "obrigado")
	assert.Equal(t, helpReply, reply.Text)
	assert.Equal(t, session.Idle{}, h.stage())
	assert.Equal(t, 1, h.sessions.saves, "a new customer is persisted on first message")
	assert.Equal(t, "João 💈", h.sessions.get(customer).DisplayName)
}

func TestAwaitingDateRejectsInvalidCalendarDate(t *testing.T) {
	h := newHarness(t)
	h.putStage(session.AwaitingDate{}, h.now.Add(-time.Minute))

	reply := h.send(t, "31/02")
	assert.Equal(t, dateInvalidReply, reply.Text)
	assert.Equal(t, session.AwaitingDate{}, h.stage())
}

func TestAwaitingDateRejectsClosedDay(t *testing.T) {
	h := newHarness(t)
	h.putStage(session.AwaitingDate{}, h.now.Add(-time.Minute))

	reply := h.send(t, "18/10")
	assert.Contains(t, reply.Text, "18/10/2026")
	assert.Contains(t, reply.Text, "domingo")
	assert.Equal(t, session.AwaitingDate{}, h.stage())
}

func TestAwaitingDateAcceptsKeywordAndAsksForTime(t *testing.T) {
	h := newHarness(t)
	h.putStage(session.AwaitingDate{}, h.now.Add(-time.Minute))

	reply := h.send(t, "pode ser amanhã?")
	assert.Equal(t, session.AwaitingTime{Date: date(t, 2026, time.October, 16)}, h.stage())
	assert.Contains(t, reply.Text, "16/10/2026")
	assert.Contains(t, reply.Text, "Qual horário")
}

func TestAwaitingDateRollsPastDateToNextYear(t *testing.T) {
	h := newHarness(t)
	h.putStage(session.AwaitingDate{}, h.now.Add(-time.Minute))

	h.send(t, "14/10")
	// 14/10/2027 is a Thursday.
	assert.Equal(t, session.AwaitingTime{Date: date(t, 2027, time.October, 14)}, h.stage())
}

func TestAwaitingTimeRejections(t *testing.T) {
	friday := date(t, 2026, time.October, 16)
	tests := []struct {
		name string
		text string
		want string
	}{
		{"hour out of range", "25:00", timeInvalidReply},
		{"minute out of range", "14:60", timeInvalidReply},
		{"not a time", "de tarde", timeInvalidReply},
		{"before opening", "08:59", "Atendemos das *09:00* às *19:00*"},
		{"closing time is exclusive", "19:00", "Atendemos das *09:00* às *19:00*"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.putStage(session.AwaitingTime{Date: friday}, h.now.Add(-time.Minute))

			reply := h.send(t, tt.text)
			assert.Contains(t, reply.Text, tt.want)
			assert.Equal(t, session.AwaitingTime{Date: friday}, h.stage())
			assert.Zero(t, h.cal.inserts.Load())
		})
	}
}

func TestAwaitingTimeRejectsTimeAlreadyPassedToday(t *testing.T) {
	h := newHarness(t)
	today := date(t, 2026, time.October, 15)
	h.putStage(session.AwaitingTime{Date: today}, h.now.Add(-time.Minute))

	reply := h.send(t, "09:30")
	assert.Contains(t, reply.Text, "já passou")
	assert.Equal(t, session.AwaitingTime{Date: today}, h.stage())
	assert.Zero(t, h.cal.inserts.Load())
}

func TestBookingHappyPath(t *testing.T) {
	h := newHarness(t)

	h.send(t, "agendar")
	h.now = h.now.Add(time.Minute)
	h.send(t, "28/11")
	h.now = h.now.Add(time.Minute)
	reply := h.send(t, "14h00")

	assert.Equal(t, []string{checkingNotice}, reply.Notices)
	assert.Contains(t, reply.Text, "Agendado com Sucesso")
	assert.Contains(t, reply.Text, "👤 João")
	assert.Contains(t, reply.Text, "📅 28/11/2026")
	assert.Contains(t, reply.Text, "⏰ 14:00")

	s := h.sessions.get(customer)
	assert.Equal(t, session.Idle{}, s.Stage)
	require.NotNil(t, s.LastAppointmentID)
	assert.Equal(t, h.now, s.LastActivityAt)

	start := time.Date(2026, 11, 28, 17, 0, 0, 0, time.UTC)
	events, err := h.cal.ListUpcoming(context.Background(), "cliente:"+customer, h.now)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Start.Equal(start), "14:00 in São Paulo is 17:00 UTC")
	assert.True(t, events[0].End.Equal(start.Add(time.Hour)))
	assert.Equal(t, "✂️ João", events[0].Summary)
	assert.Equal(t, appointment.DedupeKey(customer, start), events[0].ID)

	require.Len(t, h.ledger.records, 1)
	rec := h.ledger.records[0]
	assert.Equal(t, *s.LastAppointmentID, rec.ID)
	assert.Equal(t, events[0].ID, rec.ExternalEventID)
	assert.Equal(t, appointment.StatusConfirmed, rec.Status)
	assert.Equal(t, date(t, 2026, time.November, 28), rec.Date)
	assert.Equal(t, schedule.MustParseClock("14:00"), rec.Time)

	assert.Equal(t, 1, h.metrics.bookings["confirmed"])
	assert.Equal(t, 1, h.metrics.messages["AWAITING_TIME/booked"])
}

func TestBookingSlotTakenKeepsAwaitingTime(t *testing.T) {
	h := newHarness(t)
	friday := date(t, 2026, time.October, 16)
	h.putStage(session.AwaitingTime{Date: friday}, h.now.Add(-time.Minute))

	busyStart := time.Date(2026, 10, 16, 14, 30, 0, 0, saoPaulo)
	_, err := h.cal.Memory.InsertEvent(context.Background(), calendar.Event{
		ID: "other", Summary: "✂️ Maria", Start: busyStart, End: busyStart.Add(time.Hour),
	})
	require.NoError(t, err)

	reply := h.send(t, "14:00")
	assert.Contains(t, reply.Text, "já está ocupado")
	assert.Equal(t, session.AwaitingTime{Date: friday}, h.stage())
	assert.Zero(t, h.cal.inserts.Load())

	// The customer can immediately try another time.
	reply = h.send(t, "16:00")
	assert.Contains(t, reply.Text, "Agendado com Sucesso")
}

func TestBookingAvailabilityFailureIsTreatedAsBusy(t *testing.T) {
	h := newHarness(t)
	friday := date(t, 2026, time.October, 16)
	h.putStage(session.AwaitingTime{Date: friday}, h.now.Add(-time.Minute))
	h.cal.busyErr = errors.New("googleapi: Error 503")

	reply := h.send(t, "14:00")
	assert.Contains(t, reply.Text, "já está ocupado")
	assert.Equal(t, session.AwaitingTime{Date: friday}, h.stage())
	assert.Zero(t, h.cal.inserts.Load())
}

func TestBookingInsertFailureResetsToIdle(t *testing.T) {
	h := newHarness(t)
	h.putStage(session.AwaitingTime{Date: date(t, 2026, time.October, 16)}, h.now.Add(-time.Minute))
	h.cal.insertErr = errors.New("googleapi: Error 500")

	reply := h.send(t, "14:00")
	assert.Equal(t, technicalReply, reply.Text)
	assert.Equal(t, session.Idle{}, h.stage())
	assert.Empty(t, h.ledger.records)
	assert.Nil(t, h.sessions.get(customer).LastAppointmentID)
	assert.Equal(t, 1, h.metrics.bookings["insert_failed"])
}

func TestBookingLedgerFailureStillConfirms(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	h := newHarnessWithLogger(t, zap.New(core))
	h.putStage(session.AwaitingTime{Date: date(t, 2026, time.October, 16)}, h.now.Add(-time.Minute))
	h.ledger.recordErr = fmt.Errorf("%w: connection reset", appointment.ErrLedgerInconsistent)

	reply := h.send(t, "14:00")
	assert.Contains(t, reply.Text, "Agendado com Sucesso")
	assert.Equal(t, session.Idle{}, h.stage())
	assert.NotNil(t, h.sessions.get(customer).LastAppointmentID)
	assert.Equal(t, 1, h.cal.Len(), "the calendar event exists")
	assert.Equal(t, 1, logs.FilterMessage("booking confirmed with ledger inconsistency").Len())
	assert.Equal(t, 1, h.metrics.bookings["ledger_inconsistent"])
}

func TestResendingFinalTimeAfterSuccessIsNotABooking(t *testing.T) {
	h := newHarness(t)
	h.putStage(session.AwaitingTime{Date: date(t, 2026, time.October, 16)}, h.now.Add(-time.Minute))

	h.send(t, "14:00")
	reply := h.send(t, "14:00")

	assert.Equal(t, helpReply, reply.Text)
	assert.Equal(t, 1, h.cal.Len())
	assert.Len(t, h.ledger.records, 1)
}

func TestRetriedCommitReusesCalendarEvent(t *testing.T) {
	h := newHarness(t)
	friday := date(t, 2026, time.October, 16)
	h.putStage(session.AwaitingTime{Date: friday}, h.now.Add(-time.Minute))
	h.sessions.saveErr = errors.New("connection refused")

	h.send(t, "14:00")
	assert.Equal(t, 1, h.cal.Len())

	// The stage was never saved, so a redelivery of the same message runs
	// the commit again. The slot now reads busy and nothing is duplicated.
	h.sessions.saveErr = nil
	reply := h.send(t, "14:00")
	assert.Contains(t, reply.Text, "já está ocupado")
	assert.Equal(t, 1, h.cal.Len())
	assert.Len(t, h.ledger.records, 1)
}

func TestTimeoutResetsBeforeAnythingElse(t *testing.T) {
	h := newHarness(t)
	h.putStage(session.AwaitingTime{Date: date(t, 2026, time.October, 16)}, h.now.Add(-31*time.Minute))

	reply := h.send(t, "14:00")
	assert.Equal(t, expiredReply, reply.Text)
	assert.Equal(t, session.Idle{}, h.stage())
	assert.Zero(t, h.cal.inserts.Load(), "an expired conversation never books")
	assert.Equal(t, h.now, h.sessions.get(customer).LastActivityAt)
}

func TestTimeoutBoundaryIsStrict(t *testing.T) {
	h := newHarness(t)
	friday := date(t, 2026, time.October, 16)
	h.putStage(session.AwaitingTime{Date: friday}, h.now.Add(-30*time.Minute))

	reply := h.send(t, "25:00")
	assert.Equal(t, timeInvalidReply, reply.Text)
	assert.Equal(t, session.AwaitingTime{Date: friday}, h.stage())
}

func TestIdleSessionNeverExpires(t *testing.T) {
	h := newHarness(t)
	h.putStage(session.Idle{}, h.now.Add(-48*time.Hour))

	reply := h.send(t, "agendar")
	assert.Contains(t, reply.Text, "Para qual dia")
}

func TestGlobalResetFromAnyStage(t *testing.T) {
	stages := []session.Stage{
		session.Idle{},
		session.AwaitingDate{},
		session.AwaitingTime{Date: date(t, 2026, time.October, 16)},
	}
	for _, st := range stages {
		for _, cmd := range []string{"cancelar", "SAIR", " reiniciar "} {
			t.Run(string(st.Name())+"/"+cmd, func(t *testing.T) {
				h := newHarness(t)
				h.putStage(st, h.now.Add(-time.Minute))

				reply := h.send(t, cmd)
				assert.Equal(t, resetReply, reply.Text)
				assert.Equal(t, session.Idle{}, h.stage())
			})
		}
	}
}

func TestGlobalCommandsIgnorePunctuation(t *testing.T) {
	for _, cmd := range []string{"Cancelar!", "sair.", "Reiniciar?!"} {
		t.Run(cmd, func(t *testing.T) {
			h := newHarness(t)
			h.putStage(session.AwaitingDate{}, h.now.Add(-time.Minute))

			reply := h.send(t, cmd)
			assert.Equal(t, resetReply, reply.Text)
			assert.Equal(t, session.Idle{}, h.stage())
		})
	}

	t.Run("command inside a longer message", func(t *testing.T) {
		h := newHarness(t)
		h.putStage(session.AwaitingDate{}, h.now.Add(-time.Minute))

		reply := h.send(t, "cancelar amanhã")
		assert.NotEqual(t, resetReply, reply.Text)
		assert.Equal(t, session.AwaitingTime{Date: date(t, 2026, time.October, 16)}, h.stage())
	})
}

func TestEveryBranchPersistsActivityOnce(t *testing.T) {
	h := newHarness(t)
	h.putStage(session.AwaitingDate{}, h.now.Add(-10*time.Minute))

	h.send(t, "qualquer coisa")
	assert.Equal(t, 1, h.sessions.saves)
	assert.Equal(t, h.now, h.sessions.get(customer).LastActivityAt)

	h.now = h.now.Add(20 * time.Minute)
	h.send(t, "ainda nada")
	assert.Equal(t, 2, h.sessions.saves)
	assert.Equal(t, session.AwaitingDate{}, h.stage(), "activity on a rejected branch keeps the window open")
}

func TestMissingCredentialsHaltProcessing(t *testing.T) {
	h := newHarness(t)
	friday := date(t, 2026, time.October, 16)
	h.putStage(session.AwaitingTime{Date: friday}, h.now.Add(-time.Minute))
	h.cal.busyErr = fmt.Errorf("calendar token: %w", credentials.ErrNotConnected)

	_, err := h.engine.Handle(context.Background(), Message{SenderID: customer, Text: "14:00"})
	assert.ErrorIs(t, err, credentials.ErrNotConnected)
	assert.Zero(t, h.sessions.saves)
	assert.Equal(t, session.AwaitingTime{Date: friday}, h.stage())
	assert.Equal(t, 1, h.metrics.messages["AWAITING_TIME/fatal"])
}

func TestSessionLoadFailureIsReturned(t *testing.T) {
	h := newHarness(t)
	h.engine.sessions = failingSessions{}

	_, err := h.engine.Handle(context.Background(), Message{SenderID: customer, Text: "oi"})
	assert.Error(t, err)
}

type failingSessions struct{}

func (failingSessions) Get(context.Context, string) (*session.Session, error) {
	return nil, errors.New("pool closed")
}

func (failingSessions) Save(context.Context, *session.Session) error { return nil }

func TestDisplayNameFallsBackToCustomerID(t *testing.T) {
	assert.Equal(t, "João Silva", displayName("  João 💈 Silva ✂️", customer))
	assert.Equal(t, "Cliente "+customer, displayName("🔥🔥", customer))
}

func TestSenderHelpers(t *testing.T) {
	assert.Equal(t, customer, CustomerIDFromSender("5511999999999@c.us"))
	assert.Equal(t, customer, CustomerIDFromSender("+55 (11) 99999-9999"))
	assert.True(t, IsBroadcastSender("120363041234567890@g.us"))
	assert.True(t, IsBroadcastSender("status@broadcast"))
	assert.False(t, IsBroadcastSender("5511999999999@c.us"))
}
