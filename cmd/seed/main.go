package main

import (
	"context"
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/brianvoe/gofakeit/v7"
	"go.uber.org/zap"

	"github.com/hackgods/barbershop-chat-scheduling/internal/appointment"
	"github.com/hackgods/barbershop-chat-scheduling/internal/config"
	"github.com/hackgods/barbershop-chat-scheduling/internal/db"
	"github.com/hackgods/barbershop-chat-scheduling/internal/schedule"
	"github.com/hackgods/barbershop-chat-scheduling/internal/session"
	"github.com/hackgods/barbershop-chat-scheduling/pkg/logging"
)

// seed fills a development database with customers and ledger history.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Fatal("config load error", zap.Error(err))
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		logging.Default().Fatal("logger init error", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Env == "prod" || cfg.Env == "production" {
		logger.Fatal("refusing to seed a production database")
	}
	logger.Info("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgresWith(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	faker := gofakeit.New(uint64(time.Now().UnixNano()))
	s := seeder{
		faker:    faker,
		shop:     cfg.Shop,
		sessions: session.NewPgRepository(pool),
		ledger:   appointment.NewService(appointment.NewPgRepository(pool), nil, logger.Named("ledger")),
		logger:   logger,
	}

	count := 200
	if v := os.Getenv("SEED_CUSTOMERS"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &count); err != nil {
			logger.Fatal("invalid SEED_CUSTOMERS", zap.String("value", v))
		}
	}

	booked, err := s.run(context.Background(), count)
	if err != nil {
		logger.Fatal("seed failed", zap.Error(err))
	}
	logger.Info("seed complete", zap.Int("customers", count), zap.Int("appointments", booked))
}

type seeder struct {
	faker    *gofakeit.Faker
	shop     config.Shop
	sessions session.Repository
	ledger   *appointment.Service
	logger   *zap.Logger
}

func (s seeder) run(ctx context.Context, customers int) (int, error) {
	now := time.Now()
	today := schedule.DateOf(now, s.shop.Location)
	booked := 0

	for i := 0; i < customers; i++ {
		id := "55" + s.faker.Numerify("119########")
		sess := session.New(id, s.faker.FirstName()+" "+s.faker.LastName(), now.Add(-time.Duration(s.faker.Number(1, 72))*time.Hour))

		// A few customers are left mid-conversation.
		switch s.faker.Number(0, 9) {
		case 0:
			sess.Stage = session.AwaitingDate{}
		case 1:
			sess.Stage = session.AwaitingTime{Date: today.AddDays(s.faker.Number(1, 7))}
		}

		for n := s.faker.Number(0, 3); n > 0; n-- {
			rec, ok := s.randomAppointment(id, today, now)
			if !ok {
				continue
			}
			created, err := s.ledger.Record(ctx, rec)
			if err != nil {
				return booked, fmt.Errorf("record appointment for %s: %w", id, err)
			}
			sess.LastAppointmentID = &created.ID
			booked++
		}

		if err := s.sessions.Save(ctx, sess); err != nil {
			return booked, fmt.Errorf("save session %s: %w", id, err)
		}
		if (i+1)%50 == 0 {
			s.logger.Info("customers seeded", zap.Int("done", i+1), zap.Int("total", customers))
		}
	}
	return booked, nil
}

// randomAppointment picks an open-day, in-hours slot within 30 days of today.
func (s seeder) randomAppointment(customerID string, today schedule.Date, now time.Time) (appointment.Record, bool) {
	d := today.AddDays(s.faker.Number(-30, 30))
	if !schedule.IsOpenDay(d, s.shop.ClosedWeekdays) {
		return appointment.Record{}, false
	}
	open, closing := s.shop.Hours.Start.Minutes(), s.shop.Hours.End.Minutes()
	slots := (closing - open) / 30
	if slots <= 0 {
		return appointment.Record{}, false
	}
	m := open + 30*s.faker.Number(0, slots-1)
	t := schedule.Clock{Hour: m / 60, Minute: m % 60}

	start, end := schedule.ToAbsoluteInterval(d, t, s.shop.Location, s.shop.AppointmentDuration)
	key := appointment.DedupeKey(customerID, start)
	return appointment.Record{
		CustomerID:      customerID,
		Date:            d,
		Time:            t,
		Start:           start.UTC(),
		End:             end.UTC(),
		ExternalEventID: key,
		DedupeKey:       key,
		Status:          appointment.StatusConfirmed,
		CreatedAt:       minTime(start.Add(-48*time.Hour), now).UTC(),
	}, true
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
