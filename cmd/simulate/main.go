package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	_ "time/tzdata"

	"github.com/brianvoe/gofakeit/v7"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/barbershop-chat-scheduling/internal/api"
	"github.com/hackgods/barbershop-chat-scheduling/internal/config"
	"github.com/hackgods/barbershop-chat-scheduling/internal/schedule"
	"github.com/hackgods/barbershop-chat-scheduling/pkg/logging"
)

type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	CancelRatio float64
	ReadRatio   float64
	DaysAhead   int // how many days ahead customers pick from
	Shop        config.Shop
}

// CustomerPool remembers which simulated customers hold a booking.
type CustomerPool struct {
	mu     sync.RWMutex
	booked []string
}

func (cp *CustomerPool) Add(id string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.booked = append(cp.booked, id)
}

func (cp *CustomerPool) Take(rng *rand.Rand) (string, bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if len(cp.booked) == 0 {
		return "", false
	}
	idx := rng.Intn(len(cp.booked))
	id := cp.booked[idx]
	cp.booked[idx] = cp.booked[len(cp.booked)-1]
	cp.booked = cp.booked[:len(cp.booked)-1]
	return id, true
}

func (cp *CustomerPool) Random(rng *rand.Rand) (string, bool) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	if len(cp.booked) == 0 {
		return "", false
	}
	return cp.booked[rng.Intn(len(cp.booked))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Greeting       OperationMetrics
	PickDate       OperationMetrics
	Booking        OperationMetrics
	Cancel         OperationMetrics
	ListByCustomer OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *CustomerPool
	client  *http.Client
	logger  *zap.Logger
	metrics Metrics
}

func main() {
	logger := logging.Default()
	defer func() { _ = logger.Sync() }()
	logger.Info("simulator starting")

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if err := validateConfig(cfg); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	logger.Info("simulation config",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("cancel_ratio", cfg.CancelRatio),
		zap.Float64("read_ratio", cfg.ReadRatio),
		zap.Int("days_ahead", cfg.DaysAhead),
	)

	sim := &Simulator{
		config: cfg,
		pool:   &CustomerPool{},
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}

	if err := sim.Run(context.Background()); err != nil {
		logger.Fatal("simulation aborted", zap.Error(err))
	}
	sim.PrintReport()
}

func loadConfig() (SimConfig, error) {
	baseCfg, err := config.Load()
	if err != nil {
		return SimConfig{}, fmt.Errorf("load base config: %w", err)
	}

	cfg := SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 10),
		CancelRatio: getFloat("SIM_CANCEL_RATIO", 0.15),
		ReadRatio:   getFloat("SIM_READ_RATIO", 0.15),
		DaysAhead:   getInt("SIM_DAYS_AHEAD", 7),
		Shop:        baseCfg.Shop,
	}
	return cfg, nil
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return errors.New("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return errors.New("SIM_DURATION must be > 0")
	}
	if cfg.DaysAhead <= 0 {
		return errors.New("SIM_DAYS_AHEAD must be > 0")
	}
	if cfg.CancelRatio+cfg.ReadRatio >= 1 {
		return errors.New("SIM_CANCEL_RATIO + SIM_READ_RATIO must be < 1")
	}
	return nil
}

// errFatalResponse stops every worker: the server cannot book at all.
var errFatalResponse = errors.New("calendar not connected")

func (s *Simulator) Run(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.config.Duration)
	defer cancel()

	s.logger.Info("starting simulation",
		zap.Duration("duration", s.config.Duration),
		zap.Int("workers", s.config.Workers),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Workers; i++ {
		workerID := i
		g.Go(func() error {
			return s.worker(gctx, workerID)
		})
	}

	err := g.Wait()
	s.logger.Info("simulation complete")
	return err
}

func (s *Simulator) worker(ctx context.Context, workerID int) error {
	seed := time.Now().UnixNano() + int64(workerID)
	rng := rand.New(rand.NewSource(seed))
	faker := gofakeit.New(uint64(seed))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var err error
		r := rng.Float64()
		switch {
		case r < s.config.CancelRatio:
			err = s.doCancel(ctx, rng)
		case r < s.config.CancelRatio+s.config.ReadRatio:
			err = s.doListByCustomer(ctx, rng)
		default:
			err = s.doConversation(ctx, rng, faker)
		}
		if errors.Is(err, errFatalResponse) {
			return err
		}
	}
}

// doConversation walks one new customer through greeting, date and time.
func (s *Simulator) doConversation(ctx context.Context, rng *rand.Rand, faker *gofakeit.Faker) error {
	customer := "55" + faker.Numerify("119########")
	name := faker.FirstName()

	reply, latency, status, err := s.send(ctx, customer, name, "Oi, quero agendar")
	if !s.recordStep(&s.metrics.Greeting, latency, status, err, reply != nil) {
		return fatalIf(status)
	}

	d := s.pickDate(rng)
	reply, latency, status, err = s.send(ctx, customer, name, fmt.Sprintf("%02d/%02d", d.Day, int(d.Month)))
	if !s.recordStep(&s.metrics.PickDate, latency, status, err, reply != nil) {
		return fatalIf(status)
	}
	if !strings.Contains(reply.Text, "Qual horário") {
		// Closed day or rejected date; the engine kept asking for a date.
		return nil
	}

	t := s.pickTime(rng)
	reply, latency, status, err = s.send(ctx, customer, name, t.String())
	if err != nil || status != http.StatusOK || reply == nil {
		s.metrics.Booking.Record(latency, false, status == http.StatusConflict)
		return fatalIf(status)
	}

	switch {
	case strings.Contains(reply.Text, "Agendado com Sucesso"):
		s.metrics.Booking.Record(latency, true, false)
		s.pool.Add(customer)
	case strings.Contains(reply.Text, "já está ocupado"):
		s.metrics.Booking.Record(latency, false, true)
	default:
		s.metrics.Booking.Record(latency, false, false)
	}
	return nil
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) error {
	customer, ok := s.pool.Take(rng)
	if !ok {
		return nil
	}

	reply, latency, status, err := s.send(ctx, customer, "", "desmarcar")
	success := err == nil && status == http.StatusOK && reply != nil &&
		strings.Contains(reply.Text, "cancelado")
	s.metrics.Cancel.Record(latency, success, status == http.StatusConflict)
	return fatalIf(status)
}

func (s *Simulator) doListByCustomer(ctx context.Context, rng *rand.Rand) error {
	customer, ok := s.pool.Random(rng)
	if !ok {
		return nil
	}

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/customers/%s/appointments?limit=10", s.config.APIBaseURL, customer), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}
	s.metrics.ListByCustomer.Record(latency, success, false)
	return nil
}

func (s *Simulator) send(ctx context.Context, from, name, text string) (*api.MessageResponse, time.Duration, int, error) {
	body, _ := json.Marshal(api.InboundMessage{From: from + "@s.whatsapp.net", Name: name, Body: text})

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/webhooks/messages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return nil, latency, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, latency, resp.StatusCode, nil
	}

	var out api.MessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, latency, resp.StatusCode, err
	}
	return &out, latency, resp.StatusCode, nil
}

// recordStep reports whether the conversation may continue.
func (s *Simulator) recordStep(om *OperationMetrics, latency time.Duration, status int, err error, ok bool) bool {
	success := err == nil && status == http.StatusOK && ok
	om.Record(latency, success, status == http.StatusConflict)
	return success
}

func fatalIf(status int) error {
	if status == http.StatusServiceUnavailable {
		return errFatalResponse
	}
	return nil
}

// pickDate favours the next few days so customers collide on slots.
func (s *Simulator) pickDate(rng *rand.Rand) schedule.Date {
	today := schedule.DateOf(time.Now(), s.config.Shop.Location)
	return today.AddDays(1 + rng.Intn(s.config.DaysAhead))
}

func (s *Simulator) pickTime(rng *rand.Rand) schedule.Clock {
	open := s.config.Shop.Hours.Start.Minutes()
	span := s.config.Shop.Hours.End.Minutes() - open
	step := int(s.config.Shop.AppointmentDuration / time.Minute)
	if step <= 0 || step > span {
		step = 30
	}
	m := open + step*rng.Intn(span/step)
	return schedule.Clock{Hour: m / 60, Minute: m % 60}
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Greeting", &s.metrics.Greeting)
	printOperationReport("Pick date", &s.metrics.PickDate)
	printOperationReport("Booking (conflicts = slot taken)", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("List by customer", &s.metrics.ListByCustomer)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
