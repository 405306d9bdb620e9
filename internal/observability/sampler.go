package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const sampleTimeout = 5 * time.Second

// LivenessSampler periodically refreshes the server-up gauge by asking a
// probe whether a live agent server is present. The probe is attached after
// construction, once the sandbox and coordinator exist.
type LivenessSampler struct {
	cron    *cron.Cron
	metrics *MetricsCollector
	logger  *slog.Logger

	mu    sync.Mutex
	port  int
	probe func(ctx context.Context) (bool, error)
}

// NewLivenessSampler creates a sampler on the given cron schedule.
// The schedule is validated up front so a bad expression fails at startup,
// not at first tick.
func NewLivenessSampler(schedule string, metrics *MetricsCollector, logger *slog.Logger) (*LivenessSampler, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parsing liveness schedule %q: %w", schedule, err)
	}

	s := &LivenessSampler{
		cron:    cron.New(),
		metrics: metrics,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.sample); err != nil {
		return nil, fmt.Errorf("scheduling liveness sampler: %w", err)
	}
	return s, nil
}

// SetProbe attaches the liveness probe for a port and starts sampling.
// Safe to call before Start; the probe may be swapped at runtime.
func (s *LivenessSampler) SetProbe(port int, probe func(ctx context.Context) (bool, error)) {
	s.mu.Lock()
	s.port = port
	s.probe = probe
	s.mu.Unlock()
}

// Start begins scheduled sampling and takes an immediate first sample.
func (s *LivenessSampler) Start() {
	if s == nil {
		return
	}
	s.sample()
	s.cron.Start()
}

// Stop halts the schedule. Running samples finish on their own.
func (s *LivenessSampler) Stop() {
	if s == nil {
		return
	}
	s.cron.Stop()
}

func (s *LivenessSampler) sample() {
	s.mu.Lock()
	port, probe := s.port, s.probe
	s.mu.Unlock()
	if probe == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sampleTimeout)
	defer cancel()

	up, err := probe(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("liveness sample failed",
				slog.Int("port", port),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if s.metrics != nil {
		s.metrics.SetServerUp(port, up)
	}
}
