package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const checkTimeout = 2 * time.Second

// Journal is the part of the workflow journal the monitor inspects.
type Journal interface {
	Size() (int, error)
}

// Monitor polls the backing services. A component that is not configured
// (nil) does not count against IsOnline.
type Monitor struct {
	pg      *pgxpool.Pool
	redis   *redislib.Client
	journal Journal
	driver  string

	status   Status
	mu       sync.RWMutex
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

func New(driver string, pg *pgxpool.Pool, redis *redislib.Client, journal Journal, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		pg:       pg,
		redis:    redis,
		journal:  journal,
		driver:   driver,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (m *Monitor) Start() {
	go m.loop()
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (m.pg == nil || m.status.PostgreSQL) && (m.redis == nil || m.status.Redis) && (m.journal == nil || m.status.Journal)
}

func (m *Monitor) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Refresh()
	for {
		select {
		case <-ticker.C:
			m.Refresh()
		case <-m.stopCh:
			return
		}
	}
}

// Refresh checks every component once. Checks run concurrently so a hung
// backend delays the report by at most its own timeout.
func (m *Monitor) Refresh() {
	var (
		status = Status{Storage: m.driver}
		g      errgroup.Group
	)
	g.Go(func() error {
		status.PostgreSQL = m.checkPostgres()
		return nil
	})
	g.Go(func() error {
		status.Redis = m.checkRedis()
		return nil
	})
	g.Go(func() error {
		status.Journal, status.JournalSize = m.checkJournal()
		return nil
	})
	_ = g.Wait()
	status.LastCheck = time.Now()

	m.mu.Lock()
	previous := m.status
	m.status = status
	m.mu.Unlock()

	if previous.LastCheck.IsZero() {
		return
	}
	for _, c := range []struct {
		name      string
		was, isUp bool
	}{
		{"postgres", previous.PostgreSQL, status.PostgreSQL},
		{"redis", previous.Redis, status.Redis},
		{"journal", previous.Journal, status.Journal},
	} {
		if c.was != c.isUp {
			m.logger.Warn("component connectivity changed", zap.String("component", c.name), zap.Bool("online", c.isUp))
		}
	}
}

func (m *Monitor) checkPostgres() bool {
	if m.pg == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	return m.pg.Ping(ctx) == nil
}

func (m *Monitor) checkRedis() bool {
	if m.redis == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	return m.redis.Ping(ctx).Err() == nil
}

func (m *Monitor) checkJournal() (bool, int) {
	if m.journal == nil {
		return false, 0
	}
	size, err := m.journal.Size()
	if err != nil {
		m.logger.Warn("journal size check failed", zap.Error(err))
		return false, size
	}
	return true, size
}
