package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TrafficRecorder keeps per-IP connection and traffic counters. It feeds the
// violation detector when an address exceeds the configured limits, and can
// periodically flush totals to Postgres for offline inspection.
type TrafficRecorder struct {
	mu       sync.Mutex
	byIP     map[string]*ipTraffic
	detector *ViolationDetector

	maxConnsPerIP int
	maxBitsPerSec int64
}

type ipTraffic struct {
	open        int
	totalConns  int64
	totalBits   int64
	windowStart time.Time
	windowBits  int64
}

func NewTrafficRecorder(cfg SleepConfig, detector *ViolationDetector) *TrafficRecorder {
	return &TrafficRecorder{
		byIP:          map[string]*ipTraffic{},
		detector:      detector,
		maxConnsPerIP: cfg.MaxConnsPerIP,
		maxBitsPerSec: cfg.MaxBitsPerSec,
	}
}

func (r *TrafficRecorder) OnConnection(ip string) {
	r.mu.Lock()
	t := r.entryLocked(ip)
	t.open++
	t.totalConns++
	overLimit := r.maxConnsPerIP > 0 && t.open > r.maxConnsPerIP
	r.mu.Unlock()

	// Reporting happens outside the lock: a violation callback may stop a
	// session, which re-enters the recorder via OnConnectionClose.
	if overLimit {
		r.detector.Report("ip", ip, ReasonTooManyConnections)
	}
}

// OnData records bits read from an address. A rolling one-second window
// tripping the bits/sec limit reports a flood once per window.
func (r *TrafficRecorder) OnData(ip string, bits int64) {
	now := time.Now()

	r.mu.Lock()
	t := r.entryLocked(ip)
	t.totalBits += bits
	if t.windowStart.IsZero() || now.Sub(t.windowStart) >= time.Second {
		t.windowStart = now
		t.windowBits = 0
	}
	before := t.windowBits
	t.windowBits += bits
	// Report once per window, on the crossing.
	flood := r.maxBitsPerSec > 0 && before <= r.maxBitsPerSec && t.windowBits > r.maxBitsPerSec
	r.mu.Unlock()

	if flood {
		r.detector.Report("ip", ip, ReasonTrafficFlood)
	}
}

func (r *TrafficRecorder) OnConnectionClose(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.byIP[ip]
	if t == nil {
		return
	}
	if t.open > 0 {
		t.open--
	}
}

func (r *TrafficRecorder) entryLocked(ip string) *ipTraffic {
	t := r.byIP[ip]
	if t == nil {
		t = &ipTraffic{}
		r.byIP[ip] = t
	}
	return t
}

func (r *TrafficRecorder) openConnections(ip string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.byIP[ip]; t != nil {
		return t.open
	}
	return 0
}

type ipTotals struct {
	totalConns int64
	totalBits  int64
}

func (r *TrafficRecorder) snapshotTotals() map[string]ipTotals {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ipTotals, len(r.byIP))
	for ip, t := range r.byIP {
		out[ip] = ipTotals{totalConns: t.totalConns, totalBits: t.totalBits}
	}
	return out
}

// trafficStore persists per-IP rollups to Postgres. It is optional; store
// failures are logged and never reach the session path.
type trafficStore struct {
	pool *pgxpool.Pool
}

func openTrafficStore(ctx context.Context, dsn string) (*trafficStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	schema := `
CREATE TABLE IF NOT EXISTS ip_traffic (
  ip TEXT PRIMARY KEY,
  total_connections BIGINT NOT NULL,
  total_bits BIGINT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}
	return &trafficStore{pool: pool}, nil
}

func (s *trafficStore) flush(ctx context.Context, totals map[string]ipTotals) error {
	for ip, t := range totals {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO ip_traffic(ip, total_connections, total_bits, updated_at)
			 VALUES($1, $2, $3, now())
			 ON CONFLICT(ip) DO UPDATE SET
			   total_connections=excluded.total_connections,
			   total_bits=excluded.total_bits,
			   updated_at=now()`,
			ip, t.totalConns, t.totalBits)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *trafficStore) Close() {
	s.pool.Close()
}

// StartFlusher attaches a store and flushes totals until ctx is canceled.
func (r *TrafficRecorder) StartFlusher(ctx context.Context, store *trafficStore, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := store.flush(ctx, r.snapshotTotals()); err != nil {
					log.Printf("traffic rollup flush failed: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
