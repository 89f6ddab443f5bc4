// Package scanner drives the token discovery pipeline: fetch pool
// initialization logs on a fixed schedule, classify and price the
// pools, and hand the resulting records to the token repository.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokenlive/discovery-engine/internal/chain"
	"github.com/tokenlive/discovery-engine/internal/retry"
	"github.com/tokenlive/discovery-engine/pkg/models"
)

// ErrScanInProgress is returned when a trigger arrives while a scan is
// running. Triggers are dropped, never queued.
var ErrScanInProgress = errors.New("scan already in progress")

type WindowMode string

const (
	WindowFixed   WindowMode = "fixed"
	WindowSliding WindowMode = "sliding"
)

type Config struct {
	StartBlock uint64
	BlockRange uint64
	Interval   time.Duration
	Window     WindowMode
}

// TokenSink receives the records a scan produced. The token repository
// is the production implementation.
type TokenSink interface {
	Merge(ctx context.Context, records []models.TokenRecord) (added, zora, tba int, err error)
}

type Scanner struct {
	cfg        Config
	backend    chain.Backend
	processor  *Processor
	timestamps *TimestampResolver
	sink       TokenSink
	retryCfg   retry.Config

	running    atomic.Bool
	totalScans atomic.Int64

	mu   sync.Mutex
	last *models.ScanResult
}

// Progress is the scanner's state snapshot for the health endpoint.
type Progress struct {
	IsRunning  bool               `json:"isRunning"`
	TotalScans int64              `json:"totalScans"`
	LastResult *models.ScanResult `json:"lastResult,omitempty"`
}

func New(cfg Config, backend chain.Backend, processor *Processor, timestamps *TimestampResolver, sink TokenSink, retryCfg retry.Config) (*Scanner, error) {
	if cfg.Window != WindowFixed && cfg.Window != WindowSliding {
		// Deliberately no default: the fixed/sliding choice changes
		// what a scan means and must be configured explicitly.
		return nil, fmt.Errorf("scanner window must be %q or %q, got %q", WindowFixed, WindowSliding, cfg.Window)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &Scanner{
		cfg:        cfg,
		backend:    backend,
		processor:  processor,
		timestamps: timestamps,
		sink:       sink,
		retryCfg:   retryCfg,
	}, nil
}

// Run triggers a scan every cfg.Interval until ctx is cancelled. A
// tick that lands mid-scan is dropped; scan errors are logged and the
// next tick proceeds normally.
func (s *Scanner) Run(ctx context.Context) {
	log.Printf("[Scanner] Starting token scanner (window=%s interval=%s)", s.cfg.Window, s.cfg.Interval)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Scanner] Stopping token scanner...")
			return
		case <-ticker.C:
			if _, err := s.ScanOnce(ctx); err != nil && !errors.Is(err, ErrScanInProgress) {
				log.Printf("[Scanner] Scan failed: %v", err)
			}
		}
	}
}

// ScanOnce runs one full scan cycle. Concurrent callers beyond the
// first get ErrScanInProgress.
func (s *Scanner) ScanOnce(ctx context.Context) (models.ScanResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return models.ScanResult{}, ErrScanInProgress
	}
	defer s.running.Store(false)

	start := time.Now()

	fromBlock, toBlock, err := s.window(ctx)
	if err != nil {
		return models.ScanResult{}, err
	}

	logs, err := retry.Do(ctx, s.retryCfg, func(ctx context.Context) ([]chain.InitializeLog, error) {
		return s.backend.PoolInitializeLogs(ctx, fromBlock, toBlock)
	})
	if err != nil {
		return models.ScanResult{}, fmt.Errorf("fetch initialize logs: %w", err)
	}

	keys := make([]models.PoolKey, 0, len(logs))
	for _, lg := range logs {
		if !s.processor.classifier.KnownHook(lg.Hook) {
			continue
		}
		keys = append(keys, models.PoolKey{
			Currency0:      lg.Currency0,
			Currency1:      lg.Currency1,
			Fee:            lg.Fee,
			TickSpacing:    lg.TickSpacing,
			Hook:           lg.Hook,
			DiscoveryBlock: lg.BlockNumber,
		})
	}

	blocks := make([]uint64, 0, len(keys))
	for _, key := range keys {
		blocks = append(blocks, key.DiscoveryBlock)
	}
	timestamps := s.timestamps.Resolve(ctx, blocks)

	records := s.processor.Process(ctx, keys, timestamps)

	added, zora, tba, err := s.sink.Merge(ctx, records)
	if err != nil {
		return models.ScanResult{}, fmt.Errorf("merge records: %w", err)
	}

	result := models.ScanResult{
		BlocksScanned:   toBlock - fromBlock + 1,
		FromBlock:       fromBlock,
		ToBlock:         toBlock,
		PoolsDiscovered: len(keys),
		TokensAdded:     added,
		ZoraTokens:      zora,
		TBATokens:       tba,
		DurationMs:      time.Since(start).Milliseconds(),
		Timestamp:       time.Now(),
	}

	s.totalScans.Add(1)
	s.mu.Lock()
	s.last = &result
	s.mu.Unlock()

	if len(keys) > 0 {
		log.Printf("[Scanner] Scan complete: blocks %d-%d, %d pools, %d tokens added (%d ZORA / %d TBA) in %dms",
			fromBlock, toBlock, len(keys), added, zora, tba, result.DurationMs)
	}
	return result, nil
}

func (s *Scanner) window(ctx context.Context) (uint64, uint64, error) {
	if s.cfg.Window == WindowFixed {
		return s.cfg.StartBlock, s.cfg.StartBlock + s.cfg.BlockRange, nil
	}

	latest, err := retry.Do(ctx, s.retryCfg, func(ctx context.Context) (uint64, error) {
		return s.backend.LatestBlockNumber(ctx)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("latest block: %w", err)
	}
	from := uint64(0)
	if latest > s.cfg.BlockRange {
		from = latest - s.cfg.BlockRange
	}
	return from, latest, nil
}

func (s *Scanner) Progress() Progress {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	return Progress{
		IsRunning:  s.running.Load(),
		TotalScans: s.totalScans.Load(),
		LastResult: last,
	}
}
