package scanner

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tokenlive/discovery-engine/internal/chain"
	"github.com/tokenlive/discovery-engine/pkg/models"
)

type fakeSink struct {
	mu     sync.Mutex
	merged [][]models.TokenRecord
}

func (s *fakeSink) Merge(_ context.Context, records []models.TokenRecord) (int, int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merged = append(s.merged, records)
	var zora, tba int
	for _, rec := range records {
		switch rec.AppType {
		case models.AppTypeZora:
			zora++
		case models.AppTypeTBA:
			tba++
		}
	}
	return len(records), zora, tba, nil
}

func newTestScanner(t *testing.T, cfg Config, backend chain.Backend, sink TokenSink) *Scanner {
	t.Helper()
	p := newTestProcessor(backend)
	ts := NewTimestampResolver(backend, testRetryCfg())
	s, err := New(cfg, backend, p, ts, sink, testRetryCfg())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNewRejectsMissingWindowMode(t *testing.T) {
	backend := &fakeBackend{}
	for _, window := range []WindowMode{"", "rolling"} {
		_, err := New(Config{StartBlock: 1, BlockRange: 10, Window: window},
			backend, newTestProcessor(backend), NewTimestampResolver(backend, testRetryCfg()), &fakeSink{}, testRetryCfg())
		if err == nil {
			t.Errorf("New accepted window %q, want error", window)
		}
	}
}

func TestScanOnceFullCycle(t *testing.T) {
	// Two initialization logs arrive; only the one with a registered
	// hook survives the filter and reaches the sink as a priced record.
	unknownHook := common.HexToAddress("0x9999999999999999999999999999999999999999")
	backend := &fakeBackend{
		logs: func(_ context.Context, from, to uint64) ([]chain.InitializeLog, error) {
			if from != 100 || to != 150 {
				t.Errorf("scan window = [%d, %d], want [100, 150]", from, to)
			}
			return []chain.InitializeLog{
				{
					Currency0:   usdcAddr,
					Currency1:   tokenAddr,
					Fee:         3000,
					TickSpacing: 60,
					Hook:        tbaHook,
					BlockNumber: 120,
				},
				{
					Currency0:   usdcAddr,
					Currency1:   tokenAddr,
					Hook:        unknownHook,
					BlockNumber: 121,
				},
			}, nil
		},
		timestamp: func(_ context.Context, bn uint64) (uint64, error) {
			return 1_000_000 + bn, nil
		},
		meta: metaTable(map[common.Address]chain.FungibleMeta{
			usdcAddr:  {Name: "USD Coin", Symbol: "USDC", Decimals: 6},
			tokenAddr: {Name: "Agent Token", Symbol: "AGNT", Decimals: 18},
		}),
		poolState: func(context.Context, common.Hash) (chain.PoolState, error) {
			return chain.PoolState{SqrtPriceX96: sqrtPriceFor(500_000_000), Liquidity: big.NewInt(1)}, nil
		},
	}
	sink := &fakeSink{}
	s := newTestScanner(t, Config{StartBlock: 100, BlockRange: 50, Window: WindowFixed}, backend, sink)

	result, err := s.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}

	if result.PoolsDiscovered != 1 {
		t.Errorf("PoolsDiscovered = %d, want 1", result.PoolsDiscovered)
	}
	if result.TokensAdded != 1 || result.TBATokens != 1 || result.ZoraTokens != 0 {
		t.Errorf("counts = %d added / %d zora / %d tba, want 1/0/1",
			result.TokensAdded, result.ZoraTokens, result.TBATokens)
	}
	if result.FromBlock != 100 || result.ToBlock != 150 || result.BlocksScanned != 51 {
		t.Errorf("window = [%d, %d] (%d blocks), want [100, 150] (51)",
			result.FromBlock, result.ToBlock, result.BlocksScanned)
	}

	if len(sink.merged) != 1 || len(sink.merged[0]) != 1 {
		t.Fatalf("sink received %v, want one merge with one record", sink.merged)
	}
	rec := sink.merged[0][0]
	if rec.DiscoveryBlock != 120 || rec.DiscoveryTimestamp != 1_000_120 {
		t.Errorf("discovery = block %d / ts %d, want 120 / 1000120", rec.DiscoveryBlock, rec.DiscoveryTimestamp)
	}

	progress := s.Progress()
	if progress.IsRunning {
		t.Error("IsRunning = true after scan finished")
	}
	if progress.TotalScans != 1 {
		t.Errorf("TotalScans = %d, want 1", progress.TotalScans)
	}
	if progress.LastResult == nil || progress.LastResult.PoolsDiscovered != 1 {
		t.Errorf("LastResult = %+v, want the completed scan", progress.LastResult)
	}
}

func TestScanOnceSlidingWindow(t *testing.T) {
	var gotFrom, gotTo uint64
	backend := &fakeBackend{
		latest: func(context.Context) (uint64, error) { return 1000, nil },
		logs: func(_ context.Context, from, to uint64) ([]chain.InitializeLog, error) {
			gotFrom, gotTo = from, to
			return nil, nil
		},
	}
	s := newTestScanner(t, Config{BlockRange: 100, Window: WindowSliding}, backend, &fakeSink{})

	if _, err := s.ScanOnce(context.Background()); err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if gotFrom != 900 || gotTo != 1000 {
		t.Errorf("window = [%d, %d], want [900, 1000]", gotFrom, gotTo)
	}
}

func TestScanOnceSlidingWindowNearGenesis(t *testing.T) {
	var gotFrom uint64
	backend := &fakeBackend{
		latest: func(context.Context) (uint64, error) { return 30, nil },
		logs: func(_ context.Context, from, to uint64) ([]chain.InitializeLog, error) {
			gotFrom = from
			return nil, nil
		},
	}
	s := newTestScanner(t, Config{BlockRange: 100, Window: WindowSliding}, backend, &fakeSink{})

	if _, err := s.ScanOnce(context.Background()); err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if gotFrom != 0 {
		t.Errorf("from = %d, want 0 when range exceeds chain height", gotFrom)
	}
}

func TestScanOnceNonReentrant(t *testing.T) {
	// A trigger that lands while a scan is in flight is rejected, not
	// queued behind it.
	entered := make(chan struct{})
	release := make(chan struct{})
	var enteredOnce sync.Once
	backend := &fakeBackend{
		logs: func(context.Context, uint64, uint64) ([]chain.InitializeLog, error) {
			enteredOnce.Do(func() { close(entered) })
			<-release
			return nil, nil
		},
	}
	s := newTestScanner(t, Config{StartBlock: 1, BlockRange: 10, Window: WindowFixed}, backend, &fakeSink{})

	done := make(chan error, 1)
	go func() {
		_, err := s.ScanOnce(context.Background())
		done <- err
	}()

	<-entered
	if !s.Progress().IsRunning {
		t.Error("IsRunning = false while a scan is in flight")
	}
	if _, err := s.ScanOnce(context.Background()); !errors.Is(err, ErrScanInProgress) {
		t.Errorf("concurrent ScanOnce error = %v, want ErrScanInProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first scan failed: %v", err)
	}

	// With the first scan finished the guard is released.
	if _, err := s.ScanOnce(context.Background()); err != nil {
		t.Errorf("follow-up scan failed: %v", err)
	}
}

func TestScanOnceFetchFailure(t *testing.T) {
	backend := &fakeBackend{
		logs: func(context.Context, uint64, uint64) ([]chain.InitializeLog, error) {
			return nil, errors.New("rpc down")
		},
	}
	s := newTestScanner(t, Config{StartBlock: 1, BlockRange: 10, Window: WindowFixed}, backend, &fakeSink{})

	if _, err := s.ScanOnce(context.Background()); err == nil {
		t.Fatal("ScanOnce succeeded despite log fetch failure")
	}
	if s.Progress().IsRunning {
		t.Error("IsRunning = true after failed scan")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	backend := &fakeBackend{
		logs: func(context.Context, uint64, uint64) ([]chain.InitializeLog, error) {
			return nil, nil
		},
	}
	s := newTestScanner(t, Config{StartBlock: 1, BlockRange: 10, Interval: 5 * time.Millisecond, Window: WindowFixed}, backend, &fakeSink{})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(stopped)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if s.Progress().TotalScans == 0 {
		t.Error("Run completed no scans before cancel")
	}
}
