package addressindex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nerdDan/braavos/internal/cache"
	"github.com/nerdDan/braavos/internal/domain/model"
	"github.com/nerdDan/braavos/internal/store"
)

// Config tunes the in-memory layers in front of the address table.
type Config struct {
	Chains             []model.Chain
	BloomExpectedItems int
	BloomFPR           float64
	LRUCapacity        int
	LRUTTL             time.Duration
	// ReloadInterval bounds how stale the bloom filter may get relative to
	// addresses issued by other process instances.
	ReloadInterval time.Duration
}

func (c *Config) applyDefaults() {
	if len(c.Chains) == 0 {
		c.Chains = []model.Chain{model.ChainBitcoin, model.ChainEthereum}
	}
	if c.BloomExpectedItems <= 0 {
		c.BloomExpectedItems = 1_000_000
	}
	if c.BloomFPR <= 0 {
		c.BloomFPR = 0.001
	}
	if c.LRUCapacity <= 0 {
		c.LRUCapacity = 100_000
	}
	if c.LRUTTL <= 0 {
		c.LRUTTL = 10 * time.Minute
	}
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = time.Minute
	}
}

// Index is a read-through cache over an AddressRepository. Deposit scans
// resolve every history entry or block transfer against the address table;
// the bloom filter answers the overwhelmingly common "not ours" case
// without touching the database, and the LRU absorbs repeat hits.
//
// An address issued through this index is visible immediately. One issued
// by another process instance becomes visible at the next Reload; deposit
// scans call Reload at the top of every tick, and the interval-based
// refresh inside lookups is a backstop for callers that do not.
type Index struct {
	repo store.AddressRepository
	cfg  Config

	mu         sync.RWMutex
	bloom      *BloomFilter
	lastReload time.Time

	lru    *cache.LRU[string, *model.Address]
	logger *slog.Logger
}

var _ store.AddressRepository = (*Index)(nil)

func New(repo store.AddressRepository, cfg Config, logger *slog.Logger) *Index {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		repo:   repo,
		cfg:    cfg,
		bloom:  NewBloomFilter(cfg.BloomExpectedItems, cfg.BloomFPR),
		lru:    cache.NewLRU[string, *model.Address](cfg.LRUCapacity, cfg.LRUTTL),
		logger: logger.With("component", "addressindex"),
	}
}

func indexKey(chain model.Chain, address string) string {
	return string(chain) + ":" + address
}

// Reload rebuilds the bloom filter from the address table. Safe to call
// concurrently with lookups; the filter is swapped whole.
func (x *Index) Reload(ctx context.Context) error {
	bloom := NewBloomFilter(x.cfg.BloomExpectedItems, x.cfg.BloomFPR)
	total := 0
	for _, chain := range x.cfg.Chains {
		addrs, err := x.repo.ListByChain(ctx, chain)
		if err != nil {
			return fmt.Errorf("reload address index: %w", err)
		}
		for i := range addrs {
			bloom.Add(indexKey(chain, addrs[i].Address))
		}
		total += len(addrs)
	}

	x.mu.Lock()
	x.bloom = bloom
	x.lastReload = time.Now()
	x.mu.Unlock()

	x.logger.Debug("address index reloaded", "addresses", total)
	return nil
}

func (x *Index) currentBloom(ctx context.Context) *BloomFilter {
	x.mu.RLock()
	bloom, stale := x.bloom, time.Since(x.lastReload) > x.cfg.ReloadInterval
	x.mu.RUnlock()

	if stale {
		if err := x.Reload(ctx); err != nil {
			// Keep serving the stale filter; lookups stay correct for every
			// address it already contains.
			x.logger.Warn("address index reload failed", "error", err)
			return bloom
		}
		x.mu.RLock()
		bloom = x.bloom
		x.mu.RUnlock()
	}
	return bloom
}

// FindByAddress resolves an address through bloom, LRU, then the database.
func (x *Index) FindByAddress(ctx context.Context, chain model.Chain, address string) (*model.Address, error) {
	key := indexKey(chain, address)

	if !x.currentBloom(ctx).MayContain(key) {
		return nil, nil
	}

	if addr, ok := x.lru.Get(key); ok {
		return addr, nil
	}

	addr, err := x.repo.FindByAddress(ctx, chain, address)
	if err != nil {
		return nil, err
	}
	// nil is cached too: it remembers a bloom false positive.
	x.lru.Put(key, addr)
	return addr, nil
}

func (x *Index) Find(ctx context.Context, chain model.Chain, clientID int64, path string) (*model.Address, error) {
	return x.repo.Find(ctx, chain, clientID, path)
}

func (x *Index) ListByChain(ctx context.Context, chain model.Chain) ([]model.Address, error) {
	return x.repo.ListByChain(ctx, chain)
}

// Insert writes through to the repository and publishes the address to the
// in-memory layers immediately.
func (x *Index) Insert(ctx context.Context, addr *model.Address) error {
	if err := x.repo.Insert(ctx, addr); err != nil {
		return err
	}
	key := indexKey(addr.Chain, addr.Address)

	x.mu.RLock()
	x.bloom.Add(key)
	x.mu.RUnlock()

	x.lru.Put(key, addr)
	return nil
}
