package training

import (
	"context"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"snetpay/identity"
	"snetpay/mpe"
	"snetpay/observability"
)

// ExpiryBlocks is how many blocks a unified authorization stays reusable.
const ExpiryBlocks = 300

type unifiedEntry struct {
	block     uint64
	signature []byte
}

// UnifiedCache holds one unified authorization per signer address. An entry
// signed at block B is served for current blocks B through B+ExpiryBlocks.
type UnifiedCache struct {
	mu      sync.Mutex
	entries map[common.Address]unifiedEntry
	signing singleflight.Group
	metrics *observability.PaymentMetrics
}

// CacheOption configures a UnifiedCache.
type CacheOption func(*UnifiedCache)

// WithCacheMetrics records hits, misses and signing failures on m.
func WithCacheMetrics(m *observability.PaymentMetrics) CacheOption {
	return func(c *UnifiedCache) { c.metrics = m }
}

// NewUnifiedCache returns an empty cache. A cache shared between
// authorizers keeps the metrics it was built with.
func NewUnifiedCache(opts ...CacheOption) *UnifiedCache {
	c := &UnifiedCache{entries: make(map[common.Address]unifiedEntry)}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Get returns the cached unified authorization for signer if it is still
// inside the window at currentBlock, otherwise signs, caches and returns a
// fresh one. Concurrent misses for the same signer and block share one
// signature.
func (c *UnifiedCache) Get(ctx context.Context, signer identity.Signer, currentBlock uint64) (AuthorizationRequest, error) {
	addr := signer.Address()
	if req, ok := c.lookup(addr, currentBlock); ok {
		c.metrics.RecordUnifiedCache(true)
		return req, nil
	}
	c.metrics.RecordUnifiedCache(false)

	key := addr.Hex() + "/" + strconv.FormatUint(currentBlock, 10)
	v, err, _ := c.signing.Do(key, func() (any, error) {
		req, err := sign(ctx, signer, mpe.ActionUnified, currentBlock)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if prev, ok := c.entries[addr]; !ok || prev.block <= currentBlock {
			c.entries[addr] = unifiedEntry{block: currentBlock, signature: req.Signature}
		}
		c.mu.Unlock()
		return req, nil
	})
	if err != nil {
		c.metrics.RecordSigningFailure("training")
		return AuthorizationRequest{}, err
	}
	req := v.(AuthorizationRequest)
	req.Signature = append([]byte(nil), req.Signature...)
	return req, nil
}

func (c *UnifiedCache) lookup(addr common.Address, currentBlock uint64) (AuthorizationRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[addr]
	if !ok || currentBlock < entry.block || currentBlock-entry.block > ExpiryBlocks {
		return AuthorizationRequest{}, false
	}
	return AuthorizationRequest{
		CurrentBlock:  entry.block,
		Message:       string(mpe.ActionUnified),
		Signature:     append([]byte(nil), entry.signature...),
		SignerAddress: addr,
	}, true
}

// Invalidate drops the entry for addr.
func (c *UnifiedCache) Invalidate(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, addr)
}
