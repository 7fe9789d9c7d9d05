package store

import (
	"context"
	"math/big"
	"sync"
)

// Memory is a process-local Store.
type Memory struct {
	mu         sync.Mutex
	watermarks map[string]Watermark
	discovery  map[string]Discovery
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		watermarks: make(map[string]Watermark),
		discovery:  make(map[string]Discovery),
	}
}

// Watermark implements Store.
func (m *Memory) Watermark(_ context.Context, channelID *big.Int) (Watermark, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watermarks[channelID.String()]
	if !ok {
		return Watermark{}, false, nil
	}
	return cloneWatermark(w), true, nil
}

// AdvanceWatermark implements Store.
func (m *Memory) AdvanceWatermark(_ context.Context, w Watermark) error {
	if err := validWatermark(w); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := w.ChannelID.String()
	if stored, ok := m.watermarks[key]; ok {
		if err := checkAdvance(stored, w); err != nil {
			return err
		}
	}
	m.watermarks[key] = cloneWatermark(w)
	return nil
}

// Discovery implements Store.
func (m *Memory) Discovery(_ context.Context, key string) (Discovery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.discovery[key]
	return Discovery{LastBlock: d.LastBlock, ChannelIDs: cloneIDs(d.ChannelIDs)}, nil
}

// SaveDiscovery implements Store.
func (m *Memory) SaveDiscovery(_ context.Context, key string, d Discovery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discovery[key] = Discovery{LastBlock: d.LastBlock, ChannelIDs: cloneIDs(d.ChannelIDs)}
	return nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

func cloneIDs(ids []*big.Int) []*big.Int {
	if len(ids) == 0 {
		return nil
	}
	out := make([]*big.Int, len(ids))
	for i, id := range ids {
		out[i] = new(big.Int).Set(id)
	}
	return out
}
