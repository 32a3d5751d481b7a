// Package store provides in-memory implementations of the repository
// interfaces. They are suitable for tests and single-instance deployments;
// distributed deployments should implement the same interfaces over a shared
// backend.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	subrav "github.com/subrav-foundation/subrav/go"
	"github.com/subrav-foundation/subrav/go/types"
)

// MemoryChannelRepository is a mutex-guarded in-memory ChannelRepository.
type MemoryChannelRepository struct {
	mu       sync.RWMutex
	channels map[string]*types.ChannelInfo
	cursors  map[string]*types.SubChannelState
}

// NewMemoryChannelRepository creates an empty channel repository.
func NewMemoryChannelRepository() *MemoryChannelRepository {
	return &MemoryChannelRepository{
		channels: make(map[string]*types.ChannelInfo),
		cursors:  make(map[string]*types.SubChannelState),
	}
}

func (r *MemoryChannelRepository) GetChannelMetadata(_ context.Context, channelID string) (*types.ChannelInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.channels[channelID]
	if !ok {
		return nil, nil
	}
	copied := *info
	return &copied, nil
}

func (r *MemoryChannelRepository) SetChannelMetadata(_ context.Context, info *types.ChannelInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *info
	r.channels[info.ChannelID] = &copied
	return nil
}

func (r *MemoryChannelRepository) GetSubChannelState(_ context.Context, channelID, vmIDFragment string) (*types.SubChannelState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.cursors[types.SubChannelKey(channelID, vmIDFragment)]
	if !ok {
		return nil, nil
	}
	copied := *state
	return &copied, nil
}

func (r *MemoryChannelRepository) UpdateSubChannelState(_ context.Context, state *types.SubChannelState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *state
	r.cursors[types.SubChannelKey(state.ChannelID, state.VMIDFragment)] = &copied
	return nil
}

func (r *MemoryChannelRepository) ListChannelMetadata(_ context.Context, filter subrav.ChannelFilter, offset, limit int) ([]*types.ChannelInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	matched := make([]*types.ChannelInfo, 0, len(ids))
	for _, id := range ids {
		info := r.channels[id]
		if filter.Status != "" && info.Status != filter.Status {
			continue
		}
		if filter.PayerDID != "" && info.PayerDID != filter.PayerDID {
			continue
		}
		copied := *info
		matched = append(matched, &copied)
	}

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// MemoryRAVRepository is a mutex-guarded in-memory RAVRepository. Receipts
// are kept per sub-channel ordered by nonce; claim progress is a cumulative
// high-water nonce per sub-channel.
type MemoryRAVRepository struct {
	mu      sync.RWMutex
	ravs    map[string][]*types.SignedSubRAV
	claimed map[string]*types.BigInt
}

// NewMemoryRAVRepository creates an empty RAV repository.
func NewMemoryRAVRepository() *MemoryRAVRepository {
	return &MemoryRAVRepository{
		ravs:    make(map[string][]*types.SignedSubRAV),
		claimed: make(map[string]*types.BigInt),
	}
}

func ravKey(rav *types.SignedSubRAV) string {
	return types.SubChannelKey(rav.SubRAV.ChannelID, rav.SubRAV.VMIDFragment)
}

// Save stores a receipt. Saving the same nonce twice is a no-op.
func (r *MemoryRAVRepository) Save(_ context.Context, signed *types.SignedSubRAV) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ravKey(signed)
	for _, existing := range r.ravs[key] {
		if existing.SubRAV.Nonce.Equal(signed.SubRAV.Nonce) {
			return nil
		}
	}
	copied := *signed
	copied.SubRAV = *signed.SubRAV.Clone()
	list := append(r.ravs[key], &copied)
	sort.Slice(list, func(i, j int) bool {
		return list[i].SubRAV.Nonce.Cmp(list[j].SubRAV.Nonce) < 0
	})
	r.ravs[key] = list
	return nil
}

func (r *MemoryRAVRepository) GetLatest(_ context.Context, channelID, vmIDFragment string) (*types.SignedSubRAV, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.ravs[types.SubChannelKey(channelID, vmIDFragment)]
	if len(list) == 0 {
		return nil, nil
	}
	return list[len(list)-1], nil
}

// memoryRAVIterator snapshots the store at creation; it stays valid while
// new receipts arrive.
type memoryRAVIterator struct {
	items []*types.SignedSubRAV
	pos   int
}

func (it *memoryRAVIterator) Next(_ context.Context) (*types.SignedSubRAV, error) {
	if it.pos >= len(it.items) {
		return nil, nil
	}
	item := it.items[it.pos]
	it.pos++
	return item, nil
}

func (it *memoryRAVIterator) Close() error { return nil }

func (r *MemoryRAVRepository) List(_ context.Context) (subrav.RAVIterator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.ravs))
	for key := range r.ravs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var items []*types.SignedSubRAV
	for _, key := range keys {
		items = append(items, r.ravs[key]...)
	}
	return &memoryRAVIterator{items: items}, nil
}

func (r *MemoryRAVRepository) GetUnclaimedRAVs(_ context.Context) (map[string]*types.SignedSubRAV, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*types.SignedSubRAV)
	for key, list := range r.ravs {
		if len(list) == 0 {
			continue
		}
		latest := list[len(list)-1]
		if high, ok := r.claimed[key]; ok && latest.SubRAV.Nonce.Cmp(high) <= 0 {
			continue
		}
		out[key] = latest
	}
	return out, nil
}

func (r *MemoryRAVRepository) GetLatestClaimed(_ context.Context, channelID, vmIDFragment string) (*types.SignedSubRAV, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := types.SubChannelKey(channelID, vmIDFragment)
	high, ok := r.claimed[key]
	if !ok {
		return nil, nil
	}
	var latest *types.SignedSubRAV
	for _, rav := range r.ravs[key] {
		if rav.SubRAV.Nonce.Cmp(high) <= 0 {
			latest = rav
		}
	}
	return latest, nil
}

func (r *MemoryRAVRepository) MarkClaimed(_ context.Context, channelID, vmIDFragment string, nonce *types.BigInt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := types.SubChannelKey(channelID, vmIDFragment)
	if high, ok := r.claimed[key]; ok && nonce.Cmp(high) <= 0 {
		return nil
	}
	r.claimed[key] = nonce.Clone()
	return nil
}

// pendingEntry pairs a proposal with its creation time for TTL cleanup.
type pendingEntry struct {
	proposal *types.SubRAV
	created  time.Time
}

// MemoryPendingSubRAVRepository is a mutex-guarded in-memory
// PendingSubRAVRepository with lazy TTL cleanup.
type MemoryPendingSubRAVRepository struct {
	mu      sync.Mutex
	entries map[string]map[string]*pendingEntry // subChannelKey -> nonce -> entry
	now     func() time.Time
}

// NewMemoryPendingSubRAVRepository creates an empty pending proposal store.
func NewMemoryPendingSubRAVRepository() *MemoryPendingSubRAVRepository {
	return &MemoryPendingSubRAVRepository{
		entries: make(map[string]map[string]*pendingEntry),
		now:     time.Now,
	}
}

func (r *MemoryPendingSubRAVRepository) Save(_ context.Context, proposal *types.SubRAV) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := types.SubChannelKey(proposal.ChannelID, proposal.VMIDFragment)
	if r.entries[key] == nil {
		r.entries[key] = make(map[string]*pendingEntry)
	}
	r.entries[key][proposal.Nonce.String()] = &pendingEntry{
		proposal: proposal.Clone(),
		created:  r.now(),
	}
	return nil
}

func (r *MemoryPendingSubRAVRepository) Find(_ context.Context, channelID, vmIDFragment string, nonce *types.BigInt) (*types.SubRAV, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byNonce := r.entries[types.SubChannelKey(channelID, vmIDFragment)]
	if byNonce == nil {
		return nil, nil
	}
	entry, ok := byNonce[nonce.String()]
	if !ok {
		return nil, nil
	}
	return entry.proposal.Clone(), nil
}

func (r *MemoryPendingSubRAVRepository) FindLatestBySubChannel(_ context.Context, channelID, vmIDFragment string) (*types.SubRAV, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byNonce := r.entries[types.SubChannelKey(channelID, vmIDFragment)]
	var latest *types.SubRAV
	for _, entry := range byNonce {
		if latest == nil || entry.proposal.Nonce.Cmp(latest.Nonce) > 0 {
			latest = entry.proposal
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.Clone(), nil
}

func (r *MemoryPendingSubRAVRepository) Remove(_ context.Context, channelID, vmIDFragment string, nonce *types.BigInt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := types.SubChannelKey(channelID, vmIDFragment)
	if byNonce := r.entries[key]; byNonce != nil {
		delete(byNonce, nonce.String())
		if len(byNonce) == 0 {
			delete(r.entries, key)
		}
	}
	return nil
}

// Cleanup removes proposals older than maxAge and reports how many were
// reaped.
func (r *MemoryPendingSubRAVRepository) Cleanup(_ context.Context, maxAge time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	removed := 0
	for key, byNonce := range r.entries {
		for nonce, entry := range byNonce {
			if entry.created.Before(cutoff) {
				delete(byNonce, nonce)
				removed++
			}
		}
		if len(byNonce) == 0 {
			delete(r.entries, key)
		}
	}
	return removed, nil
}

// Interface conformance.
var (
	_ subrav.ChannelRepository       = (*MemoryChannelRepository)(nil)
	_ subrav.RAVRepository           = (*MemoryRAVRepository)(nil)
	_ subrav.PendingSubRAVRepository = (*MemoryPendingSubRAVRepository)(nil)
)
