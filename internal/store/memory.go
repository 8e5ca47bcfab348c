package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-replicator-go/order"
)

type legKey struct {
	parent string
	leg    string
}

// MemoryStore 进程内实现，用于测试和无数据库部署。重启后状态丢失。
type MemoryStore struct {
	mu            sync.RWMutex
	mappings      map[string]order.CopyMapping
	byDestination map[string]string
	modifications map[string][]order.Modification
	legs          map[legKey]order.BracketLeg
	legIndex      map[string]legKey
	watermarks    map[string]order.Watermark
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mappings:      make(map[string]order.CopyMapping),
		byDestination: make(map[string]string),
		modifications: make(map[string][]order.Modification),
		legs:          make(map[legKey]order.BracketLeg),
		legIndex:      make(map[string]legKey),
		watermarks:    make(map[string]order.Watermark),
	}
}

func (s *MemoryStore) UpsertIfAbsent(ctx context.Context, m order.CopyMapping) (order.CopyMapping, bool, error) {
	if m.SourceOrderID == "" {
		return order.CopyMapping{}, false, fmt.Errorf("upsert: empty source order id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.mappings[m.SourceOrderID]; ok {
		return existing, false, nil
	}
	now := time.Now().UnixMilli()
	if m.State == "" {
		m.State = order.StateReceived
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.UpdatedAt == 0 {
		m.UpdatedAt = m.CreatedAt
	}
	s.mappings[m.SourceOrderID] = m
	if m.DestinationOrderID != "" {
		s.byDestination[m.DestinationOrderID] = m.SourceOrderID
	}
	return m, true, nil
}

func (s *MemoryStore) Get(ctx context.Context, sourceOrderID string) (order.CopyMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[sourceOrderID]
	if !ok {
		return order.CopyMapping{}, fmt.Errorf("mapping %s: %w", sourceOrderID, ErrNotFound)
	}
	return m, nil
}

func (s *MemoryStore) FindByDestinationOrderID(ctx context.Context, destinationOrderID string) (order.CopyMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.byDestination[destinationOrderID]
	if !ok {
		return order.CopyMapping{}, fmt.Errorf("destination order %s: %w", destinationOrderID, ErrNotFound)
	}
	return s.mappings[src], nil
}

func (s *MemoryStore) Transition(ctx context.Context, sourceOrderID string, to order.MappingState, opts ...TransitionOption) (order.CopyMapping, error) {
	u := buildUpdate(opts)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[sourceOrderID]
	if !ok {
		return order.CopyMapping{}, fmt.Errorf("mapping %s: %w", sourceOrderID, ErrNotFound)
	}
	next, err := apply(m, to, u)
	if err != nil {
		return m, err
	}
	s.mappings[sourceOrderID] = next
	if next.DestinationOrderID != "" {
		s.byDestination[next.DestinationOrderID] = sourceOrderID
	}
	return next, nil
}

func (s *MemoryStore) ListByStates(ctx context.Context, states ...order.MappingState) ([]order.CopyMapping, error) {
	want := make(map[order.MappingState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	s.mu.RLock()
	out := make([]order.CopyMapping, 0)
	for _, m := range s.mappings {
		if want[m.State] {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].SourceOrderID < out[j].SourceOrderID
	})
	return out, nil
}

func (s *MemoryStore) AppendModification(ctx context.Context, m order.Modification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mappings[m.SourceOrderID]; !ok {
		return fmt.Errorf("mapping %s: %w", m.SourceOrderID, ErrNotFound)
	}
	s.modifications[m.SourceOrderID] = append(s.modifications[m.SourceOrderID], m)
	return nil
}

func (s *MemoryStore) Modifications(ctx context.Context, sourceOrderID string) ([]order.Modification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mods := s.modifications[sourceOrderID]
	out := make([]order.Modification, len(mods))
	copy(out, mods)
	return out, nil
}

func (s *MemoryStore) RecordLeg(ctx context.Context, leg order.BracketLeg) (bool, error) {
	if leg.ParentOrderID == "" || leg.DestinationLegOrderID == "" {
		return false, fmt.Errorf("record leg: parent and leg order id required")
	}
	k := legKey{parent: leg.ParentOrderID, leg: leg.DestinationLegOrderID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.legs[k]; ok {
		return false, nil
	}
	if leg.UpdatedAt == 0 {
		leg.UpdatedAt = time.Now().UnixMilli()
	}
	s.legs[k] = leg
	s.legIndex[leg.DestinationLegOrderID] = k
	return true, nil
}

func (s *MemoryStore) UpdateLegStatus(ctx context.Context, parentOrderID, legOrderID string, status order.SourceStatus, at int64) (order.BracketLeg, error) {
	k := legKey{parent: parentOrderID, leg: legOrderID}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.legs[k]
	if !ok {
		return order.BracketLeg{}, fmt.Errorf("leg %s/%s: %w", parentOrderID, legOrderID, ErrNotFound)
	}
	l = applyLegStatus(l, status, at)
	s.legs[k] = l
	return l, nil
}

func (s *MemoryStore) FindLeg(ctx context.Context, legOrderID string) (order.BracketLeg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.legIndex[legOrderID]
	if !ok {
		return order.BracketLeg{}, fmt.Errorf("leg %s: %w", legOrderID, ErrNotFound)
	}
	return s.legs[k], nil
}

func (s *MemoryStore) Legs(ctx context.Context, parentOrderID string) ([]order.BracketLeg, error) {
	s.mu.RLock()
	out := make([]order.BracketLeg, 0, 3)
	for k, l := range s.legs {
		if k.parent == parentOrderID {
			out = append(out, l)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DestinationLegOrderID < out[j].DestinationLegOrderID })
	return out, nil
}

func (s *MemoryStore) Watermark(ctx context.Context, feed string) (order.Watermark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks[feed], nil
}

func (s *MemoryStore) AdvanceWatermark(ctx context.Context, feed string, w order.Watermark) (order.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.watermarks[feed]
	if w.After(cur) {
		s.watermarks[feed] = w
		return w, nil
	}
	return cur, nil
}

func (s *MemoryStore) Close() error { return nil }
