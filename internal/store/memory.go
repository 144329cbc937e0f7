package store

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/hexrelay/internal/envelope"
)

// MemoryStore keeps everything in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu         sync.RWMutex
	now        func() time.Time
	messages   map[string][]Message
	sequences  map[string]int64
	tombstones map[string]Tombstone
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		now:        o.now,
		messages:   make(map[string][]Message),
		sequences:  make(map[string]int64),
		tombstones: make(map[string]Tombstone),
	}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, room string, env envelope.Envelope) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, nuked := s.tombstones[room]; nuked {
		return Message{}, ErrRoomNuked
	}
	s.sequences[room]++
	msg := Message{
		ID:        s.sequences[room],
		Room:      room,
		User:      env.User,
		UserIV:    env.UserIV,
		Content:   env.Content,
		IV:        env.IV,
		Timestamp: stamp(s.now()),
	}
	s.messages[room] = append(s.messages[room], msg)
	return msg, nil
}

// Query implements Store.
func (s *MemoryStore) Query(ctx context.Context, room string, q Query) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, nuked := s.tombstones[room]; nuked {
		return []Message{}, nil
	}
	return applyQuery(s.messages[room], q), nil
}

// Count implements Store.
func (s *MemoryStore) Count(ctx context.Context, room string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.messages[room])), nil
}

// DeleteRoom implements Store.
func (s *MemoryStore) DeleteRoom(ctx context.Context, room string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteRoomLocked(room), nil
}

func (s *MemoryStore) deleteRoomLocked(room string) int64 {
	n := int64(len(s.messages[room]))
	delete(s.messages, room)
	return n
}

// Nuke implements Store.
func (s *MemoryStore) Nuke(ctx context.Context, room string) (NukeResult, error) {
	if err := ctx.Err(); err != nil {
		return NukeResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res := NukeResult{Deleted: s.deleteRoomLocked(room)}
	if _, exists := s.tombstones[room]; !exists {
		s.tombstones[room] = Tombstone{Room: room, NukedAt: stamp(s.now())}
		res.Created = true
	}
	return res, nil
}

// IsNuked implements Store.
func (s *MemoryStore) IsNuked(ctx context.Context, room string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, nuked := s.tombstones[room]
	return nuked, nil
}

// ExpireOlderThan implements Store.
func (s *MemoryStore) ExpireOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for room, msgs := range s.messages {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == 0 {
			delete(s.messages, room)
			continue
		}
		s.messages[room] = kept
	}
	return removed, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
