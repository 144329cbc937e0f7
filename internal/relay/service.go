package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/hexrelay/internal/envelope"
	"github.com/Tyrowin/hexrelay/internal/store"
)

// DefaultRoomIDLength is the number of hex characters in a room identifier.
const DefaultRoomIDLength = 32

var (
	// ErrInvalidRoom reports a room identifier of the wrong shape.
	ErrInvalidRoom = errors.New("invalid room identifier")
	// ErrRoomNuked is returned when writing to a tombstoned room.
	ErrRoomNuked = store.ErrRoomNuked
)

// Options tunes a Service. Zero values select defaults.
type Options struct {
	Limits       envelope.Limits
	RoomIDLength int
	// StoreTimeout bounds each store call made on behalf of a request.
	StoreTimeout time.Duration
	Logger       *zap.Logger
	Metrics      *Metrics
}

// Service composes the message store with the live fan-out.
type Service struct {
	store     store.Store
	publisher Publisher
	locks     *roomLocks
	limits    envelope.Limits
	roomIDLen int
	timeout   time.Duration
	log       *zap.Logger
	metrics   *Metrics
}

// NukeReport is returned to the caller of a nuke.
type NukeReport struct {
	Status                  string `json:"status"`
	DeletedMessagesReported int64  `json:"deleted_messages_reported"`
	CountBefore             int64  `json:"count_before"`
	CountAfter              int64  `json:"count_after"`
}

// NewService wires st and pub together. pub may be nil when nothing listens.
func NewService(st store.Store, pub Publisher, opts Options) *Service {
	if opts.RoomIDLength <= 0 {
		opts.RoomIDLength = DefaultRoomIDLength
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Limits == (envelope.Limits{}) {
		opts.Limits = envelope.DefaultLimits()
	}
	return &Service{
		store:     st,
		publisher: pub,
		locks:     newRoomLocks(),
		limits:    opts.Limits,
		roomIDLen: opts.RoomIDLength,
		timeout:   opts.StoreTimeout,
		log:       opts.Logger,
		metrics:   opts.Metrics,
	}
}

// ValidRoom reports whether room has the configured identifier shape.
func (s *Service) ValidRoom(room string) bool {
	return envelope.ValidRoomID(room, s.roomIDLen)
}

// opContext detaches ctx from its caller's cancellation: request-path store
// work runs to completion or fails on its own timeout.
func (s *Service) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
}

func (s *Service) publish(room string, ev Event) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(room, ev)
}

// Post validates env, appends it to room and publishes the stored record.
// Validation errors match envelope.ErrInvalid; a tombstoned room yields ErrRoomNuked.
func (s *Service) Post(ctx context.Context, room string, env envelope.Envelope) (store.Message, error) {
	if !s.ValidRoom(room) {
		return store.Message{}, ErrInvalidRoom
	}
	if err := envelope.Validate(env, s.limits); err != nil {
		s.metrics.recordRejected(rejectReason(err))
		return store.Message{}, err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	unlock := s.locks.lock(room)
	defer unlock()

	msg, err := s.store.Append(ctx, room, env)
	if errors.Is(err, store.ErrRoomNuked) {
		s.metrics.recordRejected("room_nuked")
		return store.Message{}, ErrRoomNuked
	}
	if err != nil {
		s.log.Error("append message failed", zap.String("room", room), zap.Error(err))
		return store.Message{}, fmt.Errorf("append message: %w", err)
	}
	s.metrics.recordAppend()

	s.publish(room, MessageEvent(msg))
	return msg, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, envelope.ErrOversized):
		return "oversized"
	case errors.Is(err, envelope.ErrMalformedHex):
		return "malformed_hex"
	case errors.Is(err, envelope.ErrBadLength):
		return "bad_length"
	default:
		return "invalid"
	}
}

// History returns stored messages for room. Tombstoned rooms read as empty.
func (s *Service) History(ctx context.Context, room string, q store.Query) ([]store.Message, error) {
	if !s.ValidRoom(room) {
		return nil, ErrInvalidRoom
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	msgs, err := s.store.Query(ctx, room, q)
	if err != nil {
		s.log.Error("query messages failed", zap.String("room", room), zap.Error(err))
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return msgs, nil
}

// IsNuked reports whether room carries a tombstone.
func (s *Service) IsNuked(ctx context.Context, room string) (bool, error) {
	if !s.ValidRoom(room) {
		return false, ErrInvalidRoom
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	nuked, err := s.store.IsNuked(ctx, room)
	if err != nil {
		s.log.Error("tombstone check failed", zap.String("room", room), zap.Error(err))
		return false, fmt.Errorf("tombstone check: %w", err)
	}
	return nuked, nil
}

// Join runs register under the room lock unless the room is tombstoned.
// It returns false without calling register for a nuked room; the caller is
// expected to notify the subscriber and disconnect it.
func (s *Service) Join(ctx context.Context, room string, register func()) (bool, error) {
	if !s.ValidRoom(room) {
		return false, ErrInvalidRoom
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	unlock := s.locks.lock(room)
	defer unlock()

	nuked, err := s.store.IsNuked(ctx, room)
	if err != nil {
		s.log.Error("tombstone check failed", zap.String("room", room), zap.Error(err))
		return false, fmt.Errorf("tombstone check: %w", err)
	}
	if nuked {
		return false, nil
	}
	if register != nil {
		register()
	}
	return true, nil
}

// Nuke purges room, tombstones it and evicts its live subscribers. Repeated
// calls succeed and report zero deletions.
func (s *Service) Nuke(ctx context.Context, room string) (NukeReport, error) {
	if !s.ValidRoom(room) {
		return NukeReport{}, ErrInvalidRoom
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	unlock := s.locks.lock(room)
	defer unlock()

	before, err := s.store.Count(ctx, room)
	if err != nil {
		s.log.Warn("count before nuke failed", zap.String("room", room), zap.Error(err))
		before = 0
	}

	res, err := s.store.Nuke(ctx, room)
	if err != nil {
		s.log.Error("nuke failed", zap.String("room", room), zap.Error(err))
		return NukeReport{}, fmt.Errorf("nuke room: %w", err)
	}
	s.metrics.recordNuke(res.Created)

	s.publish(room, RoomNukedEvent(room, res.Deleted))

	after, err := s.store.Count(ctx, room)
	if err != nil {
		s.log.Warn("count after nuke failed", zap.String("room", room), zap.Error(err))
		after = 0
	}

	s.log.Info("room nuked",
		zap.String("room", room),
		zap.Int64("deleted", res.Deleted),
		zap.Bool("first_nuke", res.Created),
	)
	return NukeReport{
		Status:                  "nuked",
		DeletedMessagesReported: res.Deleted,
		CountBefore:             before,
		CountAfter:              after,
	}, nil
}
