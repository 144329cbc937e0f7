package store

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Tyrowin/hexrelay/internal/envelope"
)

type messageModel struct {
	Room      string    `gorm:"primaryKey;size:128"`
	ID        int64     `gorm:"primaryKey;autoIncrement:false"`
	Sender    string    `gorm:"column:sender;not null"`
	SenderIV  string    `gorm:"column:sender_iv;not null"`
	Content   string    `gorm:"column:content;not null"`
	IV        string    `gorm:"column:iv;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index"`
}

func (messageModel) TableName() string { return "messages" }

type roomSequenceModel struct {
	Room   string `gorm:"primaryKey;size:128"`
	LastID int64  `gorm:"column:last_id;not null"`
}

func (roomSequenceModel) TableName() string { return "room_sequences" }

type nukedRoomModel struct {
	Room    string    `gorm:"primaryKey;size:128"`
	NukedAt time.Time `gorm:"column:nuked_at;not null"`
}

func (nukedRoomModel) TableName() string { return "nuked_rooms" }

func messageFromModel(m messageModel) Message {
	return Message{
		ID:        m.ID,
		Room:      m.Room,
		User:      m.Sender,
		UserIV:    m.SenderIV,
		Content:   m.Content,
		IV:        m.IV,
		Timestamp: m.CreatedAt.UTC(),
	}
}

// GormStore implements Store on a relational database through GORM.
//
// Every write touching a room first upserts that room's sequence row, so
// concurrent Append and Nuke calls for the same room serialize on its row lock
// even across processes.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore opens a Postgres database and runs auto-migrations.
func NewGormStore(dsn string, opts ...Option) (*GormStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	return NewGormStoreWithDB(db, opts...)
}

// NewGormStoreWithDB wraps an already opened connection and runs auto-migrations.
func NewGormStoreWithDB(db *gorm.DB, opts ...Option) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("gorm db is required")
	}
	if err := db.AutoMigrate(&roomSequenceModel{}, &messageModel{}, &nukedRoomModel{}); err != nil {
		return nil, errors.Wrap(err, "auto migrate")
	}
	o := buildOptions(opts)
	return &GormStore{db: db, now: o.now}, nil
}

// bumpSequence increments (delta 1) or merely locks (delta 0) the room's sequence
// row and returns its value.
func bumpSequence(tx *gorm.DB, room string, delta int64) (int64, error) {
	seq := roomSequenceModel{Room: room, LastID: delta}
	err := tx.Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "room"}},
			DoUpdates: clause.Assignments(map[string]any{"last_id": gorm.Expr("room_sequences.last_id + ?", delta)}),
		},
		clause.Returning{Columns: []clause.Column{{Name: "last_id"}}},
	).Create(&seq).Error
	if err != nil {
		return 0, err
	}
	return seq.LastID, nil
}

func gormIsNuked(tx *gorm.DB, room string) (bool, error) {
	var n int64
	if err := tx.Model(&nukedRoomModel{}).Where("room = ?", room).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// Append implements Store.
func (s *GormStore) Append(ctx context.Context, room string, env envelope.Envelope) (Message, error) {
	var msg Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		id, err := bumpSequence(tx, room, 1)
		if err != nil {
			return errors.Wrap(err, "store.gorm.Append: next id")
		}
		nuked, err := gormIsNuked(tx, room)
		if err != nil {
			return errors.Wrap(err, "store.gorm.Append: tombstone check")
		}
		if nuked {
			return ErrRoomNuked
		}
		model := messageModel{
			Room:      room,
			ID:        id,
			Sender:    env.User,
			SenderIV:  env.UserIV,
			Content:   env.Content,
			IV:        env.IV,
			CreatedAt: stamp(s.now()),
		}
		if err := tx.Create(&model).Error; err != nil {
			return errors.Wrap(err, "store.gorm.Append: insert message")
		}
		msg = messageFromModel(model)
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Query implements Store.
func (s *GormStore) Query(ctx context.Context, room string, q Query) ([]Message, error) {
	q = q.Normalize()
	tx := s.db.WithContext(ctx).
		Where("room = ?", room).
		Where("NOT EXISTS (SELECT 1 FROM nuked_rooms WHERE nuked_rooms.room = ?)", room)
	if q.SinceID != nil {
		tx = tx.Where("id > ?", *q.SinceID)
	}
	if q.SinceTS != nil {
		tx = tx.Where("created_at > ?", *q.SinceTS)
	}

	var models []messageModel
	if err := tx.Order(orderClause(q)).Limit(q.Limit).Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "store.gorm.Query")
	}
	out := make([]Message, 0, len(models))
	for _, m := range models {
		out = append(out, messageFromModel(m))
	}
	return out, nil
}

// Count implements Store.
func (s *GormStore) Count(ctx context.Context, room string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&messageModel{}).Where("room = ?", room).Count(&n).Error; err != nil {
		return 0, errors.Wrap(err, "store.gorm.Count")
	}
	return n, nil
}

// DeleteRoom implements Store.
func (s *GormStore) DeleteRoom(ctx context.Context, room string) (int64, error) {
	res := s.db.WithContext(ctx).Where("room = ?", room).Delete(&messageModel{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "store.gorm.DeleteRoom")
	}
	return res.RowsAffected, nil
}

// Nuke implements Store.
func (s *GormStore) Nuke(ctx context.Context, room string) (NukeResult, error) {
	var out NukeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := bumpSequence(tx, room, 0); err != nil {
			return errors.Wrap(err, "store.gorm.Nuke: lock room")
		}
		res := tx.Where("room = ?", room).Delete(&messageModel{})
		if res.Error != nil {
			return errors.Wrap(res.Error, "store.gorm.Nuke: delete messages")
		}
		out.Deleted = res.RowsAffected

		res = tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&nukedRoomModel{Room: room, NukedAt: stamp(s.now())})
		if res.Error != nil {
			return errors.Wrap(res.Error, "store.gorm.Nuke: tombstone")
		}
		out.Created = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return NukeResult{}, err
	}
	return out, nil
}

// IsNuked implements Store.
func (s *GormStore) IsNuked(ctx context.Context, room string) (bool, error) {
	nuked, err := gormIsNuked(s.db.WithContext(ctx), room)
	if err != nil {
		return false, errors.Wrap(err, "store.gorm.IsNuked")
	}
	return nuked, nil
}

// ExpireOlderThan implements Store.
func (s *GormStore) ExpireOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&messageModel{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "store.gorm.ExpireOlderThan")
	}
	return res.RowsAffected, nil
}

// Close implements Store.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "store.gorm.Close")
	}
	return sqlDB.Close()
}
