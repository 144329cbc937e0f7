package store

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Tyrowin/hexrelay/internal/envelope"
)

const testRoom = "0123456789abcdef0123456789abcdef"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testEnvelope() envelope.Envelope {
	return envelope.Envelope{
		User:    strings.Repeat("aa", envelope.TagBytes),
		UserIV:  strings.Repeat("bb", envelope.IVBytes),
		Content: strings.Repeat("cc", envelope.TagBytes+4),
		IV:      strings.Repeat("dd", envelope.IVBytes),
	}
}

type backendFactory func(t *testing.T, clock *fakeClock) Store

func backends(t *testing.T) map[string]backendFactory {
	t.Helper()
	out := map[string]backendFactory{
		"memory": func(t *testing.T, clock *fakeClock) Store {
			return NewMemoryStore(WithClock(clock.Now))
		},
		"sqlite": func(t *testing.T, clock *fakeClock) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "relay.db"), WithClock(clock.Now))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"gorm-sqlite": func(t *testing.T, clock *fakeClock) Store {
			return openGormSQLite(t, clock)
		},
	}
	if dsn := os.Getenv("HEXRELAY_TEST_POSTGRES_DSN"); dsn != "" {
		out["postgres"] = func(t *testing.T, clock *fakeClock) Store {
			s, err := NewGormStore(dsn, WithClock(clock.Now))
			require.NoError(t, err)
			require.NoError(t, s.db.Exec("TRUNCATE messages, room_sequences, nuked_rooms").Error)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return out
}

// openGormSQLite runs GormStore over the pure-Go sqlite driver so the
// sequence upsert and transactional nuke run without a postgres server.
func openGormSQLite(t *testing.T, clock *fakeClock) *GormStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "gorm.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := gorm.Open(gormsqlite.New(gormsqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	s, err := NewGormStoreWithDB(db, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store, clock *fakeClock)) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			fn(t, factory(t, clock), clock)
		})
	}
}

func ids(msgs []Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestAppendAssignsSequentialIDsPerRoom(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		other := strings.Repeat("f", 32)

		for i := 0; i < 3; i++ {
			msg, err := s.Append(ctx, testRoom, testEnvelope())
			require.NoError(t, err)
			assert.Equal(t, int64(i+1), msg.ID)
			assert.Equal(t, testRoom, msg.Room)
			assert.Equal(t, clock.Now(), msg.Timestamp)
			clock.Advance(time.Second)
		}
		msg, err := s.Append(ctx, other, testEnvelope())
		require.NoError(t, err)
		assert.Equal(t, int64(1), msg.ID, "ids are scoped to a room")

		got, err := s.Query(ctx, testRoom, Query{})
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3}, ids(got))
		assert.Equal(t, testEnvelope().Content, got[0].Content)
	})
}

func TestQueryCursorSortAndLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		start := clock.Now()
		for i := 0; i < 5; i++ {
			_, err := s.Append(ctx, testRoom, testEnvelope())
			require.NoError(t, err)
			clock.Advance(time.Minute)
		}

		since := int64(1)
		got, err := s.Query(ctx, testRoom, Query{SinceID: &since})
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 3, 4, 5}, ids(got))

		got, err = s.Query(ctx, testRoom, Query{Order: Desc})
		require.NoError(t, err)
		assert.Equal(t, []int64{5, 4, 3, 2, 1}, ids(got))

		ts := start.Add(2 * time.Minute)
		got, err = s.Query(ctx, testRoom, Query{SinceTS: &ts, Sort: SortTimestamp, Order: Desc})
		require.NoError(t, err)
		assert.Equal(t, []int64{5, 4}, ids(got))

		got, err = s.Query(ctx, testRoom, Query{SinceID: &since, SinceTS: &ts})
		require.NoError(t, err)
		assert.Equal(t, []int64{4, 5}, ids(got))

		got, err = s.Query(ctx, testRoom, Query{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2}, ids(got))

		got, err = s.Query(ctx, "feedfeedfeedfeedfeedfeedfeedfeed", Query{})
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.NotNil(t, got)
	})
}

func TestNukePurgesAndLocksRoom(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := s.Append(ctx, testRoom, testEnvelope())
			require.NoError(t, err)
		}

		res, err := s.Nuke(ctx, testRoom)
		require.NoError(t, err)
		assert.Equal(t, NukeResult{Deleted: 3, Created: true}, res)

		nuked, err := s.IsNuked(ctx, testRoom)
		require.NoError(t, err)
		assert.True(t, nuked)

		got, err := s.Query(ctx, testRoom, Query{})
		require.NoError(t, err)
		assert.Empty(t, got)

		_, err = s.Append(ctx, testRoom, testEnvelope())
		assert.ErrorIs(t, err, ErrRoomNuked)

		n, err := s.Count(ctx, testRoom)
		require.NoError(t, err)
		assert.Zero(t, n)

		res, err = s.Nuke(ctx, testRoom)
		require.NoError(t, err)
		assert.Equal(t, NukeResult{Deleted: 0, Created: false}, res)
	})
}

func TestDeleteRoomLeavesOtherRooms(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		other := strings.Repeat("e", 32)
		for i := 0; i < 2; i++ {
			_, err := s.Append(ctx, testRoom, testEnvelope())
			require.NoError(t, err)
		}
		_, err := s.Append(ctx, other, testEnvelope())
		require.NoError(t, err)

		n, err := s.DeleteRoom(ctx, testRoom)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = s.Count(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		nuked, err := s.IsNuked(ctx, testRoom)
		require.NoError(t, err)
		assert.False(t, nuked, "plain delete does not tombstone")
	})
}

func TestExpireOlderThanKeepsSequence(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			_, err := s.Append(ctx, testRoom, testEnvelope())
			require.NoError(t, err)
		}
		clock.Advance(48 * time.Hour)
		_, err := s.Append(ctx, testRoom, testEnvelope())
		require.NoError(t, err)

		removed, err := s.ExpireOlderThan(ctx, clock.Now().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)

		removed, err = s.ExpireOlderThan(ctx, clock.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		msg, err := s.Append(ctx, testRoom, testEnvelope())
		require.NoError(t, err)
		assert.Equal(t, int64(4), msg.ID, "ids are never reused after expiry")
	})
}

func TestConcurrentAppendsGetUniqueIDs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Append(ctx, testRoom, testEnvelope())
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := s.Query(ctx, testRoom, Query{})
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8}, ids(got))
	})
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	_, err = s.Append(ctx, testRoom, testEnvelope())
	require.NoError(t, err)
	_, err = s.Nuke(ctx, strings.Repeat("9", 32))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	msg, err := s.Append(ctx, testRoom, testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, int64(2), msg.ID)

	nuked, err := s.IsNuked(ctx, strings.Repeat("9", 32))
	require.NoError(t, err)
	assert.True(t, nuked)
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite("  ")
	require.Error(t, err)
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		raw  string
		want time.Time
		ok   bool
	}{
		{name: "utc suffix", raw: "2025-03-01T12:00:00Z", want: want, ok: true},
		{name: "positive offset", raw: "2025-03-01T17:00:00+05:00", want: want, ok: true},
		{name: "plus decoded as space", raw: "2025-03-01T17:00:00 05:00", want: want, ok: true},
		{name: "fractional seconds", raw: "2025-03-01T12:00:00.250000Z", want: want.Add(250 * time.Millisecond), ok: true},
		{name: "no offset is utc", raw: "2025-03-01T12:00:00", want: want, ok: true},
		{name: "space separated", raw: "2025-03-01 12:00:00", want: want, ok: true},
		{name: "space separated with offset", raw: "2025-03-01 07:00:00-05:00", want: want, ok: true},
		{name: "garbage", raw: "garbage", ok: false},
		{name: "date only", raw: "2025-03-01", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseTimestamp(tc.raw)
			require.Equal(t, tc.ok, ok)
			if !tc.ok {
				return
			}
			assert.True(t, tc.want.Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParseQuery(t *testing.T) {
	values, err := url.ParseQuery("since_id=4&since_ts=2025-03-01T17:00:00+05:00&sort=TIMESTAMP&order=desc&limit=5000")
	require.NoError(t, err)

	q := ParseQuery(values)
	require.NotNil(t, q.SinceID)
	assert.Equal(t, int64(4), *q.SinceID)
	require.NotNil(t, q.SinceTS)
	assert.True(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).Equal(*q.SinceTS))
	assert.Equal(t, SortTimestamp, q.Sort)
	assert.Equal(t, Desc, q.Order)
	assert.Equal(t, MaxLimit, q.Limit)

	q = ParseQuery(url.Values{"since_id": {"x"}, "since_ts": {"garbage"}, "sort": {"name"}, "limit": {"-3"}})
	assert.Nil(t, q.SinceID)
	assert.Nil(t, q.SinceTS, "unparseable since_ts is dropped")
	assert.Equal(t, Query{Sort: SortID, Order: Asc, Limit: DefaultLimit}, q)
}
