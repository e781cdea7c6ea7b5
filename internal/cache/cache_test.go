package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"showline/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func entryAt(projectID string, at time.Time, status domain.ReadinessStatus) Entry {
	return Entry{
		Snapshot: &domain.ReadinessSnapshot{
			ProjectID:         projectID,
			Phase:             domain.PhasePrep,
			Status:            status,
			Features:          map[string]bool{"team_management": true},
			BlockingIssues:    []string{"missing_locations"},
			AvailableFeatures: []string{"team_management"},
			CalculatedAt:      at,
		},
		RecordedAt: at,
	}
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "p1", entryAt("p1", t0, domain.StatusSetupRequired)))
	got, ok, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, got.Snapshot)
	assert.Equal(t, domain.StatusSetupRequired, got.Snapshot.Status)
	assert.False(t, got.Failed())

	// An older calculation finishing late must not replace a newer one.
	require.NoError(t, s.Set(ctx, "p1", entryAt("p1", t0.Add(-time.Minute), domain.StatusActive)))
	got, _, err = s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSetupRequired, got.Snapshot.Status)

	require.NoError(t, s.Set(ctx, "p1", entryAt("p1", t0.Add(time.Minute), domain.StatusActive)))
	got, _, err = s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Snapshot.Status)

	require.NoError(t, s.Invalidate(ctx, "p1", ReasonManual))
	_, ok, err = s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Invalidate(ctx, "never-cached", ReasonPhaseChange))

	require.NoError(t, s.Set(ctx, "p2", Entry{Failure: "counts unavailable", RecordedAt: t0}))
	got, ok, err = s.Get(ctx, "p2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Failed())
	assert.Nil(t, got.Snapshot)
}

// exerciseGenerations covers a calculation that read its inputs before an
// invalidation and stores its result after it.
func exerciseGenerations(t *testing.T, s Store) {
	ctx := context.Background()

	miss, ok, err := s.Get(ctx, "g1")
	require.NoError(t, err)
	require.False(t, ok)
	started := miss.Generation

	require.NoError(t, s.Invalidate(ctx, "g1", ReasonRoleChange))

	late := entryAt("g1", t0.Add(time.Hour), domain.StatusSetupRequired)
	late.Generation = started
	require.NoError(t, s.Set(ctx, "g1", late))
	miss, ok, err = s.Get(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, ok, "a result computed before the invalidation is dropped")
	assert.Equal(t, started+1, miss.Generation)

	fresh := entryAt("g1", t0, domain.StatusActive)
	fresh.Generation = miss.Generation
	require.NoError(t, s.Set(ctx, "g1", fresh))
	got, ok, err := s.Get(ctx, "g1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusActive, got.Snapshot.Status)
	assert.Equal(t, miss.Generation, got.Generation)

	// Same generation, older timestamp: still ignored.
	older := entryAt("g1", t0.Add(-time.Minute), domain.StatusSetupRequired)
	older.Generation = miss.Generation
	require.NoError(t, s.Set(ctx, "g1", older))
	got, _, err = s.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Snapshot.Status)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory(0))
}

func TestMemoryStoreGenerations(t *testing.T) {
	exerciseGenerations(t, NewMemory(0))
}

func TestMemoryStoreExpiry(t *testing.T) {
	m := NewMemory(time.Minute)
	clock := t0
	m.now = func() time.Time { return clock }
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "p1", entryAt("p1", t0, domain.StatusActive)))
	_, ok, _ := m.Get(ctx, "p1")
	assert.True(t, ok)

	clock = t0.Add(2 * time.Minute)
	_, ok, _ = m.Get(ctx, "p1")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedis(&redis.Options{Addr: mr.Addr()}, "test", 0)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStore(t *testing.T) {
	s, mr := newRedisStore(t)
	require.NoError(t, s.Ping(context.Background()))
	exerciseStore(t, s)
	assert.True(t, mr.Exists("test:readiness:p2"))
	assert.False(t, mr.Exists("test:readiness:p1"))
}

func TestRedisStoreGenerations(t *testing.T) {
	s, mr := newRedisStore(t)
	exerciseGenerations(t, s)
	got, err := mr.Get(s.GenKey("g1"))
	require.NoError(t, err)
	assert.Equal(t, "1", got)
	assert.Equal(t, time.Duration(0), mr.TTL(s.GenKey("g1")))
}

func TestRedisWatch(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan InvalidationMessage, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, func(m InvalidationMessage) {
			select {
			case got <- m:
			default:
			}
		})
	}()

	// The subscription may not be registered yet; publish until seen.
	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	var msg InvalidationMessage
wait:
	for {
		require.NoError(t, s.Invalidate(context.Background(), "p9", ReasonFinalizationChange))
		select {
		case msg = <-got:
			break wait
		case <-deadline:
			t.Fatal("no invalidation observed")
		case <-ticker.C:
		}
	}
	assert.Equal(t, InvalidationMessage{ProjectID: "p9", Reason: ReasonFinalizationChange}, msg)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestRedisStoreTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedis(&redis.Options{Addr: mr.Addr()}, "", 30*time.Second)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "p1", entryAt("p1", t0, domain.StatusActive)))
	assert.Equal(t, "showline:readiness:p1", s.Key("p1"))
	assert.Equal(t, 30*time.Second, mr.TTL(s.Key("p1")))

	mr.FastForward(31 * time.Second)
	_, ok, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisInvalidatePublishes(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	sub := s.Subscribe(ctx)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Invalidate(ctx, "p1", ReasonTeamChange))

	select {
	case msg := <-sub.Channel():
		var got InvalidationMessage
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, InvalidationMessage{ProjectID: "p1", Reason: ReasonTeamChange}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no invalidation message received")
	}
}

func TestRedisCorruptEntry(t *testing.T) {
	s, mr := newRedisStore(t)
	require.NoError(t, mr.Set(s.Key("p1"), "{not json"))
	_, _, err := s.Get(context.Background(), "p1")
	assert.Error(t, err)
}

func TestReasonForArea(t *testing.T) {
	assert.Equal(t, ReasonRoleChange, ReasonForArea(domain.AreaRoles))
	assert.Equal(t, ReasonLocationChange, ReasonForArea(domain.AreaLocations))
	assert.Equal(t, ReasonTeamChange, ReasonForArea(domain.AreaTeam))
	assert.Equal(t, ReasonTalentChange, ReasonForArea(domain.AreaTalent))
}
