package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/docmap"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/model"
)

// flakyBackend wraps a memory store and can be told to fail every call.
type flakyBackend struct {
	*MemoryStore
	name string
	down bool
}

func (f *flakyBackend) Name() string { return f.name }

func (f *flakyBackend) err() error {
	return errors.Join(ErrUnavailable, errors.New(f.name+" down"))
}

func (f *flakyBackend) Store(ctx context.Context, id string, s model.Session, ttl time.Duration) error {
	if f.down {
		return f.err()
	}
	return f.MemoryStore.Store(ctx, id, s, ttl)
}

func (f *flakyBackend) Get(ctx context.Context, id string) (model.Session, error) {
	if f.down {
		return model.Session{}, f.err()
	}
	return f.MemoryStore.Get(ctx, id)
}

func (f *flakyBackend) Delete(ctx context.Context, id string) (bool, error) {
	if f.down {
		return false, f.err()
	}
	return f.MemoryStore.Delete(ctx, id)
}

func (f *flakyBackend) ListIDs(ctx context.Context) ([]string, error) {
	if f.down {
		return nil, f.err()
	}
	return f.MemoryStore.ListIDs(ctx)
}

func (f *flakyBackend) HealthCheck(ctx context.Context) BackendHealth {
	if f.down {
		return BackendHealth{Name: f.name, Status: StatusUnhealthy, Error: "down"}
	}
	h := f.MemoryStore.HealthCheck(ctx)
	h.Name = f.name
	return h
}

var sampleDocument = map[string]any{
	"title": map[string]any{"type": "text", "value": "Hello"},
}

func sampleChanges() []model.ProposedChange {
	return []model.ProposedChange{{ID: "t0", Path: []string{"title", "value"}, CurrentValue: "Hello", ProposedValue: "Hi", Confidence: 1}}
}

func TestGenerateSessionID(t *testing.T) {
	a := GenerateSessionID()
	b := GenerateSessionID()
	assert.True(t, strings.HasPrefix(a, "sess_"))
	assert.Len(t, a, len("sess_")+32)
	assert.NotEqual(t, a, b)
}

func TestCoordinatorCreateAndGet(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(nil, nil, Options{TTL: time.Minute})

	id, err := c.CreateSession(ctx, sampleDocument, sampleChanges())
	require.NoError(t, err)

	sess, err := c.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, sess.SessionID)
	want, _ := docmap.Hash(sampleDocument)
	assert.Equal(t, want, sess.DocumentHash)
	assert.Equal(t, sampleChanges(), sess.ProposedChanges)

	_, err = c.GetSession(ctx, "  ")
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = c.GetSession(ctx, "sess_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCoordinatorVerifyDocumentUnchanged(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(nil, nil, Options{})

	id, err := c.CreateSession(ctx, sampleDocument, sampleChanges())
	require.NoError(t, err)

	reordered, err := docmap.Decode([]byte(`{"title": {"value": "Hello", "type": "text"}}`))
	require.NoError(t, err)
	assert.NoError(t, c.VerifyDocumentUnchanged(ctx, id, reordered))

	edited := map[string]any{"title": map[string]any{"type": "text", "value": "Hello!"}}
	err = c.VerifyDocumentUnchanged(ctx, id, edited)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStale)
	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, id, mismatch.SessionID)
	assert.NotEqual(t, mismatch.StoredHash, mismatch.CurrentHash)

	assert.ErrorIs(t, c.VerifyDocumentUnchanged(ctx, "sess_missing", edited), ErrNotFound)
}

func TestCoordinatorSessionExpires(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewCoordinator(NewMemoryStore(clock.Now), nil, Options{TTL: time.Minute, Now: clock.Now})

	id, err := c.CreateSession(ctx, sampleDocument, sampleChanges())
	require.NoError(t, err)

	clock.Advance(time.Minute + time.Second)
	_, err = c.GetSession(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCoordinatorCreateFallsBack(t *testing.T) {
	ctx := context.Background()
	external := &flakyBackend{MemoryStore: NewMemoryStore(nil), name: "external", down: true}
	c := NewCoordinator(nil, external, Options{PreferExternal: true})

	id, err := c.CreateSession(ctx, sampleDocument, sampleChanges())
	require.NoError(t, err)

	external.down = false
	ok, _ := external.Exists(ctx, id)
	assert.False(t, ok, "session should only be in memory")
	assert.True(t, c.SessionExists(ctx, id))
}

func TestCoordinatorCreateFailsWhenEverythingDown(t *testing.T) {
	ctx := context.Background()
	primary := &flakyBackend{MemoryStore: NewMemoryStore(nil), name: "external", down: true}
	c := NewCoordinator(nil, primary, Options{PreferExternal: true})
	c.fallback = &flakyBackend{MemoryStore: NewMemoryStore(nil), name: "memory", down: true}

	_, err := c.CreateSession(ctx, sampleDocument, sampleChanges())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCoordinatorFallbackReadResyncsPrimary(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryStore(nil)
	external := &flakyBackend{MemoryStore: NewMemoryStore(nil), name: "external"}
	c := NewCoordinator(memory, external, Options{PreferExternal: true, TTL: time.Hour})

	sess := testSession("sess_fb")
	require.NoError(t, memory.Store(ctx, sess.SessionID, sess, 10*time.Minute))

	got, err := c.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sess, got)

	ttl, err := external.TTL(ctx, sess.SessionID)
	require.NoError(t, err, "fallback hit should be copied into the primary")
	assert.LessOrEqual(t, ttl, 10*time.Minute)
}

func TestCoordinatorPrimaryErrorStillReadsFallback(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryStore(nil)
	external := &flakyBackend{MemoryStore: NewMemoryStore(nil), name: "external", down: true}
	c := NewCoordinator(memory, external, Options{PreferExternal: true})

	sess := testSession("sess_x")
	require.NoError(t, memory.Store(ctx, sess.SessionID, sess, time.Minute))

	_, err := c.GetSession(ctx, sess.SessionID)
	assert.NoError(t, err)
}

func TestCoordinatorFanOut(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryStore(nil)
	external := &flakyBackend{MemoryStore: NewMemoryStore(nil), name: "external"}
	c := NewCoordinator(memory, external, Options{TTL: time.Minute})

	require.NoError(t, memory.Store(ctx, "a", testSession("a"), time.Minute))
	require.NoError(t, external.Store(ctx, "a", testSession("a"), time.Minute))
	require.NoError(t, external.Store(ctx, "b", testSession("b"), time.Minute))

	ids, err := c.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	ok, err := c.ExtendTTL(ctx, "a", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	ttl, err := c.SessionTTL(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, ttl.Round(time.Second))

	deleted, err := c.DeleteSession(ctx, "a")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, c.SessionExists(ctx, "a"))

	_, err = c.SessionTTL(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	external.down = true
	ids, err = c.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	deleted, err = c.DeleteSession(ctx, "b")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestCoordinatorCleanupExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	memory := NewMemoryStore(clock.Now)
	external := &flakyBackend{MemoryStore: NewMemoryStore(clock.Now), name: "external"}
	c := NewCoordinator(memory, external, Options{Now: clock.Now})

	require.NoError(t, memory.Store(ctx, "a", testSession("a"), time.Second))
	require.NoError(t, external.Store(ctx, "b", testSession("b"), time.Second))
	require.NoError(t, external.Store(ctx, "c", testSession("c"), time.Hour))
	clock.Advance(2 * time.Second)

	removed, err := c.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestCoordinatorHealth(t *testing.T) {
	ctx := context.Background()
	external := &flakyBackend{MemoryStore: NewMemoryStore(nil), name: "external"}
	c := NewCoordinator(nil, external, Options{PreferExternal: true, TTL: time.Hour})

	h := c.HealthCheck(ctx)
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, "external", h.Primary)
	assert.Len(t, h.Backends, 2)
	assert.Equal(t, 3600, h.SessionTTLSeconds)

	external.down = true
	h = c.HealthCheck(ctx)
	assert.Equal(t, StatusUnhealthy, h.Status, "overall status is the worst backend status")
	require.Len(t, h.Backends, 2)
	assert.Equal(t, StatusUnhealthy, h.Backends[0].Status)
	assert.Equal(t, StatusHealthy, h.Backends[1].Status)

	only := NewCoordinator(nil, nil, Options{})
	assert.Equal(t, StatusHealthy, only.HealthCheck(ctx).Status)
}

func TestCoordinatorWithRedisFallback(t *testing.T) {
	ctx := context.Background()
	s := miniredis.RunT(t)
	redisStore, err := NewRedisStore("redis://" + s.Addr())
	require.NoError(t, err)

	c := NewCoordinator(nil, redisStore, Options{PreferExternal: true, TTL: time.Minute})
	defer c.Close()

	id, err := c.CreateSession(ctx, sampleDocument, sampleChanges())
	require.NoError(t, err)
	assert.True(t, s.Exists(KeyPrefix+id))

	sess, err := c.GetSession(ctx, id)
	require.NoError(t, err)
	assert.NoError(t, Verify(sess, sess.Document))

	s.FastForward(2 * time.Minute)
	_, err = c.GetSession(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}
