package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linshu368/starbot/internal/config"
)

// memStore is an in-memory Store used by the service tests. Trim limits are
// fixed at construction.
type memStore struct {
	mu         sync.Mutex
	messages   map[string][]Message
	current    map[string]string
	last       map[string]string
	data       map[string]map[string]any
	modes      map[string]string
	lastActive map[string]int64
	maxItems   int
	retention  int
}

func newMemStore(maxItems, retention int) *memStore {
	return &memStore{
		messages:   make(map[string][]Message),
		current:    make(map[string]string),
		last:       make(map[string]string),
		data:       make(map[string]map[string]any),
		modes:      make(map[string]string),
		lastActive: make(map[string]int64),
		maxItems:   maxItems,
		retention:  retention,
	}
}

func (s *memStore) GetMessages(_ context.Context, sid string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages[sid]))
	copy(out, s.messages[sid])
	return out, nil
}

func (s *memStore) SetMessages(_ context.Context, sid string, messages []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[sid] = append([]Message(nil), messages...)
	return nil
}

func (s *memStore) AppendMessage(_ context.Context, sid string, message Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.messages[sid], message)
	if s.maxItems > 0 && len(list) > s.maxItems {
		list = list[len(list)-s.retention:]
	}
	s.messages[sid] = list
	return nil
}

func (s *memStore) GetCurrentSessionID(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[userID], nil
}

func (s *memStore) SetCurrentSessionID(_ context.Context, userID, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current[userID] = sid
	return nil
}

func (s *memStore) GetLastSessionID(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[userID], nil
}

func (s *memStore) SetLastSessionID(_ context.Context, userID, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[userID] = sid
	return nil
}

func (s *memStore) GetSessionData(_ context.Context, sid string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[sid] == nil {
		return nil, nil
	}
	out := make(map[string]any, len(s.data[sid]))
	for k, v := range s.data[sid] {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) SetSessionData(_ context.Context, sid string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[sid] = data
	return nil
}

func (s *memStore) GetUserModelMode(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mode := s.modes[userID]
	if !IsValidTier(mode) {
		return TierStandardB, nil
	}
	return mode, nil
}

func (s *memStore) SetUserModelMode(_ context.Context, userID, tier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[userID] = tier
	return nil
}

func (s *memStore) GetLastActiveTime(_ context.Context, userID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.lastActive[userID]
	return ms, ok, nil
}

func (s *memStore) SetLastActiveTime(_ context.Context, userID string, ms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive[userID] = ms
	return nil
}

var _ Store = (*memStore)(nil)

// staticConfig answers every read with its fallback unless overridden.
type staticConfig struct {
	ints map[string]int
	strs map[string]string
}

func (c *staticConfig) GetInt(_ context.Context, key string, fallback int) int {
	if v, ok := c.ints[key]; ok {
		return v
	}
	return fallback
}

func (c *staticConfig) GetString(_ context.Context, key string, fallback string) string {
	if v, ok := c.strs[key]; ok {
		return v
	}
	return fallback
}

type memSnapshots struct {
	mu     sync.Mutex
	nextID int64
	snaps  map[int64]*Snapshot
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{nextID: 1, snaps: make(map[int64]*Snapshot)}
}

func (r *memSnapshots) CreateSnapshot(_ context.Context, snap *Snapshot) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	stored := *snap
	stored.ID = id
	r.snaps[id] = &stored
	return id, nil
}

func (r *memSnapshots) GetSnapshot(_ context.Context, id int64, userID string) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.snaps[id]
	if !ok || snap.UserID != userID {
		return nil, ErrSnapshotNotFound
	}
	return snap, nil
}

func (r *memSnapshots) ListSnapshots(_ context.Context, userID string) ([]*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Snapshot
	for _, snap := range r.snaps {
		if snap.UserID == userID {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (r *memSnapshots) DeleteSnapshot(_ context.Context, id int64, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.snaps[id]
	if !ok || snap.UserID != userID {
		return ErrSnapshotNotFound
	}
	delete(r.snaps, id)
	return nil
}

type fakeCharSource struct {
	cards map[string]*Character
}

func (f *fakeCharSource) GetCharacter(_ context.Context, roleID string) (*Character, error) {
	return f.cards[roleID], nil
}

const timeoutMinutes = 30

func newTestService(t *testing.T, store Store) (*Service, *memSnapshots) {
	t.Helper()
	cards := &fakeCharSource{cards: map[string]*Character{
		"default": {RoleID: "default", Name: "星语", SystemPrompt: "你是星语。", FirstMes: "你好呀"},
		"r2":      {RoleID: "r2", Name: "墨白", SystemPrompt: "你是墨白。", Extensions: CharacterExtensions{Title: "墨白先生"}},
	}}
	snapshots := newMemSnapshots()
	svc := NewService(store, NewCharacterLoader(cards, t.TempDir()), snapshots, &staticConfig{}, Defaults{
		SessionTimeoutMinutes: timeoutMinutes,
		DefaultRoleID:         "default",
	})
	return svc, snapshots
}

func atMs(svc *Service, ms int64) {
	svc.now = func() time.Time { return time.UnixMilli(ms) }
}

func TestResolveSessionFreshUser(t *testing.T) {
	store := newMemStore(40, 30)
	svc, _ := newTestService(t, store)

	const t0 = int64(1_000_000_000_000)
	atMs(svc, t0)

	sid, isNew, expired, err := svc.ResolveSessionID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "sess_u1_1000000000000", sid)
	assert.True(t, isNew)
	assert.Empty(t, expired)

	ms, ok, _ := store.GetLastActiveTime(context.Background(), "u1")
	assert.True(t, ok)
	assert.Equal(t, t0, ms)
}

func TestResolveSessionWithinWindow(t *testing.T) {
	store := newMemStore(40, 30)
	svc, _ := newTestService(t, store)

	const t0 = int64(1_000_000_000_000)
	atMs(svc, t0)
	first, _, _, err := svc.ResolveSessionID(context.Background(), "u1")
	require.NoError(t, err)

	atMs(svc, t0+10*60_000) // ten minutes later
	second, isNew, _, err := svc.ResolveSessionID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.False(t, isNew)

	ms, _, _ := store.GetLastActiveTime(context.Background(), "u1")
	assert.Equal(t, t0+10*60_000, ms)
}

func TestResolveSessionExpiryBoundary(t *testing.T) {
	store := newMemStore(40, 30)
	svc, _ := newTestService(t, store)

	const t0 = int64(1_000_000_000_000)
	const timeoutMs = timeoutMinutes * 60_000
	atMs(svc, t0)
	first, _, _, err := svc.ResolveSessionID(context.Background(), "u1")
	require.NoError(t, err)

	// A gap of exactly the timeout does not expire.
	atMs(svc, t0+timeoutMs)
	same, isNew, _, err := svc.ResolveSessionID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, first, same)
	assert.False(t, isNew)

	// One millisecond beyond does.
	atMs(svc, t0+2*timeoutMs+1)
	fresh, isNew, expired, err := svc.ResolveSessionID(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, first, fresh)
	assert.Equal(t, first, expired)

	lastID, _ := store.GetLastSessionID(context.Background(), "u1")
	assert.Equal(t, first, lastID)
}

func TestResolveSessionMigrationWithoutLastActive(t *testing.T) {
	store := newMemStore(40, 30)
	svc, _ := newTestService(t, store)

	// A current pointer with no activity clock: the migration path treats
	// the session as active.
	require.NoError(t, store.SetCurrentSessionID(context.Background(), "u1", "sess_u1_legacy"))

	const t0 = int64(1_000_000_000_000)
	atMs(svc, t0)
	sid, isNew, _, err := svc.ResolveSessionID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "sess_u1_legacy", sid)
	assert.False(t, isNew)

	ms, ok, _ := store.GetLastActiveTime(context.Background(), "u1")
	assert.True(t, ok)
	assert.Equal(t, t0, ms)
}

func TestGetOrCreateSessionCarriesRoleAcrossExpiry(t *testing.T) {
	store := newMemStore(40, 30)
	svc, _ := newTestService(t, store)

	const t0 = int64(1_000_000_000_000)
	atMs(svc, t0)
	ctx := context.Background()

	sess, err := svc.GetOrCreateSession(ctx, "u1")
	require.NoError(t, err)
	_, err = svc.SwitchCharacter(ctx, "u1", "r2")
	require.NoError(t, err)

	atMs(svc, t0+timeoutMinutes*60_000+1)
	renewed, err := svc.GetOrCreateSession(ctx, "u1")
	require.NoError(t, err)

	assert.True(t, renewed.IsNew)
	assert.NotEqual(t, sess.ID, renewed.ID)
	assert.Equal(t, "r2", renewed.RoleID, "new experience window keeps the active character")
	assert.Equal(t, "墨白", renewed.Character.Name)
	assert.Empty(t, renewed.History)
}

func TestAppendMessagesCountsTurns(t *testing.T) {
	store := newMemStore(40, 30)
	svc, _ := newTestService(t, store)
	atMs(svc, 1_000_000_000_000)
	ctx := context.Background()

	sess, err := svc.GetOrCreateSession(ctx, "u1")
	require.NoError(t, err)

	svc.AppendMessages(ctx, sess, []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	})
	assert.Equal(t, 1, sess.TurnCount)
	assert.Len(t, sess.History, 2)

	data, _ := store.GetSessionData(ctx, sess.ID)
	assert.Equal(t, 1, data["turn_count"])

	// An assistant-only batch does not close a turn.
	svc.AppendMessages(ctx, sess, []Message{{Role: RoleAssistant, Content: "more"}})
	assert.Equal(t, 1, sess.TurnCount)
}

func TestAppendMessagesTrimsToRetention(t *testing.T) {
	store := newMemStore(4, 2)
	svc, _ := newTestService(t, store)
	atMs(svc, 1_000_000_000_000)
	ctx := context.Background()

	sess, err := svc.GetOrCreateSession(ctx, "u1")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		svc.AppendMessages(ctx, sess, []Message{
			{Role: RoleUser, Content: fmt.Sprintf("q%d", i)},
			{Role: RoleAssistant, Content: fmt.Sprintf("a%d", i)},
		})
	}
	stored, _ := store.GetMessages(ctx, sess.ID)
	require.Len(t, stored, 4)

	// The fifth append overflows: the list is cut to the retention count
	// before the sixth lands on top of it.
	svc.AppendMessages(ctx, sess, []Message{
		{Role: RoleUser, Content: "q2"},
		{Role: RoleAssistant, Content: "a2"},
	})
	stored, _ = store.GetMessages(ctx, sess.ID)
	require.Len(t, stored, 3)
	assert.Equal(t, []Message{
		{Role: RoleAssistant, Content: "a1"},
		{Role: RoleUser, Content: "q2"},
		{Role: RoleAssistant, Content: "a2"},
	}, stored)
}

func TestRollbackHistoryToLastUser(t *testing.T) {
	tests := []struct {
		name        string
		history     []Message
		wantContent string
		wantOK      bool
		wantLen     int
	}{
		{
			name: "tail assistant shortens once",
			history: []Message{
				{Role: RoleUser, Content: "q1"},
				{Role: RoleAssistant, Content: "a1"},
			},
			wantContent: "q1",
			wantOK:      true,
			wantLen:     1,
		},
		{
			name: "tail already user is idempotent",
			history: []Message{
				{Role: RoleUser, Content: "q1"},
			},
			wantContent: "q1",
			wantOK:      true,
			wantLen:     1,
		},
		{
			name:    "empty history is a no-op",
			history: nil,
			wantOK:  false,
		},
		{
			name: "assistant-only history is a no-op",
			history: []Message{
				{Role: RoleAssistant, Content: "greeting"},
			},
			wantOK:  false,
			wantLen: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(40, 30)
			svc, _ := newTestService(t, store)
			atMs(svc, 1_000_000_000_000)
			ctx := context.Background()

			sess, err := svc.GetOrCreateSession(ctx, "u1")
			require.NoError(t, err)
			require.NoError(t, store.SetMessages(ctx, sess.ID, tt.history))
			sess.History = append([]Message(nil), tt.history...)

			content, ok, err := svc.RollbackHistoryToLastUser(ctx, sess)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantContent, content)
			}
			assert.Len(t, sess.History, tt.wantLen)
		})
	}
}

func TestResetSessionHistoryPreservesMetadata(t *testing.T) {
	store := newMemStore(40, 30)
	svc, _ := newTestService(t, store)
	atMs(svc, 1_000_000_000_000)
	ctx := context.Background()

	sess, err := svc.GetOrCreateSession(ctx, "u1")
	require.NoError(t, err)
	svc.AppendMessages(ctx, sess, []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	})

	require.NoError(t, svc.ResetSessionHistory(ctx, "u1"))

	stored, _ := store.GetMessages(ctx, sess.ID)
	assert.Empty(t, stored)
	data, _ := store.GetSessionData(ctx, sess.ID)
	assert.Equal(t, 1, data["turn_count"], "metadata survives a history reset")
}

func TestSwitchCharacterClearsHistory(t *testing.T) {
	store := newMemStore(40, 30)
	svc, _ := newTestService(t, store)
	atMs(svc, 1_000_000_000_000)
	ctx := context.Background()

	sess, err := svc.GetOrCreateSession(ctx, "u1")
	require.NoError(t, err)
	svc.AppendMessages(ctx, sess, []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	})

	character, err := svc.SwitchCharacter(ctx, "u1", "r2")
	require.NoError(t, err)
	assert.Equal(t, "墨白", character.Name)

	stored, _ := store.GetMessages(ctx, sess.ID)
	assert.Empty(t, stored)
	data, _ := store.GetSessionData(ctx, sess.ID)
	assert.Equal(t, "r2", data["role_id"])
}

func TestSwitchCharacterUnknownRole(t *testing.T) {
	store := newMemStore(40, 30)
	svc, _ := newTestService(t, store)
	atMs(svc, 1_000_000_000_000)

	_, err := svc.SwitchCharacter(context.Background(), "u1", "ghost")
	assert.Error(t, err)
}

func TestCreateSnapshotNameAndEmptyGuard(t *testing.T) {
	store := newMemStore(40, 30)
	svc, snapshots := newTestService(t, store)
	ctx := context.Background()

	fixed := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	// Empty history: no snapshot.
	snap, err := svc.CreateSnapshot(ctx, "u1", "开场")
	require.NoError(t, err)
	assert.Nil(t, snap)

	sess, err := svc.GetOrCreateSession(ctx, "u1")
	require.NoError(t, err)
	_, err = svc.SwitchCharacter(ctx, "u1", "r2")
	require.NoError(t, err)
	svc.AppendMessages(ctx, sess, []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	})

	snap, err = svc.CreateSnapshot(ctx, "u1", "开场")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "20260314_150926_开场_墨白先生", snap.Name)
	assert.Equal(t, "r2", snap.RoleID)

	listed, err := snapshots.ListSnapshots(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestRestoreSnapshot(t *testing.T) {
	store := newMemStore(40, 30)
	svc, snapshots := newTestService(t, store)
	atMs(svc, 1_000_000_000_000)
	ctx := context.Background()

	sess, err := svc.GetOrCreateSession(ctx, "u1")
	require.NoError(t, err)

	history := []Message{
		{Role: RoleUser, Content: "q1"},
		{Role: RoleAssistant, Content: "a1"},
		{Role: RoleUser, Content: "q2"},
		{Role: RoleAssistant, Content: "a2"},
	}
	id, err := snapshots.CreateSnapshot(ctx, &Snapshot{UserID: "u1", RoleID: "default", Name: "s", History: history})
	require.NoError(t, err)

	require.NoError(t, svc.RestoreSnapshot(ctx, "u1", id))

	stored, _ := store.GetMessages(ctx, sess.ID)
	assert.Equal(t, history, stored)
	data, _ := store.GetSessionData(ctx, sess.ID)
	assert.Equal(t, 2, data["turn_count"])
}

func TestRestoreSnapshotMissing(t *testing.T) {
	store := newMemStore(40, 30)
	svc, _ := newTestService(t, store)
	atMs(svc, 1_000_000_000_000)

	err := svc.RestoreSnapshot(context.Background(), "u1", 404)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestSetUserModelMode(t *testing.T) {
	store := newMemStore(40, 30)
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	// Absent preference defaults to standard_b.
	tier, err := svc.GetUserModelMode(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, TierStandardB, tier)

	require.NoError(t, svc.SetUserModelMode(ctx, "u1", TierBasic))
	tier, _ = svc.GetUserModelMode(ctx, "u1")
	assert.Equal(t, TierBasic, tier)

	assert.Error(t, svc.SetUserModelMode(ctx, "u1", "turbo"))
}

func TestTimeoutFromConfigOverridesDefault(t *testing.T) {
	store := newMemStore(40, 30)
	cards := &fakeCharSource{cards: map[string]*Character{"default": {RoleID: "default", Name: "n"}}}
	cfg := &staticConfig{ints: map[string]int{config.KeySessionTimeoutMinutes: 1}}
	svc := NewService(store, NewCharacterLoader(cards, t.TempDir()), newMemSnapshots(), cfg, Defaults{
		SessionTimeoutMinutes: timeoutMinutes,
		DefaultRoleID:         "default",
	})

	const t0 = int64(1_000_000_000_000)
	atMs(svc, t0)
	first, _, _, err := svc.ResolveSessionID(context.Background(), "u1")
	require.NoError(t, err)

	// 61 seconds later the one-minute window from live config has lapsed.
	atMs(svc, t0+61_000)
	second, isNew, _, err := svc.ResolveSessionID(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, first, second)
}
