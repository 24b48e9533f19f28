package session

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "sessions.json"), 5, 16, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func TestCreateAndLoad(t *testing.T) {
	store := newTestStore(t)

	rec, err := store.Create("team-1", "research")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.SessionID)
	assert.Equal(t, "team-1", rec.TeamID)

	loaded, err := store.Load(rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, rec.SessionID, loaded.SessionID)
	assert.Equal(t, "research", loaded.SessionName)
}

func TestLoadUnknownSession(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Load("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAppendCreatesSessionImplicitly(t *testing.T) {
	store := newTestStore(t)

	err := store.Append("adhoc-session", Turn{
		Question:          "q1",
		SynthesizedReport: "r1",
		Timestamp:         time.Now(),
	})
	require.NoError(t, err)

	rec, err := store.Load("adhoc-session")
	require.NoError(t, err)
	require.Len(t, rec.History, 1)
	assert.Equal(t, "q1", rec.History[0].Question)
}

func TestAppendTrimsHistory(t *testing.T) {
	store := newTestStore(t) // maxHistory 5

	for i := 0; i < 8; i++ {
		require.NoError(t, store.Append("sess", Turn{
			Question:  string(rune('a' + i)),
			Timestamp: time.Now(),
		}))
	}

	rec, err := store.Load("sess")
	require.NoError(t, err)
	require.Len(t, rec.History, 5)
	assert.Equal(t, "d", rec.History[0].Question)
	assert.Equal(t, "h", rec.History[4].Question)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	rec, err := store.Create("team-1", "")
	require.NoError(t, err)

	require.NoError(t, store.Delete(rec.SessionID))
	_, err = store.Load(rec.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Deleting again is a no-op.
	assert.NoError(t, store.Delete(rec.SessionID))
}

func TestListNewestFirst(t *testing.T) {
	store := newTestStore(t)

	first, err := store.Create("team-1", "old")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	second, err := store.Create("team-1", "new")
	require.NoError(t, err)
	_, err = store.Create("team-2", "other")
	require.NoError(t, err)

	sessions, err := store.List("team-1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second.SessionID, sessions[0].SessionID)
	assert.Equal(t, first.SessionID, sessions[1].SessionID)
}

func TestCorruptFileReadsAsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store, err := NewStore(path, 5, 16, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = store.Load("anything")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Writes recover the file.
	rec, err := store.Create("team-1", "")
	require.NoError(t, err)
	_, err = store.Load(rec.SessionID)
	assert.NoError(t, err)
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	store, err := NewStore(path, 5, 16, zaptest.NewLogger(t))
	require.NoError(t, err)
	rec, err := store.Create("team-1", "persisted")
	require.NoError(t, err)
	require.NoError(t, store.Append(rec.SessionID, Turn{Question: "q", Timestamp: time.Now()}))

	reopened, err := NewStore(path, 5, 16, zaptest.NewLogger(t))
	require.NoError(t, err)
	loaded, err := reopened.Load(rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", loaded.SessionName)
	assert.Len(t, loaded.History, 1)
}

func TestConcurrentAppends(t *testing.T) {
	store := newTestStore(t)
	rec, err := store.Create("team-1", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Append(rec.SessionID, Turn{Question: "q", Timestamp: time.Now()}))
		}()
	}
	wg.Wait()

	loaded, err := store.Load(rec.SessionID)
	require.NoError(t, err)
	// maxHistory is 5, so all four turns survive.
	assert.Len(t, loaded.History, 4)
}

func TestRecentTurns(t *testing.T) {
	rec := &Record{History: []Turn{
		{Question: "a"}, {Question: "b"}, {Question: "c"},
	}}

	assert.Len(t, rec.RecentTurns(2), 2)
	assert.Equal(t, "b", rec.RecentTurns(2)[0].Question)
	assert.Len(t, rec.RecentTurns(10), 3)
	assert.Len(t, rec.RecentTurns(0), 3)
}
