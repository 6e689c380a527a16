package activity

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/crew/internal/errs"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func entry(project, summary string) *models.ActivityEntry {
	return &models.ActivityEntry{
		ProjectID: project,
		Type:      models.ActivityEvent,
		Category:  models.CategoryAgent,
		Summary:   summary,
	}
}

func TestBus_DeliversByProject(t *testing.T) {
	bus := NewBus(4)
	all := bus.Subscribe("")
	p1 := bus.Subscribe("p1")
	defer all.Close()
	defer p1.Close()

	bus.Publish(entry("p1", "one"))
	bus.Publish(entry("p2", "two"))

	assert.Equal(t, "one", (<-all.C()).Summary)
	assert.Equal(t, "two", (<-all.C()).Summary)
	assert.Equal(t, "one", (<-p1.C()).Summary)
	assert.Len(t, p1.C(), 0)
}

func TestBus_DropsOldestWhenFull(t *testing.T) {
	bus := NewBus(2)
	sub := bus.Subscribe("")
	defer sub.Close()

	for _, s := range []string{"a", "b", "c", "d"} {
		bus.Publish(entry("p", s))
	}

	assert.Equal(t, int64(2), sub.Dropped())
	assert.Equal(t, "c", (<-sub.C()).Summary)
	assert.Equal(t, "d", (<-sub.C()).Summary)
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	bus := NewBus(1)
	sub := bus.Subscribe("")
	sub.Close()
	sub.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)

	bus.Close()
	bus.Publish(entry("p", "after close"))
	late := bus.Subscribe("")
	_, ok = <-late.C()
	assert.False(t, ok)
}

func TestLog_RecordPersistsAndPublishes(t *testing.T) {
	s := newTestStore(t)
	bus := NewBus(8)
	sub := bus.Subscribe("p1")
	defer sub.Close()
	l := NewLog(s, bus)
	ctx := context.Background()

	e := entry("p1", "agent reported progress")
	require.NoError(t, l.Record(ctx, e))
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())

	select {
	case got := <-sub.C():
		assert.Equal(t, e.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("entry not published")
	}

	got, err := l.Query(ctx, store.ActivityFilter{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "agent reported progress", got[0].Summary)
}

func TestLog_RecordValidates(t *testing.T) {
	l := NewLog(newTestStore(t), nil)

	err := l.Record(context.Background(), entry("", "x"))
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	err = l.Record(context.Background(), entry("p1", ""))
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
}

func TestLog_Clear(t *testing.T) {
	l := NewLog(newTestStore(t), nil)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, entry("p1", "a")))
	require.NoError(t, l.Record(ctx, entry("p1", "b")))

	n, err := l.Clear(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = l.Clear(ctx, "")
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
}
