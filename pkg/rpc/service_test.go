package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/greenroom/pkg/bus"
	"github.com/odvcencio/greenroom/pkg/harness"
	"github.com/odvcencio/greenroom/pkg/storage"
)

type fixture struct {
	store   *storage.Store
	bus     *bus.MemoryBus
	service *Service
	client  *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "rpc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mb := bus.NewMemoryBus()
	t.Cleanup(func() { _ = mb.Close() })

	registry := harness.NewRegistry(harness.NewCommand("missing", "greenroom-test-no-such-binary"))
	service := NewService(store, mb, registry, nil)
	require.NoError(t, service.Start(context.Background()))
	t.Cleanup(func() { _ = service.Stop() })

	return &fixture{
		store:   store,
		bus:     mb,
		service: service,
		client:  NewClient(mb, 2*time.Second),
	}
}

func TestServiceDoubleStart(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.service.Start(context.Background()), ErrAlreadyRunning)
}

func TestServiceRestart(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.service.Stop())
	require.NoError(t, f.service.Stop(), "stop is idempotent")
	require.NoError(t, f.service.Start(context.Background()))

	// The restarted service answers calls against the same store.
	created, err := f.client.CreateProject(context.Background(), storage.Project{ID: "p1", Name: "demo"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Revision)
}

func TestProjectMutationRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.client.CreateProject(ctx, storage.Project{ID: "p1", Name: "demo", Dir: "/tmp/demo"})
	require.NoError(t, err)
	require.Equal(t, int64(1), created.Revision)

	created.Name = "renamed"
	updated, err := f.client.UpdateProject(ctx, *created, created.Revision)
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Revision)

	snap, err := f.client.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Projects, 1)
	assert.Equal(t, "renamed", snap.Projects[0].Name)

	require.NoError(t, f.client.DeleteProject(ctx, "p1", updated.Revision))

	snap, err = f.client.ListProjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Projects)
}

func TestStaleRevisionMapsToConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.client.CreateProject(ctx, storage.Project{ID: "p1", Name: "demo"})
	require.NoError(t, err)

	created.Name = "first"
	_, err = f.client.UpdateProject(ctx, *created, created.Revision)
	require.NoError(t, err)

	// Second writer still holds revision 1.
	created.Name = "second"
	_, err = f.client.UpdateProject(ctx, *created, 1)
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestMissingRecordMapsToNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.GetProject(context.Background(), "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMutationPublishesChangeBeforeAck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var changes []storage.ChangeEvent
	sub, err := f.bus.Subscribe(ctx, SubjectChangeAll, func(msg *bus.Message) []byte {
		var ev storage.ChangeEvent
		if err := json.Unmarshal(msg.Data, &ev); err == nil {
			mu.Lock()
			changes = append(changes, ev)
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = f.client.CreateProject(ctx, storage.Project{ID: "p1", Name: "demo"})
	require.NoError(t, err)
	_, err = f.client.CreateSession(ctx, storage.Session{ID: "s1", ProjectID: "p1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, storage.CollectionProject, changes[0].Collection)
	assert.Equal(t, storage.CollectionSession, changes[1].Collection)
	assert.Less(t, changes[0].Seq, changes[1].Seq, "change events carry commit order")
	assert.Equal(t, "p1", changes[1].ParentID)
}

func TestQuerySnapshotCarriesSeq(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.CreateProject(ctx, storage.Project{ID: "p1", Name: "demo"})
	require.NoError(t, err)
	_, err = f.client.CreateSession(ctx, storage.Session{ID: "s1", ProjectID: "p1", Title: "fix bug"})
	require.NoError(t, err)

	snap, err := f.client.ListSessions(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, uint64(2), snap.Seq)
	assert.Equal(t, "fix bug", snap.Sessions[0].Title)
}

func TestHarnessInputWithoutLiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.CreateProject(ctx, storage.Project{ID: "p1", Name: "demo"})
	require.NoError(t, err)
	_, err = f.client.CreateSession(ctx, storage.Session{ID: "s1", ProjectID: "p1"})
	require.NoError(t, err)

	err = f.client.SendHarnessInput(ctx, "s1", "hello")
	require.ErrorIs(t, err, harness.ErrNotRunning)

	err = f.client.StopHarness(ctx, "s1")
	require.ErrorIs(t, err, harness.ErrNotRunning)
}

func TestHarnessStartLaunchFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.CreateProject(ctx, storage.Project{ID: "p1", Name: "demo"})
	require.NoError(t, err)
	_, err = f.client.CreateSession(ctx, storage.Session{ID: "s1", ProjectID: "p1", HarnessKind: "missing"})
	require.NoError(t, err)

	_, err = f.client.StartHarness(ctx, "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), CodeLaunchFailed)

	// The failed launch leaves no live harness behind.
	err = f.client.SendHarnessInput(ctx, "s1", "hello")
	require.ErrorIs(t, err, harness.ErrNotRunning)
}

func TestHarnessStartUnknownKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.CreateProject(ctx, storage.Project{ID: "p1", Name: "demo"})
	require.NoError(t, err)
	_, err = f.client.CreateSession(ctx, storage.Session{ID: "s1", ProjectID: "p1", HarnessKind: "telepathy"})
	require.NoError(t, err)

	_, err = f.client.StartHarness(ctx, "s1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, storage.ErrNotFound))
}

func TestServiceStopRemovesObserver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.Stop())

	var mu sync.Mutex
	count := 0
	sub, err := f.bus.Subscribe(ctx, SubjectChangeAll, func(msg *bus.Message) []byte {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// Direct store writes while stopped produce no bus traffic.
	require.NoError(t, f.store.CreateProject(&storage.Project{ID: "p1", Name: "demo"}))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}
