package scope

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/ravend/internal/logging"
	"github.com/corvidlabs/ravend/internal/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := storage.Open(storage.Config{
		Path:        filepath.Join(t.TempDir(), "ravend.db"),
		BusyTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc, err := NewService(db, logging.NewNop())
	require.NoError(t, err)
	return svc
}

func mustRoot(t *testing.T, svc *Service, teamID string) *Scope {
	t.Helper()
	root, err := svc.CreateScope(context.Background(), teamID, "", "Everything", "team root")
	require.NoError(t, err)
	return root
}

func TestCreateScope_RootThenProject(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	root := mustRoot(t, svc, "team-1")
	assert.Equal(t, TypeTeam, root.Type)
	assert.Nil(t, root.ParentScopeID)

	project, err := svc.CreateScope(ctx, "team-1", root.ID, "Platform", "infra knowledge")
	require.NoError(t, err)
	assert.Equal(t, TypeProject, project.Type)
	require.NotNil(t, project.ParentScopeID)
	assert.Equal(t, root.ID, *project.ParentScopeID)
}

func TestCreateScope_SecondRootRejected(t *testing.T) {
	svc := newTestService(t)
	mustRoot(t, svc, "team-1")

	_, err := svc.CreateScope(context.Background(), "team-1", "", "Another root", "")
	assert.ErrorIs(t, err, ErrRootExists)

	// A different team gets its own root.
	_, err = svc.CreateScope(context.Background(), "team-2", "", "Other team", "")
	assert.NoError(t, err)
}

func TestCreateScope_InvalidParent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	root := mustRoot(t, svc, "team-1")

	_, err := svc.CreateScope(ctx, "team-1", "missing", "X", "")
	assert.ErrorIs(t, err, ErrInvalidParent)

	// Parent from another team.
	mustRoot(t, svc, "team-2")
	_, err = svc.CreateScope(ctx, "team-2", root.ID, "X", "")
	assert.ErrorIs(t, err, ErrInvalidParent)
}

func TestGetOrCreatePrivateScope_Idempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	root := mustRoot(t, svc, "team-1")
	project, err := svc.CreateScope(ctx, "team-1", root.ID, "Platform", "")
	require.NoError(t, err)

	first, err := svc.GetOrCreatePrivateScope(ctx, "team-1", "alice", project.ID)
	require.NoError(t, err)
	assert.Equal(t, TypePrivate, first.Type)
	require.NotNil(t, first.CoupledScopeID)
	assert.Equal(t, project.ID, *first.CoupledScopeID)

	second, err := svc.GetOrCreatePrivateScope(ctx, "team-1", "alice", project.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// A different owner gets a different private scope.
	other, err := svc.GetOrCreatePrivateScope(ctx, "team-1", "bob", project.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestGetOrCreatePrivateScope_Concurrent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	root := mustRoot(t, svc, "team-1")

	const callers = 8
	ids := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sc, err := svc.GetOrCreatePrivateScope(ctx, "team-1", "alice", root.ID)
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = sc.ID
		}(i)
	}
	wg.Wait()

	var winner string
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		if winner == "" {
			winner = ids[i]
		}
		assert.Equal(t, winner, ids[i], "all callers must converge on one private scope")
	}
}

func TestGetOrCreatePrivateScope_RejectsPrivateCoupling(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	root := mustRoot(t, svc, "team-1")

	private, err := svc.GetOrCreatePrivateScope(ctx, "team-1", "alice", root.ID)
	require.NoError(t, err)

	_, err = svc.GetOrCreatePrivateScope(ctx, "team-1", "alice", private.ID)
	assert.ErrorIs(t, err, ErrNotPublicScope)
}

func TestResolveVisibleScopes_Isolation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	root := mustRoot(t, svc, "team-1")
	project, err := svc.CreateScope(ctx, "team-1", root.ID, "Platform", "")
	require.NoError(t, err)

	alicePrivate, err := svc.GetOrCreatePrivateScope(ctx, "team-1", "alice", project.ID)
	require.NoError(t, err)
	bobPrivate, err := svc.GetOrCreatePrivateScope(ctx, "team-1", "bob", project.ID)
	require.NoError(t, err)

	visible, err := svc.ResolveVisibleScopes(ctx, "team-1", "alice")
	require.NoError(t, err)

	ids := make(map[string]bool, len(visible))
	for _, sc := range visible {
		ids[sc.ID] = true
	}
	assert.True(t, ids[root.ID])
	assert.True(t, ids[project.ID])
	assert.True(t, ids[alicePrivate.ID])
	assert.False(t, ids[bobPrivate.ID], "bob's private scope must never be visible to alice")
}

func TestAuthorize_PrivateScope(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	root := mustRoot(t, svc, "team-1")

	private, err := svc.GetOrCreatePrivateScope(ctx, "team-1", "alice", root.ID)
	require.NoError(t, err)

	_, err = svc.Authorize(ctx, private.ID, "alice")
	assert.NoError(t, err)

	_, err = svc.Authorize(ctx, private.ID, "bob")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = svc.Authorize(ctx, root.ID, "bob")
	assert.NoError(t, err)
}

func TestDeleteScope_CascadesSubtreeAndCoupled(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	root := mustRoot(t, svc, "team-1")
	project, err := svc.CreateScope(ctx, "team-1", root.ID, "Platform", "")
	require.NoError(t, err)
	child, err := svc.CreateScope(ctx, "team-1", project.ID, "Networking", "")
	require.NoError(t, err)
	private, err := svc.GetOrCreatePrivateScope(ctx, "team-1", "alice", child.ID)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteScope(ctx, project.ID))

	for _, id := range []string{project.ID, child.ID, private.ID} {
		_, err := svc.Get(ctx, id)
		assert.ErrorIs(t, err, ErrScopeNotFound, "scope %s should be gone", id)
	}

	// Root survives.
	_, err = svc.Get(ctx, root.ID)
	assert.NoError(t, err)
}

func TestDeleteScope_NotFound(t *testing.T) {
	svc := newTestService(t)
	err := svc.DeleteScope(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrScopeNotFound)
}

func TestUpdateScope_RejectsSelfParent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	root := mustRoot(t, svc, "team-1")
	project, err := svc.CreateScope(ctx, "team-1", root.ID, "Platform", "")
	require.NoError(t, err)

	_, err = svc.UpdateScope(ctx, project.ID, nil, nil, nil, &project.ID)
	assert.ErrorIs(t, err, ErrInvalidParent)
}

func TestUpdateScope_RejectsCycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	root := mustRoot(t, svc, "team-1")
	a, err := svc.CreateScope(ctx, "team-1", root.ID, "A", "")
	require.NoError(t, err)
	b, err := svc.CreateScope(ctx, "team-1", a.ID, "B", "")
	require.NoError(t, err)

	// Reparenting A under its own child B would create a cycle.
	_, err = svc.UpdateScope(ctx, a.ID, nil, nil, nil, &b.ID)
	assert.ErrorIs(t, err, ErrInvalidParent)
}

func TestPath_Breadcrumb(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	root := mustRoot(t, svc, "team-1")
	a, err := svc.CreateScope(ctx, "team-1", root.ID, "A", "")
	require.NoError(t, err)
	b, err := svc.CreateScope(ctx, "team-1", a.ID, "B", "")
	require.NoError(t, err)

	path, err := svc.Path(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, root.ID, path[0].ID)
	assert.Equal(t, a.ID, path[1].ID)
	assert.Equal(t, b.ID, path[2].ID)
}
