package syncer

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellarsync/cluster"
	"cellarsync/collection"
	"cellarsync/configstore"
	"cellarsync/filter"
	"cellarsync/policy"
	"cellarsync/resources"
)

const (
	testCategory = "urls"
	testGroup    = "default"
)

// fakeSystem is an in-memory resources.System that records applies.
type fakeSystem struct {
	kind resources.Kind

	mu        sync.Mutex
	items     map[string]string
	applied   []string
	failApply map[string]bool
}

func newFakeSystem(ids ...string) *fakeSystem {
	s := &fakeSystem{items: map[string]string{}, failApply: map[string]bool{}}
	for _, id := range ids {
		s.items[id] = ""
	}
	return s
}

func (s *fakeSystem) Category() string     { return testCategory }
func (s *fakeSystem) Kind() resources.Kind { return s.kind }

func (s *fakeSystem) List(ctx context.Context) ([]resources.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []resources.Resource
	for id, v := range s.items {
		result = append(result, resources.Resource{ID: id, Value: v})
	}
	return result, nil
}

func (s *fakeSystem) Has(ctx context.Context, r resources.Resource) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.items[r.ID]
	return ok && v == r.Value, nil
}

func (s *fakeSystem) Apply(ctx context.Context, r resources.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failApply[r.ID] {
		return errors.New("unreachable resource")
	}
	s.items[r.ID] = r.Value
	s.applied = append(s.applied, r.ID)
	return nil
}

func (s *fakeSystem) appliedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.applied)
}

type testNode struct {
	registry *cluster.Registry
	config   *configstore.Static
}

func joinNode(t *testing.T, backend collection.Backend, id string, p policy.Policy) testNode {
	t.Helper()

	registry, err := cluster.NewRegistry(backend, cluster.Node{ID: id}, nil)
	require.NoError(t, err)
	require.NoError(t, registry.Join(context.Background(), testGroup))

	config := configstore.NewStatic(map[string]map[string]string{
		configstore.GroupsPID: {policy.PropertyKey(testGroup, testCategory): string(p)},
	})
	return testNode{registry: registry, config: config}
}

func newEngine(t *testing.T, backend collection.Backend, n testNode, system resources.System, f filter.Filter, opts ...Option) *Engine {
	t.Helper()

	e, err := New(system, Deps{
		Manager: n.registry,
		Groups:  n.registry,
		Backend: backend,
		Config:  n.config,
		Filter:  f,
	}, opts...)
	require.NoError(t, err)
	return e
}

func clusterMembers(t *testing.T, backend collection.Backend) []string {
	t.Helper()
	members, err := backend.Set(collection.Key(testCategory, testGroup)).Members(context.Background())
	require.NoError(t, err)
	return members
}

func seedCluster(t *testing.T, backend collection.Backend, ids ...string) {
	t.Helper()
	set := backend.Set(collection.Key(testCategory, testGroup))
	for _, id := range ids {
		require.NoError(t, set.Add(context.Background(), id))
	}
}

func TestSync_DisabledDoesNothing(t *testing.T) {
	for _, p := range []policy.Policy{policy.Disabled, "bogus", ""} {
		backend := collection.NewMemoryBackend()
		n := joinNode(t, backend, "nodeA", p)
		_ = joinNode(t, backend, "nodeB", p)
		seedCluster(t, backend, "http://remote")

		system := newFakeSystem("http://local")
		e := newEngine(t, backend, n, system, nil)

		require.NoError(t, e.Sync(context.Background(), testGroup))
		assert.Equal(t, []string{"http://remote"}, clusterMembers(t, backend), "expected no push with policy %q", p)
		assert.Empty(t, system.appliedIDs(), "expected no pull with policy %q", p)
	}
}

func TestSync_ClusterSoleMemberPushes(t *testing.T) {
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Cluster)
	seedCluster(t, backend, "http://remote")

	system := newFakeSystem("http://local")
	e := newEngine(t, backend, n, system, nil)

	require.NoError(t, e.Sync(context.Background(), testGroup))
	assert.Equal(t, []string{"http://local", "http://remote"}, clusterMembers(t, backend))
	assert.Empty(t, system.appliedIDs(), "expected the sole member not to pull")
}

func TestSync_ClusterSeveralMembersPulls(t *testing.T) {
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Cluster)
	_ = joinNode(t, backend, "nodeB", policy.Cluster)
	seedCluster(t, backend, "http://remote")

	system := newFakeSystem("http://local")
	e := newEngine(t, backend, n, system, nil)

	require.NoError(t, e.Sync(context.Background(), testGroup))
	assert.Equal(t, []string{"http://remote"}, clusterMembers(t, backend), "expected no push")
	assert.Equal(t, []string{"http://remote"}, system.appliedIDs())
}

func TestSync_NodePushesRegardlessOfSize(t *testing.T) {
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Node)
	_ = joinNode(t, backend, "nodeB", policy.Node)
	seedCluster(t, backend, "http://remote")

	system := newFakeSystem("http://local")
	e := newEngine(t, backend, n, system, nil)

	require.NoError(t, e.Sync(context.Background(), testGroup))
	assert.Equal(t, []string{"http://local", "http://remote"}, clusterMembers(t, backend))
	assert.Empty(t, system.appliedIDs(), "expected node policy not to pull")
}

func TestSync_ArbiterMakesLowestNodePush(t *testing.T) {
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Cluster)
	_ = joinNode(t, backend, "nodeB", policy.Cluster)

	system := newFakeSystem("http://local")
	e := newEngine(t, backend, n, system, nil, WithArbiter(LowestNodeID))

	require.NoError(t, e.Sync(context.Background(), testGroup))
	assert.Equal(t, []string{"http://local"}, clusterMembers(t, backend))
}

func TestPush_Idempotent(t *testing.T) {
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Node)
	e := newEngine(t, backend, n, newFakeSystem("http://a", "http://b"), nil)

	require.NoError(t, e.Push(context.Background(), testGroup))
	first := clusterMembers(t, backend)
	require.NoError(t, e.Push(context.Background(), testGroup))
	assert.Equal(t, first, clusterMembers(t, backend))
	assert.Equal(t, []string{"http://a", "http://b"}, first)
}

func TestPush_NeverRemoves(t *testing.T) {
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Node)
	seedCluster(t, backend, "http://gone-locally")
	e := newEngine(t, backend, n, newFakeSystem(), nil)

	require.NoError(t, e.Push(context.Background(), testGroup))
	assert.Equal(t, []string{"http://gone-locally"}, clusterMembers(t, backend))
}

func TestPush_OutboundFilter(t *testing.T) {
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Node)

	var seen []string
	f := filter.Func(func(group, category, id string, dir filter.Direction) bool {
		seen = append(seen, id)
		assert.Equal(t, filter.Outbound, dir)
		return id != "http://secret"
	})
	e := newEngine(t, backend, n, newFakeSystem("http://public", "http://secret"), f)

	require.NoError(t, e.Push(context.Background(), testGroup))
	assert.Equal(t, []string{"http://public"}, clusterMembers(t, backend))
	assert.ElementsMatch(t, []string{"http://public", "http://secret"}, seen, "expected the filter to run per item")
}

func TestPull_InboundFilter(t *testing.T) {
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Cluster)
	seedCluster(t, backend, "http://public", "http://secret")

	f := filter.Func(func(group, category, id string, dir filter.Direction) bool {
		assert.Equal(t, filter.Inbound, dir)
		return id != "http://secret"
	})
	system := newFakeSystem()
	e := newEngine(t, backend, n, system, f)

	require.NoError(t, e.Pull(context.Background(), testGroup))
	assert.Equal(t, []string{"http://public"}, system.appliedIDs())
}

func TestPull_SkipsPresentAndIsolatesFailures(t *testing.T) {
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Cluster)
	seedCluster(t, backend, "http://a", "http://b", "http://broken", "http://c")

	system := newFakeSystem("http://b")
	system.failApply["http://broken"] = true
	e := newEngine(t, backend, n, system, nil)

	require.NoError(t, e.Pull(context.Background(), testGroup))
	assert.Equal(t, []string{"http://a", "http://c"}, system.appliedIDs())
}

func TestPull_MapKind(t *testing.T) {
	ctx := context.Background()
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Cluster)

	m := backend.Map(collection.Key(testCategory, testGroup))
	require.NoError(t, m.Put(ctx, "log.level", "debug"))
	require.NoError(t, m.Put(ctx, "pool.size", "8"))

	system := newFakeSystem()
	system.kind = resources.MapKind
	system.items["pool.size"] = "8"
	e := newEngine(t, backend, n, system, nil)

	require.NoError(t, e.Pull(ctx, testGroup))
	assert.Equal(t, []string{"log.level"}, system.appliedIDs())
	assert.Equal(t, "debug", system.items["log.level"])
}

func TestPush_MapKindOverwrites(t *testing.T) {
	ctx := context.Background()
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Node)

	m := backend.Map(collection.Key(testCategory, testGroup))
	require.NoError(t, m.Put(ctx, "log.level", "info"))

	system := newFakeSystem()
	system.kind = resources.MapKind
	system.items["log.level"] = "debug"
	e := newEngine(t, backend, n, system, nil)

	require.NoError(t, e.Push(ctx, testGroup))
	v, ok, err := m.Get(ctx, "log.level")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "debug", v)
}

func TestPush_LinkedBundles(t *testing.T) {
	ctx := context.Background()
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Node)

	repos, err := resources.OpenRepositoryList("")
	require.NoError(t, err)
	require.NoError(t, repos.Add(resources.Repository{
		URL:     "http://repo/a",
		Bundles: []resources.BundleInfo{{Name: "IO", SymbolicName: "commons.io", Version: "2.4.0"}},
	}))

	n.config = configstore.NewStatic(map[string]map[string]string{
		configstore.GroupsPID: {policy.PropertyKey(testGroup, resources.URLsCategory): "node"},
	})
	e := newEngine(t, backend, n, repos, nil)
	require.NoError(t, e.Sync(ctx, testGroup))

	urls, err := backend.Set(collection.Key(resources.URLsCategory, testGroup)).Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://repo/a"}, urls)

	bundles, err := backend.Set(collection.Key(resources.BundlesCategory, testGroup)).Members(ctx)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Contains(t, bundles[0], "commons.io")
}

// Node A is alone and bootstraps the cluster state, node B joins later
// and adopts it.
func TestSync_SecondNodeAdoptsBootstrapState(t *testing.T) {
	ctx := context.Background()
	backend := collection.NewMemoryBackend()

	configFor := func() *configstore.Static {
		return configstore.NewStatic(map[string]map[string]string{
			configstore.GroupsPID: {policy.PropertyKey(testGroup, resources.URLsCategory): "cluster"},
		})
	}

	a := joinNode(t, backend, "nodeA", policy.Cluster)
	a.config = configFor()
	reposA, err := resources.OpenRepositoryList("")
	require.NoError(t, err)
	require.NoError(t, reposA.Add(resources.Repository{URL: "http://repo/r1"}))
	engineA := newEngine(t, backend, a, reposA, nil)
	require.NoError(t, engineA.Init(ctx))

	b := joinNode(t, backend, "nodeB", policy.Cluster)
	b.config = configFor()
	reposB, err := resources.OpenRepositoryList("")
	require.NoError(t, err)
	engineB := newEngine(t, backend, b, reposB, nil)
	require.NoError(t, engineB.Init(ctx))

	ok, err := reposB.Has(ctx, resources.Resource{ID: "http://repo/r1"})
	require.NoError(t, err)
	assert.True(t, ok, "expected node B to pull the bootstrap state")
}

type failingStore struct{}

func (failingStore) Configuration(ctx context.Context, pid string) (map[string]string, error) {
	return nil, errors.New("configuration store is down")
}

func (failingStore) Update(ctx context.Context, pid string, props map[string]string) error {
	return errors.New("configuration store is down")
}

func TestSync_ConfigStoreOutageIsDisabled(t *testing.T) {
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Node)

	e, err := New(newFakeSystem("http://local"), Deps{
		Manager: n.registry,
		Groups:  n.registry,
		Backend: backend,
		Config:  failingStore{},
	})
	require.NoError(t, err)

	assert.Equal(t, policy.Disabled, e.SyncPolicy(context.Background(), testGroup))
	require.NoError(t, e.Sync(context.Background(), testGroup))
	assert.Empty(t, clusterMembers(t, backend))
}

func TestEngine_Lifecycle(t *testing.T) {
	ctx := context.Background()
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Node)
	e := newEngine(t, backend, n, newFakeSystem("http://local"), nil)

	require.NoError(t, e.Init(ctx))
	assert.ErrorIs(t, e.Init(ctx), ErrInvalidState)
	assert.Equal(t, []string{"http://local"}, clusterMembers(t, backend), "expected init to sync local groups")

	e.Destroy()
	e.Destroy()
	assert.ErrorIs(t, e.Sync(ctx, testGroup), ErrDestroyed)
	assert.ErrorIs(t, e.Push(ctx, testGroup), ErrDestroyed)
	assert.ErrorIs(t, e.Pull(ctx, testGroup), ErrDestroyed)
	assert.ErrorIs(t, e.Init(ctx), ErrInvalidState)
}

func TestEngine_InvalidGroup(t *testing.T) {
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Node)
	e := newEngine(t, backend, n, newFakeSystem(), nil)

	assert.ErrorIs(t, e.Sync(context.Background(), ""), cluster.ErrInvalidGroupName)
	assert.ErrorIs(t, e.Push(context.Background(), "a.b"), cluster.ErrInvalidGroupName)
}

type recordingNotifier struct {
	groups []string
}

func (r *recordingNotifier) Notify(ctx context.Context, group string) {
	r.groups = append(r.groups, group)
}

func TestPush_Notifies(t *testing.T) {
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Node)

	notifier := &recordingNotifier{}
	e := newEngine(t, backend, n, newFakeSystem("http://local"), nil, WithNotifier(notifier))
	require.NoError(t, e.Push(context.Background(), testGroup))

	empty := newEngine(t, backend, n, newFakeSystem(), nil, WithNotifier(notifier))
	require.NoError(t, empty.Push(context.Background(), testGroup))

	assert.Equal(t, []string{testGroup}, notifier.groups)
}

func TestSync_ConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Node)
	e := newEngine(t, backend, n, newFakeSystem("http://a", "http://b"), nil)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.Sync(ctx, testGroup))
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"http://a", "http://b"}, clusterMembers(t, backend))
}

func TestPush_UnchangedDoesNotNotify(t *testing.T) {
	ctx := context.Background()
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Node)
	joinNode(t, backend, "nodeB", policy.Node)

	notifier := &recordingNotifier{}
	system := newFakeSystem("http://local")
	e := newEngine(t, backend, n, system, nil, WithNotifier(notifier))

	for range 3 {
		require.NoError(t, e.Sync(ctx, testGroup))
	}
	assert.Equal(t, []string{"http://local"}, clusterMembers(t, backend))
	assert.Equal(t, []string{testGroup}, notifier.groups, "expected only the first push to notify")

	system.mu.Lock()
	system.items["http://other"] = ""
	system.mu.Unlock()
	require.NoError(t, e.Sync(ctx, testGroup))
	assert.Equal(t, []string{testGroup, testGroup}, notifier.groups)
}

func TestPush_MapKindUnchangedValueDoesNotNotify(t *testing.T) {
	ctx := context.Background()
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Node)

	notifier := &recordingNotifier{}
	system := newFakeSystem()
	system.kind = resources.MapKind
	system.items["log.level"] = "debug"
	e := newEngine(t, backend, n, system, nil, WithNotifier(notifier))

	require.NoError(t, e.Push(ctx, testGroup))
	require.NoError(t, e.Push(ctx, testGroup))
	assert.Len(t, notifier.groups, 1)

	system.mu.Lock()
	system.items["log.level"] = "info"
	system.mu.Unlock()
	require.NoError(t, e.Push(ctx, testGroup))
	assert.Len(t, notifier.groups, 2)
}

type flakyGroups struct {
	cluster.GroupManager
	failures int
}

func (f *flakyGroups) ListLocalGroups(ctx context.Context) ([]cluster.Group, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("backend unavailable")
	}
	return f.GroupManager.ListLocalGroups(ctx)
}

func TestEngine_InitRetriesAfterListFailure(t *testing.T) {
	ctx := context.Background()
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Node)

	e, err := New(newFakeSystem("http://local"), Deps{
		Manager: n.registry,
		Groups:  &flakyGroups{GroupManager: n.registry, failures: 1},
		Backend: backend,
		Config:  n.config,
	})
	require.NoError(t, err)

	assert.Error(t, e.Init(ctx))
	require.NoError(t, e.Init(ctx))
	assert.Equal(t, []string{"http://local"}, clusterMembers(t, backend))
	assert.ErrorIs(t, e.Init(ctx), ErrInvalidState)
}

type namedSystem struct {
	*fakeSystem
	category string
}

func (s namedSystem) Category() string { return s.category }

func TestNew_RejectsReservedCategory(t *testing.T) {
	backend := collection.NewMemoryBackend()
	n := joinNode(t, backend, "nodeA", policy.Node)
	deps := Deps{Manager: n.registry, Groups: n.registry, Backend: backend, Config: n.config}

	for _, category := range []string{"cellar", "cellar.members"} {
		_, err := New(namedSystem{fakeSystem: newFakeSystem(), category: category}, deps)
		assert.ErrorIs(t, err, ErrReserved, category)
	}

	_, err := New(namedSystem{fakeSystem: newFakeSystem(), category: "cellarsync.urls"}, deps)
	assert.NoError(t, err)
}
