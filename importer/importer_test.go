package importer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/INLOpen/dirindex/attr"
	"github.com/INLOpen/dirindex/core"
	"github.com/INLOpen/dirindex/entryid"
	"github.com/INLOpen/dirindex/index"
	"github.com/INLOpen/dirindex/indexer"
	"github.com/INLOpen/dirindex/internal/testutil"
	"github.com/INLOpen/dirindex/store"
	"github.com/INLOpen/dirindex/vlv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEnv is one backend: cn (equality, presence, substring), sn (equality
// with an entry limit) and a VLV index ordered by sn then cn.
type testEnv struct {
	store  *store.Store
	states *index.States
	set    *indexer.Set
	vlv    *vlv.SortedPagedIndex
}

func newTestEnv(t *testing.T, snLimit int) *testEnv {
	t.Helper()
	s := testutil.NewMemStore(t)
	states, err := index.LoadStates(s.MustTable(index.StateTable))
	require.NoError(t, err)
	set := indexer.NewSet(states, testutil.DiscardLogger())

	add := func(attribute string, limit int, kinds ...index.Kind) {
		a := &indexer.AttributeIndexer{
			Attribute:       attribute,
			Encoder:         attr.CaseIgnore{},
			Indexes:         map[index.Kind]index.Index{},
			SubstringLength: 3,
		}
		for _, k := range kinds {
			name := indexer.IndexName(attribute, k)
			idx, err := index.New(s.MustTable(name), index.Options{Name: name, EntryLimit: limit})
			require.NoError(t, err)
			a.Indexes[k] = idx
		}
		require.NoError(t, set.Add(a))
	}
	add("cn", 0, index.Equality, index.Presence, index.Substring)
	add("sn", snLimit, index.Equality)

	order, err := vlv.ParseSortOrder("sn cn")
	require.NoError(t, err)
	x, err := vlv.New(s.MustTable("vlv.bysn"), vlv.Options{
		Name:         "bysn",
		Order:        order,
		PageCapacity: 8,
		States:       states,
		Match:        func(e *core.Entry) bool { return e.Has("sn") },
		Logger:       testutil.DiscardLogger(),
	})
	require.NoError(t, err)
	return &testEnv{store: s, states: states, set: set, vlv: x}
}

func (e *testEnv) targets(t *testing.T, names ...string) Targets {
	t.Helper()
	targets, err := NewTargets(e.set, []*vlv.SortedPagedIndex{e.vlv}, e.states, names...)
	require.NoError(t, err)
	return targets
}

func (e *testEnv) addLive(t *testing.T, entries ...*core.Entry) {
	t.Helper()
	ctx := context.Background()
	for _, en := range entries {
		require.NoError(t, e.set.AddEntry(ctx, en))
		require.NoError(t, e.vlv.AddEntry(ctx, en))
	}
}

// dump returns every index's records and the VLV order.
func (e *testEnv) dump(t *testing.T) map[string]any {
	t.Helper()
	ctx := context.Background()
	out := make(map[string]any)
	for _, a := range e.set.Indexers() {
		for _, k := range a.Kinds() {
			records := make(map[string]string)
			err := a.Indexes[k].(*index.KeyIndex).Each(ctx, func(key []byte, s entryid.Set) error {
				records[string(key)] = s.String()
				return nil
			})
			require.NoError(t, err)
			out[indexer.IndexName(a.Attribute, k)] = records
		}
	}
	ids, _, err := e.vlv.Read(ctx, 0, 1<<20)
	require.NoError(t, err)
	out["vlv"] = ids
	return out
}

var (
	givenNames = []string{"Babs", "Barbara", "Robert", "Rupert", "Alice", "Carol", "Dave"}
	surnames   = []string{"Jensen", "Smith", "Smyth", "Abcde", "Nguyen", "Olsen"}
)

func randomPeople(rng *rand.Rand, first, n int) []*core.Entry {
	out := make([]*core.Entry, n)
	for i := range out {
		given, sn := givenNames[rng.Intn(len(givenNames))], surnames[rng.Intn(len(surnames))]
		e := core.NewEntry(uint64(first+i)).AddString("cn", given+" "+sn).AddString("objectclass", "person")
		if rng.Intn(10) > 0 {
			e.AddString("sn", sn)
		}
		out[i] = e
	}
	return out
}

func quietOptions(dir string) Options {
	return Options{
		Workers:          4,
		BufferCapacity:   50,
		TempDir:          dir,
		Compression:      core.CompressionSnappy,
		PollInterval:     10 * time.Millisecond,
		ProgressInterval: -1,
		Logger:           testutil.DiscardLogger(),
	}
}

func TestImporter_MatchesLivePath(t *testing.T) {
	ctx := context.Background()
	people := randomPeople(rand.New(rand.NewSource(3)), 1, 400)

	live := newTestEnv(t, 40)
	live.addLive(t, people...)

	bulk := newTestEnv(t, 40)
	targets := bulk.targets(t)
	for _, name := range targets.Names() {
		require.NoError(t, bulk.states.SetTrusted(name, false))
	}
	dir := t.TempDir()
	imp := New(targets, quietOptions(dir))
	res, err := imp.ImportFrom(ctx, SliceSource(people))
	require.NoError(t, err)

	assert.Equal(t, int64(400), res.Entries)
	assert.Empty(t, res.Failed)
	assert.Len(t, res.Indexes, 4)
	assert.Contains(t, res.VLV, "bysn")
	assert.Positive(t, res.Indexes["sn.equality"].Unbounded, "popular surnames exceed the limit")
	assert.Equal(t, live.dump(t), bulk.dump(t))
	assert.Empty(t, bulk.states.Untrusted())
	assert.True(t, bulk.vlv.Trusted())

	rep, err := bulk.vlv.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, rep.OK(), rep.Problems)
	testutil.RequireNoFiles(t, dir)
}

func TestImporter_ReplacesExistingContents(t *testing.T) {
	ctx := context.Background()
	stale := randomPeople(rand.New(rand.NewSource(5)), 1000, 80)
	fresh := randomPeople(rand.New(rand.NewSource(6)), 1, 120)

	want := newTestEnv(t, 20)
	want.addLive(t, fresh...)

	bulk := newTestEnv(t, 20)
	bulk.addLive(t, stale...)
	res, err := New(bulk.targets(t), quietOptions(t.TempDir())).ImportFrom(ctx, SliceSource(fresh))
	require.NoError(t, err)
	assert.Equal(t, int64(120), res.Entries)
	assert.Equal(t, want.dump(t), bulk.dump(t))
	assert.Empty(t, bulk.states.Untrusted())
	assert.True(t, bulk.vlv.Trusted())

	rep, err := bulk.vlv.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, rep.OK(), rep.Problems)
}

func TestImporter_AppendReplaceMatchesModify(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(8))
	old := randomPeople(rng, 1, 60)
	updated := randomPeople(rng, 1, 60)
	extra := randomPeople(rng, 61, 20)

	live := newTestEnv(t, 0)
	live.addLive(t, old...)
	for i := range old {
		if i%2 == 0 {
			require.NoError(t, live.set.ModifyEntry(ctx, old[i], updated[i]))
			require.NoError(t, live.vlv.ModifyEntry(ctx, old[i], updated[i]))
		}
	}
	live.addLive(t, extra...)

	bulk := newTestEnv(t, 0)
	bulk.addLive(t, old...)
	var items []Item
	for i := range old {
		if i%2 == 0 {
			items = append(items, Item{Entry: updated[i], Old: old[i]})
		}
	}
	for _, e := range extra {
		items = append(items, Item{Entry: e})
	}

	opts := quietOptions(t.TempDir())
	opts.Append, opts.Replace = true, true
	require.NoError(t, bulk.states.SetTrusted("cn.equality", false))
	res, err := New(bulk.targets(t), opts).ImportFrom(ctx, itemSource(items))
	require.NoError(t, err)
	assert.Equal(t, int64(len(items)), res.Entries)
	assert.Equal(t, live.dump(t), bulk.dump(t))
	assert.False(t, bulk.states.IsTrusted("cn.equality"), "append leaves trust alone")
}

type itemSource []Item

func (s itemSource) Each(ctx context.Context, fn func(Item) error) error {
	for _, it := range s {
		if err := fn(it); err != nil {
			return err
		}
	}
	return nil
}

func TestImporter_FailedIndexIsIsolated(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0)
	targets := env.targets(t, "cn.equality", "sn.equality")
	boom := errors.New("disk on fire")
	targets.Indexes[0].Index = failingWrites{Index: targets.Indexes[0].Index, err: boom}
	require.NoError(t, env.states.SetTrusted("cn.equality", false))
	require.NoError(t, env.states.SetTrusted("sn.equality", false))

	dir := t.TempDir()
	res, err := New(targets, quietOptions(dir)).ImportFrom(ctx, SliceSource(randomPeople(rand.New(rand.NewSource(1)), 1, 50)))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, res.Failed, "cn.equality")
	assert.Contains(t, res.Indexes, "sn.equality")
	assert.False(t, env.states.IsTrusted("cn.equality"))
	assert.True(t, env.states.IsTrusted("sn.equality"))
	testutil.RequireNoFiles(t, dir)
}

func TestImporter_Stop(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0)
	dir := t.TempDir()
	imp := New(env.targets(t), quietOptions(dir))
	for _, e := range randomPeople(rand.New(rand.NewSource(2)), 1, 10) {
		require.NoError(t, imp.Submit(ctx, Item{Entry: e}))
	}
	imp.Stop()

	_, err := imp.Run(ctx)
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, imp.Submit(ctx, Item{Entry: core.NewEntry(99)}), ErrStopped)
	testutil.RequireNoFiles(t, dir)

	_, err = imp.Run(ctx)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestImporter_SubmitAfterClose(t *testing.T) {
	env := newTestEnv(t, 0)
	imp := New(env.targets(t), quietOptions(t.TempDir()))
	imp.Close()
	imp.Close()
	assert.ErrorIs(t, imp.Submit(context.Background(), Item{Entry: core.NewEntry(1)}), ErrClosed)
	assert.Error(t, imp.Submit(context.Background(), Item{}))

	res, err := imp.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Entries)
}

func TestImporter_SourceError(t *testing.T) {
	env := newTestEnv(t, 0)
	dir := t.TempDir()
	src := JSONLines(strings.NewReader("{\"id\":1,\"attributes\":{\"cn\":[\"a\"]}}\nnot json\n"))
	_, err := New(env.targets(t), quietOptions(dir)).ImportFrom(context.Background(), src)
	require.Error(t, err)
	assert.True(t, core.IsDecodeError(err))
	testutil.RequireNoFiles(t, dir)
}

func TestImporter_BufferSizing(t *testing.T) {
	env := newTestEnv(t, 0)
	opts := quietOptions(t.TempDir())
	opts.BufferCapacity = 0
	imp := New(env.targets(t), opts)
	assert.GreaterOrEqual(t, imp.BufferCapacity(), minBufferCapacity)
	assert.LessOrEqual(t, imp.BufferCapacity(), maxBufferCapacity)
}

func TestNewTargets(t *testing.T) {
	env := newTestEnv(t, 0)
	all := env.targets(t)
	assert.Equal(t, []string{"cn.equality", "cn.presence", "cn.substring", "sn.equality", "bysn"}, all.Names())

	some := env.targets(t, "bysn", "sn.equality")
	assert.Equal(t, []string{"sn.equality", "bysn"}, some.Names())

	_, err := NewTargets(env.set, nil, env.states, "cn.ordering")
	assert.ErrorIs(t, err, ErrUnknownIndex)
}

func TestJSONLines(t *testing.T) {
	input := `{"id": 1, "attributes": {"CN": ["Babs Jensen"], "sn": ["Jensen"]}}

{"id": 2, "attributes": {"cn": ["Bob"]}, "old": {"id": 2, "attributes": {"cn": ["Robert"]}}}
`
	var items []Item
	err := JSONLines(strings.NewReader(input)).Each(context.Background(), func(it Item) error {
		items = append(items, it)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, [][]byte{[]byte("Babs Jensen")}, items[0].Entry.Values("cn"))
	assert.Nil(t, items[0].Old)
	assert.Equal(t, uint64(2), items[1].Old.ID)
	assert.Equal(t, [][]byte{[]byte("Robert")}, items[1].Old.Values("cn"))

	j := NewEntryJSON(items[0].Entry)
	assert.Equal(t, []string{"Jensen"}, j.Attributes["sn"])
	assert.Equal(t, items[0].Entry, j.Entry())
}

func TestSpillName(t *testing.T) {
	assert.Equal(t, "w003-cn.equality-idx-000012.spill", spillName(3, "cn.equality", "idx", 12))
	assert.Equal(t, "w000-a_b_c-add-000001.spill", spillName(0, "a/b c", "add", 1))
	assert.NotContains(t, fmt.Sprint(spillName(1, "../x", "del", 1)), "/")
}
