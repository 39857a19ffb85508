package indexer

import (
	"context"
	"testing"

	"github.com/INLOpen/dirindex/attr"
	"github.com/INLOpen/dirindex/core"
	"github.com/INLOpen/dirindex/entryid"
	"github.com/INLOpen/dirindex/filter"
	"github.com/INLOpen/dirindex/index"
	"github.com/INLOpen/dirindex/internal/testutil"
	"github.com/INLOpen/dirindex/query"
	"github.com/INLOpen/dirindex/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deltaCounter counts ApplyDelta calls per key.
type deltaCounter struct {
	index.Index
	calls map[string]int
}

func (d *deltaCounter) ApplyDelta(ctx context.Context, key []byte, add, del []entryid.ID) error {
	d.calls[string(key)]++
	return d.Index.ApplyDelta(ctx, key, add, del)
}

func newAttributeIndexer(t *testing.T, s *store.Store, attribute string, enc attr.KeyEncoder, kinds ...index.Kind) *AttributeIndexer {
	t.Helper()
	a := &AttributeIndexer{Attribute: attribute, Encoder: enc, Indexes: map[index.Kind]index.Index{}, SubstringLength: 3}
	for _, k := range kinds {
		name := IndexName(attribute, k)
		idx, err := index.New(s.MustTable(name), index.Options{Name: name})
		require.NoError(t, err)
		a.Indexes[k] = idx
	}
	return a
}

func keyStrings(keys [][]byte) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}

func TestAttributeIndexer_Keys(t *testing.T) {
	s := testutil.NewMemStore(t)
	a := newAttributeIndexer(t, s, "cn", attr.CaseIgnore{}, index.AllKinds()...)
	e := core.NewEntry(1).AddString("cn", "Abcd", "ABCD", "xy")

	keys, err := a.Keys(index.Equality, e)
	require.NoError(t, err)
	assert.Equal(t, []string{"abcd", "xy"}, keyStrings(keys))

	keys, err = a.Keys(index.Presence, e)
	require.NoError(t, err)
	assert.Equal(t, []string{"+"}, keyStrings(keys))

	keys, err = a.Keys(index.Substring, e)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc", "bcd", "cd", "d", "xy", "y"}, keyStrings(keys))

	keys, err = a.Keys(index.Approximate, e)
	require.NoError(t, err)
	assert.Equal(t, []string{"A123", "X000"}, keyStrings(keys))

	keys, err = a.Keys(index.Equality, core.NewEntry(2).AddString("sn", "x"))
	require.NoError(t, err)
	assert.Empty(t, keys)

	ints := newAttributeIndexer(t, s, "age", attr.Integer{}, index.Ordering)
	_, err = ints.Keys(index.Ordering, core.NewEntry(3).AddString("age", "old"))
	assert.ErrorIs(t, err, attr.ErrInvalidValue)

	octets := newAttributeIndexer(t, s, "uid", attr.Octet{}, index.Approximate)
	keys, err = octets.Keys(index.Approximate, core.NewEntry(4).AddString("uid", "x"))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestDiffKeys(t *testing.T) {
	b := func(ss ...string) [][]byte {
		out := make([][]byte, len(ss))
		for i, s := range ss {
			out[i] = []byte(s)
		}
		return out
	}
	added, removed := DiffKeys(b("a", "c", "d"), b("b", "c", "e"))
	assert.Equal(t, []string{"b", "e"}, keyStrings(added))
	assert.Equal(t, []string{"a", "d"}, keyStrings(removed))

	added, removed = DiffKeys(nil, b("x"))
	assert.Equal(t, []string{"x"}, keyStrings(added))
	assert.Empty(t, removed)
}

func TestSet_LiveOperations(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewMemStore(t)
	set := NewSet(nil, testutil.DiscardLogger())
	require.NoError(t, set.Add(newAttributeIndexer(t, s, "cn", attr.CaseIgnore{}, index.Equality, index.Presence, index.Substring)))
	require.NoError(t, set.Add(newAttributeIndexer(t, s, "sn", attr.CaseIgnore{}, index.Equality)))
	assert.ErrorIs(t, set.Add(&AttributeIndexer{Attribute: "sn"}), ErrDuplicateAttribute)

	planner := query.NewPlanner(set, query.PlannerOptions{CandidateThreshold: 1})
	search := func(s string) []entryid.ID {
		f, err := filter.Parse(s)
		require.NoError(t, err)
		res, err := planner.Evaluate(ctx, f)
		require.NoError(t, err)
		require.True(t, res.IsDefined())
		return res.IDs()
	}

	require.NoError(t, set.AddEntry(ctx, testutil.Person(1, "Babs Jensen", "Jensen")))
	require.NoError(t, set.AddEntry(ctx, testutil.Person(2, "Robert Smith", "Smith")))
	assert.Equal(t, []entryid.ID{1}, search("(sn=jensen)"))
	assert.ElementsMatch(t, []entryid.ID{1, 2}, search("(cn=*)"))
	assert.Equal(t, []entryid.ID{2}, search("(cn=*mith)"))

	old := testutil.Person(2, "Robert Smith", "Smith")
	updated := testutil.Person(2, "Robert Smith", "Jensen")
	require.NoError(t, set.ModifyEntry(ctx, old, updated))
	assert.ElementsMatch(t, []entryid.ID{1, 2}, search("(sn=jensen)"))
	assert.Empty(t, search("(sn=smith)"))

	require.NoError(t, set.DeleteEntry(ctx, testutil.Person(1, "Babs Jensen", "Jensen")))
	assert.Equal(t, []entryid.ID{2}, search("(sn=jensen)"))
	assert.Equal(t, []entryid.ID{2}, search("(cn=*)"))

	err := set.ModifyEntry(ctx, old, testutil.Person(3, "x", "y"))
	assert.ErrorIs(t, err, ErrEntryIDMismatch)

	assert.ElementsMatch(t, []string{"cn.equality", "cn.presence", "cn.substring", "sn.equality"}, set.Names())
}

func TestSet_ModifyTouchesOnlyChangedKeys(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewMemStore(t)
	a := newAttributeIndexer(t, s, "mail", attr.CaseIgnore{}, index.Equality)
	counter := &deltaCounter{Index: a.Indexes[index.Equality], calls: map[string]int{}}
	a.Indexes[index.Equality] = counter

	set := NewSet(nil, nil)
	require.NoError(t, set.Add(a))

	old := core.NewEntry(9).AddString("mail", "a@x", "b@x")
	updated := core.NewEntry(9).AddString("mail", "b@x", "c@x")
	require.NoError(t, set.AddEntry(ctx, old))
	require.NoError(t, set.ModifyEntry(ctx, old, updated))

	assert.Equal(t, map[string]int{"a@x": 2, "b@x": 1, "c@x": 1}, counter.calls)
}

func TestSet_LookupHidesUntrustedAndDisabled(t *testing.T) {
	s := testutil.NewMemStore(t)
	states, err := index.LoadStates(s.MustTable(index.StateTable))
	require.NoError(t, err)

	a := newAttributeIndexer(t, s, "cn", attr.CaseIgnore{}, index.Equality)
	a.Indexes[index.Substring] = index.NewNull(IndexName("cn", index.Substring))
	set := NewSet(states, nil)
	require.NoError(t, set.Add(a))

	_, _, ok := set.Lookup("cn", index.Equality)
	assert.True(t, ok)
	_, _, ok = set.Lookup("cn", index.Substring)
	assert.False(t, ok)
	_, _, ok = set.Lookup("sn", index.Equality)
	assert.False(t, ok)

	require.NoError(t, states.SetTrusted("cn.equality", false))
	_, _, ok = set.Lookup("cn", index.Equality)
	assert.False(t, ok)

	assert.Equal(t, 3, set.SubstringLength("cn"))
	assert.Equal(t, index.DefaultSubstringLength, set.SubstringLength("sn"))
	assert.Equal(t, []string{"cn.equality"}, set.Names())
}
