package ipam

import (
	"context"
	"fmt"
	"testing"

	"ipamd/internal/cidr"
	"ipamd/internal/db"
	"ipamd/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	svc *Service
	ns  uint
	rir uint
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	d, err := db.Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(d))
	t.Cleanup(func() {
		if sqlDB, err := d.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	svc := NewService(d, opts...)
	ctx := context.Background()
	ns, err := svc.EnsureNamespace(ctx, DefaultNamespace)
	require.NoError(t, err)
	rir, err := svc.CreateRIR(ctx, "RFC1918", true, "private space")
	require.NoError(t, err)
	return &fixture{svc: svc, ns: ns.ID, rir: rir.ID}
}

func (f *fixture) namespace(t *testing.T, name string) uint {
	t.Helper()
	ns, err := f.svc.EnsureNamespace(context.Background(), name)
	require.NoError(t, err)
	return ns.ID
}

func (f *fixture) aggregate(t *testing.T, ns uint, c string) *models.Aggregate {
	t.Helper()
	a, err := f.svc.CreateAggregate(context.Background(), AggregateInput{NamespaceID: ns, CIDR: c, RIRID: f.rir})
	require.NoError(t, err)
	return a
}

func (f *fixture) prefix(t *testing.T, ns uint, c string) *models.Prefix {
	t.Helper()
	p, err := f.svc.CreatePrefix(context.Background(), PrefixInput{NamespaceID: ns, CIDR: c})
	require.NoError(t, err)
	return p
}

func (f *fixture) address(t *testing.T, ns uint, a string) *models.IPAddress {
	t.Helper()
	ip, err := f.svc.AssignAddress(context.Background(), ns, a)
	require.NoError(t, err)
	return ip
}

func (f *fixture) reload(t *testing.T, p *models.Prefix) *models.Prefix {
	t.Helper()
	got, err := f.svc.GetPrefix(context.Background(), p.ID)
	require.NoError(t, err)
	return got
}

func (f *fixture) reloadAddress(t *testing.T, ip *models.IPAddress) *models.IPAddress {
	t.Helper()
	got, err := f.svc.GetAddress(context.Background(), ip.ID)
	require.NoError(t, err)
	return got
}

// requireConsistent fails when Verify finds any stored pointer that differs
// from the derived hierarchy.
func (f *fixture) requireConsistent(t *testing.T, ns uint) {
	t.Helper()
	problems, err := f.svc.Verify(context.Background(), ns)
	require.NoError(t, err)
	require.Empty(t, problems)
}

// edges renders the parent relation of a namespace by CIDR, so hierarchies
// built in different namespaces or orders can be compared.
func (f *fixture) edges(t *testing.T, ns uint) map[string]string {
	t.Helper()
	snap, err := loadSnapshot(f.svc.DB(), ns)
	require.NoError(t, err)
	pfx := map[uint]string{}
	for _, p := range snap.prefixes {
		pfx[p.ID] = p.CIDR
	}
	agg := map[uint]string{}
	for _, a := range snap.aggregates {
		agg[a.ID] = a.CIDR
	}
	out := map[string]string{}
	for _, p := range snap.prefixes {
		switch {
		case p.ParentID != nil:
			out["prefix "+p.CIDR] = "prefix " + pfx[*p.ParentID]
		case p.ParentAggregateID != nil:
			out["prefix "+p.CIDR] = "aggregate " + agg[*p.ParentAggregateID]
		default:
			out["prefix "+p.CIDR] = ""
		}
	}
	for _, ip := range snap.addresses {
		if ip.ParentID != nil {
			out["ip "+ip.Address] = "prefix " + pfx[*ip.ParentID]
		} else {
			out["ip "+ip.Address] = ""
		}
	}
	return out
}

func TestSelectParentPrefersLongestThenPrefix(t *testing.T) {
	cands := []candidate{
		{kind: kindAggregate, id: 1, prefix: cidr.MustParsePrefix("10.0.0.0/8")},
		{kind: kindPrefix, id: 2, prefix: cidr.MustParsePrefix("10.1.0.0/16")},
		{kind: kindPrefix, id: 3, prefix: cidr.MustParsePrefix("10.0.0.0/8")},
	}
	best, w := selectParent(1, "prefix 10.1.1.0/24", cands)
	require.NotNil(t, best)
	assert.Nil(t, w)
	assert.Equal(t, uint(2), best.id)

	best, w = selectParent(1, "prefix 10.2.0.0/16", cands[:1:1])
	require.NotNil(t, best)
	assert.Nil(t, w)
	assert.Equal(t, kindAggregate, best.kind)

	best, w = selectParent(1, "prefix 10.2.0.0/16", []candidate{cands[0], cands[2]})
	require.NotNil(t, best)
	assert.Nil(t, w)
	assert.Equal(t, kindPrefix, best.kind, "equal-length prefix sits below the aggregate")

	best, w = selectParent(1, "x", nil)
	assert.Nil(t, best)
	assert.Nil(t, w)
}

func TestSelectParentTieIsDeterministicAndReported(t *testing.T) {
	cands := []candidate{
		{kind: kindPrefix, id: 9, prefix: cidr.MustParsePrefix("10.2.0.0/16")},
		{kind: kindPrefix, id: 4, prefix: cidr.MustParsePrefix("10.1.0.0/16")},
	}
	for i := 0; i < 2; i++ {
		best, w := selectParent(7, "ip-address 10.1.0.1", cands)
		require.NotNil(t, best)
		require.NotNil(t, w)
		assert.Equal(t, uint(4), best.id)
		assert.Equal(t, "10.1.0.0/16", w.Chosen)
		assert.Equal(t, []string{"10.1.0.0/16", "10.2.0.0/16"}, w.Candidates)
		assert.Equal(t, uint(7), w.NamespaceID)
		cands[0], cands[1] = cands[1], cands[0]
	}
}

func TestWarningHookReceivesWarnings(t *testing.T) {
	var got []ConsistencyWarning
	f := newFixture(t, WithWarningHook(func(w ConsistencyWarning) { got = append(got, w) }))
	f.svc.warn(ConsistencyWarning{NamespaceID: f.ns, Subject: "prefix 10.0.0.0/24", Chosen: "10.0.0.0/16"})
	require.Len(t, got, 1)
	assert.Equal(t, "prefix 10.0.0.0/24", got[0].Subject)
	assert.Contains(t, got[0].String(), "chose 10.0.0.0/16")
}

func TestNamespaceLocksAreOrderedAndDeduplicated(t *testing.T) {
	l := newNamespaceLocks()
	unlock := l.lock(3, 1, 3)
	done := make(chan struct{})
	go func() {
		u := l.lock(1, 3)
		u()
		close(done)
	}()
	unlock()
	<-done
}

func TestNamespaceRowsLockedInAscendingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := f.namespace(t, "blue")
	require.Greater(t, other, f.ns)
	outside := f.address(t, other, "198.51.100.1/24")
	inside := f.address(t, f.ns, "10.0.0.1/24")

	var (
		recording bool
		locked    []string
	)
	err := f.svc.DB().Callback().Query().After("gorm:query").Register("test:namespace_rows", func(db *gorm.DB) {
		if recording && db.Statement.Table == "namespaces" && len(db.Statement.Vars) > 0 {
			locked = append(locked, fmt.Sprint(db.Statement.Vars[0]))
		}
	})
	require.NoError(t, err)

	recording = true
	require.NoError(t, f.svc.SetNATInside(ctx, outside.ID, inside.ID))
	recording = false

	require.GreaterOrEqual(t, len(locked), 2)
	assert.Equal(t, []string{fmt.Sprint(f.ns), fmt.Sprint(other)}, locked[:2])
}

func TestWriteOnMissingNamespaceIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreatePrefix(context.Background(), PrefixInput{NamespaceID: 999, CIDR: "10.0.0.0/8"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}
