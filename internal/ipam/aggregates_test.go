package ipam

import (
	"context"
	"testing"

	"ipamd/internal/cidr"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAggregateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateAggregate(ctx, AggregateInput{NamespaceID: f.ns, CIDR: "10.0.0.0", RIRID: f.rir})
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))

	_, err = f.svc.CreateAggregate(ctx, AggregateInput{NamespaceID: f.ns, CIDR: "10.0.0.0/8", RIRID: 999})
	assert.ErrorIs(t, err, ErrNotFound)

	a, err := f.svc.CreateAggregate(ctx, AggregateInput{NamespaceID: f.ns, CIDR: "10.9.9.9/8", RIRID: f.rir})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/8", a.CIDR, "host bits are masked")

	_, err = f.svc.CreateAggregate(ctx, AggregateInput{NamespaceID: f.ns, CIDR: "10.0.0.0/8", RIRID: f.rir})
	var oe *OverlapError
	assert.True(t, errors.As(err, &oe), "an equal aggregate overlaps")

	_, err = f.svc.CreateAggregate(ctx, AggregateInput{NamespaceID: f.ns, CIDR: "0.0.0.0/0", RIRID: f.rir})
	assert.True(t, errors.As(err, &oe), "a covering aggregate overlaps")

	v6, err := f.svc.CreateAggregate(ctx, AggregateInput{NamespaceID: f.ns, CIDR: "::/0", RIRID: f.rir})
	require.NoError(t, err, "families never overlap")
	assert.Equal(t, int(cidr.IPv6), v6.IPVersion)

	other := f.namespace(t, "lab")
	_, err = f.svc.CreateAggregate(ctx, AggregateInput{NamespaceID: other, CIDR: "10.0.0.0/8", RIRID: f.rir})
	assert.NoError(t, err)
}

func TestCreateAggregateAdoptsExistingPrefixes(t *testing.T) {
	f := newFixture(t)
	outer := f.prefix(t, f.ns, "10.0.0.0/7")
	p16 := f.prefix(t, f.ns, "10.1.0.0/16")
	p24 := f.prefix(t, f.ns, "10.1.1.0/24")
	require.Equal(t, outer.ID, *p16.ParentID)

	agg := f.aggregate(t, f.ns, "10.0.0.0/8")
	p16 = f.reload(t, p16)
	assert.Nil(t, p16.ParentID)
	assert.Equal(t, agg.ID, *p16.ParentAggregateID)
	assert.Equal(t, p16.ID, *f.reload(t, p24).ParentID)
	assert.Nil(t, f.reload(t, outer).ParentAggregateID)

	prefixes, err := f.svc.AggregatePrefixes(context.Background(), agg.ID)
	require.NoError(t, err)
	require.Len(t, prefixes, 1)
	assert.Equal(t, "10.1.0.0/16", prefixes[0].CIDR)
	f.requireConsistent(t, f.ns)
}

func TestDeleteAggregatePromotesToEnclosingPrefixOrRoot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agg := f.aggregate(t, f.ns, "10.0.0.0/8")
	p16 := f.prefix(t, f.ns, "10.1.0.0/16")
	require.NoError(t, f.svc.DeleteAggregate(ctx, agg.ID))
	p16 = f.reload(t, p16)
	assert.Nil(t, p16.ParentID)
	assert.Nil(t, p16.ParentAggregateID)

	agg = f.aggregate(t, f.ns, "10.0.0.0/8")
	outer := f.prefix(t, f.ns, "10.0.0.0/7")
	assert.Equal(t, agg.ID, *f.reload(t, p16).ParentAggregateID)
	require.NoError(t, f.svc.DeleteAggregate(ctx, agg.ID))
	assert.Equal(t, outer.ID, *f.reload(t, p16).ParentID)
	f.requireConsistent(t, f.ns)

	_, err := f.svc.GetAggregate(ctx, agg.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateAggregateReresolves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agg := f.aggregate(t, f.ns, "10.0.0.0/16")
	inside := f.prefix(t, f.ns, "10.0.1.0/24")
	outside := f.prefix(t, f.ns, "10.1.0.0/16")
	assert.Nil(t, outside.ParentAggregateID)

	grow := "10.0.0.0/8"
	agg, err := f.svc.UpdateAggregate(ctx, agg.ID, AggregateUpdate{CIDR: &grow})
	require.NoError(t, err)
	assert.Equal(t, 8, agg.PrefixLength)
	assert.Equal(t, agg.ID, *f.reload(t, inside).ParentAggregateID)
	assert.Equal(t, agg.ID, *f.reload(t, outside).ParentAggregateID)
	f.requireConsistent(t, f.ns)

	shrink := "10.0.0.0/16"
	_, err = f.svc.UpdateAggregate(ctx, agg.ID, AggregateUpdate{CIDR: &shrink})
	require.NoError(t, err)
	assert.Equal(t, agg.ID, *f.reload(t, inside).ParentAggregateID)
	assert.Nil(t, f.reload(t, outside).ParentAggregateID)
	f.requireConsistent(t, f.ns)

	tenant := "acme"
	agg, err = f.svc.UpdateAggregate(ctx, agg.ID, AggregateUpdate{Tenant: &tenant})
	require.NoError(t, err)
	assert.Equal(t, "acme", agg.Tenant)
	assert.Equal(t, "10.0.0.0/16", agg.CIDR)
}

func TestUpdateAggregateOverlapLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.aggregate(t, f.ns, "10.0.0.0/8")
	b := f.aggregate(t, f.ns, "192.168.0.0/16")
	p := f.prefix(t, f.ns, "192.168.1.0/24")

	wide := "10.0.0.0/7"
	_, err := f.svc.UpdateAggregate(ctx, b.ID, AggregateUpdate{CIDR: &wide})
	var oe *OverlapError
	require.True(t, errors.As(err, &oe))

	got, err := f.svc.GetAggregate(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.0/16", got.CIDR)
	assert.Equal(t, b.ID, *f.reload(t, p).ParentAggregateID)
}

func TestRIRLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateRIR(ctx, "RFC1918", true, "")
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve), "names are unique")

	arin, err := f.svc.EnsureRIR(ctx, "ARIN")
	require.NoError(t, err)
	again, err := f.svc.EnsureRIR(ctx, "ARIN")
	require.NoError(t, err)
	assert.Equal(t, arin.ID, again.ID)
	assert.False(t, arin.IsPrivate)

	agg, err := f.svc.CreateAggregate(ctx, AggregateInput{NamespaceID: f.ns, CIDR: "198.51.100.0/24", RIRID: arin.ID})
	require.NoError(t, err)

	err = f.svc.DeleteRIR(ctx, arin.ID)
	var de *DependentObjectsError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, int64(1), de.Dependents["aggregates"])

	require.NoError(t, f.svc.DeleteAggregate(ctx, agg.ID))
	require.NoError(t, f.svc.DeleteRIR(ctx, arin.ID))

	rirs, err := f.svc.ListRIRs(ctx)
	require.NoError(t, err)
	require.Len(t, rirs, 1)
	assert.Equal(t, "RFC1918", rirs[0].Name)
}

func TestNamespaceLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateNamespace(ctx, DefaultNamespace, "")
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
	_, err = f.svc.CreateNamespace(ctx, "  ", "")
	assert.True(t, errors.As(err, &ve))

	lab := f.namespace(t, "lab")
	p := f.prefix(t, lab, "10.0.0.0/8")
	err = f.svc.DeleteNamespace(ctx, lab)
	var de *DependentObjectsError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, int64(1), de.Dependents["prefixes"])

	require.NoError(t, f.svc.DeletePrefix(ctx, p.ID))
	require.NoError(t, f.svc.DeleteNamespace(ctx, lab))
	_, err = f.svc.GetNamespace(ctx, lab)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := f.svc.ListNamespaces(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, DefaultNamespace, list[0].Name)
}

func TestListAggregatesFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.aggregate(t, f.ns, "10.0.0.0/8")
	f.aggregate(t, f.ns, "172.16.0.0/12")
	f.aggregate(t, f.ns, "fd00::/8")

	v4, err := f.svc.ListAggregates(ctx, AggregateFilter{Family: cidr.IPv4})
	require.NoError(t, err)
	assert.Len(t, v4, 2)

	within, err := f.svc.ListAggregates(ctx, AggregateFilter{Within: "172.0.0.0/8"})
	require.NoError(t, err)
	require.Len(t, within, 1)
	assert.Equal(t, "172.16.0.0/12", within[0].CIDR)

	_, err = f.svc.ListAggregates(ctx, AggregateFilter{Family: cidr.IPv6, Within: "172.0.0.0/8"})
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve), "family and range disagree")

	page, err := f.svc.ListAggregates(ctx, AggregateFilter{Page: Page{Limit: 1, Offset: 1}})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	got, err := f.svc.AggregateByKey(ctx, DefaultNamespace, "10.0.0.0/8")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/8", got.CIDR)
	_, err = f.svc.AggregateByKey(ctx, DefaultNamespace, "11.0.0.0/8")
	assert.ErrorIs(t, err, ErrNotFound)
}
