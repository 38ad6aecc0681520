package ipam

import (
	"context"
	"testing"

	"ipamd/internal/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePrefixNormalizes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.CreatePrefix(ctx, PrefixInput{NamespaceID: f.ns, CIDR: "10.1.2.3/16", Type: "Container", Status: "RESERVED"})
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.0/16", p.CIDR)
	assert.Equal(t, models.PrefixTypeContainer, p.Type)
	assert.Equal(t, models.StatusReserved, p.Status)
	assert.Equal(t, "0a010000", p.Network)
	assert.Equal(t, "0a01ffff", p.Broadcast)

	d, err := f.svc.CreatePrefix(ctx, PrefixInput{NamespaceID: f.ns, CIDR: "2001:db8::/32"})
	require.NoError(t, err)
	assert.Equal(t, models.PrefixTypeNetwork, d.Type)
	assert.Equal(t, models.StatusActive, d.Status)
	assert.Equal(t, 6, d.IPVersion)

	var ve *ValidationError
	for _, in := range []PrefixInput{
		{NamespaceID: f.ns, CIDR: "10.0.0.0/33"},
		{NamespaceID: f.ns, CIDR: "bogus"},
		{NamespaceID: f.ns, CIDR: "10.2.0.0/16", Type: "supernet"},
		{NamespaceID: f.ns, CIDR: "10.2.0.0/16", Status: "gone"},
	} {
		_, err := f.svc.CreatePrefix(ctx, in)
		assert.True(t, errors.As(err, &ve), "%+v: %v", in, err)
	}

	_, err = f.svc.CreatePrefix(ctx, PrefixInput{NamespaceID: f.ns, CIDR: "10.1.0.0/16"})
	var dup *DuplicateCIDRError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, p.ID, dup.ExistingID)
}

func TestIPv6HierarchyIsSeparate(t *testing.T) {
	f := newFixture(t)
	agg := f.aggregate(t, f.ns, "2001:db8::/32")
	f.aggregate(t, f.ns, "10.0.0.0/8")
	p48 := f.prefix(t, f.ns, "2001:db8:1::/48")
	p64 := f.prefix(t, f.ns, "2001:db8:1:2::/64")
	ip := f.address(t, f.ns, "2001:db8:1:2::10/64")

	assert.Equal(t, agg.ID, *p48.ParentAggregateID)
	assert.Equal(t, p48.ID, *p64.ParentID)
	assert.Equal(t, p64.ID, *ip.ParentID)
	f.requireConsistent(t, f.ns)
}

func TestUpdatePrefixResize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	outer := f.prefix(t, f.ns, "10.0.0.0/12")
	p := f.prefix(t, f.ns, "10.1.0.0/16")
	child := f.prefix(t, f.ns, "10.1.1.0/24")
	ip := f.address(t, f.ns, "10.1.2.5/24")
	require.Equal(t, p.ID, *ip.ParentID)

	smaller := "10.1.0.0/23"
	p, err := f.svc.UpdatePrefix(ctx, p.ID, PrefixUpdate{CIDR: &smaller})
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.0/23", p.CIDR)
	assert.Equal(t, outer.ID, *p.ParentID)
	assert.Equal(t, p.ID, *f.reload(t, child).ParentID)
	assert.Equal(t, outer.ID, *f.reloadAddress(t, ip).ParentID)
	f.requireConsistent(t, f.ns)

	larger := "10.0.0.0/14"
	p, err = f.svc.UpdatePrefix(ctx, p.ID, PrefixUpdate{CIDR: &larger})
	require.NoError(t, err)
	assert.Equal(t, outer.ID, *p.ParentID)
	assert.Equal(t, p.ID, *f.reload(t, child).ParentID)
	assert.Equal(t, p.ID, *f.reloadAddress(t, ip).ParentID)
	f.requireConsistent(t, f.ns)

	taken := "10.0.0.0/12"
	_, err = f.svc.UpdatePrefix(ctx, p.ID, PrefixUpdate{CIDR: &taken})
	var dup *DuplicateCIDRError
	assert.True(t, errors.As(err, &dup))
	assert.Equal(t, "10.0.0.0/14", f.reload(t, p).CIDR)
}

func TestUpdatePrefixAttributesKeepPlacement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := f.prefix(t, f.ns, "10.0.0.0/8")
	p := f.prefix(t, f.ns, "10.1.0.0/16")

	typ, role, desc := "pool", "edge", "dhcp range"
	got, err := f.svc.UpdatePrefix(ctx, p.ID, PrefixUpdate{Type: &typ, Role: &role, Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, models.PrefixTypePool, got.Type)
	assert.Equal(t, "edge", got.Role)
	assert.Equal(t, parent.ID, *got.ParentID)

	bad := "weird"
	_, err = f.svc.UpdatePrefix(ctx, p.ID, PrefixUpdate{Status: &bad})
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestUpdatePrefixMovesNamespace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lab := f.namespace(t, "lab")

	top := f.prefix(t, f.ns, "10.0.0.0/8")
	p := f.prefix(t, f.ns, "10.1.0.0/16")
	child := f.prefix(t, f.ns, "10.1.1.0/24")
	ip := f.address(t, f.ns, "10.1.0.1/16")

	labTop := f.prefix(t, lab, "10.0.0.0/8")
	labChild := f.prefix(t, lab, "10.1.2.0/24")

	p, err := f.svc.UpdatePrefix(ctx, p.ID, PrefixUpdate{NamespaceID: &lab})
	require.NoError(t, err)
	assert.Equal(t, lab, p.NamespaceID)
	assert.Equal(t, labTop.ID, *p.ParentID)
	assert.Equal(t, p.ID, *f.reload(t, labChild).ParentID)

	assert.Equal(t, top.ID, *f.reload(t, child).ParentID)
	assert.Equal(t, top.ID, *f.reloadAddress(t, ip).ParentID)
	f.requireConsistent(t, f.ns)
	f.requireConsistent(t, lab)
}

func TestChildrenAndAncestors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agg := f.aggregate(t, f.ns, "10.0.0.0/8")
	p16 := f.prefix(t, f.ns, "10.1.0.0/16")
	p24 := f.prefix(t, f.ns, "10.1.1.0/24")
	p28 := f.prefix(t, f.ns, "10.1.1.16/28")
	f.address(t, f.ns, "10.1.1.1/24")
	f.address(t, f.ns, "10.1.1.200/24")

	anc, err := f.svc.Ancestors(ctx, p28.ID)
	require.NoError(t, err)
	assert.Equal(t, []Ref{
		{Kind: kindPrefix, ID: p24.ID, CIDR: "10.1.1.0/24"},
		{Kind: kindPrefix, ID: p16.ID, CIDR: "10.1.0.0/16"},
		{Kind: kindAggregate, ID: agg.ID, CIDR: "10.0.0.0/8"},
	}, anc)

	pfxs, addrs, err := f.svc.PrefixChildren(ctx, p24.ID)
	require.NoError(t, err)
	require.Len(t, pfxs, 1)
	assert.Equal(t, "10.1.1.16/28", pfxs[0].CIDR)
	require.Len(t, addrs, 2)
	assert.Equal(t, "10.1.1.1/24", addrs[0].Address)

	_, _, err = f.svc.PrefixChildren(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAncestorsDetectsCycle(t *testing.T) {
	f := newFixture(t)
	a := f.prefix(t, f.ns, "10.0.0.0/8")
	b := f.prefix(t, f.ns, "10.1.0.0/16")
	require.NoError(t, f.svc.DB().Model(&models.Prefix{}).Where("id = ?", a.ID).Update("parent_id", b.ID).Error)

	_, err := f.svc.Ancestors(context.Background(), b.ID)
	var he *HierarchyError
	assert.True(t, errors.As(err, &he))
}

func TestInsertOverDanglingPointerFailsLoudly(t *testing.T) {
	f := newFixture(t)
	child := f.prefix(t, f.ns, "10.1.1.0/24")
	require.NoError(t, f.svc.DB().Model(&models.Prefix{}).Where("id = ?", child.ID).Update("parent_id", 4040).Error)

	_, err := f.svc.CreatePrefix(context.Background(), PrefixInput{NamespaceID: f.ns, CIDR: "10.1.0.0/16"})
	var he *HierarchyError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, ProblemDanglingParent, he.Problems[0].Problem)

	_, err = f.svc.PrefixByKey(context.Background(), DefaultNamespace, "10.1.0.0/16")
	assert.ErrorIs(t, err, ErrNotFound, "the failed write left nothing behind")
}

func TestListPrefixesFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	top := f.prefix(t, f.ns, "10.0.0.0/8")
	_, err := f.svc.CreatePrefix(ctx, PrefixInput{NamespaceID: f.ns, CIDR: "10.1.0.0/16", Type: "container", Tenant: "Acme"})
	require.NoError(t, err)
	f.prefix(t, f.ns, "10.1.1.0/24")
	f.prefix(t, f.ns, "192.168.0.0/16")
	f.prefix(t, f.ns, "2001:db8::/32")

	cases := []struct {
		name string
		f    PrefixFilter
		want []string
	}{
		{"family", PrefixFilter{Family: 6}, []string{"2001:db8::/32"}},
		{"type", PrefixFilter{Type: "CONTAINER"}, []string{"10.1.0.0/16"}},
		{"tenant exact", PrefixFilter{Tenant: "Acme"}, []string{"10.1.0.0/16"}},
		{"tenant case", PrefixFilter{Tenant: "acme"}, nil},
		{"parent", PrefixFilter{ParentID: &top.ID}, []string{"10.1.0.0/16"}},
		{"within", PrefixFilter{Within: "10.0.0.0/8"}, []string{"10.1.0.0/16", "10.1.1.0/24"}},
		{"within include", PrefixFilter{WithinInclude: "10.0.0.0/8"}, []string{"10.0.0.0/8", "10.1.0.0/16", "10.1.1.0/24"}},
		{"contains address", PrefixFilter{Contains: "10.1.1.9"}, []string{"10.0.0.0/8", "10.1.0.0/16", "10.1.1.0/24"}},
		{"contains prefix", PrefixFilter{Contains: "10.1.0.0/16"}, []string{"10.0.0.0/8", "10.1.0.0/16"}},
		{"page", PrefixFilter{Family: 4, Page: Page{Limit: 2, Offset: 1}}, []string{"10.1.0.0/16", "10.1.1.0/24"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := f.svc.ListPrefixes(ctx, tc.f)
			require.NoError(t, err)
			var cidrs []string
			for _, p := range got {
				cidrs = append(cidrs, p.CIDR)
			}
			assert.Equal(t, tc.want, cidrs)
		})
	}

	var ve *ValidationError
	for _, bad := range []PrefixFilter{
		{Within: "nope"},
		{Within: "10.0.0.0/8", Contains: "2001:db8::1"},
		{WithinInclude: "2001:db8::/32", Within: "10.0.0.0/8"},
		{Family: 6, Within: "10.0.0.0/8"},
		{Family: 4, Contains: "2001:db8::/48"},
	} {
		_, err = f.svc.ListPrefixes(ctx, bad)
		assert.True(t, errors.As(err, &ve), "%+v: %v", bad, err)
	}
}
