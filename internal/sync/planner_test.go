package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firezone/firezone-sub015/internal/idp"
	"github.com/firezone/firezone-sub015/internal/store"
)

func TestBuildPlanIdentities(t *testing.T) {
	remote := []idp.Identity{
		{ProviderIdentifier: "u1", ActorName: "Alice", Email: "alice@corp.example"},
		{ProviderIdentifier: "u2", ActorName: "Bob", Email: "bob@corp.example"},
		{ProviderIdentifier: "u3", ActorName: "Carol", Email: "carol@corp.example"},
	}
	local := []store.SyncedIdentity{
		{ProviderIdentifier: "u2", ActorName: "Bob", Email: "bob@corp.example"},
		{ProviderIdentifier: "u3", ActorName: "Carol", Email: "old@corp.example"},
		{ProviderIdentifier: "u4", ActorName: "Dave", Email: "dave@corp.example"},
	}

	plan := BuildPlan(remote, nil, nil, local, nil, nil)

	require.Len(t, plan.IdentityInserts, 1)
	assert.Equal(t, "u1", plan.IdentityInserts[0].ProviderIdentifier)

	require.Len(t, plan.IdentityUpdates, 1)
	assert.Equal(t, "u3", plan.IdentityUpdates[0].ProviderIdentifier)
	assert.Equal(t, "carol@corp.example", plan.IdentityUpdates[0].Email)

	assert.Equal(t, []string{"u4"}, plan.IdentityDeletes)
}

func TestBuildPlanUnchangedIdentityIsNotUpdated(t *testing.T) {
	remote := []idp.Identity{{ProviderIdentifier: "u1", ActorName: "Alice", Email: "a@x.test"}}
	local := []store.SyncedIdentity{{ProviderIdentifier: "u1", ActorName: "Alice", Email: "a@x.test"}}

	plan := BuildPlan(remote, nil, nil, local, nil, nil)
	assert.Empty(t, plan.IdentityInserts)
	assert.Empty(t, plan.IdentityUpdates)
	assert.Empty(t, plan.IdentityDeletes)
}

func TestBuildPlanGroups(t *testing.T) {
	remote := []idp.Group{
		{ProviderIdentifier: "G:1", Name: "Group:Engineering"},
		{ProviderIdentifier: "G:2", Name: "Group:Sales"},
	}
	local := []store.SyncedGroup{
		{ProviderIdentifier: "G:2", Name: "Group:Sales (old)"},
		{ProviderIdentifier: "G:3", Name: "Group:Legacy"},
	}

	plan := BuildPlan(nil, remote, nil, nil, local, nil)

	require.Len(t, plan.GroupUpserts, 2)
	assert.Equal(t, "G:1", plan.GroupUpserts[0].ProviderIdentifier)
	assert.Equal(t, "G:2", plan.GroupUpserts[1].ProviderIdentifier)
	assert.Equal(t, "Group:Sales", plan.GroupUpserts[1].Name)
	assert.Equal(t, []string{"G:3"}, plan.GroupDeletes)
}

func TestBuildPlanMemberships(t *testing.T) {
	remote := []idp.Membership{
		{GroupProviderIdentifier: "G:1", ActorProviderIdentifier: "u1"},
		{GroupProviderIdentifier: "G:1", ActorProviderIdentifier: "u2"},
		{GroupProviderIdentifier: "G:1", ActorProviderIdentifier: "u2"}, // duplicate
	}
	local := []store.MembershipTuple{
		{GroupProviderIdentifier: "G:1", ActorProviderIdentifier: "u2"},
		{GroupProviderIdentifier: "G:2", ActorProviderIdentifier: "u1"},
	}

	plan := BuildPlan(nil, nil, remote, nil, nil, local)

	require.Len(t, plan.MembershipUpserts, 1)
	assert.Equal(t, "u1", plan.MembershipUpserts[0].ActorProviderIdentifier)
	require.Len(t, plan.MembershipDeletes, 1)
	assert.Equal(t, "G:2", plan.MembershipDeletes[0].GroupProviderIdentifier)
}

func TestBuildPlanIsDeterministic(t *testing.T) {
	remote := []idp.Identity{
		{ProviderIdentifier: "b", ActorName: "B", Email: "b@x.test"},
		{ProviderIdentifier: "a", ActorName: "A", Email: "a@x.test"},
		{ProviderIdentifier: "c", ActorName: "C", Email: "c@x.test"},
	}
	reversed := []idp.Identity{remote[2], remote[1], remote[0]}

	p1 := BuildPlan(remote, nil, nil, nil, nil, nil)
	p2 := BuildPlan(reversed, nil, nil, nil, nil, nil)
	assert.Equal(t, p1, p2)
	assert.Equal(t, "a", p1.IdentityInserts[0].ProviderIdentifier)
}

func TestCheckPlanRefusesDeleteAll(t *testing.T) {
	plan := Plan{IdentityDeletes: []string{"u1", "u2"}}
	err := CheckPlan(plan, 2, 0)
	var deleteAll *idp.DeleteAllError
	require.ErrorAs(t, err, &deleteAll)
	assert.Equal(t, "identities", deleteAll.Resource)
}

func TestCheckPlanAllowsPartialDelete(t *testing.T) {
	plan := Plan{IdentityDeletes: []string{"u1"}}
	assert.NoError(t, CheckPlan(plan, 2, 0))
}

func TestCheckPlanAllowsFullRotation(t *testing.T) {
	// Deleting everything while inserting replacements is a rename wave,
	// not an empty directory.
	plan := Plan{
		IdentityDeletes: []string{"u1", "u2"},
		IdentityInserts: []store.IdentityUpsert{{ProviderIdentifier: "u3"}},
	}
	assert.NoError(t, CheckPlan(plan, 2, 0))
}

func TestCheckPlanRefusesDeleteAllGroups(t *testing.T) {
	plan := Plan{GroupDeletes: []string{"G:1"}}
	err := CheckPlan(plan, 0, 1)
	var deleteAll *idp.DeleteAllError
	require.ErrorAs(t, err, &deleteAll)
	assert.Equal(t, "groups", deleteAll.Resource)
}

func TestCheckPlanEmptyLocalState(t *testing.T) {
	assert.NoError(t, CheckPlan(Plan{}, 0, 0))
}
