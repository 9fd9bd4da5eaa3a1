// Package sync reconciles local directory state with external identity
// providers: a pure diff planner, a per-provider orchestrator that applies
// plans in one transaction, the backoff scheduler, and the access token
// refresher.
package sync

import (
	"sort"

	"github.com/firezone/firezone-sub015/internal/idp"
	"github.com/firezone/firezone-sub015/internal/store"
)

// Plan is the full set of mutations one sync run will apply.
type Plan struct {
	IdentityInserts []store.IdentityUpsert
	IdentityUpdates []store.IdentityUpsert
	IdentityDeletes []string

	GroupUpserts []store.GroupUpsert
	GroupDeletes []string

	MembershipUpserts []store.MembershipTuple
	MembershipDeletes []store.MembershipTuple
}

// BuildPlan diffs the remote snapshot against local state. The output is
// deterministic: plans are sorted by provider identifier, so identical
// inputs produce identical plans regardless of input order.
func BuildPlan(
	remoteIdentities []idp.Identity,
	remoteGroups []idp.Group,
	remoteMemberships []idp.Membership,
	localIdentities []store.SyncedIdentity,
	localGroups []store.SyncedGroup,
	localMemberships []store.MembershipTuple,
) Plan {
	var plan Plan
	plan.IdentityInserts, plan.IdentityUpdates, plan.IdentityDeletes =
		planIdentities(remoteIdentities, localIdentities)
	plan.GroupUpserts, plan.GroupDeletes = planGroups(remoteGroups, localGroups)
	plan.MembershipUpserts, plan.MembershipDeletes =
		planMemberships(remoteMemberships, localMemberships)
	return plan
}

func planIdentities(remote []idp.Identity, local []store.SyncedIdentity) (inserts, updates []store.IdentityUpsert, deletes []string) {
	localByPI := make(map[string]store.SyncedIdentity, len(local))
	for _, l := range local {
		localByPI[l.ProviderIdentifier] = l
	}
	remotePIs := make(map[string]struct{}, len(remote))

	for _, r := range remote {
		if _, dup := remotePIs[r.ProviderIdentifier]; dup {
			continue
		}
		remotePIs[r.ProviderIdentifier] = struct{}{}

		l, exists := localByPI[r.ProviderIdentifier]
		up := store.IdentityUpsert{
			ProviderIdentifier: r.ProviderIdentifier,
			Email:              r.Email,
			ActorName:          r.ActorName,
		}
		switch {
		case !exists:
			inserts = append(inserts, up)
		case l.Email != r.Email || l.ActorName != r.ActorName:
			updates = append(updates, up)
		}
	}
	for pi := range localByPI {
		if _, ok := remotePIs[pi]; !ok {
			deletes = append(deletes, pi)
		}
	}

	sortUpserts(inserts)
	sortUpserts(updates)
	sort.Strings(deletes)
	return inserts, updates, deletes
}

func planGroups(remote []idp.Group, local []store.SyncedGroup) (upserts []store.GroupUpsert, deletes []string) {
	localByPI := make(map[string]store.SyncedGroup, len(local))
	for _, l := range local {
		localByPI[l.ProviderIdentifier] = l
	}
	remotePIs := make(map[string]struct{}, len(remote))

	for _, r := range remote {
		if _, dup := remotePIs[r.ProviderIdentifier]; dup {
			continue
		}
		remotePIs[r.ProviderIdentifier] = struct{}{}

		l, exists := localByPI[r.ProviderIdentifier]
		if !exists || l.Name != r.Name {
			upserts = append(upserts, store.GroupUpsert{
				ProviderIdentifier: r.ProviderIdentifier,
				Name:               r.Name,
			})
		}
	}
	for pi := range localByPI {
		if _, ok := remotePIs[pi]; !ok {
			deletes = append(deletes, pi)
		}
	}

	sort.Slice(upserts, func(i, j int) bool {
		return upserts[i].ProviderIdentifier < upserts[j].ProviderIdentifier
	})
	sort.Strings(deletes)
	return upserts, deletes
}

func planMemberships(remote []idp.Membership, local []store.MembershipTuple) (upserts, deletes []store.MembershipTuple) {
	type key struct{ group, actor string }
	localSet := make(map[key]struct{}, len(local))
	for _, l := range local {
		localSet[key{l.GroupProviderIdentifier, l.ActorProviderIdentifier}] = struct{}{}
	}
	remoteSet := make(map[key]struct{}, len(remote))
	for _, r := range remote {
		k := key{r.GroupProviderIdentifier, r.ActorProviderIdentifier}
		if _, dup := remoteSet[k]; dup {
			continue
		}
		remoteSet[k] = struct{}{}
		if _, ok := localSet[k]; !ok {
			upserts = append(upserts, store.MembershipTuple{
				GroupProviderIdentifier: r.GroupProviderIdentifier,
				ActorProviderIdentifier: r.ActorProviderIdentifier,
			})
		}
	}
	for k := range localSet {
		if _, ok := remoteSet[k]; !ok {
			deletes = append(deletes, store.MembershipTuple{
				GroupProviderIdentifier: k.group,
				ActorProviderIdentifier: k.actor,
			})
		}
	}

	sortTuples(upserts)
	sortTuples(deletes)
	return upserts, deletes
}

func sortUpserts(s []store.IdentityUpsert) {
	sort.Slice(s, func(i, j int) bool {
		return s[i].ProviderIdentifier < s[j].ProviderIdentifier
	})
}

func sortTuples(s []store.MembershipTuple) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].GroupProviderIdentifier != s[j].GroupProviderIdentifier {
			return s[i].GroupProviderIdentifier < s[j].GroupProviderIdentifier
		}
		return s[i].ActorProviderIdentifier < s[j].ActorProviderIdentifier
	})
}

// CheckPlan trips the circuit breaker when a plan would delete every
// identity or every group of a provider that previously had at least one.
// An empty remote snapshot is far more often an IdP-side misconfiguration
// than a real mass offboarding.
func CheckPlan(plan Plan, localIdentityCount, localGroupCount int) error {
	if localIdentityCount > 0 &&
		len(plan.IdentityDeletes) == localIdentityCount &&
		len(plan.IdentityInserts) == 0 {
		return &idp.DeleteAllError{Resource: "identities"}
	}
	if localGroupCount > 0 &&
		len(plan.GroupDeletes) == localGroupCount &&
		len(plan.GroupUpserts) == 0 {
		return &idp.DeleteAllError{Resource: "groups"}
	}
	return nil
}
