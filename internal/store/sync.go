package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SyncedIdentity is the local snapshot row the planner diffs against.
type SyncedIdentity struct {
	ID                 uuid.UUID `db:"id"`
	ProviderIdentifier string    `db:"provider_identifier"`
	Email              string    `db:"email"`
	ActorID            uuid.UUID `db:"actor_id"`
	ActorName          string    `db:"actor_name"`
}

// SyncedGroup is the local group snapshot row.
type SyncedGroup struct {
	ID                 uuid.UUID `db:"id"`
	ProviderIdentifier string    `db:"provider_identifier"`
	Name               string    `db:"name"`
}

// MembershipTuple is a (group, actor) pair keyed by provider identifiers,
// the form memberships take while in flight during sync.
type MembershipTuple struct {
	GroupProviderIdentifier string `db:"group_pi"`
	ActorProviderIdentifier string `db:"actor_pi"`
}

// IdentityUpsert carries the attributes written on identity insert/update.
type IdentityUpsert struct {
	ProviderIdentifier string
	Email              string
	ActorName          string
}

// GroupUpsert carries the attributes written on group upsert.
type GroupUpsert struct {
	ProviderIdentifier string
	Name               string
}

// ProviderIdentities lists the provider's non-deleted identities with their
// actor names, inside the sync transaction.
func ProviderIdentities(ctx context.Context, tx *sqlx.Tx, providerID uuid.UUID) ([]SyncedIdentity, error) {
	var out []SyncedIdentity
	err := tx.SelectContext(ctx, &out, `
		SELECT i.id,
		       i.provider_identifier,
		       COALESCE(i.provider_state->'userinfo'->>'email', '') AS email,
		       i.actor_id,
		       a.name AS actor_name
		FROM auth_identities i
		JOIN actors a ON a.id = i.actor_id
		WHERE i.provider_id = $1 AND i.deleted_at IS NULL`, providerID)
	if err != nil {
		return nil, fmt.Errorf("list provider identities: %w", err)
	}
	return out, nil
}

// ProviderGroups lists the provider's non-deleted synced groups.
func ProviderGroups(ctx context.Context, tx *sqlx.Tx, providerID uuid.UUID) ([]SyncedGroup, error) {
	var out []SyncedGroup
	err := tx.SelectContext(ctx, &out, `
		SELECT id, provider_identifier, name
		FROM actor_groups
		WHERE provider_id = $1 AND deleted_at IS NULL`, providerID)
	if err != nil {
		return nil, fmt.Errorf("list provider groups: %w", err)
	}
	return out, nil
}

// ProviderMemberships lists the provider's membership tuples keyed by
// provider identifiers.
func ProviderMemberships(ctx context.Context, tx *sqlx.Tx, providerID uuid.UUID) ([]MembershipTuple, error) {
	var out []MembershipTuple
	err := tx.SelectContext(ctx, &out, `
		SELECT g.provider_identifier AS group_pi,
		       i.provider_identifier AS actor_pi
		FROM actor_group_memberships m
		JOIN actor_groups g ON g.id = m.group_id AND g.provider_id = $1 AND g.deleted_at IS NULL
		JOIN auth_identities i ON i.actor_id = m.actor_id AND i.provider_id = $1 AND i.deleted_at IS NULL`,
		providerID)
	if err != nil {
		return nil, fmt.Errorf("list provider memberships: %w", err)
	}
	return out, nil
}

// InsertIdentities creates an actor and identity per remote user new to the
// provider. provider_state is seeded with userinfo.email only.
func InsertIdentities(ctx context.Context, tx *sqlx.Tx, p *Provider, inserts []IdentityUpsert) error {
	for _, ins := range inserts {
		var actorID uuid.UUID
		err := tx.GetContext(ctx, &actorID, `
			INSERT INTO actors (id, account_id, name, type, inserted_at)
			VALUES (gen_random_uuid(), $1, $2, $3, now())
			RETURNING id`, p.AccountID, ins.ActorName, ActorTypeAccountUser)
		if err != nil {
			return fmt.Errorf("insert actor for %q: %w", ins.ProviderIdentifier, err)
		}

		state, err := json.Marshal(map[string]any{"userinfo": map[string]any{"email": ins.Email}})
		if err != nil {
			return fmt.Errorf("marshal provider_state: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO auth_identities
				(id, account_id, provider_id, provider_identifier, provider_state, actor_id, created_by, inserted_at)
			VALUES (gen_random_uuid(), $1, $2, $3, $4::jsonb, $5, 'provider', now())`,
			p.AccountID, p.ID, ins.ProviderIdentifier, state, actorID)
		if err != nil {
			return fmt.Errorf("insert identity %q: %w", ins.ProviderIdentifier, err)
		}
	}
	return nil
}

// UpdateIdentities rewrites userinfo.email and the actor name for drifted
// identities. Other provider_state keys (refresh tokens, opaque sub, custom
// claims) are preserved.
func UpdateIdentities(ctx context.Context, tx *sqlx.Tx, p *Provider, updates []IdentityUpsert) error {
	for _, upd := range updates {
		_, err := tx.ExecContext(ctx, `
			UPDATE auth_identities
			SET provider_state = jsonb_set(
				jsonb_set(provider_state, '{userinfo}', COALESCE(provider_state->'userinfo', '{}'::jsonb)),
				'{userinfo,email}', to_jsonb($3::text))
			WHERE provider_id = $1 AND provider_identifier = $2 AND deleted_at IS NULL`,
			p.ID, upd.ProviderIdentifier, upd.Email)
		if err != nil {
			return fmt.Errorf("update identity %q: %w", upd.ProviderIdentifier, err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE actors a
			SET name = $3
			FROM auth_identities i
			WHERE i.provider_id = $1 AND i.provider_identifier = $2
			  AND i.deleted_at IS NULL AND a.id = i.actor_id`,
			p.ID, upd.ProviderIdentifier, upd.ActorName)
		if err != nil {
			return fmt.Errorf("update actor name for %q: %w", upd.ProviderIdentifier, err)
		}
	}
	return nil
}

// DeleteIdentities soft-deletes identities no longer present remotely. The
// actor stays: it can hold identities from other providers.
func DeleteIdentities(ctx context.Context, tx *sqlx.Tx, p *Provider, providerIdentifiers []string) error {
	if len(providerIdentifiers) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE auth_identities
		SET deleted_at = now()
		WHERE provider_id = $1 AND provider_identifier = ANY($2) AND deleted_at IS NULL`,
		p.ID, providerIdentifiers)
	if err != nil {
		return fmt.Errorf("delete identities: %w", err)
	}
	return nil
}

// UpsertGroups inserts missing groups and renames drifted ones.
func UpsertGroups(ctx context.Context, tx *sqlx.Tx, p *Provider, upserts []GroupUpsert) error {
	for _, up := range upserts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO actor_groups
				(id, account_id, provider_id, provider_identifier, name, created_by, inserted_at)
			VALUES (gen_random_uuid(), $1, $2, $3, $4, 'provider', now())
			ON CONFLICT (account_id, provider_id, provider_identifier) WHERE deleted_at IS NULL
			DO UPDATE SET name = EXCLUDED.name`,
			p.AccountID, p.ID, up.ProviderIdentifier, up.Name)
		if err != nil {
			return fmt.Errorf("upsert group %q: %w", up.ProviderIdentifier, err)
		}
	}
	return nil
}

// DeleteGroups soft-deletes groups no longer present remotely, dropping
// their memberships.
func DeleteGroups(ctx context.Context, tx *sqlx.Tx, p *Provider, providerIdentifiers []string) error {
	if len(providerIdentifiers) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		DELETE FROM actor_group_memberships m
		USING actor_groups g
		WHERE g.id = m.group_id AND g.provider_id = $1
		  AND g.provider_identifier = ANY($2) AND g.deleted_at IS NULL`,
		p.ID, providerIdentifiers)
	if err != nil {
		return fmt.Errorf("delete group memberships: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE actor_groups
		SET deleted_at = now()
		WHERE provider_id = $1 AND provider_identifier = ANY($2) AND deleted_at IS NULL`,
		p.ID, providerIdentifiers)
	if err != nil {
		return fmt.Errorf("delete groups: %w", err)
	}
	return nil
}

// UpsertMemberships resolves provider-identifier tuples to (actor_id,
// group_id) pairs and inserts the missing ones.
func UpsertMemberships(ctx context.Context, tx *sqlx.Tx, p *Provider, tuples []MembershipTuple) error {
	if len(tuples) == 0 {
		return nil
	}
	groupPIs, actorPIs := splitTuples(tuples)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO actor_group_memberships (actor_id, group_id, account_id)
		SELECT i.actor_id, g.id, g.account_id
		FROM unnest($2::text[], $3::text[]) AS t(group_pi, actor_pi)
		JOIN actor_groups g ON g.provider_id = $1 AND g.provider_identifier = t.group_pi AND g.deleted_at IS NULL
		JOIN auth_identities i ON i.provider_id = $1 AND i.provider_identifier = t.actor_pi AND i.deleted_at IS NULL
		ON CONFLICT (actor_id, group_id) DO NOTHING`,
		p.ID, groupPIs, actorPIs)
	if err != nil {
		return fmt.Errorf("upsert memberships: %w", err)
	}
	return nil
}

// DeleteMemberships removes tuples no longer present remotely.
func DeleteMemberships(ctx context.Context, tx *sqlx.Tx, p *Provider, tuples []MembershipTuple) error {
	if len(tuples) == 0 {
		return nil
	}
	groupPIs, actorPIs := splitTuples(tuples)
	_, err := tx.ExecContext(ctx, `
		DELETE FROM actor_group_memberships m
		USING unnest($2::text[], $3::text[]) AS t(group_pi, actor_pi),
		      actor_groups g,
		      auth_identities i
		WHERE g.provider_id = $1 AND g.provider_identifier = t.group_pi
		  AND i.provider_id = $1 AND i.provider_identifier = t.actor_pi
		  AND m.group_id = g.id AND m.actor_id = i.actor_id`,
		p.ID, groupPIs, actorPIs)
	if err != nil {
		return fmt.Errorf("delete memberships: %w", err)
	}
	return nil
}

func splitTuples(tuples []MembershipTuple) (groupPIs, actorPIs []string) {
	groupPIs = make([]string, len(tuples))
	actorPIs = make([]string, len(tuples))
	for i, t := range tuples {
		groupPIs[i] = t.GroupProviderIdentifier
		actorPIs[i] = t.ActorProviderIdentifier
	}
	return groupPIs, actorPIs
}
