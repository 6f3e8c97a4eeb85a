package consent

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileMappings_NewAuthorizationRecreatesKeptResources(t *testing.T) {
	oldAuthID := uuid.New()
	newAuthID := uuid.New()
	existing := []Mapping{
		{ID: uuid.New(), AuthorizationID: oldAuthID, ResourceID: "acc-a", Permission: PermissionAccountsRead, Status: MappingStatusActive},
		{ID: uuid.New(), AuthorizationID: oldAuthID, ResourceID: "acc-b", Permission: PermissionAccountsRead, Status: MappingStatusActive},
	}
	requested := map[string][]Permission{
		"acc-b": {PermissionAccountsRead},
		"acc-c": {PermissionAccountsRead, PermissionAccountsBalanceRead},
	}

	update := reconcileMappings(newAuthID, existing, requested, true)

	// acc-b is kept but re-created under the new authorization, acc-c is new.
	require.Len(t, update.toAdd, 3)
	for _, m := range update.toAdd {
		assert.Equal(t, newAuthID, m.AuthorizationID)
		assert.Equal(t, MappingStatusActive, m.Status)
	}
	assert.Equal(t, "acc-b", update.toAdd[0].ResourceID)
	assert.Equal(t, "acc-c", update.toAdd[1].ResourceID)
	assert.Equal(t, "acc-c", update.toAdd[2].ResourceID)

	// Only acc-a was dropped from the request.
	require.Len(t, update.toDeactivate, 1)
	assert.Equal(t, existing[0].ID, update.toDeactivate[0])
}

func TestReconcileMappings_SameAuthorizationAddsOnlyUnmapped(t *testing.T) {
	authID := uuid.New()
	existing := []Mapping{
		{ID: uuid.New(), AuthorizationID: authID, ResourceID: "acc-a", Permission: PermissionAccountsRead, Status: MappingStatusActive},
		{ID: uuid.New(), AuthorizationID: authID, ResourceID: "acc-b", Permission: PermissionAccountsRead, Status: MappingStatusActive},
	}
	requested := map[string][]Permission{
		"acc-a": {PermissionAccountsRead},
		"acc-b": {PermissionAccountsRead},
		"acc-c": {PermissionAccountsRead},
	}

	update := reconcileMappings(authID, existing, requested, false)

	require.Len(t, update.toAdd, 1)
	assert.Equal(t, "acc-c", update.toAdd[0].ResourceID)
	assert.Empty(t, update.toDeactivate)
}

func TestReconcileMappings_Idempotent(t *testing.T) {
	authID := uuid.New()
	existing := []Mapping{
		{ID: uuid.New(), AuthorizationID: authID, ResourceID: "acc-a", Permission: PermissionAccountsRead, Status: MappingStatusActive},
		{ID: uuid.New(), AuthorizationID: authID, ResourceID: "acc-b", Permission: PermissionAccountsRead, Status: MappingStatusActive},
	}
	requested := map[string][]Permission{
		"acc-a": {PermissionAccountsRead},
	}

	update := reconcileMappings(authID, existing, requested, false)
	require.Len(t, update.toDeactivate, 1)
	assert.Empty(t, update.toAdd)

	// Apply the outcome and reconcile again with the same request.
	existing[1].Status = MappingStatusInactive
	update = reconcileMappings(authID, existing, requested, false)
	assert.True(t, update.isEmpty())
}

func TestReconcileMappings_EmptyRequestRevokesEverything(t *testing.T) {
	authID := uuid.New()
	existing := []Mapping{
		{ID: uuid.New(), AuthorizationID: authID, ResourceID: "acc-a", Permission: PermissionAccountsRead, Status: MappingStatusActive},
		{ID: uuid.New(), AuthorizationID: authID, ResourceID: "acc-a", Permission: PermissionAccountsBalanceRead, Status: MappingStatusActive},
		{ID: uuid.New(), AuthorizationID: authID, ResourceID: "acc-b", Permission: PermissionAccountsRead, Status: MappingStatusInactive},
	}

	update := reconcileMappings(authID, existing, map[string][]Permission{}, false)

	assert.Empty(t, update.toAdd)
	// Both active rows of acc-a; the inactive acc-b row stays untouched.
	require.Len(t, update.toDeactivate, 2)
	assert.ElementsMatch(t, []uuid.UUID{existing[0].ID, existing[1].ID}, update.toDeactivate)
}

func TestReconcileMappings_OnePermissionPerRow(t *testing.T) {
	authID := uuid.New()
	requested := map[string][]Permission{
		"acc-a": {PermissionAccountsRead, PermissionAccountsBalanceRead, PermissionAccountsTransactionsRead},
	}

	update := reconcileMappings(authID, nil, requested, true)

	require.Len(t, update.toAdd, 3)
	permissions := make([]Permission, 0, 3)
	for _, m := range update.toAdd {
		assert.Equal(t, "acc-a", m.ResourceID)
		permissions = append(permissions, m.Permission)
	}
	assert.ElementsMatch(t, requested["acc-a"], permissions)
}
