package consent

import (
	"slices"

	"github.com/google/uuid"
)

// mappingUpdate is the outcome of reconciling the mappings of an
// authorization against a newly authorized resource set.
type mappingUpdate struct {
	toAdd        []Mapping
	toDeactivate []uuid.UUID
}

func (u mappingUpdate) isEmpty() bool {
	return len(u.toAdd) == 0 && len(u.toDeactivate) == 0
}

// reconcileMappings computes which mapping rows must be created and which
// must be deactivated when the set of authorized resources changes.
//
// Resources present in existing but absent from requested are revoked: every
// mapping row of theirs is deactivated. For a new authorization, resources
// common to both sets get fresh rows as well, since mapping rows are owned by
// the authorization that created them. When the same authorization is being
// updated, already mapped resources are left untouched, so re-submitting an
// unchanged resource set is a no-op.
func reconcileMappings(authID uuid.UUID, existing []Mapping, requested map[string][]Permission, newAuthorization bool) mappingUpdate {
	var existingResourceIDs []string
	for _, m := range existing {
		if !slices.Contains(existingResourceIDs, m.ResourceID) {
			existingResourceIDs = append(existingResourceIDs, m.ResourceID)
		}
	}

	requestedResourceIDs := make([]string, 0, len(requested))
	for resourceID := range requested {
		requestedResourceIDs = append(requestedResourceIDs, resourceID)
	}
	// Map iteration order is random; keep the outcome deterministic.
	slices.Sort(requestedResourceIDs)

	var toRevoke []string
	for _, resourceID := range existingResourceIDs {
		if !slices.Contains(requestedResourceIDs, resourceID) {
			toRevoke = append(toRevoke, resourceID)
		}
	}

	toAdd := requestedResourceIDs
	if !newAuthorization {
		toAdd = slices.DeleteFunc(slices.Clone(requestedResourceIDs), func(resourceID string) bool {
			return slices.Contains(existingResourceIDs, resourceID)
		})
	}

	var update mappingUpdate
	for _, resourceID := range toAdd {
		for _, permission := range requested[resourceID] {
			update.toAdd = append(update.toAdd, Mapping{
				AuthorizationID: authID,
				ResourceID:      resourceID,
				Permission:      permission,
				Status:          MappingStatusActive,
			})
		}
	}

	for _, resourceID := range toRevoke {
		for _, m := range existing {
			// Rows already deactivated by a previous reconciliation stay as
			// they are, which keeps re-runs free of spurious updates.
			if m.ResourceID == resourceID && m.Status == MappingStatusActive {
				update.toDeactivate = append(update.toDeactivate, m.ID)
			}
		}
	}

	return update
}
