package consent

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/luminbank/consent-engine/internal/errorutil"
)

const timeFormat = time.RFC3339

// ChangeKind tells the reconstructor how to undo one change.
type ChangeKind string

const (
	// ChangeKindModified carries the value the record had before the
	// amendment; replaying restores it.
	ChangeKindModified ChangeKind = "MODIFIED"
	// ChangeKindCreated marks a record that did not exist before the
	// amendment; replaying drops it from the projected state.
	ChangeKindCreated ChangeKind = "CREATED"
)

// ChangeSet is the backward delta of one amendment. Only fields that changed
// are present; full snapshots are never stored.
type ChangeSet struct {
	Basic          BasicChanges                      `json:"basic,omitzero"`
	Attributes     map[string]AttributeChange        `json:"attributes,omitempty"`
	Mappings       map[uuid.UUID]MappingChange       `json:"mappings,omitempty"`
	Authorizations map[uuid.UUID]AuthorizationChange `json:"authorizations,omitempty"`
}

// BasicChanges holds the previous values of the consent's basic data fields.
// Times are stored as RFC3339 strings, an empty ExpiresAt meaning the consent
// had no expiration at that point.
type BasicChanges struct {
	Receipt   *string `json:"receipt,omitempty"`
	ExpiresAt *string `json:"expiresAt,omitempty"`
	UpdatedAt *string `json:"updatedAt,omitempty"`
	Status    *Status `json:"status,omitempty"`
}

func (b BasicChanges) isEmpty() bool {
	return b.Receipt == nil && b.ExpiresAt == nil && b.UpdatedAt == nil && b.Status == nil
}

type AttributeChange struct {
	Kind  ChangeKind `json:"kind"`
	Value string     `json:"value,omitempty"`
}

type MappingChange struct {
	Kind   ChangeKind    `json:"kind"`
	Status MappingStatus `json:"status,omitempty"`
}

type AuthorizationChange struct {
	Kind ChangeKind `json:"kind"`
}

func (cs ChangeSet) IsEmpty() bool {
	return cs.Basic.isEmpty() && len(cs.Attributes) == 0 && len(cs.Mappings) == 0 && len(cs.Authorizations) == 0
}

// diffConsents computes the backward delta between the consent before and
// after an amendment: values recorded are the ones needed to get back to
// previous, while records created by the amendment are only marked as such.
func diffConsents(current, previous *DetailedConsent) ChangeSet {
	var cs ChangeSet

	if current.Receipt != previous.Receipt {
		receipt := previous.Receipt
		cs.Basic.Receipt = &receipt
	}
	if !equalTimePtr(current.ExpiresAt, previous.ExpiresAt) {
		expiresAt := ""
		if previous.ExpiresAt != nil {
			expiresAt = previous.ExpiresAt.Format(timeFormat)
		}
		cs.Basic.ExpiresAt = &expiresAt
	}
	if !current.UpdatedAt.Equal(previous.UpdatedAt) {
		updatedAt := previous.UpdatedAt.Format(timeFormat)
		cs.Basic.UpdatedAt = &updatedAt
	}
	if current.Status != previous.Status {
		status := previous.Status
		cs.Basic.Status = &status
	}

	for key, previousValue := range previous.Attributes {
		currentValue, ok := current.Attributes[key]
		if !ok || currentValue != previousValue {
			if cs.Attributes == nil {
				cs.Attributes = map[string]AttributeChange{}
			}
			cs.Attributes[key] = AttributeChange{Kind: ChangeKindModified, Value: previousValue}
		}
	}
	for key, currentValue := range current.Attributes {
		if _, ok := previous.Attributes[key]; !ok {
			if cs.Attributes == nil {
				cs.Attributes = map[string]AttributeChange{}
			}
			// The value the amendment introduced; replay ignores it since
			// created entries are dropped going backward.
			cs.Attributes[key] = AttributeChange{Kind: ChangeKindCreated, Value: currentValue}
		}
	}

	previousMappings := make(map[uuid.UUID]Mapping, len(previous.Mappings))
	for _, m := range previous.Mappings {
		previousMappings[m.ID] = m
	}
	for _, m := range current.Mappings {
		previousMapping, ok := previousMappings[m.ID]
		switch {
		case !ok:
			if cs.Mappings == nil {
				cs.Mappings = map[uuid.UUID]MappingChange{}
			}
			cs.Mappings[m.ID] = MappingChange{Kind: ChangeKindCreated}
		case previousMapping.Status != m.Status:
			if cs.Mappings == nil {
				cs.Mappings = map[uuid.UUID]MappingChange{}
			}
			cs.Mappings[m.ID] = MappingChange{Kind: ChangeKindModified, Status: previousMapping.Status}
		}
	}

	previousAuths := make(map[uuid.UUID]struct{}, len(previous.Authorizations))
	for _, a := range previous.Authorizations {
		previousAuths[a.ID] = struct{}{}
	}
	for _, a := range current.Authorizations {
		if _, ok := previousAuths[a.ID]; !ok {
			if cs.Authorizations == nil {
				cs.Authorizations = map[uuid.UUID]AuthorizationChange{}
			}
			cs.Authorizations[a.ID] = AuthorizationChange{Kind: ChangeKindCreated}
		}
	}

	return cs
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// replayChangeSet mutates working backward by one amendment.
func replayChangeSet(working *DetailedConsent, cs ChangeSet) error {
	if cs.Basic.Receipt != nil {
		working.Receipt = *cs.Basic.Receipt
	}
	if cs.Basic.ExpiresAt != nil {
		if *cs.Basic.ExpiresAt == "" {
			working.ExpiresAt = nil
		} else {
			expiresAt, err := time.Parse(timeFormat, *cs.Basic.ExpiresAt)
			if err != nil {
				return errorutil.Format("%w: invalid expiration delta: %v", ErrCorruptHistory, err)
			}
			working.ExpiresAt = &expiresAt
		}
	}
	if cs.Basic.UpdatedAt != nil {
		updatedAt, err := time.Parse(timeFormat, *cs.Basic.UpdatedAt)
		if err != nil {
			return errorutil.Format("%w: invalid updated time delta: %v", ErrCorruptHistory, err)
		}
		working.UpdatedAt = updatedAt
	}
	if cs.Basic.Status != nil {
		working.Status = *cs.Basic.Status
	}

	for key, change := range cs.Attributes {
		switch change.Kind {
		case ChangeKindCreated:
			// The attribute did not exist at this point.
			delete(working.Attributes, key)
		case ChangeKindModified:
			working.Attributes[key] = change.Value
		default:
			return errorutil.Format("%w: unknown attribute change kind %q", ErrCorruptHistory, change.Kind)
		}
	}

	mappings := working.Mappings[:0]
	for _, m := range working.Mappings {
		change, ok := cs.Mappings[m.ID]
		if !ok {
			mappings = append(mappings, m)
			continue
		}
		switch change.Kind {
		case ChangeKindCreated:
			// Created by this amendment, so it is excluded when projecting
			// further back.
		case ChangeKindModified:
			m.Status = change.Status
			mappings = append(mappings, m)
		default:
			return errorutil.Format("%w: unknown mapping change kind %q", ErrCorruptHistory, change.Kind)
		}
	}
	working.Mappings = mappings

	auths := working.Authorizations[:0]
	for _, a := range working.Authorizations {
		change, ok := cs.Authorizations[a.ID]
		if ok && change.Kind == ChangeKindCreated {
			continue
		}
		auths = append(auths, a)
	}
	working.Authorizations = auths

	return nil
}

// AmendedConsent is the consent as it stood when the amendment identified by
// HistoryID was recorded. Err is set when that entry's stored delta could not
// be replayed; other entries are unaffected.
type AmendedConsent struct {
	HistoryID uuid.UUID
	Reason    string
	AmendedAt time.Time
	Consent   *DetailedConsent
	Err       error
}

// reconstructHistory replays the stored deltas, newest first, against the
// current consent and returns one projected state per amendment.
func reconstructHistory(current *DetailedConsent, amendments []Amendment) []AmendedConsent {
	sort.SliceStable(amendments, func(i, j int) bool {
		return amendments[i].AmendedAt.After(amendments[j].AmendedAt)
	})

	working := current.clone()
	history := make([]AmendedConsent, 0, len(amendments))
	for _, amendment := range amendments {
		entry := AmendedConsent{
			HistoryID: amendment.ID,
			Reason:    amendment.Reason,
			AmendedAt: amendment.AmendedAt,
		}

		var cs ChangeSet
		if err := json.Unmarshal([]byte(amendment.Changes), &cs); err != nil {
			entry.Err = errorutil.Format("%w: %v", ErrCorruptHistory, err)
			history = append(history, entry)
			continue
		}

		// Replay against a scratch copy so a bad delta cannot leave the
		// working state half mutated for the older entries.
		next := working.clone()
		if err := replayChangeSet(next, cs); err != nil {
			entry.Err = err
			history = append(history, entry)
			continue
		}

		working = next
		entry.Consent = working.clone()
		history = append(history, entry)
	}

	return history
}
