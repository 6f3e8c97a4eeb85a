package consent

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/luikyv/go-oidc/pkg/goidc"
	"github.com/luminbank/consent-engine/internal/timex"
	"gorm.io/gorm"
)

const URNPrefix = "urn:luminbank:"

var (
	ScopeID = goidc.NewDynamicScope("consent", func(requestedScope string) bool {
		return strings.HasPrefix(requestedScope, "consent:")
	})
	Scope = goidc.NewScope("consents")
)

// Consent is one long-lived authorization grant from a user to a client. The
// row is never physically deleted; terminal states supersede it instead.
type Consent struct {
	ID        uuid.UUID `gorm:"primaryKey"`
	ClientID  string
	Receipt   string
	Type      Type
	Status    Status
	Frequency int
	Recurring bool
	ExpiresAt *time.Time

	// Attributes is free-form metadata replaced wholesale on update. It is
	// persisted in its own table, not as a column.
	Attributes map[string]string `gorm:"-"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Consent) TableName() string {
	return "consents"
}

func (c *Consent) BeforeCreate(_ *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

func (c Consent) URN() string {
	return URNPrefix + c.ID.String()
}

func (c Consent) IsAuthorized() bool {
	return c.Status == StatusAuthorized
}

func (c Consent) IsAwaitingAuthorization() bool {
	return c.Status == StatusAwaitingAuthorization
}

// IsExpired returns true if the status is [StatusAuthorized] and the consent
// reached the expiration date.
func (c Consent) IsExpired() bool {
	if c.ExpiresAt == nil {
		return false
	}
	return c.Status == StatusAuthorized && timex.Now().After(*c.ExpiresAt)
}

type Status string

const (
	StatusAwaitingAuthorization Status = "AWAITING_AUTHORISATION"
	StatusAuthorized            Status = "AUTHORISED"
	StatusRejected              Status = "REJECTED"
	StatusRevoked               Status = "REVOKED"
	StatusExpired               Status = "EXPIRED"
)

type Type string

const (
	TypeAccounts          Type = "ACCOUNTS"
	TypePayments          Type = "PAYMENTS"
	TypeFundsConfirmation Type = "FUNDS_CONFIRMATIONS"
)

// Authorization records one user's act of authorizing (or re-authorizing) a
// consent. The user is bound later when created implicitly at consent time.
type Authorization struct {
	ID        uuid.UUID `gorm:"primaryKey"`
	ConsentID uuid.UUID
	UserID    *string
	Type      AuthorizationType
	Status    AuthorizationStatus
	UpdatedAt time.Time
}

func (Authorization) TableName() string {
	return "consent_authorizations"
}

func (a *Authorization) BeforeCreate(_ *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

type AuthorizationType string

const (
	AuthorizationTypePrimary         AuthorizationType = "PRIMARY"
	AuthorizationTypeReauthorization AuthorizationType = "REAUTHORISATION"
)

type AuthorizationStatus string

const (
	AuthorizationStatusCreated    AuthorizationStatus = "CREATED"
	AuthorizationStatusAuthorized AuthorizationStatus = "AUTHORISED"
	AuthorizationStatusRejected   AuthorizationStatus = "REJECTED"
)

// Mapping binds one resource and permission to an authorization. Rows are
// owned 1:1 by the authorization that created them and are deactivated, never
// deleted, so past grants stay reconstructible.
type Mapping struct {
	ID              uuid.UUID `gorm:"primaryKey"`
	AuthorizationID uuid.UUID
	ResourceID      string
	Permission      Permission
	Status          MappingStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Mapping) TableName() string {
	return "consent_mappings"
}

func (m *Mapping) BeforeCreate(_ *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

type MappingStatus string

const (
	MappingStatusActive   MappingStatus = "ACTIVE"
	MappingStatusInactive MappingStatus = "INACTIVE"
)

type Permission string

const (
	PermissionAccountsRead             Permission = "ACCOUNTS_READ"
	PermissionAccountsBalanceRead      Permission = "ACCOUNTS_BALANCES_READ"
	PermissionAccountsTransactionsRead Permission = "ACCOUNTS_TRANSACTIONS_READ"
	PermissionPaymentsWrite            Permission = "PAYMENTS_WRITE"
	PermissionFundsConfirmationRead    Permission = "FUNDS_CONFIRMATIONS_READ"
)

// Attribute is one free-form key/value pair attached to a consent.
type Attribute struct {
	ConsentID uuid.UUID `gorm:"primaryKey"`
	Key       string    `gorm:"primaryKey"`
	Value     string
}

func (Attribute) TableName() string {
	return "consent_attributes"
}

// StatusAudit is one immutable log line of a status transition. Append only.
type StatusAudit struct {
	ID             uuid.UUID `gorm:"primaryKey"`
	ConsentID      uuid.UUID
	Status         Status
	PreviousStatus *Status
	Reason         string
	ActionBy       *string
	CreatedAt      time.Time
}

func (StatusAudit) TableName() string {
	return "consent_status_audits"
}

func (a *StatusAudit) BeforeCreate(_ *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// Amendment captures only the fields changed by one amendment as a backward
// delta. Replaying amendments newest to oldest against the current consent
// reproduces every past state.
type Amendment struct {
	ID        uuid.UUID `gorm:"primaryKey"`
	ConsentID uuid.UUID
	Reason    string
	// AmendedAt is the updated time of the state this amendment replaced.
	AmendedAt time.Time
	// Changes is the JSON encoded ChangeSet.
	Changes   string
	CreatedAt time.Time
}

func (Amendment) TableName() string {
	return "consent_amendments"
}

func (a *Amendment) BeforeCreate(_ *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// DetailedConsent is the read-side aggregate of a consent with its
// attributes, authorizations and mappings. It is assembled, not persisted.
type DetailedConsent struct {
	Consent
	Authorizations []Authorization
	Mappings       []Mapping
}

// MappingIDs returns the ids of every mapping, regardless of status.
func (d DetailedConsent) MappingIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(d.Mappings))
	for _, m := range d.Mappings {
		ids = append(ids, m.ID)
	}
	return ids
}

func (d DetailedConsent) clone() *DetailedConsent {
	cp := d
	cp.Attributes = make(map[string]string, len(d.Attributes))
	for k, v := range d.Attributes {
		cp.Attributes[k] = v
	}
	cp.Authorizations = slices.Clone(d.Authorizations)
	cp.Mappings = slices.Clone(d.Mappings)
	for i, a := range d.Authorizations {
		if a.UserID != nil {
			userID := *a.UserID
			cp.Authorizations[i].UserID = &userID
		}
	}
	if d.ExpiresAt != nil {
		expiresAt := *d.ExpiresAt
		cp.ExpiresAt = &expiresAt
	}
	return &cp
}
