package consent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/luminbank/consent-engine/internal/errorutil"
	"github.com/luminbank/consent-engine/internal/page"
	"github.com/luminbank/consent-engine/internal/timex"
	"gorm.io/gorm"
)

const (
	reasonConsentCreated    = "consent created"
	reasonConsentSuperseded = "superseded by new exclusive consent"
	reasonConsentExpired    = "consent reached its expiration date"
)

// TokenRevoker asks the authorization server to invalidate tokens scoped to
// a consent. It is only invoked after the owning transaction has committed.
type TokenRevoker interface {
	Revoke(ctx context.Context, c *DetailedConsent, userID string) error
}

type Service struct {
	db           *gorm.DB
	tokenRevoker TokenRevoker
}

func NewService(db *gorm.DB, tokenRevoker TokenRevoker) Service {
	return Service{
		db:           db,
		tokenRevoker: tokenRevoker,
	}
}

// Create stores a consent with its attributes, the creation audit record and,
// when implicitAuth is set, an authorization bound to userID. Everything runs
// in a single transaction.
func (s Service) Create(
	ctx context.Context,
	c *Consent,
	userID string,
	authStatus AuthorizationStatus,
	authType AuthorizationType,
	implicitAuth bool,
) (*DetailedConsent, error) {
	var detailed *DetailedConsent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		detailed, err = s.create(ctx, tx, c, userID, authStatus, authType, implicitAuth)
		return err
	})
	return detailed, err
}

// CreateExclusive creates a consent after moving every other consent of the
// same client, user and type out of an applicable status, so only one live
// consent remains. Supersession and creation share one transaction.
func (s Service) CreateExclusive(
	ctx context.Context,
	c *Consent,
	userID string,
	authStatus AuthorizationStatus,
	authType AuthorizationType,
	implicitAuth bool,
	applicable []Status,
	supersededStatus Status,
) (*DetailedConsent, error) {
	var detailed *DetailedConsent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.supersede(ctx, tx, c.ClientID, userID, c.Type, applicable, supersededStatus); err != nil {
			return err
		}

		var err error
		detailed, err = s.create(ctx, tx, c, userID, authStatus, authType, implicitAuth)
		return err
	})
	return detailed, err
}

func (s Service) create(
	ctx context.Context,
	tx *gorm.DB,
	c *Consent,
	userID string,
	authStatus AuthorizationStatus,
	authType AuthorizationType,
	implicitAuth bool,
) (*DetailedConsent, error) {
	if err := validateNew(c); err != nil {
		return nil, err
	}

	slog.DebugContext(ctx, "creating consent", "client_id", c.ClientID, "type", c.Type)
	if err := tx.Create(c).Error; err != nil {
		return nil, err
	}

	if len(c.Attributes) != 0 {
		if err := s.storeAttributes(tx, c.ID, c.Attributes); err != nil {
			return nil, err
		}
	}

	// Previous status is nil since this is the first time the consent exists.
	if err := s.recordAudit(tx, c.ID, userID, c.Status, nil, reasonConsentCreated); err != nil {
		return nil, err
	}

	detailed := &DetailedConsent{Consent: *c}
	if implicitAuth {
		auth := Authorization{
			ConsentID: c.ID,
			Status:    authStatus,
			Type:      authType,
			UpdatedAt: timex.Now(),
		}
		// The user can still be unknown at this point; it is bound during
		// the authorization flow.
		if userID != "" {
			auth.UserID = &userID
		}
		if err := tx.Create(&auth).Error; err != nil {
			return nil, err
		}
		detailed.Authorizations = []Authorization{auth}
	}

	return detailed, nil
}

func validateNew(c *Consent) error {
	if c.ClientID == "" || c.Receipt == "" || c.Type == "" || c.Status == "" {
		return errorutil.Format("%w: client id, receipt, type and status are required", ErrMissingValue)
	}

	if c.ExpiresAt != nil && c.ExpiresAt.Before(timex.Now()) {
		return ErrInvalidExpiration
	}

	return nil
}

// SupersedeExisting moves every consent of the client, user and type that is
// in one of the applicable statuses to newStatus, audits each transition and
// deactivates all of their mappings in one batched update.
func (s Service) SupersedeExisting(ctx context.Context, clientID, userID string, consentType Type, applicable []Status, newStatus Status) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.supersede(ctx, tx, clientID, userID, consentType, applicable, newStatus)
	})
}

func (s Service) supersede(ctx context.Context, tx *gorm.DB, clientID, userID string, consentType Type, applicable []Status, newStatus Status) error {
	query := tx.Model(&Consent{}).Where("client_id = ? AND type = ? AND status IN ?", clientID, consentType, applicable)
	if userID != "" {
		query = query.Where("id IN (?)", tx.Model(&Authorization{}).Select("consent_id").Where("user_id = ?", userID))
	}

	var existing []Consent
	if err := query.Find(&existing).Error; err != nil {
		return err
	}

	var mappingIDs []uuid.UUID
	for _, c := range existing {
		detailed, err := s.detailed(ctx, tx, c.ID)
		if err != nil {
			return err
		}

		slog.DebugContext(ctx, "superseding consent", "consent_id", detailed.ID, "new_status", newStatus)
		previousStatus := detailed.Status
		if err := s.updateStatus(tx, detailed.ID, newStatus); err != nil {
			return err
		}
		if err := s.recordAudit(tx, detailed.ID, userID, newStatus, &previousStatus, reasonConsentSuperseded); err != nil {
			return err
		}

		mappingIDs = append(mappingIDs, detailed.MappingIDs()...)
	}

	return s.deactivateMappings(tx, mappingIDs)
}

// ReconcileMappings applies the reconciliation outcome for an authorization:
// new mapping rows are created active, mappings of resources dropped from the
// request are deactivated.
func (s Service) ReconcileMappings(ctx context.Context, authID uuid.UUID, requested map[string][]Permission, detailed *DetailedConsent, newAuthorization bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.reconcile(ctx, tx, authID, requested, detailed.Mappings, newAuthorization)
	})
}

func (s Service) reconcile(ctx context.Context, tx *gorm.DB, authID uuid.UUID, requested map[string][]Permission, existing []Mapping, newAuthorization bool) error {
	update := reconcileMappings(authID, existing, requested, newAuthorization)
	if update.isEmpty() {
		return nil
	}

	slog.DebugContext(ctx, "reconciling mappings", "authorization_id", authID,
		"to_add", len(update.toAdd), "to_deactivate", len(update.toDeactivate))
	if len(update.toAdd) != 0 {
		if err := tx.Create(&update.toAdd).Error; err != nil {
			return err
		}
	}
	return s.deactivateMappings(tx, update.toDeactivate)
}

// DeactivateMappings marks the given mapping rows inactive. Rows are kept to
// preserve history.
func (s Service) DeactivateMappings(ctx context.Context, mappingIDs []uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.deactivateMappings(tx, mappingIDs)
	})
}

func (s Service) deactivateMappings(tx *gorm.DB, mappingIDs []uuid.UUID) error {
	if len(mappingIDs) == 0 {
		return nil
	}
	return tx.Model(&Mapping{}).Where("id IN ?", mappingIDs).
		Updates(map[string]any{"status": MappingStatusInactive, "updated_at": timex.Now()}).Error
}

// RecordStatusChange appends one audit record for a status transition. A nil
// previousStatus denotes consent creation and an empty userID is allowed when
// no authenticated user triggered the event.
func (s Service) RecordStatusChange(ctx context.Context, consentID uuid.UUID, userID string, newStatus Status, previousStatus *Status, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.recordAudit(tx, consentID, userID, newStatus, previousStatus, reason)
	})
}

func (s Service) recordAudit(tx *gorm.DB, consentID uuid.UUID, userID string, newStatus Status, previousStatus *Status, reason string) error {
	audit := StatusAudit{
		ConsentID:      consentID,
		Status:         newStatus,
		PreviousStatus: previousStatus,
		Reason:         reason,
	}
	if userID != "" {
		audit.ActionBy = &userID
	}
	return tx.Create(&audit).Error
}

func (s Service) Consent(ctx context.Context, id uuid.UUID) (*Consent, error) {
	c := &Consent{}
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	attrs, err := s.attributes(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	c.Attributes = attrs
	return c, nil
}

// Detailed assembles the consent with its attributes, authorizations and
// mappings. Reads do not require a transaction.
func (s Service) Detailed(ctx context.Context, id uuid.UUID) (*DetailedConsent, error) {
	return s.detailed(ctx, s.db.WithContext(ctx), id)
}

func (s Service) detailed(_ context.Context, db *gorm.DB, id uuid.UUID) (*DetailedConsent, error) {
	c := &Consent{}
	if err := db.Where("id = ?", id).First(c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	attrs, err := s.attributes(db, id)
	if err != nil {
		return nil, err
	}
	c.Attributes = attrs

	var auths []Authorization
	if err := db.Where("consent_id = ?", id).Order("updated_at ASC").Find(&auths).Error; err != nil {
		return nil, err
	}

	detailed := &DetailedConsent{Consent: *c, Authorizations: auths}
	if len(auths) == 0 {
		return detailed, nil
	}

	authIDs := make([]uuid.UUID, 0, len(auths))
	for _, a := range auths {
		authIDs = append(authIDs, a.ID)
	}
	if err := db.Where("authorization_id IN ?", authIDs).Order("created_at ASC").Find(&detailed.Mappings).Error; err != nil {
		return nil, err
	}

	return detailed, nil
}

// Amend updates a consent's basic data, replaces its attributes wholesale,
// reconciles its mappings and records the backward delta as one amendment,
// all in a single transaction.
func (s Service) Amend(
	ctx context.Context,
	consentID uuid.UUID,
	receipt string,
	expiresAt *time.Time,
	userID string,
	attributes map[string]string,
	requested map[string][]Permission,
	reason string,
) (*DetailedConsent, error) {
	if reason == "" {
		return nil, errorutil.Format("%w: amendment reason is required", ErrMissingValue)
	}

	var amended *DetailedConsent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		previous, err := s.detailed(ctx, tx, consentID)
		if err != nil {
			return err
		}

		updates := map[string]any{"updated_at": timex.Now()}
		if receipt != "" {
			updates["receipt"] = receipt
		}
		if expiresAt != nil {
			updates["expires_at"] = expiresAt
		}
		if err := tx.Model(&Consent{}).Where("id = ?", consentID).Updates(updates).Error; err != nil {
			return err
		}

		if attributes != nil {
			// Attributes are replaced wholesale: old set deleted, new set
			// inserted.
			if err := tx.Where("consent_id = ?", consentID).Delete(&Attribute{}).Error; err != nil {
				return err
			}
			if err := s.storeAttributes(tx, consentID, attributes); err != nil {
				return err
			}
		}

		if requested != nil {
			if len(previous.Authorizations) == 0 {
				return errorutil.Format("%w: consent has no authorization to reconcile mappings against", ErrAuthorizationNotFound)
			}
			authID := previous.Authorizations[0].ID
			if err := s.reconcile(ctx, tx, authID, requested, previous.Mappings, false); err != nil {
				return err
			}
		}

		current, err := s.detailed(ctx, tx, consentID)
		if err != nil {
			return err
		}

		if _, err := s.storeAmendment(ctx, tx, current, previous, reason); err != nil {
			return err
		}

		amended = current
		return nil
	})
	return amended, err
}

// StoreAmendment diffs the prior and current state of a consent and persists
// the delta as a history entry, returning its id. A no-op amendment yields
// uuid.Nil.
func (s Service) StoreAmendment(ctx context.Context, previous, current *DetailedConsent, reason string) (uuid.UUID, error) {
	if reason == "" {
		return uuid.Nil, errorutil.Format("%w: amendment reason is required", ErrMissingValue)
	}

	var historyID uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		historyID, err = s.storeAmendment(ctx, tx, current, previous, reason)
		return err
	})
	return historyID, err
}

func (s Service) storeAmendment(ctx context.Context, tx *gorm.DB, current, previous *DetailedConsent, reason string) (uuid.UUID, error) {
	cs := diffConsents(current, previous)
	if cs.IsEmpty() {
		slog.DebugContext(ctx, "amendment produced no changes", "consent_id", current.ID)
		return uuid.Nil, nil
	}

	changes, err := json.Marshal(cs)
	if err != nil {
		return uuid.Nil, err
	}

	amendment := Amendment{
		ConsentID: current.ID,
		Reason:    reason,
		// Tied to the timestamp of the state this amendment replaced.
		AmendedAt: previous.UpdatedAt,
		Changes:   string(changes),
	}
	if err := tx.Create(&amendment).Error; err != nil {
		return uuid.Nil, err
	}
	return amendment.ID, nil
}

// History reconstructs the consent as it stood at every past amendment by
// replaying the stored deltas, newest first, against the current state.
// Corrupt entries are reported per entry and do not fail the chain.
func (s Service) History(ctx context.Context, consentID uuid.UUID) ([]AmendedConsent, error) {
	current, err := s.Detailed(ctx, consentID)
	if err != nil {
		return nil, err
	}

	var amendments []Amendment
	if err := s.db.WithContext(ctx).
		Where("consent_id = ?", consentID).
		Order("amended_at DESC, created_at DESC").
		Find(&amendments).Error; err != nil {
		return nil, err
	}

	return reconstructHistory(current, amendments), nil
}

// Revoke moves the consent to newStatus, audits the transition and
// deactivates every mapping. When revokeTokens is set, the token revocation
// request is fired only after the transaction has committed; its failure is
// reported as [ErrTokenRevocation] but the consent mutation stands.
func (s Service) Revoke(ctx context.Context, consentID uuid.UUID, newStatus Status, userID, reason string, revokeTokens bool) error {
	var (
		revoked       *DetailedConsent
		consentUserID string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		detailed, err := s.detailed(ctx, tx, consentID)
		if err != nil {
			return err
		}

		if revokeTokens {
			consentUserID = s.ActionByUser(detailed)
			if consentUserID == "" {
				return errorutil.Format("%w: a bound user is required for token revocation", ErrMissingValue)
			}
			if userID != "" && userID != consentUserID {
				return ErrUserMismatch
			}
		}

		previousStatus := detailed.Status
		if err := s.updateStatus(tx, consentID, newStatus); err != nil {
			return err
		}
		if err := s.recordAudit(tx, consentID, userID, newStatus, &previousStatus, reason); err != nil {
			return err
		}
		if err := s.deactivateMappings(tx, detailed.MappingIDs()); err != nil {
			return err
		}

		revoked = detailed
		return nil
	})
	if err != nil {
		return err
	}

	if !revokeTokens {
		return nil
	}

	if err := s.tokenRevoker.Revoke(ctx, revoked, consentUserID); err != nil {
		slog.ErrorContext(ctx, "token revocation failed after consent revocation", "consent_id", consentID, "error", err)
		return errorutil.Format("%w: %v", ErrTokenRevocation, err)
	}
	return nil
}

// UpdateStatus transitions the consent and appends the matching audit record.
func (s Service) UpdateStatus(ctx context.Context, consentID uuid.UUID, newStatus Status, userID, reason string) (*Consent, error) {
	var updated *Consent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c := &Consent{}
		if err := tx.Where("id = ?", consentID).First(c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		previousStatus := c.Status
		if err := s.updateStatus(tx, consentID, newStatus); err != nil {
			return err
		}
		if err := s.recordAudit(tx, consentID, userID, newStatus, &previousStatus, reason); err != nil {
			return err
		}

		c.Status = newStatus
		c.UpdatedAt = timex.Now()
		updated = c
		return nil
	})
	return updated, err
}

func (s Service) updateStatus(tx *gorm.DB, consentID uuid.UUID, newStatus Status) error {
	return tx.Model(&Consent{}).Where("id = ?", consentID).
		Updates(map[string]any{"status": newStatus, "updated_at": timex.Now()}).Error
}

// Reauthorize binds the user to an existing authorization, updates its status
// and reconciles the mappings for the newly selected resources. The consent
// status transition, if any, is audited.
func (s Service) Reauthorize(
	ctx context.Context,
	consentID, authID uuid.UUID,
	userID string,
	authStatus AuthorizationStatus,
	newConsentStatus Status,
	requested map[string][]Permission,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		detailed, err := s.detailed(ctx, tx, consentID)
		if err != nil {
			return err
		}

		var auth *Authorization
		for i := range detailed.Authorizations {
			if detailed.Authorizations[i].ID == authID {
				auth = &detailed.Authorizations[i]
				break
			}
		}
		if auth == nil {
			return ErrAuthorizationNotFound
		}

		updates := map[string]any{"status": authStatus, "updated_at": timex.Now()}
		if userID != "" {
			updates["user_id"] = userID
		}
		if err := tx.Model(&Authorization{}).Where("id = ?", authID).Updates(updates).Error; err != nil {
			return err
		}

		if newConsentStatus != "" && newConsentStatus != detailed.Status {
			previousStatus := detailed.Status
			if err := s.updateStatus(tx, consentID, newConsentStatus); err != nil {
				return err
			}
			if err := s.recordAudit(tx, consentID, userID, newConsentStatus, &previousStatus, "consent re-authorized"); err != nil {
				return err
			}
		}

		return s.reconcile(ctx, tx, authID, requested, detailed.Mappings, false)
	})
}

// ReauthorizeWithNewAuthorization records the re-authorization as a brand new
// authorization. Mappings for resources kept from the previous authorization
// are re-created under the new one, since rows are owned by the authorization
// that created them.
func (s Service) ReauthorizeWithNewAuthorization(
	ctx context.Context,
	consentID uuid.UUID,
	userID string,
	authStatus AuthorizationStatus,
	authType AuthorizationType,
	newConsentStatus Status,
	requested map[string][]Permission,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		detailed, err := s.detailed(ctx, tx, consentID)
		if err != nil {
			return err
		}

		auth := Authorization{
			ConsentID: consentID,
			Status:    authStatus,
			Type:      authType,
			UpdatedAt: timex.Now(),
		}
		if userID != "" {
			auth.UserID = &userID
		}
		if err := tx.Create(&auth).Error; err != nil {
			return err
		}

		if newConsentStatus != "" && newConsentStatus != detailed.Status {
			previousStatus := detailed.Status
			if err := s.updateStatus(tx, consentID, newConsentStatus); err != nil {
				return err
			}
			if err := s.recordAudit(tx, consentID, userID, newConsentStatus, &previousStatus, "consent re-authorized"); err != nil {
				return err
			}
		}

		return s.reconcile(ctx, tx, auth.ID, requested, detailed.Mappings, true)
	})
}

// ActionByUser resolves the user a consent action should be attributed to.
// Priority goes to the primary authorization, then to the first authorization
// holding a user, else empty.
func (s Service) ActionByUser(detailed *DetailedConsent) string {
	for _, a := range detailed.Authorizations {
		if a.Type == AuthorizationTypePrimary && a.UserID != nil {
			return *a.UserID
		}
	}
	for _, a := range detailed.Authorizations {
		if a.UserID != nil {
			return *a.UserID
		}
	}
	return ""
}

// StatusAudits returns the audit trail of a consent, most recent first.
func (s Service) StatusAudits(ctx context.Context, consentID uuid.UUID, pag page.Pagination) (page.Page[*StatusAudit], error) {
	var audits []*StatusAudit
	if err := s.db.WithContext(ctx).
		Where("consent_id = ?", consentID).
		Limit(pag.Limit()).
		Offset(pag.Offset()).
		Order("created_at DESC").
		Find(&audits).Error; err != nil {
		return page.Page[*StatusAudit]{}, err
	}

	// Counted on its own chain; the limit and offset above must not bleed
	// into the total.
	var total int64
	if err := s.db.WithContext(ctx).Model(&StatusAudit{}).
		Where("consent_id = ?", consentID).
		Count(&total).Error; err != nil {
		return page.Page[*StatusAudit]{}, err
	}

	return page.New(audits, pag, int(total)), nil
}

// Attributes returns the consent's attributes, filtered by keys when given.
func (s Service) Attributes(ctx context.Context, consentID uuid.UUID, keys ...string) (map[string]string, error) {
	db := s.db.WithContext(ctx)
	if len(keys) != 0 {
		db = db.Where("key IN ?", keys)
	}
	return s.attributes(db, consentID)
}

func (s Service) attributes(db *gorm.DB, consentID uuid.UUID) (map[string]string, error) {
	var rows []Attribute
	if err := db.Where("consent_id = ?", consentID).Find(&rows).Error; err != nil {
		return nil, err
	}

	attrs := make(map[string]string, len(rows))
	for _, row := range rows {
		attrs[row.Key] = row.Value
	}
	return attrs, nil
}

func (s Service) StoreAttributes(ctx context.Context, consentID uuid.UUID, attributes map[string]string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.storeAttributes(tx, consentID, attributes)
	})
}

func (s Service) storeAttributes(tx *gorm.DB, consentID uuid.UUID, attributes map[string]string) error {
	if len(attributes) == 0 {
		return nil
	}

	rows := make([]Attribute, 0, len(attributes))
	for key, value := range attributes {
		rows = append(rows, Attribute{ConsentID: consentID, Key: key, Value: value})
	}
	return tx.Create(&rows).Error
}

func (s Service) DeleteAttributes(ctx context.Context, consentID uuid.UUID, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("consent_id = ? AND key IN ?", consentID, keys).Delete(&Attribute{}).Error
}

// DueForExpiration lists consents in one of the given statuses whose
// expiration date has passed, defaulting to authorized ones. The scheduler
// uses it to sweep overdue consents.
func (s Service) DueForExpiration(ctx context.Context, statuses ...Status) ([]*DetailedConsent, error) {
	if len(statuses) == 0 {
		statuses = []Status{StatusAuthorized}
	}

	var expired []Consent
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND expires_at IS NOT NULL AND expires_at <= ?", statuses, timex.Now()).
		Find(&expired).Error; err != nil {
		return nil, err
	}

	due := make([]*DetailedConsent, 0, len(expired))
	for _, c := range expired {
		detailed, err := s.Detailed(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		due = append(due, detailed)
	}
	return due, nil
}

// Expire transitions every overdue consent to expired. Each consent is
// processed in its own transaction so one failure does not block the sweep.
func (s Service) Expire(ctx context.Context) error {
	due, err := s.DueForExpiration(ctx)
	if err != nil {
		return err
	}

	var sweepErr error
	for _, detailed := range due {
		slog.DebugContext(ctx, "expiring consent", "consent_id", detailed.ID)
		if err := s.Revoke(ctx, detailed.ID, StatusExpired, "", reasonConsentExpired, false); err != nil {
			slog.ErrorContext(ctx, "failed to expire consent", "consent_id", detailed.ID, "error", err)
			sweepErr = errors.Join(sweepErr, err)
		}
	}
	return sweepErr
}
