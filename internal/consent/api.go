package consent

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/luikyv/go-oidc/pkg/goidc"
	"github.com/luminbank/consent-engine/internal/api"
	"github.com/luminbank/consent-engine/internal/page"
	"github.com/luminbank/consent-engine/internal/timex"
)

var (
	errBadRequest = api.NewError("INVALID_REQUEST", http.StatusBadRequest, "invalid request")
	errNotFound   = api.NewError("NOT_FOUND", http.StatusNotFound, "consent not found")
)

type Server struct {
	host    string
	service Service
}

func NewServer(host string, service Service) Server {
	return Server{
		host:    host,
		service: service,
	}
}

func (s Server) Register(mux *http.ServeMux) {
	consentMux := http.NewServeMux()

	handler := s.createHandler()
	handler = api.AuthScopesMiddleware(handler, Scope)
	consentMux.Handle("POST /open-banking/consents/v1/consents", handler)

	handler = s.consentHandler()
	handler = api.AuthScopesMiddleware(handler, Scope)
	consentMux.Handle("GET /open-banking/consents/v1/consents/{id}", handler)

	handler = s.amendHandler()
	handler = api.AuthScopesMiddleware(handler, Scope)
	consentMux.Handle("PUT /open-banking/consents/v1/consents/{id}", handler)

	handler = s.revokeHandler()
	handler = api.AuthScopesMiddleware(handler, Scope)
	consentMux.Handle("DELETE /open-banking/consents/v1/consents/{id}", handler)

	handler = s.authorizeHandler()
	handler = api.AuthScopesMiddleware(handler, goidc.ScopeOpenID, ScopeID)
	consentMux.Handle("POST /open-banking/consents/v1/consents/{id}/authorisations/{authorisationId}", handler)

	handler = s.historyHandler()
	handler = api.AuthScopesMiddleware(handler, Scope)
	consentMux.Handle("GET /open-banking/consents/v1/consents/{id}/history", handler)

	handler = s.statusAuditsHandler()
	handler = api.AuthScopesMiddleware(handler, Scope)
	consentMux.Handle("GET /open-banking/consents/v1/consents/{id}/status-audits", handler)

	handler = s.attributesHandler()
	handler = api.AuthScopesMiddleware(handler, Scope)
	consentMux.Handle("GET /open-banking/consents/v1/consents/{id}/attributes", handler)

	handler = consentMux
	handler = api.FAPIIDMiddleware(handler)
	mux.Handle("/open-banking/consents/", handler)
}

func (s Server) createHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteError(w, r, errBadRequest)
			return
		}

		if err := req.validate(); err != nil {
			writeError(w, r, err)
			return
		}

		clientID, _ := r.Context().Value(api.CtxKeyClientID).(string)
		sub, _ := r.Context().Value(api.CtxKeySubject).(string)
		c := req.toConsent(clientID)

		detailed, err := s.service.CreateExclusive(
			r.Context(),
			c,
			sub,
			AuthorizationStatusCreated,
			AuthorizationTypePrimary,
			true,
			[]Status{StatusAwaitingAuthorization},
			StatusRejected,
		)
		if err != nil {
			writeError(w, r, err)
			return
		}

		api.WriteJSON(w, toDetailedResponse(detailed, s.host), http.StatusCreated)
	})
}

func (s Server) consentHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := parseConsentID(r.PathValue("id"))
		if err != nil {
			api.WriteError(w, r, errBadRequest)
			return
		}

		detailed, err := s.service.Detailed(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}

		api.WriteJSON(w, toDetailedResponse(detailed, s.host), http.StatusOK)
	})
}

func (s Server) amendHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := parseConsentID(r.PathValue("id"))
		if err != nil {
			api.WriteError(w, r, errBadRequest)
			return
		}

		var req amendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteError(w, r, errBadRequest)
			return
		}

		sub, _ := r.Context().Value(api.CtxKeySubject).(string)
		var expiresAt *time.Time
		if req.Data.ExpirationDateTime != nil {
			expiresAt = &req.Data.ExpirationDateTime.Time
		}

		detailed, err := s.service.Amend(
			r.Context(),
			id,
			req.Data.Receipt,
			expiresAt,
			sub,
			req.Data.Attributes,
			req.Data.Resources,
			req.Data.Reason,
		)
		if err != nil {
			writeError(w, r, err)
			return
		}

		api.WriteJSON(w, toDetailedResponse(detailed, s.host), http.StatusOK)
	})
}

func (s Server) revokeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := parseConsentID(r.PathValue("id"))
		if err != nil {
			api.WriteError(w, r, errBadRequest)
			return
		}

		sub, _ := r.Context().Value(api.CtxKeySubject).(string)
		if err := s.service.Revoke(r.Context(), id, StatusRevoked, sub, "consent revoked by the user", true); err != nil {
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

func (s Server) authorizeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := parseConsentID(r.PathValue("id"))
		if err != nil {
			api.WriteError(w, r, errBadRequest)
			return
		}

		authID, err := uuid.Parse(r.PathValue("authorisationId"))
		if err != nil {
			api.WriteError(w, r, errBadRequest)
			return
		}

		var req authorizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteError(w, r, errBadRequest)
			return
		}
		if err := req.validate(); err != nil {
			writeError(w, r, err)
			return
		}

		sub, _ := r.Context().Value(api.CtxKeySubject).(string)
		consentStatus := StatusRejected
		if req.Data.Status == AuthorizationStatusAuthorized {
			consentStatus = StatusAuthorized
		}

		if err := s.service.Reauthorize(r.Context(), id, authID, sub, req.Data.Status, consentStatus, req.Data.Resources); err != nil {
			writeError(w, r, err)
			return
		}

		detailed, err := s.service.Detailed(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}

		api.WriteJSON(w, toDetailedResponse(detailed, s.host), http.StatusOK)
	})
}

func (s Server) historyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := parseConsentID(r.PathValue("id"))
		if err != nil {
			api.WriteError(w, r, errBadRequest)
			return
		}

		history, err := s.service.History(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}

		api.WriteJSON(w, toHistoryResponse(history), http.StatusOK)
	})
}

func (s Server) statusAuditsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := parseConsentID(r.PathValue("id"))
		if err != nil {
			api.WriteError(w, r, errBadRequest)
			return
		}

		pag, err := api.NewPagination(r)
		if err != nil {
			api.WriteError(w, r, errBadRequest)
			return
		}

		audits, err := s.service.StatusAudits(r.Context(), id, pag)
		if err != nil {
			writeError(w, r, err)
			return
		}

		api.WriteJSON(w, toStatusAuditsResponse(audits), http.StatusOK)
	})
}

func (s Server) attributesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := parseConsentID(r.PathValue("id"))
		if err != nil {
			api.WriteError(w, r, errBadRequest)
			return
		}

		attrs, err := s.service.Attributes(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}

		resp := attributesResponse{Meta: api.NewMeta()}
		resp.Data.ConsentID = URNPrefix + id.String()
		resp.Data.Attributes = attrs
		api.WriteJSON(w, resp, http.StatusOK)
	})
}

func parseConsentID(urn string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimPrefix(urn, URNPrefix))
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAuthorizationNotFound):
		api.WriteError(w, r, errNotFound)
	case errors.Is(err, ErrMissingValue), errors.Is(err, ErrInvalidExpiration):
		api.WriteError(w, r, api.NewError("INVALID_REQUEST", http.StatusBadRequest, err.Error()))
	case errors.Is(err, ErrUserMismatch):
		api.WriteError(w, r, api.NewError("FORBIDDEN", http.StatusForbidden, err.Error()))
	case errors.Is(err, ErrTokenRevocation):
		// The consent mutation is already committed at this point.
		api.WriteError(w, r, api.NewError("TOKEN_REVOCATION_ERROR", http.StatusBadGateway, err.Error()))
	default:
		api.WriteError(w, r, err)
	}
}

type createRequest struct {
	Data struct {
		Type               Type              `json:"type"`
		ExpirationDateTime *timex.DateTime   `json:"expirationDateTime,omitempty"`
		Frequency          int               `json:"frequency,omitempty"`
		Recurring          bool              `json:"recurringIndicator,omitempty"`
		Attributes         map[string]string `json:"attributes,omitempty"`
	} `json:"data"`
}

func (req createRequest) validate() error {
	if req.Data.Type == "" {
		return errorMissing("type")
	}
	return nil
}

func (req createRequest) toConsent(clientID string) *Consent {
	// The raw request data is kept as the consent receipt.
	receipt, _ := json.Marshal(req.Data)
	c := &Consent{
		ClientID:   clientID,
		Receipt:    string(receipt),
		Type:       req.Data.Type,
		Status:     StatusAwaitingAuthorization,
		Frequency:  req.Data.Frequency,
		Recurring:  req.Data.Recurring,
		Attributes: req.Data.Attributes,
	}
	if req.Data.ExpirationDateTime != nil {
		c.ExpiresAt = &req.Data.ExpirationDateTime.Time
	}
	return c
}

type amendRequest struct {
	Data struct {
		Receipt            string                  `json:"receipt,omitempty"`
		ExpirationDateTime *timex.DateTime         `json:"expirationDateTime,omitempty"`
		Attributes         map[string]string       `json:"attributes,omitempty"`
		Resources          map[string][]Permission `json:"resources,omitempty"`
		Reason             string                  `json:"reason"`
	} `json:"data"`
}

type authorizeRequest struct {
	Data struct {
		Status    AuthorizationStatus     `json:"status"`
		Resources map[string][]Permission `json:"resources"`
	} `json:"data"`
}

func (req authorizeRequest) validate() error {
	if req.Data.Status != AuthorizationStatusAuthorized && req.Data.Status != AuthorizationStatusRejected {
		return errorMissing("status")
	}
	return nil
}

func errorMissing(field string) error {
	return api.NewError("INVALID_REQUEST", http.StatusBadRequest, "missing or invalid field: "+field)
}

type detailedResponse struct {
	Data  detailedData `json:"data"`
	Links api.Links    `json:"links"`
	Meta  api.Meta     `json:"meta"`
}

type detailedData struct {
	ConsentID            string              `json:"consentId"`
	Status               Status              `json:"status"`
	Type                 Type                `json:"type"`
	CreationDateTime     timex.DateTime      `json:"creationDateTime"`
	StatusUpdateDateTime timex.DateTime      `json:"statusUpdateDateTime"`
	ExpirationDateTime   *timex.DateTime     `json:"expirationDateTime,omitempty"`
	Recurring            bool                `json:"recurringIndicator,omitempty"`
	Frequency            int                 `json:"frequency,omitempty"`
	Attributes           map[string]string   `json:"attributes,omitempty"`
	Authorisations       []authorizationData `json:"authorisations,omitempty"`
	Resources            []mappingData       `json:"resources,omitempty"`
}

type authorizationData struct {
	AuthorisationID string              `json:"authorisationId"`
	UserID          *string             `json:"userId,omitempty"`
	Type            AuthorizationType   `json:"type"`
	Status          AuthorizationStatus `json:"status"`
}

type mappingData struct {
	MappingID       string        `json:"mappingId"`
	AuthorisationID string        `json:"authorisationId"`
	ResourceID      string        `json:"resourceId"`
	Permission      Permission    `json:"permission"`
	Status          MappingStatus `json:"status"`
}

func toDetailedResponse(detailed *DetailedConsent, host string) detailedResponse {
	resp := detailedResponse{
		Data:  toDetailedData(detailed),
		Links: api.Links{Self: host + "/open-banking/consents/v1/consents/" + detailed.URN()},
		Meta:  api.NewMeta(),
	}
	return resp
}

func toDetailedData(detailed *DetailedConsent) detailedData {
	data := detailedData{
		ConsentID:            detailed.URN(),
		Status:               detailed.Status,
		Type:                 detailed.Type,
		CreationDateTime:     timex.NewDateTime(detailed.CreatedAt),
		StatusUpdateDateTime: timex.NewDateTime(detailed.UpdatedAt),
		Recurring:            detailed.Recurring,
		Frequency:            detailed.Frequency,
		Attributes:           detailed.Attributes,
	}
	if detailed.ExpiresAt != nil {
		expiresAt := timex.NewDateTime(*detailed.ExpiresAt)
		data.ExpirationDateTime = &expiresAt
	}
	for _, a := range detailed.Authorizations {
		data.Authorisations = append(data.Authorisations, authorizationData{
			AuthorisationID: a.ID.String(),
			UserID:          a.UserID,
			Type:            a.Type,
			Status:          a.Status,
		})
	}
	for _, m := range detailed.Mappings {
		data.Resources = append(data.Resources, mappingData{
			MappingID:       m.ID.String(),
			AuthorisationID: m.AuthorizationID.String(),
			ResourceID:      m.ResourceID,
			Permission:      m.Permission,
			Status:          m.Status,
		})
	}
	return data
}

type historyResponse struct {
	Data []historyData `json:"data"`
	Meta api.Meta      `json:"meta"`
}

type historyData struct {
	HistoryID       string         `json:"historyId"`
	Reason          string         `json:"reason"`
	AmendedDateTime timex.DateTime `json:"amendedDateTime"`
	Consent         *detailedData  `json:"consent,omitempty"`
	Error           string         `json:"error,omitempty"`
}

func toHistoryResponse(history []AmendedConsent) historyResponse {
	resp := historyResponse{
		Data: make([]historyData, 0, len(history)),
		Meta: api.NewMeta(),
	}
	for _, entry := range history {
		data := historyData{
			HistoryID:       entry.HistoryID.String(),
			Reason:          entry.Reason,
			AmendedDateTime: timex.NewDateTime(entry.AmendedAt),
		}
		if entry.Err != nil {
			data.Error = entry.Err.Error()
		} else {
			consent := toDetailedData(entry.Consent)
			data.Consent = &consent
		}
		resp.Data = append(resp.Data, data)
	}
	return resp
}

type statusAuditsResponse struct {
	Data []statusAuditData `json:"data"`
	Meta api.Meta          `json:"meta"`
}

type statusAuditData struct {
	AuditID            string         `json:"auditId"`
	Status             Status         `json:"status"`
	PreviousStatus     *Status        `json:"previousStatus,omitempty"`
	Reason             string         `json:"reason,omitempty"`
	ActionBy           *string        `json:"actionBy,omitempty"`
	StatusUpdationTime timex.DateTime `json:"statusUpdationTime"`
}

func toStatusAuditsResponse(audits page.Page[*StatusAudit]) statusAuditsResponse {
	resp := statusAuditsResponse{
		Data: make([]statusAuditData, 0, len(audits.Records)),
		Meta: api.NewPageMeta(audits),
	}
	for _, audit := range audits.Records {
		resp.Data = append(resp.Data, statusAuditData{
			AuditID:            audit.ID.String(),
			Status:             audit.Status,
			PreviousStatus:     audit.PreviousStatus,
			Reason:             audit.Reason,
			ActionBy:           audit.ActionBy,
			StatusUpdationTime: timex.NewDateTime(audit.CreatedAt),
		})
	}
	return resp
}

type attributesResponse struct {
	Data struct {
		ConsentID  string            `json:"consentId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"data"`
	Meta api.Meta `json:"meta"`
}
