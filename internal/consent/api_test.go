package consent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/luminbank/consent-engine/internal/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHost = "https://consent.luminbank.local"

func setupMux(t *testing.T) (*http.ServeMux, *fakeRevoker) {
	t.Helper()
	service, revoker := setupService(t)
	mux := http.NewServeMux()
	NewServer(testHost, service).Register(mux)
	return mux, revoker
}

func doRequest(t *testing.T, mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(api.HeaderXFAPIInteractionID, uuid.NewString())
	req.Header.Set(api.HeaderClientID, "client-one")
	req.Header.Set(api.HeaderSubject, "ralph.bragg")
	req.Header.Set(api.HeaderScopes, "openid consents")

	resp := httptest.NewRecorder()
	mux.ServeHTTP(resp, req)
	return resp
}

func createViaAPI(t *testing.T, mux *http.ServeMux) string {
	t.Helper()
	resp := doRequest(t, mux, http.MethodPost, "/open-banking/consents/v1/consents",
		`{"data":{"type":"ACCOUNTS","attributes":{"channel":"web"}}}`)
	require.Equal(t, http.StatusCreated, resp.Code)

	var payload struct {
		Data struct {
			ConsentID string `json:"consentId"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	require.True(t, strings.HasPrefix(payload.Data.ConsentID, URNPrefix))
	return payload.Data.ConsentID
}

func TestServer_CreateAndGet(t *testing.T) {
	mux, _ := setupMux(t)

	consentURN := createViaAPI(t, mux)

	resp := doRequest(t, mux, http.MethodGet, "/open-banking/consents/v1/consents/"+consentURN, "")
	require.Equal(t, http.StatusOK, resp.Code)

	var payload struct {
		Data struct {
			ConsentID      string `json:"consentId"`
			Status         string `json:"status"`
			Type           string `json:"type"`
			Authorisations []struct {
				UserID string `json:"userId"`
				Type   string `json:"type"`
			} `json:"authorisations"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	assert.Equal(t, consentURN, payload.Data.ConsentID)
	assert.Equal(t, string(StatusAwaitingAuthorization), payload.Data.Status)
	assert.Equal(t, string(TypeAccounts), payload.Data.Type)
	require.Len(t, payload.Data.Authorisations, 1)
	assert.Equal(t, "ralph.bragg", payload.Data.Authorisations[0].UserID)
	assert.Equal(t, string(AuthorizationTypePrimary), payload.Data.Authorisations[0].Type)
}

func TestServer_GetUnknownConsent(t *testing.T) {
	mux, _ := setupMux(t)

	resp := doRequest(t, mux, http.MethodGet, "/open-banking/consents/v1/consents/"+URNPrefix+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestServer_InvalidConsentID(t *testing.T) {
	mux, _ := setupMux(t)

	resp := doRequest(t, mux, http.MethodGet, "/open-banking/consents/v1/consents/not-a-urn", "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestServer_MissingInteractionID(t *testing.T) {
	mux, _ := setupMux(t)

	req := httptest.NewRequest(http.MethodGet, "/open-banking/consents/v1/consents/"+URNPrefix+uuid.NewString(), nil)
	req.Header.Set(api.HeaderClientID, "client-one")
	req.Header.Set(api.HeaderScopes, "consents")

	resp := httptest.NewRecorder()
	mux.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestServer_MissingScopes(t *testing.T) {
	mux, _ := setupMux(t)

	req := httptest.NewRequest(http.MethodGet, "/open-banking/consents/v1/consents/"+URNPrefix+uuid.NewString(), nil)
	req.Header.Set(api.HeaderXFAPIInteractionID, uuid.NewString())
	req.Header.Set(api.HeaderClientID, "client-one")
	req.Header.Set(api.HeaderScopes, "accounts")

	resp := httptest.NewRecorder()
	mux.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestServer_Revoke(t *testing.T) {
	mux, revoker := setupMux(t)

	consentURN := createViaAPI(t, mux)

	resp := doRequest(t, mux, http.MethodDelete, "/open-banking/consents/v1/consents/"+consentURN, "")
	require.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, 1, revoker.calls)

	resp = doRequest(t, mux, http.MethodGet, "/open-banking/consents/v1/consents/"+consentURN, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var payload struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	assert.Equal(t, string(StatusRevoked), payload.Data.Status)
}

func TestServer_AmendAndHistory(t *testing.T) {
	mux, _ := setupMux(t)

	consentURN := createViaAPI(t, mux)

	resp := doRequest(t, mux, http.MethodPut, "/open-banking/consents/v1/consents/"+consentURN,
		`{"data":{"receipt":"receipt v2","attributes":{"channel":"mobile"},"reason":"user amended the consent"}}`)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = doRequest(t, mux, http.MethodGet, "/open-banking/consents/v1/consents/"+consentURN+"/history", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var payload struct {
		Data []struct {
			HistoryID string `json:"historyId"`
			Reason    string `json:"reason"`
			Consent   *struct {
				Attributes map[string]string `json:"attributes"`
			} `json:"consent"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	require.Len(t, payload.Data, 1)
	assert.Equal(t, "user amended the consent", payload.Data[0].Reason)
	require.NotNil(t, payload.Data[0].Consent)
	assert.Equal(t, "web", payload.Data[0].Consent.Attributes["channel"])
}

func TestServer_AmendWithoutReason(t *testing.T) {
	mux, _ := setupMux(t)

	consentURN := createViaAPI(t, mux)

	resp := doRequest(t, mux, http.MethodPut, "/open-banking/consents/v1/consents/"+consentURN,
		`{"data":{"receipt":"receipt v2"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestServer_StatusAudits(t *testing.T) {
	mux, _ := setupMux(t)

	consentURN := createViaAPI(t, mux)

	resp := doRequest(t, mux, http.MethodGet, "/open-banking/consents/v1/consents/"+consentURN+"/status-audits", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var payload struct {
		Data []struct {
			Status string `json:"status"`
		} `json:"data"`
		Meta struct {
			TotalRecords int `json:"totalRecords"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	require.Equal(t, 1, payload.Meta.TotalRecords)
	assert.Equal(t, string(StatusAwaitingAuthorization), payload.Data[0].Status)
}
