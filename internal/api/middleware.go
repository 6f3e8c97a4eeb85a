package api

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/google/uuid"
	"github.com/luikyv/go-oidc/pkg/goidc"
	netmiddleware "github.com/oapi-codegen/nethttp-middleware"
)

// FAPIIDMiddleware requires a valid x-fapi-interaction-id header and echoes
// it back in the response.
func FAPIIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		interactionID := r.Header.Get(HeaderXFAPIInteractionID)
		if _, err := uuid.Parse(interactionID); err != nil {
			w.Header().Add(HeaderXFAPIInteractionID, uuid.NewString())
			WriteError(w, r, NewError("INVALID_INTERACTION_ID", http.StatusBadRequest, "the fapi interaction id is missing or invalid"))
			return
		}

		w.Header().Set(HeaderXFAPIInteractionID, interactionID)
		r = r.WithContext(context.WithValue(r.Context(), CtxKeyInteractionID, interactionID))
		next.ServeHTTP(w, r)
	})
}

// AuthScopesMiddleware trusts the identity headers injected by the gateway
// after token validation and enforces the scopes required by the route.
// Token parsing and signature checks happen upstream.
func AuthScopesMiddleware(next http.Handler, requiredScopes ...goidc.Scope) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := r.Header.Get(HeaderClientID)
		if clientID == "" {
			WriteError(w, r, NewError("UNAUTHORISED", http.StatusUnauthorized, "missing client identification"))
			return
		}

		scopes := strings.Fields(r.Header.Get(HeaderScopes))
		if !areScopesValid(requiredScopes, scopes) {
			WriteError(w, r, NewError("UNAUTHORISED", http.StatusUnauthorized, "token missing required scopes"))
			return
		}

		ctx := context.WithValue(r.Context(), CtxKeyClientID, clientID)
		ctx = context.WithValue(ctx, CtxKeyScopes, strings.Join(scopes, " "))
		if sub := r.Header.Get(HeaderSubject); sub != "" {
			ctx = context.WithValue(ctx, CtxKeySubject, sub)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// areScopesValid verifies every scope in requiredScopes has a match among scopes.
// scopes can carry more than requiredScopes, but not the other way around.
func areScopesValid(requiredScopes []goidc.Scope, scopes []string) bool {
	for _, requiredScope := range requiredScopes {
		if !slices.ContainsFunc(scopes, requiredScope.Matches) {
			return false
		}
	}
	return true
}

// SwaggerMiddleware validates requests against the embedded OpenAPI document.
func SwaggerMiddleware(getSwagger func() (*openapi3.T, error), errCode string) func(http.Handler) http.Handler {
	spec, err := getSwagger()
	if err != nil {
		panic(err)
	}
	return netmiddleware.OapiRequestValidatorWithOptions(spec, &netmiddleware.Options{
		DoNotValidateServers: true,
		Options: openapi3filter.Options{
			AuthenticationFunc: func(ctx context.Context, ai *openapi3filter.AuthenticationInput) error {
				return nil
			},
		},
		ErrorHandlerWithOpts: func(ctx context.Context, err error, w http.ResponseWriter, r *http.Request, opts netmiddleware.ErrorHandlerOpts) {
			WriteError(w, r, NewError(errCode, http.StatusUnprocessableEntity, err.Error()))
		},
	})
}
