package http

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/neomorfeo/subflow/internal/domain"
)

const securityScheme = "bearer"

// StaticTokens authenticates against a fixed token table.
type StaticTokens map[string]domain.Principal

var _ domain.Authenticator = StaticTokens(nil)

func (t StaticTokens) Authenticate(_ context.Context, token string) (domain.Principal, error) {
	var found domain.Principal
	ok := false
	for candidate, p := range t {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			found, ok = p, true
		}
	}
	if !ok {
		return domain.Principal{}, domain.ErrUnauthenticated
	}
	return found, nil
}

// Authenticate resolves the bearer token (or the access_token query parameter,
// for EventSource clients that cannot set headers) into a principal on the
// request context.
func Authenticate(api huma.API, auth domain.Authenticator) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		token, ok := strings.CutPrefix(ctx.Header("Authorization"), "Bearer ")
		if !ok {
			token = ctx.Query("access_token")
		}
		token = strings.TrimSpace(token)
		if token == "" {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "missing bearer token")
			return
		}

		p, err := auth.Authenticate(ctx.Context(), token)
		if err != nil {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "invalid bearer token")
			return
		}

		next(huma.WithContext(ctx, domain.WithPrincipal(ctx.Context(), p)))
	}
}

func principal(ctx context.Context) domain.Principal {
	p, _ := domain.PrincipalFrom(ctx)
	return p
}

func requireAdmin(ctx context.Context) error {
	if !principal(ctx).IsAdmin() {
		return domain.ErrForbidden
	}
	return nil
}

// owns reports whether the caller may see sub.
func owns(ctx context.Context, sub domain.Subscription) bool {
	p := principal(ctx)
	return p.IsAdmin() || (p.ID != "" && p.ID == sub.UserID)
}

func registerSecurity(api huma.API) {
	oapi := api.OpenAPI()
	if oapi.Components == nil {
		oapi.Components = &huma.Components{}
	}
	if oapi.Components.SecuritySchemes == nil {
		oapi.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oapi.Components.SecuritySchemes[securityScheme] = &huma.SecurityScheme{
		Type:   "http",
		Scheme: "bearer",
	}
}

var bearerAuth = []map[string][]string{{securityScheme: {}}}
