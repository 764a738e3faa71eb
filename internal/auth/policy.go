package auth

import (
	"net/http"
	"strings"
)

// Role is an admin API role. Higher roles include the rights of lower ones.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleLevel = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// ParseRole validates a role claim.
func ParseRole(value string) (Role, bool) {
	role := Role(value)
	_, ok := roleLevel[role]
	return role, ok
}

// Satisfies reports whether r grants the rights of required.
func (r Role) Satisfies(required Role) bool {
	return roleLevel[r] >= roleLevel[required]
}

// AdminRoute maps an admin API path to the role it needs.
type AdminRoute struct {
	Path   string
	Prefix bool
	Role   Role
}

// DefaultAdminRoutes covers the ingest admin endpoints.
var DefaultAdminRoutes = []AdminRoute{
	{Path: "/api/v1/admin/status", Role: RoleViewer},
	{Path: "/api/v1/admin/flush/", Prefix: true, Role: RoleOperator},
	{Path: "/api/v1/admin/delete-range", Role: RoleAdmin},
}

// Guard checks bearer tokens on admin routes. Paths under /api/ without a
// route need viewer for reads and admin otherwise; all other paths are open.
type Guard struct {
	secret []byte
	routes []AdminRoute
	exempt map[string]struct{}
}

// NewGuard constructs a Guard over DefaultAdminRoutes.
func NewGuard(secret []byte, exemptPaths ...string) *Guard {
	exempt := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		exempt[path] = struct{}{}
	}
	return &Guard{secret: secret, routes: DefaultAdminRoutes, exempt: exempt}
}

// RequiredRole resolves the role a request needs. ok is false when the
// request needs no token.
func (g *Guard) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	path := r.URL.Path
	if _, ok := g.exempt[path]; ok {
		return "", false
	}
	for _, route := range g.routes {
		if path == route.Path || (route.Prefix && strings.HasPrefix(path, route.Path)) {
			return route.Role, true
		}
	}
	if !strings.HasPrefix(path, "/api/") {
		return "", false
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer, true
	}
	return RoleAdmin, true
}

// Wrap authenticates requests before next and stores the caller identity in
// the request context.
func (g *Guard) Wrap(next http.Handler) http.Handler {
	if g == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		required, ok := g.RequiredRole(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := ParseJWT(bearerToken(r), g.secret)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		role := Role(claims.Role)
		if !role.Satisfies(required) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), role, claims.Subject)))
	})
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
