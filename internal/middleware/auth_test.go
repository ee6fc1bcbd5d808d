package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/inaiurai/settlement/internal/auth"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubValidator struct {
	principal *auth.Principal
	err       error
	got       string
}

func (s *stubValidator) ValidateToken(_ context.Context, token string) (*auth.Principal, error) {
	s.got = token
	return s.principal, s.err
}

// okHandler writes 200 and the principal's role.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if p := PrincipalFromCtx(r.Context()); p != nil {
		w.Write([]byte(p.Role))
	}
})

// errorCode decodes the code field of an error envelope.
func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Code
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestAuthenticate_ValidToken(t *testing.T) {
	v := &stubValidator{principal: &auth.Principal{Subject: uuid.New(), OrganizationID: uuid.New(), Role: auth.RoleAdmin}}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc.def.ghi")
	rec := httptest.NewRecorder()

	Authenticate(v)(okHandler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "admin" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if v.got != "abc.def.ghi" {
		t.Errorf("validator saw %q", v.got)
	}
}

func TestAuthenticate_MissingHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	Authenticate(&stubValidator{})(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthenticate_InvalidToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec := httptest.NewRecorder()
	Authenticate(&stubValidator{err: errors.New("bad signature")})(okHandler).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if got := errorCode(t, rec); got != "unauthorized" {
		t.Fatalf("code = %q, want unauthorized", got)
	}
}

func TestRequireRole(t *testing.T) {
	org := uuid.New()
	cases := []struct {
		name      string
		principal *auth.Principal
		roles     []auth.Role
		want      int
		code      string
	}{
		{"no principal", nil, []auth.Role{auth.RoleViewer}, http.StatusUnauthorized, "unauthorized"},
		{"viewer reads", &auth.Principal{OrganizationID: org, Role: auth.RoleViewer}, []auth.Role{auth.RoleViewer, auth.RoleAdmin}, http.StatusOK, ""},
		{"viewer cannot decide", &auth.Principal{OrganizationID: org, Role: auth.RoleViewer}, []auth.Role{auth.RoleAdmin, auth.RoleOwner}, http.StatusForbidden, "forbidden"},
		{"owner decides", &auth.Principal{OrganizationID: org, Role: auth.RoleOwner}, []auth.Role{auth.RoleAdmin, auth.RoleOwner}, http.StatusOK, ""},
		{"shopper submits", &auth.Principal{Subject: uuid.New(), Role: auth.RoleShopper}, []auth.Role{auth.RoleShopper}, http.StatusOK, ""},
		{"shopper cannot read org", &auth.Principal{Subject: uuid.New(), Role: auth.RoleShopper}, []auth.Role{auth.RoleViewer}, http.StatusForbidden, "forbidden"},
		{"admin without org", &auth.Principal{Role: auth.RoleAdmin}, []auth.Role{auth.RoleAdmin}, http.StatusForbidden, "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.principal != nil {
				req = req.WithContext(WithPrincipal(req.Context(), tc.principal))
			}
			rec := httptest.NewRecorder()
			RequireRole(tc.roles...)(okHandler).ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
			if tc.code != "" {
				if got := errorCode(t, rec); got != tc.code {
					t.Fatalf("code = %q, want %q", got, tc.code)
				}
			}
		})
	}
}
