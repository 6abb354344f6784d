package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelog.org/internal/auth"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc123", "abc123", true},
		{"bearer abc123", "abc123", true},
		{"  Bearer   abc123  ", "abc123", true},
		{"", "", false},
		{"Basic abc123", "", false},
		{"Bearer ", "", false},
		{"abc123", "", false},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.ok {
			require.NoError(t, err, "header %q", tc.header)
			assert.Equal(t, tc.token, got)
		} else {
			assert.Error(t, err, "header %q", tc.header)
		}
	}
}

func TestRequireRole(t *testing.T) {
	admin := auth.Principal{ID: "p-1", Role: auth.RoleAdmin}
	nurse := auth.Principal{ID: "p-2", Role: auth.RoleNurse}

	run := func(p *auth.Principal, roles ...auth.Role) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if p != nil {
			req = req.WithContext(auth.ContextWithPrincipal(req.Context(), *p))
		}
		rr := httptest.NewRecorder()
		_, ok := requireRole(rr, req, roles...)
		if ok {
			rr.WriteHeader(http.StatusOK)
		}
		return rr
	}

	assert.Equal(t, http.StatusOK, run(&admin, auth.RoleAdmin).Code)
	assert.Equal(t, http.StatusOK, run(&nurse, auth.RoleNurse, auth.RoleAdmin).Code)
	assert.Equal(t, http.StatusForbidden, run(&nurse, auth.RoleAdmin).Code)
	assert.Equal(t, http.StatusUnauthorized, run(nil, auth.RoleAdmin).Code)
}
