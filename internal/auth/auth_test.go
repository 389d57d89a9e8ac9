package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestVerifier_ParseIssued(t *testing.T) {
	v := NewVerifier(testSecret, "identity-service")
	want := Principal{UserID: uuid.Must(uuid.NewV4()), Email: "ana@example.com", Role: RoleStaff}

	token, err := v.Issue(want, time.Hour, time.Now())
	require.NoError(t, err)

	got, err := v.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, want, *got)
	assert.True(t, got.IsStaff())
}

func TestVerifier_ParseRejects(t *testing.T) {
	v := NewVerifier(testSecret, "identity-service")
	user := Principal{UserID: uuid.Must(uuid.NewV4()), Role: RoleCustomer}

	expired, err := v.Issue(user, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	otherIssuer, err := NewVerifier(testSecret, "someone-else").Issue(user, time.Hour, time.Now())
	require.NoError(t, err)

	wrongSecret, err := NewVerifier("other-secret", "identity-service").Issue(user, time.Hour, time.Now())
	require.NoError(t, err)

	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: RoleCustomer,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "not-a-uuid",
			Issuer:    "identity-service",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	badRole, err := v.Issue(Principal{UserID: user.UserID, Role: "admin"}, time.Hour, time.Now())
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"other issuer", otherIssuer},
		{"wrong secret", wrongSecret},
		{"subject not a uuid", badSubject},
		{"unknown role", badRole},
		{"garbage", "abc.def.ghi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Parse(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestVerifier_ParseDefaultsToCustomer(t *testing.T) {
	v := NewVerifier(testSecret, "identity-service")
	token, err := v.Issue(Principal{UserID: uuid.Must(uuid.NewV4())}, time.Hour, time.Now())
	require.NoError(t, err)

	p, err := v.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, RoleCustomer, p.Role)
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier(testSecret, "identity-service")
	user := Principal{UserID: uuid.Must(uuid.NewV4()), Role: RoleDeliverer}
	token, err := v.Issue(user, time.Hour, time.Now())
	require.NoError(t, err)

	var seen Principal
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := CurrentUser(r.Context())
		require.True(t, ok)
		seen = p
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + token, http.StatusNoContent},
		{"lowercase scheme", "bearer " + token, http.StatusNoContent},
		{"missing", "", http.StatusUnauthorized},
		{"no scheme", token, http.StatusUnauthorized},
		{"invalid token", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Equal(t, user.UserID, seen.UserID)
	assert.True(t, seen.IsDeliverer())
}

func TestCurrentUser_Missing(t *testing.T) {
	_, ok := CurrentUser(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)
}
