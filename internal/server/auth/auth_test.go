package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestTokenRoundTrip(t *testing.T) {
	iss, err := NewIssuer("s3cret", "estatemsg", time.Hour)
	require.NoError(t, err)

	tok, err := iss.NewToken("u1", "admin")
	require.NoError(t, err)

	claims, err := iss.ParseToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "admin", claims.Role)
}

func TestParseTokenRejects(t *testing.T) {
	iss, _ := NewIssuer("s3cret", "estatemsg", time.Hour)
	other, _ := NewIssuer("other", "estatemsg", time.Hour)
	foreign, _ := NewIssuer("s3cret", "someone-else", time.Hour)
	expired, _ := NewIssuer("s3cret", "estatemsg", -time.Minute)

	for name, mint := range map[string]*Issuer{"wrong secret": other, "wrong issuer": foreign, "expired": expired} {
		tok, err := mint.NewToken("u1", "user")
		require.NoError(t, err)
		_, err = iss.ParseToken(tok)
		assert.Error(t, err, name)
	}

	_, err := iss.ParseToken("not-a-jwt")
	assert.Error(t, err)
}

func TestNewIssuerNeedsSecret(t *testing.T) {
	_, err := NewIssuer("", "estatemsg", time.Hour)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	iss, _ := NewIssuer("s3cret", "estatemsg", time.Hour)
	r := gin.New()
	r.GET("/me", iss.Middleware(), func(c *gin.Context) {
		c.String(http.StatusOK, MustUserID(c))
	})

	tok, _ := iss.NewToken("u42", "user")
	cases := []struct {
		header string
		status int
		body   string
	}{
		{"Bearer " + tok, http.StatusOK, "u42"},
		{"", http.StatusUnauthorized, ""},
		{tok, http.StatusUnauthorized, ""},
		{"Bearer junk", http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, tc.status, w.Code, tc.header)
		if tc.status == http.StatusOK {
			assert.Equal(t, tc.body, w.Body.String())
		} else {
			assert.Contains(t, w.Body.String(), `"code":1006`)
		}
	}
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	assert.True(t, CheckPassword(hash, "hunter22"))
	assert.False(t, CheckPassword(hash, "hunter23"))
}
