package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.ErrorContains(t, Config{Enabled: true}.Validate(), "token or token_hash")
	assert.ErrorContains(t, Config{Enabled: true, TokenHash: "plain"}.Validate(), "token_hash")
	assert.NoError(t, Config{Enabled: true, Token: "s3cret"}.Validate())
}

func TestVerifyPlainAndHashed(t *testing.T) {
	m, err := NewMiddleware(Config{Enabled: true, Token: "s3cret"})
	require.NoError(t, err)
	assert.NoError(t, m.Verify("s3cret"))
	assert.ErrorIs(t, m.Verify("nope"), ErrInvalidToken)
	assert.ErrorIs(t, m.Verify(""), ErrMissingToken)

	tok, err := GenerateToken()
	require.NoError(t, err)
	assert.Len(t, tok, 64)
	hash, err := HashToken(tok)
	require.NoError(t, err)

	m, err = NewMiddleware(Config{Enabled: true, Token: "ignored", TokenHash: hash})
	require.NoError(t, err)
	assert.NoError(t, m.Verify(tok))
	assert.ErrorIs(t, m.Verify("ignored"), ErrInvalidToken, "hash wins over the plain token")
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, BearerToken(r))
	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, BearerToken(r))
	r.Header.Set("Authorization", "bearer  abc ")
	assert.Equal(t, "abc", BearerToken(r))
}

func TestGinAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, err := NewMiddleware(Config{Enabled: true, Token: "s3cret"})
	require.NoError(t, err)
	g := gin.New()
	g.Use(m.GinAuth())
	g.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var off *Middleware
	assert.False(t, off.Enabled())
}
