package util

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWT_RoundTripAndType(t *testing.T) {
	token, err := GenerateJWT("user-1", "ADMIN", TokenTypeAccess, "secret", time.Minute)
	require.NoError(t, err)

	claims, err := ParseJWT(token, "secret", TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "ADMIN", claims.Role)

	_, err = ParseJWT(token, "secret", TokenTypeRefresh)
	assert.ErrorIs(t, err, ErrWrongTokenType)

	_, err = ParseJWT(token, "other-secret", TokenTypeAccess)
	assert.Error(t, err)
}

func TestJWT_Expired(t *testing.T) {
	token, err := GenerateJWT("user-1", "USER", TokenTypeAccess, "secret", -time.Minute)
	require.NoError(t, err)

	_, err = ParseJWT(token, "secret", TokenTypeAccess)
	assert.Error(t, err)
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.Empty(t, ExtractToken(r))

	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", ExtractToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, ExtractToken(r))
}

func TestHashToken(t *testing.T) {
	long := string(make([]byte, 300))
	hash, err := HashToken(long + "a")
	require.NoError(t, err)
	assert.True(t, CheckToken(long+"a", hash))
	assert.False(t, CheckToken(long+"b", hash))
}
