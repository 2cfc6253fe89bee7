package main

import (
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestRegisterIssuesTokenAndUser(t *testing.T) {
	r := newTestServer(t)

	w := doRequest(t, r, http.MethodPost, "/auth/register", "", gin.H{
		"name": "Alice", "email": "alice@x.com", "password": "secret1",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	body := decodeBody(t, w)
	assert.NotEmpty(t, body["token"])
	user := body["user"].(map[string]any)
	assert.Equal(t, "Alice", user["name"])
	assert.Equal(t, "alice@x.com", user["email"])
	assert.NotContains(t, user, "password")
}

func TestRegisterDuplicateEmail(t *testing.T) {
	r := newTestServer(t)
	registerUser(t, r, "Alice", "alice@x.com", "secret1")

	w := doRequest(t, r, http.MethodPost, "/auth/register", "", gin.H{
		"name": "Impostor", "email": "alice@x.com", "password": "other",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRegisterMissingFields(t *testing.T) {
	r := newTestServer(t)

	for _, payload := range []gin.H{
		{"email": "a@x.com", "password": "p"},
		{"name": "A", "password": "p"},
		{"name": "A", "email": "a@x.com"},
	} {
		w := doRequest(t, r, http.MethodPost, "/auth/register", "", payload)
		assert.Equal(t, http.StatusBadRequest, w.Code, "payload %v", payload)
	}
}

// When two registrations race, both can pass the existence pre-check and
// the loser's insert hits the unique index; that failure must classify as
// Conflict, not an internal error.
func TestCreateUserMapsDuplicateKeyToConflict(t *testing.T) {
	setupTestDB(t)

	first := &User{Name: "Alice", Email: "alice@x.com", PasswordHash: "h1"}
	require.NoError(t, createUser(DB, first))

	dup := &User{Name: "Impostor", Email: "alice@x.com", PasswordHash: "h2"}
	err := createUser(DB, dup)
	var ae *apiError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusConflict, ae.Status)
}

func TestPasswordStoredHashed(t *testing.T) {
	r := newTestServer(t)
	registerUser(t, r, "Alice", "alice@x.com", "secret1")

	var user User
	require.NoError(t, DB.Where("email = ?", "alice@x.com").First(&user).Error)
	assert.NotEqual(t, "secret1", user.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("secret1")))
}

func TestLoginSuccess(t *testing.T) {
	r := newTestServer(t)
	registerUser(t, r, "Alice", "alice@x.com", "secret1")

	w := doRequest(t, r, http.MethodPost, "/auth/login", "", gin.H{
		"email": "alice@x.com", "password": "secret1",
	})
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	token := body["token"].(string)
	require.NotEmpty(t, token)

	// Issued token must open protected routes.
	w = doRequest(t, r, http.MethodGet, "/auth/verify", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoginUnknownEmail(t *testing.T) {
	r := newTestServer(t)

	w := doRequest(t, r, http.MethodPost, "/auth/login", "", gin.H{
		"email": "ghost@x.com", "password": "whatever",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLoginWrongPassword(t *testing.T) {
	r := newTestServer(t)
	registerUser(t, r, "Alice", "alice@x.com", "secret1")

	w := doRequest(t, r, http.MethodPost, "/auth/login", "", gin.H{
		"email": "alice@x.com", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogout(t *testing.T) {
	r := newTestServer(t)
	w := doRequest(t, r, http.MethodPost, "/auth/logout", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	r := newTestServer(t)

	cases := map[string]string{
		"missing":   "",
		"garbage":   "not-a-jwt",
		"truncated": "eyJhbGciOiJIUzI1NiJ9",
	}
	for name, token := range cases {
		w := doRequest(t, r, http.MethodGet, "/auth/verify", token, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, name)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	r := newTestServer(t)
	_, userID := registerUser(t, r, "Alice", "alice@x.com", "secret1")

	claims := jwt.MapClaims{
		"user_id": userID,
		"email":   "alice@x.com",
		"iat":     time.Now().Add(-2 * time.Hour).Unix(),
		"exp":     time.Now().Add(-time.Hour).Unix(),
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtSecret())
	require.NoError(t, err)

	w := doRequest(t, r, http.MethodGet, "/auth/verify", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestVerifyRejectsTokenOfDeletedUser(t *testing.T) {
	r := newTestServer(t)
	token, userID := registerUser(t, r, "Alice", "alice@x.com", "secret1")

	require.NoError(t, DB.Delete(&User{}, userID).Error)

	w := doRequest(t, r, http.MethodGet, "/auth/verify", token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestVerifyRejectsWrongSignature(t *testing.T) {
	r := newTestServer(t)
	_, userID := registerUser(t, r, "Alice", "alice@x.com", "secret1")

	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("some-other-secret"))
	require.NoError(t, err)

	w := doRequest(t, r, http.MethodGet, "/auth/verify", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	r := newTestServer(t)

	w := doRequest(t, r, http.MethodGet, "/events", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(t, r, http.MethodPost, "/events", "", gin.H{"title": "x"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
