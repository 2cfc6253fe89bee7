package main

import (
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const tokenLifetime = time.Hour

func jwtSecret() []byte {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "defaultsecret"
	}
	return []byte(secret)
}

// GenerateToken issues a self-contained signed credential binding the
// subject's identity; verifying it needs no database round trip.
func GenerateToken(user *User) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": user.ID,
		"email":   user.Email,
		"iat":     now.Unix(),
		"exp":     now.Add(tokenLifetime).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret())
}

func hashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	return string(hash), err
}

func checkPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

func userPayload(u *User) gin.H {
	return gin.H{"id": u.ID, "name": u.Name, "email": u.Email}
}

// createUser persists the user, mapping a unique-index violation to the
// same Conflict the existence pre-check reports. Two racing registrations
// can both pass the pre-check; the loser's insert lands here.
func createUser(db *gorm.DB, user *User) error {
	if err := db.Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errConflict("email already in use")
		}
		return err
	}
	return nil
}

// ========================
// REGISTER HANDLER
// ========================

func Register(c *gin.Context) {
	var req RegisterRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errInvalid("name, email and password are required"))
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	var existing User
	err := DB.Where("email = ?", req.Email).First(&existing).Error
	if err == nil {
		fail(c, errConflict("email already in use"))
		return
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		fail(c, err)
		return
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		fail(c, err)
		return
	}

	user := User{Name: req.Name, Email: req.Email, PasswordHash: hash}
	if err := createUser(DB, &user); err != nil {
		fail(c, err)
		return
	}

	// Profile provisioning is an explicit step of registration, not a
	// persistence hook. Idempotent: a user never gets a second profile.
	if err := provisionProfile(DB, user.ID); err != nil {
		fail(c, err)
		return
	}

	token, err := GenerateToken(&user)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token": token,
		"user":  userPayload(&user),
	})
}

// ========================
// LOGIN HANDLER
// ========================

func Login(c *gin.Context) {
	var req LoginRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errInvalid("email and password are required"))
		return
	}

	var user User
	err := DB.Where("email = ?", strings.ToLower(strings.TrimSpace(req.Email))).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fail(c, errNotFound("user not found"))
		return
	}
	if err != nil {
		fail(c, err)
		return
	}

	if !checkPassword(user.PasswordHash, req.Password) {
		fail(c, errUnauthenticated("invalid password"))
		return
	}

	token, err := GenerateToken(&user)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"user":  userPayload(&user),
	})
}

// Logout is stateless: the token is self-contained, the client just
// discards its copy.
func Logout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "logout successful"})
}

// Verify echoes the authenticated caller, proving the presented token.
func Verify(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		fail(c, errUnauthenticated("unauthorized"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": userPayload(user)})
}
