package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cloudzz-dev/estatemsg/internal/errorx"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const ctxUserID = "uid"

type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies session tokens.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewIssuer(secret, issuer string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("auth: empty jwt secret")
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

func (i *Issuer) NewToken(userID, role string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    i.issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

func (i *Issuer) ParseToken(token string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(i.issuer))
	if err != nil {
		return nil, err
	}
	if claims, ok := tok.Claims.(*Claims); ok && tok.Valid && claims.UserID != "" {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}

// FromRequest authenticates the Authorization: Bearer header.
func (i *Issuer) FromRequest(r *http.Request) (*Claims, error) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return nil, errorx.New(errorx.CodeUnauthorized, "missing bearer token")
	}
	claims, err := i.ParseToken(strings.TrimPrefix(h, "Bearer "))
	if err != nil {
		return nil, errorx.Wrap(err, errorx.CodeUnauthorized, "invalid token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// user id on the gin context.
func (i *Issuer) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := i.FromRequest(c.Request)
		if err != nil {
			var ce *errorx.CodeError
			errors.As(err, &ce)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": ce.Code, "error": ce.Msg})
			return
		}
		c.Set(ctxUserID, claims.UserID)
		c.Next()
	}
}

// MustUserID returns the id stored by Middleware, or "" outside it.
func MustUserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
