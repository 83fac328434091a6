package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
)

const principalKey = "principal"

// JWTMiddleware requires a valid HMAC-signed JWT and stores the caller as a models.Principal
func JWTMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "missing or invalid token", Message: "server JWT secret not configured"})
			c.Abort()
			return
		}
		auth := c.GetHeader("Authorization")
		if len(auth) <= 7 || auth[:7] != "Bearer " {
			c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "missing or invalid token", Message: "authorization header missing or malformed"})
			c.Abort()
			return
		}
		token, err := jwt.Parse(auth[7:], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || token == nil || !token.Valid {
			msg := "invalid token"
			if err != nil {
				msg = err.Error()
			}
			c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "invalid token", Message: msg})
			c.Abort()
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "invalid token"})
			c.Abort()
			return
		}
		p, ok := principalFromClaims(claims)
		if !ok {
			c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "invalid token", Message: "token has no subject"})
			c.Abort()
			return
		}
		c.Set(principalKey, p)
		c.Set("user_id", p.UserID)
		c.Next()
	}
}

func principalFromClaims(claims jwt.MapClaims) (models.Principal, bool) {
	var p models.Principal
	if v, ok := claims["user_id"]; ok && v != nil {
		p.UserID = claimString(v)
	}
	if p.UserID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			p.UserID = sub
		}
	}
	if p.UserID == "" {
		return p, false
	}
	if v, ok := claims["email"].(string); ok {
		p.Email = v
	}
	role, _ := claims["role"].(string)
	p.Role = models.ParseRole(role)
	return p, true
}

// claimString accepts numeric ids, which the auth service has issued in the past
func claimString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// principal returns the caller set by JWTMiddleware
func principal(c *gin.Context) models.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(models.Principal); ok {
			return p
		}
	}
	return models.Principal{}
}
