package models

import "github.com/golang-jwt/jwt/v5"

// JWTClaims represents the JWT payload issued by the identity provider.
type JWTClaims struct {
	UserID   string   `json:"user_id"`
	Role     UserRole `json:"role"`
	Email    string   `json:"email"`
	FullName string   `json:"full_name"`
	jwt.RegisteredClaims
}

// Actor converts the claims into an Actor originating from origin.
func (c *JWTClaims) Actor(origin string) *Actor {
	if c == nil {
		return nil
	}
	return &Actor{UserID: c.UserID, Role: c.Role, Origin: origin}
}
