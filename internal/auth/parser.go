package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"fleet-mission-service/internal/model"
)

var ErrUnknownRole = errors.New("token carries an unknown role")

type Claims struct {
	UserID uuid.UUID      `json:"sub"`
	Role   model.UserRole `json:"role"`
	jwt.RegisteredClaims
}

type Parser struct {
	secret []byte
}

func NewParser(secret string) *Parser {
	return &Parser{secret: []byte(secret)}
}

func (p *Parser) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.UserID == uuid.Nil {
		return nil, jwt.ErrTokenInvalidClaims
	}

	switch claims.Role {
	case model.UserRoleAdmin, model.UserRoleSupervisor, model.UserRoleDriver:
	default:
		return nil, ErrUnknownRole
	}

	return claims, nil
}

// Principal converts verified claims into the identity used by the services.
func (c *Claims) Principal() model.Principal {
	return model.Principal{
		UserID: c.UserID,
		Role:   c.Role,
	}
}
