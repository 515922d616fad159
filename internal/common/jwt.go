package common

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the participant identity issued by the portal's auth service
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type JWTAuthenticator struct {
	secret []byte
	issuer string
}

func NewJWTAuthenticator(secret, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer}
}

var _ Authenticator = (*JWTAuthenticator)(nil)

// GenerateToken is used by tests and the chatctl dev tooling
func (a *JWTAuthenticator) GenerateToken(ident Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: ident.ID,
		Role:   ident.Role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    a.issuer,
			Subject:   ident.Key(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *JWTAuthenticator) ValidToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func (a *JWTAuthenticator) Authenticate(credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, Authentication("authenticate", "credential required")
	}
	claims, err := a.ValidToken(credential)
	if err != nil {
		return Identity{}, &Error{Kind: KindAuthentication, Op: "authenticate", Msg: "invalid or expired token", Err: err}
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Identity{}, Authentication("authenticate", "token carries unknown role")
	}
	ident := NewIdentity(claims.UserID, role)
	if err := ValidateIdentity(ident); err != nil {
		return Identity{}, Authentication("authenticate", "token carries malformed identity")
	}
	return ident, nil
}
