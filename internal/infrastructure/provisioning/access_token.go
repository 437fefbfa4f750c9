package provisioning

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// VideoGrant is the permission set the room server reads from a token.
type VideoGrant struct {
	RoomCreate   bool   `json:"roomCreate,omitempty"`
	RoomList     bool   `json:"roomList,omitempty"`
	RoomAdmin    bool   `json:"roomAdmin,omitempty"`
	RoomJoin     bool   `json:"roomJoin,omitempty"`
	Room         string `json:"room,omitempty"`
	CanPublish   *bool  `json:"canPublish,omitempty"`
	CanSubscribe *bool  `json:"canSubscribe,omitempty"`
}

// Claims is the JWT body understood by the room server.
type Claims struct {
	Video    *VideoGrant `json:"video,omitempty"`
	Name     string      `json:"name,omitempty"`
	Metadata string      `json:"metadata,omitempty"`
	// SHA256 is set on webhook tokens: base64 SHA-256 of the request body.
	SHA256 string `json:"sha256,omitempty"`
	jwt.RegisteredClaims
}

// TokenSigner issues and checks HS256 tokens for one API key pair.
type TokenSigner struct {
	apiKey    string
	apiSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewTokenSigner creates a signer issuing tokens valid for ttl.
func NewTokenSigner(apiKey, apiSecret string, ttl time.Duration) *TokenSigner {
	return &TokenSigner{
		apiKey:    apiKey,
		apiSecret: []byte(apiSecret),
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *TokenSigner) APIKey() string {
	return s.apiKey
}

// AdminToken authorizes one room service call. The token is short-lived.
func (s *TokenSigner) AdminToken(grant VideoGrant) (string, error) {
	return s.sign(&Claims{Video: &grant}, time.Minute)
}

// AccessToken lets identity join room.
func (s *TokenSigner) AccessToken(room, identity, name string, metadata map[string]any) (string, error) {
	if room == "" || identity == "" {
		return "", fmt.Errorf("room and identity are required")
	}
	claims := &Claims{
		Video: &VideoGrant{RoomJoin: true, Room: room},
		Name:  name,
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return "", fmt.Errorf("failed to encode participant metadata: %w", err)
		}
		claims.Metadata = string(raw)
	}
	claims.Subject = identity
	return s.sign(claims, s.ttl)
}

func (s *TokenSigner) sign(claims *Claims, ttl time.Duration) (string, error) {
	now := s.now()
	claims.Issuer = s.apiKey
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.apiSecret)
}

// Parse validates a token issued for this key pair and returns its claims.
func (s *TokenSigner) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.apiSecret, nil
	},
		jwt.WithIssuer(s.apiKey),
		jwt.WithTimeFunc(s.now),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
