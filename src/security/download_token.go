package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidDownloadToken = errors.New("invalid or expired download token")

// DownloadClaims identify one artifact of one report.
type DownloadClaims struct {
	Format string `json:"fmt"`
	Key    string `json:"key"`
	jwt.RegisteredClaims
}

// DownloadTokenService signs short-lived artifact download links.
type DownloadTokenService struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

func NewDownloadTokenService(secret []byte, expiry time.Duration) *DownloadTokenService {
	return &DownloadTokenService{secret: secret, expiry: expiry, now: time.Now}
}

// Issue returns a token for the artifact stored under key.
func (s *DownloadTokenService) Issue(reportID, format, key string) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.expiry)
	claims := DownloadClaims{
		Format: format,
		Key:    key,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   reportID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign download token: %w", err)
	}
	return signed, expires, nil
}

// Validate returns the claims of a token issued by this service.
func (s *DownloadTokenService) Validate(tokenString string) (*DownloadClaims, error) {
	claims := &DownloadClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDownloadToken, err)
	}
	if claims.Subject == "" || claims.Key == "" {
		return nil, ErrInvalidDownloadToken
	}
	return claims, nil
}
