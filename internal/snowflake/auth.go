package snowflake

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/youmark/pkcs8"

	"github.com/dwickyfp/rosetta/internal/config"
)

// AuthManager holds the parsed key material so the PEM is decoded once per
// destination, and signs the key-pair JWTs Snowflake expects.
type AuthManager struct {
	privateKey  *rsa.PrivateKey
	fingerprint string
	account     string
	user        string
}

// NewAuthManager parses the destination's private key and precomputes the
// public key fingerprint.
func NewAuthManager(cfg *config.SnowflakeConfig) (*AuthManager, error) {
	key, err := parsePrivateKey(cfg.PrivateKey, cfg.PrivateKeyPassphrase)
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	sum := sha256.Sum256(der)
	fingerprint := "SHA256:" + base64.StdEncoding.EncodeToString(sum[:])

	return &AuthManager{
		privateKey:  key,
		fingerprint: fingerprint,
		account:     cfg.Account,
		user:        cfg.User,
	}, nil
}

func parsePrivateKey(pemText, passphrase string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("private key is not valid PEM")
	}

	if passphrase != "" {
		key, err := pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("decrypt private key: %w", err)
		}
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// Some keys ship in the older PKCS#1 container.
		if rsaKey, err1 := x509.ParsePKCS1PrivateKey(block.Bytes); err1 == nil {
			return rsaKey, nil
		}
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rsaKey, nil
}

// Fingerprint returns the SHA256:<base64> public key fingerprint.
func (a *AuthManager) Fingerprint() string {
	return a.fingerprint
}

// AccountURL returns the account endpoint the JWT is scoped to. Underscores
// in account locators become dashes in the URL form.
func (a *AuthManager) AccountURL() string {
	return fmt.Sprintf("https://%s.snowflakecomputing.com",
		strings.ToLower(strings.ReplaceAll(a.account, "_", "-")))
}

// GenerateJWT signs a fresh key-pair JWT valid for one hour.
func (a *AuthManager) GenerateJWT() (string, error) {
	now := time.Now()
	qualified := strings.ToUpper(a.account) + "." + strings.ToUpper(a.user)

	claims := jwt.MapClaims{
		"iss": qualified + "." + a.fingerprint,
		"sub": qualified,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
		"aud": a.AccountURL(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(a.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign JWT: %w", err)
	}
	return signed, nil
}
