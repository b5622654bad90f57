// Package secure implements the end-to-end encrypted, authenticated
// channel used by the peer transport: RSA-2048 key exchange, AES-256-GCM
// framed messaging, and PSK challenge-response authentication.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

const (
	rsaKeyBits  = 2048
	aesKeyBytes = 32
	nonceBytes  = 12
	challengeBytes = 16
)

// ErrNoSessionKey is returned by Encrypt/Decrypt before the handshake has
// established a session key.
var ErrNoSessionKey = errors.New("secure: session key not established")

// ErrAuthFailed is returned by VerifyAuthResponse when the response does
// not match the expected digest.
var ErrAuthFailed = errors.New("secure: authentication failed")

// Channel holds one connection's cryptographic state. A Channel is
// single-use: a reconnect must construct a new one.
type Channel struct {
	privateKey *rsa.PrivateKey
	peerPublic *rsa.PublicKey

	aesKey        []byte
	authenticated bool
	authNonce     []byte
}

// New generates a fresh RSA-2048 key pair for one connection attempt.
func New() (*Channel, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("secure: generate key: %w", err)
	}
	return &Channel{privateKey: key}, nil
}

// PublicKeyPEM returns this channel's public key in SPKI PEM form for
// exchange during the handshake.
func (c *Channel) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&c.privateKey.PublicKey)
	if err != nil {
		return "", fmt.Errorf("secure: marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// SetPeerPublicKey parses and stores the peer's public key from PEM.
func (c *Channel) SetPeerPublicKey(pemData string) error {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return errors.New("secure: invalid PEM public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("secure: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return errors.New("secure: peer public key is not RSA")
	}
	c.peerPublic = rsaPub
	return nil
}

// GenerateSessionKey creates a random AES-256 key and encrypts it under
// the peer's RSA public key with OAEP-SHA256, returning the base64
// ciphertext to send as SESSION_KEY.
func (c *Channel) GenerateSessionKey() (string, error) {
	key := make([]byte, aesKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("secure: generate session key: %w", err)
	}
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, c.peerPublic, key, nil)
	if err != nil {
		return "", fmt.Errorf("secure: encrypt session key: %w", err)
	}
	c.aesKey = key
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// ReceiveSessionKey decrypts a SESSION_KEY payload using our private key.
func (c *Channel) ReceiveSessionKey(encryptedBase64 string) error {
	ciphertext, err := base64.StdEncoding.DecodeString(encryptedBase64)
	if err != nil {
		return fmt.Errorf("secure: decode session key: %w", err)
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, c.privateKey, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("secure: decrypt session key: %w", err)
	}
	c.aesKey = key
	return nil
}

// Encrypt encrypts plaintext with AES-256-GCM using a fresh nonce and
// returns base64(nonce ‖ tag ‖ ciphertext).
func (c *Channel) Encrypt(plaintext []byte) (string, error) {
	if c.aesKey == nil {
		return "", ErrNoSessionKey
	}
	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return "", fmt.Errorf("secure: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceBytes)
	if err != nil {
		return "", fmt.Errorf("secure: new gcm: %w", err)
	}

	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secure: generate nonce: %w", err)
	}

	// Seal appends the tag after the ciphertext; package is nonce‖tag‖ciphertext
	// per the wire format, so split and reassemble in the declared order.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	tagSize := gcm.Overhead()
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	packaged := make([]byte, 0, len(nonce)+len(tag)+len(ciphertext))
	packaged = append(packaged, nonce...)
	packaged = append(packaged, tag...)
	packaged = append(packaged, ciphertext...)

	return base64.StdEncoding.EncodeToString(packaged), nil
}

// Decrypt reverses Encrypt, verifying the GCM tag.
func (c *Channel) Decrypt(encryptedBase64 string) ([]byte, error) {
	if c.aesKey == nil {
		return nil, ErrNoSessionKey
	}
	packaged, err := base64.StdEncoding.DecodeString(encryptedBase64)
	if err != nil {
		return nil, fmt.Errorf("secure: decode envelope: %w", err)
	}
	if len(packaged) < nonceBytes+16 {
		return nil, errors.New("secure: envelope too short")
	}

	nonce := packaged[:nonceBytes]
	tag := packaged[nonceBytes : nonceBytes+16]
	ciphertext := packaged[nonceBytes+16:]

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return nil, fmt.Errorf("secure: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceBytes)
	if err != nil {
		return nil, fmt.Errorf("secure: new gcm: %w", err)
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("secure: decrypt: %w", err)
	}
	return plaintext, nil
}

// CreateAuthChallenge generates a random nonce and returns it base64
// encoded as the AUTH_CHALLENGE payload, remembering it for verification.
func (c *Channel) CreateAuthChallenge(psk string) (string, error) {
	nonce := make([]byte, challengeBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secure: generate challenge nonce: %w", err)
	}
	c.authNonce = nonce
	_ = psk // digest is recomputed at verification time with the live PSK
	return base64.StdEncoding.EncodeToString(nonce), nil
}

// CreateAuthResponse computes SHA-256(PSK ‖ nonce) for a received
// challenge and returns it base64 encoded as the AUTH_RESPONSE payload.
func CreateAuthResponse(psk, challengeBase64 string) (string, error) {
	nonce, err := base64.StdEncoding.DecodeString(challengeBase64)
	if err != nil {
		return "", fmt.Errorf("secure: decode challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(digest(psk, nonce)), nil
}

// VerifyAuthResponse recomputes the expected digest and compares in
// constant time against the received response.
func (c *Channel) VerifyAuthResponse(psk, responseBase64 string) error {
	response, err := base64.StdEncoding.DecodeString(responseBase64)
	if err != nil {
		return fmt.Errorf("secure: decode response: %w", err)
	}
	expected := digest(psk, c.authNonce)
	if subtle.ConstantTimeCompare(expected, response) != 1 {
		return ErrAuthFailed
	}
	c.authenticated = true
	return nil
}

// MarkAuthenticated is used by the client side, which authenticates by
// successfully sending AUTH_RESPONSE rather than verifying one locally.
func (c *Channel) MarkAuthenticated() { c.authenticated = true }

// Authenticated reports whether the handshake completed successfully.
func (c *Channel) Authenticated() bool { return c.authenticated }

func digest(psk string, nonce []byte) []byte {
	h := sha256.New()
	h.Write([]byte(psk))
	h.Write(nonce)
	return h.Sum(nil)
}
