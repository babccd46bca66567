// Package rpcauth authenticates internal HTTP RPC between trust zones.
//
// Every request carries four headers:
//
//	X-Telclaude-Timestamp  unix milliseconds
//	X-Telclaude-Nonce      random, unique per request
//	X-Telclaude-Scope      calling trust zone
//	X-Telclaude-Signature  over METHOD\nPATH\nbody-sha256\ntimestamp\nnonce\nscope
//
// Two signature modes exist per peer pair: symmetric HMAC-SHA256 for
// peers-of-equal sharing a secret, and Ed25519 for one-way trust where the
// verifying side holds only the public key.
package rpcauth

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Scope identifies the calling trust zone.
type Scope string

const (
	ScopeTelegram Scope = "telegram"
	ScopeSocial   Scope = "social"
	ScopeMoltbook Scope = "moltbook"
	ScopeAgent    Scope = "agent"
	ScopeRelay    Scope = "relay"
)

// KnownScopes is the closed set of valid scope values.
var KnownScopes = map[Scope]bool{
	ScopeTelegram: true,
	ScopeSocial:   true,
	ScopeMoltbook: true,
	ScopeAgent:    true,
	ScopeRelay:    true,
}

// Request headers.
const (
	HeaderTimestamp = "X-Telclaude-Timestamp"
	HeaderNonce     = "X-Telclaude-Nonce"
	HeaderScope     = "X-Telclaude-Scope"
	HeaderSignature = "X-Telclaude-Signature"
)

// MaxSkew is the allowed clock drift between peers.
const MaxSkew = 5 * time.Minute

// Verification failures. Handlers map all of these to an opaque 401/403; the
// distinction exists for logs and tests only.
var (
	ErrMissingHeader = errors.New("rpcauth: missing auth header")
	ErrTimestampSkew = errors.New("rpcauth: timestamp outside allowed skew")
	ErrReplay        = errors.New("rpcauth: nonce already seen")
	ErrBadSignature  = errors.New("rpcauth: bad signature")
	ErrUnknownScope  = errors.New("rpcauth: unknown scope")
)

// Signer produces a signature over the covered bytes.
type Signer interface {
	Sign(covered []byte) (string, error)
}

// SignatureVerifier checks a signature over the covered bytes.
type SignatureVerifier interface {
	Verify(covered []byte, signature string) error
}

// --- symmetric HMAC ---

// HMACKey is a shared-secret signer/verifier pair.
type HMACKey struct {
	secret []byte
}

// NewHMACKey wraps a shared secret. The secret must be at least 16 bytes.
func NewHMACKey(secret []byte) (*HMACKey, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("rpcauth: hmac secret too short (%d bytes)", len(secret))
	}
	return &HMACKey{secret: secret}, nil
}

// Sign returns the base64 HMAC-SHA256 of covered.
func (k *HMACKey) Sign(covered []byte) (string, error) {
	mac := hmac.New(sha256.New, k.secret)
	mac.Write(covered)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks signature against covered in constant time.
func (k *HMACKey) Verify(covered []byte, signature string) error {
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, k.secret)
	mac.Write(covered)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// --- asymmetric Ed25519 ---

// Ed25519Signer signs with a private key (the trusting side never holds it).
type Ed25519Signer struct {
	priv ed25519.PrivateKey
}

// NewEd25519Signer wraps priv.
func NewEd25519Signer(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{priv: priv}
}

// Sign returns the base64 Ed25519 signature of covered.
func (s *Ed25519Signer) Sign(covered []byte) (string, error) {
	return base64.RawURLEncoding.EncodeToString(ed25519.Sign(s.priv, covered)), nil
}

// Ed25519Verifier verifies with a public key only.
type Ed25519Verifier struct {
	pub ed25519.PublicKey
}

// NewEd25519Verifier wraps pub.
func NewEd25519Verifier(pub ed25519.PublicKey) *Ed25519Verifier {
	return &Ed25519Verifier{pub: pub}
}

// Verify checks the signature.
func (v *Ed25519Verifier) Verify(covered []byte, signature string) error {
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	if !ed25519.Verify(v.pub, covered, sig) {
		return ErrBadSignature
	}
	return nil
}

// ParseEd25519PublicKeyHex decodes a hex-encoded 32-byte public key, the
// format used in scope key configuration.
func ParseEd25519PublicKeyHex(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("rpcauth: decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("rpcauth: public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// ParseEd25519PrivateKeyHex decodes a hex-encoded 64-byte private key.
func ParseEd25519PrivateKeyHex(s string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("rpcauth: decode private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("rpcauth: private key is %d bytes, want %d", len(raw), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(raw), nil
}

// --- covered bytes ---

// covered builds the byte string the signature covers.
func covered(method, path string, body []byte, timestamp, nonce string, scope Scope) []byte {
	bodyHash := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		method,
		path,
		hex.EncodeToString(bodyHash[:]),
		timestamp,
		nonce,
		string(scope),
	}, "\n"))
}

// SignRequest stamps req with auth headers. body must be the exact bytes the
// request will carry.
func SignRequest(req *http.Request, body []byte, scope Scope, signer Signer) error {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("rpcauth: generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(raw)

	sig, err := signer.Sign(covered(req.Method, req.URL.Path, body, timestamp, nonce, scope))
	if err != nil {
		return fmt.Errorf("rpcauth: sign request: %w", err)
	}

	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderScope, string(scope))
	req.Header.Set(HeaderSignature, sig)
	return nil
}

// --- server-side verifier ---

// nonceCache remembers nonces for the replay window.
type nonceCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

func newNonceCache(ttl time.Duration) *nonceCache {
	return &nonceCache{seen: make(map[string]time.Time), ttl: ttl}
}

// remember returns false when the nonce was already recorded inside the TTL.
func (c *nonceCache) remember(nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()

	// Opportunistic prune keeps the map bounded without a sweeper goroutine.
	if len(c.seen) > 4096 {
		for n, at := range c.seen {
			if now.Sub(at) > c.ttl {
				delete(c.seen, n)
			}
		}
	}

	if at, ok := c.seen[nonce]; ok && now.Sub(at) <= c.ttl {
		return false
	}
	c.seen[nonce] = now
	return true
}

// Verifier authenticates inbound internal RPC. Each scope is bound to its
// own verifier so a compromised zone cannot impersonate another.
type Verifier struct {
	verifiers map[Scope]SignatureVerifier
	nonces    *nonceCache
	maxSkew   time.Duration
}

// NewVerifier builds a Verifier over per-scope signature verifiers.
func NewVerifier(verifiers map[Scope]SignatureVerifier) *Verifier {
	return &Verifier{
		verifiers: verifiers,
		nonces:    newNonceCache(2 * MaxSkew),
		maxSkew:   MaxSkew,
	}
}

// VerifyRequest authenticates r. body must be the already-read request body.
// Returns the authenticated scope on success.
func (v *Verifier) VerifyRequest(r *http.Request, body []byte) (Scope, error) {
	timestamp := r.Header.Get(HeaderTimestamp)
	nonce := r.Header.Get(HeaderNonce)
	scopeStr := r.Header.Get(HeaderScope)
	signature := r.Header.Get(HeaderSignature)

	if timestamp == "" || nonce == "" || scopeStr == "" || signature == "" {
		return "", ErrMissingHeader
	}

	scope := Scope(scopeStr)
	if !KnownScopes[scope] {
		return "", ErrUnknownScope
	}
	sv, ok := v.verifiers[scope]
	if !ok {
		return "", ErrUnknownScope
	}

	tsMS, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", ErrTimestampSkew
	}
	drift := time.Since(time.UnixMilli(tsMS))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.maxSkew {
		return "", ErrTimestampSkew
	}

	// Signature first, replay second: an attacker must not be able to burn
	// a legitimate caller's nonce with a forged request.
	if err := sv.Verify(covered(r.Method, r.URL.Path, body, timestamp, nonce, scope), signature); err != nil {
		return "", err
	}

	if !v.nonces.remember(string(scope) + ":" + nonce) {
		return "", ErrReplay
	}

	return scope, nil
}
