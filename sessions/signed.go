package sessions

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	jose "github.com/go-jose/go-jose/v4"
)

var _ Store = (*SignedStore)(nil)

// ErrInvalidSignature is reported when a session token fails verification.
var ErrInvalidSignature = errors.New("sessions: invalid session token")

// KeySet holds Ed25519 keys by kid with one active signing key. Retired keys
// can stay registered so tokens minted before a rotation keep verifying.
type KeySet struct {
	mu        sync.RWMutex
	activeKid string
	privKeys  map[string]ed25519.PrivateKey
	pubKeys   map[string]ed25519.PublicKey
}

func NewKeySet() *KeySet {
	return &KeySet{
		privKeys: make(map[string]ed25519.PrivateKey),
		pubKeys:  make(map[string]ed25519.PublicKey),
	}
}

// AddEd25519Key registers a key pair under kid. The active key is unchanged.
func (k *KeySet) AddEd25519Key(kid string, priv ed25519.PrivateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.privKeys[kid] = priv
	k.pubKeys[kid] = priv.Public().(ed25519.PublicKey)
}

// SetActive selects the key used for signing.
func (k *KeySet) SetActive(kid string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.privKeys[kid]; !ok {
		return fmt.Errorf("unknown kid: %s", kid)
	}
	k.activeKid = kid
	return nil
}

// Sign returns a compact JWS over payload using the active key.
func (k *KeySet) Sign(payload []byte) (string, error) {
	k.mu.RLock()
	kid := k.activeKid
	priv, ok := k.privKeys[kid]
	k.mu.RUnlock()
	if kid == "" || !ok {
		return "", fmt.Errorf("no active signing key configured")
	}

	opts := (&jose.SignerOptions{}).WithHeader("kid", kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	return jws.CompactSerialize()
}

// Verify parses a compact JWS and returns its payload.
func (k *KeySet) Verify(token string) ([]byte, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("%w: unexpected signatures: %d", ErrInvalidSignature, len(jws.Signatures))
	}
	kid := jws.Signatures[0].Protected.KeyID

	k.mu.RLock()
	pub, ok := k.pubKeys[kid]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown kid %q", ErrInvalidSignature, kid)
	}
	payload, err := jws.Verify(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return payload, nil
}

// SignedStore hands out signed tokens as session ids. Forged or tampered ids
// are rejected before the wrapped Store is consulted.
type SignedStore struct {
	inner Store
	keys  *KeySet
}

// NewSignedStore wraps inner. keys must have an active key.
func NewSignedStore(inner Store, keys *KeySet) *SignedStore {
	return &SignedStore{inner: inner, keys: keys}
}

func (s *SignedStore) Create(ctx context.Context) (Session, error) {
	sess, err := s.inner.Create(ctx)
	if err != nil {
		return nil, err
	}
	token, err := s.keys.Sign([]byte(sess.ID()))
	if err != nil {
		return nil, err
	}
	return &signedSession{Session: sess, token: token}, nil
}

func (s *SignedStore) CreateWithID(ctx context.Context, id string) (Session, error) {
	inner, err := s.keys.Verify(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionNotFound, err)
	}
	sess, err := s.inner.CreateWithID(ctx, string(inner))
	if err != nil {
		return nil, err
	}
	return &signedSession{Session: sess, token: id}, nil
}

func (s *SignedStore) Exists(ctx context.Context, id string) (bool, error) {
	inner, err := s.keys.Verify(id)
	if err != nil {
		return false, nil
	}
	return s.inner.Exists(ctx, string(inner))
}

// GC returns the signed form of the reaped ids. EdDSA signatures are
// deterministic, so these match the tokens previously handed out as long as
// the signing key has not rotated.
func (s *SignedStore) GC(ctx context.Context) ([]string, error) {
	ids, err := s.inner.GC(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		token, err := s.keys.Sign([]byte(id))
		if err != nil {
			return nil, err
		}
		out = append(out, token)
	}
	return out, nil
}

func (s *SignedStore) Destroy(ctx context.Context, id string) error {
	inner, err := s.keys.Verify(id)
	if err != nil {
		return nil
	}
	return s.inner.Destroy(ctx, string(inner))
}

type signedSession struct {
	Session
	token string
}

func (s *signedSession) ID() string { return s.token }
