package storetest

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/ggoodman/mcp-runtime-go/sessions"
)

// NewTestKeySet returns a KeySet with a freshly generated active key.
func NewTestKeySet(t *testing.T) *sessions.KeySet {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keys := sessions.NewKeySet()
	keys.AddEd25519Key("test", priv)
	if err := keys.SetActive("test"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	return keys
}
