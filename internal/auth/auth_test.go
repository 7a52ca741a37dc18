package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfrederico/voidlux-sub002/internal/types"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte("shared-mesh-secret")
	chal, err := NewChallenge()
	require.NoError(t, err)
	require.Len(t, chal.Nonce, NonceSize)

	mac := Sign(secret, chal.Nonce, "node-1", types.RoleWorker)
	assert.True(t, Verify(secret, chal.Nonce, "node-1", types.RoleWorker, mac))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	chal, err := NewChallenge()
	require.NoError(t, err)

	mac := Sign([]byte("secret-a"), chal.Nonce, "node-1", types.RoleWorker)
	assert.False(t, Verify([]byte("secret-b"), chal.Nonce, "node-1", types.RoleWorker, mac))
}

func TestVerifyRejectsTamperedFields(t *testing.T) {
	secret := []byte("shared-mesh-secret")
	chal, err := NewChallenge()
	require.NoError(t, err)

	mac := Sign(secret, chal.Nonce, "node-1", types.RoleWorker)
	assert.False(t, Verify(secret, chal.Nonce, "node-1", types.RoleEmperor, mac), "role substitution must be detected")
	assert.False(t, Verify(secret, chal.Nonce, "node-2", types.RoleWorker, mac), "node_id substitution must be detected")
}

func TestChallengeExpiry(t *testing.T) {
	chal := Challenge{Nonce: []byte("x"), IssuedAt: time.Now().Add(-31 * time.Second)}
	assert.True(t, chal.Expired())

	fresh := Challenge{Nonce: []byte("x"), IssuedAt: time.Now()}
	assert.False(t, fresh.Expired())
}
