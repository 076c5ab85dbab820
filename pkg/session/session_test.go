package session

import (
	"crypto/rand"
	"crypto/rsa"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IDSIA/Ferdelance/pkg/exchange"
	"github.com/IDSIA/Ferdelance/pkg/log"
	"github.com/IDSIA/Ferdelance/pkg/storage"
	"github.com/IDSIA/Ferdelance/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func testStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func joinRequest(t *testing.T, id string, kind types.ComponentType) (*types.NodeJoinRequest, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	transfer, err := exchange.PublicKeyToTransfer(&key.PublicKey)
	require.NoError(t, err)

	claim := exchange.JoinClaim(id, transfer)
	signature, err := exchange.Sign(key, claim)
	require.NoError(t, err)

	return &types.NodeJoinRequest{
		ID:          id,
		Type:        kind,
		PublicKey:   transfer,
		Signature:   signature,
		Checksum:    exchange.StrChecksum(claim),
		MachineMAC:  "aa:bb:" + id,
		MachineNode: "host-" + id,
	}, key
}

// TestGenerateTokenDeterministic tests that the derivation is stable
// for fixed inputs and differs across them
func TestGenerateTokenDeterministic(t *testing.T) {
	now := time.Now()

	a := GenerateToken("c-1", "linux", "aa:bb", "host", now)
	b := GenerateToken("c-1", "linux", "aa:bb", "host", now)
	c := GenerateToken("c-2", "linux", "aa:bb", "host", now)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

// TestJoinHappyPath tests a full join and subsequent authentication
func TestJoinHappyPath(t *testing.T) {
	store := testStore(t)
	svc := NewService(time.Hour)
	now := time.Now().UTC()

	req, _ := joinRequest(t, "c-1", types.ComponentClient)

	var data *types.JoinData
	err := store.Update(func(tx storage.Tx) error {
		var err error
		data, err = svc.Join(tx, req, "127.0.0.1:9999", now)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "c-1", data.ID)
	assert.NotEmpty(t, data.Token)

	err = store.View(func(tx storage.Tx) error {
		component, err := svc.Authenticate(tx, data.Token, now)
		require.NoError(t, err)
		assert.Equal(t, "c-1", component.ID)
		assert.True(t, component.Active)
		return nil
	})
	require.NoError(t, err)
}

// TestJoinBadSignature tests that a forged claim is refused
func TestJoinBadSignature(t *testing.T) {
	store := testStore(t)
	svc := NewService(time.Hour)

	req, _ := joinRequest(t, "c-1", types.ComponentClient)
	req.ID = "c-2" // claim no longer matches the signature

	err := store.Update(func(tx storage.Tx) error {
		_, err := svc.Join(tx, req, "", time.Now())
		return err
	})
	assert.ErrorIs(t, err, types.ErrAccessDenied)
}

// TestJoinBadChecksum tests the checksum gate
func TestJoinBadChecksum(t *testing.T) {
	store := testStore(t)
	svc := NewService(time.Hour)

	req, _ := joinRequest(t, "c-1", types.ComponentClient)
	req.Checksum = exchange.StrChecksum("something else")

	err := store.Update(func(tx storage.Tx) error {
		_, err := svc.Join(tx, req, "", time.Now())
		return err
	})
	assert.ErrorIs(t, err, types.ErrAccessDenied)
}

// TestJoinDuplicateKey tests that reusing a public key conflicts
func TestJoinDuplicateKey(t *testing.T) {
	store := testStore(t)
	svc := NewService(time.Hour)
	now := time.Now()

	req, key := joinRequest(t, "c-1", types.ComponentClient)
	err := store.Update(func(tx storage.Tx) error {
		_, err := svc.Join(tx, req, "", now)
		return err
	})
	require.NoError(t, err)

	// Same key, new identity.
	transfer, err := exchange.PublicKeyToTransfer(&key.PublicKey)
	require.NoError(t, err)
	claim := exchange.JoinClaim("c-2", transfer)
	signature, err := exchange.Sign(key, claim)
	require.NoError(t, err)

	err = store.Update(func(tx storage.Tx) error {
		_, err := svc.Join(tx, &types.NodeJoinRequest{
			ID:        "c-2",
			Type:      types.ComponentClient,
			PublicKey: transfer,
			Signature: signature,
			Checksum:  exchange.StrChecksum(claim),
		}, "", now)
		return err
	})
	assert.ErrorIs(t, err, types.ErrConflict)
}

// TestIssueTokenInvalidatesPrevious tests the single-valid-token
// invariant within one transaction
func TestIssueTokenInvalidatesPrevious(t *testing.T) {
	store := testStore(t)
	svc := NewService(time.Hour)
	now := time.Now().UTC()

	component := &types.Component{ID: "c-1", Type: types.ComponentClient, PublicKey: "k", Active: true}

	var first, second *types.Token
	err := store.Update(func(tx storage.Tx) error {
		require.NoError(t, tx.CreateComponent(component))
		var err error
		first, err = svc.IssueToken(tx, component, now)
		require.NoError(t, err)
		second, err = svc.IssueToken(tx, component, now.Add(time.Second))
		return err
	})
	require.NoError(t, err)

	err = store.View(func(tx storage.Tx) error {
		old, err := tx.GetToken(first.Token)
		require.NoError(t, err)
		assert.False(t, old.Valid)

		current, err := tx.GetToken(second.Token)
		require.NoError(t, err)
		assert.True(t, current.Valid)

		_, err = svc.Authenticate(tx, first.Token, now)
		assert.ErrorIs(t, err, types.ErrAccessDenied)

		_, err = svc.Authenticate(tx, second.Token, now)
		assert.NoError(t, err)
		return nil
	})
	require.NoError(t, err)
}

// TestAuthenticateExpired tests token expiration
func TestAuthenticateExpired(t *testing.T) {
	store := testStore(t)
	svc := NewService(time.Minute)
	now := time.Now().UTC()

	component := &types.Component{ID: "c-1", Type: types.ComponentClient, PublicKey: "k", Active: true}

	var token *types.Token
	err := store.Update(func(tx storage.Tx) error {
		require.NoError(t, tx.CreateComponent(component))
		var err error
		token, err = svc.IssueToken(tx, component, now)
		return err
	})
	require.NoError(t, err)

	err = store.View(func(tx storage.Tx) error {
		_, err := svc.Authenticate(tx, token.Token, now.Add(2*time.Minute))
		assert.ErrorIs(t, err, types.ErrAccessDenied)
		return nil
	})
	require.NoError(t, err)
}

// TestLeave tests that a departed component loses access but keeps
// its row
func TestLeave(t *testing.T) {
	store := testStore(t)
	svc := NewService(time.Hour)
	now := time.Now().UTC()

	req, _ := joinRequest(t, "c-1", types.ComponentClient)

	var data *types.JoinData
	err := store.Update(func(tx storage.Tx) error {
		var err error
		data, err = svc.Join(tx, req, "", now)
		return err
	})
	require.NoError(t, err)

	err = store.Update(func(tx storage.Tx) error {
		c, err := tx.GetComponent(data.ID)
		require.NoError(t, err)
		return svc.Leave(tx, c)
	})
	require.NoError(t, err)

	err = store.View(func(tx storage.Tx) error {
		_, err := svc.Authenticate(tx, data.Token, now)
		assert.ErrorIs(t, err, types.ErrAccessDenied)

		c, err := tx.GetComponent(data.ID)
		require.NoError(t, err)
		assert.True(t, c.Left)
		assert.False(t, c.Active)
		return nil
	})
	require.NoError(t, err)
}
