package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/IDSIA/Ferdelance/pkg/exchange"
	"github.com/IDSIA/Ferdelance/pkg/log"
	"github.com/IDSIA/Ferdelance/pkg/storage"
	"github.com/IDSIA/Ferdelance/pkg/types"
)

// Service implements the join protocol and token lifecycle. All
// methods operate inside a caller-provided storage transaction.
type Service struct {
	expiration time.Duration
}

// NewService creates a session service issuing tokens with the given
// lifetime.
func NewService(expiration time.Duration) *Service {
	return &Service{expiration: expiration}
}

// GenerateToken derives the opaque bearer string for a component. Two
// hash rounds keep the preimage opaque to casual inspection.
func GenerateToken(id, system, mac, node string, now time.Time) string {
	millis := now.UnixMilli()
	seed := strings.Join([]string{id, system, mac, node, fmt.Sprint(millis)}, "|")

	inner := sha256.Sum256([]byte(seed))
	outer := sha256.Sum256([]byte(hex.EncodeToString(inner[:])))
	return hex.EncodeToString(outer[:])
}

// IssueToken creates a fresh valid token for the component and
// invalidates every previous one in the same transaction.
func (s *Service) IssueToken(tx storage.Tx, c *types.Component, now time.Time) (*types.Token, error) {
	if err := tx.InvalidateTokens(c.ID); err != nil {
		return nil, fmt.Errorf("failed to invalidate previous tokens: %w", err)
	}

	token := &types.Token{
		Token:       GenerateToken(c.ID, c.MachineSystem, c.MachineMAC, c.MachineNode, now),
		ComponentID: c.ID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.expiration),
		Valid:       true,
	}
	if err := tx.CreateToken(token); err != nil {
		return nil, err
	}
	return token, nil
}

// Join verifies a bootstrap request, registers the component and
// issues its first token. The signature and checksum cover the claim
// "id:public_key" with the key still transfer-encoded.
func (s *Service) Join(tx storage.Tx, req *types.NodeJoinRequest, addr string, now time.Time) (*types.JoinData, error) {
	logger := log.WithComponent("session")

	claim := exchange.JoinClaim(req.ID, req.PublicKey)

	pub, err := exchange.PublicKeyFromTransfer(req.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable public key", types.ErrAccessDenied)
	}
	if err := exchange.Verify(pub, claim, req.Signature); err != nil {
		return nil, err
	}
	if req.Checksum != exchange.StrChecksum(claim) {
		return nil, fmt.Errorf("%w: checksum mismatch", types.ErrAccessDenied)
	}

	kind := req.Type
	if kind == "" {
		kind = types.ComponentClient
	}
	switch kind {
	case types.ComponentClient, types.ComponentNode, types.ComponentWorker, types.ComponentUser:
	default:
		return nil, fmt.Errorf("%w: type %s cannot join", types.ErrAccessDenied, kind)
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	component := &types.Component{
		ID:            id,
		Type:          kind,
		PublicKey:     req.PublicKey,
		Version:       req.Version,
		Address:       addr,
		MachineSystem: req.MachineSystem,
		MachineMAC:    req.MachineMAC,
		MachineNode:   req.MachineNode,
		Active:        true,
		CreatedAt:     now,
	}
	if err := tx.CreateComponent(component); err != nil {
		return nil, err
	}

	token, err := s.IssueToken(tx, component, now)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("component_id", component.ID).
		Str("type", string(component.Type)).
		Msg("component joined")

	return &types.JoinData{
		ID:    component.ID,
		Token: token.Token,
	}, nil
}

// Leave marks the component as gone and revokes its tokens. The row
// itself stays so past results remain attributable.
func (s *Service) Leave(tx storage.Tx, c *types.Component) error {
	c.Active = false
	c.Left = true
	if err := tx.UpdateComponent(c); err != nil {
		return err
	}
	if err := tx.InvalidateTokens(c.ID); err != nil {
		return err
	}

	log.WithComponent("session").Info().
		Str("component_id", c.ID).
		Msg("component left")
	return nil
}

// Authenticate resolves a bearer token to its component. Malformed,
// expired, revoked tokens and departed components all surface as
// ErrAccessDenied. Blacklisted components still authenticate; the
// heartbeat route needs them reachable to order an exit.
func (s *Service) Authenticate(tx storage.Tx, token string, now time.Time) (*types.Component, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", types.ErrAccessDenied)
	}

	row, err := tx.GetToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown token", types.ErrAccessDenied)
	}
	if !row.Valid {
		return nil, fmt.Errorf("%w: revoked token", types.ErrAccessDenied)
	}
	if row.Expired(now) {
		return nil, fmt.Errorf("%w: expired token", types.ErrAccessDenied)
	}

	component, err := tx.GetComponent(row.ComponentID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown component", types.ErrAccessDenied)
	}
	if !component.Active || component.Left {
		return nil, fmt.Errorf("%w: component %s is not active", types.ErrAccessDenied, component.ID)
	}
	return component, nil
}
