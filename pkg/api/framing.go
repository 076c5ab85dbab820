package api

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/IDSIA/Ferdelance/pkg/exchange"
	"github.com/IDSIA/Ferdelance/pkg/log"
	"github.com/IDSIA/Ferdelance/pkg/storage"
	"github.com/IDSIA/Ferdelance/pkg/types"
)

const (
	headerSignature = "Signature"
	contentType     = "application/octet-stream"
)

type contextKey int

const componentContextKey contextKey = iota

// componentFrom returns the authenticated component of the request.
func componentFrom(ctx context.Context) *types.Component {
	c, _ := ctx.Value(componentContextKey).(*types.Component)
	return c
}

// authenticated enforces the signed framing: a valid bearer token, an
// RSA-PSS signature over the token made with the component's key, and
// a component type allowed on the route group.
func (s *Server) authenticated(allowed ...types.ComponentType) func(http.Handler) http.Handler {
	return s.authPolicy(false, allowed)
}

// heartbeatAuthenticated lets a blacklisted component through so the
// heartbeat handler can order it to exit.
func (s *Server) heartbeatAuthenticated(allowed ...types.ComponentType) func(http.Handler) http.Handler {
	return s.authPolicy(true, allowed)
}

func (s *Server) authPolicy(allowBlacklisted bool, allowed []types.ComponentType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			component, err := s.authenticate(r)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			if component.Blacklist && !allowBlacklisted {
				s.writeError(w, r, fmt.Errorf("%w: component %s is blacklisted", types.ErrAccessDenied, component.ID))
				return
			}

			permitted := false
			for _, t := range allowed {
				if component.Type == t {
					permitted = true
					break
				}
			}
			if !permitted {
				s.writeError(w, r, fmt.Errorf("%w: type %s not allowed here", types.ErrAccessDenied, component.Type))
				return
			}

			ctx := context.WithValue(r.Context(), componentContextKey, component)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) authenticate(r *http.Request) (*types.Component, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil, fmt.Errorf("%w: missing bearer token", types.ErrAccessDenied)
	}
	token := strings.TrimPrefix(auth, "Bearer ")

	signature := r.Header.Get(headerSignature)
	if signature == "" {
		return nil, fmt.Errorf("%w: missing signature", types.ErrAccessDenied)
	}

	var component *types.Component
	err := s.store.View(func(tx storage.Tx) error {
		var err error
		component, err = s.session.Authenticate(tx, token, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}

	pub, err := exchange.PublicKeyFromTransfer(component.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: stored key unreadable", types.ErrAccessDenied)
	}
	if err := exchange.Verify(pub, token, signature); err != nil {
		return nil, err
	}
	return component, nil
}

// readEncrypted decrypts the request body with the server key and
// unmarshals it.
func (s *Server) readEncrypted(r *http.Request, v interface{}) error {
	envelope, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	plain, err := exchange.DecryptBytes(s.key, envelope)
	if err != nil {
		return fmt.Errorf("%w: undecryptable body", types.ErrAccessDenied)
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

// writeEncrypted marshals v and encrypts it to the recipient's key.
func (s *Server) writeEncrypted(w http.ResponseWriter, r *http.Request, recipient *rsa.PublicKey, v interface{}) {
	plain, err := json.Marshal(v)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	envelope, err := exchange.EncryptBytes(recipient, plain)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(envelope)
}

// writeEncryptedTo is writeEncrypted addressed to the authenticated
// component of the request.
func (s *Server) writeEncryptedTo(w http.ResponseWriter, r *http.Request, v interface{}) {
	component := componentFrom(r.Context())
	pub, err := exchange.PublicKeyFromTransfer(component.PublicKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeEncrypted(w, r, pub, v)
}

// writeError maps the error taxonomy onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, types.ErrInvalidArtifact), errors.Is(err, exchange.ErrChecksum):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrConflict):
		status = http.StatusConflict
	}

	logger := log.WithComponent("api")
	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	} else {
		logger.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request rejected")
	}
	http.Error(w, http.StatusText(status), status)
}
