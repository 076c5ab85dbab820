package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/IDSIA/Ferdelance/pkg/events"
	"github.com/IDSIA/Ferdelance/pkg/exchange"
	"github.com/IDSIA/Ferdelance/pkg/storage"
	"github.com/IDSIA/Ferdelance/pkg/types"
)

// handleServerKey answers in the clear; everything after bootstrap is
// encrypted.
func (s *Server) handleServerKey(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(types.ServerPublicKey{PublicKey: s.transfer})
}

// handleJoin runs the bootstrap framing: the body is hybrid-encrypted
// to the server key, the answer to the joiner's advertised key. No
// token is involved yet.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req types.NodeJoinRequest
	if err := s.readEncrypted(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	var data *types.JoinData
	err := s.store.Update(func(tx storage.Tx) error {
		var err error
		data, err = s.session.Join(tx, &req, r.RemoteAddr, time.Now().UTC())
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data.PublicKey = s.transfer

	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:        events.EventComponentJoined,
			ComponentID: data.ID,
		})
	}

	pub, err := exchange.PublicKeyFromTransfer(req.PublicKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeEncrypted(w, r, pub, data)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	component := componentFrom(r.Context())

	err := s.store.Update(func(tx storage.Tx) error {
		c, err := tx.GetComponent(component.ID)
		if err != nil {
			return err
		}
		return s.session.Leave(tx, c)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:        events.EventComponentLeft,
			ComponentID: component.ID,
		})
	}
	w.WriteHeader(http.StatusOK)
}

// handleMetadata upserts the caller's datasource advertisement and
// links each datasource into the projects its tokens name.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	component := componentFrom(r.Context())

	var meta types.Metadata
	if err := s.readEncrypted(r, &meta); err != nil {
		s.writeError(w, r, err)
		return
	}

	now := time.Now().UTC()
	err := s.store.Update(func(tx storage.Tx) error {
		for i := range meta.DataSources {
			ds := meta.DataSources[i]
			ds.ComponentID = component.ID
			if ds.CreatedAt.IsZero() {
				ds.CreatedAt = now
			}
			if err := tx.UpsertDataSource(&ds); err != nil {
				return err
			}
			for _, token := range ds.Tokens {
				if err := linkDataSource(tx, token, ds.Hash); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeEncryptedTo(w, r, &meta)
}

func linkDataSource(tx storage.Tx, projectToken, hash string) error {
	project, err := tx.GetProjectByToken(projectToken)
	if err != nil {
		// Unknown tokens in an advertisement are skipped, not fatal.
		return nil
	}
	for _, existing := range project.DataSourceIDs {
		if existing == hash {
			return nil
		}
	}
	project.DataSourceIDs = append(project.DataSourceIDs, hash)
	return tx.UpdateProject(project)
}
