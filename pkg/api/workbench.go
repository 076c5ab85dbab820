package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/IDSIA/Ferdelance/pkg/storage"
	"github.com/IDSIA/Ferdelance/pkg/types"
)

// handleArtifactSubmit accepts an artifact and plans its first
// iteration.
func (s *Server) handleArtifactSubmit(w http.ResponseWriter, r *http.Request) {
	var artifact types.Artifact
	if err := s.readEncrypted(r, &artifact); err != nil {
		s.writeError(w, r, err)
		return
	}

	var reply *types.ArtifactStatusReply
	err := s.store.Update(func(tx storage.Tx) error {
		var err error
		reply, err = s.planner.SubmitArtifact(tx, &artifact, time.Now().UTC())
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeEncryptedTo(w, r, reply)
}

func (s *Server) handleArtifactStatus(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifact_id")

	var reply *types.ArtifactStatusReply
	err := s.store.View(func(tx storage.Tx) error {
		artifact, err := tx.GetArtifact(artifactID)
		if err != nil {
			return err
		}
		reply = &types.ArtifactStatusReply{
			ArtifactID: artifact.ID,
			Status:     artifact.Status,
			Iteration:  artifact.Iteration,
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeEncryptedTo(w, r, reply)
}

// handleWorkbenchResult serves any stored blob by result id.
func (s *Server) handleWorkbenchResult(w http.ResponseWriter, r *http.Request) {
	resultID := chi.URLParam(r, "result_id")

	var result *types.Result
	err := s.store.View(func(tx storage.Tx) error {
		var err error
		result, err = tx.GetResult(resultID)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.streamResult(w, r, result)
}

// handleWorkbenchPartialResult resolves a partial blob by its
// provenance triple instead of the result id.
func (s *Server) handleWorkbenchPartialResult(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifact_id")
	builderID := chi.URLParam(r, "builder_id")
	iteration, err := strconv.Atoi(chi.URLParam(r, "iteration"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: malformed iteration", types.ErrNotFound))
		return
	}

	var result *types.Result
	err = s.store.View(func(tx storage.Tx) error {
		var err error
		result, err = tx.GetPartialResult(artifactID, builderID, iteration)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.streamResult(w, r, result)
}
