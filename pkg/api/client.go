package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/IDSIA/Ferdelance/pkg/exchange"
	"github.com/IDSIA/Ferdelance/pkg/storage"
	"github.com/IDSIA/Ferdelance/pkg/types"
)

// handleClientUpdate answers one heartbeat: hand out the oldest
// scheduled job for the caller or tell it to idle.
func (s *Server) handleClientUpdate(w http.ResponseWriter, r *http.Request) {
	component := componentFrom(r.Context())

	var update types.ClientUpdate
	if err := s.readEncrypted(r, &update); err != nil {
		s.writeError(w, r, err)
		return
	}

	if component.Blacklist {
		s.writeEncryptedTo(w, r, &types.UpdateData{Action: types.ActionClientExit})
		return
	}

	if update.ServerKeyChecksum != "" && update.ServerKeyChecksum != exchange.StrChecksum(s.transfer) {
		s.writeEncryptedTo(w, r, &types.UpdateData{
			Action:    types.ActionUpdateServerKey,
			PublicKey: s.transfer,
		})
		return
	}

	reply := types.UpdateData{Action: types.ActionDoNothing}

	err := s.store.Update(func(tx storage.Tx) error {
		job, err := s.scheduler.NextJob(tx, component.ID, time.Now().UTC())
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		params, err := taskParameters(tx, job)
		if err != nil {
			return err
		}
		reply = types.UpdateData{
			Action:     types.ActionExecute,
			JobID:      job.ID,
			JobKind:    job.Kind,
			Parameters: params,
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeEncryptedTo(w, r, &reply)
}
