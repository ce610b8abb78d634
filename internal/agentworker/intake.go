package agentworker

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/relaymesh/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// HandleIntake is the direct-HTTP substrate's delivery target for
// request.created (DirectSubstrate.SendRequest posts here). The caller only
// expects confirmation that the body was accepted, so the turn itself is
// processed in a detached goroutine after the response is written — the
// request's own context is canceled the moment this handler returns, and
// the turn must outlive that.
func (w *Worker) HandleIntake(rw http.ResponseWriter, r *http.Request) {
	var req models.NormalizedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	rw.WriteHeader(http.StatusAccepted)

	go func() {
		if err := w.process(context.Background(), &req, ""); err != nil {
			log.Error().Err(err).Str("request_id", req.RequestID).Msg("process request.created via intake")
		}
	}()
}
