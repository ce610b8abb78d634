package dispatch

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/relaymesh/control-plane/pkg/events"
	"github.com/rs/zerolog/log"
)

// HandleIntake is the direct-HTTP substrate's delivery target for
// response.ready (DirectSubstrate.PublishResponse posts here). Like the
// Worker's intake, the turn itself is processed after the response is
// written, on a context detached from the request's own.
func (d *Dispatcher) HandleIntake(w http.ResponseWriter, r *http.Request) {
	var data events.ResponseReadyData
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)

	go func() {
		if err := d.ProcessResponse(context.Background(), &data); err != nil {
			log.Error().Err(err).Str("request_id", data.RequestID).Msg("process response.ready via intake")
		}
	}()
}
