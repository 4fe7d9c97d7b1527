package api

import (
	"context"
	"net/http"
	"strconv"

	lwerrs "github.com/jdholdren/lotwatch/internal/errors"
	"github.com/jdholdren/lotwatch/internal/lotwatch"
	"github.com/jdholdren/lotwatch/internal/refresh"
	"github.com/jdholdren/lotwatch/internal/serverutil"
)

type RefreshAcceptedResp struct {
	Accepted  bool           `json:"accepted"`
	Scheduler refresh.Status `json:"scheduler"`
}

// postRefresh runs a manual cycle. By default it waits for the cycle and
// returns its result; ?async=true only requests one.
func (s Server) postRefresh(w http.ResponseWriter, r *http.Request) error {
	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))

	if async {
		if s.sched.Running() {
			return lwerrs.E(http.StatusConflict, lotwatch.ErrCycleRunning)
		}
		s.sched.Trigger(refresh.TriggerManual)

		return serverutil.WriteJSON(w, http.StatusAccepted, RefreshAcceptedResp{
			Accepted:  true,
			Scheduler: s.sched.Status(),
		})
	}

	// A client hanging up shouldn't abandon a cycle halfway through
	res, err := s.sched.RunCycle(context.WithoutCancel(r.Context()), refresh.TriggerManual)
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, res)
}
