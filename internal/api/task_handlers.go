package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/statlab/herocrawl/internal/publisher"
	"github.com/statlab/herocrawl/internal/store"
	"github.com/statlab/herocrawl/internal/telemetry"
)

// taskJSON is the wire form of a dispatched task.
type taskJSON struct {
	Type           store.TaskType `json:"type"`
	AccountID      int64          `json:"steamAccountId"`
	Depth          int            `json:"depth"`
	HighestMatchID *int64         `json:"highestMatchId,omitempty"`
	Lease          string         `json:"lease"`
}

func toTaskJSON(t *store.Task) *taskJSON {
	if t == nil {
		return nil
	}
	return &taskJSON{
		Type:           t.Type,
		AccountID:      t.AccountID,
		Depth:          t.Depth,
		HighestMatchID: t.HighestMatchID,
		Lease:          t.Lease,
	}
}

// nextTask hands out the next claimed task. A null task means the worker
// should back off and poll again.
func (s *Server) nextTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.NextTask(r.Context())
	if err != nil {
		s.logger.Error("task dispatch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "task dispatch failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": toTaskJSON(task)})
}

type resetRequest struct {
	AccountID int64          `json:"steamAccountId"`
	Type      store.TaskType `json:"type"`
	Lease     string         `json:"lease"`
}

// resetTask releases an assignment a worker knows it cannot finish.
func (s *Server) resetTask(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AccountID <= 0 {
		writeError(w, http.StatusBadRequest, "steamAccountId is required")
		return
	}
	// Unknown types fall through to a plain assignment release.
	if err := s.accounts.ResetTask(r.Context(), req.AccountID, req.Type, req.Lease); err != nil {
		s.writeStoreError(w, err, "reset failed")
		return
	}
	s.logger.Info("task reset",
		zap.Int64("account_id", req.AccountID),
		zap.String("type", string(req.Type)),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// discoveredEntry is one reported account in a discovery submission. Workers
// send either a bare account ID or an object with an optional seen count.
type discoveredEntry struct {
	ID    int64
	Count int
}

func (d *discoveredEntry) UnmarshalJSON(data []byte) error {
	var id int64
	if err := json.Unmarshal(data, &id); err == nil {
		d.ID = id
		d.Count = 1
		return nil
	}
	var obj struct {
		SteamAccountID *int64 `json:"steamAccountId"`
		ID             *int64 `json:"id"`
		Count          *int   `json:"count"`
		SeenCount      *int   `json:"seenCount"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode discovered entry: %w", err)
	}
	switch {
	case obj.SteamAccountID != nil:
		d.ID = *obj.SteamAccountID
	case obj.ID != nil:
		d.ID = *obj.ID
	default:
		return errors.New("discovered entry missing account id")
	}
	d.Count = 1
	if obj.Count != nil {
		d.Count = *obj.Count
	} else if obj.SeenCount != nil {
		d.Count = *obj.SeenCount
	}
	return nil
}

type submitRequest struct {
	Type           store.TaskType    `json:"type"`
	AccountID      int64             `json:"steamAccountId"`
	Lease          string            `json:"lease"`
	HeroStats      []heroStatJSON    `json:"heroStats"`
	Discovered     []discoveredEntry `json:"discovered"`
	Depth          *int              `json:"depth"`
	NextDepth      *int              `json:"nextDepth"`
	HighestMatchID *int64            `json:"highestMatchId"`
	// Task asks for the next task in the same round trip.
	Task bool `json:"task"`
}

type heroStatJSON struct {
	HeroID  int32 `json:"heroId"`
	Matches int64 `json:"matches"`
	Wins    int64 `json:"wins"`
}

// submit accepts a finished task's results. The branch taken depends on the
// task type; refresh submissions carry both discovery and hero payloads
// under one lease.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AccountID <= 0 || !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, "steamAccountId and a valid type are required")
		return
	}

	var err error
	switch req.Type {
	case store.TaskFetchHeroStats:
		err = s.submitHero(r.Context(), req)
	case store.TaskDiscoverMatches:
		err = s.submitDiscovery(r.Context(), req, true)
	case store.TaskRefreshPlayer:
		err = s.submitRefresh(r.Context(), req)
	}
	if err != nil {
		telemetry.ObserveSubmission(string(req.Type), "error")
		s.writeStoreError(w, err, "submission failed")
		return
	}
	telemetry.ObserveSubmission(string(req.Type), "ok")

	resp := map[string]any{"status": "ok"}
	if req.Task {
		task, err := s.tasks.NextTask(r.Context())
		if err != nil {
			s.logger.Error("chained task dispatch failed", zap.Error(err))
		} else {
			resp["task"] = toTaskJSON(task)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// submitHero stores the reported per-hero totals and closes the hero phase.
// The lease is verified before anything is written; the trailing completion
// re-checks the fence atomically.
func (s *Server) submitHero(ctx context.Context, req submitRequest) error {
	if err := s.accounts.VerifyLease(ctx, req.AccountID, req.Lease); err != nil {
		return err
	}
	stats := make([]store.HeroStat, 0, len(req.HeroStats))
	for _, h := range req.HeroStats {
		stats = append(stats, store.HeroStat{HeroID: h.HeroID, Matches: h.Matches, Wins: h.Wins})
	}
	if err := s.stats.UpsertHeroStats(ctx, req.AccountID, stats); err != nil {
		return err
	}
	return s.accounts.CompleteHero(ctx, req.AccountID, req.Lease)
}

// submitDiscovery records reported accounts at the parent's depth plus one
// and closes the discovery phase. With release false the assignment stays
// held for a following hero-stage submission.
func (s *Server) submitDiscovery(ctx context.Context, req submitRequest, release bool) error {
	if err := s.accounts.VerifyLease(ctx, req.AccountID, req.Lease); err != nil {
		return err
	}
	nextDepth, err := s.resolveNextDepth(ctx, req)
	if err != nil {
		return err
	}
	var children []store.Discovered
	if len(req.Discovered) > 0 {
		children = make([]store.Discovered, 0, len(req.Discovered))
		for _, d := range req.Discovered {
			if d.ID <= 0 || d.ID == req.AccountID {
				continue
			}
			children = append(children, store.Discovered{ID: d.ID, Count: d.Count})
		}
		if len(children) > 0 {
			inserted, err := s.accounts.InsertDiscovered(ctx, req.AccountID, children, nextDepth)
			if err != nil {
				return err
			}
			telemetry.ObserveDiscovered(inserted)
		}
	}
	if err := s.accounts.CompleteDiscovery(ctx, req.AccountID, req.Lease, req.HighestMatchID, release); err != nil {
		return err
	}
	// The frontier event goes out only once the submission is committed.
	if len(children) > 0 {
		s.publishFrontier(ctx, req.AccountID, nextDepth, children)
	}
	return nil
}

// submitRefresh handles the compound task: the discovery stage keeps the
// lease so the hero stage can complete under the same fence. A submission
// without hero stats closes only the discovery stage; the worker follows up
// with the hero payload under the same lease.
func (s *Server) submitRefresh(ctx context.Context, req submitRequest) error {
	if err := s.submitDiscovery(ctx, req, false); err != nil {
		return err
	}
	if req.HeroStats == nil {
		return nil
	}
	return s.submitHero(ctx, req)
}

// resolveNextDepth picks the depth for reported accounts: an explicit
// nextDepth wins, then the submitted parent depth plus one, then the stored
// parent depth plus one.
func (s *Server) resolveNextDepth(ctx context.Context, req submitRequest) (int, error) {
	if req.NextDepth != nil {
		if *req.NextDepth < 0 {
			return 0, errBadDepth
		}
		return *req.NextDepth, nil
	}
	if req.Depth != nil {
		if *req.Depth < 0 {
			return 0, errBadDepth
		}
		return *req.Depth + 1, nil
	}
	depth, err := s.accounts.Depth(ctx, req.AccountID)
	if err != nil {
		return 0, err
	}
	return depth + 1, nil
}

var errBadDepth = errors.New("depth must be >= 0")

func (s *Server) publishFrontier(ctx context.Context, parentID int64, depth int, children []store.Discovered) {
	if s.pub == nil {
		return
	}
	ids := make([]int64, 0, len(children))
	for _, c := range children {
		ids = append(ids, c.ID)
	}
	event := publisher.FrontierEvent{ParentID: parentID, Depth: depth, Discovered: ids}
	if _, err := s.pub.Publish(ctx, s.cfg.PubSub.TopicName, event); err != nil {
		// Frontier events are best effort; the store already holds the rows.
		s.logger.Warn("frontier event publish failed", zap.Error(err))
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, store.ErrLeaseMismatch):
		writeError(w, http.StatusConflict, "lease does not own assignment")
	case errors.Is(err, errBadDepth):
		writeError(w, http.StatusBadRequest, errBadDepth.Error())
	default:
		s.logger.Error(msg, zap.Error(err))
		writeError(w, http.StatusInternalServerError, msg)
	}
}
