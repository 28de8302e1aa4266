package api

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/statlab/herocrawl/internal/store"
)

type progressJSON struct {
	PlayersTotal int64 `json:"playersTotal"`
	HeroDone     int64 `json:"heroDone"`
	DiscoverDone int64 `json:"discoverDone"`
}

func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	p, err := s.accounts.Progress(r.Context())
	if err != nil {
		s.logger.Error("progress query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "progress query failed")
		return
	}
	writeJSON(w, http.StatusOK, progressJSON{
		PlayersTotal: p.PlayersTotal,
		HeroDone:     p.HeroDone,
		DiscoverDone: p.DiscoverDone,
	})
}

// seed inserts a contiguous account ID range at depth zero. Operator-only:
// requests must originate from the loopback interface.
func (s *Server) seed(w http.ResponseWriter, r *http.Request) {
	if !isLocalRequest(r) {
		writeError(w, http.StatusForbidden, "seed is restricted to local requests")
		return
	}
	start, end, err := seedRange(r, s.cfg.Seed.InitialAccountID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inserted, err := s.accounts.SeedRange(r.Context(), start, end)
	if err != nil {
		s.logger.Error("seed failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "seed failed")
		return
	}
	s.logger.Info("frontier seeded",
		zap.Int64("start", start),
		zap.Int64("end", end),
		zap.Int64("inserted", inserted),
	)
	writeJSON(w, http.StatusOK, map[string]int64{"inserted": inserted})
}

type leaderboardEntryJSON struct {
	HeroID    int32 `json:"heroId"`
	AccountID int64 `json:"steamAccountId"`
	Matches   int64 `json:"matches"`
	Wins      int64 `json:"wins"`
}

func toEntryJSON(entries []store.LeaderboardEntry) []leaderboardEntryJSON {
	out := make([]leaderboardEntryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, leaderboardEntryJSON{
			HeroID:    e.HeroID,
			AccountID: e.AccountID,
			Matches:   e.Matches,
			Wins:      e.Wins,
		})
	}
	return out
}

func (s *Server) bestOverall(w http.ResponseWriter, r *http.Request) {
	entries, err := s.stats.BestOverall(r.Context())
	if err != nil {
		s.logger.Error("leaderboard query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "leaderboard query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"best": toEntryJSON(entries)})
}

func (s *Server) heroLeaderboard(w http.ResponseWriter, r *http.Request) {
	heroID, err := strconv.ParseInt(chi.URLParam(r, "heroID"), 10, 32)
	if err != nil || heroID <= 0 {
		writeError(w, http.StatusBadRequest, "heroID must be a positive integer")
		return
	}
	entries, err := s.stats.HeroLeaderboard(r.Context(), int32(heroID))
	if err != nil {
		s.logger.Error("leaderboard query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "leaderboard query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"heroId":  heroID,
		"entries": toEntryJSON(entries),
	})
}

// seedRange parses the start/end query parameters, defaulting both to the
// configured initial account when absent.
func seedRange(r *http.Request, initial int64) (int64, int64, error) {
	start, end := initial, initial
	var err error
	if raw := r.URL.Query().Get("start"); raw != "" {
		if start, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return 0, 0, errSeedRange
		}
		end = start
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		if end, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return 0, 0, errSeedRange
		}
	}
	if start <= 0 || end < start {
		return 0, 0, errSeedRange
	}
	return start, end, nil
}

var errSeedRange = errors.New("start must be > 0 and end >= start")

// isLocalRequest reports whether the request reached us from loopback,
// honoring the first X-Forwarded-For hop when a proxy sits in front.
func isLocalRequest(r *http.Request) bool {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
