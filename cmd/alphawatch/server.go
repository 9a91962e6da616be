package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/alphawatch/internal/alpha"
	"github.com/nexus-trading/alphawatch/internal/copytrade"
	"github.com/nexus-trading/alphawatch/internal/notify"
	"github.com/nexus-trading/alphawatch/internal/observability"
	"github.com/nexus-trading/alphawatch/internal/paper"
)

// api serves the health, stats and control endpoints.
type api struct {
	registry *copytrade.Registry
	engine   *paper.Engine
	orch     *alpha.Orchestrator
	pipeline *alpha.SignalPipeline
	health   *observability.HealthMonitor
	chains   map[string]bool // chains a watch target may be added for
	forget   func(copytrade.WatchTarget)
	stats    func() map[string]any
}

func (a *api) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// ── Health ──
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.stats())
	})

	// ── Positions ──
	mux.HandleFunc("/positions", a.handlePositions)
	mux.HandleFunc("/positions/open", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.engine.OpenPositions())
	})
	mux.HandleFunc("/signals", func(w http.ResponseWriter, _ *http.Request) {
		signals := a.pipeline.Signals()
		if signals == nil {
			signals = []copytrade.TokenSignal{}
		}
		writeJSON(w, http.StatusOK, signals)
	})

	// ── Watch list ──
	mux.HandleFunc("/watch", a.handleWatch)

	// ── Control Plane ──
	mux.HandleFunc("/control/pause", a.postOnly(func(w http.ResponseWriter, _ *http.Request) {
		a.orch.Pause()
		log.Warn().Msg("[CONTROL] entries PAUSED")
		writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
	}))
	mux.HandleFunc("/control/resume", a.postOnly(func(w http.ResponseWriter, _ *http.Request) {
		a.orch.Resume()
		log.Info().Msg("[CONTROL] entries RESUMED")
		writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
	}))
	mux.HandleFunc("/control/kill", a.postOnly(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		events := a.orch.Kill(ctx)
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "killed",
			"closed": len(events),
		})
	}))
	mux.HandleFunc("/control/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"paused":         a.orch.Paused(),
			"open_positions": len(a.engine.OpenPositions()),
			"targets":        a.registry.Len(),
			"last_cycle":     a.orch.LastCycle(),
		})
	})
	return mux
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := a.health.Check(r.Context())
	code := http.StatusOK
	if h.Status == observability.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     h.Status,
		"paused":     a.orch.Paused(),
		"components": h.Components,
		"uptime":     h.Uptime,
		"ts":         h.Timestamp,
	})
}

func (a *api) handlePositions(w http.ResponseWriter, r *http.Request) {
	all := append(a.engine.OpenPositions(), a.engine.ClosedPositions()...)
	if r.URL.Query().Get("format") == "table" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		notify.RenderPositions(w, all)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

type watchRequest struct {
	Address string `json:"address"`
	Chain   string `json:"chain"`
	Label   string `json:"label"`
	Tier    string `json:"tier"`
}

func (a *api) handleWatch(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.registry.All())

	case http.MethodPost:
		var req watchRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		req.Address = strings.TrimSpace(req.Address)
		req.Chain = strings.ToLower(strings.TrimSpace(req.Chain))
		if req.Address == "" || req.Chain == "" {
			http.Error(w, "address and chain are required", http.StatusBadRequest)
			return
		}
		if !a.chains[req.Chain] {
			http.Error(w, fmt.Sprintf("chain %q is not configured", req.Chain), http.StatusBadRequest)
			return
		}
		target := copytrade.WatchTarget{
			Address: req.Address,
			Chain:   req.Chain,
			Label:   req.Label,
			Tier:    copytrade.WalletTier(req.Tier),
		}
		if !a.registry.Add(target) {
			http.Error(w, "target already watched or registry full", http.StatusConflict)
			return
		}
		log.Info().Str("address", copytrade.ShortAddr(target.Address)).Str("chain", target.Chain).Msg("[CONTROL] watch target added")
		added, _ := a.registry.Lookup(target.Address)
		writeJSON(w, http.StatusCreated, added)

	case http.MethodDelete:
		addr := strings.TrimSpace(r.URL.Query().Get("address"))
		target, ok := a.registry.Lookup(addr)
		if addr == "" || !ok || !a.registry.Remove(addr) {
			http.Error(w, "unknown address", http.StatusNotFound)
			return
		}
		if a.forget != nil {
			a.forget(target)
		}
		log.Info().Str("address", copytrade.ShortAddr(target.Address)).Msg("[CONTROL] watch target removed")
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})

	default:
		http.Error(w, "GET, POST or DELETE", http.StatusMethodNotAllowed)
	}
}

func (a *api) postOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("http: encode response")
	}
}
