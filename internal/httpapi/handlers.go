package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/digkill/voicegen/internal/auth"
	"github.com/digkill/voicegen/internal/models"
	"github.com/digkill/voicegen/internal/service"
)

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json", service.ErrInvalidRequest)
	}
	return nil
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFrom(r.Context())
	if identity == "" {
		s.writeError(w, r, service.ErrUnauthenticated)
		return
	}
	var req service.GenerationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	started := time.Now()
	res, err := s.generator.Generate(r.Context(), identity, req)
	if err != nil {
		s.log.Info("generation rejected", "account_id", identity, "kind", service.Kind(err), "took", time.Since(started))
		s.writeError(w, r, err)
		return
	}
	s.log.Info("generation completed", "account_id", identity, "task_id", res.TaskID, "credits", res.Usage.CreditsUsed, "billed", res.Billed, "took", time.Since(started))
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	snap, err := s.accounts.Snapshot(r.Context(), auth.IdentityFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// handleAccountEvents streams account changes as server-sent events. The
// first event is the current row so a reconnecting client never misses a
// change made while it was away. The subscription is taken before that row is
// read, and updates no newer than the last sent version are dropped.
func (s *Server) handleAccountEvents(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFrom(r.Context())
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	updates, cancel := s.broker.Subscribe(identity)
	defer cancel()

	acc, err := s.accounts.Ensure(r.Context(), identity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var last int64
	emit := func(p models.Profile) {
		last = p.Version
		b, _ := json.Marshal(p)
		fmt.Fprintf(w, "event: account\nid: %d\ndata: %s\n\n", p.Version, b)
		flusher.Flush()
	}
	emit(acc.Profile())

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case p, open := <-updates:
			if !open {
				return
			}
			if p.Version <= last {
				continue
			}
			emit(p)
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

type orderRequest struct {
	PlanID int64 `json:"planId"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFrom(r.Context())
	if identity == "" {
		s.writeError(w, r, service.ErrUnauthenticated)
		return
	}
	var req orderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	order, err := s.payments.CreateOrder(r.Context(), identity, req.PlanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFrom(r.Context())
	if identity == "" {
		s.writeError(w, r, service.ErrUnauthenticated)
		return
	}
	var req service.Verification
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	acc, err := s.payments.Verify(r.Context(), identity, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "profile": acc.Profile()})
}
