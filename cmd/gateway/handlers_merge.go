package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/levipshemish/jewgo-app-sub008/pkg/audit"
	"github.com/levipshemish/jewgo-app-sub008/pkg/auth"
	"github.com/levipshemish/jewgo-app-sub008/pkg/clientip"
	"github.com/levipshemish/jewgo-app-sub008/pkg/csrf"
	"github.com/levipshemish/jewgo-app-sub008/pkg/events"
	"github.com/levipshemish/jewgo-app-sub008/pkg/httpx"
	"github.com/levipshemish/jewgo-app-sub008/pkg/idempotency"
	"github.com/levipshemish/jewgo-app-sub008/pkg/merge"
	"github.com/levipshemish/jewgo-app-sub008/pkg/stream"
)

// MergeTokenCookie carries the signed anonymous-identity claim.
const MergeTokenCookie = "merge_token"

const mergeOperation = "merge-anonymous"

type mergeResult struct {
	CorrelationID string          `json:"correlation_id"`
	Moved         int64           `json:"moved"`
	Discarded     int64           `json:"discarded"`
	Outcomes      []merge.Outcome `json:"outcomes"`
	Idempotent    bool            `json:"idempotent"`
}

type rateLimitedResponse struct {
	Error             string `json:"error"`
	RemainingAttempts int    `json:"remaining_attempts"`
	ResetInSeconds    int    `json:"reset_in_seconds"`
	RetryAfter        int    `json:"retry_after"`
}

// clearMergeToken expires the merge_token cookie. Every terminal path runs
// through this, failures included, so a stale token cannot be replayed
// without the upstream flow issuing a fresh one.
func clearMergeToken(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     MergeTokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) terminalJSON(w http.ResponseWriter, status int, payload any) {
	clearMergeToken(w)
	httpx.WriteJSON(w, status, payload)
}

func (s *Server) terminalError(w http.ResponseWriter, status int, msg string) {
	clearMergeToken(w)
	httpx.Error(w, status, msg)
}

func (s *Server) handleMergeAnonymous(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.NewString()

	// The session resolves up front so the CSRF token fallback can bind to
	// the subject, but origin validation still rejects first.
	principal, authErr := auth.FromRequest(r, s.SessionSecret)

	csrfResult := s.CSRF.Validate(
		r.Header.Get("Origin"),
		r.Header.Get("Referer"),
		r.Header.Get("X-CSRF-Token"),
		principal.Subject,
	)
	if csrfResult == csrf.Denied {
		log.Printf("merge: origin rejected (correlation=%s origin=%q)", correlationID, r.Header.Get("Origin"))
		s.Metrics.IncRejection("csrf")
		s.terminalError(w, 403, "request origin not allowed")
		return
	}

	if authErr != nil {
		s.Metrics.IncRejection("session")
		s.terminalError(w, 401, "authentication required")
		return
	}
	if principal.IsAnonymous() {
		s.Metrics.IncRejection("precondition")
		s.terminalError(w, 400, "target account must be fully authenticated")
		return
	}

	clientHash := clientip.Hash(s.ClientIP.FromRequest(r), s.IPHashSalt)
	limitKey := mergeOperation + ":" + clientHash
	decision, err := s.Limiter.Allow(r.Context(), limitKey, s.RateLimit)
	if err != nil {
		// Admission store outage fails closed: this guards a sensitive
		// mutation, so degraded means rejected, never waved through.
		log.Printf("merge: rate limit backend error, failing closed (client=%s): %v", clientHash[:12], err)
		s.Metrics.IncRejection("rate_limit")
		s.terminalJSON(w, 429, rateLimitedResponse{
			Error:             "rate limited",
			RemainingAttempts: 0,
			ResetInSeconds:    int(s.RateLimitWindow.Seconds()),
			RetryAfter:        int(s.RateLimitWindow.Seconds()),
		})
		return
	}
	if !decision.Allowed {
		resetIn := int(time.Until(decision.ResetAt).Seconds())
		if resetIn < 0 {
			resetIn = 0
		}
		s.Metrics.IncRejection("rate_limit")
		s.terminalJSON(w, 429, rateLimitedResponse{
			Error:             "rate limited",
			RemainingAttempts: decision.Remaining,
			ResetInSeconds:    resetIn,
			RetryAfter:        resetIn,
		})
		return
	}

	cookie, err := r.Cookie(MergeTokenCookie)
	if err != nil || cookie.Value == "" {
		s.Metrics.IncRejection("merge_token")
		s.terminalError(w, 400, "merge token required")
		return
	}
	payload, err := s.Keychain.Verify(cookie.Value, time.Now().UTC())
	if err != nil {
		// Token failures share one generic body; the typed cause stays in
		// the server log without the raw token.
		log.Printf("merge: token rejected (correlation=%s): %v", correlationID, err)
		s.Metrics.IncRejection("merge_token")
		s.terminalError(w, 400, "invalid merge token")
		return
	}
	if payload.AnonUID == principal.Subject {
		s.Metrics.IncRejection("precondition")
		s.terminalError(w, 400, "cannot merge an account into itself")
		return
	}

	ledgerKey := idempotency.Key(mergeOperation, payload.AnonUID, principal.Subject)
	var replay mergeResult
	if s.Ledger.Check(r.Context(), ledgerKey, &replay) {
		replay.Idempotent = true
		s.Metrics.IncIdempotentHit()
		// The replay gets its own audit row under the fresh correlation id;
		// the response body still carries the original one.
		s.recordMerge(context.WithoutCancel(r.Context()), correlationID, payload.AnonUID, principal.Subject, replay)
		s.terminalJSON(w, 202, replay)
		return
	}

	// Once orchestration starts it runs to completion; a client disconnect
	// must not leave table N half-handled while N+1 was never attempted.
	mergeCtx := context.WithoutCancel(r.Context())
	start := time.Now()
	outcomes, err := s.Orchestrator.Merge(mergeCtx, payload.AnonUID, principal.Subject)
	if err != nil {
		log.Printf("merge: orchestration failed (correlation=%s): %v", correlationID, err)
		s.terminalError(w, 500, "merge failed")
		return
	}
	s.Metrics.ObserveMergeLatency(time.Since(start))
	for _, outcome := range outcomes {
		s.Metrics.IncMergeAction(string(outcome.Action))
	}

	moved, discarded := merge.Totals(outcomes)
	result := mergeResult{
		CorrelationID: correlationID,
		Moved:         moved,
		Discarded:     discarded,
		Outcomes:      outcomes,
	}
	if err := s.Ledger.Store(mergeCtx, ledgerKey, result); err != nil {
		log.Printf("merge: ledger store failed (correlation=%s): %v", correlationID, err)
	}
	s.recordMerge(mergeCtx, correlationID, payload.AnonUID, principal.Subject, result)

	s.terminalJSON(w, 202, result)
}

// recordMerge writes the audit row and fans the completion event out to
// Kafka and the ops stream. All three are best effort at this point; the
// merge itself already happened.
func (s *Server) recordMerge(ctx context.Context, correlationID, sourceUID, targetUID string, result mergeResult) {
	outcomesJSON, err := json.Marshal(result.Outcomes)
	if err != nil {
		log.Printf("merge: encode outcomes (correlation=%s): %v", correlationID, err)
		return
	}
	sourceHash := s.Audit.HashIdentity(sourceUID)
	targetHash := s.Audit.HashIdentity(targetUID)
	status := "completed"
	if result.Idempotent {
		status = "replayed"
	}

	if err := s.Audit.Append(ctx, audit.Record{
		CorrelationID: correlationID,
		Operation:     mergeOperation,
		SourceHash:    sourceHash,
		TargetHash:    targetHash,
		Outcomes:      outcomesJSON,
		Status:        status,
		Idempotent:    result.Idempotent,
	}); err != nil {
		log.Printf("merge: audit append failed (correlation=%s): %v", correlationID, err)
	}

	if s.Publisher != nil {
		publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.Publisher.PublishMergeCompleted(publishCtx, events.MergeCompleted{
			CorrelationID:  correlationID,
			SourceHash:     sourceHash,
			TargetHash:     targetHash,
			Idempotent:     result.Idempotent,
			Outcomes:       outcomesJSON,
			MovedTotal:     result.Moved,
			DiscardedTotal: result.Discarded,
		}); err != nil {
			log.Printf("merge: event publish failed (correlation=%s): %v", correlationID, err)
		}
	}

	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(events.TypeMergeCompleted, map[string]any{
			"correlation_id": correlationID,
			"moved":          result.Moved,
			"discarded":      result.Discarded,
			"idempotent":     result.Idempotent,
		}))
	}
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	correlationID := chi.URLParam(r, "correlation_id")
	if _, err := uuid.Parse(correlationID); err != nil {
		httpx.Error(w, 400, "invalid correlation id")
		return
	}
	rec, err := s.Audit.Get(r.Context(), correlationID)
	if err != nil {
		httpx.Error(w, 404, "not found")
		return
	}
	httpx.WriteJSON(w, 200, rec)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	for _, evt := range s.Events.Recent() {
		if err := wsjson.Write(ctx, conn, evt); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
			return
		}
	}
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
