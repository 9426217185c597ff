// Package webhookserver is the long-running HTTP service that receives CI
// lifecycle events and the small operator API next to it.
package webhookserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/postgresql-cfbot/cfbot/go/builds"
	"github.com/postgresql-cfbot/cfbot/go/cirrus"
	"github.com/postgresql-cfbot/cfbot/go/config"
	"github.com/postgresql-cfbot/cfbot/go/dbutil"
)

// Server handles inbound webhooks and the requeue API.
type Server struct {
	cfg   config.Config
	db    *pgxpool.Pool
	store *builds.Store
}

// New returns a Server.
func New(cfg config.Config, db *pgxpool.Pool, store *builds.Store) *Server {
	return &Server{cfg: cfg, db: db, store: store}
}

// Router builds the HTTP routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/api/cirrus-webhook", s.handleCirrusWebhook)
	r.Post("/api/requeue-patch", s.handleRequeuePatch)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ListenAndServe runs the server until ctx is cancelled, then drains.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.WebhookAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		zap.S().Infof("webhook endpoint listening on %s", s.cfg.WebhookAddr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return errors.Wrap(err, "webhook endpoint")
	}
}

// handleCirrusWebhook applies one build or task event. Out-of-sync updates
// are deliberately accepted with "OK": the store drops them and schedules a
// poll, and answering an error would only make Cirrus resend the same event.
func (s *Server) handleCirrusWebhook(w http.ResponseWriter, r *http.Request) {
	eventType := r.Header.Get("X-Cirrus-Event")
	var event cirrus.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		zap.S().Warnf("undecodable %s webhook: %s", eventType, err)
		writeText(w, http.StatusOK, "not understood")
		return
	}
	err := s.db.BeginFunc(r.Context(), func(tx pgx.Tx) error {
		return s.store.IngestWebhook(r.Context(), tx, eventType, &event)
	})
	switch {
	case errors.Is(err, builds.ErrNotUnderstood):
		writeText(w, http.StatusOK, "not understood")
	case err != nil:
		zap.S().Errorf("webhook failed: %s", err)
		writeText(w, http.StatusInternalServerError, "NOT OK")
	default:
		writeText(w, http.StatusOK, "OK")
	}
}

type requeueRequest struct {
	CommitfestID int64  `json:"commitfest_id"`
	SubmissionID int64  `json:"submission_id"`
	SharedSecret string `json:"shared_secret"`
}

// handleRequeuePatch lets the Commitfest app ask for a submission to be
// rebuilt: forgetting which message was last built makes the next scheduler
// tick treat the current patch set as new.
func (s *Server) handleRequeuePatch(w http.ResponseWriter, r *http.Request) {
	var req requeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeText(w, http.StatusBadRequest, "not understood")
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.SharedSecret), []byte(s.cfg.CommitfestSharedSecret)) != 1 {
		writeText(w, http.StatusForbidden, "NOT OK")
		return
	}
	_, err := s.db.Exec(r.Context(), `
		UPDATE submission
		   SET last_branch_message_id = NULL,
		       backoff_until = NULL
		 WHERE commitfest_id = $1
		   AND submission_id = $2
		   AND last_message_id IS NOT NULL`, req.CommitfestID, req.SubmissionID)
	if err != nil {
		zap.S().Errorf("requeue failed: %s", dbutil.WrappedError(err))
		writeText(w, http.StatusInternalServerError, "NOT OK")
		return
	}
	writeText(w, http.StatusOK, "OK")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeText(w, http.StatusServiceUnavailable, "NOT OK")
		return
	}
	writeText(w, http.StatusOK, "OK")
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
