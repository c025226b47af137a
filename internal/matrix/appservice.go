// ABOUTME: HTTP server for inbound appservice transactions from the homeserver
// ABOUTME: hs_token auth, transaction-id dedup, in-order synchronous processing

package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/2389/zulip-bridge/internal/dedupe"
)

// txnDedupeTTL covers homeserver retries; Synapse gives up well before a
// day.
const txnDedupeTTL = 24 * time.Hour

const txnDedupeSize = 4096

// Server receives /_matrix/app/v1 transactions and feeds admitted events
// to the processor.
type Server struct {
	hsToken   string
	processor *Processor
	logger    *slog.Logger

	txns *dedupe.Cache
	http *http.Server
}

// NewServer builds the transaction server. addr is host:port.
func NewServer(addr, hsToken string, processor *Processor, logger *slog.Logger) *Server {
	s := &Server{
		hsToken:   hsToken,
		processor: processor,
		logger:    logger.With("component", "appservice"),
		txns:      dedupe.New(txnDedupeTTL, txnDedupeSize),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /_matrix/app/v1/transactions/{txnID}", s.handleTransaction)
	mux.HandleFunc("PUT /transactions/{txnID}", s.handleTransaction)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.http = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// ListenAndServe blocks serving transactions until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("appservice listener starting", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight transactions and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.txns.Close()
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// authorize checks the hs_token. Missing credentials are 401, wrong ones
// 403, matching the appservice spec's error codes.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"errcode": "M_UNAUTHORIZED", "error": "missing hs_token",
		})
		return false
	}
	if token != s.hsToken {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"errcode": "M_FORBIDDEN", "error": "incorrect hs_token",
		})
		return false
	}
	return true
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}

	txnID := r.PathValue("txnID")
	if s.txns.Check(txnID) {
		s.logger.Debug("duplicate transaction", "txn_id", txnID)
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}

	var body struct {
		Events []*event.Event `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"errcode": "M_NOT_JSON", "error": "malformed transaction body",
		})
		return
	}

	s.logger.Debug("transaction received", "txn_id", txnID, "events", len(body.Events))

	for _, raw := range body.Events {
		evt, err := ParseEvent(raw)
		if err != nil {
			s.logger.Warn("unparseable event in transaction",
				"txn_id", txnID, "event_id", raw.ID, "error", err)
			continue
		}
		if err := s.processor.Process(r.Context(), evt); err != nil {
			// Process only propagates store failures (handler errors are
			// logged and swallowed there), so the idempotency ledger is in
			// an unknown state: fail the transaction unmarked and let the
			// homeserver retry it wholesale.
			s.logger.Error("store failure, failing transaction for retry",
				"txn_id", txnID, "event_id", evt.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"errcode": "M_UNKNOWN", "error": "storage unavailable",
			})
			return
		}
	}

	// Marked only after the full pass so a failed transaction is retried
	// wholesale.
	s.txns.Mark(txnID)
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Handler exposes the server's mux for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }
