package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nekoconer/Azure-SharePoint-AI-Search/pkg/sharepoint"
)

// handleNotify answers validation handshakes and queues change notifications.
// Syncing happens after the response is written.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("validationToken")

	switch r.Method {
	case http.MethodGet:
		if token == "" {
			http.Error(w, "Missing validationToken", http.StatusBadRequest)
			return
		}
		s.writeValidation(w, token)
	case http.MethodPost:
		if token != "" {
			s.writeValidation(w, token)
			return
		}
		s.acceptNotifications(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) writeValidation(w http.ResponseWriter, token string) {
	s.logger.Info("Answering subscription validation")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, token); err != nil {
		s.logger.Warn("Failed to write validation response", "error", err)
	}
}

func (s *Server) acceptNotifications(w http.ResponseWriter, r *http.Request) {
	env, err := s.readEnvelope(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.logger.Warn("Notification body too large", "limit", tooLarge.Limit)
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if sharepoint.IsParseError(err) {
			s.logger.Warn("Rejected notification body", "error", err, "remote_addr", r.RemoteAddr)
		} else {
			s.logger.Warn("Failed to read notification body", "error", err, "remote_addr", r.RemoteAddr)
		}
		http.Error(w, "Invalid notification body", http.StatusBadRequest)
		return
	}

	now := time.Now()
	var accepted, dropped int
	for _, n := range env.Value {
		if n.SubscriptionID == "" {
			dropped++
			continue
		}
		if !s.clientStateMatches(n.ClientState) {
			dropped++
			s.logger.Warn("Dropping notification with mismatched clientState",
				"subscription_id", n.SubscriptionID,
				"remote_addr", r.RemoteAddr)
			continue
		}
		if s.queue.Enqueue(sharepoint.Task{
			SubscriptionID: n.SubscriptionID,
			ChangedItemID:  n.ResourceData.ID,
			ReceivedAt:     now,
		}) {
			accepted++
		}
	}

	s.logger.Info("Notifications received", "entries", len(env.Value), "accepted", accepted, "dropped", dropped)
	w.WriteHeader(http.StatusOK)
}

// readEnvelope decodes a size-limited notification body. Decode failures are *sharepoint.ParseError.
func (s *Server) readEnvelope(w http.ResponseWriter, r *http.Request) (*sharepoint.NotificationEnvelope, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var env *sharepoint.NotificationEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &sharepoint.ParseError{Err: err}
	}
	if env == nil {
		return nil, &sharepoint.ParseError{Err: errors.New("null envelope")}
	}
	return env, nil
}

func (s *Server) clientStateMatches(got string) bool {
	if s.clientState == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.clientState)) == 1
}
