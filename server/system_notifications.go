package server

import (
	"net/http"

	"github.com/diwan-erp/diwan/notify"
)

// handleNotifications handles:
//
//	GET  /api/system/notifications - list, optionally filtered by ?status=
//	POST /api/system/notifications - enqueue a notification
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		status := r.URL.Query().Get("status")
		switch status {
		case "", notify.StatusPending, notify.StatusProcessing, notify.StatusSent, notify.StatusFailed, notify.StatusDead:
		default:
			writeError(w, http.StatusBadRequest, "Unknown status: "+status)
			return
		}

		notifications, err := s.notifStore.List(status, parseLimit(r, 50, 500))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"notifications": notifications,
			"count":         len(notifications),
		})

	case http.MethodPost:
		var req struct {
			Subject        string `json:"subject"`
			SubjectAr      string `json:"subjectAr"`
			Body           string `json:"body"`
			RecipientName  string `json:"recipientName"`
			RecipientEmail string `json:"recipientEmail"`
		}
		if err := readJSON(w, r, &req); err != nil {
			return
		}

		n := notify.NewNotification(req.Subject, req.SubjectAr, req.Body, req.RecipientName, req.RecipientEmail)
		if err := s.queue.Enqueue(n); err != nil {
			writeServiceError(w, err)
			return
		}
		s.logger.Infow("Notification enqueued via API",
			"notification_id", n.ID,
			"recipient", n.RecipientEmail)
		writeJSON(w, http.StatusCreated, n)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleNotificationAction handles GET /api/system/notifications/{id}
func (s *Server) handleNotificationAction(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/system/notifications/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Notification ID required")
		return
	}
	if len(parts) > 1 {
		writeError(w, http.StatusNotFound, "Unknown action: "+parts[1])
		return
	}

	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	n, err := s.notifStore.Get(parts[0])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// handleNotificationStats handles GET /api/system/notifications/stats
func (s *Server) handleNotificationStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	stats, err := s.queue.Stats()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue":  stats,
		"system": s.queue.GetSystemMetrics(),
	})
}

// handleNotificationsDeadLetter handles GET /api/system/notifications/dead-letter
func (s *Server) handleNotificationsDeadLetter(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	dead, err := s.notifStore.ListDead()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": dead,
		"count":         len(dead),
	})
}

// handleNotificationDeadLetterAction handles:
//
//	POST /api/system/notifications/dead-letter/retry-all  - requeue all dead
//	POST /api/system/notifications/dead-letter/{id}/retry - requeue one dead
func (s *Server) handleNotificationDeadLetterAction(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/system/notifications/dead-letter/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Action required")
		return
	}

	if parts[0] == "retry-all" {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		requeued, err := s.queue.RetryAllDead()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		s.logger.Infow("All dead notifications retried via API", "count", requeued)
		writeJSON(w, http.StatusOK, map[string]interface{}{"requeued": requeued})
		return
	}

	if len(parts) == 2 && parts[1] == "retry" {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		id := parts[0]
		if err := s.queue.RetryDead(id); err != nil {
			writeServiceError(w, err)
			return
		}
		n, err := s.notifStore.Get(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		s.logger.Infow("Dead notification retried via API", "notification_id", id)
		writeJSON(w, http.StatusOK, n)
		return
	}

	writeError(w, http.StatusNotFound, "Unknown action")
}

// handleQueueStart handles POST /api/system/notifications/start
func (s *Server) handleQueueStart(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	if err := s.queue.Start(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.logger.Infow("Notification queue started via API")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Notification queue started",
		"running": true,
	})
}

// handleQueueStop handles POST /api/system/notifications/stop
func (s *Server) handleQueueStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	s.queue.Stop()

	s.logger.Infow("Notification queue stopped via API")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Notification queue stopped",
		"running": false,
	})
}
