// Package api serves the admin surface: notification configuration per
// repository, installation listing and the orchestrator event ingress.
package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"buildhooks/internal"
	"buildhooks/pkg/notify"
	"buildhooks/pkg/queue"
	"buildhooks/pkg/storage"
)

// Server bundles the admin handlers. Register mounts them on a mux.
type Server struct {
	registry      *notify.Registry
	notifications storage.NotificationStore
	installs      storage.InstallationStore
	publisher     queue.Publisher
	repoTopic     string
	buildTopic    string
	maxBody       int64
	log           *log.Logger
}

// NewServer creates the admin server. publisher may be nil, which turns
// the event ingress off.
func NewServer(registry *notify.Registry, notifications storage.NotificationStore, installs storage.InstallationStore, publisher queue.Publisher, cfg internal.Config) *Server {
	return &Server{
		registry:      registry,
		notifications: notifications,
		installs:      installs,
		publisher:     publisher,
		repoTopic:     cfg.Queue.RepoTopic,
		buildTopic:    cfg.Queue.BuildTopic,
		maxBody:       cfg.Server.MaxBodyBytes,
		log:           internal.NewLogger("api"),
	}
}

// Register mounts the handlers.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/notifications", s.handleNotifications)
	mux.HandleFunc("/api/notifications/enable", s.handleEnable)
	mux.HandleFunc("/api/notifications/disable", s.handleDisable)
	mux.HandleFunc("/api/installations", s.handleInstallations)
	mux.HandleFunc("/events", s.handleEvents)
}

// notificationView is one kind merged with its stored configuration for a
// repository. Every registered kind appears; Enabled marks the stored ones.
type notificationView struct {
	Kind     string            `json:"kind"`
	Events   []string          `json:"events"`
	Enabled  bool              `json:"enabled"`
	Schema   []notify.Field    `json:"schema"`
	Values   map[string]string `json:"values,omitempty"`
	Branches []string          `json:"branches,omitempty"`
	Statuses []string          `json:"statuses,omitempty"`
	When     string            `json:"when,omitempty"`
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listNotifications(w, r)
	case http.MethodPut:
		s.updateNotification(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	repositoryID := r.URL.Query().Get("repo")
	if repositoryID == "" {
		http.Error(w, "missing repo parameter", http.StatusBadRequest)
		return
	}
	stored, err := s.notifications.ListByRepository(r.Context(), repositoryID)
	if err != nil {
		s.log.Printf("list notifications for %s: %v", repositoryID, err)
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	byKind := make(map[string]storage.NotificationRecord, len(stored))
	for _, record := range stored {
		byKind[record.Kind] = record
	}

	views := make([]notificationView, 0)
	for _, descriptor := range s.registry.Kinds() {
		view := notificationView{
			Kind:   descriptor.Name,
			Events: descriptor.Events,
			Schema: descriptor.Schema,
		}
		if record, ok := byKind[descriptor.Name]; ok {
			view.Enabled = true
			view.Branches = record.Branches
			view.Statuses = record.Statuses
			view.When = record.WhenExpression
			if record.FieldsJSON != "" {
				values := map[string]string{}
				if err := json.Unmarshal([]byte(record.FieldsJSON), &values); err == nil {
					view.Values = values
				}
			}
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Kind < views[j].Kind })
	writeJSON(w, http.StatusOK, views)
}

// notificationRequest is the enable/update payload.
type notificationRequest struct {
	RepositoryID   string            `json:"repository_id"`
	Kind           string            `json:"kind"`
	Fields         map[string]string `json:"fields"`
	Branches       []string          `json:"branches"`
	Statuses       []string          `json:"statuses"`
	WhenExpression string            `json:"when"`
	InstallationID string            `json:"installation_id"`
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	record := storage.NotificationRecord{
		Kind:           req.Kind,
		RepositoryID:   req.RepositoryID,
		Branches:       req.Branches,
		Statuses:       req.Statuses,
		WhenExpression: req.WhenExpression,
		InstallationID: req.InstallationID,
	}
	// Pin the kind's event types on the record so stores match it only
	// against those events.
	if descriptor, ok := s.registry.Get(req.Kind); ok {
		record.Events = append([]string(nil), descriptor.Events...)
	}
	if len(req.Fields) > 0 {
		raw, err := json.Marshal(req.Fields)
		if err != nil {
			http.Error(w, "unencodable fields", http.StatusBadRequest)
			return
		}
		record.FieldsJSON = string(raw)
	}
	// Materializing validates the kind, its required fields and the when
	// expression before anything is stored.
	if _, err := notify.Materialize(s.registry, record, s.log); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.notifications.Save(r.Context(), &record); err != nil {
		s.log.Printf("save %s on %s: %v", req.Kind, req.RepositoryID, err)
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"code": http.StatusOK, "msg": "enabled " + req.Kind})
}

func (s *Server) updateNotification(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	record, err := s.notifications.Get(r.Context(), req.RepositoryID, req.Kind)
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	if record == nil {
		http.Error(w, "notification is not enabled", http.StatusNotFound)
		return
	}

	if req.Fields != nil {
		values := map[string]string{}
		if record.FieldsJSON != "" {
			_ = json.Unmarshal([]byte(record.FieldsJSON), &values)
		}
		for key, value := range req.Fields {
			if value == "" {
				delete(values, key)
				continue
			}
			values[key] = value
		}
		raw, err := json.Marshal(values)
		if err != nil {
			http.Error(w, "unencodable fields", http.StatusBadRequest)
			return
		}
		record.FieldsJSON = string(raw)
	}
	if req.Branches != nil {
		record.Branches = req.Branches
	}
	if req.Statuses != nil {
		record.Statuses = req.Statuses
	}
	if req.WhenExpression != "" {
		record.WhenExpression = req.WhenExpression
	}

	if _, err := notify.Materialize(s.registry, *record, s.log); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.notifications.Save(r.Context(), record); err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"code": http.StatusOK, "msg": "updated " + req.Kind})
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	if err := s.notifications.Delete(r.Context(), req.RepositoryID, req.Kind); err != nil {
		s.log.Printf("disable %s on %s: %v", req.Kind, req.RepositoryID, err)
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"code": http.StatusOK, "msg": "disabled " + req.Kind})
}

// installationView is an installation with its credential fields removed.
type installationView struct {
	ID             string                  `json:"id"`
	Provider       string                  `json:"provider"`
	UserID         string                  `json:"user_id"`
	UserName       string                  `json:"user_name"`
	InstallationID string                  `json:"installation_id,omitempty"`
	Repositories   []storage.RepositoryRef `json:"repositories"`
	CreatedAt      time.Time               `json:"created_at"`
}

func (s *Server) handleInstallations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	provider := r.URL.Query().Get("provider")
	records, err := s.installs.List(r.Context(), provider)
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	views := make([]installationView, 0, len(records))
	for _, record := range records {
		views = append(views, installationView{
			ID:             record.ID,
			Provider:       record.Provider,
			UserID:         record.UserID,
			UserName:       record.UserName,
			InstallationID: record.InstallationID,
			Repositories:   record.Repositories,
			CreatedAt:      record.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// handleEvents is the orchestrator lifecycle ingress. The body is the
// event JSON; it is forwarded verbatim onto the repo or build topic.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.publisher == nil {
		http.Error(w, "event ingress disabled", http.StatusServiceUnavailable)
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	var evt internal.Event
	if err := json.Unmarshal(body, &evt); err != nil {
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}
	if evt.Type == "" || evt.RepositoryID == "" {
		http.Error(w, "event_type and repository_id are required", http.StatusBadRequest)
		return
	}
	evt.RawPayload = body

	topic := s.buildTopic
	if strings.HasPrefix(evt.Type, "repository-") {
		topic = s.repoTopic
	}
	if err := s.publisher.Publish(r.Context(), topic, evt); err != nil {
		s.log.Printf("publish %s for %s: %v", evt.Type, evt.RepositoryID, err)
		http.Error(w, "publish failed", http.StatusBadGateway)
		return
	}
	internal.IncEvent(evt.Type)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"code": http.StatusAccepted, "msg": "queued " + evt.Type})
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (notificationRequest, bool) {
	var req notificationRequest
	body, err := s.readBody(w, r)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return req, false
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return req, false
	}
	if req.RepositoryID == "" || req.Kind == "" {
		http.Error(w, "repository_id and kind are required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if s.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	}
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
