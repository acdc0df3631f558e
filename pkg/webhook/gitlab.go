package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"buildhooks/internal"
)

// GitLabHandler terminates GitLab webhook deliveries. GitLab has no HMAC
// scheme; the hook carries a shared secret in the X-Gitlab-Token header
// which is compared in constant time.
type GitLabHandler struct {
	secret  string
	router  *Router
	maxBody int64
	log     *log.Logger
}

func NewGitLabHandler(secret string, router *Router, maxBody int64) *GitLabHandler {
	return &GitLabHandler{
		secret:  secret,
		router:  router,
		maxBody: maxBody,
		log:     internal.NewLogger("webhook.gitlab"),
	}
}

func (h *GitLabHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Gitlab-Token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) != 1 {
		http.Error(w, "token mismatch", http.StatusForbidden)
		return
	}

	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	header := r.Header.Get("X-Gitlab-Event")
	if header == "" {
		http.Error(w, "missing event header", http.StatusBadRequest)
		return
	}

	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	evt := RawEvent{
		Provider: "gitlab",
		Type:     gitlabEventType(header),
		Payload:  body,
		Data:     data,
	}
	if !h.router.Dispatch(context.WithoutCancel(r.Context()), evt) {
		http.Error(w, "unhandled event type "+evt.Type, http.StatusBadRequest)
		return
	}
	writeAck(w, "accepted "+evt.Type)
}

// gitlabEventType normalizes "Push Hook" style headers to the router's
// event names: lowercase, spaces to dashes, trailing "-hook" dropped.
func gitlabEventType(header string) string {
	t := strings.ToLower(strings.TrimSpace(header))
	t = strings.ReplaceAll(t, " ", "-")
	return strings.TrimSuffix(t, "-hook")
}
