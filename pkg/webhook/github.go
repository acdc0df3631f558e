package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-playground/webhooks/v6/github"

	"buildhooks/internal"
	"buildhooks/pkg/credentials"
)

// SignatureVerifier checks a webhook body against its signature header.
type SignatureVerifier interface {
	VerifyWebhookSignature(body []byte, signature string) error
}

// GitHubHandler terminates GitHub webhook deliveries: verify the HMAC
// signature, derive the event type, dispatch through the router. No payload
// field is trusted before the signature checks out.
type GitHubHandler struct {
	verifier SignatureVerifier
	router   *Router
	hook     *github.Webhook
	maxBody  int64
	log      *log.Logger
}

// NewGitHubHandler creates the handler. The parse hook carries no secret;
// signature verification happens against the app's webhook signing token
// before parsing.
func NewGitHubHandler(verifier SignatureVerifier, router *Router, maxBody int64) (*GitHubHandler, error) {
	hook, err := github.New()
	if err != nil {
		return nil, err
	}
	return &GitHubHandler{
		verifier: verifier,
		router:   router,
		hook:     hook,
		maxBody:  maxBody,
		log:      internal.NewLogger("webhook.github"),
	}, nil
}

func (h *GitHubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if err := h.verifier.VerifyWebhookSignature(body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		if errors.Is(err, credentials.ErrBadSignature) {
			http.Error(w, "signature mismatch", http.StatusForbidden)
			return
		}
		http.Error(w, "verification unavailable", http.StatusInternalServerError)
		return
	}

	header := r.Header.Get("X-GitHub-Event")
	if header == "ping" {
		writeAck(w, "pong")
		return
	}

	var head struct {
		Action string `json:"action"`
	}
	_ = json.Unmarshal(body, &head)

	var data map[string]interface{}
	_ = json.Unmarshal(body, &data)

	// Typed parse weeds out malformed payloads for events the library
	// knows; unknown events still flow through as raw JSON.
	r.Body = io.NopCloser(bytes.NewReader(body))
	if _, err := h.hook.Parse(r, github.PushEvent, github.InstallationEvent, github.InstallationRepositoriesEvent); err != nil &&
		!errors.Is(err, github.ErrEventNotFound) && !errors.Is(err, github.ErrEventNotSpecifiedToParse) {
		h.log.Printf("github parse failed: %v", err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	evt := RawEvent{
		Provider: "github",
		Type:     EventType(header, head.Action),
		Payload:  body,
		Data:     data,
	}
	// Handlers outlive the request; detach from its cancellation.
	if !h.router.Dispatch(context.WithoutCancel(r.Context()), evt) {
		http.Error(w, "unhandled event type "+evt.Type, http.StatusBadRequest)
		return
	}
	writeAck(w, "accepted "+evt.Type)
}
