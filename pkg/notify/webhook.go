package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"buildhooks/internal"
	"buildhooks/pkg/scm"
)

func webhookDescriptor(Deps) Descriptor {
	return Descriptor{
		Name: "custom-webhook",
		Schema: []Field{
			{Name: "url", Pretty: "Target URL", Type: "string", Required: true},
			{Name: "secret", Pretty: "Signing secret", Type: "string"},
		},
		New: func(cfg map[string]string) (Notifier, error) {
			return &webhookNotifier{
				url:    cfg["url"],
				secret: cfg["secret"],
				client: scm.NewClient(nil),
			}, nil
		},
	}
}

// webhookNotifier delivers the raw event to an arbitrary HTTP endpoint,
// HMAC-signed when a secret is configured.
type webhookNotifier struct {
	url    string
	secret string
	client *scm.Client
}

func (n *webhookNotifier) SendStarted(ctx context.Context, evt internal.Event) error {
	return n.post(ctx, evt)
}

func (n *webhookNotifier) SendFinished(ctx context.Context, evt internal.Event) error {
	return n.post(ctx, evt)
}

func (n *webhookNotifier) post(ctx context.Context, evt internal.Event) error {
	if n.url == "" {
		return errors.New("webhook url is required")
	}
	headers := map[string]string{}
	if n.secret != "" {
		payload, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		mac := hmac.New(sha256.New, []byte(n.secret))
		mac.Write(payload)
		headers["X-Buildhooks-Signature"] = "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}
	_, err := n.client.Request(ctx, http.MethodPost, n.url, headers, evt,
		http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent)
	return err
}
