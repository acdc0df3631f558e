package notify

import (
	"context"
	"net/http"

	"buildhooks/internal"
	"buildhooks/pkg/scm"
)

func slackDescriptor(Deps) Descriptor {
	return Descriptor{
		Name: "slack-webhook",
		Schema: []Field{
			{Name: "url", Pretty: "Webhook URL", Type: "string", Required: true},
			{Name: "channel", Pretty: "Channel", Type: "string"},
			{Name: "username", Pretty: "Bot username", Type: "string"},
		},
		New: func(cfg map[string]string) (Notifier, error) {
			return &slackNotifier{
				url:      cfg["url"],
				channel:  cfg["channel"],
				username: cfg["username"],
				client:   scm.NewClient(nil),
			}, nil
		},
	}
}

// slackNotifier posts to a chat incoming-webhook endpoint.
type slackNotifier struct {
	url      string
	channel  string
	username string
	client   *scm.Client
}

func (n *slackNotifier) SendStarted(ctx context.Context, evt internal.Event) error {
	return n.post(ctx, evt)
}

func (n *slackNotifier) SendFinished(ctx context.Context, evt internal.Event) error {
	return n.post(ctx, evt)
}

func (n *slackNotifier) post(ctx context.Context, evt internal.Event) error {
	payload := map[string]string{"text": summaryLine(evt)}
	if n.channel != "" {
		payload["channel"] = n.channel
	}
	if n.username != "" {
		payload["username"] = n.username
	}
	_, err := n.client.Request(ctx, http.MethodPost, n.url, nil, payload, http.StatusOK)
	return err
}
