package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"buildhooks/internal"
)

func emailDescriptor(deps Deps) Descriptor {
	return Descriptor{
		Name: "email",
		Schema: []Field{
			{Name: "to", Pretty: "Recipients", Type: "string", Required: true},
			{Name: "subject_prefix", Pretty: "Subject prefix", Type: "string"},
			{Name: "only_failures", Pretty: "Only send on failures", Type: "bool"},
		},
		New: func(cfg map[string]string) (Notifier, error) {
			recipients := splitRecipients(cfg["to"])
			if len(recipients) == 0 {
				return nil, errors.New("email notification needs at least one recipient")
			}
			return &emailNotifier{
				cfg:           deps.Email,
				to:            recipients,
				subjectPrefix: cfg["subject_prefix"],
				onlyFailures:  cfg["only_failures"] == "true",
				send:          smtp.SendMail,
			}, nil
		},
	}
}

// emailNotifier sends plain-text mail through the configured SMTP relay.
type emailNotifier struct {
	cfg           internal.EmailConfig
	to            []string
	subjectPrefix string
	onlyFailures  bool

	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (n *emailNotifier) SendStarted(context.Context, internal.Event) error {
	// Build-started mail is noise; only results go out.
	return nil
}

func (n *emailNotifier) SendFinished(_ context.Context, evt internal.Event) error {
	if n.onlyFailures && evt.Status == "passed" {
		return nil
	}
	if n.cfg.Host == "" || n.cfg.From == "" {
		return errors.New("smtp relay is not configured")
	}

	subject := summaryLine(evt)
	if n.subjectPrefix != "" {
		subject = n.subjectPrefix + " " + subject
	}
	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(n.to, ", "))
	fmt.Fprintf(&body, "Subject: %s\r\n", subject)
	body.WriteString("\r\n")
	fmt.Fprintf(&body, "%s\r\n", summaryLine(evt))
	if evt.NamedTree != "" {
		fmt.Fprintf(&body, "Named tree: %s\r\n", evt.NamedTree)
	}
	fmt.Fprintf(&body, "Status: %s\r\n", evt.Status)

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	return n.send(addr, auth, n.cfg.From, n.to, []byte(body.String()))
}

func splitRecipients(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
