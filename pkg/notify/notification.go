package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path"
	"strings"

	"buildhooks/internal"
	"buildhooks/pkg/storage"
)

// Notification is one stored configuration materialized against its kind:
// the filters from the record plus a ready-to-send Notifier.
type Notification struct {
	Record   storage.NotificationRecord
	notifier Notifier
	filter   *internal.Filter
	log      *log.Logger
}

// Materialize builds a Notification from a stored record using the
// registry. The record's fields JSON feeds the kind's constructor; the
// optional when-expression becomes a compiled filter.
func Materialize(registry *Registry, record storage.NotificationRecord, logger *log.Logger) (*Notification, error) {
	descriptor, ok := registry.Get(record.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown notification kind %q", record.Kind)
	}

	fields := map[string]string{}
	if record.FieldsJSON != "" {
		if err := json.Unmarshal([]byte(record.FieldsJSON), &fields); err != nil {
			return nil, fmt.Errorf("notification %s fields: %w", record.ID, err)
		}
	}
	for _, field := range descriptor.Schema {
		if field.Required && fields[field.Name] == "" {
			return nil, fmt.Errorf("notification %s is missing required field %q", record.ID, field.Name)
		}
	}

	notifier, err := descriptor.New(fields)
	if err != nil {
		return nil, err
	}
	filter, err := internal.CompileFilter(record.WhenExpression)
	if err != nil {
		return nil, fmt.Errorf("notification %s when expression: %w", record.ID, err)
	}
	if logger == nil {
		logger = internal.NewLogger("notify")
	}
	return &Notification{Record: record, notifier: notifier, filter: filter, log: logger}, nil
}

// Run applies the record's filters to the event and sends when they all
// pass. A "running" status means the started phase, anything else the
// finished phase. Returns whether a send was attempted.
func (n *Notification) Run(ctx context.Context, evt internal.Event) (bool, error) {
	if len(n.Record.Statuses) > 0 && !containsString(n.Record.Statuses, evt.Status) {
		return false, nil
	}
	if len(n.Record.Branches) > 0 && !matchesBranch(n.Record.Branches, evt.Branch) {
		return false, nil
	}
	if n.filter != nil && !n.filter.Match(evt) {
		return false, nil
	}

	var err error
	if evt.Status == "running" {
		err = n.notifier.SendStarted(ctx, evt)
	} else {
		err = n.notifier.SendFinished(ctx, evt)
	}
	if err != nil {
		internal.IncNotificationError(n.Record.Kind)
		n.log.Printf("send %s for repository %s failed: %v", n.Record.Kind, n.Record.RepositoryID, err)
		return true, err
	}
	internal.IncNotification(n.Record.Kind)
	return true, nil
}

// matchesBranch matches a branch name against exact names or shell-style
// patterns like "feature-*".
func matchesBranch(patterns []string, branch string) bool {
	for _, pattern := range patterns {
		if pattern == branch {
			return true
		}
		if strings.ContainsAny(pattern, "*?[") {
			if ok, err := path.Match(pattern, branch); err == nil && ok {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}

// summaryLine renders the one-line human description shared by the text
// based kinds.
func summaryLine(evt internal.Event) string {
	repo := evt.RepositoryID
	if name, ok := evt.Data["repository_name"].(string); ok && name != "" {
		repo = name
	}
	tree := evt.NamedTree
	if tree == "" {
		tree = evt.Branch
	}
	if evt.Status == "running" {
		return fmt.Sprintf("build of %s (%s) started", repo, tree)
	}
	return fmt.Sprintf("build of %s (%s) finished: %s", repo, tree, evt.Status)
}
