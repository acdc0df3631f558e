package notify

import (
	"context"
	"sync"
	"testing"

	"buildhooks/internal"
	"buildhooks/pkg/storage"
)

type recordingNotifier struct {
	mu       sync.Mutex
	started  []internal.Event
	finished []internal.Event
	fail     error
}

func (r *recordingNotifier) SendStarted(_ context.Context, evt internal.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, evt)
	return r.fail
}

func (r *recordingNotifier) SendFinished(_ context.Context, evt internal.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, evt)
	return r.fail
}

func (r *recordingNotifier) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started), len(r.finished)
}

func testRegistry(notifier Notifier) *Registry {
	r := NewRegistry()
	r.Register(Descriptor{
		Name: "recording",
		New:  func(map[string]string) (Notifier, error) { return notifier, nil },
	})
	return r
}

func TestRegisterPanicsOnBrokenKind(t *testing.T) {
	mustPanic := func(name string, fn func()) {
		defer func() {
			if recover() == nil {
				t.Errorf("%s did not panic", name)
			}
		}()
		fn()
	}

	r := NewRegistry()
	mustPanic("nameless", func() { r.Register(Descriptor{New: func(map[string]string) (Notifier, error) { return nil, nil }}) })
	mustPanic("no constructor", func() { r.Register(Descriptor{Name: "broken"}) })

	r.Register(Descriptor{Name: "ok", New: func(map[string]string) (Notifier, error) { return &recordingNotifier{}, nil }})
	mustPanic("duplicate", func() {
		r.Register(Descriptor{Name: "ok", New: func(map[string]string) (Notifier, error) { return &recordingNotifier{}, nil }})
	})
}

func TestRegisterAppliesDefaultEvents(t *testing.T) {
	r := testRegistry(&recordingNotifier{})
	d, ok := r.Get("recording")
	if !ok {
		t.Fatalf("kind not found")
	}
	if len(d.Events) != 2 || d.Events[0] != "buildset-started" || d.Events[1] != "buildset-finished" {
		t.Fatalf("events = %v", d.Events)
	}
}

func TestMaterializeRejectsMissingRequiredField(t *testing.T) {
	r := NewRegistry()
	r.Register(Descriptor{
		Name:   "needy",
		Schema: []Field{{Name: "url", Required: true}},
		New:    func(map[string]string) (Notifier, error) { return &recordingNotifier{}, nil },
	})
	_, err := Materialize(r, storage.NotificationRecord{ID: "n1", Kind: "needy"}, nil)
	if err == nil {
		t.Fatalf("missing required field accepted")
	}
	_, err = Materialize(r, storage.NotificationRecord{ID: "n1", Kind: "needy", FieldsJSON: `{"url":"http://x"}`}, nil)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
}

func TestRunFilters(t *testing.T) {
	cases := []struct {
		name     string
		record   storage.NotificationRecord
		evt      internal.Event
		started  int
		finished int
	}{
		{
			name:     "status mismatch",
			record:   storage.NotificationRecord{Kind: "recording", Statuses: []string{"failed"}},
			evt:      internal.Event{Status: "passed"},
			started:  0,
			finished: 0,
		},
		{
			name:     "branch glob match",
			record:   storage.NotificationRecord{Kind: "recording", Branches: []string{"feature-*"}},
			evt:      internal.Event{Status: "passed", Branch: "feature-login"},
			finished: 1,
		},
		{
			name:   "branch mismatch",
			record: storage.NotificationRecord{Kind: "recording", Branches: []string{"master"}},
			evt:    internal.Event{Status: "passed", Branch: "wip"},
		},
		{
			name:    "running goes to started",
			record:  storage.NotificationRecord{Kind: "recording"},
			evt:     internal.Event{Status: "running"},
			started: 1,
		},
		{
			name:   "when expression filters",
			record: storage.NotificationRecord{Kind: "recording", WhenExpression: "[buildset.total] > 3"},
			evt: internal.Event{
				Status: "passed",
				Data:   map[string]interface{}{"buildset": map[string]interface{}{"total": 2.0}},
			},
		},
		{
			name:   "when expression passes",
			record: storage.NotificationRecord{Kind: "recording", WhenExpression: "[buildset.total] > 3"},
			evt: internal.Event{
				Status: "passed",
				Data:   map[string]interface{}{"buildset": map[string]interface{}{"total": 5.0}},
			},
			finished: 1,
		},
	}

	for _, tc := range cases {
		notifier := &recordingNotifier{}
		registry := testRegistry(notifier)
		notification, err := Materialize(registry, tc.record, nil)
		if err != nil {
			t.Fatalf("%s: Materialize: %v", tc.name, err)
		}
		if _, err := notification.Run(context.Background(), tc.evt); err != nil {
			t.Fatalf("%s: Run: %v", tc.name, err)
		}
		started, finished := notifier.counts()
		if started != tc.started || finished != tc.finished {
			t.Errorf("%s: started=%d finished=%d, want %d/%d", tc.name, started, finished, tc.started, tc.finished)
		}
	}
}
