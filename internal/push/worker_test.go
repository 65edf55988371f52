package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsdeck/pulse/internal/circuitbreaker"
	"github.com/opsdeck/pulse/internal/db"
)

type fakeDirectory struct {
	mu      sync.Mutex
	subs    []*db.PushSubscription
	deleted []string
	touched []string
}

func (f *fakeDirectory) ListByUser(ctx context.Context, userID uuid.UUID) ([]*db.PushSubscription, error) {
	return f.subs, nil
}

func (f *fakeDirectory) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, endpoint)
	return nil
}

func (f *fakeDirectory) TouchLastUsed(ctx context.Context, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, endpoint)
	return nil
}

type fakePrefs struct {
	emailEnabled bool
	shouldFail   bool
}

func (f *fakePrefs) Get(ctx context.Context, userID uuid.UUID) (*db.NotificationPreference, error) {
	if f.shouldFail {
		return nil, errors.New("preference lookup failed")
	}
	return &db.NotificationPreference{UserID: userID, EmailEnabled: f.emailEnabled}, nil
}

type fakeEmails struct {
	addr       string
	shouldFail bool
}

func (f *fakeEmails) Email(ctx context.Context, userID uuid.UUID) (string, error) {
	if f.shouldFail {
		return "", errors.New("no email on file")
	}
	return f.addr, nil
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   []string         // endpoints, in order
	errFor map[string]error // per-endpoint error
}

func (f *fakeTransport) Send(ctx context.Context, sub *db.PushSubscription, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sub.Endpoint)
	if err, ok := f.errFor[sub.Endpoint]; ok {
		return err
	}
	return nil
}

type fakeMailer struct {
	mu       sync.Mutex
	to       []string
	subjects []string
}

func (f *fakeMailer) Send(ctx context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to = append(f.to, to)
	f.subjects = append(f.subjects, subject)
	return nil
}

func testSub(endpoint string) *db.PushSubscription {
	return &db.PushSubscription{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		Endpoint: endpoint,
		P256dh:   "p256dh",
		Auth:     "auth",
	}
}

func testNotification() *db.Notification {
	return &db.Notification{
		ID:      uuid.New(),
		UserID:  uuid.New(),
		Type:    db.TypeTaskAssigned,
		Title:   "Task assigned",
		Message: "Review the deploy checklist",
	}
}

func TestWorker_FansOutToAllEndpoints(t *testing.T) {
	dir := &fakeDirectory{subs: []*db.PushSubscription{
		testSub("https://push.example.com/ep-1"),
		testSub("https://push.example.com/ep-2"),
	}}
	transport := &fakeTransport{}
	w := New(dir, &fakePrefs{}, &fakeEmails{}, transport, nil, Config{}, zap.NewNop())

	w.process(context.Background(), testNotification())

	if len(transport.sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(transport.sent))
	}
	if len(dir.touched) != 2 {
		t.Errorf("expected last_used stamped on 2 endpoints, got %d", len(dir.touched))
	}
	if len(dir.deleted) != 0 {
		t.Errorf("no endpoints should be pruned, got %v", dir.deleted)
	}
}

func TestWorker_PrunesGoneEndpoints(t *testing.T) {
	dir := &fakeDirectory{subs: []*db.PushSubscription{
		testSub("https://push.example.com/alive"),
		testSub("https://push.example.com/dead"),
	}}
	transport := &fakeTransport{errFor: map[string]error{
		"https://push.example.com/dead": fmt.Errorf("%w (status 410)", ErrEndpointGone),
	}}
	w := New(dir, &fakePrefs{}, &fakeEmails{}, transport, nil, Config{}, zap.NewNop())

	w.process(context.Background(), testNotification())

	if len(dir.deleted) != 1 || dir.deleted[0] != "https://push.example.com/dead" {
		t.Errorf("expected only the dead endpoint pruned, got %v", dir.deleted)
	}
	if len(transport.sent) != 2 {
		t.Errorf("the live endpoint should still be attempted, got %d sends", len(transport.sent))
	}
}

func TestWorker_TransientFailureKeepsSubscription(t *testing.T) {
	dir := &fakeDirectory{subs: []*db.PushSubscription{
		testSub("https://push.example.com/flaky"),
	}}
	transport := &fakeTransport{errFor: map[string]error{
		"https://push.example.com/flaky": errors.New("upstream 500"),
	}}
	w := New(dir, &fakePrefs{}, &fakeEmails{}, transport, nil, Config{}, zap.NewNop())

	w.process(context.Background(), testNotification())

	if len(dir.deleted) != 0 {
		t.Errorf("transient failures must not prune, got %v", dir.deleted)
	}
}

func TestWorker_OpenCircuitStopsFanOut(t *testing.T) {
	dir := &fakeDirectory{subs: []*db.PushSubscription{
		testSub("https://push.example.com/ep-1"),
		testSub("https://push.example.com/ep-2"),
		testSub("https://push.example.com/ep-3"),
	}}
	transport := &fakeTransport{errFor: map[string]error{
		"https://push.example.com/ep-1": fmt.Errorf("%w: webpush transport unavailable", circuitbreaker.ErrCircuitOpen),
	}}
	w := New(dir, &fakePrefs{}, &fakeEmails{}, transport, nil, Config{}, zap.NewNop())

	w.process(context.Background(), testNotification())

	if len(transport.sent) != 1 {
		t.Errorf("remaining endpoints should be skipped while the circuit is open, got %d sends", len(transport.sent))
	}
}

func TestWorker_EmailWhenOptedIn(t *testing.T) {
	mailer := &fakeMailer{}
	w := New(&fakeDirectory{}, &fakePrefs{emailEnabled: true}, &fakeEmails{addr: "ops@example.com"}, nil, mailer, Config{}, zap.NewNop())

	notif := testNotification()
	w.process(context.Background(), notif)

	if len(mailer.to) != 1 || mailer.to[0] != "ops@example.com" {
		t.Fatalf("expected one email to ops@example.com, got %v", mailer.to)
	}
	if mailer.subjects[0] != notif.Title {
		t.Errorf("email subject should be the notification title, got %q", mailer.subjects[0])
	}
}

func TestWorker_NoEmailWithoutOptIn(t *testing.T) {
	mailer := &fakeMailer{}
	w := New(&fakeDirectory{}, &fakePrefs{emailEnabled: false}, &fakeEmails{addr: "ops@example.com"}, nil, mailer, Config{}, zap.NewNop())

	w.process(context.Background(), testNotification())

	if len(mailer.to) != 0 {
		t.Errorf("no email should be sent without opt-in, got %v", mailer.to)
	}
}

func TestWorker_NoEmailWithoutAddress(t *testing.T) {
	mailer := &fakeMailer{}
	w := New(&fakeDirectory{}, &fakePrefs{emailEnabled: true}, &fakeEmails{shouldFail: true}, nil, mailer, Config{}, zap.NewNop())

	w.process(context.Background(), testNotification())

	if len(mailer.to) != 0 {
		t.Errorf("a missing address skips the email, got %v", mailer.to)
	}
}

func TestWorker_EnqueueReportsFullQueue(t *testing.T) {
	w := New(&fakeDirectory{}, &fakePrefs{}, &fakeEmails{}, &fakeTransport{}, nil, Config{QueueSize: 1}, zap.NewNop())

	if !w.Enqueue(testNotification()) {
		t.Fatal("first enqueue should succeed")
	}
	if w.Enqueue(testNotification()) {
		t.Fatal("second enqueue should report a full queue")
	}
}

func TestWorker_StartConsumesQueue(t *testing.T) {
	dir := &fakeDirectory{subs: []*db.PushSubscription{
		testSub("https://push.example.com/ep-1"),
	}}
	transport := &fakeTransport{}
	w := New(dir, &fakePrefs{}, &fakeEmails{}, transport, nil, Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	if !w.Enqueue(testNotification()) {
		t.Fatal("enqueue should succeed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		transport.mu.Lock()
		sent := len(transport.sent)
		transport.mu.Unlock()
		if sent == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 send, got %d", sent)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
