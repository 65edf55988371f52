package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsdeck/pulse/internal/db"
	"github.com/opsdeck/pulse/internal/stream"
)

var errStorage = errors.New("storage down")

type mockStore struct {
	created    []*db.Notification
	shouldFail bool
}

func (m *mockStore) Create(ctx context.Context, notif *db.Notification) error {
	if m.shouldFail {
		return errStorage
	}
	m.created = append(m.created, notif)
	return nil
}

type mockPrefs struct {
	pref       *db.NotificationPreference
	shouldFail bool
}

func (m *mockPrefs) Get(ctx context.Context, userID uuid.UUID) (*db.NotificationPreference, error) {
	if m.shouldFail {
		return nil, errors.New("preference lookup failed")
	}
	return m.pref, nil
}

func allowAll() *mockPrefs {
	return &mockPrefs{pref: &db.NotificationPreference{
		TaskAssigned:  true,
		TaskDue:       true,
		StatusChanged: true,
	}}
}

type mockFallback struct {
	enqueued []*db.Notification
	full     bool
}

func (m *mockFallback) Enqueue(notif *db.Notification) bool {
	if m.full {
		return false
	}
	m.enqueued = append(m.enqueued, notif)
	return true
}

func TestNotify_PersistsThenDeliversLive(t *testing.T) {
	store := &mockStore{}
	registry := stream.NewRegistry(zap.NewNop())
	fallback := &mockFallback{}
	d := New(store, allowAll(), registry, fallback, zap.NewNop())

	userID := uuid.New()
	conn := registry.Register(userID)

	notif, delivered, err := d.Notify(context.Background(), userID, db.TypeTaskAssigned, "Task assigned", "You have a new task", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notif == nil {
		t.Fatal("expected a notification")
	}
	if !delivered {
		t.Fatal("expected live delivery")
	}

	if len(store.created) != 1 {
		t.Fatalf("expected 1 persisted notification, got %d", len(store.created))
	}

	select {
	case frame := <-conn.Events():
		if len(frame) == 0 {
			t.Fatal("expected a JSON frame")
		}
	default:
		t.Fatal("expected a frame on the live connection")
	}

	// Live delivery succeeded, so the wake-up path stays quiet.
	if len(fallback.enqueued) != 0 {
		t.Fatalf("expected no fallback enqueue, got %d", len(fallback.enqueued))
	}
}

func TestNotify_StorageFailureAbortsDelivery(t *testing.T) {
	store := &mockStore{shouldFail: true}
	registry := stream.NewRegistry(zap.NewNop())
	fallback := &mockFallback{}
	d := New(store, allowAll(), registry, fallback, zap.NewNop())

	userID := uuid.New()
	conn := registry.Register(userID)

	notif, delivered, err := d.Notify(context.Background(), userID, db.TypeTaskDue, "Task due", "", nil, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, errStorage) {
		t.Errorf("expected wrapped storage error, got %v", err)
	}
	if notif != nil || delivered {
		t.Fatal("nothing should be returned or delivered on storage failure")
	}

	select {
	case frame := <-conn.Events():
		t.Fatalf("no frame should reach the client, got %s", frame)
	default:
	}

	if len(fallback.enqueued) != 0 {
		t.Fatal("nothing should be enqueued on storage failure")
	}
}

func TestNotify_FallbackWhenNotLive(t *testing.T) {
	store := &mockStore{}
	registry := stream.NewRegistry(zap.NewNop())
	fallback := &mockFallback{}
	d := New(store, allowAll(), registry, fallback, zap.NewNop())

	userID := uuid.New() // never registers a connection

	notif, delivered, err := d.Notify(context.Background(), userID, db.TypeStatusChanged, "Status changed", "", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delivered {
		t.Fatal("no live connection, delivery should be false")
	}

	if len(fallback.enqueued) != 1 {
		t.Fatalf("expected 1 fallback enqueue, got %d", len(fallback.enqueued))
	}
	if fallback.enqueued[0].ID != notif.ID {
		t.Error("fallback should receive the persisted notification")
	}
}

func TestNotify_NilFallback(t *testing.T) {
	store := &mockStore{}
	registry := stream.NewRegistry(zap.NewNop())
	d := New(store, allowAll(), registry, nil, zap.NewNop())

	_, delivered, err := d.Notify(context.Background(), uuid.New(), db.TypeTaskAssigned, "Task assigned", "", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delivered {
		t.Fatal("no live connection, delivery should be false")
	}
	if len(store.created) != 1 {
		t.Fatal("notification should still be persisted")
	}
}

func TestNotify_SuppressedByPreference(t *testing.T) {
	store := &mockStore{}
	registry := stream.NewRegistry(zap.NewNop())
	fallback := &mockFallback{}
	prefs := &mockPrefs{pref: &db.NotificationPreference{
		TaskAssigned:  false,
		TaskDue:       true,
		StatusChanged: true,
	}}
	d := New(store, prefs, registry, fallback, zap.NewNop())

	notif, delivered, err := d.Notify(context.Background(), uuid.New(), db.TypeTaskAssigned, "Task assigned", "", nil, nil)
	if err != nil {
		t.Fatalf("suppression is not an error: %v", err)
	}
	if notif != nil {
		t.Fatal("suppressed notification must not be created")
	}
	if delivered {
		t.Fatal("suppressed notification must not be delivered")
	}
	if len(store.created) != 0 {
		t.Fatal("no row should be written for a suppressed notification")
	}
	if len(fallback.enqueued) != 0 {
		t.Fatal("nothing should be enqueued for a suppressed notification")
	}
}

func TestNotify_UnknownTypeIsAllowed(t *testing.T) {
	store := &mockStore{}
	registry := stream.NewRegistry(zap.NewNop())
	prefs := &mockPrefs{pref: &db.NotificationPreference{}} // everything known disabled
	d := New(store, prefs, registry, nil, zap.NewNop())

	notif, _, err := d.Notify(context.Background(), uuid.New(), "deploy_finished", "Deploy finished", "", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notif == nil {
		t.Fatal("unknown categories are not gated by preferences")
	}
}

func TestNotify_PreferenceLookupFailureFailsOpen(t *testing.T) {
	store := &mockStore{}
	registry := stream.NewRegistry(zap.NewNop())
	prefs := &mockPrefs{shouldFail: true}
	d := New(store, prefs, registry, nil, zap.NewNop())

	notif, _, err := d.Notify(context.Background(), uuid.New(), db.TypeTaskDue, "Task due", "", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notif == nil {
		t.Fatal("a broken preference lookup must not swallow the event")
	}
	if len(store.created) != 1 {
		t.Fatal("notification should be persisted despite the lookup failure")
	}
}

func TestNotify_FullFallbackQueueIsAbsorbed(t *testing.T) {
	store := &mockStore{}
	registry := stream.NewRegistry(zap.NewNop())
	fallback := &mockFallback{full: true}
	d := New(store, allowAll(), registry, fallback, zap.NewNop())

	notif, delivered, err := d.Notify(context.Background(), uuid.New(), db.TypeTaskAssigned, "Task assigned", "", nil, nil)
	if err != nil {
		t.Fatalf("a full wake-up queue is not an error: %v", err)
	}
	if notif == nil || delivered {
		t.Fatal("notification should exist and delivery should be false")
	}
}

func TestNotify_CarriesRelatedIDAndMetadata(t *testing.T) {
	store := &mockStore{}
	registry := stream.NewRegistry(zap.NewNop())
	d := New(store, allowAll(), registry, nil, zap.NewNop())

	related := uuid.New()
	metadata := []byte(`{"project":"atlas"}`)

	notif, _, err := d.Notify(context.Background(), uuid.New(), db.TypeStatusChanged, "Status changed", "Task moved to done", &related, metadata)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notif.RelatedID == nil || *notif.RelatedID != related {
		t.Error("related id should be carried through")
	}
	if string(notif.Metadata) != `{"project":"atlas"}` {
		t.Error("metadata should be carried through")
	}
}
