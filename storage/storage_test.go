package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"

	"github.com/webpush-libs/webpush-go"
)

var backends = map[string]func(t *testing.T) Storage{
	"memory": func(*testing.T) Storage { return NewMemory() },
	"sqlite": func(t *testing.T) Storage {
		s, err := NewSQLite(":memory:")
		if err != nil {
			t.Fatalf("NewSQLite() error = %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Storage)) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func testRecord(id, userID, endpoint string) *Record {
	return &Record{
		ID:     id,
		UserID: userID,
		Subscription: &webpush.Subscription{
			Endpoint: endpoint,
			Keys: webpush.Keys{
				P256dh: "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM",
				Auth:   "tBHItJI5svbpez7KI4CCXg",
			},
		},
	}
}

func ids(records []*Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestStorage(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		record := testRecord("test-id-1", "user-1", "https://push.example.com/abc123")
		if err := s.Save(ctx, record); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		got, err := s.Get(ctx, record.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if diff := cmp.Diff(record, got, cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
			t.Errorf("Get() (-want +got):\n%s", diff)
		}
		if got.CreatedAt.IsZero() {
			t.Error("Get() CreatedAt is zero")
		}

		got, err = s.GetByEndpoint(ctx, record.Subscription.Endpoint)
		if err != nil {
			t.Fatalf("GetByEndpoint() error = %v", err)
		}
		if got.ID != record.ID {
			t.Errorf("GetByEndpoint() ID = %q, want %q", got.ID, record.ID)
		}

		time.Sleep(2 * time.Millisecond)
		record2 := testRecord("test-id-2", "user-1", "https://push.example.com/def456")
		if err := s.Save(ctx, record2); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		records, err := s.GetByUserID(ctx, "user-1")
		if err != nil {
			t.Fatalf("GetByUserID() error = %v", err)
		}
		if len(records) != 2 {
			t.Errorf("GetByUserID() count = %d, want 2", len(records))
		}

		records, err = s.List(ctx, 10, 0)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if diff := cmp.Diff([]string{"test-id-2", "test-id-1"}, ids(records)); diff != "" {
			t.Errorf("List() newest first (-want +got):\n%s", diff)
		}

		records, err = s.List(ctx, 1, 1)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if diff := cmp.Diff([]string{"test-id-1"}, ids(records)); diff != "" {
			t.Errorf("List(limit=1, offset=1) (-want +got):\n%s", diff)
		}

		if err := s.Delete(ctx, record.ID); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := s.Get(ctx, record.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
		}
		if err := s.DeleteByEndpoint(ctx, record2.Subscription.Endpoint); err != nil {
			t.Fatalf("DeleteByEndpoint() error = %v", err)
		}
		if _, err := s.GetByEndpoint(ctx, record2.Subscription.Endpoint); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetByEndpoint() after delete error = %v, want ErrNotFound", err)
		}

		records, err = s.List(ctx, 10, 0)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(records) != 0 {
			t.Errorf("List() count = %d, want 0", len(records))
		}
	})
}

func TestStorage_NotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		if _, err := s.Get(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
		if _, err := s.GetByEndpoint(ctx, "https://nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetByEndpoint() error = %v, want ErrNotFound", err)
		}
		if err := s.Delete(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Delete() error = %v, want ErrNotFound", err)
		}
		if err := s.DeleteByEndpoint(ctx, "https://nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("DeleteByEndpoint() error = %v, want ErrNotFound", err)
		}
	})
}

func TestStorage_Update(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		record := testRecord("test-id", "user-1", "https://push.example.com/abc123")
		if err := s.Save(ctx, record); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		created := record.CreatedAt

		record.UserID = "user-2"
		record.Subscription.Endpoint = "https://push.example.com/new"
		if err := s.Save(ctx, record); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		got, err := s.Get(ctx, record.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.UserID != "user-2" {
			t.Errorf("Get() UserID = %q, want %q", got.UserID, "user-2")
		}
		if got.Subscription.Endpoint != "https://push.example.com/new" {
			t.Errorf("Get() Endpoint = %q, want %q", got.Subscription.Endpoint, "https://push.example.com/new")
		}
		if !got.CreatedAt.Equal(created) {
			t.Errorf("Get() CreatedAt = %v, want unchanged %v", got.CreatedAt, created)
		}
	})
}

func TestStorage_ResubscribeReplacesEndpoint(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		endpoint := "https://push.example.com/same"
		if err := s.Save(ctx, testRecord("old", "user-1", endpoint)); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		if err := s.Save(ctx, testRecord("new", "user-1", endpoint)); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		got, err := s.GetByEndpoint(ctx, endpoint)
		if err != nil {
			t.Fatalf("GetByEndpoint() error = %v", err)
		}
		if got.ID != "new" {
			t.Errorf("GetByEndpoint() ID = %q, want new", got.ID)
		}
		if _, err := s.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(old) error = %v, want ErrNotFound", err)
		}
	})
}

func TestStorage_AssignsID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		record := testRecord("", "", "https://push.example.com/noid")
		if err := s.Save(ctx, record); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		if _, err := uuid.Parse(record.ID); err != nil {
			t.Errorf("assigned ID %q is not a UUID: %v", record.ID, err)
		}
		if _, err := s.Get(ctx, record.ID); err != nil {
			t.Errorf("Get() error = %v", err)
		}

		if err := s.Save(ctx, &Record{ID: "x"}); err == nil {
			t.Error("Save() expected error for a record without subscription")
		}
	})
}

func TestNewRecord(t *testing.T) {
	sub := &webpush.Subscription{Endpoint: "https://push.example.com/1"}
	a, b := NewRecord(sub, "user", "key"), NewRecord(sub, "user", "key")
	if a.ID == b.ID {
		t.Error("NewRecord() returned the same ID twice")
	}
	if a.UserID != "user" || a.VAPIDKey != "key" || a.Subscription != sub {
		t.Errorf("NewRecord() = %+v", a)
	}
}

func TestStorage_VAPIDKey(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		records := []*Record{
			testRecord("sub-1", "user-1", "https://push.example.com/1"),
			testRecord("sub-2", "user-1", "https://push.example.com/2"),
			testRecord("sub-3", "user-2", "https://push.example.com/3"),
		}
		records[0].VAPIDKey = "key1-base64"
		records[1].VAPIDKey = "key1-base64"
		records[2].VAPIDKey = "key2-base64"
		for _, record := range records {
			if err := s.Save(ctx, record); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
		}

		for key, want := range map[string]int{"key1-base64": 2, "key2-base64": 1, "unknown-key": 0} {
			got, err := s.GetByVAPIDKey(ctx, key)
			if err != nil {
				t.Fatalf("GetByVAPIDKey(%s) error = %v", key, err)
			}
			if len(got) != want {
				t.Errorf("GetByVAPIDKey(%s) count = %d, want %d", key, len(got), want)
			}
			count, err := s.CountByVAPIDKey(ctx, key)
			if err != nil {
				t.Fatalf("CountByVAPIDKey(%s) error = %v", key, err)
			}
			if count != want {
				t.Errorf("CountByVAPIDKey(%s) = %d, want %d", key, count, want)
			}
		}

		got, err := s.Get(ctx, "sub-1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		got.UserID = "user-updated"
		if err := s.Save(ctx, got); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		got2, err := s.Get(ctx, "sub-1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got2.VAPIDKey != "key1-base64" {
			t.Errorf("Get() after update VAPIDKey = %q, want %q", got2.VAPIDKey, "key1-base64")
		}
		if got2.UserID != "user-updated" {
			t.Errorf("Get() after update UserID = %q, want %q", got2.UserID, "user-updated")
		}
	})
}
