package notify

import (
	"context"
	"testing"
	"time"

	"vitalmesh/internal/alert"
)

func storedNotification(id, alertID string, status Status, createdAt time.Time) Notification {
	return Notification{
		NotificationID: id,
		AlertID:        alertID,
		SubscriptionID: "s1",
		Channel:        alert.ChannelEmail,
		Target:         "icu@example.org",
		Subject:        "[HIGH] EWS_CRITICAL patient P1",
		Body:           "urgent clinical review required",
		Status:         status,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func TestStore_ListFilters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	seed := []Notification{
		storedNotification("n1", "a1", StatusDelivered, baseTime),
		storedNotification("n2", "a1", StatusFailed, baseTime.Add(time.Minute)),
		storedNotification("n3", "a2", StatusDelivered, baseTime.Add(2*time.Minute)),
		storedNotification("n4", "a2", StatusPending, baseTime.Add(3*time.Minute)),
	}
	for _, n := range seed {
		if err := store.Insert(ctx, n); err != nil {
			t.Fatalf("Insert(%s): %v", n.NotificationID, err)
		}
	}

	byAlert, err := store.List(ctx, Filter{AlertID: "a1"})
	if err != nil {
		t.Fatalf("List(alert): %v", err)
	}
	if len(byAlert) != 2 || byAlert[0].NotificationID != "n2" || byAlert[1].NotificationID != "n1" {
		t.Errorf("alert a1 notifications = %v, want [n2 n1] newest first", notificationIDs(byAlert))
	}

	byStatus, err := store.List(ctx, Filter{Status: StatusDelivered})
	if err != nil {
		t.Fatalf("List(status): %v", err)
	}
	if len(byStatus) != 2 || byStatus[0].NotificationID != "n3" {
		t.Errorf("delivered notifications = %v, want [n3 n1]", notificationIDs(byStatus))
	}

	paged, err := store.List(ctx, Filter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List(paged): %v", err)
	}
	if len(paged) != 2 || paged[0].NotificationID != "n3" || paged[1].NotificationID != "n2" {
		t.Errorf("paged notifications = %v, want [n3 n2]", notificationIDs(paged))
	}

	skipped, err := store.List(ctx, Filter{Offset: 3})
	if err != nil {
		t.Fatalf("List(offset only): %v", err)
	}
	if len(skipped) != 1 || skipped[0].NotificationID != "n1" {
		t.Errorf("offset-only notifications = %v, want [n1]", notificationIDs(skipped))
	}
}

func notificationIDs(ns []Notification) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.NotificationID
	}
	return out
}
