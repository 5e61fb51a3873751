package audit_test

import (
	"context"
	"testing"

	"petition-billing/internal/audit"
	"petition-billing/internal/storage/memory"
)

func TestService_AppendRequiresType(t *testing.T) {
	svc := audit.NewService(memory.New())

	if err := svc.Append(context.Background(), audit.Event{ActorUserID: "u"}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), audit.Event{Type: audit.EventTypeAdminCredit, ActorUserID: "admin"}); err == nil {
		t.Fatalf("expected error for admin credit without subject")
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := memory.New()
	svc := audit.NewService(repo)

	if err := svc.LogAdminCredit(context.Background(), "admin-1", "admin", "1.2.3.4", "user-9", "tx-1", "goodwill", "{}"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := svc.LogWebhookRejected(context.Background(), "mercadopago", "123", "5.6.7.8", "invalid signature"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.AuditEvents()
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].IPAddress != "1.2.3.4" || evs[0].SubjectUserID != "user-9" {
		t.Fatalf("expected actor context captured: %+v", evs[0])
	}
	if evs[1].Type != audit.EventTypeWebhookRejected || evs[1].ID == "" || evs[1].CreatedAt.IsZero() {
		t.Fatalf("unexpected event: %+v", evs[1])
	}
}
