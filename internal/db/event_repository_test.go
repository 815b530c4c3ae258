package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cubent/usagemeter/internal/events"
	"github.com/cubent/usagemeter/internal/models"
)

func TestEventRepositoryCreateAndQuery(t *testing.T) {
	database := setupTestDB(t)
	defer database.Close()
	repo := NewEventRepository(database)
	ctx := context.Background()

	if err := repo.Create(ctx, &models.Event{Type: models.EventTypeTurnStarted}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}

	for i := 0; i < 3; i++ {
		err := events.LogTurnStarted(ctx, repo, testNow.Add(time.Duration(i)*time.Second), models.TurnStartedPayload{
			UserID: "u1",
			TurnID: time.Duration(i).String(),
		})
		if err != nil {
			t.Fatalf("LogTurnStarted %d: %v", i, err)
		}
	}
	if err := events.LogAdmissionBlocked(ctx, repo, testNow, models.AdmissionBlockedPayload{UserID: "u2"}); err != nil {
		t.Fatalf("LogAdmissionBlocked: %v", err)
	}

	user := "u1"
	page, err := repo.Query(ctx, EventQuery{EntityID: &user, Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Events) != 2 || page.NextCursor == "" {
		t.Fatalf("expected first page of 2 with cursor, got %d (%q)", len(page.Events), page.NextCursor)
	}

	next, err := repo.Query(ctx, EventQuery{EntityID: &user, Cursor: page.NextCursor, Limit: 2})
	if err != nil {
		t.Fatalf("Query next: %v", err)
	}
	if len(next.Events) != 1 || next.NextCursor != "" {
		t.Fatalf("expected final page of 1, got %d (%q)", len(next.Events), next.NextCursor)
	}

	blocked := models.EventTypeAdmissionBlocked
	page, err = repo.Query(ctx, EventQuery{Types: []models.EventType{blocked}})
	if err != nil {
		t.Fatalf("Query by type: %v", err)
	}
	if len(page.Events) != 1 || page.Events[0].EntityID != "u2" {
		t.Fatalf("unexpected events: %+v", page.Events)
	}

	got, err := repo.Get(ctx, page.Events[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var payload models.AdmissionBlockedPayload
	if err := events.Decode(*got, &payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if payload.UserID != "u2" {
		t.Errorf("expected payload user u2, got %q", payload.UserID)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestEventRepositoryNewestFirstAndTypes(t *testing.T) {
	database := setupTestDB(t)
	defer database.Close()
	repo := NewEventRepository(database)
	ctx := context.Background()

	for i, typ := range []models.EventType{
		models.EventTypeTurnStarted,
		models.EventTypeUsageCommitted,
		models.EventTypeAlertRaised,
	} {
		err := repo.Create(ctx, &models.Event{
			Timestamp:  testNow.Add(time.Duration(i) * time.Minute),
			Type:       typ,
			EntityType: models.EntityTypeUser,
			EntityID:   "u1",
		})
		if err != nil {
			t.Fatalf("Create %s: %v", typ, err)
		}
	}

	page, err := repo.Query(ctx, EventQuery{Newest: true, Limit: 2})
	if err != nil {
		t.Fatalf("Query newest: %v", err)
	}
	if len(page.Events) != 2 || page.Events[0].Type != models.EventTypeAlertRaised {
		t.Fatalf("expected alert.raised first, got %+v", page.Events)
	}
	next, err := repo.Query(ctx, EventQuery{Newest: true, Cursor: page.NextCursor})
	if err != nil {
		t.Fatalf("Query newest next: %v", err)
	}
	if len(next.Events) != 1 || next.Events[0].Type != models.EventTypeTurnStarted {
		t.Fatalf("expected turn.started last, got %+v", next.Events)
	}

	page, err = repo.Query(ctx, EventQuery{Types: []models.EventType{models.EventTypeTurnStarted, models.EventTypeAlertRaised}})
	if err != nil {
		t.Fatalf("Query types: %v", err)
	}
	if len(page.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(page.Events))
	}

	counts, err := repo.CountByType(ctx, nil)
	if err != nil {
		t.Fatalf("CountByType: %v", err)
	}
	if counts[models.EventTypeUsageCommitted] != 1 || len(counts) != 3 {
		t.Fatalf("unexpected counts: %v", counts)
	}

	deleted, err := repo.DeleteOlderThan(ctx, testNow.Add(90*time.Second))
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 pruned, got %d", deleted)
	}
	since := testNow
	counts, err = repo.CountByType(ctx, &since)
	if err != nil {
		t.Fatalf("CountByType since: %v", err)
	}
	if len(counts) != 1 || counts[models.EventTypeAlertRaised] != 1 {
		t.Fatalf("unexpected counts after prune: %v", counts)
	}
}
