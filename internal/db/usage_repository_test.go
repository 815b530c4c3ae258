package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cubent/usagemeter/internal/models"
)

func TestUsageRepositoryCreate(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	defer database.Close()

	repo := NewUsageRepository(database)

	record := &models.UsageRecord{
		UserID:       "u1",
		TurnID:       "1718445600000",
		Provider:     "anthropic",
		ModelID:      "claude-3-opus",
		InputTokens:  1000,
		OutputTokens: 500,
		Cost:         0.15,
		CompletedAt:  testNow,
	}

	if err := repo.Create(ctx, record); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if record.ID == "" {
		t.Error("expected ID to be set")
	}
	if record.TotalTokens != 1500 {
		t.Errorf("expected TotalTokens 1500, got %d", record.TotalTokens)
	}
	if record.RequestCount != 1 {
		t.Errorf("expected RequestCount 1, got %d", record.RequestCount)
	}
	if !record.StartedAt.Equal(testNow) {
		t.Errorf("expected StartedAt to default to CompletedAt, got %v", record.StartedAt)
	}

	retrieved, err := repo.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if retrieved.UserID != "u1" {
		t.Errorf("expected UserID u1, got %s", retrieved.UserID)
	}
	if retrieved.ModelID != "claude-3-opus" {
		t.Errorf("expected ModelID 'claude-3-opus', got %s", retrieved.ModelID)
	}
	if retrieved.InputTokens != 1000 {
		t.Errorf("expected InputTokens 1000, got %d", retrieved.InputTokens)
	}
	if !retrieved.CompletedAt.Equal(testNow) {
		t.Errorf("expected CompletedAt %v, got %v", testNow, retrieved.CompletedAt)
	}
}

func TestUsageRepositoryCreateInvalid(t *testing.T) {
	database := setupTestDB(t)
	defer database.Close()
	repo := NewUsageRepository(database)

	if err := repo.Create(context.Background(), &models.UsageRecord{TurnID: "t"}); !errors.Is(err, ErrInvalidUsageRecord) {
		t.Fatalf("expected ErrInvalidUsageRecord, got %v", err)
	}
	if err := repo.Create(context.Background(), &models.UsageRecord{UserID: "u", TurnID: "t", Cost: -1}); !errors.Is(err, ErrInvalidUsageRecord) {
		t.Fatalf("expected ErrInvalidUsageRecord for negative cost, got %v", err)
	}
	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, ErrUsageRecordNotFound) {
		t.Fatalf("expected ErrUsageRecordNotFound, got %v", err)
	}
}

func TestUsageRepositoryQueryAndSummarize(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	defer database.Close()
	repo := NewUsageRepository(database)

	for i := 0; i < 5; i++ {
		user := "u1"
		if i == 4 {
			user = "u2"
		}
		record := &models.UsageRecord{
			UserID:       user,
			TurnID:       time.Duration(i).String(),
			ModelID:      "m",
			InputTokens:  100,
			OutputTokens: 50,
			Cost:         0.5,
			RequestCount: 2,
			CompletedAt:  testNow.Add(time.Duration(i) * time.Hour),
		}
		if err := repo.Create(ctx, record); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	user := "u1"
	records, err := repo.Query(ctx, models.UsageQuery{UserID: &user})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected 4 records for u1, got %d", len(records))
	}
	if !records[0].CompletedAt.After(records[3].CompletedAt) {
		t.Error("expected newest record first")
	}

	since := testNow.Add(2 * time.Hour)
	records, err = repo.Query(ctx, models.UsageQuery{UserID: &user, Since: &since, Limit: 1})
	if err != nil {
		t.Fatalf("Query since: %v", err)
	}
	if len(records) != 1 || !records[0].CompletedAt.Equal(testNow.Add(3*time.Hour)) {
		t.Fatalf("unexpected records for since query: %+v", records)
	}

	summary, err := repo.Summarize(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary.TotalTokens != 600 || summary.RequestCount != 8 || summary.RecordCount != 4 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if summary.TotalCost != 2.0 {
		t.Errorf("expected total cost 2.0, got %f", summary.TotalCost)
	}

	deleted, err := repo.DeleteOlderThan(ctx, testNow.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}
}
