package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"skillvault-service/internal/domain"
)

func TestCatalogRepositoryCaches(t *testing.T) {
	loader := &countingLoader{
		CatalogLoader: NewStaticCatalogLoader(map[string]domain.Assessment{
			"go-basics": sampleAssessment(),
		}),
	}
	repo := NewCatalogRepository(loader, time.Minute)

	a, err := repo.GetAssessment(context.Background(), "go-basics")
	if err != nil {
		t.Fatalf("get assessment: %v", err)
	}
	if len(a.Questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(a.Questions))
	}
	if loader.calls != 1 {
		t.Fatalf("expected loader once, got %d", loader.calls)
	}

	if _, err := repo.GetAssessment(context.Background(), "go-basics"); err != nil {
		t.Fatalf("get assessment 2: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected cache hit, loader calls %d", loader.calls)
	}

	repo.Invalidate("go-basics")
	if _, err := repo.GetAssessment(context.Background(), "go-basics"); err != nil {
		t.Fatalf("get assessment 3: %v", err)
	}
	if loader.calls != 2 {
		t.Fatalf("expected reload after invalidate, loader calls %d", loader.calls)
	}
}

func TestCatalogRepositoryExpires(t *testing.T) {
	loader := &countingLoader{
		CatalogLoader: NewStaticCatalogLoader(map[string]domain.Assessment{
			"go-basics": sampleAssessment(),
		}),
	}
	now := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	repo := NewCatalogRepository(loader, time.Minute)
	repo.clock = func() time.Time { return now }

	_, _ = repo.GetAssessment(context.Background(), "go-basics")
	now = now.Add(2 * time.Minute)
	_, _ = repo.GetAssessment(context.Background(), "go-basics")
	if loader.calls != 2 {
		t.Fatalf("expected reload after ttl, loader calls %d", loader.calls)
	}
}

func TestCatalogRepositoryUnknownAssessment(t *testing.T) {
	repo := NewCatalogRepository(NewStaticCatalogLoader(nil), time.Minute)
	_, err := repo.GetAssessment(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type countingLoader struct {
	CatalogLoader
	calls int
}

func (l *countingLoader) LoadAssessment(ctx context.Context, assessmentID string) (domain.Assessment, error) {
	l.calls++
	return l.CatalogLoader.LoadAssessment(ctx, assessmentID)
}

func sampleAssessment() domain.Assessment {
	return domain.Assessment{
		ID:           "go-basics",
		CollegeID:    "college-1",
		Title:        "Go Basics",
		SkillTag:     "go",
		TotalMarks:   20,
		PassingMarks: 10,
		Active:       true,
		Questions: []domain.Question{
			{
				ID:         "q1",
				Prompt:     "Which keyword starts a goroutine?",
				Options:    []domain.Option{{Key: "A", Text: "go"}, {Key: "B", Text: "async"}},
				CorrectKey: "A",
				Marks:      10,
			},
			{
				ID:         "q2",
				Prompt:     "Zero value of a map?",
				Options:    []domain.Option{{Key: "A", Text: "empty map"}, {Key: "B", Text: "nil"}},
				CorrectKey: "B",
				Marks:      10,
			},
		},
	}
}
