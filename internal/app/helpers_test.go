package app_test

import (
	"sync"
	"time"

	"skillvault-service/internal/app"
	"skillvault-service/internal/domain"
	"skillvault-service/internal/infra/memory"
)

var student = domain.Caller{StudentID: "s1", CollegeID: "college-1", Role: domain.RoleStudent, Name: "Asha Rao", Email: "asha@example.edu"}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *clock {
	return &clock{now: time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)}
}

func fourQuestionAssessment(id string, passing int) domain.Assessment {
	a := domain.Assessment{
		ID:              id,
		CollegeID:       "college-1",
		CollegeName:     "North Campus",
		Title:           "Go Fundamentals",
		SkillTag:        "go",
		Difficulty:      domain.DifficultyEasy,
		DurationMinutes: 30,
		TotalMarks:      40,
		PassingMarks:    passing,
		Active:          true,
	}
	for i, key := range []string{"A", "B", "C", "D"} {
		a.Questions = append(a.Questions, domain.Question{
			ID:     "q" + string(rune('1'+i)),
			Prompt: "question",
			Options: []domain.Option{
				{Key: "A", Text: "a"}, {Key: "B", Text: "b"}, {Key: "C", Text: "c"}, {Key: "D", Text: "d"},
			},
			CorrectKey: key,
			Marks:      10,
		})
	}
	return a
}

// tenQuestionAssessment has ten one-mark questions, all keyed "A".
func tenQuestionAssessment(id string, daily bool) domain.Assessment {
	a := domain.Assessment{
		ID:           id,
		Title:        "Daily " + id,
		SkillTag:     "sql",
		TotalMarks:   10,
		PassingMarks: 6,
		IsDailyQuiz:  daily,
		Active:       true,
	}
	for i := 0; i < 10; i++ {
		a.Questions = append(a.Questions, domain.Question{
			ID:         id + "-q" + string(rune('0'+i)),
			Options:    []domain.Option{{Key: "A"}, {Key: "B"}},
			CorrectKey: "A",
			Marks:      1,
		})
	}
	return a
}

// answersWithCorrect answers the first n questions correctly and the rest wrongly.
func answersWithCorrect(a domain.Assessment, n int) map[string]string {
	out := make(map[string]string, len(a.Questions))
	for i, q := range a.Questions {
		if i < n {
			out[q.ID] = q.CorrectKey
		} else {
			out[q.ID] = wrongKey(q)
		}
	}
	return out
}

func wrongKey(q domain.Question) string {
	for _, o := range q.Options {
		if o.Key != q.CorrectKey {
			return o.Key
		}
	}
	return ""
}

type fixture struct {
	store    *memory.Store
	services *app.Services
	clock    *clock
}

func newFixture(assessments ...domain.Assessment) *fixture {
	store := memory.NewStore()
	f := newFixtureOn(store, nil, assessments...)
	f.store = store
	return f
}

// newFixtureOn builds the services over an arbitrary store and recorder.
func newFixtureOn(store app.Store, rec app.Recorder, assessments ...domain.Assessment) *fixture {
	catalog := make(map[string]domain.Assessment, len(assessments))
	for _, a := range assessments {
		catalog[a.ID] = a
	}
	c := newClock()
	repo := memory.NewCatalogRepository(memory.NewStaticCatalogLoader(catalog), time.Minute)
	settings := app.Settings{
		Proctor: app.ProctorPolicy{TabSwitchLimit: 3, LateGrace: time.Minute},
		Certificates: app.CertificatePolicy{
			CodePrefix:        "SV",
			Validity:          2 * 365 * 24 * time.Hour,
			VerifyURLTemplate: "https://skillvault.app/verify/{code}",
		},
		StreakLocation: time.UTC,
	}
	return &fixture{
		services: app.NewServicesWithClock(store, repo, settings, nil, rec, c.Now),
		clock:    c,
	}
}

// countingRecorder counts certificate mints and ignores the other events.
type countingRecorder struct {
	mu     sync.Mutex
	issued int
}

func (r *countingRecorder) AttemptStarted(bool) {}

func (r *countingRecorder) AttemptSubmitted(domain.AttemptState, bool) {}

func (r *countingRecorder) Verification(string) {}

func (r *countingRecorder) CertificateIssued() {
	r.mu.Lock()
	r.issued++
	r.mu.Unlock()
}

func (r *countingRecorder) Issued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.issued
}
