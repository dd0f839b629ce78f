package cli

import (
	"github.com/spf13/cobra"

	"skillvault-service/internal/config"
	"skillvault-service/internal/domain"
	"skillvault-service/internal/infra/postgres"
	"skillvault-service/internal/logging"
)

// NewSeedCmd loads the sample catalog into Postgres.
func NewSeedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the sample assessments into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log := logging.New("skillvault", cfg.Log.Level, cfg.Log.Format)
			if err := runMigrations(cmd.Context(), cfg, log); err != nil {
				return err
			}
			db := postgres.Open(cfg.Postgres.URL)
			defer db.Close()

			catalog := sampleAssessments()
			list := make([]domain.Assessment, 0, len(catalog))
			for _, a := range catalog {
				list = append(list, a)
			}
			if err := postgres.SeedAssessments(cmd.Context(), db, list); err != nil {
				return err
			}
			log.WithField("assessments", len(list)).Info("catalog seeded")
			return nil
		},
	}
}

// sampleAssessments provides a minimal catalog; swap in the Postgres loader for real content.
func sampleAssessments() map[string]domain.Assessment {
	yesNo := []domain.Option{{Key: "A", Text: "Yes"}, {Key: "B", Text: "No"}}
	return map[string]domain.Assessment{
		"go-fundamentals": {
			ID:              "go-fundamentals",
			Title:           "Go Fundamentals",
			SkillTag:        "go",
			Difficulty:      domain.DifficultyEasy,
			DurationMinutes: 20,
			TotalMarks:      30,
			PassingMarks:    20,
			Active:          true,
			Questions: []domain.Question{
				{
					ID:     "go-q1",
					Prompt: "Which keyword starts a goroutine?",
					Options: []domain.Option{
						{Key: "A", Text: "go"},
						{Key: "B", Text: "async"},
						{Key: "C", Text: "spawn"},
						{Key: "D", Text: "thread"},
					},
					CorrectKey: "A",
					Marks:      10,
				},
				{
					ID:     "go-q2",
					Prompt: "What does a nil map return on lookup?",
					Options: []domain.Option{
						{Key: "A", Text: "It panics"},
						{Key: "B", Text: "The zero value"},
						{Key: "C", Text: "An error"},
					},
					CorrectKey:  "B",
					Marks:       10,
					Explanation: "Reads from a nil map behave like reads from an empty map.",
				},
				{
					ID:         "go-q3",
					Prompt:     "Can a method be declared on a non-local type?",
					Options:    yesNo,
					CorrectKey: "B",
					Marks:      10,
				},
			},
		},
		"daily-sql": {
			ID:              "daily-sql",
			Title:           "Daily SQL",
			SkillTag:        "sql",
			Difficulty:      domain.DifficultyMedium,
			DurationMinutes: 5,
			TotalMarks:      2,
			PassingMarks:    1,
			IsDailyQuiz:     true,
			Active:          true,
			Questions: []domain.Question{
				{
					ID:     "sql-q1",
					Prompt: "Which clause filters groups?",
					Options: []domain.Option{
						{Key: "A", Text: "WHERE"},
						{Key: "B", Text: "HAVING"},
					},
					CorrectKey: "B",
					Marks:      1,
				},
				{
					ID:         "sql-q2",
					Prompt:     "Does a partial unique index ignore rows outside its predicate?",
					Options:    yesNo,
					CorrectKey: "A",
					Marks:      1,
				},
			},
		},
	}
}
