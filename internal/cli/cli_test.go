package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"skillvault-service/internal/auth"
	"skillvault-service/internal/domain"
)

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  jwtSecret: s3cret\n  issuer: skillvault\n"), 0o600))

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--config", path, "--sub", "s1", "--college", "c1", "--role", "college_admin", "--name", "Asha"})
	require.NoError(t, cmd.Execute())

	caller, err := auth.NewService("s3cret", "skillvault", time.Hour).Parse(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	require.Equal(t, "s1", caller.StudentID)
	require.Equal(t, domain.RoleCollegeAdmin, caller.Role)
	require.Equal(t, "Asha", caller.Name)
}

func TestTokenCommandRequiresSubject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  jwtSecret: s3cret\n"), 0o600))

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"token", "--config", path})
	require.Error(t, cmd.Execute())
}

func TestSampleCatalogIsConsistent(t *testing.T) {
	for id, a := range sampleAssessments() {
		require.Equal(t, id, a.ID)
		require.Equal(t, a.TotalMarks, a.QuestionMarks(), "assessment %s", id)
		for _, q := range a.Questions {
			keys := map[string]bool{}
			for _, o := range q.Options {
				keys[o.Key] = true
			}
			require.True(t, keys[q.CorrectKey], "question %s", q.ID)
			require.GreaterOrEqual(t, len(q.Options), 2)
			require.LessOrEqual(t, len(q.Options), 4)
		}
	}
}
