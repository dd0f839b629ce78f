package http

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"skillvault-service/internal/app"
	"skillvault-service/internal/auth"
	"skillvault-service/internal/domain"
	"skillvault-service/internal/infra/memory"
	"skillvault-service/internal/metrics"
)

type testServer struct {
	*httptest.Server
	auth *auth.Service
}

func newTestServer(t *testing.T, limiter RateLimiter) *testServer {
	t.Helper()
	return newTestServerBehind(t, limiter, nil)
}

// newTestServerBehind trusts forwarding headers from the given proxy networks.
func newTestServerBehind(t *testing.T, limiter RateLimiter, trusted []*net.IPNet) *testServer {
	t.Helper()
	store := memory.NewStore()
	catalog := memory.NewCatalogRepository(memory.NewStaticCatalogLoader(sampleCatalog()), time.Minute)
	services := app.NewServices(store, catalog, app.Settings{
		Proctor: app.ProctorPolicy{TabSwitchLimit: 3},
		Certificates: app.CertificatePolicy{
			CodePrefix:        "SV",
			Validity:          24 * time.Hour,
			VerifyURLTemplate: "https://skillvault.test/verify/{code}",
		},
	}, nil, nil)
	authSvc := auth.NewService("test-secret", "skillvault", time.Hour)

	srv := httptest.NewServer(NewRouter(Deps{
		Services:       services,
		Auth:           authSvc,
		Limiter:        limiter,
		Metrics:        metrics.New(),
		TrustedProxies: trusted,
	}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, auth: authSvc}
}

func (s *testServer) token(t *testing.T, caller domain.Caller) string {
	t.Helper()
	tok, err := s.auth.Issue(caller)
	require.NoError(t, err)
	return tok
}

// do sends a JSON request and decodes the response body into out when non-nil.
func (s *testServer) do(t *testing.T, method, path string, caller *domain.Caller, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req.Header.Set("Authorization", "Bearer "+s.token(t, *caller))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

var (
	alice = domain.Caller{StudentID: "alice", CollegeID: "c1", Role: domain.RoleStudent, Name: "Alice", Email: "alice@example.edu"}
	bob   = domain.Caller{StudentID: "bob", CollegeID: "c1", Role: domain.RoleStudent, Name: "Bob"}
	admin = domain.Caller{StudentID: "root", Role: domain.RoleAdmin}
)

func sampleCatalog() map[string]domain.Assessment {
	opts := []domain.Option{{Key: "A", Text: "a"}, {Key: "B", Text: "b"}, {Key: "C", Text: "c"}}
	return map[string]domain.Assessment{
		"go-101": {
			ID:              "go-101",
			CollegeID:       "c1",
			CollegeName:     "North Campus",
			Title:           "Go Fundamentals",
			SkillTag:        "go",
			DurationMinutes: 30,
			TotalMarks:      20,
			PassingMarks:    10,
			Active:          true,
			Questions: []domain.Question{
				{ID: "q1", Prompt: "p1", Options: opts, CorrectKey: "A", Marks: 10},
				{ID: "q2", Prompt: "p2", Options: opts, CorrectKey: "B", Marks: 10},
			},
		},
	}
}
