package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func scrape(t *testing.T) string {
	t.Helper()
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, w.Code)
	return w.Body.String()
}

func TestExposition(t *testing.T) {
	ObserveTask(OutcomeTimedOut, "api", 2*time.Second)
	ProgramCacheHit()
	ProgramCacheMiss()
	DocumentWrite("create")
	IndexFailure()
	ObserveRequest("GET", "/projects/{project}/", 200, 10*time.Millisecond)

	body := scrape(t)
	for _, want := range []string{
		`tenantstore_tasks_invocations_total{outcome="timed_out",source="api"}`,
		`tenantstore_tasks_duration_seconds_bucket{outcome="timed_out"`,
		`tenantstore_tasks_program_cache_total{result="hit"}`,
		`tenantstore_tasks_program_cache_total{result="miss"}`,
		`tenantstore_documents_writes_total{type="create"}`,
		`tenantstore_security_index_failures_total`,
		`tenantstore_http_requests_total{method="GET",route="/projects/{project}/",status="200"}`,
	} {
		assert.Contains(t, body, want)
	}
}
