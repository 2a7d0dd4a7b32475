package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/danmuck/relayctl/internal/testutil/testlog"
)

func TestAdminRequestsTagsSessionRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	var logs bytes.Buffer
	r := gin.New()
	r.Use(AdminRequests(zerolog.New(&logs), "broker-test"))
	r.POST("/sessions/:id/disconnect", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	counter := httpRequests.WithLabelValues("broker-test", "POST", "/sessions/:id/disconnect", "404")
	before := testutil.ToFloat64(counter)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/01ABC/disconnect", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	line := logs.String()
	for _, want := range []string{`"session_id":"01ABC"`, `"route":"/sessions/:id/disconnect"`, `"level":"warn"`, `"component":"broker-test"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("log line %q missing %s", line, want)
		}
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Fatalf("expected one counted request, got %v", got)
	}
}

func TestAdminRequestsUnmatchedRoute(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	var logs bytes.Buffer
	r := gin.New()
	r.Use(AdminRequests(zerolog.New(&logs), "broker-test"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope/123", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(logs.String(), `"route":"unmatched"`) || strings.Contains(logs.String(), "session_id") {
		t.Fatalf("unexpected log line %q", logs.String())
	}
}
