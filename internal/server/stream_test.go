package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/formdesk/internal/forms"
)

func TestFormEventsStreamDeliversSubmissions(t *testing.T) {
	harness := newRouterHarness(t)
	owner := signSession(t, "owner-1", forms.RoleSuperEmployee)
	harness.do(t, http.MethodPost, "/forms", owner, contactSchemaBody("contact"))

	server := httptest.NewServer(harness.handler)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/forms/contact/events", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+owner)
	response, err := server.Client().Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type %q", contentType)
	}

	submitted := harness.do(t, http.MethodPost, "/forms/contact/submissions", "", map[string]any{"data": map[string]any{"name": "Ada"}})
	if submitted.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", submitted.Code)
	}
	var result struct {
		SubmissionID string `json:"submissionId"`
	}
	decodeBody(t, submitted, &result)

	scanner := bufio.NewScanner(response.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			eventLine = line
			continue
		}
		if eventLine != "" && strings.HasPrefix(line, "data:") {
			dataLine = line
			break
		}
	}
	if !strings.Contains(eventLine, forms.EventSubmissionCreated) {
		t.Fatalf("expected submission-created event, got %q", eventLine)
	}
	if !strings.Contains(dataLine, result.SubmissionID) || !strings.Contains(dataLine, `"slug":"contact"`) {
		t.Fatalf("unexpected event payload %q", dataLine)
	}
}

func TestFormEventsRequireManagement(t *testing.T) {
	harness := newRouterHarness(t)
	owner := signSession(t, "owner-1", forms.RoleSuperEmployee)
	harness.do(t, http.MethodPost, "/forms", owner, contactSchemaBody("contact"))

	stranger := signSession(t, "stranger", "user")
	if recorder := harness.do(t, http.MethodGet, "/forms/contact/events", stranger, nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}
	if recorder := harness.do(t, http.MethodGet, "/forms/absent/events", owner, nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	harness := newRouterHarness(t)

	health := harness.do(t, http.MethodGet, "/healthz", "", nil)
	if health.Code != http.StatusOK {
		t.Fatalf("expected healthy service, got %d", health.Code)
	}

	scrape := harness.do(t, http.MethodGet, "/metrics", "", nil)
	if scrape.Code != http.StatusOK {
		t.Fatalf("expected metrics scrape, got %d", scrape.Code)
	}
	if !strings.Contains(scrape.Body.String(), `http_requests_total{method="GET",path="/healthz",status="200"} 1`) {
		t.Fatalf("expected health request to be counted, got %s", scrape.Body.String())
	}
}
