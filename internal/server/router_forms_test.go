package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/formdesk/internal/forms"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type submissionListItem struct {
	ID          string         `json:"id"`
	Payload     map[string]any `json:"payload"`
	IPAddress   string         `json:"ip_address"`
	Attachments []struct {
		ID          string `json:"id"`
		FieldID     string `json:"field_id"`
		DownloadURL string `json:"download_url"`
	} `json:"attachments"`
}

func TestSchemaLifecycleOverHTTP(t *testing.T) {
	harness := newRouterHarness(t)
	owner := signSession(t, "owner-1", forms.RoleSuperEmployee)
	stranger := signSession(t, "stranger", "user")

	if recorder := harness.do(t, http.MethodPost, "/forms", "", contactSchemaBody("contact")); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous create, got %d", recorder.Code)
	}
	if recorder := harness.do(t, http.MethodPost, "/forms", stranger, contactSchemaBody("contact")); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for plain user, got %d", recorder.Code)
	}

	created := harness.do(t, http.MethodPost, "/forms", owner, contactSchemaBody("contact"))
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}
	var schema struct {
		Slug      string `json:"slug"`
		CreatedBy string `json:"created_by"`
		Fields    []any  `json:"fields"`
	}
	decodeBody(t, created, &schema)
	if schema.Slug != "contact" || schema.CreatedBy != "owner-1" || len(schema.Fields) != 3 {
		t.Fatalf("unexpected schema response %#v", schema)
	}

	if recorder := harness.do(t, http.MethodPost, "/forms", owner, contactSchemaBody("contact")); recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate slug, got %d", recorder.Code)
	}

	public := harness.do(t, http.MethodGet, "/forms/contact", "", nil)
	if public.Code != http.StatusOK {
		t.Fatalf("expected public schema read, got %d", public.Code)
	}

	listed := harness.do(t, http.MethodGet, "/forms", owner, nil)
	var summaries []struct {
		Slug            string `json:"slug"`
		SubmissionCount *int64 `json:"submission_count"`
	}
	decodeBody(t, listed, &summaries)
	if len(summaries) != 1 || summaries[0].SubmissionCount == nil || *summaries[0].SubmissionCount != 0 {
		t.Fatalf("unexpected schema list %#v", summaries)
	}

	if recorder := harness.do(t, http.MethodDelete, "/forms/contact", stranger, nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for stranger delete, got %d", recorder.Code)
	}
	if recorder := harness.do(t, http.MethodDelete, "/forms/contact", owner, nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if recorder := harness.do(t, http.MethodGet, "/forms/contact", "", nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", recorder.Code)
	}
}

func TestSubmitJSONReportsEveryMissingField(t *testing.T) {
	harness := newRouterHarness(t)
	owner := signSession(t, "owner-1", forms.RoleAdmin)
	harness.do(t, http.MethodPost, "/forms", owner, contactSchemaBody("contact"))

	rejected := harness.do(t, http.MethodPost, "/forms/contact/submissions", "", map[string]any{"data": map[string]any{"city": "Oslo"}})
	if rejected.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rejected.Code)
	}
	var failure struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	decodeBody(t, rejected, &failure)
	if failure.Error != "validation_failed" || failure.Fields["name"] == "" {
		t.Fatalf("unexpected validation payload %#v", failure)
	}

	accepted := harness.do(t, http.MethodPost, "/forms/contact/submissions", "", map[string]any{"data": map[string]any{"name": "Ada", "extra": "kept"}})
	if accepted.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", accepted.Code, accepted.Body.String())
	}
	var result struct {
		SubmissionID string `json:"submissionId"`
	}
	decodeBody(t, accepted, &result)
	if result.SubmissionID == "" {
		t.Fatalf("expected submission id")
	}

	detail := harness.do(t, http.MethodGet, "/submissions/"+result.SubmissionID, owner, nil)
	var item submissionListItem
	decodeBody(t, detail, &item)
	if item.Payload["extra"] != "kept" {
		t.Fatalf("expected unknown keys to pass through, got %#v", item.Payload)
	}

	if recorder := harness.do(t, http.MethodPost, "/forms/absent/submissions", "", map[string]any{"data": map[string]any{}}); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown form, got %d", recorder.Code)
	}
}

func TestSubmitJSONAcceptsStringEncodedData(t *testing.T) {
	harness := newRouterHarness(t)
	owner := signSession(t, "owner-1", forms.RoleAdmin)
	harness.do(t, http.MethodPost, "/forms", owner, contactSchemaBody("contact"))

	accepted := harness.do(t, http.MethodPost, "/forms/contact/submissions", "", map[string]any{"data": `{"name":"Ada","city":"Oslo"}`})
	if accepted.Code != http.StatusCreated {
		t.Fatalf("expected 201 for string-encoded data, got %d: %s", accepted.Code, accepted.Body.String())
	}
	var result struct {
		SubmissionID string `json:"submissionId"`
	}
	decodeBody(t, accepted, &result)
	detail := harness.do(t, http.MethodGet, "/submissions/"+result.SubmissionID, owner, nil)
	var item submissionListItem
	decodeBody(t, detail, &item)
	if item.Payload["name"] != "Ada" || item.Payload["city"] != "Oslo" {
		t.Fatalf("unexpected stored payload %#v", item.Payload)
	}

	if recorder := harness.do(t, http.MethodPost, "/forms/contact/submissions", "", map[string]any{"data": "not json"}); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for string data that is not an object, got %d", recorder.Code)
	}
}

func TestSubmitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	harness := newRouterHarness(t)
	owner := signSession(t, "owner-1", forms.RoleAdmin)
	harness.do(t, http.MethodPost, "/forms", owner, contactSchemaBody("contact"))

	request := httptest.NewRequest(http.MethodPost, "/forms/contact/submissions", strings.NewReader(`{"data":{"name":"Mallory"}}`))
	request.RemoteAddr = "203.0.113.9:4000"
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Forwarded-For", "198.51.100.7")
	recorder := httptest.NewRecorder()
	harness.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}

	listed := harness.do(t, http.MethodGet, "/forms/contact/submissions", owner, nil)
	var items []submissionListItem
	decodeBody(t, listed, &items)
	if len(items) != 1 || items[0].IPAddress != "203.0.113.9" {
		t.Fatalf("expected socket address to be recorded, got %#v", items)
	}
}

func TestListSubmissionsRejectsUnaddressableFilterOverHTTP(t *testing.T) {
	harness := newRouterHarness(t)
	owner := signSession(t, "owner-1", forms.RoleAdmin)
	harness.do(t, http.MethodPost, "/forms", owner, contactSchemaBody("contact"))

	recorder := harness.do(t, http.MethodGet, "/forms/contact/submissions?filter_"+url.QueryEscape(`city"`)+"=x", owner, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestMultipartSubmissionStoresAttachmentAndFilters(t *testing.T) {
	harness := newRouterHarness(t)
	owner := signSession(t, "owner-1", forms.RoleSuperEmployee)
	harness.do(t, http.MethodPost, "/forms", owner, contactSchemaBody("contact"))

	body, contentType := multipartSubmission(t, `{"name":"Ada","city":"Oslo"}`, map[string]string{"file__resume": "curriculum"})
	request := httptest.NewRequest(http.MethodPost, "/forms/contact/submissions", body)
	request.Header.Set("Content-Type", contentType)
	request.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	recorder := httptest.NewRecorder()
	harness.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	harness.do(t, http.MethodPost, "/forms/contact/submissions", "", map[string]any{"data": map[string]any{"name": "Grace", "city": "Bergen"}})

	listed := harness.do(t, http.MethodGet, "/forms/contact/submissions?filter_city=Oslo", owner, nil)
	if listed.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listed.Code)
	}
	var items []submissionListItem
	decodeBody(t, listed, &items)
	if len(items) != 1 {
		t.Fatalf("expected one filtered submission, got %d", len(items))
	}
	if items[0].IPAddress != "198.51.100.7" {
		t.Fatalf("expected forwarded client ip from trusted proxy, got %q", items[0].IPAddress)
	}
	if len(items[0].Attachments) != 1 || items[0].Attachments[0].FieldID != "resume" {
		t.Fatalf("expected resume attachment, got %#v", items[0].Attachments)
	}

	searched := harness.do(t, http.MethodGet, "/forms/contact/submissions?search=BERG", owner, nil)
	var matches []submissionListItem
	decodeBody(t, searched, &matches)
	if len(matches) != 1 || matches[0].Payload["name"] != "Grace" {
		t.Fatalf("unexpected search result %#v", matches)
	}

	stranger := signSession(t, "stranger", "user")
	if recorder := harness.do(t, http.MethodGet, "/forms/contact/submissions", stranger, nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for stranger listing, got %d", recorder.Code)
	}

	download := harness.do(t, http.MethodGet, items[0].Attachments[0].DownloadURL, owner, nil)
	if download.Code != http.StatusOK {
		t.Fatalf("expected attachment download, got %d", download.Code)
	}
	content, _ := io.ReadAll(download.Body)
	if string(content) != "curriculum" {
		t.Fatalf("unexpected attachment content %q", content)
	}
	if !strings.Contains(download.Header().Get("Content-Disposition"), "file__resume.txt") {
		t.Fatalf("unexpected content disposition %q", download.Header().Get("Content-Disposition"))
	}

	if recorder := harness.do(t, http.MethodDelete, "/submissions/"+items[0].ID, owner, nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if recorder := harness.do(t, http.MethodGet, items[0].Attachments[0].DownloadURL, owner, nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected attachment to be gone, got %d", recorder.Code)
	}
}

func TestRelatedOptionsOverHTTP(t *testing.T) {
	harness := newRouterHarness(t)
	owner := signSession(t, "owner-1", forms.RoleSuperEmployee)
	harness.do(t, http.MethodPost, "/forms", owner, map[string]any{
		"slug":   "clients",
		"title":  "Clients",
		"fields": []map[string]any{{"id": "company", "type": "text", "required": true}},
	})
	harness.do(t, http.MethodPost, "/forms", owner, map[string]any{
		"slug":          "orders",
		"title":         "Orders",
		"fields":        []map[string]any{{"id": "client", "type": "text"}},
		"relationships": []map[string]any{{"field_id": "client", "target_form_slug": "clients", "display_field": "company"}},
	})
	harness.do(t, http.MethodPost, "/forms/clients/submissions", "", map[string]any{"data": map[string]any{"company": "Acme"}})

	recorder := harness.do(t, http.MethodGet, "/forms/orders/related?target_slug=clients", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var options []forms.RelatedOption
	decodeBody(t, recorder, &options)
	if len(options) != 1 || options[0].Label != "Acme" {
		t.Fatalf("unexpected options %#v", options)
	}

	if recorder := harness.do(t, http.MethodGet, "/forms/clients/related?target_slug=orders&display_field=client", "", nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected undeclared anonymous lookup to be forbidden, got %d", recorder.Code)
	}
}

func TestWriteErrorRendersIntegrityPayload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := &httpHandler{logger: zap.NewNop()}
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)

	handler.writeError(ctx, &forms.IntegrityError{
		Operation:        "forms.delete_submission",
		Stage:            forms.StateVerifyEmpty,
		Detail:           "attachment rows remain",
		RemainingFileIDs: []string{"file-1"},
	})

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
	var payload integrityErrorPayload
	decodeBody(t, recorder, &payload)
	if payload.Error != "integrity_error" || payload.Detail != "attachment rows remain" || len(payload.RemainingFileIDs) != 1 {
		t.Fatalf("unexpected integrity payload %#v", payload)
	}
}
