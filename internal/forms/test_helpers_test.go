package forms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/formdesk/internal/blobstore"
)

const testOwnerID = "owner-1"

var (
	ownerActor    = Actor{UserID: testOwnerID, Roles: []string{RoleSuperEmployee}}
	strangerActor = Actor{UserID: "stranger", Roles: []string{"user"}}
	adminActor    = Actor{UserID: "admin-1", Roles: []string{RoleAdmin}}
)

type sequenceIDProvider struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("%s-%04d", p.prefix, p.next), nil
}

type staticSlugProvider struct {
	slugs []string
	index int
}

func (p *staticSlugProvider) NewSlug() (string, error) {
	if p.index >= len(p.slugs) {
		return "", errors.New("exhausted slugs")
	}
	slug := p.slugs[p.index]
	p.index++
	return slug, nil
}

type memoryBlobs struct {
	mu         sync.Mutex
	objects    map[string][]byte
	deleted    []string
	failPut    bool
	failDelete map[string]bool
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{objects: map[string][]byte{}, failDelete: map[string]bool{}}
}

func (b *memoryBlobs) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) (int64, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPut {
		return 0, errors.New("put refused")
	}
	b.objects[key] = data
	return int64(len(data)), nil
}

func (b *memoryBlobs) Open(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("missing %s: %w", key, blobstore.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memoryBlobs) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, key)
	if b.failDelete[key] {
		return errors.New("delete refused")
	}
	delete(b.objects, key)
	return nil
}

func (b *memoryBlobs) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

type recordedEvents struct {
	mu     sync.Mutex
	events []FormEvent
}

func (r *recordedEvents) PublishFormEvent(event FormEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordedEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, event := range r.events {
		types = append(types, event.Type)
	}
	return types
}

type recordedDeletions struct {
	mu            sync.Mutex
	outcomes      []string
	purgeFailures int
}

func (r *recordedDeletions) RecordDeletion(operation, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, operation+":"+outcome)
}

func (r *recordedDeletions) RecordBlobPurgeFailures(_ string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeFailures += count
}

type testHarness struct {
	service   *Service
	db        *gorm.DB
	blobs     *memoryBlobs
	events    *recordedEvents
	deletions *recordedDeletions
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:formdesk_test_%d?mode=memory&cache=shared&_pragma=foreign_keys(1)", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	blobs := newMemoryBlobs()
	events := &recordedEvents{}
	deletions := &recordedDeletions{}
	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }

	service, err := NewService(ServiceConfig{
		Database:     db,
		Blobs:        blobs,
		Clock:        clock,
		IDProvider:   &sequenceIDProvider{prefix: "id"},
		SlugProvider: &staticSlugProvider{slugs: []string{"gen00001", "gen00002", "gen00003"}},
		Validator:    NewValidator(ValidatorConfig{SanitizeHTML: true}),
		Events:       events,
		Metrics:      deletions,
	})
	if err != nil {
		t.Fatalf("failed to construct forms service: %v", err)
	}
	return &testHarness{service: service, db: db, blobs: blobs, events: events, deletions: deletions}
}

func (h *testHarness) mustCreateSchema(t *testing.T, input SchemaInput) FormSchema {
	t.Helper()
	schema, err := h.service.CreateSchema(context.Background(), ownerActor, input)
	if err != nil {
		t.Fatalf("unexpected create schema error: %v", err)
	}
	return schema
}

func (h *testHarness) mustSubmit(t *testing.T, slug string, payload Payload, files ...UploadedFile) SubmissionID {
	t.Helper()
	id, err := h.service.Submit(context.Background(), slug, payload, files, SubmitterContext{IPAddress: "203.0.113.9"})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	return id
}

func (h *testHarness) count(t *testing.T, model any) int64 {
	t.Helper()
	var total int64
	if err := h.db.Model(model).Count(&total).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return total
}

func contactSchemaInput(slug string) SchemaInput {
	return SchemaInput{
		Slug:  slug,
		Title: "Contact",
		Fields: []FieldDefinition{
			{ID: "name", Type: FieldTypeText, Label: "Name", Required: true, Order: 1},
			{ID: "city", Type: FieldTypeText, Label: "City", Order: 2},
			{ID: "age", Type: FieldTypeNumber, Label: "Age", Order: 3},
			{ID: "resume", Type: FieldTypeFile, Label: "Resume", Order: 4, AllowMultiple: true},
		},
	}
}

func textFile(formKey, filename, content string) UploadedFile {
	return UploadedFile{
		FormKey:     formKey,
		Filename:    filename,
		ContentType: "text/plain",
		Size:        int64(len(content)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}
