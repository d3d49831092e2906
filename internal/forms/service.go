package forms

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "forms.service.new"

	// RoleAdmin grants every privileged form operation.
	RoleAdmin = "admin"
	// RoleSuperEmployee may create forms and manage forms created by others.
	RoleSuperEmployee = "superemployee"

	defaultPurgeConcurrency = 4

	fieldSlug         = "slug"
	fieldSchemaID     = "schema_id"
	fieldSubmissionID = "submission_id"
	fieldAttachmentID = "attachment_id"
	fieldUserID       = "user_id"
	fieldBlobKey      = "blob_key"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
)

var noOpLogger = zap.NewNop()

// Actor is the identity on whose behalf an operation runs. A zero Actor is anonymous.
type Actor struct {
	UserID string
	Roles  []string
}

// Anonymous reports whether no authenticated user is attached.
func (a Actor) Anonymous() bool {
	return strings.TrimSpace(a.UserID) == ""
}

// HasRole reports whether the actor holds role.
func (a Actor) HasRole(role string) bool {
	for _, candidate := range a.Roles {
		if strings.EqualFold(strings.TrimSpace(candidate), role) {
			return true
		}
	}
	return false
}

// Elevated reports whether the actor may manage forms it did not create.
func (a Actor) Elevated() bool {
	return a.HasRole(RoleAdmin) || a.HasRole(RoleSuperEmployee)
}

func (a Actor) authorize(createdBy string) error {
	if a.Anonymous() {
		return ErrUnauthorized
	}
	if a.UserID == createdBy || a.Elevated() {
		return nil
	}
	return ErrForbidden
}

// BlobStore persists attachment payloads outside the relational store.
type BlobStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

const (
	EventSubmissionCreated = "submission-created"
	EventSubmissionDeleted = "submission-deleted"
	EventFormDeleted       = "form-deleted"
)

// FormEvent notifies a schema owner about changes to its form.
type FormEvent struct {
	OwnerID       string
	Slug          string
	Type          string
	SubmissionIDs []string
	Timestamp     time.Time
}

// EventPublisher fans form events out to interested subscribers.
type EventPublisher interface {
	PublishFormEvent(event FormEvent)
}

// DeletionRecorder observes the terminal outcome of deletion requests.
type DeletionRecorder interface {
	RecordDeletion(operation, outcome string)
	RecordBlobPurgeFailures(operation string, count int)
}

type ServiceConfig struct {
	Database         *gorm.DB
	Blobs            BlobStore
	Clock            func() time.Time
	IDProvider       IDProvider
	SlugProvider     SlugProvider
	Validator        *Validator
	Events           EventPublisher
	Metrics          DeletionRecorder
	Logger           *zap.Logger
	PurgeConcurrency int
}

// Service implements the schema, submission and attachment stores together
// with the submission write path and the cascading deletion orchestrator.
type Service struct {
	db               *gorm.DB
	blobs            BlobStore
	clock            func() time.Time
	idProvider       IDProvider
	slugProvider     SlugProvider
	validator        *Validator
	events           EventPublisher
	metrics          DeletionRecorder
	logger           *zap.Logger
	purgeConcurrency int
	locks            *slugLocks
	hooks            deletionHooks
}

// deletionHooks run between orchestrator states; tests use them to inject races.
type deletionHooks struct {
	afterCollect         func(ctx context.Context)
	afterFileRowsDeleted func(ctx context.Context)
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Blobs == nil {
		return nil, newServiceError(opServiceNew, "missing_blob_store", errMissingBlobStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	slugProvider := cfg.SlugProvider
	if slugProvider == nil {
		slugProvider = NewRandomSlugProvider()
	}
	validator := cfg.Validator
	if validator == nil {
		validator = NewValidator(ValidatorConfig{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	purgeConcurrency := cfg.PurgeConcurrency
	if purgeConcurrency <= 0 {
		purgeConcurrency = defaultPurgeConcurrency
	}

	return &Service{
		db:               cfg.Database,
		blobs:            cfg.Blobs,
		clock:            clock,
		idProvider:       cfg.IDProvider,
		slugProvider:     slugProvider,
		validator:        validator,
		events:           cfg.Events,
		metrics:          cfg.Metrics,
		logger:           logger,
		purgeConcurrency: purgeConcurrency,
		locks:            newSlugLocks(),
	}, nil
}

func (s *Service) ready(operation string) error {
	if s == nil || s.db == nil {
		s.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(operation, reasonMissingDatabase, errMissingDatabase)
	}
	return nil
}

func (s *Service) loadSchemaBySlug(ctx context.Context, db *gorm.DB, slug Slug) (FormSchema, error) {
	var schema FormSchema
	err := db.WithContext(ctx).Where("slug = ?", slug.String()).Take(&schema).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FormSchema{}, ErrNotFound
	}
	return schema, err
}

func (s *Service) loadSchemaByID(ctx context.Context, db *gorm.DB, schemaID string) (FormSchema, error) {
	var schema FormSchema
	err := db.WithContext(ctx).Where("id = ?", schemaID).Take(&schema).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FormSchema{}, ErrNotFound
	}
	return schema, err
}

func (s *Service) loadSubmission(ctx context.Context, db *gorm.DB, submissionID SubmissionID) (FormSubmission, error) {
	var submission FormSubmission
	err := db.WithContext(ctx).Where("id = ?", submissionID.String()).Take(&submission).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FormSubmission{}, ErrNotFound
	}
	return submission, err
}

// failLookup converts a load error into the caller-facing error, logging only unexpected failures.
func (s *Service) failLookup(operation string, err error, fields ...zap.Field) error {
	if errors.Is(err, ErrNotFound) {
		return newServiceError(operation, "not_found", ErrNotFound)
	}
	s.logError(operation, reasonQueryFailed, err, fields...)
	return newServiceError(operation, reasonQueryFailed, err)
}

func (s *Service) publish(event FormEvent) {
	if s.events == nil || event.OwnerID == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock().UTC()
	}
	s.events.PublishFormEvent(event)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("forms service error", attrs...)
}
