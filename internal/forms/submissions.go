package forms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/formdesk/internal/blobstore"
)

const (
	opSubmit           = "forms.submit"
	opStoreAttachment  = "forms.store_attachment"
	opGetSubmission    = "forms.get_submission"
	opListSubmissions  = "forms.list_submissions"
	opRelatedOptions   = "forms.related_options"
	opOpenAttachment   = "forms.open_attachment"
	maxExtensionLength = 16
	blobKeyRoot        = "forms"
	sqliteDialect      = "sqlite"
	postgresDialect    = "postgres"
	maxFilterKeyLength = 64
)

var (
	extensionPattern = regexp.MustCompile(`^\.[a-z0-9]+$`)
	likeEscaper      = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
)

// SubmitterContext describes who sent a submission and from where.
type SubmitterContext struct {
	Actor     Actor
	IPAddress string
}

// SubmissionQuery narrows a submission listing. Search is a case-insensitive
// substring match over the stored payload; Filters match field values exactly
// and are keyed by field id. On SQLite search folds ASCII letters only, so
// "zürich" does not match a stored "ZÜRICH"; Postgres folds per its locale.
type SubmissionQuery struct {
	Search  string
	Filters map[string]string
}

// SubmissionDetail is a submission with its decoded payload and attachment metadata.
type SubmissionDetail struct {
	Submission  FormSubmission
	SchemaSlug  string
	Payload     Payload
	Attachments []FormAttachment
}

// RelatedOption is one selectable entry sourced from another schema's submissions.
type RelatedOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Submit validates and stores a submission. Attachment failures after the
// submission row is committed are logged and do not fail the call.
func (s *Service) Submit(ctx context.Context, rawSlug string, raw Payload, files []UploadedFile, submitter SubmitterContext) (SubmissionID, error) {
	if err := s.ready(opSubmit); err != nil {
		return "", err
	}
	slug, err := NewSlug(rawSlug)
	if err != nil {
		return "", newServiceError(opSubmit, "not_found", ErrNotFound)
	}

	release := s.locks.acquire(slug, false)
	defer release()

	schema, err := s.loadSchemaBySlug(ctx, s.db, slug)
	if err != nil {
		return "", s.failLookup(opSubmit, err, zap.String(fieldSlug, slug.String()))
	}
	fields, err := schema.Fields()
	if err != nil {
		s.logError(opSubmit, "decode_schema_failed", err, zap.String(fieldSlug, slug.String()))
		return "", newServiceError(opSubmit, "decode_schema_failed", err)
	}

	grouped := GroupFiles(files, schema.AcceptAnyFileKey)
	cleaned, err := s.validator.Validate(fields, raw, grouped)
	if err != nil {
		return "", err
	}
	encoded, err := encodePayload(cleaned)
	if err != nil {
		s.logError(opSubmit, "encode_failed", err, zap.String(fieldSlug, slug.String()))
		return "", newServiceError(opSubmit, "encode_failed", err)
	}

	submissionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSubmit, "id_generation_failed", err)
		return "", newServiceError(opSubmit, "id_generation_failed", err)
	}
	submission := FormSubmission{
		ID:               submissionID,
		FormSchemaID:     schema.ID,
		PayloadJSON:      datatypes.JSON(encoded),
		IPAddress:        strings.TrimSpace(submitter.IPAddress),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if !submitter.Actor.Anonymous() {
		userID := submitter.Actor.UserID
		submission.SubmittedBy = &userID
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&submission).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return "", newServiceError(opSubmit, "schema_vanished", ErrNotFound)
		}
		s.logError(opSubmit, "insert_failed", err, zap.String(fieldSlug, slug.String()))
		return "", newServiceError(opSubmit, "insert_failed", err)
	}

	fieldIDs := make([]string, 0, len(grouped))
	for fieldID := range grouped {
		fieldIDs = append(fieldIDs, fieldID)
	}
	sort.Strings(fieldIDs)
	for _, fieldID := range fieldIDs {
		for _, upload := range grouped[fieldID] {
			s.storeAttachment(ctx, schema, submission, fieldID, upload)
		}
	}

	s.publish(FormEvent{
		OwnerID:       schema.CreatedBy,
		Slug:          schema.Slug,
		Type:          EventSubmissionCreated,
		SubmissionIDs: []string{submission.ID},
	})
	return SubmissionID(submission.ID), nil
}

func (s *Service) storeAttachment(ctx context.Context, schema FormSchema, submission FormSubmission, fieldID string, upload UploadedFile) {
	fields := []zap.Field{
		zap.String(fieldSlug, schema.Slug),
		zap.String(fieldSubmissionID, submission.ID),
		zap.String("field_id", fieldID),
	}
	if upload.Open == nil {
		s.logError(opStoreAttachment, "missing_body", nil, fields...)
		return
	}
	attachmentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opStoreAttachment, "id_generation_failed", err, fields...)
		return
	}
	key := attachmentBlobKey(schema.ID, submission.ID, attachmentID, upload.Filename)
	fields = append(fields, zap.String(fieldAttachmentID, attachmentID), zap.String(fieldBlobKey, key))

	body, err := upload.Open()
	if err != nil {
		s.logError(opStoreAttachment, "open_failed", err, fields...)
		return
	}
	defer body.Close()

	written, err := s.blobs.Put(ctx, key, body, upload.Size, upload.ContentType)
	if err != nil {
		s.logError(opStoreAttachment, "blob_put_failed", err, fields...)
		s.discardBlob(ctx, key, fields)
		return
	}

	attachment := FormAttachment{
		ID:               attachmentID,
		SubmissionID:     submission.ID,
		FieldID:          fieldID,
		BlobKey:          key,
		Filename:         cleanFilename(upload.Filename),
		ContentType:      upload.ContentType,
		SizeBytes:        written,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&attachment).Error; err != nil {
		s.logError(opStoreAttachment, "insert_failed", err, fields...)
		s.discardBlob(ctx, key, fields)
	}
}

func (s *Service) discardBlob(ctx context.Context, key string, fields []zap.Field) {
	if err := s.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.loggerOrDefault().Warn("orphaned attachment blob", append(fields, zap.Error(err))...)
	}
}

// GetSubmission returns a submission to the schema owner, an elevated actor or its submitter.
func (s *Service) GetSubmission(ctx context.Context, actor Actor, rawID string) (SubmissionDetail, error) {
	if err := s.ready(opGetSubmission); err != nil {
		return SubmissionDetail{}, err
	}
	submissionID, err := NewSubmissionID(rawID)
	if err != nil {
		return SubmissionDetail{}, newServiceError(opGetSubmission, "not_found", ErrNotFound)
	}
	if actor.Anonymous() {
		return SubmissionDetail{}, newServiceError(opGetSubmission, "unauthorized", ErrUnauthorized)
	}

	submission, err := s.loadSubmission(ctx, s.db, submissionID)
	if err != nil {
		return SubmissionDetail{}, s.failLookup(opGetSubmission, err, zap.String(fieldSubmissionID, submissionID.String()))
	}
	schema, err := s.loadSchemaByID(ctx, s.db, submission.FormSchemaID)
	if err != nil {
		return SubmissionDetail{}, s.failLookup(opGetSubmission, err, zap.String(fieldSchemaID, submission.FormSchemaID))
	}
	ownSubmission := submission.SubmittedBy != nil && *submission.SubmittedBy == actor.UserID
	if authErr := actor.authorize(schema.CreatedBy); authErr != nil && !ownSubmission {
		return SubmissionDetail{}, newServiceError(opGetSubmission, "forbidden", authErr)
	}

	details, err := s.attachDetails(ctx, schema, []FormSubmission{submission})
	if err != nil {
		s.logError(opGetSubmission, reasonQueryFailed, err, zap.String(fieldSubmissionID, submissionID.String()))
		return SubmissionDetail{}, newServiceError(opGetSubmission, reasonQueryFailed, err)
	}
	return details[0], nil
}

// ListSubmissions returns the submissions of a schema, newest first.
func (s *Service) ListSubmissions(ctx context.Context, actor Actor, rawSlug string, query SubmissionQuery) ([]SubmissionDetail, error) {
	if err := s.ready(opListSubmissions); err != nil {
		return nil, err
	}
	slug, err := NewSlug(rawSlug)
	if err != nil {
		return nil, newServiceError(opListSubmissions, "not_found", ErrNotFound)
	}
	schema, err := s.loadSchemaBySlug(ctx, s.db, slug)
	if err != nil {
		return nil, s.failLookup(opListSubmissions, err, zap.String(fieldSlug, slug.String()))
	}
	if authErr := actor.authorize(schema.CreatedBy); authErr != nil {
		return nil, newServiceError(opListSubmissions, "forbidden", authErr)
	}

	scope := s.db.WithContext(ctx).Where("form_schema_id = ?", schema.ID)
	if search := strings.TrimSpace(query.Search); search != "" {
		scope = scope.Where(s.payloadContains(search))
	}
	filterKeys := make([]string, 0, len(query.Filters))
	for key := range query.Filters {
		filterKeys = append(filterKeys, key)
	}
	sort.Strings(filterKeys)
	failures := &ValidationError{}
	for _, key := range filterKeys {
		if !filterableKey(key) {
			failures.add("filter_"+key, "unsupported filter key")
			continue
		}
		scope = scope.Where(s.payloadEquals(key, query.Filters[key]))
	}
	if !failures.empty() {
		return nil, failures
	}

	var submissions []FormSubmission
	if err := scope.Order("created_at_s DESC").Order("id DESC").Find(&submissions).Error; err != nil {
		s.logError(opListSubmissions, reasonQueryFailed, err, zap.String(fieldSlug, slug.String()))
		return nil, newServiceError(opListSubmissions, reasonQueryFailed, err)
	}
	details, err := s.attachDetails(ctx, schema, submissions)
	if err != nil {
		s.logError(opListSubmissions, reasonQueryFailed, err, zap.String(fieldSlug, slug.String()))
		return nil, newServiceError(opListSubmissions, reasonQueryFailed, err)
	}
	return details, nil
}

// filterableKey reports whether a field id can be addressed as a quoted JSON
// path member. Ids carrying quotes, backslashes or control characters cannot.
func filterableKey(key string) bool {
	if key == "" || utf8.RuneCountInString(key) > maxFilterKeyLength || !utf8.ValidString(key) {
		return false
	}
	for _, r := range key {
		if r == '"' || r == '\\' || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// payloadContains matches the search text anywhere in the stored payload.
func (s *Service) payloadContains(search string) *gorm.DB {
	pattern := "%" + likeEscaper.Replace(strings.ToLower(search)) + "%"
	if s.db.Dialector.Name() == postgresDialect {
		return s.db.Where("CAST(payload_json AS TEXT) ILIKE ? ESCAPE '\\'", pattern)
	}
	return s.db.Where("LOWER(CAST(payload_json AS TEXT)) LIKE ? ESCAPE '\\'", pattern)
}

// payloadEquals matches one payload key against the textual filter value.
// SQLite extracts JSON scalars with their native type, so numeric and boolean
// renderings of the filter are accepted there as well.
func (s *Service) payloadEquals(key, value string) *gorm.DB {
	if s.db.Dialector.Name() != sqliteDialect {
		return s.db.Where(datatypes.JSONQuery("payload_json").Equals(value, key))
	}
	// SQLite receives the key as one path member; quoting keeps spaces and dots literal.
	member := `"` + key + `"`
	condition := s.db.Where(datatypes.JSONQuery("payload_json").Equals(value, member))
	if number, err := strconv.ParseFloat(value, 64); err == nil {
		condition = condition.Or(datatypes.JSONQuery("payload_json").Equals(number, member))
	}
	switch strings.ToLower(value) {
	case "true":
		condition = condition.Or(datatypes.JSONQuery("payload_json").Equals(1, member))
	case "false":
		condition = condition.Or(datatypes.JSONQuery("payload_json").Equals(0, member))
	}
	return condition
}

func (s *Service) attachDetails(ctx context.Context, schema FormSchema, submissions []FormSubmission) ([]SubmissionDetail, error) {
	details := make([]SubmissionDetail, 0, len(submissions))
	if len(submissions) == 0 {
		return details, nil
	}
	submissionIDs := make([]string, 0, len(submissions))
	for _, submission := range submissions {
		submissionIDs = append(submissionIDs, submission.ID)
	}
	var attachments []FormAttachment
	if err := s.db.WithContext(ctx).
		Where("submission_id IN ?", submissionIDs).
		Order("created_at_s ASC").
		Order("id ASC").
		Find(&attachments).Error; err != nil {
		return nil, err
	}
	bySubmission := make(map[string][]FormAttachment, len(submissions))
	for _, attachment := range attachments {
		bySubmission[attachment.SubmissionID] = append(bySubmission[attachment.SubmissionID], attachment)
	}

	for _, submission := range submissions {
		payload, err := submission.Payload()
		if err != nil {
			return nil, fmt.Errorf("decode payload %s: %w", submission.ID, err)
		}
		details = append(details, SubmissionDetail{
			Submission:  submission,
			SchemaSlug:  schema.Slug,
			Payload:     payload,
			Attachments: bySubmission[submission.ID],
		})
	}
	return details, nil
}

// RelatedOptions lists the submissions of the target schema as id/label pairs
// for populating relationship dropdowns on the source schema. When
// displayField is empty the source schema's relationship supplies it.
// Anonymous callers may only read targets declared by the source schema.
func (s *Service) RelatedOptions(ctx context.Context, actor Actor, rawSourceSlug, rawTargetSlug, displayField string) ([]RelatedOption, error) {
	if err := s.ready(opRelatedOptions); err != nil {
		return nil, err
	}
	if strings.TrimSpace(rawTargetSlug) == "" {
		return nil, &ValidationError{Fields: map[string]string{"target_slug": messageRequired}}
	}
	targetSlug, err := NewSlug(rawTargetSlug)
	if err != nil {
		return nil, newServiceError(opRelatedOptions, "not_found", ErrNotFound)
	}

	var declared *Relationship
	if strings.TrimSpace(rawSourceSlug) != "" {
		sourceSlug, slugErr := NewSlug(rawSourceSlug)
		if slugErr != nil {
			return nil, newServiceError(opRelatedOptions, "not_found", ErrNotFound)
		}
		source, loadErr := s.loadSchemaBySlug(ctx, s.db, sourceSlug)
		if loadErr != nil {
			return nil, s.failLookup(opRelatedOptions, loadErr, zap.String(fieldSlug, sourceSlug.String()))
		}
		relationships, decodeErr := source.Relationships()
		if decodeErr != nil {
			s.logError(opRelatedOptions, "decode_schema_failed", decodeErr, zap.String(fieldSlug, sourceSlug.String()))
			return nil, newServiceError(opRelatedOptions, "decode_schema_failed", decodeErr)
		}
		for index := range relationships {
			if relationships[index].TargetFormSlug != targetSlug.String() {
				continue
			}
			if displayField == "" || relationships[index].DisplayField == displayField {
				declared = &relationships[index]
				break
			}
		}
	}
	if actor.Anonymous() && declared == nil {
		return nil, newServiceError(opRelatedOptions, "forbidden", ErrForbidden)
	}
	displayField = strings.TrimSpace(displayField)
	if displayField == "" && declared != nil {
		displayField = declared.DisplayField
	}
	if displayField == "" {
		return nil, &ValidationError{Fields: map[string]string{"display_field": messageRequired}}
	}

	target, err := s.loadSchemaBySlug(ctx, s.db, targetSlug)
	if err != nil {
		return nil, s.failLookup(opRelatedOptions, err, zap.String(fieldSlug, targetSlug.String()))
	}
	var submissions []FormSubmission
	if err := s.db.WithContext(ctx).
		Where("form_schema_id = ?", target.ID).
		Order("created_at_s ASC").
		Order("id ASC").
		Find(&submissions).Error; err != nil {
		s.logError(opRelatedOptions, reasonQueryFailed, err, zap.String(fieldSlug, targetSlug.String()))
		return nil, newServiceError(opRelatedOptions, reasonQueryFailed, err)
	}

	options := make([]RelatedOption, 0, len(submissions))
	for _, submission := range submissions {
		payload, decodeErr := submission.Payload()
		if decodeErr != nil {
			s.loggerOrDefault().Warn("skipping undecodable submission",
				zap.String(fieldSubmissionID, submission.ID), zap.Error(decodeErr))
			continue
		}
		label, present := payload[displayField]
		if !present {
			continue
		}
		options = append(options, RelatedOption{ID: submission.ID, Label: label.String()})
	}
	return options, nil
}

// OpenAttachment streams a stored attachment to the schema owner or an elevated actor.
// The caller closes the returned reader.
func (s *Service) OpenAttachment(ctx context.Context, actor Actor, attachmentID string) (FormAttachment, io.ReadCloser, error) {
	if err := s.ready(opOpenAttachment); err != nil {
		return FormAttachment{}, nil, err
	}
	if actor.Anonymous() {
		return FormAttachment{}, nil, newServiceError(opOpenAttachment, "unauthorized", ErrUnauthorized)
	}
	var attachment FormAttachment
	err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(attachmentID)).Take(&attachment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FormAttachment{}, nil, newServiceError(opOpenAttachment, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opOpenAttachment, reasonQueryFailed, err, zap.String(fieldAttachmentID, attachmentID))
		return FormAttachment{}, nil, newServiceError(opOpenAttachment, reasonQueryFailed, err)
	}

	submission, err := s.loadSubmission(ctx, s.db, SubmissionID(attachment.SubmissionID))
	if err != nil {
		return FormAttachment{}, nil, s.failLookup(opOpenAttachment, err, zap.String(fieldSubmissionID, attachment.SubmissionID))
	}
	schema, err := s.loadSchemaByID(ctx, s.db, submission.FormSchemaID)
	if err != nil {
		return FormAttachment{}, nil, s.failLookup(opOpenAttachment, err, zap.String(fieldSchemaID, submission.FormSchemaID))
	}
	if authErr := actor.authorize(schema.CreatedBy); authErr != nil {
		return FormAttachment{}, nil, newServiceError(opOpenAttachment, "forbidden", authErr)
	}

	body, err := s.blobs.Open(ctx, attachment.BlobKey)
	if errors.Is(err, blobstore.ErrNotFound) {
		return FormAttachment{}, nil, newServiceError(opOpenAttachment, "blob_missing", ErrNotFound)
	}
	if err != nil {
		s.logError(opOpenAttachment, "blob_open_failed", err, zap.String(fieldBlobKey, attachment.BlobKey))
		return FormAttachment{}, nil, newServiceError(opOpenAttachment, "blob_open_failed", fmt.Errorf("%w: %v", ErrStorage, err))
	}
	return attachment, body, nil
}

func encodePayload(payload Payload) ([]byte, error) {
	return marshalVerbatim(payload)
}

func attachmentBlobKey(schemaID, submissionID, attachmentID, filename string) string {
	extension := strings.ToLower(path.Ext(cleanFilename(filename)))
	if len(extension) > maxExtensionLength || !extensionPattern.MatchString(extension) {
		extension = ""
	}
	return path.Join(blobKeyRoot, schemaID, submissionID, attachmentID+extension)
}

func cleanFilename(filename string) string {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(filename), `\`, "/"))
	if base == "." || base == "/" {
		return ""
	}
	return base
}
