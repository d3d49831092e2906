package forms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	opCreateSchema = "forms.create_schema"
	opUpdateSchema = "forms.update_schema"
	opGetSchema    = "forms.get_schema"
	opListSchemas  = "forms.list_schemas"
	opManageSchema = "forms.manage_schema"

	maxSlugAttempts = 5
)

// SchemaInput carries the caller-editable part of a schema definition.
type SchemaInput struct {
	Slug             string            `json:"slug" validate:"omitempty,max=64"`
	Title            string            `json:"title" validate:"required,max=300"`
	Description      string            `json:"description"`
	Fields           []FieldDefinition `json:"fields" validate:"dive"`
	Relationships    []Relationship    `json:"relationships" validate:"dive"`
	Language         LanguageConfig    `json:"language_config"`
	AcceptAnyFileKey bool              `json:"accept_any_file_key"`
}

// SchemaSummary pairs a schema with the number of submissions it has received.
type SchemaSummary struct {
	Schema          FormSchema
	SubmissionCount int64
}

// CreateSchema persists a new schema owned by actor.
func (s *Service) CreateSchema(ctx context.Context, actor Actor, input SchemaInput) (FormSchema, error) {
	if err := s.ready(opCreateSchema); err != nil {
		return FormSchema{}, err
	}
	if actor.Anonymous() {
		return FormSchema{}, newServiceError(opCreateSchema, "unauthorized", ErrUnauthorized)
	}
	if !actor.Elevated() {
		return FormSchema{}, newServiceError(opCreateSchema, "forbidden", ErrForbidden)
	}

	normalized, err := s.normalizeSchemaInput(input)
	if err != nil {
		return FormSchema{}, err
	}

	db := s.db.WithContext(ctx)
	slug, err := s.resolveNewSlug(ctx, db, input.Slug)
	if err != nil {
		return FormSchema{}, err
	}

	schemaID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateSchema, "id_generation_failed", err)
		return FormSchema{}, newServiceError(opCreateSchema, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	schema := FormSchema{
		ID:               schemaID,
		Slug:             slug.String(),
		CreatedBy:        actor.UserID,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := applySchemaInput(&schema, normalized); err != nil {
		s.logError(opCreateSchema, "encode_failed", err, zap.String(fieldSlug, slug.String()))
		return FormSchema{}, newServiceError(opCreateSchema, "encode_failed", err)
	}

	if err := db.Create(&schema).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return FormSchema{}, newServiceError(opCreateSchema, "duplicate_slug", ErrConflict)
		}
		s.logError(opCreateSchema, "insert_failed", err, zap.String(fieldSlug, slug.String()))
		return FormSchema{}, newServiceError(opCreateSchema, "insert_failed", err)
	}
	return schema, nil
}

// UpdateSchema replaces the definition of an existing schema. Existing
// submissions are not migrated; the slug is frozen once any submission exists.
func (s *Service) UpdateSchema(ctx context.Context, actor Actor, rawSlug string, input SchemaInput) (FormSchema, error) {
	if err := s.ready(opUpdateSchema); err != nil {
		return FormSchema{}, err
	}
	slug, err := NewSlug(rawSlug)
	if err != nil {
		return FormSchema{}, newServiceError(opUpdateSchema, "not_found", ErrNotFound)
	}

	normalized, err := s.normalizeSchemaInput(input)
	if err != nil {
		return FormSchema{}, err
	}

	release := s.locks.acquire(slug, true)
	defer release()

	var updated FormSchema
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		schema, loadErr := s.loadSchemaBySlug(ctx, tx, slug)
		if loadErr != nil {
			return loadErr
		}
		if authErr := actor.authorize(schema.CreatedBy); authErr != nil {
			return authErr
		}

		if requested := strings.TrimSpace(input.Slug); requested != "" {
			nextSlug, slugErr := NewSlug(requested)
			if slugErr != nil {
				return &ValidationError{Fields: map[string]string{"slug": slugErr.Error()}}
			}
			if nextSlug.String() != schema.Slug {
				var submissions int64
				if countErr := tx.Model(&FormSubmission{}).Where("form_schema_id = ?", schema.ID).Count(&submissions).Error; countErr != nil {
					return countErr
				}
				if submissions > 0 {
					return ErrConflict
				}
				taken, takenErr := slugTaken(tx, nextSlug)
				if takenErr != nil {
					return takenErr
				}
				if taken {
					return ErrConflict
				}
				schema.Slug = nextSlug.String()
			}
		}

		if applyErr := applySchemaInput(&schema, normalized); applyErr != nil {
			return applyErr
		}
		schema.UpdatedAtSeconds = s.clock().UTC().Unix()
		if saveErr := tx.Save(&schema).Error; saveErr != nil {
			return saveErr
		}
		updated = schema
		return nil
	})
	if err != nil {
		var validationErr *ValidationError
		switch {
		case errors.As(err, &validationErr):
			return FormSchema{}, validationErr
		case errors.Is(err, ErrNotFound):
			return FormSchema{}, newServiceError(opUpdateSchema, "not_found", ErrNotFound)
		case errors.Is(err, ErrUnauthorized):
			return FormSchema{}, newServiceError(opUpdateSchema, "unauthorized", ErrUnauthorized)
		case errors.Is(err, ErrForbidden):
			return FormSchema{}, newServiceError(opUpdateSchema, "forbidden", ErrForbidden)
		case errors.Is(err, ErrConflict), errors.Is(err, gorm.ErrDuplicatedKey):
			return FormSchema{}, newServiceError(opUpdateSchema, "slug_conflict", ErrConflict)
		}
		s.logError(opUpdateSchema, "update_failed", err, zap.String(fieldSlug, slug.String()))
		return FormSchema{}, newServiceError(opUpdateSchema, "update_failed", err)
	}
	return updated, nil
}

// GetSchema returns the public structure of a schema.
func (s *Service) GetSchema(ctx context.Context, rawSlug string) (FormSchema, error) {
	if err := s.ready(opGetSchema); err != nil {
		return FormSchema{}, err
	}
	slug, err := NewSlug(rawSlug)
	if err != nil {
		return FormSchema{}, newServiceError(opGetSchema, "not_found", ErrNotFound)
	}
	schema, err := s.loadSchemaBySlug(ctx, s.db, slug)
	if err != nil {
		return FormSchema{}, s.failLookup(opGetSchema, err, zap.String(fieldSlug, slug.String()))
	}
	return schema, nil
}

// ManagedSchema returns the schema when actor may manage it.
func (s *Service) ManagedSchema(ctx context.Context, actor Actor, rawSlug string) (FormSchema, error) {
	if err := s.ready(opManageSchema); err != nil {
		return FormSchema{}, err
	}
	if actor.Anonymous() {
		return FormSchema{}, newServiceError(opManageSchema, "unauthorized", ErrUnauthorized)
	}
	schema, err := s.GetSchema(ctx, rawSlug)
	if err != nil {
		return FormSchema{}, err
	}
	if authErr := actor.authorize(schema.CreatedBy); authErr != nil {
		return FormSchema{}, newServiceError(opManageSchema, "forbidden", authErr)
	}
	return schema, nil
}

// ListSchemas returns the schemas created by actor, newest first.
func (s *Service) ListSchemas(ctx context.Context, actor Actor) ([]SchemaSummary, error) {
	if err := s.ready(opListSchemas); err != nil {
		return nil, err
	}
	if actor.Anonymous() {
		return nil, newServiceError(opListSchemas, "unauthorized", ErrUnauthorized)
	}

	db := s.db.WithContext(ctx)
	var schemas []FormSchema
	if err := db.Where("created_by = ?", actor.UserID).
		Order("created_at_s DESC").
		Order("id DESC").
		Find(&schemas).Error; err != nil {
		s.logError(opListSchemas, reasonQueryFailed, err, zap.String(fieldUserID, actor.UserID))
		return nil, newServiceError(opListSchemas, reasonQueryFailed, err)
	}
	if len(schemas) == 0 {
		return []SchemaSummary{}, nil
	}

	schemaIDs := make([]string, 0, len(schemas))
	for _, schema := range schemas {
		schemaIDs = append(schemaIDs, schema.ID)
	}
	type countRow struct {
		FormSchemaID string
		Total        int64
	}
	var counts []countRow
	if err := db.Model(&FormSubmission{}).
		Select("form_schema_id, COUNT(*) AS total").
		Where("form_schema_id IN ?", schemaIDs).
		Group("form_schema_id").
		Scan(&counts).Error; err != nil {
		s.logError(opListSchemas, "count_failed", err, zap.String(fieldUserID, actor.UserID))
		return nil, newServiceError(opListSchemas, "count_failed", err)
	}
	totals := make(map[string]int64, len(counts))
	for _, row := range counts {
		totals[row.FormSchemaID] = row.Total
	}

	summaries := make([]SchemaSummary, 0, len(schemas))
	for _, schema := range schemas {
		summaries = append(summaries, SchemaSummary{Schema: schema, SubmissionCount: totals[schema.ID]})
	}
	return summaries, nil
}

func (s *Service) resolveNewSlug(ctx context.Context, db *gorm.DB, requested string) (Slug, error) {
	if strings.TrimSpace(requested) != "" {
		slug, err := NewSlug(requested)
		if err != nil {
			return "", &ValidationError{Fields: map[string]string{"slug": err.Error()}}
		}
		taken, err := slugTaken(db, slug)
		if err != nil {
			s.logError(opCreateSchema, reasonQueryFailed, err, zap.String(fieldSlug, slug.String()))
			return "", newServiceError(opCreateSchema, reasonQueryFailed, err)
		}
		if taken {
			return "", newServiceError(opCreateSchema, "duplicate_slug", ErrConflict)
		}
		return slug, nil
	}

	for attempt := 0; attempt < maxSlugAttempts; attempt++ {
		candidate, err := s.slugProvider.NewSlug()
		if err != nil {
			s.logError(opCreateSchema, "slug_generation_failed", err)
			return "", newServiceError(opCreateSchema, "slug_generation_failed", err)
		}
		slug, err := NewSlug(candidate)
		if err != nil {
			continue
		}
		taken, err := slugTaken(db, slug)
		if err != nil {
			s.logError(opCreateSchema, reasonQueryFailed, err, zap.String(fieldSlug, slug.String()))
			return "", newServiceError(opCreateSchema, reasonQueryFailed, err)
		}
		if !taken {
			return slug, nil
		}
	}
	return "", newServiceError(opCreateSchema, "slug_exhausted", ErrConflict)
}

func slugTaken(db *gorm.DB, slug Slug) (bool, error) {
	var count int64
	if err := db.Model(&FormSchema{}).Where("slug = ?", slug.String()).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// normalizeSchemaInput validates the definition and returns it with fields
// sorted by display order and renumbered from zero.
func (s *Service) normalizeSchemaInput(input SchemaInput) (SchemaInput, error) {
	failures := &ValidationError{}
	for path, message := range s.validator.checkStruct(input) {
		failures.add(path, message)
	}

	seen := make(map[string]struct{}, len(input.Fields))
	for index, field := range input.Fields {
		id := strings.TrimSpace(field.ID)
		if id == "" {
			continue
		}
		if strings.HasPrefix(id, FileFieldPrefix) {
			failures.add(fmt.Sprintf("fields[%d].id", index), "must not start with "+FileFieldPrefix)
		}
		if !filterableKey(id) {
			failures.add(fmt.Sprintf("fields[%d].id", index), "must not contain quotes, backslashes or control characters")
		}
		if _, duplicate := seen[id]; duplicate {
			failures.add(fmt.Sprintf("fields[%d].id", index), "duplicate field id "+id)
		}
		seen[id] = struct{}{}
		if field.IsChoice() && len(field.Options) == 0 {
			failures.add(fmt.Sprintf("fields[%d].options", index), "options are required for "+string(field.Type))
		}
		if field.Min != nil && field.Max != nil && *field.Min > *field.Max {
			failures.add(fmt.Sprintf("fields[%d].min", index), "must not exceed max")
		}
		if field.MinLength != nil && field.MaxLength != nil && *field.MinLength > *field.MaxLength {
			failures.add(fmt.Sprintf("fields[%d].min_length", index), "must not exceed max_length")
		}
	}
	for index, relationship := range input.Relationships {
		if _, ok := seen[strings.TrimSpace(relationship.FieldID)]; !ok && relationship.FieldID != "" {
			failures.add(fmt.Sprintf("relationships[%d].field_id", index), "unknown field "+relationship.FieldID)
		}
		if _, err := NewSlug(relationship.TargetFormSlug); err != nil && relationship.TargetFormSlug != "" {
			failures.add(fmt.Sprintf("relationships[%d].target_form_slug", index), err.Error())
		}
	}
	if !failures.empty() {
		return SchemaInput{}, failures
	}

	normalized := input
	normalized.Title = strings.TrimSpace(input.Title)
	normalized.Fields = make([]FieldDefinition, len(input.Fields))
	copy(normalized.Fields, input.Fields)
	sort.SliceStable(normalized.Fields, func(i, j int) bool {
		return normalized.Fields[i].Order < normalized.Fields[j].Order
	})
	for index := range normalized.Fields {
		normalized.Fields[index].ID = strings.TrimSpace(normalized.Fields[index].ID)
		normalized.Fields[index].Order = index
	}
	normalized.Relationships = make([]Relationship, len(input.Relationships))
	for index, relationship := range input.Relationships {
		relationship.FieldID = strings.TrimSpace(relationship.FieldID)
		relationship.TargetFormSlug = strings.ToLower(strings.TrimSpace(relationship.TargetFormSlug))
		normalized.Relationships[index] = relationship
	}
	return normalized, nil
}

func applySchemaInput(schema *FormSchema, input SchemaInput) error {
	fields, err := json.Marshal(input.Fields)
	if err != nil {
		return err
	}
	relationships, err := json.Marshal(input.Relationships)
	if err != nil {
		return err
	}
	language, err := json.Marshal(input.Language)
	if err != nil {
		return err
	}
	schema.Title = input.Title
	schema.Description = input.Description
	schema.FieldsJSON = datatypes.JSON(fields)
	schema.RelationshipsJSON = datatypes.JSON(relationships)
	schema.LanguageJSON = datatypes.JSON(language)
	schema.AcceptAnyFileKey = input.AcceptAnyFileKey
	return nil
}
