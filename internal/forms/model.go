package forms

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gorm.io/datatypes"
)

// FieldType enumerates the field kinds a schema may declare.
type FieldType string

const (
	FieldTypeText     FieldType = "text"
	FieldTypeTextarea FieldType = "textarea"
	FieldTypeEmail    FieldType = "email"
	FieldTypeTel      FieldType = "tel"
	FieldTypeURL      FieldType = "url"
	FieldTypeNumber   FieldType = "number"
	FieldTypeDate     FieldType = "date"
	FieldTypeTime     FieldType = "time"
	FieldTypeDropdown FieldType = "dropdown"
	FieldTypeSelect   FieldType = "select"
	FieldTypeRadio    FieldType = "radio"
	FieldTypeCheckbox FieldType = "checkbox"
	FieldTypeFile     FieldType = "file"
)

// FileFieldPrefix marks multipart parts that carry the binary answer for a file field.
const FileFieldPrefix = "file__"

const maxSlugLength = 64

var (
	// ErrInvalidSlug indicates that a schema slug is empty or malformed.
	ErrInvalidSlug = errors.New("forms: invalid slug")
	// ErrInvalidSubmissionID indicates that a submission identifier is empty or too long.
	ErrInvalidSubmissionID = errors.New("forms: invalid submission id")

	slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// Slug is the validated, human-readable identity of a schema.
type Slug string

// NewSlug normalizes and validates raw input.
func NewSlug(rawInput string) (Slug, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSlug)
	}
	if len(trimmed) > maxSlugLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSlug, maxSlugLength)
	}
	if !slugPattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSlug, trimmed)
	}
	return Slug(trimmed), nil
}

// String returns the underlying slug.
func (s Slug) String() string {
	return string(s)
}

// SubmissionID identifies a stored submission.
type SubmissionID string

// NewSubmissionID validates raw input and returns a SubmissionID.
func NewSubmissionID(rawInput string) (SubmissionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" || len(trimmed) > 190 {
		return "", fmt.Errorf("%w: %q", ErrInvalidSubmissionID, rawInput)
	}
	return SubmissionID(trimmed), nil
}

// String returns the underlying identifier.
func (id SubmissionID) String() string {
	return string(id)
}

// FieldDefinition describes one ordered field of a schema.
type FieldDefinition struct {
	ID            string            `json:"id" validate:"required,max=64"`
	Type          FieldType         `json:"type" validate:"required,oneof=text textarea email tel url number date time dropdown select radio checkbox file"`
	Label         string            `json:"label" validate:"max=300"`
	Labels        map[string]string `json:"labels,omitempty"`
	Required      bool              `json:"required"`
	Order         int               `json:"order"`
	Options       []string          `json:"options,omitempty"`
	Min           *float64          `json:"min,omitempty"`
	Max           *float64          `json:"max,omitempty"`
	MinLength     *int              `json:"min_length,omitempty" validate:"omitempty,gte=0"`
	MaxLength     *int              `json:"max_length,omitempty" validate:"omitempty,gte=0"`
	AllowMultiple bool              `json:"allow_multiple,omitempty"`
}

// IsChoice reports whether the field restricts answers to its options.
func (f FieldDefinition) IsChoice() bool {
	return f.Type == FieldTypeDropdown || f.Type == FieldTypeSelect || f.Type == FieldTypeRadio
}

// Relationship links a field to the submissions of another schema for dropdown population.
type Relationship struct {
	FieldID        string `json:"field_id" validate:"required"`
	TargetFormSlug string `json:"target_form_slug" validate:"required"`
	DisplayField   string `json:"display_field" validate:"required"`
}

// LanguageConfig lists the primary and optional label languages of a schema.
type LanguageConfig struct {
	Primary  string   `json:"primary"`
	Optional []string `json:"optional,omitempty"`
}

// FormSchema is the persisted form definition.
type FormSchema struct {
	ID                string         `gorm:"column:id;primaryKey;size:190;not null"`
	Slug              string         `gorm:"column:slug;size:64;not null;uniqueIndex:idx_form_schemas_slug"`
	Title             string         `gorm:"column:title;size:300;not null"`
	Description       string         `gorm:"column:description;type:text;not null;default:''"`
	FieldsJSON        datatypes.JSON `gorm:"column:fields_json;not null"`
	RelationshipsJSON datatypes.JSON `gorm:"column:relationships_json"`
	LanguageJSON      datatypes.JSON `gorm:"column:language_json"`
	AcceptAnyFileKey  bool           `gorm:"column:accept_any_file_key;not null;default:false"`
	CreatedBy         string         `gorm:"column:created_by;size:190;not null;index"`
	CreatedAtSeconds  int64          `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds  int64          `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FormSchema) TableName() string {
	return "form_schemas"
}

// Fields decodes the ordered field list.
func (schema FormSchema) Fields() ([]FieldDefinition, error) {
	var fields []FieldDefinition
	if len(schema.FieldsJSON) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(schema.FieldsJSON, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Relationships decodes the declared cross-form relationships.
func (schema FormSchema) Relationships() ([]Relationship, error) {
	var relationships []Relationship
	if len(schema.RelationshipsJSON) == 0 {
		return relationships, nil
	}
	if err := json.Unmarshal(schema.RelationshipsJSON, &relationships); err != nil {
		return nil, err
	}
	return relationships, nil
}

// Language decodes the language configuration.
func (schema FormSchema) Language() (LanguageConfig, error) {
	var language LanguageConfig
	if len(schema.LanguageJSON) == 0 {
		return language, nil
	}
	err := json.Unmarshal(schema.LanguageJSON, &language)
	return language, err
}

// FormSubmission is one filled-in instance of a schema.
type FormSubmission struct {
	ID               string         `gorm:"column:id;primaryKey;size:190;not null"`
	FormSchemaID     string         `gorm:"column:form_schema_id;size:190;not null;index:idx_form_submissions_schema_created,priority:1"`
	FormSchema       *FormSchema    `gorm:"foreignKey:FormSchemaID;references:ID;constraint:OnDelete:RESTRICT"`
	PayloadJSON      datatypes.JSON `gorm:"column:payload_json;not null"`
	SubmittedBy      *string        `gorm:"column:submitted_by;size:190"`
	IPAddress        string         `gorm:"column:ip_address;size:64;not null;default:''"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null;index:idx_form_submissions_schema_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (FormSubmission) TableName() string {
	return "form_submissions"
}

// Payload decodes the stored payload.
func (submission FormSubmission) Payload() (Payload, error) {
	return ParsePayload(submission.PayloadJSON)
}

// FormAttachment binds a stored blob to the submission field it answers.
type FormAttachment struct {
	ID               string          `gorm:"column:id;primaryKey;size:190;not null"`
	SubmissionID     string          `gorm:"column:submission_id;size:190;not null;index"`
	Submission       *FormSubmission `gorm:"foreignKey:SubmissionID;references:ID;constraint:OnDelete:RESTRICT"`
	FieldID          string          `gorm:"column:field_id;size:190;not null"`
	BlobKey          string          `gorm:"column:blob_key;size:512;not null"`
	Filename         string          `gorm:"column:filename;size:512;not null;default:''"`
	ContentType      string          `gorm:"column:content_type;size:190;not null;default:''"`
	SizeBytes        int64           `gorm:"column:size_bytes;not null;default:0"`
	CreatedAtSeconds int64           `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FormAttachment) TableName() string {
	return "form_attachments"
}

// Models lists every persisted type owned by this package, parents first.
func Models() []any {
	return []any{&FormSchema{}, &FormSubmission{}, &FormAttachment{}}
}
