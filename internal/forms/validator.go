package forms

import (
	"errors"
	"fmt"
	"html"
	"io"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
)

const (
	messageRequired      = "this field is required"
	messageNumber        = "must be a number"
	messageBoolean       = "must be true or false"
	messageChoice        = "is not one of the allowed options"
	messageEmail         = "must be a valid email address"
	messageURL           = "must be a valid URL"
	messageDate          = "must be a date formatted YYYY-MM-DD"
	messageTime          = "must be a time formatted HH:MM"
	messagePhone         = "must be a valid phone number"
	messageText          = "must be text"
	messageSingleFile    = "accepts a single file"
	messageSingleValue   = "accepts a single value"
	dateLayout           = "2006-01-02"
	timeLayoutShort      = "15:04"
	timeLayoutWithSecond = "15:04:05"
)

var phonePattern = regexp.MustCompile(`^[0-9+()\-.\s]{3,32}$`)

// UploadedFile is one multipart part offered alongside a submission.
type UploadedFile struct {
	FormKey     string
	Filename    string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// FieldID derives the schema field answered by the upload. Parts without the
// file__ prefix are only bound when the schema accepts any file key.
func (file UploadedFile) FieldID(acceptAnyKey bool) (string, bool) {
	if strings.HasPrefix(file.FormKey, FileFieldPrefix) {
		fieldID := strings.TrimPrefix(file.FormKey, FileFieldPrefix)
		return fieldID, fieldID != ""
	}
	if acceptAnyKey && strings.TrimSpace(file.FormKey) != "" {
		return file.FormKey, true
	}
	return "", false
}

// GroupFiles indexes uploads by the field id they answer.
func GroupFiles(files []UploadedFile, acceptAnyKey bool) map[string][]UploadedFile {
	grouped := make(map[string][]UploadedFile, len(files))
	for _, file := range files {
		fieldID, ok := file.FieldID(acceptAnyKey)
		if !ok {
			continue
		}
		grouped[fieldID] = append(grouped[fieldID], file)
	}
	return grouped
}

// ValidatorConfig toggles optional payload normalization.
type ValidatorConfig struct {
	SanitizeHTML bool
}

// Validator checks payloads against schema field definitions.
type Validator struct {
	checker   *validator.Validate
	sanitizer *bluemonday.Policy
}

// NewValidator constructs a Validator.
func NewValidator(cfg ValidatorConfig) *Validator {
	checker := validator.New(validator.WithRequiredStructEnabled())
	checker.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v := &Validator{checker: checker}
	if cfg.SanitizeHTML {
		v.sanitizer = bluemonday.StrictPolicy()
	}
	return v
}

// checkStruct runs struct tag validation and keys failures by their JSON path.
func (v *Validator) checkStruct(value any) map[string]string {
	err := v.checker.Struct(value)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return map[string]string{"_": err.Error()}
	}
	failures := make(map[string]string, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		path := fieldError.Namespace()
		if index := strings.Index(path, "."); index >= 0 {
			path = path[index+1:]
		}
		failures[path] = fmt.Sprintf("failed %s validation", fieldError.Tag())
	}
	return failures
}

// Validate checks raw against fields and returns the coerced payload. Every
// failing field is reported in a single *ValidationError. Keys unknown to the
// schema pass through untouched.
func (v *Validator) Validate(fields []FieldDefinition, raw Payload, files map[string][]UploadedFile) (Payload, error) {
	cleaned := raw.Clone()
	failures := &ValidationError{}

	for _, field := range fields {
		if field.Type == FieldTypeFile {
			uploads := files[field.ID]
			if field.Required && len(uploads) == 0 {
				failures.add(field.ID, messageRequired)
			}
			if !field.AllowMultiple && len(uploads) > 1 {
				failures.add(field.ID, messageSingleFile)
			}
			continue
		}

		value, present := raw[field.ID]
		if !present || value.IsEmpty() {
			if field.Required {
				failures.add(field.ID, messageRequired)
			}
			continue
		}

		coerced, message := v.coerce(field, value)
		if message != "" {
			failures.add(field.ID, message)
			continue
		}
		cleaned[field.ID] = coerced
	}

	if !failures.empty() {
		return nil, failures
	}
	return cleaned, nil
}

func (v *Validator) coerce(field FieldDefinition, value FieldValue) (FieldValue, string) {
	switch field.Type {
	case FieldTypeNumber:
		return coerceNumber(field, value)
	case FieldTypeCheckbox:
		return coerceCheckbox(field, value)
	case FieldTypeDropdown, FieldTypeSelect, FieldTypeRadio:
		return coerceChoice(field, value)
	case FieldTypeEmail:
		return v.coerceTagged(value, "email", messageEmail)
	case FieldTypeURL:
		return v.coerceTagged(value, "url", messageURL)
	case FieldTypeDate:
		return coerceLayout(value, messageDate, dateLayout)
	case FieldTypeTime:
		return coerceLayout(value, messageTime, timeLayoutShort, timeLayoutWithSecond)
	case FieldTypeTel:
		text, ok := scalarText(value)
		if !ok || !phonePattern.MatchString(text) {
			return value, messagePhone
		}
		return StringValue(text), ""
	default:
		return v.coerceText(field, value)
	}
}

func (v *Validator) coerceText(field FieldDefinition, value FieldValue) (FieldValue, string) {
	text, ok := scalarText(value)
	if !ok {
		return value, messageText
	}
	if v.sanitizer != nil {
		text = html.UnescapeString(v.sanitizer.Sanitize(text))
	}
	length := utf8.RuneCountInString(text)
	if field.MinLength != nil && length < *field.MinLength {
		return value, fmt.Sprintf("must be at least %d characters", *field.MinLength)
	}
	if field.MaxLength != nil && length > *field.MaxLength {
		return value, fmt.Sprintf("must be at most %d characters", *field.MaxLength)
	}
	return StringValue(text), ""
}

func (v *Validator) coerceTagged(value FieldValue, tag, message string) (FieldValue, string) {
	text, ok := value.AsString()
	if !ok {
		return value, message
	}
	text = strings.TrimSpace(text)
	if err := v.checker.Var(text, tag); err != nil {
		return value, message
	}
	return StringValue(text), ""
}

func coerceNumber(field FieldDefinition, value FieldValue) (FieldValue, string) {
	number, ok := value.AsNumber()
	if !ok {
		text, isText := value.AsString()
		if !isText {
			return value, messageNumber
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return value, messageNumber
		}
		number = parsed
	}
	if field.Min != nil && number < *field.Min {
		return value, "must be at least " + strconv.FormatFloat(*field.Min, 'f', -1, 64)
	}
	if field.Max != nil && number > *field.Max {
		return value, "must be at most " + strconv.FormatFloat(*field.Max, 'f', -1, 64)
	}
	return NumberValue(number), ""
}

func coerceCheckbox(field FieldDefinition, value FieldValue) (FieldValue, string) {
	if field.AllowMultiple || len(field.Options) > 0 {
		return coerceChoiceList(field, value)
	}
	flag, ok := value.AsBool()
	if !ok {
		text, isText := value.AsString()
		if !isText {
			return value, messageBoolean
		}
		switch strings.ToLower(strings.TrimSpace(text)) {
		case "true", "on", "yes", "1":
			flag = true
		case "false", "off", "no", "0":
			flag = false
		default:
			return value, messageBoolean
		}
	}
	if field.Required && !flag {
		return value, messageRequired
	}
	return BoolValue(flag), ""
}

func coerceChoice(field FieldDefinition, value FieldValue) (FieldValue, string) {
	if field.AllowMultiple {
		return coerceChoiceList(field, value)
	}
	if _, isList := value.AsList(); isList {
		return value, messageSingleValue
	}
	text, ok := scalarText(value)
	if !ok || !allowedOption(field, text) {
		return value, messageChoice
	}
	return StringValue(text), ""
}

func coerceChoiceList(field FieldDefinition, value FieldValue) (FieldValue, string) {
	items, isList := value.AsList()
	if !isList {
		items = []FieldValue{value}
	}
	selected := make([]FieldValue, 0, len(items))
	for _, item := range items {
		text, ok := scalarText(item)
		if !ok || !allowedOption(field, text) {
			return value, messageChoice
		}
		selected = append(selected, StringValue(text))
	}
	if field.Required && len(selected) == 0 {
		return value, messageRequired
	}
	return ListValue(selected...), ""
}

func coerceLayout(value FieldValue, message string, layouts ...string) (FieldValue, string) {
	text, ok := value.AsString()
	if !ok {
		return value, message
	}
	text = strings.TrimSpace(text)
	for _, layout := range layouts {
		if _, err := time.Parse(layout, text); err == nil {
			return StringValue(text), ""
		}
	}
	return value, message
}

func allowedOption(field FieldDefinition, candidate string) bool {
	if len(field.Options) == 0 {
		return true
	}
	for _, option := range field.Options {
		if option == candidate {
			return true
		}
	}
	return false
}

func scalarText(value FieldValue) (string, bool) {
	switch value.Kind() {
	case KindString, KindNumber, KindBool:
		return value.String(), true
	default:
		return "", false
	}
}
