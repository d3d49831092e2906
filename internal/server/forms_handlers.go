package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/formdesk/internal/forms"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	filterQueryPrefix  = "filter_"
	multipartDataField = "data"
)

type schemaResponse struct {
	ID               string                  `json:"id"`
	Slug             string                  `json:"slug"`
	Title            string                  `json:"title"`
	Description      string                  `json:"description"`
	Fields           []forms.FieldDefinition `json:"fields"`
	Relationships    []forms.Relationship    `json:"relationships"`
	Language         forms.LanguageConfig    `json:"language_config"`
	AcceptAnyFileKey bool                    `json:"accept_any_file_key"`
	CreatedBy        string                  `json:"created_by"`
	CreatedAtSeconds int64                   `json:"created_at_s"`
	UpdatedAtSeconds int64                   `json:"updated_at_s"`
	SubmissionCount  *int64                  `json:"submission_count,omitempty"`
}

type attachmentResponse struct {
	ID          string `json:"id"`
	FieldID     string `json:"field_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	DownloadURL string `json:"download_url"`
}

type submissionResponse struct {
	ID               string               `json:"id"`
	FormSlug         string               `json:"form_slug"`
	Payload          forms.Payload        `json:"payload"`
	SubmittedBy      *string              `json:"submitted_by"`
	IPAddress        string               `json:"ip_address"`
	CreatedAtSeconds int64                `json:"created_at_s"`
	Attachments      []attachmentResponse `json:"attachments"`
}

type submitRequestPayload struct {
	Data json.RawMessage `json:"data"`
}

func newSchemaResponse(schema forms.FormSchema) (schemaResponse, error) {
	fields, err := schema.Fields()
	if err != nil {
		return schemaResponse{}, err
	}
	relationships, err := schema.Relationships()
	if err != nil {
		return schemaResponse{}, err
	}
	language, err := schema.Language()
	if err != nil {
		return schemaResponse{}, err
	}
	if fields == nil {
		fields = []forms.FieldDefinition{}
	}
	if relationships == nil {
		relationships = []forms.Relationship{}
	}
	return schemaResponse{
		ID:               schema.ID,
		Slug:             schema.Slug,
		Title:            schema.Title,
		Description:      schema.Description,
		Fields:           fields,
		Relationships:    relationships,
		Language:         language,
		AcceptAnyFileKey: schema.AcceptAnyFileKey,
		CreatedBy:        schema.CreatedBy,
		CreatedAtSeconds: schema.CreatedAtSeconds,
		UpdatedAtSeconds: schema.UpdatedAtSeconds,
	}, nil
}

func newSubmissionResponse(detail forms.SubmissionDetail) submissionResponse {
	attachments := make([]attachmentResponse, 0, len(detail.Attachments))
	for _, attachment := range detail.Attachments {
		attachments = append(attachments, attachmentResponse{
			ID:          attachment.ID,
			FieldID:     attachment.FieldID,
			Filename:    attachment.Filename,
			ContentType: attachment.ContentType,
			SizeBytes:   attachment.SizeBytes,
			DownloadURL: "/attachments/" + attachment.ID,
		})
	}
	payload := detail.Payload
	if payload == nil {
		payload = forms.Payload{}
	}
	return submissionResponse{
		ID:               detail.Submission.ID,
		FormSlug:         detail.SchemaSlug,
		Payload:          payload,
		SubmittedBy:      detail.Submission.SubmittedBy,
		IPAddress:        detail.Submission.IPAddress,
		CreatedAtSeconds: detail.Submission.CreatedAtSeconds,
		Attachments:      attachments,
	}
}

func (h *httpHandler) respondWithSchema(c *gin.Context, status int, schema forms.FormSchema) {
	response, err := newSchemaResponse(schema)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(status, response)
}

func (h *httpHandler) handleCreateSchema(c *gin.Context) {
	var input forms.SchemaInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	schema, err := h.forms.CreateSchema(c.Request.Context(), actorFromContext(c), input)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondWithSchema(c, http.StatusCreated, schema)
}

func (h *httpHandler) handleListSchemas(c *gin.Context) {
	summaries, err := h.forms.ListSchemas(c.Request.Context(), actorFromContext(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]schemaResponse, 0, len(summaries))
	for _, summary := range summaries {
		item, err := newSchemaResponse(summary.Schema)
		if err != nil {
			h.writeError(c, err)
			return
		}
		count := summary.SubmissionCount
		item.SubmissionCount = &count
		response = append(response, item)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetSchema(c *gin.Context) {
	schema, err := h.forms.GetSchema(c.Request.Context(), c.Param("slug"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondWithSchema(c, http.StatusOK, schema)
}

func (h *httpHandler) handleUpdateSchema(c *gin.Context) {
	var input forms.SchemaInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	schema, err := h.forms.UpdateSchema(c.Request.Context(), actorFromContext(c), c.Param("slug"), input)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondWithSchema(c, http.StatusOK, schema)
}

func (h *httpHandler) handleDeleteSchema(c *gin.Context) {
	report, err := h.forms.DeleteSchema(c.Request.Context(), actorFromContext(c), c.Param("slug"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("form deleted",
		zap.String("slug", report.Slug),
		zap.Int("submissions_deleted", report.SubmissionsDeleted),
		zap.Int("files_deleted", report.FilesDeleted),
		zap.Int("blob_purge_failures", report.BlobPurgeFailures),
	)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	var (
		payload forms.Payload
		files   []forms.UploadedFile
		err     error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		payload, files, err = h.readMultipartSubmission(c)
	} else {
		payload, err = readJSONSubmission(c)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return
	}
	if c.Request.MultipartForm != nil {
		defer func() {
			_ = c.Request.MultipartForm.RemoveAll()
		}()
	}

	submissionID, err := h.forms.Submit(c.Request.Context(), c.Param("slug"), payload, files, forms.SubmitterContext{
		Actor:     actorFromContext(c),
		IPAddress: c.ClientIP(),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"submissionId": submissionID.String()})
}

// readJSONSubmission accepts data as an object or as a JSON-encoded string
// holding one, which some clients send after stringifying the form.
func readJSONSubmission(c *gin.Context) (forms.Payload, error) {
	var request submitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		return nil, err
	}
	data := bytes.TrimSpace(request.Data)
	if len(data) > 0 && data[0] == '"' {
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return nil, err
		}
		data = []byte(encoded)
	}
	return forms.ParsePayload(data)
}

func (h *httpHandler) readMultipartSubmission(c *gin.Context) (forms.Payload, []forms.UploadedFile, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, nil, err
	}
	var payload forms.Payload
	if values := form.Value[multipartDataField]; len(values) > 0 {
		payload, err = forms.ParsePayload([]byte(values[0]))
		if err != nil {
			return nil, nil, err
		}
	} else {
		payload = forms.Payload{}
	}

	var files []forms.UploadedFile
	for key, headers := range form.File {
		for _, header := range headers {
			files = append(files, uploadedFile(key, header))
		}
	}
	return payload, files, nil
}

func uploadedFile(key string, header *multipart.FileHeader) forms.UploadedFile {
	return forms.UploadedFile{
		FormKey:     key,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Open: func() (io.ReadCloser, error) {
			return header.Open()
		},
	}
}

func (h *httpHandler) handleListSubmissions(c *gin.Context) {
	query := forms.SubmissionQuery{
		Search:  c.Query("search"),
		Filters: map[string]string{},
	}
	for key, values := range c.Request.URL.Query() {
		if !strings.HasPrefix(key, filterQueryPrefix) || len(values) == 0 {
			continue
		}
		fieldID := strings.TrimPrefix(key, filterQueryPrefix)
		if fieldID == "" {
			continue
		}
		query.Filters[fieldID] = values[0]
	}

	details, err := h.forms.ListSubmissions(c.Request.Context(), actorFromContext(c), c.Param("slug"), query)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]submissionResponse, 0, len(details))
	for _, detail := range details {
		response = append(response, newSubmissionResponse(detail))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleRelated(c *gin.Context) {
	options, err := h.forms.RelatedOptions(
		c.Request.Context(),
		actorFromContext(c),
		c.Param("slug"),
		c.Query("target_slug"),
		c.Query("display_field"),
	)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, options)
}

func (h *httpHandler) handleGetSubmission(c *gin.Context) {
	detail, err := h.forms.GetSubmission(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSubmissionResponse(detail))
}

func (h *httpHandler) handleDeleteSubmission(c *gin.Context) {
	report, err := h.forms.DeleteSubmission(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("submission deleted",
		zap.String("submission_id", report.SubmissionID),
		zap.Int("files_deleted", report.FilesDeleted),
		zap.Int("blob_purge_failures", report.BlobPurgeFailures),
	)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDownloadAttachment(c *gin.Context) {
	attachment, body, err := h.forms.OpenAttachment(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer body.Close()

	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	headers := map[string]string{
		"Content-Disposition": "attachment; filename=" + strconv.Quote(attachment.Filename),
	}
	c.DataFromReader(http.StatusOK, attachment.SizeBytes, contentType, body, headers)
}
