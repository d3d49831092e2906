package forms

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	opDeleteSchema     = "forms.delete_schema"
	opDeleteSubmission = "forms.delete_submission"

	deleteBatchSize = 500
)

// DeletionState names a step of the cascading deletion state machines.
type DeletionState string

const (
	StateAuthCheck            DeletionState = "auth_check"
	StateCollectDependents    DeletionState = "collect_dependents"
	StatePurgeBlobs           DeletionState = "purge_blobs"
	StateDeleteFileRows       DeletionState = "delete_file_rows"
	StateDeleteSubmissionRows DeletionState = "delete_submission_rows"
	StateVerifyEmpty          DeletionState = "verify_empty"
	StateDeleteSchemaRow      DeletionState = "delete_schema_row"
	StateDeleteSubmissionRow  DeletionState = "delete_submission_row"
	StateDone                 DeletionState = "done"
	StateAborted              DeletionState = "aborted"
	StatePartialFailure       DeletionState = "partial_failure"
)

// DeletionReport describes what a deletion request removed and the states it passed through.
type DeletionReport struct {
	Operation          string
	Slug               string
	SubmissionID       string
	SubmissionsDeleted int
	FilesDeleted       int
	BlobPurgeFailures  int
	Transitions        []DeletionState
	Outcome            DeletionState
}

func (r *DeletionReport) enter(state DeletionState) {
	r.Transitions = append(r.Transitions, state)
}

type attachmentRef struct {
	ID      string
	BlobKey string
}

// DeleteSchema removes a schema together with its submissions, attachment rows
// and blobs, leaf first. Blob purge is best effort. A dependent that appears
// after collection leaves the schema in place and yields an *IntegrityError.
func (s *Service) DeleteSchema(ctx context.Context, actor Actor, rawSlug string) (DeletionReport, error) {
	report := DeletionReport{Operation: opDeleteSchema}
	if err := s.ready(opDeleteSchema); err != nil {
		return report, err
	}
	ctx = context.WithoutCancel(ctx)

	report.enter(StateAuthCheck)
	slug, err := NewSlug(rawSlug)
	if err != nil {
		return s.abortDeletion(&report, newServiceError(opDeleteSchema, "not_found", ErrNotFound))
	}
	report.Slug = slug.String()
	if actor.Anonymous() {
		return s.abortDeletion(&report, newServiceError(opDeleteSchema, "unauthorized", ErrUnauthorized))
	}

	release := s.locks.acquire(slug, true)
	defer release()

	schema, err := s.loadSchemaBySlug(ctx, s.db, slug)
	if err != nil {
		return s.abortDeletion(&report, s.failLookup(opDeleteSchema, err, zap.String(fieldSlug, slug.String())))
	}
	if authErr := actor.authorize(schema.CreatedBy); authErr != nil {
		return s.abortDeletion(&report, newServiceError(opDeleteSchema, "forbidden", authErr))
	}

	report.enter(StateCollectDependents)
	db := s.db.WithContext(ctx)
	var submissionIDs []string
	if err := db.Model(&FormSubmission{}).Where("form_schema_id = ?", schema.ID).Order("id").Pluck("id", &submissionIDs).Error; err != nil {
		s.logError(opDeleteSchema, "collect_failed", err, zap.String(fieldSlug, slug.String()))
		return s.abortDeletion(&report, newServiceError(opDeleteSchema, "collect_failed", err))
	}
	var attachments []attachmentRef
	if err := db.Table(FormAttachment{}.TableName()).
		Select("form_attachments.id AS id, form_attachments.blob_key AS blob_key").
		Joins("JOIN form_submissions ON form_submissions.id = form_attachments.submission_id").
		Where("form_submissions.form_schema_id = ?", schema.ID).
		Order("form_attachments.id").
		Scan(&attachments).Error; err != nil {
		s.logError(opDeleteSchema, "collect_failed", err, zap.String(fieldSlug, slug.String()))
		return s.abortDeletion(&report, newServiceError(opDeleteSchema, "collect_failed", err))
	}
	s.loggerOrDefault().Info("collected schema dependents",
		zap.String(fieldSlug, slug.String()),
		zap.Int("submissions", len(submissionIDs)),
		zap.Int("attachments", len(attachments)),
	)
	if s.hooks.afterCollect != nil {
		s.hooks.afterCollect(ctx)
	}

	report.enter(StatePurgeBlobs)
	report.BlobPurgeFailures = s.purgeBlobs(ctx, opDeleteSchema, attachments)

	report.enter(StateDeleteFileRows)
	fileIDs := attachmentIDs(attachments)
	stage := StateDeleteFileRows
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := deleteInBatches(tx, &FormAttachment{}, fileIDs); err != nil {
			return err
		}
		stage = StateDeleteSubmissionRows
		if err := deleteInBatches(tx, &FormSubmission{}, submissionIDs); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		remainingFiles, _ := s.remainingAttachmentsForSchema(db, schema.ID)
		return s.failDeletion(&report, &IntegrityError{
			Operation:        opDeleteSchema,
			Stage:            stage,
			Detail:           "dependent rows could not be removed",
			RemainingFileIDs: remainingFiles,
			Err:              err,
		})
	}
	report.enter(StateDeleteSubmissionRows)
	remainingFiles, err := s.remainingIDs(db, &FormAttachment{}, fileIDs)
	if err != nil {
		s.logError(opDeleteSchema, "verify_failed", err, zap.String(fieldSlug, slug.String()))
		return s.failDeletion(&report, newServiceError(opDeleteSchema, "verify_failed", err))
	}
	if len(remainingFiles) > 0 {
		return s.failDeletion(&report, &IntegrityError{
			Operation:        opDeleteSchema,
			Stage:            StateDeleteFileRows,
			Detail:           "attachment rows survived deletion",
			RemainingFileIDs: remainingFiles,
		})
	}
	survivingSubmissions, err := s.remainingIDs(db, &FormSubmission{}, submissionIDs)
	if err != nil {
		s.logError(opDeleteSchema, "verify_failed", err, zap.String(fieldSlug, slug.String()))
		return s.failDeletion(&report, newServiceError(opDeleteSchema, "verify_failed", err))
	}
	if len(survivingSubmissions) > 0 {
		return s.failDeletion(&report, &IntegrityError{
			Operation:              opDeleteSchema,
			Stage:                  StateDeleteSubmissionRows,
			Detail:                 "submission rows survived deletion",
			RemainingSubmissionIDs: survivingSubmissions,
		})
	}
	report.FilesDeleted = len(fileIDs)
	report.SubmissionsDeleted = len(submissionIDs)

	report.enter(StateDeleteSchemaRow)
	var remainingSubmissions []string
	err = db.Transaction(func(tx *gorm.DB) error {
		if _, loadErr := s.loadSchemaByID(ctx, tx, schema.ID); loadErr != nil {
			return loadErr
		}
		if pluckErr := tx.Model(&FormSubmission{}).Where("form_schema_id = ?", schema.ID).Order("id").Pluck("id", &remainingSubmissions).Error; pluckErr != nil {
			return pluckErr
		}
		if len(remainingSubmissions) > 0 {
			return errDependentsRemain
		}
		return tx.Where("id = ?", schema.ID).Delete(&FormSchema{}).Error
	})
	switch {
	case err == nil, errors.Is(err, ErrNotFound):
	case errors.Is(err, errDependentsRemain):
		return s.failDeletion(&report, &IntegrityError{
			Operation:              opDeleteSchema,
			Stage:                  StateDeleteSchemaRow,
			Detail:                 "submissions were added during deletion",
			RemainingSubmissionIDs: remainingSubmissions,
		})
	default:
		var survivors []string
		_ = db.Model(&FormSubmission{}).Where("form_schema_id = ?", schema.ID).Order("id").Pluck("id", &survivors).Error
		if errors.Is(err, gorm.ErrForeignKeyViolated) || len(survivors) > 0 {
			return s.failDeletion(&report, &IntegrityError{
				Operation:              opDeleteSchema,
				Stage:                  StateDeleteSchemaRow,
				Detail:                 "schema row is still referenced",
				RemainingSubmissionIDs: survivors,
				Err:                    err,
			})
		}
		s.logError(opDeleteSchema, "delete_failed", err, zap.String(fieldSlug, slug.String()))
		return s.failDeletion(&report, newServiceError(opDeleteSchema, "delete_failed", err))
	}

	report.enter(StateDone)
	report.Outcome = StateDone
	s.recordDeletion(report)
	s.publish(FormEvent{
		OwnerID:       schema.CreatedBy,
		Slug:          schema.Slug,
		Type:          EventFormDeleted,
		SubmissionIDs: submissionIDs,
	})
	return report, nil
}

var errDependentsRemain = errors.New("dependents remain")

// DeleteSubmission removes one submission with its attachment rows and blobs.
func (s *Service) DeleteSubmission(ctx context.Context, actor Actor, rawID string) (DeletionReport, error) {
	report := DeletionReport{Operation: opDeleteSubmission}
	if err := s.ready(opDeleteSubmission); err != nil {
		return report, err
	}
	ctx = context.WithoutCancel(ctx)

	report.enter(StateAuthCheck)
	submissionID, err := NewSubmissionID(rawID)
	if err != nil {
		return s.abortDeletion(&report, newServiceError(opDeleteSubmission, "not_found", ErrNotFound))
	}
	report.SubmissionID = submissionID.String()
	if actor.Anonymous() {
		return s.abortDeletion(&report, newServiceError(opDeleteSubmission, "unauthorized", ErrUnauthorized))
	}

	submission, err := s.loadSubmission(ctx, s.db, submissionID)
	if err != nil {
		return s.abortDeletion(&report, s.failLookup(opDeleteSubmission, err, zap.String(fieldSubmissionID, submissionID.String())))
	}
	schema, err := s.loadSchemaByID(ctx, s.db, submission.FormSchemaID)
	if err != nil {
		return s.abortDeletion(&report, s.failLookup(opDeleteSubmission, err, zap.String(fieldSchemaID, submission.FormSchemaID)))
	}
	report.Slug = schema.Slug

	release := s.locks.acquire(Slug(schema.Slug), false)
	defer release()

	if authErr := actor.authorize(schema.CreatedBy); authErr != nil {
		return s.abortDeletion(&report, newServiceError(opDeleteSubmission, "forbidden", authErr))
	}

	db := s.db.WithContext(ctx)
	var attachments []attachmentRef
	if err := db.Model(&FormAttachment{}).
		Select("id, blob_key").
		Where("submission_id = ?", submission.ID).
		Order("id").
		Scan(&attachments).Error; err != nil {
		s.logError(opDeleteSubmission, "collect_failed", err, zap.String(fieldSubmissionID, submission.ID))
		return s.abortDeletion(&report, newServiceError(opDeleteSubmission, "collect_failed", err))
	}

	report.enter(StatePurgeBlobs)
	report.BlobPurgeFailures = s.purgeBlobs(ctx, opDeleteSubmission, attachments)

	report.enter(StateDeleteFileRows)
	var affected int64
	err = db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("submission_id = ?", submission.ID).Delete(&FormAttachment{})
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		remaining, _ := s.remainingAttachmentsForSubmission(db, submission.ID)
		return s.failDeletion(&report, &IntegrityError{
			Operation:        opDeleteSubmission,
			Stage:            StateDeleteFileRows,
			Detail:           "attachment rows could not be removed",
			RemainingFileIDs: remaining,
			Err:              err,
		})
	}
	if affected > int64(len(attachments)) {
		s.loggerOrDefault().Warn("attachment rows appeared after collection; their blobs were not purged",
			zap.String(fieldSubmissionID, submission.ID),
			zap.Int64("deleted", affected),
			zap.Int("collected", len(attachments)),
		)
	}
	report.FilesDeleted = int(affected)
	if s.hooks.afterFileRowsDeleted != nil {
		s.hooks.afterFileRowsDeleted(ctx)
	}

	report.enter(StateVerifyEmpty)
	remaining, err := s.remainingAttachmentsForSubmission(db, submission.ID)
	if err != nil {
		s.logError(opDeleteSubmission, "verify_failed", err, zap.String(fieldSubmissionID, submission.ID))
		return s.failDeletion(&report, newServiceError(opDeleteSubmission, "verify_failed", err))
	}
	if len(remaining) > 0 {
		return s.failDeletion(&report, &IntegrityError{
			Operation:        opDeleteSubmission,
			Stage:            StateVerifyEmpty,
			Detail:           "attachment rows remain for submission",
			RemainingFileIDs: remaining,
		})
	}

	report.enter(StateDeleteSubmissionRow)
	err = db.Transaction(func(tx *gorm.DB) error {
		return tx.Where("id = ?", submission.ID).Delete(&FormSubmission{}).Error
	})
	if err != nil {
		survivors, _ := s.remainingAttachmentsForSubmission(db, submission.ID)
		if errors.Is(err, gorm.ErrForeignKeyViolated) || len(survivors) > 0 {
			return s.failDeletion(&report, &IntegrityError{
				Operation:        opDeleteSubmission,
				Stage:            StateDeleteSubmissionRow,
				Detail:           "submission row is still referenced",
				RemainingFileIDs: survivors,
				Err:              err,
			})
		}
		s.logError(opDeleteSubmission, "delete_failed", err, zap.String(fieldSubmissionID, submission.ID))
		return s.failDeletion(&report, newServiceError(opDeleteSubmission, "delete_failed", err))
	}
	report.SubmissionsDeleted = 1

	report.enter(StateDone)
	report.Outcome = StateDone
	s.recordDeletion(report)
	s.publish(FormEvent{
		OwnerID:       schema.CreatedBy,
		Slug:          schema.Slug,
		Type:          EventSubmissionDeleted,
		SubmissionIDs: []string{submission.ID},
	})
	return report, nil
}

// purgeBlobs deletes every referenced blob with bounded parallelism and
// returns the number of failed deletes. Failures never stop the purge.
func (s *Service) purgeBlobs(ctx context.Context, operation string, attachments []attachmentRef) int {
	if len(attachments) == 0 {
		return 0
	}
	var failures atomic.Int64
	var group errgroup.Group
	group.SetLimit(s.purgeConcurrency)
	for _, attachment := range attachments {
		group.Go(func() error {
			if err := s.blobs.Delete(ctx, attachment.BlobKey); err != nil {
				failures.Add(1)
				s.loggerOrDefault().Warn("blob purge failed",
					zap.String("operation", operation),
					zap.String(fieldAttachmentID, attachment.ID),
					zap.String(fieldBlobKey, attachment.BlobKey),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = group.Wait()

	failed := int(failures.Load())
	if failed > 0 && s.metrics != nil {
		s.metrics.RecordBlobPurgeFailures(operation, failed)
	}
	return failed
}

func (s *Service) abortDeletion(report *DeletionReport, err error) (DeletionReport, error) {
	report.enter(StateAborted)
	report.Outcome = StateAborted
	s.recordDeletion(*report)
	return *report, err
}

func (s *Service) failDeletion(report *DeletionReport, err error) (DeletionReport, error) {
	report.enter(StatePartialFailure)
	report.Outcome = StatePartialFailure
	var integrityErr *IntegrityError
	if errors.As(err, &integrityErr) {
		s.loggerOrDefault().Error("deletion left dependents behind",
			zap.String("operation", integrityErr.Operation),
			zap.String("stage", string(integrityErr.Stage)),
			zap.String(fieldSlug, report.Slug),
			zap.Strings("remaining_submission_ids", integrityErr.RemainingSubmissionIDs),
			zap.Strings("remaining_file_ids", integrityErr.RemainingFileIDs),
			zap.Error(integrityErr.Err),
		)
	}
	s.recordDeletion(*report)
	return *report, err
}

func (s *Service) recordDeletion(report DeletionReport) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordDeletion(report.Operation, string(report.Outcome))
}

func (s *Service) remainingIDs(db *gorm.DB, model any, ids []string) ([]string, error) {
	remaining := []string{}
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(ids))
		var batch []string
		if err := db.Model(model).Where("id IN ?", ids[start:end]).Order("id").Pluck("id", &batch).Error; err != nil {
			return nil, err
		}
		remaining = append(remaining, batch...)
	}
	return remaining, nil
}

func (s *Service) remainingAttachmentsForSubmission(db *gorm.DB, submissionID string) ([]string, error) {
	var remaining []string
	err := db.Model(&FormAttachment{}).Where("submission_id = ?", submissionID).Order("id").Pluck("id", &remaining).Error
	return remaining, err
}

func (s *Service) remainingAttachmentsForSchema(db *gorm.DB, schemaID string) ([]string, error) {
	var remaining []string
	err := db.Table(FormAttachment{}.TableName()).
		Joins("JOIN form_submissions ON form_submissions.id = form_attachments.submission_id").
		Where("form_submissions.form_schema_id = ?", schemaID).
		Order("form_attachments.id").
		Pluck("form_attachments.id", &remaining).Error
	return remaining, err
}

func deleteInBatches(tx *gorm.DB, model any, ids []string) error {
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(ids))
		if err := tx.Where("id IN ?", ids[start:end]).Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}

func attachmentIDs(attachments []attachmentRef) []string {
	ids := make([]string, 0, len(attachments))
	for _, attachment := range attachments {
		ids = append(ids, attachment.ID)
	}
	return ids
}
