package usecase

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/cvforge/cvforge/internal/domain"
)

const (
	mimePDF  = "application/pdf"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// CVService owns the CV root documents: CRUD plus the original-file
// upload that feeds the parsing pipeline.
type CVService struct {
	CVs            domain.CVRepository
	Store          domain.ObjectStore
	MaxUploadBytes int64
}

// NewCVService constructs a CVService. maxUploadMB bounds upload size.
func NewCVService(cvs domain.CVRepository, store domain.ObjectStore, maxUploadMB int64) CVService {
	return CVService{CVs: cvs, Store: store, MaxUploadBytes: maxUploadMB << 20}
}

// CreateCVInput is the manual-create request.
type CreateCVInput struct {
	Title   string
	Content *domain.CVContent
}

// Create inserts a draft CV, optionally seeded with structured content.
func (s CVService) Create(ctx domain.Context, userID string, in CreateCVInput) (domain.CV, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.CV{}, domain.E(domain.CodeValidationError, "title is required")
	}
	cv := domain.CV{
		UserID:        userID,
		Title:         title,
		Status:        domain.CVDraft,
		ParsingStatus: domain.ParsingNone,
	}
	if in.Content != nil {
		cv.Content = *in.Content
	}
	return s.CVs.Create(ctx, cv)
}

// Get loads one CV scoped to its owner.
func (s CVService) Get(ctx domain.Context, userID, cvID string) (domain.CV, error) {
	return s.CVs.GetOwned(ctx, cvID, userID)
}

// List returns a page of the user's CVs, newest first.
func (s CVService) List(ctx domain.Context, userID string, page domain.Page) ([]domain.CV, int64, error) {
	return s.CVs.List(ctx, userID, normalizePage(page))
}

// UpdateCVInput carries the mutable fields plus the optimistic stamp the
// caller read. Nil fields are left unchanged.
type UpdateCVInput struct {
	Title      *string
	Status     *domain.CVStatus
	Content    *domain.CVContent
	DocVersion int64
}

// Update rewrites title/status/content under the DocVersion stamp. Note
// that updating Content directly does NOT create a version; version
// snapshots go through VersionService.
func (s CVService) Update(ctx domain.Context, userID, cvID string, in UpdateCVInput) (domain.CV, error) {
	cv, err := s.CVs.GetOwned(ctx, cvID, userID)
	if err != nil {
		return domain.CV{}, err
	}
	if in.DocVersion > 0 {
		cv.DocVersion = in.DocVersion
	}
	if in.Title != nil {
		t := strings.TrimSpace(*in.Title)
		if t == "" {
			return domain.CV{}, domain.E(domain.CodeValidationError, "title is required")
		}
		cv.Title = t
	}
	if in.Status != nil {
		switch *in.Status {
		case domain.CVDraft, domain.CVArchived, domain.CVPublished:
			cv.Status = *in.Status
		default:
			return domain.CV{}, domain.E(domain.CodeValidationError, "unknown status %q", *in.Status)
		}
	}
	if in.Content != nil {
		cv.Content = *in.Content
	}
	return s.CVs.Update(ctx, cv)
}

// Archive moves the CV to archived without touching content.
func (s CVService) Archive(ctx domain.Context, userID, cvID string) (domain.CV, error) {
	st := domain.CVArchived
	return s.Update(ctx, userID, cvID, UpdateCVInput{Status: &st})
}

// Delete removes the CV and, best effort, its uploaded source file.
func (s CVService) Delete(ctx domain.Context, userID, cvID string) error {
	cv, err := s.CVs.GetOwned(ctx, cvID, userID)
	if err != nil {
		return err
	}
	if err := s.CVs.Delete(ctx, cvID, userID); err != nil {
		return err
	}
	if cv.FileRef != "" {
		_, _ = s.Store.Delete(ctx, cv.FileRef)
	}
	return nil
}

// Upload stores the original document for a CV and records the file
// reference. Only PDF and DOCX are accepted; the MIME type is sniffed
// from content, never trusted from the file name.
func (s CVService) Upload(ctx domain.Context, userID, cvID, fileName string, data []byte) (domain.CV, error) {
	cv, err := s.CVs.GetOwned(ctx, cvID, userID)
	if err != nil {
		return domain.CV{}, err
	}
	if cv.Status == domain.CVArchived {
		return domain.CV{}, domain.E(domain.CodeCVArchived, "cannot upload to an archived cv")
	}
	if len(data) == 0 {
		return domain.CV{}, domain.E(domain.CodeFileInvalid, "empty upload")
	}
	if s.MaxUploadBytes > 0 && int64(len(data)) > s.MaxUploadBytes {
		return domain.CV{}, domain.E(domain.CodeFileTooLarge,
			"upload is %d bytes, limit is %d", len(data), s.MaxUploadBytes)
	}
	mt := mimetype.Detect(data)
	var ext string
	switch {
	case mt.Is(mimePDF):
		ext = ".pdf"
	case mt.Is(mimeDOCX):
		ext = ".docx"
	default:
		return domain.CV{}, domain.E(domain.CodeParsingUnsupported, "unsupported document type %s", mt.String())
	}

	key := fmt.Sprintf("uploads/%s/%s%s", userID, cv.ID, ext)
	obj, err := s.Store.Upload(ctx, data, key, domain.UploadOptions{
		ContentType: mt.String(),
		Metadata:    map[string]string{"fileName": fileName},
	})
	if err != nil {
		return domain.CV{}, fmt.Errorf("op=cv.upload: %w", err)
	}
	if fileName == "" {
		fileName = cv.ID + ext
	}
	if err := s.CVs.SetFile(ctx, cv.ID, obj.Key, fileName, mt.String(), obj.Size); err != nil {
		return domain.CV{}, err
	}
	// A fresh upload invalidates any previous parse state.
	if err := s.CVs.SetParsingStatus(ctx, cv.ID, domain.ParsingNone); err != nil {
		return domain.CV{}, err
	}
	return s.CVs.GetOwned(ctx, cv.ID, userID)
}
