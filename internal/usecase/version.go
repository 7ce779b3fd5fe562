package usecase

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/pkg/canonjson"
)

// VersionService realizes the content-versioning rules: stable hashing,
// duplicate detection, snapshot creation and activation.
type VersionService struct {
	Versions domain.VersionRepository
	CVs      domain.CVRepository
}

// NewVersionService constructs a VersionService.
func NewVersionService(versions domain.VersionRepository, cvs domain.CVRepository) VersionService {
	return VersionService{Versions: versions, CVs: cvs}
}

// NewVersionOptions tune snapshot creation.
type NewVersionOptions struct {
	ChangeType   domain.ChangeType
	Name         string
	Description  string
	AIConfidence float64
	Activate     bool
}

// NewVersion snapshots content as the CV's next version. For non-manual
// change types the content hash must differ from the active version's;
// hash-equal content reads as VERSION_CONFLICT so pipeline callers can
// treat it as "no change". Activation replaces the CV content atomically.
func (s VersionService) NewVersion(ctx domain.Context, userID, cvID string, content domain.CVContent, opts NewVersionOptions) (domain.CVVersion, error) {
	cv, err := s.CVs.GetOwned(ctx, cvID, userID)
	if err != nil {
		return domain.CVVersion{}, err
	}
	if content.IsEmpty() {
		return domain.CVVersion{}, domain.E(domain.CodeCVInvalid, "content is empty")
	}
	hash, err := canonjson.Hash(content)
	if err != nil {
		return domain.CVVersion{}, fmt.Errorf("op=version.new: %w", err)
	}
	changeType := opts.ChangeType
	if changeType == "" {
		changeType = domain.ChangeManual
	}
	if changeType != domain.ChangeManual {
		active, err := s.Versions.GetActive(ctx, cv.ID)
		switch {
		case err == nil:
			if canonjson.HashEqual(hash, active.ContentHash) {
				return domain.CVVersion{}, domain.E(domain.CodeVersionConflict,
					"content is identical to the active version")
			}
		case errors.Is(err, domain.ErrNotFound):
			// First version for this CV.
		default:
			return domain.CVVersion{}, err
		}
	}

	v := domain.CVVersion{
		CVID:        cv.ID,
		UserID:      userID,
		Name:        strings.TrimSpace(opts.Name),
		Description: strings.TrimSpace(opts.Description),
		ChangeType:  changeType,
		Content:     content,
		ContentHash: hash,
		Metadata: domain.VersionMetadata{
			WordCount:    content.WordCount(),
			SectionCount: content.SectionCount(),
			AIConfidence: opts.AIConfidence,
		},
	}
	return s.Versions.Create(ctx, v, opts.Activate)
}

// IsContentEqual reports whether two contents share a hash; two empty
// contents are equal.
func (s VersionService) IsContentEqual(a, b domain.CVContent) (bool, error) {
	return canonjson.Equal(a, b)
}

// Get loads one version scoped to its owner.
func (s VersionService) Get(ctx domain.Context, userID, versionID string) (domain.CVVersion, error) {
	return s.Versions.GetOwned(ctx, versionID, userID)
}

// List returns a page of a CV's versions, newest first.
func (s VersionService) List(ctx domain.Context, userID, cvID string, page domain.Page) ([]domain.CVVersion, int64, error) {
	if _, err := s.CVs.GetOwned(ctx, cvID, userID); err != nil {
		return nil, 0, err
	}
	return s.Versions.ListByCV(ctx, cvID, userID, normalizePage(page))
}

// Activate makes versionID the CV's active version. This is the only way
// CV.content changes after creation: previous active off, target on, CV
// content and activeVersionId replaced in one transaction.
func (s VersionService) Activate(ctx domain.Context, userID, cvID, versionID string) (domain.CVVersion, error) {
	v, err := s.Versions.GetOwned(ctx, versionID, userID)
	if err != nil {
		return domain.CVVersion{}, err
	}
	if v.CVID != cvID {
		return domain.CVVersion{}, domain.E(domain.CodeVersionNotFound, "version %s does not belong to cv %s", versionID, cvID)
	}
	if v.IsActive {
		return domain.CVVersion{}, domain.E(domain.CodeVersionAlreadyActive, "version %s is already active", versionID)
	}
	if err := s.Versions.Activate(ctx, userID, cvID, versionID); err != nil {
		return domain.CVVersion{}, err
	}
	return s.Versions.Get(ctx, versionID)
}

// Delete removes an inactive version; the repository rejects deleting the
// active one.
func (s VersionService) Delete(ctx domain.Context, userID, cvID, versionID string) error {
	v, err := s.Versions.GetOwned(ctx, versionID, userID)
	if err != nil {
		return err
	}
	if v.CVID != cvID {
		return domain.E(domain.CodeVersionNotFound, "version %s does not belong to cv %s", versionID, cvID)
	}
	return s.Versions.Delete(ctx, userID, cvID, versionID)
}

// VersionDiff summarizes how two snapshots differ.
type VersionDiff struct {
	Equal             bool `json:"equal"`
	WordCountDelta    int  `json:"wordCountDelta"`
	SectionCountDelta int  `json:"sectionCountDelta"`
	VersionDelta      int  `json:"versionDelta"`
}

// Compare relates two versions of the same CV by hash equality and
// metadata deltas (b relative to a).
func (s VersionService) Compare(ctx domain.Context, userID, cvID, aID, bID string) (VersionDiff, error) {
	a, err := s.Versions.GetOwned(ctx, aID, userID)
	if err != nil {
		return VersionDiff{}, err
	}
	b, err := s.Versions.GetOwned(ctx, bID, userID)
	if err != nil {
		return VersionDiff{}, err
	}
	if a.CVID != cvID || b.CVID != cvID {
		return VersionDiff{}, domain.E(domain.CodeVersionNotFound, "versions do not belong to cv %s", cvID)
	}
	return VersionDiff{
		Equal:             canonjson.HashEqual(a.ContentHash, b.ContentHash),
		WordCountDelta:    b.Metadata.WordCount - a.Metadata.WordCount,
		SectionCountDelta: b.Metadata.SectionCount - a.Metadata.SectionCount,
		VersionDelta:      b.VersionNumber - a.VersionNumber,
	}, nil
}
