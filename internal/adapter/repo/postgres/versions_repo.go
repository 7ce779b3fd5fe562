package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cvforge/cvforge/internal/domain"
)

// VersionRepo persists immutable CV content snapshots.
type VersionRepo struct{ Pool PgxPool }

// NewVersionRepo constructs a VersionRepo with the given pool.
func NewVersionRepo(p PgxPool) *VersionRepo { return &VersionRepo{Pool: p} }

const versionColumns = `id, cv_id, user_id, version_number, name, description,
	change_type, content, content_hash, metadata, is_active, created_at`

func scanVersion(row interface{ Scan(dest ...any) error }) (domain.CVVersion, error) {
	var (
		v        domain.CVVersion
		content  []byte
		metadata []byte
	)
	err := row.Scan(&v.ID, &v.CVID, &v.UserID, &v.VersionNumber, &v.Name, &v.Description,
		&v.ChangeType, &content, &v.ContentHash, &metadata, &v.IsActive, &v.CreatedAt)
	if err != nil {
		return domain.CVVersion{}, err
	}
	if err := fromJSONB(content, &v.Content); err != nil {
		return domain.CVVersion{}, err
	}
	if err := fromJSONB(metadata, &v.Metadata); err != nil {
		return domain.CVVersion{}, err
	}
	return v, nil
}

// Create inserts the next version for the CV inside one transaction. The
// parent row is locked so version numbers stay gapless under concurrency.
// With activate set the previous active version is switched off and the
// CV row mirrors the new content.
func (r *VersionRepo) Create(ctx domain.Context, v domain.CVVersion, activate bool) (domain.CVVersion, error) {
	tracer := otel.Tracer("repo.versions")
	ctx, span := tracer.Start(ctx, "versions.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "cv_versions"),
		attribute.Bool("version.activate", activate),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.CVVersion{}, fmt.Errorf("op=version.create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var owner string
	if err := tx.QueryRow(ctx, `SELECT user_id FROM cvs WHERE id=$1 FOR UPDATE`, v.CVID).Scan(&owner); err != nil {
		if noRows(err) {
			return domain.CVVersion{}, fmt.Errorf("op=version.create: %w", domain.ErrNotFound)
		}
		return domain.CVVersion{}, fmt.Errorf("op=version.create: %w", err)
	}
	if v.UserID != "" && owner != v.UserID {
		return domain.CVVersion{}, fmt.Errorf("op=version.create: %w", domain.ErrNotFound)
	}
	v.UserID = owner

	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version_number),0)+1 FROM cv_versions WHERE cv_id=$1`, v.CVID).Scan(&v.VersionNumber); err != nil {
		return domain.CVVersion{}, fmt.Errorf("op=version.create: %w", err)
	}

	if activate {
		if _, err := tx.Exec(ctx,
			`UPDATE cv_versions SET is_active=FALSE WHERE cv_id=$1 AND is_active`, v.CVID); err != nil {
			return domain.CVVersion{}, fmt.Errorf("op=version.create: %w", err)
		}
	}

	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.IsActive = activate
	v.CreatedAt = time.Now().UTC()
	content, err := toJSONB(v.Content)
	if err != nil {
		return domain.CVVersion{}, fmt.Errorf("op=version.create: %w", err)
	}
	metadata, err := toJSONB(v.Metadata)
	if err != nil {
		return domain.CVVersion{}, fmt.Errorf("op=version.create: %w", err)
	}
	q := `INSERT INTO cv_versions (id, cv_id, user_id, version_number, name, description,
		change_type, content, content_hash, metadata, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	if _, err := tx.Exec(ctx, q, v.ID, v.CVID, v.UserID, v.VersionNumber, v.Name, v.Description,
		v.ChangeType, content, v.ContentHash, metadata, v.IsActive, v.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.CVVersion{}, fmt.Errorf("op=version.create: %w",
				domain.E(domain.CodeVersionConflict, "version number %d already exists for cv %s", v.VersionNumber, v.CVID))
		}
		return domain.CVVersion{}, fmt.Errorf("op=version.create: %w", err)
	}

	if activate {
		if _, err := tx.Exec(ctx,
			`UPDATE cvs SET content=$2, active_version_id=$3, doc_version=doc_version+1, updated_at=$4 WHERE id=$1`,
			v.CVID, content, v.ID, time.Now().UTC()); err != nil {
			return domain.CVVersion{}, fmt.Errorf("op=version.create: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.CVVersion{}, fmt.Errorf("op=version.create: %w", err)
	}
	return v, nil
}

// Get loads a version by id.
func (r *VersionRepo) Get(ctx domain.Context, id string) (domain.CVVersion, error) {
	tracer := otel.Tracer("repo.versions")
	ctx, span := tracer.Start(ctx, "versions.Get")
	defer span.End()
	q := `SELECT ` + versionColumns + ` FROM cv_versions WHERE id=$1`
	v, err := scanVersion(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if noRows(err) {
			return domain.CVVersion{}, fmt.Errorf("op=version.get: %w", domain.ErrNotFound)
		}
		return domain.CVVersion{}, fmt.Errorf("op=version.get: %w", err)
	}
	return v, nil
}

// GetOwned loads a version by id scoped to its owner.
func (r *VersionRepo) GetOwned(ctx domain.Context, id, userID string) (domain.CVVersion, error) {
	tracer := otel.Tracer("repo.versions")
	ctx, span := tracer.Start(ctx, "versions.GetOwned")
	defer span.End()
	q := `SELECT ` + versionColumns + ` FROM cv_versions WHERE id=$1 AND user_id=$2`
	v, err := scanVersion(r.Pool.QueryRow(ctx, q, id, userID))
	if err != nil {
		if noRows(err) {
			return domain.CVVersion{}, fmt.Errorf("op=version.get_owned: %w", domain.ErrNotFound)
		}
		return domain.CVVersion{}, fmt.Errorf("op=version.get_owned: %w", err)
	}
	return v, nil
}

// GetActive loads the CV's active version.
func (r *VersionRepo) GetActive(ctx domain.Context, cvID string) (domain.CVVersion, error) {
	tracer := otel.Tracer("repo.versions")
	ctx, span := tracer.Start(ctx, "versions.GetActive")
	defer span.End()
	q := `SELECT ` + versionColumns + ` FROM cv_versions WHERE cv_id=$1 AND is_active`
	v, err := scanVersion(r.Pool.QueryRow(ctx, q, cvID))
	if err != nil {
		if noRows(err) {
			return domain.CVVersion{}, fmt.Errorf("op=version.get_active: %w", domain.ErrNotFound)
		}
		return domain.CVVersion{}, fmt.Errorf("op=version.get_active: %w", err)
	}
	return v, nil
}

// ListByCV returns a page of the CV's versions, newest number first.
func (r *VersionRepo) ListByCV(ctx domain.Context, cvID, userID string, page domain.Page) ([]domain.CVVersion, int64, error) {
	tracer := otel.Tracer("repo.versions")
	ctx, span := tracer.Start(ctx, "versions.ListByCV")
	defer span.End()
	if page.Limit <= 0 {
		page.Limit = 20
	}
	var total int64
	if err := r.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM cv_versions WHERE cv_id=$1 AND user_id=$2`, cvID, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=version.list: %w", err)
	}
	q := `SELECT ` + versionColumns + ` FROM cv_versions WHERE cv_id=$1 AND user_id=$2
		ORDER BY version_number DESC LIMIT $3 OFFSET $4`
	rows, err := r.Pool.Query(ctx, q, cvID, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("op=version.list: %w", err)
	}
	defer rows.Close()
	var out []domain.CVVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=version.list: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=version.list: %w", err)
	}
	return out, total, nil
}

// Activate switches the active version in one transaction: previous off,
// target on, CV content and pointer replaced.
func (r *VersionRepo) Activate(ctx domain.Context, userID, cvID, versionID string) error {
	tracer := otel.Tracer("repo.versions")
	ctx, span := tracer.Start(ctx, "versions.Activate")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "cv_versions"),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=version.activate: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var owner string
	if err := tx.QueryRow(ctx, `SELECT user_id FROM cvs WHERE id=$1 FOR UPDATE`, cvID).Scan(&owner); err != nil {
		if noRows(err) {
			return fmt.Errorf("op=version.activate: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=version.activate: %w", err)
	}
	if owner != userID {
		return fmt.Errorf("op=version.activate: %w", domain.ErrNotFound)
	}

	var active bool
	if err := tx.QueryRow(ctx,
		`SELECT is_active FROM cv_versions WHERE id=$1 AND cv_id=$2`, versionID, cvID).Scan(&active); err != nil {
		if noRows(err) {
			return fmt.Errorf("op=version.activate: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=version.activate: %w", err)
	}
	if active {
		return fmt.Errorf("op=version.activate: %w",
			domain.E(domain.CodeVersionAlreadyActive, "version %s is already active", versionID))
	}

	if _, err := tx.Exec(ctx,
		`UPDATE cv_versions SET is_active=FALSE WHERE cv_id=$1 AND is_active`, cvID); err != nil {
		return fmt.Errorf("op=version.activate: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE cv_versions SET is_active=TRUE WHERE id=$1`, versionID); err != nil {
		return fmt.Errorf("op=version.activate: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE cvs SET content=(SELECT content FROM cv_versions WHERE id=$2),
			active_version_id=$2, doc_version=doc_version+1, updated_at=$3
		WHERE id=$1`,
		cvID, versionID, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=version.activate: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=version.activate: %w", err)
	}
	return nil
}

// Delete removes an inactive version. Deleting the active version is
// rejected; it must be superseded first.
func (r *VersionRepo) Delete(ctx domain.Context, userID, cvID, versionID string) error {
	tracer := otel.Tracer("repo.versions")
	ctx, span := tracer.Start(ctx, "versions.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx,
		`DELETE FROM cv_versions WHERE id=$1 AND cv_id=$2 AND user_id=$3 AND NOT is_active`,
		versionID, cvID, userID)
	if err != nil {
		return fmt.Errorf("op=version.delete: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var active bool
	probe := r.Pool.QueryRow(ctx,
		`SELECT is_active FROM cv_versions WHERE id=$1 AND cv_id=$2 AND user_id=$3`, versionID, cvID, userID)
	if err := probe.Scan(&active); err != nil {
		if noRows(err) {
			return fmt.Errorf("op=version.delete: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=version.delete: %w", err)
	}
	return fmt.Errorf("op=version.delete: %w",
		domain.E(domain.CodeVersionActiveLocked, "version %s is active and cannot be deleted", versionID))
}
