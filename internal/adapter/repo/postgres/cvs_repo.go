package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cvforge/cvforge/internal/domain"
)

// CVRepo persists and loads CV documents from PostgreSQL.
type CVRepo struct{ Pool PgxPool }

// NewCVRepo constructs a CVRepo with the given pool.
func NewCVRepo(p PgxPool) *CVRepo { return &CVRepo{Pool: p} }

const cvColumns = `id, user_id, title, status, parsing_status,
	file_ref, file_name, file_size, file_mime,
	content, active_version_id, doc_version, last_parsed_at, created_at, updated_at`

func scanCV(row interface{ Scan(dest ...any) error }) (domain.CV, error) {
	var (
		cv      domain.CV
		content []byte
	)
	err := row.Scan(&cv.ID, &cv.UserID, &cv.Title, &cv.Status, &cv.ParsingStatus,
		&cv.FileRef, &cv.FileName, &cv.FileSize, &cv.FileMIME,
		&content, &cv.ActiveVersionID, &cv.DocVersion, &cv.LastParsedAt, &cv.CreatedAt, &cv.UpdatedAt)
	if err != nil {
		return domain.CV{}, err
	}
	if err := fromJSONB(content, &cv.Content); err != nil {
		return domain.CV{}, err
	}
	return cv, nil
}

// Create inserts a new CV and returns it with generated fields filled in.
func (r *CVRepo) Create(ctx domain.Context, cv domain.CV) (domain.CV, error) {
	tracer := otel.Tracer("repo.cvs")
	ctx, span := tracer.Start(ctx, "cvs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "cvs"),
	)
	if cv.ID == "" {
		cv.ID = uuid.New().String()
	}
	if cv.Status == "" {
		cv.Status = domain.CVDraft
	}
	if cv.ParsingStatus == "" {
		cv.ParsingStatus = domain.ParsingNone
	}
	if cv.DocVersion <= 0 {
		cv.DocVersion = 1
	}
	content, err := toJSONB(cv.Content)
	if err != nil {
		return domain.CV{}, fmt.Errorf("op=cv.create: %w", err)
	}
	now := time.Now().UTC()
	cv.CreatedAt, cv.UpdatedAt = now, now
	q := `INSERT INTO cvs (id, user_id, title, status, parsing_status,
		file_ref, file_name, file_size, file_mime,
		content, active_version_id, doc_version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err = r.Pool.Exec(ctx, q, cv.ID, cv.UserID, cv.Title, cv.Status, cv.ParsingStatus,
		cv.FileRef, cv.FileName, cv.FileSize, cv.FileMIME,
		content, cv.ActiveVersionID, cv.DocVersion, cv.CreatedAt, cv.UpdatedAt)
	if err != nil {
		return domain.CV{}, fmt.Errorf("op=cv.create: %w", err)
	}
	return cv, nil
}

// Get loads a CV by id.
func (r *CVRepo) Get(ctx domain.Context, id string) (domain.CV, error) {
	tracer := otel.Tracer("repo.cvs")
	ctx, span := tracer.Start(ctx, "cvs.Get")
	defer span.End()
	q := `SELECT ` + cvColumns + ` FROM cvs WHERE id=$1`
	cv, err := scanCV(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if noRows(err) {
			return domain.CV{}, fmt.Errorf("op=cv.get: %w", domain.ErrNotFound)
		}
		return domain.CV{}, fmt.Errorf("op=cv.get: %w", err)
	}
	return cv, nil
}

// GetOwned loads a CV by id scoped to its owner. Foreign CVs read as not
// found so callers cannot probe for other users' resources.
func (r *CVRepo) GetOwned(ctx domain.Context, id, userID string) (domain.CV, error) {
	tracer := otel.Tracer("repo.cvs")
	ctx, span := tracer.Start(ctx, "cvs.GetOwned")
	defer span.End()
	q := `SELECT ` + cvColumns + ` FROM cvs WHERE id=$1 AND user_id=$2`
	cv, err := scanCV(r.Pool.QueryRow(ctx, q, id, userID))
	if err != nil {
		if noRows(err) {
			return domain.CV{}, fmt.Errorf("op=cv.get_owned: %w", domain.ErrNotFound)
		}
		return domain.CV{}, fmt.Errorf("op=cv.get_owned: %w", err)
	}
	return cv, nil
}

// List returns a page of the user's CVs, newest first, with the total count.
func (r *CVRepo) List(ctx domain.Context, userID string, page domain.Page) ([]domain.CV, int64, error) {
	tracer := otel.Tracer("repo.cvs")
	ctx, span := tracer.Start(ctx, "cvs.List")
	defer span.End()
	if page.Limit <= 0 {
		page.Limit = 20
	}
	var total int64
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM cvs WHERE user_id=$1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=cv.list: %w", err)
	}
	q := `SELECT ` + cvColumns + ` FROM cvs WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("op=cv.list: %w", err)
	}
	defer rows.Close()
	var out []domain.CV
	for rows.Next() {
		cv, err := scanCV(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=cv.list: %w", err)
		}
		out = append(out, cv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=cv.list: %w", err)
	}
	return out, total, nil
}

// Update rewrites the mutable fields guarded by the DocVersion stamp and
// bumps the stamp. A stale stamp reads as a conflict.
func (r *CVRepo) Update(ctx domain.Context, cv domain.CV) (domain.CV, error) {
	tracer := otel.Tracer("repo.cvs")
	ctx, span := tracer.Start(ctx, "cvs.Update")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "cvs"),
	)
	content, err := toJSONB(cv.Content)
	if err != nil {
		return domain.CV{}, fmt.Errorf("op=cv.update: %w", err)
	}
	now := time.Now().UTC()
	q := `UPDATE cvs SET title=$4, status=$5, content=$6, doc_version=doc_version+1, updated_at=$7
		WHERE id=$1 AND user_id=$2 AND doc_version=$3
		RETURNING doc_version`
	err = r.Pool.QueryRow(ctx, q, cv.ID, cv.UserID, cv.DocVersion,
		cv.Title, cv.Status, content, now).Scan(&cv.DocVersion)
	if err == nil {
		cv.UpdatedAt = now
		return cv, nil
	}
	if !noRows(err) {
		return domain.CV{}, fmt.Errorf("op=cv.update: %w", err)
	}
	// Distinguish a stale stamp from a missing row.
	var current int64
	probe := r.Pool.QueryRow(ctx, `SELECT doc_version FROM cvs WHERE id=$1 AND user_id=$2`, cv.ID, cv.UserID)
	if err := probe.Scan(&current); err != nil {
		if noRows(err) {
			return domain.CV{}, fmt.Errorf("op=cv.update: %w", domain.ErrNotFound)
		}
		return domain.CV{}, fmt.Errorf("op=cv.update: %w", err)
	}
	return domain.CV{}, fmt.Errorf("op=cv.update: %w",
		domain.E(domain.CodeConflict, "cv %s changed concurrently (docVersion %d, expected %d)", cv.ID, current, cv.DocVersion))
}

// SetParsingStatus updates the parse pipeline state; terminal states also
// stamp last_parsed_at.
func (r *CVRepo) SetParsingStatus(ctx domain.Context, id string, status domain.ParsingStatus) error {
	tracer := otel.Tracer("repo.cvs")
	ctx, span := tracer.Start(ctx, "cvs.SetParsingStatus")
	defer span.End()
	now := time.Now().UTC()
	terminal := status == domain.ParsingParsed || status == domain.ParsingFailed
	q := `UPDATE cvs SET parsing_status=$2,
		last_parsed_at = CASE WHEN $3 THEN $4 ELSE last_parsed_at END,
		updated_at=$4
		WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, status, terminal, now)
	if err != nil {
		return fmt.Errorf("op=cv.set_parsing_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=cv.set_parsing_status: %w", domain.ErrNotFound)
	}
	return nil
}

// SetFile records the uploaded source document reference.
func (r *CVRepo) SetFile(ctx domain.Context, id, fileRef, fileName, mime string, size int64) error {
	tracer := otel.Tracer("repo.cvs")
	ctx, span := tracer.Start(ctx, "cvs.SetFile")
	defer span.End()
	q := `UPDATE cvs SET file_ref=$2, file_name=$3, file_mime=$4, file_size=$5, updated_at=$6 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, fileRef, fileName, mime, size, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=cv.set_file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=cv.set_file: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete removes a CV owned by the user; versions cascade.
func (r *CVRepo) Delete(ctx domain.Context, id, userID string) error {
	tracer := otel.Tracer("repo.cvs")
	ctx, span := tracer.Start(ctx, "cvs.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM cvs WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return fmt.Errorf("op=cv.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=cv.delete: %w", domain.ErrNotFound)
	}
	return nil
}
