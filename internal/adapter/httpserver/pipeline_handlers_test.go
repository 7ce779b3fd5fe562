package httpserver

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvforge/cvforge/internal/domain"
)

func TestStartParsingHandler(t *testing.T) {
	env := newTestEnv(t)
	cv := seedCV(env, domain.CV{Title: "Parse Me", FileRef: "uploads/user-1/cv-1.pdf", FileMIME: "application/pdf"})

	rec := env.do(t, http.MethodPost, "/v1/parsing", map[string]any{"cvId": cv.ID})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var job jobResponse
	decodeBody(t, rec, &job)
	assert.Equal(t, string(domain.JobTypeParsing), job.Type)
	assert.Equal(t, string(domain.JobPending), job.Status)

	// Companion row and CV parsing status follow the job.
	p, err := env.parses.GetOwnedByJobID(nil, job.ID, env.user.ID)
	require.NoError(t, err)
	assert.Equal(t, cv.ID, p.CVID)
	cur, err := env.cvs.GetOwned(nil, cv.ID, env.user.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ParsingPending, cur.ParsingStatus)
}

func TestStartParsingHandlerRejections(t *testing.T) {
	env := newTestEnv(t)

	t.Run("missing cvId", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/v1/parsing", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_ERROR", errCode(t, rec))
	})

	t.Run("no uploaded file", func(t *testing.T) {
		cv := seedCV(env, domain.CV{Title: "No File"})
		rec := env.do(t, http.MethodPost, "/v1/parsing", map[string]any{"cvId": cv.ID})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "CV_NO_FILE_TO_PARSE", errCode(t, rec))
	})
}

func TestParsingStatusAndResult(t *testing.T) {
	env := newTestEnv(t)
	cv := seedCV(env, domain.CV{Title: "Parse Me", FileRef: "uploads/x.pdf"})

	rec := env.do(t, http.MethodPost, "/v1/parsing", map[string]any{"cvId": cv.ID})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var job jobResponse
	decodeBody(t, rec, &job)

	rec = env.do(t, http.MethodGet, "/v1/parsing/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/parsing/"+job.ID+"/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res parsingResultResponse
	decodeBody(t, rec, &res)
	assert.Equal(t, job.ID, res.JobID)
	assert.Equal(t, cv.ID, res.CVID)
}

func TestStartOptimizeHandlerValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/optimizations", map[string]any{"cvId": "cv-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errCode(t, rec))
}

func TestStartAtsHandler(t *testing.T) {
	env := newTestEnv(t)
	cv := seedCV(env, domain.CV{Title: "Score Me", Content: domain.CVContent{Summary: "experienced engineer"}})

	rec := env.do(t, http.MethodPost, "/v1/ats", map[string]any{
		"cvId":      cv.ID,
		"type":      "compatibility",
		"targetJob": map[string]any{"title": "Platform Engineer"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var job jobResponse
	decodeBody(t, rec, &job)
	assert.Equal(t, string(domain.JobTypeATS), job.Type)

	rec = env.do(t, http.MethodGet, "/v1/ats/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var a atsResponse
	decodeBody(t, rec, &a)
	assert.Equal(t, "compatibility", a.Type)
	assert.Nil(t, a.Results)
}

func TestStartAtsHandlerInvalidType(t *testing.T) {
	env := newTestEnv(t)
	cv := seedCV(env, domain.CV{Title: "Score Me", Content: domain.CVContent{Summary: "text"}})

	rec := env.do(t, http.MethodPost, "/v1/ats", map[string]any{
		"cvId": cv.ID,
		"type": "deep_scan",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ATS_INVALID_TYPE", errCode(t, rec))
}

func TestStartGenerationHandler(t *testing.T) {
	env := newTestEnv(t)
	cv := seedCV(env, domain.CV{Title: "Render Me", Content: domain.CVContent{Summary: "solid summary"}})

	rec := env.do(t, http.MethodPost, "/v1/generations", map[string]any{
		"cvId":         cv.ID,
		"outputFormat": "pdf",
		"templateId":   domain.TemplateModern,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var job jobResponse
	decodeBody(t, rec, &job)
	assert.Equal(t, string(domain.JobTypeGeneration), job.Type)
}

func TestGenerationDownload(t *testing.T) {
	env := newTestEnv(t)
	g := domain.Generation{
		JobID:        "job-render",
		UserID:       env.user.ID,
		Status:       domain.GenerationPending,
		TemplateID:   domain.TemplateModern,
		OutputFormat: domain.OutputPDF,
	}
	_, err := env.gens.Create(nil, g)
	require.NoError(t, err)

	t.Run("not ready", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/v1/generations/job-render/download", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "GENERATION_NOT_READY", errCode(t, rec))
	})

	t.Run("completed", func(t *testing.T) {
		data := []byte("%PDF-1.4 rendered")
		_, err := env.store.Upload(nil, data, "generated/job-render.pdf", domain.UploadOptions{ContentType: "application/pdf"})
		require.NoError(t, err)

		g.Status = domain.GenerationCompleted
		g.OutputFile = &domain.OutputFile{
			FileName: "cv.pdf",
			FilePath: "generated/job-render.pdf",
			FileSize: int64(len(data)),
			MimeType: "application/pdf",
		}
		env.gens.byJobID[g.JobID] = g

		rec := env.do(t, http.MethodGet, "/v1/generations/job-render/download", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), `attachment; filename="cv.pdf"`)
		assert.Equal(t, data, rec.Body.Bytes())
	})
}

func TestJobEndpoints(t *testing.T) {
	env := newTestEnv(t)
	cv := seedCV(env, domain.CV{Title: "Jobs", FileRef: "uploads/x.pdf"})

	rec := env.do(t, http.MethodPost, "/v1/parsing", map[string]any{"cvId": cv.ID})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var job jobResponse
	decodeBody(t, rec, &job)

	t.Run("list with filter", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/v1/jobs?type=parsing&status=pending", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Data []jobResponse `json:"data"`
		}
		decodeBody(t, rec, &body)
		assert.Len(t, body.Data, 1)

		rec = env.do(t, http.MethodGet, "/v1/jobs?status=completed", nil)
		decodeBody(t, rec, &body)
		assert.Empty(t, body.Data)
	})

	t.Run("get", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/v1/jobs/"+job.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("cancel", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var got jobResponse
		decodeBody(t, rec, &got)
		assert.Equal(t, string(domain.JobCancelled), got.Status)
	})

	t.Run("cancel again conflicts", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "JOB_ALREADY_TERMINAL", errCode(t, rec))
	})

	t.Run("retry cancelled job", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/retry", nil)
		require.Equal(t, http.StatusAccepted, rec.Code)
		var got jobResponse
		decodeBody(t, rec, &got)
		assert.Equal(t, job.ID, got.RetryOf)
		assert.Equal(t, string(domain.JobPending), got.Status)
	})

	t.Run("foreign job invisible", func(t *testing.T) {
		env.jobs.byID["job-foreign"] = domain.Job{ID: "job-foreign", UserID: "someone-else", Status: domain.JobPending}
		rec := env.do(t, http.MethodGet, "/v1/jobs/job-foreign", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "JOB_NOT_FOUND", errCode(t, rec))
	})
}
