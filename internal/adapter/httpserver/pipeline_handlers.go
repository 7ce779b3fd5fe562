package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/internal/usecase"
)

type startParsingRequest struct {
	CVID     string `json:"cvId" validate:"required"`
	Priority *int   `json:"priority"`
}

// StartParsingHandler enqueues a parsing job for the CV's uploaded
// file and answers 202 with the job record.
func (s *Server) StartParsingHandler(w http.ResponseWriter, r *http.Request) {
	var req startParsingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.Parsing.Start(r.Context(), userID(r), usecase.StartParsingInput{
		CVID:     req.CVID,
		Priority: req.Priority,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

// ParsingStatusHandler returns the live job state.
func (s *Server) ParsingStatusHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.Parsing.Status(r.Context(), userID(r), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// ParsingResultHandler returns the parsing companion with the extracted
// content once completed.
func (s *Server) ParsingResultHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.Parsing.Result(r.Context(), userID(r), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toParsingResultResponse(p))
}

type startOptimizeRequest struct {
	CVID           string   `json:"cvId" validate:"required"`
	TargetRole     string   `json:"targetRole" validate:"required,max=200"`
	JobDescription string   `json:"jobDescription" validate:"max=20000"`
	Sections       []string `json:"sections"`
	Priority       *int     `json:"priority"`
}

// StartOptimizeHandler enqueues a content optimization job.
func (s *Server) StartOptimizeHandler(w http.ResponseWriter, r *http.Request) {
	var req startOptimizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.Optimize.Start(r.Context(), userID(r), usecase.StartOptimizeInput{
		CVID:           req.CVID,
		TargetRole:     req.TargetRole,
		JobDescription: req.JobDescription,
		Sections:       req.Sections,
		Priority:       req.Priority,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

// OptimizeStatusHandler returns the live job state.
func (s *Server) OptimizeStatusHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.Optimize.Status(r.Context(), userID(r), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

type startAtsRequest struct {
	CVID      string           `json:"cvId" validate:"required"`
	Type      string           `json:"type" validate:"required"`
	TargetJob domain.TargetJob `json:"targetJob"`
	Priority  *int             `json:"priority"`
}

// StartAtsHandler enqueues an ATS analysis job.
func (s *Server) StartAtsHandler(w http.ResponseWriter, r *http.Request) {
	var req startAtsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.Ats.Start(r.Context(), userID(r), usecase.StartAtsInput{
		CVID:      req.CVID,
		Type:      domain.AnalysisType(req.Type),
		TargetJob: req.TargetJob,
		Priority:  req.Priority,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

// AtsResultHandler returns the analysis companion; results stay nil
// until the job completes.
func (s *Server) AtsResultHandler(w http.ResponseWriter, r *http.Request) {
	a, err := s.Ats.Result(r.Context(), userID(r), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAtsResponse(a))
}

type startGenerationRequest struct {
	CVID          string               `json:"cvId"`
	VersionID     string               `json:"versionId"`
	Content       *domain.CVContent    `json:"content"`
	OutputFormat  string               `json:"outputFormat" validate:"required"`
	TemplateID    string               `json:"templateId" validate:"required"`
	Customization domain.Customization `json:"customization"`
	Priority      *int                 `json:"priority"`
}

// StartGenerationHandler enqueues a document generation job.
func (s *Server) StartGenerationHandler(w http.ResponseWriter, r *http.Request) {
	var req startGenerationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.Gens.Start(r.Context(), userID(r), usecase.StartGenerationInput{
		CVID:          req.CVID,
		VersionID:     req.VersionID,
		Content:       req.Content,
		OutputFormat:  domain.OutputFormat(req.OutputFormat),
		TemplateID:    req.TemplateID,
		Customization: req.Customization,
		Priority:      req.Priority,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

// GenerationResultHandler returns the generation companion.
func (s *Server) GenerationResultHandler(w http.ResponseWriter, r *http.Request) {
	g, err := s.Gens.Result(r.Context(), userID(r), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGenerationResponse(g))
}

// GenerationDownloadHandler streams the finished artifact as an
// attachment.
func (s *Server) GenerationDownloadHandler(w http.ResponseWriter, r *http.Request) {
	data, contentType, fileName, err := s.Gens.Download(r.Context(), userID(r), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// jobFilterParams reads the comma-separated type/status filters.
func jobFilterParams(r *http.Request) domain.JobFilter {
	var f domain.JobFilter
	if v := r.URL.Query().Get("type"); v != "" {
		for _, t := range strings.Split(v, ",") {
			f.Types = append(f.Types, domain.JobType(strings.TrimSpace(t)))
		}
	}
	if v := r.URL.Query().Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			f.Statuses = append(f.Statuses, domain.JobStatus(strings.TrimSpace(st)))
		}
	}
	return f
}

// ListJobsHandler returns a filtered page of the user's jobs.
func (s *Server) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	page := pageParams(r)
	jobs, total, err := s.Jobs.List(r.Context(), userID(r), jobFilterParams(r), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, newList(out, total, page))
}

// GetJobHandler loads one job.
func (s *Server) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Get(r.Context(), userID(r), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// CancelJobHandler stops a pending or processing job.
func (s *Server) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Cancel(r.Context(), userID(r), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// RetryJobHandler clones a terminal non-completed job into a fresh one.
func (s *Server) RetryJobHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Retry(r.Context(), userID(r), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}
