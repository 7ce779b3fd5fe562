package httpserver

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/internal/usecase"
)

type createCVRequest struct {
	Title   string            `json:"title" validate:"required,max=200"`
	Content *domain.CVContent `json:"content"`
}

// CreateCVHandler inserts a draft CV.
func (s *Server) CreateCVHandler(w http.ResponseWriter, r *http.Request) {
	var req createCVRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	cv, err := s.CVs.Create(r.Context(), userID(r), usecase.CreateCVInput{Title: req.Title, Content: req.Content})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCVResponse(cv))
}

// ListCVsHandler returns a page of the user's CVs.
func (s *Server) ListCVsHandler(w http.ResponseWriter, r *http.Request) {
	page := pageParams(r)
	cvs, total, err := s.CVs.List(r.Context(), userID(r), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]cvResponse, 0, len(cvs))
	for _, cv := range cvs {
		out = append(out, toCVResponse(cv))
	}
	writeJSON(w, http.StatusOK, newList(out, total, page))
}

// GetCVHandler loads one CV.
func (s *Server) GetCVHandler(w http.ResponseWriter, r *http.Request) {
	cv, err := s.CVs.Get(r.Context(), userID(r), chi.URLParam(r, "cvID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCVResponse(cv))
}

type updateCVRequest struct {
	Title      *string           `json:"title" validate:"omitempty,max=200"`
	Status     *string           `json:"status"`
	Content    *domain.CVContent `json:"content"`
	DocVersion int64             `json:"docVersion"`
}

// UpdateCVHandler rewrites title/status/content under the optimistic
// docVersion stamp.
func (s *Server) UpdateCVHandler(w http.ResponseWriter, r *http.Request) {
	var req updateCVRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in := usecase.UpdateCVInput{Title: req.Title, Content: req.Content, DocVersion: req.DocVersion}
	if req.Status != nil {
		st := domain.CVStatus(*req.Status)
		in.Status = &st
	}
	cv, err := s.CVs.Update(r.Context(), userID(r), chi.URLParam(r, "cvID"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCVResponse(cv))
}

// DeleteCVHandler removes the CV and its uploaded source.
func (s *Server) DeleteCVHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.CVs.Delete(r.Context(), userID(r), chi.URLParam(r, "cvID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ArchiveCVHandler moves the CV to archived.
func (s *Server) ArchiveCVHandler(w http.ResponseWriter, r *http.Request) {
	cv, err := s.CVs.Archive(r.Context(), userID(r), chi.URLParam(r, "cvID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCVResponse(cv))
}

// UploadCVHandler stores the original document for later parsing. The
// file arrives as multipart field "file"; the MIME type is sniffed from
// content by the service.
func (s *Server) UploadCVHandler(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.Cfg.MaxUploadMB << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+(64<<10))
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, r, domain.E(domain.CodeFileTooLarge, "upload exceeds the %d MB limit", s.Cfg.MaxUploadMB))
			return
		}
		writeError(w, r, domain.E(domain.CodeValidationError, "expected multipart/form-data with a file field").WithCause(err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, domain.E(domain.CodeValidationError, "file field is required").WithContext("field", "file"))
		return
	}
	defer func() { _ = file.Close() }()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, domain.E(domain.CodeFileInvalid, "file is not readable").WithCause(err))
		return
	}
	cv, err := s.CVs.Upload(r.Context(), userID(r), chi.URLParam(r, "cvID"), header.Filename, data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCVResponse(cv))
}

// ListVersionsHandler returns the CV's version history, newest first.
func (s *Server) ListVersionsHandler(w http.ResponseWriter, r *http.Request) {
	page := pageParams(r)
	versions, total, err := s.Versions.List(r.Context(), userID(r), chi.URLParam(r, "cvID"), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]versionResponse, 0, len(versions))
	for _, v := range versions {
		out = append(out, toVersionResponse(v))
	}
	writeJSON(w, http.StatusOK, newList(out, total, page))
}

// GetVersionHandler loads one version snapshot.
func (s *Server) GetVersionHandler(w http.ResponseWriter, r *http.Request) {
	v, err := s.Versions.Get(r.Context(), userID(r), chi.URLParam(r, "versionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if v.CVID != chi.URLParam(r, "cvID") {
		writeError(w, r, domain.E(domain.CodeVersionNotFound, "version does not belong to this cv"))
		return
	}
	writeJSON(w, http.StatusOK, toVersionResponse(v))
}

// ActivateVersionHandler makes the version the CV's active content.
func (s *Server) ActivateVersionHandler(w http.ResponseWriter, r *http.Request) {
	v, err := s.Versions.Activate(r.Context(), userID(r), chi.URLParam(r, "cvID"), chi.URLParam(r, "versionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVersionResponse(v))
}

// DeleteVersionHandler removes an inactive version.
func (s *Server) DeleteVersionHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Versions.Delete(r.Context(), userID(r), chi.URLParam(r, "cvID"), chi.URLParam(r, "versionID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CompareVersionsHandler relates two versions by hash equality and
// metadata deltas. Versions come as ?from=<id>&to=<id>.
func (s *Server) CompareVersionsHandler(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" || to == "" {
		writeError(w, r, domain.E(domain.CodeValidationError, "from and to version ids are required"))
		return
	}
	diff, err := s.Versions.Compare(r.Context(), userID(r), chi.URLParam(r, "cvID"), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}
