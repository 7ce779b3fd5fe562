package processor

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/internal/engine"
)

func now() time.Time { return time.Now().UTC() }

// fakeReporter satisfies engine.ProgressReporter. cancelAfter > 0 flags
// cancellation starting with that report call (1-based).
type fakeReporter struct {
	mu          sync.Mutex
	totalSteps  int
	progress    []int
	steps       []string
	cancelAfter int
	calls       int
}

func (r *fakeReporter) ReportProgress(_ domain.Context, _ string, progress int, step string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.progress = append(r.progress, progress)
	r.steps = append(r.steps, step)
	return r.cancelAfter > 0 && r.calls >= r.cancelAfter, nil
}

func (r *fakeReporter) SetTotalSteps(_ domain.Context, _ string, totalSteps int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalSteps = totalSteps
	return nil
}

func (r *fakeReporter) lastProgress() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.progress) == 0 {
		return 0
	}
	return r.progress[len(r.progress)-1]
}

func newJC(job domain.Job, reporter *fakeReporter) *engine.JobContext {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return engine.NewJobContext(job, reporter, log)
}

func jobFor(t domain.JobType, userID string, payload any) domain.Job {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return domain.Job{ID: "job-1", Type: t, UserID: userID, Status: domain.JobProcessing, Data: data}
}

// --- CV repository ---

type fakeCVs struct {
	mu   sync.Mutex
	seq  int
	rows map[string]domain.CV
}

func newFakeCVs() *fakeCVs { return &fakeCVs{rows: make(map[string]domain.CV)} }

func (f *fakeCVs) Create(_ domain.Context, cv domain.CV) (domain.CV, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if cv.ID == "" {
		cv.ID = fmt.Sprintf("cv-%d", f.seq)
	}
	if cv.Status == "" {
		cv.Status = domain.CVDraft
	}
	if cv.ParsingStatus == "" {
		cv.ParsingStatus = domain.ParsingNone
	}
	f.rows[cv.ID] = cv
	return cv, nil
}

func (f *fakeCVs) Get(_ domain.Context, id string) (domain.CV, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cv, ok := f.rows[id]
	if !ok {
		return domain.CV{}, domain.E(domain.CodeCVNotFound, "cv %s not found", id)
	}
	return cv, nil
}

func (f *fakeCVs) GetOwned(ctx domain.Context, id, userID string) (domain.CV, error) {
	cv, err := f.Get(ctx, id)
	if err != nil || cv.UserID != userID {
		return domain.CV{}, domain.E(domain.CodeCVNotFound, "cv %s not found", id)
	}
	return cv, nil
}

func (f *fakeCVs) SetParsingStatus(_ domain.Context, id string, status domain.ParsingStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cv, ok := f.rows[id]
	if !ok {
		return domain.E(domain.CodeCVNotFound, "cv %s not found", id)
	}
	cv.ParsingStatus = status
	f.rows[id] = cv
	return nil
}

func (f *fakeCVs) mirror(cvID, versionID string, content domain.CVContent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cv := f.rows[cvID]
	cv.Content = content
	cv.ActiveVersionID = versionID
	f.rows[cvID] = cv
}

func (f *fakeCVs) List(domain.Context, string, domain.Page) ([]domain.CV, int64, error) {
	panic("unused")
}
func (f *fakeCVs) Update(domain.Context, domain.CV) (domain.CV, error) { panic("unused") }
func (f *fakeCVs) SetFile(domain.Context, string, string, string, string, int64) error {
	panic("unused")
}
func (f *fakeCVs) Delete(domain.Context, string, string) error { panic("unused") }

// --- version repository ---

type fakeVersions struct {
	mu   sync.Mutex
	seq  int
	cvs  *fakeCVs
	rows map[string]domain.CVVersion
}

func newFakeVersions(cvs *fakeCVs) *fakeVersions {
	return &fakeVersions{cvs: cvs, rows: make(map[string]domain.CVVersion)}
}

func (f *fakeVersions) Create(_ domain.Context, v domain.CVVersion, activate bool) (domain.CVVersion, error) {
	f.mu.Lock()
	f.seq++
	v.ID = fmt.Sprintf("ver-%d", f.seq)
	v.CreatedAt = time.Now().UTC()
	max := 0
	for _, row := range f.rows {
		if row.CVID == v.CVID && row.VersionNumber > max {
			max = row.VersionNumber
		}
	}
	v.VersionNumber = max + 1
	if activate {
		for id, row := range f.rows {
			if row.CVID == v.CVID && row.IsActive {
				row.IsActive = false
				f.rows[id] = row
			}
		}
		v.IsActive = true
	}
	f.rows[v.ID] = v
	f.mu.Unlock()
	if activate {
		f.cvs.mirror(v.CVID, v.ID, v.Content)
	}
	return v, nil
}

func (f *fakeVersions) Get(_ domain.Context, id string) (domain.CVVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.rows[id]
	if !ok {
		return domain.CVVersion{}, domain.E(domain.CodeVersionNotFound, "version %s not found", id)
	}
	return v, nil
}

func (f *fakeVersions) GetOwned(ctx domain.Context, id, userID string) (domain.CVVersion, error) {
	v, err := f.Get(ctx, id)
	if err != nil || v.UserID != userID {
		return domain.CVVersion{}, domain.E(domain.CodeVersionNotFound, "version %s not found", id)
	}
	return v, nil
}

func (f *fakeVersions) GetActive(_ domain.Context, cvID string) (domain.CVVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.rows {
		if v.CVID == cvID && v.IsActive {
			return v, nil
		}
	}
	return domain.CVVersion{}, domain.E(domain.CodeVersionNotFound, "cv %s has no active version", cvID)
}

func (f *fakeVersions) count(cvID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.rows {
		if v.CVID == cvID {
			n++
		}
	}
	return n
}

func (f *fakeVersions) ListByCV(domain.Context, string, string, domain.Page) ([]domain.CVVersion, int64, error) {
	panic("unused")
}
func (f *fakeVersions) Activate(domain.Context, string, string, string) error { panic("unused") }
func (f *fakeVersions) Delete(domain.Context, string, string, string) error   { panic("unused") }

// --- user repository ---

type fakeUsers struct {
	mu       sync.Mutex
	user     domain.User
	consumed []domain.UsageKind
	fail     error
}

func newFakeUsers(u domain.User) *fakeUsers { return &fakeUsers{user: u} }

func (f *fakeUsers) Get(_ domain.Context, id string) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.user.ID != id {
		return domain.User{}, domain.E(domain.CodeUserNotFound, "user %s not found", id)
	}
	return f.user, nil
}

func (f *fakeUsers) ConsumeUsage(_ domain.Context, userID string, kind domain.UsageKind, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if f.user.ID != userID {
		return domain.E(domain.CodeUserNotFound, "user %s not found", userID)
	}
	if f.user.Remaining(kind) == 0 {
		return domain.E(domain.CodeUsageExceeded, "monthly %s limit reached", kind)
	}
	switch kind {
	case domain.UsageGenerations:
		f.user.Usage.Generations++
	case domain.UsageEnhancements:
		f.user.Usage.Enhancements++
	case domain.UsageAnalyses:
		f.user.Usage.Analyses++
	}
	f.consumed = append(f.consumed, kind)
	return nil
}

// --- parsing companion repository ---

type fakeParses struct {
	mu   sync.Mutex
	seq  int
	rows map[string]domain.CvParsingJob // by job id
}

func newFakeParses() *fakeParses { return &fakeParses{rows: make(map[string]domain.CvParsingJob)} }

func (f *fakeParses) Create(_ domain.Context, p domain.CvParsingJob) (domain.CvParsingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	p.ID = fmt.Sprintf("parse-%d", f.seq)
	if p.Status == "" {
		p.Status = domain.ParseJobPending
	}
	f.rows[p.JobID] = p
	return p, nil
}

func (f *fakeParses) GetByJobID(_ domain.Context, jobID string) (domain.CvParsingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[jobID]
	if !ok {
		return domain.CvParsingJob{}, domain.E(domain.CodeNotFound, "parsing job %s not found", jobID)
	}
	return p, nil
}

func (f *fakeParses) MarkProcessing(_ domain.Context, jobID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.rows[jobID]
	p.Status = domain.ParseJobProcessing
	p.StartedAt = &at
	f.rows[jobID] = p
	return nil
}

func (f *fakeParses) RecordExtraction(_ domain.Context, jobID string, pageCount, rawTextLen int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.rows[jobID]
	p.PageCount = pageCount
	p.RawTextLen = rawTextLen
	f.rows[jobID] = p
	return nil
}

func (f *fakeParses) Complete(_ domain.Context, jobID string, content domain.CVContent, confidence float64, versionID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.rows[jobID]
	p.Status = domain.ParseJobCompleted
	p.ParsedContent = &content
	p.Confidence = confidence
	p.VersionID = versionID
	p.CompletedAt = &at
	f.rows[jobID] = p
	return nil
}

func (f *fakeParses) Fail(_ domain.Context, jobID, errMsg string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.rows[jobID]
	p.Status = domain.ParseJobFailed
	p.Error = errMsg
	p.CompletedAt = &at
	f.rows[jobID] = p
	return nil
}

func (f *fakeParses) GetOwnedByJobID(domain.Context, string, string) (domain.CvParsingJob, error) {
	panic("unused")
}

// --- ats companion repository ---

type fakeAts struct {
	mu   sync.Mutex
	seq  int
	rows map[string]domain.AtsAnalysis
}

func newFakeAts() *fakeAts { return &fakeAts{rows: make(map[string]domain.AtsAnalysis)} }

func (f *fakeAts) Create(_ domain.Context, a domain.AtsAnalysis) (domain.AtsAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	a.ID = fmt.Sprintf("ats-%d", f.seq)
	if a.Status == "" {
		a.Status = domain.AtsPending
	}
	f.rows[a.JobID] = a
	return a, nil
}

func (f *fakeAts) GetByJobID(_ domain.Context, jobID string) (domain.AtsAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[jobID]
	if !ok {
		return domain.AtsAnalysis{}, domain.E(domain.CodeATSJobNotFound, "analysis for job %s not found", jobID)
	}
	return a, nil
}

func (f *fakeAts) MarkProcessing(_ domain.Context, jobID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.rows[jobID]
	a.Status = domain.AtsProcessing
	a.StartedAt = &at
	f.rows[jobID] = a
	return nil
}

func (f *fakeAts) Complete(_ domain.Context, jobID string, res domain.AtsResult, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.rows[jobID]
	a.Status = domain.AtsCompleted
	a.Results = &res
	a.CompletedAt = &at
	f.rows[jobID] = a
	return nil
}

func (f *fakeAts) Fail(_ domain.Context, jobID, errMsg string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.rows[jobID]
	a.Status = domain.AtsFailed
	a.Error = errMsg
	a.CompletedAt = &at
	f.rows[jobID] = a
	return nil
}

func (f *fakeAts) GetOwnedByJobID(domain.Context, string, string) (domain.AtsAnalysis, error) {
	panic("unused")
}

// --- generation companion repository ---

type fakeGens struct {
	mu   sync.Mutex
	seq  int
	rows map[string]domain.Generation
}

func newFakeGens() *fakeGens { return &fakeGens{rows: make(map[string]domain.Generation)} }

func (f *fakeGens) Create(_ domain.Context, g domain.Generation) (domain.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	g.ID = fmt.Sprintf("gen-%d", f.seq)
	if g.Status == "" {
		g.Status = domain.GenerationPending
	}
	f.rows[g.JobID] = g
	return g, nil
}

func (f *fakeGens) GetByJobID(_ domain.Context, jobID string) (domain.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.rows[jobID]
	if !ok {
		return domain.Generation{}, domain.E(domain.CodeGenerationNotFound, "generation for job %s not found", jobID)
	}
	return g, nil
}

func (f *fakeGens) MarkProcessing(_ domain.Context, jobID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.rows[jobID]
	g.Status = domain.GenerationProcessing
	g.StartedAt = &at
	f.rows[jobID] = g
	return nil
}

func (f *fakeGens) Complete(_ domain.Context, jobID string, out domain.OutputFile, stats domain.GenerationStats, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.rows[jobID]
	g.Status = domain.GenerationCompleted
	g.OutputFile = &out
	g.Stats = &stats
	g.CompletedAt = &at
	f.rows[jobID] = g
	return nil
}

func (f *fakeGens) Fail(_ domain.Context, jobID, errMsg string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.rows[jobID]
	g.Status = domain.GenerationFailed
	g.Error = errMsg
	g.CompletedAt = &at
	f.rows[jobID] = g
	return nil
}

func (f *fakeGens) GetOwnedByJobID(domain.Context, string, string) (domain.Generation, error) {
	panic("unused")
}

// --- object store ---

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{objects: make(map[string][]byte)} }

func (f *fakeStore) Upload(_ domain.Context, data []byte, key string, _ domain.UploadOptions) (domain.StoredObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	f.objects[key] = buf
	return domain.StoredObject{Provider: "fake", Key: key, Size: int64(len(data))}, nil
}

func (f *fakeStore) Download(_ domain.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, domain.E(domain.CodeFileNotFound, "object %s not found", key)
	}
	return data, nil
}

func (f *fakeStore) Exists(_ domain.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeStore) Delete(domain.Context, string) (bool, error) { panic("unused") }
func (f *fakeStore) Metadata(domain.Context, string) (domain.ObjectMetadata, error) {
	panic("unused")
}
func (f *fakeStore) SignedURL(domain.Context, string, time.Duration) (string, error) {
	panic("unused")
}
func (f *fakeStore) List(domain.Context, string, domain.ListOptions) (domain.ObjectListing, error) {
	panic("unused")
}
func (f *fakeStore) Copy(domain.Context, string, string) error { panic("unused") }
func (f *fakeStore) Move(domain.Context, string, string) error { panic("unused") }

// --- LLM client ---

type aiCall struct {
	task     domain.AITask
	messages []domain.AIMessage
	opts     domain.AICallOptions
}

type fakeAI struct {
	mu        sync.Mutex
	responses map[domain.AITask]string
	err       error
	calls     []aiCall
}

func newFakeAI() *fakeAI { return &fakeAI{responses: make(map[domain.AITask]string)} }

func (f *fakeAI) respond(task domain.AITask, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[task] = string(data)
}

func (f *fakeAI) Call(_ domain.Context, task domain.AITask, messages []domain.AIMessage, opts domain.AICallOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, aiCall{task: task, messages: messages, opts: opts})
	if f.err != nil {
		return "", f.err
	}
	res, ok := f.responses[task]
	if !ok {
		return "", domain.E(domain.CodeAIUnavailable, "no scripted response for task %s", task)
	}
	return res, nil
}

// --- extractor, renderer, browser ---

type fakeExtractor struct {
	text  string
	pages int
	err   error
}

func (f *fakeExtractor) Extract(domain.Context, []byte, string) (domain.ExtractedText, error) {
	if f.err != nil {
		return domain.ExtractedText{}, f.err
	}
	return domain.ExtractedText{Text: f.text, PageCount: f.pages}, nil
}

type fakeRenderer struct {
	html    string
	docx    domain.RenderedDoc
	htmlErr error
	docxErr error
}

func (f *fakeRenderer) RenderHTML(domain.GenerationInput, string, domain.Customization) (string, error) {
	return f.html, f.htmlErr
}

func (f *fakeRenderer) RenderDOCX(domain.GenerationInput, string, domain.Customization) (domain.RenderedDoc, error) {
	return f.docx, f.docxErr
}

type fakeBrowser struct {
	pdf []byte
	err error
}

func (f *fakeBrowser) RenderPDF(domain.Context, string, domain.PDFOptions) ([]byte, error) {
	return f.pdf, f.err
}

func (f *fakeBrowser) Healthy(domain.Context) error { return nil }
