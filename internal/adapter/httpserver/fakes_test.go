package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cvforge/cvforge/internal/config"
	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/internal/engine"
	"github.com/cvforge/cvforge/internal/usecase"
)

// In-memory fakes behind the services the handlers call. Methods the
// tests never exercise panic so an accidental call is loud.

type keyRecord struct {
	user domain.User
	hash string
}

type fakeKeys struct {
	byKeyID map[string]keyRecord
}

func (f *fakeKeys) GetByAPIKeyID(_ domain.Context, keyID string) (domain.User, string, error) {
	rec, ok := f.byKeyID[keyID]
	if !ok {
		return domain.User{}, "", domain.ErrNotFound
	}
	return rec.user, rec.hash, nil
}

type fakeJobs struct {
	byID   map[string]domain.Job
	counts map[domain.JobStatus]int64
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{byID: map[string]domain.Job{}, counts: map[domain.JobStatus]int64{}}
}

func (f *fakeJobs) Create(_ domain.Context, j domain.Job) (domain.Job, error) {
	f.byID[j.ID] = j
	return j, nil
}

func (f *fakeJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	j, ok := f.byID[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) GetOwned(_ domain.Context, id, userID string) (domain.Job, error) {
	j, ok := f.byID[id]
	if !ok || j.UserID != userID {
		return domain.Job{}, domain.E(domain.CodeJobNotFound, "job %s not found", id)
	}
	return j, nil
}

func (f *fakeJobs) List(_ domain.Context, userID string, filter domain.JobFilter, _ domain.Page) ([]domain.Job, int64, error) {
	var out []domain.Job
	for _, j := range f.byID {
		if j.UserID != userID {
			continue
		}
		if len(filter.Types) > 0 && !containsType(filter.Types, j.Type) {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, j.Status) {
			continue
		}
		out = append(out, j)
	}
	return out, int64(len(out)), nil
}

func containsType(ts []domain.JobType, t domain.JobType) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

func containsStatus(ss []domain.JobStatus, s domain.JobStatus) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func (f *fakeJobs) CountByStatus(_ domain.Context) (map[domain.JobStatus]int64, error) {
	return f.counts, nil
}

func (f *fakeJobs) MarkProcessing(domain.Context, string, string, time.Time) (domain.Job, error) {
	panic("unused")
}
func (f *fakeJobs) ReportProgress(domain.Context, string, int, string) (bool, error) {
	panic("unused")
}
func (f *fakeJobs) SetTotalSteps(domain.Context, string, int) error { panic("unused") }
func (f *fakeJobs) Complete(domain.Context, string, json.RawMessage, time.Time) error {
	panic("unused")
}
func (f *fakeJobs) Fail(domain.Context, string, domain.JobError, domain.JobStatus, time.Time) error {
	panic("unused")
}
func (f *fakeJobs) Reschedule(domain.Context, string, domain.JobError, time.Time) error {
	panic("unused")
}
func (f *fakeJobs) RequestCancel(domain.Context, string) error       { panic("unused") }
func (f *fakeJobs) Cancel(domain.Context, string, time.Time) error   { panic("unused") }
func (f *fakeJobs) ListStuck(domain.Context, string, time.Time, int) ([]domain.Job, error) {
	panic("unused")
}
func (f *fakeJobs) DeleteTerminalBefore(domain.Context, []domain.JobStatus, []domain.JobType, time.Time) (int64, error) {
	panic("unused")
}

// fakeEngine writes created jobs straight into the shared job repo so
// the read paths observe them.
type fakeEngine struct {
	jobs       *fakeJobs
	seq        int
	failCreate error
}

func (f *fakeEngine) Create(_ domain.Context, t domain.JobType, data any, opts engine.CreateOptions) (domain.Job, error) {
	if f.failCreate != nil {
		return domain.Job{}, f.failCreate
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return domain.Job{}, err
	}
	f.seq++
	j := domain.Job{
		ID:       fmt.Sprintf("job-%d", f.seq),
		Type:     t,
		UserID:   opts.UserID,
		Status:   domain.JobPending,
		Data:     raw,
		DedupKey: opts.DedupKey,
		RetryOf:  opts.RetryOf,
		QueuedAt: time.Now().UTC(),
	}
	if opts.Priority != nil {
		j.Priority = *opts.Priority
	}
	if opts.MaxRetries != nil {
		j.MaxRetries = *opts.MaxRetries
	}
	f.jobs.byID[j.ID] = j
	return j, nil
}

func (f *fakeEngine) Cancel(_ domain.Context, jobID, userID string) (domain.Job, error) {
	j, ok := f.jobs.byID[jobID]
	if !ok || j.UserID != userID {
		return domain.Job{}, domain.E(domain.CodeJobNotFound, "job %s not found", jobID)
	}
	if j.Status != domain.JobPending && j.Status != domain.JobProcessing {
		return domain.Job{}, domain.E(domain.CodeJobAlreadyTerminal, "job %s is %s", jobID, j.Status)
	}
	j.Status = domain.JobCancelled
	f.jobs.byID[jobID] = j
	return j, nil
}

func (f *fakeEngine) Retry(_ domain.Context, jobID, userID string) (domain.Job, error) {
	j, ok := f.jobs.byID[jobID]
	if !ok || j.UserID != userID {
		return domain.Job{}, domain.E(domain.CodeJobNotFound, "job %s not found", jobID)
	}
	if j.Status == domain.JobCompleted || j.Status == domain.JobPending || j.Status == domain.JobProcessing {
		return domain.Job{}, domain.E(domain.CodeJobNotRetryable, "job %s is %s", jobID, j.Status)
	}
	return f.Create(nil, j.Type, json.RawMessage(j.Data), engine.CreateOptions{UserID: userID, RetryOf: j.ID})
}

type fakeBroker struct {
	paused  map[string]bool
	resumed []string
}

func newFakeBroker() *fakeBroker { return &fakeBroker{paused: map[string]bool{}} }

func (f *fakeBroker) Stats(_ domain.Context, queue string) (domain.QueueStats, error) {
	return domain.QueueStats{Queue: queue, Waiting: 1, Paused: f.paused[queue]}, nil
}

func (f *fakeBroker) Pause(_ domain.Context, queue string) error {
	f.paused[queue] = true
	return nil
}

func (f *fakeBroker) Resume(_ domain.Context, queue string) error {
	f.paused[queue] = false
	f.resumed = append(f.resumed, queue)
	return nil
}

func (f *fakeBroker) Enqueue(domain.Context, string, string, int, time.Duration, string) error {
	panic("unused")
}
func (f *fakeBroker) Lease(domain.Context, string, time.Duration) (domain.Lease, bool, error) {
	panic("unused")
}
func (f *fakeBroker) ExtendLease(domain.Context, domain.Lease, time.Duration) error {
	panic("unused")
}
func (f *fakeBroker) Ack(domain.Context, domain.Lease) error { panic("unused") }
func (f *fakeBroker) Release(domain.Context, domain.Lease, time.Duration, int) error {
	panic("unused")
}
func (f *fakeBroker) Remove(domain.Context, string, string) error { panic("unused") }
func (f *fakeBroker) ReapExpired(domain.Context, string, int) ([]string, error) {
	panic("unused")
}

type fakeCVs struct {
	byID map[string]domain.CV
	seq  int
}

func newFakeCVs() *fakeCVs { return &fakeCVs{byID: map[string]domain.CV{}} }

func (f *fakeCVs) Create(_ domain.Context, cv domain.CV) (domain.CV, error) {
	f.seq++
	if cv.ID == "" {
		cv.ID = fmt.Sprintf("cv-%d", f.seq)
	}
	if cv.DocVersion <= 0 {
		cv.DocVersion = 1
	}
	cv.CreatedAt = time.Now().UTC()
	f.byID[cv.ID] = cv
	return cv, nil
}

func (f *fakeCVs) Get(_ domain.Context, id string) (domain.CV, error) {
	cv, ok := f.byID[id]
	if !ok {
		return domain.CV{}, domain.ErrNotFound
	}
	return cv, nil
}

func (f *fakeCVs) GetOwned(_ domain.Context, id, userID string) (domain.CV, error) {
	cv, ok := f.byID[id]
	if !ok || cv.UserID != userID {
		return domain.CV{}, domain.E(domain.CodeCVNotFound, "cv %s not found", id)
	}
	return cv, nil
}

func (f *fakeCVs) List(_ domain.Context, userID string, _ domain.Page) ([]domain.CV, int64, error) {
	var out []domain.CV
	for _, cv := range f.byID {
		if cv.UserID == userID {
			out = append(out, cv)
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeCVs) Update(_ domain.Context, cv domain.CV) (domain.CV, error) {
	cur, ok := f.byID[cv.ID]
	if !ok || cur.UserID != cv.UserID {
		return domain.CV{}, domain.ErrNotFound
	}
	if cur.DocVersion != cv.DocVersion {
		return domain.CV{}, domain.E(domain.CodeVersionConflict, "stale docVersion")
	}
	cv.DocVersion++
	f.byID[cv.ID] = cv
	return cv, nil
}

func (f *fakeCVs) SetParsingStatus(_ domain.Context, id string, status domain.ParsingStatus) error {
	cv, ok := f.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	cv.ParsingStatus = status
	f.byID[id] = cv
	return nil
}

func (f *fakeCVs) SetFile(_ domain.Context, id, fileRef, fileName, mime string, size int64) error {
	cv, ok := f.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	cv.FileRef, cv.FileName, cv.FileMIME, cv.FileSize = fileRef, fileName, mime, size
	f.byID[id] = cv
	return nil
}

func (f *fakeCVs) Delete(_ domain.Context, id, userID string) error {
	cv, ok := f.byID[id]
	if !ok || cv.UserID != userID {
		return domain.E(domain.CodeCVNotFound, "cv %s not found", id)
	}
	delete(f.byID, id)
	return nil
}

type fakeVersions struct {
	byID map[string]domain.CVVersion
	cvs  *fakeCVs
	seq  int
}

func newFakeVersions(cvs *fakeCVs) *fakeVersions {
	return &fakeVersions{byID: map[string]domain.CVVersion{}, cvs: cvs}
}

func (f *fakeVersions) Create(_ domain.Context, v domain.CVVersion, activate bool) (domain.CVVersion, error) {
	f.seq++
	v.ID = fmt.Sprintf("ver-%d", f.seq)
	next := 0
	for _, ex := range f.byID {
		if ex.CVID == v.CVID && ex.VersionNumber > next {
			next = ex.VersionNumber
		}
	}
	v.VersionNumber = next + 1
	v.CreatedAt = time.Now().UTC()
	if activate {
		for id, ex := range f.byID {
			if ex.CVID == v.CVID && ex.IsActive {
				ex.IsActive = false
				f.byID[id] = ex
			}
		}
		v.IsActive = true
		if cv, ok := f.cvs.byID[v.CVID]; ok {
			cv.Content = v.Content
			cv.ActiveVersionID = v.ID
			f.cvs.byID[v.CVID] = cv
		}
	}
	f.byID[v.ID] = v
	return v, nil
}

func (f *fakeVersions) Get(_ domain.Context, id string) (domain.CVVersion, error) {
	v, ok := f.byID[id]
	if !ok {
		return domain.CVVersion{}, domain.ErrNotFound
	}
	return v, nil
}

func (f *fakeVersions) GetOwned(_ domain.Context, id, userID string) (domain.CVVersion, error) {
	v, ok := f.byID[id]
	if !ok || v.UserID != userID {
		return domain.CVVersion{}, domain.E(domain.CodeVersionNotFound, "version %s not found", id)
	}
	return v, nil
}

func (f *fakeVersions) GetActive(_ domain.Context, cvID string) (domain.CVVersion, error) {
	for _, v := range f.byID {
		if v.CVID == cvID && v.IsActive {
			return v, nil
		}
	}
	return domain.CVVersion{}, domain.ErrNotFound
}

func (f *fakeVersions) ListByCV(_ domain.Context, cvID, userID string, _ domain.Page) ([]domain.CVVersion, int64, error) {
	var out []domain.CVVersion
	for _, v := range f.byID {
		if v.CVID == cvID && v.UserID == userID {
			out = append(out, v)
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeVersions) Activate(_ domain.Context, userID, cvID, versionID string) error {
	target, ok := f.byID[versionID]
	if !ok || target.UserID != userID || target.CVID != cvID {
		return domain.E(domain.CodeVersionNotFound, "version %s not found", versionID)
	}
	for id, v := range f.byID {
		if v.CVID == cvID && v.IsActive {
			v.IsActive = false
			f.byID[id] = v
		}
	}
	target.IsActive = true
	f.byID[versionID] = target
	if cv, ok := f.cvs.byID[cvID]; ok {
		cv.Content = target.Content
		cv.ActiveVersionID = versionID
		f.cvs.byID[cvID] = cv
	}
	return nil
}

func (f *fakeVersions) Delete(_ domain.Context, userID, cvID, versionID string) error {
	v, ok := f.byID[versionID]
	if !ok || v.UserID != userID || v.CVID != cvID {
		return domain.E(domain.CodeVersionNotFound, "version %s not found", versionID)
	}
	if v.IsActive {
		return domain.E(domain.CodeVersionActiveLocked, "cannot delete the active version")
	}
	delete(f.byID, versionID)
	return nil
}

type fakeUsers struct {
	byID map[string]domain.User
}

func newFakeUsers(users ...domain.User) *fakeUsers {
	f := &fakeUsers{byID: map[string]domain.User{}}
	for _, u := range users {
		f.byID[u.ID] = u
	}
	return f
}

func (f *fakeUsers) Get(_ domain.Context, id string) (domain.User, error) {
	u, ok := f.byID[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) ConsumeUsage(_ domain.Context, userID string, _ domain.UsageKind, _ time.Time) error {
	if _, ok := f.byID[userID]; !ok {
		return domain.ErrNotFound
	}
	return nil
}

type fakeParses struct {
	byJobID map[string]domain.CvParsingJob
}

func newFakeParses() *fakeParses { return &fakeParses{byJobID: map[string]domain.CvParsingJob{}} }

func (f *fakeParses) Create(_ domain.Context, p domain.CvParsingJob) (domain.CvParsingJob, error) {
	p.ID = "parse-" + p.JobID
	f.byJobID[p.JobID] = p
	return p, nil
}

func (f *fakeParses) GetByJobID(_ domain.Context, jobID string) (domain.CvParsingJob, error) {
	p, ok := f.byJobID[jobID]
	if !ok {
		return domain.CvParsingJob{}, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakeParses) GetOwnedByJobID(_ domain.Context, jobID, userID string) (domain.CvParsingJob, error) {
	p, ok := f.byJobID[jobID]
	if !ok || p.UserID != userID {
		return domain.CvParsingJob{}, domain.E(domain.CodeJobNotFound, "parsing job %s not found", jobID)
	}
	return p, nil
}

func (f *fakeParses) MarkProcessing(domain.Context, string, time.Time) error { panic("unused") }
func (f *fakeParses) RecordExtraction(domain.Context, string, int, int) error {
	panic("unused")
}
func (f *fakeParses) Complete(domain.Context, string, domain.CVContent, float64, string, time.Time) error {
	panic("unused")
}
func (f *fakeParses) Fail(domain.Context, string, string, time.Time) error { panic("unused") }

type fakeAtsRepo struct {
	byJobID map[string]domain.AtsAnalysis
}

func newFakeAtsRepo() *fakeAtsRepo { return &fakeAtsRepo{byJobID: map[string]domain.AtsAnalysis{}} }

func (f *fakeAtsRepo) Create(_ domain.Context, a domain.AtsAnalysis) (domain.AtsAnalysis, error) {
	a.ID = "ats-" + a.JobID
	f.byJobID[a.JobID] = a
	return a, nil
}

func (f *fakeAtsRepo) GetByJobID(_ domain.Context, jobID string) (domain.AtsAnalysis, error) {
	a, ok := f.byJobID[jobID]
	if !ok {
		return domain.AtsAnalysis{}, domain.ErrNotFound
	}
	return a, nil
}

func (f *fakeAtsRepo) GetOwnedByJobID(_ domain.Context, jobID, userID string) (domain.AtsAnalysis, error) {
	a, ok := f.byJobID[jobID]
	if !ok || a.UserID != userID {
		return domain.AtsAnalysis{}, domain.E(domain.CodeATSJobNotFound, "analysis for job %s not found", jobID)
	}
	return a, nil
}

func (f *fakeAtsRepo) MarkProcessing(domain.Context, string, time.Time) error { panic("unused") }
func (f *fakeAtsRepo) Complete(domain.Context, string, domain.AtsResult, time.Time) error {
	panic("unused")
}
func (f *fakeAtsRepo) Fail(domain.Context, string, string, time.Time) error { panic("unused") }

type fakeGens struct {
	byJobID map[string]domain.Generation
}

func newFakeGens() *fakeGens { return &fakeGens{byJobID: map[string]domain.Generation{}} }

func (f *fakeGens) Create(_ domain.Context, g domain.Generation) (domain.Generation, error) {
	g.ID = "gen-" + g.JobID
	f.byJobID[g.JobID] = g
	return g, nil
}

func (f *fakeGens) GetByJobID(_ domain.Context, jobID string) (domain.Generation, error) {
	g, ok := f.byJobID[jobID]
	if !ok {
		return domain.Generation{}, domain.ErrNotFound
	}
	return g, nil
}

func (f *fakeGens) GetOwnedByJobID(_ domain.Context, jobID, userID string) (domain.Generation, error) {
	g, ok := f.byJobID[jobID]
	if !ok || g.UserID != userID {
		return domain.Generation{}, domain.E(domain.CodeGenerationNotFound, "generation for job %s not found", jobID)
	}
	return g, nil
}

func (f *fakeGens) MarkProcessing(domain.Context, string, time.Time) error { panic("unused") }
func (f *fakeGens) Complete(domain.Context, string, domain.OutputFile, domain.GenerationStats, time.Time) error {
	panic("unused")
}
func (f *fakeGens) Fail(domain.Context, string, string, time.Time) error { panic("unused") }

type fakeStore struct {
	objects map[string][]byte
	types   map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeStore) Upload(_ domain.Context, data []byte, key string, opts domain.UploadOptions) (domain.StoredObject, error) {
	buf := make([]byte, len(data))
	copy(buf, data)
	f.objects[key] = buf
	f.types[key] = opts.ContentType
	return domain.StoredObject{Provider: "fake", Key: key, Size: int64(len(data))}, nil
}

func (f *fakeStore) Download(_ domain.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, domain.E(domain.CodeFileNotFound, "object %s not found", key)
	}
	return data, nil
}

func (f *fakeStore) Delete(_ domain.Context, key string) (bool, error) {
	_, ok := f.objects[key]
	delete(f.objects, key)
	return ok, nil
}

func (f *fakeStore) Exists(_ domain.Context, key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
}

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

type fakeWebhooks struct {
	byID map[string]domain.Webhook
	seq  int
}

func newFakeWebhooks() *fakeWebhooks { return &fakeWebhooks{byID: map[string]domain.Webhook{}} }

func (f *fakeWebhooks) Create(_ domain.Context, w domain.Webhook) (domain.Webhook, error) {
	f.seq++
	w.ID = fmt.Sprintf("wh-%d", f.seq)
	w.CreatedAt = time.Now().UTC()
	f.byID[w.ID] = w
	return w, nil
}

func (f *fakeWebhooks) Get(_ domain.Context, id string) (domain.Webhook, error) {
	w, ok := f.byID[id]
	if !ok {
		return domain.Webhook{}, domain.ErrNotFound
	}
	return w, nil
}

func (f *fakeWebhooks) GetOwned(_ domain.Context, id, userID string) (domain.Webhook, error) {
	w, ok := f.byID[id]
	if !ok || w.UserID != userID {
		return domain.Webhook{}, domain.E(domain.CodeWebhookNotFound, "webhook %s not found", id)
	}
	return w, nil
}

func (f *fakeWebhooks) ListByUser(_ domain.Context, userID string, _ domain.Page) ([]domain.Webhook, int64, error) {
	var out []domain.Webhook
	for _, w := range f.byID {
		if w.UserID == userID {
			out = append(out, w)
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeWebhooks) ListActiveByEvent(_ domain.Context, userID string, event domain.EventType) ([]domain.Webhook, error) {
	var out []domain.Webhook
	for _, w := range f.byID {
		if w.UserID == userID && w.Status == domain.WebhookActive && w.SubscribedTo(event) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (f *fakeWebhooks) Update(_ domain.Context, w domain.Webhook) (domain.Webhook, error) {
	cur, ok := f.byID[w.ID]
	if !ok {
		return domain.Webhook{}, domain.ErrNotFound
	}
	w.Secret = cur.Secret
	f.byID[w.ID] = w
	return w, nil
}

func (f *fakeWebhooks) ApplyDelivery(_ domain.Context, w domain.Webhook) error {
	cur, ok := f.byID[w.ID]
	if !ok {
		return domain.ErrNotFound
	}
	cur.Status = w.Status
	cur.Stats = w.Stats
	f.byID[w.ID] = cur
	return nil
}

func (f *fakeWebhooks) SetStatus(_ domain.Context, id string, status domain.WebhookStatus) error {
	w, ok := f.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	w.Status = status
	f.byID[id] = w
	return nil
}

func (f *fakeWebhooks) RotateSecret(_ domain.Context, id, userID, secret string) error {
	w, ok := f.byID[id]
	if !ok || w.UserID != userID {
		return domain.ErrNotFound
	}
	w.Secret = secret
	f.byID[id] = w
	return nil
}

func (f *fakeWebhooks) Delete(_ domain.Context, id, userID string) error {
	w, ok := f.byID[id]
	if !ok || w.UserID != userID {
		return domain.E(domain.CodeWebhookNotFound, "webhook %s not found", id)
	}
	delete(f.byID, id)
	return nil
}

type fakeDeliveries struct {
	byID map[string]domain.WebhookDelivery
}

func newFakeDeliveries() *fakeDeliveries {
	return &fakeDeliveries{byID: map[string]domain.WebhookDelivery{}}
}

func (f *fakeDeliveries) Create(_ domain.Context, d domain.WebhookDelivery) (domain.WebhookDelivery, error) {
	if d.ID == "" {
		d.ID = fmt.Sprintf("del-%d", len(f.byID)+1)
	}
	f.byID[d.ID] = d
	return d, nil
}

func (f *fakeDeliveries) Get(_ domain.Context, id string) (domain.WebhookDelivery, error) {
	d, ok := f.byID[id]
	if !ok {
		return domain.WebhookDelivery{}, domain.ErrNotFound
	}
	return d, nil
}

func (f *fakeDeliveries) GetOwned(_ domain.Context, id, userID string) (domain.WebhookDelivery, error) {
	d, ok := f.byID[id]
	if !ok || d.UserID != userID {
		return domain.WebhookDelivery{}, domain.E(domain.CodeWebhookDeliveryNotFound, "delivery %s not found", id)
	}
	return d, nil
}

func (f *fakeDeliveries) ListByWebhook(_ domain.Context, webhookID, userID string, _ domain.Page) ([]domain.WebhookDelivery, int64, error) {
	var out []domain.WebhookDelivery
	for _, d := range f.byID {
		if d.WebhookID == webhookID && d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeDeliveries) RecordAttempt(domain.Context, string, domain.DeliveryAttempt, domain.DeliveryStatus, *time.Time, *time.Time) error {
	panic("unused")
}
func (f *fakeDeliveries) DeleteOlderThan(domain.Context, time.Time) (int64, error) {
	panic("unused")
}

type fakeDispatcher struct {
	enqueued []domain.Event
}

func (f *fakeDispatcher) EnqueueDelivery(_ domain.Context, w domain.Webhook, e domain.Event) (domain.WebhookDelivery, error) {
	f.enqueued = append(f.enqueued, e)
	return domain.WebhookDelivery{ID: "del-test", WebhookID: w.ID, UserID: w.UserID,
		EventType: e.Type, Status: domain.DeliveryPending}, nil
}

// testEnv bundles the server, its fakes and a minted API key.
type testEnv struct {
	srv        *Server
	handler    http.Handler
	key        string
	user       domain.User
	keys       *fakeKeys
	engine     *fakeEngine
	jobs       *fakeJobs
	cvs        *fakeCVs
	versions   *fakeVersions
	users      *fakeUsers
	parses     *fakeParses
	ats        *fakeAtsRepo
	gens       *fakeGens
	store      *fakeStore
	webhooks   *fakeWebhooks
	deliveries *fakeDeliveries
	dispatcher *fakeDispatcher
	broker     *fakeBroker
}

const testPepper = "pepper-test"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	key, keyID, hash, err := NewAPIKey(testPepper)
	require.NoError(t, err)

	user := domain.User{ID: "user-1", Status: domain.UserActive, UsageResetAt: time.Now().UTC()}

	env := &testEnv{
		key:        key,
		user:       user,
		keys:       &fakeKeys{byKeyID: map[string]keyRecord{keyID: {user: user, hash: hash}}},
		jobs:       newFakeJobs(),
		cvs:        newFakeCVs(),
		users:      newFakeUsers(user),
		parses:     newFakeParses(),
		ats:        newFakeAtsRepo(),
		gens:       newFakeGens(),
		store:      newFakeStore(),
		webhooks:   newFakeWebhooks(),
		deliveries: newFakeDeliveries(),
		dispatcher: &fakeDispatcher{},
		broker:     newFakeBroker(),
	}
	env.versions = newFakeVersions(env.cvs)
	env.engine = &fakeEngine{jobs: env.jobs}

	cfg := config.Config{
		APIKeyPepper:     testPepper,
		MaxUploadMB:      10,
		CORSAllowOrigins: "*",
	}
	env.srv = &Server{
		Cfg:      cfg,
		Keys:     env.keys,
		CVs:      usecase.NewCVService(env.cvs, env.store, cfg.MaxUploadMB),
		Versions: usecase.NewVersionService(env.versions, env.cvs),
		Parsing:  usecase.NewParsingService(env.engine, env.jobs, env.cvs, env.parses, env.users),
		Optimize: usecase.NewOptimizeService(env.engine, env.jobs, env.cvs, env.versions, env.users),
		Ats:      usecase.NewAtsService(env.engine, env.jobs, env.cvs, env.ats, env.users),
		Gens:     usecase.NewGenerationService(env.engine, env.jobs, env.cvs, env.versions, env.gens, env.users, env.store),
		Jobs:     usecase.NewJobService(env.engine, env.jobs, env.broker),
		Webhooks: usecase.NewWebhookService(env.engine, env.webhooks, env.deliveries, env.dispatcher, 10),
	}
	env.handler = env.srv.Router()
	return env
}

// do issues an authenticated JSON request against the full router.
func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", env.key)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

// decodeBody unmarshals the recorded response into v.
func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

// errCode extracts the error envelope code.
func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env errorEnvelope
	decodeBody(t, rec, &env)
	return env.Error.Code
}

func seedCV(env *testEnv, cv domain.CV) domain.CV {
	if cv.UserID == "" {
		cv.UserID = env.user.ID
	}
	if cv.Status == "" {
		cv.Status = domain.CVDraft
	}
	out, _ := env.cvs.Create(nil, cv)
	return out
}
