package usecase

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/internal/engine"
)

// Hand-rolled in-memory fakes for the ports the services touch. Methods
// the tests never exercise panic so an accidental call is loud.

type fakeEngine struct {
	jobs       map[string]domain.Job
	created    []domain.Job
	cancelled  []string
	failCreate error
}

func newFakeEngine() *fakeEngine { return &fakeEngine{jobs: map[string]domain.Job{}} }

func (f *fakeEngine) Create(_ domain.Context, t domain.JobType, data any, opts engine.CreateOptions) (domain.Job, error) {
	if f.failCreate != nil {
		return domain.Job{}, f.failCreate
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return domain.Job{}, err
	}
	j := domain.Job{
		ID:       fmt.Sprintf("job-%d", len(f.created)+1),
		Type:     t,
		UserID:   opts.UserID,
		Status:   domain.JobPending,
		Data:     raw,
		DedupKey: opts.DedupKey,
		QueuedAt: time.Now().UTC(),
	}
	if opts.MaxRetries != nil {
		j.MaxRetries = *opts.MaxRetries
	}
	f.created = append(f.created, j)
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeEngine) Cancel(_ domain.Context, jobID, userID string) (domain.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok || j.UserID != userID {
		return domain.Job{}, domain.ErrNotFound
	}
	j.Status = domain.JobCancelled
	f.jobs[jobID] = j
	f.cancelled = append(f.cancelled, jobID)
	return j, nil
}

func (f *fakeEngine) Retry(_ domain.Context, jobID, userID string) (domain.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok || j.UserID != userID {
		return domain.Job{}, domain.ErrNotFound
	}
	return f.Create(nil, j.Type, json.RawMessage(j.Data), engine.CreateOptions{UserID: userID, RetryOf: j.ID})
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
		return domain.CV{}, domain.ErrNotFound
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
		return domain.CV{}, domain.E(domain.CodeConflict, "stale docVersion")
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
		return domain.ErrNotFound
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
		return domain.CVVersion{}, domain.ErrNotFound
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
		return domain.ErrNotFound
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
		return domain.ErrNotFound
	}
	if v.IsActive {
		return domain.E(domain.CodeVersionActiveLocked, "cannot delete the active version")
	}
	delete(f.byID, versionID)
	return nil
}

type fakeUsers struct {
	byID     map[string]domain.User
	consumed []domain.UsageKind
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

func (f *fakeUsers) ConsumeUsage(_ domain.Context, userID string, kind domain.UsageKind, monthStart time.Time) error {
	u, ok := f.byID[userID]
	if !ok {
		return domain.ErrNotFound
	}
	if u.UsageResetAt.Before(monthStart) {
		u.Usage = domain.UsageCounters{}
		u.UsageResetAt = monthStart
	}
	switch kind {
	case domain.UsageGenerations:
		if u.Limits.MonthlyGenerations > 0 && u.Usage.Generations >= u.Limits.MonthlyGenerations {
			return domain.E(domain.CodeUsageExceeded, "monthly generations limit reached")
		}
		u.Usage.Generations++
	case domain.UsageEnhancements:
		if u.Limits.MonthlyEnhancements > 0 && u.Usage.Enhancements >= u.Limits.MonthlyEnhancements {
			return domain.E(domain.CodeUsageExceeded, "monthly enhancements limit reached")
		}
		u.Usage.Enhancements++
	case domain.UsageAnalyses:
		if u.Limits.MonthlyAnalyses > 0 && u.Usage.Analyses >= u.Limits.MonthlyAnalyses {
			return domain.E(domain.CodeUsageExceeded, "monthly analyses limit reached")
		}
		u.Usage.Analyses++
	}
	f.byID[userID] = u
	f.consumed = append(f.consumed, kind)
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
		return domain.CvParsingJob{}, domain.ErrNotFound
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

type fakeAts struct {
	byJobID map[string]domain.AtsAnalysis
}

func newFakeAts() *fakeAts { return &fakeAts{byJobID: map[string]domain.AtsAnalysis{}} }

func (f *fakeAts) Create(_ domain.Context, a domain.AtsAnalysis) (domain.AtsAnalysis, error) {
	a.ID = "ats-" + a.JobID
	f.byJobID[a.JobID] = a
	return a, nil
}

func (f *fakeAts) GetByJobID(_ domain.Context, jobID string) (domain.AtsAnalysis, error) {
	a, ok := f.byJobID[jobID]
	if !ok {
		return domain.AtsAnalysis{}, domain.ErrNotFound
	}
	return a, nil
}

func (f *fakeAts) GetOwnedByJobID(_ domain.Context, jobID, userID string) (domain.AtsAnalysis, error) {
	a, ok := f.byJobID[jobID]
	if !ok || a.UserID != userID {
		return domain.AtsAnalysis{}, domain.ErrNotFound
	}
	return a, nil
}

func (f *fakeAts) MarkProcessing(domain.Context, string, time.Time) error { panic("unused") }
func (f *fakeAts) Complete(domain.Context, string, domain.AtsResult, time.Time) error {
	panic("unused")
}
func (f *fakeAts) Fail(domain.Context, string, string, time.Time) error { panic("unused") }

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
		return domain.Generation{}, domain.ErrNotFound
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
		return domain.Webhook{}, domain.ErrNotFound
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
		return domain.ErrNotFound
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
		return domain.WebhookDelivery{}, domain.ErrNotFound
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

func activeUser(id string) domain.User {
	return domain.User{
		ID:           id,
		Status:       domain.UserActive,
		UsageResetAt: monthStart(time.Now().UTC()),
	}
}
