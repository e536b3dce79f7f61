// Package memstore is an in-memory implementation of every repository
// interface in the store package. It backs the unit tests for the run
// engine, scheduler, caches, and web handlers; the SQL implementations
// under ingest/go/sql are the production counterparts.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.scholarhound.org/scholarhound/go/now"
	"go.scholarhound.org/scholarhound/go/skerr"
	"go.scholarhound.org/scholarhound/ingest/go/store"
	"go.scholarhound.org/scholarhound/ingest/go/types"
)

// MemStores implements all store interfaces behind one mutex.
type MemStores struct {
	mu          sync.Mutex
	users       map[int64]types.User
	settings    map[int64]types.UserSettings
	scholars    map[int64]types.ScholarProfile
	pubs        map[int64]types.Publication
	identifiers []types.PublicationIdentifier
	links       map[[2]int64]types.ScholarPublication
	runs        map[int64]types.CrawlRun
	queue       map[int64]types.QueueItem
	feeds       map[string]types.CachedFeed
	states      map[string]types.RuntimeState
	locks       map[int64]bool
	nextID      int64
}

// New returns an empty MemStores.
func New() *MemStores {
	return &MemStores{
		users:    map[int64]types.User{},
		settings: map[int64]types.UserSettings{},
		scholars: map[int64]types.ScholarProfile{},
		pubs:     map[int64]types.Publication{},
		links:    map[[2]int64]types.ScholarPublication{},
		runs:     map[int64]types.CrawlRun{},
		queue:    map[int64]types.QueueItem{},
		feeds:    map[string]types.CachedFeed{},
		states:   map[string]types.RuntimeState{},
		locks:    map[int64]bool{},
	}
}

// Stores returns the aggregate view consumed by the components.
func (m *MemStores) Stores() store.Stores {
	return store.Stores{
		Users:        m,
		Scholars:     m,
		Publications: m,
		Runs:         m,
		Queue:        m,
		Cache:        m,
		RuntimeState: m,
		Locker:       m,
	}
}

func (m *MemStores) id() int64 {
	m.nextID++
	return m.nextID
}

// PutUser seeds a user, assigning an id if unset.
func (m *MemStores) PutUser(u types.User) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		u.ID = m.id()
	}
	m.users[u.ID] = u
	return u.ID
}

// PutSettings seeds a settings row.
func (m *MemStores) PutSettings(s types.UserSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.UserID] = s
}

// PutScholar seeds a scholar profile, assigning an id if unset.
func (m *MemStores) PutScholar(s types.ScholarProfile) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		s.ID = m.id()
	}
	m.scholars[s.ID] = s
	return s.ID
}

// PutPublication seeds a publication, assigning an id if unset.
func (m *MemStores) PutPublication(p types.Publication) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		p.ID = m.id()
	}
	m.pubs[p.ID] = p
	return p.ID
}

// PutRun seeds a run, assigning an id if unset.
func (m *MemStores) PutRun(r types.CrawlRun) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == 0 {
		r.ID = m.id()
	}
	m.runs[r.ID] = r
	return r.ID
}

// PutQueueItem seeds a queue item, assigning an id if unset.
func (m *MemStores) PutQueueItem(q types.QueueItem) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.ID == 0 {
		q.ID = m.id()
	}
	m.queue[q.ID] = q
	return q.ID
}

// GetLink returns the scholar-publication link for tests.
func (m *MemStores) GetLink(scholarProfileID, publicationID int64) (types.ScholarPublication, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[[2]int64{scholarProfileID, publicationID}]
	return l, ok
}

// UserStore.

func (m *MemStores) GetUser(ctx context.Context, userID int64) (*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, skerr.Wrapf(store.ErrNotFound, "user %d", userID)
	}
	return &u, nil
}

func (m *MemStores) GetOrCreateSettings(ctx context.Context, userID int64) (*types.UserSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[userID]
	if !ok {
		s = types.UserSettings{
			UserID:              userID,
			RunIntervalMinutes:  1440,
			RequestDelaySeconds: 2,
		}
		m.settings[userID] = s
	}
	return &s, nil
}

func (m *MemStores) UpdateSettings(ctx context.Context, s *types.UserSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.UserID] = *s
	return nil
}

func (m *MemStores) ListAutoRunEnabled(ctx context.Context) ([]types.UserSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.UserSettings
	for _, s := range m.settings {
		if s.AutoRunEnabled {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// ScholarStore.

func (m *MemStores) GetScholar(ctx context.Context, id int64) (*types.ScholarProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scholars[id]
	if !ok {
		return nil, skerr.Wrapf(store.ErrNotFound, "scholar %d", id)
	}
	return &s, nil
}

func (m *MemStores) ListEnabled(ctx context.Context, userID int64) ([]types.ScholarProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ScholarProfile
	for _, s := range m.scholars {
		if s.UserID == userID && s.IsEnabled {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemStores) UpdateRunState(ctx context.Context, id int64, status types.ScholarOutcome, runDT time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scholars[id]
	if !ok {
		return skerr.Wrapf(store.ErrNotFound, "scholar %d", id)
	}
	s.LastRunStatus = status
	s.LastRunDT = &runDT
	m.scholars[id] = s
	return nil
}

func (m *MemStores) SetInitialPageFingerprint(ctx context.Context, id int64, fingerprint string, checkedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scholars[id]
	if !ok {
		return skerr.Wrapf(store.ErrNotFound, "scholar %d", id)
	}
	s.LastInitialPageFingerprint = fingerprint
	s.LastInitialPageCheckedAt = &checkedAt
	s.BaselineCompleted = true
	m.scholars[id] = s
	return nil
}

func (m *MemStores) UpdateProfileMeta(ctx context.Context, id int64, displayName, profileImageURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scholars[id]
	if !ok {
		return skerr.Wrapf(store.ErrNotFound, "scholar %d", id)
	}
	if displayName != "" {
		s.DisplayName = displayName
	}
	if profileImageURL != "" {
		s.ProfileImageURL = profileImageURL
	}
	m.scholars[id] = s
	return nil
}

// PublicationStore.

func (m *MemStores) GetPublication(ctx context.Context, id int64) (*types.Publication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pubs[id]
	if !ok {
		return nil, skerr.Wrapf(store.ErrNotFound, "publication %d", id)
	}
	return &p, nil
}

func (m *MemStores) findPub(match func(types.Publication) bool) *types.Publication {
	ids := make([]int64, 0, len(m.pubs))
	for id := range m.pubs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		p := m.pubs[id]
		if match(p) {
			return &p
		}
	}
	return nil
}

func (m *MemStores) FindByClusterID(ctx context.Context, clusterID string) (*types.Publication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findPub(func(p types.Publication) bool { return p.ClusterID != "" && p.ClusterID == clusterID }), nil
}

func (m *MemStores) FindByFingerprint(ctx context.Context, fp string) (*types.Publication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findPub(func(p types.Publication) bool { return p.FingerprintSHA256 == fp }), nil
}

func (m *MemStores) FindByCanonicalTitleHash(ctx context.Context, hash string) (*types.Publication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findPub(func(p types.Publication) bool { return p.CanonicalTitleHash == hash }), nil
}

func (m *MemStores) CreatePublication(ctx context.Context, p *types.Publication) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		p.ID = m.id()
	}
	m.pubs[p.ID] = *p
	return p.ID, nil
}

func (m *MemStores) UpdatePublication(ctx context.Context, p *types.Publication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pubs[p.ID]; !ok {
		return skerr.Wrapf(store.ErrNotFound, "publication %d", p.ID)
	}
	m.pubs[p.ID] = *p
	return nil
}

func (m *MemStores) AddIdentifier(ctx context.Context, id types.PublicationIdentifier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.identifiers {
		if existing.PublicationID == id.PublicationID && existing.Kind == id.Kind && existing.ValueNormalized == id.ValueNormalized {
			if id.Confidence > existing.Confidence {
				m.identifiers[i] = id
			}
			return nil
		}
	}
	m.identifiers = append(m.identifiers, id)
	return nil
}

func (m *MemStores) ListIdentifiers(ctx context.Context, publicationID int64) ([]types.PublicationIdentifier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.PublicationIdentifier
	for _, id := range m.identifiers {
		if id.PublicationID == publicationID {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *MemStores) LinkScholar(ctx context.Context, scholarProfileID, publicationID, runID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{scholarProfileID, publicationID}
	if _, ok := m.links[key]; ok {
		return false, nil
	}
	m.links[key] = types.ScholarPublication{
		ScholarProfileID: scholarProfileID,
		PublicationID:    publicationID,
		FirstSeenRunID:   runID,
		CreatedAt:        now.Now(ctx),
	}
	return true, nil
}

func (m *MemStores) userScholarIDs(userID int64) map[int64]bool {
	ids := map[int64]bool{}
	for _, s := range m.scholars {
		if s.UserID == userID {
			ids[s.ID] = true
		}
	}
	return ids
}

func (m *MemStores) ListForEnrichment(ctx context.Context, userID int64, attemptedBefore time.Time, limit int) ([]types.Publication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scholarIDs := m.userScholarIDs(userID)
	seen := map[int64]bool{}
	var out []types.Publication
	for key, link := range m.links {
		if !scholarIDs[key[0]] || seen[link.PublicationID] {
			continue
		}
		p, ok := m.pubs[link.PublicationID]
		if !ok || p.OpenAlexEnriched {
			continue
		}
		if p.OpenAlexLastAttemptAt != nil && !p.OpenAlexLastAttemptAt.Before(attemptedBefore) {
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStores) MarkEnrichmentAttempt(ctx context.Context, publicationID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pubs[publicationID]
	if !ok {
		return skerr.Wrapf(store.ErrNotFound, "publication %d", publicationID)
	}
	p.OpenAlexLastAttemptAt = &at
	m.pubs[publicationID] = p
	return nil
}

func (m *MemStores) BestDisplayIdentifier(ctx context.Context, publicationID int64) (*types.DisplayIdentifier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *types.PublicationIdentifier
	for i := range m.identifiers {
		id := &m.identifiers[i]
		if id.PublicationID != publicationID {
			continue
		}
		if best == nil || id.Confidence > best.Confidence {
			best = id
		}
	}
	if best == nil {
		return nil, nil
	}
	return &types.DisplayIdentifier{
		Kind:       best.Kind,
		Value:      best.ValueNormalized,
		Label:      strings.ToUpper(string(best.Kind)),
		Confidence: best.Confidence,
	}, nil
}

func (m *MemStores) FindIdentifierDuplicatePairs(ctx context.Context) ([][2]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byValue := map[string][]int64{}
	for _, id := range m.identifiers {
		key := string(id.Kind) + "|" + id.ValueNormalized
		byValue[key] = append(byValue[key], id.PublicationID)
	}
	keys := make([]string, 0, len(byValue))
	for k := range byValue {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var pairs [][2]int64
	seenDup := map[int64]bool{}
	for _, k := range keys {
		ids := byValue[k]
		if len(ids) < 2 {
			continue
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		winner := ids[0]
		for _, dup := range ids[1:] {
			if dup == winner || seenDup[dup] {
				continue
			}
			seenDup[dup] = true
			pairs = append(pairs, [2]int64{winner, dup})
		}
	}
	return pairs, nil
}

func (m *MemStores) MergePublications(ctx context.Context, winnerID, dupID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pubs[winnerID]; !ok {
		return skerr.Wrapf(store.ErrNotFound, "publication %d", winnerID)
	}
	for key, link := range m.links {
		if key[1] != dupID {
			continue
		}
		delete(m.links, key)
		newKey := [2]int64{key[0], winnerID}
		if _, exists := m.links[newKey]; !exists {
			link.PublicationID = winnerID
			m.links[newKey] = link
		}
	}
	remaining := m.identifiers[:0]
	for _, id := range m.identifiers {
		if id.PublicationID != dupID {
			remaining = append(remaining, id)
		}
	}
	m.identifiers = remaining
	delete(m.pubs, dupID)
	return nil
}

func (m *MemStores) ListForUser(ctx context.Context, userID int64, opts store.PublicationListOptions) ([]store.PublicationRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scholarIDs := m.userScholarIDs(userID)
	var rows []store.PublicationRow
	for key, link := range m.links {
		if !scholarIDs[key[0]] {
			continue
		}
		if !opts.SnapshotBefore.IsZero() && link.CreatedAt.After(opts.SnapshotBefore) {
			continue
		}
		p, ok := m.pubs[link.PublicationID]
		if !ok {
			continue
		}
		rows = append(rows, store.PublicationRow{
			Publication:      p,
			ScholarProfileID: link.ScholarProfileID,
			IsRead:           link.IsRead,
			IsFavorite:       link.IsFavorite,
			FirstSeenRunID:   link.FirstSeenRunID,
			FirstSeenAt:      link.CreatedAt,
		})
	}
	less := func(i, j int) bool {
		a, b := rows[i], rows[j]
		switch opts.SortBy {
		case "title":
			return a.TitleNormalized < b.TitleNormalized
		case "year":
			return a.Year < b.Year
		case "citations":
			return a.CitationCount < b.CitationCount
		case "scholar":
			return a.ScholarProfileID < b.ScholarProfileID
		case "pdf_status":
			return a.PDFURL < b.PDFURL
		default: // first_seen
			return a.FirstSeenAt.Before(b.FirstSeenAt)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if opts.SortDesc {
			return less(j, i)
		}
		return less(i, j)
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(rows) {
			return nil, nil
		}
		rows = rows[opts.Offset:]
	}
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return rows, nil
}

func (m *MemStores) MarkAllUnreadAsRead(ctx context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scholarIDs := m.userScholarIDs(userID)
	n := 0
	for key, link := range m.links {
		if scholarIDs[key[0]] && !link.IsRead {
			link.IsRead = true
			m.links[key] = link
			n++
		}
	}
	return n, nil
}

func (m *MemStores) MarkSelectedAsRead(ctx context.Context, userID int64, publicationIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	scholarIDs := m.userScholarIDs(userID)
	want := map[int64]bool{}
	for _, id := range publicationIDs {
		want[id] = true
	}
	for key, link := range m.links {
		if scholarIDs[key[0]] && want[link.PublicationID] {
			link.IsRead = true
			m.links[key] = link
		}
	}
	return nil
}

func (m *MemStores) SetFavorite(ctx context.Context, userID, publicationID int64, favorite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	scholarIDs := m.userScholarIDs(userID)
	for key, link := range m.links {
		if scholarIDs[key[0]] && link.PublicationID == publicationID {
			link.IsFavorite = favorite
			m.links[key] = link
			return nil
		}
	}
	return skerr.Wrapf(store.ErrNotFound, "no link for user %d publication %d", userID, publicationID)
}

// RunStore.

func (m *MemStores) CreateRun(ctx context.Context, run *types.CrawlRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.UserID == run.UserID && r.Status.IsActive() {
			return skerr.Wrap(store.ErrActiveRunExists)
		}
	}
	if run.TriggerType == types.TriggerManual && run.IdempotencyKey != "" {
		for _, r := range m.runs {
			if r.UserID == run.UserID && r.TriggerType == types.TriggerManual && r.IdempotencyKey == run.IdempotencyKey {
				return skerr.Wrap(store.ErrIdempotencyConflict)
			}
		}
	}
	if run.ID == 0 {
		run.ID = m.id()
	}
	m.runs[run.ID] = *run
	return nil
}

func (m *MemStores) GetRun(ctx context.Context, runID int64) (*types.CrawlRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, skerr.Wrapf(store.ErrNotFound, "run %d", runID)
	}
	return &r, nil
}

func (m *MemStores) GetRunStatus(ctx context.Context, runID int64) (types.RunStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return "", skerr.Wrapf(store.ErrNotFound, "run %d", runID)
	}
	return r.Status, nil
}

func (m *MemStores) GetByIdempotencyKey(ctx context.Context, userID int64, key string) (*types.CrawlRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.UserID == userID && r.TriggerType == types.TriggerManual && r.IdempotencyKey == key {
			r := r
			return &r, nil
		}
	}
	return nil, nil
}

func (m *MemStores) IncNewPubCount(ctx context.Context, runID int64, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return skerr.Wrapf(store.ErrNotFound, "run %d", runID)
	}
	r.NewPubCount += delta
	m.runs[runID] = r
	return nil
}

func (m *MemStores) FinalizeRun(ctx context.Context, runID int64, endDT time.Time, scholarCount int, log types.RunLog, status types.RunStatus) (types.RunStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return "", skerr.Wrapf(store.ErrNotFound, "run %d", runID)
	}
	r.EndDT = &endDT
	r.ScholarCount = scholarCount
	r.Log = log
	if r.Status != types.RunStatusCanceled {
		r.Status = status
	}
	m.runs[runID] = r
	return r.Status, nil
}

func (m *MemStores) FinishResolving(ctx context.Context, runID int64, terminal types.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return skerr.Wrapf(store.ErrNotFound, "run %d", runID)
	}
	if r.Status != types.RunStatusResolving {
		return nil
	}
	r.Status = terminal
	m.runs[runID] = r
	return nil
}

func (m *MemStores) CancelRun(ctx context.Context, runID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return skerr.Wrapf(store.ErrNotFound, "run %d", runID)
	}
	if r.Status.IsTerminal() {
		return skerr.Wrap(store.ErrNotCancelable)
	}
	r.Status = types.RunStatusCanceled
	r.EndDT = &at
	m.runs[runID] = r
	return nil
}

func (m *MemStores) LastRunStart(ctx context.Context, userID int64) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, r := range m.runs {
		if r.UserID != userID {
			continue
		}
		t := r.StartDT
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}
	return latest, nil
}

// QueueStore.

func (m *MemStores) UpsertJob(ctx context.Context, job *types.QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, q := range m.queue {
		if q.UserID == job.UserID && q.ScholarProfileID == job.ScholarProfileID {
			job.ID = id
			// Scheduler retries keep counting across re-queues; only a
			// dropped job being resurrected starts its attempts over.
			if q.Status != types.QueueStatusDropped {
				job.AttemptCount = q.AttemptCount
			}
			m.queue[id] = *job
			return nil
		}
	}
	if job.ID == 0 {
		job.ID = m.id()
	}
	m.queue[job.ID] = *job
	return nil
}

func (m *MemStores) GetJob(ctx context.Context, id int64) (*types.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queue[id]
	if !ok {
		return nil, skerr.Wrapf(store.ErrNotFound, "queue item %d", id)
	}
	return &q, nil
}

func (m *MemStores) ClearForScholar(ctx context.Context, userID, scholarProfileID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, q := range m.queue {
		if q.UserID == userID && q.ScholarProfileID == scholarProfileID {
			delete(m.queue, id)
		}
	}
	return nil
}

func (m *MemStores) DeleteJob(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queue, id)
	return nil
}

func (m *MemStores) ListDue(ctx context.Context, nowTS time.Time, limit int) ([]types.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.QueueItem
	for _, q := range m.queue {
		if (q.Status == types.QueueStatusQueued || q.Status == types.QueueStatusRetrying) && !q.NextAttemptDT.After(nowTS) {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextAttemptDT.Equal(out[j].NextAttemptDT) {
			return out[i].NextAttemptDT.Before(out[j].NextAttemptDT)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStores) ListJobsForUser(ctx context.Context, userID int64) ([]types.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.QueueItem
	for _, q := range m.queue {
		if q.UserID == userID {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStores) IncrementAttempt(ctx context.Context, id int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queue[id]
	if !ok {
		return 0, skerr.Wrapf(store.ErrNotFound, "queue item %d", id)
	}
	q.AttemptCount++
	m.queue[id] = q
	return q.AttemptCount, nil
}

func (m *MemStores) ResetAttempts(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queue[id]
	if !ok {
		return skerr.Wrapf(store.ErrNotFound, "queue item %d", id)
	}
	q.AttemptCount = 0
	m.queue[id] = q
	return nil
}

func (m *MemStores) MarkRetrying(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queue[id]
	if !ok {
		return skerr.Wrapf(store.ErrNotFound, "queue item %d", id)
	}
	q.Status = types.QueueStatusRetrying
	m.queue[id] = q
	return nil
}

func (m *MemStores) MarkDropped(ctx context.Context, id int64, reason, lastError string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queue[id]
	if !ok {
		return skerr.Wrapf(store.ErrNotFound, "queue item %d", id)
	}
	q.Status = types.QueueStatusDropped
	q.DroppedReason = reason
	q.LastError = lastError
	q.DroppedAt = &at
	m.queue[id] = q
	return nil
}

func (m *MemStores) MarkQueuedNow(ctx context.Context, id int64, reason string, resetAttempts bool, nowTS time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queue[id]
	if !ok {
		return skerr.Wrapf(store.ErrNotFound, "queue item %d", id)
	}
	q.Status = types.QueueStatusQueued
	q.Reason = reason
	q.NextAttemptDT = nowTS
	q.DroppedReason = ""
	q.DroppedAt = nil
	if resetAttempts {
		q.AttemptCount = 0
	}
	m.queue[id] = q
	return nil
}

func (m *MemStores) RescheduleJob(ctx context.Context, id int64, nextAttempt time.Time, reason, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queue[id]
	if !ok {
		return skerr.Wrapf(store.ErrNotFound, "queue item %d", id)
	}
	q.Status = types.QueueStatusQueued
	q.NextAttemptDT = nextAttempt
	q.Reason = reason
	q.LastError = lastError
	m.queue[id] = q
	return nil
}

func (m *MemStores) CountActive(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.queue {
		if q.Status == types.QueueStatusQueued || q.Status == types.QueueStatusRetrying {
			n++
		}
	}
	return n, nil
}

// CacheStore.

func feedKey(service, key string) string {
	return service + "|" + key
}

func (m *MemStores) GetFeed(ctx context.Context, service, key string) (*types.CachedFeed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.feeds[feedKey(service, key)]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (m *MemStores) UpsertFeed(ctx context.Context, feed *types.CachedFeed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeds[feedKey(feed.Service, feed.QueryKey)] = *feed
	return nil
}

func (m *MemStores) DeleteFeed(ctx context.Context, service, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.feeds, feedKey(service, key))
	return nil
}

func (m *MemStores) PruneToMax(ctx context.Context, service string, max int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []types.CachedFeed
	for _, f := range m.feeds {
		if f.Service == service {
			rows = append(rows, f)
		}
	}
	if len(rows) <= max {
		return nil
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CachedAt.Before(rows[j].CachedAt) })
	for _, f := range rows[:len(rows)-max] {
		delete(m.feeds, feedKey(f.Service, f.QueryKey))
	}
	return nil
}

// RuntimeStateStore.

func (m *MemStores) GetState(ctx context.Context, key string) (*types.RuntimeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[key]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemStores) UpsertState(ctx context.Context, s *types.RuntimeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.StateKey] = *s
	return nil
}

// UserLocker.

func (m *MemStores) AcquireRunLock(ctx context.Context, userID int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[userID] {
		return nil, false, nil
	}
	m.locks[userID] = true
	release := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.locks, userID)
	}
	return release, true, nil
}

// Compile-time interface checks.
var (
	_ store.UserStore         = (*MemStores)(nil)
	_ store.ScholarStore      = (*MemStores)(nil)
	_ store.PublicationStore  = (*MemStores)(nil)
	_ store.RunStore          = (*MemStores)(nil)
	_ store.QueueStore        = (*MemStores)(nil)
	_ store.CacheStore        = (*MemStores)(nil)
	_ store.RuntimeStateStore = (*MemStores)(nil)
	_ store.UserLocker        = (*MemStores)(nil)
)
