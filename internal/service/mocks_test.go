package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/catalog-sync/internal/contenthash"
	"github.com/bigkaa/goartstore/catalog-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/catalog-sync/internal/repository"
	"github.com/bigkaa/goartstore/catalog-sync/internal/webdav"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// pngBytes создаёт PNG размером w×h; seed делает содержимое уникальным.
func pngBytes(t *testing.T, w, h int, seed uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: seed, G: 1, B: 2, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Ошибка кодирования PNG: %v", err)
	}
	return buf.Bytes()
}

// --- mockClock ---

// mockClock — управляемое время: каждый Now сдвигает часы на шаг.
type mockClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newMockClock() *mockClock {
	return &mockClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), step: time.Second}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

// Peek возвращает текущее значение без сдвига.
func (c *mockClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// --- mockRemote ---

type remoteFile struct {
	entry   webdav.Entry
	content []byte
}

// mockRemote — дерево Nextcloud в памяти: папки первого уровня и файлы в них.
type mockRemote struct {
	mu      sync.Mutex
	folders map[string]webdav.Entry
	files   map[string]*remoteFile
	nextID  int

	events   []model.Event
	probeErr error
	fetchErr error
	listErr  map[string]error

	downloads map[string]int
	lists     int
	fetches   []time.Time

	// onDownload вызывается до чтения содержимого (без блокировки)
	onDownload func(path string)
	// onFetch вызывается перед выдачей событий (без блокировки)
	onFetch func(since time.Time)
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		folders:   make(map[string]webdav.Entry),
		files:     make(map[string]*remoteFile),
		listErr:   make(map[string]error),
		downloads: make(map[string]int),
	}
}

func (m *mockRemote) id() string {
	m.nextID++
	return fmt.Sprintf("fid-%d", m.nextID)
}

func (m *mockRemote) addFolder(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id()
	m.folders[name] = webdav.Entry{Name: name, Path: name, IsCollection: true, FileID: id, ETag: "e-" + id}
	return id
}

func (m *mockRemote) addFile(path string, content []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id()
	_, name := splitPath(path)
	m.files[path] = &remoteFile{
		entry: webdav.Entry{
			Name:        name,
			Path:        path,
			ContentType: "image/png",
			Size:        int64(len(content)),
			FileID:      id,
			ETag:        "etag-" + contenthash.Sum(content)[:12],
		},
		content: content,
	}
	return id
}

func (m *mockRemote) removeFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
}

func (m *mockRemote) removeFolder(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.folders, name)
	for p := range m.files {
		if strings.HasPrefix(p, name+"/") {
			delete(m.files, p)
		}
	}
}

// moveFile переносит файл, сохраняя file_id и содержимое.
func (m *mockRemote) moveFile(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.files[from]
	delete(m.files, from)
	_, name := splitPath(to)
	f.entry.Path = to
	f.entry.Name = name
	m.files[to] = f
}

// renameFolder переименовывает папку, сохраняя file_id.
func (m *mockRemote) renameFolder(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.folders[from]
	delete(m.folders, from)
	e.Name, e.Path = to, to
	m.folders[to] = e
	for p, f := range m.files {
		if strings.HasPrefix(p, from+"/") {
			delete(m.files, p)
			f.entry.Path = to + strings.TrimPrefix(p, from)
			m.files[f.entry.Path] = f
		}
	}
}

// rewriteFile меняет содержимое файла с тем же file_id.
func (m *mockRemote) rewriteFile(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.files[path]
	f.content = content
	f.entry.Size = int64(len(content))
	f.entry.ETag = "etag-" + contenthash.Sum(content)[:12]
}

func (m *mockRemote) pushEvents(events ...model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
}

func (m *mockRemote) ListFolder(ctx context.Context, p string, depth int) ([]webdav.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	if err := m.listErr[p]; err != nil {
		return nil, err
	}

	if p == "" {
		if depth == 0 {
			return []webdav.Entry{{IsCollection: true}}, nil
		}
		entries := make([]webdav.Entry, 0, len(m.folders))
		for _, e := range m.folders {
			entries = append(entries, e)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
		return entries, nil
	}

	folder, ok := m.folders[p]
	if !ok {
		return nil, &webdav.HTTPError{Method: "PROPFIND", URL: p, StatusCode: 404}
	}
	if depth == 0 {
		return []webdav.Entry{folder}, nil
	}

	var entries []webdav.Entry
	for path, f := range m.files {
		if parent, _ := splitPath(path); parent == p {
			entries = append(entries, f.entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (m *mockRemote) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	if m.onDownload != nil {
		m.onDownload(p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads[p]++
	f, ok := m.files[p]
	if !ok {
		return nil, &webdav.HTTPError{Method: "GET", URL: p, StatusCode: 404}
	}
	return io.NopCloser(bytes.NewReader(f.content)), nil
}

func (m *mockRemote) FetchEventsSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	if m.onFetch != nil {
		m.onFetch(since)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches = append(m.fetches, since)
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	out := make([]model.Event, len(m.events))
	copy(out, m.events)
	return out, nil
}

func (m *mockRemote) ProbeIncrementalFeed(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probeErr
}

func (m *mockRemote) ProbeHealth(ctx context.Context) error { return nil }

func (m *mockRemote) downloadCount(p string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloads[p]
}

// --- mockFolderRepo / mockFileRepo ---

type mockCatalog struct {
	mu      sync.Mutex
	folders map[string]*model.FolderRecord
	files   map[string]*model.FileRecord
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{
		folders: make(map[string]*model.FolderRecord),
		files:   make(map[string]*model.FileRecord),
	}
}

func (c *mockCatalog) folderRepo() repository.FolderRepository { return &mockFolderRepo{c} }
func (c *mockCatalog) fileRepo() repository.FileRepository     { return &mockFileRepo{c} }

// presentFiles возвращает пути присутствующих файлов (отсортированы).
func (c *mockCatalog) presentFiles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.files {
		if f.ExistsRemotely {
			out = append(out, f.Path)
		}
	}
	sort.Strings(out)
	return out
}

func (c *mockCatalog) fileByPath(p string) *model.FileRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.files {
		if f.Path == p && f.ExistsRemotely {
			cp := *f
			return &cp
		}
	}
	return nil
}

func (c *mockCatalog) folderByPath(p string) *model.FolderRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.folders {
		if f.Path == p {
			cp := *f
			return &cp
		}
	}
	return nil
}

type mockFolderRepo struct{ c *mockCatalog }

func (r *mockFolderRepo) Upsert(ctx context.Context, f *model.FolderRecord) (bool, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	for _, existing := range r.c.folders {
		if existing.FileID == f.FileID {
			existing.Name = f.Name
			existing.Path = f.Path
			existing.ExistsRemotely = true
			existing.SyncedAt = f.SyncedAt
			*f = *existing
			return false, nil
		}
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.ExistsRemotely = true
	f.FirstSeenAt = f.SyncedAt
	cp := *f
	r.c.folders[f.ID] = &cp
	return true, nil
}

func (r *mockFolderRepo) find(match func(*model.FolderRecord) bool) (*model.FolderRecord, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	var best *model.FolderRecord
	for _, f := range r.c.folders {
		if match(f) && (best == nil || (f.ExistsRemotely && !best.ExistsRemotely)) {
			best = f
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (r *mockFolderRepo) GetByFileID(ctx context.Context, fileID string) (*model.FolderRecord, error) {
	return r.find(func(f *model.FolderRecord) bool { return f.FileID == fileID })
}

func (r *mockFolderRepo) GetByPath(ctx context.Context, path string) (*model.FolderRecord, error) {
	return r.find(func(f *model.FolderRecord) bool { return f.Path == path })
}

func (r *mockFolderRepo) GetByName(ctx context.Context, name string) (*model.FolderRecord, error) {
	return r.find(func(f *model.FolderRecord) bool { return f.Name == name })
}

func (r *mockFolderRepo) SetImagesFullySynced(ctx context.Context, id string, synced bool) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	f, ok := r.c.folders[id]
	if !ok {
		return repository.ErrNotFound
	}
	f.ImagesFullySynced = synced
	return nil
}

// markFolderAbsent — под блокировкой.
func (r *mockFolderRepo) markFolderAbsent(f *model.FolderRecord, at time.Time) int {
	f.ExistsRemotely = false
	f.SyncedAt = at
	n := 0
	for _, file := range r.c.files {
		if file.FolderID == f.ID && file.ExistsRemotely {
			file.ExistsRemotely = false
			file.SyncedAt = at
			n++
		}
	}
	return n
}

func (r *mockFolderRepo) MarkAbsent(ctx context.Context, id string, at time.Time) (int, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	f, ok := r.c.folders[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	return r.markFolderAbsent(f, at), nil
}

func (r *mockFolderRepo) MarkAbsentExcept(ctx context.Context, fileIDs []string, at time.Time) (int, int, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	keep := make(map[string]bool, len(fileIDs))
	for _, id := range fileIDs {
		keep[id] = true
	}
	folders, files := 0, 0
	for _, f := range r.c.folders {
		if f.ExistsRemotely && !keep[f.FileID] {
			files += r.markFolderAbsent(f, at)
			folders++
		}
	}
	return folders, files, nil
}

func (r *mockFolderRepo) Count(ctx context.Context) (int, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	return len(r.c.folders), nil
}

type mockFileRepo struct{ c *mockCatalog }

func (r *mockFileRepo) GetByHash(ctx context.Context, hash string) (*model.FileRecord, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	f, ok := r.c.files[hash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (r *mockFileRepo) Insert(ctx context.Context, f *model.FileRecord) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if _, ok := r.c.files[f.ContentHash]; ok {
		return repository.ErrConflict
	}
	f.FirstSeenAt = f.SyncedAt
	cp := *f
	r.c.files[f.ContentHash] = &cp
	return nil
}

func (r *mockFileRepo) Update(ctx context.Context, f *model.FileRecord) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	existing, ok := r.c.files[f.ContentHash]
	if !ok {
		return repository.ErrNotFound
	}
	first := existing.FirstSeenAt
	*existing = *f
	existing.FirstSeenAt = first
	return nil
}

func (r *mockFileRepo) find(match func(*model.FileRecord) bool) (*model.FileRecord, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	var best *model.FileRecord
	for _, f := range r.c.files {
		if match(f) && (best == nil || (f.ExistsRemotely && !best.ExistsRemotely)) {
			best = f
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (r *mockFileRepo) GetByPath(ctx context.Context, path string) (*model.FileRecord, error) {
	return r.find(func(f *model.FileRecord) bool { return f.Path == path })
}

func (r *mockFileRepo) GetByPathSuffix(ctx context.Context, name string) (*model.FileRecord, error) {
	return r.find(func(f *model.FileRecord) bool { return strings.HasSuffix(f.Path, "/"+name) })
}

func (r *mockFileRepo) GetInFolderByName(ctx context.Context, folderID, name string) (*model.FileRecord, error) {
	return r.find(func(f *model.FileRecord) bool { return f.FolderID == folderID && f.Name == name })
}

func (r *mockFileRepo) GetByRemoteFileID(ctx context.Context, remoteFileID string) (*model.FileRecord, error) {
	return r.find(func(f *model.FileRecord) bool { return f.RemoteFileID == remoteFileID })
}

func (r *mockFileRepo) MarkAbsent(ctx context.Context, hash string, at time.Time) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	f, ok := r.c.files[hash]
	if !ok {
		return repository.ErrNotFound
	}
	f.ExistsRemotely = false
	f.SyncedAt = at
	return nil
}

func (r *mockFileRepo) MarkAbsentInFolderExcept(ctx context.Context, folderID string, remoteFileIDs []string, at time.Time) (int, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	keep := make(map[string]bool, len(remoteFileIDs))
	for _, id := range remoteFileIDs {
		keep[id] = true
	}
	n := 0
	for _, f := range r.c.files {
		if f.FolderID == folderID && f.ExistsRemotely && f.RemoteFileID != "" && !keep[f.RemoteFileID] {
			f.ExistsRemotely = false
			f.SyncedAt = at
			n++
		}
	}
	return n, nil
}

func (r *mockFileRepo) MarkSuperseded(ctx context.Context, remoteFileID, currentHash string, at time.Time) (int, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	n := 0
	for _, f := range r.c.files {
		if f.RemoteFileID == remoteFileID && f.ContentHash != currentHash && f.ExistsRemotely {
			f.ExistsRemotely = false
			f.SyncedAt = at
			n++
		}
	}
	return n, nil
}

// --- mockSyncState ---

// mockSyncState — sync_state в памяти с той же семантикой, что и SQL.
type mockSyncState struct {
	mu    sync.Mutex
	st    model.SyncState
	err   error
	calls int
}

func newMockSyncState() *mockSyncState {
	return &mockSyncState{st: model.SyncState{ID: 1, IncrementalAvailable: true}}
}

func (m *mockSyncState) snapshot() model.SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

func (m *mockSyncState) update(fn func(st *model.SyncState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return m.err
	}
	fn(&m.st)
	return nil
}

func tp(t time.Time) *time.Time { return &t }

func (m *mockSyncState) Get(ctx context.Context) (*model.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	cp := m.st
	return &cp, nil
}

func (m *mockSyncState) TryAcquire(ctx context.Context) (bool, error) {
	acquired := false
	err := m.update(func(st *model.SyncState) {
		if !st.SyncInProgress {
			st.SyncInProgress = true
			acquired = true
		}
	})
	return acquired, err
}

func (m *mockSyncState) Release(ctx context.Context) error {
	return m.update(func(st *model.SyncState) { st.SyncInProgress = false })
}

func (m *mockSyncState) SetBootstrapStart(ctx context.Context, t time.Time) error {
	return m.update(func(st *model.SyncState) { st.CrawlBootstrapStart = tp(t) })
}

func (m *mockSyncState) SetIncrementalCursor(ctx context.Context, t time.Time) error {
	return m.update(func(st *model.SyncState) { st.LastIncrementalSync = tp(t) })
}

func (m *mockSyncState) SetCrawlCursor(ctx context.Context, t time.Time) error {
	return m.update(func(st *model.SyncState) { st.LastCrawlSync = tp(t) })
}

func (m *mockSyncState) IncrementIncrementalFailures(ctx context.Context, threshold int, at time.Time) (int, error) {
	var n int
	err := m.update(func(st *model.SyncState) {
		st.IncrementalFailures++
		n = st.IncrementalFailures
		if n >= threshold {
			st.IncrementalAvailable = false
			st.IncrementalLastCheck = tp(at)
		}
	})
	return n, err
}

func (m *mockSyncState) ResetIncrementalFailures(ctx context.Context) error {
	return m.update(func(st *model.SyncState) { st.IncrementalFailures = 0 })
}

func (m *mockSyncState) IncrementCrawlFailures(ctx context.Context) (int, error) {
	var n int
	err := m.update(func(st *model.SyncState) {
		st.CrawlFailures++
		n = st.CrawlFailures
	})
	return n, err
}

func (m *mockSyncState) ResetCrawlFailures(ctx context.Context) error {
	return m.update(func(st *model.SyncState) { st.CrawlFailures = 0 })
}

func (m *mockSyncState) SetIncrementalAvailable(ctx context.Context, available bool, at time.Time) error {
	return m.update(func(st *model.SyncState) {
		st.IncrementalAvailable = available
		st.IncrementalLastCheck = tp(at)
	})
}

func (m *mockSyncState) EvaluateOffline(ctx context.Context, threshold int, at time.Time) (bool, error) {
	var offline bool
	err := m.update(func(st *model.SyncState) {
		st.ServerOffline = st.IncrementalFailures >= threshold && st.CrawlFailures >= threshold
		st.LastHealthCheck = tp(at)
		offline = st.ServerOffline
	})
	return offline, err
}

func (m *mockSyncState) SetOffline(ctx context.Context, offline bool, at time.Time) error {
	return m.update(func(st *model.SyncState) {
		st.ServerOffline = offline
		st.LastHealthCheck = tp(at)
	})
}

func (m *mockSyncState) RecordResult(ctx context.Context, status, method string, syncErr *string) error {
	return m.update(func(st *model.SyncState) {
		st.LastSyncStatus = &status
		st.LastSyncMethod = &method
		st.LastSyncError = syncErr
	})
}

var (
	_ Remote                         = (*mockRemote)(nil)
	_ repository.SyncStateRepository = (*mockSyncState)(nil)
)
