// events.go — применение событий Activity API к каталогу.
//
// EventProcessor.Process:
//  1. Отбор семи релевантных типов событий
//  2. События папок применяются строго раньше событий файлов
//  3. Путь объекта: object_name → objects (для object_type=files) → subject
//  4. Ошибка отдельного события попадает в EventStats.Errors и не прерывает проход
//
// Каталог охватывает папки первого уровня и изображения в них, как и полный обход;
// события вне этой области пропускаются.
//
// Prometheus-метрики:
//   - catalog_sync_events_total — обработанные события (по типу и результату)
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tidwall/gjson"

	"github.com/bigkaa/goartstore/catalog-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/catalog-sync/internal/repository"
	"github.com/bigkaa/goartstore/catalog-sync/internal/webdav"
)

// Типы событий Activity API.
const (
	EventFileCreated   = "file_created"
	EventFileDeleted   = "file_deleted"
	EventFileChanged   = "file_changed"
	EventFileMoved     = "file_moved"
	EventFolderCreated = "folder_created"
	EventFolderDeleted = "folder_deleted"
	EventFolderChanged = "folder_changed"
)

var folderEventTypes = map[string]bool{
	EventFolderCreated: true,
	EventFolderDeleted: true,
	EventFolderChanged: true,
}

var fileEventTypes = map[string]bool{
	EventFileCreated: true,
	EventFileDeleted: true,
	EventFileChanged: true,
	EventFileMoved:   true,
}

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "catalog_sync_events_total",
	Help: "Количество обработанных событий Activity API",
}, []string{"type", "outcome"}) // outcome: applied, failed

// EventProcessor применяет события Activity API к каталогу.
type EventProcessor struct {
	w        *catalogWriter
	userPath string
	listings *ListingCache
	logger   *slog.Logger
}

// NewEventProcessor создаёт обработчик событий.
// userPath — путь пользователя (/files/alice), снимается с путей событий.
func NewEventProcessor(
	remote Remote,
	folders repository.FolderRepository,
	files repository.FileRepository,
	batchSize int,
	userPath string,
	listings *ListingCache,
	logger *slog.Logger,
) *EventProcessor {
	logger = logger.With(slog.String("component", "event_processor"))
	return &EventProcessor{
		w:        newCatalogWriter(remote, folders, files, batchSize, logger),
		userPath: "/" + strings.Trim(userPath, "/"),
		listings: listings,
		logger:   logger,
	}
}

// eventRun — память одного прохода: каждый путь обрабатывается не более одного раза.
type eventRun struct {
	method    string
	processed map[string]bool
	failed    map[string]bool
	stats     *model.EventStats
}

// Process применяет события. Возвращает ошибку только при отмене контекста.
func (p *EventProcessor) Process(ctx context.Context, events []model.Event, method string) (*model.EventStats, error) {
	run := &eventRun{
		method:    method,
		processed: make(map[string]bool),
		failed:    make(map[string]bool),
		stats:     &model.EventStats{},
	}
	p.listings.Purge()

	ordered := orderEvents(events)
	for _, ev := range ordered {
		if err := ctx.Err(); err != nil {
			return run.stats, err
		}
		run.stats.EventsProcessed++

		if err := p.apply(ctx, run, ev); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return run.stats, ctxErr
			}
			run.stats.Errors = append(run.stats.Errors,
				fmt.Sprintf("%s (activity %d): %v", ev.Type, ev.ActivityID, err))
			eventsTotal.WithLabelValues(ev.Type, "failed").Inc()
			p.logger.Warn("Ошибка обработки события",
				slog.String("type", ev.Type),
				slog.Int64("activity_id", ev.ActivityID),
				slog.String("error", err.Error()),
			)
			continue
		}
		eventsTotal.WithLabelValues(ev.Type, "applied").Inc()
	}

	s := run.stats
	p.logger.Info("События применены",
		slog.String("method", method),
		slog.Int("received", len(events)),
		slog.Int("processed", s.EventsProcessed),
		slog.Int("folders_created", s.FoldersCreated),
		slog.Int("folders_updated", s.FoldersUpdated),
		slog.Int("folders_deleted", s.FoldersDeleted),
		slog.Int("files_created", s.FilesCreated),
		slog.Int("files_updated", s.FilesUpdated),
		slog.Int("files_deleted", s.FilesDeleted),
		slog.Int("errors", len(s.Errors)),
	)
	return s, nil
}

// orderEvents отбирает релевантные события: сначала папки, затем файлы,
// с сохранением исходного порядка внутри каждой группы.
func orderEvents(events []model.Event) []model.Event {
	ordered := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if folderEventTypes[ev.Type] {
			ordered = append(ordered, ev)
		}
	}
	for _, ev := range events {
		if fileEventTypes[ev.Type] {
			ordered = append(ordered, ev)
		}
	}
	return ordered
}

func (p *EventProcessor) apply(ctx context.Context, run *eventRun, ev model.Event) error {
	path, ok := p.resolvePath(ev)
	if !ok {
		p.logger.Debug("Событие без пути пропущено",
			slog.String("type", ev.Type),
			slog.Int64("activity_id", ev.ActivityID),
		)
		return nil
	}

	switch ev.Type {
	case EventFolderCreated, EventFolderChanged:
		return p.folderUpserted(ctx, run, path)
	case EventFolderDeleted:
		return p.folderDeleted(ctx, run, path)
	case EventFileCreated:
		return p.fileCreated(ctx, run, path)
	case EventFileDeleted:
		return p.fileDeleted(ctx, run, path)
	case EventFileChanged, EventFileMoved:
		return p.fileChanged(ctx, run, path)
	}
	return nil
}

// resolvePath извлекает относительный путь объекта события.
// Неоднозначный результат — пропуск события.
func (p *EventProcessor) resolvePath(ev model.Event) (string, bool) {
	raw := strings.TrimSpace(ev.ObjectName)

	if raw == "" && ev.ObjectType == "files" && len(ev.Raw) > 0 {
		gjson.GetBytes(ev.Raw, "objects").ForEach(func(_, v gjson.Result) bool {
			raw = strings.TrimSpace(v.String())
			return raw == ""
		})
	}

	if raw == "" {
		words := strings.Fields(ev.Subject)
		if len(words) > 2 {
			raw = strings.Join(words[2:], "/")
		}
	}

	if raw == p.userPath {
		return "", false
	}
	raw = strings.TrimPrefix(raw, p.userPath+"/")
	rel := strings.Trim(raw, "/")
	if rel == "" {
		return "", false
	}
	return rel, true
}

// splitPath делит путь на родительскую папку и имя.
func splitPath(p string) (parent, name string) {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[:i], p[i+1:]
	}
	return "", p
}

// listing возвращает листинг из кэша или запрашивает его у Nextcloud.
func (p *EventProcessor) listing(ctx context.Context, path string, depth int, fresh bool) ([]webdav.Entry, error) {
	if !fresh {
		if entries, ok := p.listings.Get(path, depth); ok {
			return entries, nil
		}
	}
	entries, err := p.w.remote.ListFolder(ctx, path, depth)
	if err != nil {
		return nil, err
	}
	p.listings.Set(path, depth, entries)
	return entries, nil
}

// matchEntry ищет элемент по пути (точное совпадение или окончание "/path").
func matchEntry(entries []webdav.Entry, path string, collection bool) *webdav.Entry {
	for i := range entries {
		e := &entries[i]
		if e.IsCollection != collection {
			continue
		}
		if e.Path == path || strings.HasSuffix(e.Path, "/"+path) {
			return e
		}
	}
	return nil
}

// lookupFile ищет файл в листинге родительской папки. При промахе по кэшу
// листинг перезапрашивается один раз. nil без ошибки — файла нет в Nextcloud.
func (p *EventProcessor) lookupFile(ctx context.Context, path string) (*webdav.Entry, error) {
	parent, _ := splitPath(path)

	_, cached := p.listings.Get(parent, 1)
	entries, err := p.listing(ctx, parent, 1, false)
	if err != nil {
		return nil, fmt.Errorf("листинг %q: %w", parent, err)
	}
	if e := matchEntry(entries, path, false); e != nil {
		return e, nil
	}
	if !cached {
		return nil, nil
	}

	entries, err = p.listing(ctx, parent, 1, true)
	if err != nil {
		return nil, fmt.Errorf("листинг %q: %w", parent, err)
	}
	return matchEntry(entries, path, false), nil
}

// resolveFolder возвращает запись родительской папки файла: листинг depth 0
// и upsert по file_id, если папка не известна каталогу или изменилась.
func (p *EventProcessor) resolveFolder(ctx context.Context, run *eventRun, path string) (*model.FolderRecord, error) {
	entries, err := p.listing(ctx, path, 0, false)
	if err != nil {
		return nil, fmt.Errorf("листинг папки %q: %w", path, err)
	}
	self := matchEntry(entries, path, true)
	if self == nil {
		return nil, fmt.Errorf("папка %q не найдена в Nextcloud", path)
	}
	if self.FileID == "" {
		return nil, fmt.Errorf("папка %q без file_id", path)
	}

	existing, err := p.w.folders.GetByFileID(ctx, self.FileID)
	if err == nil && existing.ExistsRemotely && existing.Path == self.Path && existing.Name == self.Name {
		return existing, nil
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	folder, created, err := p.w.upsertFolder(ctx, *self)
	if err != nil {
		return nil, err
	}
	if created {
		run.stats.FoldersCreated++
	} else {
		run.stats.FoldersUpdated++
	}
	return folder, nil
}

// inScope проверяет, что путь входит в каталог: папка первого уровня
// или файл внутри такой папки.
func inScope(path string, folder bool) bool {
	depth := strings.Count(path, "/")
	if folder {
		return depth == 0
	}
	return depth == 1
}

// --- События папок ---

func (p *EventProcessor) folderUpserted(ctx context.Context, run *eventRun, path string) error {
	if !inScope(path, true) {
		return nil
	}

	var entry *webdav.Entry
	entries, err := p.listing(ctx, path, 0, false)
	if err == nil {
		entry = matchEntry(entries, path, true)
	}
	if entry == nil {
		parent, name := splitPath(path)
		siblings, lerr := p.listing(ctx, parent, 1, false)
		if lerr != nil {
			if err != nil {
				return fmt.Errorf("папка %q: %w", path, err)
			}
			return fmt.Errorf("листинг %q: %w", parent, lerr)
		}
		for i := range siblings {
			if siblings[i].IsCollection && (siblings[i].Name == name || siblings[i].Path == path) {
				entry = &siblings[i]
				break
			}
		}
	}
	if entry == nil {
		return fmt.Errorf("папка %q не найдена в Nextcloud", path)
	}

	folder, created, err := p.w.upsertFolder(ctx, *entry)
	if err != nil {
		return err
	}
	if !created {
		run.stats.FoldersUpdated++
		return nil
	}

	run.stats.FoldersCreated++
	stats, err := p.w.syncFolderImages(ctx, folder, run.method)
	run.stats.FilesCreated += stats.created
	run.stats.FilesUpdated += stats.updated
	if err != nil {
		return err
	}

	p.logger.Debug("Новая папка синхронизирована",
		slog.String("path", folder.Path),
		slog.Int("images", stats.processed),
	)
	return nil
}

func (p *EventProcessor) folderDeleted(ctx context.Context, run *eventRun, path string) error {
	folder, err := p.w.folders.GetByPath(ctx, path)
	if errors.Is(err, repository.ErrNotFound) {
		_, name := splitPath(path)
		folder, err = p.w.folders.GetByName(ctx, name)
	}
	if errors.Is(err, repository.ErrNotFound) {
		p.logger.Debug("Удалённая папка не найдена в каталоге", slog.String("path", path))
		return nil
	}
	if err != nil {
		return err
	}
	if !folder.ExistsRemotely {
		return nil
	}

	files, err := p.w.folders.MarkAbsent(ctx, folder.ID, p.w.now())
	if err != nil {
		return err
	}
	run.stats.FoldersDeleted++

	p.logger.Debug("Папка помечена отсутствующей",
		slog.String("path", folder.Path),
		slog.Int("files", files),
	)
	return nil
}

// --- События файлов ---

func (p *EventProcessor) fileCreated(ctx context.Context, run *eventRun, path string) error {
	if !isImagePath(path) || !inScope(path, false) {
		return nil
	}
	if run.processed[path] || run.failed[path] {
		return nil
	}

	entry, err := p.lookupFile(ctx, path)
	if err != nil {
		run.failed[path] = true
		return err
	}
	if entry == nil {
		run.failed[path] = true
		p.logger.Debug("Созданный файл не найден в Nextcloud", slog.String("path", path))
		return nil
	}

	parent, _ := splitPath(path)
	folder, err := p.resolveFolder(ctx, run, parent)
	if err != nil {
		run.failed[path] = true
		return err
	}

	_, created, err := p.w.ingestImage(ctx, *entry, folder.ID, run.method)
	if err != nil {
		run.failed[path] = true
		return err
	}
	run.processed[path] = true
	if created {
		run.stats.FilesCreated++
	} else {
		run.stats.FilesUpdated++
	}
	return nil
}

func (p *EventProcessor) fileDeleted(ctx context.Context, run *eventRun, path string) error {
	file, err := p.w.files.GetByPath(ctx, path)
	if errors.Is(err, repository.ErrNotFound) {
		file, err = p.deletedByName(ctx, path)
	}
	if errors.Is(err, repository.ErrNotFound) {
		p.logger.Debug("Удалённый файл не найден в каталоге", slog.String("path", path))
		return nil
	}
	if err != nil {
		return err
	}
	if !file.ExistsRemotely {
		return nil
	}

	if err := p.w.files.MarkAbsent(ctx, file.ContentHash, p.w.now()); err != nil {
		return err
	}
	run.stats.FilesDeleted++
	return nil
}

// deletedByName ищет удалённый файл по имени: в папке события, если она есть
// в каталоге, иначе по окончанию пути во всём каталоге.
func (p *EventProcessor) deletedByName(ctx context.Context, path string) (*model.FileRecord, error) {
	parent, name := splitPath(path)
	if parent != "" {
		folder, err := p.w.folders.GetByPath(ctx, parent)
		switch {
		case err == nil:
			return p.w.files.GetInFolderByName(ctx, folder.ID, name)
		case !errors.Is(err, repository.ErrNotFound):
			return nil, err
		}
	}
	return p.w.files.GetByPathSuffix(ctx, name)
}

func (p *EventProcessor) fileChanged(ctx context.Context, run *eventRun, path string) error {
	if !isImagePath(path) || !inScope(path, false) {
		return nil
	}
	if run.processed[path] || run.failed[path] {
		return nil
	}

	entry, err := p.lookupFile(ctx, path)
	if err != nil {
		return err
	}

	file, err := p.w.files.GetByPath(ctx, path)
	if errors.Is(err, repository.ErrNotFound) && entry != nil && entry.FileID != "" {
		file, err = p.w.files.GetByRemoteFileID(ctx, entry.FileID)
	}
	if errors.Is(err, repository.ErrNotFound) {
		if entry == nil {
			return nil
		}
		// Файла ещё нет в каталоге (например, перенесён из-за пределов каталога)
		return p.fileCreated(ctx, run, path)
	}
	if err != nil {
		return err
	}

	if entry == nil {
		run.failed[path] = true
		p.logger.Debug("Изменённый файл не найден в Nextcloud", slog.String("path", path))
		return nil
	}

	parent, _ := splitPath(path)
	folder, err := p.resolveFolder(ctx, run, parent)
	if err != nil {
		run.failed[path] = true
		return err
	}

	// Изменилось содержимое — новая идентичность по хэшу
	if entry.ETag != "" && entry.ETag != file.Metadata.Nextcloud.ETag {
		hash, _, err := p.w.ingestImage(ctx, *entry, folder.ID, run.method)
		if err != nil {
			run.failed[path] = true
			return err
		}
		if hash != file.ContentHash {
			if err := p.w.files.MarkAbsent(ctx, file.ContentHash, p.w.now()); err != nil {
				return err
			}
		}
		run.processed[path] = true
		run.stats.FilesUpdated++
		return nil
	}

	now := p.w.now()
	file.Name = entry.Name
	file.Path = entry.Path
	file.FolderID = folder.ID
	if entry.FileID != "" {
		file.RemoteFileID = entry.FileID
		file.Metadata.Nextcloud.FileID = entry.FileID
	}
	file.ExistsRemotely = true
	file.Metadata.Nextcloud.ETag = entry.ETag
	file.Metadata.Nextcloud.LastModified = entry.LastModified
	file.Metadata.Sync = model.SyncMeta{SyncMethod: run.method, SyncTimestamp: now}
	file.SyncedAt = now

	if err := p.w.files.Update(ctx, file); err != nil {
		return err
	}
	run.processed[path] = true
	run.stats.FilesUpdated++
	return nil
}
