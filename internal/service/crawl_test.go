package service

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/bigkaa/goartstore/catalog-sync/internal/contenthash"
	"github.com/bigkaa/goartstore/catalog-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/catalog-sync/internal/webdav"
)

// setupCrawl создаёт удалённое дерево из двух папок (5 и 3 изображения).
func setupCrawl(t *testing.T) (*mockRemote, *mockCatalog, *CrawlService) {
	t.Helper()
	remote := newMockRemote()
	remote.addFolder("Alpha")
	remote.addFolder("Beta")
	for i := range 5 {
		remote.addFile("Alpha/a"+string(rune('0'+i))+".png", pngBytes(t, 4+i, 3, uint8(i)))
	}
	for i := range 3 {
		remote.addFile("Beta/b"+string(rune('0'+i))+".png", pngBytes(t, 2, 2+i, uint8(100+i)))
	}

	catalog := newMockCatalog()
	crawl := NewCrawlService(remote, catalog.folderRepo(), catalog.fileRepo(), 2, testLogger())
	return remote, catalog, crawl
}

func TestCrawlService_Run(t *testing.T) {
	_, catalog, crawl := setupCrawl(t)

	result, err := crawl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() ошибка: %v", err)
	}

	if result.FoldersProcessed != 2 || result.FoldersCreated != 2 {
		t.Errorf("папки: processed=%d created=%d, ожидается 2/2", result.FoldersProcessed, result.FoldersCreated)
	}
	if result.ImagesProcessed != 8 || result.ImagesCreated != 8 {
		t.Errorf("изображения: processed=%d created=%d, ожидается 8/8", result.ImagesProcessed, result.ImagesCreated)
	}
	if len(result.Errors) != 0 {
		t.Errorf("Errors = %v, ожидается пусто", result.Errors)
	}
	if got := len(catalog.presentFiles()); got != 8 {
		t.Errorf("файлов в каталоге = %d, ожидается 8", got)
	}

	// Метаданные изображения и провенанс
	f := catalog.fileByPath("Alpha/a2.png")
	if f == nil {
		t.Fatal("Alpha/a2.png отсутствует в каталоге")
	}
	if f.Metadata.Image == nil || f.Metadata.Image.Width != 6 || f.Metadata.Image.Height != 3 || f.Metadata.Image.Format != "png" {
		t.Errorf("Metadata.Image = %+v, ожидается 6x3 png", f.Metadata.Image)
	}
	if f.Metadata.Sync.SyncMethod != model.SyncMethodCrawl {
		t.Errorf("SyncMethod = %q, ожидается crawl", f.Metadata.Sync.SyncMethod)
	}
	if !contenthash.Valid(f.ContentHash) {
		t.Errorf("ContentHash %q некорректен", f.ContentHash)
	}

	folder := catalog.folderByPath("Alpha")
	if folder == nil || !folder.ImagesFullySynced {
		t.Errorf("папка Alpha должна быть images_fully_synced: %+v", folder)
	}
	if f.FolderID != folder.ID {
		t.Errorf("FolderID = %q, ожидается %q", f.FolderID, folder.ID)
	}
}

// TestCrawlService_Run_Idempotent проверяет, что повторный обход не меняет каталог.
func TestCrawlService_Run_Idempotent(t *testing.T) {
	_, catalog, crawl := setupCrawl(t)
	ctx := context.Background()

	if _, err := crawl.Run(ctx); err != nil {
		t.Fatalf("первый Run() ошибка: %v", err)
	}
	before := catalog.presentFiles()
	hashBefore := catalog.fileByPath("Beta/b1.png").ContentHash

	result, err := crawl.Run(ctx)
	if err != nil {
		t.Fatalf("второй Run() ошибка: %v", err)
	}
	if result.FoldersCreated != 0 || result.ImagesCreated != 0 {
		t.Errorf("повторный обход создал записи: folders=%d images=%d", result.FoldersCreated, result.ImagesCreated)
	}
	if result.ImagesUpdated != 8 || result.ImagesMarkedRemoved != 0 || result.FoldersMarkedRemoved != 0 {
		t.Errorf("повторный обход: updated=%d removed=%d folders_removed=%d",
			result.ImagesUpdated, result.ImagesMarkedRemoved, result.FoldersMarkedRemoved)
	}
	if after := catalog.presentFiles(); !reflect.DeepEqual(before, after) {
		t.Errorf("каталог изменился:\n до: %v\n после: %v", before, after)
	}
	if got := catalog.fileByPath("Beta/b1.png").ContentHash; got != hashBefore {
		t.Errorf("хэш изменился: %q → %q", hashBefore, got)
	}
}

// TestCrawlService_Run_RenameKeepsIdentity проверяет, что переименование
// папки и перенос файла сохраняют идентичность по хэшу.
func TestCrawlService_Run_RenameKeepsIdentity(t *testing.T) {
	remote, catalog, crawl := setupCrawl(t)
	ctx := context.Background()

	if _, err := crawl.Run(ctx); err != nil {
		t.Fatalf("Run() ошибка: %v", err)
	}
	hash := catalog.fileByPath("Alpha/a0.png").ContentHash
	folderID := catalog.folderByPath("Alpha").ID

	remote.renameFolder("Alpha", "Gamma")
	remote.moveFile("Beta/b0.png", "Gamma/moved.png")

	result, err := crawl.Run(ctx)
	if err != nil {
		t.Fatalf("Run() после переименования ошибка: %v", err)
	}
	if result.FoldersCreated != 0 || result.FoldersMarkedRemoved != 0 {
		t.Errorf("переименование создало/удалило папки: created=%d removed=%d",
			result.FoldersCreated, result.FoldersMarkedRemoved)
	}

	renamed := catalog.fileByPath("Gamma/a0.png")
	if renamed == nil || renamed.ContentHash != hash {
		t.Fatalf("Gamma/a0.png: %+v, ожидается хэш %q", renamed, hash)
	}
	if folder := catalog.folderByPath("Gamma"); folder == nil || folder.ID != folderID {
		t.Errorf("папка Gamma должна сохранить ID %q: %+v", folderID, folder)
	}
	if catalog.fileByPath("Gamma/moved.png") == nil {
		t.Error("перенесённый файл отсутствует")
	}
	if got := len(catalog.presentFiles()); got != 8 {
		t.Errorf("файлов = %d, ожидается 8", got)
	}
}

// TestCrawlService_Run_RewriteSupersedesOldHash проверяет, что перезапись
// содержимого файла с тем же file_id оставляет одну присутствующую запись.
func TestCrawlService_Run_RewriteSupersedesOldHash(t *testing.T) {
	remote, catalog, crawl := setupCrawl(t)
	ctx := context.Background()

	if _, err := crawl.Run(ctx); err != nil {
		t.Fatalf("Run() ошибка: %v", err)
	}
	old := catalog.fileByPath("Alpha/a0.png")

	remote.rewriteFile("Alpha/a0.png", pngBytes(t, 9, 9, 200))

	result, err := crawl.Run(ctx)
	if err != nil {
		t.Fatalf("Run() после перезаписи ошибка: %v", err)
	}

	present := catalog.presentFiles()
	if len(present) != 8 {
		t.Fatalf("присутствующих файлов = %d, ожидается 8: %v", len(present), present)
	}
	current := catalog.fileByPath("Alpha/a0.png")
	if current == nil || current.ContentHash == old.ContentHash {
		t.Fatalf("Alpha/a0.png должен получить новый хэш: %+v", current)
	}
	if current.RemoteFileID != old.RemoteFileID {
		t.Errorf("RemoteFileID = %q, ожидается %q", current.RemoteFileID, old.RemoteFileID)
	}

	prev, err := catalog.fileRepo().GetByHash(ctx, old.ContentHash)
	if err != nil {
		t.Fatalf("прежняя версия должна остаться в каталоге: %v", err)
	}
	if prev.ExistsRemotely {
		t.Error("прежняя версия должна быть помечена отсутствующей")
	}
	if result.ImagesMarkedRemoved != 1 {
		t.Errorf("ImagesMarkedRemoved = %d, ожидается 1", result.ImagesMarkedRemoved)
	}
}

// TestCrawlService_Run_FolderRemovalCascades проверяет каскад на файлы.
func TestCrawlService_Run_FolderRemovalCascades(t *testing.T) {
	remote, catalog, crawl := setupCrawl(t)
	ctx := context.Background()

	if _, err := crawl.Run(ctx); err != nil {
		t.Fatalf("Run() ошибка: %v", err)
	}
	remote.removeFolder("Beta")
	remote.removeFile("Alpha/a4.png")

	result, err := crawl.Run(ctx)
	if err != nil {
		t.Fatalf("Run() ошибка: %v", err)
	}
	if result.FoldersMarkedRemoved != 1 {
		t.Errorf("FoldersMarkedRemoved = %d, ожидается 1", result.FoldersMarkedRemoved)
	}
	if result.ImagesMarkedRemoved != 4 {
		t.Errorf("ImagesMarkedRemoved = %d, ожидается 4 (3 каскадом + 1 в папке)", result.ImagesMarkedRemoved)
	}
	if folder := catalog.folderByPath("Beta"); folder == nil || folder.ExistsRemotely {
		t.Errorf("Beta должна быть помечена отсутствующей: %+v", folder)
	}
	if got := len(catalog.presentFiles()); got != 4 {
		t.Errorf("присутствующих файлов = %d, ожидается 4", got)
	}
}

// TestCrawlService_Run_RootListingFails проверяет, что ошибка корня не стирает каталог.
func TestCrawlService_Run_RootListingFails(t *testing.T) {
	remote, catalog, crawl := setupCrawl(t)
	ctx := context.Background()

	if _, err := crawl.Run(ctx); err != nil {
		t.Fatalf("Run() ошибка: %v", err)
	}

	rootErr := &webdav.HTTPError{Method: "PROPFIND", StatusCode: 503}
	remote.listErr[""] = rootErr

	if _, err := crawl.Run(ctx); !errors.Is(err, rootErr) {
		t.Fatalf("ожидается ошибка листинга корня, получено %v", err)
	}
	if got := len(catalog.presentFiles()); got != 8 {
		t.Errorf("файлов = %d, ожидается 8 (каталог не должен меняться)", got)
	}
	if folder := catalog.folderByPath("Alpha"); !folder.ExistsRemotely {
		t.Error("Alpha помечена отсутствующей после ошибки корня")
	}
}

// TestCrawlService_Run_FolderErrors проверяет, что ошибки папок не прерывают обход.
func TestCrawlService_Run_FolderErrors(t *testing.T) {
	remote, catalog, crawl := setupCrawl(t)
	remote.listErr["Alpha"] = &webdav.HTTPError{Method: "PROPFIND", StatusCode: 403}
	remote.folders["NoID"] = webdav.Entry{Name: "NoID", Path: "NoID", IsCollection: true}

	result, err := crawl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() ошибка: %v", err)
	}
	if len(result.Errors) != 2 {
		t.Errorf("Errors = %v, ожидается 2 ошибки", result.Errors)
	}
	if got := len(catalog.presentFiles()); got != 3 {
		t.Errorf("файлов = %d, ожидается 3 (только Beta)", got)
	}
}

// TestCrawlService_Run_DuplicateContent проверяет схлопывание одинакового содержимого.
func TestCrawlService_Run_DuplicateContent(t *testing.T) {
	remote := newMockRemote()
	remote.addFolder("Dup")
	data := pngBytes(t, 3, 3, 7)
	remote.addFile("Dup/one.png", data)
	remote.addFile("Dup/two.png", data)

	catalog := newMockCatalog()
	crawl := NewCrawlService(remote, catalog.folderRepo(), catalog.fileRepo(), 50, testLogger())

	result, err := crawl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() ошибка: %v", err)
	}
	if result.ImagesCreated != 1 || result.ImagesUpdated != 1 {
		t.Errorf("created=%d updated=%d, ожидается 1/1", result.ImagesCreated, result.ImagesUpdated)
	}
	if len(catalog.files) != 1 {
		t.Errorf("записей файлов = %d, ожидается 1", len(catalog.files))
	}
}

// TestCrawlService_Run_SkipsNonImages проверяет фильтр по MIME и расширению.
func TestCrawlService_Run_SkipsNonImages(t *testing.T) {
	remote := newMockRemote()
	remote.addFolder("Mixed")
	remote.addFile("Mixed/ok.png", pngBytes(t, 1, 1, 1))
	remote.addFile("Mixed/notes.txt", []byte("text"))
	remote.files["Mixed/notes.txt"].entry.ContentType = "text/plain"

	catalog := newMockCatalog()
	crawl := NewCrawlService(remote, catalog.folderRepo(), catalog.fileRepo(), 50, testLogger())

	result, err := crawl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() ошибка: %v", err)
	}
	if result.ImagesProcessed != 1 {
		t.Errorf("ImagesProcessed = %d, ожидается 1", result.ImagesProcessed)
	}
	if remote.downloadCount("Mixed/notes.txt") != 0 {
		t.Error("не-изображение не должно скачиваться")
	}
}
