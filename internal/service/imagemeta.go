package service

import (
	"bytes"
	"image"
	_ "image/gif"  // регистрация декодера GIF
	_ "image/jpeg" // регистрация декодера JPEG
	_ "image/png"  // регистрация декодера PNG
	"path"
	"strings"

	_ "golang.org/x/image/bmp"  // регистрация декодера BMP
	_ "golang.org/x/image/tiff" // регистрация декодера TIFF
	_ "golang.org/x/image/webp" // регистрация декодера WebP

	"github.com/bigkaa/goartstore/catalog-sync/internal/domain/model"
)

// imageExtensions — расширения файлов, которые считаются изображениями.
var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tiff": true, ".webp": true,
}

// isImagePath проверяет расширение файла (без учёта регистра).
func isImagePath(p string) bool {
	return imageExtensions[strings.ToLower(path.Ext(p))]
}

// decodeImageMeta читает размеры и формат изображения без полного декодирования.
// Для неподдерживаемых или повреждённых данных возвращает nil.
func decodeImageMeta(data []byte) *model.ImageMeta {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	return &model.ImageMeta{Width: cfg.Width, Height: cfg.Height, Format: format}
}
