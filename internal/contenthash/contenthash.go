// Пакет contenthash — идентичность файлов по содержимому (SHA-256).
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Sum возвращает SHA-256 содержимого в виде hex-строки (64 символа).
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SumReader считает SHA-256 потока до EOF.
func SumReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("чтение содержимого для хэша: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Valid проверяет, что строка похожа на SHA-256 hex.
func Valid(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
