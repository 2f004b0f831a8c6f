package webdav

import (
	"context"
	"fmt"
	"time"
)

// ReadinessChecker — проверка готовности WebDAV Nextcloud для health endpoint.
type ReadinessChecker struct {
	client  *Client
	timeout time.Duration
}

// NewReadinessChecker создаёт проверку готовности WebDAV.
func NewReadinessChecker(client *Client, timeout time.Duration) *ReadinessChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ReadinessChecker{client: client, timeout: timeout}
}

// CheckReady листингует корень пользователя (depth 0).
// Недоступность Nextcloud не делает сервис неготовым: статус "degraded".
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.client.ProbeHealth(ctx); err != nil {
		return "degraded", fmt.Sprintf("Nextcloud WebDAV недоступен: %v", err)
	}
	return "ok", "WebDAV доступен"
}
