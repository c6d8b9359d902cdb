package api

import (
	"context"

	"github.com/healthstack/fieldsync/internal/store"
)

// deviceContextKey is the context key for the authenticated device.
type deviceContextKey struct{}

// WithDevice returns a new context with the device attached.
func WithDevice(ctx context.Context, d *store.Device) context.Context {
	return context.WithValue(ctx, deviceContextKey{}, d)
}

// DeviceFromContext extracts the authenticated device, nil when absent.
func DeviceFromContext(ctx context.Context) *store.Device {
	d, _ := ctx.Value(deviceContextKey{}).(*store.Device)
	return d
}

// DeviceIDFromContext returns the authenticated device's id, 0 when absent.
// Middleware guarantees presence on protected routes; 0 only appears in
// tests that bypass the router.
func DeviceIDFromContext(ctx context.Context) int64 {
	if d := DeviceFromContext(ctx); d != nil {
		return d.ID
	}
	return 0
}
