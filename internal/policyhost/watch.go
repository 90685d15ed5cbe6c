package policyhost

import (
	"context"
	"log/slog"
)

// Watch consumes newly streamed policy module bytes from bytesCh — written
// to by the control-plane client's long-lived Policy() stream — and
// recompiles/swaps the active module on every delivery. It returns when ctx
// is cancelled or bytesCh is closed, never on a single bad delivery: a
// module that fails to compile or validate is logged and skipped, leaving
// whatever policy was already active in place (§5: rebuild-not-mutate, never
// rebuild-into-broken).
func (h *Host) Watch(ctx context.Context, bytesCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case wasmBytes, ok := <-bytesCh:
			if !ok {
				return
			}
			if err := h.Reload(ctx, wasmBytes); err != nil {
				h.logger.Error("policy reload failed, keeping previous policy active", "error", err)
				continue
			}
			h.logger.Info("policy module reloaded", "version", h.Version())
		}
	}
}
