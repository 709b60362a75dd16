package nvs

import (
	"context"

	"github.com/nvsflash/nvs/internal/page"
)

// Handle is a namespace-scoped view of a Storage, forwarding every
// read/write/erase call with its bound namespace index. Handle
// bookkeeping exists so callers sharing one Storage value can express
// read-only boundaries, count concurrent views, and so Reinit can
// refuse to remount while any Handle is still outstanding.
type Handle struct {
	storage  *Storage
	nsIndex  uint8
	readOnly bool
	closed   bool
}

// OpenHandle resolves name to a namespace (creating it unless mode is
// ReadOnly and the namespace does not yet exist) and returns a Handle
// bound to it.
func (s *Storage) OpenHandle(ctx context.Context, name string, readOnly bool) (*Handle, error) {
	idx, err := s.CreateOrOpenNamespace(ctx, name, !readOnly)
	if err != nil {
		return nil, err
	}
	s.acquireHandle()
	return &Handle{storage: s, nsIndex: idx, readOnly: readOnly}, nil
}

// Close releases the handle, decrementing its Storage's open-handle count.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.storage.releaseHandle()
	return nil
}

// NSIndex returns the namespace index this handle is bound to.
func (h *Handle) NSIndex() uint8 { return h.nsIndex }

func (h *Handle) checkWritable() error {
	if h.readOnly {
		return ErrReadOnly
	}
	return nil
}

// WriteItem writes a fixed-width scalar or string value.
func (h *Handle) WriteItem(ctx context.Context, dt page.DataType, key string, value uint64, payload []byte) error {
	if err := h.checkWritable(); err != nil {
		return h.storage.setErr(err)
	}
	return h.storage.WriteItem(ctx, h.nsIndex, dt, key, value, payload)
}

// ReadItem reads a fixed-width scalar's value.
func (h *Handle) ReadItem(dt page.DataType, key string) (uint64, error) {
	return h.storage.ReadItem(h.nsIndex, dt, key)
}

// ReadString reads a STR item's payload.
func (h *Handle) ReadString(ctx context.Context, key string) (string, error) {
	return h.storage.ReadString(ctx, h.nsIndex, key)
}

// EraseItem erases a fixed-width/STR item.
func (h *Handle) EraseItem(ctx context.Context, dt page.DataType, key string) error {
	if err := h.checkWritable(); err != nil {
		return h.storage.setErr(err)
	}
	return h.storage.EraseItem(ctx, h.nsIndex, dt, key)
}

// WriteBlob writes a (possibly multi-page) blob value.
func (h *Handle) WriteBlob(ctx context.Context, key string, data []byte) error {
	if err := h.checkWritable(); err != nil {
		return h.storage.setErr(err)
	}
	return h.storage.WriteBlob(ctx, h.nsIndex, key, data)
}

// ReadBlob reads a blob value.
func (h *Handle) ReadBlob(ctx context.Context, key string) ([]byte, error) {
	return h.storage.ReadBlob(ctx, h.nsIndex, key)
}

// EraseBlob erases a blob value.
func (h *Handle) EraseBlob(ctx context.Context, key string) error {
	if err := h.checkWritable(); err != nil {
		return h.storage.setErr(err)
	}
	return h.storage.EraseBlob(ctx, h.nsIndex, key)
}

// GetItemDataSize returns the payload length of a STR/BLOB item.
func (h *Handle) GetItemDataSize(dt page.DataType, key string) (uint32, error) {
	return h.storage.GetItemDataSize(h.nsIndex, dt, key)
}

// EraseAll erases every item in this handle's namespace.
func (h *Handle) EraseAll(ctx context.Context) error {
	if err := h.checkWritable(); err != nil {
		return h.storage.setErr(err)
	}
	return h.storage.EraseNamespace(ctx, h.nsIndex)
}
