package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"aura/internal/errs"
)

// Blobs — контент-адресуемое хранилище байтов. Ключ — sha256 hex.
// Блоб становится видимым только после Commit (атомарный rename).
type Blobs interface {
	Create(ctx context.Context) (BlobWriter, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

type BlobWriter interface {
	io.Writer
	Commit(key string) error
	Abort() error
}

/* ───── файловый бэкенд ───── */

// FileBlobs хранит блобы в <dir>/<aa>/<key>[.zst]; временные файлы — в <dir>/tmp.
type FileBlobs struct {
	dir      string
	compress bool
}

const zstSuffix = ".zst"

func NewFileBlobs(dir string, compress bool) (*FileBlobs, error) {
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &FileBlobs{dir: dir, compress: compress}, nil
}

func (b *FileBlobs) path(key string) string {
	shard := "xx"
	if len(key) >= 2 {
		shard = key[:2]
	}
	return filepath.Join(b.dir, shard, key)
}

func (b *FileBlobs) Create(_ context.Context) (BlobWriter, error) {
	f, err := os.CreateTemp(filepath.Join(b.dir, "tmp"), "upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp blob: %w", err)
	}
	w := &fileBlobWriter{blobs: b, f: f, w: f}
	if b.compress {
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		w.enc = enc
		w.w = enc
	}
	return w, nil
}

type fileBlobWriter struct {
	blobs *FileBlobs
	f     *os.File
	enc   *zstd.Encoder
	w     io.Writer
	done  bool
}

func (w *fileBlobWriter) Write(p []byte) (int, error) { return w.w.Write(p) }

func (w *fileBlobWriter) Commit(key string) error {
	if w.done {
		return errors.New("blob writer already finished")
	}
	w.done = true
	if w.enc != nil {
		if err := w.enc.Close(); err != nil {
			w.cleanup()
			return fmt.Errorf("zstd flush: %w", err)
		}
	}
	if err := w.f.Sync(); err != nil {
		w.cleanup()
		return fmt.Errorf("fsync blob: %w", err)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.f.Name())
		return fmt.Errorf("close blob: %w", err)
	}

	final := w.blobs.path(key)
	if w.enc != nil {
		final += zstSuffix
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		_ = os.Remove(w.f.Name())
		return fmt.Errorf("create shard: %w", err)
	}
	// одинаковый контент уже лежит — дедупликация
	if _, err := os.Stat(final); err == nil {
		_ = os.Remove(w.f.Name())
		return nil
	}
	if err := os.Rename(w.f.Name(), final); err != nil {
		_ = os.Remove(w.f.Name())
		return fmt.Errorf("publish blob: %w", err)
	}
	return nil
}

func (w *fileBlobWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	if w.enc != nil {
		w.enc.Reset(io.Discard)
	}
	w.cleanup()
	return nil
}

func (w *fileBlobWriter) cleanup() {
	_ = w.f.Close()
	_ = os.Remove(w.f.Name())
}

func (b *FileBlobs) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p := b.path(key)
	if f, err := os.Open(p + zstSuffix); err == nil {
		dec, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, errs.Wrap(errs.CodeCorrupt, err, "blob %s: bad zstd stream", key)
		}
		return &zstdReadCloser{dec: dec, f: f}, nil
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errs.New(errs.CodeNotFound, "blob %s not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

type zstdReadCloser struct {
	dec *zstd.Decoder
	f   *os.File
}

func (r *zstdReadCloser) Read(p []byte) (int, error) { return r.dec.Read(p) }

func (r *zstdReadCloser) Close() error {
	r.dec.Close()
	return r.f.Close()
}

/* ───── in-memory бэкенд (database.driver="" без storage.dir, тесты) ───── */

type MemoryBlobs struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobs) Create(_ context.Context) (BlobWriter, error) {
	return &memBlobWriter{m: m}, nil
}

func (m *MemoryBlobs) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "blob %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// Tamper подменяет содержимое блоба — для тестов обнаружения порчи.
func (m *MemoryBlobs) Tamper(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), data...)
}

type memBlobWriter struct {
	m    *MemoryBlobs
	buf  bytes.Buffer
	done bool
}

func (w *memBlobWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memBlobWriter) Commit(key string) error {
	if w.done {
		return errors.New("blob writer already finished")
	}
	w.done = true
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	if _, ok := w.m.blobs[key]; !ok {
		w.m.blobs[key] = append([]byte(nil), w.buf.Bytes()...)
	}
	return nil
}

func (w *memBlobWriter) Abort() error {
	w.done = true
	w.buf.Reset()
	return nil
}
