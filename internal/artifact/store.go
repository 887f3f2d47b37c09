// Package artifact — хранилище прошивок. Запись потоковая: байты идут
// через sha256 во временный блоб и публикуются только если совпали размер
// и контрольная сумма. Чтение всегда перепроверяет целостность.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"aura/internal/errs"
	"aura/internal/logs"
	"aura/internal/models"
)

// Upload — заявленные метаданные загрузки.
type Upload struct {
	Version     string
	Description string
	// Size — заявленный размер; <0 — не указан (берём фактический).
	Size int64
	// Checksum — заявленный sha256 hex (допускается префикс "sha256:"); пусто — не сверяем.
	Checksum string
}

type Store struct {
	blobs   Blobs
	catalog Catalog
	maxSize int64
	Now     func() time.Time
}

func New(blobs Blobs, catalog Catalog, maxSize int64) *Store {
	return &Store{blobs: blobs, catalog: catalog, maxSize: maxSize, Now: time.Now}
}

// Put сохраняет прошивку. При любом расхождении ничего не становится видимым.
func (s *Store) Put(ctx context.Context, r io.Reader, in Upload) (*models.Firmware, error) {
	version, err := normalizeVersion(in.Version)
	if err != nil {
		return nil, err
	}
	declared, err := normalizeChecksum(in.Checksum)
	if err != nil {
		return nil, err
	}
	if s.maxSize > 0 && in.Size > s.maxSize {
		return nil, errs.New(errs.CodeTooLarge, "declared size %d exceeds limit %d", in.Size, s.maxSize)
	}

	w, err := s.blobs.Create(ctx)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}
	n, err := io.Copy(io.MultiWriter(w, h), src)
	if err != nil {
		_ = w.Abort()
		return nil, errs.Wrap(errs.CodeInvalidArgument, err, "upload interrupted")
	}
	if s.maxSize > 0 && n > s.maxSize {
		_ = w.Abort()
		return nil, errs.New(errs.CodeTooLarge, "upload exceeds limit %d", s.maxSize)
	}
	if n == 0 {
		_ = w.Abort()
		return nil, errs.New(errs.CodeInvalidArgument, "empty firmware image")
	}
	if in.Size >= 0 && n != in.Size {
		_ = w.Abort()
		return nil, errs.New(errs.CodeSizeMismatch, "declared %d bytes, received %d", in.Size, n)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if declared != "" && sum != declared {
		_ = w.Abort()
		return nil, errs.New(errs.CodeChecksumMismatch, "declared %s, computed %s", declared, sum)
	}
	if err := w.Commit(sum); err != nil {
		return nil, err
	}

	fw := &models.Firmware{
		ID:          uuid.NewString(),
		Version:     version,
		Description: in.Description,
		Size:        n,
		Checksum:    sum,
		Locator:     sum,
		CreatedAt:   s.Now().UTC(),
	}
	if err := s.catalog.Create(ctx, fw); err != nil {
		return nil, err
	}
	logs.Ctx(ctx, "artifact").WithFields(logrus.Fields{
		"firmware": fw.ID, "version": fw.Version, "size": fw.Size,
	}).Info("firmware stored")
	return fw, nil
}

// Get возвращает метаданные и байты, перепроверив целостность.
func (s *Store) Get(ctx context.Context, id string) (*models.Firmware, []byte, error) {
	fw, err := s.catalog.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.openBlob(ctx, fw)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, s.corrupt(fw, err, "read blob")
	}
	if err := s.check(fw, int64(len(data)), sha256.Sum256(data)); err != nil {
		return nil, nil, err
	}
	return fw, data, nil
}

// Verify перечитывает блоб потоково и сверяет размер и sha256.
func (s *Store) Verify(ctx context.Context, id string) (*models.Firmware, error) {
	fw, err := s.catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rc, err := s.openBlob(ctx, fw)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	h := sha256.New()
	n, err := io.Copy(h, rc)
	if err != nil {
		return nil, s.corrupt(fw, err, "read blob")
	}
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	if err := s.check(fw, n, sum); err != nil {
		return nil, err
	}
	return fw, nil
}

// Open отдаёт поток для скачивания устройством. Целостность проверяется
// заранее, поэтому блоб читается дважды.
func (s *Store) Open(ctx context.Context, id string) (*models.Firmware, io.ReadCloser, error) {
	fw, err := s.Verify(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.openBlob(ctx, fw)
	if err != nil {
		return nil, nil, err
	}
	return fw, rc, nil
}

// Describe — только метаданные, без чтения блоба.
func (s *Store) Describe(ctx context.Context, id string) (*models.Firmware, error) {
	return s.catalog.Get(ctx, id)
}

func (s *Store) List(ctx context.Context) ([]models.Firmware, error) {
	return s.catalog.List(ctx)
}

func (s *Store) openBlob(ctx context.Context, fw *models.Firmware) (io.ReadCloser, error) {
	rc, err := s.blobs.Open(ctx, fw.Locator)
	if err != nil {
		if errors.Is(err, errs.NotFound) || errors.Is(err, errs.Corrupt) {
			return nil, s.corrupt(fw, err, "blob unreadable")
		}
		return nil, err
	}
	return rc, nil
}

func (s *Store) check(fw *models.Firmware, n int64, sum [sha256.Size]byte) error {
	if n != fw.Size {
		return s.corrupt(fw, nil, fmt.Sprintf("size %d, recorded %d", n, fw.Size))
	}
	if got := hex.EncodeToString(sum[:]); got != fw.Checksum {
		return s.corrupt(fw, nil, fmt.Sprintf("checksum %s, recorded %s", got, fw.Checksum))
	}
	return nil
}

func (s *Store) corrupt(fw *models.Firmware, cause error, msg string) error {
	logs.With("artifact").WithField("firmware", fw.ID).WithError(cause).Error("integrity check failed: " + msg)
	return errs.Wrap(errs.CodeCorrupt, cause, "firmware %s: %s", fw.ID, msg)
}

func normalizeVersion(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", errs.New(errs.CodeInvalidArgument, "version is required")
	}
	if _, err := semver.NewVersion(v); err != nil {
		return "", errs.Wrap(errs.CodeInvalidArgument, err, "version %q is not semver", v)
	}
	return v, nil
}

// normalizeChecksum: пустая строка — клиент сумму не заявил, сверять не с чем.
func normalizeChecksum(c string) (string, error) {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "" {
		return "", nil
	}
	c = strings.TrimPrefix(c, "sha256:")
	if len(c) != sha256.Size*2 {
		return "", errs.New(errs.CodeInvalidArgument, "checksum must be a sha256 hex digest")
	}
	if _, err := hex.DecodeString(c); err != nil {
		return "", errs.New(errs.CodeInvalidArgument, "checksum must be a sha256 hex digest")
	}
	return c, nil
}
