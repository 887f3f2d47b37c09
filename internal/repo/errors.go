// Package repo — gorm-реализации хранилищ доменных пакетов
// (postgres/mysql). Ошибки переводятся в коды errs.
package repo

import (
	"errors"

	"gorm.io/gorm"

	"aura/internal/errs"
)

// notFound переводит gorm.ErrRecordNotFound в errs.NotFound, остальное — как есть.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.New(errs.CodeNotFound, format, args...)
	}
	return err
}

// inChunks режет длинные IN (...) на порции — у драйверов есть лимит на плейсхолдеры.
func inChunks(ids []string, size int, fn func(chunk []string) error) error {
	for len(ids) > 0 {
		n := size
		if len(ids) < n {
			n = len(ids)
		}
		if err := fn(ids[:n]); err != nil {
			return err
		}
		ids = ids[n:]
	}
	return nil
}
