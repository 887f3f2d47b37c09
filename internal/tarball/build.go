// Package tarball собирает детерминированные tar.gz: одинаковое
// содержимое даёт побайтно одинаковый архив и одинаковый sha256.
package tarball

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// File — один файл архива; Mode 0 означает 0644.
type File struct {
	Name string
	Mode int64
	Data []byte
}

// Build возвращает архив и его sha256 в hex.
func Build(files []File) ([]byte, string, error) {
	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	// детерминируем gzip-заголовок
	gz.Name = ""
	gz.Comment = ""
	gz.ModTime = time.Unix(0, 0)

	tw := tar.NewWriter(gz)

	add := func(name string, data []byte, mode int64) error {
		if name == "" || name == "." {
			return nil
		}
		hdr := &tar.Header{
			Name:    name,
			Mode:    mode,
			Size:    int64(len(data)),
			ModTime: time.Unix(0, 0),
			Uid:     0, Gid: 0, Uname: "", Gname: "",
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}

	// канонический порядок по нормализованным путям
	sorted := make([]File, len(files))
	for i, f := range files {
		f.Name = filepath.ToSlash(filepath.Clean(strings.TrimLeft(f.Name, "/")))
		sorted[i] = f
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, f := range sorted {
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		if err := add(f.Name, f.Data, mode); err != nil {
			_ = tw.Close()
			_ = gz.Close()
			return nil, "", err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, "", err
	}
	if err := gz.Close(); err != nil {
		return nil, "", err
	}

	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}
