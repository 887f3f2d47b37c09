package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"aura/internal/errs"
)

func sum(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func newFileStore(t *testing.T, compress bool) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	blobs, err := NewFileBlobs(dir, compress)
	if err != nil {
		t.Fatalf("NewFileBlobs: %v", err)
	}
	return New(blobs, NewMemoryCatalog(), 1<<20), dir
}

func TestPutGetRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		st, _ := newFileStore(t, compress)
		ctx := context.Background()
		img := bytes.Repeat([]byte("firmware-image-"), 1000)

		fw, err := st.Put(ctx, bytes.NewReader(img), Upload{
			Version: "1.4.0", Size: int64(len(img)), Checksum: "sha256:" + strings.ToUpper(sum(img)),
		})
		if err != nil {
			t.Fatalf("compress=%v Put: %v", compress, err)
		}
		if fw.Checksum != sum(img) || fw.Size != int64(len(img)) {
			t.Fatalf("metadata = %+v", fw)
		}

		got, data, err := st.Get(ctx, fw.ID)
		if err != nil {
			t.Fatalf("compress=%v Get: %v", compress, err)
		}
		if !bytes.Equal(data, img) || got.Version != "1.4.0" {
			t.Fatalf("compress=%v round trip mismatch", compress)
		}
		if _, err := st.Verify(ctx, fw.ID); err != nil {
			t.Fatalf("Verify: %v", err)
		}

		_, rc, err := st.Open(ctx, fw.ID)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		streamed, _ := io.ReadAll(rc)
		rc.Close()
		if !bytes.Equal(streamed, img) {
			t.Fatal("streamed bytes differ")
		}
	}
}

func TestPutChecksumMismatchLeavesNothing(t *testing.T) {
	st, dir := newFileStore(t, true)
	ctx := context.Background()
	img := []byte("payload")

	_, err := st.Put(ctx, bytes.NewReader(img), Upload{Version: "1.0.0", Size: -1, Checksum: sum([]byte("other"))})
	if !errors.Is(err, errs.ChecksumMismatch) {
		t.Fatalf("err = %v, want checksum_mismatch", err)
	}
	list, _ := st.List(ctx)
	if len(list) != 0 {
		t.Fatalf("catalog has %d records after failed upload", len(list))
	}
	tmp, _ := os.ReadDir(filepath.Join(dir, "tmp"))
	if len(tmp) != 0 {
		t.Fatalf("temp blobs left behind: %d", len(tmp))
	}
}

func TestPutSizeMismatch(t *testing.T) {
	st, _ := newFileStore(t, false)
	img := []byte("payload")
	_, err := st.Put(context.Background(), bytes.NewReader(img), Upload{Version: "1.0.0", Size: 3, Checksum: sum(img)})
	if !errors.Is(err, errs.SizeMismatch) {
		t.Fatalf("err = %v, want size_mismatch", err)
	}
}

func TestPutValidation(t *testing.T) {
	st := New(NewMemoryBlobs(), NewMemoryCatalog(), 16)
	ctx := context.Background()
	img := []byte("abc")

	if _, err := st.Put(ctx, bytes.NewReader(img), Upload{Version: "not-a-version", Size: -1, Checksum: sum(img)}); !errors.Is(err, errs.InvalidArgument) {
		t.Errorf("bad version: err = %v", err)
	}
	if _, err := st.Put(ctx, bytes.NewReader(img), Upload{Version: "1.0.0", Size: -1, Checksum: "deadbeef"}); !errors.Is(err, errs.InvalidArgument) {
		t.Errorf("bad checksum: err = %v", err)
	}
	big := bytes.Repeat([]byte{1}, 32)
	if _, err := st.Put(ctx, bytes.NewReader(big), Upload{Version: "1.0.0", Size: -1, Checksum: sum(big)}); !errors.Is(err, errs.TooLarge) {
		t.Errorf("oversize: err = %v", err)
	}
}

func TestCorruptionDetected(t *testing.T) {
	blobs := NewMemoryBlobs()
	st := New(blobs, NewMemoryCatalog(), 0)
	ctx := context.Background()
	img := []byte("good image bytes")

	fw, err := st.Put(ctx, bytes.NewReader(img), Upload{Version: "2.0.0", Size: int64(len(img)), Checksum: sum(img)})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	blobs.Tamper(fw.Locator, []byte("evil image bytes"))

	if _, _, err := st.Get(ctx, fw.ID); !errors.Is(err, errs.Corrupt) {
		t.Fatalf("Get err = %v, want corrupt", err)
	}
	if _, err := st.Verify(ctx, fw.ID); !errors.Is(err, errs.Corrupt) {
		t.Fatalf("Verify err = %v, want corrupt", err)
	}
}

func TestCorruptFileBlob(t *testing.T) {
	st, dir := newFileStore(t, false)
	ctx := context.Background()
	img := []byte("image on disk")
	fw, err := st.Put(ctx, bytes.NewReader(img), Upload{Version: "1.0.0", Size: -1, Checksum: sum(img)})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	path := filepath.Join(dir, fw.Checksum[:2], fw.Checksum)
	if err := os.WriteFile(path, []byte("image on dusk"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := st.Get(ctx, fw.ID); !errors.Is(err, errs.Corrupt) {
		t.Fatalf("err = %v, want corrupt", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Verify(ctx, fw.ID); !errors.Is(err, errs.Corrupt) {
		t.Fatalf("missing blob: err = %v, want corrupt", err)
	}
}

func TestGetUnknown(t *testing.T) {
	st := New(NewMemoryBlobs(), NewMemoryCatalog(), 0)
	if _, _, err := st.Get(context.Background(), "nope"); !errors.Is(err, errs.NotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestPutWithoutDeclaredChecksum(t *testing.T) {
	st := New(NewMemoryBlobs(), NewMemoryCatalog(), 1<<20)
	ctx := context.Background()
	img := []byte("console upload without checksum")

	fw, err := st.Put(ctx, bytes.NewReader(img), Upload{Version: "1.0.0", Size: -1})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if fw.Checksum != sum(img) {
		t.Fatalf("checksum = %s, want computed %s", fw.Checksum, sum(img))
	}
	_, got, err := st.Get(ctx, fw.ID)
	if err != nil || !bytes.Equal(got, img) {
		t.Fatalf("Get: %q %v", got, err)
	}

	if _, err := st.Put(ctx, bytes.NewReader(img), Upload{Version: "1.0.1", Size: -1, Checksum: "   "}); err != nil {
		t.Fatalf("blank checksum: %v", err)
	}
}
