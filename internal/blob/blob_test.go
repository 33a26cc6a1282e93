package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func driversUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	fsStore, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("filesystem store: %v", err)
	}
	return map[string]Store{
		"memory": NewMemory(),
		"fs":     fsStore,
		"s3":     NewS3MockForTests(),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	payload := []byte("molecule batch specification v2")
	wantHash := HashBytes(payload)
	for name, store := range driversUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			obj, err := store.Put(ctx, "sub_1/docs/mta.pdf", bytes.NewReader(payload), "application/pdf")
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if obj.SHA256 != wantHash {
				t.Fatalf("put hash = %s, want %s", obj.SHA256, wantHash)
			}
			if obj.Size != int64(len(payload)) {
				t.Fatalf("put size = %d, want %d", obj.Size, len(payload))
			}
			wantRef := Ref(store.Driver(), "sub_1/docs/mta.pdf")
			if obj.Ref != wantRef {
				t.Fatalf("ref = %s, want %s", obj.Ref, wantRef)
			}

			got, rc, err := store.Get(ctx, "sub_1/docs/mta.pdf")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			defer rc.Close()
			body, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			if !bytes.Equal(body, payload) {
				t.Fatalf("body mismatch: %q", body)
			}
			if got.SHA256 != wantHash {
				t.Fatalf("get hash = %s, want %s", got.SHA256, wantHash)
			}
			if got.ContentType != "application/pdf" {
				t.Fatalf("content type = %s", got.ContentType)
			}
		})
	}
}

func TestPutIsCreateOnly(t *testing.T) {
	for name, store := range driversUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Put(ctx, "k", strings.NewReader("first"), ""); err != nil {
				t.Fatalf("first put: %v", err)
			}
			_, err := store.Put(ctx, "k", strings.NewReader("second"), "")
			var exists *KeyExistsError
			if !errors.As(err, &exists) {
				t.Fatalf("second put err = %v, want KeyExistsError", err)
			}
			if exists.Key != "k" {
				t.Fatalf("key = %s", exists.Key)
			}
			// first payload stays intact
			obj, rc, err := store.Get(ctx, "k")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			defer rc.Close()
			body, _ := io.ReadAll(rc)
			if string(body) != "first" {
				t.Fatalf("body = %q", body)
			}
			if obj.SHA256 != HashBytes([]byte("first")) {
				t.Fatalf("hash changed after rejected put")
			}
		})
	}
}

func TestHeadAnswersWithoutBody(t *testing.T) {
	payload := []byte("results archive")
	for name, store := range driversUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Put(ctx, "sub_2/results.tar", bytes.NewReader(payload), "application/x-tar"); err != nil {
				t.Fatalf("put: %v", err)
			}
			obj, err := store.Head(ctx, "sub_2/results.tar")
			if err != nil {
				t.Fatalf("head: %v", err)
			}
			if obj.SHA256 != HashBytes(payload) {
				t.Fatalf("head hash = %s", obj.SHA256)
			}
			if obj.Size != int64(len(payload)) {
				t.Fatalf("head size = %d", obj.Size)
			}
		})
	}
}

func TestMissingKey(t *testing.T) {
	for name, store := range driversUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Head(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("head err = %v, want ErrNotFound", err)
			}
			if _, _, err := store.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get err = %v, want ErrNotFound", err)
			}
			existed, err := store.Delete(ctx, "nope")
			if err != nil {
				t.Fatalf("delete: %v", err)
			}
			if existed {
				t.Fatalf("delete reported existing object")
			}
		})
	}
}

func TestDeleteRemoves(t *testing.T) {
	for name, store := range driversUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Put(ctx, "gone", strings.NewReader("x"), ""); err != nil {
				t.Fatalf("put: %v", err)
			}
			existed, err := store.Delete(ctx, "gone")
			if err != nil {
				t.Fatalf("delete: %v", err)
			}
			if !existed {
				t.Fatalf("delete reported missing object")
			}
			if _, err := store.Head(ctx, "gone"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("head after delete = %v", err)
			}
		})
	}
}

func TestListByPrefix(t *testing.T) {
	for name, store := range driversUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{"sub_1/a", "sub_1/b", "sub_2/c"} {
				if _, err := store.Put(ctx, key, strings.NewReader(key), ""); err != nil {
					t.Fatalf("put %s: %v", key, err)
				}
			}
			objs, err := store.List(ctx, "sub_1/")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(objs) != 2 {
				t.Fatalf("list returned %d objects", len(objs))
			}
			if objs[0].Key != "sub_1/a" || objs[1].Key != "sub_1/b" {
				t.Fatalf("list order: %s, %s", objs[0].Key, objs[1].Key)
			}
		})
	}
}

func TestInvalidKeysRejected(t *testing.T) {
	for name, store := range driversUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{"", "/abs", "a/../escape"} {
				if _, err := store.Put(ctx, key, strings.NewReader("x"), ""); err == nil {
					t.Fatalf("put accepted key %q", key)
				}
			}
		})
	}
}

func TestOpenFromEnv(t *testing.T) {
	t.Setenv("CROBRIDGE_BLOB_DRIVER", "memory")
	store, err := Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if store.Driver() != DriverMemory {
		t.Fatalf("driver = %s", store.Driver())
	}

	t.Setenv("CROBRIDGE_BLOB_DRIVER", "fs")
	t.Setenv("CROBRIDGE_BLOB_FS_ROOT", t.TempDir())
	store, err = Open(context.Background())
	if err != nil {
		t.Fatalf("open fs: %v", err)
	}
	if store.Driver() != DriverFilesystem {
		t.Fatalf("driver = %s", store.Driver())
	}

	t.Setenv("CROBRIDGE_BLOB_DRIVER", "s3")
	t.Setenv("CROBRIDGE_BLOB_S3_BUCKET", "")
	if _, err := Open(context.Background()); err == nil {
		t.Fatalf("s3 without bucket should fail")
	}

	t.Setenv("CROBRIDGE_BLOB_DRIVER", "carrier-pigeon")
	if _, err := Open(context.Background()); err == nil {
		t.Fatalf("unknown driver should fail")
	}
}
