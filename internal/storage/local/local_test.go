package local

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{
		RootPath:      t.TempDir(),
		BaseURL:       "http://localhost:8080/files",
		SigningSecret: "test-secret",
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return b
}

func parseSigned(t *testing.T, raw string) (key, expires, sig string) {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse signed URL %q: %v", raw, err)
	}
	key = strings.TrimPrefix(u.Path, "/files/")
	return key, u.Query().Get("expires"), u.Query().Get("sig")
}

func TestSignedURLRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	raw, err := b.SignedGetURL(ctx, "objects/abc/report.pdf", 5*time.Minute)
	if err != nil {
		t.Fatalf("SignedGetURL error: %v", err)
	}
	key, expires, sig := parseSigned(t, raw)
	if key != "objects/abc/report.pdf" {
		t.Errorf("signed URL key = %q", key)
	}
	if !b.Verify("GET", key, expires, sig) {
		t.Error("freshly signed GET URL failed verification")
	}
	if b.Verify("PUT", key, expires, sig) {
		t.Error("GET signature verified for PUT")
	}
	if b.Verify("GET", "objects/abc/other.pdf", expires, sig) {
		t.Error("signature verified for a different key")
	}
	if b.Verify("GET", key, expires, sig+"00") {
		t.Error("tampered signature verified")
	}
}

func TestSignedURLReservedCharacters(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	// Legal filenames can carry URL-reserved characters. The signed URL
	// must escape them so a client parsing the URL recovers the full key.
	for _, key := range []string{
		"objects/id1/a#b.txt",
		"objects/id1/50%off.pdf",
		"objects/id1/what?.doc",
		"objects/id1/q&a.txt",
	} {
		raw, err := b.SignedGetURL(ctx, key, 5*time.Minute)
		if err != nil {
			t.Fatalf("SignedGetURL(%q) error: %v", key, err)
		}

		u, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if u.Fragment != "" {
			t.Errorf("key %q: URL has fragment %q, key was truncated", key, u.Fragment)
		}

		// u.Path is the decoded path, which is what the mux hands the
		// files handler as the path value.
		got := strings.TrimPrefix(u.Path, "/files/")
		if got != key {
			t.Errorf("key %q: client-side key = %q", key, got)
		}
		if !b.Verify("GET", got, u.Query().Get("expires"), u.Query().Get("sig")) {
			t.Errorf("key %q: signature failed verification", key)
		}
	}
}

func TestVerifyExpired(t *testing.T) {
	b := newTestBackend(t)

	raw, err := b.SignedUploadURL(context.Background(), "objects/x/f.txt", "", -time.Minute)
	if err != nil {
		t.Fatalf("SignedUploadURL error: %v", err)
	}
	key, expires, sig := parseSigned(t, raw)
	if b.Verify("PUT", key, expires, sig) {
		t.Error("expired signature verified")
	}
}

func TestPutOpenDelete(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	content := []byte("hello viewport")

	if err := b.PutObject(ctx, "objects/id1/note.txt", bytes.NewReader(content)); err != nil {
		t.Fatalf("PutObject error: %v", err)
	}

	size, err := b.ObjectSize(ctx, "objects/id1/note.txt")
	if err != nil {
		t.Fatalf("ObjectSize error: %v", err)
	}
	if size != int64(len(content)) {
		t.Errorf("ObjectSize = %d, want %d", size, len(content))
	}

	r, err := b.Open(ctx, "objects/id1/note.txt")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	got, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("read back %q, want %q", got, content)
	}

	if err := b.DeleteObject(ctx, "objects/id1/note.txt"); err != nil {
		t.Fatalf("DeleteObject error: %v", err)
	}
	exists, err := b.ObjectExists(ctx, "objects/id1/note.txt")
	if err != nil {
		t.Fatalf("ObjectExists error: %v", err)
	}
	if exists {
		t.Error("object exists after delete")
	}

	// Deleting again is not an error.
	if err := b.DeleteObject(ctx, "objects/id1/note.txt"); err != nil {
		t.Errorf("second DeleteObject error: %v", err)
	}
}

func TestKeyEscapesRoot(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for _, key := range []string{"../outside.txt", "/etc/passwd", "a/../../b"} {
		if err := b.PutObject(ctx, key, strings.NewReader("x")); err == nil {
			t.Errorf("PutObject(%q) succeeded, want path escape error", key)
		}
	}
}
