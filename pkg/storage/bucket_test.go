package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"
)

// TestValidateKey はValidateKey関数を検証する。
func TestValidateKey(t *testing.T) {
	t.Parallel()

	valid := []string{"uploads/a.jpg", "a.png", "uploads/2026/10/x.heic"}
	invalid := []string{"", "/etc/passwd", "../a.jpg", "uploads/../../a", "uploads//a.jpg", "uploads/./a.jpg", `uploads\a.jpg`, "uploads/"}

	for _, key := range valid {
		if err := ValidateKey(key); err != nil {
			t.Errorf("ValidateKey(%q) = %v, want nil", key, err)
		}
	}
	for _, key := range invalid {
		if err := ValidateKey(key); err == nil {
			t.Errorf("ValidateKey(%q) = nil, want error", key)
		}
	}
}

// TestDiskBucket はDiskBucketを検証する。
func TestDiskBucket(t *testing.T) {
	t.Parallel()

	t.Run("保存したオブジェクトを読み出せること", func(t *testing.T) {
		t.Parallel()

		b, err := NewDiskBucket(t.TempDir())
		if err != nil {
			t.Fatalf("NewDiskBucket()でエラーが発生: %v", err)
		}
		ctx := context.Background()

		n, err := b.Put(ctx, "uploads/look.jpg", strings.NewReader("jpeg-bytes"))
		if err != nil {
			t.Fatalf("Put()でエラーが発生: %v", err)
		}
		if n != int64(len("jpeg-bytes")) {
			t.Errorf("Put() = %d, want %d", n, len("jpeg-bytes"))
		}

		rc, err := b.Open(ctx, "uploads/look.jpg")
		if err != nil {
			t.Fatalf("Open()でエラーが発生: %v", err)
		}
		defer rc.Close()
		got, _ := io.ReadAll(rc)
		if string(got) != "jpeg-bytes" {
			t.Errorf("内容 = %q, want %q", string(got), "jpeg-bytes")
		}
	})

	t.Run("存在しないオブジェクトはErrNotFoundになること", func(t *testing.T) {
		t.Parallel()

		b, err := NewDiskBucket(t.TempDir())
		if err != nil {
			t.Fatalf("NewDiskBucket()でエラーが発生: %v", err)
		}
		if _, err := b.Open(context.Background(), "uploads/missing.jpg"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("削除したオブジェクトは読み出せないこと", func(t *testing.T) {
		t.Parallel()

		b, err := NewDiskBucket(t.TempDir())
		if err != nil {
			t.Fatalf("NewDiskBucket()でエラーが発生: %v", err)
		}
		ctx := context.Background()
		if _, err := b.Put(ctx, "a.png", strings.NewReader("png")); err != nil {
			t.Fatalf("Put()でエラーが発生: %v", err)
		}
		if err := b.Delete(ctx, "a.png"); err != nil {
			t.Fatalf("Delete()でエラーが発生: %v", err)
		}
		if err := b.Delete(ctx, "a.png"); err != nil {
			t.Fatalf("2回目のDelete()でエラーが発生: %v", err)
		}
		if _, err := b.Open(ctx, "a.png"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("不正なキーは拒否されること", func(t *testing.T) {
		t.Parallel()

		b, err := NewDiskBucket(t.TempDir())
		if err != nil {
			t.Fatalf("NewDiskBucket()でエラーが発生: %v", err)
		}
		if _, err := b.Put(context.Background(), "../escape.jpg", strings.NewReader("x")); err == nil {
			t.Fatal("Put()がエラーを返すべきだが、nilが返った")
		}
	})
}

// TestURLSigner はURLSignerを検証する。
func TestURLSigner(t *testing.T) {
	t.Parallel()

	signer, err := NewURLSigner("https://cdn.example.com/", "url-secret")
	if err != nil {
		t.Fatalf("NewURLSigner()でエラーが発生: %v", err)
	}

	tokenOf := func(t *testing.T, signed string) string {
		t.Helper()
		u, err := url.Parse(signed)
		if err != nil {
			t.Fatalf("URLのパースに失敗: %v", err)
		}
		return u.Query().Get("token")
	}

	t.Run("署名したURLを検証できること", func(t *testing.T) {
		t.Parallel()

		now := time.Now()
		signed, expiresAt, err := signer.Sign("uploads/look.jpg", time.Hour, now)
		if err != nil {
			t.Fatalf("Sign()でエラーが発生: %v", err)
		}
		if !strings.HasPrefix(signed, "https://cdn.example.com/assets/uploads/look.jpg?token=") {
			t.Errorf("Sign() = %q", signed)
		}
		if !expiresAt.Equal(now.Add(time.Hour)) {
			t.Errorf("expiresAt = %v, want %v", expiresAt, now.Add(time.Hour))
		}
		if err := signer.Verify("uploads/look.jpg", tokenOf(t, signed)); err != nil {
			t.Fatalf("Verify()でエラーが発生: %v", err)
		}
	})

	t.Run("別のキーのトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		signed, _, err := signer.Sign("uploads/a.jpg", time.Hour, time.Now())
		if err != nil {
			t.Fatalf("Sign()でエラーが発生: %v", err)
		}
		if err := signer.Verify("uploads/b.jpg", tokenOf(t, signed)); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("err = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("期限切れのトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		signed, _, err := signer.Sign("uploads/a.jpg", time.Minute, time.Now().Add(-time.Hour))
		if err != nil {
			t.Fatalf("Sign()でエラーが発生: %v", err)
		}
		if err := signer.Verify("uploads/a.jpg", tokenOf(t, signed)); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("err = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("別の鍵で署名したトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		other, err := NewURLSigner("https://cdn.example.com", "other-secret")
		if err != nil {
			t.Fatalf("NewURLSigner()でエラーが発生: %v", err)
		}
		signed, _, err := other.Sign("uploads/a.jpg", time.Hour, time.Now())
		if err != nil {
			t.Fatalf("Sign()でエラーが発生: %v", err)
		}
		if err := signer.Verify("uploads/a.jpg", tokenOf(t, signed)); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("err = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("空の署名鍵はエラーになること", func(t *testing.T) {
		t.Parallel()

		if _, err := NewURLSigner("https://cdn.example.com", ""); err == nil {
			t.Fatal("NewURLSigner()がエラーを返すべきだが、nilが返った")
		}
	})
}
