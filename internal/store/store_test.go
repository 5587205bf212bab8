package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPushKeyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if _, ok, err := s.LoadPushKey(); err != nil || ok {
		t.Fatalf("expected absent push key, got ok=%v err=%v", ok, err)
	}

	if err := s.SavePushKey("0123456789ABCDEF"); err != nil {
		t.Fatalf("SavePushKey failed: %v", err)
	}

	key, ok, err := s.LoadPushKey()
	if err != nil || !ok {
		t.Fatalf("expected push key present, got ok=%v err=%v", ok, err)
	}
	if key != "0123456789ABCDEF" {
		t.Errorf("got %q", key)
	}
}

func TestProductIDRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if err := s.SaveProductID(60008); err != nil {
		t.Fatalf("SaveProductID failed: %v", err)
	}
	id, ok, err := s.LoadProductID()
	if err != nil || !ok {
		t.Fatalf("expected product id present, got ok=%v err=%v", ok, err)
	}
	if id != 60008 {
		t.Errorf("got %d", id)
	}
}

func TestAppendRequestLog(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if err := s.AppendRequestLog(map[string]interface{}{"a": 1}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.AppendRequestLog(map[string]interface{}{"a": 2}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, requestLog))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	want := "{\"a\":1}\n{\"a\":2}\n"
	if string(data) != want {
		t.Errorf("got %q want %q", data, want)
	}
}

func TestStaticAssetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := StaticAssetPath(dir, "example.com", "/maps/a.bin")

	if _, ok, err := ReadStaticAsset(path); err != nil || ok {
		t.Fatalf("expected absent asset, got ok=%v err=%v", ok, err)
	}

	if err := WriteStaticAsset(path, []byte("data")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	data, ok, err := ReadStaticAsset(path)
	if err != nil || !ok {
		t.Fatalf("expected asset present, got ok=%v err=%v", ok, err)
	}
	if string(data) != "data" {
		t.Errorf("got %q", data)
	}
}
