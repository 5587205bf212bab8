package envelope

import (
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := "0123456789ABCDEF_extra_tail_bytes"
	obj := map[string]interface{}{"hello": "world", "n": float64(42)}

	enc, err := Encrypt(key, obj)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	dec, err := Decrypt(key, enc)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}

	if dec["hello"] != "world" {
		t.Errorf("expected hello=world, got %v", dec["hello"])
	}
	if dec["n"] != float64(42) {
		t.Errorf("expected n=42, got %v", dec["n"])
	}
}

func TestEncryptEmptyObject(t *testing.T) {
	if _, err := Encrypt("0123456789ABCDEF", nil); err == nil {
		t.Fatal("expected error encrypting nil object")
	}
	if _, err := Encrypt("0123456789ABCDEF", map[string]interface{}{}); err == nil {
		t.Fatal("expected error encrypting empty object")
	}
}

func TestDecryptMalformedBase64(t *testing.T) {
	if _, err := Decrypt("0123456789ABCDEF", "not-valid-base64!!"); err == nil {
		t.Fatal("expected error for malformed base64")
	}
}

func TestDecryptEmptyString(t *testing.T) {
	if _, err := Decrypt("0123456789ABCDEF", ""); err == nil {
		t.Fatal("expected error for empty ciphertext")
	}
}

func TestKeyUsesOnlyFirst16Bytes(t *testing.T) {
	shortKey := "0123456789ABCDEF"
	longKey := "0123456789ABCDEF-this-tail-is-ignored"
	obj := map[string]interface{}{"a": "b"}

	enc, err := Encrypt(longKey, obj)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	dec, err := Decrypt(shortKey, enc)
	if err != nil {
		t.Fatalf("Decrypt with truncated-equivalent key failed: %v", err)
	}
	if dec["a"] != "b" {
		t.Errorf("expected a=b, got %v", dec["a"])
	}
}
