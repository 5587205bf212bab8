// Package envelope implements the vendor's AES-128-CBC envelope used to
// wrap the push-channel's JSON payloads. The 16-byte push key doubles as
// the IV; this is a firmware idiosyncrasy, not a design choice, and must
// be reproduced exactly for wire compatibility.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"fmt"

	logging "github.com/op/go-logging"
)

var log = logging.MustGetLogger("envelope")

// CryptoError wraps any failure from Encrypt/Decrypt.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("envelope: %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

func keyBytes(key string) ([]byte, error) {
	raw := []byte(key)
	if len(raw) < 16 {
		return nil, fmt.Errorf("push key too short: need >=16 bytes, got %d", len(raw))
	}
	return raw[:16], nil
}

// Encrypt serialises obj to UTF-8 JSON, PKCS7-pads it to the AES block
// size, encrypts it with AES-128-CBC using key[:16] as both key and IV,
// and returns the base64 ascii encoding. Returns a *CryptoError when obj
// is nil/empty or any cryptographic step fails.
func Encrypt(key string, obj interface{}) (string, error) {
	if obj == nil {
		log.Warning("no data to encrypt")
		return "", &CryptoError{Op: "encrypt", Err: fmt.Errorf("empty object")}
	}
	if m, ok := obj.(map[string]interface{}); ok && len(m) == 0 {
		log.Warning("no data to encrypt")
		return "", &CryptoError{Op: "encrypt", Err: fmt.Errorf("empty object")}
	}

	k, err := keyBytes(key)
	if err != nil {
		return "", &CryptoError{Op: "encrypt", Err: err}
	}

	plain, err := json.Marshal(obj)
	if err != nil {
		return "", &CryptoError{Op: "encrypt", Err: err}
	}

	block, err := aes.NewCipher(k)
	if err != nil {
		return "", &CryptoError{Op: "encrypt", Err: err}
	}

	padded := pkcs7Pad(plain, aes.BlockSize)
	cipherText := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, k)
	mode.CryptBlocks(cipherText, padded)

	encoded := base64.StdEncoding.EncodeToString(cipherText)
	log.Debugf("encrypted %d bytes of payload", len(plain))
	return encoded, nil
}

// Decrypt is the inverse of Encrypt: base64-decode, AES-128-CBC-decrypt
// with key[:16] as key and IV, PKCS7-unpad, parse as JSON.
func Decrypt(key string, s string) (map[string]interface{}, error) {
	if s == "" {
		log.Warning("no data to decrypt")
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("empty input")}
	}

	k, err := keyBytes(key)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: err}
	}

	cipherText, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: err}
	}
	if len(cipherText) == 0 || len(cipherText)%aes.BlockSize != 0 {
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("ciphertext is not a multiple of the block size")}
	}

	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: err}
	}

	plainPadded := make([]byte, len(cipherText))
	mode := cipher.NewCBCDecrypter(block, k)
	mode.CryptBlocks(plainPadded, cipherText)

	plain, err := pkcs7Unpad(plainPadded, aes.BlockSize)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: err}
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(plain, &obj); err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: err}
	}
	log.Debugf("decrypted payload: %v", obj)
	return obj, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	length := len(data)
	if length == 0 {
		return nil, fmt.Errorf("cannot unpad empty data")
	}
	padLen := int(data[length-1])
	if padLen == 0 || padLen > blockSize || padLen > length {
		return nil, fmt.Errorf("invalid PKCS7 padding")
	}
	for _, b := range data[length-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid PKCS7 padding")
		}
	}
	return data[:length-padLen], nil
}
