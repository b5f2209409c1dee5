package pgcrypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

var allModes = []Mode{AES128CBC, AES192CBC, AES256CBC, AES128CTR, AES192CTR, AES256CTR}

// Property 4: encrypt/decrypt identity, with a trailing NUL past res_size.
func TestEncryptDecryptIdentity(t *testing.T) {
	masterKey := []byte("topsecret")
	plains := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("secret"),
		bytes.Repeat([]byte("x"), 16),
		bytes.Repeat([]byte("y"), 100),
	}

	for _, mode := range allModes {
		for _, plain := range plains {
			ct, err := EncryptBuffer(plain, mode, masterKey)
			if err != nil {
				t.Fatalf("%s encrypt: %v", mode, err)
			}
			pt, err := DecryptBuffer(ct, mode, masterKey)
			if err != nil {
				t.Fatalf("%s decrypt: %v", mode, err)
			}
			if !bytes.Equal(pt, plain) {
				t.Fatalf("%s: got %q want %q", mode, pt, plain)
			}
			if cap(pt) < len(pt)+1 {
				t.Fatalf("%s: decrypted buffer has no room for trailing NUL", mode)
			}
			if pt[:len(pt)+1][len(pt)] != 0 {
				t.Fatalf("%s: trailing byte past res_size is not NUL", mode)
			}
		}
	}
}

func TestDeriveKeyIVDeterministic(t *testing.T) {
	k1, iv1 := deriveKeyIV([]byte("topsecret"), 32)
	k2, iv2 := deriveKeyIV([]byte("topsecret"), 32)
	if !bytes.Equal(k1, k2) || !bytes.Equal(iv1, iv2) {
		t.Fatal("derivation must be deterministic for the same password")
	}
	k3, _ := deriveKeyIV([]byte("different"), 32)
	if bytes.Equal(k1, k3) {
		t.Fatal("different passwords must derive different keys")
	}
}

// S6: users file scenario's underlying primitive — AES-256-CBC round trip
// with a known master key.
func TestUsersFileScenarioPrimitive(t *testing.T) {
	masterKey := []byte("topsecret")
	ct, err := EncryptBuffer([]byte("secret"), AES256CBC, masterKey)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := DecryptBuffer(ct, AES256CBC, masterKey)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "secret" {
		t.Fatalf("got %q", pt)
	}
}

// Property 5: file encrypt/decrypt deletes the source.
func TestEncryptFileDeletesSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "plain.txt")
	content := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog"), 50000)
	if err := os.WriteFile(src, content, 0o600); err != nil {
		t.Fatal(err)
	}

	masterKey := []byte("topsecret")
	if err := EncryptFile(src, "", masterKey); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("source still exists after EncryptFile: %v", err)
	}

	encPath := src + ".aes"
	if _, err := os.Stat(encPath); err != nil {
		t.Fatalf("encrypted file missing: %v", err)
	}

	if err := DecryptFile(encPath, "", masterKey); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if _, err := os.Stat(encPath); !os.IsNotExist(err) {
		t.Fatalf("encrypted file still exists after DecryptFile: %v", err)
	}

	got, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("reading round-tripped file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("round-tripped file content mismatch")
	}
}

func TestEncryptFileExactMultipleOfChunkAndBlock(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "exact.bin")
	// Exactly one streaming chunk (a whole number of AES blocks), so the
	// final read returns n==0 at EOF and only the padding block remains.
	content := bytes.Repeat([]byte{0x42}, fileChunkSize)
	if err := os.WriteFile(src, content, 0o600); err != nil {
		t.Fatal(err)
	}
	masterKey := []byte("topsecret")
	if err := EncryptFile(src, "", masterKey); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := DecryptFile(src+".aes", src, masterKey); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	got, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("got %d bytes, want %d", len(got), len(content))
	}
}
