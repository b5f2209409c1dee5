package pgcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// fileMode is the mode the file API always uses regardless of what a caller
// might otherwise pick — a format-compatibility constraint: every user file
// ever written by this system (and its predecessors) is AES-256-CBC, so the
// file path does not take a Mode parameter.
const fileMode = AES256CBC

// fileChunkSize is the streaming chunk size for EncryptFile/DecryptFile.
const fileChunkSize = 1 << 20 // 1 MiB

// EncryptFile encrypts from into to (or from+".aes" if to is empty) in
// fileChunkSize chunks under fixed AES-256-CBC. On success from is deleted.
func EncryptFile(from, to string, masterKey []byte) error {
	if to == "" {
		to = from + ".aes"
	}
	return transformFile(from, to, masterKey, true)
}

// DecryptFile decrypts from into to (or from with one trailing extension
// stripped if to is empty) under fixed AES-256-CBC. On success from is
// deleted.
func DecryptFile(from, to string, masterKey []byte) error {
	if to == "" {
		ext := filepath.Ext(from)
		to = strings.TrimSuffix(from, ext)
		if to == from {
			to = from + ".dec"
		}
	}
	return transformFile(from, to, masterKey, false)
}

func transformFile(from, to string, masterKey []byte, encrypt bool) error {
	key, iv := deriveKeyIV(masterKey, fileMode.KeyLen())
	block, err := aes.NewCipher(key)
	if err != nil {
		return &CryptoError{Op: "file: new cipher", Err: err}
	}

	in, err := os.Open(from)
	if err != nil {
		return &CryptoError{Op: "file: open source", Err: err}
	}
	defer in.Close()

	out, err := os.Create(to)
	if err != nil {
		return &CryptoError{Op: "file: create destination", Err: err}
	}

	if encrypt {
		err = streamEncrypt(in, out, cipher.NewCBCEncrypter(block, iv))
	} else {
		err = streamDecrypt(in, out, cipher.NewCBCDecrypter(block, iv))
	}
	closeErr := out.Close()
	if err != nil {
		os.Remove(to)
		return err
	}
	if closeErr != nil {
		os.Remove(to)
		return &CryptoError{Op: "file: close destination", Err: closeErr}
	}

	if err := os.Remove(from); err != nil {
		return &CryptoError{Op: "file: remove source after success", Err: err}
	}
	return nil
}

func streamEncrypt(in io.Reader, out io.Writer, mode cipher.BlockMode) error {
	buf := make([]byte, fileChunkSize)
	for {
		n, readErr := io.ReadFull(in, buf)
		atEOF := readErr == io.EOF || readErr == io.ErrUnexpectedEOF
		if !atEOF && readErr != nil {
			return &CryptoError{Op: "file: read plaintext", Err: readErr}
		}

		full := n - n%aes.BlockSize
		if full > 0 {
			dst := make([]byte, full)
			mode.CryptBlocks(dst, buf[:full])
			if _, err := out.Write(dst); err != nil {
				return &CryptoError{Op: "file: write ciphertext", Err: err}
			}
		}

		if atEOF {
			// PKCS7 always appends a padding block, even when the
			// plaintext length already lands on a block boundary.
			padded := pkcs7Pad(buf[full:n], aes.BlockSize)
			dst := make([]byte, len(padded))
			mode.CryptBlocks(dst, padded)
			if _, err := out.Write(dst); err != nil {
				return &CryptoError{Op: "file: write final block", Err: err}
			}
			return nil
		}
	}
}

func streamDecrypt(in io.Reader, out io.Writer, mode cipher.BlockMode) error {
	buf := make([]byte, fileChunkSize)
	var pending []byte
	for {
		n, readErr := io.ReadFull(in, buf)
		chunk := append(pending, buf[:n]...)
		pending = nil

		if readErr == nil {
			// Hold back the final block of a full read: it might be the
			// file's last block and we cannot know until EOF, and CBC
			// decryption + unpadding must only run the unpad step on the
			// true last block.
			if len(chunk) > aes.BlockSize {
				keep := len(chunk) - aes.BlockSize
				keep -= keep % aes.BlockSize
				dst := make([]byte, keep)
				mode.CryptBlocks(dst, chunk[:keep])
				if _, err := out.Write(dst); err != nil {
					return &CryptoError{Op: "file: write plaintext", Err: err}
				}
				pending = append(pending, chunk[keep:]...)
			} else {
				pending = chunk
			}
			continue
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			if len(chunk) == 0 {
				return nil
			}
			if len(chunk)%aes.BlockSize != 0 {
				return &CryptoError{Op: "file: decrypt", Err: fmt.Errorf("trailing %d bytes not a multiple of block size", len(chunk))}
			}
			dst := make([]byte, len(chunk))
			mode.CryptBlocks(dst, chunk)
			plain, err := pkcs7Unpad(dst, aes.BlockSize)
			if err != nil {
				return &CryptoError{Op: "file: decrypt: unpad", Err: err}
			}
			if _, err := out.Write(plain); err != nil {
				return &CryptoError{Op: "file: write final plaintext", Err: err}
			}
			return nil
		}

		return &CryptoError{Op: "file: read ciphertext", Err: readErr}
	}
}
