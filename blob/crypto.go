package blob

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"
)

// Decrypt reads the blob's verified ciphertext and returns the AES-CBC
// decrypted, PKCS7-unpadded plaintext. The caller supplies the key; this
// package never manages key material (spec.md §1 Non-goals).
func (b *Blob) Decrypt(key, iv []byte) ([]byte, error) {
	r, err := b.OpenReader()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	ciphertext, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	return DecryptAESCBC(key, iv, ciphertext)
}

// DecryptAESCBC decrypts ciphertext with AES-256-CBC and strips its
// PKCS7 padding. Exported so stream.CreateStream's chunker can exercise
// the identical path when re-deriving plaintext for tests.
func DecryptAESCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 {
		return nil, nil
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("blob: ciphertext is not a multiple of the block size")
	}

	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

// EncryptAESCBC pads plaintext with PKCS7 and encrypts it with AES-256-CBC.
func EncryptAESCBC(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte(nil), data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("blob: cannot unpad empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, fmt.Errorf("blob: invalid PKCS7 padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("blob: invalid PKCS7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}
