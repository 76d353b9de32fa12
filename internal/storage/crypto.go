package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

// envelopeMagic prefixes every sealed object so plaintext written before
// encryption was enabled is rejected loudly instead of decrypted as garbage.
var envelopeMagic = []byte("BKE1")

// ErrNotEncrypted is returned when an encrypted bank reads a plaintext object.
var ErrNotEncrypted = errors.New("storage crypto: object is not encrypted")

// CryptoConfig drives the creation of a Crypto helper for bank encryption.
type CryptoConfig struct {
	RootKey keymgmt.RootKey
	Snappy  bool
}

// Crypto seals bank objects with a per-object data encryption key. The object
// key is used as kryptograf context, binding each ciphertext to its location.
type Crypto struct {
	kg kryptograf.Kryptograf
}

// NewCrypto initialises a Crypto helper from cfg.
func NewCrypto(cfg CryptoConfig) (*Crypto, error) {
	if cfg.RootKey == (keymgmt.RootKey{}) {
		return nil, fmt.Errorf("storage crypto: root key required")
	}
	kg := kryptograf.New(cfg.RootKey)
	if cfg.Snappy {
		kg = kg.WithSnappy()
	}
	return &Crypto{kg: kg}, nil
}

// LoadRootKey reads the kryptograf root key kept in the PEM bundle at path.
// A missing bundle is created with a fresh root key.
func LoadRootKey(path string) (keymgmt.RootKey, error) {
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return keymgmt.RootKey{}, fmt.Errorf("storage crypto: read bundle %s: %w", path, err)
	}
	var out []byte
	store, err := keymgmt.LoadPEMInto(existing, &out)
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("storage crypto: load bundle %s: %w", path, err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("storage crypto: ensure root key: %w", err)
	}
	if err := store.Commit(); err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("storage crypto: commit bundle %s: %w", path, err)
	}
	if len(out) > 0 && !bytes.Equal(out, existing) {
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return keymgmt.RootKey{}, fmt.Errorf("storage crypto: write bundle %s: %w", path, err)
		}
	}
	return root, nil
}

// Seal encrypts plaintext for key.
func (c *Crypto) Seal(key string, plaintext []byte) ([]byte, error) {
	mat, err := c.kg.MintDEK([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("storage crypto: mint material for %q: %w", key, err)
	}
	defer mat.Zero()
	desc, err := mat.Descriptor.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("storage crypto: marshal descriptor for %q: %w", key, err)
	}
	var buf bytes.Buffer
	buf.Grow(len(envelopeMagic) + 2 + len(desc) + len(plaintext) + 256)
	buf.Write(envelopeMagic)
	var size [2]byte
	binary.BigEndian.PutUint16(size[:], uint16(len(desc)))
	buf.Write(size[:])
	buf.Write(desc)
	writer, err := c.kg.EncryptWriter(&buf, mat)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt %q: %w", key, err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		writer.Close()
		return nil, fmt.Errorf("storage crypto: encrypt write %q: %w", key, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt close %q: %w", key, err)
	}
	return buf.Bytes(), nil
}

// Open decrypts an envelope produced by Seal for the same key.
func (c *Crypto) Open(key string, sealed []byte) ([]byte, error) {
	header := len(envelopeMagic) + 2
	if len(sealed) < header || !bytes.Equal(sealed[:len(envelopeMagic)], envelopeMagic) {
		return nil, fmt.Errorf("%w: %s", ErrNotEncrypted, key)
	}
	descLen := int(binary.BigEndian.Uint16(sealed[len(envelopeMagic):header]))
	if len(sealed) < header+descLen {
		return nil, fmt.Errorf("storage crypto: truncated envelope for %q", key)
	}
	var desc keymgmt.Descriptor
	if err := desc.UnmarshalBinary(sealed[header : header+descLen]); err != nil {
		return nil, fmt.Errorf("storage crypto: decode descriptor for %q: %w", key, err)
	}
	mat, err := c.kg.ReconstructDEK([]byte(key), desc)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: reconstruct material for %q: %w", key, err)
	}
	defer mat.Zero()
	reader, err := c.kg.DecryptReader(bytes.NewReader(sealed[header+descLen:]), mat)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt %q: %w", key, err)
	}
	defer reader.Close()
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt read %q: %w", key, err)
	}
	return plaintext, nil
}

// Encrypt wraps inner so every object body is sealed at rest. Keys, listings
// and expiry stay visible to the store.
func Encrypt(inner Backend, crypto *Crypto) Backend {
	if inner == nil || crypto == nil {
		return inner
	}
	return &encryptedBackend{inner: inner, crypto: crypto}
}

type encryptedBackend struct {
	inner  Backend
	crypto *Crypto
}

func (b *encryptedBackend) GetObject(ctx context.Context, key string) (GetObjectResult, error) {
	sealed, info, err := ReadObject(ctx, b.inner, key)
	if err != nil {
		return GetObjectResult{}, err
	}
	plaintext, err := b.crypto.Open(key, sealed)
	if err != nil {
		return GetObjectResult{}, err
	}
	out := *info
	out.Size = int64(len(plaintext))
	out.ContentType = ContentTypeOctetStream
	return GetObjectResult{Reader: io.NopCloser(bytes.NewReader(plaintext)), Info: &out}, nil
}

func (b *encryptedBackend) PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error) {
	plaintext, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: read body for %q: %w", key, err)
	}
	sealed, err := b.crypto.Seal(key, plaintext)
	if err != nil {
		return nil, err
	}
	opts.ContentType = ContentTypeOctetStreamEncrypted
	info, err := b.inner.PutObject(ctx, key, bytes.NewReader(sealed), opts)
	if err != nil {
		return nil, err
	}
	out := *info
	out.Size = int64(len(plaintext))
	return &out, nil
}

func (b *encryptedBackend) DeleteObject(ctx context.Context, key string, opts DeleteObjectOptions) error {
	return b.inner.DeleteObject(ctx, key, opts)
}

func (b *encryptedBackend) ListObjects(ctx context.Context, opts ListOptions) (*ListResult, error) {
	return b.inner.ListObjects(ctx, opts)
}

func (b *encryptedBackend) Close() error {
	return b.inner.Close()
}
