package encryption

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func encryptWith(t *testing.T, e interface {
	EncryptWriter(io.Writer) (io.WriteCloser, error)
}, input []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := e.EncryptWriter(&buf)
	if err != nil {
		t.Fatalf("EncryptWriter() error = %v", err)
	}
	if _, err := w.Write(input); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return buf.Bytes()
}

func TestTestEncryptor_Setup(t *testing.T) {
	t.Parallel()
	e := NewTestEncryptor()
	if err := e.Setup("any-passphrase"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !e.setupCalled {
		t.Error("Setup() did not record that it was called")
	}
}

func TestTestEncryptor_IsConfigured(t *testing.T) {
	t.Parallel()
	e := NewTestEncryptor()
	if !e.IsConfigured() {
		t.Error("IsConfigured() = false, want true")
	}
}

func TestTestEncryptor_EncryptDecrypt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "simple text", input: []byte("hello world")},
		{name: "empty", input: []byte{}},
		{name: "binary data", input: []byte{0x00, 0xff, 0x01, 0xfe}},
		{name: "large data", input: bytes.Repeat([]byte("abcdef"), 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := NewTestEncryptor()
			encrypted := encryptWith(t, e, tt.input)

			if !bytes.HasPrefix(encrypted, testHeader) {
				t.Error("encrypted output does not start with test header")
			}

			ctx, err := e.Unlock("any-passphrase")
			if err != nil {
				t.Fatalf("Unlock() error = %v", err)
			}
			r, err := ctx.DecryptReader(bytes.NewReader(encrypted))
			if err != nil {
				t.Fatalf("DecryptReader() error = %v", err)
			}
			decrypted, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if !bytes.Equal(decrypted, tt.input) {
				t.Errorf("round-trip failed: got %d bytes, want %d bytes", len(decrypted), len(tt.input))
			}
		})
	}
}

func TestTestEncryptor_Deterministic(t *testing.T) {
	t.Parallel()

	input := []byte("deterministic test")
	e := NewTestEncryptor()

	if !bytes.Equal(encryptWith(t, e, input), encryptWith(t, e, input)) {
		t.Error("same input produced different encrypted output")
	}
}

func TestTestDecryptionContext_InvalidHeader(t *testing.T) {
	t.Parallel()

	ctx := &TestDecryptionContext{}
	_, err := ctx.DecryptReader(bytes.NewReader([]byte("NOT_VALID_HEADER_data")))
	if err == nil {
		t.Error("DecryptReader() with invalid header should return error")
	}
}

func TestTestDecryptionContext_TruncatedHeader(t *testing.T) {
	t.Parallel()

	ctx := &TestDecryptionContext{}
	_, err := ctx.DecryptReader(bytes.NewReader([]byte("RW")))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("DecryptReader() error = %v, want unexpected EOF", err)
	}
}

func TestTestDecryptionContext_EmptyInput(t *testing.T) {
	t.Parallel()

	ctx := &TestDecryptionContext{}
	_, err := ctx.DecryptReader(bytes.NewReader(nil))
	if !errors.Is(err, io.EOF) {
		t.Errorf("DecryptReader() error = %v, want EOF", err)
	}
}
