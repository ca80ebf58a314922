// Package pdfprep turns raw upload bytes into a Document the pipeline can
// chunk: it detects and removes PDF encryption and establishes the page
// count.
package pdfprep

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	pdflib "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/manualminer/manualminer/internal/manual"
)

// DefaultPasswords are the candidates tried against a protected manual, in
// order. Vendor PDFs are overwhelmingly protected with one of these.
var DefaultPasswords = []string{
	"", "password", "123456", "admin", "user", "pdf", "document", "default", "open",
}

// PasswordRequiredError means none of the candidate passwords opened the
// document.
type PasswordRequiredError struct {
	Tried int
}

func (e *PasswordRequiredError) Error() string {
	return fmt.Sprintf("pdf is password protected (%d candidate passwords tried)", e.Tried)
}

// Preparer decrypts protected PDFs and reads their page count.
type Preparer struct {
	// Passwords overrides DefaultPasswords when non-empty.
	Passwords []string
}

// Prepare validates, decrypts if needed, and page-counts a PDF. The
// returned Document carries the bytes every later stage works from;
// unencrypted inputs pass through byte-identical.
func (p *Preparer) Prepare(name string, data []byte) (*manual.Document, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty input")
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, fmt.Errorf("not a pdf: missing %%PDF header")
	}

	encrypted, err := isEncrypted(data)
	if err != nil {
		return nil, fmt.Errorf("inspect pdf: %w", err)
	}

	prepared := data
	if encrypted {
		prepared, err = p.decrypt(data)
		if err != nil {
			return nil, err
		}
	}

	pages, err := pageCount(prepared)
	if err != nil {
		return nil, fmt.Errorf("count pages: %w", err)
	}
	if pages <= 0 {
		return nil, fmt.Errorf("pdf reports no pages")
	}

	sum := sha256.Sum256(prepared)
	return &manual.Document{
		Name:      name,
		SHA256:    fmt.Sprintf("%x", sum[:]),
		PageCount: pages,
		Encrypted: encrypted,
		Data:      prepared,
	}, nil
}

// isEncrypted distinguishes three cases: open documents, documents sealed
// with a real user password (the reader refuses them outright), and
// documents encrypted with an empty user password (the reader opens them,
// but the bytes stay ciphered for anything downstream).
func isEncrypted(data []byte) (bool, error) {
	r, err := pdflib.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if err == pdflib.ErrInvalidPassword {
			return true, nil
		}
		return false, err
	}
	return !r.Trailer().Key("Encrypt").IsNull(), nil
}

// decrypt tries each candidate password and returns plaintext PDF bytes.
func (p *Preparer) decrypt(data []byte) ([]byte, error) {
	passwords := p.Passwords
	if len(passwords) == 0 {
		passwords = DefaultPasswords
	}

	for _, pw := range passwords {
		conf := model.NewDefaultConfiguration()
		conf.UserPW = pw
		conf.OwnerPW = pw

		var buf bytes.Buffer
		if err := api.Decrypt(bytes.NewReader(data), &buf, conf); err != nil {
			continue
		}
		return buf.Bytes(), nil
	}
	return nil, &PasswordRequiredError{Tried: len(passwords)}
}

func pageCount(data []byte) (int, error) {
	r, err := pdflib.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, err
	}
	return r.NumPage(), nil
}
