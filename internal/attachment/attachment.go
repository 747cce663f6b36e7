package attachment

import (
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMaxBytes is the largest accepted attachment (10 MiB).
const DefaultMaxBytes int64 = 10 * 1024 * 1024

var (
	// ErrInvalid is returned when payload or name is missing or undecodable.
	ErrInvalid = errors.New("attachment invalid")
	// ErrTooLarge is returned when the attachment exceeds the size limit.
	ErrTooLarge = errors.New("attachment too large")
)

// Category is the coarse kind of an attachment derived from its extension.
type Category string

const (
	Image      Category = "image"
	PDF        Category = "pdf"
	Doc        Category = "doc"
	Excel      Category = "excel"
	PowerPoint Category = "powerpoint"
	Audio      Category = "audio"
	Video      Category = "video"
	Archive    Category = "archive"
	File       Category = "file"
)

var extensions = map[string]Category{
	"jpg": Image, "jpeg": Image, "png": Image, "gif": Image, "webp": Image, "bmp": Image, "svg": Image,
	"pdf": PDF,
	"doc": Doc, "docx": Doc,
	"xls": Excel, "xlsx": Excel,
	"ppt": PowerPoint, "pptx": PowerPoint,
	"mp3": Audio, "wav": Audio, "ogg": Audio, "aac": Audio, "m4a": Audio,
	"mp4": Video, "webm": Video, "mov": Video, "avi": Video, "mkv": Video,
	"zip": Archive, "rar": Archive, "7z": Archive, "tar": Archive, "gz": Archive,
}

// Candidate is an attachment as submitted by a client.
type Candidate struct {
	Data string // base64, optionally prefixed with a data URL header
	Name string
	Type string
	Size int64
}

// Attachment is an admitted, classified attachment.
type Attachment struct {
	Data     string
	Name     string
	MIMEType string
	Size     int64
	Category Category
}

// Classify maps a filename to its category. Unknown extensions are File.
func Classify(name string) Category {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if c, ok := extensions[ext]; ok {
		return c
	}
	return File
}

// Admitter validates candidates against a size limit.
type Admitter struct {
	MaxBytes int64
}

// NewAdmitter returns an Admitter with the given limit; non-positive means DefaultMaxBytes.
func NewAdmitter(maxBytes int64) *Admitter {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Admitter{MaxBytes: maxBytes}
}

var defaultAdmitter = NewAdmitter(DefaultMaxBytes)

// Admit validates c with the default 10 MiB limit.
func Admit(c Candidate) (*Attachment, error) {
	return defaultAdmitter.Admit(c)
}

// Admit validates and classifies c. The declared MIME type never affects the size check.
func (a *Admitter) Admit(c Candidate) (*Attachment, error) {
	if c.Data == "" || strings.TrimSpace(c.Name) == "" {
		return nil, fmt.Errorf("%w: payload and name are required", ErrInvalid)
	}
	if c.Size > a.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, c.Size, a.MaxBytes)
	}

	header, encoded := splitDataURL(c.Data)
	// Cheap bound before decoding: base64 expands by 4/3.
	if int64(len(encoded))/4*3 > a.MaxBytes+3 {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrTooLarge, a.MaxBytes)
	}
	raw, err := decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalid)
	}
	size := max(c.Size, int64(len(raw)))
	if size > a.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, size, a.MaxBytes)
	}

	mimeType := c.Type
	if mimeType == "" {
		mimeType = headerMIME(header)
	}
	if mimeType == "" {
		mimeType = mimetype.Detect(raw).String()
	}

	return &Attachment{
		Data:     c.Data,
		Name:     c.Name,
		MIMEType: mimeType,
		Size:     size,
		Category: Classify(c.Name),
	}, nil
}

// splitDataURL separates "data:<mime>;base64," from the encoded body.
func splitDataURL(s string) (header, body string) {
	if !strings.HasPrefix(s, "data:") {
		return "", s
	}
	i := strings.IndexByte(s, ',')
	if i < 0 {
		return "", s
	}
	return s[:i], s[i+1:]
}

func headerMIME(header string) string {
	h := strings.TrimPrefix(header, "data:")
	h, _, _ = strings.Cut(h, ";")
	return h
}

func decode(s string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
