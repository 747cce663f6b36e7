package client

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/matheus3301/duet/internal/attachment"
	"github.com/matheus3301/duet/internal/protocol"
)

// AttachFile reads path into a data URL attachment. The MIME type is
// sniffed from the content. Files over maxBytes (attachment.DefaultMaxBytes
// when <= 0) fail with attachment.ErrTooLarge before they are read, and the
// result passes the same admission check the server applies.
func AttachFile(path string, maxBytes int64) (*protocol.Attachment, error) {
	if maxBytes <= 0 {
		maxBytes = attachment.DefaultMaxBytes
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxBytes {
		return nil, fmt.Errorf("%s: %w: %d bytes exceeds %d", path, attachment.ErrTooLarge, info.Size(), maxBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mime := mimetype.Detect(data).String()
	name := filepath.Base(path)
	att := &protocol.Attachment{
		Data:     "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data),
		Name:     name,
		Type:     mime,
		Size:     int64(len(data)),
		Category: string(attachment.Classify(name)),
	}
	if _, err := attachment.NewAdmitter(maxBytes).Admit(attachment.Candidate{
		Data: att.Data, Name: att.Name, Type: att.Type, Size: att.Size,
	}); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return att, nil
}
