package attachment

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func encode(n int) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat("a", n)))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		want Category
	}{
		{"photo.JPG", Image},
		{"diagram.svg", Image},
		{"report.pdf", PDF},
		{"letter.docx", Doc},
		{"sheet.xls", Excel},
		{"deck.pptx", PowerPoint},
		{"song.m4a", Audio},
		{"clip.mkv", Video},
		{"bundle.tar.gz", Archive},
		{"backup.7z", Archive},
		{"notes.txt", File},
		{"Makefile", File},
		{"", File},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.name); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.name, got, tt.want)
			}
		})
	}
}

func TestAdmitValid(t *testing.T) {
	att, err := Admit(Candidate{Data: encode(100), Name: "a.png", Type: "image/png", Size: 100})
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if att.Category != Image {
		t.Errorf("category = %s, want image", att.Category)
	}
	if att.Size != 100 {
		t.Errorf("size = %d, want 100", att.Size)
	}
	if att.MIMEType != "image/png" {
		t.Errorf("mime = %q, want declared image/png", att.MIMEType)
	}
}

func TestAdmitDataURL(t *testing.T) {
	data := "data:application/pdf;base64," + encode(10)
	att, err := Admit(Candidate{Data: data, Name: "x.pdf", Size: 10})
	if err != nil {
		t.Fatal(err)
	}
	if att.MIMEType != "application/pdf" {
		t.Errorf("mime = %q, want application/pdf from data URL", att.MIMEType)
	}
	if att.Data != data {
		t.Error("payload must be stored as submitted")
	}
}

func TestAdmitSniffsMissingType(t *testing.T) {
	att, err := Admit(Candidate{Data: encode(32), Name: "blob", Size: 32})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(att.MIMEType, "text/plain") {
		t.Errorf("mime = %q, want sniffed text/plain", att.MIMEType)
	}
	if att.Category != File {
		t.Errorf("category = %s, want file", att.Category)
	}
}

func TestAdmitInvalid(t *testing.T) {
	tests := []struct {
		name string
		c    Candidate
	}{
		{"missing data", Candidate{Name: "a.png", Size: 1}},
		{"missing name", Candidate{Data: encode(1), Size: 1}},
		{"blank name", Candidate{Data: encode(1), Name: "  ", Size: 1}},
		{"bad base64", Candidate{Data: "!!!not-base64!!!", Name: "a.png", Size: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Admit(tt.c)
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Admit() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestAdmitTooLargeRegardlessOfType(t *testing.T) {
	for _, mime := range []string{"", "image/png", "application/zip", "text/plain"} {
		_, err := Admit(Candidate{Data: encode(1), Name: "big.bin", Type: mime, Size: 11 * 1024 * 1024})
		if !errors.Is(err, ErrTooLarge) {
			t.Errorf("type %q: error = %v, want ErrTooLarge", mime, err)
		}
	}
}

func TestAdmitTooLargeUnderstatedSize(t *testing.T) {
	a := NewAdmitter(1024)
	_, err := a.Admit(Candidate{Data: encode(2048), Name: "x.zip", Size: 10})
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("error = %v, want ErrTooLarge for understated size", err)
	}
}

func TestAdmitExactLimit(t *testing.T) {
	a := NewAdmitter(1024)
	if _, err := a.Admit(Candidate{Data: encode(1024), Name: "x.zip", Size: 1024}); err != nil {
		t.Errorf("Admit() at limit error = %v", err)
	}
}

func TestNewAdmitterDefault(t *testing.T) {
	if got := NewAdmitter(0).MaxBytes; got != DefaultMaxBytes {
		t.Errorf("MaxBytes = %d, want %d", got, DefaultMaxBytes)
	}
}
