package server_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/taleweaver/internal/server"
)

func TestCheckFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		wantErr bool
	}{
		{name: "txt", file: "session.txt"},
		{name: "vtt", file: "session.vtt"},
		{name: "srt", file: "session.srt"},
		{name: "upper case", file: "SESSION.TXT"},
		{name: "mixed case", file: "notes.Srt"},
		{name: "pdf", file: "session.pdf", wantErr: true},
		{name: "no extension", file: "session", wantErr: true},
		{name: "empty", file: "", wantErr: true},
		{name: "double extension", file: "session.txt.exe", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := server.CheckFilename(tc.file)
			if tc.wantErr {
				if !errors.Is(err, server.ErrInputRejected) {
					t.Errorf("CheckFilename(%q) = %v, want ErrInputRejected", tc.file, err)
				}
				return
			}
			if err != nil {
				t.Errorf("CheckFilename(%q) = %v, want nil", tc.file, err)
			}
		})
	}
}

func TestDecodeTranscript(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{name: "plain utf-8", data: []byte("J: we head out"), want: "J: we head out"},
		{name: "utf-8 bom", data: []byte("\xef\xbb\xbfJ: hi"), want: "J: hi"},
		{name: "utf-16be bom", data: []byte{0xfe, 0xff, 0x00, 'H', 0x00, 'i'}, want: "Hi"},
		{name: "utf-16le bom", data: []byte{0xff, 0xfe, 'H', 0x00, 'i', 0x00}, want: "Hi"},
		{name: "invalid byte", data: []byte("Al\xffkesh"), want: "Al\uFFFDkesh"},
		{name: "nfc composition", data: []byte("Cafe\u0301"), want: "Caf\u00e9"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := server.DecodeTranscript("s.txt", tc.data)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("DecodeTranscript = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDecodeTranscript_RejectsExtension(t *testing.T) {
	t.Parallel()

	if _, err := server.DecodeTranscript("s.docx", []byte("text")); !errors.Is(err, server.ErrInputRejected) {
		t.Errorf("expected ErrInputRejected, got %v", err)
	}
}
