package services

import (
	"errors"
	"strings"
	"testing"

	"github.com/vnkhanh/recallai-backend/models"
)

func TestValidateUploadAccepts(t *testing.T) {
	cases := []models.UploadEvent{
		{Name: "uploads/documents/u1/notes.pdf", ContentType: "application/pdf", Size: 1024},
		{Name: "uploads/documents/u1/notes.TXT", ContentType: "text/plain; charset=utf-8", Size: MaxDocumentBytes},
		{Name: "uploads/audio/u2/lecture.mp3", ContentType: "audio/mpeg", Size: MaxAudioBytes},
		{Name: "uploads/audio/u2/lecture.m4a", ContentType: "audio/x-m4a", Size: 10},
	}
	for _, ev := range cases {
		target, err := ValidateUpload(ev)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", ev.Name, err)
		}
		if target.UserID == "" || target.Filename == "" {
			t.Fatalf("%s: path not decoded: %+v", ev.Name, target)
		}
	}
}

func TestValidateUploadDecodesPath(t *testing.T) {
	target, err := ValidateUpload(models.UploadEvent{Name: "uploads/audio/user-9/talk.wav", ContentType: "audio/wav", Size: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.Kind != models.SourceAudio || target.UserID != "user-9" || target.Filename != "talk.wav" {
		t.Fatalf("unexpected target %+v", target)
	}
}

func TestValidateUploadRejects(t *testing.T) {
	cases := []struct {
		name  string
		ev    models.UploadEvent
		field string
	}{
		{"too few segments", models.UploadEvent{Name: "uploads/documents/a.pdf", ContentType: "application/pdf"}, "path"},
		{"too many segments", models.UploadEvent{Name: "uploads/documents/u1/x/a.pdf", ContentType: "application/pdf"}, "path"},
		{"wrong root", models.UploadEvent{Name: "files/documents/u1/a.pdf", ContentType: "application/pdf"}, "path"},
		{"empty user", models.UploadEvent{Name: "uploads/documents//a.pdf", ContentType: "application/pdf"}, "path"},
		{"unknown kind", models.UploadEvent{Name: "uploads/video/u1/a.mp4", ContentType: "video/mp4"}, "kind"},
		{"document too big", models.UploadEvent{Name: "uploads/documents/u1/a.pdf", ContentType: "application/pdf", Size: MaxDocumentBytes + 1}, "size"},
		{"audio too big", models.UploadEvent{Name: "uploads/audio/u1/a.mp3", ContentType: "audio/mpeg", Size: MaxAudioBytes + 1}, "size"},
		{"doc with audio type", models.UploadEvent{Name: "uploads/documents/u1/a.pdf", ContentType: "audio/mpeg"}, "content_type"},
		{"bad extension", models.UploadEvent{Name: "uploads/documents/u1/a.docx", ContentType: "application/pdf"}, "extension"},
		{"audio bad extension", models.UploadEvent{Name: "uploads/audio/u1/a.pdf", ContentType: "audio/mpeg"}, "extension"},
		{"user id too long", models.UploadEvent{Name: "uploads/documents/" + strings.Repeat("u", MaxUserIDLen+1) + "/a.pdf", ContentType: "application/pdf"}, "user_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateUpload(tc.ev)
			if !errors.Is(err, ErrInvalidUpload) {
				t.Fatalf("expected ErrInvalidUpload, got %v", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Fatalf("expected field %q, got %v", tc.field, err)
			}
		})
	}
}

func TestNormalizeLanguage(t *testing.T) {
	cases := map[string]string{
		" EN ":       "en",
		"pt-BR":      "pt-br",
		"fil":        "fil",
		"":           "",
		"english":    "",
		"en_US":      "",
		"en-":        "",
		"e\nn":       "",
		"zh-hant-tw": "",
	}
	for in, want := range cases {
		if got := NormalizeLanguage(in); got != want {
			t.Fatalf("NormalizeLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUploadPathRoundTrip(t *testing.T) {
	p := UploadPath(models.SourceDocuments, "u1", "a.pdf")
	if p != "uploads/documents/u1/a.pdf" {
		t.Fatalf("unexpected path %q", p)
	}
}
