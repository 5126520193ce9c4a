package attach

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/RehanRiaz5383/lmsinbox/internal/model"
)

type mockAPI struct {
	uploads   int
	uploadErr error
	urlCalls  int
	urlErr    error
}

func (m *mockAPI) UploadAttachment(_ context.Context, name string, r io.Reader) (*model.Attachment, error) {
	m.uploads++
	if m.uploadErr != nil {
		return nil, m.uploadErr
	}
	data, _ := io.ReadAll(r)
	return &model.Attachment{
		StoragePath: "uploads/" + name,
		DisplayName: name,
		SizeBytes:   int64(len(data)),
	}, nil
}

func (m *mockAPI) RequestAttachmentDownloadURL(_ context.Context, messageID string) (string, error) {
	m.urlCalls++
	if m.urlErr != nil {
		return "", m.urlErr
	}
	return fmt.Sprintf("https://files.example.com/%s?sig=%d", messageID, m.urlCalls), nil
}

func TestUploadProducesDraft(t *testing.T) {
	api := &mockAPI{}
	p := NewPipeline(api)

	desc, err := p.Upload(context.Background(), "notes.pdf", strings.NewReader("data"), 4)
	if err != nil {
		t.Fatal(err)
	}
	if desc.StoragePath != "uploads/notes.pdf" {
		t.Errorf("descriptor = %+v", desc)
	}
	if p.Draft() != desc {
		t.Error("draft not set after successful upload")
	}
}

// An oversized file is rejected client-side before any request is issued
// and the draft stays unset.
func TestUploadRejectsOversized(t *testing.T) {
	api := &mockAPI{}
	p := NewPipeline(api)

	_, err := p.Upload(context.Background(), "video.mp4", strings.NewReader(""), 150<<20)
	if err == nil {
		t.Fatal("expected size error")
	}
	if api.uploads != 0 {
		t.Errorf("upload request issued despite size rejection: %d calls", api.uploads)
	}
	if p.Draft() != nil {
		t.Error("draft set after rejected upload")
	}
}

func TestUploadFailureLeavesNoDraft(t *testing.T) {
	api := &mockAPI{}
	p := NewPipeline(api)

	// Seed a previous successful draft, then fail the replacement.
	if _, err := p.Upload(context.Background(), "a.txt", strings.NewReader("a"), 1); err != nil {
		t.Fatal(err)
	}
	api.uploadErr = fmt.Errorf("network down")
	if _, err := p.Upload(context.Background(), "b.txt", strings.NewReader("b"), 1); err == nil {
		t.Fatal("expected upload error")
	}
	if p.Draft() != nil {
		t.Error("failed upload left a draft attached")
	}
}

func TestNewSelectionReplacesDraft(t *testing.T) {
	p := NewPipeline(&mockAPI{})

	if _, err := p.Upload(context.Background(), "first.txt", strings.NewReader("1"), 1); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Upload(context.Background(), "second.txt", strings.NewReader("2"), 1); err != nil {
		t.Fatal(err)
	}
	if got := p.Draft(); got == nil || got.DisplayName != "second.txt" {
		t.Errorf("draft = %+v, want second.txt", got)
	}
}

// Every download click re-requests the URL since issued links expire.
func TestRequestDownloadNeverCachesURL(t *testing.T) {
	api := &mockAPI{}
	p := NewPipeline(api)

	var seen []string
	open := func(_ context.Context, url string) error {
		seen = append(seen, url)
		return nil
	}

	for i := 0; i < 2; i++ {
		if err := p.RequestDownload(context.Background(), "m1", open); err != nil {
			t.Fatal(err)
		}
	}
	if api.urlCalls != 2 {
		t.Errorf("url requests = %d, want 2", api.urlCalls)
	}
	if len(seen) != 2 || seen[0] == seen[1] {
		t.Errorf("urls = %v, want two distinct signed urls", seen)
	}
}

func TestRequestDownloadFailure(t *testing.T) {
	api := &mockAPI{urlErr: fmt.Errorf("expired token")}
	p := NewPipeline(api)

	err := p.RequestDownload(context.Background(), "m1", func(context.Context, string) error {
		t.Fatal("opener called despite URL failure")
		return nil
	})
	if err == nil {
		t.Error("expected error")
	}
}
