// Package attach implements the attachment upload and download flows.
//
// Uploads complete before the message that references them is sent; a
// message never carries a partial or failed upload. Downloads resolve a
// fresh retrieval URL per request because the backend issues time-limited
// links.
package attach

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/RehanRiaz5383/lmsinbox/internal/model"
)

// MaxUploadSize is the client-side cap checked before any network call.
const MaxUploadSize = 100 << 20 // 100 MB

// API is the subset of the REST client the pipeline needs.
type API interface {
	UploadAttachment(ctx context.Context, name string, r io.Reader) (*model.Attachment, error)
	RequestAttachmentDownloadURL(ctx context.Context, messageID string) (string, error)
}

// Opener consumes a resolved download URL, e.g. by writing the file to disk
// or handing the URL to a browser.
type Opener func(ctx context.Context, url string) error

// Pipeline drives uploads for one compose box and on-demand downloads.
// Concurrent uploads for the same composer are not supported: a new
// selection replaces the pending descriptor.
type Pipeline struct {
	api API

	mu    sync.Mutex
	draft *model.Attachment
}

// NewPipeline creates a pipeline over the given backend API.
func NewPipeline(api API) *Pipeline {
	return &Pipeline{api: api}
}

// Upload validates and uploads a selected file, storing the returned
// descriptor as the composer's draft attachment. An oversized file is
// rejected before any request is issued; any failure leaves the draft
// unset.
func (p *Pipeline) Upload(ctx context.Context, name string, r io.Reader, size int64) (*model.Attachment, error) {
	p.mu.Lock()
	p.draft = nil
	p.mu.Unlock()

	if size > MaxUploadSize {
		return nil, fmt.Errorf("attachment %q is %d bytes, exceeds the %d MB limit", name, size, MaxUploadSize>>20)
	}

	desc, err := p.api.UploadAttachment(ctx, name, r)
	if err != nil {
		return nil, fmt.Errorf("upload %q: %w", name, err)
	}

	p.mu.Lock()
	p.draft = desc
	p.mu.Unlock()
	return desc, nil
}

// Draft returns the descriptor of the last completed upload, or nil.
func (p *Pipeline) Draft() *model.Attachment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draft
}

// ClearDraft detaches the pending descriptor, typically after the message
// referencing it was sent.
func (p *Pipeline) ClearDraft() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.draft = nil
}

// RequestDownload resolves a fresh retrieval URL for the message's
// attachment and hands it to open. The URL is never cached; every call
// re-requests it.
func (p *Pipeline) RequestDownload(ctx context.Context, messageID string, open Opener) error {
	url, err := p.api.RequestAttachmentDownloadURL(ctx, messageID)
	if err != nil {
		return fmt.Errorf("download attachment of message %s: %w", messageID, err)
	}
	if err := open(ctx, url); err != nil {
		return fmt.Errorf("open attachment of message %s: %w", messageID, err)
	}
	return nil
}
