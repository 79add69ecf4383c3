package media

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	waLog "go.mau.fi/whatsmeow/util/log"

	"blaze-sync/internal/blaze"
	"blaze-sync/internal/data/store"
	"blaze-sync/internal/infra/config"
	"blaze-sync/internal/service/api"
)

type fakeAPI struct {
	mu       sync.Mutex
	calls    int
	failures []error
	body     []byte
}

func (f *fakeAPI) GetAttachment(ctx context.Context, id string) (*api.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	return &api.Attachment{AttachmentID: id, ViewURL: "https://cdn.example/" + id}, nil
}

func (f *fakeAPI) Download(ctx context.Context, url string, limit int64) ([]byte, error) {
	return f.body, nil
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestService(t *testing.T, client *fakeAPI, mutate func(*config.MediaConfig)) (*MediaService, *store.Container, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "test.db"), waLog.Noop)
	if err != nil {
		t.Fatal(err)
	}
	c := store.NewContainer(s)
	t.Cleanup(func() { c.Close() })

	cfg := &config.MediaConfig{
		AutoDownload:          true,
		WorkerCount:           1,
		RetryMaxAttempts:      3,
		RetryInitialBackoffMs: 5,
		RetryMaxBackoffMs:     10,
		DownloadTimeoutMs:     1000,
	}
	if mutate != nil {
		mutate(cfg)
	}
	svc := NewMediaService(client, cfg, dir, c.Messages, clock.New(), waLog.Noop)
	t.Cleanup(svc.Stop)
	return svc, c, dir
}

func insertAttachment(t *testing.T, c *store.Container, id string, category blaze.Category) {
	t.Helper()
	if _, err := c.Messages.Insert(&store.Message{
		ID:             id,
		ConversationID: "c1",
		UserID:         "u1",
		Category:       string(category),
		Name:           "photo",
		AttachmentID:   "att-" + id,
		MediaMimeType:  "image/png",
		MediaSize:      3,
		MediaStatus:    store.MediaPending,
		Status:         store.StatusDelivered,
	}); err != nil {
		t.Fatal(err)
	}
}

func waitStatus(t *testing.T, c *store.Container, id string, want store.MediaStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m, err := c.Messages.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if m.MediaStatus == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("media status of %s never became %s", id, want)
}

func TestStartDownloadsPending(t *testing.T) {
	client := &fakeAPI{body: []byte("png")}
	svc, c, dir := newTestService(t, client, nil)
	insertAttachment(t, c, "m1", blaze.CategoryPlainImage)

	svc.Start()
	waitStatus(t, c, "m1", store.MediaDone)

	data, err := os.ReadFile(filepath.Join(dir, "media", "c1", "m1", "photo.png"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "png" {
		t.Errorf("file = %q", data)
	}
}

func TestTransientFailureRetried(t *testing.T) {
	client := &fakeAPI{
		body:     []byte("png"),
		failures: []error{&blaze.Error{Status: 500, Code: blaze.CodeServerError}},
	}
	svc, c, _ := newTestService(t, client, nil)
	insertAttachment(t, c, "m1", blaze.CategorySignalImage)

	svc.Start()
	waitStatus(t, c, "m1", store.MediaDone)
	if n := client.callCount(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestMissingAttachmentExpires(t *testing.T) {
	client := &fakeAPI{failures: []error{&blaze.Error{Status: 404, Code: blaze.CodeNotFound}}}
	svc, c, _ := newTestService(t, client, nil)
	insertAttachment(t, c, "m1", blaze.CategoryPlainImage)

	svc.Start()
	waitStatus(t, c, "m1", store.MediaExpired)
	if n := client.callCount(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestOversizedCanceled(t *testing.T) {
	client := &fakeAPI{body: []byte("png")}
	svc, c, _ := newTestService(t, client, func(cfg *config.MediaConfig) { cfg.MaxFileSizeMB = 1 })
	if _, err := c.Messages.Insert(&store.Message{
		ID: "big", ConversationID: "c1", UserID: "u1",
		Category:     string(blaze.CategoryPlainVideo),
		AttachmentID: "att-big", MediaSize: 2 * 1024 * 1024,
		MediaStatus: store.MediaPending, Status: store.StatusDelivered,
	}); err != nil {
		t.Fatal(err)
	}

	svc.Start()
	waitStatus(t, c, "big", store.MediaCanceled)
	if n := client.callCount(); n != 0 {
		t.Errorf("calls = %d, want 0", n)
	}
}

func TestTypeFilter(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeAPI{}, func(cfg *config.MediaConfig) { cfg.Types = []string{"image"} })
	if !svc.isTypeEnabled(mediaType(blaze.CategorySignalImage)) {
		t.Error("image disabled")
	}
	if svc.isTypeEnabled(mediaType(blaze.CategoryPlainData)) {
		t.Error("data enabled")
	}
}

func TestBuildFilename(t *testing.T) {
	tests := []struct {
		job  downloadJob
		want string
	}{
		{downloadJob{Filename: "report.pdf", Mimetype: "application/pdf"}, "report.pdf"},
		{downloadJob{Filename: "notes", Mimetype: "text/plain"}, "notes.txt"},
		{downloadJob{Filename: "../etc/pass:wd", Mimetype: ""}, "pass_wd"},
		{downloadJob{Mimetype: "audio/ogg; codecs=opus"}, "media.ogg"},
		{downloadJob{Mimetype: "video/webm"}, "media.mp4"},
		{downloadJob{Mimetype: "application/octet-stream"}, "media"},
	}
	for _, tt := range tests {
		if got := buildFilename(tt.job); got != tt.want {
			t.Errorf("buildFilename(%+v) = %q, want %q", tt.job, got, tt.want)
		}
	}
}
