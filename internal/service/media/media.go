// Package media downloads message attachments to the local store.
//
// MediaService resolves attachment ids through the API, fetches the signed
// URL and writes the file under {store}/media/{conversation}/{message}/.
// A fixed worker pool drains the queue; transient failures are retried with
// exponential backoff and the final outcome is recorded on the message row.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	waLog "go.mau.fi/whatsmeow/util/log"

	"blaze-sync/internal/blaze"
	"blaze-sync/internal/data/store"
	"blaze-sync/internal/infra/config"
	"blaze-sync/internal/service/api"
	"blaze-sync/internal/utils/retry"
)

const (
	backoffFactor = 2.0
	queueSize     = 100
)

// API resolves and fetches attachments.
type API interface {
	GetAttachment(ctx context.Context, id string) (*api.Attachment, error)
	Download(ctx context.Context, url string, limit int64) ([]byte, error)
}

// MediaService handles automatic attachment downloading.
type MediaService struct {
	client    API
	config    *config.MediaConfig
	storePath string
	messages  *store.MessageStore
	clock     clock.Clock
	log       waLog.Logger

	queue    chan downloadJob
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

// downloadJob is one queued attachment.
type downloadJob struct {
	MessageID      string
	TranscriptID   string // set for transcript children
	ConversationID string
	AttachmentID   string
	MediaType      string
	Filename       string
	Mimetype       string
	Size           int64
}

func (j downloadJob) String() string {
	if j.TranscriptID != "" {
		return j.TranscriptID + "/" + j.MessageID
	}
	return j.MessageID
}

// NewMediaService creates a new MediaService.
func NewMediaService(client API, cfg *config.MediaConfig, storePath string,
	messages *store.MessageStore, clk clock.Clock, log waLog.Logger) *MediaService {
	ctx, cancel := context.WithCancel(context.Background())
	return &MediaService{
		client:    client,
		config:    cfg,
		storePath: storePath,
		messages:  messages,
		clock:     clk,
		log:       log.Sub("Media"),
		queue:     make(chan downloadJob, queueSize),
		stopCh:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the download workers and requeues downloads left pending by
// a previous run.
func (s *MediaService) Start() {
	if !s.config.AutoDownload {
		s.log.Infof("Media auto-download is disabled")
		return
	}

	workerCount := s.config.WorkerCount
	if workerCount <= 0 {
		workerCount = 3
	}

	s.log.Infof("Starting %d download workers", workerCount)
	for i := 0; i < workerCount; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	pending, err := s.messages.PendingMedia(queueSize)
	if err != nil {
		s.log.Warnf("Failed to load pending downloads: %v", err)
		return
	}
	for _, msg := range pending {
		s.QueueMessage(msg)
	}
}

// Stop stops the download workers and waits for them.
func (s *MediaService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()
		s.wg.Wait()
		s.log.Infof("Media service stopped")
	})
}

// QueueMessage queues a message's attachment for download.
func (s *MediaService) QueueMessage(msg *store.Message) {
	if msg == nil || msg.AttachmentID == "" {
		return
	}
	s.enqueue(downloadJob{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		AttachmentID:   msg.AttachmentID,
		MediaType:      mediaType(blaze.Category(msg.Category)),
		Filename:       msg.Name,
		Mimetype:       msg.MediaMimeType,
		Size:           msg.MediaSize,
	})
}

// QueueTranscript queues the attachment of one transcript child.
func (s *MediaService) QueueTranscript(child *store.TranscriptMessage) {
	if child == nil || child.AttachmentID == "" {
		return
	}
	s.enqueue(downloadJob{
		MessageID:    child.MessageID,
		TranscriptID: child.TranscriptID,
		AttachmentID: child.AttachmentID,
		MediaType:    mediaType(blaze.Category(child.Category)),
	})
}

func (s *MediaService) enqueue(job downloadJob) {
	if !s.config.AutoDownload {
		return
	}
	if !s.isTypeEnabled(job.MediaType) {
		return
	}
	if s.config.MaxFileSizeMB > 0 && job.Size > s.sizeLimit() {
		s.log.Debugf("Skipping media %s: size %d exceeds limit", job, job.Size)
		s.finish(job, store.MediaCanceled)
		return
	}

	select {
	case s.queue <- job:
	default:
		// Left PENDING; picked up again on the next start.
		s.log.Warnf("Download queue full, deferring media %s", job)
	}
}

func (s *MediaService) sizeLimit() int64 {
	return int64(s.config.MaxFileSizeMB) * 1024 * 1024
}

func (s *MediaService) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case job := <-s.queue:
			s.downloadWithRetry(job)
		}
	}
}

func (s *MediaService) downloadWithRetry(job downloadJob) {
	err := s.retryWithBackoff(func() error {
		return s.download(job)
	})
	switch {
	case err == nil:
		s.finish(job, store.MediaDone)
	case s.ctx.Err() != nil:
		// Stopped mid-download; stays PENDING.
	case blaze.Classify(err) == blaze.FaultPermission, blaze.IsCode(err, blaze.CodeNotFound):
		s.log.Warnf("Attachment of %s is no longer available: %v", job, err)
		s.finish(job, store.MediaExpired)
	default:
		s.log.Errorf("Failed to download media %s: %v", job, err)
		s.finish(job, store.MediaCanceled)
	}
}

func (s *MediaService) finish(job downloadJob, status store.MediaStatus) {
	var err error
	if job.TranscriptID != "" {
		err = s.messages.UpdateTranscriptMediaStatus(job.TranscriptID, job.MessageID, status)
	} else {
		err = s.messages.UpdateMediaStatus(job.MessageID, status)
	}
	if err != nil {
		s.log.Warnf("Failed to record media status of %s: %v", job, err)
	}
}

// retryWithBackoff executes fn with exponential backoff. Only transport
// faults are retried.
func (s *MediaService) retryWithBackoff(fn func() error) error {
	maxRetries := s.config.RetryMaxAttempts
	if maxRetries <= 0 {
		maxRetries = 3
	}
	initialWait := time.Duration(s.config.RetryInitialBackoffMs) * time.Millisecond
	if initialWait <= 0 {
		initialWait = 500 * time.Millisecond
	}
	maxWait := time.Duration(s.config.RetryMaxBackoffMs) * time.Millisecond
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	backoff := retry.NewBackoff(retry.Config{
		MaxAttempts: maxRetries,
		InitialWait: initialWait,
		MaxWait:     maxWait,
		Multiplier:  backoffFactor,
	})

	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil || blaze.Classify(err) != blaze.FaultTransport || attempt == maxRetries {
			return err
		}
		wait := backoff.Next()
		s.log.Debugf("Download failed (attempt %d/%d): %v, retrying in %v", attempt, maxRetries, err, wait)
		if serr := retry.Sleep(s.ctx, s.clock, wait); serr != nil {
			return serr
		}
	}
	return err
}

func (s *MediaService) download(job downloadJob) error {
	filePath := s.path(job)
	if _, err := os.Stat(filePath); err == nil {
		s.log.Debugf("Media already exists: %s", filePath)
		return nil
	}

	timeout := time.Duration(s.config.DownloadTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	att, err := s.client.GetAttachment(ctx, job.AttachmentID)
	if err != nil {
		return fmt.Errorf("resolve attachment: %w", err)
	}
	if att.ViewURL == "" {
		return &blaze.Error{Status: 404, Code: blaze.CodeNotFound, Description: "attachment has no url"}
	}

	var limit int64
	if s.config.MaxFileSizeMB > 0 {
		limit = s.sizeLimit()
	}
	data, err := s.client.Download(ctx, att.ViewURL, limit)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp := filePath + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return errors.Join(fmt.Errorf("rename file: %w", err), os.Remove(tmp))
	}

	s.log.Infof("Downloaded media: %s (%d bytes)", filePath, len(data))
	return nil
}

// path returns {store}/media/{conversation}/{message}/{filename}, or
// {store}/media/transcripts/{transcript}/{message}/{filename} for children.
func (s *MediaService) path(job downloadJob) string {
	dir := filepath.Join(s.storePath, "media", sanitizeFilename(job.ConversationID))
	if job.TranscriptID != "" {
		dir = filepath.Join(s.storePath, "media", "transcripts", sanitizeFilename(job.TranscriptID))
	}
	return filepath.Join(dir, sanitizeFilename(job.MessageID), buildFilename(job))
}

func (s *MediaService) isTypeEnabled(mediaType string) bool {
	if len(s.config.Types) == 0 {
		return true
	}
	for _, t := range s.config.Types {
		if t == mediaType {
			return true
		}
	}
	return false
}

// mediaType names the download type of a category for the types filter.
func mediaType(c blaze.Category) string {
	switch c.Kind() {
	case blaze.KindImage:
		return "image"
	case blaze.KindVideo:
		return "video"
	case blaze.KindAudio:
		return "audio"
	case blaze.KindData:
		return "data"
	}
	return ""
}

// buildFilename uses the original name when known, otherwise one derived
// from the mimetype.
func buildFilename(job downloadJob) string {
	if job.Filename != "" {
		name := filepath.Base(job.Filename)
		if filepath.Ext(name) == "" {
			name += getExtension(job.Mimetype)
		}
		return sanitizeFilename(name)
	}
	return "media" + getExtension(job.Mimetype)
}

func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
	)
	return replacer.Replace(name)
}

var mimeExtensions = map[string]string{
	"image/jpeg":             ".jpg",
	"image/png":              ".png",
	"image/gif":              ".gif",
	"image/webp":             ".webp",
	"video/mp4":              ".mp4",
	"video/3gpp":             ".3gp",
	"video/quicktime":        ".mov",
	"audio/ogg":              ".ogg",
	"audio/ogg; codecs=opus": ".ogg",
	"audio/mpeg":             ".mp3",
	"audio/mp4":              ".m4a",
	"audio/aac":              ".aac",
	"application/pdf":        ".pdf",
	"application/zip":        ".zip",
	"text/plain":             ".txt",
	"text/csv":               ".csv",
}

// getExtension maps a mimetype to a file extension, or "".
func getExtension(mimetype string) string {
	mimetype = strings.ToLower(strings.TrimSpace(mimetype))
	if ext, ok := mimeExtensions[mimetype]; ok {
		return ext
	}
	switch {
	case strings.HasPrefix(mimetype, "video/"):
		return ".mp4"
	case strings.HasPrefix(mimetype, "audio/"):
		return ".m4a"
	}
	return ""
}
