package inbound

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	waLog "go.mau.fi/whatsmeow/util/log"

	"blaze-sync/internal/blaze"
	"blaze-sync/internal/data/store"
	"blaze-sync/internal/service/api"
	"blaze-sync/internal/service/checksum"
	"blaze-sync/internal/service/signal"
	"blaze-sync/internal/service/signal/signaltest"
)

const (
	selfID      = "me"
	selfSession = "s-me"
	peerID      = "u1"
	peerSession = "s1"
	groupID     = "c1"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	// fail is the number of calls answered with err before succeeding.
	fail int
	err  error
}

func (f *fakeFetcher) GetConversation(ctx context.Context, id string) (*api.Conversation, error) {
	f.mu.Lock()
	f.calls++
	if f.fail > 0 {
		f.fail--
		err := f.err
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	return &api.Conversation{
		ConversationID: id,
		Category:       store.ConversationGroup,
		Participants: []api.Participant{
			{UserID: selfID}, {UserID: peerID}, {UserID: "u2"},
		},
		ParticipantSessions: []api.UserSession{
			{UserID: selfID, SessionID: selfSession},
			{UserID: peerID, SessionID: peerSession},
			{UserID: "u2", SessionID: "s2"},
		},
	}, nil
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs []*store.Job
}

func (f *fakeJobs) Enqueue(jobs ...*store.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, jobs...)
	return nil
}

func (f *fakeJobs) count(action store.JobAction) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs {
		if j.Action == action {
			n++
		}
	}
	return n
}

func (f *fakeJobs) acks(messageID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, j := range f.jobs {
		if j.Action == store.JobSendAck && j.MessageID == messageID {
			out = append(out, j.Status)
		}
	}
	return out
}

type fakeMedia struct {
	messages    []*store.Message
	transcripts []*store.TranscriptMessage
}

func (f *fakeMedia) QueueMessage(msg *store.Message)                { f.messages = append(f.messages, msg) }
func (f *fakeMedia) QueueTranscript(child *store.TranscriptMessage) { f.transcripts = append(f.transcripts, child) }

type harness struct {
	p        *Processor
	stores   *store.Container
	provider *signaltest.Provider
	jobs     *fakeJobs
	media    *fakeMedia
	fetcher  *fakeFetcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), waLog.Noop)
	if err != nil {
		t.Fatal(err)
	}
	c := store.NewContainer(s)
	t.Cleanup(func() { c.Close() })

	h := &harness{
		stores:   c,
		provider: signaltest.New(),
		jobs:     &fakeJobs{},
		media:    &fakeMedia{},
		fetcher:  &fakeFetcher{},
	}
	coord := checksum.NewCoordinator(h.fetcher, c, waLog.Noop)
	if _, err := coord.Refresh(context.Background(), groupID); err != nil {
		t.Fatal(err)
	}
	h.p = New(Config{BacklogBatch: 10, RetryInitial: time.Millisecond, RetryMax: 4 * time.Millisecond},
		Identity{UserID: selfID, SessionID: selfSession}, c, coord, h.provider,
		h.jobs, h.media, clock.New(), waLog.Noop)
	return h
}

// push delivers data as a server push and ingests the backlog.
func (h *harness) push(t *testing.T, data *blaze.MessageData) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.p.Receive(&blaze.Envelope{ID: uuid.NewString(), Action: blaze.ActionCreateMessage, Data: raw}); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := h.p.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func (h *harness) message(t *testing.T, id string) *store.Message {
	t.Helper()
	m, err := h.stores.Messages.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func sealed(plaintext, resendID string) string {
	return signal.EncodeMessageData(&signal.Ciphertext{
		Type: signal.KeyTypeSenderKey,
		Body: signaltest.Seal([]byte(plaintext)),
	}, resendID)
}

func signalText(id, plaintext string) *blaze.MessageData {
	return &blaze.MessageData{
		ConversationID: groupID,
		UserID:         peerID,
		SessionID:      peerSession,
		MessageID:      id,
		Category:       string(blaze.CategorySignalText),
		Data:           sealed(plaintext, ""),
		CreatedAt:      time.Now(),
	}
}

func encodeJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func expectAcks(t *testing.T, h *harness, id string, want ...string) {
	t.Helper()
	got := h.jobs.acks(id)
	if len(got) != len(want) {
		t.Fatalf("acks of %s = %v, want %v", id, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("acks of %s = %v, want %v", id, got, want)
		}
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	h := newHarness(t)
	id := uuid.NewString()

	h.push(t, signalText(id, "hello"))
	h.push(t, signalText(id, "hello"))

	m := h.message(t, id)
	if m == nil || m.Content != "hello" || m.Status != store.StatusDelivered {
		t.Fatalf("message = %+v", m)
	}
	n, err := h.stores.Messages.CountByConversation(groupID)
	if err != nil || n != 1 {
		t.Errorf("rows = %d, %v", n, err)
	}
	expectAcks(t, h, id, "DELIVERED", "DELIVERED")
	if n, _ := h.stores.Backlog.Count(); n != 0 {
		t.Errorf("backlog has %d records", n)
	}
}

func TestDecryptFailureRequestsKeyOnce(t *testing.T) {
	h := newHarness(t)
	h.provider.FailDecrypt(peerID, signal.NewSessionError(signal.ErrNoSession, nil))

	first, second := uuid.NewString(), uuid.NewString()
	h.push(t, signalText(first, "a"))
	h.push(t, signalText(second, "b"))

	for _, id := range []string{first, second} {
		m := h.message(t, id)
		if m == nil || m.Status != store.StatusFailed {
			t.Errorf("placeholder %s = %+v", id, m)
		}
		expectAcks(t, h, id, "DELIVERED")
	}
	if n := h.jobs.count(store.JobRequestResendKey); n != 1 {
		t.Errorf("resend key requests = %d, want 1", n)
	}
	if n := h.jobs.count(store.JobRefreshSession); n != 1 {
		t.Errorf("session refreshes = %d, want 1", n)
	}
	requesting, err := h.stores.Resend.IsRequesting(groupID, peerID, peerSession)
	if err != nil || !requesting {
		t.Errorf("requesting = %v, %v", requesting, err)
	}
}

func TestSenderKeyEndsKeyRequest(t *testing.T) {
	h := newHarness(t)
	h.provider.FailDecrypt(peerID, signal.NewSessionError(signal.ErrNoSession, nil))
	h.push(t, signalText(uuid.NewString(), "a"))
	h.provider.FailDecrypt(peerID, nil)

	keyID := uuid.NewString()
	key := signalText(keyID, "key")
	key.Category = string(blaze.CategorySignalKey)
	h.push(t, key)

	requesting, err := h.stores.Resend.IsRequesting(groupID, peerID, peerSession)
	if err != nil || requesting {
		t.Errorf("requesting = %v, %v", requesting, err)
	}
	if n := h.jobs.count(store.JobRequestResendMessages); n != 1 {
		t.Errorf("resend message requests = %d, want 1", n)
	}
	if m := h.message(t, keyID); m != nil {
		t.Errorf("sender key materialized: %+v", m)
	}
	expectAcks(t, h, keyID, "READ")
}

func TestRedeliveryOverwritesPlaceholder(t *testing.T) {
	h := newHarness(t)
	original := uuid.NewString()
	h.provider.FailDecrypt(peerID, signal.NewSessionError(signal.ErrInvalidMessage, nil))
	h.push(t, signalText(original, "lost"))
	h.provider.FailDecrypt(peerID, nil)

	resendID := uuid.NewString()
	resend := signalText(resendID, "")
	resend.Data = sealed("recovered", original)
	h.push(t, resend)

	m := h.message(t, original)
	if m == nil || m.Content != "recovered" || m.Status != store.StatusDelivered {
		t.Fatalf("original = %+v", m)
	}
	if m := h.message(t, resendID); m != nil {
		t.Errorf("redelivery got its own row: %+v", m)
	}
	done, err := h.stores.Messages.Processed(resendID)
	if err != nil || !done {
		t.Errorf("redelivery processed = %v, %v", done, err)
	}
	expectAcks(t, h, resendID, "READ")
}

func TestRedeliveryOfReadableMessageIgnored(t *testing.T) {
	h := newHarness(t)
	original := uuid.NewString()
	h.push(t, signalText(original, "kept"))

	resend := signalText(uuid.NewString(), "")
	resend.Data = sealed("other", original)
	h.push(t, resend)

	if m := h.message(t, original); m.Content != "kept" {
		t.Errorf("content = %q", m.Content)
	}
}

func TestReceiptAdvancesStatus(t *testing.T) {
	h := newHarness(t)
	id := uuid.NewString()
	if _, err := h.stores.Messages.Insert(&store.Message{
		ID: id, ConversationID: groupID, UserID: selfID,
		Category: string(blaze.CategorySignalText), Status: store.StatusSent,
	}); err != nil {
		t.Fatal(err)
	}

	receipt := func(status string) {
		raw, _ := json.Marshal(blaze.ReceiptData{MessageID: id, Status: status})
		if err := h.p.Receive(&blaze.Envelope{ID: uuid.NewString(), Action: blaze.ActionAcknowledgeReceipt, Data: raw}); err != nil {
			t.Fatal(err)
		}
	}
	receipt("DELIVERED")
	receipt("SENT")

	if m := h.message(t, id); m.Status != store.StatusDelivered {
		t.Errorf("status = %s, want DELIVERED", m.Status)
	}
	expectAcks(t, h, id, "READ", "READ")
}

func TestMemberRemovalRotatesSenderKey(t *testing.T) {
	h := newHarness(t)
	if err := h.stores.Sessions.MarkSent(groupID, []store.ParticipantSession{{ConversationID: groupID, UserID: "u2", SessionID: "s2"}}); err != nil {
		t.Fatal(err)
	}

	id := uuid.NewString()
	h.push(t, &blaze.MessageData{
		ConversationID: groupID,
		UserID:         "u2",
		MessageID:      id,
		Category:       string(blaze.CategorySystemConversation),
		Data:           encodeJSON(t, systemConversation{Action: actionRemove, ParticipantID: peerID}),
	})

	if ok, _ := h.stores.Conversations.IsParticipant(groupID, peerID); ok {
		t.Error("removed member still a participant")
	}
	if len(h.provider.ClearedKeys) != 1 {
		t.Errorf("cleared keys = %v", h.provider.ClearedKeys)
	}
	unsent, err := h.stores.Sessions.Unsent(groupID)
	if err != nil {
		t.Fatal(err)
	}
	for _, ps := range unsent {
		if ps.UserID == peerID {
			t.Errorf("sessions of removed member kept: %+v", ps)
		}
	}
	if len(unsent) != 2 {
		t.Errorf("unsent sessions = %d, want 2", len(unsent))
	}
	expectAcks(t, h, id, "READ")
}

func TestSelfRemovalQuits(t *testing.T) {
	h := newHarness(t)
	h.push(t, &blaze.MessageData{
		ConversationID: groupID,
		UserID:         peerID,
		MessageID:      uuid.NewString(),
		Category:       string(blaze.CategorySystemConversation),
		Data:           encodeJSON(t, systemConversation{Action: actionRemove, ParticipantID: selfID}),
	})
	conv, err := h.stores.Conversations.Get(groupID)
	if err != nil || conv == nil || conv.Status != store.ConversationQuit {
		t.Errorf("conversation = %+v, %v", conv, err)
	}
}

func TestResendMessagesRequestDeduplicated(t *testing.T) {
	h := newHarness(t)
	ids := []string{uuid.NewString(), uuid.NewString()}
	request := func() {
		body := &blaze.PlainJSON{Type: blaze.PlainResendMessages, MessageIDs: ids}
		data, err := body.Encode()
		if err != nil {
			t.Fatal(err)
		}
		h.push(t, &blaze.MessageData{
			ConversationID: groupID,
			UserID:         peerID,
			SessionID:      peerSession,
			MessageID:      uuid.NewString(),
			Category:       string(blaze.CategoryPlainJSON),
			Data:           data,
		})
	}
	request()
	request()

	if n := h.jobs.count(store.JobResendMessage); n != 2 {
		t.Errorf("resend jobs = %d, want 2", n)
	}
}

func TestAttachmentQueuedForDownload(t *testing.T) {
	h := newHarness(t)
	id := uuid.NewString()
	h.push(t, &blaze.MessageData{
		ConversationID: groupID,
		UserID:         peerID,
		SessionID:      peerSession,
		MessageID:      id,
		Category:       string(blaze.CategoryPlainImage),
		Data:           encodeJSON(t, attachmentPayload{AttachmentID: "att-1", MimeType: "image/png", Size: 42, Name: "a.png"}),
	})

	m := h.message(t, id)
	if m == nil || m.AttachmentID != "att-1" || m.MediaStatus != store.MediaPending {
		t.Fatalf("message = %+v", m)
	}
	if len(h.media.messages) != 1 || h.media.messages[0].ID != id {
		t.Errorf("queued = %v", h.media.messages)
	}
	expectAcks(t, h, id, "DELIVERED")
}

func TestTranscriptChildrenStored(t *testing.T) {
	h := newHarness(t)
	id := uuid.NewString()
	children := []transcriptChild{
		{MessageID: "t1", UserID: peerID, Category: string(blaze.CategoryPlainText), Content: "hi", CreatedAt: time.Now()},
		{MessageID: "t2", UserID: peerID, Category: string(blaze.CategoryPlainData), AttachmentID: "att-2", CreatedAt: time.Now().Add(time.Second)},
	}
	h.push(t, &blaze.MessageData{
		ConversationID: groupID,
		UserID:         peerID,
		SessionID:      peerSession,
		MessageID:      id,
		Category:       string(blaze.CategoryPlainTranscript),
		Data:           encodeJSON(t, children),
	})

	stored, err := h.stores.Messages.TranscriptChildren(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 || stored[1].MediaStatus != store.MediaPending {
		t.Fatalf("children = %+v", stored)
	}
	if len(h.media.transcripts) != 1 || h.media.transcripts[0].MessageID != "t2" {
		t.Errorf("queued transcripts = %v", h.media.transcripts)
	}
}

func TestPendingOffsetAdvances(t *testing.T) {
	h := newHarness(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
	data := signalText(uuid.NewString(), "x")
	data.Source = blaze.SourceListPending
	data.CreatedAt = at
	h.push(t, data)

	older := signalText(uuid.NewString(), "y")
	older.Source = blaze.SourceListPending
	older.CreatedAt = at.Add(-time.Hour)
	h.push(t, older)

	got, err := h.stores.SyncState.Data(store.SyncPendingMessages)
	if err != nil {
		t.Fatal(err)
	}
	if got != at.Format(time.RFC3339Nano) {
		t.Errorf("offset = %q", got)
	}
}

func TestMissingIdentityLogsOut(t *testing.T) {
	h := newHarness(t)
	h.provider.FailDecrypt(peerID, signal.NewSessionError(signal.ErrIdentityMissing, nil))
	id := uuid.NewString()
	h.push(t, signalText(id, "x"))

	select {
	case err := <-h.p.Logout():
		if signal.Code(err) != signal.ErrIdentityMissing {
			t.Errorf("logout error = %v", err)
		}
	default:
		t.Fatal("no logout signalled")
	}
	expectAcks(t, h, id)
}

func TestUnknownCategoryRecorded(t *testing.T) {
	h := newHarness(t)
	id := uuid.NewString()
	data := signalText(id, "x")
	data.Category = "ENCRYPTED_TEXT"
	h.push(t, data)

	done, err := h.stores.Messages.Processed(id)
	if err != nil || !done {
		t.Errorf("processed = %v, %v", done, err)
	}
	expectAcks(t, h, id, "READ")
}

func TestRunDrainsBacklogFirst(t *testing.T) {
	h := newHarness(t)
	id := uuid.NewString()
	raw, _ := json.Marshal(signalText(id, "left over"))
	if _, err := h.stores.Backlog.Put(id, raw); err != nil {
		t.Fatal(err)
	}

	in := make(chan *blaze.Envelope)
	close(in)
	if err := h.p.Run(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if m := h.message(t, id); m == nil || m.Content != "left over" {
		t.Errorf("message = %+v", m)
	}
}

func plainText(conversationID, id, text string) *blaze.MessageData {
	return &blaze.MessageData{
		ConversationID: conversationID,
		UserID:         peerID,
		SessionID:      peerSession,
		MessageID:      id,
		Category:       string(blaze.CategoryPlainText),
		Data:           base64.StdEncoding.EncodeToString([]byte(text)),
		CreatedAt:      time.Now(),
	}
}

func (f *fakeFetcher) failNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail, f.err = n, err
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestUnreachableConversationStaysInBacklog(t *testing.T) {
	h := newHarness(t)
	before := h.fetcher.count()
	h.fetcher.failNext(2, blaze.ErrTimeout)
	id := uuid.NewString()

	h.push(t, plainText("c-unknown", id, "hi"))

	if got := h.fetcher.count() - before; got != 3 {
		t.Errorf("fetches = %d, want 3", got)
	}
	conv, err := h.stores.Conversations.Get("c-unknown")
	if err != nil || conv == nil {
		t.Fatalf("conversation = %+v, %v", conv, err)
	}
	if m := h.message(t, id); m == nil || m.Content != "hi" {
		t.Fatalf("message = %+v", m)
	}
	expectAcks(t, h, id, "DELIVERED")
	if n, _ := h.stores.Backlog.Count(); n != 0 {
		t.Errorf("backlog has %d records", n)
	}
}

func TestDeferredRecordHoldsLaterOnes(t *testing.T) {
	h := newHarness(t)
	h.fetcher.failNext(1, blaze.ErrTimeout)
	first, second := uuid.NewString(), uuid.NewString()
	for _, data := range []*blaze.MessageData{
		plainText("c-unknown", first, "one"),
		plainText(groupID, second, "two"),
	} {
		raw, _ := json.Marshal(data)
		if _, err := h.stores.Backlog.Put(data.MessageID, raw); err != nil {
			t.Fatal(err)
		}
	}

	deferred, err := h.p.drain(context.Background())
	if err != nil || !deferred {
		t.Fatalf("drain = %v, %v", deferred, err)
	}
	if n, _ := h.stores.Backlog.Count(); n != 2 {
		t.Errorf("backlog has %d records, want 2", n)
	}
	if len(h.jobs.acks(second)) != 0 {
		t.Error("record behind a deferred one was ingested")
	}

	if err := h.p.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	expectAcks(t, h, first, "DELIVERED")
	expectAcks(t, h, second, "DELIVERED")
}

func TestRejectedConversationSyncIsNotRetried(t *testing.T) {
	h := newHarness(t)
	before := h.fetcher.count()
	h.fetcher.failNext(1, &blaze.Error{Status: 404, Code: 404, Description: "not found"})
	id := uuid.NewString()

	h.push(t, plainText("c-gone", id, "late"))

	if got := h.fetcher.count() - before; got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
	if m := h.message(t, id); m == nil || m.Content != "late" {
		t.Fatalf("message = %+v", m)
	}
	expectAcks(t, h, id, "DELIVERED")
}
