package store

import (
	"path/filepath"
	"testing"
	"time"

	waLog "go.mau.fi/whatsmeow/util/log"
)

func openTestStore(t *testing.T) *Container {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), waLog.Noop)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewContainer(s)
}

func TestJobsDrainInCreationOrder(t *testing.T) {
	c := openTestStore(t)

	a := NewJob(JobSendMessage)
	a.ConversationID = "c1"
	b := NewJob(JobSendMessage)
	b.ConversationID = "c1"
	ack := NewAckJob("m1", StatusDelivered)

	if err := c.Jobs.Save(a); err != nil {
		t.Fatal(err)
	}
	if err := c.Jobs.SaveAll([]*Job{ack, b}); err != nil {
		t.Fatal(err)
	}

	next, err := c.Jobs.NextJob(JobCategoryWebSocket)
	if err != nil || next == nil || next.ID != a.ID {
		t.Fatalf("NextJob = %+v, %v; want %s", next, err, a.ID)
	}
	if err := c.Jobs.RemoveJob(a.ID); err != nil {
		t.Fatal(err)
	}
	next, _ = c.Jobs.NextJob(JobCategoryWebSocket)
	if next == nil || next.ID != b.ID {
		t.Fatalf("after remove NextJob = %+v, want %s", next, b.ID)
	}

	httpJob, _ := c.Jobs.NextJob(JobCategoryHTTP)
	if httpJob == nil || httpJob.MessageID != "m1" || httpJob.Status != string(StatusDelivered) {
		t.Fatalf("http job = %+v", httpJob)
	}
}

func TestNextBatchJobsFiltersByAction(t *testing.T) {
	c := openTestStore(t)

	for i := 0; i < 5; i++ {
		if err := c.Jobs.Save(NewAckJob("m", StatusRead)); err != nil {
			t.Fatal(err)
		}
	}
	refresh := NewJob(JobRefreshSession)
	if err := c.Jobs.Save(refresh); err != nil {
		t.Fatal(err)
	}

	acks, err := c.Jobs.NextBatchJobs(JobCategoryHTTP, JobSendAck, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(acks) != 3 {
		t.Fatalf("got %d acks, want 3", len(acks))
	}
	for i := 1; i < len(acks); i++ {
		if acks[i].OrderID <= acks[i-1].OrderID {
			t.Errorf("batch not ordered: %d after %d", acks[i].OrderID, acks[i-1].OrderID)
		}
	}

	ids := []string{acks[0].ID, acks[1].ID, acks[2].ID}
	if err := c.Jobs.RemoveJobs(ids); err != nil {
		t.Fatal(err)
	}
	if n, _ := c.Jobs.Count(JobCategoryHTTP); n != 2 {
		t.Errorf("http count = %d, want 2", n)
	}
	if n, _ := c.Jobs.Count(JobCategoryWebSocket); n != 1 {
		t.Errorf("websocket count = %d, want 1", n)
	}
}

func TestSaveRejectsUnknownAction(t *testing.T) {
	c := openTestStore(t)
	if err := c.Jobs.Save(&Job{Action: JobAction("LAUNCH")}); err == nil {
		t.Fatal("unknown action saved")
	}
}

func TestSaveSameJobTwiceIsNoop(t *testing.T) {
	c := openTestStore(t)
	j := NewAckJob("m1", StatusDelivered)
	if err := c.Jobs.Save(j); err != nil {
		t.Fatal(err)
	}
	if err := c.Jobs.Save(j); err != nil {
		t.Fatal(err)
	}
	if n, _ := c.Jobs.Count(JobCategoryHTTP); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestMessageInsertIsIdempotent(t *testing.T) {
	c := openTestStore(t)
	m := &Message{ID: "m1", ConversationID: "c1", UserID: "u1", Category: "SIGNAL_TEXT", Content: "hi", Status: StatusDelivered}

	first, err := c.Messages.Insert(m)
	if err != nil || !first {
		t.Fatalf("first insert = %v, %v", first, err)
	}
	second, err := c.Messages.Insert(m)
	if err != nil || second {
		t.Fatalf("second insert = %v, %v", second, err)
	}
	if n, _ := c.Messages.CountByConversation("c1"); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func TestMessageStatusOnlyAdvances(t *testing.T) {
	c := openTestStore(t)
	if _, err := c.Messages.Insert(&Message{ID: "m1", ConversationID: "c1", UserID: "me", Category: "SIGNAL_TEXT", Status: StatusSending}); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		status  MessageStatus
		changed bool
		want    MessageStatus
	}{
		{StatusSent, true, StatusSent},
		{StatusRead, true, StatusRead},
		{StatusDelivered, false, StatusRead},
		{StatusSent, false, StatusRead},
	}
	for _, st := range steps {
		changed, err := c.Messages.UpdateStatus("m1", st.status)
		if err != nil {
			t.Fatal(err)
		}
		if changed != st.changed {
			t.Errorf("UpdateStatus(%s) changed = %v, want %v", st.status, changed, st.changed)
		}
		m, _ := c.Messages.Get("m1")
		if m.Status != st.want {
			t.Errorf("after %s status = %s, want %s", st.status, m.Status, st.want)
		}
	}
}

func TestProcessedCoversHistory(t *testing.T) {
	c := openTestStore(t)
	if ok, _ := c.Messages.Processed("m9"); ok {
		t.Fatal("unknown id reported processed")
	}
	if err := c.Messages.AddHistory("m9"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := c.Messages.Processed("m9"); !ok {
		t.Error("history id not reported processed")
	}
}

func TestFailedMessageIDs(t *testing.T) {
	c := openTestStore(t)
	base := time.Now()
	for i, id := range []string{"f1", "f2"} {
		c.Messages.Insert(&Message{ID: id, ConversationID: "c1", UserID: "u2", Category: "SIGNAL_TEXT",
			Status: StatusFailed, CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	c.Messages.Insert(&Message{ID: "ok", ConversationID: "c1", UserID: "u2", Category: "SIGNAL_TEXT", Status: StatusDelivered})

	ids, err := c.Messages.FailedMessageIDs("c1", "u2", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "f1" || ids[1] != "f2" {
		t.Errorf("ids = %v", ids)
	}
}

func TestSessionReplaceKeepsSentStatus(t *testing.T) {
	c := openTestStore(t)
	c.Sessions.Ensure(ParticipantSession{ConversationID: "c1", UserID: "u1", SessionID: "s1"})
	c.Sessions.Ensure(ParticipantSession{ConversationID: "c1", UserID: "u2", SessionID: "s2"})
	if err := c.Sessions.MarkSent("c1", []ParticipantSession{{UserID: "u1", SessionID: "s1"}}); err != nil {
		t.Fatal(err)
	}

	err := c.Sessions.Replace("c1", []ParticipantSession{
		{UserID: "u1", SessionID: "s1"},
		{UserID: "u3", SessionID: "s3"},
	})
	if err != nil {
		t.Fatal(err)
	}

	ids, _ := c.Sessions.SessionIDs("c1")
	if len(ids) != 2 || ids[0] != "s1" || ids[1] != "s3" {
		t.Fatalf("session ids = %v", ids)
	}
	unsent, _ := c.Sessions.Unsent("c1")
	if len(unsent) != 1 || unsent[0].SessionID != "s3" {
		t.Errorf("unsent = %+v", unsent)
	}
}

func TestEnsureReportsNewSessions(t *testing.T) {
	c := openTestStore(t)
	ps := ParticipantSession{ConversationID: "c1", UserID: "u1", SessionID: "s1"}
	if added, _ := c.Sessions.Ensure(ps); !added {
		t.Error("first Ensure should insert")
	}
	if added, _ := c.Sessions.Ensure(ps); added {
		t.Error("second Ensure should be a no-op")
	}
}

func TestResendStateRequestsOnce(t *testing.T) {
	c := openTestStore(t)
	first, err := c.Resend.MarkRequesting("c1", "u1", "s1")
	if err != nil || !first {
		t.Fatalf("first = %v, %v", first, err)
	}
	second, _ := c.Resend.MarkRequesting("c1", "u1", "s1")
	if second {
		t.Error("second request recorded")
	}
	if err := c.Resend.Clear("c1", "u1", "s1"); err != nil {
		t.Fatal(err)
	}
	if pending, _ := c.Resend.IsRequesting("c1", "u1", "s1"); pending {
		t.Error("state not cleared")
	}
}

func TestBacklogKeepsArrivalOrder(t *testing.T) {
	c := openTestStore(t)
	for _, id := range []string{"m1", "m2", "m1", "m3"} {
		if _, err := c.Backlog.Put(id, []byte(id)); err != nil {
			t.Fatal(err)
		}
	}
	pending, err := c.Backlog.Next(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("len = %d, want 3", len(pending))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if pending[i].MessageID != want {
			t.Errorf("pending[%d] = %s, want %s", i, pending[i].MessageID, want)
		}
	}
	if err := c.Backlog.Delete(pending[0].ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := c.Backlog.Count(); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestSyncStateRoundTrip(t *testing.T) {
	c := openTestStore(t)
	if data, _ := c.SyncState.Data(SyncPendingMessages); data != "" {
		t.Fatalf("empty data = %q", data)
	}
	now := time.Now().Truncate(time.Millisecond)
	if err := c.SyncState.Put(&SyncState{SyncType: SyncPendingMessages, LastSyncAt: now, SyncData: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	st, err := c.SyncState.Get(SyncPendingMessages)
	if err != nil || st == nil {
		t.Fatalf("Get = %v, %v", st, err)
	}
	if !st.LastSyncAt.Equal(now) || st.SyncData != "2026-01-01T00:00:00Z" {
		t.Errorf("state = %+v", st)
	}
}

func TestGetStats(t *testing.T) {
	c := openTestStore(t)
	c.Jobs.Save(NewAckJob("m1", StatusRead))
	c.Jobs.Save(NewJob(JobRefreshPreKeys))
	c.Backlog.Put("p1", []byte("{}"))

	stats, err := c.GetStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.HTTPJobs != 1 || stats.WebSocketJobs != 1 || stats.Backlog != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
