package checksum

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"sync/atomic"
	"testing"

	waLog "go.mau.fi/whatsmeow/util/log"

	"blaze-sync/internal/blaze"
	"blaze-sync/internal/data/store"
	"blaze-sync/internal/service/api"
)

type fakeFetcher struct {
	calls atomic.Int32
	conv  *api.Conversation
}

func (f *fakeFetcher) GetConversation(ctx context.Context, id string) (*api.Conversation, error) {
	f.calls.Add(1)
	c := *f.conv
	c.ConversationID = id
	return &c, nil
}

func newTestCoordinator(t *testing.T, f *fakeFetcher) (*Coordinator, *store.Container) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), waLog.Noop)
	if err != nil {
		t.Fatal(err)
	}
	c := store.NewContainer(s)
	t.Cleanup(func() { c.Close() })
	return NewCoordinator(f, c, waLog.Noop), c
}

func TestCompute(t *testing.T) {
	if got := Compute(nil); got != "" {
		t.Errorf("empty checksum = %q", got)
	}
	sum := md5.Sum([]byte("s1s2s3"))
	want := hex.EncodeToString(sum[:])
	if got := Compute([]string{"s3", "s1", "s2"}); got != want {
		t.Errorf("Compute = %s, want %s", got, want)
	}
}

func TestWithResyncRetriesOnce(t *testing.T) {
	f := &fakeFetcher{conv: &api.Conversation{
		Category:     store.ConversationGroup,
		Participants: []api.Participant{{UserID: "u1"}, {UserID: "u2"}},
		ParticipantSessions: []api.UserSession{
			{UserID: "u1", SessionID: "s1"},
			{UserID: "u2", SessionID: "s2"},
		},
	}}
	coord, c := newTestCoordinator(t, f)
	if _, err := c.Sessions.Ensure(store.ParticipantSession{ConversationID: "c1", UserID: "u1", SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	serverSum := Compute([]string{"s1", "s2"})
	var seen []string
	err := coord.WithResync(context.Background(), "c1", func(sum string) error {
		seen = append(seen, sum)
		if sum != serverSum {
			return &blaze.Error{Status: 202, Code: blaze.CodeChecksumInvalid}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithResync: %v", err)
	}
	if len(seen) != 2 || seen[0] == seen[1] || seen[1] != serverSum {
		t.Errorf("attempt checksums = %v", seen)
	}
	if f.calls.Load() != 1 {
		t.Errorf("fetches = %d, want 1", f.calls.Load())
	}
	ok, _ := c.Conversations.IsParticipant("c1", "u2")
	if !ok {
		t.Error("participants not replaced")
	}
}

func TestWithResyncSecondFailureSurfaces(t *testing.T) {
	f := &fakeFetcher{conv: &api.Conversation{Category: store.ConversationGroup}}
	coord, _ := newTestCoordinator(t, f)

	attempts := 0
	err := coord.WithResync(context.Background(), "c1", func(string) error {
		attempts++
		return &blaze.Error{Status: 202, Code: blaze.CodeChecksumInvalid}
	})
	if !blaze.IsCode(err, blaze.CodeChecksumInvalid) {
		t.Fatalf("err = %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestWithResyncPassesOtherErrors(t *testing.T) {
	f := &fakeFetcher{conv: &api.Conversation{}}
	coord, _ := newTestCoordinator(t, f)

	attempts := 0
	err := coord.WithResync(context.Background(), "c1", func(string) error {
		attempts++
		return blaze.ErrTimeout
	})
	if attempts != 1 || f.calls.Load() != 0 {
		t.Errorf("attempts = %d, fetches = %d", attempts, f.calls.Load())
	}
	if blaze.Classify(err) != blaze.FaultTransport {
		t.Errorf("err = %v", err)
	}
}

func TestEnsureFetchesUnknownOnly(t *testing.T) {
	f := &fakeFetcher{conv: &api.Conversation{Category: store.ConversationContact}}
	coord, _ := newTestCoordinator(t, f)

	for i := 0; i < 3; i++ {
		conv, err := coord.Ensure(context.Background(), "c1")
		if err != nil || conv.ID != "c1" {
			t.Fatalf("Ensure = %+v, %v", conv, err)
		}
	}
	if f.calls.Load() != 1 {
		t.Errorf("fetches = %d, want 1", f.calls.Load())
	}
}

func TestChecksumOfLocalSessions(t *testing.T) {
	coord, c := newTestCoordinator(t, &fakeFetcher{conv: &api.Conversation{}})
	c.Sessions.Ensure(store.ParticipantSession{ConversationID: "c1", UserID: "u1", SessionID: "s1"})
	c.Sessions.Ensure(store.ParticipantSession{ConversationID: "c1", UserID: "u2", SessionID: "s0"})

	sum, err := coord.Checksum("c1")
	if err != nil {
		t.Fatal(err)
	}
	if sum != Compute([]string{"s1", "s0"}) {
		t.Errorf("checksum = %q", sum)
	}
	if sum, _ := coord.Checksum("empty"); sum != "" {
		t.Errorf("checksum of unknown conversation = %q", sum)
	}
}
