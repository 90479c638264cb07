package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/buildkite/coderoom/internal/protocol"
)

func TestCodeChangeReachesOthersButNotSender(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	s, alice := h.join(t, "abc", "alice", "")
	_, bob := h.join(t, "abc", "bob", "")
	drain(alice)
	drain(bob)

	changed, err := s.ApplyChange("alice", "print(1)")
	if err != nil {
		t.Fatalf("ApplyChange returned error: %v", err)
	}
	if !changed {
		t.Fatal("expected buffer to change")
	}

	changes := ofType(drain(bob), protocol.KindCodeChange)
	if len(changes) != 1 {
		t.Fatalf("expected bob to receive one code-change, got %d", len(changes))
	}
	payload := changes[0].Payload.(protocol.CodeChanged)
	if got, want := payload.Changes.Join(), "print(1)"; got != want {
		t.Fatalf("unexpected text: got %q want %q", got, want)
	}
	if payload.UserID != "alice" {
		t.Fatalf("unexpected sender: %q", payload.UserID)
	}
	if got := ofType(drain(alice), protocol.KindCodeChange); len(got) != 0 {
		t.Fatalf("expected no echo to alice, got %d", len(got))
	}
}

func TestJoinDeliversSnapshotFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	s, _ := h.join(t, "abc", "alice", "")
	if _, err := s.ApplyChange("alice", "x = 1"); err != nil {
		t.Fatalf("ApplyChange returned error: %v", err)
	}

	_, bob := h.join(t, "abc", "bob", "")
	msgs := drain(bob)
	if len(msgs) == 0 || msgs[0].Type != protocol.KindSessionJoined {
		t.Fatalf("expected session-joined first, got %+v", msgs)
	}
	joined := msgs[0].Payload.(protocol.SessionJoined)
	if got, want := joined.Session.Code, "x = 1"; got != want {
		t.Fatalf("unexpected snapshot code: got %q want %q", got, want)
	}
	if got, want := len(joined.Session.Participants), 2; got != want {
		t.Fatalf("unexpected participant count: got %d want %d", got, want)
	}
	if joined.UserColor == "" || joined.UserColor == joined.Session.Participants[0].Color {
		t.Fatalf("expected a distinct color for the second participant, got %q", joined.UserColor)
	}
}

func TestJoinAnnouncesToOthers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	_, alice := h.join(t, "abc", "alice", "")
	drain(alice)
	h.join(t, "abc", "bob", "")

	msgs := drain(alice)
	joined := ofType(msgs, protocol.KindUserJoined)
	if len(joined) != 1 {
		t.Fatalf("expected one user-joined, got %d", len(joined))
	}
	if got := joined[0].Payload.(protocol.RosterChange).User.UserID; got != "bob" {
		t.Fatalf("unexpected joined user %q", got)
	}
	chat := ofType(msgs, protocol.KindChatMessage)
	if len(chat) != 1 || chat[0].Payload.(protocol.ChatMessage).Type != protocol.ChatSystem {
		t.Fatalf("expected one system chat line, got %+v", chat)
	}
}

func TestRejoinDoesNotDuplicateParticipant(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	s, _ := h.join(t, "abc", "alice", "")
	first, _ := s.Participant("alice")
	h.join(t, "abc", "alice", "")

	if got := s.ParticipantCount(); got != 1 {
		t.Fatalf("expected one participant, got %d", got)
	}
	again, _ := s.Participant("alice")
	if again.Color != first.Color {
		t.Fatalf("expected color to be kept: got %q want %q", again.Color, first.Color)
	}

	// Two connections; the participant stays until both have left.
	if remaining, err := s.Leave("alice"); err != nil || remaining != 1 {
		t.Fatalf("unexpected first leave: remaining=%d err=%v", remaining, err)
	}
	if remaining, err := s.Leave("alice"); err != nil || remaining != 0 {
		t.Fatalf("unexpected second leave: remaining=%d err=%v", remaining, err)
	}
	if _, err := s.Leave("alice"); !errors.Is(err, ErrUnknownParticipant) {
		t.Fatalf("expected ErrUnknownParticipant, got %v", err)
	}
}

func TestLeaveAnnouncesToOthers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	s, alice := h.join(t, "abc", "alice", "")
	h.join(t, "abc", "bob", "")
	drain(alice)

	if _, err := s.Leave("bob"); err != nil {
		t.Fatalf("Leave returned error: %v", err)
	}
	left := ofType(drain(alice), protocol.KindUserLeft)
	if len(left) != 1 {
		t.Fatalf("expected one user-left, got %d", len(left))
	}
	if got := left[0].Payload.(protocol.RosterChange).ParticipantCount; got != 1 {
		t.Fatalf("unexpected participant count: %d", got)
	}
}

func TestSessionFull(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *Config) { cfg.MaxParticipants = 2 })

	h.join(t, "abc", "alice", "")
	h.join(t, "abc", "bob", "")
	_, _, _, err := h.registry.Join(t.Context(), "abc", User{ID: "carol"}, "", nil)
	if !errors.Is(err, ErrSessionFull) {
		t.Fatalf("expected ErrSessionFull, got %v", err)
	}
	// An existing participant may still reconnect.
	if _, _, _, err := h.registry.Join(t.Context(), "abc", User{ID: "bob"}, "", nil); err != nil {
		t.Fatalf("expected rejoin to succeed, got %v", err)
	}
}

func TestApplyChangeAuthorization(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	s, _ := h.join(t, "abc", "alice", "")
	h.join(t, "abc", "victor", protocol.RoleViewer)

	if _, err := s.ApplyChange("victor", "nope"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected viewer to be rejected, got %v", err)
	}
	if _, err := s.ApplyChange("mallory", "nope"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected non-participant to be rejected, got %v", err)
	}
	if got := s.Snapshot().Code; got != "" {
		t.Fatalf("expected buffer to be untouched, got %q", got)
	}
}

func TestApplyChangeEqualTextIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	s, _ := h.join(t, "abc", "alice", "")
	_, bob := h.join(t, "abc", "bob", "")

	if _, err := s.ApplyChange("alice", "same"); err != nil {
		t.Fatalf("ApplyChange returned error: %v", err)
	}
	version := s.Snapshot().Version
	drain(bob)

	changed, err := s.ApplyChange("alice", "same")
	if err != nil {
		t.Fatalf("ApplyChange returned error: %v", err)
	}
	if changed {
		t.Fatal("expected equal text to be a no-op")
	}
	if got := s.Snapshot(); got.Code != "same" || got.Version != version {
		t.Fatalf("unexpected state after no-op: code=%q version=%d want version %d", got.Code, got.Version, version)
	}
	if got := drain(bob); len(got) != 0 {
		t.Fatalf("expected no broadcast, got %+v", got)
	}
}

func TestConcurrentChangesConverge(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	const writers = 8
	s, _ := h.join(t, "abc", "observer", "")
	for i := 0; i < writers; i++ {
		h.join(t, "abc", fmt.Sprintf("writer-%d", i), "")
	}
	_, observer := h.join(t, "abc", "observer-2", "")
	drain(observer)

	texts := map[string]bool{}
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		text := fmt.Sprintf("print(%d)", i)
		texts[text] = true
		wg.Add(1)
		go func(userID, text string) {
			defer wg.Done()
			if _, err := s.ApplyChange(userID, text); err != nil {
				t.Errorf("ApplyChange returned error: %v", err)
			}
		}(fmt.Sprintf("writer-%d", i), text)
	}
	wg.Wait()

	final := s.Snapshot().Code
	if !texts[final] {
		t.Fatalf("final buffer %q is not one of the submitted texts", final)
	}
	changes := ofType(drain(observer), protocol.KindCodeChange)
	if len(changes) == 0 {
		t.Fatal("expected observer to receive code changes")
	}
	last := changes[len(changes)-1].Payload.(protocol.CodeChanged)
	if got := last.Changes.Join(); got != final {
		t.Fatalf("observer converged on %q, buffer is %q", got, final)
	}
}

func TestMoveCursorBroadcastsToOthers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	s, alice := h.join(t, "abc", "alice", "")
	_, bob := h.join(t, "abc", "bob", "")
	drain(alice)
	drain(bob)

	if err := s.MoveCursor("alice", 4, 2); err != nil {
		t.Fatalf("MoveCursor returned error: %v", err)
	}
	moves := ofType(drain(bob), protocol.KindCursorMove)
	if len(moves) != 1 {
		t.Fatalf("expected one cursor-move, got %d", len(moves))
	}
	payload := moves[0].Payload.(protocol.CursorMoved)
	if payload.Cursor.Line != 4 || payload.Cursor.Column != 2 || payload.Color == "" {
		t.Fatalf("unexpected cursor payload: %+v", payload)
	}
	if got := drain(alice); len(got) != 0 {
		t.Fatalf("expected no echo to alice, got %+v", got)
	}
	p, _ := s.Participant("alice")
	if p.Cursor == nil || p.Cursor.Line != 4 {
		t.Fatalf("expected cursor to be recorded, got %+v", p.Cursor)
	}
}

func TestPostChatReachesEveryoneIncludingSender(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	s, alice := h.join(t, "abc", "alice", "")
	_, bob := h.join(t, "abc", "bob", "")
	drain(alice)
	drain(bob)

	msg, err := s.PostChat("alice", "hello", "", map[string]string{"lang": "en"})
	if err != nil {
		t.Fatalf("PostChat returned error: %v", err)
	}
	if msg.ID == "" || msg.Type != protocol.ChatText {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if got := ofType(drain(alice), protocol.KindChatMessage); len(got) != 1 {
		t.Fatalf("expected sender to receive chat, got %d", len(got))
	}
	if got := ofType(drain(bob), protocol.KindChatMessage); len(got) != 1 {
		t.Fatalf("expected bob to receive chat, got %d", len(got))
	}
	if _, err := s.PostChat("mallory", "hi", "", nil); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestChatTailIsBounded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *Config) { cfg.ChatTail = 3 })

	s, _ := h.join(t, "abc", "alice", "")
	for i := 0; i < 5; i++ {
		if _, err := s.PostChat("alice", fmt.Sprintf("m%d", i), "", nil); err != nil {
			t.Fatalf("PostChat returned error: %v", err)
		}
	}
	chat := s.Snapshot().Chat
	if len(chat) != 3 {
		t.Fatalf("expected 3 retained messages, got %d", len(chat))
	}
	if got, want := chat[2].Message, "m4"; got != want {
		t.Fatalf("unexpected newest message: got %q want %q", got, want)
	}
}

func TestSetRole(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	s, _ := h.join(t, "abc", "alice", "")
	_, bob := h.join(t, "abc", "bob", "")
	drain(bob)

	if err := s.SetRole("bob", "alice", protocol.RoleViewer); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected non-owner to be rejected, got %v", err)
	}
	if err := s.SetRole("alice", "ghost", protocol.RoleViewer); !errors.Is(err, ErrUnknownParticipant) {
		t.Fatalf("expected ErrUnknownParticipant, got %v", err)
	}
	if err := s.SetRole("alice", "bob", protocol.RoleViewer); err != nil {
		t.Fatalf("SetRole returned error: %v", err)
	}
	changes := ofType(drain(bob), protocol.KindRoleChanged)
	if len(changes) != 1 || changes[0].Payload.(protocol.RoleChanged).Role != protocol.RoleViewer {
		t.Fatalf("unexpected role-changed messages: %+v", changes)
	}
	if _, err := s.ApplyChange("bob", "x"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected demoted viewer to be read-only, got %v", err)
	}
}

func TestSetRoleOwnerTransfersOwnership(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	s, _ := h.join(t, "abc", "alice", "")
	_, bob := h.join(t, "abc", "bob", "")
	drain(bob)

	if err := s.SetRole("alice", "bob", protocol.RoleOwner); err != nil {
		t.Fatalf("SetRole returned error: %v", err)
	}
	state := s.Snapshot()
	if got, want := state.OwnerID, "bob"; got != want {
		t.Fatalf("unexpected owner: got %q want %q", got, want)
	}
	owners := 0
	for _, p := range state.Participants {
		if p.Role == protocol.RoleOwner {
			owners++
			if p.UserID != "bob" {
				t.Fatalf("unexpected owner in roster: %+v", p)
			}
		}
		if p.UserID == "alice" && p.Role != protocol.RoleEditor {
			t.Fatalf("expected previous owner to become an editor, got %q", p.Role)
		}
	}
	if owners != 1 {
		t.Fatalf("expected exactly one owner, got %d", owners)
	}
	changes := ofType(drain(bob), protocol.KindRoleChanged)
	if len(changes) != 2 {
		t.Fatalf("expected two role-changed messages, got %+v", changes)
	}
	if err := s.SetRole("alice", "bob", protocol.RoleViewer); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected former owner to be rejected, got %v", err)
	}
	if err := s.SetRole("bob", "alice", protocol.RoleViewer); err != nil {
		t.Fatalf("new owner SetRole returned error: %v", err)
	}
}

func TestSetLanguage(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	s, alice := h.join(t, "abc", "alice", "")
	drain(alice)
	if err := s.SetLanguage("alice", "go"); err != nil {
		t.Fatalf("SetLanguage returned error: %v", err)
	}
	if got, want := s.Language(), "go"; got != want {
		t.Fatalf("unexpected language: got %q want %q", got, want)
	}
	if got := ofType(drain(alice), protocol.KindLanguageChanged); len(got) != 1 {
		t.Fatalf("expected one language-changed, got %d", len(got))
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	s, _ := h.join(t, "abc", "alice", "")
	if err := s.MoveCursor("alice", 1, 1); err != nil {
		t.Fatalf("MoveCursor returned error: %v", err)
	}
	snap := s.Snapshot()
	snap.Participants[0].Cursor.Line = 99
	if p, _ := s.Participant("alice"); p.Cursor.Line != 1 {
		t.Fatalf("snapshot mutation leaked into session: %+v", p.Cursor)
	}
}
