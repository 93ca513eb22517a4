// ABOUTME: Tests for the relay hub
// ABOUTME: Room fan-out, coordinator dispatch, heartbeat suppression

package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nainya/collabsync/pkg/collab"
	"github.com/nainya/collabsync/pkg/conflict"
	"github.com/nainya/collabsync/pkg/ot"
	"github.com/nainya/collabsync/pkg/session"
	"github.com/nainya/collabsync/pkg/transport"
)

func setupHub(t *testing.T) (*Hub, *session.Coordinator, *collab.Engine, string) {
	t.Helper()

	coordinator := session.NewCoordinator(session.DefaultConfig(),
		conflict.NewEngine(conflict.DefaultConfig()), nil, nil)
	documents := collab.NewEngine(collab.DefaultConfig(), nil, nil)

	h := NewHub(coordinator, documents, nil, nil)
	go h.Run()
	t.Cleanup(h.Stop)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return h, coordinator, documents, url
}

func dial(t *testing.T, url, sessionID, participantID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(
		url+"?session="+sessionID+"&participant="+participantID, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcastWithinRoom(t *testing.T) {
	_, coordinator, _, url := setupHub(t)
	s, _ := coordinator.CreateSession("standup", "alice", "Alice")
	coordinator.Join(s.ID, "bob", "Bob", session.RoleParticipant)

	alice := dial(t, url, s.ID, "alice")
	bob := dial(t, url, s.ID, "bob")
	time.Sleep(50 * time.Millisecond) // let registrations land

	m, _ := transport.NewMessage(transport.MsgContextUpdate, s.ID, "alice", 0,
		map[string]string{"topic": "roadmap"})
	data, _ := m.Encode()
	if err := alice.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := bob.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read broadcast: %v", err)
	}
	got, err := transport.Decode(frame)
	if err != nil {
		t.Fatalf("Failed to decode broadcast: %v", err)
	}
	if got.Type != transport.MsgContextUpdate || got.SenderID != "alice" {
		t.Errorf("Unexpected broadcast: %+v", got)
	}

	// The mutation reached the coordinator.
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, _ := coordinator.Snapshot(s.ID)
		if snap.Context.Data["topic"] == "roadmap" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Context mutation never reached coordinator: %v", snap.Context.Data)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHeartbeatNotBroadcast(t *testing.T) {
	_, coordinator, _, url := setupHub(t)
	s, _ := coordinator.CreateSession("standup", "alice", "Alice")
	coordinator.Join(s.ID, "bob", "Bob", session.RoleParticipant)

	alice := dial(t, url, s.ID, "alice")
	bob := dial(t, url, s.ID, "bob")
	time.Sleep(50 * time.Millisecond)

	hb, _ := transport.NewMessage(transport.MsgHeartbeat, s.ID, "alice", 0, nil)
	data, _ := hb.Encode()
	if err := alice.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	bob.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := bob.ReadMessage(); err == nil {
		t.Error("Heartbeat must not be broadcast to the room")
	}
}

func TestRefusedDispatchNotBroadcast(t *testing.T) {
	_, coordinator, _, url := setupHub(t)
	s, _ := coordinator.CreateSession("standup", "alice", "Alice")
	coordinator.Join(s.ID, "carol", "Carol", session.RoleObserver)

	alice := dial(t, url, s.ID, "alice")
	carol := dial(t, url, s.ID, "carol")
	time.Sleep(50 * time.Millisecond)

	// An observer may not mutate; the coordinator refuses the frame and
	// the room must never see it.
	m, _ := transport.NewMessage(transport.MsgContextUpdate, s.ID, "carol", 0,
		map[string]string{"topic": "hijacked"})
	data, _ := m.Encode()
	if err := carol.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	alice.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := alice.ReadMessage(); err == nil {
		t.Error("Refused frame must not be broadcast to the room")
	}

	snap, _ := coordinator.Snapshot(s.ID)
	if snap.Context.Data["topic"] != "" {
		t.Errorf("Refused mutation reached coordinator: %v", snap.Context.Data)
	}
}

func TestDocumentOperationAppliedRemotely(t *testing.T) {
	_, coordinator, documents, url := setupHub(t)
	s, _ := coordinator.CreateSession("standup", "alice", "Alice")

	d, err := documents.CreateDocument("notes", "hello", "text", "alice")
	if err != nil {
		t.Fatalf("Failed to create document: %v", err)
	}
	if err := documents.AddCollaborator(d.ID, "alice", "bob", []collab.Permission{collab.PermissionWrite}); err != nil {
		t.Fatalf("Failed to add collaborator: %v", err)
	}

	bob := dial(t, url, s.ID, "bob")
	time.Sleep(50 * time.Millisecond)

	op := ot.NewInsert(5, "!", "bob", 1)
	body := map[string]interface{}{"document_id": d.ID, "operation": op}
	m, _ := transport.NewMessage(transport.MsgDocumentOperation, s.ID, "bob", 0, body)
	data, _ := m.Encode()
	if err := bob.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := documents.Document(d.ID)
		if got != nil && got.Content == "hello!" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Operation never applied, content %q", got.Content)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRejectsMissingIdentity(t *testing.T) {
	_, _, _, url := setupHub(t)

	if _, _, err := websocket.DefaultDialer.Dial(url+"?session=s1", nil); err == nil {
		t.Error("Expected handshake rejection without participant id")
	}
}
