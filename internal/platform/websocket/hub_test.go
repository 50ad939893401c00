package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/organmatch/organmatch/internal/platform/auth"
)

func newClient(id string, topics ...string) *Client {
	return &Client{ID: id, Topics: topics, Send: make(chan []byte, 256)}
}

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("c1", "recipient:123")

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount("recipient:123") != 1 {
		t.Fatalf("expected 1 client on recipient:123, got %d/%d", hub.ClientCount(), hub.TopicCount("recipient:123"))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount("recipient:123") != 0 {
		t.Fatal("expected hub to be empty after unregister")
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send to be closed")
	}
	// second unregister is a no-op
	hub.Unregister(client)
}

func TestHub_PushToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	subscriber := newClient("sub", "donor:9")
	other := newClient("other", "donor:10")
	hub.Register(subscriber)
	hub.Register(other)

	if n := hub.Push("donor:9", Message{Type: "notification"}); n != 1 {
		t.Fatalf("expected push to reach 1 client, got %d", n)
	}

	select {
	case raw := <-subscriber.Send:
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Topic != "donor:9" || msg.Type != "notification" || msg.Timestamp.IsZero() {
			t.Errorf("unexpected message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive message")
	}

	select {
	case <-other.Send:
		t.Fatal("non-subscriber should not have received message")
	default:
	}
}

func TestHub_DeliverReportsListeners(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ok, err := hub.Deliver(context.Background(), "recipient:nobody", []byte(`{}`))
	if err != nil || ok {
		t.Fatalf("expected not delivered without listeners, got ok=%v err=%v", ok, err)
	}

	hub.Register(newClient("c", "recipient:x"))
	ok, _ = hub.Deliver(context.Background(), "recipient:x", []byte(`{"match_id":"m"}`))
	if !ok {
		t.Fatal("expected delivery to a listening client")
	}
}

func TestHub_FullBufferIsSkipped(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &Client{ID: "slow", Topics: []string{"t"}, Send: make(chan []byte, 1)}
	hub.Register(c)
	if hub.Push("t", Message{Type: "a"}) != 1 {
		t.Fatal("first push should fit")
	}
	if hub.Push("t", Message{Type: "b"}) != 0 {
		t.Fatal("second push should be skipped for a full buffer")
	}
}

func TestHub_SubscribeRespectsPolicy(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("c", "recipient:me", "recipient:someone-else")
	c.allow = func(topic string) bool { return topic == "recipient:me" || topic == "hospital:h1" }
	hub.Register(c)

	if hub.TopicCount("recipient:someone-else") != 0 {
		t.Error("disallowed initial topic must not be registered")
	}
	refused := hub.Subscribe(c, []string{"hospital:h1", FeedTopic})
	if len(refused) != 1 || refused[0] != FeedTopic {
		t.Errorf("expected feed topic refused, got %v", refused)
	}
	if hub.TopicCount("hospital:h1") != 1 {
		t.Error("expected allowed topic to be subscribed")
	}

	hub.Unsubscribe(c, []string{"recipient:me"})
	if hub.TopicCount("recipient:me") != 0 {
		t.Error("expected unsubscribe to remove the topic")
	}
	if len(c.Topics) != 1 || c.Topics[0] != "hospital:h1" {
		t.Errorf("unexpected remaining topics %v", c.Topics)
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newClient("c", FeedTopic)
			hub.Register(c)
			hub.Push(FeedTopic, Message{Type: "x"})
			hub.Unregister(c)
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestTopicPolicy(t *testing.T) {
	ctx := auth.WithIdentity(context.Background(), "r-1", []string{auth.RoleRecipient}, "")
	allow := TopicPolicy(ctx)
	if allow == nil {
		t.Fatal("expected a restrictive policy for recipients")
	}
	if !allow("recipient:r-1") || allow("recipient:r-2") || allow(FeedTopic) {
		t.Error("recipient policy misclassified a topic")
	}

	hctx := auth.WithIdentity(context.Background(), "u", []string{auth.RoleHospital}, "h-7")
	if !TopicPolicy(hctx)("hospital:h-7") {
		t.Error("hospital user should follow their hospital inbox")
	}

	cctx := auth.WithIdentity(context.Background(), "c", []string{auth.RoleCoordinator}, "")
	if TopicPolicy(cctx) != nil {
		t.Error("coordinators should follow any topic")
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler(NewHub(zerolog.Nop()), nil).RegisterRoutes(e.Group(""))
	for _, r := range e.Routes() {
		if r.Path == "/ws" && r.Method == http.MethodGet {
			return
		}
	}
	t.Fatal("expected GET /ws route to be registered")
}

func TestHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), nil)
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), rec)
	_ = h.HandleConnect(c)
	if rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("plain HTTP request must not be upgraded")
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	g := e.Group("", auth.DevAuthMiddleware())
	NewHandler(hub, nil).RegisterRoutes(g)

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topics=recipient:abc"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for hub.TopicCount("recipient:abc") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client was not registered on its topic")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{FeedTopic}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	for hub.TopicCount(FeedTopic) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscribe message was not processed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if ok, _ := hub.Deliver(context.Background(), "recipient:abc", []byte(`{"event":"match_found"}`)); !ok {
		t.Fatal("expected delivery to the connected client")
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Message
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	if received.Topic != "recipient:abc" || !strings.Contains(string(received.Data), "match_found") {
		t.Fatalf("unexpected message %+v", received)
	}
}
