package slack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/ordsvc/attendant/internal/gateway"
)

// --- Mock Slack clients ---

type mockClient struct {
	mu       sync.Mutex
	authErr  error
	postErr  error
	posted   []postedMessage
	users    map[string]*slackapi.User
	dmOpened *slackapi.Channel
	dmErr    error
}

type postedMessage struct {
	channelID string
}

func newMockClient() *mockClient {
	return &mockClient{
		users:    make(map[string]*slackapi.User),
		dmOpened: &slackapi.Channel{},
	}
}

func (m *mockClient) AuthTest() (*slackapi.AuthTestResponse, error) {
	if m.authErr != nil {
		return nil, m.authErr
	}
	return &slackapi.AuthTestResponse{User: "attendant", UserID: "BOT1"}, nil
}

func (m *mockClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.posted = append(m.posted, postedMessage{channelID: channelID})
	return channelID, "123.456", nil
}

func (m *mockClient) GetUserInfo(userID string) (*slackapi.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, errors.New("user not found")
}

func (m *mockClient) OpenConversation(params *slackapi.OpenConversationParameters) (*slackapi.Channel, bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dmErr != nil {
		return nil, false, false, m.dmErr
	}
	return m.dmOpened, false, false, nil
}

type mockSocket struct {
	events  chan socketmode.Event
	runErr  error
	runOnce sync.Once
	done    chan struct{}
}

func newMockSocket() *mockSocket {
	return &mockSocket{
		events: make(chan socketmode.Event, 10),
		done:   make(chan struct{}),
	}
}

func (m *mockSocket) Run() error {
	<-m.done
	return m.runErr
}

func (m *mockSocket) EventsChan() chan socketmode.Event { return m.events }

func (m *mockSocket) Ack(req socketmode.Request, payload ...interface{}) {}

func (m *mockSocket) stop() { m.runOnce.Do(func() { close(m.done) }) }

func messageEvent(ev *slackevents.MessageEvent) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: ev},
		},
		Request: &socketmode.Request{},
	}
}

func newConnectedAdapter(t *testing.T) (*Adapter, *mockClient, *mockSocket) {
	t.Helper()
	client := newMockClient()
	socket := newMockSocket()
	t.Cleanup(socket.stop)
	a, err := New(AdapterOpts{Client: client, Socket: socket})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return a, client, socket
}

func TestNewRequiresTokens(t *testing.T) {
	if _, err := New(AdapterOpts{}); err == nil {
		t.Fatal("expected error for missing tokens")
	}
	if _, err := New(AdapterOpts{BotToken: "xoxb-1"}); err == nil {
		t.Fatal("expected error for missing app token")
	}
}

func TestConnectAuthError(t *testing.T) {
	client := newMockClient()
	client.authErr = errors.New("invalid auth")
	a, err := New(AdapterOpts{Client: client, Socket: newMockSocket()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("expected auth error")
	}
}

func TestListenDeliversDirectMessages(t *testing.T) {
	a, client, socket := newConnectedAdapter(t)
	client.users["U1"] = &slackapi.User{
		Profile: slackapi.UserProfile{DisplayName: "ana"},
	}

	inbound, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	socket.events <- messageEvent(&slackevents.MessageEvent{
		User:        "U1",
		Channel:     "D1",
		ChannelType: "im",
		Text:        "hello",
		TimeStamp:   "1700000000.000100",
	})

	select {
	case msg := <-inbound:
		if msg.SenderID != "U1" || msg.SenderName != "ana" || msg.Text != "hello" {
			t.Fatalf("msg = %+v", msg)
		}
		if msg.Platform != "slack" {
			t.Fatalf("platform = %q", msg.Platform)
		}
		if msg.Timestamp.Unix() != 1700000000 {
			t.Fatalf("timestamp = %v", msg.Timestamp)
		}
	case <-time.After(time.Second):
		t.Fatal("no inbound message")
	}
}

func TestListenFiltersNonDMAndBotTraffic(t *testing.T) {
	a, _, socket := newConnectedAdapter(t)

	inbound, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	// Channel message.
	socket.events <- messageEvent(&slackevents.MessageEvent{
		User: "U1", Channel: "C1", ChannelType: "channel", Text: "public",
	})
	// Own message.
	socket.events <- messageEvent(&slackevents.MessageEvent{
		User: "BOT1", Channel: "D1", ChannelType: "im", Text: "self",
	})
	// Bot message.
	socket.events <- messageEvent(&slackevents.MessageEvent{
		User: "U2", BotID: "B9", Channel: "D1", ChannelType: "im", Text: "beep",
	})
	// Edited message.
	socket.events <- messageEvent(&slackevents.MessageEvent{
		User: "U3", SubType: "message_changed", Channel: "D1", ChannelType: "im", Text: "edit",
	})

	select {
	case msg := <-inbound:
		t.Fatalf("unexpected inbound message: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendOpensDMConversation(t *testing.T) {
	a, client, _ := newConnectedAdapter(t)
	client.dmOpened.ID = "D42"

	if err := a.Send(context.Background(), gateway.OutboundMessage{SenderID: "U1", Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(client.posted) != 1 || client.posted[0].channelID != "D42" {
		t.Fatalf("posted = %v", client.posted)
	}
}

func TestSendReusesKnownDMChannel(t *testing.T) {
	a, client, socket := newConnectedAdapter(t)

	inbound, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	socket.events <- messageEvent(&slackevents.MessageEvent{
		User: "U1", Channel: "D7", ChannelType: "im", Text: "hi",
	})
	<-inbound

	client.dmErr = errors.New("should not be called")
	if err := a.Send(context.Background(), gateway.OutboundMessage{SenderID: "U1", Text: "re"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if client.posted[0].channelID != "D7" {
		t.Fatalf("channel = %q, want the cached DM channel", client.posted[0].channelID)
	}
}

func TestSendRetriesOnRateLimit(t *testing.T) {
	var calls int
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retryOnRateLimit: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestRetryGivesUpOnOtherErrors(t *testing.T) {
	boom := errors.New("fatal")
	var calls int
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, non-rate-limit errors must not retry", calls)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a, _, _ := newConnectedAdapter(t)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestParseTimestamp(t *testing.T) {
	if got := parseTimestamp("1700000000.123456"); got.Unix() != 1700000000 {
		t.Fatalf("parseTimestamp = %v", got)
	}
	if got := parseTimestamp("garbage"); !got.IsZero() {
		t.Fatalf("parseTimestamp(garbage) = %v", got)
	}
}
