// Package discord implements the gateway Adapter for Discord direct
// messages over the Gateway WebSocket.
package discord

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/ordsvc/attendant/internal/gateway"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// rateLimitBackoff is the wait between rate-limited retries.
	rateLimitBackoff = 2 * time.Second
	// maxMediaBytes caps attachment downloads.
	maxMediaBytes = 20 << 20
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}
func (r *realSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.UserChannelCreate(recipientID, options...)
}
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}

// Adapter implements gateway.Adapter for Discord direct messages.
type Adapter struct {
	sess       session
	botToken   string
	httpClient *http.Client

	mu            sync.Mutex
	botUserID     string
	connected     bool
	closed        bool
	inbound       chan gateway.InboundMessage
	removeHandler func()
	dmChannels    map[string]string // userID -> DM channel ID
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	a := &Adapter{
		botToken:   opts.BotToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		inbound:    make(chan gateway.InboundMessage, 100),
		dmChannels: make(map[string]string),
	}
	if opts.Session != nil {
		a.sess = opts.Session
	}
	return a, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen returns a channel of inbound direct messages. Must be called
// after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan gateway.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	a.removeHandler = a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(ctx, m)
	})
	return a.inbound, nil
}

// Send delivers a reply to a user's DM channel, retrying on rate limits.
func (a *Adapter) Send(ctx context.Context, msg gateway.OutboundMessage) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("discord: not connected")
	}
	channelID := a.dmChannels[msg.SenderID]
	a.mu.Unlock()

	if channelID == "" {
		ch, err := a.sess.UserChannelCreate(msg.SenderID)
		if err != nil {
			return fmt.Errorf("discord: open dm channel: %w", err)
		}
		channelID = ch.ID
		a.mu.Lock()
		a.dmChannels[msg.SenderID] = channelID
		a.mu.Unlock()
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rateLimitBackoff):
			}
		}
		_, err := a.sess.ChannelMessageSend(channelID, msg.Text)
		if err == nil {
			return nil
		}
		lastErr = err
		if rle, ok := err.(*discordgo.RateLimitError); ok {
			log.Printf("discord: rate limited, retry after %s", rle.RetryAfter)
			continue
		}
		break
	}
	return fmt.Errorf("discord: send message: %w", lastErr)
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.removeHandler != nil {
		a.removeHandler()
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// handleMessage converts a Discord DM event to an InboundMessage. Guild
// messages and bot traffic are dropped.
func (a *Adapter) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if m.GuildID != "" {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if m.Author.ID == a.botUserID {
		a.mu.Unlock()
		return
	}
	a.dmChannels[m.Author.ID] = m.ChannelID
	a.mu.Unlock()

	msg := gateway.InboundMessage{
		Platform:   "discord",
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Text:       m.Content,
		Timestamp:  m.Timestamp,
	}

	if media := a.firstAudioAttachment(ctx, m); media != nil {
		msg.Media = media
		msg.Text = ""
	}

	a.deliver(msg)
}

// deliver pushes a message on the inbound channel unless the adapter was
// closed in between.
func (a *Adapter) deliver(msg gateway.InboundMessage) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	a.inbound <- msg
}

// firstAudioAttachment downloads the first audio attachment of a message.
func (a *Adapter) firstAudioAttachment(ctx context.Context, m *discordgo.MessageCreate) *gateway.MediaPayload {
	for _, att := range m.Attachments {
		if !strings.HasPrefix(att.ContentType, "audio/") {
			continue
		}
		data, err := a.download(ctx, att.URL)
		if err != nil {
			log.Printf("discord: download attachment %s: %v", att.ID, err)
			return nil
		}
		return &gateway.MediaPayload{MimeType: att.ContentType, Data: data}
	}
	return nil
}

func (a *Adapter) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
}
