package gateway

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/ordsvc/attendant/internal/aggregator"
	"github.com/ordsvc/attendant/internal/assistant"
	"github.com/ordsvc/attendant/internal/models"
	"github.com/ordsvc/attendant/internal/queue"
	"github.com/ordsvc/attendant/internal/registry"
	"github.com/ordsvc/attendant/internal/scheduler"
)

// ErrorReply is sent to the user when their prompt could not be processed.
const ErrorReply = "Sorry, something went wrong. Please try again in a moment."

// Daemon is the main gateway process. It connects to a chat platform via
// an Adapter, coalesces inbound bursts per sender, and drives each flushed
// prompt through the assistant.
type Daemon struct {
	db          *gorm.DB
	adapter     Adapter
	registry    *registry.Registry
	scheduler   *scheduler.Scheduler
	queue       *queue.Queue
	transcriber assistant.Transcriber // optional
	window      time.Duration
	refreshSpec string
	open        bool
	out         io.Writer

	mu        sync.RWMutex
	allowlist map[string]bool
	names     map[string]string // senderID -> last seen display name

	runCtx context.Context
	agg    *aggregator.Aggregator
	wg     sync.WaitGroup
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	DB          *gorm.DB
	Adapter     Adapter
	Registry    *registry.Registry
	Scheduler   *scheduler.Scheduler
	Queue       *queue.Queue
	Transcriber assistant.Transcriber // optional; without it media is rejected
	Window      time.Duration         // debounce window, defaults per aggregator
	RefreshSpec string                // allowlist reload cron spec, defaults to "@every 5m"
	Open        bool                  // true disables sender filtering
	Out         io.Writer             // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("gateway: db is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("gateway: adapter is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("gateway: registry is required")
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("gateway: scheduler is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("gateway: queue is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	refreshSpec := opts.RefreshSpec
	if refreshSpec == "" {
		refreshSpec = "@every 5m"
	}
	if opts.Transcriber == nil {
		fmt.Fprintf(out, "gateway: no transcriber configured; media messages disabled\n")
	}
	return &Daemon{
		db:          opts.DB,
		adapter:     opts.Adapter,
		registry:    opts.Registry,
		scheduler:   opts.Scheduler,
		queue:       opts.Queue,
		transcriber: opts.Transcriber,
		window:      opts.Window,
		refreshSpec: refreshSpec,
		open:        opts.Open,
		out:         out,
		allowlist:   make(map[string]bool),
		names:       make(map[string]string),
	}, nil
}

// Run starts the gateway. It connects the adapter, loads the sender
// allowlist, and blocks pumping inbound messages until the context is
// cancelled. On shutdown it closes the adapter gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Gateway connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("gateway: connect: %w", err)
	}

	d.runCtx = ctx

	agg, err := aggregator.New(aggregator.Opts{
		Window: d.window,
		Flush:  d.handleFlush,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("gateway: build aggregator: %w", err)
	}
	d.agg = agg

	if err := d.reloadAllowlist(); err != nil {
		d.adapter.Close()
		return fmt.Errorf("gateway: load allowlist: %w", err)
	}
	sched := cron.New()
	if _, err := sched.AddFunc(d.refreshSpec, func() {
		if err := d.reloadAllowlist(); err != nil {
			log.Printf("gateway: reload allowlist: %v", err)
		}
	}); err != nil {
		d.adapter.Close()
		return fmt.Errorf("gateway: schedule allowlist refresh: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("gateway: listen: %w", err)
	}

	fmt.Fprintf(d.out, "Gateway online\n")

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Gateway shutting down...\n")
			d.wg.Wait()
			if err := d.adapter.Close(); err != nil {
				log.Printf("gateway: close adapter: %v", err)
			}
			fmt.Fprintf(d.out, "Gateway stopped\n")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Gateway inbound channel closed\n")
				d.wg.Wait()
				return nil
			}
			d.handleInbound(ctx, msg)
		}
	}
}

// handleInbound filters and buffers one inbound message. Text fragments
// go through the debounce window; media is transcribed and flushed
// immediately together with any buffered text.
func (d *Daemon) handleInbound(ctx context.Context, msg InboundMessage) {
	if !d.authorized(msg.SenderID) {
		log.Printf("gateway: ignoring message from unauthorized sender %s", msg.SenderID)
		return
	}
	if msg.SenderName != "" {
		d.mu.Lock()
		d.names[msg.SenderID] = msg.SenderName
		d.mu.Unlock()
	}

	if msg.Media != nil {
		if d.transcriber == nil {
			log.Printf("gateway: dropping media from %s, no transcriber", msg.SenderID)
			d.send(ctx, msg.SenderID, "Sorry, I can't process voice messages right now.")
			return
		}
		// Transcription and the flush it triggers run off the inbound pump
		// so one sender's voice note never stalls intake for the others.
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			text, err := d.transcriber.Transcribe(ctx, msg.Media.MimeType, msg.Media.Data)
			if err != nil {
				log.Printf("gateway: transcribe media from %s: %v", msg.SenderID, err)
				d.send(ctx, msg.SenderID, ErrorReply)
				return
			}
			d.agg.OnMedia(msg.SenderID, text)
		}()
		return
	}

	if strings.TrimSpace(msg.Text) == "" {
		return
	}
	d.agg.OnFragment(msg.SenderID, msg.Text)
}

// handleFlush runs one coalesced prompt through the assistant. It is
// invoked from aggregator timer goroutines, so each flush tracks itself
// on the wait group for shutdown.
func (d *Daemon) handleFlush(senderID, text string) {
	d.wg.Add(1)
	defer d.wg.Done()

	ctx := d.runCtx

	d.mu.RLock()
	name := d.names[senderID]
	d.mu.RUnlock()

	thread, err := d.registry.Resolve(ctx, senderID, map[string]string{"name": name})
	if err != nil {
		log.Printf("gateway: resolve thread for %s: %v", senderID, err)
		d.send(ctx, senderID, ErrorReply)
		return
	}

	if err := d.queue.Enqueue(ctx, thread.ID, "user", text); err != nil {
		log.Printf("gateway: record user turn for %s: %v", senderID, err)
	}

	if thread.Paused {
		log.Printf("gateway: thread %s paused, staying silent", thread.Identifier)
		return
	}

	prompt := text
	if name != "" {
		prompt = name + ": " + text
	}

	reply, err := d.scheduler.Start(ctx, thread.ThreadRef, prompt)
	if err != nil {
		log.Printf("gateway: run for %s: %v", senderID, err)
		d.send(ctx, senderID, ErrorReply)
		return
	}

	d.send(ctx, senderID, reply)
	if err := d.queue.Enqueue(ctx, thread.ID, "assistant", reply); err != nil {
		log.Printf("gateway: record assistant turn for %s: %v", senderID, err)
	}
}

func (d *Daemon) send(ctx context.Context, senderID, text string) {
	if err := d.adapter.Send(ctx, OutboundMessage{SenderID: senderID, Text: text}); err != nil {
		log.Printf("gateway: send to %s: %v", senderID, err)
	}
}

// authorized reports whether a sender may talk to the assistant.
func (d *Daemon) authorized(senderID string) bool {
	if d.open {
		return true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.allowlist[senderID]
}

// reloadAllowlist replaces the in-memory sender set from the database.
func (d *Daemon) reloadAllowlist() error {
	var senders []models.AuthorizedSender
	if err := d.db.Find(&senders).Error; err != nil {
		return err
	}
	next := make(map[string]bool, len(senders))
	for _, s := range senders {
		next[s.SenderID] = true
	}
	d.mu.Lock()
	d.allowlist = next
	d.mu.Unlock()
	log.Printf("gateway: allowlist loaded, %d senders", len(next))
	return nil
}
