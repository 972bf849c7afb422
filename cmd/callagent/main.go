package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/davisonwt/ringline/internal/callengine"
	"github.com/davisonwt/ringline/internal/config"
	"github.com/davisonwt/ringline/internal/identity"
	"github.com/davisonwt/ringline/internal/signaling"
	"github.com/davisonwt/ringline/internal/store"
)

func main() {
	// Load configuration
	if err := config.LoadEnv(); err != nil {
		log.Fatalf("Failed to load env: %v", err)
	}
	cfg, err := config.New[config.Agent]()
	if err != nil {
		log.Fatalf("Failed to parse config: %v", err)
	}

	// Setup signal handling
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Open session store
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open session store: %v", err)
	}
	defer st.Close()

	// Connect signaling channel
	channel, err := signaling.New(ctx, signaling.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.TopicPrefix,
	})
	if err != nil {
		log.Fatalf("Failed to connect signaling channel: %v", err)
	}
	defer channel.Close()

	// Identity directory (cached via the same Redis instance)
	dir, err := identity.New(ctx, st.DB, identity.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      time.Duration(cfg.IdentityCacheTTL) * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to open identity directory: %v", err)
	}
	defer dir.Close()

	if cfg.DisplayName != "" {
		if err := dir.Register(ctx, cfg.UserID, cfg.DisplayName); err != nil {
			log.Printf("[Agent] Failed to register display name: %v", err)
		}
	}

	engine := callengine.New(callengine.Config{
		UserID:  cfg.UserID,
		Verbose: cfg.Verbose,
	}, st, channelAdapter{channel}, dir, consoleNotifier{}, consoleRingtone{})

	if err := engine.Start(ctx); err != nil {
		log.Fatalf("Failed to start call engine: %v", err)
	}

	log.Println("===== Call Agent Started =====")
	log.Printf("  User:  %s", cfg.UserID)
	log.Printf("  Store: %s", cfg.DatabasePath)
	log.Printf("  Redis: %s (topic prefix %q)", cfg.RedisAddr, cfg.TopicPrefix)
	log.Println("==============================")
	log.Println("")
	log.Println("Commands:")
	log.Println("  dial <user> [audio|video] - Start a call")
	log.Println("  answer                    - Answer the ringing call")
	log.Println("  decline                   - Decline the ringing call")
	log.Println("  end                       - Hang up the current call")
	log.Println("  list                      - Show transient call state")
	log.Println("  history                   - Show ended calls")
	log.Println("  quit                      - Exit")
	log.Println("")

	// Start command input loop
	go commandLoop(ctx, engine, stop)

	// Wait for shutdown signal
	<-ctx.Done()

	engine.Stop()
	log.Println("Agent stopped")
}

// channelAdapter narrows *signaling.Channel to the engine's transport
// interface (the concrete *Subscription return type does not satisfy it
// directly).
type channelAdapter struct {
	ch *signaling.Channel
}

func (a channelAdapter) Publish(ctx context.Context, userID string, ev *signaling.Event) (int64, error) {
	return a.ch.Publish(ctx, userID, ev)
}

func (a channelAdapter) Subscribe(ctx context.Context, userID string, handler func(*signaling.Event)) (callengine.Subscription, error) {
	return a.ch.Subscribe(ctx, userID, handler)
}

// consoleNotifier prints notifications to stdout.
type consoleNotifier struct{}

func (consoleNotifier) Toast(title, description, severity string) {
	fmt.Printf("\n[%s] %s: %s\n", severity, title, description)
}

func (consoleNotifier) IncomingCall(callID, callerName, callType string) {
	fmt.Printf("\n*** Incoming %s call from %s (type 'answer' or 'decline') ***\n", callType, callerName)
}

func (consoleNotifier) DismissCall(callID string) {}

// consoleRingtone is a placeholder; a desktop build would loop an audio cue.
type consoleRingtone struct{}

func (consoleRingtone) StopAll() {}

// commandLoop reads commands from stdin
func commandLoop(ctx context.Context, engine *callengine.Engine, stop context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := parts[0]

		switch cmd {
		case "dial":
			if len(parts) < 2 {
				fmt.Println("Usage: dial <user_id> [audio|video]")
				continue
			}
			callType := store.CallTypeAudio
			if len(parts) >= 3 {
				switch strings.ToLower(parts[2]) {
				case "audio":
					callType = store.CallTypeAudio
				case "video":
					callType = store.CallTypeVideo
				default:
					fmt.Println("call type must be audio|video")
					continue
				}
			}
			cs, err := engine.StartCall(ctx, parts[1], callType)
			if err != nil {
				fmt.Printf("Dial failed: %v\n", err)
			} else {
				fmt.Printf("Ringing %s: call=%s\n", cs.ReceiverID, cs.ID)
			}

		case "answer":
			inc := engine.State().Incoming
			if inc == nil {
				fmt.Println("No ringing call")
				continue
			}
			if err := engine.AnswerCall(ctx, inc.ID); err != nil {
				fmt.Printf("Answer failed: %v\n", err)
			} else {
				fmt.Printf("Connected to %s\n", inc.PeerName)
			}

		case "decline":
			inc := engine.State().Incoming
			if inc == nil {
				fmt.Println("No ringing call")
				continue
			}
			if err := engine.DeclineCall(ctx, inc.ID, "declined"); err != nil {
				fmt.Printf("Decline failed: %v\n", err)
			}

		case "end":
			snap := engine.State()
			call := snap.Active
			if call == nil {
				call = snap.Outgoing
			}
			if call == nil {
				fmt.Println("No call to end")
				continue
			}
			if err := engine.EndCall(ctx, call.ID, "hangup"); err != nil {
				fmt.Printf("End failed: %v\n", err)
			}

		case "list":
			printState(engine.State())

		case "history":
			entries := engine.History().Entries()
			if len(entries) == 0 {
				fmt.Println("No ended calls")
				continue
			}
			for _, e := range entries {
				fmt.Printf("  %s  %s <-> %s  %s  %s\n",
					e.Timestamp.Format("15:04:05"),
					e.Participants[0], e.Participants[1],
					e.CallType, e.Duration.Round(time.Second))
			}

		case "quit", "exit":
			stop()
			return

		case "help":
			fmt.Println("Commands: dial, answer, decline, end, list, history, quit")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func printState(snap callengine.Snapshot) {
	if snap.Idle() {
		fmt.Println("Idle")
		return
	}
	if c := snap.Incoming; c != nil {
		fmt.Printf("  incoming: %s from %s (%s)\n", c.ID, c.PeerName, c.CallType)
	}
	if c := snap.Outgoing; c != nil {
		fmt.Printf("  outgoing: %s to %s (%s)\n", c.ID, c.PeerID, c.CallType)
	}
	if c := snap.Active; c != nil {
		fmt.Printf("  active:   %s with %s (%s) since %s\n",
			c.ID, c.PeerID, c.CallType, c.StartTime.Format("15:04:05"))
	}
}
