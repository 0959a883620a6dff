// Command chat is a terminal client for SOS rooms: create or join a room
// by its emoji identifier, then type to talk. Everything leaving the
// process is ciphertext; the relay address and SOCKS proxy come from the
// environment or flags.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/behnamkhorsandian/DNSCloak/internal/crypto"
	"github.com/behnamkhorsandian/DNSCloak/internal/session"
	"github.com/behnamkhorsandian/DNSCloak/internal/transport"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	create := flag.Bool("create", false, "Create a new room")
	mode := flag.String("mode", "rotating", "Room mode when creating: rotating or fixed")
	join := flag.String("join", "", "Room to join: emoji string or space-separated phonetic names")
	pin := flag.String("pin", "", "Fixed-mode PIN when joining")
	nick := flag.String("nick", "anon", "Nickname shown to other members")
	relayAddr := flag.String("relay", transport.RelayAddrFromEnv(), "Relay host:port")
	direct := flag.Bool("direct", false, "Skip the SOCKS5 tunnel and connect directly")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *create == (*join != "") {
		fmt.Fprintln(os.Stderr, "exactly one of -create or -join is required")
		os.Exit(2)
	}

	creds, err := buildCredentials(*create, *mode, *join, *pin)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	tr := transport.New(transport.Config{
		RelayAddr: *relayAddr,
		UseDirect: *direct,
		Logger:    slog.Default(),
	})
	ctrl := session.New(creds, tr, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	ctrl.SetOnMessage(func(m session.Message) {
		ts := time.Unix(int64(m.Timestamp), 0).Format("15:04:05")
		fmt.Printf("[%s] %s: %s\n", ts, m.Sender, m.Text)
	})
	ctrl.SetOnStateChange(func(s transport.State) {
		fmt.Printf("-- connection: %s\n", s)
	})
	ctrl.SetOnMembersUpdate(func(members []string) {
		fmt.Printf("-- members: %s\n", strings.Join(members, ", "))
	})
	ctrl.SetOnRoomExpire(func() {
		fmt.Println("-- room expired")
		cancel()
	})

	if *create {
		state, err := ctrl.Create(ctx, *nick)
		if err != nil {
			fmt.Fprintln(os.Stderr, "create room:", err)
			os.Exit(1)
		}
		printRoomBanner(ctrl, state.ExpiresAt)
	} else {
		state, err := ctrl.Join(ctx, *nick)
		if err != nil {
			fmt.Fprintln(os.Stderr, "join room:", err)
			os.Exit(1)
		}
		fmt.Printf("joined %s (%d members)\n", ctrl.Credentials().RoomID(), len(state.Members))
	}
	defer ctrl.Leave()

	go inputLoop(ctx, cancel, ctrl)
	<-ctx.Done()
	fmt.Println("bye")
}

// buildCredentials assembles the room secret from the command line.
func buildCredentials(create bool, mode, join, pin string) (crypto.RoomCredentials, error) {
	if create {
		m := crypto.Mode(mode)
		if !m.Valid() {
			return crypto.RoomCredentials{}, fmt.Errorf("unknown mode %q", mode)
		}
		return crypto.NewRoomCredentials(m, time.Now())
	}

	emojis, err := parseRoomID(join)
	if err != nil {
		return crypto.RoomCredentials{}, err
	}
	creds := crypto.RoomCredentials{Emojis: emojis, Mode: crypto.ModeRotating}
	if pin != "" {
		// A supplied PIN implies a fixed-mode room; the relay's join
		// response settles the mode either way.
		creds.Mode = crypto.ModeFixed
		creds.FixedPin = pin
	}
	return creds, nil
}

// parseRoomID accepts either the raw glyph string or the space-separated
// phonetic form ("fire moon star target wave gem").
func parseRoomID(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty room id")
	}

	if strings.ContainsRune(s, ' ') {
		parts := strings.Fields(s)
		emojis := make([]string, 0, len(parts))
		for _, p := range parts {
			e, ok := crypto.FromPhonetic(p)
			if !ok {
				return nil, fmt.Errorf("unknown glyph name %q", p)
			}
			emojis = append(emojis, e)
		}
		if len(emojis) != crypto.RoomIDLength {
			return nil, fmt.Errorf("room id needs %d glyphs, got %d", crypto.RoomIDLength, len(emojis))
		}
		return emojis, nil
	}

	// Raw glyph string: greedily match alphabet entries. Glyph lengths
	// vary (some carry a variation selector), so try longest-first.
	var emojis []string
	for len(s) > 0 {
		matched := ""
		for _, e := range crypto.EmojiSet {
			if strings.HasPrefix(s, e) && len(e) > len(matched) {
				matched = e
			}
		}
		if matched == "" {
			return nil, fmt.Errorf("unrecognized glyph at %q", s)
		}
		emojis = append(emojis, matched)
		s = s[len(matched):]
	}
	if len(emojis) != crypto.RoomIDLength {
		return nil, fmt.Errorf("room id needs %d glyphs, got %d", crypto.RoomIDLength, len(emojis))
	}
	return emojis, nil
}

func printRoomBanner(ctrl *session.Controller, expiresAt float64) {
	creds := ctrl.Credentials()
	fmt.Printf("room created: %s\n", creds.RoomID())
	fmt.Printf("  say it:     %s\n", crypto.PhoneticRoomID(creds.Emojis))
	if creds.Mode == crypto.ModeFixed {
		fmt.Printf("  pin:        %s (fixed)\n", creds.FixedPin)
	} else {
		pin, left := ctrl.CurrentPIN()
		fmt.Printf("  pin:        %s (rotates in %ds)\n", pin, left)
	}
	remaining := time.Until(time.Unix(int64(expiresAt), 0)).Round(time.Minute)
	fmt.Printf("  expires in: %s\n", remaining)
}

// inputLoop reads stdin lines until EOF or /quit. Slash commands cover
// the room metadata a user may want mid-session.
func inputLoop(ctx context.Context, cancel context.CancelFunc, ctrl *session.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			cancel()
			return
		case line == "/pin":
			pin, left := ctrl.CurrentPIN()
			if left > 0 {
				fmt.Printf("-- pin: %s (rotates in %ds)\n", pin, left)
			} else {
				fmt.Printf("-- pin: %s (fixed)\n", pin)
			}
		case line == "/room":
			creds := ctrl.Credentials()
			fmt.Printf("-- room: %s (%s)\n", creds.RoomID(), crypto.PhoneticRoomID(creds.Emojis))
		default:
			if delivered, err := ctrl.Send(line); err != nil {
				fmt.Fprintln(os.Stderr, "send:", err)
			} else if !delivered {
				fmt.Println("-- queued (offline), will send on reconnect")
			}
		}
	}
	cancel()
}
