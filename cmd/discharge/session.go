package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Lukas-Petervary/Discharge/internal/identity"
	"github.com/Lukas-Petervary/Discharge/internal/node"
	"github.com/Lukas-Petervary/Discharge/internal/rendezvous"
	"github.com/Lukas-Petervary/Discharge/internal/transport"
)

const commandTimeout = 10 * time.Second

type session struct {
	id     identity.Identity
	host   bool
	target identity.PeerID // peer to join; empty when hosting
	store  *identity.Store // saves id after the first registration; nil when hosting
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().String("rendezvous", envOr("DISCHARGE_RENDEZVOUS", "http://127.0.0.1:7777"), "Rendezvous broker URL")
	cmd.Flags().String("listen", envOr("DISCHARGE_LISTEN", "0.0.0.0:0"), "TCP listen address for peer links")
}

// parseTarget accepts a full PeerID or a bare host join code.
func parseTarget(arg string) identity.PeerID {
	arg = strings.TrimSpace(arg)
	if strings.Contains(arg, "_") {
		return identity.PeerID(arg)
	}
	return identity.HostPeerID(arg)
}

// ─── host ────────────────────────────────────────────────────────────────────

func newHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Host a lobby and print its join code",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.NewHost()
			if err != nil {
				return err
			}
			return run(cmd, session{id: id, host: true})
		},
	}
	addSessionFlags(cmd)
	return cmd
}

// ─── join ────────────────────────────────────────────────────────────────────

func newJoinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join <code|peerid>",
		Short: "Join a lobby by host join code or PeerID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data")
			name, _ := cmd.Flags().GetString("name")

			store, err := identity.Open(dataDir)
			if err != nil {
				return fmt.Errorf("open identity store: %w", err)
			}
			defer store.Close()

			id, fresh, err := store.Resolve(name)
			if fresh && errors.Is(err, identity.ErrInvalidName) {
				return fmt.Errorf("no stored identity: pass --name to create one")
			}
			if err != nil {
				return err
			}
			return run(cmd, session{id: id, target: parseTarget(args[0]), store: store})
		},
	}
	addSessionFlags(cmd)
	cmd.Flags().String("name", "", "Display name (renames the stored identity)")
	return cmd
}

func run(cmd *cobra.Command, s session) error {
	baseURL, _ := cmd.Flags().GetString("rendezvous")
	listen, _ := cmd.Flags().GetString("listen")
	level, _ := cmd.Flags().GetString("log-level")
	metricsAddr, _ := cmd.Flags().GetString("metrics")

	log, err := newLogger(level)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	self := s.id.PeerID()
	reg := newRegistry()

	var client *rendezvous.Client
	tr := transport.NewTCP(transport.TCPConfig{
		ID:         self,
		ListenAddr: listen,
		Logger:     log,
		Resolver: transport.ResolverFunc(func(ctx context.Context, id identity.PeerID) (string, error) {
			return client.Resolve(ctx, id)
		}),
	})
	if err := tr.Start(); err != nil {
		return fmt.Errorf("listen %s: %w", listen, err)
	}

	var saveOnce sync.Once
	client = rendezvous.NewClient(rendezvous.ClientConfig{
		BaseURL: baseURL,
		ID:      self,
		Addr:    tr.Addr(),
		Logger:  log,
		OnRegistered: func() {
			if s.store == nil {
				return
			}
			saveOnce.Do(func() {
				if err := s.store.Save(s.id); err != nil {
					log.Warn("identity not saved", zap.Error(err))
				}
			})
		},
	})
	if err := client.Register(ctx); err != nil {
		tr.Close()
		if errors.Is(err, rendezvous.ErrIDTaken) {
			return fmt.Errorf("%s is already online; run 'discharge identity --reset' to draw a new salt: %w", self, err)
		}
		return fmt.Errorf("register with %s: %w", baseURL, err)
	}

	n, err := node.New(node.Config{
		Transport: tr,
		Logger:    log,
		Registry:  reg,
	})
	if err != nil {
		return multierr.Combine(err, client.Close(), tr.Close())
	}
	if err := n.Start(); err != nil {
		return multierr.Combine(err, client.Close(), tr.Close())
	}

	fmt.Printf("\n  Discharge\n")
	fmt.Printf("  PeerID    : %s\n", self)
	if s.host {
		fmt.Printf("  Join code : %s  ← share this\n", s.id.Salt)
	}
	fmt.Printf("  Listening : %s\n", tr.Addr())
	fmt.Printf("  Broker    : %s\n", baseURL)
	if metricsAddr != "" {
		fmt.Printf("  Metrics   : %s/metrics\n", metricsAddr)
	}
	fmt.Printf("\n  Type 'help' for commands.\n\n")

	if s.target != "" {
		cctx, ccancel := context.WithTimeout(ctx, commandTimeout)
		err := n.ConnectToPeer(cctx, s.target)
		ccancel()
		if err != nil {
			return multierr.Combine(fmt.Errorf("join %s: %w", s.target, err), n.Stop(), client.Close())
		}
		fmt.Printf("✓ linked to %s\n", s.target)
	}

	g, gctx := errgroup.WithContext(ctx)
	serveMetrics(gctx, g, metricsAddr, reg, log)
	g.Go(func() error { return printEvents(gctx, n, cancel) })
	g.Go(func() error { return console(gctx, n, cancel) })

	err = g.Wait()
	fmt.Println("\nLeaving the lobby.")
	return multierr.Combine(err, n.Stop(), client.Close())
}

// printEvents reports node events until ctx ends. Being kicked ends the
// session.
func printEvents(ctx context.Context, n *node.Node, cancel context.CancelFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-n.Events():
			switch e := ev.(type) {
			case node.MemberJoined:
				fmt.Printf("\n+ %s joined\n> ", e.Peer)
			case node.MemberLeft:
				fmt.Printf("\n- %s left\n> ", e.Peer)
			case node.LeaderChanged:
				fmt.Printf("\n* leader is %s\n> ", e.Leader)
			case node.ReadyChanged:
				state := "not ready"
				if e.Ready {
					state = "ready"
				}
				fmt.Printf("\n  %s is %s\n> ", e.Peer, state)
			case node.Kicked:
				fmt.Printf("\n✗ kicked by %s\n", e.By)
				cancel()
				return nil
			case node.GameStarted:
				fmt.Printf("\n▶ game started by %s\n> ", e.Leader)
			case node.PlayerJoined:
				fmt.Printf("\n  %s is in game\n> ", e.Peer)
			case node.PositionUpdated:
				fmt.Printf("\n  %s at (%.2f, %.2f, %.2f)\n> ", e.Peer, e.X, e.Y, e.Z)
			case node.ChatReceived:
				fmt.Printf("\n[%s] %s\n> ", e.Peer.DisplayName(), e.Message)
			case node.AlertReceived:
				fmt.Printf("\n⚠ [%s] %s\n> ", e.Peer.DisplayName(), e.Message)
			}
		}
	}
}

func console(ctx context.Context, n *node.Node, cancel context.CancelFunc) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	fmt.Print("> ")
	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case line, ok = <-lines:
			if !ok {
				cancel()
				return nil
			}
		}
		if line == "" {
			fmt.Print("> ")
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		arg := ""
		if len(parts) == 2 {
			arg = strings.TrimSpace(parts[1])
		}
		if parts[0] == "quit" || parts[0] == "exit" {
			cancel()
			return nil
		}
		cctx, ccancel := context.WithTimeout(ctx, commandTimeout)
		err := command(cctx, n, parts[0], arg)
		ccancel()
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
		fmt.Print("> ")
	}
}

func command(ctx context.Context, n *node.Node, name, arg string) error {
	switch name {
	case "help":
		fmt.Println("  ready | unready           toggle your ready flag")
		fmt.Println("  start                     start the game (leader)")
		fmt.Println("  kick <peerid>             remove a player (leader)")
		fmt.Println("  connect <code|peerid>     link to another peer")
		fmt.Println("  say <text> | alert <text> broadcast a message")
		fmt.Println("  pos <x> <y> <z>           update your position")
		fmt.Println("  peers | status            show the lobby")
		fmt.Println("  leave | quit")
	case "ready", "unready":
		return n.SetReady(ctx, name == "ready")
	case "start":
		return n.StartGame(ctx)
	case "kick":
		if arg == "" {
			return errors.New("usage: kick <peerid>")
		}
		return n.Kick(ctx, identity.PeerID(arg))
	case "connect":
		if arg == "" {
			return errors.New("usage: connect <code|peerid>")
		}
		return n.ConnectToPeer(ctx, parseTarget(arg))
	case "say":
		return n.SendChat(ctx, arg)
	case "alert":
		return n.SendAlert(ctx, arg)
	case "pos":
		f := strings.Fields(arg)
		if len(f) != 3 {
			return errors.New("usage: pos <x> <y> <z>")
		}
		var xyz [3]float64
		for i, s := range f {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("pos: %w", err)
			}
			xyz[i] = v
		}
		return n.SetPosition(ctx, xyz[0], xyz[1], xyz[2])
	case "leave":
		if err := n.Leave(ctx); err != nil {
			return err
		}
		fmt.Println("✓ left the lobby; 'connect' to join another")
	case "peers", "status":
		s, err := n.Snapshot(ctx)
		if err != nil {
			return err
		}
		printStatus(s)
	default:
		return fmt.Errorf("unknown command %q (try 'help')", name)
	}
	return nil
}

func printStatus(s node.Snapshot) {
	fmt.Printf("self    : %s (ready=%t)\n", s.ID, s.LocalReady)
	fmt.Printf("leader  : %s\n", s.Leader)
	fmt.Printf("started : %t\n", s.Started)
	fmt.Printf("packets : %d sent, %d received\n", s.Sent, s.Received)
	fmt.Printf("members : %d\n", len(s.Members))
	for _, m := range s.Members {
		fmt.Printf("  %-32s ready=%t\n", m.PeerID, m.Ready)
	}
	if len(s.Pending) > 0 {
		fmt.Printf("dialing : %v\n", s.Pending)
	}
}
