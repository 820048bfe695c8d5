// Command jabber-mcp runs the XMPP-backed MCP server: it connects to
// the configured XMPP account and exposes the bridge as MCP tools over
// stdin/stdout.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meszmate/jabber-mcp/internal/addrbook"
	"github.com/meszmate/jabber-mcp/internal/bridge"
	"github.com/meszmate/jabber-mcp/internal/config"
	"github.com/meszmate/jabber-mcp/internal/inbox"
	"github.com/meszmate/jabber-mcp/internal/logging"
	"github.com/meszmate/jabber-mcp/internal/mcp"
	"github.com/meszmate/jabber-mcp/internal/xmpp"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "jabber-mcp: %v\n", err)
		return 1
	}
	if cfg.XMPP.User == "" || cfg.XMPP.Password == "" {
		fmt.Fprintln(os.Stderr, "jabber-mcp: XMPP_USER and XMPP_PASSWORD must be set (env or config file)")
		return 2
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		File:   cfg.Logging.File,
		Stderr: cfg.Logging.Stderr,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "jabber-mcp: %v\n", err)
		return 1
	}
	log := logging.Default()
	defer log.Close()

	book := addrbook.New(cfg.AddressBook.File, log)
	defer book.Close()
	box := inbox.New(cfg.Inbox.MaxLen)

	var b *bridge.Bridge
	client, err := xmpp.NewClient(xmpp.Config{
		JID:      cfg.XMPP.User,
		Password: cfg.XMPP.Password,
		Server:   cfg.XMPP.Server,
		Port:     cfg.XMPP.Port,
		Resource: cfg.XMPP.Resource,
	}, xmpp.Handlers{
		OnMessage: func(from, body, msgType string, ts time.Time) {
			b.HandleMessage(from, body, msgType, ts)
		},
		OnPresence: func(from, state string) {
			b.HandlePresence(from, state)
		},
		OnDisconnect: func(err error) {
			b.HandleDisconnect(err)
		},
	}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jabber-mcp: %v\n", err)
		return 2
	}

	b = bridge.New(client, book, box, bridge.Options{
		IncomingSize: cfg.Bridge.IncomingSize,
		OutgoingSize: cfg.Bridge.OutgoingSize,
		PrioritySize: cfg.Bridge.PrioritySize,
		SendRetries:  cfg.Bridge.SendRetries,
		SendBackoff:  time.Duration(cfg.Bridge.SendBackoffMs) * time.Millisecond,
		DrainTimeout: time.Duration(cfg.Bridge.DrainTimeoutMs) * time.Millisecond,
	}, log)
	b.Start()

	server := mcp.NewServer("jabber-mcp", version, log)
	mcp.RegisterBridgeTools(server, b, book, box)
	go server.PumpNotifications(b.Notifications())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info("jabber-mcp: received %v, shutting down", sig)
		server.Stop()
		// Unblock the stdin read.
		os.Stdin.Close()
	}()

	runErr := server.Run()
	b.Stop()

	if err := b.FatalError(); err != nil {
		log.Error("jabber-mcp: %v", err)
		return 1
	}
	if runErr != nil {
		log.Error("jabber-mcp: %v", runErr)
		return 1
	}
	return 0
}
