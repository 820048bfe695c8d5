// Command jabber-mcp-stdio runs the MCP server without an XMPP
// session. Sends are rejected as disconnected; the inbox and address
// book tools stay fully functional. Useful for tool development and
// integration tests.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/meszmate/jabber-mcp/internal/addrbook"
	"github.com/meszmate/jabber-mcp/internal/bridge"
	"github.com/meszmate/jabber-mcp/internal/config"
	"github.com/meszmate/jabber-mcp/internal/inbox"
	"github.com/meszmate/jabber-mcp/internal/logging"
	"github.com/meszmate/jabber-mcp/internal/mcp"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "jabber-mcp-stdio: %v\n", err)
		return 1
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		File:   cfg.Logging.File,
		Stderr: cfg.Logging.Stderr,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "jabber-mcp-stdio: %v\n", err)
		return 1
	}
	log := logging.Default()
	defer log.Close()

	book := addrbook.New(cfg.AddressBook.File, log)
	defer book.Close()
	box := inbox.New(cfg.Inbox.MaxLen)

	b := bridge.New(nil, book, box, bridge.Options{
		IncomingSize: cfg.Bridge.IncomingSize,
		OutgoingSize: cfg.Bridge.OutgoingSize,
		PrioritySize: cfg.Bridge.PrioritySize,
	}, log)
	b.Start()

	server := mcp.NewServer("jabber-mcp-stdio", version, log)
	mcp.RegisterBridgeTools(server, b, book, box)
	go server.PumpNotifications(b.Notifications())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info("jabber-mcp-stdio: received %v, shutting down", sig)
		server.Stop()
		os.Stdin.Close()
	}()

	runErr := server.Run()
	b.Stop()

	if runErr != nil {
		log.Error("jabber-mcp-stdio: %v", runErr)
		return 1
	}
	return 0
}
