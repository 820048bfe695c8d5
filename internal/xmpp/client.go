// Package xmpp is the Mellium-backed transport edge. It owns the TCP
// and TLS handshake, SASL, resource binding and the inbound stanza
// loop, and hands decoded events to callbacks wired up at startup.
package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/roster"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/jabber-mcp/internal/addrbook"
	"github.com/meszmate/jabber-mcp/internal/bridge"
	"github.com/meszmate/jabber-mcp/internal/logging"
)

// Config contains connection settings for the XMPP client.
type Config struct {
	JID      string
	Password string
	Server   string
	Port     int
	Resource string
}

// Handlers receive decoded inbound traffic. Nil handlers are skipped.
type Handlers struct {
	OnMessage    func(from, body, msgType string, ts time.Time)
	OnPresence   func(from, state string)
	OnDisconnect func(err error)
}

// Client connects to an XMPP server and satisfies the bridge's client
// contract.
type Client struct {
	jid      jid.JID
	password string
	server   string
	port     int
	log      *logging.Logger

	handlers Handlers

	mu        sync.RWMutex
	session   *xmpp.Session
	conn      net.Conn
	connected bool
}

// NewClient validates the configuration and builds a client. It does
// not connect.
func NewClient(cfg Config, handlers Handlers, log *logging.Logger) (*Client, error) {
	j, err := jid.Parse(cfg.JID)
	if err != nil {
		return nil, fmt.Errorf("invalid JID %q: %w", cfg.JID, err)
	}
	if cfg.Resource != "" {
		j, err = j.WithResource(cfg.Resource)
		if err != nil {
			return nil, fmt.Errorf("invalid resource %q: %w", cfg.Resource, err)
		}
	}
	if cfg.Port == 0 {
		cfg.Port = 5222
	}
	if log == nil {
		log = logging.Default()
	}

	return &Client{
		jid:      j,
		password: cfg.Password,
		server:   cfg.Server,
		port:     cfg.Port,
		log:      log,
		handlers: handlers,
	}, nil
}

// Connect dials the server, negotiates STARTTLS, SASL and resource
// binding, announces presence and starts the stanza loop.
// Authentication failures wrap bridge.ErrAuthFailure so the caller's
// state machine stops retrying.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	server := c.server
	if server == "" {
		server = c.jid.Domain().String()
	}
	addr := fmt.Sprintf("%s:%d", server, c.port)

	dialer := net.Dialer{Timeout: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	tlsConfig := &tls.Config{
		ServerName: c.jid.Domain().String(),
		MinVersion: tls.VersionTLS12,
	}

	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(tlsConfig),
				xmpp.SASL("", c.password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
				xmpp.BindResource(),
			},
		}
	})

	session, err := xmpp.NewSession(ctx, c.jid.Domain(), c.jid, conn, 0, negotiator)
	if err != nil {
		conn.Close()
		return classifyConnectError(err)
	}

	c.session = session
	c.conn = conn
	c.connected = true
	c.jid = session.LocalAddr()

	if err := session.Encode(ctx, stanza.Presence{}); err != nil {
		c.log.Warn("xmpp: initial presence failed: %v", err)
	}

	go c.readLoop(session)

	c.log.Info("xmpp: session established as %s", c.jid)
	return nil
}

// classifyConnectError separates fatal authentication failures from
// transient network and stream errors.
func classifyConnectError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not-authorized") ||
		strings.Contains(msg, "credentials") ||
		strings.Contains(msg, "sasl") {
		return fmt.Errorf("%w: %v", bridge.ErrAuthFailure, err)
	}
	return fmt.Errorf("session negotiation failed: %w", err)
}

// Disconnect sends unavailable presence and closes the session. Safe to
// call when not connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if c.session != nil {
		_ = c.session.Encode(ctx, stanza.Presence{Type: stanza.UnavailablePresence})
		_ = c.session.Close()
		c.session = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	return nil
}

// Send writes an already-encoded stanza onto the stream.
func (c *Client) Send(ctx context.Context, raw string) error {
	c.mu.RLock()
	session := c.session
	connected := c.connected
	c.mu.RUnlock()

	if !connected || session == nil {
		return bridge.ErrDisconnected
	}

	if err := session.Send(ctx, xml.NewDecoder(strings.NewReader(raw))); err != nil {
		return fmt.Errorf("stanza send failed: %w", err)
	}
	return nil
}

// Roster fetches the server roster.
func (c *Client) Roster(ctx context.Context) ([]addrbook.RosterEntry, error) {
	c.mu.RLock()
	session := c.session
	connected := c.connected
	c.mu.RUnlock()

	if !connected || session == nil {
		return nil, bridge.ErrDisconnected
	}

	iter := roster.Fetch(ctx, session)
	defer iter.Close()

	var entries []addrbook.RosterEntry
	for iter.Next() {
		item := iter.Item()
		entries = append(entries, addrbook.RosterEntry{
			JID:  item.JID.Bare().String(),
			Name: item.Name,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("roster fetch failed: %w", err)
	}

	c.log.Debug("xmpp: fetched %d roster entries", len(entries))
	return entries, nil
}

// JID returns the bound JID, including the server-assigned resource.
func (c *Client) JID() jid.JID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jid
}

// messageStanza is the subset of an inbound message the bridge needs.
type messageStanza struct {
	From string `xml:"from,attr"`
	Type string `xml:"type,attr"`
	Body string `xml:"body"`
}

type presenceStanza struct {
	From string `xml:"from,attr"`
	Type string `xml:"type,attr"`
	Show string `xml:"show"`
}

// readLoop decodes inbound stanzas until the stream dies, then reports
// the disconnect.
func (c *Client) readLoop(session *xmpp.Session) {
	tr := session.TokenReader()
	defer tr.Close()
	dec := xml.NewTokenDecoder(tr)

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.streamClosed(nil)
			} else {
				c.streamClosed(err)
			}
			return
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "message":
			c.decodeMessage(dec, start)
		case "presence":
			c.decodePresence(dec, start)
		default:
			if err := dec.Skip(); err != nil {
				c.streamClosed(err)
				return
			}
		}
	}
}

func (c *Client) decodeMessage(dec *xml.Decoder, start xml.StartElement) {
	var m messageStanza
	if err := dec.DecodeElement(&m, &start); err != nil {
		c.log.Warn("xmpp: undecodable message stanza: %v", err)
		return
	}
	// Errors, receipts and chat states arrive without a body.
	if m.Body == "" || m.Type == "error" {
		return
	}
	if m.Type == "" {
		m.Type = "normal"
	}
	if c.handlers.OnMessage != nil {
		c.handlers.OnMessage(m.From, m.Body, m.Type, time.Now())
	}
}

func (c *Client) decodePresence(dec *xml.Decoder, start xml.StartElement) {
	var p presenceStanza
	if err := dec.DecodeElement(&p, &start); err != nil {
		c.log.Warn("xmpp: undecodable presence stanza: %v", err)
		return
	}
	if p.From == "" {
		return
	}

	state := presenceState(p.Type, p.Show)
	if state == "" {
		return
	}
	if c.handlers.OnPresence != nil {
		c.handlers.OnPresence(p.From, state)
	}
}

// presenceState collapses type and show into one availability string.
// Subscription handshakes map to the empty string and are dropped.
func presenceState(typ, show string) string {
	switch typ {
	case "":
		if show == "" {
			return "online"
		}
		return show
	case "unavailable":
		return "offline"
	default:
		return ""
	}
}

func (c *Client) streamClosed(err error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.session = nil
	c.mu.Unlock()

	if !wasConnected {
		return
	}
	if err != nil {
		c.log.Warn("xmpp: stream closed: %v", err)
	} else {
		c.log.Info("xmpp: stream closed by server")
	}
	if c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect(err)
	}
}
