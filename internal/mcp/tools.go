package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/meszmate/jabber-mcp/internal/addrbook"
	"github.com/meszmate/jabber-mcp/internal/bridge"
	"github.com/meszmate/jabber-mcp/internal/convert"
	"github.com/meszmate/jabber-mcp/internal/inbox"
)

// listPreviewLen caps message previews in inbox/list entries.
const listPreviewLen = 50

// RegisterBridgeTools wires the tool table against the bridge, the
// address book and the inbox.
func RegisterBridgeTools(s *Server, b *bridge.Bridge, book *addrbook.Book, box *inbox.Inbox) {
	s.AddTool(&Tool{
		Name:        "send_xmpp_message",
		Description: "Send an XMPP message to a JID or a saved alias.",
		InputSchema: objectSchema(map[string]interface{}{
			"recipient": map[string]interface{}{
				"type":        "string",
				"description": "Target JID (user@domain) or address book alias",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Message body",
			},
			"message_type": map[string]interface{}{
				"type": "string",
				"enum": []string{"chat", "normal", "groupchat", "headline"},
			},
			"priority": map[string]interface{}{
				"type": "string",
				"enum": []string{"high", "medium", "low"},
			},
		}, "recipient", "message"),
	}, sendMessageHandler(b, book))

	s.AddTool(&Tool{
		Name:        "ping",
		Description: "Liveness check, returns pong and the XMPP connection state.",
		InputSchema: objectSchema(nil),
	}, func(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
		state := b.State().String()
		return &ToolResult{
			Text: "pong",
			Fields: map[string]interface{}{
				"pong":             true,
				"connection_state": state,
			},
		}, nil
	})

	s.AddTool(&Tool{
		Name:        "inbox/list",
		Description: "List received messages, newest first.",
		InputSchema: objectSchema(map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of messages to return",
			},
		}),
	}, inboxListHandler(box))

	s.AddTool(&Tool{
		Name:        "inbox/get",
		Description: "Fetch the full body of one received message by ID.",
		InputSchema: objectSchema(map[string]interface{}{
			"messageId": map[string]interface{}{"type": "string"},
		}, "messageId"),
	}, inboxGetHandler(box))

	s.AddTool(&Tool{
		Name:        "inbox/clear",
		Description: "Delete all received messages.",
		InputSchema: objectSchema(nil),
	}, func(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
		n := box.Clear()
		return &ToolResult{
			Text:   fmt.Sprintf("Cleared %d messages", n),
			Fields: map[string]interface{}{"cleared": n},
		}, nil
	})

	s.AddTool(&Tool{
		Name:        "address_book/save",
		Description: "Save or update an alias for a JID.",
		InputSchema: objectSchema(map[string]interface{}{
			"alias": map[string]interface{}{"type": "string"},
			"jid":   map[string]interface{}{"type": "string"},
		}, "alias", "jid"),
	}, addressBookSaveHandler(book))

	s.AddTool(&Tool{
		Name:        "address_book/query",
		Description: "Fuzzy search the address book.",
		InputSchema: objectSchema(map[string]interface{}{
			"term":  map[string]interface{}{"type": "string"},
			"limit": map[string]interface{}{"type": "integer"},
		}, "term"),
	}, addressBookQueryHandler(book))
}

func sendMessageHandler(b *bridge.Bridge, book *addrbook.Book) ToolHandler {
	return func(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
		recipient := stringArg(args, "recipient")
		message := stringArg(args, "message")
		if recipient == "" {
			return nil, invalidParams("recipient is required")
		}
		if message == "" {
			return nil, invalidParams("message is required")
		}

		to, err := resolveRecipient(book, recipient)
		if err != nil {
			return nil, err
		}

		outArgs := map[string]interface{}{"jid": to, "body": message}
		if v := stringArg(args, "message_type"); v != "" {
			outArgs["message_type"] = v
		}
		if v := stringArg(args, "priority"); v != "" {
			outArgs["priority"] = v
		}
		msg, err := convert.OutboundFromArgs(outArgs)
		if err != nil {
			return nil, invalidParams("%v", err)
		}

		id, err := b.SendMessage(msg)
		switch {
		case errors.Is(err, bridge.ErrDisconnected):
			return nil, &ToolError{Kind: bridge.KindDisconnected, Message: "no XMPP session"}
		case errors.Is(err, bridge.ErrOverloaded):
			return nil, &ToolError{Kind: bridge.KindOverloaded, Message: "outgoing queue full"}
		case err != nil:
			return nil, err
		}

		return &ToolResult{
			Text: fmt.Sprintf("Message queued for delivery to %s", to),
			Fields: map[string]interface{}{
				"status": "queued",
				"id":     id,
				"to":     to,
			},
		}, nil
	}
}

// resolveRecipient treats anything containing '@' as a JID and
// everything else as an address book alias.
func resolveRecipient(book *addrbook.Book, recipient string) (string, error) {
	if strings.Contains(recipient, "@") {
		if !addrbook.ValidJID(recipient) {
			return "", &ToolError{
				Kind:    bridge.KindInvalidJID,
				Message: fmt.Sprintf("%q is not a valid JID", recipient),
			}
		}
		return recipient, nil
	}

	jid, err := book.Resolve(recipient)
	if err == nil {
		return jid, nil
	}

	var amb *addrbook.AmbiguousError
	switch {
	case errors.As(err, &amb):
		return "", &ToolError{
			Kind:    bridge.KindAmbiguous,
			Message: fmt.Sprintf("alias %q matches multiple contacts", recipient),
			Data:    map[string]interface{}{"candidates": amb.Candidates},
		}
	case errors.Is(err, addrbook.ErrNotFound):
		return "", &ToolError{
			Kind:    bridge.KindUnknownAlias,
			Message: fmt.Sprintf("no contact matches %q", recipient),
		}
	default:
		return "", err
	}
}

func inboxListHandler(box *inbox.Inbox) ToolHandler {
	return func(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
		limit := intArg(args, "limit")
		if limit < 0 {
			return nil, invalidParams("limit must be non-negative")
		}

		records := box.List(limit)
		messages := make([]map[string]interface{}, 0, len(records))
		for _, r := range records {
			messages = append(messages, map[string]interface{}{
				"id":        r.UUID,
				"from":      r.From,
				"preview":   truncate(r.Body, listPreviewLen),
				"timestamp": r.TS.Unix(),
			})
		}

		return &ToolResult{
			Text:   fmt.Sprintf("%d messages", len(messages)),
			Fields: map[string]interface{}{"messages": messages},
		}, nil
	}
}

func inboxGetHandler(box *inbox.Inbox) ToolHandler {
	return func(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
		id := stringArg(args, "messageId")
		if id == "" {
			return nil, invalidParams("messageId is required")
		}

		r, ok := box.Get(id)
		if !ok {
			return nil, &ToolError{
				Kind:    bridge.KindNotFound,
				Message: fmt.Sprintf("no message with id %q", id),
			}
		}

		return &ToolResult{
			Text: fmt.Sprintf("From %s: %s", r.From, r.Body),
			Fields: map[string]interface{}{
				"id":        r.UUID,
				"from":      r.From,
				"body":      r.Body,
				"timestamp": r.TS.Unix(),
			},
		}, nil
	}
}

func addressBookSaveHandler(book *addrbook.Book) ToolHandler {
	return func(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
		alias := stringArg(args, "alias")
		jid := stringArg(args, "jid")
		if alias == "" || jid == "" {
			return nil, invalidParams("alias and jid are required")
		}

		if !addrbook.ValidAlias(addrbook.CanonicalAlias(alias)) {
			return nil, &ToolError{
				Kind:    bridge.KindInvalidAlias,
				Message: fmt.Sprintf("%q is not a valid alias", alias),
			}
		}
		if !addrbook.ValidJID(jid) {
			return nil, &ToolError{
				Kind:    bridge.KindInvalidJID,
				Message: fmt.Sprintf("%q is not a valid JID", jid),
			}
		}

		updated, err := book.Save(alias, jid)
		if err != nil {
			return nil, err
		}
		status := "unchanged"
		if updated {
			status = "updated"
		}

		return &ToolResult{
			Text:   fmt.Sprintf("Alias %s -> %s (%s)", addrbook.CanonicalAlias(alias), jid, status),
			Fields: map[string]interface{}{"status": status},
		}, nil
	}
}

func addressBookQueryHandler(book *addrbook.Book) ToolHandler {
	return func(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
		term := stringArg(args, "term")
		limit := intArg(args, "limit")
		if limit < 0 {
			return nil, invalidParams("limit must be non-negative")
		}

		matches := book.Query(term, limit)
		return &ToolResult{
			Text:   fmt.Sprintf("%d matches", len(matches)),
			Fields: map[string]interface{}{"matches": matches},
		}, nil
	}
}

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	if props == nil {
		props = map[string]interface{}{}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

// intArg reads a JSON number argument, returning 0 when absent and -1
// when present but not a number.
func intArg(args map[string]interface{}, key string) int {
	v, ok := args[key]
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return -1
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
