// Package convert translates between MCP tool payloads and XMPP stanza
// fields. All functions are pure; stateful routing lives in the bridge.
package convert

import (
	"fmt"
	"html"
	"strings"
	"time"
)

// Priority classifies outbound messages for queue scheduling.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// String returns the string representation of the priority
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "medium"
	}
}

// ParsePriority parses a priority string, defaulting to medium
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// Outbound is a message waiting to be delivered to the XMPP server.
type Outbound struct {
	ID       string
	To       string
	Body     string
	Type     string
	Priority Priority
	Attempts int
}

// Received is an incoming XMPP message normalized for the bridge.
type Received struct {
	From string
	Body string
	Type string
	TS   time.Time
}

var messageTypes = map[string]bool{
	"chat":      true,
	"normal":    true,
	"groupchat": true,
	"headline":  true,
}

// OutboundFromArgs builds an Outbound from MCP tool-call arguments.
// It requires non-empty string fields "jid" and "body" and rejects
// unrecognized message types.
func OutboundFromArgs(args map[string]interface{}) (Outbound, error) {
	jid, ok := args["jid"].(string)
	if !ok || jid == "" {
		return Outbound{}, fmt.Errorf("missing required field: jid")
	}
	body, ok := args["body"].(string)
	if !ok || body == "" {
		return Outbound{}, fmt.Errorf("missing required field: body")
	}

	msgType := "chat"
	if raw, present := args["message_type"]; present {
		s, ok := raw.(string)
		if !ok || !messageTypes[s] {
			return Outbound{}, fmt.Errorf("unrecognized message_type: %v", raw)
		}
		msgType = s
	}

	priority := PriorityMedium
	if raw, present := args["priority"]; present {
		if s, ok := raw.(string); ok {
			priority = ParsePriority(s)
		}
	}

	return Outbound{
		To:       jid,
		Body:     body,
		Type:     msgType,
		Priority: priority,
	}, nil
}

// Stanza renders the outbound message as an XMPP <message> element.
// Attribute and text values are entity escaped and stripped of raw
// control characters.
func (o Outbound) Stanza() string {
	return fmt.Sprintf(`<message to="%s" type="%s"><body>%s</body></message>`,
		escapeXML(o.To), escapeXML(o.Type), escapeXML(o.Body))
}

// ReceivedFromStanza normalizes an incoming message stanza. XML entities
// in the body are unescaped; decoding never fails.
func ReceivedFromStanza(fromJID, body, msgType string, ts time.Time) Received {
	if msgType == "" {
		msgType = "chat"
	}
	return Received{
		From: fromJID,
		Body: html.UnescapeString(body),
		Type: msgType,
		TS:   ts,
	}
}

// ReceivedFromEvent builds a Received from a loosely typed event map.
// Non-string fields are coerced to zero values rather than failing.
func ReceivedFromEvent(data map[string]interface{}) Received {
	from, _ := data["from_jid"].(string)
	if from == "" {
		from, _ = data["jid"].(string)
	}
	body, _ := data["body"].(string)
	msgType, _ := data["message_type"].(string)
	if msgType == "" {
		msgType = "chat"
	}

	var ts time.Time
	switch v := data["timestamp"].(type) {
	case float64:
		ts = time.Unix(int64(v), 0)
	case int64:
		ts = time.Unix(v, 0)
	case time.Time:
		ts = v
	}

	return Received{From: from, Body: body, Type: msgType, TS: ts}
}

// escapeXML escapes the five XML entities and replaces raw control
// characters (other than tab, LF and CR) with spaces.
func escapeXML(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '&':
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&apos;")
		case '\t', '\n', '\r':
			b.WriteRune(r)
		default:
			if r < 0x20 {
				b.WriteRune(' ')
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}
