package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the top-level body of a messaging webhook delivery.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the messaging events delivered for one account.
type Entry struct {
	ID        string            `json:"id"`
	Time      int64             `json:"time"`
	Messaging []json.RawMessage `json:"messaging"`
}

type messagingEvent struct {
	Sender    struct{ ID string } `json:"sender"`
	Recipient struct{ ID string } `json:"recipient"`
	Timestamp int64               `json:"timestamp"`
	Message   *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		IsDeleted   bool   `json:"is_deleted"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL   string `json:"url"`
				Title string `json:"title"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Postback json.RawMessage `json:"postback"`
	Read     json.RawMessage `json:"read"`
	Reaction json.RawMessage `json:"reaction"`
}

// ParseWebhook decodes a delivery body into inbound events. A body that is not
// valid JSON is an error; individual messaging events that fail to decode are
// skipped and counted in skipped.
func ParseWebhook(body []byte) (events []InboundEvent, skipped int, err error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, 0, fmt.Errorf("decoding webhook envelope: %w", err)
	}

	for _, entry := range env.Entry {
		for _, raw := range entry.Messaging {
			var me messagingEvent
			if err := json.Unmarshal(raw, &me); err != nil {
				skipped++
				continue
			}
			events = append(events, toInbound(me))
		}
	}
	return events, skipped, nil
}

func toInbound(me messagingEvent) InboundEvent {
	ev := InboundEvent{
		SenderID:  me.Sender.ID,
		Timestamp: time.UnixMilli(me.Timestamp).UTC(),
		RawKind:   "unknown",
	}
	if me.Timestamp == 0 {
		ev.Timestamp = time.Now().UTC()
	}

	switch {
	case me.Message != nil && !me.Message.IsDeleted:
		ev.RawKind = "message"
		ev.MessageID = me.Message.MID
		ev.Text = me.Message.Text
		ev.IsEcho = me.Message.IsEcho
		for _, a := range me.Message.Attachments {
			ev.Attachments = append(ev.Attachments, Attachment{
				Type:    a.Type,
				URL:     a.Payload.URL,
				Caption: a.Payload.Title,
			})
		}
	case len(me.Postback) > 0:
		ev.RawKind = "postback"
	case len(me.Read) > 0:
		ev.RawKind = "read"
	case len(me.Reaction) > 0:
		ev.RawKind = "reaction"
	}
	return ev
}
