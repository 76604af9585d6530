package listener

import (
	"encoding/json"
	"fmt"
	"strings"
)

// wstr is the gateway's wrapped string shape: {"str": "..."}.
type wstr struct {
	Str string `json:"str"`
}

// syncFrame is the raw inbound frame from the sync socket. Frames lacking
// expected fields decode to zero values and are filtered as malformed.
type syncFrame struct {
	FromUserName wstr `json:"from_user_name"`
	ToUserName   wstr `json:"to_user_name"`
	IsSelfMsg    int  `json:"is_self_msg"`
	Content      wstr `json:"content"`
}

// Event is a decoded inbound chat event.
type Event struct {
	SenderID    string
	RecipientID string
	SelfSent    bool
	Content     string
	// RoomHint names the speaking member for group-style events.
	RoomHint string
}

// DedupKey ties rapid duplicates of the same logical event together.
func (e Event) DedupKey() string {
	return e.SenderID + ":" + e.Content
}

const groupSenderSuffix = "@chatroom"

var errEmptyContent = fmt.Errorf("listener: event content is empty")

// decodeEvent converts a raw frame into an Event. Group-style frames carry
// "member:text" content; frames without that separator are dropped.
func decodeEvent(raw []byte) (Event, error) {
	var frame syncFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Event{}, fmt.Errorf("listener: malformed frame: %w", err)
	}

	event := Event{
		SenderID:    strings.TrimSpace(frame.FromUserName.Str),
		RecipientID: strings.TrimSpace(frame.ToUserName.Str),
		SelfSent:    frame.IsSelfMsg == 1,
	}
	if event.SenderID == "" {
		return Event{}, fmt.Errorf("listener: malformed frame: missing sender")
	}

	content := frame.Content.Str
	if strings.Contains(event.SenderID, groupSenderSuffix) {
		member, text, found := strings.Cut(content, ":")
		if !found {
			return Event{}, errEmptyContent
		}
		event.RoomHint = strings.TrimSpace(member)
		event.Content = strings.TrimSpace(text)
	} else {
		event.Content = content
	}
	if event.Content == "" {
		return Event{}, errEmptyContent
	}
	return event, nil
}

// isAutomatedSender matches official-account and platform system senders.
func isAutomatedSender(senderID string) bool {
	return strings.HasPrefix(senderID, "gh_") || senderID == "weixin"
}
