package realtime

import (
	"strings"
)

// Topic prefixes (wire-stable).
const (
	topicRoomPrefix     = "sub/room/"
	topicDirectPrefix   = "sub/dm/room/"
	topicPresencePrefix = "sub/presence/"
)

// RoomTopic is the subscription topic of a group room.
func RoomTopic(roomID string) string { return topicRoomPrefix + roomID }

// DirectRoomTopic is the subscription topic of a direct room.
func DirectRoomTopic(roomID string) string { return topicDirectPrefix + roomID }

// PresenceTopic is the subscription topic of a presence channel ("{type}/{id}").
func PresenceTopic(channel string) string { return topicPresencePrefix + channel }

// TopicForRoom returns the subscription topic for room r.
func TopicForRoom(r Room) string {
	if r.Kind == RoomKindDirect {
		return DirectRoomTopic(r.ID)
	}
	return RoomTopic(r.ID)
}

// TopicKind classifies subscription topics.
type TopicKind uint8

const (
	TopicUnknown TopicKind = iota
	TopicRoom
	TopicDirectRoom
	TopicPresence
)

// Topic is a parsed subscription topic.
type Topic struct {
	Kind    TopicKind
	Name    string
	RoomID  string
	Channel string
}

// ParseTopic parses sub/room/{roomId}, sub/dm/room/{roomId} and
// sub/presence/{type}/{id}.
func ParseTopic(raw string) (Topic, error) {
	const op = "realtime.ParseTopic"
	switch {
	case strings.HasPrefix(raw, topicDirectPrefix):
		id := strings.TrimPrefix(raw, topicDirectPrefix)
		if !validSegment(id) {
			return Topic{}, opErr(op, ErrInvalidArgument, "invalid room id")
		}
		return Topic{Kind: TopicDirectRoom, Name: raw, RoomID: id}, nil
	case strings.HasPrefix(raw, topicRoomPrefix):
		id := strings.TrimPrefix(raw, topicRoomPrefix)
		if !validSegment(id) {
			return Topic{}, opErr(op, ErrInvalidArgument, "invalid room id")
		}
		return Topic{Kind: TopicRoom, Name: raw, RoomID: id}, nil
	case strings.HasPrefix(raw, topicPresencePrefix):
		ch, err := ParsePresenceChannel(strings.TrimPrefix(raw, topicPresencePrefix))
		if err != nil {
			return Topic{}, err
		}
		return Topic{Kind: TopicPresence, Name: raw, Channel: ch}, nil
	default:
		return Topic{}, opErr(op, ErrInvalidArgument, "unknown topic")
	}
}

// DestinationKind classifies publish destinations.
type DestinationKind uint8

const (
	DestUnknown DestinationKind = iota
	DestRoomMessage
	DestRoomTyping
	DestDirectSend
	DestDirectRoomSend
	DestPresenceEnter
	DestPresenceExit
)

// Destination is a parsed publish destination.
type Destination struct {
	Kind    DestinationKind
	RoomID  string
	Channel string
}

// ParseDestination parses the publish destinations:
//
//	room/{roomId}/message
//	room/{roomId}/typing
//	dm/send
//	dm/room/{roomId}/send
//	presence/enter/{type}/{id}
//	presence/exit/{type}/{id}
func ParseDestination(raw string) (Destination, error) {
	const op = "realtime.ParseDestination"
	parts := strings.Split(raw, "/")

	switch {
	case len(parts) == 3 && parts[0] == "room" && validSegment(parts[1]):
		switch parts[2] {
		case "message":
			return Destination{Kind: DestRoomMessage, RoomID: parts[1]}, nil
		case "typing":
			return Destination{Kind: DestRoomTyping, RoomID: parts[1]}, nil
		}
	case len(parts) == 2 && parts[0] == "dm" && parts[1] == "send":
		return Destination{Kind: DestDirectSend}, nil
	case len(parts) == 4 && parts[0] == "dm" && parts[1] == "room" && parts[3] == "send" && validSegment(parts[2]):
		return Destination{Kind: DestDirectRoomSend, RoomID: parts[2]}, nil
	case len(parts) == 4 && parts[0] == "presence":
		ch, err := ParsePresenceChannel(parts[2] + "/" + parts[3])
		if err != nil {
			return Destination{}, err
		}
		switch parts[1] {
		case "enter":
			return Destination{Kind: DestPresenceEnter, Channel: ch}, nil
		case "exit":
			return Destination{Kind: DestPresenceExit, Channel: ch}, nil
		}
	}
	return Destination{}, opErr(op, ErrInvalidArgument, "unknown destination")
}

// ParsePresenceChannel validates a "{type}/{id}" channel key.
func ParsePresenceChannel(raw string) (string, error) {
	typ, id, ok := strings.Cut(raw, "/")
	if !ok || !validSegment(typ) || !validSegment(id) {
		return "", opErr("realtime.ParsePresenceChannel", ErrInvalidArgument, "channel must be {type}/{id}")
	}
	return typ + "/" + id, nil
}

const maxSegmentLen = 128

func validSegment(s string) bool {
	if s == "" || len(s) > maxSegmentLen {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':':
		default:
			return false
		}
	}
	return true
}

func topicKindLabel(topic string) string {
	switch {
	case strings.HasPrefix(topic, topicDirectPrefix):
		return "dm"
	case strings.HasPrefix(topic, topicRoomPrefix):
		return "room"
	case strings.HasPrefix(topic, topicPresencePrefix):
		return "presence"
	default:
		return "other"
	}
}
