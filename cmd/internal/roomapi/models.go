package roomapi

import (
	"time"

	"studyhub/cmd/internal/realtime"
	v1 "studyhub/shared/contracts/realtime/v1"
)

type createRoomRequest struct {
	GroupID    string   `json:"groupId"`
	Name       string   `json:"name"`
	InvitedIDs []string `json:"invitedIds"`
}

type respondRequest struct {
	Accept *bool `json:"accept"`
}

type inviteRequest struct {
	UserIDs []string `json:"userIds"`
}

type directRoomRequest struct {
	PartnerID string `json:"partnerId"`
}

type lastMessageResponse struct {
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

type roomResponse struct {
	ID          string               `json:"id"`
	Kind        string               `json:"kind"`
	Name        string               `json:"name,omitempty"`
	GroupID     string               `json:"groupId,omitempty"`
	CreatedBy   string               `json:"createdBy"`
	CreatedAt   time.Time            `json:"createdAt"`
	LastSeq     int64                `json:"lastSeq"`
	LastMessage *lastMessageResponse `json:"lastMessage,omitempty"`
}

type roomSummaryResponse struct {
	Room      roomResponse `json:"room"`
	Status    string       `json:"status"`
	Unread    int64        `json:"unread"`
	PartnerID string       `json:"partnerId,omitempty"`
}

type roomEnvelope struct {
	Room roomResponse `json:"room"`
}

type roomListResponse struct {
	Rooms []roomSummaryResponse `json:"rooms"`
}

type inviteResponse struct {
	Invited []string `json:"invited"`
}

type historyResponse struct {
	Messages []v1.MessageView `json:"messages"`
	Page     int              `json:"page"`
	Size     int              `json:"size"`
	HasMore  bool             `json:"hasMore"`
}

func toRoomResponse(r realtime.Room) roomResponse {
	out := roomResponse{
		ID:        r.ID,
		Kind:      string(r.Kind),
		Name:      r.Name,
		GroupID:   r.GroupID,
		CreatedBy: r.CreatedBy,
		CreatedAt: r.CreatedAt,
		LastSeq:   r.LastSeq,
	}
	if r.LastMessage != nil {
		out.LastMessage = &lastMessageResponse{Content: r.LastMessage.Content, At: r.LastMessage.At}
	}
	return out
}

func toRoomList(in []realtime.RoomSummary) roomListResponse {
	out := roomListResponse{Rooms: make([]roomSummaryResponse, 0, len(in))}
	for _, s := range in {
		out.Rooms = append(out.Rooms, roomSummaryResponse{
			Room:      toRoomResponse(s.Room),
			Status:    string(s.Status),
			Unread:    s.Unread,
			PartnerID: s.PartnerID,
		})
	}
	return out
}

func toHistory(p realtime.MessagePage) historyResponse {
	out := historyResponse{
		Messages: make([]v1.MessageView, 0, len(p.Messages)),
		Page:     p.Page,
		Size:     p.Size,
		HasMore:  p.HasMore,
	}
	for _, m := range p.Messages {
		out.Messages = append(out.Messages, m.View())
	}
	return out
}
