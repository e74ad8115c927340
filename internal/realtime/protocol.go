package realtime

import "encoding/json"

// Server→client event names.
const (
	EventMessageNew       = "message.new"
	EventMessageStatus    = "message.status"
	EventCampaignProgress = "campaign.progress"
	EventNotificationNew  = "notification.new"
	EventPresenceOnline   = "presence.online"
	EventPresenceOffline  = "presence.offline"
	EventTypingStart      = "typing.start"
	EventTypingStop       = "typing.stop"
	EventMessagesRead     = "messages.read"
)

// Client→server actions.
const (
	ActionJoinConversation  = "conversation.join"
	ActionLeaveConversation = "conversation.leave"
	ActionWatchCampaign     = "campaign.watch"
	ActionUnwatchCampaign   = "campaign.unwatch"
	ActionTypingStart       = "typing.start"
	ActionTypingStop        = "typing.stop"
	ActionMarkRead          = "messages.read"
)

// clientMessage is one inbound frame from a connected client.
type clientMessage struct {
	Action         string   `json:"action"`
	ConversationID string   `json:"conversation_id,omitempty"`
	CampaignID     string   `json:"campaign_id,omitempty"`
	MessageIDs     []string `json:"message_ids,omitempty"`
}

// serverMessage is one outbound frame to a connected client.
type serverMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// presencePayload announces a principal joining or leaving an organization.
type presencePayload struct {
	PrincipalID string `json:"principal_id"`
}

// typingPayload marks typing activity in a conversation.
type typingPayload struct {
	ConversationID string `json:"conversation_id"`
	PrincipalID    string `json:"principal_id"`
}

// readPayload rebroadcasts read receipts; the hub does not persist them.
type readPayload struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
	PrincipalID    string   `json:"principal_id"`
}

// Room name construction. Rooms are purely local identifiers; the relay bus
// carries scope+target and each instance maps that onto its own rooms.
func roomOrganization(orgID string) string    { return "org:" + orgID }
func roomPrincipal(principalID string) string { return "user:" + principalID }
func roomConversation(convID string) string   { return "conversation:" + convID }
func roomCampaign(campaignID string) string   { return "campaign:" + campaignID }

// roomForEnvelope maps a relay envelope to the local room it targets.
func roomForEnvelope(env Envelope) string {
	switch env.Scope {
	case ScopePrincipal:
		return roomPrincipal(env.TargetID)
	case ScopeCampaign:
		return roomCampaign(env.TargetID)
	default:
		return roomOrganization(env.TargetID)
	}
}
