package chatkit

import (
	"encoding/json"
	"strings"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Credential authenticates a caller. Either a bearer session token for an
// account, or a guest token handed out for pre-registration browsing. It is
// passed at connect time, not per frame.
type Credential struct {
	Token string
	Guest bool
}

// Participant is one side of a two-party conversation.
type Participant struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Identity is the resolved caller identity behind a credential.
type Identity struct {
	UserID      string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Guest       bool   `json:"guest,omitempty"`
}

// ============================================================================
// Message Model
// ============================================================================

// MessageKind is the decoded content variant of a message.
type MessageKind string

const (
	// MessageKindText is plain chat text.
	MessageKindText MessageKind = "text"
	// MessageKindOffer is a structured commercial offer rendered as a card.
	MessageKindOffer MessageKind = "offer"
)

// offerCardPrefix marks content carrying an embedded offer payload.
const offerCardPrefix = "OFFER_CARD::"

// OfferCard is a commercial offer embedded in message content: a price and
// duration proposal with a contact phone and an optional deep link.
type OfferCard struct {
	Title    string  `json:"title"`
	Price    float64 `json:"price"`
	Duration string  `json:"duration"`
	Phone    string  `json:"phone"`
	DeepLink string  `json:"deepLink,omitempty"`
}

// Message is a single chat message. ID is either a server-issued identifier
// or a temporary local one (see IsTempID) assigned before confirmation.
// Kind and Offer are decoded once at ingestion and never re-parsed.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	ClientID       string `json:"clientId,omitempty"`
	CreatedAt      string `json:"createdAt"`

	LocalEcho bool        `json:"-"`
	Kind      MessageKind `json:"-"`
	Offer     *OfferCard  `json:"-"`
}

// IsTempID reports whether id carries the temporary local-echo prefix.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// DecodeContent classifies content and decodes the offer payload if present.
// Malformed offer payloads degrade to plain text.
func DecodeContent(content string) (MessageKind, *OfferCard) {
	if !strings.HasPrefix(content, offerCardPrefix) {
		return MessageKindText, nil
	}
	var offer OfferCard
	if err := json.Unmarshal([]byte(content[len(offerCardPrefix):]), &offer); err != nil {
		return MessageKindText, nil
	}
	return MessageKindOffer, &offer
}

// EncodeOfferContent renders an offer card into wire content.
func EncodeOfferContent(offer OfferCard) (string, error) {
	b, err := json.Marshal(offer)
	if err != nil {
		return "", err
	}
	return offerCardPrefix + string(b), nil
}

// normalize fills the decoded content variant in place.
func (m *Message) normalize() {
	m.Kind, m.Offer = DecodeContent(m.Content)
}

// ============================================================================
// Conversation Model
// ============================================================================

// Conversation is a directory summary: the two participants plus denormalized
// last-message and unread metadata. Owned by the directory, read by the core.
type Conversation struct {
	ID                 string      `json:"id"`
	ParticipantSelf    Participant `json:"participantSelf"`
	ParticipantOther   Participant `json:"participantOther"`
	LastMessagePreview string      `json:"lastMessagePreview,omitempty"`
	LastMessageAt      string      `json:"lastMessageAt,omitempty"`
	UnreadCount        int         `json:"unreadCount"`
}

// ============================================================================
// Pagination
// ============================================================================

// Cursor tracks remaining history depth. NextOffset is nil exactly when
// HasMore is false; the server is the sole authority on both.
type Cursor struct {
	NextOffset *int
	HasMore    bool
}

// MessagePage is one page of history, newest-first as the server returns it.
type MessagePage struct {
	Results    []Message `json:"results"`
	HasMore    bool      `json:"has_more"`
	NextOffset *int      `json:"next_offset"`
}

// ============================================================================
// Socket Wire Format
// ============================================================================

// TypingEvent is the inbound typing presence payload.
type TypingEvent struct {
	ConversationID string `json:"conversation"`
	TypingUserID   string `json:"typing_user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// Inbound event discriminators.
const (
	EventMessageNew = "message.new"
	EventTyping     = "typing"
)

// InboundEvent is the discriminated union dispatched by the connection
// manager. Exactly one of Message or Typing is set, per Event.
type InboundEvent struct {
	Event   string
	Message *Message
	Typing  *TypingEvent
}

// wireEnvelope is the JSON envelope for inbound frames.
type wireEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// messageSendFrame is the outbound message frame. ClientID is the send
// pipeline's correlation id; servers that support it echo it back on the
// confirmed message.
type messageSendFrame struct {
	Content  string `json:"content"`
	ClientID string `json:"client_id,omitempty"`
}

// typingFrame is the outbound typing presence frame.
type typingFrame struct {
	IsTyping bool `json:"is_typing"`
}
