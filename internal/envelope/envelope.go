// Package envelope implements the relay's wire schema: a single JSON object
// whose "type" field discriminates between the message kinds in play. Every
// variant shares one flat Go struct with omitempty fields rather than a sum
// type, so it round-trips through encoding/json as-is.
package envelope

import (
	"encoding/json"
	"fmt"
)

// Type is the wire discriminant carried in the envelope's "type" field.
type Type string

const (
	TypeConnect         Type = "connect"
	TypeAuthResponse    Type = "auth_response"
	TypeError           Type = "error"
	TypeMessage         Type = "message"
	TypeTyping          Type = "typing"
	TypePresence        Type = "presence"
	TypeDeliveryReceipt Type = "delivery_receipt"
	TypeReadReceipt     Type = "read_receipt"
	TypeProfileUpdate   Type = "profile_update"
	TypeCallInvite      Type = "call_invite"
	TypeCallRinging     Type = "call_ringing"
	TypeCallAccept      Type = "call_accept"
	TypeCallReject      Type = "call_reject"
	TypeCallHangup      Type = "call_hangup"
	TypeRTCOffer        Type = "rtc_offer"
	TypeRTCAnswer       Type = "rtc_answer"
	TypeRTCIceCandidate Type = "rtc_ice_candidate"
)

// Envelope is the tagged union for every frame the relay parses or emits.
// Each variant only ever populates the fields its row of the wire-schema
// table names; the rest stay at their zero value and are omitted on the
// wire. The zero value of an omitted optional field unmarshals back to the
// same zero value, so parse(serialize(x)) == x holds even though the JSON
// representation of an absent field differs from an explicit zero.
//
// The four boolean fields the wire schema marks required rather than
// optional (success, is_typing, is_online, video) deliberately drop
// omitempty: those variants must carry an explicit "false" on the wire
// (spec §8 scenario 2's offline presence frame reads "is_online":false),
// not have the key disappear. They ride along at their zero value on
// unrelated variants, which is harmless to a discriminant-keyed reader.
// LastSeen drops omitempty for the same reason: an online presence frame's
// "last_seen" is a present-but-null field (spec §8 scenario 2's attach
// frame reads "last_seen":null), not an absent one.
type Envelope struct {
	Type Type `json:"type"`

	// connect
	UserID string  `json:"user_id,omitempty"`
	Token  *string `json:"token,omitempty"`

	// auth_response
	Success bool `json:"success"`

	// auth_response, error
	Message string `json:"message,omitempty"`

	// message (chat)
	ID          string `json:"id,omitempty"`
	ChatID      string `json:"chat_id,omitempty"`
	SenderID    string `json:"sender_id,omitempty"`
	SenderName  string `json:"sender_name,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
	Content     string `json:"content,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`

	// typing
	IsTyping bool `json:"is_typing"`

	// presence
	IsOnline bool   `json:"is_online"`
	LastSeen *int64 `json:"last_seen"`

	// delivery_receipt
	MessageID   string `json:"message_id,omitempty"`
	DeliveredTo string `json:"delivered_to,omitempty"`

	// read_receipt
	MessageIDs []string `json:"message_ids,omitempty"`

	// profile_update
	Name       string  `json:"name,omitempty"`
	Phone      *string `json:"phone,omitempty"`
	AvatarURL  *string `json:"avatar_url,omitempty"`
	About      *string `json:"about,omitempty"`
	AvatarData *string `json:"avatar_data,omitempty"`

	// call_invite, call_ringing, call_accept, call_reject, call_hangup,
	// rtc_offer, rtc_answer, rtc_ice_candidate
	CallID        string  `json:"call_id,omitempty"`
	FromUserID    string  `json:"from_user_id,omitempty"`
	ToUserID      string  `json:"to_user_id,omitempty"`
	Video         bool    `json:"video"`
	Reason        *string `json:"reason,omitempty"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *int32  `json:"sdp_mline_index,omitempty"`
}

// ParseError wraps a malformed or rejected frame. Session treats it as a
// frame-level, recoverable error: log and drop, connection stays open.
type ParseError struct {
	Type Type
	Err  error
}

func (e *ParseError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("envelope: %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("envelope: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func required(t Type, field, value string) error {
	if value == "" {
		return &ParseError{Type: t, Err: fmt.Errorf("missing required field %q", field)}
	}
	return nil
}

// Parse decodes a single text frame into an Envelope, rejecting unknown
// discriminants and variants missing a required field.
func Parse(text []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(text, &e); err != nil {
		return Envelope{}, &ParseError{Err: err}
	}
	if err := e.validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Serialize encodes the envelope back to its wire form.
func Serialize(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func (e Envelope) validate() error {
	switch e.Type {
	case TypeConnect:
		return required(e.Type, "user_id", e.UserID)
	case TypeAuthResponse:
		return required(e.Type, "message", e.Message)
	case TypeError:
		return required(e.Type, "message", e.Message)
	case TypeMessage:
		for field, v := range map[string]string{
			"id": e.ID, "chat_id": e.ChatID, "sender_id": e.SenderID,
			"sender_name": e.SenderName, "recipient_id": e.RecipientID, "content": e.Content,
		} {
			if err := required(e.Type, field, v); err != nil {
				return err
			}
		}
		return nil
	case TypeTyping:
		if err := required(e.Type, "chat_id", e.ChatID); err != nil {
			return err
		}
		return required(e.Type, "user_id", e.UserID)
	case TypePresence:
		return required(e.Type, "user_id", e.UserID)
	case TypeDeliveryReceipt:
		for field, v := range map[string]string{
			"message_id": e.MessageID, "chat_id": e.ChatID, "sender_id": e.SenderID, "delivered_to": e.DeliveredTo,
		} {
			if err := required(e.Type, field, v); err != nil {
				return err
			}
		}
		return nil
	case TypeReadReceipt:
		for field, v := range map[string]string{
			"chat_id": e.ChatID, "sender_id": e.SenderID, "user_id": e.UserID,
		} {
			if err := required(e.Type, field, v); err != nil {
				return err
			}
		}
		return nil
	case TypeProfileUpdate:
		if err := required(e.Type, "user_id", e.UserID); err != nil {
			return err
		}
		return required(e.Type, "name", e.Name)
	case TypeCallInvite, TypeCallRinging, TypeCallAccept, TypeCallReject, TypeCallHangup:
		for field, v := range map[string]string{
			"call_id": e.CallID, "from_user_id": e.FromUserID, "to_user_id": e.ToUserID,
		} {
			if err := required(e.Type, field, v); err != nil {
				return err
			}
		}
		return nil
	case TypeRTCOffer, TypeRTCAnswer:
		for field, v := range map[string]string{
			"call_id": e.CallID, "from_user_id": e.FromUserID, "to_user_id": e.ToUserID, "sdp": e.SDP,
		} {
			if err := required(e.Type, field, v); err != nil {
				return err
			}
		}
		return nil
	case TypeRTCIceCandidate:
		for field, v := range map[string]string{
			"call_id": e.CallID, "from_user_id": e.FromUserID, "to_user_id": e.ToUserID, "candidate": e.Candidate,
		} {
			if err := required(e.Type, field, v); err != nil {
				return err
			}
		}
		return nil
	default:
		return &ParseError{Type: e.Type, Err: fmt.Errorf("unknown envelope type %q", e.Type)}
	}
}

// IsCallSignal reports whether t is one of the call-signaling variants,
// which route sendToUser-only and never queue.
func IsCallSignal(t Type) bool {
	switch t {
	case TypeCallInvite, TypeCallRinging, TypeCallAccept, TypeCallReject, TypeCallHangup,
		TypeRTCOffer, TypeRTCAnswer, TypeRTCIceCandidate:
		return true
	default:
		return false
	}
}
