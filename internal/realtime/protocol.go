package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Wire message types.
const (
	TypeJoinShoppingList        = "join_shopping_list"
	TypeUpdateItem              = "update_item"
	TypeToggleCompleted         = "toggle_completed"
	TypeSwitchSupplier          = "switch_supplier"
	TypePicklistUpdateBroadcast = "picklist_update_broadcast"

	TypeItemUpdated     = "item_updated"
	TypeItemToggled     = "item_toggled"
	TypePicklistUpdated = "picklist_updated"
	TypeError           = "error"
)

var (
	// ErrMalformed is returned for frames that are not a valid envelope.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned for envelopes with an unsupported type.
	ErrUnknownType = errors.New("unknown message type")
)

// Envelope is the JSON frame exchanged over the socket.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is a decoded client→server message. The set of implementations
// is closed: JoinMessage, UpdateItemMessage, ToggleCompletedMessage,
// SwitchSupplierMessage and PicklistUpdateBroadcastMessage.
type Inbound interface {
	inbound()
}

// JoinMessage subscribes the sender to a share.
type JoinMessage struct {
	ShareToken string
}

// UpdateItemMessage is rebroadcast verbatim to the other peers.
type UpdateItemMessage struct {
	Data json.RawMessage
}

// ToggleCompletedMessage marks an item fully purchased or resets it.
type ToggleCompletedMessage struct {
	Index   int
	Checked bool
}

// SwitchSupplierMessage tells peers a supplier changed.
type SwitchSupplierMessage struct{}

// PicklistUpdateBroadcastMessage tells peers to refetch; Extra is merged into the signal.
type PicklistUpdateBroadcastMessage struct {
	Extra map[string]json.RawMessage
}

func (JoinMessage) inbound()                    {}
func (UpdateItemMessage) inbound()              {}
func (ToggleCompletedMessage) inbound()         {}
func (SwitchSupplierMessage) inbound()          {}
func (PicklistUpdateBroadcastMessage) inbound() {}

// DecodeInbound parses a text frame sent by a client.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeJoinShoppingList:
		var data struct {
			ShareID    string `json:"shareId"`
			ShareToken string `json:"shareToken"`
		}
		if err := decodeData(env.Data, &data); err != nil {
			return nil, err
		}
		token := data.ShareID
		if token == "" {
			token = data.ShareToken
		}
		if token == "" {
			return nil, fmt.Errorf("%w: shareId is required", ErrMalformed)
		}
		return JoinMessage{ShareToken: token}, nil

	case TypeUpdateItem:
		return UpdateItemMessage{Data: env.Data}, nil

	case TypeToggleCompleted:
		var data struct {
			Index   *int `json:"index"`
			Checked bool `json:"checked"`
		}
		if err := decodeData(env.Data, &data); err != nil {
			return nil, err
		}
		if data.Index == nil {
			return nil, fmt.Errorf("%w: index is required", ErrMalformed)
		}
		return ToggleCompletedMessage{Index: *data.Index, Checked: data.Checked}, nil

	case TypeSwitchSupplier:
		return SwitchSupplierMessage{}, nil

	case TypePicklistUpdateBroadcast:
		extra := map[string]json.RawMessage{}
		if len(env.Data) > 0 && string(env.Data) != "null" {
			if err := json.Unmarshal(env.Data, &extra); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
		}
		return PicklistUpdateBroadcastMessage{Extra: extra}, nil

	case "":
		return nil, fmt.Errorf("%w: type is required", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeData(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: data is required", ErrMalformed)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func encode(msgType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Data: raw})
}

// EncodeItemUpdated forwards an opaque update_item payload verbatim.
func EncodeItemUpdated(data json.RawMessage) ([]byte, error) {
	return json.Marshal(Envelope{Type: TypeItemUpdated, Data: data})
}

// ItemToggled is the payload of an item_toggled message.
type ItemToggled struct {
	Index     int        `json:"index"`
	Checked   bool       `json:"checked"`
	CheckedAt *time.Time `json:"checkedAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// EncodeItemToggled builds an item_toggled message.
func EncodeItemToggled(t ItemToggled) ([]byte, error) {
	return encode(TypeItemToggled, t)
}

// EncodePicklistUpdated builds the generic refetch signal. Keys in extra
// never override timestamp or shareId.
func EncodePicklistUpdated(shareToken string, at time.Time, extra map[string]json.RawMessage) ([]byte, error) {
	data := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		data[k] = v
	}
	data["timestamp"] = at.UTC()
	data["shareId"] = shareToken
	return encode(TypePicklistUpdated, data)
}

// EncodeError builds an error message for a single connection.
func EncodeError(message string) ([]byte, error) {
	return encode(TypeError, map[string]string{"message": message})
}

// EncodeJoin builds a join_shopping_list request.
func EncodeJoin(shareToken string) ([]byte, error) {
	return encode(TypeJoinShoppingList, map[string]string{"shareId": shareToken})
}

// EncodeToggleCompleted builds a toggle_completed request.
func EncodeToggleCompleted(index int, checked bool) ([]byte, error) {
	return encode(TypeToggleCompleted, map[string]any{"index": index, "checked": checked})
}

// EncodeSwitchSupplier builds a switch_supplier request.
func EncodeSwitchSupplier() ([]byte, error) {
	return encode(TypeSwitchSupplier, struct{}{})
}

// ChangeSignal is the cache invalidation hint clients emit after a confirmed
// write. It never carries list data.
type ChangeSignal struct {
	UpdateType string    `json:"updateType"`
	Index      *int      `json:"index"`
	Timestamp  time.Time `json:"timestamp"`
}

// EncodePicklistUpdateBroadcast builds a picklist_update_broadcast request
// carrying a change signal.
func EncodePicklistUpdateBroadcast(signal ChangeSignal) ([]byte, error) {
	return encode(TypePicklistUpdateBroadcast, signal)
}

// Outbound is a decoded server→client message, as seen by clients.
type Outbound struct {
	Type       string
	ShareToken string
	Index      *int
	Message    string
	Data       json.RawMessage
}

// DecodeOutbound parses a frame received from the server.
func DecodeOutbound(raw []byte) (Outbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Outbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	out := Outbound{Type: env.Type, Data: env.Data}
	switch env.Type {
	case TypePicklistUpdated, TypeItemToggled, TypeItemUpdated, TypeError:
	default:
		return Outbound{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if len(env.Data) > 0 {
		var fields struct {
			ShareID string `json:"shareId"`
			Index   *int   `json:"index"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(env.Data, &fields); err == nil {
			out.ShareToken = fields.ShareID
			out.Index = fields.Index
			out.Message = fields.Message
		}
	}
	return out, nil
}
