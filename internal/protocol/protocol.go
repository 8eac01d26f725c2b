// Package protocol defines the tagged JSON messages exchanged between the
// relay and its clients. Both transports (websocket push and HTTP long-poll)
// carry exactly these payload shapes.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/oddslive/relay/internal/game"
)

const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeInitial     = "initial"
	TypeDelta       = "delta"
	TypeBatch       = "batch"
	TypeError       = "error"
)

// Inbound is a message sent by a client. The concrete types are Subscribe,
// Unsubscribe, and InitialRequest; handlers switch over all of them.
type Inbound interface {
	isInbound()
}

type (
	// Subscribe adds game channels to the session's subscription set.
	Subscribe struct {
		GameIDs []string
	}

	// Unsubscribe removes game channels from the session's subscription set.
	Unsubscribe struct {
		GameIDs []string
	}

	// InitialRequest asks for full snapshots of the listed games.
	InitialRequest struct {
		GameIDs []string
	}
)

func (Subscribe) isInbound()      {}
func (Unsubscribe) isInbound()    {}
func (InitialRequest) isInbound() {}

// inboundEnvelope is the raw shape of every client message.
type inboundEnvelope struct {
	Type    string    `json:"type"`
	GameIDs *[]string `json:"gameIds"`
}

// DecodeInbound parses a client message. A request whose gameIds argument is
// missing, not a list of strings, or contains an empty identifier is rejected
// here so malformed requests never reach the registry.
func DecodeInbound(data []byte) (Inbound, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal client message: %w", err)
	}

	switch env.Type {
	case TypeSubscribe:
		ids, err := checkGameIDs(env.GameIDs)
		if err != nil {
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		return Subscribe{GameIDs: ids}, nil

	case TypeUnsubscribe:
		ids, err := checkGameIDs(env.GameIDs)
		if err != nil {
			return nil, fmt.Errorf("unsubscribe: %w", err)
		}
		return Unsubscribe{GameIDs: ids}, nil

	case TypeInitial:
		ids, err := checkGameIDs(env.GameIDs)
		if err != nil {
			return nil, fmt.Errorf("initial: %w", err)
		}
		return InitialRequest{GameIDs: ids}, nil

	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

func checkGameIDs(ids *[]string) ([]string, error) {
	if ids == nil {
		return nil, fmt.Errorf("gameIds must be a list of game identifiers")
	}
	for _, id := range *ids {
		if id == "" {
			return nil, fmt.Errorf("gameIds contains an empty identifier")
		}
	}
	return *ids, nil
}

// Server-to-client envelopes.
type (
	deltaEnvelope struct {
		Type string     `json:"type"`
		Data game.Delta `json:"data"`
	}
	batchEnvelope struct {
		Type   string       `json:"type"`
		Deltas []game.Delta `json:"deltas"`
	}
	initialEnvelope struct {
		Type string          `json:"type"`
		Data []game.Snapshot `json:"data"`
	}
	errorEnvelope struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
)

// EncodeDelta frames a single delta for push delivery.
func EncodeDelta(d game.Delta) ([]byte, error) {
	return json.Marshal(deltaEnvelope{Type: TypeDelta, Data: d})
}

// EncodeBatch frames a poll response. Poll responses are always batched,
// even when empty or carrying a single delta.
func EncodeBatch(deltas []game.Delta) ([]byte, error) {
	if deltas == nil {
		deltas = []game.Delta{}
	}
	return json.Marshal(batchEnvelope{Type: TypeBatch, Deltas: deltas})
}

// EncodeInitial frames a full-state response.
func EncodeInitial(snapshots []game.Snapshot) ([]byte, error) {
	if snapshots == nil {
		snapshots = []game.Snapshot{}
	}
	return json.Marshal(initialEnvelope{Type: TypeInitial, Data: snapshots})
}

// EncodeError frames a request-scoped error for the originating session.
func EncodeError(message string) []byte {
	data, _ := json.Marshal(errorEnvelope{Type: TypeError, Message: message})
	return data
}

// Outbound is a server message as decoded by a client. Exactly one of the
// payload fields is meaningful, selected by Type.
type Outbound struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Deltas  []game.Delta    `json:"deltas"`
	Message string          `json:"message"`
}

// DecodeOutbound parses a server message on the client side.
func DecodeOutbound(data []byte) (Outbound, error) {
	var out Outbound
	if err := json.Unmarshal(data, &out); err != nil {
		return Outbound{}, fmt.Errorf("unmarshal server message: %w", err)
	}
	switch out.Type {
	case TypeInitial, TypeDelta, TypeBatch, TypeError:
		return out, nil
	default:
		return Outbound{}, fmt.Errorf("unknown message type %q", out.Type)
	}
}

// Delta decodes the payload of a delta message.
func (o Outbound) Delta() (game.Delta, error) {
	var d game.Delta
	if err := json.Unmarshal(o.Data, &d); err != nil {
		return game.Delta{}, fmt.Errorf("unmarshal delta payload: %w", err)
	}
	return d, nil
}

// Snapshots decodes the payload of an initial-state message.
func (o Outbound) Snapshots() ([]game.Snapshot, error) {
	var snaps []game.Snapshot
	if err := json.Unmarshal(o.Data, &snaps); err != nil {
		return nil, fmt.Errorf("unmarshal initial payload: %w", err)
	}
	return snaps, nil
}

// EncodeSubscribe frames a subscribe request.
func EncodeSubscribe(gameIDs []string) ([]byte, error) {
	return encodeRequest(TypeSubscribe, gameIDs)
}

// EncodeUnsubscribe frames an unsubscribe request.
func EncodeUnsubscribe(gameIDs []string) ([]byte, error) {
	return encodeRequest(TypeUnsubscribe, gameIDs)
}

// EncodeInitialRequest frames a full-state fetch request.
func EncodeInitialRequest(gameIDs []string) ([]byte, error) {
	return encodeRequest(TypeInitial, gameIDs)
}

func encodeRequest(msgType string, gameIDs []string) ([]byte, error) {
	if gameIDs == nil {
		gameIDs = []string{}
	}
	return json.Marshal(struct {
		Type    string   `json:"type"`
		GameIDs []string `json:"gameIds"`
	}{Type: msgType, GameIDs: gameIDs})
}
