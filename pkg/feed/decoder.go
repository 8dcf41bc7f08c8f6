package feed

import (
	"bytes"
	"encoding/json"

	"github.com/gregtusar/koboldx/pkg/models"
)

type fieldRule struct {
	name     string
	nullable bool
}

// required lists the fields each message type must carry. Only presence is
// checked here; primitive types are enforced by the typed unmarshal.
var required = map[MessageType][]fieldRule{
	TypeSelection:     {{name: "stock"}, {name: "optionKey", nullable: true}, {name: "intervals"}},
	TypeChartSnapshot: {{name: "symbol"}, {name: "bundles"}},
	TypeChartUpdate:   {{name: "key"}, {name: "bar"}},
	TypeChartHistory:  {{name: "key"}, {name: "data"}},
	TypeChainSlice:    {{name: "underlying"}, {name: "atm"}, {name: "rows"}, {name: "spot_price"}, {name: "last_updated"}},
	TypeOrderUpdate:   {{name: "order"}},
	TypeAccount:       {{name: "margin"}},
}

var null = []byte("null")

// Decode validates a raw frame and returns its typed message. Every failure
// is a *models.DecodeError; unknown types additionally match
// models.ErrUnknownType.
func Decode(frame []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return nil, &models.DecodeError{Reason: "malformed json", Err: err}
	}

	var typ string
	raw, ok := fields["type"]
	if !ok {
		return nil, &models.DecodeError{Reason: "missing type"}
	}
	if err := json.Unmarshal(raw, &typ); err != nil || typ == "" {
		return nil, &models.DecodeError{Reason: "type is not a non-empty string", Err: err}
	}

	rules, known := required[MessageType(typ)]
	if !known {
		return nil, &models.DecodeError{Type: typ, Reason: "unrecognised", Err: models.ErrUnknownType}
	}
	for _, rule := range rules {
		v, ok := fields[rule.name]
		if !ok {
			return nil, &models.DecodeError{Type: typ, Reason: "missing field " + rule.name}
		}
		if !rule.nullable && bytes.Equal(bytes.TrimSpace(v), null) {
			return nil, &models.DecodeError{Type: typ, Reason: "null field " + rule.name}
		}
	}

	msg, err := decodeBody(MessageType(typ), frame)
	if err != nil {
		return nil, &models.DecodeError{Type: typ, Reason: "mistyped field", Err: err}
	}
	return msg, nil
}

func decodeBody(t MessageType, frame []byte) (Message, error) {
	switch t {
	case TypeSelection:
		return unmarshalAs[SelectionMessage](frame)
	case TypeChartSnapshot:
		return unmarshalAs[ChartSnapshotMessage](frame)
	case TypeChartUpdate:
		return unmarshalAs[ChartUpdateMessage](frame)
	case TypeChartHistory:
		return unmarshalAs[ChartHistoryMessage](frame)
	case TypeChainSlice:
		return unmarshalAs[ChainSliceMessage](frame)
	case TypeOrderUpdate:
		return unmarshalAs[OrderUpdateMessage](frame)
	case TypeAccount:
		return unmarshalAs[AccountMessage](frame)
	}
	return nil, models.ErrUnknownType
}

func unmarshalAs[T Message](frame []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, err
	}
	return m, nil
}
