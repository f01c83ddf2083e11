package models

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var ErrInvalidMessage = errors.New("invalid message")

type MessageType string

const (
	MsgSetTabProxy           MessageType = "setTabProxy"
	MsgClearTabProxy         MessageType = "clearTabProxy"
	MsgTabUpdated            MessageType = "tabUpdated"
	MsgTabActivated          MessageType = "tabActivated"
	MsgTabRemoved            MessageType = "tabRemoved"
	MsgMonitorTabNetwork     MessageType = "monitorTabNetwork"
	MsgUnmonitorTabNetwork   MessageType = "unmonitorTabNetwork"
	MsgIsTabNetworkMonitored MessageType = "isTabNetworkMonitored"
	MsgGetNetworkStats       MessageType = "getNetworkStats"
	MsgClearNetworkStats     MessageType = "clearNetworkStats"
	MsgDevtoolsNetworkData   MessageType = "devtoolsNetworkData"
)

// Message is a host event or UI command. Concrete types are listed below;
// ParseMessage is the only way raw payloads become Messages.
type Message interface {
	Kind() MessageType
}

type SetTabProxy struct {
	TabID   int
	ProxyID string
}

type ClearTabProxy struct{ TabID int }

type TabUpdated struct {
	TabID     int
	URL       string
	Discarded bool
}

type TabActivated struct{ TabID int }

type TabRemoved struct{ TabID int }

type MonitorTabNetwork struct{ TabID int }

type UnmonitorTabNetwork struct{ TabID int }

type IsTabNetworkMonitored struct{ TabID int }

type GetNetworkStats struct{}

type ClearNetworkStats struct{}

type DevtoolsNetworkData struct {
	TabID    int
	URL      string
	Sent     int64
	Received int64
}

func (SetTabProxy) Kind() MessageType           { return MsgSetTabProxy }
func (ClearTabProxy) Kind() MessageType         { return MsgClearTabProxy }
func (TabUpdated) Kind() MessageType            { return MsgTabUpdated }
func (TabActivated) Kind() MessageType          { return MsgTabActivated }
func (TabRemoved) Kind() MessageType            { return MsgTabRemoved }
func (MonitorTabNetwork) Kind() MessageType     { return MsgMonitorTabNetwork }
func (UnmonitorTabNetwork) Kind() MessageType   { return MsgUnmonitorTabNetwork }
func (IsTabNetworkMonitored) Kind() MessageType { return MsgIsTabNetworkMonitored }
func (GetNetworkStats) Kind() MessageType       { return MsgGetNetworkStats }
func (ClearNetworkStats) Kind() MessageType     { return MsgClearNetworkStats }
func (DevtoolsNetworkData) Kind() MessageType   { return MsgDevtoolsNetworkData }

// ParseMessage validates a JSON payload discriminated by its "type" field
// and returns the matching concrete Message. Shape errors wrap
// ErrInvalidMessage.
func ParseMessage(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidMessage)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: payload must be an object", ErrInvalidMessage)
	}
	kind := root.Get("type")
	if kind.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing string field \"type\"", ErrInvalidMessage)
	}

	switch MessageType(kind.String()) {
	case MsgSetTabProxy:
		tabID, err := tabIDField(root)
		if err != nil {
			return nil, err
		}
		proxyID, err := stringField(root, "proxyId", true)
		if err != nil {
			return nil, err
		}
		return SetTabProxy{TabID: tabID, ProxyID: proxyID}, nil
	case MsgClearTabProxy:
		tabID, err := tabIDField(root)
		return ClearTabProxy{TabID: tabID}, err
	case MsgTabUpdated:
		tabID, err := tabIDField(root)
		if err != nil {
			return nil, err
		}
		url, err := stringField(root, "url", false)
		if err != nil {
			return nil, err
		}
		discarded := root.Get("discarded")
		if discarded.Exists() && !discarded.IsBool() {
			return nil, fmt.Errorf("%w: \"discarded\" must be a boolean", ErrInvalidMessage)
		}
		return TabUpdated{TabID: tabID, URL: url, Discarded: discarded.Bool()}, nil
	case MsgTabActivated:
		tabID, err := tabIDField(root)
		return TabActivated{TabID: tabID}, err
	case MsgTabRemoved:
		tabID, err := tabIDField(root)
		return TabRemoved{TabID: tabID}, err
	case MsgMonitorTabNetwork:
		tabID, err := tabIDField(root)
		return MonitorTabNetwork{TabID: tabID}, err
	case MsgUnmonitorTabNetwork:
		tabID, err := tabIDField(root)
		return UnmonitorTabNetwork{TabID: tabID}, err
	case MsgIsTabNetworkMonitored:
		tabID, err := tabIDField(root)
		return IsTabNetworkMonitored{TabID: tabID}, err
	case MsgGetNetworkStats:
		return GetNetworkStats{}, nil
	case MsgClearNetworkStats:
		return ClearNetworkStats{}, nil
	case MsgDevtoolsNetworkData:
		url, err := stringField(root, "url", true)
		if err != nil {
			return nil, err
		}
		sent, err := byteCountField(root, "sent")
		if err != nil {
			return nil, err
		}
		received, err := byteCountField(root, "received")
		if err != nil {
			return nil, err
		}
		msg := DevtoolsNetworkData{URL: url, Sent: sent, Received: received, TabID: -1}
		if root.Get("tabId").Exists() {
			if msg.TabID, err = tabIDField(root); err != nil {
				return nil, err
			}
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, kind.String())
	}
}

func tabIDField(root gjson.Result) (int, error) {
	v := root.Get("tabId")
	if v.Type != gjson.Number || v.Num != float64(int(v.Num)) || v.Num < 0 {
		return 0, fmt.Errorf("%w: \"tabId\" must be a non-negative integer", ErrInvalidMessage)
	}
	return int(v.Int()), nil
}

func stringField(root gjson.Result, name string, required bool) (string, error) {
	v := root.Get(name)
	if !v.Exists() || v.Type == gjson.Null {
		if required {
			return "", fmt.Errorf("%w: missing field %q", ErrInvalidMessage, name)
		}
		return "", nil
	}
	if v.Type != gjson.String {
		return "", fmt.Errorf("%w: %q must be a string", ErrInvalidMessage, name)
	}
	if required && v.String() == "" {
		return "", fmt.Errorf("%w: %q must not be empty", ErrInvalidMessage, name)
	}
	return v.String(), nil
}

func byteCountField(root gjson.Result, name string) (int64, error) {
	v := root.Get(name)
	if !v.Exists() {
		return 0, nil
	}
	if v.Type != gjson.Number || v.Num < 0 {
		return 0, fmt.Errorf("%w: %q must be a non-negative number", ErrInvalidMessage, name)
	}
	return v.Int(), nil
}
