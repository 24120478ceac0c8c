package proto

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
)

// AddressType is the variant tag of an Address.
type AddressType string

const (
	InProcessAddressType       AddressType = "InProcessAddress"
	BrowserAddressType         AddressType = "BrowserAddress"
	ChannelAddressType         AddressType = "ChannelAddress"
	WebSocketAddressType       AddressType = "WebSocketAddress"
	WebSocketClientAddressType AddressType = "WebSocketClientAddress"
	MqttAddressType            AddressType = "MqttAddress"
)

// AddressTypes lists every supported variant.
var AddressTypes = []AddressType{
	InProcessAddressType,
	BrowserAddressType,
	ChannelAddressType,
	WebSocketAddressType,
	WebSocketClientAddressType,
	MqttAddressType,
}

// Address identifies a destination endpoint. The set of implementations is
// closed; every variant is a comparable value type, so addresses can be used
// directly as map keys and compare structurally.
type Address interface {
	Type() AddressType
	String() string
	isAddress()
}

// InProcessAddress names an endpoint living in this process.
type InProcessAddress struct {
	Name string `json:"name" validate:"required"`
}

// BrowserAddress targets a browser frame by window id.
type BrowserAddress struct {
	WindowID string `json:"windowId" validate:"required"`
}

// ChannelAddress targets a channel on an HTTP long-poll bounce proxy.
type ChannelAddress struct {
	MessagingEndpointURL string `json:"messagingEndpointUrl" validate:"required,url,startswith=http"`
	ChannelID            string `json:"channelId" validate:"required,excludesall=/?#"`
}

// WebSocketAddress targets a WebSocket server endpoint.
type WebSocketAddress struct {
	Protocol string `json:"protocol" validate:"required,oneof=ws wss"`
	Host     string `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port     int    `json:"port" validate:"required,min=1,max=65535"`
	Path     string `json:"path,omitempty" validate:"omitempty,startswith=/"`
}

// WebSocketClientAddress targets a client connected to our WebSocket server.
type WebSocketClientAddress struct {
	ID string `json:"id" validate:"required"`
}

// MqttAddress targets a topic on an MQTT broker.
type MqttAddress struct {
	BrokerURI string `json:"brokerUri" validate:"required,uri"`
	Topic     string `json:"topic" validate:"required,excludesall=+#"`
}

func (InProcessAddress) Type() AddressType       { return InProcessAddressType }
func (BrowserAddress) Type() AddressType         { return BrowserAddressType }
func (ChannelAddress) Type() AddressType         { return ChannelAddressType }
func (WebSocketAddress) Type() AddressType       { return WebSocketAddressType }
func (WebSocketClientAddress) Type() AddressType { return WebSocketClientAddressType }
func (MqttAddress) Type() AddressType            { return MqttAddressType }

func (InProcessAddress) isAddress()       {}
func (BrowserAddress) isAddress()         {}
func (ChannelAddress) isAddress()         {}
func (WebSocketAddress) isAddress()       {}
func (WebSocketClientAddress) isAddress() {}
func (MqttAddress) isAddress()            {}

func (a InProcessAddress) String() string { return "inprocess:" + a.Name }
func (a BrowserAddress) String() string   { return "browser:" + a.WindowID }
func (a ChannelAddress) String() string {
	return "channel:" + a.MessagingEndpointURL + "#" + a.ChannelID
}
func (a WebSocketAddress) String() string       { return a.URL() }
func (a WebSocketClientAddress) String() string { return "wsclient:" + a.ID }
func (a MqttAddress) String() string            { return "mqtt:" + a.BrokerURI + "/" + a.Topic }

// URL returns the dialable ws:// or wss:// URL.
func (a WebSocketAddress) URL() string {
	return a.Protocol + "://" + a.Host + ":" + strconv.Itoa(a.Port) + a.Path
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func addressValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// ValidateAddress checks that every transport-mandatory field of a is present
// and well formed.
func ValidateAddress(a Address) error {
	if a == nil {
		return InvalidAddress("validate", "address is nil")
	}
	if err := addressValidator().Struct(a); err != nil {
		return InvalidAddress("validate", "%s: %w", a.Type(), err)
	}
	return nil
}

func NewInProcessAddress(name string) (InProcessAddress, error) {
	a := InProcessAddress{Name: name}
	return a, ValidateAddress(a)
}

func NewBrowserAddress(windowID string) (BrowserAddress, error) {
	a := BrowserAddress{WindowID: windowID}
	return a, ValidateAddress(a)
}

func NewChannelAddress(endpointURL, channelID string) (ChannelAddress, error) {
	a := ChannelAddress{MessagingEndpointURL: endpointURL, ChannelID: channelID}
	return a, ValidateAddress(a)
}

func NewWebSocketAddress(protocol, host string, port int, path string) (WebSocketAddress, error) {
	a := WebSocketAddress{Protocol: protocol, Host: host, Port: port, Path: path}
	return a, ValidateAddress(a)
}

func NewWebSocketClientAddress(id string) (WebSocketClientAddress, error) {
	a := WebSocketClientAddress{ID: id}
	return a, ValidateAddress(a)
}

func NewMqttAddress(brokerURI, topic string) (MqttAddress, error) {
	a := MqttAddress{BrokerURI: brokerURI, Topic: topic}
	return a, ValidateAddress(a)
}

const typeNameField = "_typeName"

// MarshalAddress encodes a with its variant tag under "_typeName".
func MarshalAddress(a Address) ([]byte, error) {
	if a == nil {
		return nil, InvalidAddress("marshal", "address is nil")
	}
	body, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(a.Type())
	fields[typeNameField] = tag
	return json.Marshal(fields)
}

// UnmarshalAddress decodes and validates an address produced by
// MarshalAddress.
func UnmarshalAddress(data []byte) (Address, error) {
	var head struct {
		TypeName AddressType `json:"_typeName"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, InvalidAddress("unmarshal", "%w", err)
	}

	var a Address
	var err error
	switch head.TypeName {
	case InProcessAddressType:
		a, err = decodeAs[InProcessAddress](data)
	case BrowserAddressType:
		a, err = decodeAs[BrowserAddress](data)
	case ChannelAddressType:
		a, err = decodeAs[ChannelAddress](data)
	case WebSocketAddressType:
		a, err = decodeAs[WebSocketAddress](data)
	case WebSocketClientAddressType:
		a, err = decodeAs[WebSocketClientAddress](data)
	case MqttAddressType:
		a, err = decodeAs[MqttAddress](data)
	case "":
		return nil, InvalidAddress("unmarshal", "missing %s", typeNameField)
	default:
		return nil, UnknownAddressType("unmarshal", head.TypeName)
	}
	if err != nil {
		return nil, InvalidAddress("unmarshal", "%s: %w", head.TypeName, err)
	}
	if err := ValidateAddress(a); err != nil {
		return nil, err
	}
	return a, nil
}

func decodeAs[T Address](data []byte) (Address, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// MustAddress panics if err is not nil. Intended for tests and static wiring.
func MustAddress[T Address](a T, err error) T {
	if err != nil {
		panic(fmt.Sprintf("proto: %v", err))
	}
	return a
}
