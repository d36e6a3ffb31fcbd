package channel

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ruteri/device-agent/interfaces"
)

// Command names carried in the "command" field.
const (
	CommandOTA          = "ota"
	CommandRestart      = "restart"
	CommandFactoryReset = "factory_reset"
)

// Command is a decoded control message. The set of implementations is closed.
type Command interface {
	Name() string
	isCommand()
}

// OTACommand asks for a firmware update from URL whose image must have CRC-32 CRC.
type OTACommand struct {
	URL string
	CRC uint32
}

type RestartCommand struct{}

type FactoryResetCommand struct{}

// UnknownCommand carries the name of a command this agent does not implement.
type UnknownCommand struct {
	Command string
}

func (OTACommand) Name() string          { return CommandOTA }
func (RestartCommand) Name() string      { return CommandRestart }
func (FactoryResetCommand) Name() string { return CommandFactoryReset }
func (c UnknownCommand) Name() string    { return c.Command }

func (OTACommand) isCommand()          {}
func (RestartCommand) isCommand()      {}
func (FactoryResetCommand) isCommand() {}
func (UnknownCommand) isCommand()      {}

// DecodeCommand parses a command message:
//
//	{"command": "ota", "fw_url": "https://...", "fw_crc": 3421780262}
//	{"command": "restart"}
//	{"command": "factory_reset"}
//
// fw_crc must be a JSON integer in [0, 2^32-1]. Errors are DataError or MissingFieldError.
func DecodeCommand(payload []byte) (Command, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, &interfaces.DataError{Reason: "command is not a JSON object", Err: err}
	}

	name, err := stringField(fields, "command")
	if err != nil {
		return nil, err
	}

	switch name {
	case CommandOTA:
		url, err := stringField(fields, "fw_url")
		if err != nil {
			return nil, err
		}
		crc, err := crcField(fields, "fw_crc")
		if err != nil {
			return nil, err
		}
		return OTACommand{URL: url, CRC: crc}, nil
	case CommandRestart:
		return RestartCommand{}, nil
	case CommandFactoryReset:
		return FactoryResetCommand{}, nil
	default:
		return UnknownCommand{Command: name}, nil
	}
}

// stringField returns a required non-empty string field.
func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok || string(raw) == "null" {
		return "", &interfaces.MissingFieldError{Field: name}
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", &interfaces.DataError{Reason: fmt.Sprintf("field %q must be a string", name), Err: err}
	}
	if value == "" {
		return "", &interfaces.MissingFieldError{Field: name}
	}
	return value, nil
}

// crcField parses a required unsigned 32-bit integer. Fractions, exponents,
// negative numbers and quoted values are rejected.
func crcField(fields map[string]json.RawMessage, name string) (uint32, error) {
	raw, ok := fields[name]
	if !ok || string(raw) == "null" {
		return 0, &interfaces.MissingFieldError{Field: name}
	}
	value, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return 0, &interfaces.DataError{Reason: fmt.Sprintf("field %q must be an integer in [0, 4294967295]", name), Err: err}
	}
	return uint32(value), nil
}

type commandMessage struct {
	Command string  `json:"command"`
	URL     string  `json:"fw_url,omitempty"`
	CRC     *uint32 `json:"fw_crc,omitempty"`
}

// EncodeCommand produces the message DecodeCommand accepts for cmd.
func EncodeCommand(cmd Command) ([]byte, error) {
	msg := commandMessage{Command: cmd.Name()}
	if ota, ok := cmd.(OTACommand); ok {
		if ota.URL == "" {
			return nil, &interfaces.MissingFieldError{Field: "fw_url"}
		}
		crc := ota.CRC
		msg.URL = ota.URL
		msg.CRC = &crc
	}
	if msg.Command == "" {
		return nil, &interfaces.MissingFieldError{Field: "command"}
	}
	return json.Marshal(msg)
}
