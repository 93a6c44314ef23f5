package gpio

import (
	"encoding/json"
	"fmt"
)

// Control reply texts.
const (
	msgInvalidJSON      = "Invalid JSON request"
	msgInvalidPin       = "Invalid pin number. Must be between 0 and 40."
	msgInvalidDirection = "Invalid direction. Must be 'input' or 'output'."
	msgConfigureFailed  = "Failed to configure GPIO pin"
	msgSetFailed        = "Failed to set GPIO pin value"
	msgReadFailed       = "Failed to read GPIO pin value"
	msgSetNotOutput     = "Failed to set GPIO pin value. Pin may not be configured as output."
	msgReadNotInput     = "Failed to read GPIO pin value. Pin may not be configured as input."
	msgToggleFailed     = "Failed to toggle GPIO pin. Pin may not be configured as output."
)

// ControlRequest is the JSON control message shared by every ingress.
// A negative Value means no value was given.
type ControlRequest struct {
	Pin       int    `json:"pin"`
	Direction string `json:"direction,omitempty"`
	Value     int    `json:"value"`
}

// ControlResponse is the reply to a ControlRequest.
type ControlResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Value   *int   `json:"value,omitempty"`
	Details string `json:"details,omitempty"`
}

// ParseControl decodes a control message. Absent pin and value fields
// decode as -1.
func ParseControl(data []byte) (ControlRequest, error) {
	req := ControlRequest{Pin: -1, Value: -1}
	if err := json.Unmarshal(data, &req); err != nil {
		return ControlRequest{}, err
	}
	return req, nil
}

// HandleJSON decodes one control message, applies it and encodes the reply.
func (m *Manager) HandleJSON(data []byte, owner string) []byte {
	var resp ControlResponse
	req, err := ParseControl(data)
	if err != nil {
		resp = fail(msgInvalidJSON)
	} else {
		resp = m.Control(req, owner)
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"success":false,"error":"GPIO control failed"}`)
	}
	return out
}

// Control applies one request:
//   - with a direction the pin is configured; an output with a value is
//     then driven, an input is read back;
//   - a value alone drives an already-configured output;
//   - neither reads the pin.
func (m *Manager) Control(req ControlRequest, owner string) ControlResponse {
	pin := req.Pin
	if !ValidPin(pin) {
		return fail(msgInvalidPin)
	}

	if req.Direction != "" {
		dir, ok := ParseDirection(req.Direction)
		if !ok {
			return fail(msgInvalidDirection)
		}
		if err := m.Configure(pin, dir, owner); err != nil {
			r := fail(msgConfigureFailed)
			r.Details = err.Error()
			return r
		}
		resp := ControlResponse{Success: true, Message: fmt.Sprintf("GPIO pin %d configured as %s", pin, dir)}
		switch {
		case dir == Output && req.Value >= 0:
			if err := m.Set(pin, req.Value != 0); err != nil {
				resp.Success = false
				resp.Error = msgSetFailed
				return resp
			}
			resp.Message += fmt.Sprintf(" and set to %d", req.Value)
		case dir == Input:
			v, err := m.Get(pin)
			if err != nil {
				resp.Success = false
				resp.Error = msgReadFailed
				return resp
			}
			resp.Value = intPtr(boolToInt(v))
		}
		return resp
	}

	if req.Value >= 0 {
		if err := m.Set(pin, req.Value != 0); err != nil {
			return fail(msgSetNotOutput)
		}
		return ControlResponse{Success: true, Message: fmt.Sprintf("GPIO pin %d set to %d", pin, req.Value)}
	}

	v, err := m.Get(pin)
	if err != nil {
		return fail(msgReadNotInput)
	}
	return ControlResponse{
		Success: true,
		Value:   intPtr(boolToInt(v)),
		Message: fmt.Sprintf("GPIO pin %d value read successfully", pin),
	}
}

// ToggleControl inverts an output pin and reports it like a value-only
// Control request.
func (m *Manager) ToggleControl(pin int) ControlResponse {
	if !ValidPin(pin) {
		return fail(msgInvalidPin)
	}
	v, err := m.Toggle(pin)
	if err != nil {
		r := fail(msgToggleFailed)
		r.Details = err.Error()
		return r
	}
	return ControlResponse{Success: true, Message: fmt.Sprintf("GPIO pin %d set to %d", pin, boolToInt(v))}
}

func fail(msg string) ControlResponse {
	return ControlResponse{Success: false, Error: msg}
}

func intPtr(v int) *int { return &v }
