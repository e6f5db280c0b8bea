package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-cmdbridge/internal/device"
)

// setStateRequest is the body of PUT /devices/{name}/state.
//
// Either On is given, or Value in the device type's vocabulary
// ("secured", "closed", 100, ...).
type setStateRequest struct {
	On    *bool `json:"on"`
	Value any   `json:"value"`
}

var errNoTarget = errors.New("on or value is required")

// target resolves the requested state for a device of type t.
func (req setStateRequest) target(t device.Type) (bool, error) {
	switch {
	case req.On != nil:
		return *req.On, nil
	case req.Value != nil:
		return t.ParseValue(req.Value)
	default:
		return false, errNoTarget
	}
}

// stateResponse is returned by the state endpoints.
type stateResponse struct {
	Device string         `json:"device"`
	Type   device.Type    `json:"type"`
	On     bool           `json:"on"`
	State  map[string]any `json:"state"`
}

// handleListDevices returns all registered devices.
//
// Query parameters:
//   - type: only devices of this type (Switch, Lock, ...)
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.List(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list devices")
		return
	}

	if typ := r.URL.Query().Get("type"); typ != "" {
		want, err := device.ParseType(typ)
		if err != nil {
			writeBadRequest(w, "unknown device type")
			return
		}
		filtered := devices[:0]
		for _, d := range devices {
			if d.Type == want {
				filtered = append(filtered, d)
			}
		}
		devices = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by name.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	info, err := s.devices.Get(r.Context(), name)
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleGetDeviceState returns the cached state, or with ?refresh=true
// runs the device's state command first and caches its result. Devices
// without a state command always answer from the cache.
func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")) //nolint:errcheck // anything unparsable means false
	if refresh {
		if _, err := s.devices.RefreshState(ctx, name); err != nil {
			s.writeDeviceError(w, err)
			return
		}
	}

	info, err := s.devices.Get(ctx, name)
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{
		Device: name,
		Type:   info.Type,
		On:     info.On,
		State:  stateMap(info.State),
	})
}

// handleSetDeviceState drives a device on or off.
//
// The response is sent once the set resolves: when the command
// finishes or, for slow commands, optimistically after the set timeout.
func (s *Server) handleSetDeviceState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	var req setStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	info, err := s.devices.Get(ctx, name)
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}

	on, err := req.target(info.Type)
	switch {
	case errors.Is(err, errNoTarget):
		writeBadRequest(w, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	if err := s.devices.SetState(ctx, name, on); err != nil {
		s.writeDeviceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, stateResponse{
		Device: name,
		Type:   info.Type,
		On:     on,
		State:  stateMap(info.Type.Values(on)),
	})
}

// writeDeviceError maps engine errors to HTTP responses.
func (s *Server) writeDeviceError(w http.ResponseWriter, err error) {
	status, code, msg := classifyDeviceError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("device operation failed", "error", err)
	}
	writeError(w, status, code, msg)
}

// classifyDeviceError returns the HTTP status, error code and client
// message for an engine error.
func classifyDeviceError(err error) (status int, code, msg string) {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound), errors.Is(err, device.ErrDeviceRemoved):
		return http.StatusNotFound, ErrCodeNotFound, "device not found"
	case errors.Is(err, device.ErrNoCommandConfigured):
		return http.StatusConflict, ErrCodeConflict, err.Error()
	case errors.Is(err, device.ErrCommandFailed):
		return http.StatusBadGateway, ErrCodeCommandFailed, err.Error()
	case errors.Is(err, device.ErrInvalidValue):
		return http.StatusBadRequest, ErrCodeValidation, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrCodeTimeout, "request cancelled"
	default:
		return http.StatusInternalServerError, ErrCodeInternal, "device operation failed"
	}
}

func stateMap(values map[device.Property]any) map[string]any {
	out := make(map[string]any, len(values))
	for p, v := range values {
		out[string(p)] = v
	}
	return out
}
