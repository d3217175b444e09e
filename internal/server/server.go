// Package server exposes the supervisor over HTTP on a unix socket. Routes
// and payload shapes follow the halpid client protocol.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hatlabs/halpid/internal/bus"
	"github.com/hatlabs/halpid/internal/config"
	"github.com/hatlabs/halpid/internal/daemon"
	"github.com/hatlabs/halpid/internal/protocol"
)

// Firmware images for this controller are well under 2 MiB; anything bigger
// is a wrong file.
const maxFirmwareSize = 8 << 20

// Handler serves the supervisor API.
type Handler struct {
	sched *daemon.Scheduler
}

// New builds the HTTP handler for a running scheduler.
func New(sched *daemon.Scheduler) http.Handler {
	h := &Handler{sched: sched}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", h.getRoot)
	r.Get("/version", h.getVersion)
	r.Get("/status", h.getStatus)
	r.Post("/shutdown", h.postShutdown)
	r.Post("/standby", h.postStandby)
	r.Get("/values", h.getValues)
	r.Get("/values/{key}", h.getValuesKey)
	r.Get("/config", h.getConfig)
	r.Get("/config/{key}", h.getConfigKey)
	r.Put("/config/{key}", h.putConfigKey)
	r.Get("/usb", h.getUSBPorts)
	r.Get("/usb/{port}", h.getUSBPort)
	r.Put("/usb", h.putUSBPorts)
	r.Put("/usb/{port}", h.putUSBPort)
	r.Post("/flash", h.postFlash)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the supervisor error taxonomy onto HTTP status codes:
// rejected input is 400, unknown keys 404, commands refused because of an
// in-progress power-down 409, bus trouble 502.
func writeError(w http.ResponseWriter, err error) {
	var (
		ve  *daemon.ValidationError
		cve *config.ValidationError
		pe  *protocol.ProtocolError
		sv  *daemon.ScheduleViolationError
		uk  *config.ErrUnknownKey
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &ve), errors.As(err, &cve), errors.As(err, &pe):
		status = http.StatusBadRequest
	case errors.As(err, &uk):
		status = http.StatusNotFound
	case errors.As(err, &sv):
		status = http.StatusConflict
	case bus.IsTransport(err):
		status = http.StatusBadGateway
	}
	http.Error(w, err.Error(), status)
}

func (h *Handler) getRoot(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, "This is halpid!\n")
}

func (h *Handler) getVersion(w http.ResponseWriter, r *http.Request) {
	st := h.sched.Status()
	writeJSON(w, http.StatusOK, map[string]string{
		"hardware_version": st.HardwareVersion,
		"firmware_version": st.FirmwareVersion,
		"daemon_version":   st.DaemonVersion,
	})
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Status())
}

// values assembles the measurement map from the cached snapshot. Serving
// status never blocks on the bus.
func (h *Handler) values() (map[string]any, error) {
	st := h.sched.Status()
	if st.Snapshot == nil {
		return nil, fmt.Errorf("no snapshot available yet")
	}
	s := st.Snapshot
	return map[string]any{
		"V_in":              s.DCInVoltage,
		"V_supercap":        s.SupercapVoltage,
		"I_in":              s.InputCurrent,
		"T_mcu":             s.Temperature,
		"state":             s.State.String(),
		"power_state":       st.PowerState,
		"5v_output_enabled": s.Output5V,
		"usb_port_state":    int(s.USBPortState),
		"watchdog_enabled":  s.WatchdogTimeout != 0,
		"watchdog_timeout":  s.WatchdogTimeout.Seconds(),
		"watchdog_elapsed":  s.WatchdogElapsed.Seconds(),
		"hardware_version":  st.HardwareVersion,
		"firmware_version":  st.FirmwareVersion,
		"daemon_version":    st.DaemonVersion,
	}, nil
}

func (h *Handler) getValues(w http.ResponseWriter, r *http.Request) {
	vals, err := h.values()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, vals)
}

func (h *Handler) getValuesKey(w http.ResponseWriter, r *http.Request) {
	vals, err := h.values()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	v, ok := vals[chi.URLParam(r, "key")]
	if !ok {
		http.Error(w, "unknown value key", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) postShutdown(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.Shutdown(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type standbyRequest struct {
	// Datetime is an absolute RFC 3339 wake time. Delay is seconds from
	// now. Exactly one must be given.
	Datetime string `json:"datetime,omitempty"`
	Delay    *int   `json:"delay,omitempty"`
}

func (h *Handler) postStandby(w http.ResponseWriter, r *http.Request) {
	var req standbyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	switch {
	case req.Datetime != "":
		wake, err := time.Parse(time.RFC3339, req.Datetime)
		if err != nil {
			http.Error(w, "datetime must be RFC 3339", http.StatusBadRequest)
			return
		}
		if err := h.sched.Standby(r.Context(), wake); err != nil {
			writeError(w, err)
			return
		}
	case req.Delay != nil:
		if err := h.sched.StandbyIn(r.Context(), time.Duration(*req.Delay)*time.Second); err != nil {
			writeError(w, err)
			return
		}
	default:
		http.Error(w, "either datetime or delay is required", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	m, err := h.sched.ConfigMap(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) getConfigKey(w http.ResponseWriter, r *http.Request) {
	v, err := h.sched.ConfigValue(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) putConfigKey(w http.ResponseWriter, r *http.Request) {
	var value any
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := h.sched.SetConfigValue(r.Context(), chi.URLParam(r, "key"), value); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getUSBPorts(w http.ResponseWriter, r *http.Request) {
	state, err := h.sched.USBPortStates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	ports := map[string]bool{}
	for i := 0; i < 4; i++ {
		ports[fmt.Sprintf("usb%d", i)] = state&(1<<i) != 0
	}
	writeJSON(w, http.StatusOK, ports)
}

func parsePort(r *http.Request) (int, error) {
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil || port < 0 || port > 3 {
		return 0, fmt.Errorf("port must be 0-3")
	}
	return port, nil
}

func (h *Handler) getUSBPort(w http.ResponseWriter, r *http.Request) {
	port, err := parsePort(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	state, err := h.sched.USBPortStates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state&(1<<port) != 0)
}

func (h *Handler) putUSBPorts(w http.ResponseWriter, r *http.Request) {
	var ports map[string]bool
	if err := json.NewDecoder(r.Body).Decode(&ports); err != nil {
		http.Error(w, "expected a JSON object of usbN keys", http.StatusBadRequest)
		return
	}

	state, err := h.sched.USBPortStates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	for i := 0; i < 4; i++ {
		if on, ok := ports[fmt.Sprintf("usb%d", i)]; ok {
			if on {
				state |= 1 << i
			} else {
				state &^= 1 << i
			}
		}
	}
	if err := h.sched.SetUSBPortStates(r.Context(), state); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) putUSBPort(w http.ResponseWriter, r *http.Request) {
	port, err := parsePort(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var on bool
	if err := json.NewDecoder(r.Body).Decode(&on); err != nil {
		http.Error(w, "value must be a boolean", http.StatusBadRequest)
		return
	}
	if err := h.sched.SetUSBPort(r.Context(), port, on); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// postFlash accepts the firmware image either as a multipart form with a
// "firmware" field or as the raw request body.
func (h *Handler) postFlash(w http.ResponseWriter, r *http.Request) {
	var image []byte
	if err := r.ParseMultipartForm(maxFirmwareSize); err == nil {
		file, _, ferr := r.FormFile("firmware")
		if ferr != nil {
			http.Error(w, "no firmware data provided", http.StatusBadRequest)
			return
		}
		defer file.Close()
		image, err = io.ReadAll(io.LimitReader(file, maxFirmwareSize))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		var rerr error
		image, rerr = io.ReadAll(io.LimitReader(r.Body, maxFirmwareSize))
		if rerr != nil {
			http.Error(w, rerr.Error(), http.StatusBadRequest)
			return
		}
	}
	if len(image) == 0 {
		http.Error(w, "firmware data is empty", http.StatusBadRequest)
		return
	}

	if err := h.sched.Flash(r.Context(), image); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
