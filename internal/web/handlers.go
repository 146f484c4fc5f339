package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/RobMeades/watchdog-sub000/internal/debug"
	"github.com/RobMeades/watchdog-sub000/internal/hw/motor"
	"github.com/RobMeades/watchdog-sub000/internal/led"
)

// Leds is the slice of the LED engine the HTTP surface drives.
type Leds interface {
	SetConstant(ch led.Channel, offsetMs, levelPercent, rampMs int) error
	SetBreathe(ch led.Channel, offsetMs, rateMilliHertz, averagePercent, amplitudePercent, rampMs int) error
	SetMorse(ch led.Channel, sequence string, repeat, levelPercent, unitMs, repeatGapMs int) error
	SetWink(ch led.Channel, durationMs int) error
	SetRandomBlink(ratePerMinute, rangeSeconds, durationMs int) error
	ScaleLevel(ch led.Channel, percent, rampMs int) error
	Levels() (left, right int)
}

// Motors is the slice of the motor controller the HTTP surface
// drives. Moves and calibration block for seconds, so the handlers
// run them on a goroutine and refuse overlapping commands.
type Motors interface {
	Move(axis motor.Axis, steps int, allowUncalibrated bool) (int, error)
	MoveToRest(axis motor.Axis) error
	Calibrate(axis motor.Axis) error
	IsCalibrated(axis motor.Axis) bool
	Range(axis motor.Axis) (min, max, now int, err error)
}

// Handlers holds dependencies for the HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Leds        Leds
	Motors      Motors

	motorMu   sync.Mutex
	motorBusy bool
}

// NewHandlers creates handlers with the given dependencies. leds or
// motors may be nil, in which case the corresponding endpoints
// return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, leds Leds, motors Motors) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Leds:        leds,
		Motors:      motors,
	}
}

func parseChannel(s string) (led.Channel, error) {
	switch strings.ToLower(s) {
	case "left":
		return led.Left, nil
	case "right":
		return led.Right, nil
	case "both", "":
		return led.Both, nil
	}
	return 0, led.ErrBadChannel
}

func parseAxis(s string) (motor.Axis, error) {
	switch strings.ToLower(s) {
	case "rotate", "pan":
		return motor.Rotate, nil
	case "vertical", "tilt":
		return motor.Vertical, nil
	}
	return 0, motor.ErrUnknownAxis
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// ledError maps an LED engine error to an HTTP status.
func ledError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, led.ErrBadChannel) || errors.Is(err, led.ErrBadSequence) {
		code = http.StatusBadRequest
	}
	http.Error(w, err.Error(), code)
}

type ledConstantRequest struct {
	Channel      string `json:"channel"`
	OffsetMs     int    `json:"offset_ms"`
	LevelPercent int    `json:"level_percent"`
	RampMs       int    `json:"ramp_ms"`
}

// HandleLedConstant handles POST /api/led/constant.
func (h *Handlers) HandleLedConstant(w http.ResponseWriter, r *http.Request) {
	if h.Leds == nil {
		http.Error(w, "leds not configured", http.StatusServiceUnavailable)
		return
	}
	var req ledConstantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ch, err := parseChannel(req.Channel)
	if err != nil {
		http.Error(w, "channel must be left, right or both", http.StatusBadRequest)
		return
	}
	if err := h.Leds.SetConstant(ch, req.OffsetMs, req.LevelPercent, req.RampMs); err != nil {
		ledError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ledBreatheRequest struct {
	Channel          string `json:"channel"`
	OffsetMs         int    `json:"offset_ms"`
	RateMilliHertz   int    `json:"rate_milli_hertz"`
	AveragePercent   int    `json:"average_percent"`
	AmplitudePercent int    `json:"amplitude_percent"`
	RampMs           int    `json:"ramp_ms"`
}

// HandleLedBreathe handles POST /api/led/breathe.
func (h *Handlers) HandleLedBreathe(w http.ResponseWriter, r *http.Request) {
	if h.Leds == nil {
		http.Error(w, "leds not configured", http.StatusServiceUnavailable)
		return
	}
	var req ledBreatheRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ch, err := parseChannel(req.Channel)
	if err != nil {
		http.Error(w, "channel must be left, right or both", http.StatusBadRequest)
		return
	}
	if err := h.Leds.SetBreathe(ch, req.OffsetMs, req.RateMilliHertz,
		req.AveragePercent, req.AmplitudePercent, req.RampMs); err != nil {
		ledError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ledMorseRequest struct {
	Channel      string `json:"channel"`
	Sequence     string `json:"sequence"`
	Repeat       int    `json:"repeat"`
	LevelPercent int    `json:"level_percent"`
	UnitMs       int    `json:"unit_ms"`
	RepeatGapMs  int    `json:"repeat_gap_ms"`
}

// HandleLedMorse handles POST /api/led/morse.
func (h *Handlers) HandleLedMorse(w http.ResponseWriter, r *http.Request) {
	if h.Leds == nil {
		http.Error(w, "leds not configured", http.StatusServiceUnavailable)
		return
	}
	var req ledMorseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ch, err := parseChannel(req.Channel)
	if err != nil {
		http.Error(w, "channel must be left, right or both", http.StatusBadRequest)
		return
	}
	if err := h.Leds.SetMorse(ch, req.Sequence, req.Repeat, req.LevelPercent,
		req.UnitMs, req.RepeatGapMs); err != nil {
		ledError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ledWinkRequest struct {
	Channel    string `json:"channel"`
	DurationMs int    `json:"duration_ms"`
}

// HandleLedWink handles POST /api/led/wink.
func (h *Handlers) HandleLedWink(w http.ResponseWriter, r *http.Request) {
	if h.Leds == nil {
		http.Error(w, "leds not configured", http.StatusServiceUnavailable)
		return
	}
	var req ledWinkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ch, err := parseChannel(req.Channel)
	if err != nil {
		http.Error(w, "channel must be left, right or both", http.StatusBadRequest)
		return
	}
	if err := h.Leds.SetWink(ch, req.DurationMs); err != nil {
		ledError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ledBlinkRequest struct {
	RatePerMinute int `json:"rate_per_minute"`
	RangeSeconds  int `json:"range_seconds"`
	DurationMs    int `json:"duration_ms"`
}

// HandleLedBlink handles POST /api/led/blink, configuring the
// random-blink overlay. A zero rate switches blinking off.
func (h *Handlers) HandleLedBlink(w http.ResponseWriter, r *http.Request) {
	if h.Leds == nil {
		http.Error(w, "leds not configured", http.StatusServiceUnavailable)
		return
	}
	var req ledBlinkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.Leds.SetRandomBlink(req.RatePerMinute, req.RangeSeconds, req.DurationMs); err != nil {
		ledError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ledScaleRequest struct {
	Channel string `json:"channel"`
	Percent int    `json:"percent"`
	RampMs  int    `json:"ramp_ms"`
}

// HandleLedScale handles POST /api/led/scale.
func (h *Handlers) HandleLedScale(w http.ResponseWriter, r *http.Request) {
	if h.Leds == nil {
		http.Error(w, "leds not configured", http.StatusServiceUnavailable)
		return
	}
	var req ledScaleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ch, err := parseChannel(req.Channel)
	if err != nil {
		http.Error(w, "channel must be left, right or both", http.StatusBadRequest)
		return
	}
	if err := h.Leds.ScaleLevel(ch, req.Percent, req.RampMs); err != nil {
		ledError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// tryStartMotorCommand claims the single motor-command slot.
func (h *Handlers) tryStartMotorCommand() bool {
	h.motorMu.Lock()
	defer h.motorMu.Unlock()
	if h.motorBusy {
		return false
	}
	h.motorBusy = true
	return true
}

func (h *Handlers) finishMotorCommand() {
	h.motorMu.Lock()
	h.motorBusy = false
	h.motorMu.Unlock()
}

// MotorBusy reports whether a motor command is in flight.
func (h *Handlers) MotorBusy() bool {
	h.motorMu.Lock()
	defer h.motorMu.Unlock()
	return h.motorBusy
}

// runMotorCommand runs fn on a goroutine under the in-flight guard,
// answering 202 Accepted, or 409 Conflict if a command is already
// running. The outcome is reported on the status stream.
func (h *Handlers) runMotorCommand(w http.ResponseWriter, what string, fn func() error) {
	if !h.tryStartMotorCommand() {
		http.Error(w, "motor command already in progress", http.StatusConflict)
		return
	}

	go func() {
		defer h.finishMotorCommand()
		if err := fn(); err != nil {
			debug.Error(err)
			h.Broadcaster.Broadcast("error", what+" failed: "+err.Error())
			return
		}
		h.Broadcaster.Broadcast("info", what+" complete")
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

type motorMoveRequest struct {
	Axis              string `json:"axis"`
	Steps             int    `json:"steps"`
	AllowUncalibrated bool   `json:"allow_uncalibrated"`
}

// HandleMotorMove handles POST /api/motor/move.
func (h *Handlers) HandleMotorMove(w http.ResponseWriter, r *http.Request) {
	if h.Motors == nil {
		http.Error(w, "motors not configured", http.StatusServiceUnavailable)
		return
	}
	var req motorMoveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	axis, err := parseAxis(req.Axis)
	if err != nil {
		http.Error(w, "axis must be rotate or vertical", http.StatusBadRequest)
		return
	}
	if req.Steps == 0 {
		http.Error(w, "steps must be non-zero", http.StatusBadRequest)
		return
	}
	h.runMotorCommand(w, "move", func() error {
		taken, err := h.Motors.Move(axis, req.Steps, req.AllowUncalibrated)
		if err != nil {
			return err
		}
		debug.Move(axis.String(), taken)
		return nil
	})
}

type motorAxisRequest struct {
	Axis string `json:"axis"`
}

// HandleMotorRest handles POST /api/motor/rest, sending an axis to
// its rest position.
func (h *Handlers) HandleMotorRest(w http.ResponseWriter, r *http.Request) {
	if h.Motors == nil {
		http.Error(w, "motors not configured", http.StatusServiceUnavailable)
		return
	}
	var req motorAxisRequest
	if !decodeBody(w, r, &req) {
		return
	}
	axis, err := parseAxis(req.Axis)
	if err != nil {
		http.Error(w, "axis must be rotate or vertical", http.StatusBadRequest)
		return
	}
	h.runMotorCommand(w, "rest", func() error {
		return h.Motors.MoveToRest(axis)
	})
}

// HandleMotorCalibrate handles POST /api/motor/calibrate.
func (h *Handlers) HandleMotorCalibrate(w http.ResponseWriter, r *http.Request) {
	if h.Motors == nil {
		http.Error(w, "motors not configured", http.StatusServiceUnavailable)
		return
	}
	var req motorAxisRequest
	if !decodeBody(w, r, &req) {
		return
	}
	axis, err := parseAxis(req.Axis)
	if err != nil {
		http.Error(w, "axis must be rotate or vertical", http.StatusBadRequest)
		return
	}
	h.runMotorCommand(w, "calibrate", func() error {
		return h.Motors.Calibrate(axis)
	})
}

type axisStatus struct {
	Calibrated bool `json:"calibrated"`
	Min        int  `json:"min"`
	Max        int  `json:"max"`
	Now        int  `json:"now"`
}

type ledStatus struct {
	Left  int `json:"left"`
	Right int `json:"right"`
}

type statusResponse struct {
	Leds      *ledStatus            `json:"leds,omitempty"`
	Motors    map[string]axisStatus `json:"motors,omitempty"`
	MotorBusy bool                  `json:"motor_busy"`
}

// HandleStatus handles GET /api/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{MotorBusy: h.MotorBusy()}

	if h.Leds != nil {
		left, right := h.Leds.Levels()
		resp.Leds = &ledStatus{Left: left, Right: right}
	}
	if h.Motors != nil {
		resp.Motors = make(map[string]axisStatus, 2)
		for _, axis := range []motor.Axis{motor.Rotate, motor.Vertical} {
			st := axisStatus{Calibrated: h.Motors.IsCalibrated(axis)}
			if st.Calibrated {
				st.Min, st.Max, st.Now, _ = h.Motors.Range(axis)
			}
			resp.Motors[axis.String()] = st
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
