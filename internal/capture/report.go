package capture

// Finalize reasons
const (
	ReasonInactivity = "inactivity"
	ReasonMaxActive  = "max_active"
	ReasonForced     = "forced"
	ReasonShutdown   = "shutdown"
	ReasonSplit      = "split"
	ReasonSchedule   = "schedule_end"
)

// Report describes one finalized capture
type Report struct {
	SessionID   string  `json:"session_id"`
	Mode        string  `json:"mode"`
	Reason      string  `json:"reason"`
	Media       string  `json:"media,omitempty"`
	Frames      string  `json:"frames,omitempty"`
	Events      string  `json:"events"`
	StartDevice int64   `json:"start_device_us"`
	StopDevice  int64   `json:"stop_device_us"`
	StartWall   float64 `json:"start_wall"`
	EventCount  int     `json:"event_count"`
	FrameCount  int     `json:"frame_count"`
	Bytes       int64   `json:"bytes"`
	Gap         bool    `json:"gap"`
	Deleted     bool    `json:"deleted"`
	Error       string  `json:"error,omitempty"`
}

// Notifier receives capture reports
type Notifier interface {
	OnCapture(r Report)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(Report)

// OnCapture calls f
func (f NotifierFunc) OnCapture(r Report) { f(r) }

type nopNotifier struct{}

func (nopNotifier) OnCapture(Report) {}
