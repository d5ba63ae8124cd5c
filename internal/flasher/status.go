package flasher

import "sync"

// JobPhase identifies one step of the flashing sequence.
type JobPhase int

const (
	PhaseDetectBoard JobPhase = iota
	PhaseBootToISPMode
	PhaseGreeting
	PhaseInstallFlashBootloader
	PhaseFlashGreeting
	PhaseChangeBaudRate
	PhaseInitializeFlash
	PhaseFlashFirmware
	PhaseReboot
)

// Phases lists every phase in execution order.
func Phases() []JobPhase {
	return []JobPhase{
		PhaseDetectBoard,
		PhaseBootToISPMode,
		PhaseGreeting,
		PhaseInstallFlashBootloader,
		PhaseFlashGreeting,
		PhaseChangeBaudRate,
		PhaseInitializeFlash,
		PhaseFlashFirmware,
		PhaseReboot,
	}
}

// String returns the phase name.
func (p JobPhase) String() string {
	switch p {
	case PhaseDetectBoard:
		return "DetectBoard"
	case PhaseBootToISPMode:
		return "BootToISPMode"
	case PhaseGreeting:
		return "Greeting"
	case PhaseInstallFlashBootloader:
		return "InstallFlashBootloader"
	case PhaseFlashGreeting:
		return "FlashGreeting"
	case PhaseChangeBaudRate:
		return "ChangeBaudRate"
	case PhaseInitializeFlash:
		return "InitializeFlash"
	case PhaseFlashFirmware:
		return "FlashFirmware"
	case PhaseReboot:
		return "Reboot"
	default:
		return "unknown"
	}
}

// RunningState is the lifecycle state of a phase.
type RunningState int

const (
	StateNotStarted RunningState = iota
	StateRunning
	StateFinished
	StateError
)

// String returns the state name.
func (s RunningState) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateRunning:
		return "Running"
	case StateFinished:
		return "Finished"
	case StateError:
		return "Error"
	default:
		return "unknown"
	}
}

// JobStatus is the observable state of one phase. Progress is in [0, 1];
// it is 0 when the phase enters Running and 1 whenever it Finished.
type JobStatus struct {
	State    RunningState
	Progress float64
}

// Event describes one status-board change delivered to subscribers.
// CurrentJobChanged fires before any progress update for that phase.
type Event struct {
	Phase             JobPhase
	Status            JobStatus
	CurrentJobChanged bool
}

// StatusBoard is the observable JobPhase -> JobStatus mapping. Only the
// engine mutates it; subscribers receive change events, optionally
// marshalled onto a caller-chosen context via PostToUI.
type StatusBoard struct {
	mu       sync.Mutex
	status   map[JobPhase]JobStatus
	current  JobPhase
	started  bool
	notify   []func(Event)
	postToUI func(func())
}

// NewStatusBoard returns a board with every phase NotStarted.
func NewStatusBoard() *StatusBoard {
	status := make(map[JobPhase]JobStatus, len(Phases()))
	for _, p := range Phases() {
		status[p] = JobStatus{}
	}
	return &StatusBoard{status: status}
}

// Subscribe registers a change listener. Listeners must return quickly;
// they run on the engine goroutine unless a PostToUI hook is set.
func (b *StatusBoard) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notify = append(b.notify, fn)
}

// SetPostToUI installs the dispatch hook used to deliver events. When nil,
// events are delivered inline.
func (b *StatusBoard) SetPostToUI(fn func(func())) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.postToUI = fn
}

// CurrentJob returns the phase the engine is on, and whether any phase has
// started yet.
func (b *StatusBoard) CurrentJob() (JobPhase, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, b.started
}

// Status returns the state of one phase.
func (b *StatusBoard) Status(p JobPhase) JobStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status[p]
}

// start marks p as the current job and flips it to Running with zero
// progress. The current-job event precedes the progress event.
func (b *StatusBoard) start(p JobPhase) {
	b.mu.Lock()
	b.current = p
	b.started = true
	st := JobStatus{State: StateRunning, Progress: 0}
	b.status[p] = st
	listeners := b.listeners()
	post := b.postToUI
	b.mu.Unlock()

	dispatch(post, listeners, Event{Phase: p, Status: st, CurrentJobChanged: true})
	dispatch(post, listeners, Event{Phase: p, Status: st})
}

// progress updates the running phase's completion fraction.
func (b *StatusBoard) progress(p JobPhase, v float64) {
	b.mu.Lock()
	st := b.status[p]
	st.Progress = v
	b.status[p] = st
	listeners := b.listeners()
	post := b.postToUI
	b.mu.Unlock()

	dispatch(post, listeners, Event{Phase: p, Status: st})
}

// finish marks p Finished, forcing progress to 1.
func (b *StatusBoard) finish(p JobPhase) {
	b.mu.Lock()
	st := JobStatus{State: StateFinished, Progress: 1}
	b.status[p] = st
	listeners := b.listeners()
	post := b.postToUI
	b.mu.Unlock()

	dispatch(post, listeners, Event{Phase: p, Status: st})
}

// fail marks p Error, leaving progress at its last value.
func (b *StatusBoard) fail(p JobPhase) {
	b.mu.Lock()
	st := b.status[p]
	st.State = StateError
	b.status[p] = st
	listeners := b.listeners()
	post := b.postToUI
	b.mu.Unlock()

	dispatch(post, listeners, Event{Phase: p, Status: st})
}

// listeners snapshots the notify list; callers hold b.mu.
func (b *StatusBoard) listeners() []func(Event) {
	out := make([]func(Event), len(b.notify))
	copy(out, b.notify)
	return out
}

func dispatch(post func(func()), listeners []func(Event), ev Event) {
	if len(listeners) == 0 {
		return
	}
	deliver := func() {
		for _, fn := range listeners {
			fn(ev)
		}
	}
	if post != nil {
		post(deliver)
		return
	}
	deliver()
}
