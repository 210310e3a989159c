package countdown

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/tabletop/go/internal/models"
	"github.com/mcdev12/tabletop/go/internal/turntimer/events"
)

// Phase is where the client's countdown is.
type Phase int

const (
	Uninitialized Phase = iota
	Idle
	Running
	Expired
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is one client's view of a session timer. Budget is the current player's remaining time
// at Anchor (server time). Anchor is only meaningful while Running or Expired.
type State struct {
	Phase           Phase
	SessionID       uuid.UUID
	CurrentPlayerID uuid.UUID
	Anchor          time.Time
	Budget          int64
	Players         map[uuid.UUID]int64
	Seq             uint64

	// Offset is server time minus local time, taken from the last applied event.
	Offset time.Duration

	ExpirySignaled bool
}

// Recompute returns the remaining time to display at localNow. It is a pure function of its
// arguments and never goes below zero.
func Recompute(s State, localNow time.Time) int64 {
	switch s.Phase {
	case Running, Expired:
		anchor := s.Anchor
		return models.RemainingAt(s.Budget, &anchor, true, localNow.Add(s.Offset))
	case Idle:
		return s.Budget
	default:
		return 0
	}
}

// ExpiryReport asks the authority to raise player-time-expired.
type ExpiryReport struct {
	SessionID uuid.UUID
	PlayerID  uuid.UUID
}

// TickResult is what one tick computed.
type TickResult struct {
	Phase     Phase
	PlayerID  uuid.UUID
	Remaining int64
	Expired   *ExpiryReport
}

// PassEstimate is the local half of a two-phase pass.
type PassEstimate struct {
	SessionID      uuid.UUID
	FromPlayerID   uuid.UUID
	ToPlayerID     uuid.UUID
	TimeUsedMs     int64
	NewRemainingMs int64
}

// Machine applies room events to a State. It is safe for concurrent use: the connection's read
// loop applies events while the tick loop reads.
type Machine struct {
	clock clockwork.Clock

	mu      sync.Mutex
	state   State
	prePass *State
}

func NewMachine(clock clockwork.Clock) *Machine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Machine{clock: clock}
}

// State returns a copy of the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Remaining is Recompute at the machine's clock.
func (m *Machine) Remaining() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Recompute(m.state, m.clock.Now())
}

// Apply reconciles the state with one server event and reports whether it changed anything.
// Events at or below the last applied seq are ignored; a snapshot always wins and resets the
// seq, since a restarted server starts counting again.
func (m *Machine) Apply(env *events.Envelope) (bool, error) {
	switch env.Type {
	case events.TypeCommandAck, events.TypeCommandError:
		return false, nil
	}

	payload, err := events.ParsePayload(env)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if env.Type != events.TypeTimerSnapshot {
		if m.state.SessionID != uuid.Nil && env.SessionID != m.state.SessionID {
			return false, nil
		}
		if env.Seq <= m.state.Seq {
			return false, nil
		}
	}

	s := &m.state
	s.Seq = env.Seq
	s.SessionID = env.SessionID
	s.Offset = env.Timestamp.Sub(m.clock.Now())
	m.prePass = nil

	switch p := payload.(type) {
	case *events.TimerSnapshotPayload:
		s.adoptSnapshot(p)

	case *events.TimerInitializedPayload:
		s.Phase = Idle
		s.CurrentPlayerID = p.CurrentPlayerID
		s.Budget = p.RemainingTimeMs
		s.Anchor = time.Time{}
		s.ExpirySignaled = false
		s.setPlayers(p.Players)

	case *events.TimerStartedPayload:
		s.run(p.CurrentPlayerID, p.TurnStartedAt, p.RemainingTimeMs)

	case *events.TurnChangedPayload:
		s.player(p.PreviousPlayerID, p.PreviousRemainingTimeMs)
		s.run(p.CurrentPlayerID, p.TurnStartedAt, p.RemainingTimeMs)

	case *events.TimerResumedPayload:
		s.run(p.CurrentPlayerID, p.TurnStartedAt, p.RemainingTimeMs)

	case *events.TimerPausedPayload:
		s.Phase = Idle
		s.CurrentPlayerID = p.CurrentPlayerID
		s.Budget = p.RemainingTimeMs
		s.Anchor = time.Time{}
		s.player(p.CurrentPlayerID, p.RemainingTimeMs)

	case *events.TimerEndedPayload:
		seq := s.Seq
		*s = State{SessionID: s.SessionID, Seq: seq, Offset: s.Offset}

	case *events.PlayerTimeExpiredPayload:
		if p.PlayerID == s.CurrentPlayerID {
			s.ExpirySignaled = true
			if s.Phase == Running {
				s.Phase = Expired
			}
		}

	case *events.PlayerTimeUpdatedPayload:
		s.player(p.PlayerID, p.RemainingTimeMs)
		if p.PlayerID == s.CurrentPlayerID && s.Phase == Idle {
			s.Budget = p.RemainingTimeMs
		}

	default:
		return false, fmt.Errorf("unhandled event type %s", env.Type)
	}
	return true, nil
}

// Tick recomputes the display. The tick that first sees a running budget at zero moves the
// machine to Expired and carries the one expiry report; later ticks carry none.
func (m *Machine) Tick() TickResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &m.state
	remaining := Recompute(*s, m.clock.Now())
	res := TickResult{PlayerID: s.CurrentPlayerID, Remaining: remaining}

	if s.Phase == Running && remaining <= 0 {
		s.Phase = Expired
		if !s.ExpirySignaled {
			s.ExpirySignaled = true
			res.Expired = &ExpiryReport{SessionID: s.SessionID, PlayerID: s.CurrentPlayerID}
		}
	}
	res.Phase = s.Phase
	return res
}

// BeginPass computes the outgoing player's time locally and switches the display to the next
// player right away. The authority's turn-changed overwrites the guess; AbortPass undoes it if
// the command is rejected.
func (m *Machine) BeginPass(to uuid.UUID) (PassEstimate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &m.state
	if s.Phase == Uninitialized {
		return PassEstimate{}, fmt.Errorf("%w: timer is not initialized", models.ErrValidation)
	}
	if to == s.CurrentPlayerID {
		return PassEstimate{}, fmt.Errorf("%w: cannot pass the turn to the same player", models.ErrValidation)
	}
	next, ok := s.Players[to]
	if !ok {
		return PassEstimate{}, fmt.Errorf("%w: player %s is not a participant", models.ErrValidation, to)
	}

	serverNow := m.clock.Now().Add(s.Offset)
	var used int64
	if s.Phase == Running || s.Phase == Expired {
		used = models.ElapsedMs(s.Anchor, serverNow)
		if used > s.Budget {
			used = s.Budget
		}
	}
	est := PassEstimate{
		SessionID:      s.SessionID,
		FromPlayerID:   s.CurrentPlayerID,
		ToPlayerID:     to,
		TimeUsedMs:     used,
		NewRemainingMs: s.Budget - used,
	}

	before := s.clone()
	m.prePass = &before
	s.player(est.FromPlayerID, est.NewRemainingMs)
	s.run(to, serverNow, next)
	return est, nil
}

// AbortPass restores the state BeginPass replaced, unless an event has arrived since.
func (m *Machine) AbortPass() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prePass != nil {
		m.state = *m.prePass
		m.prePass = nil
	}
}

func (s *State) adoptSnapshot(p *events.TimerSnapshotPayload) {
	s.setPlayers(p.Players)
	s.ExpirySignaled = p.TimeExpired
	s.Anchor = time.Time{}
	s.Budget = p.RemainingTimeMs
	if p.CurrentPlayerID != nil {
		s.CurrentPlayerID = *p.CurrentPlayerID
	} else {
		s.CurrentPlayerID = uuid.Nil
	}

	switch {
	case !p.Enabled:
		s.Phase = Uninitialized
		s.Budget = 0
	case p.IsActive && p.TurnStartedAt != nil:
		s.Phase = Running
		s.Anchor = *p.TurnStartedAt
		if p.TimeExpired {
			s.Phase = Expired
		}
	default:
		s.Phase = Idle
	}
}

func (s *State) run(playerID uuid.UUID, anchor time.Time, budget int64) {
	s.Phase = Running
	s.CurrentPlayerID = playerID
	s.Anchor = anchor
	s.Budget = budget
	s.ExpirySignaled = false
}

func (s *State) player(playerID uuid.UUID, remaining int64) {
	if s.Players == nil {
		s.Players = make(map[uuid.UUID]int64)
	}
	s.Players[playerID] = remaining
}

func (s *State) setPlayers(players []events.PlayerBudget) {
	s.Players = make(map[uuid.UUID]int64, len(players))
	for _, p := range players {
		s.Players[p.PlayerID] = p.RemainingTimeMs
	}
}

func (s State) clone() State {
	if s.Players != nil {
		players := make(map[uuid.UUID]int64, len(s.Players))
		for id, ms := range s.Players {
			players[id] = ms
		}
		s.Players = players
	}
	return s
}

// FormatRemaining renders milliseconds as m:ss, or h:mm:ss from an hour up.
func FormatRemaining(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	total := (ms + 999) / 1000
	h, m, sec := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%d:%02d", m, sec)
}
