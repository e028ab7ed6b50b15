package surface

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Op names a driver command, for scripting failures and reading the call log.
type Op string

const (
	OpOpen      Op = "open"
	OpInput     Op = "input"
	OpSelect    Op = "select"
	OpSubmit    Op = "submit"
	OpPollBusy  Op = "poll_busy"
	OpExtract   Op = "extract"
	OpExists    Op = "exists"
	OpClose     Op = "close"
	OpProvision Op = "provision"
)

// Call is one recorded driver command.
type Call struct {
	Op       Op
	Handle   string
	Position int
	Arg      string
	At       time.Time
}

type session struct {
	handle  Handle
	alive   bool
	prompt  string
	options []string
	// polls counts PollBusy calls since the last submit.
	polls     int
	submitted bool
}

// Memory is a scripted in-process Driver and Provisioner. It answers every
// prompt through Respond and lets tests inject failures per command.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*session
	failures map[Op][]error
	calls    []Call
	now      func() time.Time

	// Respond produces the answer text for a submitted prompt.
	Respond func(url, prompt string, options []string) string
	// AppearAfter is the number of idle polls reported after a submit
	// before the busy indicator shows.
	AppearAfter int
	// BusyPolls is the number of polls the busy indicator stays visible.
	BusyPolls int
	// EmptyStrategies lists extraction strategies that return no text.
	EmptyStrategies map[string]bool
}

// NewMemory creates a driver whose sessions answer immediately.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*session),
		failures: make(map[Op][]error),
		now:      time.Now,
		Respond: func(url, prompt string, options []string) string {
			return fmt.Sprintf("answer to %q", prompt)
		},
		EmptyStrategies: make(map[string]bool),
	}
}

// Fail queues errs to be returned, in order, by the next calls of op.
func (m *Memory) Fail(op Op, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// Kill terminates the session behind h, as if its window was closed.
func (m *Memory) Kill(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[h.ID]; ok {
		s.alive = false
	}
}

// Calls returns a copy of the call log.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsOf returns the logged calls of op.
func (m *Memory) CallsOf(op Op) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Live returns the number of open, alive sessions.
func (m *Memory) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.alive {
			n++
		}
	}
	return n
}

// begin records a call and pops a scripted failure for op.
func (m *Memory) begin(op Op, h Handle, arg string) error {
	m.calls = append(m.calls, Call{Op: op, Handle: h.ID, Position: h.Position, Arg: arg, At: m.now()})
	if q := m.failures[op]; len(q) > 0 {
		m.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (m *Memory) live(h Handle) (*session, error) {
	s, ok := m.sessions[h.ID]
	if !ok || !s.alive {
		return nil, eris.Errorf("surface: session %s closed", h)
	}
	return s, nil
}

// Open implements Driver.
func (m *Memory) Open(ctx context.Context, url string, position int) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h := Handle{ID: uuid.NewString(), Position: position, URL: url}
	if err := m.begin(OpOpen, h, url); err != nil {
		return Handle{}, err
	}
	m.sessions[h.ID] = &session{handle: h, alive: true}
	return h, nil
}

// InputText implements Driver.
func (m *Memory) InputText(ctx context.Context, h Handle, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpInput, h, text); err != nil {
		return err
	}
	s, err := m.live(h)
	if err != nil {
		return err
	}
	s.prompt = text
	return nil
}

// SelectOption implements Driver.
func (m *Memory) SelectOption(ctx context.Context, h Handle, category, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpSelect, h, category+"="+name); err != nil {
		return err
	}
	s, err := m.live(h)
	if err != nil {
		return err
	}
	s.options = append(s.options, category+"="+name)
	return nil
}

// Submit implements Driver.
func (m *Memory) Submit(ctx context.Context, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpSubmit, h, ""); err != nil {
		return err
	}
	s, err := m.live(h)
	if err != nil {
		return err
	}
	if strings.TrimSpace(s.prompt) == "" {
		return eris.New("surface: element not found: empty prompt box")
	}
	s.submitted = true
	s.polls = 0
	return nil
}

// PollBusy implements Driver.
func (m *Memory) PollBusy(ctx context.Context, h Handle) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpPollBusy, h, ""); err != nil {
		return false, err
	}
	s, err := m.live(h)
	if err != nil {
		return false, err
	}
	if !s.submitted {
		return false, nil
	}
	s.polls++
	return s.polls > m.AppearAfter && s.polls <= m.AppearAfter+m.BusyPolls, nil
}

// ExtractText implements Driver.
func (m *Memory) ExtractText(ctx context.Context, h Handle, strategy string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpExtract, h, strategy); err != nil {
		return "", err
	}
	s, err := m.live(h)
	if err != nil {
		return "", err
	}
	if !s.submitted || m.EmptyStrategies[strategy] {
		return "", nil
	}
	return m.Respond(s.handle.URL, s.prompt, s.options), nil
}

// Exists implements Driver.
func (m *Memory) Exists(ctx context.Context, h Handle) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpExists, h, ""); err != nil {
		return false, err
	}
	s, ok := m.sessions[h.ID]
	return ok && s.alive, nil
}

// Close implements Driver.
func (m *Memory) Close(ctx context.Context, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpClose, h, ""); err != nil {
		return err
	}
	delete(m.sessions, h.ID)
	return nil
}

// Provision implements Provisioner. It closes every session at position.
func (m *Memory) Provision(ctx context.Context, position int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpProvision, Handle{Position: position}, ""); err != nil {
		return err
	}
	for id, s := range m.sessions {
		if s.handle.Position == position {
			delete(m.sessions, id)
		}
	}
	return nil
}
