package anthropic

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/surface"
)

// Scheme prefixes profile URLs served by the API surface. The rest of the
// URL names the default model, e.g. "anthropic:claude-sonnet-4-5".
const Scheme = "anthropic:"

const defaultMaxTokens = 4096

type apiSession struct {
	handle  surface.Handle
	model   string
	prompt  string
	options []string

	inFlight bool
	answer   string
	err      error
	cancel   context.CancelFunc
}

// Surface implements surface.Driver over the Messages API. A session is a
// single-turn conversation: Submit sends the typed prompt, PollBusy stays
// true until the reply arrives and ExtractText returns it.
type Surface struct {
	client    Messenger
	maxTokens int64
	system    string

	mu       sync.Mutex
	sessions map[string]*apiSession
}

// SurfaceOption configures a Surface.
type SurfaceOption func(*Surface)

// WithMaxTokens caps reply length.
func WithMaxTokens(n int64) SurfaceOption {
	return func(s *Surface) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// WithSystem sets a system prompt sent with every request.
func WithSystem(text string) SurfaceOption {
	return func(s *Surface) { s.system = text }
}

// NewSurface creates an API-backed surface.
func NewSurface(client Messenger, opts ...SurfaceOption) *Surface {
	s := &Surface{
		client:    client,
		maxTokens: defaultMaxTokens,
		sessions:  make(map[string]*apiSession),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Surface) session(h surface.Handle) (*apiSession, error) {
	sess, ok := s.sessions[h.ID]
	if !ok {
		return nil, eris.Errorf("anthropic: session %s closed", h)
	}
	return sess, nil
}

// Open starts a session whose default model comes from the URL.
func (s *Surface) Open(_ context.Context, url string, position int) (surface.Handle, error) {
	model := strings.TrimPrefix(url, Scheme)
	if model == "" || model == url {
		return surface.Handle{}, eris.Errorf("anthropic: url %q does not name a model", url)
	}
	h := surface.Handle{ID: uuid.NewString(), Position: position, URL: url}

	s.mu.Lock()
	s.sessions[h.ID] = &apiSession{handle: h, model: model}
	s.mu.Unlock()
	return h, nil
}

func (s *Surface) InputText(_ context.Context, h surface.Handle, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(h)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return eris.New("anthropic: element not found: empty prompt")
	}
	sess.prompt = text
	return nil
}

// SelectOption switches the model when category is "model" and the name is
// an API model id. Other selections are recorded and have no effect.
func (s *Surface) SelectOption(_ context.Context, h surface.Handle, category, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(h)
	if err != nil {
		return err
	}
	if strings.EqualFold(category, "model") && strings.HasPrefix(name, "claude-") {
		sess.model = name
	}
	sess.options = append(sess.options, category+"="+name)
	return nil
}

// Submit sends the prompt in the background. The request outlives ctx and
// is cancelled by Close.
func (s *Surface) Submit(ctx context.Context, h surface.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(h)
	if err != nil {
		return err
	}
	if sess.inFlight {
		return eris.New("anthropic: interaction timing: request already in flight")
	}
	if sess.prompt == "" {
		return eris.New("anthropic: element not found: nothing to submit")
	}

	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess.inFlight, sess.answer, sess.err, sess.cancel = true, "", nil, cancel
	req := MessageRequest{Model: sess.model, MaxTokens: s.maxTokens, System: s.system, Prompt: sess.prompt}

	go func() {
		resp, err := s.client.CreateMessage(reqCtx, req)
		s.mu.Lock()
		defer s.mu.Unlock()
		cancel()
		cur, ok := s.sessions[h.ID]
		if !ok || cur != sess {
			return
		}
		sess.inFlight = false
		if err != nil {
			sess.err = err
			return
		}
		resp.Usage.LogUsage(resp.Model, h.ID)
		sess.answer = resp.Text
	}()
	return nil
}

// PollBusy reports whether the reply is still outstanding.
func (s *Surface) PollBusy(_ context.Context, h surface.Handle) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(h)
	if err != nil {
		return false, err
	}
	return sess.inFlight, nil
}

// ExtractText returns the reply. Every strategy reads the same text.
func (s *Surface) ExtractText(_ context.Context, h surface.Handle, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(h)
	if err != nil {
		return "", err
	}
	if sess.err != nil {
		return "", sess.err
	}
	return sess.answer, nil
}

func (s *Surface) Exists(_ context.Context, h surface.Handle) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[h.ID]
	return ok, nil
}

func (s *Surface) Close(_ context.Context, h surface.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[h.ID]
	if !ok {
		return nil
	}
	if sess.cancel != nil {
		sess.cancel()
	}
	delete(s.sessions, h.ID)
	zap.L().Debug("anthropic: session closed", zap.String("handle", h.String()))
	return nil
}

// Provision has nothing to provision; sessions are independent.
func (s *Surface) Provision(context.Context, int) error { return nil }
