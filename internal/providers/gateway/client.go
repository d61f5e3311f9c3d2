package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voicelab/internal/domain"
	"voicelab/internal/logging"
	"voicelab/internal/ports"
	"voicelab/internal/protocol"
)

// Config controls the realtime voice websocket.
type Config struct {
	BaseURL string
	Token   string
	// AckTimeout bounds how long a session may stay connecting. Zero disables it.
	AckTimeout   time.Duration
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

// Provider implements ports.VoiceTransport over the /ws/{modelId} endpoint.
type Provider struct {
	cfg Config
}

func NewProvider(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "ws://localhost:8000"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Provider{cfg: cfg}
}

// Connect dials the model endpoint and sends session.create. The returned
// session is connecting until session.created arrives.
func (p *Provider) Connect(ctx context.Context, req ports.ConnectRequest) (ports.VoiceSession, error) {
	if strings.TrimSpace(req.ModelID) == "" {
		return nil, errors.New("model id is required")
	}
	wsURL, err := buildSessionURL(p.cfg.BaseURL, req.ModelID)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	if token := strings.TrimSpace(p.cfg.Token); token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := p.cfg.Dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to voice backend: %w", err)
	}

	s := &session{
		conn:         conn,
		modelID:      req.ModelID,
		writeTimeout: p.cfg.WriteTimeout,
		state:        domain.ConnectionConnecting,
		events:       make(chan domain.Event, 64),
		outbound:     make(chan protocol.Envelope, 32),
		stop:         make(chan struct{}),
		acked:        make(chan struct{}),
		done:         make(chan struct{}),
	}

	requestID := uuid.NewString()
	create := protocol.SessionCreate(time.Now(), protocol.SessionCreateParams{
		RequestID:         requestID,
		SystemInstruction: req.SystemInstruction,
		MaxDuration:       req.MaxDuration,
		SampleRate:        req.SampleRate,
		VoiceID:           req.VoiceID,
		Language:          req.Language,
	})
	if err := s.writeJSON(create); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to send session.create: %w", err)
	}
	logging.Infow("session.create sent", "model", req.ModelID, "request_id", requestID, "sample_rate", req.SampleRate)

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	if p.cfg.AckTimeout > 0 {
		s.wg.Add(1)
		go s.watchAck(p.cfg.AckTimeout)
	}
	go func() {
		s.wg.Wait()
		close(s.events)
		close(s.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Disconnect()
		case <-s.done:
		}
	}()

	s.emit(domain.LogLineEvent{Level: "info", Message: "Connected to " + wsURL + ", session.create sent"})
	return s, nil
}

type session struct {
	conn         *websocket.Conn
	modelID      string
	writeTimeout time.Duration

	stateMu   sync.Mutex
	state     domain.ConnectionState
	sessionID string

	events   chan domain.Event
	outbound chan protocol.Envelope
	stop     chan struct{}
	acked    chan struct{}
	done     chan struct{}

	wg sync.WaitGroup

	writeMu sync.Mutex

	sendMu     sync.RWMutex
	sendClosed bool

	closing   atomic.Bool
	sendEnd   atomic.Bool
	broken    atomic.Bool
	closeOnce sync.Once
	ackOnce   sync.Once
	failOnce  sync.Once
}

func (s *session) State() domain.ConnectionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// setState applies a transition. error is terminal.
func (s *session) setState(next domain.ConnectionState) domain.ConnectionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == domain.ConnectionError {
		return s.state
	}
	s.state = next
	return s.state
}

func (s *session) Events() <-chan domain.Event {
	return s.events
}

// SendChunk queues one audio.input frame. Chunks offered before
// session.created, or after the session left connected, are dropped.
func (s *session) SendChunk(chunk domain.AudioChunk) error {
	if s.State() != domain.ConnectionConnected || len(chunk.PCM) == 0 {
		return nil
	}
	data := base64.StdEncoding.EncodeToString(chunk.PCM)
	return s.enqueue(protocol.AudioInput(time.Now(), data, chunk.Sequence))
}

// Ping sends a heartbeat; the backend answers with pong.
func (s *session) Ping() error {
	if s.State() != domain.ConnectionConnected {
		return nil
	}
	return s.enqueue(protocol.Ping(time.Now()))
}

func (s *session) enqueue(env protocol.Envelope) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return nil
	}
	select {
	case s.outbound <- env:
		return nil
	case <-s.stop:
		return nil
	}
}

// Disconnect sends session.end if the socket is still usable, closes it and
// waits for the loops to exit. Later calls return immediately.
func (s *session) Disconnect() error {
	s.shutdown(true)
	<-s.done
	s.setState(domain.ConnectionDisconnected)
	return nil
}

func (s *session) shutdown(sendEnd bool) {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.sendEnd.Store(sendEnd && !s.broken.Load())
		close(s.stop)
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.outbound)
		s.sendMu.Unlock()
	})
}

// fail records an unexpected transport termination exactly once.
func (s *session) fail(code int, reason string, err error) {
	if s.closing.Load() {
		return
	}
	s.failOnce.Do(func() {
		state := domain.ConnectionError
		if domain.IsNormalClosure(code) {
			state = domain.ConnectionDisconnected
		}
		s.setState(state)
		logging.Errorw("voice transport closed", "model", s.modelID, "session_id", s.sessionIDValue(), "code", code, "reason", reason, "error", err)
		s.emit(domain.LogLineEvent{Level: "error", Message: fmt.Sprintf("WebSocket closed: %d %s", code, reason)})
		s.emit(domain.TransportClosedEvent{Code: code, Reason: reason, Err: err})
		s.shutdown(false)
	})
}

func (s *session) sessionIDValue() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.sessionID
}

func (s *session) watchAck(timeout time.Duration) {
	defer s.wg.Done()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		if s.State() != domain.ConnectionConnecting {
			return
		}
		reason := fmt.Sprintf("session.created not received within %s", timeout)
		s.failOnce.Do(func() {
			s.setState(domain.ConnectionError)
			logging.Errorw("voice session acknowledgment timed out", "model", s.modelID, "timeout", timeout)
			s.emit(domain.LogLineEvent{Level: "error", Message: reason})
			s.emit(domain.TransportClosedEvent{Code: 0, Reason: reason})
			s.shutdown(true)
		})
	case <-s.acked:
	case <-s.stop:
	}
}

func (s *session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *session) writeLoop() {
	defer s.wg.Done()

	for env := range s.outbound {
		if s.broken.Load() {
			continue
		}
		if err := s.writeJSON(env); err != nil {
			s.broken.Store(true)
			s.fail(websocket.CloseAbnormalClosure, "write failed", fmt.Errorf("failed to send %s: %w", env.Type, err))
		}
	}

	if s.sendEnd.Load() && !s.broken.Load() {
		if err := s.writeJSON(protocol.SessionEnd(time.Now())); err != nil {
			logging.Warnw("session.end not delivered", "model", s.modelID, "error", err)
		}
	}
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

func (s *session) readLoop() {
	defer s.wg.Done()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.broken.Store(true)
			code, reason := closeDetails(err)
			s.fail(code, reason, err)
			return
		}

		msg, err := protocol.DecodeServerMessage(payload)
		if err != nil {
			logging.Warnw("dropping malformed voice message", "model", s.modelID, "error", err)
			s.emit(domain.LogLineEvent{Level: "warn", Message: "Dropped message: " + err.Error()})
			continue
		}

		switch event := msg.Event.(type) {
		case nil:
			logging.Debugw("voice message without session meaning", "type", msg.Type)
		case domain.SessionCreatedEvent:
			s.stateMu.Lock()
			s.sessionID = event.SessionID
			s.stateMu.Unlock()
			if s.State() == domain.ConnectionConnecting {
				s.setState(domain.ConnectionConnected)
			}
			s.ackOnce.Do(func() { close(s.acked) })
			logging.Infow("voice session created", logging.SessionFields(event.SessionID, s.modelID)...)
			s.emit(domain.LogLineEvent{Level: "info", Message: "Session created: " + event.SessionID})
			s.emit(event)
		case domain.ErrorEvent:
			s.setState(domain.ConnectionError)
			logging.Errorw("voice backend error", append(logging.SessionFields(s.sessionIDValue(), s.modelID), logging.RemoteFields(event.Code, event.Message)...)...)
			s.emit(domain.LogLineEvent{Level: "error", Message: fmt.Sprintf("Server error: %s %s", event.Code, event.Message)})
			s.emit(event)
			s.shutdown(true)
			return
		case domain.WarningEvent:
			logging.Warnw("voice backend warning", append(logging.SessionFields(s.sessionIDValue(), s.modelID), logging.RemoteFields(event.Code, event.Message)...)...)
			s.emit(domain.LogLineEvent{Level: "warn", Message: fmt.Sprintf("Server warning: %s %s", event.Code, event.Message)})
			s.emit(event)
		case domain.AudioOutEvent:
			if event.Sequence > 0 {
				logging.Debugw("audio output received", "sequence", event.Sequence, "chars", len(event.Data))
			}
			s.emit(event)
		default:
			s.emit(event)
		}
	}
}

// emit blocks until the consumer takes the event or the session stops.
func (s *session) emit(event domain.Event) {
	select {
	case s.events <- event:
	case <-s.stop:
	}
}

func closeDetails(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

func buildSessionURL(base string, modelID string) (string, error) {
	base = strings.TrimSpace(base)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	sessionURL, err := url.Parse(base + "/ws/" + url.PathEscape(strings.TrimSpace(modelID)))
	if err != nil {
		return "", fmt.Errorf("invalid voice backend URL: %w", err)
	}
	if sessionURL.Scheme != "ws" && sessionURL.Scheme != "wss" {
		return "", fmt.Errorf("invalid voice backend URL scheme %q", sessionURL.Scheme)
	}
	return sessionURL.String(), nil
}
