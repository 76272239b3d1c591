package okx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"okxflow/internal/metrics"
	"okxflow/logger"
	"okxflow/models"
)

// Default feed endpoints.
const (
	PublicURL  = "wss://ws.okx.com:8443/ws/v5/public"
	PrivateURL = "wss://ws.okx.com:8443/ws/v5/private"
	RestURL    = "https://www.okx.com"
)

// Subscription is one channel for a set of instruments.
type Subscription struct {
	Channel       string
	InstrumentIDs []string
}

// SupervisorConfig configures one feed connection.
type SupervisorConfig struct {
	Name          string
	URL           string
	Login         bool
	Credentials   Credentials
	Subscriptions []Subscription

	PingInterval time.Duration
	StaleTimeout time.Duration

	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffFactor float64
	BackoffJitter bool
	StableAfter   time.Duration

	ConnectsPerSecond float64
	ConnectBurst      int
}

func (c *SupervisorConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = "public"
	}
	if c.URL == "" {
		c.URL = PublicURL
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 2
	}
	if c.StableAfter <= 0 {
		c.StableAfter = time.Minute
	}
	if c.ConnectsPerSecond <= 0 {
		c.ConnectsPerSecond = 3
	}
	if c.ConnectBurst <= 0 {
		c.ConnectBurst = 1
	}
}

// Handler receives every decoded domain event.
type Handler func(models.Event)

// Supervisor owns one push-feed connection: dialing, login, subscription,
// heartbeat, staleness detection and reconnect backoff. It forwards decoded
// events to its Handler and keeps no market data of its own.
type Supervisor struct {
	cfg     SupervisorConfig
	dialer  Dialer
	handler Handler
	log     *logger.Log
	limiter *rate.Limiter
	backoff *backoff.Backoff
	seq     *SequenceTracker
	now     func() time.Time

	mu      sync.RWMutex
	state   State
	subs    []Subscription
	conn    Conn
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	writeMu sync.Mutex

	onState func(from, to State)
	onGap   func(*SequenceGapError)

	connects   int64
	lastFrame  atomic.Int64
	frameDrops int64
}

// NewSupervisor creates a supervisor in the Disconnected state.
func NewSupervisor(cfg SupervisorConfig, dialer Dialer, handler Handler) *Supervisor {
	cfg.applyDefaults()
	if dialer == nil {
		dialer = WSDialer{}
	}
	subs := make([]Subscription, 0, len(cfg.Subscriptions))
	for _, sub := range cfg.Subscriptions {
		subs = append(subs, copySubscription(sub))
	}
	return &Supervisor{
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		log:     logger.GetLogger(),
		limiter: rate.NewLimiter(rate.Limit(cfg.ConnectsPerSecond), cfg.ConnectBurst),
		backoff: &backoff.Backoff{
			Min:    cfg.BackoffBase,
			Max:    cfg.BackoffMax,
			Factor: cfg.BackoffFactor,
			Jitter: cfg.BackoffJitter,
		},
		seq:   NewSequenceTracker(),
		now:   time.Now,
		state: StateDisconnected,
		subs:  subs,
	}
}

// OnStateChange registers an observer called after every transition. It must
// be set before Run.
func (s *Supervisor) OnStateChange(fn func(from, to State)) { s.onState = fn }

// OnSequenceGap registers an observer for detected order book gaps. It must
// be set before Run.
func (s *Supervisor) OnSequenceGap(fn func(*SequenceGapError)) { s.onGap = fn }

// Name returns the configured feed name.
func (s *Supervisor) Name() string { return s.cfg.Name }

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Connects returns the number of dial attempts made so far.
func (s *Supervisor) Connects() int64 { return atomic.LoadInt64(&s.connects) }

// Subscriptions returns a copy of the subscription set that is submitted on
// every (re)connect.
func (s *Supervisor) Subscriptions() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, copySubscription(sub))
	}
	return out
}

// Subscribe adds sub to the subscription set and submits it right away when
// the connection is live.
func (s *Supervisor) Subscribe(sub Subscription) error {
	s.mu.Lock()
	s.subs = append(s.subs, copySubscription(sub))
	conn, live := s.conn, s.state == StateLive
	s.mu.Unlock()
	if !live || conn == nil {
		return nil
	}
	return s.send(conn, Subscribe{Channel: sub.Channel, InstrumentIDs: sub.InstrumentIDs})
}

func (s *Supervisor) setState(to State) {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		s.log.WithComponent("okx_supervisor").WithFields(logger.Fields{
			"feed": s.cfg.Name, "from": from.String(), "to": to.String(),
		}).Error("rejected invalid state transition")
		return
	}
	s.state = to
	s.mu.Unlock()

	if from != to && s.onState != nil {
		s.onState(from, to)
	}
}

func (s *Supervisor) setConn(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// Run drives the connection until ctx is cancelled or Stop is called. It
// always returns with the supervisor Disconnected and the transport closed.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("okx supervisor %s already running", s.cfg.Name)
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	log := s.log.WithComponent("okx_supervisor").WithFields(logger.Fields{"feed": s.cfg.Name, "url": s.cfg.URL})
	defer func() {
		s.setState(StateDisconnected)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
		log.Info("okx supervisor stopped")
	}()

	log.WithFields(logger.Fields{"subscriptions": len(s.Subscriptions()), "login": s.cfg.Login}).Info("starting okx supervisor")

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		s.setState(StateConnecting)
		atomic.AddInt64(&s.connects, 1)
		metrics.IncrementConnect(s.cfg.Name)

		var err error
		conn, dialErr := s.dialer.Dial(ctx, s.cfg.URL)
		if dialErr != nil {
			err = &TransportError{Op: "dial", Err: dialErr}
		} else {
			err = s.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}

		s.setState(StateBackoff)
		delay := s.backoff.Duration()
		entry := log.WithError(err).WithFields(logger.Fields{
			"delay_ms": delay.Milliseconds(),
			"attempt":  int(s.backoff.Attempt()),
		})
		if IsAuthError(err) {
			entry.Error("okx login failed, backing off")
		} else {
			entry.Warn("okx connection lost, backing off")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Stop requests shutdown and waits until Run has released the transport.
func (s *Supervisor) Stop() {
	s.mu.RLock()
	cancel, done := s.cancel, s.done
	s.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// serve runs one connection from login to failure.
func (s *Supervisor) serve(ctx context.Context, conn Conn) (err error) {
	s.setConn(conn)
	stop := make(chan struct{})
	defer func() {
		close(stop)
		s.setConn(nil)
		conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	s.seq.Reset()
	log := s.log.WithComponent("okx_supervisor").WithFields(logger.Fields{"feed": s.cfg.Name})

	if s.cfg.Login {
		s.setState(StateAuthenticating)
		if err := s.send(conn, NewLogin(s.cfg.Credentials, s.now())); err != nil {
			return err
		}
		if err := s.awaitLogin(conn); err != nil {
			return err
		}
		log.Info("okx login accepted")
	}

	s.setState(StateSubscribing)
	subs := s.Subscriptions()
	pending := make(map[string]struct{})
	for _, sub := range subs {
		if err := s.send(conn, Subscribe{Channel: sub.Channel, InstrumentIDs: sub.InstrumentIDs}); err != nil {
			return err
		}
		for _, key := range subscriptionKeys(sub) {
			pending[key] = struct{}{}
		}
	}
	subscribeDeadline := time.Now().Add(s.cfg.StaleTimeout)

	go s.pingLoop(conn, stop)

	var liveSince time.Time
	defer func() {
		if !liveSince.IsZero() && s.now().Sub(liveSince) >= s.cfg.StableAfter {
			s.backoff.Reset()
		}
	}()
	goLive := func() {
		s.setState(StateLive)
		liveSince = s.now()
		log.WithFields(logger.Fields{"subscriptions": len(subs)}).Info("okx feed live")
	}
	if len(pending) == 0 {
		goLive()
	}

	for {
		raw, receivedAt, err := s.read(conn)
		if err != nil {
			return err
		}
		frame, err := Decode(raw, receivedAt)
		if err != nil {
			atomic.AddInt64(&s.frameDrops, 1)
			metrics.IncrementFrameDiscarded(s.cfg.Name)
			log.WithComponent("okx_codec").WithError(err).Warn("discarding undecodable frame")
			continue
		}

		switch frame.Kind {
		case FramePing:
			if err := s.send(conn, Pong{}); err != nil {
				return err
			}
		case FramePong:
		case FrameAck:
			if err := s.handleAck(frame.Ack, pending); err != nil {
				return err
			}
			if len(pending) == 0 && s.State() == StateSubscribing {
				goLive()
			}
		case FrameData:
			s.dispatch(conn, frame, len(raw))
		}

		if s.State() == StateSubscribing && time.Now().After(subscribeDeadline) {
			return &TransportError{Op: "subscribe", Stale: true}
		}
	}
}

func (s *Supervisor) handleAck(ack *Ack, pending map[string]struct{}) error {
	log := s.log.WithComponent("okx_supervisor").WithFields(logger.Fields{
		"feed": s.cfg.Name, "event": ack.Event, "code": ack.Code, "channel": ack.Channel, "instrument": ack.InstID,
	})
	switch ack.Event {
	case "subscribe":
		delete(pending, subscriptionKey(ack.Channel, ack.InstID))
		log.Debug("subscription acknowledged")
	case "unsubscribe":
		log.Debug("unsubscription acknowledged")
	case "error":
		if s.State() == StateSubscribing {
			return &SubscribeError{Code: ack.Code, Msg: ack.Msg}
		}
		log.WithFields(logger.Fields{"msg": ack.Msg}).Warn("okx error event")
	case "notice":
		log.WithFields(logger.Fields{"msg": ack.Msg}).Warn("okx notice")
	default:
		log.Debug("okx event")
	}
	return nil
}

func (s *Supervisor) dispatch(conn Conn, frame Frame, size int) {
	if IsBookChannel(frame.Channel) {
		logger.IncrementBookRead(size)
	} else {
		logger.IncrementTradeRead(size)
	}
	for _, ev := range frame.Events {
		if book, ok := ev.(models.OrderBookSnapshot); ok {
			if err := s.seq.Check(book); err != nil {
				// ErrAwaitingSnapshot: already resubscribing, drop quietly.
				var gap *SequenceGapError
				if errors.As(err, &gap) {
					s.resync(conn, gap)
				}
				continue
			}
		}
		if s.handler != nil {
			s.handler(ev)
		}
	}
}

// resync escalates a gap and re-requests the instrument's book so the
// exchange sends a fresh snapshot.
func (s *Supervisor) resync(conn Conn, gap *SequenceGapError) {
	s.log.WithComponent("okx_supervisor").WithError(gap).WithFields(logger.Fields{
		"feed": s.cfg.Name, "channel": gap.Channel, "instrument": gap.InstrumentID,
	}).Error("order book sequence gap, resubscribing")
	if s.onGap != nil {
		s.onGap(gap)
	}
	inst := []string{gap.InstrumentID}
	if err := s.send(conn, Unsubscribe{Channel: gap.Channel, InstrumentIDs: inst}); err != nil {
		return
	}
	_ = s.send(conn, Subscribe{Channel: gap.Channel, InstrumentIDs: inst})
}

func (s *Supervisor) awaitLogin(conn Conn) error {
	for {
		raw, receivedAt, err := s.read(conn)
		if err != nil {
			return err
		}
		frame, err := Decode(raw, receivedAt)
		if err != nil || frame.Kind != FrameAck {
			continue
		}
		switch frame.Ack.Event {
		case "login":
			if !frame.Ack.OK() {
				return &AuthError{Code: frame.Ack.Code, Msg: frame.Ack.Msg}
			}
			return nil
		case "error":
			return &AuthError{Code: frame.Ack.Code, Msg: frame.Ack.Msg}
		}
	}
}

func (s *Supervisor) read(conn Conn) ([]byte, time.Time, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.StaleTimeout)); err != nil {
		return nil, time.Time{}, &TransportError{Op: "read", Err: err}
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, time.Time{}, &TransportError{Op: "read", Stale: true, Err: err}
		}
		return nil, time.Time{}, &TransportError{Op: "read", Err: err}
	}
	now := s.now()
	s.lastFrame.Store(now.UnixNano())
	return msg, now, nil
}

func (s *Supervisor) pingLoop(conn Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.send(conn, Ping{}); err != nil {
				return
			}
		}
	}
}

func (s *Supervisor) send(conn Conn, ev ControlEvent) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func subscriptionKey(channel, instrument string) string {
	return channel + "|" + instrument
}

func subscriptionKeys(sub Subscription) []string {
	if len(sub.InstrumentIDs) == 0 {
		return []string{subscriptionKey(sub.Channel, "")}
	}
	keys := make([]string, 0, len(sub.InstrumentIDs))
	for _, inst := range sub.InstrumentIDs {
		keys = append(keys, subscriptionKey(sub.Channel, inst))
	}
	return keys
}

func copySubscription(sub Subscription) Subscription {
	return Subscription{Channel: sub.Channel, InstrumentIDs: append([]string(nil), sub.InstrumentIDs...)}
}
