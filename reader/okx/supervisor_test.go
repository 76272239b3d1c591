package okx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"okxflow/models"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// fakeConn plays the exchange side of one connection. Control requests are
// answered as soon as they are written.
type fakeConn struct {
	inbound  chan []byte
	dropped  chan struct{}
	dropOnce sync.Once

	loginCode string

	mu       sync.Mutex
	written  []string
	deadline time.Time
	closed   bool
}

func newFakeConn(loginCode string) *fakeConn {
	return &fakeConn{
		inbound:   make(chan []byte, 256),
		dropped:   make(chan struct{}),
		loginCode: loginCode,
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	wait := time.Until(c.deadline)
	c.mu.Unlock()
	if wait <= 0 {
		wait = time.Hour
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case msg := <-c.inbound:
		return 1, msg, nil
	case <-c.dropped:
		return 0, nil, errors.New("connection reset by peer")
	case <-timer.C:
		return 0, nil, timeoutError{}
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.dropped:
		return errors.New("broken pipe")
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, string(data))
	c.mu.Unlock()

	if string(data) == "ping" {
		c.push("pong")
		return nil
	}
	var req struct {
		Op   string            `json:"op"`
		Args []json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil
	}
	switch req.Op {
	case "login":
		if c.loginCode == "0" {
			c.push(`{"event":"login","code":"0","msg":"","connId":"a4d3ae55"}`)
		} else {
			c.push(fmt.Sprintf(`{"event":"error","code":"%s","msg":"Login failed.","connId":"a4d3ae55"}`, c.loginCode))
		}
	case "subscribe", "unsubscribe":
		for _, arg := range req.Args {
			c.push(fmt.Sprintf(`{"event":"%s","arg":%s,"connId":"a4d3ae55"}`, req.Op, arg))
		}
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.drop()
	return nil
}

func (c *fakeConn) push(msg string) {
	select {
	case c.inbound <- []byte(msg):
	default:
	}
}

func (c *fakeConn) drop() {
	c.dropOnce.Do(func() { close(c.dropped) })
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

// subscribedArgs returns the sorted channel|instrument pairs requested with
// op on this connection.
func (c *fakeConn) subscribedArgs(op string) []string {
	var out []string
	for _, w := range c.writes() {
		var req struct {
			Op   string       `json:"op"`
			Args []channelArg `json:"args"`
		}
		if json.Unmarshal([]byte(w), &req) != nil || req.Op != op {
			continue
		}
		for _, a := range req.Args {
			out = append(out, a.Channel+"|"+a.InstID)
		}
	}
	sort.Strings(out)
	return out
}

type fakeDialer struct {
	loginCode string
	fail      bool

	mu    sync.Mutex
	conns []*fakeConn
	dials chan *fakeConn
}

func newFakeDialer(loginCode string) *fakeDialer {
	return &fakeDialer{loginCode: loginCode, dials: make(chan *fakeConn, 64)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.fail {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn(d.loginCode)
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	select {
	case d.dials <- conn:
	default:
	}
	return conn, nil
}

type stateRecorder struct {
	mu    sync.Mutex
	seen  []State
	notif chan State
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{notif: make(chan State, 1024)}
}

func (r *stateRecorder) observe(_, to State) {
	r.mu.Lock()
	r.seen = append(r.seen, to)
	r.mu.Unlock()
	select {
	case r.notif <- to:
	default:
	}
}

func (r *stateRecorder) waitFor(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-r.notif:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %s not reached", want)
		}
	}
}

func (r *stateRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.seen...)
}

func testConfig() SupervisorConfig {
	return SupervisorConfig{
		Name: "test",
		URL:  "wss://example.com/ws/v5/public",
		Subscriptions: []Subscription{
			{Channel: ChannelTrades, InstrumentIDs: []string{"BTC-USDT", "ETH-USDT"}},
			{Channel: ChannelBooks, InstrumentIDs: []string{"BTC-USDT"}},
		},
		PingInterval:      time.Hour,
		StaleTimeout:      2 * time.Second,
		BackoffBase:       10 * time.Millisecond,
		BackoffMax:        20 * time.Millisecond,
		ConnectsPerSecond: 1000,
		ConnectBurst:      10,
	}
}

func waitConn(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dials:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no dial")
		return nil
	}
}

func waitWrite(t *testing.T, c *fakeConn, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, w := range c.writes() {
			if w == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%q never written", want)
}

func startSupervisor(t *testing.T, s *Supervisor) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	return errCh
}

func TestSupervisorReconnectResubscribes(t *testing.T) {
	dialer := newFakeDialer("0")
	events := make(chan models.Event, 16)
	s := NewSupervisor(testConfig(), dialer, func(ev models.Event) { events <- ev })
	rec := newStateRecorder()
	s.OnStateChange(rec.observe)
	errCh := startSupervisor(t, s)

	first := waitConn(t, dialer)
	rec.waitFor(t, StateLive)

	first.push(`{"arg":{"channel":"trades","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","tradeId":"1","px":"42000.1","sz":"0.5","side":"buy","ts":"1700000000000"}]}`)
	select {
	case ev := <-events:
		if ev.Kind() != models.KindTrade || ev.Instrument() != "BTC-USDT" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("trade not forwarded")
	}

	first.push("ping")
	waitWrite(t, first, "pong")
	before := first.subscribedArgs("subscribe")
	first.drop()

	rec.waitFor(t, StateBackoff)
	second := waitConn(t, dialer)
	rec.waitFor(t, StateLive)

	after := second.subscribedArgs("subscribe")
	want := []string{"books|BTC-USDT", "trades|BTC-USDT", "trades|ETH-USDT"}
	if !reflect.DeepEqual(before, want) || !reflect.DeepEqual(after, want) {
		t.Fatalf("subscriptions before=%v after=%v", before, after)
	}
	if !reflect.DeepEqual(s.Subscriptions(), testConfig().Subscriptions) {
		t.Fatalf("subscription set changed: %+v", s.Subscriptions())
	}

	s.Stop()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state after stop = %s", s.State())
	}
	if !first.isClosed() || !second.isClosed() {
		t.Fatal("connection left open")
	}

	states := rec.states()
	wantPrefix := []State{StateConnecting, StateSubscribing, StateLive, StateBackoff, StateConnecting, StateSubscribing, StateLive}
	if len(states) < len(wantPrefix) || !reflect.DeepEqual(states[:len(wantPrefix)], wantPrefix) {
		t.Fatalf("transitions = %v", states)
	}
}

func TestSupervisorLoginRejected(t *testing.T) {
	dialer := newFakeDialer("60009")
	cfg := testConfig()
	cfg.Login = true
	cfg.Credentials = Credentials{APIKey: "key", SecretKey: "secret", Passphrase: "pass"}
	s := NewSupervisor(cfg, dialer, nil)
	rec := newStateRecorder()
	s.OnStateChange(rec.observe)
	errCh := startSupervisor(t, s)

	conn := waitConn(t, dialer)
	rec.waitFor(t, StateAuthenticating)
	rec.waitFor(t, StateBackoff)
	waitConn(t, dialer)

	s.Stop()
	<-errCh

	if got := conn.subscribedArgs("subscribe"); len(got) != 0 {
		t.Fatalf("subscribed before login: %v", got)
	}
	for _, st := range rec.states() {
		if st == StateLive || st == StateSubscribing {
			t.Fatalf("reached %s with rejected login", st)
		}
	}
}

func TestSupervisorLoginAccepted(t *testing.T) {
	dialer := newFakeDialer("0")
	cfg := testConfig()
	cfg.Login = true
	cfg.Credentials = Credentials{APIKey: "key", SecretKey: "secret", Passphrase: "pass"}
	s := NewSupervisor(cfg, dialer, nil)
	rec := newStateRecorder()
	s.OnStateChange(rec.observe)
	errCh := startSupervisor(t, s)

	conn := waitConn(t, dialer)
	rec.waitFor(t, StateLive)
	s.Stop()
	<-errCh

	writes := conn.writes()
	if len(writes) == 0 {
		t.Fatal("nothing written")
	}
	var login struct {
		Op   string     `json:"op"`
		Args []loginArg `json:"args"`
	}
	if err := json.Unmarshal([]byte(writes[0]), &login); err != nil || login.Op != "login" {
		t.Fatalf("first frame is not a login: %s", writes[0])
	}
	if login.Args[0].APIKey != "key" || login.Args[0].Sign != Sign("secret", login.Args[0].Timestamp, "GET", loginPath) {
		t.Fatalf("bad login args %+v", login.Args[0])
	}
}

func TestSupervisorStaleConnection(t *testing.T) {
	dialer := newFakeDialer("0")
	cfg := testConfig()
	cfg.StaleTimeout = 50 * time.Millisecond
	s := NewSupervisor(cfg, dialer, nil)
	rec := newStateRecorder()
	s.OnStateChange(rec.observe)
	errCh := startSupervisor(t, s)

	first := waitConn(t, dialer)
	rec.waitFor(t, StateLive)
	rec.waitFor(t, StateBackoff)
	waitConn(t, dialer)

	s.Stop()
	<-errCh
	if !first.isClosed() {
		t.Fatal("stale connection not closed")
	}
}

func TestSupervisorSequenceGapResync(t *testing.T) {
	dialer := newFakeDialer("0")
	events := make(chan models.Event, 16)
	s := NewSupervisor(testConfig(), dialer, func(ev models.Event) { events <- ev })
	gaps := make(chan *SequenceGapError, 4)
	s.OnSequenceGap(func(g *SequenceGapError) { gaps <- g })
	rec := newStateRecorder()
	s.OnStateChange(rec.observe)
	errCh := startSupervisor(t, s)

	conn := waitConn(t, dialer)
	rec.waitFor(t, StateLive)

	conn.push(`{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"snapshot","data":[{"asks":[["1","1","0","1"]],"bids":[],"ts":"1700000000000","checksum":0,"prevSeqId":-1,"seqId":103}]}`)
	for prev := int64(104); prev <= 106; prev++ {
		conn.push(fmt.Sprintf(`{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"update","data":[{"asks":[],"bids":[["1","1","0","1"]],"ts":"1700000000001","checksum":0,"prevSeqId":%d,"seqId":%d}]}`, prev, prev+1))
	}

	select {
	case g := <-gaps:
		if g.Expected != 103 || g.Got != 104 {
			t.Fatalf("unexpected gap %+v", g)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("gap not reported")
	}

	select {
	case ev := <-events:
		if ev.(models.OrderBookSnapshot).SequenceNumber != 103 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("snapshot not forwarded")
	}
	select {
	case ev := <-events:
		t.Fatalf("gapped update forwarded: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	select {
	case g := <-gaps:
		t.Fatalf("gap reported twice for one break: %+v", g)
	default:
	}

	// The resubscribe delivers a snapshot and the stream resumes.
	conn.push(`{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"snapshot","data":[{"asks":[["1","1","0","1"]],"bids":[],"ts":"1700000000002","checksum":0,"prevSeqId":-1,"seqId":200}]}`)
	conn.push(`{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"update","data":[{"asks":[],"bids":[["1","2","0","1"]],"ts":"1700000000003","checksum":0,"prevSeqId":200,"seqId":201}]}`)
	for _, want := range []int64{200, 201} {
		select {
		case ev := <-events:
			if got := ev.(models.OrderBookSnapshot).SequenceNumber; got != want {
				t.Fatalf("after resync got seq %d, want %d", got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("seq %d not forwarded after resync", want)
		}
	}

	s.Stop()
	<-errCh
	if got := conn.subscribedArgs("unsubscribe"); !reflect.DeepEqual(got, []string{"books|BTC-USDT"}) {
		t.Fatalf("resync unsubscribe = %v", got)
	}
	if got := conn.subscribedArgs("subscribe"); len(got) != 4 {
		t.Fatalf("resync subscribe = %v", got)
	}
}

func TestSupervisorBackoffResetsAfterStableSession(t *testing.T) {
	cases := []struct {
		name        string
		stableAfter time.Duration
		want        float64
	}{
		{name: "stable", stableAfter: 10 * time.Millisecond, want: 0},
		{name: "flapping", stableAfter: time.Hour, want: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dialer := newFakeDialer("0")
			cfg := testConfig()
			cfg.StableAfter = tc.stableAfter
			s := NewSupervisor(cfg, dialer, nil)
			rec := newStateRecorder()
			// Sampled on entering Backoff, before the next delay is drawn.
			attempts := make(chan float64, 8)
			s.OnStateChange(func(from, to State) {
				if to == StateBackoff {
					select {
					case attempts <- s.backoff.Attempt():
					default:
					}
				}
				rec.observe(from, to)
			})
			errCh := startSupervisor(t, s)

			for i := 0; i < 2; i++ {
				conn := waitConn(t, dialer)
				rec.waitFor(t, StateLive)
				time.Sleep(30 * time.Millisecond)
				conn.drop()
				rec.waitFor(t, StateBackoff)
			}
			s.Stop()
			<-errCh

			if first := <-attempts; first != 0 {
				t.Fatalf("first backoff attempt = %v", first)
			}
			if second := <-attempts; second != tc.want {
				t.Fatalf("attempt after second session = %v, want %v", second, tc.want)
			}
		})
	}
}

func TestSupervisorPingsEveryInterval(t *testing.T) {
	dialer := newFakeDialer("0")
	cfg := testConfig()
	cfg.PingInterval = 20 * time.Millisecond
	s := NewSupervisor(cfg, dialer, nil)
	rec := newStateRecorder()
	s.OnStateChange(rec.observe)
	errCh := startSupervisor(t, s)

	conn := waitConn(t, dialer)
	rec.waitFor(t, StateLive)

	pings := func() int {
		n := 0
		for _, w := range conn.writes() {
			if w == "ping" {
				n++
			}
		}
		return n
	}
	deadline := time.Now().Add(2 * time.Second)
	for pings() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	<-errCh

	if n := pings(); n < 3 {
		t.Fatalf("expected repeated pings, got %d", n)
	}
	if s.Connects() != 1 {
		t.Fatalf("answered pings should keep the connection, connects = %d", s.Connects())
	}
}

func TestSupervisorStopDuringBackoff(t *testing.T) {
	dialer := newFakeDialer("0")
	dialer.fail = true
	cfg := testConfig()
	cfg.BackoffBase = time.Hour
	cfg.BackoffMax = time.Hour
	s := NewSupervisor(cfg, dialer, nil)
	rec := newStateRecorder()
	s.OnStateChange(rec.observe)
	errCh := startSupervisor(t, s)

	rec.waitFor(t, StateBackoff)
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stop blocked during backoff")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state = %s", s.State())
	}
	if s.Connects() != 1 {
		t.Fatalf("connects = %d", s.Connects())
	}
}

func TestSupervisorRunTwice(t *testing.T) {
	dialer := newFakeDialer("0")
	s := NewSupervisor(testConfig(), dialer, nil)
	rec := newStateRecorder()
	s.OnStateChange(rec.observe)
	errCh := startSupervisor(t, s)
	rec.waitFor(t, StateLive)

	if err := s.Run(context.Background()); err == nil {
		t.Fatal("second Run accepted")
	}
	s.Stop()
	<-errCh
}

func TestCanTransition(t *testing.T) {
	if !canTransition(StateLive, StateDisconnected) {
		t.Fatal("shutdown from live rejected")
	}
	if canTransition(StateDisconnected, StateLive) {
		t.Fatal("disconnected -> live accepted")
	}
	if canTransition(StateBackoff, StateLive) {
		t.Fatal("backoff -> live accepted")
	}
}
