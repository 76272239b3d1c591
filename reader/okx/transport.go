package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn used by the Supervisor.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens feed connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials with gorilla/websocket, optionally from a fixed local IP.
type WSDialer struct {
	LocalIP          string
	HandshakeTimeout time.Duration
}

func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	if d.LocalIP != "" {
		if ip := net.ParseIP(d.LocalIP); ip != nil {
			dialer.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
		}
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(MaxFrameBytes)
	return conn, nil
}

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}

// NewHTTPClient returns a REST client bound to localIP when set.
func NewHTTPClient(localIP string, timeout time.Duration) *http.Client {
	transport := &http.Transport{}
	if localIP != "" {
		if ip := net.ParseIP(localIP); ip != nil {
			transport.DialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
		}
	}
	return &http.Client{Transport: userAgentTransport{agent: "okxflow/1.0", base: transport}, Timeout: timeout}
}

// ValidateInstruments keeps the instruments the exchange lists for instType
// and returns the rest separately. restURL is the API base, e.g.
// https://www.okx.com.
func ValidateInstruments(ctx context.Context, client *http.Client, restURL, instType string, instruments []string) (valid, unknown []string, err error) {
	url := fmt.Sprintf("%s/api/v5/public/instruments?instType=%s", restURL, instType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build instruments request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch instruments: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("fetch instruments: status %d", resp.StatusCode)
	}

	var wrapper struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			InstID string `json:"instId"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return nil, nil, fmt.Errorf("decode instruments: %w", err)
	}
	if wrapper.Code != "" && wrapper.Code != "0" {
		return nil, nil, fmt.Errorf("instruments: code=%s msg=%s", wrapper.Code, wrapper.Msg)
	}

	listed := make(map[string]struct{}, len(wrapper.Data))
	for _, inst := range wrapper.Data {
		listed[inst.InstID] = struct{}{}
	}
	for _, s := range instruments {
		if _, ok := listed[s]; ok {
			valid = append(valid, s)
		} else {
			unknown = append(unknown, s)
		}
	}
	return valid, unknown, nil
}
