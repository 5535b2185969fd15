// Package realtime implements a resumable msgpack-over-WebSocket
// subscription to a hosted realtime message bus (Ably-compatible wire
// protocol): token exchange, connect/attach handshake, heartbeat
// monitoring, token renewal, and reconnect-with-resume.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultRealtimeHost = "realtime.ably.io"
	protocolVersion     = "5"
	agentString         = "ocx-sandboxrunner/1"
)

// TimingConfig controls reconnection, heartbeat, token renewal, and
// backpressure behavior. Subscribe replaces an all-zero TimingConfig with
// DefaultTiming; a partly filled one is used as is.
type TimingConfig struct {
	ConnectTimeout            time.Duration
	ReconnectTimeout          time.Duration
	DefaultMaxIdleInterval    time.Duration
	DefaultConnectionStateTTL time.Duration
	HeartbeatMargin           time.Duration
	InitialRetryInterval      time.Duration
	MaxRetryInterval          time.Duration
	MaxRetryAttempts          int
	ReattachWindow            time.Duration
	TokenRenewalMargin        time.Duration
	TokenRenewalRetryDelay    time.Duration
	MaxTokenRenewalFailures   int
	EventChannelCapacity      int
}

// DefaultTiming returns the production timing defaults.
func DefaultTiming() TimingConfig {
	return TimingConfig{
		ConnectTimeout:            30 * time.Second,
		ReconnectTimeout:          60 * time.Second,
		DefaultMaxIdleInterval:    15 * time.Second,
		DefaultConnectionStateTTL: 120 * time.Second,
		HeartbeatMargin:           10 * time.Second,
		InitialRetryInterval:      1 * time.Second,
		MaxRetryInterval:          15 * time.Second,
		MaxRetryAttempts:          40,
		ReattachWindow:            15 * time.Second,
		TokenRenewalMargin:        5 * time.Minute,
		TokenRenewalRetryDelay:    30 * time.Second,
		MaxTokenRenewalFailures:   3,
		EventChannelCapacity:      64,
	}
}

// TokenRequest is a signed request for a realtime token, normally produced
// server-side and handed to the client to exchange for a TokenDetails.
type TokenRequest struct {
	KeyName    string `json:"keyName"`
	Timestamp  int64  `json:"timestamp"`
	Nonce      string `json:"nonce"`
	Mac        string `json:"mac"`
	Capability string `json:"capability"`
	TTL        int64  `json:"ttl,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
}

// TokenDetails is the token returned by the realtime host's REST endpoint.
type TokenDetails struct {
	Token      string `json:"token"`
	Expires    int64  `json:"expires"`
	Issued     int64  `json:"issued"`
	Capability string `json:"capability,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
}

// GetTokenFunc produces a fresh signed TokenRequest on demand.
type GetTokenFunc func(ctx context.Context) (TokenRequest, error)

// Message is a single payload delivered on the subscribed channel.
type Message struct {
	Name      string
	Data      interface{}
	ID        string
	ClientID  string
	Timestamp int64
}

// EventKind discriminates the Event union.
type EventKind int

const (
	EventMessage EventKind = iota
	EventConnected
	EventDisconnected
	EventError
)

// Event is emitted to the subscription's event channel.
type Event struct {
	Kind    EventKind
	Message Message
	Reason  string
	Code    int32
}

// Config configures a subscription.
type Config struct {
	Host          string
	RestHost      string
	Channel       string
	ChannelParams map[string]string
	GetToken      GetTokenFunc
	Timing        TimingConfig
	HTTPClient    *http.Client
}

// Subscription is a handle to a running subscription's background
// connection loop.
type Subscription struct {
	events    chan Event
	closeOnce sync.Once
	closeCh   chan struct{}
	done      chan struct{}
}

// Events returns the channel events are delivered on. It is closed when
// the background loop exits.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close requests a graceful shutdown and waits for the background loop to
// exit.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.closeCh) })
	<-s.done
}

func restHostFor(realtimeHost string) string {
	if realtimeHost == defaultRealtimeHost {
		return "rest.ably.io"
	}
	return realtimeHost
}

// withScheme prepends defaultScheme to host unless host already carries an
// explicit scheme. Production hosts are bare ("realtime.ably.io"); tests
// point this at a local http(s) server with the scheme already attached.
func withScheme(host, defaultScheme string) string {
	if strings.Contains(host, "://") {
		return host
	}
	return defaultScheme + "://" + host
}

func buildWSURL(host, token, resume string) (string, error) {
	u, err := url.Parse(withScheme(host, "wss") + "/")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("access_token", token)
	q.Set("format", "msgpack")
	q.Set("v", protocolVersion)
	q.Set("agent", agentString)
	q.Set("heartbeats", "true")
	q.Set("echo", "false")
	if resume != "" {
		q.Set("resume", resume)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func exchangeToken(ctx context.Context, client *http.Client, req TokenRequest, host string) (TokenDetails, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return TokenDetails{}, err
	}
	url := fmt.Sprintf("%s/keys/%s/requestToken", withScheme(host, "https"), req.KeyName)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return TokenDetails{}, err
	}
	httpReq.Header.Set("X-Ably-Version", protocolVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return TokenDetails{}, fmt.Errorf("realtime: token exchange: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return TokenDetails{}, fmt.Errorf("realtime: token exchange: status %d", resp.StatusCode)
	}

	var td TokenDetails
	if err := json.NewDecoder(resp.Body).Decode(&td); err != nil {
		return TokenDetails{}, fmt.Errorf("realtime: decode token response: %w", err)
	}
	return td, nil
}

// Subscribe establishes a connection, exchanges a token, attaches to the
// configured channel, and returns a Subscription whose Events() channel
// delivers messages and connection-state transitions. The background
// connection loop handles reconnection, token renewal, and heartbeat
// timeout detection on its own.
func Subscribe(ctx context.Context, cfg Config) (*Subscription, error) {
	timing := cfg.Timing
	if timing == (TimingConfig{}) {
		timing = DefaultTiming()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: timing.ConnectTimeout}
	}

	realtimeHost := cfg.Host
	if realtimeHost == "" {
		realtimeHost = defaultRealtimeHost
	}
	restHost := cfg.RestHost
	if restHost == "" {
		restHost = restHostFor(realtimeHost)
	}

	connectCtx, cancel := context.WithTimeout(ctx, timing.ConnectTimeout)
	defer cancel()

	tokenReq, err := cfg.GetToken(connectCtx)
	if err != nil {
		return nil, fmt.Errorf("realtime: fetch token request: %w", err)
	}
	token, err := exchangeToken(connectCtx, cfg.HTTPClient, tokenReq, restHost)
	if err != nil {
		return nil, err
	}

	wc, state, err := connectAndAttach(connectCtx, realtimeHost, token, cfg.Channel, cfg.ChannelParams, timing)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		events:  make(chan Event, timing.EventChannelCapacity),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	sub.events <- Event{Kind: EventConnected}

	loop := &eventLoop{
		wc:            wc,
		state:         state,
		cfg:           cfg,
		timing:        timing,
		realtimeHost:  realtimeHost,
		restHost:      restHost,
		events:        sub.events,
		closeCh:       sub.closeCh,
	}
	go func() {
		loop.run()
		close(sub.events)
		close(sub.done)
	}()

	return sub, nil
}

// wsConn owns a single WebSocket connection and a background pump that
// feeds decoded frames to msgCh, so the event loop can select over
// incoming traffic alongside timers.
type wsConn struct {
	conn  *websocket.Conn
	msgCh chan frameResult
}

type frameResult struct {
	msg ProtocolMessage
	err error
}

func newWsConn(conn *websocket.Conn) *wsConn {
	wc := &wsConn{conn: conn, msgCh: make(chan frameResult, 1)}
	go wc.pump()
	return wc
}

func (wc *wsConn) pump() {
	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			wc.msgCh <- frameResult{err: err}
			return
		}
		msg, err := decodeMsg(data)
		wc.msgCh <- frameResult{msg: msg, err: err}
	}
}

func (wc *wsConn) send(msg ProtocolMessage) error {
	data, err := encodeMsg(msg)
	if err != nil {
		return err
	}
	return wc.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (wc *wsConn) close() {
	wc.conn.Close()
}

func dialAndSplit(ctx context.Context, wsURL string) (*wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	return newWsConn(conn), nil
}

func waitFor(ctx context.Context, wc *wsConn, match func(ProtocolMessage) (bool, error)) (ProtocolMessage, error) {
	for {
		select {
		case <-ctx.Done():
			return ProtocolMessage{}, ctx.Err()
		case fr := <-wc.msgCh:
			if fr.err != nil {
				return ProtocolMessage{}, fmt.Errorf("realtime: read: %w", fr.err)
			}
			ok, err := match(fr.msg)
			if err != nil {
				return ProtocolMessage{}, err
			}
			if ok {
				return fr.msg, nil
			}
		}
	}
}

func waitForConnected(ctx context.Context, wc *wsConn) (ProtocolMessage, error) {
	return waitFor(ctx, wc, func(msg ProtocolMessage) (bool, error) {
		switch msg.Action {
		case ActionConnected:
			return true, nil
		case ActionError, ActionDisconnected:
			err := errorOrUnknown(msg.Error)
			return false, fmt.Errorf("realtime: %s (code %d)", err.Message, err.Code)
		}
		return false, nil
	})
}

func waitForAttached(ctx context.Context, wc *wsConn, channel string) (ProtocolMessage, error) {
	return waitFor(ctx, wc, func(msg ProtocolMessage) (bool, error) {
		switch msg.Action {
		case ActionAttached:
			return msg.Channel == channel, nil
		case ActionError:
			err := errorOrUnknown(msg.Error)
			return false, fmt.Errorf("realtime: %s (code %d)", err.Message, err.Code)
		case ActionDetached:
			err := errorOrUnknown(msg.Error)
			return false, fmt.Errorf("realtime: channel detached: %s", err.Message)
		}
		return false, nil
	})
}

// connState tracks per-connection identity and timing derived from the
// CONNECTED handshake, used to decide whether a reconnect can resume.
type connState struct {
	connectionID      string
	connectionKey     string
	channelSerial     string
	connectionStateTTL time.Duration
	maxIdleInterval    time.Duration
	disconnectedAt     time.Time
	lastReattachAt     time.Time
	token              TokenDetails
	tokenRenewalAt     time.Time
}

func computeRenewalAt(token TokenDetails, margin time.Duration) time.Time {
	expiresAt := time.UnixMilli(token.Expires)
	renewAt := expiresAt.Add(-margin)
	if renewAt.Before(time.Now()) {
		return time.Now()
	}
	return renewAt
}

func (s *connState) updateFromConnected(msg ProtocolMessage, timing TimingConfig) {
	s.connectionID = msg.ConnectionID
	if msg.ConnectionKey != "" {
		s.connectionKey = msg.ConnectionKey
	}
	s.connectionStateTTL = timing.DefaultConnectionStateTTL
	s.maxIdleInterval = timing.DefaultMaxIdleInterval
	if d := msg.ConnectionDetails; d != nil {
		if d.ConnectionKey != "" {
			s.connectionKey = d.ConnectionKey
		}
		if d.ConnectionStateTTL > 0 {
			s.connectionStateTTL = time.Duration(d.ConnectionStateTTL) * time.Millisecond
		}
		if d.MaxIdleInterval > 0 {
			s.maxIdleInterval = time.Duration(d.MaxIdleInterval) * time.Millisecond
		}
	}
}

func (s *connState) canResume() bool {
	if s.disconnectedAt.IsZero() {
		return false
	}
	return time.Since(s.disconnectedAt) < s.connectionStateTTL && s.connectionKey != ""
}

func connectAndAttach(ctx context.Context, realtimeHost string, token TokenDetails, channel string, params map[string]string, timing TimingConfig) (*wsConn, *connState, error) {
	wsURL, err := buildWSURL(realtimeHost, token.Token, "")
	if err != nil {
		return nil, nil, err
	}
	wc, err := dialAndSplit(ctx, wsURL)
	if err != nil {
		return nil, nil, err
	}

	connectedMsg, err := waitForConnected(ctx, wc)
	if err != nil {
		wc.close()
		return nil, nil, err
	}

	state := &connState{token: token, tokenRenewalAt: computeRenewalAt(token, timing.TokenRenewalMargin)}
	state.updateFromConnected(connectedMsg, timing)

	attach := buildAttachMsg(channel, params, "")
	if err := wc.send(attach); err != nil {
		wc.close()
		return nil, nil, fmt.Errorf("realtime: send attach: %w", err)
	}

	attachedMsg, err := waitForAttached(ctx, wc, channel)
	if err != nil {
		wc.close()
		return nil, nil, err
	}
	state.channelSerial = attachedMsg.ChannelSerial

	return wc, state, nil
}

// eventLoop runs the background connection lifecycle: message dispatch,
// heartbeat monitoring, token renewal, and reconnection with resume.
type eventLoop struct {
	wc      *wsConn
	state   *connState
	cfg     Config
	timing  TimingConfig
	realtimeHost string
	restHost     string
	events  chan<- Event
	closeCh <-chan struct{}

	retryCount       int
	tokenFailures    int
	droppedMessages  uint64
}

func (l *eventLoop) run() {
	for {
		reconnect, stop := l.drain()
		if stop {
			l.wc.close()
			return
		}
		if !reconnect {
			l.wc.close()
			return
		}

		l.state.disconnectedAt = time.Now()

		if !l.reconnectLoop() {
			return
		}
	}
}

// drain runs the main per-connection message loop until it needs to stop,
// reconnect, or was asked to close. Returns (reconnect, stop).
func (l *eventLoop) drain() (bool, bool) {
	for {
		idleTimeout := l.state.maxIdleInterval + l.timing.HeartbeatMargin
		idleTimer := time.NewTimer(idleTimeout)
		renewalTimer := time.NewTimer(time.Until(l.state.tokenRenewalAt))

		select {
		case fr := <-l.wc.msgCh:
			idleTimer.Stop()
			renewalTimer.Stop()
			if fr.err != nil {
				return true, false
			}
			l.retryCount = 0
			action := l.handleMessage(fr.msg)
			switch action {
			case loopStop:
				return false, true
			case loopReconnect:
				return true, false
			}

		case <-idleTimer.C:
			renewalTimer.Stop()
			return true, false

		case <-renewalTimer.C:
			idleTimer.Stop()
			ctx, cancel := context.WithTimeout(context.Background(), l.timing.ConnectTimeout)
			err := l.renewToken(ctx)
			cancel()
			if l.handleRenewalResult(err) {
				return false, true
			}

		case <-l.closeCh:
			idleTimer.Stop()
			renewalTimer.Stop()
			closeMsg := ProtocolMessage{Action: ActionClose}
			l.wc.send(closeMsg)
			l.wc.close()
			return false, true
		}
	}
}

type loopAction int

const (
	loopContinue loopAction = iota
	loopStop
	loopReconnect
)

func (l *eventLoop) handleMessage(msg ProtocolMessage) loopAction {
	switch msg.Action {
	case ActionHeartbeat:
		// no-op

	case ActionMessage:
		if msg.ChannelSerial != "" {
			l.state.channelSerial = msg.ChannelSerial
		}
		for i, m := range msg.Messages {
			id := m.ID
			if id == "" && msg.ID != "" {
				id = fmt.Sprintf("%s:%d", msg.ID, i)
			}
			ts := m.Timestamp
			if ts == 0 {
				ts = msg.Timestamp
			}
			event := Event{Kind: EventMessage, Message: Message{
				Name: m.Name, Data: m.Data, ID: id, ClientID: m.ClientID, Timestamp: ts,
			}}
			select {
			case l.events <- event:
			default:
				l.droppedMessages++
			}
		}

	case ActionDisconnected:
		if msg.Error != nil && !isRetriable(*msg.Error) {
			l.sendEvent(Event{Kind: EventError, Code: msg.Error.Code, Reason: msg.Error.Message})
			return loopStop
		}
		reason := ""
		if msg.Error != nil {
			reason = msg.Error.Message
		}
		l.sendEvent(Event{Kind: EventDisconnected, Reason: reason})
		return loopReconnect

	case ActionError:
		err := errorOrUnknown(msg.Error)
		l.sendEvent(Event{Kind: EventError, Code: err.Code, Reason: err.Message})
		return loopStop

	case ActionDetached:
		if msg.Error != nil && !isRetriable(*msg.Error) {
			l.state.channelSerial = ""
			l.sendEvent(Event{Kind: EventError, Code: msg.Error.Code, Reason: "channel detached: " + msg.Error.Message})
			return loopStop
		}
		if !l.state.lastReattachAt.IsZero() && time.Since(l.state.lastReattachAt) < l.timing.ReattachWindow {
			return loopReconnect
		}
		l.state.lastReattachAt = time.Now()
		attach := buildAttachMsg(l.cfg.Channel, l.cfg.ChannelParams, l.state.channelSerial)
		if err := l.wc.send(attach); err != nil {
			return loopReconnect
		}

	case ActionAttached:
		if msg.ChannelSerial != "" {
			l.state.channelSerial = msg.ChannelSerial
		}
		l.state.lastReattachAt = time.Time{}

	case ActionConnected:
		l.state.updateFromConnected(msg, l.timing)

	case ActionClosed:
		return loopStop

	case ActionAuth:
		ctx, cancel := context.WithTimeout(context.Background(), l.timing.ConnectTimeout)
		err := l.renewToken(ctx)
		cancel()
		if l.handleRenewalResult(err) {
			return loopStop
		}
	}
	return loopContinue
}

func (l *eventLoop) sendEvent(e Event) {
	select {
	case l.events <- e:
	default:
	}
}

func (l *eventLoop) renewToken(ctx context.Context) error {
	tokenReq, err := l.cfg.GetToken(ctx)
	if err != nil {
		return fmt.Errorf("realtime: fetch token request: %w", err)
	}
	newToken, err := exchangeToken(ctx, l.cfg.HTTPClient, tokenReq, l.restHost)
	if err != nil {
		return err
	}

	authMsg := ProtocolMessage{Action: ActionAuth, Auth: &AuthDetails{AccessToken: newToken.Token}}
	if err := l.wc.send(authMsg); err != nil {
		return fmt.Errorf("realtime: send auth: %w", err)
	}

	l.state.token = newToken
	l.state.tokenRenewalAt = computeRenewalAt(newToken, l.timing.TokenRenewalMargin)
	return nil
}

// handleRenewalResult returns true if the failure is fatal.
func (l *eventLoop) handleRenewalResult(err error) bool {
	if err == nil {
		l.tokenFailures = 0
		return false
	}

	l.tokenFailures++
	if l.tokenFailures >= l.timing.MaxTokenRenewalFailures {
		l.sendEvent(Event{Kind: EventError, Code: ErrCodeFailed, Reason: fmt.Sprintf("token renewal failed %d consecutive times", l.timing.MaxTokenRenewalFailures)})
		return true
	}

	l.state.tokenRenewalAt = time.Now().Add(l.timing.TokenRenewalRetryDelay)
	return false
}

// reconnectLoop retries connecting until it succeeds, the budget is
// exhausted, or a close is requested. Returns false if the loop should
// stop entirely.
func (l *eventLoop) reconnectLoop() bool {
	for {
		l.retryCount++
		if l.retryCount > l.timing.MaxRetryAttempts {
			l.sendEvent(Event{Kind: EventError, Code: ErrCodeFailed, Reason: fmt.Sprintf("connection failed after %d attempts", l.timing.MaxRetryAttempts)})
			return false
		}

		backoff := backoffFor(l.retryCount, l.timing)
		select {
		case <-time.After(backoff):
		case <-l.closeCh:
			return false
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.timing.ReconnectTimeout)
		err := l.attemptReconnect(ctx)
		cancel()
		if err == nil {
			l.retryCount = 0
			l.tokenFailures = 0
			l.sendEvent(Event{Kind: EventConnected})
			return true
		}
	}
}

func backoffFor(retryCount int, timing TimingConfig) time.Duration {
	exp := retryCount - 1
	if exp > 30 {
		exp = 30
	}
	backoff := timing.InitialRetryInterval * time.Duration(int64(1)<<uint(exp))
	if backoff > timing.MaxRetryInterval {
		backoff = timing.MaxRetryInterval
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return backoff + jitter
}

// attemptReconnect performs one connect attempt (resume or fresh). All
// state mutations are deferred until connect, handshake, and attach have
// all succeeded, so a partial failure never leaves the subscription
// without an attached channel.
func (l *eventLoop) attemptReconnect(ctx context.Context) error {
	useResume := l.state.canResume()

	var newToken *TokenDetails
	if !useResume {
		tokenReq, err := l.cfg.GetToken(ctx)
		if err != nil {
			return fmt.Errorf("realtime: fetch token request: %w", err)
		}
		token, err := exchangeToken(ctx, l.cfg.HTTPClient, tokenReq, l.restHost)
		if err != nil {
			return err
		}
		newToken = &token
	}

	activeToken := l.state.token.Token
	if newToken != nil {
		activeToken = newToken.Token
	}

	resume := ""
	if useResume {
		resume = l.state.connectionKey
	}

	wsURL, err := buildWSURL(l.realtimeHost, activeToken, resume)
	if err != nil {
		return err
	}
	wc, err := dialAndSplit(ctx, wsURL)
	if err != nil {
		return err
	}

	connectedMsg, err := waitForConnected(ctx, wc)
	if err != nil {
		wc.close()
		return err
	}

	resumed := useResume && connectedMsg.ConnectionID == l.state.connectionID && connectedMsg.Error == nil

	var newChannelSerial string
	if !resumed {
		attach := buildAttachMsg(l.cfg.Channel, l.cfg.ChannelParams, l.state.channelSerial)
		if err := wc.send(attach); err != nil {
			wc.close()
			return err
		}
		attachedMsg, err := waitForAttached(ctx, wc, l.cfg.Channel)
		if err != nil {
			wc.close()
			return err
		}
		newChannelSerial = attachedMsg.ChannelSerial
	}

	l.state.updateFromConnected(connectedMsg, l.timing)
	if newChannelSerial != "" {
		l.state.channelSerial = newChannelSerial
	}
	if newToken != nil {
		l.state.token = *newToken
		l.state.tokenRenewalAt = computeRenewalAt(*newToken, l.timing.TokenRenewalMargin)
	}
	old := l.wc
	l.wc = wc
	old.close()
	l.state.disconnectedAt = time.Time{}

	return nil
}
