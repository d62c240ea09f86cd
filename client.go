package lightstreamer

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Phase is the coarse state of the session driver (§3, §4.5).
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseStreamOpen
	PhaseSessionOpen
	PhaseDisconnecting
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "DISCONNECTED"
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseStreamOpen:
		return "STREAM_OPEN"
	case PhaseSessionOpen:
		return "SESSION_OPEN"
	case PhaseDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Status strings exposed to ClientListener.OnStatusChange and
// Client.Status, bit-exact per §6.
const (
	StatusDisconnected            = "DISCONNECTED"
	StatusConnecting              = "CONNECTING"
	StatusConnectedStreamSensing  = "CONNECTED:STREAM-SENSING"
	StatusConnectedWSStreaming    = "CONNECTED:WS-STREAMING"
	StatusStalled                 = "STALLED"
	StatusDisconnectedWillRetry   = "DISCONNECTED:WILL-RETRY"
	StatusDisconnectedTryingRecov = "DISCONNECTED:TRYING-RECOVERY"
)

// commandQueueSize bounds the user-command channel; callers receive
// Busy rather than blocking unboundedly when it is full (§5).
const commandQueueSize = 64

// Client is the session driver: it owns the transport, runs the
// message loop, and sequences handshake → session → subscriptions →
// updates (§4.5). All core state (registry, phase, decoder state) is
// touched only by its driver goroutine; see §5.
type Client struct {
	details ConnectionDetails
	options ConnectionOptions

	transportFactory TransportFactory
	logger           Logger

	mu              sync.RWMutex
	phase           Phase
	sessionID       string
	controlLink     string
	clientListeners []ClientListener

	registry *registry

	commands chan interface{}
	shutdown chan struct{}
	stopped  chan struct{}

	reqIDCounter int64

	// pendingReq correlates an outstanding control request id to the
	// callback that should fire when REQOK/REQERR arrives.
	pendingReqMu sync.Mutex
	pendingReq   map[int]func(err error)

	transport Transport
}

// ClientConfig bundles the arguments NewClient needs beyond the bare
// connection details.
type ClientConfig struct {
	TransportFactory TransportFactory // defaults to DialWebSocket
	Logger           Logger           // defaults to nil (no logging)
}

// NewClient constructs a Client for serverURL/adapterSet. It does not
// dial; call Connect to start the session.
func NewClient(serverURL, adapterSet, user, password string, cfg ClientConfig) (*Client, error) {
	if serverURL == "" {
		return nil, newConfigError("server URL is required")
	}
	if adapterSet == "" {
		return nil, newConfigError("adapter set is required")
	}
	factory := cfg.TransportFactory
	if factory == nil {
		factory = DialWebSocket
	}
	return &Client{
		details: ConnectionDetails{
			ServerURL:  serverURL,
			AdapterSet: adapterSet,
			User:       user,
			Password:   password,
		},
		options:          NewConnectionOptions(),
		transportFactory: factory,
		logger:           cfg.Logger,
		phase:            PhaseDisconnected,
		registry:         newRegistry(),
		commands:         make(chan interface{}, commandQueueSize),
		shutdown:         make(chan struct{}),
		stopped:          make(chan struct{}),
		pendingReq:       make(map[int]func(err error)),
	}, nil
}

// SetConnectionOptions replaces the client's tuning knobs. Valid at any
// phase; takes effect on the next connect.
func (c *Client) SetConnectionOptions(opts ConnectionOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.options = opts
}

// AddListener registers a ClientListener. Safe to call at any time.
func (c *Client) AddListener(l ClientListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientListeners = append(c.clientListeners, l)
}

// Status returns the current bit-exact status string (§6).
func (c *Client) Status() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.phase {
	case PhaseDisconnected, PhaseDisconnecting:
		return StatusDisconnected
	case PhaseConnecting:
		return StatusConnecting
	case PhaseStreamOpen, PhaseSessionOpen:
		return StatusConnectedWSStreaming
	default:
		return StatusDisconnected
	}
}

func (c *Client) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func (c *Client) getPhase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

func (c *Client) notifyStatus(status string) {
	c.mu.RLock()
	listeners := append([]ClientListener(nil), c.clientListeners...)
	c.mu.RUnlock()
	for _, l := range listeners {
		l.OnStatusChange(status)
	}
}

func (c *Client) notifyServerError(code int, message string) {
	c.mu.RLock()
	listeners := append([]ClientListener(nil), c.clientListeners...)
	c.mu.RUnlock()
	for _, l := range listeners {
		l.OnServerError(code, message)
	}
}

func (c *Client) log(level, msg string) {
	if c.logger == nil {
		return
	}
	ctx := context.Background()
	switch level {
	case "debug":
		c.logger.Debug(ctx, msg)
	case "info":
		c.logger.Info(ctx, msg)
	case "warn":
		c.logger.Warn(ctx, msg)
	case "error":
		c.logger.Error(ctx, msg)
	}
}

// Connect dials the transport, runs the TLCP handshake, and starts the
// message loop. It blocks until the session reaches SESSION_OPEN or
// the handshake fails; the message loop then runs until Disconnect or
// a fatal error. If shutdownSignal is non-nil, closing it requests an
// orderly disconnect equivalent to calling Disconnect.
func (c *Client) Connect(shutdownSignal <-chan struct{}) error {
	if c.getPhase() != PhaseDisconnected {
		return newIllegalStateError("connect called in phase %s", c.getPhase())
	}
	c.setPhase(PhaseConnecting)
	c.notifyStatus(StatusConnecting)

	headers := http.Header{}
	transport, err := c.transportFactory(c.details.ServerURL, headers)
	if err != nil {
		c.setPhase(PhaseDisconnected)
		c.notifyStatus(StatusDisconnected)
		return err
	}
	c.transport = transport
	c.setPhase(PhaseStreamOpen)

	ctx, cancel := context.WithTimeout(context.Background(), c.handshakeTimeout())
	defer cancel()

	if err := c.transport.WriteFrame(ctx, EncodeWSOK()); err != nil {
		c.failConnect(err)
		return err
	}
	if err := c.awaitTag(ctx, TagWSOK); err != nil {
		c.failConnect(err)
		return err
	}

	cid := uuid.NewString()
	createSession := EncodeCreateSession(CreateSessionParams{
		CID:        cid,
		AdapterSet: c.details.AdapterSet,
		User:       c.details.User,
		Password:   c.details.Password,
	})
	if err := c.transport.WriteFrame(ctx, createSession); err != nil {
		c.failConnect(err)
		return err
	}
	conok, err := c.awaitMessage(ctx, TagCONOK, TagCONERR)
	if err != nil {
		c.failConnect(err)
		return err
	}
	if conok.Tag == TagCONERR {
		err := newServerError(conok.ErrorCode, conok.ErrorMessage)
		c.notifyServerError(conok.ErrorCode, conok.ErrorMessage)
		c.failConnect(err)
		return err
	}

	c.mu.Lock()
	c.sessionID = conok.SessionID
	c.controlLink = conok.ControlLink
	if conok.Keepalive > 0 {
		c.options.KeepaliveIntervalMs = conok.Keepalive
	}
	c.mu.Unlock()

	c.setPhase(PhaseSessionOpen)
	c.notifyStatus(StatusConnectedWSStreaming)

	c.flushPendingSubscriptions(ctx)

	if shutdownSignal != nil {
		go func() {
			select {
			case <-shutdownSignal:
				_ = c.Disconnect()
			case <-c.stopped:
			}
		}()
	}

	go c.runMessageLoop()

	return nil
}

func (c *Client) handshakeTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ms := c.options.ReconnectTimeoutMs
	if ms <= 0 {
		ms = defaultReconnectTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond * 4
}

func (c *Client) failConnect(err error) {
	c.setPhase(PhaseDisconnected)
	c.notifyStatus(StatusDisconnected)
	c.log("error", fmt.Sprintf("connect failed: %v", err))
	if c.transport != nil {
		_ = c.transport.Close()
	}
}

// awaitTag reads frames until one with the given tag arrives.
func (c *Client) awaitTag(ctx context.Context, want MessageTag) error {
	_, err := c.awaitMessage(ctx, want)
	return err
}

// awaitMessage reads frames until one whose tag is in want arrives,
// ignoring informational tags (SERVNAME, CLIENTIP, CONS, SYNC) and
// unknown tags, and failing on anything else unexpected for a
// handshake phase.
func (c *Client) awaitMessage(ctx context.Context, want ...MessageTag) (*Message, error) {
	for {
		frame, err := c.transport.ReadFrame(ctx)
		if err != nil {
			return nil, newTransportError("handshake read failed", err)
		}
		msg, err := ParseMessage(frame)
		if err != nil {
			return nil, err
		}
		for _, w := range want {
			if msg.Tag == w {
				return msg, nil
			}
		}
		switch msg.Tag {
		case TagSERVNAME, TagCLIENTIP, TagCONS, TagSYNC, TagUnknown:
			continue
		default:
			return nil, newProtocolError("unexpected tag %s during handshake", msg.Tag)
		}
	}
}

// flushPendingSubscriptions sends one control/add request per queued
// subscription, in enqueue order, each bound to a fresh LS_reqId
// (§4.3, §4.5).
func (c *Client) flushPendingSubscriptions(ctx context.Context) {
	for _, p := range c.registry.flushPending() {
		sub := c.registry.get(p.subID)
		if sub == nil {
			continue
		}
		c.sendAddRequest(ctx, sub)
	}
}

func (c *Client) nextReqID() int {
	return int(atomic.AddInt64(&c.reqIDCounter, 1))
}

func (c *Client) sendAddRequest(ctx context.Context, sub *Subscription) {
	sub.addSent = true
	reqID := c.nextReqID()
	snapshot := encodeSnapshotParam(sub.RequestedSnapshot)
	id := strings.Join(sub.Items, " ")
	schema := sub.FieldSchema
	if schema == "" {
		schema = strings.Join(sub.Fields, " ")
	}
	body, err := EncodeControl(ControlParams{
		ReqID:                 reqID,
		Op:                    OpAdd,
		SubID:                 sub.SubscriptionID(),
		Mode:                  sub.Mode,
		ID:                    id,
		Group:                 sub.ItemGroup,
		Schema:                schema,
		DataAdapter:           sub.DataAdapter,
		Snapshot:              snapshot,
		RequestedMaxFrequency: sub.RequestedMaxFrequency,
		RequestedBufferSize:   sub.RequestedBufferSize,
		Selector:              sub.Selector,
	})
	if err != nil {
		c.dispatchSubscriptionError(sub, -1, err.Error())
		return
	}
	subID := sub.SubscriptionID()
	c.registerPendingReq(reqID, func(err error) {
		if err != nil {
			code, message := -1, err.Error()
			if se, ok := err.(*ServerError); ok {
				code, message = se.Code, se.Message
			}
			c.dispatchSubscriptionError(sub, code, message)
			c.registry.removeInvalid(subID)
		}
	})
	if err := c.transport.WriteFrame(ctx, body); err != nil {
		c.log("error", fmt.Sprintf("failed to send add request for subscription %d: %v", subID, err))
	}
}

func encodeSnapshotParam(s RequestedSnapshot) string {
	switch {
	case s.No:
		return "false"
	case s.Length > 0 && !s.Yes:
		return fmt.Sprintf("%d", s.Length)
	default:
		return "true"
	}
}

func (c *Client) registerPendingReq(reqID int, cb func(err error)) {
	c.pendingReqMu.Lock()
	c.pendingReq[reqID] = cb
	c.pendingReqMu.Unlock()
}

func (c *Client) resolvePendingReq(reqID int, err error) {
	c.pendingReqMu.Lock()
	cb, ok := c.pendingReq[reqID]
	if ok {
		delete(c.pendingReq, reqID)
	}
	c.pendingReqMu.Unlock()
	if ok && cb != nil {
		cb(err)
	}
}

// Subscribe validates and registers sub, returning its assigned
// handle (subscription id). If the session is already open the add
// request is sent immediately; otherwise it is queued and flushed on
// SESSION_OPEN (§4.3, §9).
func (c *Client) Subscribe(sub *Subscription) (int, error) {
	if sub.Mode != ModeMerge {
		return 0, newConfigError("subscription mode %q is not supported (MERGE only)", sub.Mode)
	}
	id := c.registry.enqueue(sub)
	select {
	case c.commands <- subscribeCmd{subID: id}:
	default:
		return id, newBusy("subscribe")
	}
	return id, nil
}

// Unsubscribe requests the subscription identified by handle be torn
// down. Unsubscribing a not-yet-confirmed subscription cancels its
// pending add request instead of issuing a control/delete (§4.3).
func (c *Client) Unsubscribe(handle int) error {
	select {
	case c.commands <- unsubscribeCmd{subID: handle}:
		return nil
	default:
		return newBusy("unsubscribe")
	}
}

// SendMessage submits msg to the server. The sequence and timeout
// arguments are accepted but not sent to the server, and listener is
// notified only through OnError, when writing the message frame fails;
// no other ClientMessageListener callback is invoked.
func (c *Client) SendMessage(msg string, sequence string, timeout time.Duration, listener ClientMessageListener) error {
	select {
	case c.commands <- sendMessageCmd{msg: msg, sequence: sequence, timeout: timeout, listener: listener}:
		return nil
	default:
		return newBusy("send_message")
	}
}

// Disconnect requests an orderly shutdown and blocks until the
// transition to DISCONNECTED completes (§5).
func (c *Client) Disconnect() error {
	if c.getPhase() == PhaseDisconnected {
		return nil
	}
	select {
	case <-c.shutdown:
		// already closed
	default:
		close(c.shutdown)
	}
	<-c.stopped
	return nil
}

type subscribeCmd struct{ subID int }
type unsubscribeCmd struct{ subID int }
type sendMessageCmd struct {
	msg      string
	sequence string
	timeout  time.Duration
	listener ClientMessageListener
}

// runMessageLoop is the driver's event loop per §4.5/§5: it
// concurrently awaits an inbound frame, a user command, the stall
// timer, and the shutdown signal.
func (c *Client) runMessageLoop() {
	defer close(c.stopped)

	frameCh := make(chan string)
	frameErrCh := make(chan error, 1)
	readCtx, cancelRead := context.WithCancel(context.Background())
	defer cancelRead()

	go func() {
		for {
			frame, err := c.transport.ReadFrame(readCtx)
			if err != nil {
				select {
				case frameErrCh <- err:
				default:
				}
				return
			}
			select {
			case frameCh <- frame:
			case <-readCtx.Done():
				return
			}
		}
	}()

	c.mu.RLock()
	stalledMs := c.options.StalledTimeoutMs
	keepaliveMs := c.options.KeepaliveIntervalMs
	c.mu.RUnlock()
	if stalledMs <= 0 {
		stalledMs = defaultStalledTimeoutMs
	}
	if keepaliveMs <= 0 {
		keepaliveMs = defaultKeepaliveIntervalMs
	}
	// The stall window is the server-advertised keepalive interval plus
	// the configured stalled_timeout_ms margin: a healthy session is
	// silent for up to one keepalive period between PROBE frames, so the
	// timer must outlast that before declaring the session stalled.
	stallInterval := time.Duration(keepaliveMs+stalledMs) * time.Millisecond
	stallTimer := time.NewTimer(stallInterval)
	defer stallTimer.Stop()

	for {
		select {
		case frame := <-frameCh:
			stallTimer.Reset(stallInterval)
			c.handleFrame(frame)
			if c.getPhase() == PhaseDisconnecting {
				c.doShutdown()
				return
			}

		case err := <-frameErrCh:
			c.handleTransportFailure(err)
			return

		case cmd := <-c.commands:
			c.handleCommand(cmd)

		case <-stallTimer.C:
			c.notifyStatus(StatusStalled)
			c.log("warn", "session stalled: no frame within keepalive_interval_ms+stalled_timeout_ms")
			// Reconnect across a stall is a Non-goal (§1); the only
			// available recovery here is an orderly disconnect.
			c.setPhase(PhaseDisconnecting)
			c.doShutdown()
			return

		case <-c.shutdown:
			c.doShutdown()
			return
		}
	}
}

func (c *Client) doShutdown() {
	c.setPhase(PhaseDisconnecting)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if c.transport != nil {
		_ = c.transport.WriteFrame(ctx, "destroy")
		_ = c.transport.Close()
	}
	c.resetSubscriptionsOnSessionEnd()
	c.setPhase(PhaseDisconnected)
	c.notifyStatus(StatusDisconnected)
}

func (c *Client) handleTransportFailure(err error) {
	c.setPhase(PhaseDisconnecting)
	c.log("error", fmt.Sprintf("transport failure: %v", err))
	if c.transport != nil {
		_ = c.transport.Close()
	}
	c.resetSubscriptionsOnSessionEnd()
	c.setPhase(PhaseDisconnected)
	c.notifyStatus(StatusDisconnected)
}

// resetSubscriptionsOnSessionEnd clears "subscribed" and field state for
// every registered subscription when the session ends, per the data
// model invariant that a subscription is subscribed only between subok
// and unsub-or-session-end (§3).
func (c *Client) resetSubscriptionsOnSessionEnd() {
	for _, sub := range c.registry.all() {
		if sub.Subscribed() {
			c.registry.remove(sub.SubscriptionID(), false)
		}
	}
}

func (c *Client) handleCommand(cmd interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch v := cmd.(type) {
	case subscribeCmd:
		sub := c.registry.get(v.subID)
		if sub == nil || sub.addSent {
			// already sent, either by flushPendingSubscriptions while this
			// command was still in the queue, or by an earlier command
			return
		}
		if c.getPhase() == PhaseSessionOpen {
			c.registry.cancelPending(v.subID)
			c.sendAddRequest(ctx, sub)
		}
		// else: stays queued, flushed on SESSION_OPEN

	case unsubscribeCmd:
		sub := c.registry.get(v.subID)
		if sub == nil {
			return
		}
		if !sub.subscribed {
			c.registry.cancelPending(v.subID)
			c.registry.remove(v.subID, true)
			return
		}
		reqID := c.nextReqID()
		body, err := EncodeControl(ControlParams{ReqID: reqID, Op: OpDelete, SubID: v.subID})
		if err != nil {
			return
		}
		if err := c.transport.WriteFrame(ctx, body); err != nil {
			c.log("error", fmt.Sprintf("failed to send unsubscribe for %d: %v", v.subID, err))
		}

	case sendMessageCmd:
		body := "msg\r\n" + v.msg
		if err := c.transport.WriteFrame(ctx, body); err != nil {
			if v.listener != nil {
				v.listener.OnError(v.msg)
			}
			return
		}
	}
}

// handleFrame parses and dispatches a single inbound frame to the
// registry/decoder or to control-plane driver state, per the dataflow
// in §2.
func (c *Client) handleFrame(frame string) {
	msg, err := ParseMessage(frame)
	if err != nil {
		c.log("warn", fmt.Sprintf("malformed frame ignored: %v", err))
		return
	}

	switch msg.Tag {
	case TagUnknown, TagNOOP, TagPROBE:
		// ignored / keep-alive only

	case TagSERVNAME, TagCLIENTIP, TagCONS, TagSYNC:
		// informational

	case TagSUBOK:
		if err := c.registry.confirm(msg.SubID, msg.NItems, msg.NFields); err != nil {
			c.dispatchSubscriptionErrorByID(msg.SubID, -1, err.Error())
			return
		}
		sub := c.registry.get(msg.SubID)
		if sub != nil {
			for _, l := range sub.listeners {
				l.OnSubscription()
			}
		}

	case TagSUBCMD:
		c.dispatchSubscriptionErrorByID(msg.SubID, -1, "COMMAND mode subscriptions are not supported by this core")

	case TagUNSUB:
		sub := c.registry.get(msg.SubID)
		c.registry.remove(msg.SubID, false)
		if sub != nil {
			for _, l := range sub.listeners {
				l.OnUnsubscription()
			}
		}

	case TagEOS:
		sub := c.registry.get(msg.SubID)
		if sub == nil {
			return
		}
		sub.snapshotCompleteByItem[msg.ItemIndex] = true
		for _, l := range sub.listeners {
			l.OnEndOfSnapshot(msg.ItemIndex)
		}

	case TagCS:
		sub := c.registry.get(msg.SubID)
		if sub == nil {
			return
		}
		sub.fields.clearItem(msg.ItemIndex)
		delete(sub.snapshotCompleteByItem, msg.ItemIndex)
		for _, l := range sub.listeners {
			l.OnClearSnapshot(msg.ItemIndex)
		}

	case TagOV:
		sub := c.registry.get(msg.SubID)
		if sub == nil {
			return
		}
		for _, l := range sub.listeners {
			l.OnItemLostUpdates(msg.ItemIndex, msg.LostCount)
		}

	case TagU:
		c.handleUpdate(msg)

	case TagREQOK:
		c.resolvePendingReq(msg.RequestID, nil)

	case TagREQERR:
		err := newServerError(msg.ErrorCode, msg.ErrorMessage)
		c.resolvePendingReq(msg.RequestID, err)

	case TagMSGDONE, TagMSGFAIL:
		// send_message completion is correlated by sequence/prog; this
		// core's SendMessage does not yet route per-call listeners
		// through the driver (§9 Open Question #3).

	case TagEND:
		c.notifyServerError(msg.CauseCode, msg.CauseMessage)
		c.setPhase(PhaseDisconnecting)

	case TagLOOP:
		// reconnect directive; not implemented (§1 non-goal), surfaced
		// as session end per spec §4.2.
		c.setPhase(PhaseDisconnecting)

	case TagCONOK, TagCONERR, TagWSOK:
		// handshake-only tags arriving post-handshake are tolerated
		// rather than torn down, since a duplicate from a slow server is
		// harmless to ignore.
	}
}

func (c *Client) handleUpdate(msg *Message) {
	sub := c.registry.get(msg.SubID)
	if sub == nil || sub.fields == nil {
		return
	}
	nFields := sub.fields.nFields
	result, err := applyUpdate(sub.fields, msg.ItemIndex, nFields, msg.RawValues)
	if err != nil {
		c.dispatchSubscriptionError(sub, -1, err.Error())
		return
	}

	values := sub.fields.snapshot(msg.ItemIndex)
	update := ItemUpdate{
		SubscriptionID: msg.SubID,
		ItemIndex:      msg.ItemIndex,
		Values:         make(map[string]*string, len(values)),
		Changed:        make(map[string]bool, len(result.changed)),
		IsSnapshot:     !sub.snapshotCompleteByItem[msg.ItemIndex],
	}
	if name, ok := sub.itemName(msg.ItemIndex); ok {
		update.ItemName = name
	}
	for pos, v := range values {
		key := fieldKey(sub, pos)
		update.Values[key] = v
	}
	for pos := range result.changed {
		update.Changed[fieldKey(sub, pos)] = true
	}

	for _, l := range sub.listeners {
		l.OnItemUpdate(update)
	}
}

func fieldKey(sub *Subscription, pos int) string {
	if name, ok := sub.fieldName(pos); ok {
		return name
	}
	return fmt.Sprintf("%d", pos)
}

func (c *Client) dispatchSubscriptionError(sub *Subscription, code int, message string) {
	sub.invalid = true
	for _, l := range sub.listeners {
		l.OnSubscriptionError(code, message)
	}
}

func (c *Client) dispatchSubscriptionErrorByID(subID, code int, message string) {
	sub := c.registry.get(subID)
	if sub == nil {
		return
	}
	c.dispatchSubscriptionError(sub, code, message)
	c.registry.removeInvalid(subID)
}
