package silk

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/silktransport/silk/internal/ackhandler"
	"github.com/silktransport/silk/internal/congestion"
	"github.com/silktransport/silk/internal/flowcontrol"
	"github.com/silktransport/silk/internal/handshake"
	"github.com/silktransport/silk/internal/protocol"
	"github.com/silktransport/silk/internal/ratchet"
	"github.com/silktransport/silk/internal/utils"
	"github.com/silktransport/silk/internal/wire"
)

// A sendConn writes datagrams to the network.
type sendConn interface {
	WriteTo(b []byte, addr net.Addr) error
	LocalAddr() net.Addr
}

type receivedPacket struct {
	data       []byte
	remoteAddr net.Addr
	rcvTime    time.Time
}

type closeError struct {
	err       error
	remote    bool
	immediate bool
}

// A connectionRegistry is the connection's handle to the transport's demux
// tables.
type connectionRegistry interface {
	addConnection(c *connection)
	removeConnection(c *connection)
	removePendingHandshake(addr net.Addr)
}

type connection struct {
	perspective protocol.Perspective
	conn        sendConn
	registry    connectionRegistry

	config *Config
	logger utils.Logger
	tracer Tracer // may be nil

	cid          protocol.ConnectionID
	remoteStatic PublicKey

	// remoteAddr is owned by the run loop; the mutex guards the accessor.
	addrMutex  sync.Mutex
	remoteAddr net.Addr

	hs                *handshake.Handshake
	handshakeMessages chan []byte
	handshakeComplete chan struct{}
	handshakeErr      error

	ratchet               *ratchet.Ratchet
	rttStats              *congestion.RTTStats
	congestionController  congestion.SendAlgorithm
	sentPacketHandler     ackhandler.SentPacketHandler
	receivedPacketTracker ackhandler.ReceivedPacketTracker
	connFlowController    flowcontrol.ConnectionFlowController
	streamsMap            *streamsMap
	framer                *framer

	receivedPackets  chan receivedPacket
	sendingScheduled chan struct{}
	closeChan        chan closeError
	closeOnce        sync.Once

	ctx       context.Context
	ctxCancel context.CancelFunc

	timer *connectionTimer

	stateMutex sync.Mutex
	state      State

	// run loop owned
	retransmissionQueue []*wire.Frame
	lastPacketReceived  time.Time
	lastPacketSent      time.Time
	lastRekey           time.Time
	pacingDeadline      time.Time

	// migration, run loop owned
	probedAddr          net.Addr
	pathChallenge       [protocol.PathChallengeSize]byte
	pathChallengeSentAt time.Time

	goAwaySent bool

	stats atomic.Pointer[ConnectionStats]
}

var _ Connection = &connection{}
var _ streamSender = &connection{}

func newConnection(
	conn sendConn,
	registry connectionRegistry,
	remoteAddr net.Addr,
	perspective protocol.Perspective,
	hs *handshake.Handshake,
	config *Config,
) *connection {
	c := &connection{
		perspective:       perspective,
		conn:              conn,
		registry:          registry,
		remoteAddr:        remoteAddr,
		hs:                hs,
		config:            config,
		logger:            config.Logger.WithPrefix(perspective.String() + " "),
		tracer:            config.Tracer,
		handshakeMessages: make(chan []byte, 4),
		handshakeComplete: make(chan struct{}),
		receivedPackets:   make(chan receivedPacket, 64),
		sendingScheduled:  make(chan struct{}, 1),
		closeChan:         make(chan closeError, 1),
		state:             StateClosed,
	}
	c.ctx, c.ctxCancel = context.WithCancel(context.Background())
	c.rttStats = &congestion.RTTStats{}
	c.congestionController = congestion.NewBBRSender(
		congestion.DefaultClock{},
		c.rttStats,
		protocol.InitialCongestionWindow,
		protocol.DefaultMaxCongestionWindow,
	)
	c.sentPacketHandler = ackhandler.NewSentPacketHandler(c.rttStats, c.congestionController, c.logger)
	c.receivedPacketTracker = ackhandler.NewReceivedPacketTracker(c.logger)
	c.connFlowController = flowcontrol.NewConnectionFlowController(
		config.InitialConnectionReceiveWindow,
		config.MaxConnectionReceiveWindow,
		protocol.InitialConnectionReceiveWindow,
		c.rttStats,
	)
	c.streamsMap = newStreamsMap(c.newStreamImpl, perspective, config.MaxIncomingStreams)
	c.framer = newFramer(func(id protocol.StreamID) *stream {
		str, _ := c.streamsMap.GetOrOpenStream(id)
		return str
	})
	if c.tracer != nil {
		c.tracer.StartedConnection(conn.LocalAddr(), remoteAddr)
	}
	return c
}

func (c *connection) newStreamImpl(id protocol.StreamID) *stream {
	fc := flowcontrol.NewStreamFlowController(
		id,
		c.connFlowController,
		c.config.InitialStreamReceiveWindow,
		c.config.MaxStreamReceiveWindow,
		protocol.InitialStreamReceiveWindow,
		c.rttStats,
	)
	return newStream(id, c, fc)
}

// setState moves the session to a new state. Disallowed transitions are
// rejected and logged, they indicate a bug rather than peer behavior.
func (c *connection) setState(s State) bool {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	if !canTransition(c.state, s) {
		c.logger.Errorf("rejecting state transition %s -> %s", c.state, s)
		return false
	}
	if c.logger.Debug() {
		c.logger.Debugf("state %s -> %s", c.state, s)
	}
	c.state = s
	return true
}

func (c *connection) getState() State {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	return c.state
}

// run executes the handshake and then owns the connection until it dies.
func (c *connection) run() {
	defer c.ctxCancel()

	if err := c.performHandshake(); err != nil {
		c.handshakeErr = &HandshakeError{err: err}
		close(c.handshakeComplete)
		c.registry.removePendingHandshake(c.remoteAddr)
		c.setState(StateClosed)
		if c.tracer != nil {
			c.tracer.ClosedConnection(c.handshakeErr)
		}
		return
	}
	c.registry.removePendingHandshake(c.remoteAddr)
	c.registry.addConnection(c)
	close(c.handshakeComplete)
	if c.tracer != nil {
		c.tracer.CompletedHandshake()
	}

	now := time.Now()
	c.lastPacketReceived = now
	c.lastPacketSent = now
	c.lastRekey = now
	c.timer = newTimer()

	var closeErr closeError
runLoop:
	for {
		c.maybeResetTimer()
		select {
		case closeErr = <-c.closeChan:
			break runLoop
		case <-c.sendingScheduled:
		case p := <-c.receivedPackets:
			c.handlePacketImpl(p)
		case <-c.timer.Chan():
			c.timer.SetRead()
		}

		if err := c.handleDeadlines(time.Now()); err != nil {
			c.closeLocal(err)
			continue
		}
		if err := c.sendPackets(); err != nil {
			c.closeLocal(err)
			continue
		}
		c.publishStats()
	}
	c.handleCloseError(closeErr)
}

// handleDeadlines services every cooperative timer that is due.
func (c *connection) handleDeadlines(now time.Time) error {
	if idle := c.lastPacketReceived.Add(c.config.MaxIdleTimeout); !now.Before(idle) {
		return &IdleTimeoutError{}
	}

	if alarm := c.sentPacketHandler.GetLossDetectionTimeout(); !alarm.IsZero() && !now.Before(alarm) {
		if err := c.sentPacketHandler.OnLossDetectionTimeout(); err != nil {
			return err
		}
	}

	if c.getState() == StateMigrating &&
		!now.Before(c.pathChallengeSentAt.Add(protocol.MigrationChallengeTimeout)) {
		c.logger.Infof("path validation of %s timed out", c.probedAddr)
		c.probedAddr = nil
		c.setState(StateEstablished)
	}

	if c.getState() == StateRekeying && !c.ratchet.RekeyPending() {
		c.setState(StateEstablished)
	}

	if c.ratchet.NeedRekey(now) && c.getState() == StateEstablished {
		if err := c.initiateRekey(now); err != nil {
			return err
		}
	}

	if c.config.KeepAlive {
		keepAliveAt := c.lastPacketSent.Add(c.config.MaxIdleTimeout / 2)
		if !now.Before(keepAliveAt) {
			c.framer.QueueControlFrame(&wire.Frame{Type: wire.FrameTypePing})
		}
	}
	return nil
}

func (c *connection) maybeResetTimer() {
	idle := c.lastPacketReceived.Add(c.config.MaxIdleTimeout)
	var keepAlive time.Time
	if c.config.KeepAlive {
		keepAlive = c.lastPacketSent.Add(c.config.MaxIdleTimeout / 2)
	}
	rekey := c.lastRekey.Add(c.config.RekeyInterval)
	var migration time.Time
	if c.getState() == StateMigrating {
		migration = c.pathChallengeSentAt.Add(protocol.MigrationChallengeTimeout)
	}
	c.timer.SetTimer(
		idle,
		c.receivedPacketTracker.GetAlarmTimeout(),
		c.sentPacketHandler.GetLossDetectionTimeout(),
		keepAlive,
		rekey,
		migration,
		c.pacingDeadline,
	)
}

// handlePacket feeds a datagram into the run loop. Called by the transport's
// read loop; drops the packet when the connection is congested.
func (c *connection) handlePacket(p receivedPacket) {
	select {
	case c.receivedPackets <- p:
	default:
		if c.tracer != nil {
			c.tracer.DroppedPacket("receive queue full")
		}
	}
}

// handleHandshakeMessage feeds a handshake datagram to a connection still
// completing its handshake.
func (c *connection) handleHandshakeMessage(data []byte) {
	select {
	case c.handshakeMessages <- data:
	default:
	}
}

func (c *connection) handlePacketImpl(p receivedPacket) {
	if len(p.data) < protocol.PacketOverhead {
		c.dropPacket("packet too small")
		return
	}
	receivedCID, err := protocol.ParseConnectionID(p.data[:protocol.ConnectionIDSize])
	if err != nil {
		c.dropPacket("malformed connection id")
		return
	}
	seq := c.cid.RecoverSequence(receivedCID)
	if c.receivedPacketTracker.IsPotentiallyDuplicate(seq) {
		c.dropPacket("duplicate packet")
		return
	}
	plaintext, err := c.ratchet.Open(p.data[:protocol.ConnectionIDSize], p.data[protocol.ConnectionIDSize:], seq)
	if err != nil {
		// off-path garbage or a key mismatch, either way not provably from
		// the peer
		c.dropPacket("undecryptable packet")
		return
	}
	frame, err := wire.ParseFrame(plaintext)
	if err != nil {
		c.dropPacket(fmt.Sprintf("framing error: %s", err))
		return
	}
	if uint32(frame.Nonce) != uint32(seq) {
		c.dropPacket("nonce mismatch")
		return
	}
	if c.tracer != nil {
		c.tracer.ReceivedPacket(len(p.data))
	}
	c.lastPacketReceived = p.rcvTime

	// A packet from an unknown address that authenticated under the session
	// keys starts path validation.
	if !sameAddr(p.remoteAddr, c.RemoteAddr()) {
		c.maybeStartMigration(p.remoteAddr, p.rcvTime)
	}

	c.receivedPacketTracker.ReceivedPacket(seq, p.rcvTime, frame.IsRetransmittable())

	if err := c.handleFrame(frame, p); err != nil {
		c.closeLocal(err)
	}
}

func (c *connection) dropPacket(reason string) {
	if c.logger.Debug() {
		c.logger.Debugf("dropping packet: %s", reason)
	}
	if c.tracer != nil {
		c.tracer.DroppedPacket(reason)
	}
}

func (c *connection) handleFrame(f *wire.Frame, p receivedPacket) error {
	if f.Type.IsExtension() {
		// unknown extensions are tolerated and skipped
		return nil
	}
	switch f.Type {
	case wire.FrameTypeData:
		return c.handleDataFrame(f)
	case wire.FrameTypeAck:
		return c.handleAckFrame(f, p.rcvTime)
	case wire.FrameTypeControl:
		// reserved for future control signaling, ignored
		return nil
	case wire.FrameTypeRekey:
		return c.handleRekeyFrame(f, p.rcvTime)
	case wire.FrameTypePing:
		c.framer.QueueControlFrame(&wire.Frame{Type: wire.FrameTypePong})
		return nil
	case wire.FrameTypePong:
		return nil
	case wire.FrameTypeClose:
		code, reason, err := wire.ParseClose(f.Payload)
		if err != nil {
			return nil
		}
		c.closeRemote(&ApplicationError{Remote: true, ErrorCode: ErrorCode(code), Reason: reason})
		return nil
	case wire.FrameTypePad:
		return nil
	case wire.FrameTypeStreamOpen:
		_, err := c.getOrOpenReceiveStream(f.StreamID)
		return err
	case wire.FrameTypeStreamClose:
		str, err := c.getOrOpenReceiveStream(f.StreamID)
		if err != nil || str == nil {
			return err
		}
		return str.receiveStream.handleStreamClose(f)
	case wire.FrameTypeStreamReset:
		code, err := wire.ParseStreamReset(f.Payload)
		if err != nil {
			return nil
		}
		str, err := c.getOrOpenReceiveStream(f.StreamID)
		if err != nil || str == nil {
			return err
		}
		return str.handleStreamReset(ErrorCode(code), f.Offset)
	case wire.FrameTypeWindowUpdate:
		return c.handleWindowUpdateFrame(f)
	case wire.FrameTypeBlocked:
		offset, err := wire.ParseBlocked(f.Payload)
		if err == nil && c.logger.Debug() {
			c.logger.Debugf("peer blocked on stream %d at offset %d", f.StreamID, offset)
		}
		return nil
	case wire.FrameTypeGoAway:
		lastStream, err := wire.ParseGoAway(f.Payload)
		if err != nil {
			return nil
		}
		c.streamsMap.HandleGoAway(lastStream)
		return nil
	case wire.FrameTypePathChallenge:
		token, err := wire.ParsePathToken(f.Payload)
		if err != nil {
			return nil
		}
		c.framer.QueueControlFrame(&wire.Frame{
			Type:    wire.FrameTypePathResponse,
			Payload: token[:],
		})
		return nil
	case wire.FrameTypePathResponse:
		return c.handlePathResponse(f, p.remoteAddr)
	default:
		// ParseFrame already rejected everything else
		return nil
	}
}

// getOrOpenReceiveStream resolves the stream a received frame refers to.
// A peer exceeding the incoming stream limit costs it that stream, not the
// session: the stream is refused with a reset and the frame dropped.
func (c *connection) getOrOpenReceiveStream(id protocol.StreamID) (*stream, error) {
	str, err := c.streamsMap.GetOrOpenStream(id)
	if err == nil {
		return str, nil
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) && transportErr.ErrorCode == StreamLimitError {
		c.logger.Debugf("refusing stream %d: %s", id, transportErr.Reason)
		c.queueControlFrame(&wire.Frame{
			Type:     wire.FrameTypeStreamReset,
			StreamID: id,
			Payload:  wire.AppendStreamReset(nil, uint16(StreamLimitError)),
		})
		return nil, nil
	}
	return nil, err
}

func (c *connection) handleDataFrame(f *wire.Frame) error {
	if f.StreamID == 0 {
		return &TransportError{ErrorCode: ProtocolViolation, Reason: "data frame on stream 0"}
	}
	str, err := c.getOrOpenReceiveStream(f.StreamID)
	if err != nil {
		return err
	}
	if str == nil {
		// frame for a closed stream, dropped to tolerate reordering
		return nil
	}
	if err := str.receiveStream.handleDataFrame(f); err != nil {
		return &TransportError{ErrorCode: FlowControlError, Reason: err.Error()}
	}
	return nil
}

func (c *connection) handleAckFrame(f *wire.Frame, rcvTime time.Time) error {
	ack, err := wire.ParseAckFrame(f.Payload)
	if err != nil {
		c.dropPacket(fmt.Sprintf("malformed ack: %s", err))
		return nil
	}
	if err := c.sentPacketHandler.ReceivedAck(ack, rcvTime); err != nil {
		return &TransportError{ErrorCode: ProtocolViolation, Reason: err.Error()}
	}
	c.receivedPacketTracker.IgnoreBelow(c.sentPacketHandler.GetLowestNotConfirmedAcked())
	return nil
}

func (c *connection) handleRekeyFrame(f *wire.Frame, rcvTime time.Time) error {
	repr, err := wire.ParseRekey(f.Payload)
	if err != nil {
		return nil
	}
	if err := c.ratchet.HandleRekey(repr, rcvTime); err != nil {
		return &TransportError{ErrorCode: ProtocolViolation, Reason: "rekey failed"}
	}
	if c.getState() == StateEstablished {
		c.setState(StateRekeying)
	}
	c.lastRekey = rcvTime
	if c.tracer != nil {
		c.tracer.Rekeyed()
	}
	return nil
}

func (c *connection) handleWindowUpdateFrame(f *wire.Frame) error {
	offset, err := wire.ParseWindowUpdate(f.Payload)
	if err != nil {
		return nil
	}
	if f.StreamID == 0 {
		c.connFlowController.UpdateSendWindow(offset)
		c.scheduleSending()
		return nil
	}
	str, err := c.getOrOpenReceiveStream(f.StreamID)
	if err != nil || str == nil {
		return err
	}
	str.sendStream.updateSendWindow(offset)
	return nil
}

// maybeStartMigration sends a path challenge to an unknown source address.
func (c *connection) maybeStartMigration(newAddr net.Addr, now time.Time) {
	state := c.getState()
	if state == StateMigrating {
		// one probe at a time; a second address change restarts validation
		// after the current one resolves
		return
	}
	if state != StateEstablished && state != StateRekeying {
		return
	}
	if !c.setState(StateMigrating) {
		return
	}
	if _, err := rand.Read(c.pathChallenge[:]); err != nil {
		c.closeLocal(err)
		return
	}
	c.probedAddr = newAddr
	c.pathChallengeSentAt = now
	c.logger.Infof("address changed to %s, probing path", newAddr)
	challenge := make([]byte, protocol.PathChallengeSize)
	copy(challenge, c.pathChallenge[:])
	if err := c.sendPackedFrame(&wire.Frame{
		Type:    wire.FrameTypePathChallenge,
		Payload: challenge,
	}, nil, newAddr, now); err != nil {
		c.logger.Errorf("sending path challenge: %s", err)
	}
}

func (c *connection) handlePathResponse(f *wire.Frame, from net.Addr) error {
	if c.getState() != StateMigrating {
		return nil
	}
	token, err := wire.ParsePathToken(f.Payload)
	if err != nil {
		return nil
	}
	if token != c.pathChallenge {
		c.dropPacket("path response mismatch")
		return nil
	}
	c.addrMutex.Lock()
	c.remoteAddr = c.probedAddr
	c.addrMutex.Unlock()
	c.probedAddr = nil
	c.setState(StateEstablished)
	c.sentPacketHandler.OnConnectionMigration()
	c.logger.Infof("migrated to %s", c.remoteAddr)
	if c.tracer != nil {
		c.tracer.Migrated(c.RemoteAddr())
	}
	return nil
}

func (c *connection) initiateRekey(now time.Time) error {
	if !c.setState(StateRekeying) {
		return nil
	}
	repr, err := c.ratchet.InitiateRekey(now)
	if err != nil {
		return err
	}
	c.lastRekey = now
	c.framer.QueueControlFrame(&wire.Frame{
		Type:    wire.FrameTypeRekey,
		Payload: repr[:],
	})
	if c.tracer != nil {
		c.tracer.Rekeyed()
	}
	return nil
}

// sendPackets drains everything that is allowed to leave right now.
func (c *connection) sendPackets() error {
	c.pacingDeadline = time.Time{}
	now := time.Now()

	if c.config.Timing != nil {
		if release := c.config.Timing.Release(now); release.After(now) {
			c.pacingDeadline = release
			return nil
		}
	}

	for {
		sendMode := c.sentPacketHandler.SendMode()
		if sendMode == ackhandler.SendNone {
			return nil
		}
		if t := c.sentPacketHandler.TimeUntilSend(); t.After(now) {
			c.pacingDeadline = t
			return nil
		}

		frame, ack := c.composeNextFrame(sendMode)
		if frame == nil {
			return nil
		}
		if err := c.sendPackedFrame(frame, ack, nil, now); err != nil {
			return err
		}
		now = time.Now()
	}
}

// composeNextFrame picks the next frame to send. The second return value is
// set when the frame carries an acknowledgment.
func (c *connection) composeNextFrame(sendMode ackhandler.SendMode) (*wire.Frame, *wire.AckFrame) {
	// acknowledgments leave first, they unblock the peer's loss detection
	if ack := c.receivedPacketTracker.GetAckFrame(true); ack != nil {
		payload, err := ack.Append(nil)
		if err != nil {
			c.logger.Errorf("serializing ack: %s", err)
			return nil, nil
		}
		return &wire.Frame{Type: wire.FrameTypeAck, Payload: payload}, ack
	}

	if sendMode == ackhandler.SendAck {
		return nil, nil
	}

	if len(c.retransmissionQueue) > 0 {
		f := c.retransmissionQueue[0]
		c.retransmissionQueue = c.retransmissionQueue[1:]
		return f, nil
	}

	// connection level window updates and blocked signals
	if offset := c.connFlowController.GetWindowUpdate(); offset > 0 {
		c.framer.QueueControlFrame(&wire.Frame{
			Type:    wire.FrameTypeWindowUpdate,
			Payload: wire.AppendWindowUpdate(nil, offset),
		})
	}
	if blocked, offset := c.connFlowController.IsNewlyBlocked(); blocked {
		c.framer.QueueControlFrame(&wire.Frame{
			Type:    wire.FrameTypeBlocked,
			Payload: wire.AppendBlocked(nil, offset),
		})
	}

	if f := c.framer.PopControlFrame(); f != nil {
		return f, nil
	}
	if f := c.framer.PopDataFrame(protocol.MaxPayloadSize); f != nil {
		return f, nil
	}

	if sendMode == ackhandler.SendProbe && c.sentPacketHandler.PopProbePacket() {
		// nothing queued, probe with a ping
		return &wire.Frame{Type: wire.FrameTypePing}, nil
	}
	return nil, nil
}

// sendPackedFrame seals one frame into a packet and sends it. A nil addr
// sends to the current remote address; ack is set when the frame carries an
// acknowledgment.
func (c *connection) sendPackedFrame(f *wire.Frame, ack *wire.AckFrame, addr net.Addr, now time.Time) error {
	seq := c.ratchet.NextSeq()
	epoch := c.ratchet.SendEpoch()
	f.Nonce = uint64(epoch)<<32 | uint64(seq)
	f.Seq = seq

	totalSize := f.Length()
	if c.config.Padding != nil {
		if padded := c.config.Padding.PadTo(int(totalSize), int(protocol.MaxFrameSize)); protocol.ByteCount(padded) > totalSize {
			totalSize = min(protocol.ByteCount(padded), protocol.MaxFrameSize)
		}
	}
	plaintext, err := f.Append(make([]byte, 0, totalSize), totalSize)
	if err != nil {
		return err
	}

	rotated := c.cid.Rotate(seq)
	ciphertext, sealedSeq := c.ratchet.Seal(rotated.Bytes(), plaintext)
	if sealedSeq != seq {
		return errors.New("sequence number desync between ledger and ratchet")
	}
	packet := make([]byte, 0, protocol.ConnectionIDSize+len(ciphertext))
	packet = append(packet, rotated.Bytes()...)
	packet = append(packet, ciphertext...)

	if addr == nil {
		addr = c.RemoteAddr()
	}
	if err := c.conn.WriteTo(packet, addr); err != nil {
		return err
	}
	if c.tracer != nil {
		c.tracer.SentPacket(len(packet))
	}
	c.lastPacketSent = now

	p := &ackhandler.Packet{
		Seq:             seq,
		Length:          protocol.ByteCount(len(packet)),
		SendTime:        now,
		Retransmittable: f.IsRetransmittable(),
	}
	if ack != nil {
		p.HasAck = true
		p.LargestAcked = ack.LargestAcked()
	}
	if p.Retransmittable {
		frame := f
		p.OnLost = func(*ackhandler.Packet) {
			c.retransmissionQueue = append(c.retransmissionQueue, frame)
			if c.tracer != nil {
				c.tracer.LostPacket()
			}
		}
	}
	c.sentPacketHandler.SentPacket(p)
	return nil
}

// publishStats refreshes the snapshot returned by Stats.
func (c *connection) publishStats() {
	sent := c.sentPacketHandler.PacketsSent()
	lost := c.sentPacketHandler.PacketsLost()
	var lossRate float64
	if sent > 0 {
		lossRate = float64(lost) / float64(sent)
	}
	c.stats.Store(&ConnectionStats{
		SmoothedRTT:       c.rttStats.SmoothedRTT(),
		MinRTT:            c.rttStats.MinRTT(),
		BytesInFlight:     int64(c.sentPacketHandler.BytesInFlight()),
		PacketsSent:       sent,
		PacketsLost:       lost,
		LossRate:          lossRate,
		BandwidthEstimate: uint64(c.congestionController.BandwidthEstimate()),
	})
}

// closeLocal closes the connection because of a local error or request.
func (c *connection) closeLocal(err error) {
	c.closeOnce.Do(func() {
		c.closeChan <- closeError{err: err}
	})
}

// closeRemote closes the connection because the peer said so.
func (c *connection) closeRemote(err error) {
	c.closeOnce.Do(func() {
		c.closeChan <- closeError{err: err, remote: true}
	})
}

// destroy tears the connection down without telling the peer.
func (c *connection) destroy(err error) {
	c.closeOnce.Do(func() {
		c.closeChan <- closeError{err: err, immediate: true}
	})
}

func (c *connection) handleCloseError(closeErr closeError) {
	err := closeErr.err
	if err == nil {
		err = &ApplicationError{ErrorCode: NoError}
	}

	c.setState(StateDraining)

	// tell the peer, best effort, unless the close came from them or the
	// connection is beyond repair
	var appErr *ApplicationError
	if !closeErr.remote && !closeErr.immediate {
		code := InternalError
		reason := ""
		if errors.As(err, &appErr) {
			code = appErr.ErrorCode
			reason = appErr.Reason
		}
		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			code = transportErr.ErrorCode
			reason = transportErr.Reason
		}
		closeFrame := &wire.Frame{
			Type:    wire.FrameTypeClose,
			Payload: wire.AppendClose(nil, uint16(code), reason),
		}
		if sendErr := c.sendPackedFrame(closeFrame, nil, nil, time.Now()); sendErr != nil {
			c.logger.Debugf("sending close frame: %s", sendErr)
		}
	}

	c.streamsMap.CloseWithError(err)

	// linger briefly so late packets hit a known connection and die quietly
	// instead of looking like an attack on a fresh CID
	if !closeErr.immediate {
		drain := time.NewTimer(3 * c.rttStats.PTO())
	drainLoop:
		for {
			select {
			case <-c.receivedPackets:
				c.dropPacket("draining")
			case <-drain.C:
				break drainLoop
			}
		}
	}

	c.registry.removeConnection(c)
	c.ratchet.Destroy()
	c.timer.Stop()
	c.setState(StateClosed)
	if c.tracer != nil {
		c.tracer.ClosedConnection(err)
	}
	c.logger.Infof("connection closed: %s", err)
}

// --- handshake ---

// performHandshake drives the three message exchange. The transport routes
// handshake datagrams for our remote address into handshakeMessages.
func (c *connection) performHandshake() error {
	deadline := time.NewTimer(c.config.HandshakeTimeout)
	defer deadline.Stop()

	// recv waits for the next handshake message of the expected size,
	// resending our last message with backoff in case it was lost. The three
	// message sizes are distinct, so duplicates of an earlier message are
	// skipped by size alone.
	recv := func(size int, resend []byte) ([]byte, error) {
		rto := protocol.HandshakeRetransmitTimeout
		retransmit := time.NewTimer(rto)
		defer retransmit.Stop()
		for {
			select {
			case msg := <-c.handshakeMessages:
				if len(msg) != size {
					continue
				}
				return msg, nil
			case <-retransmit.C:
				if resend != nil {
					if err := c.conn.WriteTo(resend, c.remoteAddr); err != nil {
						return nil, err
					}
				}
				rto *= 2
				retransmit.Reset(rto)
			case <-deadline.C:
				return nil, handshake.ErrHandshakeFailed
			case ce := <-c.closeChan:
				return nil, ce.err
			}
		}
	}

	var res *handshake.Result
	switch c.perspective {
	case protocol.PerspectiveInitiator:
		msg1, err := c.hs.Message1()
		if err != nil {
			return err
		}
		if err := c.conn.WriteTo(msg1, c.remoteAddr); err != nil {
			return err
		}
		c.setState(StateHandshakeInitSent)

		msg2, err := recv(protocol.HandshakeMsg2Size, msg1)
		if err != nil {
			return err
		}
		if err := c.hs.ReadMessage2(msg2); err != nil {
			return err
		}
		msg3, err := c.hs.Message3()
		if err != nil {
			return err
		}
		if err := c.conn.WriteTo(msg3, c.remoteAddr); err != nil {
			return err
		}
		res, err = c.hs.Derive()
		if err != nil {
			return err
		}
		c.setState(StateHandshakeComplete)

	case protocol.PerspectiveResponder:
		msg1, err := recv(protocol.HandshakeMsg1Size, nil)
		if err != nil {
			return err
		}
		if err := c.hs.ReadMessage1(msg1); err != nil {
			return err
		}
		msg2, err := c.hs.Message2()
		if err != nil {
			return err
		}
		if err := c.conn.WriteTo(msg2, c.remoteAddr); err != nil {
			return err
		}
		c.setState(StateHandshakeRespSent)

		msg3, err := recv(protocol.HandshakeMsg3Size, msg2)
		if err != nil {
			return err
		}
		if err := c.hs.ReadMessage3(msg3); err != nil {
			return err
		}
		res, err = c.hs.Derive()
		if err != nil {
			return err
		}
	}

	c.cid = res.CID
	c.remoteStatic = PublicKey(res.RemoteStatic)
	c.ratchet = ratchet.New(res, c.perspective, c.config.RekeyInterval, c.config.RekeyPacketLimit)
	c.setState(StateEstablished)
	return nil
}

// --- streamSender ---

func (c *connection) onHasStreamData(id protocol.StreamID) {
	c.framer.AddActiveStream(id)
	c.scheduleSending()
}

func (c *connection) queueControlFrame(f *wire.Frame) {
	c.framer.QueueControlFrame(f)
	c.scheduleSending()
}

func (c *connection) onStreamCompleted(id protocol.StreamID) {
	c.streamsMap.DeleteStream(id)
}

func (c *connection) scheduleSending() {
	select {
	case c.sendingScheduled <- struct{}{}:
	default:
	}
}

// --- public surface ---

func (c *connection) AcceptStream(ctx context.Context) (Stream, error) {
	str, err := c.streamsMap.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return str, nil
}

func (c *connection) OpenStream() (Stream, error) {
	return c.openStream(false)
}

func (c *connection) OpenExpeditedStream() (Stream, error) {
	return c.openStream(true)
}

func (c *connection) openStream(expedited bool) (Stream, error) {
	str, err := c.streamsMap.OpenStream(expedited)
	if err != nil {
		return nil, err
	}
	// announce the stream so the peer reserves it even before data flows
	c.queueControlFrame(&wire.Frame{
		Type:     wire.FrameTypeStreamOpen,
		Flags:    wire.FlagSyn,
		StreamID: str.StreamID(),
	})
	return str, nil
}

func (c *connection) GoAway() {
	c.stateMutex.Lock()
	if c.goAwaySent {
		c.stateMutex.Unlock()
		return
	}
	c.goAwaySent = true
	c.stateMutex.Unlock()

	c.queueControlFrame(&wire.Frame{
		Type:    wire.FrameTypeGoAway,
		Payload: wire.AppendGoAway(nil, c.streamsMap.HighestIncomingStream()),
	})
}

func (c *connection) CloseWithError(code ErrorCode, reason string) error {
	c.closeLocal(&ApplicationError{ErrorCode: code, Reason: reason})
	return nil
}

func (c *connection) RemotePublicKey() PublicKey {
	return c.remoteStatic
}

func (c *connection) Stats() ConnectionStats {
	if s := c.stats.Load(); s != nil {
		return *s
	}
	return ConnectionStats{}
}

func (c *connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *connection) RemoteAddr() net.Addr {
	c.addrMutex.Lock()
	defer c.addrMutex.Unlock()
	return c.remoteAddr
}

func (c *connection) Context() context.Context {
	return c.ctx
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Network() == b.Network() && a.String() == b.String()
}
