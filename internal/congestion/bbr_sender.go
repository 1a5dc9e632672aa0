package congestion

import (
	"math"
	"math/rand"
	"time"

	"github.com/silktransport/silk/internal/protocol"
)

// A SendAlgorithm paces transmission and limits the data in flight.
type SendAlgorithm interface {
	TimeUntilSend(now time.Time) time.Time
	OnPacketSent(sentTime time.Time, bytesInFlight protocol.ByteCount, seq protocol.SequenceNumber, bytes protocol.ByteCount, isRetransmittable bool)
	CanSend(bytesInFlight protocol.ByteCount) bool
	GetCongestionWindow() protocol.ByteCount
	OnPacketAcked(seq protocol.SequenceNumber, ackedBytes, priorInFlight protocol.ByteCount, eventTime time.Time)
	OnPacketLost(seq protocol.SequenceNumber, lostBytes, priorInFlight protocol.ByteCount)
	OnAppLimited()
	BandwidthEstimate() Bandwidth
	InSlowStart() bool
	InRecovery() bool
}

var (
	// The gain used for the STARTUP, equal to 2/ln(2).
	defaultHighGain = 2.885

	// The cycle of gains used during the PROBE_BW stage.
	pacingGainCycle = []float64{1.25, 0.75, 1, 1, 1, 1, 1, 1}

	// The size of the bandwidth filter window, in round-trips.
	bandwidthWindowSize = int64(len(pacingGainCycle) + 2)

	// The time after which the current min_rtt value expires.
	minRttExpiry = 10 * time.Second

	// The minimum time the connection can spend in PROBE_RTT mode.
	probeRttTime = 200 * time.Millisecond

	// If the bandwidth does not increase by this factor within
	// roundsWithoutGrowthBeforeExitingStartup rounds, startup ends.
	startupGrowthTarget                  = 1.25
	roundsWithoutGrowthBeforeExitStartup = int64(3)

	infiniteRTT = time.Duration(math.MaxInt64)
)

type bbrMode int

const (
	// Startup phase of the connection.
	bbrModeStartup bbrMode = iota
	// After achieving the highest possible bandwidth during the startup,
	// lower the pacing rate in order to drain the queue.
	bbrModeDrain
	// Cruising mode.
	bbrModeProbeBw
	// Temporarily slow down sending in order to empty the buffer and measure
	// the real minimum RTT.
	bbrModeProbeRtt
)

type bbrRecoveryState int

const (
	// Do not limit.
	notInRecovery bbrRecoveryState = iota
	// Allow an extra outstanding byte for each byte acknowledged.
	conservation
	// Allow two extra outstanding bytes for each byte acknowledged (slow start).
	growth
)

type bbrSender struct {
	mode          bbrMode
	clock         Clock
	rttStats      *RTTStats
	sampler       *bandwidthSampler
	maxBandwidth  *WindowedFilter
	maxAckHeight  *WindowedFilter
	pacer         *pacer

	initialCongestionWindow protocol.ByteCount
	maxCongestionWindow     protocol.ByteCount
	minCongestionWindow     protocol.ByteCount
	congestionWindow        protocol.ByteCount
	recoveryWindow          protocol.ByteCount

	lastSentPacket protocol.SequenceNumber
	bytesInFlight  protocol.ByteCount

	recoveryState bbrRecoveryState
	endRecoveryAt protocol.SequenceNumber

	pacingRate           Bandwidth
	pacingGain           float64
	congestionWindowGain float64
	drainGain            float64

	cycleCurrentOffset int
	lastCycleStart     time.Time

	currentRoundTripEnd protocol.SequenceNumber
	roundTripCount      int64

	aggregationEpochStartTime time.Time
	aggregationEpochBytes     protocol.ByteCount

	minRtt                  time.Duration
	minRttTimestamp         time.Time
	minRttSinceLastProbeRtt time.Duration

	exitProbeRttAt      time.Time
	probeRttRoundPassed bool
	exitingQuiescence   bool

	isAtFullBandwidth          bool
	bandwidthAtLastRound       Bandwidth
	roundsWithoutBandwidthGain int64
	lastSampleIsAppLimited     bool
}

var _ SendAlgorithm = &bbrSender{}

// NewBBRSender creates a BBR congestion controller.
func NewBBRSender(clock Clock, rttStats *RTTStats, initialCongestionWindow, maxCongestionWindow protocol.ByteCount) SendAlgorithm {
	b := &bbrSender{
		mode:                    bbrModeStartup,
		clock:                   clock,
		rttStats:                rttStats,
		sampler:                 newBandwidthSampler(),
		maxBandwidth:            NewWindowedFilter(bandwidthWindowSize),
		maxAckHeight:            NewWindowedFilter(bandwidthWindowSize),
		initialCongestionWindow: initialCongestionWindow,
		maxCongestionWindow:     maxCongestionWindow,
		minCongestionWindow:     protocol.MinCongestionWindow,
		congestionWindow:        initialCongestionWindow,
		recoveryWindow:          maxCongestionWindow,
		pacingGain:              defaultHighGain,
		congestionWindowGain:    defaultHighGain,
		drainGain:               1.0 / defaultHighGain,
		minRtt:                  infiniteRTT,
		minRttSinceLastProbeRtt: infiniteRTT,
	}
	b.pacer = newPacer(func() Bandwidth {
		if b.pacingRate == 0 {
			return Bandwidth(b.initialCongestionWindow) * BytesPerSecond /
				Bandwidth(max(b.rttStats.SmoothedOrInitialRTT()/time.Second, 1))
		}
		return b.pacingRate
	})
	return b
}

func (b *bbrSender) TimeUntilSend(time.Time) time.Time {
	return b.pacer.TimeUntilSend()
}

func (b *bbrSender) CanSend(bytesInFlight protocol.ByteCount) bool {
	return bytesInFlight < b.GetCongestionWindow()
}

func (b *bbrSender) OnPacketSent(sentTime time.Time, bytesInFlight protocol.ByteCount, seq protocol.SequenceNumber, bytes protocol.ByteCount, isRetransmittable bool) {
	b.lastSentPacket = seq
	b.bytesInFlight = bytesInFlight

	if bytesInFlight == 0 && b.sampler.isAppLimited {
		b.exitingQuiescence = true
	}
	if b.aggregationEpochStartTime.IsZero() {
		b.aggregationEpochStartTime = sentTime
	}

	b.sampler.OnPacketSent(sentTime, seq, bytes, bytesInFlight, isRetransmittable)
	b.pacer.SentPacket(sentTime, bytes)
}

func (b *bbrSender) GetCongestionWindow() protocol.ByteCount {
	if b.mode == bbrModeProbeRtt {
		return b.probeRttCongestionWindow()
	}
	if b.InRecovery() {
		return min(b.congestionWindow, b.recoveryWindow)
	}
	return b.congestionWindow
}

func (b *bbrSender) OnPacketAcked(seq protocol.SequenceNumber, ackedBytes, priorInFlight protocol.ByteCount, eventTime time.Time) {
	b.onCongestionEvent(seq, ackedBytes, 0, priorInFlight, eventTime)
}

func (b *bbrSender) OnPacketLost(seq protocol.SequenceNumber, lostBytes, priorInFlight protocol.ByteCount) {
	b.onCongestionEvent(seq, 0, lostBytes, priorInFlight, b.clock.Now())
}

func (b *bbrSender) OnAppLimited() {
	b.sampler.OnAppLimited()
}

func (b *bbrSender) onCongestionEvent(seq protocol.SequenceNumber, ackedBytes, lostBytes, priorInFlight protocol.ByteCount, eventTime time.Time) {
	isRoundStart, minRttExpired := false, false

	if lostBytes > 0 {
		b.sampler.OnPacketLost(seq)
	}

	var excessAcked protocol.ByteCount
	if ackedBytes > 0 {
		isRoundStart = b.updateRoundTripCounter(seq)
		minRttExpired = b.updateBandwidthAndMinRtt(eventTime, seq)
		b.updateRecoveryState(seq, lostBytes > 0, isRoundStart)
		excessAcked = b.updateAckAggregationBytes(eventTime, ackedBytes)
	}

	if b.mode == bbrModeProbeBw {
		b.updateGainCyclePhase(eventTime, priorInFlight, lostBytes > 0)
	}

	if isRoundStart && !b.isAtFullBandwidth {
		b.checkIfFullBandwidthReached()
	}
	b.maybeExitStartupOrDrain(eventTime)
	b.maybeEnterOrExitProbeRtt(eventTime, isRoundStart, minRttExpired)

	// After the model is updated, recalculate the pacing rate and congestion window.
	b.calculatePacingRate()
	b.calculateCongestionWindow(ackedBytes, excessAcked)
	b.calculateRecoveryWindow(ackedBytes, lostBytes)
}

func (b *bbrSender) BandwidthEstimate() Bandwidth {
	return Bandwidth(b.maxBandwidth.GetBest())
}

func (b *bbrSender) InRecovery() bool {
	return b.recoveryState != notInRecovery
}

func (b *bbrSender) InSlowStart() bool {
	return b.mode == bbrModeStartup
}

func (b *bbrSender) updateRoundTripCounter(lastAckedPacket protocol.SequenceNumber) bool {
	if b.roundTripCount == 0 || b.currentRoundTripEnd.Less(lastAckedPacket) {
		b.currentRoundTripEnd = b.lastSentPacket
		b.roundTripCount++
		return true
	}
	return false
}

func (b *bbrSender) updateBandwidthAndMinRtt(now time.Time, lastAckedPacket protocol.SequenceNumber) bool {
	sample := b.sampler.OnPacketAcked(now, lastAckedPacket)
	if !sample.isValid {
		return false
	}
	b.lastSampleIsAppLimited = sample.isAppLimited

	if !sample.isAppLimited || sample.bandwidth > b.BandwidthEstimate() {
		b.maxBandwidth.Update(int64(sample.bandwidth), b.roundTripCount)
	}

	if sample.rtt <= 0 {
		return false
	}
	b.minRttSinceLastProbeRtt = min(b.minRttSinceLastProbeRtt, sample.rtt)

	// Do not expire min_rtt if none was ever available.
	minRttExpired := b.minRtt != infiniteRTT && now.After(b.minRttTimestamp.Add(minRttExpiry))
	if minRttExpired || sample.rtt < b.minRtt || b.minRtt == infiniteRTT {
		b.minRtt = sample.rtt
		b.minRttTimestamp = now
		b.minRttSinceLastProbeRtt = infiniteRTT
	}
	return minRttExpired
}

func (b *bbrSender) updateRecoveryState(lastAckedPacket protocol.SequenceNumber, hasLosses, isRoundStart bool) {
	if !hasLosses {
		b.endRecoveryAt = b.lastSentPacket
	}
	switch b.recoveryState {
	case notInRecovery:
		if hasLosses {
			b.recoveryState = conservation
			b.recoveryWindow = 0
			b.currentRoundTripEnd = b.lastSentPacket
		}
	case conservation:
		if isRoundStart {
			b.recoveryState = growth
		}
		fallthrough
	case growth:
		if !hasLosses && b.endRecoveryAt.Less(b.lastSentPacket) {
			b.recoveryState = notInRecovery
		}
	}
}

func (b *bbrSender) updateAckAggregationBytes(ackTime time.Time, ackedBytes protocol.ByteCount) protocol.ByteCount {
	// Compute how many bytes are expected to be delivered, assuming max
	// bandwidth is correct.
	expectedAckedBytes := protocol.ByteCount(b.maxBandwidth.GetBest()/int64(BytesPerSecond)) *
		protocol.ByteCount(ackTime.Sub(b.aggregationEpochStartTime).Seconds())
	if b.aggregationEpochBytes <= expectedAckedBytes {
		b.aggregationEpochBytes = ackedBytes
		b.aggregationEpochStartTime = ackTime
		return 0
	}
	b.aggregationEpochBytes += ackedBytes
	b.maxAckHeight.Update(int64(b.aggregationEpochBytes-expectedAckedBytes), b.roundTripCount)
	return b.aggregationEpochBytes - expectedAckedBytes
}

func (b *bbrSender) updateGainCyclePhase(now time.Time, priorInFlight protocol.ByteCount, hasLosses bool) {
	advance := now.Sub(b.lastCycleStart) > b.getMinRtt()
	// If sending above target, stay in the high-gain phase until in-flight
	// drops; if below target during a low-gain phase, advance early.
	if b.pacingGain > 1.0 && !hasLosses && priorInFlight < b.getTargetCongestionWindow(b.pacingGain) {
		advance = false
	}
	if b.pacingGain < 1.0 && b.bytesInFlight <= b.getTargetCongestionWindow(1.0) {
		advance = true
	}
	if advance {
		b.cycleCurrentOffset = (b.cycleCurrentOffset + 1) % len(pacingGainCycle)
		b.lastCycleStart = now
		b.pacingGain = pacingGainCycle[b.cycleCurrentOffset]
	}
}

func (b *bbrSender) getTargetCongestionWindow(gain float64) protocol.ByteCount {
	bdp := protocol.ByteCount(float64(b.BandwidthEstimate()/BytesPerSecond) * b.getMinRtt().Seconds())
	congestionWindow := protocol.ByteCount(gain * float64(bdp))
	if congestionWindow == 0 {
		congestionWindow = protocol.ByteCount(gain * float64(b.initialCongestionWindow))
	}
	return max(congestionWindow, b.minCongestionWindow)
}

func (b *bbrSender) checkIfFullBandwidthReached() {
	if b.lastSampleIsAppLimited {
		return
	}
	target := Bandwidth(float64(b.bandwidthAtLastRound) * startupGrowthTarget)
	if b.BandwidthEstimate() >= target {
		b.bandwidthAtLastRound = b.BandwidthEstimate()
		b.roundsWithoutBandwidthGain = 0
		return
	}
	b.roundsWithoutBandwidthGain++
	if b.roundsWithoutBandwidthGain >= roundsWithoutGrowthBeforeExitStartup {
		b.isAtFullBandwidth = true
	}
}

func (b *bbrSender) maybeExitStartupOrDrain(now time.Time) {
	if b.mode == bbrModeStartup && b.isAtFullBandwidth {
		b.mode = bbrModeDrain
		b.pacingGain = b.drainGain
		b.congestionWindowGain = defaultHighGain
	}
	if b.mode == bbrModeDrain && b.bytesInFlight <= b.getTargetCongestionWindow(1) {
		b.enterProbeBandwidthMode(now)
	}
}

func (b *bbrSender) enterProbeBandwidthMode(now time.Time) {
	b.mode = bbrModeProbeBw
	b.congestionWindowGain = 2.0

	// Pick a random offset for the gain cycle out of {0, 2..7}. 1 is excluded
	// because in that case increased gain and decreased gain would not follow
	// each other.
	b.cycleCurrentOffset = rand.Intn(len(pacingGainCycle) - 1)
	if b.cycleCurrentOffset >= 1 {
		b.cycleCurrentOffset++
	}
	b.lastCycleStart = now
	b.pacingGain = pacingGainCycle[b.cycleCurrentOffset]
}

func (b *bbrSender) maybeEnterOrExitProbeRtt(now time.Time, isRoundStart, minRttExpired bool) {
	if minRttExpired && !b.exitingQuiescence && b.mode != bbrModeProbeRtt {
		b.mode = bbrModeProbeRtt
		b.pacingGain = 1.0
		// Do not decide on the time to exit PROBE_RTT until bytes_in_flight
		// reached the target small value.
		b.exitProbeRttAt = time.Time{}
	}

	if b.mode == bbrModeProbeRtt {
		b.sampler.OnAppLimited()
		if b.exitProbeRttAt.IsZero() {
			if b.bytesInFlight < b.probeRttCongestionWindow()+protocol.MaxDatagramSize {
				b.exitProbeRttAt = now.Add(probeRttTime)
				b.probeRttRoundPassed = false
			}
		} else {
			if isRoundStart {
				b.probeRttRoundPassed = true
			}
			if !now.Before(b.exitProbeRttAt) && b.probeRttRoundPassed {
				b.minRttTimestamp = now
				if !b.isAtFullBandwidth {
					b.enterStartupMode()
				} else {
					b.enterProbeBandwidthMode(now)
				}
			}
		}
	}
	b.exitingQuiescence = false
}

func (b *bbrSender) probeRttCongestionWindow() protocol.ByteCount {
	return b.minCongestionWindow
}

func (b *bbrSender) enterStartupMode() {
	b.mode = bbrModeStartup
	b.pacingGain = defaultHighGain
	b.congestionWindowGain = defaultHighGain
}

func (b *bbrSender) calculatePacingRate() {
	if b.BandwidthEstimate() == 0 {
		return
	}
	targetRate := Bandwidth(b.pacingGain * float64(b.BandwidthEstimate()))
	if b.isAtFullBandwidth {
		b.pacingRate = targetRate
		return
	}
	// Pace at the rate of initial_window / RTT as soon as RTT measurements
	// are available.
	if b.pacingRate == 0 && b.rttStats.MinRTT() > 0 {
		b.pacingRate = BandwidthFromDelta(b.initialCongestionWindow, b.rttStats.MinRTT())
		return
	}
	// Do not decrease the pacing rate during startup.
	b.pacingRate = max(b.pacingRate, targetRate)
}

func (b *bbrSender) calculateCongestionWindow(ackedBytes, excessAcked protocol.ByteCount) {
	if b.mode == bbrModeProbeRtt {
		return
	}
	targetWindow := b.getTargetCongestionWindow(b.congestionWindowGain)
	if b.isAtFullBandwidth {
		// Add the max recently measured ack aggregation to the CWND.
		targetWindow += protocol.ByteCount(b.maxAckHeight.GetBest())
	} else {
		// Add the most recent excess acked. Because the CWND never decreases
		// in STARTUP, this creates a very localized max filter.
		targetWindow += excessAcked
	}

	// Instead of immediately setting the target CWND as the new one, BBR grows
	// the CWND towards target_window by only increasing it bytes_acked at a time.
	if b.isAtFullBandwidth {
		b.congestionWindow = min(targetWindow, b.congestionWindow+ackedBytes)
	} else if b.congestionWindow < targetWindow || b.sampler.totalBytesAcked < b.initialCongestionWindow {
		// If the connection is not yet out of startup, do not decrease the window.
		b.congestionWindow += ackedBytes
	}

	b.congestionWindow = max(b.congestionWindow, b.minCongestionWindow)
	b.congestionWindow = min(b.congestionWindow, b.maxCongestionWindow)
}

func (b *bbrSender) calculateRecoveryWindow(ackedBytes, lostBytes protocol.ByteCount) {
	if b.recoveryState == notInRecovery {
		return
	}
	// Set up the initial recovery window.
	if b.recoveryWindow == 0 {
		b.recoveryWindow = max(b.bytesInFlight+ackedBytes, b.minCongestionWindow)
		return
	}
	// Remove losses from the recovery window, while accounting for a potential
	// integer underflow.
	if b.recoveryWindow >= lostBytes {
		b.recoveryWindow -= lostBytes
	} else {
		b.recoveryWindow = protocol.MaxDatagramSize
	}
	// In CONSERVATION mode, just subtracting losses is sufficient. In GROWTH,
	// release additional bytes_acked to achieve a slow-start-like behavior.
	if b.recoveryState == growth {
		b.recoveryWindow += ackedBytes
	}
	// Always allow sending at least bytes_acked in response.
	b.recoveryWindow = max(b.recoveryWindow, b.bytesInFlight+ackedBytes)
	b.recoveryWindow = max(b.recoveryWindow, b.minCongestionWindow)
}

func (b *bbrSender) getMinRtt() time.Duration {
	if b.minRtt != infiniteRTT {
		return b.minRtt
	}
	if r := b.rttStats.MinRTT(); r > 0 {
		return r
	}
	return defaultInitialRTT
}
