package raknet

import (
	"math"
	"time"
)

// RTOEstimator holds the smoothed RTT estimate and derived retransmission
// timeout, following an RFC 6298-like recurrence.
type RTOEstimator struct {
	srtt   float64 // seconds; -1 sentinel means "no sample yet"
	rttVar float64
	rto    float64 // seconds
}

// NewRTOEstimator returns an estimator with no prior sample.
func NewRTOEstimator() RTOEstimator {
	return RTOEstimator{srtt: -1, rto: 1}
}

// Update feeds one RTT sample, in seconds.
func (e *RTOEstimator) Update(rttSeconds float64) {
	const alpha = 1.0 / 8
	const beta = 1.0 / 4
	if e.srtt == -1 {
		e.srtt = rttSeconds
		e.rttVar = rttSeconds / 2
	} else {
		e.rttVar = (1-beta)*e.rttVar + beta*math.Abs(e.srtt-rttSeconds)
		e.srtt = (1-alpha)*e.srtt + alpha*rttSeconds
	}
	e.rto = math.Max(1.0, e.srtt+4*e.rttVar)
}

// SRTT returns the current smoothed RTT estimate, in seconds.
func (e *RTOEstimator) SRTT() float64 { return e.srtt }

// RTTVar returns the current RTT variance estimate, in seconds.
func (e *RTOEstimator) RTTVar() float64 { return e.rttVar }

// RTO returns the current retransmission timeout, in seconds.
func (e *RTOEstimator) RTO() float64 { return e.rto }

// RTODuration returns the current retransmission timeout as a time.Duration.
func (e *RTOEstimator) RTODuration() time.Duration {
	return time.Duration(e.rto * float64(time.Second))
}

// CongestionWindow implements a TCP-Reno-style cwnd/ssthresh update.
type CongestionWindow struct {
	cwnd     float64
	ssthresh float64
}

// NewCongestionWindow returns a window at its initial state: cwnd=1,
// ssthresh=+Inf.
func NewCongestionWindow() CongestionWindow {
	return CongestionWindow{cwnd: 1, ssthresh: math.Inf(1)}
}

// Cwnd returns the current congestion window size, in packets.
func (c *CongestionWindow) Cwnd() float64 { return c.cwnd }

// Ssthresh returns the current slow-start threshold.
func (c *CongestionWindow) Ssthresh() float64 { return c.ssthresh }

// Update applies one ACK datagram's worth of feedback: packetsSent is the
// number of packets transmitted since the last ACK, numAcks the number of
// newly-acknowledged message numbers, and numHoles the number of holes in
// the ACK range list that correspond to still-outstanding resends.
func (c *CongestionWindow) Update(packetsSent, numAcks, numHoles int) {
	switch {
	case numHoles > 0:
		c.ssthresh = c.cwnd / 2
		c.cwnd = c.ssthresh
	case float64(packetsSent) >= c.cwnd:
		if float64(numAcks) > c.ssthresh {
			c.cwnd += float64(numAcks) / c.cwnd
		} else {
			c.cwnd += float64(numAcks)
		}
	}
}
