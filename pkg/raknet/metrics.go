package raknet

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes per-connection congestion-control state as Prometheus
// gauges: cwnd, ssthresh, smoothed RTT, RTO and outstanding resend count.
// It mirrors the Describe/Collect shape of a per-connection TCP_INFO
// collector, adapted to this package's own congestion-control state instead
// of kernel socket statistics.
//
// Collect hands its snapshot work to the Transport's scheduler rather than
// reading connection fields directly from the scrape goroutine, since
// Connection state is only safe to touch from the scheduler's own
// goroutine.
type Collector struct {
	transport *Transport

	cwndDesc     *prometheus.Desc
	ssthreshDesc *prometheus.Desc
	srttDesc     *prometheus.Desc
	rtoDesc      *prometheus.Desc
	resendsDesc  *prometheus.Desc
}

// NewCollector returns a Collector reporting on every connection currently
// live in t. Register it with a prometheus.Registry to expose it.
func NewCollector(t *Transport) *Collector {
	labels := []string{"addr", "conn"}
	return &Collector{
		transport:    t,
		cwndDesc:     prometheus.NewDesc("raknet_connection_cwnd", "Current congestion window size, in packets.", labels, nil),
		ssthreshDesc: prometheus.NewDesc("raknet_connection_ssthresh", "Current slow-start threshold.", labels, nil),
		srttDesc:     prometheus.NewDesc("raknet_connection_srtt_seconds", "Smoothed round-trip time estimate.", labels, nil),
		rtoDesc:      prometheus.NewDesc("raknet_connection_rto_seconds", "Current retransmission timeout.", labels, nil),
		resendsDesc:  prometheus.NewDesc("raknet_connection_resends", "Outstanding unacknowledged reliable packets.", labels, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cwndDesc
	ch <- c.ssthreshDesc
	ch <- c.srttDesc
	ch <- c.rtoDesc
	ch <- c.resendsDesc
}

type connSnapshot struct {
	addr, id                  string
	cwnd, ssthresh, srtt, rto float64
	resends                   int
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	result := make(chan []connSnapshot, 1)
	c.transport.sched.Post(func() {
		snaps := make([]connSnapshot, 0, len(c.transport.connections))
		for _, conn := range c.transport.Connections() {
			srtt := conn.rto.SRTT()
			if srtt < 0 {
				srtt = 0
			}
			snaps = append(snaps, connSnapshot{
				addr:     conn.Addr().String(),
				id:       conn.ID(),
				cwnd:     conn.cwnd.Cwnd(),
				ssthresh: conn.cwnd.Ssthresh(),
				srtt:     srtt,
				rto:      conn.rto.RTO(),
				resends:  len(conn.resends),
			})
		}
		result <- snaps
	})
	for _, s := range <-result {
		labels := []string{s.addr, s.id}
		ch <- prometheus.MustNewConstMetric(c.cwndDesc, prometheus.GaugeValue, s.cwnd, labels...)
		ch <- prometheus.MustNewConstMetric(c.ssthreshDesc, prometheus.GaugeValue, s.ssthresh, labels...)
		ch <- prometheus.MustNewConstMetric(c.srttDesc, prometheus.GaugeValue, s.srtt, labels...)
		ch <- prometheus.MustNewConstMetric(c.rtoDesc, prometheus.GaugeValue, s.rto, labels...)
		ch <- prometheus.MustNewConstMetric(c.resendsDesc, prometheus.GaugeValue, float64(s.resends), labels...)
	}
}
