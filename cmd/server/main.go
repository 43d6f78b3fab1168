package main

import (
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"goraknet/core/replica"
	"goraknet/pkg/raknet"
)

const (
	version = "1.0.0"
)

type config struct {
	host           string
	port           int
	maxConnections int
	password       string
	metricsAddr    string
	verbose        bool
}

func loadConfig() config {
	var c config
	flag.StringVar(&c.host, "host", "0.0.0.0", "address to listen on")
	flag.IntVar(&c.port, "port", 7777, "UDP port to listen on")
	flag.IntVar(&c.maxConnections, "max-connections", 100, "maximum concurrent connections")
	flag.StringVar(&c.password, "password", "", "connection password; clients must send exactly this value")
	flag.StringVar(&c.metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")
	flag.BoolVar(&c.verbose, "verbose", false, "log every received message, including liveness traffic")
	flag.Parse()
	return c
}

type udpSink struct{ conn *net.UDPConn }

func (s udpSink) Send(data []byte, addr *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(data, addr)
	return err
}

func main() {
	logrus.WithField("version", version).Info("starting raknet server")

	cfg := loadConfig()
	if cfg.verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	addr := &net.UDPAddr{IP: net.ParseIP(cfg.host), Port: cfg.port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		logrus.WithError(err).Fatal("failed to bind UDP socket")
	}
	defer conn.Close()

	sched := raknet.NewLoopScheduler()
	defer sched.Stop()

	transport := raknet.NewTransport(addr, udpSink{conn}, sched, cfg.maxConnections, cfg.password)

	dispatcher := replica.NewEventDispatcher()
	replicas := replica.NewManager(dispatcher)

	transport.OnOpen = func(c *raknet.Connection) {
		logrus.WithField("addr", c.Addr().String()).Info("connection opened")
	}
	transport.OnClose = func(c *raknet.Connection) {
		logrus.WithField("addr", c.Addr().String()).Info("connection closed")
		dispatcher.Dispatch(replica.Event{Type: replica.EventConnectionClosed, Conn: c})
	}
	transport.OnConnected = func(c *raknet.Connection) {
		replicas.AddParticipant(c)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(raknet.NewCollector(transport))
	metricsServer := &http.Server{Addr: cfg.metricsAddr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("metrics server stopped")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"addr":            addr.String(),
		"max_connections": cfg.maxConnections,
		"metrics_addr":    cfg.metricsAddr,
	}).Info("server listening")

	go readLoop(conn, transport)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logrus.WithField("signal", sig).Warn("received signal, shutting down gracefully")

	metricsServer.Close()
	conn.Close()
	time.Sleep(100 * time.Millisecond)
	logrus.Info("server stopped")
}

// readLoop is the only goroutine that reads from the raw socket; every
// datagram it reads is handed to Transport.HandleDatagram, which posts the
// actual work onto the scheduler's single goroutine.
func readLoop(conn *net.UDPConn, transport *raknet.Transport) {
	buf := make([]byte, raknet.MTU)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		transport.HandleDatagram(data, addr)
	}
}
