package main

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"rpld-go/internal/iface"
	"rpld-go/internal/kernel"
	"rpld-go/internal/mesh"
	"rpld-go/internal/prefix"
	"rpld-go/internal/reconcile"
)

// icmpTypeRPL is the ICMPv6 type of RPL control messages.
const icmpTypeRPL = ipv6.ICMPType(155)

// readErrorBackoff spaces out reads after a socket error.
const readErrorBackoff = time.Second

var rplCodes = map[int]string{
	0x00: "DIS",
	0x01: "DIO",
	0x02: "DAO",
	0x03: "DAO-ACK",
	0x80: "secure DIS",
	0x81: "secure DIO",
	0x82: "secure DAO",
	0x83: "secure DAO-ACK",
	0x8a: "CC",
}

type BRDaemon struct {
	config *Config
	log    *zap.SugaredLogger

	desc   iface.Descriptor
	sink   *kernel.Netlink
	source *mesh.FileSource
	rec    *reconcile.Reconciler
	reg    *prometheus.Registry

	// poll runs one cycle. Errors are fatal.
	poll     func() error
	interval time.Duration

	conn     net.PacketConn
	connMu   sync.Mutex
	server   *http.Server
	trigger  chan struct{}
	stopChan chan struct{}
	fatal    chan error
	wg       sync.WaitGroup
}

func NewBRDaemon(config *Config, log *zap.SugaredLogger) *BRDaemon {
	d := &BRDaemon{
		config:   config,
		log:      log,
		interval: config.PollInterval,
		trigger:  make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		fatal:    make(chan error, 1),
	}
	d.poll = d.cycle
	return d
}

// Done delivers the error that stopped the poll loop.
func (d *BRDaemon) Done() <-chan error {
	return d.fatal
}

func (d *BRDaemon) Start() error {
	ifName := d.config.Interface
	if ifName == "" {
		return errors.New("no interface configured")
	}
	if d.config.Forwarding {
		if err := d.configureInterface(ifName); err != nil {
			return errors.Wrapf(err, "configuring interface %s", ifName)
		}
	}

	desc, err := iface.Resolve(ifName)
	if err != nil {
		return err
	}
	desc.Prefix = d.config.prefix
	desc.DAG = d.config.dagID
	desc.Metric = d.config.Metric
	d.desc = desc
	d.log.Debugf("Interface %s: index %d, mtu %d, lladdr %s, addresses %v",
		desc.Name, desc.Index, desc.MTU, desc.HardwareAddr, desc.Addrs)

	if d.sink, err = kernel.NewNetlink(d.config.Protocol, d.log); err != nil {
		return err
	}
	d.source = mesh.NewFileSource(d.config.RoutesFile,
		mesh.NewTable(d.config.MeshCapacity), d.log)

	d.reg = prometheus.NewRegistry()
	d.reg.MustRegister(collectors.NewGoCollector())
	d.rec = reconcile.New(d.sink, d.source.Table(), reconcile.Options{
		Protocol: d.config.Protocol,
		Protect:  d.config.Protect(),
		Filter:   d.allowed,
		Metrics:  reconcile.NewMetrics(d.reg),
		Logger:   d.log,
	})
	if err := d.rec.Init(desc); err != nil {
		d.sink.Close()
		return err
	}

	if d.config.MetricsAddr != "" {
		d.serveMetrics(d.config.MetricsAddr)
	}

	d.wg.Add(2)
	go d.listenInterface(ifName)
	go d.loop()

	d.log.Infof("Border router daemon started on %s", ifName)
	return nil
}

func (d *BRDaemon) Stop() {
	close(d.stopChan)
	d.connMu.Lock()
	if d.conn != nil {
		d.conn.Close()
	}
	d.connMu.Unlock()
	d.wg.Wait()

	if d.server != nil {
		d.server.Close()
	}
	if d.sink != nil {
		d.sink.Close()
	}
	d.log.Infof("Border router daemon stopped")
}

func (d *BRDaemon) configureInterface(ifName string) error {
	cmds := [][]string{
		{"sysctl", "-w", "net.ipv6.conf.all.forwarding=1"},
		{"sysctl", "-w", fmt.Sprintf("net.ipv6.conf.%s.forwarding=1", ifName)},
	}

	for _, cmd := range cmds {
		if err := exec.Command(cmd[0], cmd[1:]...).Run(); err != nil {
			return errors.Wrapf(err, "running %v", cmd)
		}
	}

	return nil
}

func (d *BRDaemon) allowed(dst prefix.Prefix, nextHop netip.Addr) bool {
	if !d.config.MatchesRoute(dst.IPNet()) {
		return false
	}
	return d.config.IsNextHopAllowed(net.IP(nextHop.AsSlice()))
}

// cycle reloads the mesh routes and reconciles them. A failed reload keeps
// the previous routes.
func (d *BRDaemon) cycle() error {
	if err := d.source.Load(); err != nil {
		d.log.Errorf("Failed to load mesh routes: %v", err)
	}
	return d.rec.Poll()
}

// kick requests a poll. Requests arriving while one is pending are merged.
func (d *BRDaemon) kick() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *BRDaemon) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.poll(); err != nil {
			d.log.Errorf("Poll failed: %v", err)
			d.fatal <- err
			return
		}
		select {
		case <-d.stopChan:
			return
		case <-d.trigger:
			d.log.Debugf("Poll triggered by RPL message")
		case <-ticker.C:
		}
	}
}

func (d *BRDaemon) listenInterface(ifName string) {
	defer d.wg.Done()

	conn, err := net.ListenPacket("ip6:ipv6-icmp", "::")
	if err != nil {
		d.log.Errorf("Failed to create ICMPv6 socket for %s, polling on timer only: %v", ifName, err)
		return
	}
	defer conn.Close()

	ipConn, ok := conn.(*net.IPConn)
	if !ok {
		d.log.Errorf("Failed to assert conn to *net.IPConn for %s", ifName)
		return
	}
	fd, err := ipConn.SyscallConn()
	if err != nil {
		d.log.Errorf("Failed to get syscall conn for %s: %v", ifName, err)
		return
	}
	var bindErr error
	err = fd.Control(func(fdInt uintptr) {
		bindErr = unix.SetsockoptString(int(fdInt), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifName)
	})
	if err == nil {
		err = bindErr
	}
	if err != nil {
		d.log.Errorf("Failed to bind to interface %s: %v", ifName, err)
		return
	}

	p := ipv6.NewPacketConn(conn)
	filter := &ipv6.ICMPFilter{}
	filter.SetAll(true)
	filter.Accept(icmpTypeRPL)
	if err := p.SetICMPFilter(filter); err != nil {
		d.log.Errorf("Failed to set ICMP filter for %s: %v", ifName, err)
		return
	}

	d.connMu.Lock()
	select {
	case <-d.stopChan:
		d.connMu.Unlock()
		return
	default:
		d.conn = conn
	}
	d.connMu.Unlock()

	d.log.Infof("Listening for RPL messages on interface %s", ifName)

	buffer := make([]byte, 1500)
	for {
		select {
		case <-d.stopChan:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-d.stopChan:
				return
			default:
			}
			d.log.Errorf("Error reading from %s: %v", ifName, err)
			if !d.pause(readErrorBackoff) {
				return
			}
			continue
		}
		d.processRPL(buffer[:n], addr)
	}
}

// pause waits for wait to elapse. It returns false if the daemon is
// stopped first.
func (d *BRDaemon) pause(wait time.Duration) bool {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-d.stopChan:
		return false
	case <-t.C:
		return true
	}
}

func (d *BRDaemon) processRPL(data []byte, addr net.Addr) {
	msg, err := icmp.ParseMessage(unix.IPPROTO_ICMPV6, data)
	if err != nil {
		d.log.Debugf("Failed to parse ICMP message from %s: %v", addr, err)
		return
	}
	if msg.Type != icmpTypeRPL {
		d.log.Debugf("Ignoring ICMP message type %v from %s", msg.Type, addr)
		return
	}
	name, ok := rplCodes[msg.Code]
	if !ok {
		name = fmt.Sprintf("code 0x%02x", msg.Code)
	}
	d.log.Debugf("Received RPL %s from %s", name, addr)
	d.kick()
}

func (d *BRDaemon) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.reg, promhttp.HandlerOpts{}))
	d.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Errorf("Metrics server on %s: %v", addr, err)
		}
	}()
	d.log.Infof("Serving metrics on %s", addr)
}
