//go:build linux
// +build linux

package node

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/raidanetwork/raida-go/log"
	"go.uber.org/zap"
)

// Transport defaults; the conf package carries the same values for the YAML
// surface.
const (
	DefaultBacklog     = 511
	DefaultMaxFDs      = 65535
	DefaultMaxBodySize = 64 * 1024
	DefaultUDPPoolSize = 4096
	DefaultMaxEvents   = 10000
	DefaultWorkerQueue = 1024
	DefaultPollTimeout = 10 * time.Second
	DefaultIdleTimeout = 2 * time.Second
)

// Config carries everything the transport needs. Zero values are replaced by
// the defaults above.
type Config struct {
	TCPAddr string
	UDPAddr string

	Backlog     int
	MaxFDs      int
	MaxBodySize int
	UDPPoolSize int
	MaxEvents   int
	Workers     int
	WorkerQueue int

	PollTimeout time.Duration
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TCPAddr == "" {
		c.TCPAddr = ":25005"
	}
	if c.UDPAddr == "" {
		c.UDPAddr = c.TCPAddr
	}
	if c.Backlog == 0 {
		c.Backlog = DefaultBacklog
	}
	if c.MaxFDs == 0 {
		c.MaxFDs = DefaultMaxFDs
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	if c.UDPPoolSize == 0 {
		c.UDPPoolSize = DefaultUDPPoolSize
	}
	if c.MaxEvents == 0 {
		c.MaxEvents = DefaultMaxEvents
	}
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.WorkerQueue == 0 {
		c.WorkerQueue = DefaultWorkerQueue
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

// Server owns the sockets, the reactor and the worker pool for one node.
type Server struct {
	cfg     Config
	handler Handler
	framer  Framer
	poll    *Poll

	tcpPort int
	udpPort int
}

func NewServer(cfg Config) *Server {
	return &Server{
		cfg:     cfg.withDefaults(),
		handler: EchoHandler{},
		framer:  BurstFramer{},
	}
}

// SetHandler installs the protocol handler. Must be called before Run.
func (s *Server) SetHandler(h Handler) {
	s.handler = h
}

// SetFramer installs the request framer. Must be called before Run.
func (s *Server) SetFramer(f Framer) {
	s.framer = f
}

// listen creates the sockets and the reactor without entering the loop.
func (s *Server) listen() error {
	lnFd, err := ListenTCP(s.cfg.TCPAddr, s.cfg.Backlog)
	if err != nil {
		return fmt.Errorf("tcp listener: %w", err)
	}

	udpFd, err := ListenUDP(s.cfg.UDPAddr)
	if err != nil {
		CloseFd(lnFd)
		return fmt.Errorf("udp socket: %w", err)
	}

	if s.tcpPort, err = localPort(lnFd); err != nil {
		CloseFd(lnFd)
		CloseFd(udpFd)
		return err
	}
	if s.udpPort, err = localPort(udpFd); err != nil {
		CloseFd(lnFd)
		CloseFd(udpFd)
		return err
	}

	poll, err := NewPoll(s.cfg, lnFd, udpFd, s.handler, s.framer)
	if err != nil {
		CloseFd(lnFd)
		CloseFd(udpFd)
		return err
	}
	s.poll = poll
	return nil
}

// Run binds the sockets and blocks in the event loop until Stop is called or
// a termination signal arrives.
func (s *Server) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	if err := s.listen(); err != nil {
		log.Logger.Error("listen error", zap.Error(err))
		return err
	}

	go func() {
		select {
		case sig := <-sigCh:
			log.Logger.Info("received signal, stopping", zap.String("signal", sig.String()))
			s.poll.Stop()
		case <-s.poll.Done():
		}
	}()

	log.Logger.Info("listening",
		zap.String("tcp", s.cfg.TCPAddr), zap.String("udp", s.cfg.UDPAddr),
		zap.Int("workers", s.cfg.Workers))
	s.poll.poll()
	log.Logger.Info("shutting down server")
	return nil
}

// Stop asks the reactor to shut down. Safe to call from any goroutine and
// more than once.
func (s *Server) Stop() {
	if s.poll != nil {
		s.poll.Stop()
	}
}

// TCPPort returns the bound TCP port, useful when configured as 0.
func (s *Server) TCPPort() int {
	return s.tcpPort
}

// UDPPort returns the bound UDP port.
func (s *Server) UDPPort() int {
	return s.udpPort
}
