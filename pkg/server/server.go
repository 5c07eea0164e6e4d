package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aeolun/relaychat/pkg/database"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server represents the RelayChat server
type Server struct {
	dir        DirectoryStore
	registry   *Registry
	config     ServerConfig
	configPath string
	metrics    *Metrics
	ids        *Snowflake
	startTime  time.Time

	listener      net.Listener
	sshListener   net.Listener
	httpServer    *http.Server
	metricsServer *http.Server

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer opens the configured directory store and creates a server on it
func NewServer(config ServerConfig, configPath string) (*Server, error) {
	metrics := NewMetrics()

	storeConfig := config.Storage
	storeConfig.DataDir = config.DataDir
	store, err := database.OpenStore(storeConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory store: %w", err)
	}

	dir, err := database.OpenDirectory(store, database.Options{
		MaxHandleLength: config.MaxHandleLength,
		OnWriteError:    metrics.RecordDirectoryWriteError,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load directory: %w", err)
	}

	return newServer(dir, config, configPath, metrics), nil
}

func newServer(dir DirectoryStore, config ServerConfig, configPath string, metrics *Metrics) *Server {
	registry := NewRegistry(dir)
	registry.SetMetrics(metrics)
	metrics.ObserveDirectory(dir)

	return &Server{
		dir:        dir,
		registry:   registry,
		config:     config,
		configPath: configPath,
		metrics:    metrics,
		ids:        NewSnowflake(0),
		startTime:  time.Now(),
		shutdown:   make(chan struct{}),
	}
}

// InitLogging points errorLog at stderr and errors.log, and the standard
// logger at stdout and server.log, both inside dataDir
func InitLogging(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	errorFile, err := os.OpenFile(filepath.Join(dataDir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	// Startup marker separates runs in errors.log
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}
	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// server.log only holds the current run
	serverLogFile, err := os.OpenFile(filepath.Join(dataDir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging writes debug output to debug.log in dataDir
func EnableDebugLogging(dataDir string) error {
	debugLogFile, err := os.OpenFile(filepath.Join(dataDir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open debug.log: %w", err)
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
	debugLog.Println("Debug logging enabled")
	return nil
}

// Start starts the TCP listener and whichever of the SSH, WebSocket and
// metrics servers are enabled
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)

	lc := net.ListenConfig{Control: reuseAddrControl}

	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	logListenBacklog(listener.Addr().String())

	// Start listen overflow monitor (Linux only)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorListenOverflows()
	}()

	if err := s.startSSHServer(); err != nil {
		s.Stop()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		s.Stop()
		return fmt.Errorf("failed to start WebSocket server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		s.Stop()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// Accept TCP connections
	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// startHTTPServer serves /ws on the public HTTP port
func (s *Server) startHTTPServer() error {
	if s.config.HTTPPort <= 0 {
		return nil
	}

	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	log.Printf("WebSocket server listening on %s (/ws)", listener.Addr())
	s.serveHTTP(s.httpServer, listener, "WebSocket")
	return nil
}

// startMetricsServer serves /metrics and /health. Internal only, never
// expose it publicly.
func (s *Server) startMetricsServer() error {
	if s.config.MetricsPort <= 0 {
		return nil
	}

	addr := fmt.Sprintf(":%d", s.config.MetricsPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.metricsServer = &http.Server{Handler: s.metricsMux(), ReadHeaderTimeout: 10 * time.Second}

	log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", listener.Addr())
	s.serveHTTP(s.metricsServer, listener, "Metrics")
	return nil
}

func (s *Server) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.HealthHandler)
	return mux
}

func (s *Server) serveHTTP(srv *http.Server, listener net.Listener, name string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("%s server error: %v", name, err)
		}
	}()
}

// Addr returns the TCP listener's address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listeners and waits for the accept loops to finish.
// Sessions that are already running are left to end on their own.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		log.Println("Graceful shutdown initiated...")
		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
			log.Println("TCP listener closed")
		}
		if s.sshListener != nil {
			s.sshListener.Close()
			log.Println("SSH listener closed")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range []*http.Server{s.httpServer, s.metricsServer} {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(ctx); err != nil {
				errorLog.Printf("HTTP server shutdown: %v", err)
			}
		}

		s.wg.Wait()
	})
	return nil
}

// Close stops the server and flushes and closes the directory
func (s *Server) Close() error {
	s.Stop()

	log.Println("Flushing directory to disk...")
	if err := s.dir.Close(); err != nil {
		errorLog.Printf("Error during directory close: %v", err)
		return err
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}

		go s.handleConnection(conn, "tcp")
	}
}

// handleConnection runs one session to completion on conn, whatever
// transport it arrived on
func (s *Server) handleConnection(conn net.Conn, transport string) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := newSession(s, s.ids.NextID(), transport, conn)
	s.metrics.RecordSessionCreated(sess.Transport)
	debugLog.Printf("New %s connection from %s (session %d)", sess.Transport, conn.RemoteAddr(), sess.ID)

	reason := closeIOError
	defer func() {
		sess.close(reason)
		s.metrics.RecordSessionClosed(reason)
		debugLog.Printf("Session %d (%s) closed (%s)", sess.ID, sess.Transport, reason)
	}()

	var err error
	reason, err = s.serveSession(sess)
	if err == nil {
		return
	}

	switch reason {
	case closeFramingError:
		log.Printf("Session %d: closing after malformed frame: %v", sess.ID, err)
		sess.trySend(msgProtocolError)
	case closeDisconnect:
		debugLog.Printf("Session %d disconnected: %v", sess.ID, err)
	default:
		errorLog.Printf("Session %d: %v", sess.ID, err)
	}
}
