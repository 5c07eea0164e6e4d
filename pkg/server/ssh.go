package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// startSSHServer starts the SSH server on the configured port
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		log.Printf("SSH server disabled (ssh_port=%d)", s.config.SSHPort)
		return nil
	}

	addr := fmt.Sprintf(":%d", s.config.SSHPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if err := s.serveSSH(listener); err != nil {
		listener.Close()
		return err
	}
	return nil
}

// serveSSH accepts SSH connections on listener until Stop
func (s *Server) serveSSH(listener net.Listener) error {
	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	config := &ssh.ServerConfig{
		// Handles are not secrets, anyone may connect
		NoClientAuth: true,
	}
	config.ServerVersion = "SSH-2.0-RelayChat"
	config.AddHostKey(hostKey)

	s.sshListener = listener
	log.Printf("SSH server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)
	return nil
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				errorLog.Printf("SSH accept error: %v", err)
				continue
			}
		}

		go s.handleSSHConnection(conn, config)
	}
}

// handleSSHConnection performs the handshake and runs a session for every
// session channel the client opens
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		debugLog.Printf("SSH handshake failed from %s: %v", conn.RemoteAddr(), err)
		return
	}
	defer sshConn.Close()

	// Discard global out-of-band requests
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			errorLog.Printf("Could not accept SSH channel: %v", err)
			continue
		}

		go handleSSHChannelRequests(requests)
		go s.handleConnection(&sshChannelConn{
			channel: channel,
			local:   sshConn.LocalAddr(),
			remote:  sshConn.RemoteAddr(),
		}, "ssh")
	}
}

func handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// sshChannelConn wraps ssh.Channel to implement net.Conn. SSH channels have
// no deadlines; Session.close falls back to closing the channel.
type sshChannelConn struct {
	channel ssh.Channel
	local   net.Addr
	remote  net.Addr
}

func (c *sshChannelConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *sshChannelConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *sshChannelConn) Close() error {
	return c.channel.Close()
}

func (c *sshChannelConn) LocalAddr() net.Addr  { return c.local }
func (c *sshChannelConn) RemoteAddr() net.Addr { return c.remote }

func (c *sshChannelConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshChannelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshChannelConn) SetWriteDeadline(t time.Time) error { return nil }

// loadOrGenerateHostKey loads the SSH host key or generates one if it doesn't exist
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	keyPath := s.config.SSHHostKeyPath
	if strings.TrimSpace(keyPath) == "" {
		configTarget := "server config file"
		if strings.TrimSpace(s.configPath) != "" {
			configTarget = s.configPath
		}
		return nil, fmt.Errorf("ssh host key path is empty; update [server].ssh_host_key in %s or remove it to use the default (%s)", configTarget, DefaultConfig().SSHHostKeyPath)
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		log.Printf("Loaded SSH host key from %s", keyPath)
		return key, nil
	}

	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	log.Printf("Generating new SSH host key at %s...", keyPath)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyPEM := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	keyFile, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	defer keyFile.Close()

	if err := pem.Encode(keyFile, privateKeyPEM); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	key, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	log.Printf("Generated and saved new SSH host key")
	return key, nil
}
