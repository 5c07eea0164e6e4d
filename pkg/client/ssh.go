package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const relayChatSSHVersionPrefix = "SSH-2.0-RelayChat"

var errUserRejectedHostKey = errors.New("user rejected ssh host key")

func defaultSSHUser() string {
	for _, env := range []string{"RELAYCHAT_SSH_USER", "USER", "USERNAME"} {
		if user := os.Getenv(env); user != "" {
			return user
		}
	}
	return "anonymous"
}

// hostKeyVerifier checks server keys against known_hosts, asking the user
// about keys it has never seen when stdin is a terminal
type hostKeyVerifier struct {
	host      string
	port      string
	paths     []string
	callbacks []ssh.HostKeyCallback
	accepted  map[string]ssh.PublicKey
	warning   string

	// stdin answers the trust prompt; nil means non-interactive
	prompt func(hostname string, fingerprint string) (bool, error)
}

func newHostKeyVerifier(host, port string) *hostKeyVerifier {
	paths := knownHostPaths()
	var callbacks []ssh.HostKeyCallback
	for _, path := range paths {
		if cb, err := knownhosts.New(path); err == nil {
			callbacks = append(callbacks, cb)
		}
	}

	v := &hostKeyVerifier{
		host:      host,
		port:      port,
		paths:     paths,
		callbacks: callbacks,
		accepted:  make(map[string]ssh.PublicKey),
	}
	if len(callbacks) == 0 {
		v.warning = "no known_hosts file found; the server's SSH host key cannot be verified against a trusted copy"
	}
	if isInteractive() {
		v.prompt = promptAcceptHostKey
	}
	return v
}

func (v *hostKeyVerifier) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if len(v.callbacks) == 0 {
		return v.handleUnknownHostKey(hostname, key)
	}

	var lastErr error
	for _, cb := range v.callbacks {
		if err := cb(hostname, remote, key); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	var keyErr *knownhosts.KeyError
	if errors.As(lastErr, &keyErr) {
		if len(keyErr.Want) == 0 {
			return v.handleUnknownHostKey(hostname, key)
		}
		expected := ssh.FingerprintSHA256(keyErr.Want[0].Key)
		return fmt.Errorf("ssh host key for %s changed: server presented %s but known_hosts expects %s; remove the stale entry before retrying", hostname, ssh.FingerprintSHA256(key), expected)
	}
	return lastErr
}

func (v *hostKeyVerifier) handleUnknownHostKey(hostname string, key ssh.PublicKey) error {
	fingerprint := ssh.FingerprintSHA256(key)
	if prev, ok := v.accepted[hostname]; ok && ssh.FingerprintSHA256(prev) == fingerprint {
		return nil
	}

	if v.prompt == nil {
		return fmt.Errorf("ssh host key %s for %s is not trusted. Add it with `ssh-keyscan -p %s %s >> %s` and retry", fingerprint, hostname, v.port, v.host, v.knownHostsPath())
	}

	ok, err := v.prompt(hostname, fingerprint)
	if err != nil {
		return err
	}
	if !ok {
		return errUserRejectedHostKey
	}
	v.accepted[hostname] = key
	return nil
}

func (v *hostKeyVerifier) knownHostsPath() string {
	if len(v.paths) > 0 {
		return v.paths[0]
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ssh", "known_hosts")
}

// persistAccepted writes keys the user accepted during this handshake
func (v *hostKeyVerifier) persistAccepted(serverVersion string) {
	path := v.knownHostsPath()
	for hostname, key := range v.accepted {
		if err := appendKnownHost(path, hostname, serverVersion, key); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to save SSH host key for %s in %s: %v\n", hostname, path, err)
		}
	}
	v.accepted = make(map[string]ssh.PublicKey)
}

func knownHostPaths() []string {
	if env := os.Getenv("SSH_KNOWN_HOSTS"); env != "" {
		var paths []string
		for _, p := range strings.Split(env, string(os.PathListSeparator)) {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		return paths
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil
	}
	return []string{filepath.Join(home, ".ssh", "known_hosts")}
}

func appendKnownHost(path, hostname, serverVersion string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{hostname}, key)
	_, err = fmt.Fprintf(f, "%s RelayChat banner=%s added=%s\n", line, serverVersion, time.Now().Format(time.RFC3339))
	return err
}

func promptAcceptHostKey(hostname, fingerprint string) (bool, error) {
	fmt.Printf("\nThe authenticity of host '%s' can't be established.\n", hostname)
	fmt.Printf("SSH key fingerprint is %s.\n", fingerprint)
	fmt.Print("Do you trust this host? (yes/no) [no]: ")

	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "yes" || answer == "y", nil
}

func isInteractive() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// dialSSH opens a session channel on a RelayChat SSH endpoint. The server
// accepts the "none" auth method, so no keys are offered.
func dialSSH(user, host, port string, verifier *hostKeyVerifier) (net.Conn, error) {
	address := net.JoinHostPort(host, port)
	netConn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: verifier.callback,
		Timeout:         dialTimeout,
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		if errors.Is(err, errUserRejectedHostKey) {
			return nil, fmt.Errorf("connection aborted: rejected SSH host key for %s", address)
		}
		return nil, err
	}

	banner := string(clientConn.ServerVersion())
	if !strings.HasPrefix(banner, relayChatSSHVersionPrefix) {
		clientConn.Close()
		return nil, fmt.Errorf("remote server advertised %q; expected a RelayChat server (banner prefix %q)", banner, relayChatSSHVersionPrefix)
	}
	verifier.persistAccepted(banner)

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, err
	}
	go ssh.DiscardRequests(requests)

	return &sshClientConn{
		channel:    channel,
		client:     client,
		localAddr:  netConn.LocalAddr(),
		remoteAddr: netConn.RemoteAddr(),
	}, nil
}

// sshClientConn presents an SSH session channel as a net.Conn
type sshClientConn struct {
	channel    ssh.Channel
	client     *ssh.Client
	localAddr  net.Addr
	remoteAddr net.Addr
	once       sync.Once
}

func (c *sshClientConn) Read(b []byte) (int, error) { return c.channel.Read(b) }
func (c *sshClientConn) Write(b []byte) (int, error) { return c.channel.Write(b) }

func (c *sshClientConn) Close() error {
	var err error
	c.once.Do(func() {
		c.channel.Close()
		err = c.client.Close()
	})
	return err
}

func (c *sshClientConn) LocalAddr() net.Addr { return c.localAddr }
func (c *sshClientConn) RemoteAddr() net.Addr { return c.remoteAddr }
func (c *sshClientConn) SetDeadline(t time.Time) error { return nil }
func (c *sshClientConn) SetReadDeadline(t time.Time) error { return nil }
func (c *sshClientConn) SetWriteDeadline(t time.Time) error { return nil }
