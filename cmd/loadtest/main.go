package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/aeolun/relaychat/pkg/client"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

// Server output the bots react to
const (
	ackSentPrefix     = ">> Message sent to "
	ackQueuedSuffix   = " is currently offline. They will be notified of your message next time they login."
	welcomeNewPrefix  = ">> Welcome, "
	deleteConfirmLine = ">> You have unread messages. Are you sure you want to delete your account? (y/n)"
	errorPrefix       = ">> Sorry"
)

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	messagesQueued    atomic.Int64
	messagesFailed    atomic.Int64
	messagesReceived  atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64

	timeouts       atomic.Int64
	disconnections atomic.Int64
}

func (s *Stats) recordAck(queued bool, responseTimeUs int64) {
	if queued {
		s.messagesQueued.Add(1)
	} else {
		s.messagesSent.Add(1)
	}
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.messagesFailed.Add(1)
	s.disconnections.Add(1)
}

func (s *Stats) snapshot() (acked, failed, received, connErrors int64, avgResponseUs float64) {
	acked = s.messagesSent.Load() + s.messagesQueued.Load()
	failed = s.messagesFailed.Load()
	received = s.messagesReceived.Load()
	connErrors = s.connectionErrors.Load()

	if acked > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(acked)
	}
	return
}

// ackKind classifies a server line seen while a bot waits for its send to
// be acknowledged
type ackKind int

const (
	ackNone ackKind = iota
	ackDelivered
	ackQueued
	ackRejected
)

func classifyAck(line string) ackKind {
	switch {
	case strings.HasPrefix(line, ackSentPrefix):
		return ackDelivered
	case strings.HasPrefix(line, ">> ") && strings.HasSuffix(line, ackQueuedSuffix):
		return ackQueued
	case strings.HasPrefix(line, errorPrefix):
		return ackRejected
	default:
		return ackNone
	}
}

// botHandle names bot id for one run; run keeps handles from colliding with
// ones an earlier run left in the directory
func botHandle(run, id int) string {
	return fmt.Sprintf("bot-%04d-%d", run, id)
}

func randomBody() string {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// BotClient is a fake user for load testing
type BotClient struct {
	id     int
	handle string
	conn   *client.Connection
	stats  *Stats
	acks   chan ackKind
	done   chan struct{}
}

func NewBotClient(id int, handle, serverAddr string, stats *Stats) (*BotClient, error) {
	conn, err := client.NewConnection(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	return &BotClient{
		id:     id,
		handle: handle,
		conn:   conn,
		stats:  stats,
		acks:   make(chan ackKind, 1),
		done:   make(chan struct{}),
	}, nil
}

// Connect dials the server and creates the bot's handle
func (bc *BotClient) Connect() error {
	if err := bc.conn.Connect(); err != nil {
		bc.stats.connectionErrors.Add(1)
		return err
	}

	if err := bc.conn.Send("CREATE " + bc.handle); err != nil {
		return err
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-bc.conn.Lines():
			if !ok {
				return fmt.Errorf("connection closed during CREATE")
			}
			if strings.HasPrefix(line, welcomeNewPrefix) {
				go bc.readLoop()
				return nil
			}
			if strings.HasPrefix(line, errorPrefix) {
				return fmt.Errorf("create %s: %s", bc.handle, line)
			}
		case <-timeout:
			return fmt.Errorf("timeout waiting for CREATE response")
		}
	}
}

// readLoop sorts server output into acks and received messages
func (bc *BotClient) readLoop() {
	defer close(bc.done)

	for line := range bc.conn.Lines() {
		if line == deleteConfirmLine {
			bc.conn.Send("y")
			continue
		}
		if kind := classifyAck(line); kind != ackNone {
			select {
			case bc.acks <- kind:
			default:
			}
			continue
		}
		if strings.HasPrefix(line, ">> bot-") {
			bc.stats.messagesReceived.Add(1)
		}
	}
}

// SendRandomMessage sends a message to a random peer and waits for the ack
func (bc *BotClient) SendRandomMessage(peers []string) error {
	target := peers[rand.Intn(len(peers))]

	start := time.Now()
	if err := bc.conn.Send(fmt.Sprintf("@%s %s", target, randomBody())); err != nil {
		bc.stats.recordDisconnection()
		return err
	}

	select {
	case kind := <-bc.acks:
		if kind == ackRejected {
			bc.stats.messagesFailed.Add(1)
			return fmt.Errorf("message to %s rejected", target)
		}
		bc.stats.recordAck(kind == ackQueued, time.Since(start).Microseconds())
		return nil
	case <-bc.done:
		bc.stats.recordDisconnection()
		return fmt.Errorf("connection closed")
	case <-time.After(10 * time.Second):
		bc.stats.recordTimeout()
		return fmt.Errorf("timeout waiting for send ack")
	}
}

func (bc *BotClient) Run(peers []string, duration, minDelay, maxDelay, shutdownDelay time.Duration) {
	defer bc.conn.Close()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if err := bc.SendRandomMessage(peers); err != nil && !bc.conn.IsConnected() {
			return
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		time.Sleep(delay)
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}

	// Remove the handle so runs don't pile up in the directory
	bc.conn.Send("DELETE")
	select {
	case <-bc.done:
	case <-time.After(5 * time.Second):
	}
}

func main() {
	flagSet := pflag.NewFlagSet("loadtest", pflag.ExitOnError)
	serverAddr := flagSet.String("server", "localhost:6465", "Server address (host:port, ssh://host, ws://host)")
	numClients := flagSet.Int("clients", 10, "Number of concurrent clients")
	duration := flagSet.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flagSet.Duration("min-delay", 100*time.Millisecond, "Minimum delay between messages")
	maxDelay := flagSet.Duration("max-delay", 1*time.Second, "Maximum delay between messages")
	flagSet.Parse(os.Args[1:])

	if *numClients < 1 {
		log.Fatal("--clients must be at least 1")
	}

	run := rand.Intn(10000)
	peers := make([]string, *numClients)
	for i := range peers {
		peers[i] = botHandle(run, i)
	}

	// Ramp up over 25% of the test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d (handles %s..%s)", *numClients, peers[0], peers[len(peers)-1])
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	var stopOnce sync.Once
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				acked, failed, received, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d acked (%.1f/s), %d received live, %d failed, %d conn errors, avg %.2fms",
					acked, float64(acked)/elapsed, received, failed, connErrors, avgUs/1000.0)
			case <-stopStats:
				return
			}
		}
	}()

	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, peers[id], *serverAddr, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}
			if err := bot.Connect(); err != nil {
				log.Printf("[Bot %d] %v", id, err)
				stats.connectionErrors.Add(1)
				bot.conn.Close()
				return
			}

			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.handle)
			}

			bot.Run(peers, *duration, *minDelay, *maxDelay, shutdownDelay)
		}(i, shutdownDelay)

		time.Sleep(staggerDelay)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopOnce.Do(func() { close(stopStats) })
	}()

	wg.Wait()
	stopOnce.Do(func() { close(stopStats) })

	acked, failed, received, connErrors, avgUs := stats.snapshot()
	rate := float64(acked) / duration.Seconds()

	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", *duration)
	log.Printf("Messages acked: %d (%.1f/s)", acked, rate)
	log.Printf("  - Delivered live: %d", stats.messagesSent.Load())
	log.Printf("  - Queued offline: %d", stats.messagesQueued.Load())
	log.Printf("Messages received live: %d", received)
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Average response time: %.2fms", avgUs/1000.0)

	if acked > 0 {
		log.Printf("Success rate: %.1f%%", float64(acked)/float64(acked+failed)*100)
	}
}
