//go:build linux

package server

import (
	"bufio"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

const listenOverflowInterval = 10 * time.Second

// logListenBacklog logs the listen address with the kernel's backlog limit
func logListenBacklog(addr string) {
	somaxconn, _ := readSysctlInt("/proc/sys/net/core/somaxconn")

	log.Printf("TCP server listening on %s (kernel listen backlog: %d)", addr, somaxconn)
	if somaxconn > 0 && somaxconn < 1024 {
		log.Printf("WARNING: net.core.somaxconn=%d may drop connections during login bursts", somaxconn)
	}
}

// monitorListenOverflows exports connections the kernel refused because the
// accept queue was full, until shutdown
func (s *Server) monitorListenOverflows() {
	ticker := time.NewTicker(listenOverflowInterval)
	defer ticker.Stop()

	last, ok := listenOverflows()
	if !ok {
		return
	}

	for {
		select {
		case <-ticker.C:
			current, ok := listenOverflows()
			if !ok || current <= last {
				continue
			}
			delta := current - last
			last = current
			s.metrics.RecordListenOverflows(delta)
			errorLog.Printf("%d connection(s) rejected due to listen backlog overflow (total: %d)", delta, current)

		case <-s.shutdown:
			return
		}
	}
}

func readSysctlInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// listenOverflows reads the TcpExt ListenOverflows counter. The TcpExt lines
// in /proc/net/netstat come in pairs: column names, then values.
func listenOverflows() (uint64, bool) {
	file, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0, false
	}
	defer file.Close()

	var headers []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "TcpExt:" {
			continue
		}
		if headers == nil {
			headers = fields[1:]
			continue
		}
		for i, name := range headers {
			if name == "ListenOverflows" && i+1 < len(fields) {
				n, err := strconv.ParseUint(fields[i+1], 10, 64)
				return n, err == nil
			}
		}
		return 0, false
	}
	return 0, false
}
