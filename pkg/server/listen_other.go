//go:build !linux

package server

import "log"

func logListenBacklog(addr string) {
	log.Printf("TCP server listening on %s", addr)
}

// monitorListenOverflows needs /proc/net/netstat, so it only runs on Linux
func (s *Server) monitorListenOverflows() {}
