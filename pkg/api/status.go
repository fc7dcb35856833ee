package api

import (
	"time"

	"pageview/pkg/reader"
)

// SystemStatus represents the current state of the application
type SystemStatus struct {
	Timestamp time.Time `json:"timestamp"`
	reader.Snapshot
	CacheRoot string `json:"cache_root"`
	Clients   int    `json:"clients"`
}

func (s *Server) collectStatus() SystemStatus {
	return SystemStatus{
		Timestamp: time.Now(),
		Snapshot:  s.svc.Status(),
		CacheRoot: s.store.Root(),
		Clients:   s.clientCount(),
	}
}
