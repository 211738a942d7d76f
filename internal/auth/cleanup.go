package auth

import "time"

// CleanupLoop periodically purges expired token records until stopCh is
// closed. Mirrors the ticker-loop shape used throughout the rest of the
// control plane (presence's stale-detector, work's monitoring loop).
func (m *Manager) CleanupLoop(interval time.Duration, stopCh <-chan struct{}) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}
