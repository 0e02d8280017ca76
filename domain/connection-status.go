package domain

import (
	"sync"
	"time"
)

type ConnectionStatus string

const (
	ConnectionStatus_Idle         ConnectionStatus = "idle"
	ConnectionStatus_Connecting   ConnectionStatus = "connecting"
	ConnectionStatus_Connected    ConnectionStatus = "connected"
	ConnectionStatus_Reconnecting ConnectionStatus = "reconnecting"
	ConnectionStatus_Disconnected ConnectionStatus = "disconnected"
	ConnectionStatus_Closed       ConnectionStatus = "closed"
)

// IsPublic reports whether the status is one that transports emit to consumers.
// Idle and Closed are internal states.
func (s ConnectionStatus) IsPublic() bool {
	switch s {
	case ConnectionStatus_Connecting, ConnectionStatus_Connected,
		ConnectionStatus_Reconnecting, ConnectionStatus_Disconnected:
		return true
	}
	return false
}

// Feed names one of the two market data streams.
type Feed string

const (
	Feed_Trade Feed = "trade"
	Feed_Depth Feed = "depth"
)

var Feeds = []Feed{Feed_Trade, Feed_Depth}

type ConnStatusView struct {
	Trade          ConnectionStatus `json:"trade"`
	Depth          ConnectionStatus `json:"depth"`
	FullyConnected bool             `json:"fullyConnected"`
	Reconnecting   bool             `json:"reconnecting"`
	TradeLatencyMs int64            `json:"tradeLatencyMs"`
	DepthLatencyMs int64            `json:"depthLatencyMs"`
}

// ConnStatusBoard combines the statuses of both feeds. Safe for concurrent use.
type ConnStatusBoard struct {
	mu       sync.RWMutex
	statuses map[Feed]ConnectionStatus
	latency  map[Feed]time.Duration
}

func NewConnStatusBoard() *ConnStatusBoard {
	b := &ConnStatusBoard{}
	b.Reset()
	return b
}

func (b *ConnStatusBoard) Set(feed Feed, status ConnectionStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[feed] = status
}

func (b *ConnStatusBoard) Get(feed Feed) ConnectionStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.statuses[feed]
}

// SetLatency records arrival time minus the event time embedded in a message.
func (b *ConnStatusBoard) SetLatency(feed Feed, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency[feed] = latency
}

func (b *ConnStatusBoard) Latency(feed Feed) time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latency[feed]
}

func (b *ConnStatusBoard) IsFullyConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, feed := range Feeds {
		if b.statuses[feed] != ConnectionStatus_Connected {
			return false
		}
	}
	return true
}

func (b *ConnStatusBoard) IsReconnecting() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, feed := range Feeds {
		if b.statuses[feed] == ConnectionStatus_Reconnecting {
			return true
		}
	}
	return false
}

func (b *ConnStatusBoard) View() ConnStatusView {
	return ConnStatusView{
		Trade:          b.Get(Feed_Trade),
		Depth:          b.Get(Feed_Depth),
		FullyConnected: b.IsFullyConnected(),
		Reconnecting:   b.IsReconnecting(),
		TradeLatencyMs: b.Latency(Feed_Trade).Milliseconds(),
		DepthLatencyMs: b.Latency(Feed_Depth).Milliseconds(),
	}
}

func (b *ConnStatusBoard) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = map[Feed]ConnectionStatus{
		Feed_Trade: ConnectionStatus_Disconnected,
		Feed_Depth: ConnectionStatus_Disconnected,
	}
	b.latency = map[Feed]time.Duration{}
}
