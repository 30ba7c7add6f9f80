// Package webrtc pushes threat assessments to browsers over a data channel.
package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/citywatch/sentinel-server/internal/logger"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/metrics"
)

// ChannelLabel is the data channel the browser must open in its offer.
const ChannelLabel = "threat"

// ErrTooManyClients is returned by HandleOffer at the client limit.
var ErrTooManyClients = errors.New("maximum clients reached")

// A peer that has not opened its data channel by then is closed.
const defaultPendingTimeout = 30 * time.Second

// Client is one connected browser.
type Client struct {
	id        string
	peerConn  *webrtc.PeerConnection
	send      chan []byte
	closeChan chan struct{}
	sent      uint64
	dropped   uint64
}

// Server manages WebRTC connections
type Server struct {
	clients map[string]*Client
	// answered peers whose data channel is not open yet; they count
	// toward maxClients
	pending        map[string]*webrtc.PeerConnection
	clientsMu      sync.RWMutex
	config         webrtc.Configuration
	maxClients     int
	pendingTimeout time.Duration
	api            *webrtc.API
	metrics        *metrics.Metrics
}

// NewServer creates a server using the given STUN servers. With none, only
// host candidates are gathered.
func NewServer(stunServers []string, maxClients int, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if m == nil {
		m = metrics.New()
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	return &Server{
		clients:        make(map[string]*Client),
		pending:        make(map[string]*webrtc.PeerConnection),
		config:         webrtc.Configuration{ICEServers: iceServers},
		maxClients:     maxClients,
		pendingTimeout: defaultPendingTimeout,
		api:            webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
		metrics:        m,
	}
}

// HandleOffer answers a browser offer. The client starts receiving
// assessments once it opens the ChannelLabel data channel.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.SDP == "" {
		return nil, errors.New("failed to parse offer: empty sdp")
	}

	id := "client-" + uuid.NewString()[:8]
	if !s.reserve(id) {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		s.dropPeer(id, nil)
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	s.clientsMu.Lock()
	if _, ok := s.pending[id]; ok {
		s.pending[id] = peerConn
	}
	s.clientsMu.Unlock()

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			logger.Debug("WebRTC", "Client %s opened unknown channel %q", id, dc.Label())
			return
		}
		dc.OnOpen(func() {
			client := s.promote(id, peerConn)
			if client == nil {
				return
			}
			go s.sendLoop(client, dc)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.dropPeer(id, peerConn)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		s.dropPeer(id, peerConn)
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		s.dropPeer(id, peerConn)
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		s.dropPeer(id, peerConn)
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.dropPeer(id, peerConn)
		return nil, errors.New("no local description available")
	}

	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		s.dropPeer(id, peerConn)
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	time.AfterFunc(s.pendingTimeout, func() {
		if s.isPending(id) {
			logger.Info("WebRTC", "Client %s never opened %q, closing", id, ChannelLabel)
			s.dropPeer(id, peerConn)
		}
	})

	s.metrics.WebRTCTotalClients.Add(1)
	logger.Info("WebRTC", "Answered offer for client %s", id)
	return answerJSON, nil
}

// reserve claims a slot for an offer being answered.
func (s *Server) reserve(id string) bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if len(s.clients)+len(s.pending) >= s.maxClients {
		return false
	}
	s.pending[id] = nil
	s.syncGaugesLocked()
	return true
}

func (s *Server) isPending(id string) bool {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	_, ok := s.pending[id]
	return ok
}

// dropPeer tears down id whether or not its data channel ever opened.
func (s *Server) dropPeer(id string, pc *webrtc.PeerConnection) {
	s.clientsMu.Lock()
	_, wasPending := s.pending[id]
	delete(s.pending, id)
	s.syncGaugesLocked()
	s.clientsMu.Unlock()

	s.RemoveClient(id)
	if pc != nil {
		if err := pc.Close(); err != nil {
			logger.Debug("WebRTC", "Close peer %s: %v", id, err)
		}
	}
	if wasPending {
		logger.Debug("WebRTC", "Released pending peer %s", id)
	}
}

// promote moves a pending peer to the client set. A peer already dropped
// stays dropped.
func (s *Server) promote(id string, pc *webrtc.PeerConnection) *Client {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	if _, ok := s.pending[id]; !ok {
		return nil
	}
	delete(s.pending, id)
	return s.registerLocked(id, pc)
}

func (s *Server) registerLocked(id string, pc *webrtc.PeerConnection) *Client {
	if _, exists := s.clients[id]; exists {
		return nil
	}
	client := &Client{
		id:        id,
		peerConn:  pc,
		send:      make(chan []byte, 30),
		closeChan: make(chan struct{}),
	}
	s.clients[id] = client
	s.syncGaugesLocked()
	logger.Info("WebRTC", "Client %s connected", id)
	return client
}

// Broadcast queues payload for every client. Slow clients drop messages.
func (s *Server) Broadcast(payload []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.send <- payload:
			client.sent++
			s.metrics.WebRTCMessagesSent.Add(1)
		default:
			client.dropped++
			s.metrics.WebRTCMessagesDropped.Add(1)
		}
	}
}

func (s *Server) sendLoop(client *Client, dc *webrtc.DataChannel) {
	for {
		select {
		case <-client.closeChan:
			return
		case msg := <-client.send:
			if err := dc.SendText(string(msg)); err != nil {
				logger.Warn("WebRTC", "Send to client %s failed: %v", client.id, err)
				s.RemoveClient(client.id)
				return
			}
		}
	}
}

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
		s.syncGaugesLocked()
	}
	s.clientsMu.Unlock()

	if !exists {
		return
	}

	close(client.closeChan)
	if client.peerConn != nil {
		client.peerConn.Close()
	}
	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)", clientID, client.sent, client.dropped)
}

// GetClientCount returns the number of connected clients
func (s *Server) GetClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// GetClientStats returns stats for all clients
func (s *Server) GetClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64)
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"messages_sent":    client.sent,
			"messages_dropped": client.dropped,
		}
	}
	return stats
}

func (s *Server) syncGaugesLocked() {
	s.metrics.WebRTCActiveClients.Store(uint64(len(s.clients)))
	s.metrics.WebRTCPendingClients.Store(uint64(len(s.pending)))
}

// GetPendingCount returns the number of answered peers still waiting for
// their data channel.
func (s *Server) GetPendingCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.pending)
}

// Close closes all client and pending connections
func (s *Server) Close() error {
	s.clientsMu.Lock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	pending := s.pending
	s.pending = make(map[string]*webrtc.PeerConnection)
	s.syncGaugesLocked()
	s.clientsMu.Unlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	for _, pc := range pending {
		if pc != nil {
			pc.Close()
		}
	}
	return nil
}
