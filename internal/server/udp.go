package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/ptt-transcriber/internal/config"
	"github.com/skypro1111/ptt-transcriber/internal/metrics"
	"github.com/skypro1111/ptt-transcriber/internal/protocol"
	"github.com/skypro1111/ptt-transcriber/internal/stream"
)

// endTimeout bounds the release flush triggered by an end packet
const endTimeout = 2 * time.Minute

// UDPServer receives push-to-talk packets and drives a session controller
// with them. Packets are handled by a single worker so audio reaches the
// ring buffer in arrival order.
type UDPServer struct {
	conn       *net.UDPConn
	config     *config.ServerConfig
	logger     *slog.Logger
	controller stream.SessionController
	metrics    *metrics.Metrics

	// Concurrency management
	ctx         context.Context
	cancel      context.CancelFunc
	receiveDone chan struct{}
	workerDone  chan struct{}
	stopOnce    sync.Once

	// Packet processing
	packetChan chan *incomingPacket

	// Owned by the worker
	source *activeSource

	mu               sync.RWMutex
	packetsReceived  uint64
	packetsProcessed uint64
	packetsDropped   uint64
	parseErrors      uint64
	sequenceGaps     uint64
}

// activeSource tracks the device holding the current session
type activeSource struct {
	id        uint32
	name      string
	sessionID string
	lastSeq   uint32
	seqSeen   bool
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// NewUDPServer creates a new UDP server instance
func NewUDPServer(cfg *config.ServerConfig, logger *slog.Logger, controller stream.SessionController, m *metrics.Metrics) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}

	return &UDPServer{
		config:      cfg,
		logger:      logger,
		controller:  controller,
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
		receiveDone: make(chan struct{}),
		workerDone:  make(chan struct{}),
		packetChan:  make(chan *incomingPacket, queueSize),
	}
}

// Start begins listening for UDP packets
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP server started",
		slog.String("address", s.conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
		slog.Int("queue_size", cap(s.packetChan)),
	)

	go s.packetProcessor()
	go s.receiveLoop()

	return nil
}

// Addr returns the bound local address, or nil before Start
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop gracefully stops the UDP server. Packets already queued are handled
// before it returns.
func (s *UDPServer) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping UDP server...")

		s.cancel()

		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
			}
			<-s.receiveDone
		} else {
			close(s.receiveDone)
		}

		close(s.packetChan)
		if s.conn != nil {
			<-s.workerDone
		}

		stats := s.GetStatistics()
		s.logger.Info("UDP server stopped",
			slog.Uint64("packets_received", stats.PacketsReceived),
			slog.Uint64("packets_processed", stats.PacketsProcessed),
			slog.Uint64("packets_dropped", stats.PacketsDropped),
			slog.Uint64("parse_errors", stats.ParseErrors),
		)
	})

	return nil
}

// receiveLoop is the main packet receiving loop
func (s *UDPServer) receiveLoop() {
	defer close(s.receiveDone)

	buffer := make([]byte, max(s.config.BufferSize, protocol.MaxPacketSize))

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debug("Receive loop stopping due to context cancellation")
			return
		default:
		}

		// Periodic deadline so cancellation is noticed
		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
				continue
			}
		}

		s.mu.Lock()
		s.packetsReceived++
		s.mu.Unlock()
		s.metrics.RecordPacketReceived()

		// Buffer is reused
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		packet := &incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		}

		select {
		case s.packetChan <- packet:
			s.metrics.SetQueueSize(len(s.packetChan))
		default:
			s.drop("queue_full")
			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n),
			)
		}
	}
}

// packetProcessor handles queued packets one at a time
func (s *UDPServer) packetProcessor() {
	defer close(s.workerDone)

	s.logger.Debug("Packet processor started")

	for packet := range s.packetChan {
		s.handlePacket(packet)
		s.metrics.SetQueueSize(len(s.packetChan))
	}

	s.logger.Debug("Packet processor stopped")
}

// handlePacket processes a single incoming packet
func (s *UDPServer) handlePacket(packet *incomingPacket) {
	parsedPacket, err := protocol.ParsePacket(packet.data)
	if err != nil {
		s.mu.Lock()
		s.parseErrors++
		s.mu.Unlock()
		s.metrics.RecordParseError()

		s.logger.Error("Failed to parse packet",
			slog.String("remote_addr", addrString(packet.remoteAddr)),
			slog.Int("packet_size", len(packet.data)),
			slog.String("error", err.Error()),
		)
		return
	}

	var handled bool
	switch parsedPacket.Header.PacketType {
	case protocol.PacketTypeBegin:
		handled = s.processBeginPacket(parsedPacket.Header, parsedPacket.Begin)
	case protocol.PacketTypeAudio:
		handled = s.processAudioPacket(parsedPacket.Header, parsedPacket.Audio)
	case protocol.PacketTypeEnd:
		handled = s.processEndPacket(parsedPacket.Header)
	}

	if handled {
		s.mu.Lock()
		s.packetsProcessed++
		s.mu.Unlock()
		s.metrics.RecordPacketProcessed()
	}
}

// processBeginPacket starts a session for the transmitting device. A begin
// from any device takes the channel over.
func (s *UDPServer) processBeginPacket(header *protocol.Header, payload *protocol.BeginPayload) bool {
	name := payload.GetDeviceName()
	if name == "" {
		name = fmt.Sprintf("source-%d", header.SourceID)
	}

	sessionID, err := s.controller.Begin(name, int(payload.SampleRate))
	if err != nil {
		s.source = nil
		s.drop("begin_failed")
		s.logger.Error("Failed to begin session",
			slog.Uint64("source_id", uint64(header.SourceID)),
			slog.String("device", name),
			slog.String("error", err.Error()),
		)
		return false
	}

	s.source = &activeSource{id: header.SourceID, name: name, sessionID: sessionID}

	s.logger.Info("PTT pressed",
		slog.String("session_id", sessionID),
		slog.Uint64("source_id", uint64(header.SourceID)),
		slog.String("device", name),
		slog.Uint64("sample_rate", uint64(payload.SampleRate)),
	)
	return true
}

// processAudioPacket feeds a frame of the active session into the controller
func (s *UDPServer) processAudioPacket(header *protocol.Header, payload *protocol.AudioPayload) bool {
	src := s.source
	if src == nil {
		s.drop("no_session")
		s.logger.Debug("Audio packet without session",
			slog.Uint64("source_id", uint64(header.SourceID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
		)
		return false
	}
	if header.SourceID != src.id {
		s.drop("foreign_source")
		s.logger.Debug("Audio packet from foreign source",
			slog.Uint64("source_id", uint64(header.SourceID)),
			slog.Uint64("active_source_id", uint64(src.id)),
		)
		return false
	}

	if src.seqSeen && payload.Sequence <= src.lastSeq {
		s.drop("stale_sequence")
		s.logger.Debug("Stale audio packet",
			slog.Uint64("sequence", uint64(payload.Sequence)),
			slog.Uint64("last_sequence", uint64(src.lastSeq)),
		)
		return false
	}
	if src.seqSeen && payload.Sequence > src.lastSeq+1 {
		missing := uint64(payload.Sequence - src.lastSeq - 1)
		s.mu.Lock()
		s.sequenceGaps += missing
		s.mu.Unlock()
		s.logger.Warn("Audio packets lost",
			slog.String("device", src.name),
			slog.Uint64("missing", missing),
			slog.Uint64("sequence", uint64(payload.Sequence)),
		)
	}
	src.lastSeq = payload.Sequence
	src.seqSeen = true

	samples, err := payload.Samples()
	if err != nil {
		s.drop("bad_payload")
		s.logger.Error("Failed to decode audio payload",
			slog.Uint64("sequence", uint64(payload.Sequence)),
			slog.String("error", err.Error()),
		)
		return false
	}

	if err := s.controller.PushPCM16(src.sessionID, samples); err != nil {
		reason := "push_failed"
		if errors.Is(err, stream.ErrNoSession) || errors.Is(err, stream.ErrSessionMismatch) {
			// Ended by the idle check or taken over by another transport;
			// wait for the next begin
			s.source = nil
			reason = "session_lost"
		}
		s.drop(reason)
		s.logger.Debug("Audio push rejected",
			slog.Uint64("sequence", uint64(payload.Sequence)),
			slog.String("error", err.Error()),
		)
		return false
	}

	return true
}

// processEndPacket releases the session held by the sending device
func (s *UDPServer) processEndPacket(header *protocol.Header) bool {
	src := s.source
	if src == nil || header.SourceID != src.id {
		s.drop("foreign_source")
		s.logger.Debug("End packet for no session",
			slog.Uint64("source_id", uint64(header.SourceID)),
		)
		return false
	}
	s.source = nil

	ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
	defer cancel()

	result, err := s.controller.End(ctx, src.sessionID, stream.EndReleased)
	if err != nil {
		if !errors.Is(err, stream.ErrNoSession) && !errors.Is(err, stream.ErrSessionMismatch) {
			s.logger.Error("Failed to end session",
				slog.String("device", src.name),
				slog.String("error", err.Error()),
			)
		}
		return false
	}

	s.logger.Info("PTT released",
		slog.String("session_id", result.SessionID),
		slog.String("device", src.name),
		slog.Int("text_length", len(result.Text)),
	)
	return true
}

func (s *UDPServer) drop(reason string) {
	s.mu.Lock()
	s.packetsDropped++
	s.mu.Unlock()
	s.metrics.RecordPacketDropped(reason)
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServerStatistics{
		PacketsReceived:  s.packetsReceived,
		PacketsProcessed: s.packetsProcessed,
		PacketsDropped:   s.packetsDropped,
		ParseErrors:      s.parseErrors,
		SequenceGaps:     s.sequenceGaps,
		QueueSize:        uint64(len(s.packetChan)),
		QueueCapacity:    uint64(cap(s.packetChan)),
	}
}

// ServerStatistics represents server performance metrics
type ServerStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	ParseErrors      uint64 `json:"parse_errors"`
	SequenceGaps     uint64 `json:"sequence_gaps"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
}

func addrString(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
