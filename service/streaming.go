package service

import (
	"context"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"pkt.systems/pslog"
)

// maxPendingNAL bounds a NAL unit still waiting for its successor.
const maxPendingNAL = 100 * 1024

// StreamRelay forwards the H.264 track of the live session to local UI
// viewers as framed NAL units and keeps the parameter sets for late joiners.
type StreamRelay struct {
	hub     Broadcaster
	logger  pslog.Logger
	streams map[string]*relayStream
	mu      sync.RWMutex
}

// relayStream is the relay state of one target. It lives for one live session.
type relayStream struct {
	target string
	mu     sync.Mutex

	depacketizer codecs.H264Packet
	accBuf       []byte
	nalCount     int
	viewers      int

	// Cached headers for instant client attach
	spsPkt     []byte
	ppsPkt     []byte
	lastIDRPkt []byte
}

// NewStreamRelay creates a relay broadcasting through hub.
func NewStreamRelay(hub Broadcaster, logger pslog.Logger) *StreamRelay {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &StreamRelay{
		hub:     hub,
		logger:  logger.With("component", "relay"),
		streams: make(map[string]*relayStream),
	}
}

// Begin resets relay state for target. Viewer counts survive a restart.
func (s *StreamRelay) Begin(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	viewers := 0
	if old, ok := s.streams[target]; ok {
		old.mu.Lock()
		viewers = old.viewers
		old.mu.Unlock()
	}
	s.streams[target] = &relayStream{target: target, viewers: viewers}
	s.logger.Debug("relay started", "target", target, "viewers", viewers)
}

// End drops the cached headers of target.
func (s *StreamRelay) End(target string) {
	s.mu.Lock()
	stream, ok := s.streams[target]
	s.mu.Unlock()
	if !ok {
		return
	}

	stream.mu.Lock()
	stream.accBuf = nil
	stream.spsPkt, stream.ppsPkt, stream.lastIDRPkt = nil, nil, nil
	count := stream.nalCount
	stream.mu.Unlock()
	s.logger.Debug("relay ended", "target", target, "nals", count)
}

// WriteRTP depacketizes one RTP packet and broadcasts every complete NAL unit.
func (s *StreamRelay) WriteRTP(target string, pkt *rtp.Packet) {
	if pkt == nil || len(pkt.Payload) == 0 {
		return
	}
	s.mu.RLock()
	stream, ok := s.streams[target]
	s.mu.RUnlock()
	if !ok {
		return
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()

	annexB, err := stream.depacketizer.Unmarshal(pkt.Payload)
	if err != nil {
		s.logger.Debug("dropping undecodable rtp payload", "target", target, "seq", pkt.SequenceNumber, "err", err)
		return
	}
	if len(annexB) == 0 {
		// Fragment of a larger NAL unit.
		return
	}
	stream.accBuf = append(stream.accBuf, annexB...)

	for {
		nalData, remaining := extractNAL(stream.accBuf)
		if nalData == nil {
			break
		}
		stream.accBuf = remaining
		s.broadcastNAL(stream, nalData)
	}

	// Depacketized output ends on a NAL boundary, so the tail is complete.
	if findStartCodeIndex(stream.accBuf) == 0 && len(stream.accBuf) > 4 {
		s.broadcastNAL(stream, stream.accBuf)
		stream.accBuf = nil
	}
}

// extractNAL extracts a single NAL unit from buffer
func extractNAL(buf []byte) (nalData []byte, remaining []byte) {
	if len(buf) < 4 {
		return nil, buf
	}

	startIdx := findStartCodeIndex(buf)
	if startIdx < 0 {
		return nil, buf
	}

	searchStart := startIdx + 3
	if len(buf) > startIdx+3 && buf[startIdx+2] == 0 {
		searchStart = startIdx + 4
	}

	nextIdx := -1
	for i := searchStart; i < len(buf)-2; i++ {
		if buf[i] == 0 && buf[i+1] == 0 && (buf[i+2] == 1 || (buf[i+2] == 0 && i+3 < len(buf) && buf[i+3] == 1)) {
			nextIdx = i
			break
		}
	}

	if nextIdx > 0 {
		return buf[startIdx:nextIdx], buf[nextIdx:]
	}

	if len(buf) > maxPendingNAL {
		return buf[startIdx:], nil
	}

	return nil, buf
}

// findStartCodeIndex finds the position of 00 00 01 or 00 00 00 01
func findStartCodeIndex(data []byte) int {
	n := len(data)
	for i := 0; i < n-2; i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if i > 0 && data[i-1] == 0 {
				return i - 1
			}
			return i
		}
	}
	return -1
}

// nalType returns the H.264 NAL unit type after the start code, or -1.
func nalType(nalData []byte) int {
	if len(nalData) >= 4 && nalData[0] == 0 && nalData[1] == 0 {
		if nalData[2] == 1 {
			return int(nalData[3] & 0x1F)
		} else if nalData[2] == 0 && nalData[3] == 1 && len(nalData) > 4 {
			return int(nalData[4] & 0x1F)
		}
	}
	return -1
}

// framePacket prefixes a NAL unit with [len(target)][target].
func framePacket(target string, nalData []byte) []byte {
	idLen := len(target)
	pkt := make([]byte, 1+idLen+len(nalData))
	pkt[0] = byte(idLen)
	copy(pkt[1:], target)
	copy(pkt[1+idLen:], nalData)
	return pkt
}

// broadcastNAL frames one NAL unit, sends it to subscribers of the target
// and caches SPS/PPS/IDR. Caller holds stream.mu.
func (s *StreamRelay) broadcastNAL(stream *relayStream, nalData []byte) {
	if len(nalData) == 0 || len(stream.target) > 255 {
		return
	}

	stream.nalCount++
	if stream.nalCount == 1 {
		s.logger.Info("first NAL relayed", "target", stream.target, "bytes", len(nalData))
	} else if stream.nalCount%1000 == 0 {
		s.logger.Debug("relaying", "target", stream.target, "nals", stream.nalCount)
	}

	pkt := framePacket(stream.target, nalData)
	if s.hub != nil {
		s.hub.BroadcastToTarget(stream.target, pkt)
	}

	switch nalType(nalData) {
	case 7:
		stream.spsPkt = pkt
	case 8:
		stream.ppsPkt = pkt
	case 5:
		stream.lastIDRPkt = pkt
	}
}

// GetStreamData returns cached SPS, PPS, and last IDR for instant decode
func (s *StreamRelay) GetStreamData(target string) (sps, pps, idr []byte) {
	s.mu.RLock()
	stream, exists := s.streams[target]
	s.mu.RUnlock()

	if !exists {
		return nil, nil, nil
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()

	return cloneBytes(stream.spsPkt), cloneBytes(stream.ppsPkt), cloneBytes(stream.lastIDRPkt)
}

// AddViewer increments the viewer count for a target
func (s *StreamRelay) AddViewer(target string) {
	s.mu.Lock()
	stream, exists := s.streams[target]
	if !exists {
		stream = &relayStream{target: target}
		s.streams[target] = stream
	}
	s.mu.Unlock()

	stream.mu.Lock()
	stream.viewers++
	viewers := stream.viewers
	stream.mu.Unlock()
	s.logger.Debug("viewer added", "target", target, "viewers", viewers)
}

// RemoveViewer decrements the viewer count
func (s *StreamRelay) RemoveViewer(target string) {
	s.mu.RLock()
	stream, exists := s.streams[target]
	s.mu.RUnlock()

	if !exists {
		return
	}

	stream.mu.Lock()
	if stream.viewers > 0 {
		stream.viewers--
	}
	viewers := stream.viewers
	stream.mu.Unlock()
	s.logger.Debug("viewer removed", "target", target, "viewers", viewers)
}

// GetViewerCount returns the current viewer count for a target
func (s *StreamRelay) GetViewerCount(target string) int {
	s.mu.RLock()
	stream, exists := s.streams[target]
	s.mu.RUnlock()

	if !exists {
		return 0
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()
	return stream.viewers
}

// Status reports NAL and viewer counts per target.
func (s *StreamRelay) Status() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := make(map[string]interface{})
	for id, stream := range s.streams {
		stream.mu.Lock()
		status[id] = map[string]interface{}{
			"nals":    stream.nalCount,
			"viewers": stream.viewers,
		}
		stream.mu.Unlock()
	}
	return status
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
