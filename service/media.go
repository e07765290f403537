package service

import (
	"context"
	"fmt"
	"strings"

	"monitorconsole/models"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"pkt.systems/pslog"
)

// MediaEngine creates receive-only media sessions.
type MediaEngine interface {
	NewSession(servers []webrtc.ICEServer) (MediaSession, error)
}

// MediaSession is one negotiated peer connection. Handlers must be
// registered before CreateOffer.
type MediaSession interface {
	OnLocalCandidate(fn func(models.Candidate))
	OnConnectivity(fn func(webrtc.ICEConnectionState))
	OnTrack(fn func(RemoteTrack))
	// CreateOffer creates the offer, applies it locally and returns its SDP.
	CreateOffer() (string, error)
	SetAnswer(sdp string) error
	AddRemoteCandidate(c models.Candidate) error
	Close() error
}

// RemoteTrack is an inbound media track.
type RemoteTrack interface {
	MimeType() string
	ReadRTP() (*rtp.Packet, error)
}

// PionEngine is the MediaEngine backed by pion/webrtc.
type PionEngine struct {
	api    *webrtc.API
	logger pslog.Logger
}

// NewPionEngine registers the default codecs and interceptors.
func NewPionEngine(logger pslog.Logger) (*PionEngine, error) {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return &PionEngine{api: api, logger: logger.With("component", "media")}, nil
}

// NewSession creates a peer connection with a single receive-only video
// transceiver. The admin side never offers to send.
func (e *PionEngine) NewSession(servers []webrtc.ICEServer) (MediaSession, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("adding recvonly transceiver: %w", err)
	}
	return &pionSession{pc: pc, logger: e.logger}, nil
}

type pionSession struct {
	pc     *webrtc.PeerConnection
	logger pslog.Logger
}

func (s *pionSession) OnLocalCandidate(fn func(models.Candidate)) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(models.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (s *pionSession) OnConnectivity(fn func(webrtc.ICEConnectionState)) {
	s.pc.OnICEConnectionStateChange(fn)
}

func (s *pionSession) OnTrack(fn func(RemoteTrack)) {
	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(pionTrack{track})
	})
}

func (s *pionSession) CreateOffer() (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	return offer.SDP, nil
}

func (s *pionSession) SetAnswer(sdp string) error {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func (s *pionSession) AddRemoteCandidate(c models.Candidate) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (s *pionSession) Close() error {
	return s.pc.Close()
}

type pionTrack struct {
	track *webrtc.TrackRemote
}

func (t pionTrack) MimeType() string {
	return t.track.Codec().MimeType
}

func (t pionTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}

// iceServersFrom converts backend-issued descriptors to pion's form.
func iceServersFrom(servers []models.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// isH264 reports whether a track carries H.264.
func isH264(mimeType string) bool {
	return strings.EqualFold(mimeType, webrtc.MimeTypeH264)
}
