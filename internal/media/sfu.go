package media

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RTP buffer size (MTU-friendly). Used with sync.Pool to avoid per-packet allocs.
const rtpBufferSize = 1500

var rtpBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, rtpBufferSize)
		return &b
	},
}

// HostConnectionHandler is notified when a room's host media connection is
// lost or re-established. Feeds the session lifecycle grace-window detector.
type HostConnectionHandler func(roomRef string)

// SFU is the in-process conferencing backend: one publisher (host/speaker)
// and fan-out subscribers per room. Implements Backend.
type SFU struct {
	rooms map[string]*sfuRoom
	mu    sync.RWMutex
	log   *zap.Logger
	cfg   webrtc.Configuration

	onHostLost     HostConnectionHandler
	onHostReturned HostConnectionHandler
}

type sfuRoom struct {
	roomRef      string
	publisherRef string
	publisher    *webrtc.PeerConnection
	tracks       []*relayTrack
	subscribers  map[string]*subscriberPeer
	mu           sync.RWMutex
	log          *zap.Logger
}

type relayTrack struct {
	remote *webrtc.TrackRemote
	locals []*webrtc.TrackLocalStaticRTP
	mu     sync.Mutex
}

type subscriberPeer struct {
	pc *webrtc.PeerConnection
}

// NewSFU creates an SFU with the given ICE (STUN/TURN) configuration.
func NewSFU(log *zap.Logger, iceServers []webrtc.ICEServer) *SFU {
	cfg := webrtc.Configuration{ICEServers: iceServers}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return &SFU{
		rooms: make(map[string]*sfuRoom),
		log:   log,
		cfg:   cfg,
	}
}

// SetHostConnectionHandlers registers the host connection loss/return callbacks.
func (s *SFU) SetHostConnectionHandlers(onLost, onReturned HostConnectionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onHostLost = onLost
	s.onHostReturned = onReturned
}

func (s *SFU) getOrCreateRoom(roomRef string) *sfuRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomRef]; ok {
		return r
	}
	r := &sfuRoom{
		roomRef:     roomRef,
		subscribers: make(map[string]*subscriberPeer),
		log:         s.log.With(zap.String("room_ref", roomRef)),
	}
	s.rooms[roomRef] = r
	return r
}

func (s *SFU) getRoom(roomRef string) *sfuRoom {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[roomRef]
}

// HandlePublisherOffer handles an SDP offer from the publishing participant
// (host or promoted speaker). Creates the publisher peer and returns the
// answer through sendToClient.
func (s *SFU) HandlePublisherOffer(roomRef, participantRef string, sdp webrtc.SessionDescription, sendToClient func(event string, payload interface{})) error {
	r := s.getOrCreateRoom(roomRef)

	r.mu.Lock()
	if r.publisher != nil {
		old := r.publisher
		r.publisher = nil
		r.tracks = nil
		r.mu.Unlock()
		_ = old.Close()
		r.mu.Lock()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		r.mu.Unlock()
		return err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(s.cfg)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, _ := json.Marshal(c.ToJSON())
		sendToClient("webrtc_ice", map[string]interface{}{"target": "publisher", "candidate": json.RawMessage(b)})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.notifyHostReturned(roomRef)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.notifyHostLost(roomRef)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		relay := &relayTrack{remote: track}
		r.mu.Lock()
		r.tracks = append(r.tracks, relay)
		r.mu.Unlock()
		r.relayTrackToSubscribers(relay)
		go relay.readAndForward()
	})

	if err := pc.SetRemoteDescription(sdp); err != nil {
		_ = pc.Close()
		r.mu.Unlock()
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		r.mu.Unlock()
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		r.mu.Unlock()
		return err
	}
	r.publisher = pc
	r.publisherRef = participantRef
	r.mu.Unlock()

	sendToClient("webrtc_publisher_answer", map[string]interface{}{
		"type": answer.Type.String(),
		"sdp":  answer.SDP,
	})
	return nil
}

func (rt *relayTrack) readAndForward() {
	for {
		// Reuse buffer from pool to avoid per-packet allocs and bound memory.
		ptr := rtpBufferPool.Get().(*[]byte)
		buf := *ptr
		n, _, err := rt.remote.Read(buf)
		if err != nil {
			rtpBufferPool.Put(ptr)
			return
		}
		// Copy list of subscribers under lock, then write without holding lock
		// so one slow subscriber doesn't block others.
		rt.mu.Lock()
		locals := make([]*webrtc.TrackLocalStaticRTP, len(rt.locals))
		copy(locals, rt.locals)
		rt.mu.Unlock()
		for _, local := range locals {
			_, _ = local.Write(buf[:n])
		}
		rtpBufferPool.Put(ptr)
	}
}

func (r *sfuRoom) relayTrackToSubscribers(relay *relayTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subscribers {
		if sub.pc == nil {
			continue
		}
		local, err := webrtc.NewTrackLocalStaticRTP(relay.remote.Codec().RTPCodecCapability, relay.remote.ID(), relay.remote.StreamID())
		if err != nil {
			continue
		}
		relay.mu.Lock()
		relay.locals = append(relay.locals, local)
		relay.mu.Unlock()
		_, _ = sub.pc.AddTrack(local)
	}
}

// HandlePublisherICE adds an ICE candidate to the publisher peer.
func (s *SFU) HandlePublisherICE(roomRef string, candidate webrtc.ICECandidateInit) error {
	r := s.getRoom(roomRef)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	pc := r.publisher
	r.mu.RUnlock()
	if pc != nil {
		return pc.AddICECandidate(candidate)
	}
	return nil
}

// HandleSubscribe creates a subscriber peer for a viewer and sends the offer.
func (s *SFU) HandleSubscribe(roomRef, participantRef string, sendToClient func(event string, payload interface{})) error {
	r := s.getRoom(roomRef)
	if r == nil {
		sendToClient("webrtc_error", map[string]string{"message": "no_stream"})
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publisher == nil || len(r.tracks) == 0 {
		sendToClient("webrtc_error", map[string]string{"message": "no_stream"})
		return nil
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(s.cfg)
	if err != nil {
		return err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, _ := json.Marshal(c.ToJSON())
		sendToClient("webrtc_ice", map[string]interface{}{"target": "subscriber", "candidate": json.RawMessage(b)})
	})

	for _, relay := range r.tracks {
		local, err := webrtc.NewTrackLocalStaticRTP(relay.remote.Codec().RTPCodecCapability, relay.remote.ID(), relay.remote.StreamID())
		if err != nil {
			continue
		}
		relay.mu.Lock()
		relay.locals = append(relay.locals, local)
		relay.mu.Unlock()
		_, _ = pc.AddTrack(local)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return err
	}
	r.subscribers[participantRef] = &subscriberPeer{pc: pc}
	sendToClient("webrtc_subscriber_offer", map[string]interface{}{
		"type": offer.Type.String(),
		"sdp":  offer.SDP,
	})
	return nil
}

// HandleSubscriberAnswer sets the remote description (answer) for a subscriber peer.
func (s *SFU) HandleSubscriberAnswer(roomRef, participantRef string, sdp webrtc.SessionDescription) error {
	r := s.getRoom(roomRef)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	sub, ok := r.subscribers[participantRef]
	r.mu.Unlock()
	if !ok || sub.pc == nil {
		return nil
	}
	return sub.pc.SetRemoteDescription(sdp)
}

// HandleSubscriberICE adds an ICE candidate to a subscriber peer.
func (s *SFU) HandleSubscriberICE(roomRef, participantRef string, candidate webrtc.ICECandidateInit) error {
	r := s.getRoom(roomRef)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	sub, ok := r.subscribers[participantRef]
	r.mu.RUnlock()
	if !ok || sub.pc == nil {
		return nil
	}
	return sub.pc.AddICECandidate(candidate)
}

// DropConnection implements Backend: severs one participant's peers in a
// room. Dropping an absent participant is a no-op success.
func (s *SFU) DropConnection(_ context.Context, roomRef, participantRef string) error {
	r := s.getRoom(roomRef)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if sub, ok := r.subscribers[participantRef]; ok {
		delete(r.subscribers, participantRef)
		if sub.pc != nil {
			defer sub.pc.Close()
		}
	}
	var pub *webrtc.PeerConnection
	if r.publisherRef == participantRef && r.publisher != nil {
		pub = r.publisher
		r.publisher = nil
		r.publisherRef = ""
		r.tracks = nil
	}
	r.mu.Unlock()
	if pub != nil {
		_ = pub.Close()
	}
	r.log.Debug("connection dropped", zap.String("participant_ref", participantRef))
	return nil
}

// RoomStatus implements Backend.
func (s *SFU) RoomStatus(_ context.Context, roomRef string) (RoomStatus, error) {
	r := s.getRoom(roomRef)
	if r == nil {
		return RoomStatus{}, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.subscribers)
	if r.publisher != nil {
		n++
	}
	return RoomStatus{
		Exists:        true,
		HostConnected: r.publisher != nil,
		Connections:   n,
	}, nil
}

// CloseRoom tears down every peer in a room (used when a session reaches a
// terminal state).
func (s *SFU) CloseRoom(roomRef string) {
	s.mu.Lock()
	r := s.rooms[roomRef]
	delete(s.rooms, roomRef)
	s.mu.Unlock()
	if r == nil {
		return
	}
	r.mu.Lock()
	pub := r.publisher
	subs := r.subscribers
	r.publisher = nil
	r.subscribers = map[string]*subscriberPeer{}
	r.tracks = nil
	r.mu.Unlock()
	if pub != nil {
		_ = pub.Close()
	}
	for _, sub := range subs {
		if sub.pc != nil {
			_ = sub.pc.Close()
		}
	}
}

func (s *SFU) notifyHostLost(roomRef string) {
	s.mu.RLock()
	fn := s.onHostLost
	s.mu.RUnlock()
	if fn != nil {
		fn(roomRef)
	}
}

func (s *SFU) notifyHostReturned(roomRef string) {
	s.mu.RLock()
	fn := s.onHostReturned
	s.mu.RUnlock()
	if fn != nil {
		fn(roomRef)
	}
}
