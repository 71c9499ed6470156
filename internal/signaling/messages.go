package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Kind classifies a signaling message.
type Kind int

const (
	KindUnknown Kind = iota
	KindJoin
	KindOffer
	KindAnswer
	KindICECandidate
	KindLeave
	KindPing
	KindPong
)

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindOffer:
		return "offer"
	case KindAnswer:
		return "answer"
	case KindICECandidate:
		return "iceCandidate"
	case KindLeave:
		return "leave"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Message is one signaling message. Only the fields relevant to Kind are
// meaningful.
type Message struct {
	Kind      Kind
	UserName  string
	SDP       webrtc.SessionDescription
	Candidate webrtc.ICECandidateInit
}

func Join(userName string) Message {
	return Message{Kind: KindJoin, UserName: userName}
}

func Offer(desc webrtc.SessionDescription) Message {
	return Message{Kind: KindOffer, SDP: desc}
}

func Answer(desc webrtc.SessionDescription) Message {
	return Message{Kind: KindAnswer, SDP: desc}
}

func ICECandidate(c webrtc.ICECandidateInit) Message {
	return Message{Kind: KindICECandidate, Candidate: c}
}

func Leave() Message { return Message{Kind: KindLeave} }
func Ping() Message  { return Message{Kind: KindPing} }
func Pong() Message  { return Message{Kind: KindPong} }

const (
	wireTypePing = "ping"
	wireTypePong = "pong"
)

type sdp struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func sdpFromPion(desc webrtc.SessionDescription) *sdp {
	return &sdp{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

// toPion converts s, requiring its type to be want. A missing type is taken
// to be want.
func (s sdp) toPion(want webrtc.SDPType) (webrtc.SessionDescription, error) {
	if s.Type != "" && s.Type != want.String() {
		return webrtc.SessionDescription{}, fmt.Errorf("%s message has sdp type %q", want, s.Type)
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%s message missing sdp", want)
	}
	return webrtc.SessionDescription{Type: want, SDP: s.SDP}, nil
}

type candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func candidateFromPion(init webrtc.ICECandidateInit) *candidate {
	return &candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c candidate) toPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// envelope is the wire form: exactly one of the payload keys is set.
type envelope struct {
	Type         string     `json:"type,omitempty"`
	Join         bool       `json:"join,omitempty"`
	UserName     *string    `json:"userName,omitempty"`
	Offer        *sdp       `json:"offer,omitempty"`
	Answer       *sdp       `json:"answer,omitempty"`
	ICECandidate *candidate `json:"iceCandidate,omitempty"`
	Leave        bool       `json:"leave,omitempty"`
}

var ErrUnrecognizedMessage = errors.New("unrecognized signaling message")

// Encode returns the wire form of m.
func Encode(m Message) ([]byte, error) {
	var env envelope
	switch m.Kind {
	case KindJoin:
		name := m.UserName
		env.Join = true
		env.UserName = &name
	case KindOffer:
		env.Offer = sdpFromPion(m.SDP)
	case KindAnswer:
		env.Answer = sdpFromPion(m.SDP)
	case KindICECandidate:
		env.ICECandidate = candidateFromPion(m.Candidate)
	case KindLeave:
		env.Leave = true
	case KindPing:
		env.Type = wireTypePing
	case KindPong:
		env.Type = wireTypePong
	default:
		return nil, fmt.Errorf("encode: %w: kind %d", ErrUnrecognizedMessage, m.Kind)
	}
	return json.Marshal(env)
}

// Parse decodes one wire message. Unknown fields are ignored so the relay
// can annotate frames without breaking older clients.
func Parse(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, err
	}

	switch {
	case env.Type == wireTypePing:
		return Ping(), nil
	case env.Type == wireTypePong:
		return Pong(), nil
	case env.Offer != nil:
		desc, err := env.Offer.toPion(webrtc.SDPTypeOffer)
		if err != nil {
			return Message{}, err
		}
		return Offer(desc), nil
	case env.Answer != nil:
		desc, err := env.Answer.toPion(webrtc.SDPTypeAnswer)
		if err != nil {
			return Message{}, err
		}
		return Answer(desc), nil
	case env.ICECandidate != nil:
		return ICECandidate(env.ICECandidate.toPion()), nil
	case env.Join:
		var name string
		if env.UserName != nil {
			name = *env.UserName
		}
		return Join(name), nil
	case env.Leave:
		return Leave(), nil
	default:
		return Message{}, ErrUnrecognizedMessage
	}
}
