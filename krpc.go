package mdht

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/anacrolix/torrent/bencode"
)

// KRPC method names, per the Mainline protocol.
const (
	qPing         = "ping"
	qFindNode     = "find_node"
	qGetPeers     = "get_peers"
	qAnnouncePeer = "announce_peer"
)

// KRPC error codes.
const (
	errCodeGeneric       = 201
	errCodeServer        = 202
	errCodeProtocol      = 203
	errCodeMethodUnknown = 204
)

// krpcMessage is the one envelope that every KRPC packet, query,
// response, or error, bencodes into. Which of A/R/E is populated
// follows Y.
type krpcMessage struct {
	T string      `bencode:"t"`
	Y string      `bencode:"y"`
	Q string      `bencode:"q,omitempty"`
	A *krpcArgs   `bencode:"a,omitempty"`
	R *krpcReturn `bencode:"r,omitempty"`
	E *krpcError  `bencode:"e,omitempty"`
	V string      `bencode:"v,omitempty"`
}

// krpcArgs carries the arguments of an outbound query. All the
// Mainline query types share this one struct; unused fields stay
// empty and are elided from the wire.
type krpcArgs struct {
	ID          string `bencode:"id"`
	Target      string `bencode:"target,omitempty"`
	InfoHash    string `bencode:"info_hash,omitempty"`
	Port        int    `bencode:"port,omitempty"`
	Token       string `bencode:"token,omitempty"`
	ImpliedPort int    `bencode:"implied_port,omitempty"`
}

// krpcReturn carries a response body.
type krpcReturn struct {
	ID     string   `bencode:"id"`
	Nodes  string   `bencode:"nodes,omitempty"`
	Token  string   `bencode:"token,omitempty"`
	Values []string `bencode:"values,omitempty"`
}

// krpcError is the two element list [code, message] that KRPC
// uses for its "e" payload.
type krpcError struct {
	Code int
	Msg  string
}

func (e krpcError) Error() string {
	return fmt.Sprintf("krpc error %v: %v", e.Code, e.Msg)
}

func (e krpcError) MarshalBencode() ([]byte, error) {
	return bencode.Marshal([]interface{}{e.Code, e.Msg})
}

func (e *krpcError) UnmarshalBencode(b []byte) error {
	var l []interface{}
	if err := bencode.Unmarshal(b, &l); err != nil {
		return err
	}
	if len(l) != 2 {
		return fmt.Errorf("krpc error list has %v elements, want 2", len(l))
	}
	code, ok := l[0].(int64)
	if !ok {
		return fmt.Errorf("krpc error code is %T, want integer", l[0])
	}
	msg, ok := l[1].(string)
	if !ok {
		return fmt.Errorf("krpc error message is %T, want string", l[1])
	}
	e.Code = int(code)
	e.Msg = msg
	return nil
}

func (m *krpcMessage) isQuery() bool    { return m.Y == "q" }
func (m *krpcMessage) isResponse() bool { return m.Y == "r" }
func (m *krpcMessage) isError() bool    { return m.Y == "e" }

// senderID pulls the remote node's ID out of whichever payload
// the message carries.
func (m *krpcMessage) senderID() (k Key, err error) {
	switch {
	case m.isQuery() && m.A != nil:
		return KeyFromBytes([]byte(m.A.ID))
	case m.isResponse() && m.R != nil:
		return KeyFromBytes([]byte(m.R.ID))
	}
	err = fmt.Errorf("krpc message y='%v' carries no sender id", m.Y)
	return
}

func encodeMessage(m *krpcMessage) ([]byte, error) {
	return bencode.Marshal(m)
}

func decodeMessage(b []byte) (*krpcMessage, error) {
	m := &krpcMessage{}
	if err := bencode.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("bad krpc packet: %w", err)
	}
	if m.T == "" {
		return nil, fmt.Errorf("krpc packet missing transaction id")
	}
	switch m.Y {
	case "q":
		if m.A == nil || m.Q == "" {
			return nil, fmt.Errorf("krpc query missing q/a")
		}
	case "r":
		if m.R == nil {
			return nil, fmt.Errorf("krpc response missing r")
		}
	case "e":
		if m.E == nil {
			return nil, fmt.Errorf("krpc error missing e")
		}
	default:
		return nil, fmt.Errorf("krpc packet has unknown y '%v'", m.Y)
	}
	return m, nil
}

// compactNodeLen is 20 bytes of ID plus 6 bytes of IPv4 endpoint.
const compactNodeLen = KeyLen + 6

// encodeCompactNodes packs IPv4 nodes into the wire "nodes"
// string. Non-IPv4 endpoints are skipped.
func encodeCompactNodes(nodes []NodeInfo) string {
	b := make([]byte, 0, len(nodes)*compactNodeLen)
	for _, ni := range nodes {
		addr := ni.Addr.Addr().Unmap()
		if !addr.Is4() {
			continue
		}
		b = append(b, ni.ID[:]...)
		a4 := addr.As4()
		b = append(b, a4[:]...)
		b = binary.BigEndian.AppendUint16(b, ni.Addr.Port())
	}
	return string(b)
}

func decodeCompactNodes(s string) (r []NodeInfo, err error) {
	if len(s)%compactNodeLen != 0 {
		return nil, fmt.Errorf("compact nodes length %v not a multiple of %v", len(s), compactNodeLen)
	}
	b := []byte(s)
	for i := 0; i+compactNodeLen <= len(b); i += compactNodeLen {
		var ni NodeInfo
		copy(ni.ID[:], b[i:i+KeyLen])
		var a4 [4]byte
		copy(a4[:], b[i+KeyLen:i+KeyLen+4])
		port := binary.BigEndian.Uint16(b[i+KeyLen+4 : i+compactNodeLen])
		ni.Addr = netip.AddrPortFrom(netip.AddrFrom4(a4), port)
		r = append(r, ni)
	}
	return
}

// encodeCompactPeer packs one peer endpoint as the 6 byte (IPv4)
// or 18 byte (IPv6) string used in get_peers "values".
func encodeCompactPeer(ap netip.AddrPort) string {
	addr := ap.Addr().Unmap()
	var b []byte
	if addr.Is4() {
		a4 := addr.As4()
		b = append(b, a4[:]...)
	} else {
		a16 := addr.As16()
		b = append(b, a16[:]...)
	}
	b = binary.BigEndian.AppendUint16(b, ap.Port())
	return string(b)
}

func decodeCompactPeer(s string) (ap netip.AddrPort, err error) {
	b := []byte(s)
	switch len(b) {
	case 6:
		var a4 [4]byte
		copy(a4[:], b[:4])
		return netip.AddrPortFrom(netip.AddrFrom4(a4), binary.BigEndian.Uint16(b[4:6])), nil
	case 18:
		var a16 [16]byte
		copy(a16[:], b[:16])
		return netip.AddrPortFrom(netip.AddrFrom16(a16), binary.BigEndian.Uint16(b[16:18])), nil
	}
	err = fmt.Errorf("compact peer string has length %v, want 6 or 18", len(b))
	return
}

func newPingQuery(tid string, self Key) *krpcMessage {
	return &krpcMessage{
		T: tid, Y: "q", Q: qPing,
		A: &krpcArgs{ID: string(self[:])},
	}
}

func newFindNodeQuery(tid string, self, target Key) *krpcMessage {
	return &krpcMessage{
		T: tid, Y: "q", Q: qFindNode,
		A: &krpcArgs{ID: string(self[:]), Target: string(target[:])},
	}
}

func newGetPeersQuery(tid string, self, infohash Key) *krpcMessage {
	return &krpcMessage{
		T: tid, Y: "q", Q: qGetPeers,
		A: &krpcArgs{ID: string(self[:]), InfoHash: string(infohash[:])},
	}
}

func newAnnounceQuery(tid string, self, infohash Key, port int, token string, implied bool) *krpcMessage {
	a := &krpcArgs{
		ID:       string(self[:]),
		InfoHash: string(infohash[:]),
		Port:     port,
		Token:    token,
	}
	if implied {
		a.ImpliedPort = 1
	}
	return &krpcMessage{T: tid, Y: "q", Q: qAnnouncePeer, A: a}
}

func newResponse(tid string, self Key) *krpcMessage {
	return &krpcMessage{
		T: tid, Y: "r",
		R: &krpcReturn{ID: string(self[:])},
	}
}

func newErrorReply(tid string, code int, msg string) *krpcMessage {
	return &krpcMessage{
		T: tid, Y: "e",
		E: &krpcError{Code: code, Msg: msg},
	}
}
