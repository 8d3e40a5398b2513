package mdht

import (
	cryrand "crypto/rand"
	"encoding/binary"
	"net/netip"
	"sync"
	"time"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
)

// tokenRotateEvery is how often the secret rotates. A token
// handed out just before a rotation stays valid through the
// previous-secret grace window, so honest announcers get at
// least one full period.
const tokenRotateEvery = 5 * time.Minute

// tokenManager mints and checks the opaque announce tokens that
// get_peers responses carry. A token is a keyed blake3 digest of
// the requester's IP and port, so it proves the announcer can
// receive traffic at the address it announces from, and nothing
// else. Tokens are not stored; validity is recomputation.
type tokenManager struct {
	mut        sync.Mutex
	secret     [32]byte
	prevSecret [32]byte
	rotatedAt  time.Time
}

func newTokenManager() *tokenManager {
	tm := &tokenManager{rotatedAt: time.Now()}
	fillRandom(tm.secret[:])
	fillRandom(tm.prevSecret[:])
	return tm
}

func fillRandom(b []byte) {
	_, err := cryrand.Read(b)
	panicOn(err)
}

func (tm *tokenManager) rotateIfDue() {
	now := time.Now()
	if now.Sub(tm.rotatedAt) < tokenRotateEvery {
		return
	}
	tm.prevSecret = tm.secret
	fillRandom(tm.secret[:])
	tm.rotatedAt = now
}

func tokenDigest(secret [32]byte, ap netip.AddrPort) string {
	h := blake3.New(32, secret[:])
	a := ap.Addr().Unmap()
	if a.Is4() {
		a4 := a.As4()
		h.Write(a4[:])
	} else {
		a16 := a.As16()
		h.Write(a16[:])
	}
	var pb [2]byte
	binary.BigEndian.PutUint16(pb[:], ap.Port())
	h.Write(pb[:])
	sum := h.Sum(nil)
	// 8 bytes is plenty; tokens only need to be unguessable.
	return cristalbase64.URLEncoding.EncodeToString(sum[:8])
}

// generate mints a token for the requester at ap.
func (tm *tokenManager) generate(ap netip.AddrPort) string {
	tm.mut.Lock()
	defer tm.mut.Unlock()
	tm.rotateIfDue()
	return tokenDigest(tm.secret, ap)
}

// validate accepts tokens minted under the current or the
// previous secret.
func (tm *tokenManager) validate(ap netip.AddrPort, token string) bool {
	tm.mut.Lock()
	defer tm.mut.Unlock()
	tm.rotateIfDue()
	if token == tokenDigest(tm.secret, ap) {
		return true
	}
	return token == tokenDigest(tm.prevSecret, ap)
}
