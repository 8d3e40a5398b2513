package mdht

import (
	"net/netip"
	"testing"
	"time"
)

func testAddrPort(last byte, port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{77, 1, 2, last}), port)
}

func TestTokenBindsToEndpoint(t *testing.T) {
	tm := newTokenManager()
	ap := testAddrPort(1, 6881)

	tok := tm.generate(ap)
	if tok == "" {
		t.Fatalf("empty token")
	}
	if !tm.validate(ap, tok) {
		t.Fatalf("a fresh token must validate for its endpoint")
	}
	if tm.validate(testAddrPort(2, 6881), tok) {
		t.Fatalf("token must fail for another IP")
	}
	if tm.validate(testAddrPort(1, 6882), tok) {
		t.Fatalf("token must fail for another port")
	}
	if tm.validate(ap, tok+"x") {
		t.Fatalf("mangled token must fail")
	}
	if tm.validate(ap, "") {
		t.Fatalf("empty token must fail")
	}
}

func TestTokenSurvivesOneRotation(t *testing.T) {
	tm := newTokenManager()
	ap := testAddrPort(3, 51413)
	tok := tm.generate(ap)

	// age the manager past one rotation period.
	tm.mut.Lock()
	tm.rotatedAt = time.Now().Add(-tokenRotateEvery - time.Second)
	tm.mut.Unlock()

	if !tm.validate(ap, tok) {
		t.Fatalf("a token one rotation old must still validate")
	}

	// a second rotation retires the secret that minted it.
	tm.mut.Lock()
	tm.rotatedAt = time.Now().Add(-tokenRotateEvery - time.Second)
	tm.mut.Unlock()

	if tm.validate(ap, tok) {
		t.Fatalf("a token two rotations old must be rejected")
	}
}

func TestTokenDiffersAcrossManagers(t *testing.T) {
	ap := testAddrPort(4, 6881)
	a := newTokenManager()
	b := newTokenManager()
	if a.generate(ap) == b.generate(ap) {
		t.Fatalf("two managers with independent secrets agreed on a token")
	}
}
