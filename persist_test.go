package mdht

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func populatedTable(t *testing.T, self Key) *routingTable {
	rt := newRoutingTable(self)
	for b := byte(0x80); b < 0x80+4; b++ {
		rt.nodeResponded(testNode(t, b))
	}
	return rt
}

func TestTableSaveLoadRoundTrip(t *testing.T) {
	for _, compression := range []string{"zstd", "lz4", "none"} {
		self := RandomKey()
		rt := populatedTable(t, self)
		path := filepath.Join(t.TempDir(), "mdht.table")

		if err := saveTable(path, compression, self, rt); err != nil {
			t.Fatalf("%v: save: %v", compression, err)
		}
		snap, err := loadTable(path)
		if err != nil {
			t.Fatalf("%v: load: %v", compression, err)
		}
		if snap.NodeID != self {
			t.Fatalf("%v: node ID did not survive", compression)
		}
		if len(snap.Entries) != 4 {
			t.Fatalf("%v: want 4 entries, got %v", compression, len(snap.Entries))
		}

		rt2 := newRoutingTable(self)
		if n := restoreTable(snap, rt2); n != 4 {
			t.Fatalf("%v: restored %v entries, want 4", compression, n)
		}
		if rt2.numEntries() != 4 {
			t.Fatalf("%v: table has %v entries after restore", compression, rt2.numEntries())
		}
		want := rt.closest(10, self)
		got := rt2.closest(10, self)
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%v: entry %v changed: %v != %v", compression, i, got[i], want[i])
			}
		}
	}
}

func TestTableSaveRejectsUnknownCompression(t *testing.T) {
	self := RandomKey()
	rt := newRoutingTable(self)
	path := filepath.Join(t.TempDir(), "mdht.table")
	if err := saveTable(path, "brotli", self, rt); err == nil {
		t.Fatalf("unknown compression must be refused")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("a refused save must not leave a file behind")
	}
}

func TestTableLoadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()

	missing := filepath.Join(dir, "nope.table")
	if _, err := loadTable(missing); !os.IsNotExist(err) {
		t.Fatalf("missing file must surface as not-exist, got %v", err)
	}

	empty := filepath.Join(dir, "empty.table")
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadTable(empty); err == nil {
		t.Fatalf("empty file must be rejected")
	}

	badMagic := filepath.Join(dir, "magic.table")
	if err := os.WriteFile(badMagic, []byte("Qjunk"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadTable(badMagic); err == nil {
		t.Fatalf("unknown format byte must be rejected")
	}

	badJSON := filepath.Join(dir, "json.table")
	if err := os.WriteFile(badJSON, []byte("N{oops"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadTable(badJSON); err == nil {
		t.Fatalf("corrupt JSON must be rejected")
	}
}

func TestRestoreSkipsUnparseableAddrs(t *testing.T) {
	self := RandomKey()
	snap := &tableSnapshot{
		NodeID: self,
		Entries: []savedEntry{
			{ID: RandomKey(), Addr: "10.0.0.1:6881"},
			{ID: RandomKey(), Addr: "not an endpoint"},
		},
	}
	rt := newRoutingTable(self)
	if n := restoreTable(snap, rt); n != 1 {
		t.Fatalf("only the parseable entry restores, got %v", n)
	}
}

func TestPersistPreservesHistory(t *testing.T) {
	self := mustKey(t, strings.Repeat("00", 20))
	rt := populatedTable(t, self)
	path := filepath.Join(t.TempDir(), "mdht.table")

	if err := saveTable(path, "none", self, rt); err != nil {
		t.Fatal(err)
	}
	snap, err := loadTable(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, se := range snap.Entries {
		if se.LastResponded.IsZero() {
			t.Fatalf("lastResponded must survive the round trip")
		}
		if se.FirstSeen.IsZero() {
			t.Fatalf("firstSeen must survive the round trip")
		}
	}
}
