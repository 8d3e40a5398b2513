package mdht

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	lz4 "github.com/pierrec/lz4/v4"
)

// table file format: one magic byte naming the compressor, then
// the compressed JSON document.
const (
	persistMagicNone = 'N'
	persistMagicZstd = 'Z'
	persistMagicLz4  = 'L'
)

type savedEntry struct {
	ID            Key       `json:"id"`
	Addr          string    `json:"addr"`
	FirstSeen     time.Time `json:"firstSeen"`
	LastResponded time.Time `json:"lastResponded"`
}

type tableSnapshot struct {
	NodeID  Key          `json:"nodeID"`
	SavedAt time.Time    `json:"savedAt"`
	Entries []savedEntry `json:"entries"`
}

// saveTable writes the routing table to path so the next run can
// skip most of bootstrap. Write goes through a temp file and
// rename so a crash cannot leave a half-written table behind.
func saveTable(path, compression string, self Key, rt *routingTable) error {
	snap := &tableSnapshot{
		NodeID:  self,
		SavedAt: time.Now(),
	}
	for _, e := range rt.snapshot() {
		snap.Entries = append(snap.Entries, savedEntry{
			ID:            e.ID,
			Addr:          e.Addr.String(),
			FirstSeen:     e.firstSeen,
			LastResponded: e.lastResponded,
		})
	}
	plain, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("saveTable: marshal: %w", err)
	}

	var buf bytes.Buffer
	switch compression {
	case "zstd":
		buf.WriteByte(persistMagicZstd)
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return err
		}
		if _, err = zw.Write(plain); err != nil {
			return err
		}
		if err = zw.Close(); err != nil {
			return err
		}
	case "lz4":
		buf.WriteByte(persistMagicLz4)
		lw := lz4.NewWriter(&buf)
		if _, err = lw.Write(plain); err != nil {
			return err
		}
		if err = lw.Close(); err != nil {
			return err
		}
	case "none":
		buf.WriteByte(persistMagicNone)
		buf.Write(plain)
	default:
		return fmt.Errorf("saveTable: unknown compression '%v'", compression)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("saveTable: write '%v': %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// loadTable reads a table file written by saveTable. The magic
// byte selects the decompressor, so a file saved under one
// compression setting loads fine under another.
func loadTable(path string) (*tableSnapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 1 {
		return nil, fmt.Errorf("loadTable: '%v' is empty", path)
	}
	body := raw[1:]
	var plain []byte
	switch raw[0] {
	case persistMagicZstd:
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		plain, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, err
		}
	case persistMagicLz4:
		plain, err = io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, err
		}
	case persistMagicNone:
		plain = body
	default:
		return nil, fmt.Errorf("loadTable: '%v' has unknown format byte 0x%x", path, raw[0])
	}

	snap := &tableSnapshot{}
	if err := json.Unmarshal(plain, snap); err != nil {
		return nil, fmt.Errorf("loadTable: unmarshal '%v': %w", path, err)
	}
	return snap, nil
}

// restoreTable feeds a loaded snapshot back into rt.
func restoreTable(snap *tableSnapshot, rt *routingTable) (n int) {
	for _, se := range snap.Entries {
		ap, err := parseAddrPort(se.Addr)
		if err != nil {
			continue
		}
		rt.loadEntry(kbucketEntry{
			NodeInfo:      NodeInfo{ID: se.ID, Addr: ap},
			firstSeen:     se.FirstSeen,
			lastResponded: se.LastResponded,
		})
		n++
	}
	return
}
