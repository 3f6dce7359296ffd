package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	RunID   string `json:"run_id,omitempty"`
	Tick    uint64 `json:"tick"`
	Frames  int    `json:"frames"`
}

// HistoryDumpV1 is a diagnostic capture of the retained snapshot history.
// It is never loaded back into a running world.
type HistoryDumpV1 struct {
	Header Header `json:"header"`

	TickRate    int     `json:"tick_rate_hz"`
	RetentionMs int64   `json:"retention_ms"`
	CellSize    float64 `json:"cell_size"`

	Frames []FrameV1 `json:"frames"`
}

type FrameV1 struct {
	Tick     uint64     `json:"tick"`
	AtMs     int64      `json:"at_ms"`
	Entities []EntityV1 `json:"entities"`
}

type EntityV1 struct {
	ID       uint64     `json:"id"`
	Position [3]float64 `json:"pos"`
	Rotation [4]float64 `json:"rot"` // x, y, z, w
	Velocity [3]float64 `json:"vel"`
}

func WriteDump(path string, d HistoryDumpV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	d.Header.Frames = len(d.Frames)
	hb, _ := json.Marshal(d.Header)
	if _, err := bw.Write(hb); err != nil {
		enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&d); err != nil {
		enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// ReadHeader returns only the JSON header line of a dump.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	return h, nil
}

func ReadDump(path string) (HistoryDumpV1, error) {
	var d HistoryDumpV1
	f, err := os.Open(path)
	if err != nil {
		return d, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return d, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Header line is duplicated inside the gob payload.
	if _, err := br.ReadBytes('\n'); err != nil {
		return d, err
	}
	if err := gob.NewDecoder(br).Decode(&d); err != nil {
		return d, fmt.Errorf("gob decode: %w", err)
	}
	return d, nil
}

// PathFor names the dump file for tick under dir.
func PathFor(dir string, tick uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%012d.history.zst", tick))
}
