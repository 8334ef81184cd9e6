// Package checkpoint implements the on-disk dump/load codec for one
// shard's variable: a header record (ShardMeta, fixed-width fields followed
// by a length-prefixed config string) followed by a sequence of blocks of
// at most blockSize key/row pairs terminated by an empty block, written
// with encoding/binary the way the teacher avoids pulling in a
// serialization framework for simple records. A sibling model_meta JSON
// file (encoding/json) records the checkpoint's version and the list of
// per-shard files it consists of.
//
// © 2025 embedshard authors. MIT License.
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/Voskan/embedshard/internal/numeric"
)

// FormatVersion is written into every model_meta.json; bumped whenever the
// block layout changes incompatibly.
const FormatVersion = "0.2"

// ShardMeta is the header record written before a shard/variable's row
// blocks; its Config string is length-prefixed, so the record's size varies.
type ShardMeta struct {
	VariableID     uint32
	EmbeddingDim   int32
	StateDim       int32
	VocabularySize uint64
	ShardID        int32
	ShardNum       int32
	NumItems       int64
	Config         string
}

func (m ShardMeta) lineSize() int { return int(m.EmbeddingDim + m.StateDim) }

// ModelMeta is the sibling JSON manifest for one checkpoint directory.
type ModelMeta struct {
	Version string   `json:"version"`
	Files   []string `json:"files"`
}

// ShardFileName returns the on-disk name for one (node, file) shard dump,
// matching spec.md's "<uri>/model_<node_id>_<file_id>" layout.
func ShardFileName(nodeID, fileID int) string {
	return fmt.Sprintf("model_%d_%d", nodeID, fileID)
}

// WriteModelMeta writes the JSON manifest alongside the shard dump files.
func WriteModelMeta(dir string, files []string) error {
	b, err := json.MarshalIndent(ModelMeta{Version: FormatVersion, Files: files}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "model_meta.json"), b, 0o644)
}

// ReadModelMeta reads the JSON manifest.
func ReadModelMeta(dir string) (*ModelMeta, error) {
	b, err := os.ReadFile(filepath.Join(dir, "model_meta.json"))
	if err != nil {
		return nil, err
	}
	var m ModelMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ItemSource is anything that can be drained as (key, row) pairs in one
// pass; ptable.Reader and voltable.Reader both satisfy it.
type ItemSource[T numeric.Float] interface {
	ReadItem() (uint64, []T, bool)
}

// blockSize bounds how many rows one block carries, independent of
// embedding width; unlike variable.Meta.BlockNumItems, it does not trade
// width for count.
const blockSize = 4096

// WriteShard writes meta followed by source's rows in fixed-size blocks
// terminated by an empty (n=0) block.
func WriteShard[T numeric.Float](w io.Writer, meta ShardMeta, source ItemSource[T]) error {
	if err := writeMeta(w, meta); err != nil {
		return err
	}
	lineSize := meta.lineSize()
	keys := make([]uint64, 0, blockSize)
	rows := make([][]T, 0, blockSize)
	flush := func() error {
		if err := writeUint32(w, uint32(len(keys))); err != nil {
			return err
		}
		for i, k := range keys {
			if err := writeUint64(w, k); err != nil {
				return err
			}
			if err := writeRow(w, rows[i]); err != nil {
				return err
			}
		}
		keys = keys[:0]
		rows = rows[:0]
		return nil
	}
	for {
		key, row, ok := source.ReadItem()
		if !ok {
			break
		}
		if len(row) != lineSize {
			return fmt.Errorf("checkpoint: row width %d != expected %d", len(row), lineSize)
		}
		keys = append(keys, key)
		rows = append(rows, row)
		if len(keys) == blockSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if len(keys) > 0 {
		if err := flush(); err != nil {
			return err
		}
	}
	return writeUint32(w, 0) // terminal empty block
}

// ReadMeta reads just the ShardMeta header, leaving r positioned at the
// first row block so a caller can inspect VariableID before deciding how to
// route the rows ReadBlocks will subsequently yield.
func ReadMeta(r io.Reader) (ShardMeta, error) { return readMeta(r) }

// ReadBlocks reads meta's row blocks (meta must have just been read from
// the same r via ReadMeta), invoking visit for every (key, row) pair.
func ReadBlocks[T numeric.Float](r io.Reader, meta ShardMeta, visit func(key uint64, row []T) error) error {
	lineSize := meta.lineSize()
	for {
		n, err := readUint32(r)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		for i := uint32(0); i < n; i++ {
			key, err := readUint64(r)
			if err != nil {
				return err
			}
			row, err := readRow[T](r, lineSize)
			if err != nil {
				return err
			}
			if err := visit(key, row); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadShard reads a ShardMeta followed by its row blocks in one call,
// invoking visit for every (key, row) pair; a convenience wrapper over
// ReadMeta+ReadBlocks for callers that don't need the meta before the rows
// start arriving.
func ReadShard[T numeric.Float](r io.Reader, visit func(key uint64, row []T) error) (ShardMeta, error) {
	meta, err := ReadMeta(r)
	if err != nil {
		return meta, err
	}
	return meta, ReadBlocks(r, meta, visit)
}

func writeMeta(w io.Writer, m ShardMeta) error {
	for _, v := range []any{m.VariableID, m.EmbeddingDim, m.StateDim, m.VocabularySize, m.ShardID, m.ShardNum, m.NumItems} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	cfg := []byte(m.Config)
	if err := writeUint32(w, uint32(len(cfg))); err != nil {
		return err
	}
	_, err := w.Write(cfg)
	return err
}

func readMeta(r io.Reader) (ShardMeta, error) {
	var m ShardMeta
	fields := []any{&m.VariableID, &m.EmbeddingDim, &m.StateDim, &m.VocabularySize, &m.ShardID, &m.ShardNum, &m.NumItems}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return m, err
		}
	}
	n, err := readUint32(r)
	if err != nil {
		return m, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return m, err
	}
	m.Config = string(buf)
	return m, nil
}

func writeRow[T numeric.Float](w io.Writer, row []T) error {
	for _, v := range row {
		if err := writeUint64(w, math.Float64bits(float64(v))); err != nil {
			return err
		}
	}
	return nil
}

func readRow[T numeric.Float](r io.Reader, lineSize int) ([]T, error) {
	row := make([]T, lineSize)
	for i := range row {
		bits, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		row[i] = T(math.Float64frombits(bits))
	}
	return row, nil
}

func writeUint32(w io.Writer, v uint32) error { return binary.Write(w, binary.LittleEndian, v) }
func writeUint64(w io.Writer, v uint64) error { return binary.Write(w, binary.LittleEndian, v) }
func readUint32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readUint64(r io.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
