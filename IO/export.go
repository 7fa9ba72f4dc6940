package IO

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Encoded-example cache as two flat files:
//
//   - .bin = concatenated uint32 token ids, three turns back to back
//   - .idx = five uint64 per record: start byte offset into .bin, the
//     three turn lengths, and gold label + 1 (zero marks unlabeled)
//
// Loading the cache skips tokenization on repeat runs over a split.

const idxRecordBytes = 5 * 8

func HasEncodedBinary(prefix string) bool {
	return fileExists(prefix+".bin") && fileExists(prefix+".idx")
}

func ExportEncodedBinary(encs []Encoded, prefix string) error {
	dataF, err := os.Create(prefix + ".bin")
	if err != nil {
		return err
	}
	defer dataF.Close()
	idxF, err := os.Create(prefix + ".idx")
	if err != nil {
		return err
	}
	defer idxF.Close()

	wData := bufio.NewWriter(dataF)
	wIdx := bufio.NewWriter(idxF)

	writeU64 := func(w io.Writer, v uint64) error {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		_, err := w.Write(b[:])
		return err
	}
	writeU32 := func(w io.Writer, v uint32) error {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		_, err := w.Write(b[:])
		return err
	}

	var cur uint64
	for _, e := range encs {
		if err := writeU64(wIdx, cur); err != nil {
			return err
		}
		for j := 0; j < 3; j++ {
			if err := writeU64(wIdx, uint64(len(e.Ids[j]))); err != nil {
				return err
			}
		}
		if err := writeU64(wIdx, uint64(e.Label+1)); err != nil {
			return err
		}
		for j := 0; j < 3; j++ {
			for _, id := range e.Ids[j] {
				if err := writeU32(wData, uint32(id)); err != nil {
					return err
				}
				cur += 4
			}
		}
	}
	if err := wData.Flush(); err != nil {
		return err
	}
	return wIdx.Flush()
}

func LoadEncodedBinary(prefix string) ([]Encoded, error) {
	idx, err := os.ReadFile(prefix + ".idx")
	if err != nil {
		return nil, err
	}
	bin, err := os.ReadFile(prefix + ".bin")
	if err != nil {
		return nil, err
	}
	if len(idx)%idxRecordBytes != 0 {
		return nil, fmt.Errorf("%s.idx: truncated index (%d bytes)", prefix, len(idx))
	}

	n := len(idx) / idxRecordBytes
	out := make([]Encoded, n)
	for r := 0; r < n; r++ {
		base := r * idxRecordBytes
		off := binary.LittleEndian.Uint64(idx[base:])
		var lens [3]uint64
		for j := 0; j < 3; j++ {
			lens[j] = binary.LittleEndian.Uint64(idx[base+8*(j+1):])
		}
		label := binary.LittleEndian.Uint64(idx[base+32:])

		for j := 0; j < 3; j++ {
			end := off + 4*lens[j]
			if end > uint64(len(bin)) {
				return nil, fmt.Errorf("%s.bin: record %d reads past end of data", prefix, r)
			}
			ids := make([]int, lens[j])
			for k := range ids {
				ids[k] = int(binary.LittleEndian.Uint32(bin[off+4*uint64(k):]))
			}
			out[r].Ids[j] = ids
			off = end
		}
		out[r].Label = int(label) - 1
	}
	return out, nil
}
