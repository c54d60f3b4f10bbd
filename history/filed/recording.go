package filed

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/jmcleod/drawboard/protocol"
)

// A recording file holds the binary message stream: an 8-byte header
// followed by length-prefixed records in protocol wire form.
var recordingMagic = []byte{'D', 'B', 'R', 'E', 'C', 0}

const (
	recordingVersion   = 1
	recordingHeaderLen = 8

	// maxBlockSize bounds a block so getBatch never has to load more than
	// this from disk at once, and a corrupted tail only costs one block.
	maxBlockSize = 1024 * 1024
)

// block describes a contiguous run of messages in the recording file. Blocks
// form a sparse index over the file so batches can be streamed without
// holding the full history in memory.
type block struct {
	startOffset int64
	startIndex  int64
	count       int
	endOffset   int64
	// messages caches the block's content. The tail block always has its
	// cache; closed blocks drop theirs via CleanupBatches and reload on
	// demand.
	messages []protocol.Message
}

func writeRecordingHeader(f *os.File) error {
	var header [recordingHeaderLen]byte
	copy(header[:], recordingMagic)
	binary.BigEndian.PutUint16(header[6:], recordingVersion)
	if _, err := f.Write(header[:]); err != nil {
		return fmt.Errorf("writing recording header: %w", err)
	}
	return nil
}

func checkRecordingHeader(r io.Reader) error {
	var header [recordingHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("reading recording header: %w", err)
	}
	if !bytes.Equal(header[:6], recordingMagic) {
		return fmt.Errorf("not a recording file")
	}
	if v := binary.BigEndian.Uint16(header[6:]); v != recordingVersion {
		return fmt.Errorf("unsupported recording version %d", v)
	}
	return nil
}

// scanBlocks reads the whole recording once, rebuilding the block index and
// returning the total serialized size of all messages. A truncated tail
// record is tolerated: everything before it is kept.
func scanBlocks(f *os.File) ([]block, uint64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, err
	}
	r := bufio.NewReader(f)
	if err := checkRecordingHeader(r); err != nil {
		return nil, 0, err
	}

	blocks := []block{{startOffset: recordingHeaderLen, endOffset: recordingHeaderLen}}
	offset := int64(recordingHeaderLen)
	var totalSize uint64
	var index int64

	for {
		msg, err := protocol.ReadMessage(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep everything up to the corrupted tail.
			break
		}
		size := int64(msg.Size())
		tail := &blocks[len(blocks)-1]
		if tail.endOffset-tail.startOffset >= maxBlockSize {
			blocks = append(blocks, block{
				startOffset: offset,
				startIndex:  index,
				endOffset:   offset,
			})
			tail = &blocks[len(blocks)-1]
		}
		tail.count++
		tail.endOffset += size
		offset += size
		totalSize += uint64(size)
		index++
	}
	return blocks, totalSize, nil
}

// RecordingInfo summarizes the contents of one recording file.
type RecordingInfo struct {
	Blocks    int    `json:"blocks"`
	Messages  int64  `json:"messages"`
	Bytes     uint64 `json:"bytes"`
	FileSize  int64  `json:"file_size"`
	TornBytes int64  `json:"torn_bytes"`
}

// InspectRecording scans a recording file and reports its block structure.
// Trailing bytes past the last complete record show up as TornBytes; they
// would be discarded on the next load.
func InspectRecording(path string) (RecordingInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return RecordingInfo{}, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return RecordingInfo{}, err
	}
	blocks, totalSize, err := scanBlocks(f)
	if err != nil {
		return RecordingInfo{}, err
	}

	info := RecordingInfo{
		Blocks:   len(blocks),
		Bytes:    totalSize,
		FileSize: stat.Size(),
	}
	for _, b := range blocks {
		info.Messages += int64(b.count)
	}
	info.TornBytes = stat.Size() - recordingHeaderLen - int64(totalSize)
	return info, nil
}

// loadBlock reads a closed block's messages back from disk.
func loadBlock(f *os.File, b *block) error {
	if _, err := f.Seek(b.startOffset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking block at %d: %w", b.startOffset, err)
	}
	r := bufio.NewReader(io.LimitReader(f, b.endOffset-b.startOffset))
	msgs := make([]protocol.Message, 0, b.count)
	for i := 0; i < b.count; i++ {
		msg, err := protocol.ReadMessage(r)
		if err != nil {
			return fmt.Errorf("reading block message %d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}
	b.messages = msgs
	return nil
}
