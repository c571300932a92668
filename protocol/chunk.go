package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Some transports cap the payload size of a single frame. A logical message
// that exceeds the cap is split into an ordered chunk sequence; each chunk
// carries the sequence id, its index, and the total count. Messages that fit
// are sent as the raw payload, so the common case pays no framing overhead.
//
// chunk frame layout: ~<seqId>/<index>/<count>;<payload slice>

const chunkMarker = '~'

// ChunkMessage splits payload into wire frames. maxFrameSize <= 0 disables
// chunking.
func ChunkMessage(payload string, maxFrameSize int) []string {
	if maxFrameSize <= 0 || len(payload) <= maxFrameSize {
		return []string{payload}
	}
	count := (len(payload) + maxFrameSize - 1) / maxFrameSize
	seqId := ulid.Make().String()
	frames := make([]string, 0, count)
	for i := 0; i < count; i += 1 {
		start := i * maxFrameSize
		end := min(start+maxFrameSize, len(payload))
		frames = append(frames, fmt.Sprintf(
			"%c%s/%d/%d;%s",
			chunkMarker,
			seqId,
			i,
			count,
			payload[start:end],
		))
	}
	return frames
}

type AssembledMessage struct {
	Message Message
	// the reassembled payload, useful for hooks and persistence taps that
	// want the exact bytes without re-encoding
	Stringified string
}

// ChunkAssembler reassembles chunk sequences for one session. It is not safe
// for concurrent use; the caller serializes frames per session.
type ChunkAssembler struct {
	seqId string
	count int
	parts []string
}

func NewChunkAssembler() *ChunkAssembler {
	return &ChunkAssembler{}
}

// HandleFrame consumes one wire frame. It returns (nil, nil) while a chunk
// sequence is incomplete, the assembled message once complete, or an error
// on a malformed or out-of-order frame. Errors do not panic so the caller
// can close the connection deliberately.
func (self *ChunkAssembler) HandleFrame(frame string) (*AssembledMessage, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if frame[0] != chunkMarker {
		if self.seqId != "" {
			self.reset()
			return nil, fmt.Errorf("unchunked frame interrupts chunk sequence")
		}
		return decodePayload(frame)
	}

	header, part, ok := strings.Cut(frame[1:], ";")
	if !ok {
		self.reset()
		return nil, fmt.Errorf("chunk frame missing header terminator")
	}
	headerParts := strings.Split(header, "/")
	if len(headerParts) != 3 {
		self.reset()
		return nil, fmt.Errorf("malformed chunk header: %q", header)
	}
	seqId := headerParts[0]
	index, indexErr := strconv.Atoi(headerParts[1])
	count, countErr := strconv.Atoi(headerParts[2])
	if seqId == "" || indexErr != nil || countErr != nil || count <= 0 || index < 0 || count <= index {
		self.reset()
		return nil, fmt.Errorf("malformed chunk header: %q", header)
	}

	if self.seqId == "" {
		if index != 0 {
			return nil, fmt.Errorf("chunk sequence %s starts at index %d", seqId, index)
		}
		self.seqId = seqId
		self.count = count
	} else {
		if seqId != self.seqId {
			self.reset()
			return nil, fmt.Errorf("interleaved chunk sequence %s", seqId)
		}
		if count != self.count {
			self.reset()
			return nil, fmt.Errorf("chunk count changed mid sequence: %d != %d", count, self.count)
		}
		if index != len(self.parts) {
			self.reset()
			return nil, fmt.Errorf("out of order chunk: got %d, want %d", index, len(self.parts))
		}
	}
	self.parts = append(self.parts, part)

	if len(self.parts) < self.count {
		return nil, nil
	}
	payload := strings.Join(self.parts, "")
	self.reset()
	return decodePayload(payload)
}

func (self *ChunkAssembler) reset() {
	self.seqId = ""
	self.count = 0
	self.parts = nil
}

func decodePayload(payload string) (*AssembledMessage, error) {
	message, err := DecodeMessage([]byte(payload))
	if err != nil {
		return nil, err
	}
	return &AssembledMessage{
		Message:     message,
		Stringified: payload,
	}, nil
}
