// Package chunk derives verifiable ≤64 KiB slices from a completed result.
// Chunks are computed on read, never pre-materialized: both checksum and
// checksumPrevious depend only on position and bytes, so any client can
// resume at any cursor.
package chunk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"

	"github.com/opencall-labs/opencall/pkg/envelope"
	"github.com/opencall-labs/opencall/pkg/instance"
	"github.com/opencall-labs/opencall/pkg/results"
)

// Size is the maximum chunk payload in bytes.
const Size = 64 * 1024

// Chunk is the chunk retrieval response body.
type Chunk struct {
	RequestID        string         `json:"requestId"`
	State            envelope.State `json:"state"`
	Checksum         string         `json:"checksum"`
	ChecksumPrevious *string        `json:"checksumPrevious"`
	Offset           int            `json:"offset"`
	Length           int            `json:"length"`
	MimeType         string         `json:"mimeType"`
	Total            int            `json:"total"`
	Cursor           *string        `json:"cursor"`
	Data             string         `json:"data"`

	Index int `json:"-"`
}

// Count returns the number of chunks for a payload of total bytes.
// An empty payload still produces one (empty) chunk.
func Count(total int) int {
	n := (total + Size - 1) / Size
	if n < 1 {
		n = 1
	}
	return n
}

// checksum renders the protocol checksum of a byte slice.
func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Slice derives chunk index from data. index must be in [0, Count(len(data))).
func Slice(requestID string, data []byte, mimeType string, index int) (*Chunk, error) {
	total := len(data)
	count := Count(total)
	if index < 0 || index >= count {
		return nil, fmt.Errorf("chunk index %d out of range [0,%d)", index, count)
	}

	offset := index * Size
	end := offset + Size
	if end > total {
		end = total
	}
	raw := data[offset:end]

	text, err := decodeText(raw, mimeType)
	if err != nil {
		return nil, err
	}

	c := &Chunk{
		RequestID: requestID,
		State:     envelope.StatePending,
		Checksum:  checksum(raw),
		Offset:    offset,
		Length:    len(raw),
		MimeType:  mimeType,
		Total:     total,
		Data:      text,
		Index:     index,
	}
	if index > 0 {
		prevStart := (index - 1) * Size
		prev := checksum(data[prevStart : prevStart+Size])
		c.ChecksumPrevious = &prev
	}
	if index == count-1 {
		c.State = envelope.StateComplete
	} else {
		next := strconv.Itoa(index + 1)
		c.Cursor = &next
	}
	return c, nil
}

// decodeText decodes chunk bytes as text under the result's declared
// charset. UTF-8 is the default; binary results are out of core scope.
func decodeText(raw []byte, mimeType string) (string, error) {
	charset := "utf-8"
	if mimeType != "" {
		if _, params, err := mime.ParseMediaType(mimeType); err == nil {
			if cs, ok := params["charset"]; ok {
				charset = cs
			}
		}
	}
	if strings.EqualFold(charset, "utf-8") {
		return string(raw), nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return "", fmt.Errorf("unsupported result charset %q: %w", charset, err)
	}
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("failed to decode chunk as %s: %w", charset, err)
	}
	return string(decoded), nil
}

// Engine reads chunks for completed instances, preferring the result cache
// over the persisted instance row.
type Engine struct {
	instances instance.Store
	cache     results.Cache
	clock     func() time.Time
}

func NewEngine(instances instance.Store, cache results.Cache) *Engine {
	return &Engine{instances: instances, cache: cache, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Read resolves one chunk. An absent cursor reads chunk 0.
func (e *Engine) Read(ctx context.Context, requestID, cursor string) (*Chunk, *envelope.ProtocolError) {
	now := e.clock()

	inst, err := e.instances.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, instance.ErrNotFound) {
			return nil, envelope.OperationNotFound(requestID)
		}
		return nil, envelope.Internal()
	}
	if inst.Expired(now) {
		return nil, envelope.OperationNotFound(requestID)
	}
	if inst.State != envelope.StateComplete {
		return nil, envelope.OperationNotComplete(requestID)
	}

	data, mimeType, ok := e.cache.Get(ctx, requestID)
	if !ok {
		if len(inst.ResultData) == 0 {
			return nil, envelope.DataNotFound(requestID)
		}
		data, mimeType = inst.ResultData, inst.ResultMime
		e.cache.Put(ctx, requestID, data, mimeType)
	}
	if mimeType == "" {
		mimeType = "application/json"
	}

	index := 0
	if cursor != "" {
		index, err = strconv.Atoi(cursor)
		if err != nil || index < 0 || index >= Count(len(data)) {
			return nil, envelope.InvalidCursor(cursor)
		}
	}

	c, sliceErr := Slice(requestID, data, mimeType, index)
	if sliceErr != nil {
		return nil, envelope.Internal()
	}
	return c, nil
}
