// Package cache implements the three-level cache hierarchy of the render
// graph compiler: a persistent pipeline cache, a bound-resource-set
// (descriptor) cache, and an LRU computed-output cache with a byte budget.
//
// All caches key entries by an FNV-1a content hash over everything that
// affects correctness of reuse, expose hit/miss statistics, and are safe
// for concurrent use (concurrent lookups, mutually exclusive inserts and
// evictions).
package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
)

// Pipeline cache errors.
var (
	// ErrNilPipelineState is returned when hashing or realizing a nil state.
	ErrNilPipelineState = errors.New("cache: pipeline state is nil")

	// ErrBlobInvalid is returned by Load when a persisted blob is corrupt
	// or carries an unknown version. The cache is left empty; callers
	// recover by rebuilding pipelines from scratch.
	ErrBlobInvalid = errors.New("cache: pipeline cache blob is invalid")
)

// Blob format constants.
const (
	blobMagic   = 0x52475043 // "RGPC"
	blobVersion = 1

	// maxBlobEntryBytes bounds a single serialized payload so a corrupt
	// length field cannot trigger a huge allocation.
	maxBlobEntryBytes = 64 << 20
)

// ShaderStage identifies one shader stage of a pipeline by content.
type ShaderStage struct {
	// CodeHash is a hash of the compiled shader bytecode.
	CodeHash uint64

	// EntryPoint is the stage entry function name.
	EntryPoint string
}

// PipelineState describes everything that affects pipeline identity:
// shader stages, fixed-function state, and render-target compatibility.
// Two instances presenting the same state share one pipeline, even across
// different process types.
type PipelineState struct {
	// Stages are the shader stages in pipeline order.
	Stages []ShaderStage

	// Topology is the primitive topology.
	Topology gputypes.PrimitiveTopology

	// FrontFace defines which winding is front-facing.
	FrontFace gputypes.FrontFace

	// CullMode defines which faces are culled.
	CullMode gputypes.CullMode

	// ColorFormat is the color attachment format.
	ColorFormat gputypes.TextureFormat

	// DepthFormat is the depth attachment format, or
	// TextureFormatUndefined for none.
	DepthFormat gputypes.TextureFormat

	// DepthWriteEnabled enables depth writes.
	DepthWriteEnabled bool

	// DepthCompare is the depth comparison function.
	DepthCompare gputypes.CompareFunction

	// BlendSrcFactor, BlendDstFactor and BlendOperation describe color
	// blending. Zero values mean no blending.
	BlendSrcFactor gputypes.BlendFactor
	BlendDstFactor gputypes.BlendFactor
	BlendOperation gputypes.BlendOperation

	// SampleCount is the MSAA sample count (1 for none).
	SampleCount uint32

	// TargetSignature is a render-target compatibility hash contributed
	// by the node (attachment count, load/store ops).
	TargetSignature uint64
}

// Key computes the content hash identifying this state.
func (s *PipelineState) Key() uint64 {
	h := fnv.New64a()

	hashWriteUint32(h, uint32(len(s.Stages)))
	for i := range s.Stages {
		hashWriteUint64(h, s.Stages[i].CodeHash)
		hashWriteString(h, s.Stages[i].EntryPoint)
	}

	hashWriteUint32(h, uint32(s.Topology))
	hashWriteUint32(h, uint32(s.FrontFace))
	hashWriteUint32(h, uint32(s.CullMode))
	hashWriteUint32(h, uint32(s.ColorFormat))
	hashWriteUint32(h, uint32(s.DepthFormat))
	hashWriteBool(h, s.DepthWriteEnabled)
	hashWriteUint32(h, uint32(s.DepthCompare))
	hashWriteUint32(h, uint32(s.BlendSrcFactor))
	hashWriteUint32(h, uint32(s.BlendDstFactor))
	hashWriteUint32(h, uint32(s.BlendOperation))
	hashWriteUint32(h, s.SampleCount)
	hashWriteUint64(h, s.TargetSignature)

	return h.Sum64()
}

// Pipeline is a realized pipeline object shared across instances.
type Pipeline struct {
	// Key is the state hash this pipeline was realized from.
	Key uint64

	// Label is an optional debug name.
	Label string

	// Blob is the driver-serialized pipeline payload, persisted by
	// Save/Load for warm starts. May be nil for a freshly realized
	// pipeline the driver cannot serialize.
	Blob []byte

	// Raw is the backend pipeline object. Never serialized.
	Raw any
}

// PipelineCache caches realized pipelines by state hash.
//
// The cache is persistent: entries are never evicted, only Clear removes
// them. It supports serialization to an opaque blob so subsequent runs
// warm-start with the same hit behavior.
type PipelineCache struct {
	mu      sync.RWMutex
	entries map[uint64]*Pipeline

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewPipelineCache creates an empty pipeline cache.
func NewPipelineCache() *PipelineCache {
	return &PipelineCache{entries: make(map[uint64]*Pipeline)}
}

// Get returns the pipeline for key, if realized.
func (c *PipelineCache) Get(key uint64) (*Pipeline, bool) {
	c.mu.RLock()
	p, ok := c.entries[key]
	c.mu.RUnlock()

	if ok {
		c.hits.Add(1)
		return p, true
	}
	c.misses.Add(1)
	return nil, false
}

// GetOrCreate returns the cached pipeline for state, realizing it with
// create on a miss. Uses double-check locking so concurrent compilations
// of the same state realize the pipeline once.
func (c *PipelineCache) GetOrCreate(state *PipelineState, create func() (*Pipeline, error)) (*Pipeline, error) {
	if state == nil {
		return nil, ErrNilPipelineState
	}
	key := state.Key()

	// Fast path: read lock
	c.mu.RLock()
	if p, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		c.hits.Add(1)
		return p, nil
	}
	c.mu.RUnlock()

	// Slow path: write lock with double-check
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.entries[key]; ok {
		c.hits.Add(1)
		return p, nil
	}

	p, err := create()
	if err != nil {
		return nil, err
	}
	p.Key = key
	c.entries[key] = p
	c.misses.Add(1)

	return p, nil
}

// Len returns the number of realized pipelines.
func (c *PipelineCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear removes all entries and resets statistics.
func (c *PipelineCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[uint64]*Pipeline)
	c.mu.Unlock()
	c.hits.Store(0)
	c.misses.Store(0)
}

// Stats returns hit/miss accounting.
func (c *PipelineCache) Stats() Stats {
	return Stats{
		Len:    c.Len(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}

// Save serializes the cache to an opaque binary blob.
//
// Only keys, labels and driver blobs are persisted; Raw backend objects
// are not. Load(Save(c)) reports a hit for every key that hit before.
func (c *PipelineCache) Save(w io.Writer) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:], blobMagic)
	binary.LittleEndian.PutUint32(hdr[4:], blobVersion)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(c.entries)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("cache: write blob header: %w", err)
	}

	for key, p := range c.entries {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], key)
		if _, err := w.Write(buf[:]); err != nil {
			return fmt.Errorf("cache: write blob entry: %w", err)
		}
		if err := writeLenPrefixed(w, []byte(p.Label)); err != nil {
			return err
		}
		if err := writeLenPrefixed(w, p.Blob); err != nil {
			return err
		}
	}
	return nil
}

// Load replaces the cache contents from a blob written by Save.
//
// A corrupt or version-mismatched blob returns ErrBlobInvalid and leaves
// the cache contents unchanged; recoverable, never fatal.
func (c *PipelineCache) Load(r io.Reader) error {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("%w: short header", ErrBlobInvalid)
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != blobMagic {
		return fmt.Errorf("%w: bad magic", ErrBlobInvalid)
	}
	if v := binary.LittleEndian.Uint32(hdr[4:]); v != blobVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBlobInvalid, v)
	}
	count := binary.LittleEndian.Uint32(hdr[8:])

	entries := make(map[uint64]*Pipeline, count)
	for i := uint32(0); i < count; i++ {
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return fmt.Errorf("%w: short entry key", ErrBlobInvalid)
		}
		key := binary.LittleEndian.Uint64(buf[:])

		label, err := readLenPrefixed(r)
		if err != nil {
			return err
		}
		blob, err := readLenPrefixed(r)
		if err != nil {
			return err
		}

		entries[key] = &Pipeline{Key: key, Label: string(label), Blob: blob}
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	c.hits.Store(0)
	c.misses.Store(0)
	return nil
}

func writeLenPrefixed(w io.Writer, data []byte) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(len(data)))
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("cache: write blob entry: %w", err)
	}
	if len(data) > 0 {
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("cache: write blob entry: %w", err)
		}
	}
	return nil
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("%w: short entry", ErrBlobInvalid)
	}
	n := binary.LittleEndian.Uint32(buf[:])
	if n == 0 {
		return nil, nil
	}
	if n > maxBlobEntryBytes {
		return nil, fmt.Errorf("%w: entry size %d exceeds limit", ErrBlobInvalid, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: truncated entry", ErrBlobInvalid)
	}
	return data, nil
}
