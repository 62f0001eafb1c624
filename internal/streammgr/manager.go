// Package streammgr implements InternalStreamManager: the component that
// manufactures and recycles buffers for streams the framework never sees
// (intermediate RAW rings, synchronization YUV, internal depth inputs) and
// serves as the zero-shutter-lag cache for streams the realtime pipeline
// writes continuously.
package streammgr

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/dispatcherrors"
	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
)

// kMinFilledBuffers is the ZSL floor: GetMostRecentStreamBuffer refuses
// to return any entries unless at least this many are available, even if
// the caller asked for fewer via payloadFrames.
const kMinFilledBuffers = 3

// kStreamIdReserve mirrors kImplementationDefinedInternalStreamStart: caller
// ids below this sentinel are replaced with a freshly assigned id; ids at or
// above it are honored verbatim (used when the HWL requires specific
// implementation-defined ids).
const kStreamIdReserve = hal.StreamID(1 << 20)

const invalidStreamID = hal.StreamID(-1)

// Allocator is the narrow external collaborator this manager allocates
// vendor buffers through when needVendorAllocator is requested. Out of
// scope: its implementation (the graphics buffer allocator).
type Allocator interface {
	Allocate(ctx context.Context, desc BufferDescriptor) (hal.NativeHandle, error)
}

// BufferDescriptor mirrors HalBufferDescriptor: what a pool needs to know
// to allocate buffers for one (stream, hal_stream) pair.
type BufferDescriptor struct {
	StreamID           hal.StreamID
	Width, Height      uint32
	Format             hal.PixelFormat
	ProducerFlags      hal.UsageFlags
	ConsumerFlags      hal.UsageFlags
	ImmediateNumBuffers uint32
	MaxNumBuffers      uint32
}

// zslEntry is a (filled buffer, matching result metadata, frame number)
// triple held in a per-stream ring.
type zslEntry struct {
	frame    hal.FrameNumber
	buffer   *hal.StreamBuffer
	metadata hal.Metadata
	pinned   bool
}

// pool is one buffer manager: the allocation + recycling + ZSL ring for
// one owner stream, possibly shared by several compatible streams.
type pool struct {
	desc       BufferDescriptor
	needVendor bool

	empty []hal.StreamBuffer
	// filled is the ZSL ring, keyed by frame number.
	filled map[hal.FrameNumber]*zslEntry

	allocated int // total buffers ever created for this pool
	maxTotal  uint32
}

func newPool(desc BufferDescriptor, needVendor bool) *pool {
	return &pool{
		desc:       desc,
		needVendor: needVendor,
		filled:     make(map[hal.FrameNumber]*zslEntry),
		maxTotal:   desc.MaxNumBuffers,
	}
}

// allocate seeds the pool with ImmediateNumBuffers empty buffers.
func (p *pool) allocate(ctx context.Context, alloc Allocator) error {
	for i := uint32(0); i < p.desc.ImmediateNumBuffers; i++ {
		buf, err := p.makeBuffer(ctx, alloc)
		if err != nil {
			return err
		}
		p.empty = append(p.empty, buf)
	}
	return nil
}

func (p *pool) makeBuffer(ctx context.Context, alloc Allocator) (hal.StreamBuffer, error) {
	if uint32(p.allocated) >= p.maxTotal {
		return hal.StreamBuffer{}, fmt.Errorf("streammgr: pool for stream %d is at capacity (%d)", p.desc.StreamID, p.maxTotal)
	}
	var handle hal.NativeHandle
	if p.needVendor && alloc != nil {
		h, err := alloc.Allocate(ctx, p.desc)
		if err != nil {
			return hal.StreamBuffer{}, err
		}
		handle = h
	} else {
		handle = fmt.Sprintf("stream-%d-buf-%d", p.desc.StreamID, p.allocated)
	}
	p.allocated++
	return hal.StreamBuffer{
		StreamID:     p.desc.StreamID,
		BufferID:     hal.BufferID(p.allocated),
		Handle:       handle,
		Status:       hal.BufferStatusOK,
		AcquireFence: hal.NoFence,
		ReleaseFence: hal.NoFence,
	}, nil
}

// getEmpty pops an empty buffer, growing the pool up to maxTotal if none
// are idle.
func (p *pool) getEmpty(ctx context.Context, alloc Allocator) (hal.StreamBuffer, error) {
	if len(p.empty) > 0 {
		buf := p.empty[len(p.empty)-1]
		p.empty = p.empty[:len(p.empty)-1]
		return buf, nil
	}
	return p.makeBuffer(ctx, alloc)
}

// Manager is InternalStreamManager.
type Manager struct {
	mu     sync.Mutex
	logger *logging.Logger
	alloc  Allocator

	nextID    hal.StreamID
	registered map[hal.StreamID]hal.Stream
	// ownerOf maps a stream id to the id of the pool owner. A stream maps
	// to itself if it owns the pool outright.
	ownerOf map[hal.StreamID]hal.StreamID
	pools   map[hal.StreamID]*pool
}

// New constructs an InternalStreamManager. alloc may be nil if no stream
// ever requests needVendorAllocator.
func New(alloc Allocator, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetLogger("internal-stream-manager")
	}
	return &Manager{
		logger:     logger,
		alloc:      alloc,
		nextID:     kStreamIdReserve,
		registered: make(map[hal.StreamID]hal.Stream),
		ownerOf:    make(map[hal.StreamID]hal.StreamID),
		pools:      make(map[hal.StreamID]*pool),
	}
}

// RegisterNewInternalStream assigns a fresh id from the private range
// unless stream.ID already sits at or above kStreamIdReserve, in which case
// the caller's id is honored verbatim (and must not already be registered).
func (m *Manager) RegisterNewInternalStream(stream hal.Stream) (hal.StreamID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := stream.ID
	if stream.ID < kStreamIdReserve {
		id = m.nextID
		m.nextID++
	} else if _, exists := m.registered[id]; exists {
		return 0, dispatcherrors.NewSessionErrorWithOp(dispatcherrors.CodeAlreadyExists,
			"stream id collision", fmt.Sprintf("stream %d already registered", id), "RegisterNewInternalStream")
	}
	stream.ID = id
	m.registered[id] = stream
	return id, nil
}

func (m *Manager) isRegisteredLocked(id hal.StreamID) bool {
	_, ok := m.registered[id]
	return ok
}

func (m *Manager) isAllocatedLocked(id hal.StreamID) bool {
	if _, ok := m.ownerOf[id]; ok {
		return true
	}
	_, ok := m.pools[id]
	return ok
}

func (m *Manager) ownerIDLocked(id hal.StreamID) hal.StreamID {
	if owner, ok := m.ownerOf[id]; ok {
		id = owner
	}
	if _, ok := m.pools[id]; !ok {
		return invalidStreamID
	}
	return id
}

func descriptorFor(stream hal.Stream, halStream hal.HalStream, extra uint32) BufferDescriptor {
	return BufferDescriptor{
		StreamID:            stream.ID,
		Width:               stream.Width,
		Height:              stream.Height,
		Format:              halStream.OverrideFormat,
		ProducerFlags:       halStream.ProducerUsage,
		ConsumerFlags:       halStream.ConsumerUsage,
		ImmediateNumBuffers: halStream.MaxBuffers,
		MaxNumBuffers:       halStream.MaxBuffers + extra,
	}
}

// AllocateBuffers creates a bounded buffer pool for one stream:
// hal_stream.max_buffers immediately, up to max_buffers+extra total.
func (m *Manager) AllocateBuffers(ctx context.Context, halStream hal.HalStream, extra uint32, needVendorAllocator bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateBuffersLocked(ctx, halStream, extra, needVendorAllocator)
}

func (m *Manager) allocateBuffersLocked(ctx context.Context, halStream hal.HalStream, extra uint32, needVendorAllocator bool) error {
	id := halStream.ID
	if !m.isRegisteredLocked(id) {
		return fmt.Errorf("streammgr: stream %d was not registered", id)
	}
	if m.isAllocatedLocked(id) {
		return fmt.Errorf("streammgr: stream %d is already allocated", id)
	}
	stream := m.registered[id]
	if stream.ID != halStream.ID {
		return fmt.Errorf("streammgr: stream/hal_stream id mismatch: %d vs %d", stream.ID, halStream.ID)
	}

	p := newPool(descriptorFor(stream, halStream, extra), needVendorAllocator)
	if err := p.allocate(ctx, m.alloc); err != nil {
		return fmt.Errorf("streammgr: allocating buffers for stream %d: %w", id, err)
	}
	m.pools[id] = p
	return nil
}

// AllocateSharedBuffers validates all streams are pairwise compatible and
// creates one shared pool sized at max(max_buffers) immediately, and
// max(max_buffers)+(sum(max_buffers)-max(max_buffers))+extra total.
func (m *Manager) AllocateSharedBuffers(ctx context.Context, streams []hal.Stream, halStreams []hal.HalStream, extra uint32, needVendorAllocator bool) error {
	if len(halStreams) < 2 || len(streams) != len(halStreams) {
		return fmt.Errorf("streammgr: AllocateSharedBuffers requires >=2 matching streams/hal_streams")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var maxBuffers, totalBuffers uint32
	for _, hs := range halStreams {
		if !m.isRegisteredLocked(hs.ID) {
			return fmt.Errorf("streammgr: stream %d was not registered", hs.ID)
		}
		if m.isAllocatedLocked(hs.ID) {
			return fmt.Errorf("streammgr: stream %d has been allocated", hs.ID)
		}
		totalBuffers += hs.MaxBuffers
		if hs.MaxBuffers > maxBuffers {
			maxBuffers = hs.MaxBuffers
		}
	}

	for i := 1; i < len(streams); i++ {
		if !hal.StreamsAreCompatible(streams[0], halStreams[0], streams[i], halStreams[i]) {
			return fmt.Errorf("streammgr: streams %d and %d are not compatible", streams[0].ID, streams[i].ID)
		}
	}

	ownerHalStream := halStreams[0]
	ownerHalStream.MaxBuffers = maxBuffers
	totalAdditional := totalBuffers + extra - maxBuffers

	if err := m.allocateBuffersLocked(ctx, ownerHalStream, totalAdditional, needVendorAllocator); err != nil {
		return fmt.Errorf("streammgr: allocating shared buffers for stream %d: %w", halStreams[0].ID, err)
	}

	for i := 1; i < len(halStreams); i++ {
		m.ownerOf[halStreams[i].ID] = halStreams[0].ID
	}
	return nil
}

// FreeStream frees a stream and, if it owned a pool, promotes another
// sharer to ownership or destroys the pool if none remain.
func (m *Manager) FreeStream(streamID hal.StreamID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.registered, streamID)

	owner := m.ownerIDLocked(streamID)
	if owner == invalidStreamID {
		m.logger.WithFields(logging.Fields{"stream_id": streamID}).Warn("FreeStream: no owner found, ignoring")
		return
	}

	if streamID == owner {
		m.removeOwnerLocked(owner)
		return
	}
	delete(m.ownerOf, streamID)
}

func (m *Manager) removeOwnerLocked(oldOwner hal.StreamID) {
	if _, ok := m.pools[oldOwner]; !ok {
		return
	}
	newOwner := invalidStreamID
	for id, owner := range m.ownerOf {
		if owner != oldOwner {
			continue
		}
		if newOwner == invalidStreamID {
			newOwner = id
			delete(m.ownerOf, id)
		} else {
			m.ownerOf[id] = newOwner
		}
	}
	if newOwner != invalidStreamID {
		m.pools[newOwner] = m.pools[oldOwner]
	}
	delete(m.pools, oldOwner)
}

// GetStreamBuffer pops an empty buffer from streamID's pool.
func (m *Manager) GetStreamBuffer(ctx context.Context, streamID hal.StreamID) (hal.StreamBuffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner := m.ownerIDLocked(streamID)
	if owner == invalidStreamID {
		return hal.StreamBuffer{}, fmt.Errorf("streammgr: stream %d was not allocated", streamID)
	}
	buf, err := m.pools[owner].getEmpty(ctx, m.alloc)
	if err != nil {
		return hal.StreamBuffer{}, err
	}
	buf.StreamID = streamID
	return buf, nil
}

// ReturnStreamBuffer returns an emptied buffer to its pool. Returning a
// buffer to a stream that no longer exists is a no-op with a logged
// warning.
func (m *Manager) ReturnStreamBuffer(buf hal.StreamBuffer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner := m.ownerIDLocked(buf.StreamID)
	if owner == invalidStreamID {
		m.logger.WithFields(logging.Fields{"stream_id": buf.StreamID}).Warn("ReturnStreamBuffer: unknown stream, dropping")
		return
	}
	p := m.pools[owner]
	p.empty = append(p.empty, buf)
}

// ReturnFilledBuffer deposits a buffer the realtime pipeline just filled
// into the ZSL ring for this frame, pairing it with metadata if that has
// already arrived.
func (m *Manager) ReturnFilledBuffer(streamID hal.StreamID, frame hal.FrameNumber, buf hal.StreamBuffer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner := m.ownerIDLocked(streamID)
	if owner == invalidStreamID {
		m.logger.WithFields(logging.Fields{"stream_id": streamID}).Warn("ReturnFilledBuffer: unknown stream, dropping")
		return
	}
	p := m.pools[owner]
	entry := p.filled[frame]
	if entry == nil {
		entry = &zslEntry{frame: frame}
		p.filled[frame] = entry
	}
	b := buf
	entry.buffer = &b
}

// ReturnMetadata deposits result metadata for a frame into the ZSL ring.
func (m *Manager) ReturnMetadata(streamID hal.StreamID, frame hal.FrameNumber, metadata hal.Metadata) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner := m.ownerIDLocked(streamID)
	if owner == invalidStreamID {
		m.logger.WithFields(logging.Fields{"stream_id": streamID}).Warn("ReturnMetadata: unknown stream, dropping")
		return
	}
	p := m.pools[owner]
	entry := p.filled[frame]
	if entry == nil {
		entry = &zslEntry{frame: frame}
		p.filled[frame] = entry
	}
	entry.metadata = metadata
}

// GetMostRecentStreamBuffer selects the newest N filled entries (N =
// payloadFrames, but never fewer than kMinFilledBuffers are required to be
// present) that also have matching metadata, and pins them so concurrent
// GetStreamBuffer cannot overwrite them. If fewer than kMinFilledBuffers
// are available, fails and returns nothing pinned.
func (m *Manager) GetMostRecentStreamBuffer(streamID hal.StreamID, payloadFrames uint32) ([]hal.StreamBuffer, []hal.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner := m.ownerIDLocked(streamID)
	if owner == invalidStreamID {
		return nil, nil, fmt.Errorf("streammgr: stream %d was not allocated", streamID)
	}
	p := m.pools[owner]

	var candidates []*zslEntry
	for _, e := range p.filled {
		if e.buffer != nil && e.metadata != nil && !e.pinned {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) < kMinFilledBuffers {
		return nil, nil, fmt.Errorf("streammgr: only %d filled ZSL entries available, need >= %d", len(candidates), kMinFilledBuffers)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].frame > candidates[j].frame })

	n := int(payloadFrames)
	if n > len(candidates) {
		n = len(candidates)
	}
	if n < kMinFilledBuffers {
		n = kMinFilledBuffers
	}
	selected := candidates[:n]

	buffers := make([]hal.StreamBuffer, 0, n)
	metadatas := make([]hal.Metadata, 0, n)
	for _, e := range selected {
		e.pinned = true
		b := *e.buffer
		b.StreamID = streamID
		buffers = append(buffers, b)
		metadatas = append(metadatas, e.metadata)
	}
	return buffers, metadatas, nil
}

// ReturnZslStreamBuffers unpins the previously pinned entries for every
// frame in frames and returns them to the ring (they remain available for
// future GetMostRecentStreamBuffer calls, rather than going back to the
// empty pool, since they still hold valid buffer+metadata pairs).
func (m *Manager) ReturnZslStreamBuffers(streamID hal.StreamID, frames []hal.FrameNumber) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner := m.ownerIDLocked(streamID)
	if owner == invalidStreamID {
		return fmt.Errorf("streammgr: stream %d was not allocated", streamID)
	}
	p := m.pools[owner]
	for _, f := range frames {
		if e, ok := p.filled[f]; ok {
			e.pinned = false
		}
	}
	return nil
}

// IsPendingBufferEmpty reports whether no ZSL entry for streamID is
// currently pinned (i.e. handed to a snapshot requester and not yet
// returned). Used by offline producers to check that no concurrent
// snapshot is in flight before consuming.
func (m *Manager) IsPendingBufferEmpty(streamID hal.StreamID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner := m.ownerIDLocked(streamID)
	if owner == invalidStreamID {
		return true
	}
	for _, e := range m.pools[owner].filled {
		if e.pinned {
			return false
		}
	}
	return true
}
