package requestproc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
	"github.com/camerarecorder/multicam-hal/internal/requestproc"
)

// fakeProcessBlock records the block-level sub-requests a RequestProcessor
// submits to it, standing in for a real ProcessBlock implementation.
type fakeProcessBlock struct {
	requests [][]hal.ProcessBlockRequest
	flushes  int
}

func (b *fakeProcessBlock) ConfigureStreams(pipeline.BlockConfig, pipeline.OverallConfig) error { return nil }
func (b *fakeProcessBlock) SetResultProcessor(pipeline.ResultProcessor) error                    { return nil }
func (b *fakeProcessBlock) GetConfiguredHalStreams() ([]hal.HalStream, error)                    { return nil, nil }
func (b *fakeProcessBlock) ProcessRequests(blockRequests []hal.ProcessBlockRequest, _ hal.CaptureRequest) error {
	b.requests = append(b.requests, blockRequests)
	return nil
}
func (b *fakeProcessBlock) Flush() error { b.flushes++; return nil }

func TestDualIrRequestProcessor_SplitsByStreamOwnerWithLeadFirst(t *testing.T) {
	p := requestproc.NewDualIrRequestProcessor("lead", nil)

	streamConfig := hal.StreamConfiguration{
		Streams: []hal.Stream{
			{ID: 10, PhysicalCameraID: "lead"},
			{ID: 11, PhysicalCameraID: "second"},
		},
	}
	_, err := p.ConfigureStreams(nil, streamConfig)
	require.NoError(t, err)

	cameraMap := p.StreamPhysicalCameraMap()
	require.Equal(t, "lead", cameraMap[10])
	require.Equal(t, "second", cameraMap[11])

	block := &fakeProcessBlock{}
	require.NoError(t, p.SetProcessBlock(block))

	req := hal.CaptureRequest{
		FrameNumber: 5,
		OutputBuffers: []hal.StreamBuffer{
			{StreamID: 11, BufferID: 2},
			{StreamID: 10, BufferID: 1},
		},
	}
	require.NoError(t, p.ProcessRequest(req))

	require.Len(t, block.requests, 1)
	subRequests := block.requests[0]
	require.Len(t, subRequests, 2, "one sub-request per physical camera that owns an output buffer")

	byCamera := make(map[string]hal.ProcessBlockRequest)
	for _, r := range subRequests {
		byCamera[r.PhysicalCameraID] = r
	}

	lead, ok := byCamera["lead"]
	require.True(t, ok)
	require.Equal(t, hal.DualIrLeadSubRequestID, lead.RequestID)
	require.Len(t, lead.OutputBuffers, 1)
	require.Equal(t, hal.StreamID(10), lead.OutputBuffers[0].StreamID)

	second, ok := byCamera["second"]
	require.True(t, ok)
	require.Equal(t, hal.DualIrSecondSubRequestID, second.RequestID)
	require.Len(t, second.OutputBuffers, 1)
	require.Equal(t, hal.StreamID(11), second.OutputBuffers[0].StreamID)
}

func TestDualIrRequestProcessor_UnregisteredStreamFailsFast(t *testing.T) {
	p := requestproc.NewDualIrRequestProcessor("lead", nil)
	require.NoError(t, p.SetProcessBlock(&fakeProcessBlock{}))

	req := hal.CaptureRequest{
		FrameNumber:   1,
		OutputBuffers: []hal.StreamBuffer{{StreamID: 99}},
	}
	require.Error(t, p.ProcessRequest(req), "a stream never seen by ConfigureStreams must be rejected, not silently dropped")
}

func TestDualIrRequestProcessor_FlushDelegatesToProcessBlock(t *testing.T) {
	p := requestproc.NewDualIrRequestProcessor("lead", nil)
	block := &fakeProcessBlock{}
	require.NoError(t, p.SetProcessBlock(block))

	require.NoError(t, p.Flush())
	require.Equal(t, 1, block.flushes)
}
