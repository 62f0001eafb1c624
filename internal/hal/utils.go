package hal

// StreamsAreCompatible reports whether two (Stream, HalStream) pairs are
// structurally compatible enough to share one buffer pool: width, height,
// rotation, override format, producer/consumer usage and override data
// space must all match exactly. This is a structural comparison only.
func StreamsAreCompatible(s0 Stream, h0 HalStream, s1 Stream, h1 HalStream) bool {
	return s0.Width == s1.Width &&
		s0.Height == s1.Height &&
		s0.Rotation == s1.Rotation &&
		h0.OverrideFormat == h1.OverrideFormat &&
		h0.ProducerUsage == h1.ProducerUsage &&
		h0.ConsumerUsage == h1.ConsumerUsage &&
		h0.OverrideDataSpace == h1.OverrideDataSpace
}

// CropRegion is the 4-int32 scaler crop region vendor tag shape; see
// ScaleCropRegion for the element order on each side of the rescale.
type CropRegion [4]int32

// ScaleCropRegion rescales a logical-sensor crop region into an IR sensor's
// coordinate space by the logical->IR active-array size ratio, clamping to
// the IR active array bounds. The input is read as (left, top, width,
// height); the result is laid out as (top, left, bottom, right).
func ScaleCropRegion(logical CropRegion, logicalToIRRatio float64, irActiveWidth, irActiveHeight int32) CropRegion {
	if logicalToIRRatio <= 0 {
		logicalToIRRatio = 1
	}
	top := int32(float64(logical[1]) / logicalToIRRatio)
	if top < 0 {
		top = 0
	}
	left := int32(float64(logical[0]) / logicalToIRRatio)
	if left < 0 {
		left = 0
	}
	bottom := int32(float64(logical[3])/logicalToIRRatio) + top
	if bottom > irActiveHeight {
		bottom = irActiveHeight
	}
	right := int32(float64(logical[2])/logicalToIRRatio) + left
	if right > irActiveWidth {
		right = irActiveWidth
	}
	return CropRegion{top, left, bottom, right}
}

// CopyMetadataExcluding clones src into a new Metadata, dropping any key
// present in exclude. Result processors use it to strip a fixed set of
// keys from a cloned metadata blob before it crosses a chain-segment
// boundary.
func CopyMetadataExcluding(src Metadata, exclude ...string) Metadata {
	out := make(Metadata, len(src))
	skip := make(map[string]bool, len(exclude))
	for _, k := range exclude {
		skip[k] = true
	}
	for k, v := range src {
		if skip[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// ContainsOutputBuffer reports whether req already has an output buffer for
// streamID.
func ContainsOutputBuffer(req CaptureRequest, streamID StreamID) bool {
	for _, b := range req.OutputBuffers {
		if b.StreamID == streamID {
			return true
		}
	}
	return false
}
