package webui

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Protobuf field numbers of the detection event wire format:
//
//	message BoundingBox    { int32 x = 1; int32 y = 2; int32 w = 3; int32 h = 4; }
//	message Detection      { BoundingBox bbox = 1; float confidence = 2; int32 class_id = 3; string class_name = 4; }
//	message DetectionEvent { uint64 frame_number = 1; double timestamp = 2; repeated Detection detections = 3; string job_id = 4; }
const (
	fieldEventFrame      protowire.Number = 1
	fieldEventTimestamp  protowire.Number = 2
	fieldEventDetections protowire.Number = 3
	fieldEventJobID      protowire.Number = 4

	fieldDetBBox       protowire.Number = 1
	fieldDetConfidence protowire.Number = 2
	fieldDetClassID    protowire.Number = 3
	fieldDetClassName  protowire.Number = 4
)

var errTruncated = errors.New("truncated protobuf message")

// MarshalProto encodes ev in the detection event wire format.
func (ev *DetectionEvent) MarshalProto() []byte {
	var b []byte
	if ev.FrameNumber != 0 {
		b = protowire.AppendTag(b, fieldEventFrame, protowire.VarintType)
		b = protowire.AppendVarint(b, ev.FrameNumber)
	}
	if ev.Timestamp != 0 {
		b = protowire.AppendTag(b, fieldEventTimestamp, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(ev.Timestamp))
	}
	for i := range ev.Detections {
		b = protowire.AppendTag(b, fieldEventDetections, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalDetection(&ev.Detections[i]))
	}
	if ev.JobID != "" {
		b = protowire.AppendTag(b, fieldEventJobID, protowire.BytesType)
		b = protowire.AppendString(b, ev.JobID)
	}
	return b
}

func marshalDetection(d *Detection) []byte {
	var box []byte
	for i, v := range []int{d.BBox.X, d.BBox.Y, d.BBox.W, d.BBox.H} {
		if v == 0 {
			continue
		}
		box = protowire.AppendTag(box, protowire.Number(i+1), protowire.VarintType)
		box = protowire.AppendVarint(box, uint64(int64(int32(v))))
	}

	var b []byte
	b = protowire.AppendTag(b, fieldDetBBox, protowire.BytesType)
	b = protowire.AppendBytes(b, box)
	if d.Confidence != 0 {
		b = protowire.AppendTag(b, fieldDetConfidence, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(float32(d.Confidence)))
	}
	if d.ClassID != 0 {
		b = protowire.AppendTag(b, fieldDetClassID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(int32(d.ClassID))))
	}
	if d.ClassName != "" {
		b = protowire.AppendTag(b, fieldDetClassName, protowire.BytesType)
		b = protowire.AppendString(b, d.ClassName)
	}
	return b
}

// UnmarshalProto decodes the detection event wire format into ev.
// Unknown fields are skipped.
func (ev *DetectionEvent) UnmarshalProto(b []byte) error {
	*ev = DetectionEvent{Detections: []Detection{}}
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == fieldEventFrame && typ == protowire.VarintType:
			ev.FrameNumber = n
		case num == fieldEventTimestamp && typ == protowire.Fixed64Type:
			ev.Timestamp = math.Float64frombits(n)
		case num == fieldEventDetections && typ == protowire.BytesType:
			var d Detection
			if err := unmarshalDetection(v, &d); err != nil {
				return fmt.Errorf("detection %d: %w", len(ev.Detections), err)
			}
			ev.Detections = append(ev.Detections, d)
		case num == fieldEventJobID && typ == protowire.BytesType:
			ev.JobID = string(v)
		}
		return nil
	})
}

func unmarshalDetection(b []byte, d *Detection) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == fieldDetBBox && typ == protowire.BytesType:
			return walk(v, func(num protowire.Number, typ protowire.Type, _ []byte, n uint64) error {
				if typ != protowire.VarintType {
					return nil
				}
				val := int(int32(n))
				switch num {
				case 1:
					d.BBox.X = val
				case 2:
					d.BBox.Y = val
				case 3:
					d.BBox.W = val
				case 4:
					d.BBox.H = val
				}
				return nil
			})
		case num == fieldDetConfidence && typ == protowire.Fixed32Type:
			d.Confidence = float64(math.Float32frombits(uint32(n)))
		case num == fieldDetClassID && typ == protowire.VarintType:
			d.ClassID = int(int32(n))
		case num == fieldDetClassName && typ == protowire.BytesType:
			d.ClassName = string(v)
		}
		return nil
	})
}

// walk calls fn for every field of a message. Scalar values arrive in n,
// length-delimited values in v.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, l := protowire.ConsumeTag(b)
		if l < 0 {
			return errTruncated
		}
		b = b[l:]

		var (
			v []byte
			n uint64
		)
		switch typ {
		case protowire.VarintType:
			n, l = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x uint32
			x, l = protowire.ConsumeFixed32(b)
			n = uint64(x)
		case protowire.Fixed64Type:
			n, l = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, l = protowire.ConsumeBytes(b)
		default:
			l = protowire.ConsumeFieldValue(num, typ, b)
		}
		if l < 0 {
			return errTruncated
		}
		b = b[l:]
		if err := fn(num, typ, v, n); err != nil {
			return err
		}
	}
	return nil
}
