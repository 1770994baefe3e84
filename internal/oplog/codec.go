package oplog

import (
	"encoding/binary"
	"hash/crc32"
	"math"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Stored entry layout:
//
//	uvarint headerLen | header | message | crc32c(header|message)
//
// header is the uvarint envelope version. message is a protowire message
// with field 1 = constructor tag, 2 = variant schema version, 3 = body.
// Bodies always carry the timestamp (unix ms, zigzag) as field 1 and skip
// unknown fields when decoding.

const envelopeVersion = 1

// variantVersions is the schema version written for each constructor tag.
var variantVersions = func() [maxKind + 1]uint64 {
	var v [maxKind + 1]uint64
	for k := KindCreate; k <= maxKind; k++ {
		v[k] = 1
	}
	return v
}()

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Encode serializes e into its framed storage form.
func Encode(e Entry) ([]byte, error) {
	body, err := encodeBody(e)
	if err != nil {
		return nil, err
	}
	var msg []byte
	msg = protowire.AppendTag(msg, 1, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(e.Kind()))
	msg = protowire.AppendTag(msg, 2, protowire.VarintType)
	msg = protowire.AppendVarint(msg, variantVersions[e.Kind()])
	msg = protowire.AppendTag(msg, 3, protowire.BytesType)
	msg = protowire.AppendBytes(msg, body)
	return frameRecord(msg), nil
}

func frameRecord(msg []byte) []byte {
	header := binary.AppendUvarint(nil, envelopeVersion)
	out := make([]byte, 0, 1+len(header)+len(msg)+4)
	out = binary.AppendUvarint(out, uint64(len(header)))
	out = append(out, header...)
	out = append(out, msg...)
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, msg)
	return binary.BigEndian.AppendUint32(out, crc)
}

// Decode parses a framed entry produced by Encode.
func Decode(b []byte) (Entry, error) {
	if len(b) < 1+4 {
		return nil, &DecodeError{Reason: "truncated record"}
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || n+4 > len(b) || hlen > uint64(len(b)-n-4) {
		return nil, &DecodeError{Reason: "truncated header"}
	}
	header := b[n : n+int(hlen)]
	msg := b[n+int(hlen) : len(b)-4]
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, msg)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return nil, &DecodeError{Reason: "checksum mismatch"}
	}
	if v, n := binary.Uvarint(header); n <= 0 || v != envelopeVersion {
		return nil, &DecodeError{Reason: "unsupported envelope version"}
	}

	var (
		tag  Kind
		body []byte
		seen bool
	)
	err := readFields(msg, func(f field) error {
		switch f.num {
		case 1:
			tag = Kind(f.v)
		case 3:
			body, seen = f.b, true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if tag < KindCreate || tag > maxKind {
		return nil, &DecodeError{Tag: tag, Reason: "unknown constructor tag"}
	}
	if !seen {
		return nil, &DecodeError{Tag: tag, Reason: "missing body"}
	}
	e, err := decodeBody(tag, body)
	if err != nil {
		if de, ok := err.(*DecodeError); ok {
			de.Tag = tag
			return nil, de
		}
		return nil, &DecodeError{Tag: tag, Reason: err.Error()}
	}
	return e, nil
}

// EncodeChunk concatenates length-prefixed encoded entries.
func EncodeChunk(entries []Entry) ([]byte, error) {
	var out []byte
	for _, e := range entries {
		rec, err := Encode(e)
		if err != nil {
			return nil, err
		}
		out = binary.AppendUvarint(out, uint64(len(rec)))
		out = append(out, rec...)
	}
	return out, nil
}

// DecodeChunk is the inverse of EncodeChunk.
func DecodeChunk(b []byte) ([]Entry, error) {
	var out []Entry
	for len(b) > 0 {
		l, n := binary.Uvarint(b)
		if n <= 0 || uint64(len(b)-n) < l {
			return nil, &DecodeError{Reason: "truncated chunk"}
		}
		e, err := Decode(b[n : n+int(l)])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		b = b[n+int(l):]
	}
	return out, nil
}

type writer struct{ b []byte }

func (w *writer) uint(num protowire.Number, v uint64) {
	if v != 0 {
		w.uintAlways(num, v)
	}
}

func (w *writer) uintAlways(num protowire.Number, v uint64) {
	w.b = protowire.AppendTag(w.b, num, protowire.VarintType)
	w.b = protowire.AppendVarint(w.b, v)
}

func (w *writer) sint(num protowire.Number, v int64) {
	w.uint(num, protowire.EncodeZigZag(v))
}

func (w *writer) float(num protowire.Number, f float64) {
	w.b = protowire.AppendTag(w.b, num, protowire.Fixed64Type)
	w.b = protowire.AppendFixed64(w.b, math.Float64bits(f))
}

func (w *writer) bytes(num protowire.Number, v []byte) {
	if len(v) != 0 {
		w.bytesAlways(num, v)
	}
}

func (w *writer) bytesAlways(num protowire.Number, v []byte) {
	w.b = protowire.AppendTag(w.b, num, protowire.BytesType)
	w.b = protowire.AppendBytes(w.b, v)
}

func (w *writer) str(num protowire.Number, s string) { w.bytes(num, []byte(s)) }

func (w *writer) strs(num protowire.Number, ss []string) {
	for _, s := range ss {
		w.bytesAlways(num, []byte(s))
	}
}

func (w *writer) msg(num protowire.Number, fn func(*writer)) {
	var inner writer
	fn(&inner)
	w.bytesAlways(num, inner.b)
}

func (w *writer) time(num protowire.Number, t time.Time) { w.sint(num, t.UnixMilli()) }

func (w *writer) uuid(num protowire.Number, id uuid.UUID) {
	if id != uuid.Nil {
		w.bytesAlways(num, id[:])
	}
}

func (w *writer) payload(num protowire.Number, p Payload) {
	w.msg(num, func(w *writer) {
		w.bytes(1, p.Inline)
		if p.External != nil {
			ext := p.External
			w.msg(2, func(w *writer) {
				w.bytesAlways(1, ext.PayloadID[:])
				w.bytesAlways(2, ext.MD5[:])
			})
		}
	})
}

func (w *writer) workerID(num protowire.Number, id WorkerID) {
	w.msg(num, func(w *writer) {
		w.uuid(1, id.ComponentID)
		w.str(2, id.Name)
	})
}

func (w *writer) region(num protowire.Number, r Region) {
	w.msg(num, func(w *writer) {
		w.uint(1, uint64(r.Start))
		w.uint(2, uint64(r.End))
	})
}

func (w *writer) keyValues(num protowire.Number, kvs []KeyValue) {
	for _, kv := range kvs {
		w.msg(num, func(w *writer) {
			w.str(1, kv.Key)
			w.str(2, kv.Value)
		})
	}
}

func (w *writer) retryConfig(num protowire.Number, c RetryConfig) {
	w.msg(num, func(w *writer) {
		w.uint(1, uint64(c.MaxAttempts))
		w.uint(2, uint64(c.MinDelay))
		w.uint(3, uint64(c.MaxDelay))
		w.float(4, c.Multiplier)
		if c.MaxJitterFactor != nil {
			w.float(5, *c.MaxJitterFactor)
		}
	})
}

func encodeBody(e Entry) ([]byte, error) {
	w := &writer{}
	w.time(1, e.Timestamp())
	switch e := e.(type) {
	case Create:
		w.workerID(2, e.WorkerID)
		w.uint(3, e.ComponentVersion)
		w.strs(4, e.Args)
		w.keyValues(5, e.Env)
		w.str(6, e.CreatedBy)
		if e.Parent != nil {
			w.workerID(7, *e.Parent)
		}
		w.uint(8, e.ComponentSize)
		w.uint(9, e.InitialTotalLinearMemorySize)
		w.strs(10, e.InitialActivePlugins)
	case ImportedFunctionInvoked:
		w.str(2, e.FunctionName)
		w.payload(3, e.Request)
		w.payload(4, e.Response)
		w.msg(5, func(w *writer) {
			w.uint(1, uint64(e.FunctionType.Kind))
			if e.FunctionType.BatchBegin != nil {
				w.uintAlways(2, uint64(*e.FunctionType.BatchBegin))
			}
		})
	case ExportedFunctionInvoked:
		w.str(2, e.FunctionName)
		w.payload(3, e.Request)
		w.str(4, string(e.IdempotencyKey))
	case ExportedFunctionCompleted:
		w.payload(2, e.Response)
		w.sint(3, e.ConsumedFuel)
	case Error:
		w.msg(2, func(w *writer) {
			w.uint(1, uint64(e.Error.Kind))
			w.str(2, e.Error.Details)
		})
		w.uint(3, uint64(e.RetryFrom))
	case Jump:
		w.region(2, e.Region)
	case ChangeRetryPolicy:
		w.retryConfig(2, e.NewPolicy)
	case EndAtomicRegion:
		w.uint(2, uint64(e.BeginIndex))
	case EndRemoteWrite:
		w.uint(2, uint64(e.BeginIndex))
	case PendingWorkerInvocation:
		inv := e.Invocation
		w.msg(2, func(w *writer) {
			w.uint(1, uint64(inv.Kind))
			w.str(2, string(inv.IdempotencyKey))
			w.str(3, inv.FunctionName)
			w.bytes(4, inv.Input)
			w.uint(5, inv.TargetVersion)
		})
	case PendingUpdate:
		d := e.Description
		w.msg(2, func(w *writer) {
			w.uint(1, uint64(d.Kind))
			w.uint(2, d.TargetVersion)
			w.payload(3, d.Payload)
		})
	case SuccessfulUpdate:
		w.uint(2, e.TargetVersion)
		w.uint(3, e.NewComponentSize)
		w.strs(4, e.NewActivePlugins)
	case FailedUpdate:
		w.uint(2, e.TargetVersion)
		w.str(3, e.Details)
	case GrowMemory:
		w.uint(2, e.Delta)
	case CreateResource:
		w.uint(2, uint64(e.ID))
		w.str(3, e.Owner)
		w.str(4, e.Name)
	case DropResource:
		w.uint(2, uint64(e.ID))
	case DescribeResource:
		w.uint(2, uint64(e.ID))
		w.str(3, e.Name)
		w.strs(4, e.Indexed)
	case Log:
		w.uint(2, uint64(e.Level))
		w.str(3, e.Context)
		w.str(4, e.Message)
	case ActivatePlugin:
		w.str(2, e.Plugin)
	case DeactivatePlugin:
		w.str(2, e.Plugin)
	case Revert:
		w.region(2, e.DroppedRegion)
	case CancelPendingInvocation:
		w.str(2, string(e.IdempotencyKey))
	case StartSpan:
		w.str(2, e.SpanID)
		w.str(3, e.ParentID)
		w.str(4, e.LinkedContext)
		w.keyValues(5, e.Attributes)
	case FinishSpan:
		w.str(2, e.SpanID)
	case SetSpanAttribute:
		w.str(2, e.SpanID)
		w.str(3, e.Key)
		w.str(4, e.Value)
	case ChangePersistenceLevel:
		w.uint(2, uint64(e.Level))
	case CreateAgentInstance:
		w.str(2, e.Key)
		w.bytes(3, e.Parameters)
	case DropAgentInstance:
		w.str(2, e.Key)
	case Suspend, NoOp, Interrupted, Exited, BeginAtomicRegion, BeginRemoteWrite, Restart:
	default:
		return nil, &DecodeError{Tag: e.Kind(), Reason: "unsupported entry type"}
	}
	return w.b, nil
}

type field struct {
	num protowire.Number
	typ protowire.Type
	v   uint64
	b   []byte
}

func (f field) str() string     { return string(f.b) }
func (f field) bytes() []byte   { return append([]byte(nil), f.b...) }
func (f field) sint() int64     { return protowire.DecodeZigZag(f.v) }
func (f field) float() float64  { return math.Float64frombits(f.v) }
func (f field) index() Index    { return Index(f.v) }
func (f field) uint32() uint32  { return uint32(f.v) }
func (f field) time() time.Time { return time.UnixMilli(f.sint()).UTC() }

func (f field) duration() time.Duration { return time.Duration(f.v) }

func (f field) uuid() uuid.UUID {
	u, _ := uuid.FromBytes(f.b)
	return u
}

// readFields visits every field of a protowire message. Callers ignore field
// numbers they do not know.
func readFields(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return &DecodeError{Reason: "malformed tag"}
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.v, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.v = uint64(v)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return &DecodeError{Reason: "truncated field"}
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func readPayload(b []byte) (Payload, error) {
	var p Payload
	err := readFields(b, func(f field) error {
		switch f.num {
		case 1:
			p.Inline = f.bytes()
		case 2:
			ext := &ExternalPayload{}
			if err := readFields(f.b, func(f field) error {
				switch f.num {
				case 1:
					ext.PayloadID = f.uuid()
				case 2:
					copy(ext.MD5[:], f.b)
				}
				return nil
			}); err != nil {
				return err
			}
			p.External = ext
		}
		return nil
	})
	return p, err
}

func readWorkerID(b []byte) (WorkerID, error) {
	var id WorkerID
	err := readFields(b, func(f field) error {
		switch f.num {
		case 1:
			id.ComponentID = f.uuid()
		case 2:
			id.Name = f.str()
		}
		return nil
	})
	return id, err
}

func readRegion(b []byte) (Region, error) {
	var r Region
	err := readFields(b, func(f field) error {
		switch f.num {
		case 1:
			r.Start = f.index()
		case 2:
			r.End = f.index()
		}
		return nil
	})
	return r, err
}

func readKeyValue(b []byte) (KeyValue, error) {
	var kv KeyValue
	err := readFields(b, func(f field) error {
		switch f.num {
		case 1:
			kv.Key = f.str()
		case 2:
			kv.Value = f.str()
		}
		return nil
	})
	return kv, err
}

func readRetryConfig(b []byte) (RetryConfig, error) {
	var c RetryConfig
	err := readFields(b, func(f field) error {
		switch f.num {
		case 1:
			c.MaxAttempts = f.uint32()
		case 2:
			c.MinDelay = f.duration()
		case 3:
			c.MaxDelay = f.duration()
		case 4:
			c.Multiplier = f.float()
		case 5:
			j := f.float()
			c.MaxJitterFactor = &j
		}
		return nil
	})
	return c, err
}

func decodeBody(tag Kind, body []byte) (Entry, error) {
	var (
		stamp Stamp
		visit func(field) error
		build func() Entry
	)
	// field 1 is always the timestamp; visit sees the rest.
	switch tag {
	case KindCreate:
		var e Create
		visit = func(f field) (err error) {
			switch f.num {
			case 2:
				e.WorkerID, err = readWorkerID(f.b)
			case 3:
				e.ComponentVersion = f.v
			case 4:
				e.Args = append(e.Args, f.str())
			case 5:
				var kv KeyValue
				if kv, err = readKeyValue(f.b); err == nil {
					e.Env = append(e.Env, kv)
				}
			case 6:
				e.CreatedBy = f.str()
			case 7:
				var p WorkerID
				if p, err = readWorkerID(f.b); err == nil {
					e.Parent = &p
				}
			case 8:
				e.ComponentSize = f.v
			case 9:
				e.InitialTotalLinearMemorySize = f.v
			case 10:
				e.InitialActivePlugins = append(e.InitialActivePlugins, f.str())
			}
			return err
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindImportedFunctionInvoked:
		var e ImportedFunctionInvoked
		visit = func(f field) (err error) {
			switch f.num {
			case 2:
				e.FunctionName = f.str()
			case 3:
				e.Request, err = readPayload(f.b)
			case 4:
				e.Response, err = readPayload(f.b)
			case 5:
				err = readFields(f.b, func(f field) error {
					switch f.num {
					case 1:
						e.FunctionType.Kind = FunctionKind(f.v)
					case 2:
						idx := f.index()
						e.FunctionType.BatchBegin = &idx
					}
					return nil
				})
			}
			return err
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindExportedFunctionInvoked:
		var e ExportedFunctionInvoked
		visit = func(f field) (err error) {
			switch f.num {
			case 2:
				e.FunctionName = f.str()
			case 3:
				e.Request, err = readPayload(f.b)
			case 4:
				e.IdempotencyKey = IdempotencyKey(f.str())
			}
			return err
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindExportedFunctionCompleted:
		var e ExportedFunctionCompleted
		visit = func(f field) (err error) {
			switch f.num {
			case 2:
				e.Response, err = readPayload(f.b)
			case 3:
				e.ConsumedFuel = f.sint()
			}
			return err
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindError:
		var e Error
		visit = func(f field) error {
			switch f.num {
			case 2:
				return readFields(f.b, func(f field) error {
					switch f.num {
					case 1:
						e.Error.Kind = WorkerErrorKind(f.v)
					case 2:
						e.Error.Details = f.str()
					}
					return nil
				})
			case 3:
				e.RetryFrom = f.index()
			}
			return nil
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindJump:
		var e Jump
		visit = func(f field) (err error) {
			if f.num == 2 {
				e.Region, err = readRegion(f.b)
			}
			return err
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindChangeRetryPolicy:
		var e ChangeRetryPolicy
		visit = func(f field) (err error) {
			if f.num == 2 {
				e.NewPolicy, err = readRetryConfig(f.b)
			}
			return err
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindEndAtomicRegion:
		var e EndAtomicRegion
		visit = func(f field) error {
			if f.num == 2 {
				e.BeginIndex = f.index()
			}
			return nil
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindEndRemoteWrite:
		var e EndRemoteWrite
		visit = func(f field) error {
			if f.num == 2 {
				e.BeginIndex = f.index()
			}
			return nil
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindPendingWorkerInvocation:
		var e PendingWorkerInvocation
		visit = func(f field) error {
			if f.num != 2 {
				return nil
			}
			inv := &e.Invocation
			return readFields(f.b, func(f field) error {
				switch f.num {
				case 1:
					inv.Kind = InvocationKind(f.v)
				case 2:
					inv.IdempotencyKey = IdempotencyKey(f.str())
				case 3:
					inv.FunctionName = f.str()
				case 4:
					inv.Input = f.bytes()
				case 5:
					inv.TargetVersion = f.v
				}
				return nil
			})
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindPendingUpdate:
		var e PendingUpdate
		visit = func(f field) error {
			if f.num != 2 {
				return nil
			}
			d := &e.Description
			return readFields(f.b, func(f field) (err error) {
				switch f.num {
				case 1:
					d.Kind = UpdateKind(f.v)
				case 2:
					d.TargetVersion = f.v
				case 3:
					d.Payload, err = readPayload(f.b)
				}
				return err
			})
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindSuccessfulUpdate:
		var e SuccessfulUpdate
		visit = func(f field) error {
			switch f.num {
			case 2:
				e.TargetVersion = f.v
			case 3:
				e.NewComponentSize = f.v
			case 4:
				e.NewActivePlugins = append(e.NewActivePlugins, f.str())
			}
			return nil
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindFailedUpdate:
		var e FailedUpdate
		visit = func(f field) error {
			switch f.num {
			case 2:
				e.TargetVersion = f.v
			case 3:
				e.Details = f.str()
			}
			return nil
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindGrowMemory:
		var e GrowMemory
		visit = func(f field) error {
			if f.num == 2 {
				e.Delta = f.v
			}
			return nil
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindCreateResource:
		var e CreateResource
		visit = func(f field) error {
			switch f.num {
			case 2:
				e.ID = ResourceID(f.v)
			case 3:
				e.Owner = f.str()
			case 4:
				e.Name = f.str()
			}
			return nil
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindDropResource:
		var e DropResource
		visit = func(f field) error {
			if f.num == 2 {
				e.ID = ResourceID(f.v)
			}
			return nil
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindDescribeResource:
		var e DescribeResource
		visit = func(f field) error {
			switch f.num {
			case 2:
				e.ID = ResourceID(f.v)
			case 3:
				e.Name = f.str()
			case 4:
				e.Indexed = append(e.Indexed, f.str())
			}
			return nil
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindLog:
		var e Log
		visit = func(f field) error {
			switch f.num {
			case 2:
				e.Level = LogLevel(f.v)
			case 3:
				e.Context = f.str()
			case 4:
				e.Message = f.str()
			}
			return nil
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindActivatePlugin:
		var e ActivatePlugin
		visit = func(f field) error {
			if f.num == 2 {
				e.Plugin = f.str()
			}
			return nil
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindDeactivatePlugin:
		var e DeactivatePlugin
		visit = func(f field) error {
			if f.num == 2 {
				e.Plugin = f.str()
			}
			return nil
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindRevert:
		var e Revert
		visit = func(f field) (err error) {
			if f.num == 2 {
				e.DroppedRegion, err = readRegion(f.b)
			}
			return err
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindCancelPendingInvocation:
		var e CancelPendingInvocation
		visit = func(f field) error {
			if f.num == 2 {
				e.IdempotencyKey = IdempotencyKey(f.str())
			}
			return nil
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindStartSpan:
		var e StartSpan
		visit = func(f field) (err error) {
			switch f.num {
			case 2:
				e.SpanID = f.str()
			case 3:
				e.ParentID = f.str()
			case 4:
				e.LinkedContext = f.str()
			case 5:
				var kv KeyValue
				if kv, err = readKeyValue(f.b); err == nil {
					e.Attributes = append(e.Attributes, kv)
				}
			}
			return err
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindFinishSpan:
		var e FinishSpan
		visit = func(f field) error {
			if f.num == 2 {
				e.SpanID = f.str()
			}
			return nil
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindSetSpanAttribute:
		var e SetSpanAttribute
		visit = func(f field) error {
			switch f.num {
			case 2:
				e.SpanID = f.str()
			case 3:
				e.Key = f.str()
			case 4:
				e.Value = f.str()
			}
			return nil
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindChangePersistenceLevel:
		var e ChangePersistenceLevel
		visit = func(f field) error {
			if f.num == 2 {
				e.Level = PersistenceLevel(f.v)
			}
			return nil
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindCreateAgentInstance:
		var e CreateAgentInstance
		visit = func(f field) error {
			switch f.num {
			case 2:
				e.Key = f.str()
			case 3:
				e.Parameters = f.bytes()
			}
			return nil
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindDropAgentInstance:
		var e DropAgentInstance
		visit = func(f field) error {
			if f.num == 2 {
				e.Key = f.str()
			}
			return nil
		}
		build = func() Entry { e.Stamp = stamp; return e }
	case KindSuspend:
		build = func() Entry { return Suspend{stamp} }
	case KindNoOp:
		build = func() Entry { return NoOp{stamp} }
	case KindInterrupted:
		build = func() Entry { return Interrupted{stamp} }
	case KindExited:
		build = func() Entry { return Exited{stamp} }
	case KindBeginAtomicRegion:
		build = func() Entry { return BeginAtomicRegion{stamp} }
	case KindBeginRemoteWrite:
		build = func() Entry { return BeginRemoteWrite{stamp} }
	case KindRestart:
		build = func() Entry { return Restart{stamp} }
	default:
		return nil, &DecodeError{Tag: tag, Reason: "unknown constructor tag"}
	}

	err := readFields(body, func(f field) error {
		if f.num == 1 {
			stamp = Stamp{At: f.time()}
			return nil
		}
		if visit == nil {
			return nil
		}
		return visit(f)
	})
	if err != nil {
		return nil, err
	}
	return build(), nil
}
