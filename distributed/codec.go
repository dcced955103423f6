package distributed

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pthm-cable/driftline/particle"
)

// recordHeader is the size of the fixed part of a particle record.
const recordHeader = 8 + 8 + 8 + 4 + 8 + 8 + 8 + 4 + 1 + 1

// EncodeParticle serializes p into a little-endian record: ids, counters,
// flags, the three state buffers interleaved per variable, then the seed
// data in schema order.
func EncodeParticle(p *particle.Particle) []byte {
	n := p.NumberOfVariables()
	buf := make([]byte, 0, recordHeader+24*n+8*p.Schema.TotalComponents())

	le := binary.LittleEndian
	buf = le.AppendUint64(buf, uint64(p.SeedID))
	buf = le.AppendUint64(buf, uint64(p.ID))
	buf = le.AppendUint64(buf, uint64(p.ParentID))
	buf = le.AppendUint32(buf, uint32(n))
	buf = le.AppendUint64(buf, uint64(p.NumberOfSteps))
	buf = le.AppendUint64(buf, math.Float64bits(p.IntegrationTime))
	buf = le.AppendUint64(buf, math.Float64bits(p.PrevIntegrationTime))
	buf = le.AppendUint32(buf, uint32(p.UserFlag))
	buf = appendBool(buf, p.InsertPreviousPosition)
	buf = appendBool(buf, p.ManualShift)

	prev, cur, next := p.Prev(), p.Current(), p.Next()
	for i := range n {
		buf = le.AppendUint64(buf, math.Float64bits(prev[i]))
		buf = le.AppendUint64(buf, math.Float64bits(cur[i]))
		buf = le.AppendUint64(buf, math.Float64bits(next[i]))
	}
	for _, vals := range p.SeedData {
		for _, v := range vals {
			buf = le.AppendUint64(buf, math.Float64bits(v))
		}
	}
	return buf
}

func appendBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// DecodeParticle reads a record written by EncodeParticle. The seed data
// is split according to schema, which must match the sender's.
func DecodeParticle(data []byte, schema *particle.SeedSchema) (*particle.Particle, error) {
	r := reader{data: data}
	seedID := r.int64()
	id := r.int64()
	parentID := r.int64()
	n := int(r.int32())
	steps := r.int64()
	itime := r.float64()
	prevTime := r.float64()
	flag := r.int32()
	insertPrev := r.bool()
	manualShift := r.bool()
	if r.short {
		return nil, fmt.Errorf("%w: header of %d bytes", ErrShortRecord, len(data))
	}
	if n < particle.BaseVariables+1 {
		return nil, fmt.Errorf("distributed: record with %d variables", n)
	}
	want := recordHeader + 24*n + 8*schema.TotalComponents()
	if len(data) != want {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrShortRecord, len(data), want)
	}

	prev := make([]float64, n)
	cur := make([]float64, n)
	next := make([]float64, n)
	for i := range n {
		prev[i] = r.float64()
		cur[i] = r.float64()
		next[i] = r.float64()
	}

	p := particle.FromBuffers(prev, cur, next)
	p.SeedID = seedID
	p.ID = id
	p.ParentID = parentID
	p.NumberOfSteps = steps
	p.IntegrationTime = itime
	p.PrevIntegrationTime = prevTime
	p.UserFlag = flag
	p.InsertPreviousPosition = insertPrev
	p.ManualShift = manualShift
	p.Schema = schema
	p.SeedArrayTupleIndex = -1
	p.SeedData = make([][]float64, schema.Len())
	for j := range p.SeedData {
		vals := make([]float64, schema.Components[j])
		for k := range vals {
			vals[k] = r.float64()
		}
		p.SeedData[j] = vals
	}
	return p, nil
}

type reader struct {
	data  []byte
	off   int
	short bool
}

func (r *reader) next(n int) []byte {
	if r.off+n > len(r.data) {
		r.short = true
		return make([]byte, n)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) int64() int64     { return int64(binary.LittleEndian.Uint64(r.next(8))) }
func (r *reader) int32() int32     { return int32(binary.LittleEndian.Uint32(r.next(4))) }
func (r *reader) float64() float64 { return math.Float64frombits(binary.LittleEndian.Uint64(r.next(8))) }
func (r *reader) bool() bool       { return r.next(1)[0] != 0 }

func encodeBox(b [6]float64) []byte {
	buf := make([]byte, 0, 48)
	for _, v := range b {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return buf
}

func decodeBox(data []byte) ([6]float64, error) {
	var b [6]float64
	if len(data) != 48 {
		return b, fmt.Errorf("%w: box of %d bytes", ErrShortRecord, len(data))
	}
	r := reader{data: data}
	for i := range b {
		b[i] = r.float64()
	}
	return b, nil
}

func encodeInt64(v int64) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(v))
}

func decodeInt64(data []byte) (int64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: count of %d bytes", ErrShortRecord, len(data))
	}
	return int64(binary.LittleEndian.Uint64(data)), nil
}

// encodeTerminations packs (id, code) pairs.
func encodeTerminations(codes map[int64]particle.Termination) []byte {
	buf := make([]byte, 0, 12*len(codes))
	for id, t := range codes {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(t))
	}
	return buf
}

func decodeTerminations(data []byte, into map[int64]particle.Termination) error {
	if len(data)%12 != 0 {
		return fmt.Errorf("%w: terminations of %d bytes", ErrShortRecord, len(data))
	}
	r := reader{data: data}
	for range len(data) / 12 {
		id := r.int64()
		into[id] = particle.Termination(r.int32())
	}
	return nil
}
