package distributed

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/driftline/particle"
)

func sampleParticle() *particle.Particle {
	schema := &particle.SeedSchema{
		Names:      []string{"InitialVelocity", "ParticleDiameter"},
		Components: []int{3, 1},
	}
	p := particle.New(42, 7, 3, r3.Vec{X: 1, Y: 2, Z: 3}, r3.Vec{X: 4, Y: 5, Z: 6}, 2, 0.25)
	p.ParentID = 11
	p.NumberOfSteps = 9
	p.IntegrationTime = 1.5
	p.PrevIntegrationTime = 1.25
	p.UserFlag = -3
	p.ManualShift = true
	p.UserVariables()[0] = 0.5
	p.UserVariables()[1] = -0.5
	p.Prev()[0] = 0.9
	p.Next()[0] = 1.1
	p.Schema = schema
	p.SeedData = [][]float64{{4, 5, 6}, {1e-5}}
	return p
}

func TestParticleRecordRoundTrip(t *testing.T) {
	p := sampleParticle()
	data := EncodeParticle(p)
	require.Len(t, data, recordHeader+24*p.NumberOfVariables()+8*4)

	assert.Equal(t, uint64(7), binary.LittleEndian.Uint64(data[0:8]))
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(data[8:16]))
	assert.Equal(t, uint32(p.NumberOfVariables()), binary.LittleEndian.Uint32(data[24:28]))
	assert.Equal(t, byte(0), data[recordHeader-2])
	assert.Equal(t, byte(1), data[recordHeader-1])

	q, err := DecodeParticle(data, p.Schema)
	require.NoError(t, err)
	assert.Equal(t, p.SeedID, q.SeedID)
	assert.Equal(t, p.ID, q.ID)
	assert.Equal(t, p.ParentID, q.ParentID)
	assert.Equal(t, p.NumberOfSteps, q.NumberOfSteps)
	assert.Equal(t, p.IntegrationTime, q.IntegrationTime)
	assert.Equal(t, p.PrevIntegrationTime, q.PrevIntegrationTime)
	assert.Equal(t, p.UserFlag, q.UserFlag)
	assert.False(t, q.InsertPreviousPosition)
	assert.True(t, q.ManualShift)
	assert.Equal(t, p.Prev(), q.Prev())
	assert.Equal(t, p.Current(), q.Current())
	assert.Equal(t, p.Next(), q.Next())
	assert.Equal(t, p.SeedData, q.SeedData)
	assert.Same(t, p.Schema, q.Schema)
	assert.Equal(t, []float64{4, 5, 6}, q.SeedValue("InitialVelocity"))
	assert.Equal(t, -1, q.LastCell.CellID)
}

func TestParticleRecordShort(t *testing.T) {
	p := sampleParticle()
	data := EncodeParticle(p)

	_, err := DecodeParticle(data[:10], p.Schema)
	assert.ErrorIs(t, err, ErrShortRecord)

	_, err = DecodeParticle(data[:len(data)-8], p.Schema)
	assert.ErrorIs(t, err, ErrShortRecord)

	// a schema with fewer components does not match the record length
	_, err = DecodeParticle(data, &particle.SeedSchema{Names: []string{"a"}, Components: []int{1}})
	assert.ErrorIs(t, err, ErrShortRecord)
}

func TestParticleRecordWithoutSeedData(t *testing.T) {
	p := particle.New(1, 1, 0, r3.Vec{X: 1}, r3.Vec{Y: 1}, 0, 0)
	q, err := DecodeParticle(EncodeParticle(p), &particle.SeedSchema{})
	require.NoError(t, err)
	assert.Equal(t, p.Current(), q.Current())
	assert.Empty(t, q.SeedData)
}

func TestTerminationPairs(t *testing.T) {
	in := map[int64]particle.Termination{
		3:  particle.SurfTerminated,
		-1: particle.OutOfSteps,
		1 << 40: particle.Aborted,
	}
	out := map[int64]particle.Termination{}
	require.NoError(t, decodeTerminations(encodeTerminations(in), out))
	assert.Equal(t, in, out)
	assert.ErrorIs(t, decodeTerminations([]byte{1, 2, 3}, out), ErrShortRecord)
}
