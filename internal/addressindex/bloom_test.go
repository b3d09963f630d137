package addressindex

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBloomFilter_AddedKeysAlwaysContained(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	for i := 0; i < 1000; i++ {
		bf.Add(fmt.Sprintf("bitcoin:bc1q%d", i))
	}
	for i := 0; i < 1000; i++ {
		assert.True(t, bf.MayContain(fmt.Sprintf("bitcoin:bc1q%d", i)))
	}
}

func TestBloomFilter_FalsePositiveRateNearTarget(t *testing.T) {
	bf := NewBloomFilter(10_000, 0.01)
	for i := 0; i < 10_000; i++ {
		bf.Add(fmt.Sprintf("member-%d", i))
	}

	falsePositives := 0
	const probes = 10_000
	for i := 0; i < probes; i++ {
		if bf.MayContain(fmt.Sprintf("nonmember-%d", i)) {
			falsePositives++
		}
	}
	// Allow generous headroom over the 1% target.
	assert.Less(t, falsePositives, probes/20)
}

func TestBloomFilter_DegenerateSizes(t *testing.T) {
	bf := NewBloomFilter(0, -1)
	bf.Add("x")
	assert.True(t, bf.MayContain("x"))
	assert.False(t, bf.MayContain("y"))
}
