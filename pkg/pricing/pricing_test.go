package pricing

import (
	"testing"

	"github.com/orderforge/ordersvc/pkg/ordermodel"
	"github.com/stretchr/testify/assert"
)

func TestCost_HappyPathSeedScenario(t *testing.T) {
	// Seed scenario 1 from the spec: balance 1000, this pricing vector,
	// 3 uploaded files at 0.2 MB.
	p := Info{
		CPUTimeFactor:           100,
		WallTimeFactor:          5,
		ProcessForkCost:         1000,
		UploadMBFactor:          50,
		UploadFileFactor:        0.5,
		OverdraftSecondsAllowed: 60,
		ErrorOrderCost:          100,
	}
	m := ordermodel.ExecutionMetrics{
		CPUSeconds:      0.1,
		WallSeconds:     0.5,
		ProcessesForked: 2,
		UploadedMB:      0.2,
		UploadedFiles:   3,
	}
	want := 0.1*100 + 0.5*5 + 2*1000 + 0.2*50 + 3*0.5
	assert.InDelta(t, want, Cost(m, p), 1e-9)
}

func TestCost_ZeroMetricsIsZeroCost(t *testing.T) {
	assert.Equal(t, 0.0, Cost(ordermodel.ExecutionMetrics{}, Current()))
}

func TestCurrent_MatchesDocumentedDefaults(t *testing.T) {
	p := Current()
	assert.Equal(t, 100.0, p.CPUTimeFactor)
	assert.Equal(t, 5.0, p.WallTimeFactor)
	assert.Equal(t, 50.0, p.UploadMBFactor)
	assert.Equal(t, 0.5, p.UploadFileFactor)
	assert.Equal(t, 1000.0, p.ProcessForkCost)
	assert.Equal(t, 60.0, p.OverdraftSecondsAllowed)
	assert.Equal(t, 100.0, p.ErrorOrderCost)
}
