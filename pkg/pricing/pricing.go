// Package pricing holds the pricing vector supervisors and the API consume,
// and the pure cost function applied against it.
package pricing

import "github.com/orderforge/ordersvc/pkg/ordermodel"

// Info is the pricing schedule in effect for a job. The core depends only
// on these fields; any richer pricing surface (storage plans, separate
// user/sys factors, promotional rates) lives outside the core.
type Info struct {
	CPUTimeFactor         float64
	WallTimeFactor        float64
	UploadMBFactor        float64
	UploadFileFactor      float64
	ProcessForkCost       float64
	OverdraftSecondsAllowed float64
	// ErrorOrderCost is the flat charge for an order that never produced a
	// billable metrics snapshot (an AbnormalTermination/VeryAbnormalTermination
	// before the supervise loop ever ticked, as in the Rust original). It is
	// not a term of Cost — a caller billing an error order applies it
	// directly instead of computing Cost against empty metrics.
	ErrorOrderCost        float64
}

// Current returns the pricing vector presently in effect. It is a pure
// function today; a real deployment would source this from a pricing
// service, but the core only ever needs "whatever is current right now".
func Current() Info {
	return Info{
		CPUTimeFactor:           100.0,
		WallTimeFactor:          5.0,
		UploadMBFactor:          50.0,
		UploadFileFactor:        0.5,
		ProcessForkCost:         1000.0,
		OverdraftSecondsAllowed: 60.0,
		ErrorOrderCost:          100.0,
	}
}

// Cost computes the running cost of m under pricing p.
func Cost(m ordermodel.ExecutionMetrics, p Info) float64 {
	return m.CPUSeconds*p.CPUTimeFactor +
		m.WallSeconds*p.WallTimeFactor +
		float64(m.ProcessesForked)*p.ProcessForkCost +
		m.UploadedMB*p.UploadMBFactor +
		float64(m.UploadedFiles)*p.UploadFileFactor
}
