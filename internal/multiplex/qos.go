package multiplex

import (
	"sync/atomic"

	"github.com/juju/ratelimit"
)

// Valve rate-limits and counts the DATA payload bytes moving through one or
// more sessions. A single Valve may be shared by every session of a gateway.
type Valve struct {
	// traffic directions are referred to exclusively as rx and tx from the
	// gateway's perspective: rx is peer to gateway, tx is gateway to peer
	rxtb atomic.Value // *ratelimit.Bucket
	txtb atomic.Value // *ratelimit.Bucket

	rx *int64
	tx *int64
}

func MakeValve(rxRate, txRate int64) *Valve {
	var rx, tx int64
	v := &Valve{
		rx: &rx,
		tx: &tx,
	}
	v.SetRxRate(rxRate)
	v.SetTxRate(txRate)
	return v
}

var UNLIMITED_VALVE = MakeValve(1<<63-1, 1<<63-1)

func (v *Valve) SetRxRate(rate int64) { v.rxtb.Store(ratelimit.NewBucketWithRate(float64(rate), rate)) }
func (v *Valve) SetTxRate(rate int64) { v.txtb.Store(ratelimit.NewBucketWithRate(float64(rate), rate)) }
func (v *Valve) rxWait(n int)         { v.rxtb.Load().(*ratelimit.Bucket).Wait(int64(n)) }
func (v *Valve) txWait(n int)         { v.txtb.Load().(*ratelimit.Bucket).Wait(int64(n)) }
func (v *Valve) AddRx(n int64)        { atomic.AddInt64(v.rx, n) }
func (v *Valve) AddTx(n int64)        { atomic.AddInt64(v.tx, n) }
func (v *Valve) GetRx() int64         { return atomic.LoadInt64(v.rx) }
func (v *Valve) GetTx() int64         { return atomic.LoadInt64(v.tx) }
