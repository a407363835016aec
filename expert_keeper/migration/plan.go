// Package migration turns a new deployment into the per layer transfers that
// move a running system from its current expert map to the new one.
package migration

import (
	"github.com/kuaishou/open_expert_keeper/expert_keeper/expertmap"
)

// Transfer is one expert moving between two devices. Peer is the destination
// in a send list and the source in a receive list.
type Transfer struct {
	ExpertID int `json:"expert_id"`
	Peer     int `json:"peer"`
}

type LayerPlan struct {
	LayerID   int                `json:"layer_id"`
	SendInfo  map[int][]Transfer `json:"send_info"`
	RecvInfo  map[int][]Transfer `json:"recv_info"`
	ExpertMap expertmap.LayerMap `json:"expert_map"`
	Log2Phy   expertmap.Log2Phy  `json:"log2phy"`
}

// SendsOf returns what rank sends for this layer, nil if nothing.
func (p *LayerPlan) SendsOf(rank int) []Transfer {
	return p.SendInfo[rank]
}

func (p *LayerPlan) RecvsOf(rank int) []Transfer {
	return p.RecvInfo[rank]
}

// MovedExperts counts the expert copies this layer transfers.
func (p *LayerPlan) MovedExperts() int {
	count := 0
	for _, recvs := range p.RecvInfo {
		count += len(recvs)
	}
	return count
}

func (p *LayerPlan) Empty() bool {
	return p.MovedExperts() == 0
}

// PlanQueue holds the layer plans of one cycle, applied one per step.
type PlanQueue struct {
	steps []LayerPlan
}

func MakeQueue(plans ...LayerPlan) *PlanQueue {
	output := &PlanQueue{}
	output.steps = append(output.steps, plans...)
	return output
}

func (q *PlanQueue) Len() int {
	return len(q.steps)
}

func (q *PlanQueue) HasPlan() bool {
	return len(q.steps) > 0
}

func (q *PlanQueue) Peek() *LayerPlan {
	return &q.steps[0]
}

func (q *PlanQueue) Pop() LayerPlan {
	output := q.steps[0]
	q.steps = q.steps[1:]
	return output
}

func (q *PlanQueue) Clear() {
	q.steps = nil
}
