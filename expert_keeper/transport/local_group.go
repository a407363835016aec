package transport

import (
	"context"
)

// LocalGroup connects ranks living in one process.
type LocalGroup struct {
	peers []*LocalPeer
}

type LocalPeer struct {
	endpoint
	group *LocalGroup
}

func NewLocalGroup(world int) *LocalGroup {
	output := &LocalGroup{}
	for r := 0; r < world; r++ {
		peer := &LocalPeer{group: output}
		peer.endpoint = endpoint{
			rank:  r,
			world: world,
			box:   newMailbox(),
			push:  peer.deliver,
		}
		output.peers = append(output.peers, peer)
	}
	return output
}

func (g *LocalGroup) Peer(rank int) *LocalPeer {
	return g.peers[rank]
}

func (g *LocalGroup) WorldSize() int {
	return len(g.peers)
}

func (p *LocalPeer) deliver(ctx context.Context, dst int, tag Tag, payload []byte) error {
	if err := p.checkPeer(dst); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.group.peers[dst].box.deliver(p.rank, tag, payload)
	return nil
}

// Pending counts messages delivered to this rank and not received yet.
func (p *LocalPeer) Pending() int {
	return p.box.pending()
}
