package lookup

import (
	"github.com/shadowmesh/kaddht/pkg/keyspace"
	"github.com/shadowmesh/kaddht/pkg/routing"
	"github.com/shadowmesh/kaddht/pkg/rpc"
)

func peerFromWire(p rpc.Peer) routing.PeerInfo {
	addrs := make([]string, len(p.Addrs))
	for i, a := range p.Addrs {
		addrs[i] = string(a)
	}
	return routing.PeerInfo{ID: p.ID, Key: keyspace.Hash(p.ID), Addrs: addrs, SignedRecord: p.SignedRecord}
}

func peersFromWire(ps []rpc.Peer) []routing.PeerInfo {
	out := make([]routing.PeerInfo, len(ps))
	for i, p := range ps {
		out[i] = peerFromWire(p)
	}
	return out
}

func addrsToWire(addrs []string) [][]byte {
	out := make([][]byte, len(addrs))
	for i, a := range addrs {
		out[i] = []byte(a)
	}
	return out
}
