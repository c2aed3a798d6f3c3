package lookup

import (
	"bytes"
	"context"
	"sync"

	"github.com/shadowmesh/kaddht/pkg/keyspace"
	"github.com/shadowmesh/kaddht/pkg/routing"
	"github.com/shadowmesh/kaddht/pkg/rpc"
	"github.com/shadowmesh/kaddht/pkg/store"
)

// Self describes the local node as it should be announced to peers
// during ADD_PROVIDER and carried as the sender identity of outbound RPCs.
type Self struct {
	ID    []byte
	Addrs []string
}

// asKey treats a content key as a keyspace point directly when it is
// already KeySize bytes, and hashes it otherwise. PeerIDs do not go
// through asKey: FindNode targets SHA-256(PeerID), the same point the
// routing table files a peer under.
func asKey(b []byte) keyspace.Key {
	if len(b) == keyspace.KeySize {
		return keyspace.Key(b)
	}
	return keyspace.Hash(b)
}

// FindNode performs the find_peer(target_peer_id) lookup of spec.md
// §4.5.3. It returns the best known PeerInfo for targetPeerID, or false
// if the lookup terminated without finding it.
func (e *Engine) FindNode(ctx context.Context, client *rpc.Client, seed []routing.PeerInfo, targetPeerID []byte) (routing.PeerInfo, bool, error) {
	target := keyspace.Hash(targetPeerID)

	var mu sync.Mutex
	var found routing.PeerInfo
	foundOK := false

	probe := func(ctx context.Context, p routing.PeerInfo) ([]routing.PeerInfo, ExitSignal, error) {
		wirePeers, err := client.FindNode(ctx, p.ID, addrsToWire(p.Addrs), targetPeerID)
		if err != nil {
			return nil, NoExit, err
		}
		closer := peersFromWire(wirePeers)

		if bytes.Equal(p.ID, targetPeerID) {
			mu.Lock()
			found, foundOK = p, true
			mu.Unlock()
			return closer, ExitImmediately, nil
		}
		for _, c := range closer {
			if bytes.Equal(c.ID, targetPeerID) && len(c.Addrs) > 0 {
				mu.Lock()
				found, foundOK = c, true
				mu.Unlock()
				return closer, ExitImmediately, nil
			}
		}
		return closer, NoExit, nil
	}

	if _, err := e.Run(ctx, target, seed, probe); err != nil {
		return routing.PeerInfo{}, false, err
	}
	return found, foundOK, nil
}

// PutValue performs the base lookup toward SHA-256(key), then sends
// PUT_VALUE to each of the k closest peers found, per spec.md §4.5.3.
// It succeeds if at least one peer accepts the record.
func (e *Engine) PutValue(ctx context.Context, client *rpc.Client, seed []routing.PeerInfo, key []byte, record *rpc.Record) (int, error) {
	target := keyspace.Hash(key)

	probe := func(ctx context.Context, p routing.PeerInfo) ([]routing.PeerInfo, ExitSignal, error) {
		wirePeers, err := client.FindNode(ctx, p.ID, addrsToWire(p.Addrs), key)
		if err != nil {
			return nil, NoExit, err
		}
		return peersFromWire(wirePeers), NoExit, nil
	}
	result, err := e.Run(ctx, target, seed, probe)
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for _, p := range result.Queried {
		wg.Add(1)
		go func(p routing.PeerInfo) {
			defer wg.Done()
			if _, err := client.PutValue(ctx, p.ID, addrsToWire(p.Addrs), key, record); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	if accepted == 0 {
		return 0, ErrNoPeersAvailable
	}
	return accepted, nil
}

// ValueResult is the outcome of a GetValue lookup.
type ValueResult struct {
	Record *rpc.Record
	Found  bool
}

// GetValue performs the base lookup toward SHA-256(key), accumulating
// every valid record seen, then applies the namespace validator's select
// to pick the best one (spec.md §4.5.3). On selection, it asynchronously
// re-PUTs the winner to peers that returned a worse (or no) record — the
// "entry correction" behavior — without ever affecting the caller's
// result or blocking on it. Per spec.md §4.6, once quorum distinct remote
// peers have returned a valid record the lookup stops early and the
// select-best of the records seen so far is returned; if the lookup
// terminates before quorum is reached, the best-known valid record (or
// none) is returned instead. quorum <= 1 disables the early exit, relying
// on the base lookup's own convergence/round-cap termination.
func (e *Engine) GetValue(ctx context.Context, client *rpc.Client, validators *store.ValidatorRegistry, seed []routing.PeerInfo, key []byte, localRecord *rpc.Record, quorum int) (ValueResult, error) {
	target := keyspace.Hash(key)

	var mu sync.Mutex
	var candidates []candidateRecord
	remoteCount := 0
	if localRecord != nil {
		candidates = append(candidates, candidateRecord{record: localRecord})
	}

	validator, verr := validators.For(key)

	probe := func(ctx context.Context, p routing.PeerInfo) ([]routing.PeerInfo, ExitSignal, error) {
		rec, wirePeers, err := client.GetValue(ctx, p.ID, addrsToWire(p.Addrs), key)
		if err != nil {
			return nil, NoExit, err
		}
		closer := peersFromWire(wirePeers)
		if rec != nil && verr == nil {
			if verr := validator.Validate(rec.Key, rec.Value); verr == nil {
				mu.Lock()
				candidates = append(candidates, candidateRecord{peer: p, record: rec})
				remoteCount++
				quorumReached := quorum > 1 && remoteCount >= quorum
				mu.Unlock()
				if quorumReached {
					return closer, ExitImmediately, nil
				}
			}
		}
		return closer, NoExit, nil
	}

	result, err := e.Run(ctx, target, seed, probe)
	if err != nil {
		return ValueResult{}, err
	}
	if len(candidates) == 0 || verr != nil {
		return ValueResult{Found: false}, nil
	}

	values := make([][]byte, len(candidates))
	for i, c := range candidates {
		values[i] = c.record.Value
	}
	best, err := validator.Select(key, values)
	if err != nil {
		return ValueResult{Found: false}, nil
	}
	winner := candidates[best].record

	go correctEntries(client, result.Queried, key, winner, candidates, best)

	return ValueResult{Record: winner, Found: true}, nil
}

// candidateRecord pairs a GET_VALUE response record with the peer that
// returned it (zero-value peer for the local record, if any).
type candidateRecord struct {
	peer   routing.PeerInfo
	record *rpc.Record
}

// correctEntries fire-and-forgets a PUT_VALUE of the winning record to
// every peer that returned a worse record *or no record at all* (spec.md
// §4.5.3's correction rule). It never reports failures back to the
// caller of GetValue.
func correctEntries(client *rpc.Client, queried []routing.PeerInfo, key []byte, winner *rpc.Record, candidates []candidateRecord, best int) {
	responded := make(map[string]bool, len(candidates))
	losers := make(map[string]bool, len(queried))
	for i, c := range candidates {
		if len(c.peer.ID) == 0 {
			continue // the local record, not a network peer to correct
		}
		responded[string(c.peer.ID)] = true
		if i != best {
			losers[string(c.peer.ID)] = true
		}
	}
	for _, p := range queried {
		if !responded[string(p.ID)] {
			losers[string(p.ID)] = true // queried but returned no record
		}
	}
	for _, p := range queried {
		if !losers[string(p.ID)] {
			continue
		}
		_, _ = client.PutValue(context.Background(), p.ID, addrsToWire(p.Addrs), key, winner)
	}
}

// AddProvider performs the base lookup toward content_key, then
// announces self as a provider to each of the k closest peers found, per
// spec.md §4.5.3.
func (e *Engine) AddProvider(ctx context.Context, client *rpc.Client, seed []routing.PeerInfo, contentKey []byte, self Self) (int, error) {
	target := asKey(contentKey)

	probe := func(ctx context.Context, p routing.PeerInfo) ([]routing.PeerInfo, ExitSignal, error) {
		wirePeers, err := client.FindNode(ctx, p.ID, addrsToWire(p.Addrs), contentKey)
		if err != nil {
			return nil, NoExit, err
		}
		return peersFromWire(wirePeers), NoExit, nil
	}
	result, err := e.Run(ctx, target, seed, probe)
	if err != nil {
		return 0, err
	}

	selfWire := rpc.Peer{ID: self.ID, Addrs: addrsToWire(self.Addrs)}
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for _, p := range result.Queried {
		wg.Add(1)
		go func(p routing.PeerInfo) {
			defer wg.Done()
			if err := client.AddProvider(ctx, p.ID, addrsToWire(p.Addrs), contentKey, selfWire); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	if accepted == 0 {
		return 0, ErrNoPeersAvailable
	}
	return accepted, nil
}

// GetProviders performs the lookup toward content_key, accumulating
// provider peers across responses. Per spec.md §4.5.3, once any response
// yields providers the engine continues for at least one more full wave
// before stopping, to improve recall; localProviders are merged in by
// the caller afterward (they are always known, never looked up).
func (e *Engine) GetProviders(ctx context.Context, client *rpc.Client, seed []routing.PeerInfo, contentKey []byte, maxCount int) ([]routing.PeerInfo, error) {
	target := asKey(contentKey)

	var mu sync.Mutex
	var providers []routing.PeerInfo
	seen := make(map[string]bool)

	probe := func(ctx context.Context, p routing.PeerInfo) ([]routing.PeerInfo, ExitSignal, error) {
		wireProviders, wireCloser, err := client.GetProviders(ctx, p.ID, addrsToWire(p.Addrs), contentKey)
		if err != nil {
			return nil, NoExit, err
		}
		signal := NoExit
		if len(wireProviders) > 0 {
			signal = ExitAfterOneMoreWave
			mu.Lock()
			for _, wp := range peersFromWire(wireProviders) {
				id := string(wp.ID)
				if !seen[id] {
					seen[id] = true
					providers = append(providers, wp)
				}
			}
			mu.Unlock()
		}
		return peersFromWire(wireCloser), signal, nil
	}

	if _, err := e.Run(ctx, target, seed, probe); err != nil {
		return nil, err
	}

	if maxCount > 0 && len(providers) > maxCount {
		providers = providers[:maxCount]
	}
	return providers, nil
}
