// Package lookup implements the DHT's α-parallel iterative closest-peer
// traversal (C5), the shared engine underneath find_peer, put_value,
// get_value, provide, and find_providers (spec.md §4.5).
package lookup

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/shadowmesh/kaddht/pkg/keyspace"
	"github.com/shadowmesh/kaddht/pkg/logging"
	"github.com/shadowmesh/kaddht/pkg/routing"
)

// ErrNoPeersAvailable is returned when the lookup's seed shortlist is
// empty, per spec.md §4.5.2 step 2.
var ErrNoPeersAvailable = errors.New("lookup: no peers available")

// ExitSignal lets a Probe request early termination of the traversal.
type ExitSignal int

const (
	// NoExit: no early-exit condition fired; normal convergence/round-cap
	// rules govern termination.
	NoExit ExitSignal = iota
	// ExitAfterOneMoreWave requests that the engine run exactly one more
	// full wave beyond the one in which this was first returned, then
	// stop regardless of convergence — used by GET_PROVIDERS's "continue
	// for at least one full α-wave after first providers are found"
	// recall rule (spec.md §4.5.3).
	ExitAfterOneMoreWave
	// ExitImmediately stops the traversal as soon as the current wave
	// finishes draining — used by FIND_NODE's "target found" rule.
	ExitImmediately
)

// Probe issues the kind-specific RPC to one peer and reports the peers it
// learned about plus any early-exit request. Kind-specific wrappers
// (FindNode, GetValue, ...) close over their own result accumulator and
// report it through this callback's side effects.
type Probe func(ctx context.Context, p routing.PeerInfo) (closer []routing.PeerInfo, signal ExitSignal, err error)

// Engine runs the shared traversal. One Engine is shared across every
// concurrent lookup; it holds no per-lookup state.
type Engine struct {
	alpha      int
	k          int
	maxRounds  int
	log        *logging.Logger
	onResponse func(responder routing.PeerInfo, closer []routing.PeerInfo)
}

// Config configures an Engine with spec.md §6.3's defaults.
type Config struct {
	Alpha     int // default 3
	K         int // default 20
	MaxRounds int // default 20
	Logger    *logging.Logger
	// OnResponse, if set, is invoked once per successful RPC completion
	// with the peer that responded and the closer_peers it returned, so
	// the caller can admit discovered peers and refresh last_seen on the
	// routing table (spec.md §3, §4.5.2 step 3c, §5's "outbound RPC
	// completion" mutator). lookup itself never touches routing.Table.
	OnResponse func(responder routing.PeerInfo, closer []routing.PeerInfo)
}

func NewEngine(cfg Config) *Engine {
	if cfg.Alpha <= 0 {
		cfg.Alpha = 3
	}
	if cfg.K <= 0 {
		cfg.K = 20
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetDefaultLogger()
	}
	return &Engine{
		alpha:      cfg.Alpha,
		k:          cfg.K,
		maxRounds:  cfg.MaxRounds,
		log:        cfg.Logger.WithField("component", "lookup"),
		onResponse: cfg.OnResponse,
	}
}

// Result is the generic outcome of a Run: the k closest peers actually
// queried, ordered by distance to the target ascending.
type Result struct {
	Queried []routing.PeerInfo
	Rounds  int
}

// Run performs the shared α-parallel traversal of spec.md §4.5.2 toward
// target, seeded from seed (typically routing.Table.FindLocalClosest).
// probe is invoked once per peer selected each wave; its closer-peers
// return value feeds the shortlist, and ExitImmediately stops the traversal
// immediately once any invocation within a wave reports it (the wave
// still drains outstanding probes before Run returns, per the "in-flight
// RPCs are not abandoned" discipline of §4.6's cancellation policy).
func (e *Engine) Run(ctx context.Context, target keyspace.Key, seed []routing.PeerInfo, probe Probe) (Result, error) {
	shortlist := dedupAndSort(seed, target, e.k)
	if len(shortlist) == 0 {
		return Result{}, ErrNoPeersAvailable
	}

	queried := make(map[string]bool)
	var queriedInfo []routing.PeerInfo
	round := 0
	bestKth := kthDistance(shortlist, target, e.k)
	graceWavesLeft := -1 // -1 = ExitAfterOneMoreWave not yet requested

	for {
		wave := selectWave(shortlist, queried, e.alpha)
		if len(wave) == 0 {
			break // all candidates queried
		}

		type outcome struct {
			peer   routing.PeerInfo
			closer []routing.PeerInfo
			signal ExitSignal
		}
		results := make(chan outcome, len(wave))
		var wg sync.WaitGroup
		for _, p := range wave {
			wg.Add(1)
			go func(p routing.PeerInfo) {
				defer wg.Done()
				closer, signal, err := probe(ctx, p)
				if err != nil {
					e.log.Debug("rpc failed during lookup", logging.Fields{"peer": string(p.ID), "error": err.Error()})
					results <- outcome{peer: p}
					return
				}
				if e.onResponse != nil {
					e.onResponse(p, closer)
				}
				results <- outcome{peer: p, closer: closer, signal: signal}
			}(p)
		}
		wg.Wait()
		close(results)

		exitImmediately := false
		sawGraceRequest := false
		for o := range results {
			queried[string(o.peer.ID)] = true
			queriedInfo = append(queriedInfo, o.peer)
			if len(o.closer) > 0 {
				shortlist = dedupAndSort(append(shortlist, o.closer...), target, e.k)
			}
			switch o.signal {
			case ExitImmediately:
				exitImmediately = true
			case ExitAfterOneMoreWave:
				sawGraceRequest = true
			}
		}

		round++
		newKth := kthDistance(shortlist, target, e.k)
		converged := !keyspace.Less(newKth, bestKth)
		bestKth = newKth

		if sawGraceRequest && graceWavesLeft < 0 {
			graceWavesLeft = 1
		}

		if exitImmediately {
			break
		}
		if graceWavesLeft == 0 {
			break // the one extra wave ExitAfterOneMoreWave asked for has now run
		}
		if converged && graceWavesLeft < 0 {
			break
		}
		if round >= e.maxRounds {
			break
		}
		if graceWavesLeft > 0 {
			graceWavesLeft--
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
	}

	return Result{Queried: queriedPeers(queriedInfo, target, e.k), Rounds: round}, nil
}

// selectWave picks up to alpha shortlist entries not yet queried,
// preserving ascending-distance order (shortlist is kept sorted), per
// spec.md §4.5.4's deterministic tie-break.
func selectWave(shortlist []routing.PeerInfo, queried map[string]bool, alpha int) []routing.PeerInfo {
	wave := make([]routing.PeerInfo, 0, alpha)
	for _, p := range shortlist {
		if queried[string(p.ID)] {
			continue
		}
		wave = append(wave, p)
		if len(wave) == alpha {
			break
		}
	}
	return wave
}

// dedupAndSort merges peers into a single ascending-by-distance-to-target
// list, deduplicated by PeerID, truncated to k, with PeerID byte order as
// the tie-break (spec.md §4.5.4).
func dedupAndSort(peers []routing.PeerInfo, target keyspace.Key, k int) []routing.PeerInfo {
	seen := make(map[string]routing.PeerInfo, len(peers))
	order := make([]string, 0, len(peers))
	for _, p := range peers {
		id := string(p.ID)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = p
		order = append(order, id)
	}
	out := make([]routing.PeerInfo, 0, len(order))
	for _, id := range order {
		out = append(out, seen[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		di := keyspace.Distance(target, out[i].Key)
		dj := keyspace.Distance(target, out[j].Key)
		if di == dj {
			return bytes.Compare(out[i].ID, out[j].ID) < 0
		}
		return keyspace.Less(di, dj)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// kthDistance returns the distance-to-target of the k-th best (or the
// worst available, if shortlist has fewer than k entries) shortlist
// entry, for convergence detection.
func kthDistance(shortlist []routing.PeerInfo, target keyspace.Key, k int) keyspace.Key {
	if len(shortlist) == 0 {
		return keyspace.Key{} // zero distance: nothing to converge toward
	}
	idx := k - 1
	if idx >= len(shortlist) {
		idx = len(shortlist) - 1
	}
	return keyspace.Distance(target, shortlist[idx].Key)
}

// queriedPeers returns the k peers closest to target among every peer
// queried during the traversal, including those since pushed out of the
// k-truncated shortlist by closer discoveries.
func queriedPeers(queried []routing.PeerInfo, target keyspace.Key, k int) []routing.PeerInfo {
	return dedupAndSort(queried, target, k)
}
