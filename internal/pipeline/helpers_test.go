package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"sync/atomic"

	"github.com/nao1215/astrace/internal/ascache"
	"github.com/nao1215/astrace/internal/measurement"
	"github.com/nao1215/astrace/internal/model"
)

var errDown = errors.New("lookup service down")

var (
	publicAddr = netip.MustParseAddr("203.0.113.1")
	destAddr   = netip.MustParseAddr("198.51.100.99")
	r1         = netip.MustParseAddr("10.0.0.1")
	r2         = netip.MustParseAddr("10.0.0.2")
	r3         = netip.MustParseAddr("10.0.0.3")
	unknown1   = netip.MustParseAddr("10.0.9.1")
	unknown2   = netip.MustParseAddr("10.0.9.2")
	broken     = netip.MustParseAddr("10.0.6.6")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCache answers from a fixed table. Addresses in fail always fail;
// addresses missing from the table map to no AS.
type fakeCache struct {
	table map[netip.Addr]int
	fail  map[netip.Addr]bool
	calls atomic.Int64
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		table: map[netip.Addr]int{
			publicAddr: 10,
			r1:         10,
			r2:         20,
			r3:         30,
			destAddr:   30,
		},
		fail: map[netip.Addr]bool{broken: true},
	}
}

func (f *fakeCache) GetMany(_ context.Context, addrs []netip.Addr) (map[netip.Addr][]model.ASInformation, error) {
	f.calls.Add(1)
	out := make(map[netip.Addr][]model.ASInformation, len(addrs))
	var failed []netip.Addr
	for _, a := range addrs {
		if !a.IsValid() {
			continue
		}
		if f.fail[a] {
			failed = append(failed, a)
			continue
		}
		if n, ok := f.table[a]; ok {
			out[a] = []model.ASInformation{{Number: n, Kind: model.KindAS}}
			continue
		}
		out[a] = []model.ASInformation{}
	}
	if len(failed) > 0 {
		return out, &ascache.LookupFailedError{Addresses: failed, Err: errDown}
	}
	return out, nil
}

// fakeRelationships reports every pair as peers.
type fakeRelationships struct {
	calls atomic.Int64
}

func (f *fakeRelationships) Lookup(context.Context, int, int) (model.RelationshipType, error) {
	f.calls.Add(1)
	return model.RelationshipP2P, nil
}

func recv(a netip.Addr) measurement.Response {
	return measurement.Response{State: measurement.StateReceived, Address: a}
}

var silent = measurement.Response{}

// newMeasurement builds a single-algorithm measurement. flows[f][attempt]
// holds the responses of one attempt.
func newMeasurement(flows ...[][]measurement.Response) *measurement.Measurement {
	return &measurement.Measurement{
		Destination:        "example.com",
		DestinationAddress: destAddr,
		PublicAddress:      publicAddr,
		Settings: measurement.Settings{
			Algorithms:      []measurement.Algorithm{measurement.AlgorithmICMP},
			FlowCount:       len(flows),
			AttemptsPerFlow: len(flows[0]),
			MinHops:         1,
			MaxHops:         5,
		},
		Data: [][][][]measurement.Response{flows},
	}
}
