package normalize

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"poolstream/internal/contract"
	"poolstream/internal/model"
)

// Config configures a Normalizer.
type Config struct {
	// Meta supplies token addresses and decimals for the pool.
	Meta model.PoolMeta
	// EventSignatures maps extra topic0 hashes to known event kinds, for forks
	// that emit an identical payload under a different signature.
	EventSignatures map[string]string
	// Now stamps ObservedAt. Defaults to time.Now.
	Now func() time.Time
}

// Stats counts normalization outcomes.
type Stats struct {
	Normalized uint64
	Unknown    uint64
	Malformed  uint64
}

// Normalizer maps raw pool logs to canonical records using a topic0 decode table.
type Normalizer struct {
	table  map[common.Hash]model.EventKind
	events map[model.EventKind]abi.Event
	meta   model.PoolMeta
	now    func() time.Time

	normalized atomic.Uint64
	unknown    atomic.Uint64
	malformed  atomic.Uint64
}

// New builds a Normalizer from the Algebra pool ABI.
func New(cfg Config) (*Normalizer, error) {
	poolABI, err := contract.PoolABI()
	if err != nil {
		return nil, err
	}

	n := &Normalizer{
		table:  make(map[common.Hash]model.EventKind),
		events: make(map[model.EventKind]abi.Event),
		meta:   cfg.Meta,
		now:    cfg.Now,
	}
	if n.now == nil {
		n.now = time.Now
	}

	for _, kind := range model.LogKinds {
		event, ok := poolABI.Events[kind.String()]
		if !ok {
			return nil, fmt.Errorf("event %s missing from pool abi", kind)
		}
		n.events[kind] = event
		n.table[event.ID] = kind
	}

	for topic0, name := range cfg.EventSignatures {
		kind, err := model.ParseEventKind(name)
		if err != nil || kind == model.KindFeeGrowth {
			return nil, fmt.Errorf("unsupported event name in signature map: %s", name)
		}
		topic0 = strings.TrimSpace(topic0)
		if topic0 == "" {
			continue
		}
		hash := common.HexToHash(topic0)
		n.table[hash] = kind
	}

	return n, nil
}

// Topics returns every topic0 that decodes to one of kinds. An empty kinds selects all.
func (n *Normalizer) Topics(kinds []model.EventKind) []common.Hash {
	wanted := make(map[model.EventKind]bool, len(kinds))
	for _, kind := range kinds {
		wanted[kind] = true
	}
	topics := make([]common.Hash, 0, len(n.table))
	for topic, kind := range n.table {
		if len(wanted) == 0 || wanted[kind] {
			topics = append(topics, topic)
		}
	}
	return topics
}

// Stats returns a snapshot of the counters.
func (n *Normalizer) Stats() Stats {
	return Stats{
		Normalized: n.normalized.Load(),
		Unknown:    n.unknown.Load(),
		Malformed:  n.malformed.Load(),
	}
}

// Normalize converts raw into zero or more canonical records. Unknown events return
// an error matching ErrUnknownEvent; undecodable ones return *MalformedEventError.
// Neither should stop the caller.
func (n *Normalizer) Normalize(raw model.RawEvent) ([]model.CanonicalTransaction, error) {
	if len(raw.Log.Topics) == 0 {
		n.unknown.Add(1)
		return nil, fmt.Errorf("%w: anonymous log at %s", ErrUnknownEvent, raw.Position())
	}
	kind, ok := n.table[raw.Topic0()]
	if !ok {
		n.unknown.Add(1)
		return nil, fmt.Errorf("%w: topic0 %s", ErrUnknownEvent, raw.Topic0().Hex())
	}

	fields, err := n.unpack(kind, raw)
	if err != nil {
		return nil, n.malformedError(raw, kind, err)
	}

	record := n.baseRecord(raw, kind)
	if err := fill(kind, fields, &record); err != nil {
		return nil, n.malformedError(raw, kind, err)
	}
	n.scale(&record)

	records := []model.CanonicalTransaction{record}
	if kind == model.KindSwap && raw.Snapshot != nil {
		records = append(records, n.feeGrowthRecord(raw))
	}

	n.normalized.Add(uint64(len(records)))
	return records, nil
}

func (n *Normalizer) malformedError(raw model.RawEvent, kind model.EventKind, err error) error {
	n.malformed.Add(1)
	return &MalformedEventError{
		Pool:     raw.Log.Address,
		Position: raw.Position(),
		TxHash:   raw.Log.TxHash,
		Kind:     kind,
		Err:      err,
	}
}

func (n *Normalizer) unpack(kind model.EventKind, raw model.RawEvent) (fieldSet, error) {
	event := n.events[kind]
	indexed := indexedArguments(event.Inputs)
	if len(raw.Log.Topics) != len(indexed)+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", len(indexed)+1, len(raw.Log.Topics))
	}

	fields := make(map[string]interface{}, len(event.Inputs))
	if err := abi.ParseTopicsIntoMap(fields, indexed, raw.Log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}
	if err := event.Inputs.UnpackIntoMap(fields, raw.Log.Data); err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	return fields, nil
}

func (n *Normalizer) baseRecord(raw model.RawEvent, kind model.EventKind) model.CanonicalTransaction {
	return model.CanonicalTransaction{
		ChainID:     raw.ChainID,
		Pool:        raw.Log.Address.Hex(),
		Kind:        kind,
		BlockNumber: raw.Log.BlockNumber,
		BlockHash:   raw.Log.BlockHash.Hex(),
		TxHash:      raw.Log.TxHash.Hex(),
		LogIndex:    uint64(raw.Log.Index),
		BlockTime:   raw.BlockTime,
		Participants: model.Participants{
			Token0: n.meta.Token0.Address,
			Token1: n.meta.Token1.Address,
		},
		ObservedAt: n.now().UTC(),
	}
}

func (n *Normalizer) feeGrowthRecord(raw model.RawEvent) model.CanonicalTransaction {
	snapshot := raw.Snapshot
	record := n.baseRecord(raw, model.KindFeeGrowth)
	tick := snapshot.Tick
	fee := snapshot.Fee
	community := snapshot.CommunityFee
	record.Amounts = model.Amounts{
		FeeGrowth0: snapshot.FeeGrowth0,
		FeeGrowth1: snapshot.FeeGrowth1,
		Liquidity:  snapshot.Liquidity,
		Price:      snapshot.Price,
	}
	record.Tick = &tick
	record.Fee = &fee
	record.CommunityFee = &community
	return record
}

func (n *Normalizer) scale(record *model.CanonicalTransaction) {
	var scaled model.Scaled
	if record.Amounts.Amount0 != nil && n.meta.Token0.Known {
		scaled.Amount0 = record.Amounts.Amount0.Scaled(n.meta.Token0.Decimals).String()
	}
	if record.Amounts.Amount1 != nil && n.meta.Token1.Known {
		scaled.Amount1 = record.Amounts.Amount1.Scaled(n.meta.Token1.Decimals).String()
	}
	if scaled.Amount0 != "" || scaled.Amount1 != "" {
		record.Scaled = &scaled
	}
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}
