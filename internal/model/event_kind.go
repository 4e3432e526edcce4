package model

import (
	"fmt"
	"strings"
)

// EventKind identifies the canonical shape of a record.
type EventKind uint8

const (
	KindUnknown EventKind = iota
	KindMint
	KindBurn
	KindSwap
	KindCollect
	KindFlash
	KindInitialize
	KindFee
	KindCommunityFee
	KindLiquidityCooldown
	KindIncentive
	// KindFeeGrowth is derived from a Swap when a state snapshot is available.
	KindFeeGrowth
)

var kindNames = map[EventKind]string{
	KindUnknown:           "Unknown",
	KindMint:              "Mint",
	KindBurn:              "Burn",
	KindSwap:              "Swap",
	KindCollect:           "Collect",
	KindFlash:             "Flash",
	KindInitialize:        "Initialize",
	KindFee:               "Fee",
	KindCommunityFee:      "CommunityFee",
	KindLiquidityCooldown: "LiquidityCooldown",
	KindIncentive:         "Incentive",
	KindFeeGrowth:         "FeeGrowth",
}

// LogKinds lists every kind that maps to an on-chain event.
var LogKinds = []EventKind{
	KindMint,
	KindBurn,
	KindSwap,
	KindCollect,
	KindFlash,
	KindInitialize,
	KindFee,
	KindCommunityFee,
	KindLiquidityCooldown,
	KindIncentive,
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// MarshalText encodes the kind by name.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind by name, case-insensitively.
func (k *EventKind) UnmarshalText(text []byte) error {
	parsed, err := ParseEventKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseEventKind accepts event names such as "swap", "Swap" or "fee-change".
func ParseEventKind(name string) (EventKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.NewReplacer("-", "", "_", "", " ", "").Replace(normalized)
	switch normalized {
	case "mint":
		return KindMint, nil
	case "burn":
		return KindBurn, nil
	case "swap":
		return KindSwap, nil
	case "collect":
		return KindCollect, nil
	case "flash":
		return KindFlash, nil
	case "initialize":
		return KindInitialize, nil
	case "fee", "feechange":
		return KindFee, nil
	case "communityfee", "communityfeechange":
		return KindCommunityFee, nil
	case "liquiditycooldown", "liquiditycooldownchange":
		return KindLiquidityCooldown, nil
	case "incentive":
		return KindIncentive, nil
	case "feegrowth":
		return KindFeeGrowth, nil
	default:
		return KindUnknown, fmt.Errorf("unsupported event kind: %s", name)
	}
}
