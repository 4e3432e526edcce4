package normalize

import (
	"fmt"

	"poolstream/internal/contract"
	"poolstream/internal/model"
)

// fieldSet holds decoded event arguments keyed by ABI name.
type fieldSet map[string]interface{}

func (f fieldSet) get(name string) (interface{}, error) {
	v, ok := f[name]
	if !ok {
		return nil, fmt.Errorf("missing field %s", name)
	}
	return v, nil
}

func (f fieldSet) address(name string) (string, error) {
	v, err := f.get(name)
	if err != nil {
		return "", err
	}
	addr, err := contract.AsAddress(v)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return addr.Hex(), nil
}

func (f fieldSet) amount(name string) (*model.Amount, error) {
	v, err := f.get(name)
	if err != nil {
		return nil, err
	}
	n, err := contract.AsBigInt(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return model.NewAmount(n), nil
}

func (f fieldSet) tick(name string) (*int32, error) {
	v, err := f.get(name)
	if err != nil {
		return nil, err
	}
	tick, err := contract.Int24(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &tick, nil
}

func (f fieldSet) uint(name string, bits uint) (uint64, error) {
	v, err := f.get(name)
	if err != nil {
		return 0, err
	}
	n, err := contract.AsUint(v, bits)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

// fill copies the kind-specific fields into record.
func fill(kind model.EventKind, f fieldSet, record *model.CanonicalTransaction) error {
	var err error
	p := &record.Participants
	a := &record.Amounts

	switch kind {
	case model.KindSwap:
		if p.Sender, err = f.address("sender"); err != nil {
			return err
		}
		if p.Recipient, err = f.address("recipient"); err != nil {
			return err
		}
		if a.Amount0, err = f.amount("amount0"); err != nil {
			return err
		}
		if a.Amount1, err = f.amount("amount1"); err != nil {
			return err
		}
		if a.Price, err = f.amount("price"); err != nil {
			return err
		}
		if a.Liquidity, err = f.amount("liquidity"); err != nil {
			return err
		}
		record.Tick, err = f.tick("tick")
		return err

	case model.KindMint:
		if p.Sender, err = f.address("sender"); err != nil {
			return err
		}
		fallthrough
	case model.KindBurn:
		if p.Owner, err = f.address("owner"); err != nil {
			return err
		}
		if record.TickLower, err = f.tick("bottomTick"); err != nil {
			return err
		}
		if record.TickUpper, err = f.tick("topTick"); err != nil {
			return err
		}
		if a.Liquidity, err = f.amount("liquidityAmount"); err != nil {
			return err
		}
		if a.Amount0, err = f.amount("amount0"); err != nil {
			return err
		}
		a.Amount1, err = f.amount("amount1")
		return err

	case model.KindCollect:
		if p.Owner, err = f.address("owner"); err != nil {
			return err
		}
		if p.Recipient, err = f.address("recipient"); err != nil {
			return err
		}
		if record.TickLower, err = f.tick("bottomTick"); err != nil {
			return err
		}
		if record.TickUpper, err = f.tick("topTick"); err != nil {
			return err
		}
		if a.Amount0, err = f.amount("amount0"); err != nil {
			return err
		}
		a.Amount1, err = f.amount("amount1")
		return err

	case model.KindFlash:
		if p.Sender, err = f.address("sender"); err != nil {
			return err
		}
		if p.Recipient, err = f.address("recipient"); err != nil {
			return err
		}
		if a.Amount0, err = f.amount("amount0"); err != nil {
			return err
		}
		if a.Amount1, err = f.amount("amount1"); err != nil {
			return err
		}
		if a.Paid0, err = f.amount("paid0"); err != nil {
			return err
		}
		a.Paid1, err = f.amount("paid1")
		return err

	case model.KindInitialize:
		if a.Price, err = f.amount("price"); err != nil {
			return err
		}
		record.Tick, err = f.tick("tick")
		return err

	case model.KindFee:
		fee, err := f.uint("fee", 16)
		if err != nil {
			return err
		}
		v := uint32(fee)
		record.Fee = &v
		return nil

	case model.KindCommunityFee:
		fee0, err := f.uint("communityFee0New", 8)
		if err != nil {
			return err
		}
		fee1, err := f.uint("communityFee1New", 8)
		if err != nil {
			return err
		}
		record.CommunityFee = &[2]uint8{uint8(fee0), uint8(fee1)}
		return nil

	case model.KindLiquidityCooldown:
		cooldown, err := f.uint("liquidityCooldown", 32)
		if err != nil {
			return err
		}
		v := uint32(cooldown)
		record.Cooldown = &v
		return nil

	case model.KindIncentive:
		p.VirtualPool, err = f.address("virtualPoolAddress")
		return err

	default:
		return fmt.Errorf("no canonical shape for %s", kind)
	}
}
