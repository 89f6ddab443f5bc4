package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var twoPow256 = new(big.Int).Lsh(big.NewInt(1), 256)

// ComputePoolID returns the keccak digest of the abi-encoded pool
// identity tuple (currency0, currency1, fee, tickSpacing, hook). The
// digest is stable across instances and is the primary key for token
// records. Negative tick spacings are encoded as 256-bit two's
// complement, matching on-chain abi.encode.
func ComputePoolID(currency0, currency1 common.Address, fee uint32, tickSpacing int32, hook common.Address) common.Hash {
	var buf [160]byte
	copy(buf[12:32], currency0.Bytes())
	copy(buf[44:64], currency1.Bytes())
	new(big.Int).SetUint64(uint64(fee)).FillBytes(buf[64:96])

	ts := big.NewInt(int64(tickSpacing))
	if ts.Sign() < 0 {
		ts.Add(ts, twoPow256)
	}
	ts.FillBytes(buf[96:128])

	copy(buf[140:160], hook.Bytes())
	return crypto.Keccak256Hash(buf[:])
}
