package chain

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestComputePoolID_Deterministic(t *testing.T) {
	c0 := common.HexToAddress("0x01")
	c1 := common.HexToAddress("0x02")
	hook := common.HexToAddress("0x03")

	a := ComputePoolID(c0, c1, 3000, 60, hook)
	b := ComputePoolID(c0, c1, 3000, 60, hook)
	if a != b {
		t.Error("same tuple must produce the same pool id")
	}
}

func TestComputePoolID_SensitiveToEveryField(t *testing.T) {
	c0 := common.HexToAddress("0x01")
	c1 := common.HexToAddress("0x02")
	hook := common.HexToAddress("0x03")
	base := ComputePoolID(c0, c1, 3000, 60, hook)

	variants := []common.Hash{
		ComputePoolID(common.HexToAddress("0x09"), c1, 3000, 60, hook),
		ComputePoolID(c0, common.HexToAddress("0x09"), 3000, 60, hook),
		ComputePoolID(c0, c1, 500, 60, hook),
		ComputePoolID(c0, c1, 3000, 10, hook),
		ComputePoolID(c0, c1, 3000, 60, common.HexToAddress("0x09")),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collided with base id", i)
		}
	}
}

func TestComputePoolID_NegativeTickSpacing(t *testing.T) {
	c0 := common.HexToAddress("0x01")
	c1 := common.HexToAddress("0x02")
	hook := common.HexToAddress("0x03")

	pos := ComputePoolID(c0, c1, 3000, 60, hook)
	neg := ComputePoolID(c0, c1, 3000, -60, hook)
	if pos == neg {
		t.Error("negative tick spacing must change the digest")
	}
}
