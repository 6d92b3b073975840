package control

import (
	"context"
	"fmt"

	cerrors "github.com/wudi/ppvctl/internal/errors"
	"github.com/wudi/ppvctl/internal/fabric"
)

// Register names of the PPV dataplane program.
const (
	RegisterFuture    = "future_bins"
	RegisterOld       = "old_bins"
	RegisterThreshold = "minimum_ppv_reg"
)

// BinSet is the future/old register pair of one switch. Both arrays have Len
// cells for the life of the process.
type BinSet struct {
	Future string
	Old    string
	Len    int
}

// NewBinSet returns the bin layout for a used-bins count.
func NewBinSet(usedBins, perGroup int) BinSet {
	return BinSet{Future: RegisterFuture, Old: RegisterOld, Len: usedBins * perGroup}
}

// Reset writes 0 to every cell of both arrays.
func (b BinSet) Reset(ctx context.Context, sw string, regs fabric.Registers) error {
	for i := 0; i < b.Len; i++ {
		if err := regs.WriteRegister(ctx, b.Future, i, 0); err != nil {
			return registerError(err, "write", sw, b.Future, i)
		}
		if err := regs.WriteRegister(ctx, b.Old, i, 0); err != nil {
			return registerError(err, "write", sw, b.Old, i)
		}
	}
	return nil
}

// Rotate moves each future cell into old: read future[i], clear it, then
// write the value read to old[i]. It returns the sum of drained counts.
func (b BinSet) Rotate(ctx context.Context, sw string, regs fabric.Registers) (int64, error) {
	var drained int64
	for i := 0; i < b.Len; i++ {
		v, err := regs.ReadRegister(ctx, b.Future, i)
		if err != nil {
			return drained, registerError(err, "read", sw, b.Future, i)
		}
		if err := regs.WriteRegister(ctx, b.Future, i, 0); err != nil {
			return drained, registerError(err, "write", sw, b.Future, i)
		}
		if err := regs.WriteRegister(ctx, b.Old, i, v); err != nil {
			return drained, registerError(err, "write", sw, b.Old, i)
		}
		drained += v
	}
	return drained, nil
}

// registerError wraps a failed register access as a FabricCommunicationError
// naming switch, register and index.
func registerError(err error, op, sw, reg string, index int) error {
	return cerrors.Fabric(err, op+" register", fmt.Sprintf("%s/%s[%d]", sw, reg, index))
}
