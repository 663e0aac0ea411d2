package results

import (
	"fmt"

	"github.com/pooledbismuth/bismuth-pool/internal/literal"
	"github.com/pooledbismuth/bismuth-pool/internal/types"
)

// Signer signs reward transactions.
type Signer interface {
	Sign(payload []byte) (string, error)
}

// zeroAmount is the reward transaction amount field; the chain pays the
// block reward on top.
const zeroAmount = "0.00000000"

// SignBlocks builds the single signed mining reward transaction submitted
// alongside result. Only the six-field tuple is signed, over its Python
// repr. The returned rows are ready for literal.TupleList.
func (m *Manager) SignBlocks(signer Signer, publicKeyHashed string, res types.MiningResult) ([][]string, error) {
	ts := fmt.Sprintf("%.2f", types.Unix(m.now()))
	addr := res.Address
	if len(addr) > 56 {
		addr = addr[:56]
	}

	payload := literal.Tuple(ts, addr, addr, zeroAmount, "0", res.Nonce)
	sig, err := signer.Sign([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("sign reward for %s: %w", res.Block, err)
	}

	return [][]string{
		{ts, addr, addr, zeroAmount, sig, publicKeyHashed, "0", res.Nonce},
	}, nil
}
