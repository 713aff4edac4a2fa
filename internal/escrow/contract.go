package escrow

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Minimal ABI for the marketplace escrow contract. The job id is the
// opaque identifier shared with the off-chain job record; it is kept
// unindexed in events so the reconciler can read it back verbatim
// instead of comparing topic hashes.
const contractABI = `[
	{"type":"function","name":"createEscrow","stateMutability":"payable","inputs":[{"name":"jobId","type":"string"},{"name":"freelancer","type":"address"},{"name":"title","type":"string"}],"outputs":[]},
	{"type":"function","name":"startWork","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"string"}],"outputs":[]},
	{"type":"function","name":"releaseFunds","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"string"}],"outputs":[]},
	{"type":"function","name":"refundClient","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"string"}],"outputs":[]},
	{"type":"function","name":"getEscrow","stateMutability":"view","inputs":[{"name":"jobId","type":"string"}],"outputs":[{"name":"client","type":"address"},{"name":"freelancer","type":"address"},{"name":"amount","type":"uint256"},{"name":"status","type":"uint8"},{"name":"createdAt","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"title","type":"string"},{"name":"exists","type":"bool"}]},
	{"type":"function","name":"escrowExists","stateMutability":"view","inputs":[{"name":"jobId","type":"string"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"getEscrowsByParty","stateMutability":"view","inputs":[{"name":"party","type":"address"}],"outputs":[{"name":"","type":"string[]"}]},
	{"type":"event","name":"EscrowCreated","inputs":[{"name":"jobId","type":"string","indexed":false},{"name":"client","type":"address","indexed":true},{"name":"freelancer","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"title","type":"string","indexed":false}]},
	{"type":"event","name":"FundsReleased","inputs":[{"name":"jobId","type":"string","indexed":false},{"name":"freelancer","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"ClientRefunded","inputs":[{"name":"jobId","type":"string","indexed":false},{"name":"client","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

// Contract event names.
const (
	EventCreated  = "EscrowCreated"
	EventReleased = "FundsReleased"
	EventRefunded = "ClientRefunded"
)

// ContractABI returns the parsed escrow contract ABI.
func ContractABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(contractABI))
}

// onChainEscrow mirrors the getEscrow return tuple.
type onChainEscrow struct {
	Client     common.Address
	Freelancer common.Address
	Amount     *big.Int
	Status     uint8
	CreatedAt  *big.Int
	Deadline   *big.Int
	Title      string
	Exists     bool
}

// toRecord converts the contract tuple to a local record.
func (o *onChainEscrow) toRecord(id string, decimals int, format func(*big.Int, int) string) *Record {
	r := &Record{
		ID:            id,
		Client:        strings.ToLower(o.Client.Hex()),
		Freelancer:    strings.ToLower(o.Freelancer.Hex()),
		AmountBase:    new(big.Int).Set(o.Amount),
		Amount:        format(o.Amount, decimals),
		TokenIdentity: TokenNative,
		Status:        StatusFromContract(o.Status),
		Title:         o.Title,
		Exists:        o.Exists,
	}
	if o.CreatedAt != nil && o.CreatedAt.Sign() > 0 {
		r.CreatedAt = time.Unix(o.CreatedAt.Int64(), 0).UTC()
	}
	if o.Deadline != nil && o.Deadline.Sign() > 0 {
		r.Deadline = time.Unix(o.Deadline.Int64(), 0).UTC()
	}
	return r
}

// unpackEscrow decodes the getEscrow call result.
func unpackEscrow(contractAbi abi.ABI, data []byte) (*onChainEscrow, error) {
	values, err := contractAbi.Unpack("getEscrow", data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getEscrow result: %w", err)
	}
	if len(values) != 8 {
		return nil, fmt.Errorf("unexpected getEscrow result arity %d", len(values))
	}

	out := &onChainEscrow{}
	var ok bool
	if out.Client, ok = values[0].(common.Address); !ok {
		return nil, fmt.Errorf("getEscrow: bad client field")
	}
	if out.Freelancer, ok = values[1].(common.Address); !ok {
		return nil, fmt.Errorf("getEscrow: bad freelancer field")
	}
	if out.Amount, ok = values[2].(*big.Int); !ok {
		return nil, fmt.Errorf("getEscrow: bad amount field")
	}
	if out.Status, ok = values[3].(uint8); !ok {
		return nil, fmt.Errorf("getEscrow: bad status field")
	}
	if out.CreatedAt, ok = values[4].(*big.Int); !ok {
		return nil, fmt.Errorf("getEscrow: bad createdAt field")
	}
	if out.Deadline, ok = values[5].(*big.Int); !ok {
		return nil, fmt.Errorf("getEscrow: bad deadline field")
	}
	if out.Title, ok = values[6].(string); !ok {
		return nil, fmt.Errorf("getEscrow: bad title field")
	}
	if out.Exists, ok = values[7].(bool); !ok {
		return nil, fmt.Errorf("getEscrow: bad exists field")
	}
	return out, nil
}
