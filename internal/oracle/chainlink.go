package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictpool/internal/domain"
)

// AggregatorABI is the subset of Chainlink's AggregatorV3Interface the feed
// reads.
const AggregatorABI = `[
	{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"latestRoundData","outputs":[
		{"name":"roundId","type":"uint80"},
		{"name":"answer","type":"int256"},
		{"name":"startedAt","type":"uint256"},
		{"name":"updatedAt","type":"uint256"},
		{"name":"answeredInRound","type":"uint80"}
	],"stateMutability":"view","type":"function"}
]`

// ChainlinkFeed resolves markets against Chainlink price aggregators. The
// source reference is the aggregator contract address.
type ChainlinkFeed struct {
	caller ethereum.ContractCaller
	abi    abi.ABI
	logger *slog.Logger
}

// NewChainlinkFeed creates a feed that reads through caller.
func NewChainlinkFeed(caller ethereum.ContractCaller, logger *slog.Logger) (*ChainlinkFeed, error) {
	parsed, err := abi.JSON(strings.NewReader(AggregatorABI))
	if err != nil {
		return nil, fmt.Errorf("oracle/chainlink: parse abi: %w", err)
	}
	return &ChainlinkFeed{
		caller: caller,
		abi:    parsed,
		logger: logger.With(slog.String("component", "oracle_chainlink")),
	}, nil
}

// DialChainlink connects to an EVM JSON-RPC endpoint. The returned function
// closes the connection.
func DialChainlink(ctx context.Context, rpcURL string, logger *slog.Logger) (*ChainlinkFeed, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("oracle/chainlink: dial rpc: %w", err)
	}
	feed, err := NewChainlinkFeed(client, logger)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return feed, client.Close, nil
}

func (c *ChainlinkFeed) Name() string { return "chainlink" }

// ValidateRef requires a hex contract address.
func (c *ChainlinkFeed) ValidateRef(ref string) error {
	if !common.IsHexAddress(ref) {
		return fmt.Errorf("oracle/chainlink: %q is not a contract address", ref)
	}
	return nil
}

type roundData struct {
	Address   string    `json:"address"`
	RoundID   string    `json:"round_id"`
	Answer    string    `json:"answer"`
	Decimals  uint8     `json:"decimals"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Query reads the latest round and applies the market's condition. A round
// last updated before the market expired leaves the outcome empty.
func (c *ChainlinkFeed) Query(ctx context.Context, m domain.Market) (domain.OracleResult, error) {
	_, ref, err := SplitSource(m.OracleSource)
	if err != nil {
		return domain.OracleResult{}, err
	}
	if err := c.ValidateRef(ref); err != nil {
		return domain.OracleResult{}, err
	}
	cond, err := ParseCondition(m.OracleCondition)
	if err != nil {
		return domain.OracleResult{}, err
	}
	addr := common.HexToAddress(ref)

	dec, err := c.call(ctx, addr, "decimals")
	if err != nil {
		return domain.OracleResult{}, err
	}
	round, err := c.call(ctx, addr, "latestRoundData")
	if err != nil {
		return domain.OracleResult{}, err
	}
	decimals, ok := dec[0].(uint8)
	if !ok || len(round) != 5 {
		return domain.OracleResult{}, fmt.Errorf("oracle/chainlink: unexpected return types from %s", addr.Hex())
	}
	roundID, _ := round[0].(*big.Int)
	answer, _ := round[1].(*big.Int)
	updated, _ := round[3].(*big.Int)
	if roundID == nil || answer == nil || updated == nil {
		return domain.OracleResult{}, fmt.Errorf("oracle/chainlink: unexpected round data from %s", addr.Hex())
	}

	value := decimal.NewFromBigInt(answer, -int32(decimals))
	rd := roundData{
		Address:   addr.Hex(),
		RoundID:   roundID.String(),
		Answer:    answer.String(),
		Decimals:  decimals,
		Value:     value.String(),
		UpdatedAt: time.Unix(updated.Int64(), 0).UTC(),
	}
	raw, err := json.Marshal(rd)
	if err != nil {
		return domain.OracleResult{}, fmt.Errorf("oracle/chainlink: marshal round: %w", err)
	}
	res := domain.OracleResult{Raw: raw}

	if rd.UpdatedAt.Before(m.ExpiresAt) {
		c.logger.WarnContext(ctx, "aggregator round predates market expiry",
			slog.String("market_id", m.ID),
			slog.String("round_id", rd.RoundID),
			slog.Time("updated_at", rd.UpdatedAt),
		)
		return res, nil
	}
	res.Outcome = cond.Outcome(value)
	return res, nil
}

func (c *ChainlinkFeed) call(ctx context.Context, addr common.Address, method string) ([]interface{}, error) {
	data, err := c.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("oracle/chainlink: pack %s: %w", method, err)
	}
	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle/chainlink: call %s on %s: %w", method, addr.Hex(), err)
	}
	vals, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("oracle/chainlink: unpack %s: %w", method, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("oracle/chainlink: %s returned nothing", method)
	}
	return vals, nil
}

var _ Source = (*ChainlinkFeed)(nil)
