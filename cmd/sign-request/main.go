// Command sign-request builds and signs a request envelope for
// POST /api/v1/tx.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/xchange/params"
	"github.com/uhyunpark/xchange/pkg/api"
	"github.com/uhyunpark/xchange/pkg/crypto"
)

func main() {
	NewCLI(os.Stdout).Run()
}

// CLI is the Cobra-based command-line interface.
type CLI struct {
	root *cobra.Command
	out  io.Writer
}

type signFlags struct {
	key           string
	action        string
	symbol        string
	token         string
	amount        string
	decimals      int32
	price         string
	priceDecimals int32
	side          string
	ref           uint64
	nonce         uint64
	chainID       int64
	exchange      string
}

func NewCLI(out io.Writer) *CLI {
	cli := &CLI{out: out}
	var f signFlags

	cli.root = &cobra.Command{
		Use:   "sign-request",
		Short: "Sign an exchange request with EIP-712",
		Example: "  sign-request --key $KEY --action limit --symbol BOND --amount 1.5 --decimals 18 " +
			"--price 10 --side buy --nonce 1",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.sign(f)
		},
	}
	cli.root.SetOut(out)

	fl := cli.root.Flags()
	fl.StringVar(&f.key, "key", "", "Hex private key of the signer")
	fl.StringVar(&f.action, "action", "", "propose|approve|deposit|withdraw|limit|market|cancel")
	fl.StringVar(&f.symbol, "symbol", "", "Token symbol")
	fl.StringVar(&f.token, "token", "", "Token contract address (propose)")
	fl.StringVar(&f.amount, "amount", "", "Amount in whole units, scaled by --decimals")
	fl.Int32Var(&f.decimals, "decimals", 0, "Decimals of the amount's token")
	fl.StringVar(&f.price, "price", "", "Limit price, scaled by --price-decimals")
	fl.Int32Var(&f.priceDecimals, "price-decimals", 0, "Decimals of the price")
	fl.StringVar(&f.side, "side", "", "buy|sell")
	fl.Uint64Var(&f.ref, "ref", 0, "Proposal id (approve) or order id (cancel)")
	fl.Uint64Var(&f.nonce, "nonce", 0, "Request nonce, above the owner's last accepted one")
	fl.Int64Var(&f.chainID, "chain-id", params.Default().Exchange.ChainID, "EIP-712 domain chain id")
	fl.StringVar(&f.exchange, "exchange", params.DefaultExchangeAddress.Hex(), "Exchange custody address")
	_ = cli.root.MarkFlagRequired("key")
	_ = cli.root.MarkFlagRequired("action")
	_ = cli.root.MarkFlagRequired("nonce")

	cli.root.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Generate a fresh secp256k1 key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.keygen()
		},
	})
	return cli
}

// Run runs the CLI.
func (cli *CLI) Run() {
	if err := cli.root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (cli *CLI) sign(f signFlags) error {
	key, err := crypto.FromPrivateKeyHex(f.key)
	if err != nil {
		return fmt.Errorf("key: %w", err)
	}
	if !common.IsHexAddress(f.exchange) {
		return fmt.Errorf("exchange: invalid address %q", f.exchange)
	}

	body := api.TxRequest{
		Action: f.action,
		Symbol: f.symbol,
		Token:  f.token,
		Side:   f.side,
		Ref:    f.ref,
		Nonce:  f.nonce,
	}
	if f.amount != "" {
		if body.Amount, err = toBaseUnits(f.amount, f.decimals); err != nil {
			return fmt.Errorf("amount: %w", err)
		}
	}
	if f.price != "" {
		if body.Price, err = toBaseUnits(f.price, f.priceDecimals); err != nil {
			return fmt.Errorf("price: %w", err)
		}
	}

	eip712 := crypto.NewEIP712Signer(crypto.DefaultDomain(f.chainID, common.HexToAddress(f.exchange)))
	signed, err := api.SignTx(eip712, key, body)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cli.out)
	enc.SetIndent("", "  ")
	return enc.Encode(signed)
}

func (cli *CLI) keygen() error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cli.out)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Address    string `json:"address"`
		PrivateKey string `json:"privateKey"`
	}{key.Address().Hex(), key.PrivateKeyHex()})
}
