package main

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/etikalabs/etika/wallet"
)

const usage = `Wallet CLI tool creates a new ed25519 wallet saved in the PEM format and reads the public address of an existing one.
Please use with the best security practices, the PEM file holds the unencrypted private key.`

func main() {
	var pemFile string

	app := &cli.App{
		Name:  "wallet",
		Usage: usage,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "pem",
				Aliases:     []string{"p"},
				Usage:       "Path to the wallet PEM `FILE`",
				Value:       "etika_wallet.pem",
				Destination: &pemFile,
			},
		},
		Commands: []*cli.Command{
			{
				Name:    "new",
				Aliases: []string{"n"},
				Usage:   "Creates new wallet and saves it to the PEM file.",
				Action: func(_ *cli.Context) error {
					w, err := wallet.New()
					if err != nil {
						return err
					}
					if err := w.SaveToPem(pemFile); err != nil {
						return err
					}
					pterm.Info.Println(fmt.Sprintf("wallet saved to [ %s ]", pemFile))
					pterm.Info.Println(fmt.Sprintf("public address: %s", w.Address()))
					return nil
				},
			},
			{
				Name:    "address",
				Aliases: []string{"a"},
				Usage:   "Reads the wallet from the PEM file and prints its public address.",
				Action: func(_ *cli.Context) error {
					w, err := wallet.ReadFromPem(pemFile)
					if err != nil {
						return err
					}
					pterm.Info.Println(fmt.Sprintf("public address: %s", w.Address()))
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		pterm.Error.Println(err.Error())
	}
}
