package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/etikalabs/etika/actor"
	"github.com/etikalabs/etika/auction"
	"github.com/etikalabs/etika/cache"
	"github.com/etikalabs/etika/clock"
	"github.com/etikalabs/etika/configuration"
	"github.com/etikalabs/etika/factoring"
	"github.com/etikalabs/etika/ledgermem"
	"github.com/etikalabs/etika/logging"
	"github.com/etikalabs/etika/logo"
	"github.com/etikalabs/etika/marketplace"
	"github.com/etikalabs/etika/natsclient"
	"github.com/etikalabs/etika/pop"
	"github.com/etikalabs/etika/runtime"
	"github.com/etikalabs/etika/stdoutwriter"
	"github.com/etikalabs/etika/storage"
	"github.com/etikalabs/etika/telemetry"
)

const usage = `runs the Etika settlement node validating purchases, factoring payments, sponsorship auctions and the token marketplace`

const (
	defaultBlockInterval = time.Second
	natsTokenEnv         = "ETIKA_NATS_TOKEN"
)

func main() {
	logo.Display()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		pterm.Warning.Println(err.Error())
	}

	var file string
	configurator := func() (configuration.Configuration, error) {
		if file == "" {
			return configuration.Configuration{}, errors.New("please specify configuration file path with -c <path to file>")
		}

		cfg, err := configuration.Read(file)
		if err != nil {
			return cfg, err
		}
		if token, ok := os.LookupEnv(natsTokenEnv); ok {
			cfg.Nats.Token = token
		}
		return cfg, nil
	}

	app := &cli.App{
		Name:  "etika",
		Usage: usage,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Load configuration from `FILE`",
				Destination: &file,
			},
		},
		Action: func(_ *cli.Context) error {
			cfg, err := configurator()
			if err != nil {
				return err
			}
			run(cfg)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		pterm.Error.Println(err.Error())
	}
}

// archiveWithCache mirrors validated transactions in to the hot cache so the
// read path can skip the archive.
type archiveWithCache struct {
	archive *storage.Archive
	mem     *cache.Hippocampus
	log     logging.Helper
}

func (a archiveWithCache) SaveValidatedTransaction(trx pop.Transaction) error {
	if err := a.mem.SaveValidatedTransaction(&trx); err != nil && !errors.Is(err, cache.ErrTrxAlreadyExists) {
		a.log.Warn(fmt.Sprintf("caching validated transaction [ %x ] failed: %s", trx.ID, err))
	}
	return a.archive.SaveValidatedTransaction(trx)
}

func (a archiveWithCache) SaveExpiredTransaction(trx pop.Transaction) error {
	return a.archive.SaveExpiredTransaction(trx)
}

func (a archiveWithCache) SaveAuction(auc auction.Auction) error {
	return a.archive.SaveAuction(auc)
}

func run(cfg configuration.Configuration) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	go func() {
		<-c
		cancel()
	}()

	callbackOnErr := func(err error) {
		fmt.Println("Error with logger: ", err)
	}

	log := logging.New(callbackOnErr, &stdoutwriter.Logger{})

	measurements, err := telemetry.Run(ctx, cancel, cfg.Node.TelemetryPort)
	if err != nil {
		log.Error(err.Error())
		time.Sleep(time.Second)
		c <- os.Interrupt
		return
	}

	db, err := storage.CreateBadgerDB(ctx, cfg.Archive.Path, log, false)
	if err != nil {
		log.Error(err.Error())
		time.Sleep(time.Second)
		c <- os.Interrupt
		return
	}
	defer db.Close()
	archive := storage.NewArchive(db)

	mem, err := cache.New(ctx, log, cfg.Node.CacheMaxEntrySize, cfg.Node.CacheMaxSizeMB)
	if err != nil {
		log.Error(err.Error())
		time.Sleep(time.Second)
		c <- os.Interrupt
		return
	}
	defer mem.Close()

	ldg := ledgermem.New()
	actors := actor.NewRegistry()

	interval := defaultBlockInterval
	if cfg.Node.BlockIntervalMillis > 0 {
		interval = time.Duration(cfg.Node.BlockIntervalMillis) * time.Millisecond
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	consensus, err := pop.New(cfg.Consensus, ticker, actors, ldg, ldg, log)
	if err != nil {
		log.Error(err.Error())
		time.Sleep(time.Second)
		c <- os.Interrupt
		return
	}

	fac, err := factoring.NewEngine(cfg.Factoring, ticker, actors, ldg, log)
	if err != nil {
		log.Error(err.Error())
		time.Sleep(time.Second)
		c <- os.Interrupt
		return
	}

	auctions, err := auction.NewEngine(cfg.Auction, ticker, ldg, log)
	if err != nil {
		log.Error(err.Error())
		time.Sleep(time.Second)
		c <- os.Interrupt
		return
	}

	market, err := marketplace.NewEngine(cfg.Marketplace, ticker, ldg, ldg, log)
	if err != nil {
		log.Error(err.Error())
		time.Sleep(time.Second)
		c <- os.Interrupt
		return
	}

	var pub *natsclient.Publisher
	if cfg.Nats.Address != "" {
		pub, err = natsclient.PublisherConnect(cfg.Nats)
		if err != nil {
			log.Error(err.Error())
			time.Sleep(time.Second)
			c <- os.Interrupt
			return
		}
		defer func() {
			if err := pub.Disconnect(); err != nil {
				log.Error(err.Error())
			}
		}()
	}

	sink := archiveWithCache{archive: archive, mem: mem, log: log}

	var rt *runtime.Runtime
	if pub != nil {
		rt = runtime.New(ticker, consensus, fac, auctions, market, pub, sink, measurements, measurements, log)
	} else {
		rt = runtime.New(ticker, consensus, fac, auctions, market, nil, sink, measurements, measurements, log)
	}
	defer rt.Close()

	log.Info(fmt.Sprintf("node [ %s ] starts at block interval [ %s ]", cfg.Node.Name, interval))
	rt.Run(ctx, ticker)
}
