// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// keyserverd is the Mailvelope key server daemon. It serves the HKP and
// REST endpoints and verifies uploaded keys by email.
package main

import (
	"context"
	"os"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/urfave/cli"

	"github.com/mailvelope/keyserver-sub000/config"
	"github.com/mailvelope/keyserver-sub000/hkp"
	"github.com/mailvelope/keyserver-sub000/httpd"
	"github.com/mailvelope/keyserver-sub000/keydb"
	"github.com/mailvelope/keyserver-sub000/keyserver"
	"github.com/mailvelope/keyserver-sub000/log"
	"github.com/mailvelope/keyserver-sub000/mailer"
	"github.com/mailvelope/keyserver-sub000/pgpkey"
	"github.com/mailvelope/keyserver-sub000/release"
	"github.com/mailvelope/keyserver-sub000/restapi"
	"github.com/mailvelope/keyserver-sub000/util"
	"github.com/mailvelope/keyserver-sub000/util/interrupt"
)

const dbName = "keyserver"

func init() {
	cli.VersionPrinter = release.PrintVersion
}

func keyserverdMain() error {
	defer log.Flush()

	app := cli.NewApp()
	app.Name = "keyserverd"
	app.Version = release.Version
	app.Usage = "OpenPGP public key server with email verification"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "load configuration from `FILE`",
		},
	}
	app.Action = func(c *cli.Context) error {
		return serve(c.String("config"))
	}
	return app.Run(os.Args)
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Log.Dir != "" {
		if err := util.CreateDirs(cfg.Log.Dir); err != nil {
			return err
		}
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.Dir, cfg.Log.Console, cfg.SyslogAddr()); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := keydb.Open(ctx, &cfg.Mongo, dbName)
	if err != nil {
		cancel()
		return err
	}
	err = store.CreateIndexes(ctx)
	cancel()
	if err != nil {
		return err
	}

	var policy *pgpkey.Policy
	if cfg.Purify.PurifyKey {
		policy = &pgpkey.Policy{
			MaxNumUserEmail: cfg.Purify.MaxNumUserEmail,
			MaxNumSubkey:    cfg.Purify.MaxNumSubkey,
			MaxNumCert:      cfg.Purify.MaxNumCert,
			MaxSizeUserID:   cfg.Purify.MaxSizeUserID,
			MaxSizePacket:   cfg.Purify.MaxSizePacket,
			MaxSizeKey:      cfg.Purify.MaxSizeKey,
		}
	}
	svc := keyserver.New(pgpkey.NewCodec(policy), store, mailer.New(&cfg.Email), &cfg.PublicKey)

	router := httprouter.New()
	hkp.New(svc).Register(router)
	restapi.New(svc).Register(router)
	srv := httpd.New(&cfg.Server, cfg.Addr(), router)

	interrupt.AddInterruptHandler(func() {
		log.Infof("gracefully shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("keyserverd: shutdown: %s", err)
		}
		if err := store.Close(ctx); err != nil {
			log.Errorf("keyserverd: closing store: %s", err)
		}
	})

	go func() {
		interrupt.ShutdownChannel <- srv.ListenAndServe()
	}()

	return <-interrupt.ShutdownChannel
}

func main() {
	// work around defer not working after os.Exit()
	if err := keyserverdMain(); err != nil {
		util.Fatal(err)
	}
}
