/*
Copyright 2018-2022 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/mailgun/amari"
	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/mailgun/holster/v4/tracing"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var (
	log                 *logrus.Logger
	configFile, token   string
	guildID, userID     uint64
	weekly              bool
	page, limit         int
	repeat, concurrency int
	timeout, cacheTTL   time.Duration
	reqRate             float64
	quiet               bool
)

func main() {
	log = logrus.StandardLogger()
	flag.StringVar(&configFile, "config", "", "Environment config file")
	flag.StringVar(&token, "token", "", "Amari API token, overrides AMARI_TOKEN")
	flag.Uint64Var(&guildID, "guild", 0, "Guild id")
	flag.Uint64Var(&userID, "user", 0, "User id, for the 'user' command")
	flag.BoolVar(&weekly, "weekly", false, "Use the weekly leaderboard")
	flag.IntVar(&page, "page", 0, "Leaderboard or rewards page")
	flag.IntVar(&limit, "limit", 0, "Entries per page")
	flag.IntVar(&repeat, "repeat", 1, "Number of times to issue the request (default 1)")
	flag.IntVar(&concurrency, "concurrency", 1, "Concurrent requests (default 1)")
	flag.DurationVar(&timeout, "timeout", 90*time.Second, "Request timeout, including time spent waiting on the rate gate")
	flag.DurationVar(&cacheTTL, "cache-ttl", time.Minute, "Response cache TTL, 0 disables the cache")
	flag.Float64Var(&reqRate, "rate", 0, "Request rate overall, 0 = no pacing")
	flag.BoolVar(&quiet, "q", false, "Quiet logging")
	flag.Parse()

	if quiet {
		log.SetLevel(logrus.ErrorLevel)
	}

	command := flag.Arg(0)
	if command == "" || guildID == 0 {
		fmt.Fprintf(os.Stderr, "usage: amari-cli -guild <id> [flags] user|users|leaderboard|full-leaderboard|rewards\n")
		flag.PrintDefaults()
		os.Exit(2)
	}

	// Initialize tracing.
	res, err := tracing.NewResource("amari-cli", "")
	if err != nil {
		log.WithError(err).Fatal("Error in tracing.NewResource")
	}
	ctx := context.Background()
	err = tracing.InitTracing(ctx,
		"github.com/mailgun/amari/cmd/amari-cli",
		tracing.WithResource(res),
	)
	if err != nil {
		log.WithError(err).Warn("Error in tracing.InitTracing")
	}
	defer func() {
		tracing.CloseTracing(context.Background())
	}()

	log.WithContext(ctx).Info("Command line: " + strings.Join(os.Args[1:], " "))

	if token != "" {
		_ = os.Setenv("AMARI_TOKEN", token)
	}
	conf, err := amari.SetupConfig(log, configFile)
	checkErr(err)
	conf.CacheTTL = cacheTTL
	setter.SetDefault(&conf.Logger, log)

	client, err := amari.NewClient(conf)
	checkErr(err)
	defer client.Close()

	var limiter *rate.Limiter
	if reqRate > 0 {
		log.WithField("reqRate", reqRate).Info("")
		limiter = rate.NewLimiter(rate.Limit(reqRate), 1)
	}

	fan := syncutil.NewFanOut(concurrency)
	for i := 0; i < repeat; i++ {
		fan.Run(func(obj interface{}) error {
			n := obj.(int)
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
			}
			return sendRequest(ctx, client, command, n)
		}, i)
	}

	errs := fan.Wait()
	for _, err := range errs {
		log.WithError(err).Error("Request failed")
	}
	if len(errs) != 0 {
		os.Exit(1)
	}
}

func sendRequest(ctx context.Context, client *amari.Client, command string, n int) (err error) {
	ctx = tracing.StartScope(ctx)
	defer func() { tracing.EndScope(ctx, err) }()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := clock.Now()
	var resp interface{}
	switch command {
	case "user":
		resp, err = client.FetchUser(ctx, guildID, userID)
	case "users":
		ids, perr := parseIDs(flag.Args()[1:])
		if perr != nil {
			return perr
		}
		resp, err = client.FetchUsers(ctx, guildID, ids)
	case "leaderboard":
		resp, err = client.FetchLeaderboard(ctx, guildID, amari.LeaderboardOptions{
			Weekly: weekly,
			Page:   page,
			Limit:  limit,
		})
	case "full-leaderboard":
		resp, err = client.FetchFullLeaderboard(ctx, guildID, weekly)
	case "rewards":
		resp, err = client.FetchRewards(ctx, guildID, page, limit)
	default:
		return errors.Errorf("unknown command '%s'", command)
	}
	if err != nil {
		return err
	}

	elapsed := clock.Now().Sub(start)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("request", n),
		attribute.Int64("elapsed_ms", elapsed.Milliseconds()),
	)
	log.WithContext(ctx).WithFields(logrus.Fields{
		"request": n,
		"elapsed": elapsed.String(),
	}).Info("Response received")

	if !quiet {
		log.WithContext(ctx).Info(spew.Sdump(resp))
	}
	return nil
}

func parseIDs(args []string) ([]uint64, error) {
	var ids []uint64
	for _, arg := range args {
		for _, s := range strings.Split(arg, ",") {
			if s == "" {
				continue
			}
			var id uint64
			if _, err := fmt.Sscan(s, &id); err != nil {
				return nil, errors.Errorf("invalid user id '%s'", s)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func checkErr(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
