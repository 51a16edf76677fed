// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

// Package dispbench provides a load-generation tool for the dispatch
// daemon.
package main

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/urfave/cli"

	"github.com/modryn/go-dispatch/client"
)

type benchWork struct {
	URL         string
	Username    string
	Password    string
	Concurrency int
}

// connect dials one fresh authenticated session.
func (bench *benchWork) connect(ctx context.Context) (*client.Client, error) {
	c, err := client.Dial(ctx, bench.URL, client.Options{})
	if err != nil {
		return nil, err
	}
	if bench.Username != "" {
		if _, err := c.Call(ctx, "auth.login", bench.Username, bench.Password); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (bench *benchWork) Run(runner func(ctx context.Context, c *client.Client)) error {
	ctx := context.Background()
	wg := sync.WaitGroup{}
	wg.Add(bench.Concurrency)
	errs := make(chan error, bench.Concurrency)
	for i := 0; i < bench.Concurrency; i++ {
		go func() {
			defer wg.Done()
			c, err := bench.connect(ctx)
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			runner(ctx, c)
		}()
	}
	wg.Wait()
	close(errs)
	return <-errs
}

var ping = cli.Command{
	Name:  "ping",
	Usage: "measure round-trip latency",
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "count",
			Value: 1000,
			Usage: "pings per connection",
		},
	},
	Action: func(c *cli.Context) error {
		count := c.Int("count")
		var total int64
		start := time.Now()
		err := bench.Run(func(ctx context.Context, cl *client.Client) {
			for i := 0; i < count; i++ {
				if err := cl.Ping(ctx); err != nil {
					return
				}
				atomic.AddInt64(&total, 1)
			}
		})
		if err != nil {
			return err
		}
		report(total, time.Since(start))
		return nil
	},
}

var call = cli.Command{
	Name:  "call",
	Usage: "flood a method with calls",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "method",
			Value: "core.ping",
			Usage: "dotted method name to call",
		},
		cli.IntFlag{
			Name:  "count",
			Value: 1000,
			Usage: "calls per connection",
		},
	},
	Action: func(c *cli.Context) error {
		method := c.String("method")
		count := c.Int("count")
		var total, failed int64
		start := time.Now()
		err := bench.Run(func(ctx context.Context, cl *client.Client) {
			for i := 0; i < count; i++ {
				if _, err := cl.Call(ctx, method); err != nil {
					atomic.AddInt64(&failed, 1)
				}
				atomic.AddInt64(&total, 1)
			}
		})
		if err != nil {
			return err
		}
		report(total, time.Since(start))
		if failed > 0 {
			fmt.Printf("%d calls failed\n", failed)
		}
		return nil
	},
}

var jobs = cli.Command{
	Name:  "jobs",
	Usage: "submit jobs and wait for their results",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "method",
			Usage: "job-mode method to submit",
		},
		cli.IntFlag{
			Name:  "count",
			Value: 100,
			Usage: "jobs per connection",
		},
	},
	Action: func(c *cli.Context) error {
		method := c.String("method")
		if method == "" {
			return fmt.Errorf("the jobs command requires -method")
		}
		count := c.Int("count")
		var total int64
		start := time.Now()
		err := bench.Run(func(ctx context.Context, cl *client.Client) {
			for i := 0; i < count; i++ {
				if _, err := cl.CallJob(ctx, method); err != nil {
					return
				}
				atomic.AddInt64(&total, 1)
			}
		})
		if err != nil {
			return err
		}
		report(total, time.Since(start))
		return nil
	},
}

func report(total int64, elapsed time.Duration) {
	rate := float64(total) / elapsed.Seconds()
	fmt.Printf("%d operations in %v (%.1f/s)\n", total, elapsed, rate)
}

var bench benchWork

func main() {
	app := cli.NewApp()
	app.Usage = "benchmark the dispatch daemon"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "url",
			Value: "ws://127.0.0.1:6000/websocket",
			Usage: "websocket URL of the daemon",
		},
		cli.StringFlag{
			Name:  "username",
			Usage: "authenticate with this username",
		},
		cli.StringFlag{
			Name:  "password",
			Usage: "authenticate with this password",
		},
		cli.IntFlag{
			Name:  "concurrency",
			Value: runtime.NumCPU(),
			Usage: "run this many connections in parallel",
		},
	}
	app.Commands = []cli.Command{
		ping,
		call,
		jobs,
	}
	app.Before = func(c *cli.Context) error {
		bench.URL = c.String("url")
		bench.Username = c.String("username")
		bench.Password = c.String("password")
		bench.Concurrency = c.Int("concurrency")
		return nil
	}
	app.RunAndExitOnError()
}
