package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gookit/color"
	"github.com/legamerdc/shotpoll/client"
	"github.com/legamerdc/shotpoll/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type probeOptions struct {
	network     string
	addr        string
	count       int
	concurrency int
	header      string
	bodySize    int
	timeout     time.Duration
}

type probeReport struct {
	Addr     string        `json:"addr"`
	Total    int           `json:"total"`
	OK       int           `json:"ok"`
	Mismatch int           `json:"mismatch"`
	Failed   int           `json:"failed"`
	Elapsed  time.Duration `json:"elapsed_ns"`
	P50      time.Duration `json:"p50_ns"`
	Max      time.Duration `json:"max_ns"`
	Errors   []string      `json:"errors,omitempty"`
}

func newProbeCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "send requests to a running server and verify the fixed response",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			o := probeOptions{
				network:     v.GetString("network"),
				addr:        v.GetString("addr"),
				count:       v.GetInt("count"),
				concurrency: v.GetInt("concurrency"),
				header:      v.GetString("header"),
				bodySize:    v.GetInt("body-size"),
				timeout:     v.GetDuration("timeout"),
			}
			rep := runProbe(cmd.Context(), o)
			if asJSON {
				err = writeReportJSON(cmd.OutOrStdout(), rep)
			} else {
				writeReport(cmd.OutOrStdout(), rep)
			}
			if err != nil {
				return err
			}
			if rep.OK != rep.Total {
				return fmt.Errorf("probe: %d of %d requests failed", rep.Total-rep.OK, rep.Total)
			}
			return nil
		},
	}
	def := server.DefaultConfig()
	fs := cmd.Flags()
	fs.String("config", "", "optional config file")
	fs.String("network", "tcp", "dial network")
	fs.String("addr", def.ListenAddress, "server address")
	fs.IntP("count", "n", 1, "number of connections")
	fs.IntP("concurrency", "c", 8, "connections in flight")
	fs.String("header", "Content-Length", "length header spelling")
	fs.Int("body-size", 0, "request body size")
	fs.Duration("timeout", client.DefaultTimeout, "per-request timeout")
	fs.BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func runProbe(ctx context.Context, o probeOptions) probeReport {
	if ctx == nil {
		ctx = context.Background()
	}
	if o.count <= 0 {
		o.count = 1
	}
	if o.concurrency <= 0 {
		o.concurrency = 1
	}
	req := client.Request(o.header, bytes.Repeat([]byte("x"), o.bodySize))

	var (
		mu   sync.Mutex
		rep  = probeReport{Addr: o.addr, Total: o.count}
		lats = make([]time.Duration, 0, o.count)
	)
	start := time.Now()
	g := new(errgroup.Group)
	g.SetLimit(o.concurrency)
	for i := 0; i < o.count; i++ {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, o.timeout)
			defer cancel()
			t0 := time.Now()
			resp, err := client.Do(rctx, o.network, o.addr, req)
			lat := time.Since(t0)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				rep.Failed++
				rep.Errors = appendErr(rep.Errors, err.Error())
			case !bytes.Equal(resp, server.Response):
				rep.Mismatch++
				rep.Errors = appendErr(rep.Errors, fmt.Sprintf("unexpected response %q", resp))
			default:
				rep.OK++
				lats = append(lats, lat)
			}
			return nil
		})
	}
	_ = g.Wait()
	rep.Elapsed = time.Since(start)

	if len(lats) > 0 {
		sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })
		rep.P50 = lats[len(lats)/2]
		rep.Max = lats[len(lats)-1]
	}
	return rep
}

// 只保留前几条不同的错误
func appendErr(errs []string, msg string) []string {
	if len(errs) >= 8 {
		return errs
	}
	for _, e := range errs {
		if e == msg {
			return errs
		}
	}
	return append(errs, msg)
}

func writeReportJSON(w io.Writer, rep probeReport) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func writeReport(w io.Writer, rep probeReport) {
	status := color.Green.Sprint("ok")
	if rep.OK != rep.Total {
		status = color.Red.Sprint("fail")
	}
	fmt.Fprintf(w, "%s %s: %d/%d ok, %d mismatch, %d failed in %s (p50 %s, max %s)\n",
		status, rep.Addr, rep.OK, rep.Total, rep.Mismatch, rep.Failed,
		rep.Elapsed.Round(time.Microsecond), rep.P50.Round(time.Microsecond), rep.Max.Round(time.Microsecond))
	for _, e := range rep.Errors {
		fmt.Fprintf(w, "  %s %s\n", color.Yellow.Sprint("!"), strings.TrimSpace(e))
	}
}
