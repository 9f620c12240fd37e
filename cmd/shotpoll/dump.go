package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/gookit/color"
	"github.com/legamerdc/shotpoll/internal/capture"
	"github.com/spf13/cobra"
)

func newDumpCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dump FILE",
		Short: "print requests recorded by serve --capture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = dump(cmd.OutOrStdout(), f, limit)
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 256, "max bytes of each request to print (0 prints all)")
	return cmd
}

// dump 逐条打印记录，返回打印的记录数。
func dump(w io.Writer, r io.Reader, limit int) (int, error) {
	cr := capture.NewReader(r)
	n := 0
	for {
		rec, err := cr.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("record %d: %w", n, err)
		}
		n++
		body := bytes.TrimRight(rec.Data, "\x00")
		pad := len(rec.Data) - len(body)
		if limit > 0 && len(body) > limit {
			body = body[:limit]
		}
		fmt.Fprintf(w, "%s %d bytes, %d padding\n",
			color.Cyan.Sprintf("#%d", rec.Key), len(rec.Data), pad)
		fmt.Fprintf(w, "  %s\n", strconv.Quote(string(body)))
	}
}
