package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"cowkv/engine"
)

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value...>",
		Short: "Store a value",
		Args:  cobra.MinimumNArgs(2),
		RunE: withDB(func(db *engine.DB, args []string) error {
			return db.Put([]byte(args[0]), []byte(strings.Join(args[1:], " ")))
		}),
	}
}

func getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value stored under a key",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = withDB(func(db *engine.DB, args []string) error {
		v, err := db.Get([]byte(args[0]))
		if errors.Is(err, engine.ErrNotFound) {
			fmt.Fprintln(cmd.OutOrStdout(), "NOT FOUND")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(v))
		return nil
	})
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: withDB(func(db *engine.DB, args []string) error {
			return db.Delete([]byte(args[0]))
		}),
	}
}

type scanOptions struct {
	start, end string
	prefix     string
	reverse    bool
	limit      int
}

// bounds turns the options into iterator bounds. A prefix wins over a range.
func (o scanOptions) bounds() (*engine.IterOptions, error) {
	b := &engine.IterOptions{Reverse: o.reverse}
	if o.prefix != "" {
		b.LowerBound = []byte(o.prefix)
		b.UpperBound = prefixEnd([]byte(o.prefix))
		return b, nil
	}
	if o.start != "" && o.end != "" && o.start > o.end {
		return nil, errors.New("invalid key range")
	}
	if o.start != "" {
		b.LowerBound = []byte(o.start)
	}
	if o.end != "" {
		b.UpperBound = []byte(o.end)
		b.UpperInclusive = true
	}
	return b, nil
}

// prefixEnd returns the smallest key above every key with prefix p, or nil
// if there is none.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// scan prints matching entries followed by END.
func scan(w io.Writer, db *engine.DB, o scanOptions) error {
	bounds, err := o.bounds()
	if err != nil {
		return err
	}
	return db.View(func(tx *engine.ReadTx) error {
		it := tx.NewIterator(bounds)
		n := 0
		for it.SeekToFirst(); it.Valid(); it.Next() {
			if o.limit > 0 && n == o.limit {
				break
			}
			v := it.Value()
			if v == nil && it.Err() != nil {
				break
			}
			fmt.Fprintf(w, "%s %s\n", it.Key(), v)
			n++
		}
		if err := it.Err(); err != nil {
			return err
		}
		fmt.Fprintln(w, "END")
		return nil
	})
}

func scanCmd() *cobra.Command {
	var o scanOptions
	cmd := &cobra.Command{
		Use:   "scan [start [end]]",
		Short: "Print keys and values in order",
		Long:  "scan prints every entry from start to end, both inclusive, or every entry under --prefix.",
		Args:  cobra.MaximumNArgs(2),
	}
	cmd.RunE = withDB(func(db *engine.DB, args []string) error {
		if len(args) > 0 {
			o.start = args[0]
		}
		if len(args) > 1 {
			o.end = args[1]
		}
		return scan(cmd.OutOrStdout(), db, o)
	})
	f := cmd.Flags()
	f.StringVarP(&o.prefix, "prefix", "p", "", "only keys with this prefix")
	f.BoolVarP(&o.reverse, "reverse", "r", false, "descending order")
	f.IntVarP(&o.limit, "limit", "n", 0, "stop after this many entries")
	return cmd
}

func count(db *engine.DB, o scanOptions) (uint64, error) {
	bounds, err := o.bounds()
	if err != nil {
		return 0, err
	}
	var n uint64
	err = db.View(func(tx *engine.ReadTx) error {
		var err error
		n, err = tx.CountRange(bounds)
		return err
	})
	return n, err
}

func countCmd() *cobra.Command {
	var o scanOptions
	cmd := &cobra.Command{
		Use:   "count [start [end]]",
		Short: "Count keys, optionally within a range or prefix",
		Args:  cobra.MaximumNArgs(2),
	}
	cmd.RunE = withDB(func(db *engine.DB, args []string) error {
		if len(args) > 0 {
			o.start = args[0]
		}
		if len(args) > 1 {
			o.end = args[1]
		}
		n, err := count(db, o)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	})
	cmd.Flags().StringVarP(&o.prefix, "prefix", "p", "", "only keys with this prefix")
	return cmd
}

func compactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Reclaim unreachable space and retire fragmented segments",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = withDB(func(db *engine.DB, _ []string) error {
		before := db.Stats()
		if err := db.Compact(cmd.Context()); err != nil {
			return err
		}
		after := db.Stats()
		fmt.Fprintf(cmd.OutOrStdout(), "segments %d -> %d, bytes %d -> %d\n",
			before.Segments, after.Segments, before.TotalBytes, after.TotalBytes)
		return nil
	})
	return cmd
}

func printReport(w io.Writer, r engine.Report) {
	fmt.Fprintf(w, "generation  %d\n", r.Generation)
	fmt.Fprintf(w, "keys        %d\n", r.Keys)
	fmt.Fprintf(w, "nodes       %d\n", r.Nodes)
	fmt.Fprintf(w, "blobs       %d (%d references)\n", r.Blobs, r.BlobRefs)
	fmt.Fprintf(w, "segments    %d\n", r.Segments)
	fmt.Fprintf(w, "bytes       %d total, %d reachable, %d free, %d pending\n",
		r.TotalBytes, r.ReachableBytes, r.FreeBytes, r.PendingBytes)
	fmt.Fprintf(w, "leaked      %d bytes in %d ranges\n", r.LeakedBytes, r.LeakedRanges)
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check every reachable record and account for every byte",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = withDB(func(db *engine.DB, _ []string) error {
		r, err := db.Verify(cmd.Context())
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), r)
		return nil
	})
	return cmd
}

func printStats(w io.Writer, s engine.Stats) {
	fmt.Fprintf(w, "store       %s\n", s.StoreID)
	fmt.Fprintf(w, "generation  %d\n", s.Generation)
	fmt.Fprintf(w, "keys        %d\n", s.Keys)
	fmt.Fprintf(w, "segments    %d (active %d)\n", s.Segments, s.ActiveSegment)
	fmt.Fprintf(w, "bytes       %d total, %d free, %d pending\n", s.TotalBytes, s.FreeBytes, s.PendingBytes)
	fmt.Fprintf(w, "root log    %d bytes\n", s.RootLogBytes)
	fmt.Fprintf(w, "readers     %d\n", s.Readers)
	fmt.Fprintf(w, "cache       %d nodes, %d values\n", s.CachedNodes, s.CachedValues)
	fmt.Fprintf(w, "compression %s\n", s.Compression)
	fmt.Fprintf(w, "backend     %s\n", s.Backend)
	fmt.Fprintf(w, "compactions %d\n", s.CompactionRuns)
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print store statistics",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = withDB(func(db *engine.DB, _ []string) error {
		printStats(cmd.OutOrStdout(), db.Stats())
		return nil
	})
	return cmd
}
