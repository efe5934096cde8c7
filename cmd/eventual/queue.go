package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hyperengineering/eventual/pkg/offline"
	"github.com/hyperengineering/eventual/pkg/storage"
	"github.com/hyperengineering/eventual/pkg/transport/httptransport"
	"github.com/spf13/cobra"
)

var queueJSONOutput bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay the offline write queue",
	Long:  "List, count, clear or replay the mutations an application deferred while the remote was unreachable.",
}

func init() {
	queueCmd.PersistentFlags().BoolVar(&queueJSONOutput, "json", false,
		"Output in JSON format")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueLengthCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queueFlushCmd)
	queueCmd.AddCommand(queuePollCmd)
}

// openQueue opens the configured storage and transport and returns the queue
// of the configured application. Close the returned function when done.
func openQueue(opts ...offline.Option) (*offline.Queue, func() error, error) {
	store, closeStore, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}

	t, err := httptransport.New(httptransport.Config{
		BaseURL:       cfg.Remote.URL,
		ApplicationID: cfg.App.ID,
		APIKey:        cfg.Remote.APIKey,
		Timeout:       time.Duration(cfg.Remote.Timeout),
	})
	if err != nil {
		_ = closeStore()
		return nil, nil, fmt.Errorf("create transport: %w", err)
	}

	opts = append([]offline.Option{offline.WithKey(storage.Path(cfg.App.ID, offline.DefaultKey))}, opts...)
	q, err := offline.New(store, t, opts...)
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}
	if err := q.Load(context.Background()); err != nil {
		_ = closeStore()
		return nil, nil, fmt.Errorf("load queue: %w", err)
	}
	return q, closeStore, nil
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations in replay order",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

func runQueueList(cmd *cobra.Command, args []string) error {
	q, closeQueue, err := openQueue()
	if err != nil {
		return err
	}
	defer closeQueue()

	items, err := q.GetQueue(cmd.Context())
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}

	if queueJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"items": items,
			"total": len(items),
		})
	}

	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "QUEUE ID\tACTION\tCLASS\tOBJECT\tATTRIBUTES\tQUEUED")
	for _, it := range items {
		attrs := "-"
		if keys := it.Ops.Keys(); len(keys) > 0 {
			attrs = strings.Join(keys, ",")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(it.QueueID),
			it.Action,
			it.Ref.ClassName,
			it.Ref.ID(),
			attrs,
			it.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var queueLengthCmd = &cobra.Command{
	Use:   "length",
	Short: "Print the number of queued mutations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, closeQueue, err := openQueue()
		if err != nil {
			return err
		}
		defer closeQueue()

		n, err := q.Length(cmd.Context())
		if err != nil {
			return fmt.Errorf("read queue: %w", err)
		}
		if queueJSONOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{"length": n})
		}
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	},
}

var clearForce bool

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every queued mutation",
	Long:  "Permanently discard the queued mutations of the application. Requires --force or interactive confirmation.",
	Args:  cobra.NoArgs,
	RunE:  runQueueClear,
}

func init() {
	queueClearCmd.Flags().BoolVar(&clearForce, "force", false,
		"Skip confirmation prompt")
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	q, closeQueue, err := openQueue()
	if err != nil {
		return err
	}
	defer closeQueue()

	n, err := q.Length(cmd.Context())
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}

	// Interactive confirmation unless --force
	if !clearForce && n > 0 {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintf(errOut, "WARNING: This will discard %d queued mutations of application %q.\n", n, cfg.App.ID)
		fmt.Fprint(errOut, "Type the application ID to confirm: ")

		input, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(input) != cfg.App.ID {
			fmt.Fprintln(errOut, "Aborted. Application ID did not match.")
			return nil
		}
	}

	if err := q.Clear(cmd.Context()); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	slog.Info("offline queue cleared", "component", "cli", "key", q.Key(), "discarded", n)

	if queueJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"cleared": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d queued mutations\n", n)
	return nil
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Replay the queue once against the remote",
	Long:  "Send queued mutations in order until the queue is empty or the remote becomes unreachable. Rejected mutations are reported and dropped.",
	Args:  cobra.NoArgs,
	RunE:  runQueueFlush,
}

func runQueueFlush(cmd *cobra.Command, args []string) error {
	var rejected []offline.Item
	q, closeQueue, err := openQueue(offline.WithErrorHandler(func(item offline.Item, err error) {
		rejected = append(rejected, item)
		fmt.Fprintf(cmd.ErrOrStderr(), "rejected %s %s/%s: %v\n",
			item.Action, item.Ref.ClassName, item.Ref.ID(), err)
	}))
	if err != nil {
		return err
	}
	defer closeQueue()

	ctx := cmd.Context()
	before, err := q.Length(ctx)
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}
	drained, err := q.SendQueue(ctx)
	if err != nil {
		return fmt.Errorf("replay queue: %w", err)
	}
	after, err := q.Length(ctx)
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}
	delivered := before - after - len(rejected)

	if queueJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"delivered": delivered,
			"rejected":  len(rejected),
			"remaining": after,
			"drained":   drained,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Delivered %d, rejected %d, remaining %d\n", delivered, len(rejected), after)
	return nil
}
