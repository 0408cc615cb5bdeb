package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"text/tabwriter"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/311labs/taskqueue/internal/bootstrap"
	"github.com/311labs/taskqueue/internal/domain"
	"github.com/311labs/taskqueue/internal/queue"
	redisstore "github.com/311labs/taskqueue/internal/redis"
)

// client is what the operator commands need: a service over the configured
// store and transport, plus Redis when one is configured.
type client struct {
	svc   *queue.Service
	redis *goredis.Client
	close func()
}

func openClient(ctx context.Context) (*client, error) {
	logger := buildLogger(viper.GetString("log_level"))

	var rc *goredis.Client
	if addr := viper.GetString("redis_addr"); addr != "" {
		rc = redisstore.NewClient(addr)
	}
	closeRedis := func() {
		if rc != nil {
			_ = rc.Close()
		}
	}

	repo, closeStore, err := bootstrap.Store(ctx, viper.GetString("store"), viper.GetString("postgres_dsn"), logger)
	if err != nil {
		closeRedis()
		return nil, err
	}
	transport, err := bootstrap.Transport(viper.GetString("transport"), rc,
		viper.GetString("kafka_brokers"), "manager-cli-"+strconv.Itoa(os.Getpid()), logger)
	if err != nil {
		closeStore()
		closeRedis()
		return nil, err
	}
	return &client{
		svc:   queue.NewService(repo, transport, queue.WithLogger(logger)),
		redis: rc,
		close: func() {
			_ = transport.Close()
			closeStore()
			closeRedis()
		},
	}, nil
}

var publishCmd = &cobra.Command{
	Use:   "publish NAMESPACE FUNCTION",
	Short: "Publish a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer c.close()

		f := cmd.Flags()
		payload, _ := f.GetString("payload")
		channel, _ := f.GetString("channel")
		staleAfter, _ := f.GetDuration("stale-after")
		delay, _ := f.GetDuration("delay")

		req := queue.PublishRequest{
			Namespace:    args[0],
			FunctionName: args[1],
			Channel:      channel,
			StaleAfter:   staleAfter,
		}
		if payload != "" {
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("--payload is not valid JSON")
			}
			req.Payload = json.RawMessage(payload)
		}
		if delay > 0 {
			at := time.Now().UTC().Add(delay)
			req.ScheduledFor = &at
		}

		task, err := c.svc.Publish(ctx, req)
		if task != nil {
			fmt.Printf("task %d %s on %s\n", task.ID, task.State, task.Channel)
		}
		return err
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task id %q", args[0])
		}
		reason, _ := cmd.Flags().GetString("reason")

		c, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.close()

		task, err := c.svc.Cancel(cmd.Context(), id, reason)
		if err != nil {
			return err
		}
		if task.CancelRequested && task.State == domain.StateStarted {
			fmt.Printf("task %d is running, cancel requested\n", task.ID)
			return nil
		}
		fmt.Printf("task %d %s\n", task.ID, task.State)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry ID",
	Short: "Move a deferred task back to scheduled and announce it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task id %q", args[0])
		}
		c, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.close()

		task, err := c.svc.Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		if err := c.svc.RetryNow(cmd.Context(), task); err != nil {
			return err
		}
		fmt.Printf("task %d %s\n", task.ID, task.State)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Ask every manager to drain and restart",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.close()

		if err := c.svc.RestartEngine(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("restart requested")
		return nil
	},
}

// statusReport is what status prints.
type statusReport struct {
	States   map[string]int             `json:"states" yaml:"states"`
	Waiting  map[string]int             `json:"waiting,omitempty" yaml:"waiting,omitempty"`
	Managers []redisstore.ManagerStatus `json:"managers,omitempty" yaml:"managers,omitempty"`
}

var allStates = []domain.State{
	domain.StateScheduled, domain.StateStarted, domain.StateRetry,
	domain.StateCompleted, domain.StateFailed, domain.StateCanceled,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task counts and live managers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		output, _ := cmd.Flags().GetString("output")
		switch output {
		case "table", "json", "yaml":
		default:
			return fmt.Errorf("unknown --output %q (want table, json or yaml)", output)
		}

		c, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer c.close()
		repo := c.svc.Repository()

		report := statusReport{States: make(map[string]int, len(allStates))}
		for _, st := range allStates {
			n, err := repo.Count(ctx, domain.TaskFilter{States: []domain.State{st}})
			if err != nil {
				return err
			}
			report.States[st.String()] = n
		}
		report.Waiting, err = repo.CountByChannel(ctx, domain.TaskFilter{States: []domain.State{domain.StateScheduled}})
		if err != nil {
			return err
		}
		if c.redis != nil {
			report.Managers, err = redisstore.NewManagerRegistry(c.redis).List(ctx)
			if err != nil {
				return err
			}
		}

		switch output {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(report); err != nil {
				return err
			}
			return enc.Close()
		}
		return printStatus(report)
	},
}

func printStatus(r statusReport) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tTASKS")
	for _, st := range allStates {
		fmt.Fprintf(w, "%s\t%d\n", st, r.States[st.String()])
	}

	if len(r.Waiting) > 0 {
		channels := make([]string, 0, len(r.Waiting))
		for ch := range r.Waiting {
			channels = append(channels, ch)
		}
		slices.Sort(channels)
		fmt.Fprintln(w, "\nCHANNEL\tSCHEDULED")
		for _, ch := range channels {
			fmt.Fprintf(w, "%s\t%d\n", ch, r.Waiting[ch])
		}
	}

	if r.Managers != nil {
		fmt.Fprintln(w, "\nMANAGER\tHOST\tRUNNING\tPENDING\tLIMIT\tSEEN")
		for _, m := range r.Managers {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
				m.ID, m.Hostname, m.Running, m.Pending, m.Limit, m.SeenAt.Format(time.RFC3339))
		}
	}
	return w.Flush()
}

func init() {
	publishCmd.Flags().String("payload", "", "JSON payload")
	publishCmd.Flags().String("channel", domain.ChannelDefault, "channel to publish on")
	publishCmd.Flags().Duration("stale-after", 0, "fail the task if it has not run within this long (0 = never)")
	publishCmd.Flags().Duration("delay", 0, "defer the task; the sweeper schedules it once due")

	cancelCmd.Flags().String("reason", domain.ReasonCanceled, "reason recorded on the task")

	statusCmd.Flags().StringP("output", "o", "table", "output format: table, json or yaml")
}
