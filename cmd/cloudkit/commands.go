package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360/cloudkit/config"
	"github.com/c360/cloudkit/document"
	"github.com/c360/cloudkit/functions"
	"github.com/c360/cloudkit/messaging"
	"github.com/c360/cloudkit/platform"
)

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Configuration commands"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML; credentials are omitted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			redacted := *a.cfg
			redacted.NATS.Password = ""
			redacted.NATS.Token = ""
			data, err := yaml.Marshal(&redacted)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Load already validated it
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return err
		},
	}

	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a configuration file with the defaults",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Save(args[0], config.Default()); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return err
		},
	}

	cmd.AddCommand(show, validate, initCmd)
	return cmd
}

func newDocCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "doc", Short: "Document commands"}

	get := &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Print a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, mgr *platform.Manager) error {
				docs, err := mgr.Documents(ctx)
				if err != nil {
					return err
				}
				data, rev, err := docs.GetRaw(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				a.logger.Debug("Fetched document", "path", document.Path(args[0], args[1]), "revision", rev)
				_, err = fmt.Fprintln(cmd.OutOrStdout(), pretty(data))
				return err
			})
		},
	}

	var merge bool
	set := &cobra.Command{
		Use:   "set <collection> <id> <json>",
		Short: "Write a document, replacing it unless --merge is given",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, mgr *platform.Manager) error {
				docs, err := mgr.Documents(ctx)
				if err != nil {
					return err
				}
				rev, err := docs.SetRaw(ctx, args[0], args[1], []byte(args[2]), merge)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s revision %d\n", document.Path(args[0], args[1]), rev)
				return err
			})
		},
	}
	set.Flags().BoolVar(&merge, "merge", false, "Merge top-level fields into the existing document")

	add := &cobra.Command{
		Use:   "add <collection> <json>",
		Short: "Add a document under a generated id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, mgr *platform.Manager) error {
				docs, err := mgr.Documents(ctx)
				if err != nil {
					return err
				}
				id, _, err := docs.AddRaw(ctx, args[0], []byte(args[1]))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), document.Path(args[0], id))
				return err
			})
		},
	}

	update := &cobra.Command{
		Use:   "update <collection> <id> <field=value>...",
		Short: "Update fields of an existing document; dotted fields address nested values",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, err := parseAssignments(args[2:])
			if err != nil {
				return err
			}
			fields := make(map[string]any, len(pairs))
			for k, v := range pairs {
				fields[k] = parseValue(v)
			}
			return a.run(cmd, func(ctx context.Context, mgr *platform.Manager) error {
				docs, err := mgr.Documents(ctx)
				if err != nil {
					return err
				}
				rev, err := docs.UpdateFields(ctx, args[0], args[1], fields)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s revision %d\n", document.Path(args[0], args[1]), rev)
				return err
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, mgr *platform.Manager) error {
				docs, err := mgr.Documents(ctx)
				if err != nil {
					return err
				}
				return docs.Delete(ctx, args[0], args[1])
			})
		},
	}

	var (
		wheres []string
		orders []string
		limit  int
	)
	query := &cobra.Command{
		Use:   "query <collection>",
		Short: "Query a collection",
		Example: `  cloudkit doc query products --where "price < 10" --where 'category == "fruit"' \
    --order-by "price desc" --limit 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			constraints, err := queryConstraints(wheres, orders, limit)
			if err != nil {
				return err
			}
			return a.run(cmd, func(ctx context.Context, mgr *platform.Manager) error {
				docs, err := mgr.Documents(ctx)
				if err != nil {
					return err
				}
				records, err := docs.QueryRaw(ctx, args[0], constraints...)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, rec := range records {
					if _, err := fmt.Fprintf(out, "%s\t%s\n", rec.ID, rec.Data); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	query.Flags().StringArrayVar(&wheres, "where", nil, `Filter "field op value"; repeatable`)
	query.Flags().StringArrayVar(&orders, "order-by", nil, `Order "field [asc|desc]"; repeatable`)
	query.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	cmd.AddCommand(get, set, add, update, del, query)
	return cmd
}

func queryConstraints(wheres, orders []string, limit int) ([]document.Constraint, error) {
	constraints := make([]document.Constraint, 0, len(wheres)+len(orders)+1)
	for _, w := range wheres {
		c, err := parseWhere(w)
		if err != nil {
			return nil, err
		}
		constraints = append(constraints, c)
	}
	for _, o := range orders {
		c, err := parseOrder(o)
		if err != nil {
			return nil, err
		}
		constraints = append(constraints, c)
	}
	if limit != 0 {
		constraints = append(constraints, document.Limit(limit))
	}
	return constraints, nil
}

func newTopicCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "topic", Short: "Topic commands"}

	create := &cobra.Command{
		Use:   "create <topic>",
		Short: "Create a topic; an existing topic is left as is",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, mgr *platform.Manager) error {
				msgs, err := mgr.Messaging(ctx)
				if err != nil {
					return err
				}
				topic, err := msgs.CreateTopic(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\tstream=%s\tsubject=%s\tmessages=%d\n",
					topic.Name, topic.Stream, topic.Subject, topic.Messages)
				return err
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(ctx context.Context, mgr *platform.Manager) error {
				msgs, err := mgr.Messaging(ctx)
				if err != nil {
					return err
				}
				topics, err := msgs.ListTopics(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(topics, "\n"))
				return err
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <topic>",
		Short: "Delete a topic and its subscriptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, mgr *platform.Manager) error {
				msgs, err := mgr.Messaging(ctx)
				if err != nil {
					return err
				}
				return msgs.DeleteTopic(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}

func newPublishCommand(a *app) *cobra.Command {
	var (
		attrs       []string
		orderingKey string
		messageID   string
	)
	cmd := &cobra.Command{
		Use:   "publish <topic> <payload>",
		Short: "Publish a message; JSON payloads are sent as JSON, anything else as text",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			attributes, err := parseAssignments(attrs)
			if err != nil {
				return err
			}
			return a.run(cmd, func(ctx context.Context, mgr *platform.Manager) error {
				msgs, err := mgr.Messaging(ctx)
				if err != nil {
					return err
				}
				id, err := msgs.Publish(ctx, args[0], parsePayload(args[1]), messaging.PublishOptions{
					Attributes:  attributes,
					OrderingKey: orderingKey,
					MessageID:   messageID,
				})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
				return err
			})
		},
	}
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "Message attribute key=value; repeatable")
	cmd.Flags().StringVar(&orderingKey, "ordering-key", "", "Ordering key")
	cmd.Flags().StringVar(&messageID, "id", "", "Message id used for de-duplication")
	return cmd
}

func newSubscribeCommand(a *app) *cobra.Command {
	var (
		count  int
		noAck  bool
		create bool
	)
	cmd := &cobra.Command{
		Use:   "subscribe <topic> <subscription>",
		Short: "Print messages delivered to a subscription until interrupted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mgr := a.manager()
			defer func() {
				cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = mgr.Cleanup(cleanupCtx)
			}()

			msgs, err := mgr.Messaging(ctx)
			if err != nil {
				return err
			}
			if create {
				if _, err := msgs.CreateTopic(ctx, args[0]); err != nil {
					return err
				}
			}

			ctx, done := context.WithCancel(ctx)
			defer done()

			var seen atomic.Int64
			out := cmd.OutOrStdout()
			handler := func(_ context.Context, env *messaging.Envelope[json.RawMessage]) error {
				_, _ = fmt.Fprintf(out, "%s\tattempt=%d\t%s\n", env.ID, env.DeliveryAttempt, env.Data)
				if !noAck {
					if err := env.Ack(); err != nil {
						return err
					}
				}
				if n := seen.Add(1); count > 0 && n >= int64(count) {
					done()
				}
				return nil
			}

			if _, err := messaging.Subscribe(ctx, msgs, args[0], args[1], handler); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "Exit after this many messages; 0 runs until interrupted")
	cmd.Flags().BoolVar(&noAck, "no-ack", false, "Leave messages unacknowledged so they are redelivered")
	cmd.Flags().BoolVar(&create, "create-topic", false, "Create the topic if it does not exist")
	return cmd
}

func newCallCommand(a *app) *cobra.Command {
	var (
		region  string
		retries int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call <function> [json]",
		Short: "Call a function and print its result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any
			if len(args) == 2 {
				payload = parsePayload(args[1])
			}

			opts := []functions.CallOption{functions.WithRegion(region)}
			if timeout > 0 {
				opts = append(opts, functions.WithTimeout(timeout))
			}
			if retries >= 0 {
				opts = append(opts, functions.WithMaxRetries(retries))
			}

			return a.run(cmd, func(ctx context.Context, mgr *platform.Manager) error {
				fns, err := mgr.Functions(ctx)
				if err != nil {
					return err
				}
				res, err := fns.CallWithRetry(ctx, args[0], payload, opts...)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), pretty(res))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "Region; defaults to functions.region")
	cmd.Flags().IntVar(&retries, "retries", -1, "Retries for retryable failures; defaults to functions.max_retries")
	cmd.Flags().DurationVar(&timeout, "call-timeout", 0, "Per-attempt timeout; defaults to functions.timeout")
	return cmd
}

func newHealthCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Connect to the platform and print its health as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(ctx context.Context, mgr *platform.Manager) error {
				if err := mgr.Connect(ctx); err != nil {
					return err
				}
				status := mgr.Health()
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(status); err != nil {
					return err
				}
				if status.IsUnhealthy() {
					return fmt.Errorf("platform is %s", status.State)
				}
				return nil
			})
		},
	}
}
