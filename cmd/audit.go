// File: cmd/audit.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/countygis/agentcore/api/schemas"
	"github.com/countygis/agentcore/internal/observability"
	"github.com/countygis/agentcore/internal/service"
)

// withStore opens the configured message store without starting a core.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, s schemas.MessageStore) error) error {
	cfg, err := getConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	s, cleanup, err := service.InitializeStore(ctx, cfg.Store, observability.GetLogger())
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, s)
}

func newMessagesCmd() *cobra.Command {
	var (
		correlationID string
		recipient     string
		status        string
		expired       bool
		limit         int
	)

	messagesCmd := &cobra.Command{
		Use:   "messages",
		Short: "List stored agent messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := schemas.MessageFilter{
				CorrelationID: correlationID,
				Recipient:     recipient,
				Limit:         limit,
			}
			if status != "" {
				s := schemas.MessageStatus(strings.ToUpper(status))
				switch s {
				case schemas.StatusPending, schemas.StatusProcessing, schemas.StatusCompleted, schemas.StatusFailed:
					filter.Status = s
				default:
					return fmt.Errorf("--status: unknown status %q", status)
				}
			}
			if expired {
				now := time.Now().UTC()
				filter.ExpiredBefore = &now
			}

			return withStore(cmd, func(ctx context.Context, s schemas.MessageStore) error {
				msgs, err := s.ListMessages(ctx, filter)
				if err != nil {
					return err
				}
				if msgs == nil {
					msgs = []schemas.AgentMessage{}
				}
				return printJSON(cmd.OutOrStdout(), msgs)
			})
		},
	}

	messagesCmd.Flags().StringVar(&correlationID, "correlation", "", "Only messages with this correlation id")
	messagesCmd.Flags().StringVar(&recipient, "recipient", "", "Only messages for this agent")
	messagesCmd.Flags().StringVar(&status, "status", "", "Only messages in this status")
	messagesCmd.Flags().BoolVar(&expired, "expired", false, "Only messages whose expiry has passed")
	messagesCmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of messages (0 means no limit)")
	return messagesCmd
}

func newLogsCmd() *cobra.Command {
	var (
		limit     int
		follow    bool
		fromStart bool
	)

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the audit log, or follow the application log file with --follow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if follow {
				cfg, err := getConfig(cmd)
				if err != nil {
					return err
				}
				if cfg.Logger.LogFile == "" {
					return fmt.Errorf("--follow requires logger.log_file to be configured")
				}
				return followLogFile(cmd.Context(), cfg.Logger.LogFile, cmd.OutOrStdout(), fromStart)
			}

			return withStore(cmd, func(ctx context.Context, s schemas.MessageStore) error {
				entries, err := s.ListLogs(ctx, limit)
				if err != nil {
					return err
				}
				if entries == nil {
					entries = []schemas.LogEntry{}
				}
				return printJSON(cmd.OutOrStdout(), entries)
			})
		},
	}

	logsCmd.Flags().IntVar(&limit, "limit", 100, "Number of most recent audit entries")
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream the application log file until interrupted")
	logsCmd.Flags().BoolVar(&fromStart, "from-start", false, "With --follow, start at the beginning of the file")
	return logsCmd
}

// followLogFile streams lines appended to path until ctx is cancelled.
func followLogFile(ctx context.Context, path string, w io.Writer, fromStart bool) error {
	whence := io.SeekEnd
	if fromStart {
		whence = io.SeekStart
	}
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail log file: %w", err)
	}
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	logger := observability.GetLogger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				logger.Warn("Error reading from log file", zap.Error(line.Err))
				continue
			}
			if _, err := fmt.Fprintln(w, line.Text); err != nil {
				return err
			}
		}
	}
}
